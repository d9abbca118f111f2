package primarykey

import "sort"

// Layout maps a column name to its zero-based position within a row tuple.
type Layout map[string]int

// NewLayout builds a layout from column names listed in row order.
func NewLayout(columns ...string) Layout {
	layout := make(Layout, len(columns))
	for i, name := range columns {
		layout[name] = i
	}
	return layout
}

// Columns returns column names ordered by position.
func (l Layout) Columns() []string {
	names := make([]string, 0, len(l))
	for name := range l {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return l[names[i]] < l[names[j]]
	})
	return names
}
