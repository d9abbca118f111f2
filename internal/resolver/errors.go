package resolver

import (
	"errors"
	"fmt"

	"github.com/cachesync/cachesync/internal/cdc"
)

// UnsupportedEventKindError reports a mutation kind that has no row
// extraction rule.
type UnsupportedEventKindError struct {
	Kind cdc.Kind
}

func (e *UnsupportedEventKindError) Error() string {
	return fmt.Sprintf("unsupported mutation event kind: %s", e.Kind)
}

func IsUnsupportedEventKind(err error) bool {
	var ue *UnsupportedEventKindError
	return errors.As(err, &ue)
}
