package cdc

import (
	"context"
	"testing"
)

type mockListener struct {
	events []Event
	err    error
}

func (m *mockListener) OnEvent(ctx context.Context, event Event) error {
	m.events = append(m.events, event)
	return m.err
}

func TestEventKinds(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  Kind
	}{
		{"insert", &Insert{}, KindInsert},
		{"update", &Update{}, KindUpdate},
		{"delete", &Delete{}, KindDelete},
		{"transaction", &Transaction{}, KindTransaction},
		{"truncate", &Truncate{}, KindTruncate},
		{"message", &Message{}, KindMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.event.Kind(); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestMutationTableRef(t *testing.T) {
	var m Mutation = &Delete{
		TableRef: TableRef{SchemaName: "shop", TableName: "orders"},
		Rows:     []Row{{int64(1)}},
	}

	if m.Schema() != "shop" {
		t.Errorf("Expected schema shop, got %s", m.Schema())
	}
	if m.Table() != "orders" {
		t.Errorf("Expected table orders, got %s", m.Table())
	}
}

func TestNonMutationEvents(t *testing.T) {
	for _, ev := range []Event{&Transaction{}, &Truncate{}, &Message{}} {
		if _, ok := ev.(Mutation); ok {
			t.Errorf("%s should not be a mutation", ev.Kind())
		}
	}
}
