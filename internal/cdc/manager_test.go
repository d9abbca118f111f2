package cdc

import (
	"errors"
	"net/http"
	"testing"

	"github.com/jackc/pglogrepl"

	"github.com/cachesync/cachesync/internal/alert"
)

type countingHTTPClient struct {
	requests int
}

func (c *countingHTTPClient) Do(req *http.Request) (*http.Response, error) {
	c.requests++
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
}

type memCheckpointer struct {
	lsn uint64
	err error
}

func (c *memCheckpointer) SetCheckpoint(lsn uint64) error {
	c.lsn = lsn
	return c.err
}

func (c *memCheckpointer) Checkpoint() (uint64, error) {
	return c.lsn, nil
}

func TestNewManager(t *testing.T) {
	config := &ReplicationConfig{
		Host:            "localhost",
		Port:            5432,
		Database:        "testdb",
		User:            "testuser",
		Password:        "testpass",
		SlotName:        "test_slot",
		PublicationName: "test_pub",
	}

	manager := NewManager(config, nil)

	if manager == nil {
		t.Fatal("NewManager returned nil")
	}

	if manager.config != config {
		t.Error("Config not set correctly")
	}

	if len(manager.listeners) != 0 {
		t.Error("Listeners should be empty initially")
	}
}

func TestManagerAddListener(t *testing.T) {
	manager := NewManager(&ReplicationConfig{}, nil)

	manager.AddListener(&mockListener{})
	manager.AddListener(&mockListener{})

	if len(manager.listeners) != 2 {
		t.Errorf("Expected 2 listeners, got %d", len(manager.listeners))
	}
}

func TestManagerDispatch(t *testing.T) {
	manager := NewManager(&ReplicationConfig{}, nil)
	cp := &memCheckpointer{}
	manager.SetCheckpointer(cp)

	l1 := &mockListener{}
	l2 := &mockListener{}
	manager.AddListener(l1)
	manager.AddListener(l2)

	event := &Insert{TableRef: TableRef{SchemaName: "shop", TableName: "orders"}}

	if err := manager.Dispatch(t.Context(), event, pglogrepl.LSN(100)); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if len(l1.events) != 1 || len(l2.events) != 1 {
		t.Fatalf("Expected every listener to receive the event, got %d and %d", len(l1.events), len(l2.events))
	}
	if l1.events[0] != event {
		t.Error("Event not forwarded correctly")
	}
	if manager.GetLSN() != 100 {
		t.Errorf("Expected LSN 100, got %d", manager.GetLSN())
	}
	if cp.lsn != 100 {
		t.Errorf("Expected checkpoint 100, got %d", cp.lsn)
	}
}

func TestManagerDispatchListenerError(t *testing.T) {
	manager := NewManager(&ReplicationConfig{}, nil)
	manager.SetLSN(50)

	failing := &mockListener{err: errors.New("sink down")}
	after := &mockListener{}
	manager.AddListener(failing)
	manager.AddListener(after)

	err := manager.Dispatch(t.Context(), &Delete{}, pglogrepl.LSN(100))
	if err == nil {
		t.Fatal("Expected dispatch error")
	}

	if len(after.events) != 0 {
		t.Error("Listeners after a failure should not be called")
	}
	if manager.GetLSN() != 50 {
		t.Errorf("LSN must not advance on failure, got %d", manager.GetLSN())
	}
}

func TestManagerDispatchWithNoListeners(t *testing.T) {
	manager := NewManager(&ReplicationConfig{}, nil)

	if err := manager.Dispatch(t.Context(), &Truncate{}, pglogrepl.LSN(7)); err != nil {
		t.Errorf("Dispatch with no listeners should not error: %v", err)
	}
}

func TestManagerLSN(t *testing.T) {
	manager := NewManager(&ReplicationConfig{}, nil)

	lsn := pglogrepl.LSN(12345)
	manager.SetLSN(lsn)

	got := manager.GetLSN()
	if got != lsn {
		t.Errorf("Expected LSN %d, got %d", lsn, got)
	}
}

func TestManagerStartWithoutInit(t *testing.T) {
	manager := NewManager(&ReplicationConfig{}, nil)

	err := manager.Start(t.Context())
	if err == nil {
		t.Error("Start should fail without Initialize")
	}
}

func TestManagerStopWhenNotRunning(t *testing.T) {
	manager := NewManager(&ReplicationConfig{}, nil)

	err := manager.Stop(t.Context())
	if err != nil {
		t.Errorf("Stop should not fail when not running: %v", err)
	}
	if manager.Err() != nil {
		t.Errorf("Expected no error, got %v", manager.Err())
	}
}

func TestPublicationStatement(t *testing.T) {
	tests := []struct {
		name   string
		tables []string
		want   string
	}{
		{"all tables", nil, `CREATE PUBLICATION "cachesync" FOR ALL TABLES`},
		{"listed tables", []string{"shop.orders", "public.users"},
			`CREATE PUBLICATION "cachesync" FOR TABLE "shop"."orders", "public"."users"`},
		{"mixed case tables", []string{"Shop.Orders"},
			`CREATE PUBLICATION "cachesync" FOR TABLE "Shop"."Orders"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := publicationStatement("cachesync", tt.tables); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestManagerFailRecordsErrorAndAlerts(t *testing.T) {
	client := &countingHTTPClient{}
	manager := NewManager(&ReplicationConfig{SlotName: "test_slot"}, nil)
	manager.SetAlertManager(alert.NewManagerWithClient(true, "https://hooks.slack.com/test", client))

	cause := errors.New("sink apply failed")
	manager.fail(&DispatchError{LSN: pglogrepl.LSN(0x100), Err: cause})

	if !errors.Is(manager.Err(), cause) {
		t.Errorf("Expected Err to wrap cause, got %v", manager.Err())
	}
	var de *DispatchError
	if !errors.As(manager.Err(), &de) || de.LSN != 0x100 {
		t.Errorf("Expected DispatchError at 0/100, got %v", manager.Err())
	}
	if client.requests != 1 {
		t.Errorf("Expected 1 alert, got %d", client.requests)
	}
}
