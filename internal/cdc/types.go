package cdc

import (
	"context"
	"time"

	"github.com/jackc/pglogrepl"
)

type Kind string

const (
	KindInsert      Kind = "INSERT"
	KindUpdate      Kind = "UPDATE"
	KindDelete      Kind = "DELETE"
	KindTransaction Kind = "TRANSACTION"
	KindTruncate    Kind = "TRUNCATE"
	KindMessage     Kind = "MESSAGE"
)

// Event is anything delivered by the replication stream.
type Event interface {
	Kind() Kind
}

// Mutation is a row-level change against a single table.
type Mutation interface {
	Event
	Schema() string
	Table() string
}

// Row is one physical row tuple in column order.
type Row []any

// RowChange is the before and after image of one updated row.
type RowChange struct {
	Before Row
	After  Row
}

// TableRef names the table a mutation applies to.
type TableRef struct {
	SchemaName string
	TableName  string
}

func (t TableRef) Schema() string { return t.SchemaName }

func (t TableRef) Table() string { return t.TableName }

type Insert struct {
	TableRef
	Rows []Row
}

func (*Insert) Kind() Kind { return KindInsert }

type Update struct {
	TableRef
	Rows []RowChange
}

func (*Update) Kind() Kind { return KindUpdate }

type Delete struct {
	TableRef
	Rows []Row
}

func (*Delete) Kind() Kind { return KindDelete }

// Transaction groups the events committed together, in commit order.
type Transaction struct {
	XID       uint32
	CommitLSN pglogrepl.LSN
	Timestamp time.Time
	Events    []Event
}

func (*Transaction) Kind() Kind { return KindTransaction }

type Truncate struct {
	Tables []TableRef
}

func (*Truncate) Kind() Kind { return KindTruncate }

// Message is a logical decoding message emitted with pg_logical_emit_message.
type Message struct {
	Prefix  string
	Content []byte
}

func (*Message) Kind() Kind { return KindMessage }

// Listener consumes events. Delivery blocks until OnEvent returns.
type Listener interface {
	OnEvent(ctx context.Context, event Event) error
}
