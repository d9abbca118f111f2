package cdc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"
)

const (
	OutputPlugin = "pgoutput"

	defaultStandbyTimeout = 10 * time.Second
)

type ReplicationConfig struct {
	Host              string
	Port              int
	Database          string
	User              string
	Password          string
	SlotName          string
	PublicationName   string
	CreatePublication bool
	// Tables restricts a created publication; empty means all tables.
	Tables         []string
	Messages       bool
	StandbyTimeout time.Duration
}

func (c *ReplicationConfig) connString(replication bool) string {
	s := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s",
		c.Host, c.Port, c.Database, c.User, c.Password)
	if replication {
		s += " replication=database"
	}
	return s
}

// dispatcher receives decoded events along with the WAL position that is
// safe to acknowledge once the event has been handled.
type dispatcher interface {
	Dispatch(ctx context.Context, event Event, lsn pglogrepl.LSN) error
}

type ReplicationClient struct {
	config    *ReplicationConfig
	conn      *pgconn.PgConn
	relations map[uint32]*pglogrepl.RelationMessage
	typeMap   *pgtype.Map
	handler   dispatcher
	logger    *zap.Logger

	tx       *Transaction
	ackedLSN pglogrepl.LSN
}

func NewReplicationClient(config *ReplicationConfig, handler dispatcher, logger *zap.Logger) *ReplicationClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReplicationClient{
		config:    config,
		relations: make(map[uint32]*pglogrepl.RelationMessage),
		typeMap:   pgtype.NewMap(),
		handler:   handler,
		logger:    logger,
	}
}

func (rc *ReplicationClient) Connect(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, rc.config.connString(true))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	rc.conn = conn
	return nil
}

func (rc *ReplicationClient) CreateSlotIfNotExists(ctx context.Context) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	result, err := pglogrepl.CreateReplicationSlot(
		ctx,
		rc.conn,
		rc.config.SlotName,
		OutputPlugin,
		pglogrepl.CreateReplicationSlotOptions{},
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42710" {
			return nil
		}
		return fmt.Errorf("failed to create replication slot: %w", err)
	}

	rc.logger.Info("created replication slot",
		zap.String("slot", result.SlotName),
		zap.String("consistent_point", result.ConsistentPoint))
	return nil
}

func (rc *ReplicationClient) DropSlot(ctx context.Context) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	err := pglogrepl.DropReplicationSlot(ctx, rc.conn, rc.config.SlotName, pglogrepl.DropReplicationSlotOptions{})
	if err != nil {
		return fmt.Errorf("failed to drop replication slot: %w", err)
	}

	return nil
}

func (rc *ReplicationClient) pluginArguments() []string {
	args := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", rc.config.PublicationName),
	}
	if rc.config.Messages {
		args = append(args, "messages 'true'")
	}
	return args
}

func (rc *ReplicationClient) StartReplication(ctx context.Context, startLSN pglogrepl.LSN) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	err := pglogrepl.StartReplication(
		ctx,
		rc.conn,
		rc.config.SlotName,
		startLSN,
		pglogrepl.StartReplicationOptions{
			PluginArgs: rc.pluginArguments(),
		},
	)

	if err != nil {
		return fmt.Errorf("failed to start replication: %w", err)
	}

	rc.ackedLSN = startLSN
	rc.tx = nil
	return nil
}

// ReceiveMessage reads and handles one message from the stream. A quiet
// stream is not an error; the client reports its position instead.
func (rc *ReplicationClient) ReceiveMessage(ctx context.Context) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	timeout := rc.config.StandbyTimeout
	if timeout <= 0 {
		timeout = defaultStandbyTimeout
	}
	recvCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := rc.conn.ReceiveMessage(recvCtx)
	if err != nil {
		if pgconn.Timeout(err) {
			return rc.SendStandbyStatusUpdate(ctx, rc.ackedLSN)
		}
		return fmt.Errorf("receive message failed: %w", err)
	}

	switch msg := msg.(type) {
	case *pgproto3.CopyData:
		return rc.handleCopyData(ctx, msg.Data)
	case *pgproto3.ErrorResponse:
		return fmt.Errorf("replication error: %s", msg.Message)
	default:
		return nil
	}
}

func (rc *ReplicationClient) handleCopyData(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		return rc.handleKeepalive(ctx, data[1:])
	case pglogrepl.XLogDataByteID:
		return rc.handleXLogData(ctx, data[1:])
	}

	return nil
}

func (rc *ReplicationClient) handleKeepalive(ctx context.Context, data []byte) error {
	pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data)
	if err != nil {
		return fmt.Errorf("failed to parse keepalive: %w", err)
	}

	if pkm.ReplyRequested {
		return rc.SendStandbyStatusUpdate(ctx, rc.ackedLSN)
	}

	return nil
}

func (rc *ReplicationClient) handleXLogData(ctx context.Context, data []byte) error {
	xld, err := pglogrepl.ParseXLogData(data)
	if err != nil {
		return fmt.Errorf("failed to parse xlog data: %w", err)
	}

	return rc.processWALData(ctx, xld.WALData, xld.WALStart+pglogrepl.LSN(len(xld.WALData)))
}

func (rc *ReplicationClient) processWALData(ctx context.Context, walData []byte, endLSN pglogrepl.LSN) error {
	logicalMsg, err := pglogrepl.Parse(walData)
	if err != nil {
		return fmt.Errorf("failed to parse logical replication message: %w", err)
	}

	return rc.handleLogicalMessage(ctx, logicalMsg, endLSN)
}

func (rc *ReplicationClient) handleLogicalMessage(ctx context.Context, logicalMsg pglogrepl.Message, endLSN pglogrepl.LSN) error {
	var (
		event Event
		err   error
	)

	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		rc.relations[msg.RelationID] = msg
		return nil

	case *pglogrepl.BeginMessage:
		rc.tx = &Transaction{
			XID:       msg.Xid,
			Timestamp: msg.CommitTime,
		}
		return nil

	case *pglogrepl.CommitMessage:
		tx := rc.tx
		rc.tx = nil
		if tx == nil {
			return nil
		}
		tx.CommitLSN = msg.CommitLSN
		return rc.dispatch(ctx, tx, msg.TransactionEndLSN)

	case *pglogrepl.InsertMessage:
		event, err = rc.decodeInsert(msg)

	case *pglogrepl.UpdateMessage:
		event, err = rc.decodeUpdate(msg)

	case *pglogrepl.DeleteMessage:
		event, err = rc.decodeDelete(msg)

	case *pglogrepl.TruncateMessage:
		event, err = rc.decodeTruncate(msg)

	case *pglogrepl.LogicalDecodingMessage:
		event = &Message{Prefix: msg.Prefix, Content: msg.Content}
		if !msg.Transactional {
			return rc.dispatch(ctx, event, endLSN)
		}

	default:
		return nil
	}

	if err != nil {
		return err
	}
	if event == nil {
		return nil
	}
	if rc.tx != nil {
		rc.tx.Events = append(rc.tx.Events, event)
		return nil
	}
	return rc.dispatch(ctx, event, endLSN)
}

func (rc *ReplicationClient) dispatch(ctx context.Context, event Event, lsn pglogrepl.LSN) error {
	if rc.handler != nil {
		if err := rc.handler.Dispatch(ctx, event, lsn); err != nil {
			return &DispatchError{LSN: lsn, Err: err}
		}
	}
	rc.ackedLSN = lsn
	if rc.conn == nil {
		return nil
	}
	return rc.SendStandbyStatusUpdate(ctx, lsn)
}

func (rc *ReplicationClient) SendStandbyStatusUpdate(ctx context.Context, lsn pglogrepl.LSN) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	status := pglogrepl.StandbyStatusUpdate{
		WALWritePosition: lsn,
		WALFlushPosition: lsn,
		WALApplyPosition: lsn,
	}

	return pglogrepl.SendStandbyStatusUpdate(ctx, rc.conn, status)
}

func (rc *ReplicationClient) Close(ctx context.Context) error {
	if rc.conn != nil {
		err := rc.conn.Close(ctx)
		rc.conn = nil
		return err
	}
	return nil
}

func (rc *ReplicationClient) relation(id uint32) (*pglogrepl.RelationMessage, error) {
	rel, ok := rc.relations[id]
	if !ok {
		return nil, fmt.Errorf("unknown relation ID: %d", id)
	}
	return rel, nil
}

func tableRef(rel *pglogrepl.RelationMessage) TableRef {
	return TableRef{SchemaName: rel.Namespace, TableName: rel.RelationName}
}

func (rc *ReplicationClient) decodeInsert(msg *pglogrepl.InsertMessage) (Event, error) {
	rel, err := rc.relation(msg.RelationID)
	if err != nil {
		return nil, err
	}

	row, err := rc.decodeTuple(rel, msg.Tuple)
	if err != nil {
		return nil, err
	}

	return &Insert{TableRef: tableRef(rel), Rows: []Row{row}}, nil
}

// decodeUpdate uses the new tuple as the before image when the server sent
// no old tuple, which happens when no replica identity column changed.
func (rc *ReplicationClient) decodeUpdate(msg *pglogrepl.UpdateMessage) (Event, error) {
	rel, err := rc.relation(msg.RelationID)
	if err != nil {
		return nil, err
	}

	after, err := rc.decodeTuple(rel, msg.NewTuple)
	if err != nil {
		return nil, err
	}
	before := after
	if msg.OldTuple != nil {
		if before, err = rc.decodeTuple(rel, msg.OldTuple); err != nil {
			return nil, err
		}
	}

	return &Update{TableRef: tableRef(rel), Rows: []RowChange{{Before: before, After: after}}}, nil
}

func (rc *ReplicationClient) decodeDelete(msg *pglogrepl.DeleteMessage) (Event, error) {
	rel, err := rc.relation(msg.RelationID)
	if err != nil {
		return nil, err
	}

	if msg.OldTuple == nil {
		rc.logger.Warn("delete without old tuple, check REPLICA IDENTITY",
			zap.String("schema", rel.Namespace),
			zap.String("table", rel.RelationName))
		return nil, nil
	}

	row, err := rc.decodeTuple(rel, msg.OldTuple)
	if err != nil {
		return nil, err
	}

	return &Delete{TableRef: tableRef(rel), Rows: []Row{row}}, nil
}

func (rc *ReplicationClient) decodeTruncate(msg *pglogrepl.TruncateMessage) (Event, error) {
	tables := make([]TableRef, 0, len(msg.RelationIDs))
	for _, id := range msg.RelationIDs {
		rel, err := rc.relation(id)
		if err != nil {
			return nil, err
		}
		tables = append(tables, tableRef(rel))
	}
	return &Truncate{Tables: tables}, nil
}

func (rc *ReplicationClient) decodeTuple(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) (Row, error) {
	row := make(Row, len(rel.Columns))
	if tuple == nil {
		return row, nil
	}

	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			return nil, fmt.Errorf("tuple for %s.%s has %d columns, relation has %d",
				rel.Namespace, rel.RelationName, len(tuple.Columns), len(rel.Columns))
		}

		switch col.DataType {
		case pglogrepl.TupleDataTypeNull, pglogrepl.TupleDataTypeToast:
			row[i] = nil
		case pglogrepl.TupleDataTypeText:
			v, err := rc.decodeText(rel.Columns[i].DataType, col.Data)
			if err != nil {
				return nil, fmt.Errorf("failed to decode column %s: %w", rel.Columns[i].Name, err)
			}
			row[i] = v
		case pglogrepl.TupleDataTypeBinary:
			row[i] = append([]byte(nil), col.Data...)
		}
	}

	return row, nil
}

func (rc *ReplicationClient) decodeText(oid uint32, data []byte) (any, error) {
	if dt, ok := rc.typeMap.TypeForOID(oid); ok {
		return dt.Codec.DecodeValue(rc.typeMap, oid, pgtype.TextFormatCode, data)
	}
	return string(data), nil
}

// DispatchError wraps a listener failure. The event at LSN was not acknowledged.
type DispatchError struct {
	LSN pglogrepl.LSN
	Err error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch at %s failed: %v", e.LSN, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
