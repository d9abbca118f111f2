package cdc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/cachesync/cachesync/internal/alert"
)

// Checkpointer records the last acknowledged WAL position.
type Checkpointer interface {
	SetCheckpoint(lsn uint64) error
	Checkpoint() (uint64, error)
}

type Manager struct {
	config       *ReplicationConfig
	client       *ReplicationClient
	listeners    []Listener
	mu           sync.RWMutex
	currentLSN   pglogrepl.LSN
	running      bool
	stopCh       chan struct{}
	doneCh       chan struct{}
	err          error
	wg           sync.WaitGroup
	alertManager *alert.Manager
	checkpointer Checkpointer
	logger       *zap.Logger
}

func NewManager(config *ReplicationConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		config:    config,
		listeners: make([]Listener, 0),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		logger:    logger,
	}
}

func (m *Manager) AddListener(listener Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

func (m *Manager) SetAlertManager(am *alert.Manager) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertManager = am
}

func (m *Manager) SetCheckpointer(c Checkpointer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpointer = c
}

func (m *Manager) Initialize(ctx context.Context) error {
	if m.config.CreatePublication {
		if err := m.createPublicationIfNotExists(ctx); err != nil {
			return fmt.Errorf("failed to create publication: %w", err)
		}
	}

	client := NewReplicationClient(m.config, m, m.logger)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	if err := client.CreateSlotIfNotExists(ctx); err != nil {
		client.Close(ctx)
		return fmt.Errorf("failed to create slot: %w", err)
	}

	if m.checkpointer != nil && m.GetLSN() == 0 {
		if lsn, err := m.checkpointer.Checkpoint(); err == nil {
			m.SetLSN(pglogrepl.LSN(lsn))
		}
	}

	m.client = client
	return nil
}

func (m *Manager) Start(ctx context.Context) error {
	if m.running {
		return fmt.Errorf("manager already running")
	}

	if m.client == nil {
		return fmt.Errorf("manager not initialized")
	}

	if err := m.client.StartReplication(ctx, m.GetLSN()); err != nil {
		return fmt.Errorf("failed to start replication: %w", err)
	}

	m.running = true
	m.wg.Add(1)

	go m.receiveLoop(ctx)

	return nil
}

func (m *Manager) Stop(ctx context.Context) error {
	if !m.running {
		return nil
	}

	close(m.stopCh)
	m.wg.Wait()
	m.running = false

	if m.client != nil {
		return m.client.Close(ctx)
	}

	return nil
}

// Done is closed when the receive loop exits.
func (m *Manager) Done() <-chan struct{} {
	return m.doneCh
}

// Err returns the failure that stopped the receive loop, if any.
func (m *Manager) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

func (m *Manager) receiveLoop(ctx context.Context) {
	defer m.wg.Done()
	defer close(m.doneCh)

	errorCount := 0
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		err := m.client.ReceiveMessage(ctx)
		if err == nil {
			errorCount = 0
			continue
		}

		var de *DispatchError
		if errors.As(err, &de) {
			m.fail(de)
			return
		}

		errorCount++
		backoff := time.Duration(math.Pow(2, float64(errorCount))) * time.Second
		if backoff > maxBackoff {
			backoff = maxBackoff
		}

		m.logger.Error("replication receive failed",
			zap.Error(err),
			zap.Int("attempt", errorCount),
			zap.Duration("backoff", backoff))
		m.withAlerts(func(am *alert.Manager) error {
			return am.SendReplicationLostAlert(m.config.SlotName, errorCount, backoff, err)
		})

		select {
		case <-time.After(backoff):
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}

		if err := m.reconnect(ctx); err != nil {
			m.logger.Error("replication reconnect failed", zap.Error(err))
		}
	}
}

func (m *Manager) reconnect(ctx context.Context) error {
	_ = m.client.Close(ctx)
	if err := m.client.Connect(ctx); err != nil {
		return err
	}
	return m.client.StartReplication(ctx, m.GetLSN())
}

func (m *Manager) fail(de *DispatchError) {
	m.mu.Lock()
	m.err = de
	m.mu.Unlock()

	m.logger.Error("event dispatch failed, stopping replication",
		zap.Error(de.Err),
		zap.Stringer("lsn", de.LSN))
	m.withAlerts(func(am *alert.Manager) error {
		return am.SendDispatchFailedAlert(m.config.SlotName, de.LSN.String(), de.Err)
	})
}

func (m *Manager) withAlerts(send func(am *alert.Manager) error) {
	m.mu.RLock()
	am := m.alertManager
	m.mu.RUnlock()

	if am == nil {
		return
	}
	if err := send(am); err != nil {
		m.logger.Warn("failed to send alert", zap.Error(err))
	}
}

// Dispatch delivers event to every listener in registration order and
// records lsn once all of them succeeded.
func (m *Manager) Dispatch(ctx context.Context, event Event, lsn pglogrepl.LSN) error {
	m.mu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	checkpointer := m.checkpointer
	m.mu.RUnlock()

	for _, listener := range listeners {
		if err := listener.OnEvent(ctx, event); err != nil {
			return fmt.Errorf("listener failed: %w", err)
		}
	}

	m.SetLSN(lsn)
	if checkpointer != nil && lsn != 0 {
		if err := checkpointer.SetCheckpoint(uint64(lsn)); err != nil {
			m.logger.Warn("failed to record checkpoint", zap.Error(err), zap.Stringer("lsn", lsn))
		}
	}

	return nil
}

func (m *Manager) createPublicationIfNotExists(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, m.config.connString(false))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close(ctx)

	var exists bool
	err = conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)",
		m.config.PublicationName,
	).Scan(&exists)

	if err != nil {
		return fmt.Errorf("failed to check publication: %w", err)
	}

	if !exists {
		if _, err = conn.Exec(ctx, publicationStatement(m.config.PublicationName, m.config.Tables)); err != nil {
			return fmt.Errorf("failed to create publication: %w", err)
		}
		m.logger.Info("created publication", zap.String("publication", m.config.PublicationName))
	}

	return nil
}

func publicationStatement(name string, tables []string) string {
	stmt := "CREATE PUBLICATION " + pgx.Identifier{name}.Sanitize()
	if len(tables) == 0 {
		return stmt + " FOR ALL TABLES"
	}

	quoted := make([]string, len(tables))
	for i, t := range tables {
		quoted[i] = pgx.Identifier(strings.SplitN(t, ".", 2)).Sanitize()
	}
	return stmt + " FOR TABLE " + strings.Join(quoted, ", ")
}

func (m *Manager) SetLSN(lsn pglogrepl.LSN) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentLSN = lsn
}

func (m *Manager) GetLSN() pglogrepl.LSN {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLSN
}
