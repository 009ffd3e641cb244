package storage

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DefaultHistoryRetention is the number of transitions kept per upstream.
const DefaultHistoryRetention = 500

// Manager provides a unified interface for storage operations
type Manager struct {
	db        *BoltDB
	mu        sync.RWMutex
	logger    *zap.SugaredLogger
	retention int
	appends   map[string]int
}

// NewManager creates a new storage manager
func NewManager(dataDir string, logger *zap.SugaredLogger) (*Manager, error) {
	db, err := NewBoltDB(dataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create bolt database: %w", err)
	}

	return &Manager{
		db:        db,
		logger:    logger,
		retention: DefaultHistoryRetention,
		appends:   make(map[string]int),
	}, nil
}

// Close closes the storage manager
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db != nil {
		err := m.db.Close()
		m.db = nil
		return err
	}
	return nil
}

// SetHistoryRetention changes how many transitions are kept per upstream
func (m *Manager) SetHistoryRetention(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > 0 {
		m.retention = n
	}
}

func (m *Manager) open() (*BoltDB, error) {
	if m.db == nil {
		return nil, fmt.Errorf("storage manager is closed")
	}
	return m.db, nil
}

// Upstream operations

// SaveUpstream saves the current state of an upstream server
func (m *Manager) SaveUpstream(record *UpstreamRecord) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	db, err := m.open()
	if err != nil {
		return err
	}
	return db.SaveUpstream(record)
}

// GetUpstream retrieves an upstream server by id
func (m *Manager) GetUpstream(id string) (*UpstreamRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	db, err := m.open()
	if err != nil {
		return nil, err
	}
	return db.GetUpstream(id)
}

// ListUpstreams returns every persisted upstream
func (m *Manager) ListUpstreams() ([]*UpstreamRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	db, err := m.open()
	if err != nil {
		return nil, err
	}
	return db.ListUpstreams()
}

// Status history

// AppendTransition records a status change. Every retention appends the
// server's history is trimmed back to retention entries.
func (m *Manager) AppendTransition(record *TransitionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	db, err := m.open()
	if err != nil {
		return err
	}
	if err := db.AppendTransition(record); err != nil {
		return err
	}

	m.appends[record.ServerID]++
	if m.appends[record.ServerID] >= m.retention {
		m.appends[record.ServerID] = 0
		if err := db.PruneTransitions(record.ServerID, m.retention); err != nil {
			m.logger.Warnw("Failed to prune status history", "server", record.ServerID, "error", err)
		}
	}
	return nil
}

// ListTransitions returns the newest limit transitions of a server
func (m *Manager) ListTransitions(serverID string, limit int) ([]*TransitionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	db, err := m.open()
	if err != nil {
		return nil, err
	}
	return db.ListTransitions(serverID, limit)
}

// GetStats returns basic database statistics
func (m *Manager) GetStats() (map[string]interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	db, err := m.open()
	if err != nil {
		return nil, err
	}
	upstreams, err := db.ListUpstreams()
	if err != nil {
		return nil, err
	}
	version, err := db.GetSchemaVersion()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"upstreams":      len(upstreams),
		"schema_version": version,
	}, nil
}
