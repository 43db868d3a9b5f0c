// Package store keeps per-session bookkeeping that may outlive a single
// process: which command ids a client already used and the status of each
// command.
package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Command statuses recorded by SetCommandStatus.
const (
	StatusPending = "pending"
	StatusOK      = "ok"
	StatusFailed  = "failed"
)

type Store interface {
	// MarkProcessed records commandID and reports whether it was new.
	MarkProcessed(ctx context.Context, commandID int64, ttl time.Duration) (bool, error)

	SetCommandStatus(ctx context.Context, commandID int64, status string, ttl time.Duration) error
	// GetCommandStatus returns an empty status for unknown or expired ids.
	GetCommandStatus(ctx context.Context, commandID int64) (string, error)

	// Namespace returns a view whose keys do not collide with other
	// namespaces of the same backing store.
	Namespace(ns string) Store
}

type expiring struct {
	value    string
	expireAt time.Time
}

func (e expiring) live(now time.Time) bool {
	return now.Before(e.expireAt)
}

type memoryData struct {
	mu        sync.RWMutex
	processed map[string]time.Time
	statuses  map[string]expiring
}

type MemoryStore struct {
	data   *memoryData
	prefix string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: &memoryData{
			processed: make(map[string]time.Time),
			statuses:  make(map[string]expiring),
		},
	}
}

func (m *MemoryStore) Namespace(ns string) Store {
	return &MemoryStore{data: m.data, prefix: m.prefix + ns + ":"}
}

func (m *MemoryStore) commandKey(id int64) string {
	return m.prefix + strconv.FormatInt(id, 10)
}

func (m *MemoryStore) MarkProcessed(_ context.Context, commandID int64, ttl time.Duration) (bool, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	now := time.Now()
	key := m.commandKey(commandID)
	if expireAt, ok := m.data.processed[key]; ok && now.Before(expireAt) {
		return false, nil
	}
	m.data.processed[key] = now.Add(ttl)
	return true, nil
}

func (m *MemoryStore) SetCommandStatus(_ context.Context, commandID int64, status string, ttl time.Duration) error {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	m.data.statuses[m.commandKey(commandID)] = expiring{value: status, expireAt: time.Now().Add(ttl)}
	return nil
}

func (m *MemoryStore) GetCommandStatus(_ context.Context, commandID int64) (string, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	e, ok := m.data.statuses[m.commandKey(commandID)]
	if !ok || !e.live(time.Now()) {
		return "", nil
	}
	return e.value, nil
}
