// Package locks provides mutually exclusive leases over logical resources
// identified by (operation, resourceId). Two pipelines generating the same
// subject-chapter contend on one lease; distinct resources proceed in
// parallel. Leases expire so a crashed owner cannot wedge the resource.
package locks

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"readerforge/internal/config"
	"readerforge/internal/logging"
)

// Record describes a held lease.
type Record struct {
	LockID     string    `json:"lockId"`
	Operation  string    `json:"operation"`
	ResourceID string    `json:"resourceId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Owner      string    `json:"owner"`
}

// AcquireResult is returned by Acquire: either the granted lease or a
// descriptive failure naming the current holder.
type AcquireResult struct {
	Acquired bool    `json:"acquired"`
	LockInfo *Record `json:"lockInfo,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

// Manager is the in-process lease table with an expiry sweeper.
type Manager struct {
	cfg config.LocksConfig
	now func() time.Time

	mu   sync.Mutex
	held map[string]*Record // key: operation + "\x00" + resourceId
	stop chan struct{}
	once sync.Once
}

// NewManager creates a Manager and starts the expiry sweeper.
func NewManager(cfg config.LocksConfig) *Manager {
	m := &Manager{
		cfg:  cfg,
		now:  time.Now,
		held: make(map[string]*Record),
		stop: make(chan struct{}),
	}
	go m.sweeper()
	return m
}

// Close stops the sweeper.
func (m *Manager) Close() { m.once.Do(func() { close(m.stop) }) }

func lockKey(operation, resourceID string) string {
	return operation + "\x00" + resourceID
}

// Acquire attempts to take the lease for (operation, resourceID) on behalf
// of owner. An expired lease is reclaimed eagerly.
func (m *Manager) Acquire(operation, resourceID, owner string) AcquireResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := lockKey(operation, resourceID)
	now := m.now()
	if existing, ok := m.held[key]; ok {
		if now.Before(existing.ExpiresAt) {
			return AcquireResult{
				Acquired: false,
				Reason: fmt.Sprintf("resource %s/%s locked by %s until %s",
					operation, resourceID, existing.Owner, existing.ExpiresAt.Format(time.RFC3339)),
			}
		}
		// Crashed or stalled owner: the lease expired, reclaim it.
		logging.Get(logging.CategoryLocks).Warn("reclaiming expired lock %s/%s from %s",
			operation, resourceID, existing.Owner)
		delete(m.held, key)
	}

	record := &Record{
		LockID:     uuid.NewString(),
		Operation:  operation,
		ResourceID: resourceID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.cfg.LeaseDurationValue()),
		Owner:      owner,
	}
	m.held[key] = record
	logging.Get(logging.CategoryLocks).Debug("acquired %s/%s for %s (lock %s)",
		operation, resourceID, owner, record.LockID)
	granted := *record
	return AcquireResult{Acquired: true, LockInfo: &granted}
}

// Release frees a lease by id. Releasing an unknown or already-released
// lock is a no-op so completion paths stay idempotent.
func (m *Manager) Release(lockID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, record := range m.held {
		if record.LockID == lockID {
			delete(m.held, key)
			logging.Get(logging.CategoryLocks).Debug("released %s/%s (lock %s)",
				record.Operation, record.ResourceID, lockID)
			return
		}
	}
}

// Extend pushes out the expiry of a held lease, for long pipelines.
func (m *Manager) Extend(lockID string, d time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, record := range m.held {
		if record.LockID == lockID {
			record.ExpiresAt = record.ExpiresAt.Add(d)
			return true
		}
	}
	return false
}

// Holder returns the current lease on a resource, if any.
func (m *Manager) Holder(operation, resourceID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.held[lockKey(operation, resourceID)]
	if !ok || m.now().After(record.ExpiresAt) {
		return Record{}, false
	}
	return *record, true
}

// sweeper reclaims expired leases in the background.
func (m *Manager) sweeper() {
	ticker := time.NewTicker(m.cfg.SweepIntervalValue())
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, record := range m.held {
		if now.After(record.ExpiresAt) {
			logging.Get(logging.CategoryLocks).Warn("sweeping expired lock %s/%s owned by %s",
				record.Operation, record.ResourceID, record.Owner)
			delete(m.held, key)
		}
	}
}
