// Package lock implements named advisory locks over the Lock table. A lock
// row is the only cross-process synchronization primitive: acquisition is a
// conditional put expecting the row to be absent, owned, or expired, and
// release is a conditional delete expecting the same owner. Acquire never
// blocks.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/viewfinderco/viewfinder/internal/clock"
	"github.com/viewfinderco/viewfinder/internal/store"
	"github.com/viewfinderco/viewfinder/pkg/logger"
	"github.com/viewfinderco/viewfinder/pkg/metrics"
)

// Resource types. Each is a short string concatenated with the resource id
// to form the lock id, e.g. "op:123" or "vp:v--F".
const (
	ResourceOperation = "op"
	ResourceViewpoint = "vp"
	ResourceJob       = "job"
)

const (
	// Abandonment is how long a lock may go unrenewed before another
	// process may steal it.
	Abandonment = 60 * time.Second
	// RenewalInterval is how often a holder doing long work must renew.
	RenewalInterval = 20 * time.Second
)

// ErrLockFailed reports that the lock is held by another owner.
var ErrLockFailed = errors.New("lock: acquired by another agent")

// Handle identifies an acquired lock.
type Handle struct {
	ResourceType string
	ResourceID   string
	OwnerID      string
}

func (h *Handle) lockID() string { return h.ResourceType + ":" + h.ResourceID }

// Manager acquires and releases locks.
type Manager struct {
	client store.Client
	clock  clock.Clock
	log    *logger.Logger
}

// NewManager creates a lock manager.
func NewManager(client store.Client, clk clock.Clock, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault("lock")
	}
	return &Manager{client: client, clock: clk, log: log}
}

func lockKey(lockID string) store.Key {
	return store.Key{Hash: store.StringKey(lockID)}
}

// Acquire attempts to take the named lock for ownerID. It succeeds when the
// row is absent, already owned by ownerID, or expired; otherwise it returns
// ErrLockFailed immediately.
func (m *Manager) Acquire(ctx context.Context, resourceType, resourceID, ownerID, data string) (*Handle, error) {
	h := &Handle{ResourceType: resourceType, ResourceID: resourceID, OwnerID: ownerID}
	now := m.clock.Now().Unix()
	attrs := store.Item{
		"owner_id":   store.String(ownerID),
		"expiration": store.Number(now + int64(Abandonment/time.Second)),
		"renewed_at": store.Number(now),
	}
	if data != "" {
		attrs["data"] = store.String(data)
	}

	existing, err := m.client.GetItem(ctx, store.TableLock, lockKey(h.lockID()))
	switch {
	case store.IsNotFound(err):
		err = m.client.PutItem(ctx, store.TableLock, lockKey(h.lockID()), attrs,
			map[string]store.Expected{"lock_id": store.ExpectAbsent()})
	case err != nil:
		return nil, err
	default:
		owner := existing.GetString("owner_id")
		if owner != ownerID && now < existing.GetNumber("expiration") {
			metrics.LockAcquisitions.WithLabelValues(resourceType, "held").Inc()
			return nil, ErrLockFailed
		}
		// Refresh in place, guarding against a concurrent steal.
		err = m.client.PutItem(ctx, store.TableLock, lockKey(h.lockID()), attrs,
			map[string]store.Expected{"owner_id": store.ExpectValue(store.String(owner))})
	}
	if err != nil {
		if store.IsConditionalCheckFailed(err) {
			metrics.LockAcquisitions.WithLabelValues(resourceType, "raced").Inc()
			return nil, ErrLockFailed
		}
		return nil, err
	}
	metrics.LockAcquisitions.WithLabelValues(resourceType, "acquired").Inc()
	return h, nil
}

// Renew extends the lock's expiration. Returns ErrLockFailed if the lock was
// stolen after abandonment.
func (m *Manager) Renew(ctx context.Context, h *Handle) error {
	now := m.clock.Now().Unix()
	_, err := m.client.UpdateItem(ctx, store.TableLock, lockKey(h.lockID()), map[string]store.Update{
		"expiration": store.Put(store.Number(now + int64(Abandonment/time.Second))),
		"renewed_at": store.Put(store.Number(now)),
	}, map[string]store.Expected{"owner_id": store.ExpectValue(store.String(h.OwnerID))})
	if store.IsConditionalCheckFailed(err) {
		return ErrLockFailed
	}
	return err
}

// Release drops the lock. A failed release is logged but not fatal: the lock
// will be reclaimed after the abandonment timeout.
func (m *Manager) Release(ctx context.Context, h *Handle) {
	err := m.client.DeleteItem(ctx, store.TableLock, lockKey(h.lockID()),
		map[string]store.Expected{"owner_id": store.ExpectValue(store.String(h.OwnerID))})
	if err != nil {
		m.log.WithField("lock_id", h.lockID()).WithError(err).Warn("failed to release lock")
	}
}

// StartRenewer renews h every RenewalInterval until the returned stop
// function is called or the context ends.
func (m *Manager) StartRenewer(ctx context.Context, h *Handle) (stop func()) {
	renewCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(RenewalInterval)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				if err := m.Renew(renewCtx, h); err != nil {
					m.log.WithField("lock_id", h.lockID()).WithError(err).Warn("lock renewal failed")
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}
