package lock

import (
	"context"
	"sort"
)

// Tracker helps operations that lock multiple viewpoints during execution.
// Locks are acquired in globally sorted order to avoid deadlock and are all
// released on exit, success or failure.
type Tracker struct {
	manager  *Manager
	ownerID  string
	acquired map[string]*Handle
}

// NewTracker creates a tracker whose locks are owned by ownerID.
func NewTracker(manager *Manager, ownerID string) *Tracker {
	return &Tracker{manager: manager, ownerID: ownerID, acquired: make(map[string]*Handle)}
}

// AcquireViewpointLock ensures a lock is held for the given viewpoint. It is
// a no-op when the lock was already acquired by this tracker.
func (t *Tracker) AcquireViewpointLock(ctx context.Context, viewpointID string) error {
	if _, ok := t.acquired[viewpointID]; ok {
		return nil
	}
	h, err := t.manager.Acquire(ctx, ResourceViewpoint, viewpointID, t.ownerID, "")
	if err != nil {
		return err
	}
	t.acquired[viewpointID] = h
	return nil
}

// AcquireAll locks every viewpoint in sorted order. Operations that know
// their full lock set up front use this to avoid partial-progress deadlocks.
func (t *Tracker) AcquireAll(ctx context.Context, viewpointIDs []string) error {
	sorted := append([]string(nil), viewpointIDs...)
	sort.Strings(sorted)
	for _, id := range sorted {
		if err := t.AcquireViewpointLock(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// IsLocked reports whether the tracker holds a lock for the viewpoint.
func (t *Tracker) IsLocked(viewpointID string) bool {
	_, ok := t.acquired[viewpointID]
	return ok
}

// ReleaseAll releases every lock acquired so far.
func (t *Tracker) ReleaseAll(ctx context.Context) {
	for id, h := range t.acquired {
		t.manager.Release(ctx, h)
		delete(t.acquired, id)
	}
}
