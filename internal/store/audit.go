package store

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// OpAudit wraps a Client during operation execution and records the first
// mutating call. The executor requires that no user data is written before
// the CHECK phase completes, so that a CHECK failure can abort cleanly.
//
// Exempt from the no-mutation rule:
//  1. the lock table: locks are released even on abort;
//  2. the operation table: checkpoints are not user data;
//  3. id-allocator bumps;
//  4. the single-attribute asset_id_seq increment on User.
type OpAudit struct {
	Client

	mu            sync.Mutex
	modifiedStack []byte
}

var _ Client = (*OpAudit)(nil)

// NewOpAudit wraps client.
func NewOpAudit(client Client) *OpAudit {
	return &OpAudit{Client: client}
}

// Modified reports whether a non-exempt mutation has happened since the last
// Reset.
func (a *OpAudit) Modified() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.modifiedStack != nil
}

// Reset clears the mutation record.
func (a *OpAudit) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.modifiedStack = nil
}

// CheckNotModified panics if a non-exempt mutation happened before it was
// allowed. This is a programming error in an operation's CHECK phase.
func (a *OpAudit) CheckNotModified() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.modifiedStack != nil {
		panic(fmt.Sprintf("operation mutated the store before CHECK completed:\n%s", a.modifiedStack))
	}
}

func (a *OpAudit) logMutation(table string, updates map[string]Update) {
	if table == TableLock || table == TableOperation || table == TableIDAllocator {
		return
	}
	if table == TableUser && updates != nil && len(updates) == 1 {
		if _, ok := updates["asset_id_seq"]; ok {
			return
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.modifiedStack == nil {
		a.modifiedStack = debug.Stack()
	}
}

// PutItem implements Client.
func (a *OpAudit) PutItem(ctx context.Context, table string, key Key, attrs Item, expected map[string]Expected) error {
	a.logMutation(table, nil)
	return a.Client.PutItem(ctx, table, key, attrs, expected)
}

// UpdateItem implements Client.
func (a *OpAudit) UpdateItem(ctx context.Context, table string, key Key, updates map[string]Update, expected map[string]Expected) (Item, error) {
	a.logMutation(table, updates)
	return a.Client.UpdateItem(ctx, table, key, updates, expected)
}

// DeleteItem implements Client.
func (a *OpAudit) DeleteItem(ctx context.Context, table string, key Key, expected map[string]Expected) error {
	a.logMutation(table, nil)
	return a.Client.DeleteItem(ctx, table, key, expected)
}
