package ops

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/viewfinderco/viewfinder/internal/gateway"
	"github.com/viewfinderco/viewfinder/internal/lock"
	"github.com/viewfinderco/viewfinder/internal/notify"
	"github.com/viewfinderco/viewfinder/internal/store"
)

// OpContext is the explicit execution context threaded through every phase
// of an operation. It replaces any notion of ambient "current operation"
// state: everything a handler needs travels here.
type OpContext struct {
	// Client is the audited store client; mutations before CHECK completes
	// panic unless exempt.
	Client *store.OpAudit
	// Op is the executing operation.
	Op *Operation
	// Locks tracks the viewpoint locks held for this operation.
	Locks *lock.Tracker
	// Notify creates notifications during the NOTIFY phase.
	Notify *notify.Manager
	// Email and SMS deliver alerts to identities with no devices.
	Email gateway.EmailSender
	SMS   gateway.SMSSender
	// Log carries the operation's identity on every line.
	Log *logrus.Entry
}

// OpInfo renders the operation's identity for the notification manager.
func (oc *OpContext) OpInfo() notify.OpInfo {
	return notify.OpInfo{
		OperationID: oc.Op.OperationID,
		UserID:      oc.Op.UserID,
		DeviceID:    oc.Op.DeviceID,
		Timestamp:   oc.Op.Timestamp,
	}
}

// LoadCheckpoint decodes the operation's checkpoint into v, reporting
// whether a checkpoint exists. Handlers use the checkpointed decision set on
// retry instead of recomputing, so notifications replay deterministically.
func (oc *OpContext) LoadCheckpoint(v interface{}) (bool, error) {
	if oc.Op.Checkpoint == nil {
		return false, nil
	}
	if err := json.Unmarshal(oc.Op.Checkpoint, v); err != nil {
		return false, fmt.Errorf("ops: decode checkpoint for %s: %w", oc.Op.OperationID, err)
	}
	return true, nil
}

// SaveCheckpoint persists v as the operation's checkpoint.
func (oc *OpContext) SaveCheckpoint(ctx context.Context, v interface{}) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ops: encode checkpoint for %s: %w", oc.Op.OperationID, err)
	}
	return SetCheckpoint(ctx, oc.Client, oc.Op, blob)
}

// NestedSpec describes an operation a handler needs run before it can make
// progress (e.g. registering a prospective user referenced by a share).
type NestedSpec struct {
	Method string
	Args   json.RawMessage
}

// StopOperationError stops the current operation so the scheduler can run a
// nested operation to completion, then re-enter the outer operation from its
// checkpoint.
type StopOperationError struct {
	Nested NestedSpec
}

func (e *StopOperationError) Error() string {
	return fmt.Sprintf("operation stopped to run nested %s", e.Nested.Method)
}

// Handler implements one operation method as the four-phase pattern. CHECK
// must be read-only (the audit client enforces the exemptions); UPDATE,
// ACCOUNT and NOTIFY must be idempotent given the checkpoint.
type Handler interface {
	// LockViewpoints returns every viewpoint id the operation mutates. The
	// executor acquires them in sorted order before CHECK runs.
	LockViewpoints(ctx context.Context, oc *OpContext) ([]string, error)
	Check(ctx context.Context, oc *OpContext) error
	Update(ctx context.Context, oc *OpContext) error
	Account(ctx context.Context, oc *OpContext) error
	Notify(ctx context.Context, oc *OpContext) error
}
