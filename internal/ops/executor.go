package ops

import (
	"context"
	"time"

	"github.com/viewfinderco/viewfinder/internal/gateway"
	"github.com/viewfinderco/viewfinder/internal/lock"
	"github.com/viewfinderco/viewfinder/internal/notify"
	"github.com/viewfinderco/viewfinder/internal/store"
	"github.com/viewfinderco/viewfinder/pkg/logger"
	"github.com/viewfinderco/viewfinder/pkg/metrics"
)

// Failpoint boundary names; the full failpoint name is "<method>:<boundary>".
const (
	FailpointAfterCheck   = "after_check"
	FailpointAfterUpdate  = "after_update"
	FailpointAfterAccount = "after_account"
)

// Executor runs one operation through CHECK → UPDATE → ACCOUNT → NOTIFY.
//
// CHECK is read-only (audited); a CHECK failure aborts cleanly because no
// user data has been written. The remaining phases are idempotent given the
// checkpoint, so a crash at any boundary is safe: the scheduler retries the
// operation and replay converges on the same final state.
type Executor struct {
	client   store.Client
	locks    *lock.Manager
	notify   *notify.Manager
	email    gateway.EmailSender
	sms      gateway.SMSSender
	registry *Registry
	log      *logger.Logger
	ownerID  string
}

// NewExecutor wires an executor.
func NewExecutor(client store.Client, locks *lock.Manager, notifyMgr *notify.Manager,
	email gateway.EmailSender, sms gateway.SMSSender, registry *Registry,
	log *logger.Logger, ownerID string) *Executor {
	if log == nil {
		log = logger.NewDefault("executor")
	}
	return &Executor{
		client:   client,
		locks:    locks,
		notify:   notifyMgr,
		email:    email,
		sms:      sms,
		registry: registry,
		log:      log,
		ownerID:  ownerID,
	}
}

// Execute runs the four phases for one operation. Viewpoint locks are
// acquired in sorted order up front and all released on exit. The error
// classifies the outcome: nil is success, a client error means CHECK
// rejected the request, StopOperationError requests a nested operation, and
// anything else is retried by the scheduler.
func (e *Executor) Execute(ctx context.Context, op *Operation) error {
	start := time.Now()
	audit := store.NewOpAudit(e.client)
	oc := &OpContext{
		Client: audit,
		Op:     op,
		Locks:  lock.NewTracker(e.locks, e.ownerID),
		Notify: e.notify,
		Email:  e.email,
		SMS:    e.sms,
		Log:    e.log.WithOp(op.UserID, op.OperationID, op.Method),
	}
	defer oc.Locks.ReleaseAll(ctx)

	err := e.runPhases(ctx, oc)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.OpsExecuted.WithLabelValues(op.Method, status).Inc()
	metrics.OpDuration.WithLabelValues(op.Method).Observe(time.Since(start).Seconds())
	return err
}

func (e *Executor) runPhases(ctx context.Context, oc *OpContext) error {
	op := oc.Op
	handler, err := e.registry.Handler(op)
	if err != nil {
		return err
	}

	viewpointIDs, err := handler.LockViewpoints(ctx, oc)
	if err != nil {
		return err
	}
	if err := oc.Locks.AcquireAll(ctx, viewpointIDs); err != nil {
		return err
	}

	if err := handler.Check(ctx, oc); err != nil {
		return err
	}
	// No writes before CHECK completes: a violation is a programming error.
	oc.Client.CheckNotModified()
	if err := TriggerFailpoint(op.Method + ":" + FailpointAfterCheck); err != nil {
		return err
	}

	if err := handler.Update(ctx, oc); err != nil {
		return err
	}
	if err := TriggerFailpoint(op.Method + ":" + FailpointAfterUpdate); err != nil {
		return err
	}

	if err := handler.Account(ctx, oc); err != nil {
		return err
	}
	if err := TriggerFailpoint(op.Method + ":" + FailpointAfterAccount); err != nil {
		return err
	}

	return handler.Notify(ctx, oc)
}
