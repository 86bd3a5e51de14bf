package ops

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/viewfinderco/viewfinder/internal/clock"
	vferrors "github.com/viewfinderco/viewfinder/internal/errors"
	"github.com/viewfinderco/viewfinder/internal/lock"
	"github.com/viewfinderco/viewfinder/internal/model"
	"github.com/viewfinderco/viewfinder/internal/store"
	"github.com/viewfinderco/viewfinder/pkg/logger"
	"github.com/viewfinderco/viewfinder/pkg/metrics"
)

// maxNestingDepth bounds operation nesting; one level is the common case
// (share → register_prospective_user).
const maxNestingDepth = 4

// maxBackoff caps the retry backoff.
const maxBackoff = 60 * time.Second

// ManagerConfig tunes the scheduler.
type ManagerConfig struct {
	// QuarantineAttempts is the retry budget before an operation is parked.
	QuarantineAttempts int
	// Workers is the size of the drain worker pool.
	Workers int
	// ScanOps enables the startup and periodic scan for orphaned work.
	ScanOps bool
	// RescanSchedule is the cron expression for periodic rescans.
	RescanSchedule string
}

type userState struct {
	running bool
	dirty   bool
}

// Manager owns the per-user execution queues. It is multi-threaded across
// users but strictly single-threaded per user: the op:<user> lock guarantees
// one drainer per user across the fleet, and the in-memory state table
// guarantees one drain task per user within this process.
type Manager struct {
	client   store.Client
	locks    *lock.Manager
	executor *Executor
	registry *Registry
	clk      clock.Clock
	log      *logger.Logger
	cfg      ManagerConfig
	ownerID  string

	mu      sync.Mutex
	users   map[int64]*userState
	waiters map[string][]chan error
	running bool
	cancel  context.CancelFunc
	workCh  chan int64
	wg      sync.WaitGroup
	cron    *cron.Cron
}

// NewManager wires a scheduler. ownerID identifies this process as a lock
// owner across the fleet.
func NewManager(client store.Client, locks *lock.Manager, executor *Executor, registry *Registry,
	clk clock.Clock, log *logger.Logger, cfg ManagerConfig, ownerID string) *Manager {
	if log == nil {
		log = logger.NewDefault("opmanager")
	}
	if cfg.QuarantineAttempts <= 0 {
		cfg.QuarantineAttempts = 20
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 32
	}
	return &Manager{
		client:   client,
		locks:    locks,
		executor: executor,
		registry: registry,
		clk:      clk,
		log:      log,
		cfg:      cfg,
		ownerID:  ownerID,
		users:    make(map[int64]*userState),
		waiters:  make(map[string][]chan error),
		workCh:   make(chan int64, 1024),
	}
}

// Start launches the worker pool and, when configured, the orphan scans.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.mu.Unlock()

	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case userID := <-m.workCh:
					m.drainUser(runCtx, userID)
					m.finishDrain(userID)
				}
			}
		}()
	}

	if m.cfg.ScanOps {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.scanOrphans(runCtx)
		}()
		if m.cfg.RescanSchedule != "" {
			m.cron = cron.New()
			if _, err := m.cron.AddFunc(m.cfg.RescanSchedule, func() { m.scanOrphans(runCtx) }); err != nil {
				m.log.WithError(err).Warn("invalid rescan schedule")
			} else {
				m.cron.Start()
			}
		}
	}

	m.log.Info("operation manager started")
	return nil
}

// Stop drains current operations and exits. Queued operations stay in the
// store for the next process to pick up.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	if m.cron != nil {
		m.cron.Stop()
	}
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.log.Info("operation manager stopped")
	return nil
}

// CreateAndExecute persists a new operation and schedules the user's drain
// task. When opID is empty an id is allocated from the user's asset id
// sequence. The returned channel is non-nil for synchronous requests and
// receives the operation's final outcome.
func (m *Manager) CreateAndExecute(ctx context.Context, userID, deviceID int64, method string,
	args json.RawMessage, opID string, timestamp int64, synchronous bool) (string, <-chan error, error) {

	if err := m.registry.Validate(method, args); err != nil {
		return "", nil, err
	}
	if timestamp == 0 {
		timestamp = m.clk.Now().Unix()
	}
	if opID == "" {
		localID, err := model.AllocateAssetIDs(ctx, m.client, userID, 1)
		if err != nil {
			return "", nil, err
		}
		opID = ConstructOperationID(deviceID, localID)
	}
	op := &Operation{
		UserID:      userID,
		OperationID: opID,
		Method:      method,
		Args:        args,
		DeviceID:    deviceID,
		Timestamp:   timestamp,
	}
	if err := CreateOperation(ctx, m.client, op); err != nil {
		return "", nil, err
	}

	var done chan error
	if synchronous {
		done = make(chan error, 1)
		m.mu.Lock()
		m.waiters[opID] = append(m.waiters[opID], done)
		m.mu.Unlock()
	}
	m.Dispatch(userID)
	return opID, done, nil
}

// Dispatch schedules a drain task for the user. If one is already running it
// is marked dirty and re-queued when it finishes, so no work is stranded.
func (m *Manager) Dispatch(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	st := m.users[userID]
	if st == nil {
		st = &userState{}
		m.users[userID] = st
	}
	if st.running {
		st.dirty = true
		return
	}
	st.running = true
	select {
	case m.workCh <- userID:
	default:
		// Queue full; the periodic rescan will pick the user up.
		st.running = false
	}
}

func (m *Manager) finishDrain(userID int64) {
	m.mu.Lock()
	st := m.users[userID]
	redispatch := false
	if st != nil {
		if st.dirty {
			st.dirty = false
			redispatch = true
		} else {
			st.running = false
			delete(m.users, userID)
		}
	}
	m.mu.Unlock()
	if redispatch {
		select {
		case m.workCh <- userID:
		default:
			m.mu.Lock()
			if st := m.users[userID]; st != nil {
				st.running = false
			}
			m.mu.Unlock()
		}
	}
}

func (m *Manager) notifyWaiters(opID string, err error) {
	m.mu.Lock()
	chans := m.waiters[opID]
	delete(m.waiters, opID)
	m.mu.Unlock()
	for _, ch := range chans {
		ch <- err
	}
}

// drainUser holds op:<user> and executes the user's pending operations in id
// order. The lock is not released between operations: user-sequential
// semantics depend on a single drainer, and re-acquisition churn is wasted
// throughput.
func (m *Manager) drainUser(ctx context.Context, userID int64) {
	h, err := m.locks.Acquire(ctx, lock.ResourceOperation, strconv.FormatInt(userID, 10), m.ownerID, "")
	if err != nil {
		if !errors.Is(err, lock.ErrLockFailed) {
			m.log.WithError(err).WithField("user_id", userID).Warn("op lock acquisition failed")
		}
		// Another host is draining this user; it owns the queue.
		return
	}
	stopRenewer := m.locks.StartRenewer(ctx, h)
	defer func() {
		stopRenewer()
		m.locks.Release(ctx, h)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		op, sleepUntil, err := m.nextOp(ctx, userID)
		if err != nil {
			m.log.WithError(err).WithField("user_id", userID).Warn("scanning pending ops failed")
			return
		}
		if op == nil {
			if sleepUntil == 0 {
				return
			}
			// Everything runnable is backing off; wait out the earliest.
			delay := time.Duration(sleepUntil-m.clk.Now().Unix()) * time.Second
			if delay < time.Second {
				delay = time.Second
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		m.runOp(ctx, op)
	}
}

// nextOp returns the first runnable operation, or the earliest backoff
// deadline when all pending work is backing off, or (nil, 0) when the queue
// is empty.
func (m *Manager) nextOp(ctx context.Context, userID int64) (*Operation, int64, error) {
	now := m.clk.Now().Unix()
	startID := ""
	var earliest int64
	for {
		pending, err := ScanPendingOps(ctx, m.client, userID, startID, 10)
		if err != nil {
			return nil, 0, err
		}
		if len(pending) == 0 {
			return nil, earliest, nil
		}
		for _, op := range pending {
			startID = op.OperationID
			if op.Quarantine {
				continue
			}
			if op.BackoffUntil > now {
				if earliest == 0 || op.BackoffUntil < earliest {
					earliest = op.BackoffUntil
				}
				continue
			}
			return op, 0, nil
		}
	}
}

func (m *Manager) runOp(ctx context.Context, op *Operation) {
	err := m.executeWithNesting(ctx, op, 0)
	switch {
	case err == nil:
		if err := CompleteOp(ctx, m.client, op.UserID, op.OperationID); err != nil {
			m.log.WithError(err).WithField("op_id", op.OperationID).Warn("completing op failed")
			return
		}
		m.notifyWaiters(op.OperationID, nil)

	case vferrors.IsClientError(err):
		// CHECK rejected the request; no mutation happened. Abort cleanly.
		m.executor.log.WithOp(op.UserID, op.OperationID, op.Method).
			WithError(err).Info("operation aborted by CHECK")
		if derr := CompleteOp(ctx, m.client, op.UserID, op.OperationID); derr != nil {
			m.log.WithError(derr).WithField("op_id", op.OperationID).Warn("completing aborted op failed")
			return
		}
		m.notifyWaiters(op.OperationID, err)

	default:
		m.handleFailure(ctx, op, err)
	}
}

func (m *Manager) handleFailure(ctx context.Context, op *Operation, cause error) {
	log := m.log.WithOp(op.UserID, op.OperationID, op.Method)
	if int(op.Attempts)+1 > m.cfg.QuarantineAttempts {
		log.WithError(cause).Error("operation exceeded retry budget; quarantining")
		if err := SetQuarantine(ctx, m.client, op); err != nil {
			log.WithError(err).Warn("quarantining op failed")
			return
		}
		metrics.OpsQuarantined.Inc()
		m.notifyWaiters(op.OperationID, cause)
		return
	}
	backoff := time.Duration(1<<uint(op.Attempts)) * time.Second
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	until := m.clk.Now().Add(backoff + jitter).Unix()
	log.WithError(cause).WithField("attempts", op.Attempts+1).Warn("operation failed; backing off")
	if err := RecordFailure(ctx, m.client, op, until); err != nil {
		log.WithError(err).Warn("recording op failure failed")
	}
}

// executeWithNesting runs an operation, transparently running any nested
// operation it stops for, then re-entering the outer operation from its
// checkpoint.
func (m *Manager) executeWithNesting(ctx context.Context, op *Operation, depth int) error {
	err := m.executor.Execute(ctx, op)
	var stop *StopOperationError
	if !errors.As(err, &stop) {
		return err
	}
	if depth >= maxNestingDepth {
		return err
	}

	// Server-initiated nested op: device 0 is "server".
	localID, aerr := model.AllocateAssetIDs(ctx, m.client, op.UserID, 1)
	if aerr != nil {
		return aerr
	}
	nested := &Operation{
		UserID:      op.UserID,
		OperationID: ConstructOperationID(0, localID),
		Method:      stop.Nested.Method,
		Args:        stop.Nested.Args,
		DeviceID:    0,
		Timestamp:   m.clk.Now().Unix(),
	}
	if cerr := CreateOperation(ctx, m.client, nested); cerr != nil {
		return cerr
	}
	if nerr := m.executeWithNesting(ctx, nested, depth+1); nerr != nil {
		return nerr
	}
	if cerr := CompleteOp(ctx, m.client, nested.UserID, nested.OperationID); cerr != nil {
		return cerr
	}
	// Re-enter the outer operation; its checkpoint records the decision
	// that led to the nested op, so re-entry is deterministic.
	return m.executeWithNesting(ctx, op, depth)
}

// scanOrphans walks the operation table for work left behind by dead
// processes and dispatches the owning users.
func (m *Manager) scanOrphans(ctx context.Context) {
	var start *store.Key
	seen := make(map[int64]bool)
	for {
		res, err := m.client.Scan(ctx, store.TableOperation, store.ScanOptions{Limit: 100, ExclusiveStart: start})
		if err != nil {
			m.log.WithError(err).Warn("orphan scan failed")
			return
		}
		for _, it := range res.Items {
			userID := it.GetNumber("user_id")
			if !seen[userID] {
				seen[userID] = true
				m.Dispatch(userID)
			}
		}
		if res.LastEvaluated == nil {
			return
		}
		start = res.LastEvaluated
	}
}
