// Package gateway dispatches out-of-band side effects: push notifications,
// email, and SMS. Everything here is best-effort; a failed dispatch never
// rolls back the operation that requested it.
package gateway

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/viewfinderco/viewfinder/internal/model"
	"github.com/viewfinderco/viewfinder/internal/store"
	"github.com/viewfinderco/viewfinder/pkg/logger"
	"github.com/viewfinderco/viewfinder/pkg/metrics"
)

// Push token format: <scheme>-<env>:<opaque>.
var pushTokenRE = regexp.MustCompile(`^(apns|gcm)-(dev|ent|prod):(.+)$`)

// PushToken is a parsed device token.
type PushToken struct {
	Scheme string // apns | gcm
	Env    string // dev | ent | prod
	Opaque string
}

// ParsePushToken validates and splits a raw token. Invalid formats are
// rejected.
func ParsePushToken(raw string) (PushToken, error) {
	m := pushTokenRE.FindStringSubmatch(raw)
	if m == nil {
		return PushToken{}, fmt.Errorf("gateway: invalid push token %q", raw)
	}
	return PushToken{Scheme: m[1], Env: m[2], Opaque: m[3]}, nil
}

// PushMessage is one alert to a device.
type PushMessage struct {
	Token PushToken
	Raw   string // the full token string, used for feedback invalidation
	Alert string
	Badge int64
	Sound string
}

// PushSender is the transport behind the dispatcher: a persistent APNS
// connection per environment in production, a recorder in tests.
type PushSender interface {
	// SendBatch delivers a batch of messages for one (scheme, env) pair.
	SendBatch(ctx context.Context, scheme, env string, msgs []PushMessage) error
	// Feedback returns tokens the provider reported dead since the last
	// call.
	Feedback(ctx context.Context) ([]string, error)
}

// PushDispatcher buffers messages, batches them per (scheme, env)
// connection, paces dispatch, and invalidates tokens reported dead by the
// feedback channel.
type PushDispatcher struct {
	sender  PushSender
	client  store.Client
	log     *logger.Logger
	limiter *rate.Limiter
	flush   time.Duration

	mu      sync.Mutex
	pending map[[2]string][]PushMessage
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewPushDispatcher creates a dispatcher. ratePerSec bounds aggregate
// message dispatch; flushInterval is how often buffered batches drain.
func NewPushDispatcher(sender PushSender, client store.Client, log *logger.Logger, ratePerSec float64, flushInterval time.Duration) *PushDispatcher {
	if log == nil {
		log = logger.NewDefault("push")
	}
	if ratePerSec <= 0 {
		ratePerSec = 100
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &PushDispatcher{
		sender:  sender,
		client:  client,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec)),
		flush:   flushInterval,
		pending: make(map[[2]string][]PushMessage),
	}
}

// Enqueue buffers a message for the next flush. Invalid tokens are dropped.
func (d *PushDispatcher) Enqueue(rawToken, alert string, badge int64, sound string) {
	tok, err := ParsePushToken(rawToken)
	if err != nil {
		d.log.WithField("token", rawToken).Warn("dropping push with invalid token")
		metrics.AlertsDispatched.WithLabelValues("push", "invalid_token").Inc()
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	key := [2]string{tok.Scheme, tok.Env}
	d.pending[key] = append(d.pending[key], PushMessage{
		Token: tok, Raw: rawToken, Alert: alert, Badge: badge, Sound: sound,
	})
}

// Start begins the flush and feedback loops.
func (d *PushDispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.flush)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				d.Flush(runCtx)
				d.consumeFeedback(runCtx)
			}
		}
	}()
	return nil
}

// Stop flushes remaining messages and halts the loops.
func (d *PushDispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	cancel := d.cancel
	d.running = false
	d.cancel = nil
	d.mu.Unlock()

	cancel()
	d.wg.Wait()
	d.Flush(ctx)
	return nil
}

// Flush drains all buffered batches.
func (d *PushDispatcher) Flush(ctx context.Context) {
	d.mu.Lock()
	batches := d.pending
	d.pending = make(map[[2]string][]PushMessage)
	d.mu.Unlock()

	for key, msgs := range batches {
		if err := d.limiter.WaitN(ctx, len(msgs)); err != nil {
			return
		}
		if err := d.sender.SendBatch(ctx, key[0], key[1], msgs); err != nil {
			d.log.WithError(err).WithField("env", key[1]).Warn("push batch failed")
			metrics.AlertsDispatched.WithLabelValues("push", "error").Add(float64(len(msgs)))
			continue
		}
		metrics.AlertsDispatched.WithLabelValues("push", "ok").Add(float64(len(msgs)))
	}
}

// consumeFeedback clears tokens the provider reported dead.
func (d *PushDispatcher) consumeFeedback(ctx context.Context) {
	tokens, err := d.sender.Feedback(ctx)
	if err != nil {
		d.log.WithError(err).Warn("push feedback read failed")
		return
	}
	for _, token := range tokens {
		if err := model.InvalidatePushToken(ctx, d.client, token); err != nil {
			d.log.WithError(err).WithField("token", token).Warn("push token invalidation failed")
		}
	}
}

// PushRecorder is the test PushSender: it records batches and serves queued
// feedback tokens.
type PushRecorder struct {
	mu       sync.Mutex
	Sent     []PushMessage
	feedback []string
}

var _ PushSender = (*PushRecorder)(nil)

// SendBatch implements PushSender.
func (r *PushRecorder) SendBatch(ctx context.Context, scheme, env string, msgs []PushMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Sent = append(r.Sent, msgs...)
	return nil
}

// Feedback implements PushSender.
func (r *PushRecorder) Feedback(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.feedback
	r.feedback = nil
	return out, nil
}

// ReportDead queues a token for the next Feedback read.
func (r *PushRecorder) ReportDead(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feedback = append(r.feedback, token)
}

// Messages returns a snapshot of sent messages.
func (r *PushRecorder) Messages() []PushMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PushMessage(nil), r.Sent...)
}
