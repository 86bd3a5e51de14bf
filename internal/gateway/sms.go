package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/viewfinderco/viewfinder/pkg/logger"
	"github.com/viewfinderco/viewfinder/pkg/metrics"
)

// SMSMessage is one outbound text message.
type SMSMessage struct {
	To   string // E.164
	Text string
}

// SMSSender is the pluggable SMS backend; like email, sends are not retried.
type SMSSender interface {
	SendSMS(ctx context.Context, msg SMSMessage) error
}

// LoggingSMS logs instead of sending.
type LoggingSMS struct {
	Log *logger.Logger
}

// SendSMS implements SMSSender.
func (s *LoggingSMS) SendSMS(ctx context.Context, msg SMSMessage) error {
	log := s.Log
	if log == nil {
		log = logger.NewDefault("sms")
	}
	log.WithField("to", msg.To).Info("sms (logging backend)")
	metrics.AlertsDispatched.WithLabelValues("sms", "logged").Inc()
	return nil
}

// TestSMS buffers messages for assertions.
type TestSMS struct {
	mu   sync.Mutex
	Sent []SMSMessage
}

// SendSMS implements SMSSender.
func (s *TestSMS) SendSMS(ctx context.Context, msg SMSMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sent = append(s.Sent, msg)
	return nil
}

// Messages returns a snapshot of buffered messages.
func (s *TestSMS) Messages() []SMSMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SMSMessage(nil), s.Sent...)
}

// HTTPSMS posts messages to the production SMS API.
type HTTPSMS struct {
	URL    string
	APIKey string
	From   string
	Client *http.Client
}

// SendSMS implements SMSSender.
func (s *HTTPSMS) SendSMS(ctx context.Context, msg SMSMessage) error {
	payload := map[string]string{"to": msg.To, "from": s.From, "text": msg.Text}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.APIKey)
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		metrics.AlertsDispatched.WithLabelValues("sms", "error").Inc()
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		metrics.AlertsDispatched.WithLabelValues("sms", "error").Inc()
		return fmt.Errorf("gateway: sms API returned %s", resp.Status)
	}
	metrics.AlertsDispatched.WithLabelValues("sms", "ok").Inc()
	return nil
}
