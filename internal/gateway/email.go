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

// EmailMessage is one outbound email.
type EmailMessage struct {
	To      string
	From    string
	Subject string
	Text    string
	HTML    string
}

// EmailSender is the pluggable email backend. The gateway does not retry: a
// failed send is logged and the engine relies on later engagement to
// re-alert.
type EmailSender interface {
	SendEmail(ctx context.Context, msg EmailMessage) error
}

// LoggingEmail logs instead of sending; the default for development.
type LoggingEmail struct {
	Log *logger.Logger
}

// SendEmail implements EmailSender.
func (s *LoggingEmail) SendEmail(ctx context.Context, msg EmailMessage) error {
	log := s.Log
	if log == nil {
		log = logger.NewDefault("email")
	}
	log.WithField("to", msg.To).WithField("subject", msg.Subject).Info("email (logging backend)")
	metrics.AlertsDispatched.WithLabelValues("email", "logged").Inc()
	return nil
}

// TestEmail buffers messages for assertions.
type TestEmail struct {
	mu   sync.Mutex
	Sent []EmailMessage
}

// SendEmail implements EmailSender.
func (s *TestEmail) SendEmail(ctx context.Context, msg EmailMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sent = append(s.Sent, msg)
	return nil
}

// Messages returns a snapshot of buffered messages.
func (s *TestEmail) Messages() []EmailMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EmailMessage(nil), s.Sent...)
}

// HTTPEmail posts messages to the production email API.
type HTTPEmail struct {
	URL    string
	APIKey string
	Client *http.Client
}

// SendEmail implements EmailSender.
func (s *HTTPEmail) SendEmail(ctx context.Context, msg EmailMessage) error {
	body, err := json.Marshal(msg)
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
		metrics.AlertsDispatched.WithLabelValues("email", "error").Inc()
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		metrics.AlertsDispatched.WithLabelValues("email", "error").Inc()
		return fmt.Errorf("gateway: email API returned %s", resp.Status)
	}
	metrics.AlertsDispatched.WithLabelValues("email", "ok").Inc()
	return nil
}
