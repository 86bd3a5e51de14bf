package notify

import (
	"context"
	"fmt"

	"github.com/viewfinderco/viewfinder/internal/gateway"
	"github.com/viewfinderco/viewfinder/internal/model"
	"github.com/viewfinderco/viewfinder/internal/store"
	"github.com/viewfinderco/viewfinder/pkg/logger"
	"github.com/viewfinderco/viewfinder/pkg/metrics"
)

// allocationRetries bounds the conditional-put loop that resolves races with
// other hosts notifying the same user.
const allocationRetries = 32

// OpInfo carries the identity of the operation creating notifications.
type OpInfo struct {
	OperationID string
	UserID      int64 // sender
	DeviceID    int64
	Timestamp   int64
}

// Record describes one notification to create for a user.
type Record struct {
	Name        string
	Invalidate  *Invalidation
	ViewpointID string
	ActivityID  string
	UpdateSeq   int64
	ViewedSeq   int64
	// Alert is the push alert text; empty means a silent notification.
	Alert string
}

// Manager creates notifications and dispatches alerts.
type Manager struct {
	client store.Client
	push   *gateway.PushDispatcher
	log    *logger.Logger
}

// NewManager creates a notification manager. push may be nil to disable
// alert dispatch.
func NewManager(client store.Client, push *gateway.PushDispatcher, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault("notify")
	}
	return &Manager{client: client, push: push, log: log}
}

// CreateForUser allocates the user's next notification id and writes the
// notification. The badge becomes the previous badge plus one when the
// notification carries an activity from someone other than the recipient.
// ConditionalCheckFailed on the id means another host raced; the id is
// re-read and the put retried.
func (m *Manager) CreateForUser(ctx context.Context, op OpInfo, userID int64, rec Record) (*model.Notification, error) {
	for attempt := 0; attempt < allocationRetries; attempt++ {
		last, err := model.LastNotification(ctx, m.client, userID)
		if err != nil {
			return nil, err
		}
		var nextID, badge int64 = 1, 0
		if last != nil {
			nextID = last.NotificationID + 1
			badge = last.Badge
		}
		if rec.ActivityID != "" && userID != op.UserID {
			badge++
		}
		n := &model.Notification{
			UserID:         userID,
			NotificationID: nextID,
			Name:           rec.Name,
			OpID:           op.OperationID,
			SenderID:       op.UserID,
			SenderDeviceID: op.DeviceID,
			Timestamp:      op.Timestamp,
			Invalidate:     rec.Invalidate.Encode(),
			ViewpointID:    rec.ViewpointID,
			ActivityID:     rec.ActivityID,
			UpdateSeq:      rec.UpdateSeq,
			ViewedSeq:      rec.ViewedSeq,
			Badge:          badge,
		}
		err = model.TryPutNotification(ctx, m.client, n)
		if store.IsConditionalCheckFailed(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		metrics.NotificationsCreated.WithLabelValues(rec.Name).Inc()
		m.dispatchAlert(ctx, userID, rec.Alert, badge)
		return n, nil
	}
	return nil, fmt.Errorf("notify: id allocation for user %d kept racing", userID)
}

// ClearBadges writes a clear_badges notification resetting the recipient's
// badge to zero.
func (m *Manager) ClearBadges(ctx context.Context, op OpInfo, userID int64) (*model.Notification, error) {
	for attempt := 0; attempt < allocationRetries; attempt++ {
		last, err := model.LastNotification(ctx, m.client, userID)
		if err != nil {
			return nil, err
		}
		var nextID int64 = 1
		if last != nil {
			nextID = last.NotificationID + 1
		}
		n := &model.Notification{
			UserID:         userID,
			NotificationID: nextID,
			Name:           "clear_badges",
			OpID:           op.OperationID,
			SenderID:       op.UserID,
			SenderDeviceID: op.DeviceID,
			Timestamp:      op.Timestamp,
			Badge:          0,
		}
		err = model.TryPutNotification(ctx, m.client, n)
		if store.IsConditionalCheckFailed(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		metrics.NotificationsCreated.WithLabelValues("clear_badges").Inc()
		m.dispatchAlert(ctx, userID, "", 0)
		return n, nil
	}
	return nil, fmt.Errorf("notify: id allocation for user %d kept racing", userID)
}

// NotifyFollowers creates one notification per follower of a viewpoint.
// Removed followers are skipped. The sender gets a silent notification;
// everyone else gets rec.Alert.
func (m *Manager) NotifyFollowers(ctx context.Context, op OpInfo, viewpointID string, rec Record) error {
	followerIDs, err := model.ListFollowers(ctx, m.client, viewpointID)
	if err != nil {
		return err
	}
	for _, followerID := range followerIDs {
		f, err := model.GetFollower(ctx, m.client, followerID, viewpointID)
		if err != nil {
			return err
		}
		if f == nil || f.IsRemoved() {
			continue
		}
		userRec := rec
		if followerID == op.UserID {
			userRec.Alert = ""
		}
		if _, err := m.CreateForUser(ctx, op, followerID, userRec); err != nil {
			return err
		}
	}
	return nil
}

// dispatchAlert pushes the badge (and optional alert text) to every device
// the user has registered for alerts. Push is best-effort by construction:
// the dispatcher buffers and any failure is invisible here.
func (m *Manager) dispatchAlert(ctx context.Context, userID int64, alert string, badge int64) {
	if m.push == nil {
		return
	}
	devices, err := model.ListDevices(ctx, m.client, userID)
	if err != nil {
		m.log.WithError(err).WithField("user_id", userID).Warn("listing devices for alert failed")
		return
	}
	for _, d := range devices {
		if d.PushToken == "" || d.AlertUserID != userID {
			continue
		}
		sound := ""
		if alert != "" {
			sound = "default"
		}
		m.push.Enqueue(d.PushToken, alert, badge, sound)
	}
}
