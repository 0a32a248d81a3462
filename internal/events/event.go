// Package events fans security events out to analytics sinks and hands
// issued codes to the delivery pipeline.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"passwordless-auth/internal/model"
)

type EventType string

const (
	EventOTPIssued          EventType = "otp_issued"
	EventOTPVerified        EventType = "otp_verified"
	EventOTPVerifyFailed    EventType = "otp_verify_failed"
	EventRateLimited        EventType = "rate_limited"
	EventContactBlacklisted EventType = "contact_blacklisted"
	EventBlacklistedAttempt EventType = "blacklisted_attempt"
	EventSessionIssued      EventType = "session_issued"
	EventSessionRefreshed   EventType = "session_refreshed"
	EventLogout             EventType = "logout"
	EventCleanupCompleted   EventType = "cleanup_completed"
)

type SecurityEvent struct {
	ID          string            `json:"id"`
	Type        EventType         `json:"type"`
	OccurredAt  time.Time         `json:"occurred_at"`
	ContactHash string            `json:"contact_hash,omitempty"`
	ContactType string            `json:"contact_type,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// NewEvent stamps an id and time. contact may be nil.
func NewEvent(eventType EventType, contact *model.Contact, now time.Time) *SecurityEvent {
	ev := &SecurityEvent{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: now.UTC(),
	}
	if contact != nil {
		ev.ContactHash = contact.Hash()
		ev.ContactType = string(contact.Type)
	}
	return ev
}

func (e *SecurityEvent) With(key, value string) *SecurityEvent {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// PartitionKey groups a contact's or user's events together.
func (e *SecurityEvent) PartitionKey() string {
	if e.ContactHash != "" {
		return e.ContactHash
	}
	return e.UserID
}

type Publisher interface {
	Publish(ctx context.Context, event *SecurityEvent) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *SecurityEvent) error { return nil }

// MultiPublisher delivers to every sink concurrently and joins their errors.
type MultiPublisher struct {
	publishers []Publisher
}

func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	return &MultiPublisher{publishers: publishers}
}

func (m *MultiPublisher) Len() int {
	return len(m.publishers)
}

func (m *MultiPublisher) Publish(ctx context.Context, event *SecurityEvent) error {
	errs := make([]error, len(m.publishers))
	var g errgroup.Group
	for i, p := range m.publishers {
		g.Go(func() error {
			errs[i] = p.Publish(ctx, event)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Emitter publishes on a bounded context and only logs failures, so a sink
// outage never fails an authentication request.
type Emitter struct {
	publisher Publisher
	timeout   time.Duration
	logger    *zap.Logger
}

func NewEmitter(publisher Publisher, timeout time.Duration, logger *zap.Logger) *Emitter {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &Emitter{publisher: publisher, timeout: timeout, logger: logger}
}

func (e *Emitter) Emit(ctx context.Context, event *SecurityEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("Failed to publish security event",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
	}
}
