package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"passwordless-auth/internal/model"
)

// LogCodeDelivery writes codes to the log. It stands in for the real senders
// when Kafka is disabled; the code itself is only logged when exposeCode is set.
type LogCodeDelivery struct {
	logger     *zap.Logger
	exposeCode bool
}

func NewLogCodeDelivery(logger *zap.Logger, exposeCode bool) *LogCodeDelivery {
	return &LogCodeDelivery{logger: logger, exposeCode: exposeCode}
}

func (d *LogCodeDelivery) Deliver(_ context.Context, contact model.Contact, code string, expiresAt time.Time) error {
	fields := []zap.Field{
		zap.String("contact_hash", contact.Hash()),
		zap.String("contact_type", string(contact.Type)),
		zap.Time("expires_at", expiresAt),
	}
	if d.exposeCode {
		fields = append(fields, zap.String("contact", contact.Value), zap.String("code", code))
	}
	d.logger.Info("OTP ready for delivery", fields...)
	return nil
}
