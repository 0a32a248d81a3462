package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"passwordless-auth/internal/events"
)

// Options carries the collaborators every service shares.
type Options struct {
	// StoreTimeout bounds each Contact Store call.
	StoreTimeout time.Duration
	Emitter      *events.Emitter
	Logger       *zap.Logger
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Emitter == nil {
		o.Emitter = events.NewEmitter(events.NopPublisher{}, time.Second, o.Logger)
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// storeCtx derives the deadline for one store call from the request context,
// so an aborted request also aborts the call.
func (o Options) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.StoreTimeout)
}
