package backend

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	maxRetries     = 2
	retryBaseDelay = 250 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
)

// WithRetry wraps b so transient failures are retried internally, at most
// twice, with exponential backoff (250 ms base, 2 s cap). Timeouts,
// cancellations, and permanent failures pass straight through.
func WithRetry(b Backend, logger *zap.Logger) Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &retrying{inner: b, logger: logger}
}

type retrying struct {
	inner  Backend
	logger *zap.Logger
}

func (r *retrying) Name() string { return r.inner.Name() }

func (r *retrying) Think(ctx context.Context, req Request) (*Result, error) {
	for attempt := 0; ; attempt++ {
		res, err := r.inner.Think(ctx, req)
		if err == nil {
			return res, nil
		}

		kind := KindOf(err)
		if !IsRetryable(kind) || attempt >= maxRetries {
			return nil, err
		}

		delay := retryBaseDelay << attempt
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
		r.logger.Warn("think failed, retrying",
			zap.String("backend", r.inner.Name()),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, Wrap(kindFromCtx(ctx), "retry interrupted", ctx.Err())
		case <-time.After(delay):
		}
	}
}

func kindFromCtx(ctx context.Context) Kind {
	if ctx.Err() == context.DeadlineExceeded {
		return KindTimeout
	}
	return KindCanceled
}
