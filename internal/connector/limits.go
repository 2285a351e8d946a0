package connector

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"github.com/roach88/recsync/internal/ir"
	"github.com/roach88/recsync/internal/queryir"
)

// WithLimits wraps c so every call waits on a token bucket of perSecond
// requests (burst at least 1) and runs under timeout. Zero values disable
// the respective limit; with both zero c is returned unchanged.
//
// A timed-out Insert or Update is a RemoteWriteError. A Fetch that times out
// or cannot get a token is fatal, since the candidate set is unavailable.
func WithLimits(c Connector, perSecond float64, burst int, timeout time.Duration) Connector {
	if perSecond <= 0 && timeout <= 0 {
		return c
	}
	l := &limited{next: c, timeout: timeout}
	if perSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return l
}

type limited struct {
	next    Connector
	limiter *rate.Limiter
	timeout time.Duration
}

func (l *limited) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, nil, errors.Wrap(err, "rate limit")
		}
	}
	if l.timeout > 0 {
		ctx, cancel := context.WithTimeout(ctx, l.timeout)
		return ctx, cancel, nil
	}
	return ctx, func() {}, nil
}

func (l *limited) Fetch(ctx context.Context, object string, filter queryir.Predicate, fields []string, offset, pageSize int) ([]ir.IRObject, error) {
	opCtx, cancel, err := l.begin(ctx)
	if err != nil {
		return nil, Fatal("fetch", err)
	}
	defer cancel()
	out, err := l.next.Fetch(opCtx, object, filter, fields, offset, pageSize)
	if err != nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, Fatal("fetch", errors.Wrapf(err, "%s timed out after %s", object, l.timeout))
	}
	return out, err
}

func (l *limited) Insert(ctx context.Context, object string, fields ir.IRObject) (string, error) {
	opCtx, cancel, err := l.begin(ctx)
	if err != nil {
		return "", &RemoteWriteError{Object: object, Err: err}
	}
	defer cancel()
	id, err := l.next.Insert(opCtx, object, fields)
	if err != nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return "", &RemoteWriteError{Object: object, Err: errors.Wrapf(err, "timed out after %s", l.timeout)}
	}
	return id, err
}

func (l *limited) Update(ctx context.Context, object, remoteID string, fields ir.IRObject) error {
	opCtx, cancel, err := l.begin(ctx)
	if err != nil {
		return &RemoteWriteError{Object: object, RemoteID: remoteID, Err: err}
	}
	defer cancel()
	err = l.next.Update(opCtx, object, remoteID, fields)
	if err != nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return &RemoteWriteError{Object: object, RemoteID: remoteID, Err: errors.Wrapf(err, "timed out after %s", l.timeout)}
	}
	return err
}

func (l *limited) Close() error {
	return l.next.Close()
}
