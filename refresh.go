package hubclient

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// RefreshFunc performs one credential refresh against the backend.
type RefreshFunc func(ctx context.Context) error

const refreshKey = "credentials"

// RefreshCoordinator guarantees at most one credential refresh in flight.
// Callers arriving while a refresh runs share its outcome.
type RefreshCoordinator struct {
	fn      RefreshFunc
	timeout time.Duration
	logger  zerolog.Logger
	metrics *Metrics

	group    singleflight.Group
	inFlight atomic.Bool
}

// NewRefreshCoordinator wraps fn. A zero timeout uses DefaultRefreshTimeout.
func NewRefreshCoordinator(fn RefreshFunc, timeout time.Duration, logger zerolog.Logger) *RefreshCoordinator {
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}
	return &RefreshCoordinator{fn: fn, timeout: timeout, logger: logger}
}

// Refresh runs or joins the refresh flight and reports whether it succeeded.
// The flight is detached from ctx so a caller giving up does not fail the
// others; that caller simply stops waiting and gets false.
func (r *RefreshCoordinator) Refresh(ctx context.Context) bool {
	ch := r.group.DoChan(refreshKey, func() (any, error) {
		r.inFlight.Store(true)
		defer r.inFlight.Store(false)

		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		start := time.Now()
		err := r.call(flightCtx)
		if err != nil {
			r.logger.Warn().Err(err).Dur("took", time.Since(start)).Msg("credential refresh failed")
		} else {
			r.logger.Debug().Dur("took", time.Since(start)).Msg("credentials refreshed")
		}
		r.metrics.observeRefresh(err == nil)
		return nil, err
	})

	select {
	case res := <-ch:
		return res.Err == nil
	case <-ctx.Done():
		return false
	}
}

// call runs fn, turning a panic into an error so it cannot escape the
// flight goroutine.
func (r *RefreshCoordinator) call(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic: %v", ErrRefreshFailed, p)
		}
	}()
	return r.fn(ctx)
}

// InFlight reports whether a refresh is currently running.
func (r *RefreshCoordinator) InFlight() bool {
	return r.inFlight.Load()
}
