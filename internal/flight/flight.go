// Package flight coalesces concurrent identical requests into one upstream
// call. It wraps golang.org/x/sync/singleflight keyed by request fingerprint:
// at most one call is outstanding per fingerprint, every waiter observes the
// identical outcome, and a waiter abandoning the wait does not cancel the
// in-flight call.
package flight

import (
	"context"

	"github.com/aice-dev/orchestrator/internal/domain"
	"golang.org/x/sync/singleflight"
)

type Coordinator struct {
	group singleflight.Group
}

func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// Do runs fn for the fingerprint, or joins an in-flight call for the same
// fingerprint and waits for its outcome. shared reports whether the result was
// delivered to more than one caller. If ctx is cancelled while waiting, the
// caller unblocks with ctx.Err() but the underlying call continues for the
// remaining waiters; the entry is removed when the owning call completes.
func (c *Coordinator) Do(ctx context.Context, fingerprint string, fn func() (*domain.Result, error)) (result *domain.Result, shared bool, err error) {
	ch := c.group.DoChan(fingerprint, func() (interface{}, error) {
		return fn()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*domain.Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget drops the in-flight entry for a fingerprint so the next caller starts
// a fresh call instead of joining.
func (c *Coordinator) Forget(fingerprint string) {
	c.group.Forget(fingerprint)
}
