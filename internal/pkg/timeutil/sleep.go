// Package timeutil provides cancellable timing helpers for the daemon's
// cooperative loops.
package timeutil

import (
	"context"
	"time"

	"github.com/agreenet/providerd/internal/pkg/perrors"
)

// Sleep waits for d or until the context is cancelled, returning
// perrors.ErrTerminated in the latter case so loops can exit quietly.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return perrors.ErrTerminated
	case <-timer.C:
		return nil
	}
}
