package daemon

import (
	"context"
	"errors"
	"time"

	"cablectl/internal/api"
)

// ErrNotReady is returned by WaitReady when the daemon did not report a
// synchronized graph in time.
var ErrNotReady = errors.New("daemon not ready")

// WaitReady polls the control API until the daemon is connected to the
// server and its graph is fresh.
func WaitReady(ctx context.Context, c *api.Client, timeout time.Duration) (api.StatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	var last api.StatusResponse
	for {
		st, err := c.Status(ctx)
		if err == nil {
			last = st
			if st.State == "connected" && !st.Stale {
				return st, nil
			}
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return last, ErrNotReady
		}
	}
}
