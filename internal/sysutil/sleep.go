// Package sysutil provides small platform primitives shared by the device
// driver and pool clients: a monotonic, interruption-proof sleep.
package sysutil

import (
	"context"
	"time"
)

// NMSleep sleeps for at least the given duration. Go's time.Sleep already
// blocks on a monotonic clock and is immune to signal-delivery wakeups (there
// is no EINTR equivalent to retry against), so this is a thin, explicit
// wrapper: its purpose is to give call sites a single, greppable spot for
// "this is the nmsleep from the spec" and a place to hook restart-aware
// cancellation without scattering context checks through the driver.
func NMSleep(d time.Duration) {
	if d <= 0 {
		return
	}
	time.Sleep(d)
}

// NMSleepContext sleeps for at least d, or returns early with ctx.Err() if
// ctx is done first. The BitForce scan loop uses this for the pre-poll sleep
// so a work-restart request interrupts the wait instead of stalling it.
func NMSleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
