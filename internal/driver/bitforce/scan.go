package bitforce

import (
	"context"
	"time"

	"bitforge/internal/sysutil"
	"bitforge/internal/work"
)

// RestartSignal lets a caller tell a running scan that the current work
// should be abandoned (cgminer's thr->work_restart flag). It is backed by a
// context so the scan loop's sleeps can be cut short via
// sysutil.NMSleepContext rather than polled in a busy loop.
type RestartSignal struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func NewRestartSignal() *RestartSignal {
	ctx, cancel := context.WithCancel(context.Background())
	return &RestartSignal{ctx: ctx, cancel: cancel}
}

func (r *RestartSignal) Requested() bool {
	return r.ctx.Err() != nil
}

// Trigger marks a restart as requested. Safe to call multiple times.
func (r *RestartSignal) Trigger() {
	r.cancel()
}

// Reset clears a triggered restart signal for the next scan.
func (r *RestartSignal) Reset() {
	r.cancel()
	r.ctx, r.cancel = context.WithCancel(context.Background())
}

// Scan runs one send→sleep→poll→decode cycle (spec.md §4.8, C8):
//  1. send_ok ← send_work(thr, work)
//  2. sleep sleep_ms, restart-interruptible; abandon on restart.
//  3. wait_ms ← sleep_ms; polling ← true.
//  4. ret ← get_result(thr, work) if send succeeded, else -1.
//  5. polling ← false; on ret=-1 report a comms error, reinitialize, return 0.
func (s *Session) Scan(u *work.Unit, restart *RestartSignal) int {
	sendOK, err := s.SendWork(u)
	if err != nil && s.log != nil {
		s.log.Errorf("bitforce[%s]: send_work: %v", s.Name, err)
	}

	s.mu.Lock()
	sleepMS := s.sleepMS
	s.mu.Unlock()

	if !sleepInterruptible(sleepMS, restart) {
		return 0
	}

	s.mu.Lock()
	s.waitMS = s.sleepMS
	s.polling = true
	s.mu.Unlock()

	var ret int
	if sendOK {
		ret, err = s.GetResult(u, func() bool {
			return restart != nil && restart.Requested()
		})
		if err != nil && s.log != nil {
			s.log.Errorf("bitforce[%s]: get_result: %v", s.Name, err)
		}
	} else {
		ret = -1
	}

	s.mu.Lock()
	s.polling = false
	s.mu.Unlock()

	if ret == -1 {
		s.recordHardwareErrorLocked("comms error on send_work")
		s.runInitSequence(false)
		return 0
	}
	return ret
}

// sleepInterruptible sleeps for ms milliseconds, returning early (with
// false) if restart fires during the wait.
func sleepInterruptible(ms int, restart *RestartSignal) bool {
	ctx := context.Background()
	if restart != nil {
		ctx = restart.ctx
	}
	err := sysutil.NMSleepContext(ctx, time.Duration(ms)*time.Millisecond)
	return err == nil
}

// ThreadStartupDelay returns the thread-id-staggered startup sleep
// (thread_id * 100ms) spec.md §4.8 calls for, to avoid USB bus contention
// when several devices initialize together.
func ThreadStartupDelay(threadID int) time.Duration {
	return time.Duration(threadID) * 100 * time.Millisecond
}
