// Package bitforce implements the BitForce USB device protocol: detect/init,
// the send-work/get-result command exchange, adaptive poll-interval tuning,
// and temperature/flash handling, grounded on the command/response state
// machine in guiperry-HASHER/internal/driver/device/controller.go adapted to
// BitForce's simpler sentinel-framed, CRC-less wire format.
package bitforce

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"bitforge/internal/external"
	"bitforge/internal/work"
)

// EnableState mirrors spec.md §3's device health state machine.
type EnableState int

const (
	Enabled EnableState = iota
	Recovering
	Disabled
)

func (s EnableState) String() string {
	switch s {
	case Enabled:
		return "enabled"
	case Recovering:
		return "recovering"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Session is a per-physical-device protocol handle. All USB traffic for one
// device is serialized by mu; exactly one outstanding work item is expected
// at a time (spec.md §3 invariant).
type Session struct {
	mu sync.Mutex

	Name  string // extracted from ">>>ID: <name>>>>", blank on mismatch
	Index int
	Path  string // selector passed to Open (USB serial number, or "")

	transport Transport
	log       external.Logger
	sched     external.Scheduler

	nonceRangeSupported bool // starts optimistic; false once downgraded, permanently

	sleepMS int // target pre-poll sleep
	waitMS  int // accumulated poll sleep within the current scan
	avgWait float64

	hardwareErrors int
	lastTemp       float64
	cutoffTemp     float64
	enable         EnableState

	polling  bool
	flashLED bool

	workStart time.Time
	pending   *currentWork
}

// NewSession constructs a Session. nonceRange selects the initial sleep
// target per spec.md §4.7 (500ms with ranged work enabled, 2500ms without);
// cutoffTemp <= 0 disables thermal cutoff.
func NewSession(transport Transport, log external.Logger, sched external.Scheduler, nonceRange bool, cutoffTemp float64) *Session {
	sleepMS := InitialSleepMSWithoutRange
	if nonceRange {
		sleepMS = InitialSleepMSWithRange
	}
	return &Session{
		transport:            transport,
		log:                  log,
		sched:                sched,
		nonceRangeSupported:  nonceRange,
		sleepMS:              sleepMS,
		enable:               Enabled,
		cutoffTemp:           cutoffTemp,
	}
}

// SleepMS returns the current target pre-poll sleep, for tests and callers
// that need to observe the adaptive tuning without reaching into the struct.
func (s *Session) SleepMS() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sleepMS
}

// NonceRangeSupported reports whether ranged work is still enabled for this
// device (spec.md §4.7/§9: the downgrade is permanent once triggered).
func (s *Session) NonceRangeSupported() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonceRangeSupported
}

func (s *Session) HardwareErrors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hardwareErrors
}

func (s *Session) EnableState() EnableState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enable
}

// Detect attempts identification up to DetectAttempts (7) times, 1000ms
// apart. Each attempt reruns the FTDI init sequence first, matching
// bitforce_detect_one's reinit loop (original_source/driver-bitforce.c). The
// reply must contain "SHA256"; failure after all attempts is fatal per
// device (spec.md §7 "Fatal per-device").
func Detect(transport Transport, log external.Logger) (name string, err error) {
	var lastErr error
	for attempt := 0; attempt < DetectAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(DetectRetryDelay)
		}
		if err := transport.Reset(); err != nil {
			lastErr = err
			continue
		}
		if err := transport.Write([]byte(CmdIdentify)); err != nil {
			lastErr = err
			continue
		}
		reply, err := transport.ReadLine(Timeout)
		if err != nil {
			lastErr = err
			continue
		}
		if !strings.Contains(reply, "SHA256") {
			lastErr = fmt.Errorf("bitforce: identify reply %q lacks SHA256", reply)
			continue
		}
		return extractName(reply), nil
	}
	return "", fmt.Errorf("bitforce: detect failed after %d attempts: %w", DetectAttempts, lastErr)
}

// extractName returns the substring between ">>>ID: " and ">>>", or "" if
// the reply doesn't match that shape (spec.md §9 "blank sentinel" note).
func extractName(reply string) string {
	const prefix = ">>>ID: "
	const suffix = ">>>"
	start := strings.Index(reply, prefix)
	if start < 0 {
		return ""
	}
	start += len(prefix)
	end := strings.Index(reply[start:], suffix)
	if end < 0 {
		return ""
	}
	return reply[start : start+end]
}

// runInitSequence reruns the FTDI-level reset/configure sequence. withLock
// false means the caller does not already hold mu; true means it does
// (spec.md §4.7: "When called under the lock flag, the caller already holds
// the device mutex; otherwise the sequence acquires it.").
func (s *Session) runInitSequence(withLock bool) error {
	if !withLock {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	return s.transport.Reset()
}

func (s *Session) recordHardwareError(reason string) {
	s.hardwareErrors++
	if s.log != nil {
		s.log.Warnf("bitforce[%s]: hardware error: %s", s.Name, reason)
	}
	if s.sched != nil {
		s.sched.DevError(s.Name, reason)
	}
}

// currentWork tracks the most recent work handed to SendWork, needed by
// GetResult to classify NONCE-FOUND ranges and submit to the scheduler.
type currentWork struct {
	unit   *work.Unit
	nonces uint32 // count of nonces this device is expected to cover
}
