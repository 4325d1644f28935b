package bitforce

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"bitforge/internal/codec"
	"bitforge/internal/sysutil"
	"bitforge/internal/work"
)

var sentinel8 = [8]byte{sentinelByte, sentinelByte, sentinelByte, sentinelByte, sentinelByte, sentinelByte, sentinelByte, sentinelByte}

// buildSendFrame lays out the 60- or 68-byte work frame per spec.md §4.7. It
// returns the frame and the nonce count this device is being asked to
// cover (0xFFFFFFFF for full-space, NonceRangeSpan+1 for ranged).
func buildSendFrame(u *work.Unit, nonceRange bool) (frame []byte, nonces uint32) {
	if !nonceRange {
		frame = make([]byte, 60)
		copy(frame[0:8], sentinel8[:])
		copy(frame[8:40], u.Midstate[:])
		copy(frame[40:52], u.Tail[:])
		copy(frame[52:60], sentinel8[:])
		return frame, 0xFFFFFFFF
	}

	frame = make([]byte, 68)
	copy(frame[0:8], sentinel8[:])
	copy(frame[8:40], u.Midstate[:])
	copy(frame[40:52], u.Tail[:])
	putBE32(frame[52:56], u.Nonce)
	end := u.Nonce + NonceRangeSpan
	putBE32(frame[56:60], end)
	copy(frame[60:68], sentinel8[:])
	return frame, NonceRangeSpan + 1
}

func putBE32(dst []byte, v uint32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}

// SendWork executes bitforce_send_work (spec.md §4.7): acquire the device
// mutex, write the command opcode, read one line. A "B"-prefixed or empty
// reply means busy: release the mutex, sleep WORK_CHECK_INTERVAL_MS, retry
// (re-acquiring the lock before the retry — spec.md §9(a) open question,
// resolved in favor of re-acquiring). A non-"OK" reply downgrades out of
// nonce-range once and retries; on "OK" the frame itself is sent and must
// also draw an "OK" reply.
func (s *Session) SendWork(u *work.Unit) (bool, error) {
	for {
		s.mu.Lock()
		nonceRange := s.nonceRangeSupported
		cmd := CmdSendWork
		if nonceRange {
			cmd = CmdSendRanged
		}
		if err := s.transport.Write([]byte(cmd)); err != nil {
			s.mu.Unlock()
			return false, fmt.Errorf("bitforce: send command: %w", err)
		}
		reply, err := s.transport.ReadLine(Timeout)
		if err != nil || reply == "" || strings.HasPrefix(reply, "B") {
			s.mu.Unlock()
			sysutil.NMSleep(WorkCheckIntervalMS * time.Millisecond)
			continue
		}
		if reply != "OK" {
			if nonceRange {
				s.nonceRangeSupported = false
				s.sleepMS *= 5
				s.mu.Unlock()
				continue
			}
			s.mu.Unlock()
			return false, fmt.Errorf("bitforce: send refused: %q", reply)
		}

		frame, nonces := buildSendFrame(u, nonceRange)
		if err := s.transport.Write(frame); err != nil {
			s.mu.Unlock()
			return false, fmt.Errorf("bitforce: send frame: %w", err)
		}
		frameReply, err := s.transport.ReadLine(Timeout)
		if err != nil || frameReply != "OK" {
			s.mu.Unlock()
			return false, fmt.Errorf("bitforce: frame not acknowledged: %q (err=%v)", frameReply, err)
		}
		s.workStart = time.Now()
		s.pending = &currentWork{unit: u, nonces: nonces}
		s.mu.Unlock()
		return true, nil
	}
}

// GetResult executes bitforce_get_result (spec.md §4.7): poll ZFX under the
// mutex, release between polls, until a non-empty non-"B" reply or timeout.
func (s *Session) GetResult(u *work.Unit, restart func() bool) (int, error) {
	start := time.Now()
	s.mu.Lock()
	s.waitMS = s.sleepMS
	s.mu.Unlock()

	for {
		if restart != nil && restart() {
			return 0, nil
		}

		s.mu.Lock()
		writeErr := s.transport.Write([]byte(CmdWorkStatus))
		var reply string
		var readErr error
		if writeErr == nil {
			reply, readErr = s.transport.ReadLine(Timeout)
		}
		s.mu.Unlock()

		elapsed := time.Since(start)
		empty := writeErr != nil || readErr != nil || reply == ""

		if empty || strings.HasPrefix(reply, "B") {
			sleep := CheckIntervalMS * time.Millisecond
			if empty {
				sleep = 2 * WorkCheckIntervalMS * time.Millisecond
			}
			s.mu.Lock()
			s.waitMS += int(sleep / time.Millisecond)
			s.mu.Unlock()

			if elapsed >= LongTimeout {
				return 0, nil
			}
			sysutil.NMSleep(sleep)
			continue
		}

		if elapsed > Timeout {
			s.recordHardwareErrorLocked("overheat: no result within TIMEOUT")
		}

		return s.classifyResult(u, reply, elapsed)
	}
}

func (s *Session) recordHardwareErrorLocked(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordHardwareError(reason)
}

func (s *Session) classifyResult(u *work.Unit, reply string, elapsed time.Duration) (int, error) {
	s.mu.Lock()
	nonces := 0
	if s.pending != nil {
		nonces = int(s.pending.nonces)
	}
	s.mu.Unlock()

	switch {
	case strings.HasPrefix(reply, "NO-NONCE"):
		s.tuneSleep(elapsed)
		return nonces, nil

	case strings.HasPrefix(reply, "IDLE"):
		return 0, nil

	case strings.HasPrefix(reply, "NONCE-FOUND"):
		s.handleNonceFound(u, reply)
		s.tuneSleep(elapsed)
		return nonces, nil

	default:
		s.mu.Lock()
		s.recordHardwareError(fmt.Sprintf("garbled work-status reply %q", reply))
		s.mu.Unlock()
		s.runInitSequence(false)
		return 0, fmt.Errorf("bitforce: garbled work-status reply: %q", reply)
	}
}

func (s *Session) handleNonceFound(u *work.Unit, reply string) {
	payload := strings.TrimPrefix(reply, "NONCE-FOUND:")
	for _, tok := range strings.Split(payload, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		raw, err := strconv.ParseUint(tok, 16, 32)
		if err != nil {
			continue
		}
		nonce := codec.Swap32(uint32(raw))

		s.mu.Lock()
		nonceRange := s.nonceRangeSupported
		var nonces uint32
		if s.pending != nil {
			nonces = s.pending.nonces
		}
		if nonceRange && nonces > 0 {
			lo := u.Nonce - nonces - 1
			hi := u.Nonce
			if nonce < lo || nonce >= hi {
				s.nonceRangeSupported = false
			}
		}
		s.mu.Unlock()

		if s.sched != nil {
			s.sched.SubmitNonce(s.Name, u.JobID, nonce)
		}
	}
}

// tuneSleep implements the adaptive sleep-target tuning of spec.md §4.7,
// only reached on the "N..." (NO-NONCE/NONCE-FOUND) reply path. The tighten
// step never leaves sleepMS below CheckIntervalMS.
func (s *Session) tuneSleep(elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.waitMS
	sl := s.sleepMS
	switch {
	case w > sl+100:
		sl = sl + (w-sl)/2
	case w == sl:
		if sl > 50 {
			sl -= WorkCheckIntervalMS
		} else if sl > 10 {
			sl -= CheckIntervalMS
		}
		if sl < CheckIntervalMS {
			sl = CheckIntervalMS
		}
	}
	s.sleepMS = sl

	elapsedMS := float64(elapsed / time.Millisecond)
	s.avgWait += (elapsedMS - s.avgWait) / 8
}

// GetTemp executes bitforce_get_temp (spec.md §4.7). It is skipped entirely
// while polling, uses try-lock semantics (silently returns false without
// error on contention), performs a pending one-shot flash instead when
// flashLED is set, and on success updates lastTemp / thermal-cutoff state.
func (s *Session) GetTemp() (bool, error) {
	if !s.mu.TryLock() {
		return false, nil
	}
	if s.polling {
		s.mu.Unlock()
		return false, nil
	}
	if s.flashLED {
		s.flashLED = false
		s.mu.Unlock()
		return s.flash()
	}
	defer s.mu.Unlock()

	if err := s.transport.Write([]byte(CmdTemp)); err != nil {
		return false, fmt.Errorf("bitforce: temp command: %w", err)
	}
	reply, err := s.transport.ReadLine(Timeout)
	if err != nil {
		return false, fmt.Errorf("bitforce: temp read: %w", err)
	}

	if !strings.HasPrefix(reply, "TEMP:") {
		s.recordHardwareError(fmt.Sprintf("garbled temp reply %q", reply))
		go s.runInitSequence(false)
		return false, fmt.Errorf("bitforce: garbled temp reply: %q", reply)
	}

	raw := strings.TrimPrefix(reply, "TEMP:")
	temp, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return false, fmt.Errorf("bitforce: unparseable temp %q: %w", raw, err)
	}
	if temp > 100 {
		// Older firmware occasionally breaks and reads nonsense values;
		// reparse rather than discard, matching bitforce_get_temp's
		// strtof-then-strtod fallback.
		if reparsed, rerr := strconv.ParseFloat(strings.TrimSpace(raw), 64); rerr == nil {
			temp = reparsed
		}
	}
	if temp <= 0 {
		return false, fmt.Errorf("bitforce: rejected non-positive temp %v", temp)
	}

	s.lastTemp = temp
	if s.cutoffTemp > 0 && temp > s.cutoffTemp {
		s.enable = Recovering
		if s.log != nil {
			s.log.Warnf("bitforce[%s]: thermal cutoff at %.1f (limit %.1f)", s.Name, temp, s.cutoffTemp)
		}
		if s.sched != nil {
			s.sched.DevError(s.Name, "thermal cutoff")
		}
	}
	return true, nil
}

// flash is the one-shot identify-LED command (ZMX); the device is expected
// to go silent for FlashSilenceDelay rather than reply.
func (s *Session) flash() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transport.Write([]byte(CmdFlashLED)); err != nil {
		return false, fmt.Errorf("bitforce: flash command: %w", err)
	}
	return true, nil
}

// RequestFlash arms the one-shot flash-LED flag for the next GetTemp call.
func (s *Session) RequestFlash() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flashLED = true
}
