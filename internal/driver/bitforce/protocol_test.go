package bitforce

import (
	"testing"

	"bitforge/internal/work"
)

func allBytes(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestBuildSendFrameNoRange(t *testing.T) {
	u := &work.Unit{}
	copy(u.Midstate[:], allBytes(0x11, 32))
	copy(u.Tail[:], allBytes(0x22, 12))

	frame, nonces := buildSendFrame(u, false)
	if len(frame) != 60 {
		t.Fatalf("frame length = %d, want 60", len(frame))
	}
	if nonces != 0xFFFFFFFF {
		t.Fatalf("nonces = %#x, want 0xFFFFFFFF", nonces)
	}
	for i := 0; i < 8; i++ {
		if frame[i] != sentinelByte || frame[52+i] != sentinelByte {
			t.Fatalf("sentinel mismatch at frame boundary, i=%d", i)
		}
	}
	for i := 8; i < 40; i++ {
		if frame[i] != 0x11 {
			t.Fatalf("midstate byte %d = %#x, want 0x11", i, frame[i])
		}
	}
	for i := 40; i < 52; i++ {
		if frame[i] != 0x22 {
			t.Fatalf("tail byte %d = %#x, want 0x22", i, frame[i])
		}
	}
}

func TestBuildSendFrameWithRange(t *testing.T) {
	u := &work.Unit{Nonce: 0}
	copy(u.Tail[:], allBytes(0x22, 12))

	frame, nonces := buildSendFrame(u, true)
	if len(frame) != 68 {
		t.Fatalf("frame length = %d, want 68", len(frame))
	}
	if nonces != NonceRangeSpan+1 {
		t.Fatalf("nonces = %#x, want %#x", nonces, NonceRangeSpan+1)
	}
	want52 := []byte{0x00, 0x00, 0x00, 0x00}
	for i, b := range want52 {
		if frame[52+i] != b {
			t.Fatalf("start-nonce byte %d = %#x, want %#x", i, frame[52+i], b)
		}
	}
	want56 := []byte{0x33, 0x33, 0x33, 0x32}
	for i, b := range want56 {
		if frame[56+i] != b {
			t.Fatalf("end-nonce byte %d = %#x, want %#x", i, frame[56+i], b)
		}
	}
	for i := 0; i < 8; i++ {
		if frame[60+i] != sentinelByte {
			t.Fatalf("trailing sentinel byte %d = %#x, want sentinel", i, frame[60+i])
		}
	}
}

func TestSendWorkHappyPathNoRange(t *testing.T) {
	ft := newFakeTransport("OK", "OK")
	s := NewSession(ft, nil, nil, false, 0)

	u := &work.Unit{}
	ok, err := s.SendWork(u)
	if err != nil {
		t.Fatalf("SendWork error: %v", err)
	}
	if !ok {
		t.Fatalf("SendWork returned false")
	}
	if ft.writeCount() != 2 {
		t.Fatalf("write count = %d, want 2", ft.writeCount())
	}
	if ft.writeAt(0) != CmdSendWork {
		t.Fatalf("first write = %q, want %q", ft.writeAt(0), CmdSendWork)
	}
	if len(ft.writeAt(1)) != 60 {
		t.Fatalf("frame write length = %d, want 60", len(ft.writeAt(1)))
	}
	if s.workStart.IsZero() {
		t.Fatalf("workStart not recorded")
	}
}

func TestSendWorkDowngradesOnRefusalThenSucceeds(t *testing.T) {
	// First attempt (ranged): refused with "NOT-OK" -> downgrade, retry
	// unranged: "OK", "OK".
	ft := newFakeTransport("NOT-OK", "OK", "OK")
	s := NewSession(ft, nil, nil, true, 0)

	u := &work.Unit{}
	ok, err := s.SendWork(u)
	if err != nil {
		t.Fatalf("SendWork error: %v", err)
	}
	if !ok {
		t.Fatalf("SendWork returned false after downgrade")
	}
	if s.NonceRangeSupported() {
		t.Fatalf("nonce range should be permanently disabled after downgrade")
	}
	if s.SleepMS() != InitialSleepMSWithRange*5 {
		t.Fatalf("sleepMS = %d, want %d", s.SleepMS(), InitialSleepMSWithRange*5)
	}
}

func TestTuneSleepCatchUp(t *testing.T) {
	s := &Session{sleepMS: 500, waitMS: 800}
	s.tuneSleep(0)
	if s.sleepMS != 650 {
		t.Fatalf("sleepMS = %d, want 650", s.sleepMS)
	}
}

func TestTuneSleepTighten(t *testing.T) {
	s := &Session{sleepMS: 500, waitMS: 500}
	s.tuneSleep(0)
	if s.sleepMS != 450 {
		t.Fatalf("sleepMS = %d, want 450", s.sleepMS)
	}
}

func TestTuneSleepTightenFloorAtCheckInterval(t *testing.T) {
	s := &Session{sleepMS: 15, waitMS: 15}
	s.tuneSleep(0)
	if s.sleepMS != 10 {
		t.Fatalf("sleepMS = %d, want 10", s.sleepMS)
	}
	s2 := &Session{sleepMS: 10, waitMS: 10}
	s2.tuneSleep(0)
	if s2.sleepMS != 10 {
		t.Fatalf("sleepMS at floor = %d, want unchanged 10", s2.sleepMS)
	}
}

func TestGetTempGarbledRecordsHardwareError(t *testing.T) {
	ft := newFakeTransport("XYZ")
	s := NewSession(ft, nil, nil, false, 0)

	ok, err := s.GetTemp()
	if ok {
		t.Fatalf("GetTemp should report failure on garbled reply")
	}
	if err == nil {
		t.Fatalf("expected error on garbled temp reply")
	}
	if s.HardwareErrors() != 1 {
		t.Fatalf("hardwareErrors = %d, want 1", s.HardwareErrors())
	}
	if s.lastTemp != 0 {
		t.Fatalf("lastTemp should be untouched, got %v", s.lastTemp)
	}
}

func TestGetTempSkippedWhilePolling(t *testing.T) {
	ft := newFakeTransport()
	s := NewSession(ft, nil, nil, false, 0)
	s.polling = true

	ok, err := s.GetTemp()
	if ok || err != nil {
		t.Fatalf("GetTemp while polling should return (false, nil), got (%v, %v)", ok, err)
	}
	if ft.writeCount() != 0 {
		t.Fatalf("no command should be written while polling")
	}
}

func TestGetTempThermalCutoff(t *testing.T) {
	ft := newFakeTransport("TEMP:85.0")
	s := NewSession(ft, nil, nil, false, 80)

	ok, err := s.GetTemp()
	if err != nil || !ok {
		t.Fatalf("GetTemp failed: ok=%v err=%v", ok, err)
	}
	if s.EnableState() != Recovering {
		t.Fatalf("enable state = %v, want Recovering", s.EnableState())
	}
}

func TestGetTempAboveHundredStillChecksCutoff(t *testing.T) {
	ft := newFakeTransport("TEMP:125.0")
	s := NewSession(ft, nil, nil, false, 80)

	ok, err := s.GetTemp()
	if err != nil || !ok {
		t.Fatalf("GetTemp failed: ok=%v err=%v", ok, err)
	}
	if s.lastTemp != 125.0 {
		t.Fatalf("lastTemp = %v, want 125.0", s.lastTemp)
	}
	if s.EnableState() != Recovering {
		t.Fatalf("enable state = %v, want Recovering", s.EnableState())
	}
}

type fakeScheduler struct {
	submitted []submittedNonce
}

type submittedNonce struct {
	device string
	jobID  string
	nonce  uint32
}

func (f *fakeScheduler) SubmitNonce(device, jobID string, nonce uint32) {
	f.submitted = append(f.submitted, submittedNonce{device, jobID, nonce})
}
func (f *fakeScheduler) RestartWait(ms int)                      {}
func (f *fakeScheduler) DevError(device string, reason string)   {}

// NONCE-FOUND parsing, two submissions with byte-swapped nonces.
func TestGetResultNonceFoundParsing(t *testing.T) {
	ft := newFakeTransport("NONCE-FOUND:12345678,87654321")
	sched := &fakeScheduler{}
	s := NewSession(ft, nil, sched, false, 0)
	s.pending = &currentWork{nonces: 1}

	u := &work.Unit{JobID: "job1"}
	n, err := s.GetResult(u, nil)
	if err != nil {
		t.Fatalf("GetResult error: %v", err)
	}
	if n != 1 {
		t.Fatalf("GetResult n = %d, want 1", n)
	}
	if len(sched.submitted) != 2 {
		t.Fatalf("submitted count = %d, want 2", len(sched.submitted))
	}
	if sched.submitted[0].nonce != 0x78563412 {
		t.Fatalf("first nonce = %#x, want 0x78563412", sched.submitted[0].nonce)
	}
	if sched.submitted[1].nonce != 0x21436587 {
		t.Fatalf("second nonce = %#x, want 0x21436587", sched.submitted[1].nonce)
	}
}

func TestGetResultNoNonceReturnsNoncesCovered(t *testing.T) {
	ft := newFakeTransport("NO-NONCE")
	s := NewSession(ft, nil, nil, false, 0)
	s.pending = &currentWork{nonces: 0xFFFFFFFF}

	u := &work.Unit{}
	n, err := s.GetResult(u, nil)
	if err != nil {
		t.Fatalf("GetResult error: %v", err)
	}
	if uint32(n) != 0xFFFFFFFF {
		t.Fatalf("GetResult n = %#x, want 0xFFFFFFFF", n)
	}
}

func TestGetResultIdleReturnsZero(t *testing.T) {
	ft := newFakeTransport("IDLE")
	s := NewSession(ft, nil, nil, false, 0)

	u := &work.Unit{}
	n, err := s.GetResult(u, nil)
	if err != nil {
		t.Fatalf("GetResult error: %v", err)
	}
	if n != 0 {
		t.Fatalf("GetResult n = %d, want 0", n)
	}
}

func TestDetectExtractsName(t *testing.T) {
	ft := newFakeTransport(">>>ID: BFL-SC>>> SHA256")
	name, err := Detect(ft, nil)
	if err != nil {
		t.Fatalf("Detect error: %v", err)
	}
	if name != "BFL-SC" {
		t.Fatalf("name = %q, want %q", name, "BFL-SC")
	}
	if ft.resets() != 1 {
		t.Fatalf("resets = %d, want 1 (Detect reruns the FTDI init sequence before each attempt)", ft.resets())
	}
}

func TestDetectRunsInitSequenceOnEveryRetry(t *testing.T) {
	ft := newFakeTransport("garbled", ">>>ID: BFL-SC>>> SHA256")
	name, err := Detect(ft, nil)
	if err != nil {
		t.Fatalf("Detect error: %v", err)
	}
	if name != "BFL-SC" {
		t.Fatalf("name = %q, want %q", name, "BFL-SC")
	}
	if ft.resets() != 2 {
		t.Fatalf("resets = %d, want 2 (one per attempt)", ft.resets())
	}
}

func TestDetectBlankNameOnMismatch(t *testing.T) {
	ft := newFakeTransport("SHA256 ready, no markers here")
	name, err := Detect(ft, nil)
	if err != nil {
		t.Fatalf("Detect error: %v", err)
	}
	if name != "" {
		t.Fatalf("name = %q, want blank", name)
	}
}
