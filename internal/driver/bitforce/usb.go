package bitforce

import (
	"fmt"

	"bitforge/internal/external"
)

// Open detects and constructs a ready-to-scan Session for the BitForce
// device with USB serial number serial ("" for the first matching device
// found; bus:address paths are not matched), per spec.md §4.7's
// detect-then-init sequence.
func Open(serial string, log external.Logger, sched external.Scheduler, nonceRange bool, cutoffTemp float64) (*Session, error) {
	transport, err := OpenUSBTransport(serial)
	if err != nil {
		return nil, err
	}

	name, err := Detect(transport, log)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("bitforce: %w", err)
	}

	sess := NewSession(transport, log, sched, nonceRange, cutoffTemp)
	sess.Name = name
	sess.Path = serial
	return sess, nil
}
