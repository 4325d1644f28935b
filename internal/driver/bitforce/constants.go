package bitforce

import "time"

// USB identity for the BitForce device family, in the spirit of the
// Vendor/Product pair the teacher's USBDevice opens by
// (guiperry-HASHER/internal/driver/device/usb_device.go).
const (
	USBVendorID  = 0x0403 // FTDI
	USBProductID = 0x6014 // FT232H, as used by BitForce Single/SC
)

// Command vocabulary (§4.7). Each is a fixed 3-byte ASCII request.
const (
	CmdIdentify   = "ZGX"
	CmdFlashLED   = "ZMX"
	CmdTemp       = "ZLX"
	CmdSendWork   = "ZDX"
	CmdSendRanged = "ZPX"
	CmdWorkStatus = "ZFX"
)

// Timing constants (§4.7, §4.8).
const (
	CheckIntervalMS     = 10
	WorkCheckIntervalMS = 50
	LongTimeout         = 30 * time.Second
	Timeout             = 7 * time.Second
	DetectRetryDelay    = 1000 * time.Millisecond
	FlashSilenceDelay   = 4 * time.Second

	ReinitCount     = 6 // REINIT_COUNT; detect tries REINIT_COUNT+1 = 7 times
	DetectAttempts  = ReinitCount + 1
	InitialSleepMSWithRange    = 500
	InitialSleepMSWithoutRange = 2500
)

// NonceRangeSpan is the offset from the starting nonce to the last (inclusive)
// nonce of the autonomous search interval a BitForce device covers for one
// ranged work item; the interval holds NonceRangeSpan+1 nonces (~20% of the
// 32-bit nonce space).
const NonceRangeSpan = 0x33333332

// Frame sentinel byte ('>').
const sentinelByte = 0x3E
