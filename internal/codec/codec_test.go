package codec

import "testing"

func TestHexRoundTrip(t *testing.T) {
	// S1: "deadbeef" -> 0xDE 0xAD 0xBE 0xEF -> "deadbeef"
	dst := make([]byte, 4)
	if err := HexToBin(dst, "deadbeef"); err != nil {
		t.Fatalf("HexToBin failed: %v", err)
	}
	want := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("byte %d: got 0x%02x want 0x%02x", i, dst[i], want[i])
		}
	}
	if got := BinToHex(dst); got != "deadbeef" {
		t.Fatalf("BinToHex round trip: got %q want %q", got, "deadbeef")
	}
}

func TestHexToBinTruncated(t *testing.T) {
	dst := make([]byte, 4)
	if err := HexToBin(dst, "dead"); err == nil {
		t.Fatal("expected failure on truncated hex input")
	}
}

func TestHexToBinInvalidChars(t *testing.T) {
	dst := make([]byte, 2)
	if err := HexToBin(dst, "zzzz"); err == nil {
		t.Fatal("expected failure on invalid hex characters")
	}
}

func TestBinToHexPadsToMultipleOf4(t *testing.T) {
	// 3 bytes should pad to 4 bytes -> 8 hex chars.
	got := BinToHex([]byte{0xAA, 0xBB, 0xCC})
	if len(got) != 8 {
		t.Fatalf("expected 8 hex chars (4 bytes), got %d (%q)", len(got), got)
	}
}

func TestSwap32Involution(t *testing.T) {
	for _, v := range []uint32{0, 1, 0xDEADBEEF, 0xFFFFFFFF, 0x12345678} {
		if got := Swap32(Swap32(v)); got != v {
			t.Errorf("Swap32(Swap32(0x%08x)) = 0x%08x, want 0x%08x", v, got, v)
		}
	}
}

func TestSwap256Involution(t *testing.T) {
	var src [32]byte
	for i := range src {
		src[i] = byte(i * 7)
	}
	var once, twice [32]byte
	Swap256(&once, &src)
	Swap256(&twice, &once)
	if twice != src {
		t.Fatalf("Swap256(Swap256(x)) != x")
	}
}

func TestFullTest(t *testing.T) {
	var low, high [32]byte
	high[31] = 0xFF // after swap256, high becomes the MSB of the comparison
	// low < high after swap, so FullTest(low, high) should pass (low <= high).
	if !FullTest(low, high) {
		t.Error("expected FullTest(low, high) to pass")
	}
	if FullTest(high, low) {
		t.Error("expected FullTest(high, low) to fail")
	}
	if !FullTest(low, low) {
		t.Error("expected FullTest(x, x) to pass (equal values satisfy <=)")
	}
}
