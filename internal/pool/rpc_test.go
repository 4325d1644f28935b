package pool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseExpireWithValue(t *testing.T) {
	if got := parseExpire("Y; expire=120"); got != 120 {
		t.Fatalf("parseExpire = %d, want 120", got)
	}
}

func TestParseExpireFallsBackToDefault(t *testing.T) {
	if got := parseExpire("Y"); got != 60 {
		t.Fatalf("parseExpire = %d, want default 60", got)
	}
}

func TestInterpretHeadersRollNtimeDisabled(t *testing.T) {
	s := New("http://example.invalid", "u", "p")
	h := http.Header{}
	h.Set("X-Roll-Ntime", "N")
	s.interpretHeaders(h)
	if s.rollNtime {
		t.Fatalf("rollNtime should be false for X-Roll-Ntime: N")
	}
}

func TestInterpretHeadersLongPolling(t *testing.T) {
	s := New("http://example.invalid", "u", "p")
	h := http.Header{}
	h.Set("X-Long-Polling", "/lp/abc")
	s.interpretHeaders(h)
	if s.LongPollURL() != "http://example.invalid/lp/abc" {
		t.Fatalf("LongPollURL = %q", s.LongPollURL())
	}
}

func TestCallHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Reject-Reason", "stale")
		w.Write([]byte(`{"result":true,"error":null}`))
	}))
	defer srv.Close()

	s := New(srv.URL, "u", "p")
	res, err := s.Call(context.Background(), []byte(`{"id":1,"method":"getwork"}`), true, false)
	if err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if res.RejectReason != "stale" {
		t.Fatalf("RejectReason = %q, want stale", res.RejectReason)
	}
}

func TestCallFailsOnNullResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":null,"error":null}`))
	}))
	defer srv.Close()

	s := New(srv.URL, "u", "p")
	if _, err := s.Call(context.Background(), []byte(`{}`), true, false); err == nil {
		t.Fatalf("expected error for null result")
	}
}

func TestCallFailsOnNonNullError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":true,"error":"bad request"}`))
	}))
	defer srv.Close()

	s := New(srv.URL, "u", "p")
	if _, err := s.Call(context.Background(), []byte(`{}`), true, false); err == nil {
		t.Fatalf("expected error for non-null error field")
	}
}

func TestCallSetsHashrateHeaderWhenKnown(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Mining-Hashrate")
		w.Write([]byte(`{"result":true,"error":null}`))
	}))
	defer srv.Close()

	SetGlobalHashrate(1234.5)
	defer SetGlobalHashrate(0)

	s := New(srv.URL, "u", "p")
	if _, err := s.Call(context.Background(), []byte(`{}`), true, false); err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if got != "1234.50" {
		t.Fatalf("X-Mining-Hashrate = %q, want %q", got, "1234.50")
	}
}

func TestCallOmitsHashrateHeaderWhenUnknown(t *testing.T) {
	var present bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		present = r.Header.Get("X-Mining-Hashrate") != ""
		w.Write([]byte(`{"result":true,"error":null}`))
	}))
	defer srv.Close()

	SetGlobalHashrate(0)

	s := New(srv.URL, "u", "p")
	if _, err := s.Call(context.Background(), []byte(`{}`), true, false); err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if present {
		t.Fatalf("X-Mining-Hashrate header should be absent when rate is unknown")
	}
}
