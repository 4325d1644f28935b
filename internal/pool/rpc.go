package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	normalTimeout   = 60 * time.Second
	longPollTimeout = 3600 * time.Second
	userAgent       = "bitforge-miner/1.0"
	minNetSpacing   = 250 * time.Millisecond
)

// netLimiter shapes the "≥250ms since last non-share network activity"
// spacing (spec.md §4.5, §5's global `nettime`) across every pool in the
// process, using a shared rate.Limiter rather than a hand-rolled
// timestamp+mutex pair the way PayRpc-Bitcoin_Sprint_Production's command
// server shapes per-key request rates.
var netLimiter = rate.NewLimiter(rate.Every(minNetSpacing), 1)

var (
	rpcMu           sync.Mutex
	delayNetEnabled = true
)

// SetDelayNet toggles the global rate-shaping behavior; share submissions
// always bypass it regardless of this setting.
func SetDelayNet(enabled bool) {
	rpcMu.Lock()
	defer rpcMu.Unlock()
	delayNetEnabled = enabled
}

// RPCResult is the decoded JSON-RPC response plus the header-derived fields
// spec.md §4.5 calls for.
type RPCResult struct {
	Result       json.RawMessage
	Error        json.RawMessage
	RejectReason string // from X-Reject-Reason
	StratumURL   string // from X-Stratum, signals an upgrade offer
}

// Call executes one JSON-RPC HTTP POST (spec.md §4.5, C5). isShare bypasses
// the rate-shaping wait: the call takes the shared limiter's token when one
// is free, and leaves the limiter unchanged when none is, so such a call does
// not always push back the next non-share request. longPoll selects the
// 3600s timeout and is otherwise a plain request.
func (s *Session) Call(ctx context.Context, body []byte, isShare, longPoll bool) (*RPCResult, error) {
	rpcMu.Lock()
	enabled := delayNetEnabled
	rpcMu.Unlock()

	if enabled && !isShare {
		if err := netLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("pool: rate wait: %w", err)
		}
	} else {
		netLimiter.Allow() // takes the token only if one is free; never waits
	}

	timeout := normalTimeout
	if longPoll {
		timeout = longPollTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("pool: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Mining-Extensions", "longpoll midstate rollntime submitold")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	if hashrate := CurrentHashrate(); hashrate > 0 {
		req.Header.Set("X-Mining-Hashrate", strconv.FormatFloat(hashrate, 'f', 2, 64))
	}
	req.Header["Expect"] = nil // suppress the Expect: 100-continue the stdlib would otherwise add

	s.recordSent(len(body))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pool: transport error: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("pool: read body: %w", err)
	}
	s.recordReceived(len(raw))

	s.interpretHeaders(resp.Header)

	var decoded struct {
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("pool: decode response: %w", err)
	}
	if len(decoded.Result) == 0 || string(decoded.Result) == "null" {
		return nil, fmt.Errorf("pool: response has no result")
	}
	if len(decoded.Error) > 0 && string(decoded.Error) != "null" {
		return nil, fmt.Errorf("pool: response carries non-null error: %s", decoded.Error)
	}

	result := &RPCResult{Result: decoded.Result, Error: decoded.Error}
	result.RejectReason = resp.Header.Get("X-Reject-Reason")
	result.StratumURL = resp.Header.Get("X-Stratum")
	return result, nil
}

// interpretHeaders applies the case-insensitive custom response header
// rules of spec.md §4.5: X-Roll-Ntime, X-Long-Polling.
func (s *Session) interpretHeaders(h http.Header) {
	s.poolLock.Lock()
	defer s.poolLock.Unlock()

	if v := h.Get("X-Roll-Ntime"); v != "" {
		if strings.EqualFold(v, "N") {
			s.rollNtime = false
		} else {
			s.rollNtime = true
			s.rollExpire = parseExpire(v)
		}
	}
	if v := h.Get("X-Long-Polling"); v != "" {
		s.longPollPath = v
	}
}

// parseExpire extracts "expire=<seconds>" from an X-Roll-Ntime value,
// falling back to a default scantime when absent or malformed.
func parseExpire(v string) int {
	const defaultScantime = 60
	idx := strings.Index(strings.ToLower(v), "expire=")
	if idx < 0 {
		return defaultScantime
	}
	rest := v[idx+len("expire="):]
	end := strings.IndexAny(rest, "; \t")
	if end >= 0 {
		rest = rest[:end]
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil || n <= 0 {
		return defaultScantime
	}
	return n
}

// LongPollURL returns the base URL joined with the path captured from
// X-Long-Polling, or "" if none has been seen yet.
func (s *Session) LongPollURL() string {
	s.poolLock.Lock()
	defer s.poolLock.Unlock()
	if s.longPollPath == "" {
		return ""
	}
	return s.URL + s.longPollPath
}
