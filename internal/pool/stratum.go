package pool

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"
)

type stratumRequest struct {
	ID     int64         `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type stratumReply struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// InitiateStratum implements initiate_stratum (spec.md §4.6): open a raw TCP
// connection, enable keep-alive (idle=60s, interval=60s, count=5) and
// disable Nagle, then send mining.subscribe and await its result.
func (s *Session) InitiateStratum(hostPort string) error {
	s.stratumLock.Lock()
	if s.buf == nil {
		s.buf = make([]byte, 0, rbufSize)
	}
	conn, err := net.DialTimeout("tcp", hostPort, normalTimeout)
	if err != nil {
		s.stratumLock.Unlock()
		return fmt.Errorf("pool: dial %s: %w", hostPort, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetKeepAliveConfig(net.KeepAliveConfig{
			Enable:   true,
			Idle:     60 * time.Second,
			Interval: 60 * time.Second,
			Count:    5,
		})
	}
	s.conn = conn
	s.stratumLock.Unlock()

	id := NextRPCID()
	req := stratumRequest{ID: id, Method: "mining.subscribe", Params: []interface{}{}}
	if err := s.stratumSend(req); err != nil {
		return fmt.Errorf("pool: subscribe send: %w", err)
	}

	line, err := s.RecvLine()
	if err != nil {
		return fmt.Errorf("pool: subscribe recv: %w", err)
	}
	var reply stratumReply
	if err := json.Unmarshal([]byte(line), &reply); err != nil {
		return fmt.Errorf("pool: subscribe decode: %w", err)
	}
	nonce1, n2size, err := parseSubscribeResult(reply.Result)
	if err != nil {
		return err
	}

	s.poolLock.Lock()
	s.nonce1 = nonce1
	s.n2size = n2size
	s.work.Diff = 1
	s.poolLock.Unlock()

	s.stratumLock.Lock()
	s.state = Subscribed
	s.stratumLock.Unlock()
	return nil
}

// parseSubscribeResult expects result = [subscriptions, nonce1(hex), n2size].
func parseSubscribeResult(raw json.RawMessage) (nonce1 string, n2size int, err error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) < 3 {
		return "", 0, fmt.Errorf("pool: malformed subscribe result")
	}
	if err := json.Unmarshal(arr[1], &nonce1); err != nil || nonce1 == "" {
		return "", 0, fmt.Errorf("pool: subscribe result[1] not a hex string")
	}
	if err := json.Unmarshal(arr[2], &n2size); err != nil || n2size <= 0 {
		return "", 0, fmt.Errorf("pool: subscribe result[2] not a positive integer")
	}
	return nonce1, n2size, nil
}

// AuthStratum implements auth_stratum (spec.md §4.6): send mining.authorize,
// dispatch any method notifications encountered first, and require a present,
// non-null, non-false result with a null/absent error on the first non-method
// reply.
func (s *Session) AuthStratum(user, password string) error {
	id := NextRPCID()
	req := stratumRequest{ID: id, Method: "mining.authorize", Params: []interface{}{user, password}}
	if err := s.stratumSend(req); err != nil {
		return fmt.Errorf("pool: authorize send: %w", err)
	}

	for {
		line, err := s.RecvLine()
		if err != nil {
			return fmt.Errorf("pool: authorize recv: %w", err)
		}
		var reply stratumReply
		if err := json.Unmarshal([]byte(line), &reply); err != nil {
			return fmt.Errorf("pool: authorize decode: %w", err)
		}
		if reply.Method != "" {
			s.ParseMethod(reply.Method, reply.Params, reply.ID)
			continue
		}

		if len(reply.Result) == 0 || string(reply.Result) == "null" || string(reply.Result) == "false" {
			return fmt.Errorf("pool: authorize refused")
		}
		if len(reply.Error) > 0 && string(reply.Error) != "null" {
			return fmt.Errorf("pool: authorize error: %s", reply.Error)
		}

		s.stratumLock.Lock()
		s.state = Authorized
		s.stratumLock.Unlock()
		return nil
	}
}

// DispatchLine decodes one received Stratum line and, if it carries a
// method, dispatches it via ParseMethod. Lines that are plain RPC replies
// (no method field) are ignored here; callers that need request/response
// correlation beyond subscribe/authorize read RecvLine directly instead.
func (s *Session) DispatchLine(line string, restart interface{ Trigger() }) {
	var reply stratumReply
	if err := json.Unmarshal([]byte(line), &reply); err != nil || reply.Method == "" {
		return
	}
	s.ParseMethod(reply.Method, reply.Params, reply.ID)
	if strings.HasPrefix(strings.ToLower(reply.Method), "mining.notify") && restart != nil {
		restart.Trigger()
	}
}

// ParseMethod dispatches a server-pushed notification by method name
// (case-insensitive prefix match, spec.md §4.6).
func (s *Session) ParseMethod(method string, params json.RawMessage, id *int64) {
	m := strings.ToLower(method)
	switch {
	case strings.HasPrefix(m, "mining.notify"):
		s.handleNotify(params)
	case strings.HasPrefix(m, "mining.set_difficulty"):
		s.handleSetDifficulty(params)
	case strings.HasPrefix(m, "client.reconnect"):
		s.handleReconnect(params)
	case strings.HasPrefix(m, "client.get_version"):
		s.handleGetVersion(id)
	}
}

// handleNotify implements the mining.notify branch of parse_method
// (spec.md §4.6): all seven string fields are mandatory; a missing one
// rejects the whole notify, leaving swork untouched. clean resets nonce2 to
// 0 atomically with the swap (the new SWork is built in full locally, then
// swapped in under poolLock in one assignment — the "move, not mutate"
// ownership pattern of spec.md §9).
func (s *Session) handleNotify(params json.RawMessage) {
	var arr []json.RawMessage
	if err := json.Unmarshal(params, &arr); err != nil || len(arr) < 9 {
		return
	}
	var jobID, prevHash, cb1, cb2, bbver, nbit, ntime string
	var merkles []string
	var clean bool
	fields := []*string{&jobID, &prevHash, &cb1, &cb2}
	for i, f := range fields {
		if err := json.Unmarshal(arr[i], f); err != nil || *f == "" {
			return
		}
	}
	if err := json.Unmarshal(arr[4], &merkles); err != nil {
		return
	}
	tail := []*string{&bbver, &nbit, &ntime}
	for i, f := range tail {
		if err := json.Unmarshal(arr[5+i], f); err != nil || *f == "" {
			return
		}
	}
	if err := json.Unmarshal(arr[8], &clean); err != nil {
		return
	}

	next := SWork{
		JobID:     jobID,
		PrevHash:  prevHash,
		Coinbase1: cb1,
		Coinbase2: cb2,
		Merkles:   merkles,
		BBVersion: bbver,
		NBit:      nbit,
		NTime:     ntime,
		Clean:     clean,
	}

	s.poolLock.Lock()
	next.Diff = s.work.Diff
	if clean {
		next.Nonce2 = 0
	} else {
		next.Nonce2 = s.work.Nonce2
	}
	s.work = next
	s.getworkRequested++
	s.poolLock.Unlock()

	incrementTotalGetworks()
}

func incrementTotalGetworks() {
	rpcMu.Lock()
	global.totalGetworks++
	rpcMu.Unlock()
}

func (s *Session) handleSetDifficulty(params json.RawMessage) {
	var arr []json.RawMessage
	if err := json.Unmarshal(params, &arr); err != nil || len(arr) < 1 {
		return
	}
	var diff float64
	if err := json.Unmarshal(arr[0], &diff); err != nil || diff == 0 {
		return
	}
	s.poolLock.Lock()
	s.work.Diff = diff
	s.poolLock.Unlock()
}

func (s *Session) handleReconnect(params json.RawMessage) {
	var arr []json.RawMessage
	_ = json.Unmarshal(params, &arr)

	host, port := s.currentHostPort()
	if len(arr) >= 1 {
		var h string
		if json.Unmarshal(arr[0], &h) == nil && h != "" {
			host = h
		}
	}
	if len(arr) >= 2 {
		var p json.Number
		if json.Unmarshal(arr[1], &p) == nil && p.String() != "" {
			port = p.String()
		}
	}

	s.suspendStratumLocked()
	if err := s.InitiateStratum(net.JoinHostPort(host, port)); err != nil {
		return
	}
	_ = s.AuthStratum(s.User, s.Password)
}

func (s *Session) currentHostPort() (host, port string) {
	addr := s.URL
	if idx := strings.Index(addr, "://"); idx >= 0 {
		addr = addr[idx+3:]
	}
	if idx := strings.Index(addr, "/"); idx >= 0 {
		addr = addr[:idx]
	}
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, "80"
	}
	return h, p
}

func (s *Session) handleGetVersion(id *int64) {
	if id == nil {
		return
	}
	reply := struct {
		ID     int64       `json:"id"`
		Result string      `json:"result"`
		Error  interface{} `json:"error"`
	}{ID: *id, Result: "bitforge-miner/1.0", Error: nil}
	raw, err := json.Marshal(reply)
	if err != nil {
		return
	}
	_ = s.stratumSendRaw(raw)
}

// SuspendStratum implements suspend_stratum (spec.md §4.6): atomically mark
// the connection inactive, then close the socket.
func (s *Session) SuspendStratum() {
	s.suspendStratumLocked()
}

func (s *Session) suspendStratumLocked() {
	s.stratumLock.Lock()
	defer s.stratumLock.Unlock()
	s.state = Closed
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// stratumSend marshals and sends a request.
func (s *Session) stratumSend(req stratumRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("pool: encode request: %w", err)
	}
	return s.stratumSendRaw(raw)
}

// stratumSendRaw implements __stratum_send (spec.md §4.6, §9(b)): append a
// newline and write under the lock. Partial writes loop, decrementing the
// remaining length by the bytes actually written on *this* call (the delta,
// not the cumulative total — spec.md §9's flagged bug, fixed here).
func (s *Session) stratumSendRaw(raw []byte) error {
	s.stratumLock.Lock()
	defer s.stratumLock.Unlock()

	if s.conn == nil {
		return fmt.Errorf("pool: not connected")
	}

	line := append(append([]byte(nil), raw...), '\n')
	remaining := line
	for len(remaining) > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(normalTimeout))
		sent, err := s.conn.Write(remaining)
		if sent > 0 {
			s.recordSent(sent)
			remaining = remaining[sent:] // delta, not cumulative (§9(b))
		}
		if err != nil {
			return fmt.Errorf("pool: stratum send: %w", err)
		}
	}
	return nil
}

