// Package pool implements the pool-protocol core: a line-framed socket
// reader, a JSON-RPC/HTTP request engine with pool-wide rate shaping, and a
// Stratum client state machine, grounded on the Stratum server dispatch
// pattern in toole-brendan-shell/mining/mobilex/pool/stratum.go (run here in
// the outbound/client direction) and the HTTP client idiom of
// guiperry-HASHER/internal/client/api.go.
package pool

import (
	"net"
	"sync"
	"sync/atomic"
)

// State is the Stratum client's connection state machine (spec.md §4.6).
type State int

const (
	Closed State = iota
	Subscribed
	Authorized
	Active
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Subscribed:
		return "subscribed"
	case Authorized:
		return "authorized"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

// SWork is the last-received job description (spec.md §3's "swork"). It is
// replaced wholesale under poolLock rather than field-mutated in place, per
// spec.md §9's ownership note ("move, not mutate").
type SWork struct {
	JobID       string
	PrevHash    string
	Coinbase1   string
	Coinbase2   string
	Merkles     []string
	BBVersion   string
	NBit        string
	NTime       string
	Clean       bool
	Diff        float64
	Nonce2      uint64
}

// globalCounters holds the process-wide state spec.md §5/§9 calls out as
// shared across all pools: the monotonic JSON-RPC id counter and the
// aggregate accepted-getworks count.
type globalCounters struct {
	sworkID       int64
	totalGetworks int64
}

var global globalCounters

// NextRPCID returns the next process-wide JSON-RPC request id.
func NextRPCID() int64 {
	return atomic.AddInt64(&global.sworkID, 1)
}

// TotalGetworks returns the process-wide accepted mining.notify count.
func TotalGetworks() int64 {
	return atomic.LoadInt64(&global.totalGetworks)
}

// globalHashrate is the process-wide aggregate hash rate in MH/s, set by
// whatever sums per-device throughput and read by rpc.go to populate
// X-Mining-Hashrate (spec.md §4.5). Guarded by its own mutex rather than
// folded into globalCounters since it is a float, not an atomic-friendly
// integer counter.
var (
	hashrateMu     sync.Mutex
	globalHashrate float64
)

// SetGlobalHashrate records the current aggregate hash rate across all
// devices, in MH/s. Callers pass 0 to mark the rate as not yet known.
func SetGlobalHashrate(mhs float64) {
	hashrateMu.Lock()
	globalHashrate = mhs
	hashrateMu.Unlock()
}

// CurrentHashrate returns the most recently recorded aggregate hash rate, or
// 0 if none has been set.
func CurrentHashrate() float64 {
	hashrateMu.Lock()
	defer hashrateMu.Unlock()
	return globalHashrate
}

// Session is a per-pool connection: socket, receive buffer, credentials,
// last-known job parameters, subscription outputs, and statistics. Two
// independent mutexes guard it: stratumLock serializes socket I/O and the
// receive buffer; poolLock serializes swork mutation, so a reader parsing a
// notify does not block a concurrent sender (spec.md §3, §5).
type Session struct {
	URL      string
	User     string
	Password string

	stratumLock sync.Mutex
	conn        net.Conn
	buf         []byte // growable receive buffer; see reader.go

	longPollPath string
	rollNtime    bool
	rollExpire   int

	poolLock sync.Mutex
	work     SWork
	nonce1   string
	n2size   int

	state State

	statsLock     sync.Mutex
	timesSent     int64
	bytesSent     int64
	timesReceived int64
	bytesReceived int64

	getworkRequested int64
}

// New returns an unconnected Session for the given pool URL and credentials.
func New(url, user, password string) *Session {
	return &Session{URL: url, User: user, Password: password, state: Closed}
}

func (s *Session) State() State {
	s.stratumLock.Lock()
	defer s.stratumLock.Unlock()
	return s.state
}

func (s *Session) Work() SWork {
	s.poolLock.Lock()
	defer s.poolLock.Unlock()
	return s.work
}

func (s *Session) Nonce1() string {
	s.poolLock.Lock()
	defer s.poolLock.Unlock()
	return s.nonce1
}

func (s *Session) N2Size() int {
	s.poolLock.Lock()
	defer s.poolLock.Unlock()
	return s.n2size
}

func (s *Session) recordSent(n int) {
	s.statsLock.Lock()
	defer s.statsLock.Unlock()
	s.timesSent++
	s.bytesSent += int64(n)
}

func (s *Session) recordReceived(n int) {
	s.statsLock.Lock()
	defer s.statsLock.Unlock()
	s.timesReceived++
	s.bytesReceived += int64(n)
}

// Stats returns a snapshot of the request/byte counters (spec.md §4.5).
func (s *Session) Stats() (timesSent, bytesSent, timesReceived, bytesReceived int64) {
	s.statsLock.Lock()
	defer s.statsLock.Unlock()
	return s.timesSent, s.bytesSent, s.timesReceived, s.bytesReceived
}
