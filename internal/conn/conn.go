// Package conn implements the per-connection object: buffered line
// framing over the NMDC '|'-delimited wire format, a flush-batched send
// buffer with backpressure, and the five per-phase login timers plus the
// flush deadline.
package conn

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Phase names one of the five per-connection login timeouts (key, valnick,
// login, myinfo, setpass) or the flush deadline.
type Phase int

const (
	PhaseKey Phase = iota
	PhaseValNick
	PhaseLogin
	PhaseMyINFO
	PhaseSetPass
	PhaseFlush
	phaseCount
)

func (p Phase) String() string {
	switch p {
	case PhaseKey:
		return "key"
	case PhaseValNick:
		return "valnick"
	case PhaseLogin:
		return "login"
	case PhaseMyINFO:
		return "myinfo"
	case PhaseSetPass:
		return "setpass"
	case PhaseFlush:
		return "flush"
	default:
		return "unknown"
	}
}

// ErrOutbufOverflow is returned by Append when the flush buffer has grown
// past MaxOutbufSize — the connection must be closed, never silently
// dropped. This is a hard cap, distinct from the soft
// max_outfill_size/max_unblock_size throttle.
var ErrOutbufOverflow = errors.New("conn: outbuf overflow")

// writeHealth is a consecutive-failure circuit breaker over the
// connection's underlying socket writes, deciding when a stalled peer's
// connection should simply be closed rather than retried.
type writeHealth struct {
	failures atomic.Uint32
}

const writeFailureThreshold = 3

func (h *writeHealth) recordFailure() bool {
	return h.failures.Add(1) >= writeFailureThreshold
}

func (h *writeHealth) recordSuccess() {
	h.failures.Store(0)
}

// Conn wraps one accepted socket: buffered frame reading, a flush-batched
// send buffer, backpressure bookkeeping, and per-phase timers. The reader
// goroutine alone uses the frame reader; mu guards the send buffer, the
// deadlines, the pause flag and the closed state, and every method that
// touches them takes it.
type Conn struct {
	ID   uint64
	Addr net.IP

	netConn net.Conn
	reader  *bufio.Reader

	mu         sync.Mutex
	sendBuf    []byte
	closed     bool
	closeOnce  sync.Once
	CloseReason string

	health writeHealth

	readPaused bool

	deadlines [phaseCount]time.Time

	MaxOutfillSize int
	MaxUnblockSize int
	MaxOutbufSize  int
}

// New wraps an accepted net.Conn. The caller is expected to have already
// performed any TLS handshake; New only sets up line framing and buffers.
func New(id uint64, nc net.Conn, maxOutfill, maxUnblock, maxOutbuf int) *Conn {
	addr, _, _ := net.SplitHostPort(nc.RemoteAddr().String())
	return &Conn{
		ID:             id,
		Addr:           net.ParseIP(addr),
		netConn:        nc,
		reader:         bufio.NewReaderSize(nc, 8192),
		MaxOutfillSize: maxOutfill,
		MaxUnblockSize: maxUnblock,
		MaxOutbufSize:  maxOutbuf,
	}
}

// NextFrame blocks until one '|'-delimited frame (without the trailing
// pipe) has arrived, or returns an error (io.EOF on clean close).
func (c *Conn) NextFrame() ([]byte, error) {
	raw, err := c.reader.ReadBytes('|')
	if err != nil {
		return nil, err
	}
	return raw[:len(raw)-1], nil
}

// Append queues data onto the flush buffer (the registry's AppendToCache
// writes here indirectly via the user collection). Returns whether reads
// should now be paused because the outfill threshold was crossed, and a
// non-nil error only when the hard MaxOutbufSize cap was exceeded.
func (c *Conn) Append(data []byte) (pauseReads bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, net.ErrClosed
	}
	c.sendBuf = append(c.sendBuf, data...)
	if c.MaxOutbufSize > 0 && len(c.sendBuf) > c.MaxOutbufSize {
		return false, ErrOutbufOverflow
	}
	if c.MaxOutfillSize > 0 && len(c.sendBuf) >= c.MaxOutfillSize && !c.readPaused {
		c.readPaused = true
		pauseReads = true
	}
	return pauseReads, nil
}

// PendingBytes returns the current flush buffer size, used by callers
// deciding whether a connection is still within its soft limits.
func (c *Conn) PendingBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sendBuf)
}

// FlushFunc transforms the accumulated flush buffer before it is written
// to the socket — internal/zlibw's BatchWriter implements this to apply
// compression when the batch qualifies.
type FlushFunc func(buf []byte) []byte

// Flush writes the pending send buffer to the socket (optionally
// transformed by xform, which may be nil), then reports whether reads
// that were paused for backpressure may now resume.
func (c *Conn) Flush(xform FlushFunc) (resumeReads bool, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, net.ErrClosed
	}
	if len(c.sendBuf) == 0 {
		c.mu.Unlock()
		return false, nil
	}
	out := c.sendBuf
	c.sendBuf = nil
	c.mu.Unlock()

	payload := out
	if xform != nil {
		payload = xform(out)
	}

	if _, werr := c.netConn.Write(payload); werr != nil {
		if c.health.recordFailure() {
			_ = c.Close("write failure threshold exceeded")
		}
		return false, fmt.Errorf("conn: flush write: %w", werr)
	}
	c.health.recordSuccess()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readPaused && len(c.sendBuf) < c.MaxUnblockSize {
		c.readPaused = false
		resumeReads = true
	}
	return resumeReads, nil
}

// SendNow writes data immediately, bypassing the flush buffer. Used for
// the handshake frames ($Lock/$HubName/etc.) the reference hub sends
// synchronously before batching begins.
func (c *Conn) SendNow(data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return net.ErrClosed
	}
	if _, err := c.netConn.Write(data); err != nil {
		if c.health.recordFailure() {
			_ = c.Close("write failure threshold exceeded")
		}
		return fmt.Errorf("conn: send: %w", err)
	}
	c.health.recordSuccess()
	return nil
}

// SetDeadline records the absolute time at which phase p must have been
// satisfied, or the zero Time to clear it (the phase was reached).
func (c *Conn) SetDeadline(p Phase, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadlines[p] = at
}

// OnTimerBase checks every still-armed deadline against now, returning the
// first phase found expired. Called once per timer_conn_period tick by the
// reactor.
func (c *Conn) OnTimerBase(now time.Time) (expired Phase, timedOut bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p, d := range c.deadlines {
		if d.IsZero() {
			continue
		}
		if now.After(d) {
			return Phase(p), true
		}
	}
	return 0, false
}

// Close shuts down the socket exactly once, recording reason for
// diagnostics. Safe to call multiple times and concurrently.
func (c *Conn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.CloseReason = reason
		c.mu.Unlock()
		err = c.netConn.Close()
	})
	return err
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
