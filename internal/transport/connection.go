// Package transport manages the sockets behind the client: pipelined
// connections, per-node connection pools and node health bookkeeping.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/edwingeng/deque/v2"

	"github.com/ArtemIsmagilov/emcache/protocol"
)

var (
	// ErrConnectionLost reports an I/O or protocol failure that destroyed
	// the connection mid-flight. Idempotent operations may be retried.
	ErrConnectionLost = errors.New("connection lost")

	// ErrPoolSaturated reports that no connection capacity is available.
	ErrPoolSaturated = errors.New("connection pool saturated")

	// ErrPoolClosed reports a dispatch against a closed pool.
	ErrPoolClosed = errors.New("connection pool closed")

	errDraining = errors.New("connection draining")
)

// ConnState is the lifecycle state of a Conn.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateReady
	StateDraining
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Response carries the outcome of one dispatched request. Frames holds a
// single frame for ordinary commands; for stat streams it holds one frame
// per line plus the terminating frame, which carries the stream's status.
// Err is set instead when the connection failed before the response
// arrived.
type Response struct {
	Frames []protocol.Frame
	Err    error
}

// pending correlates a written frame with its caller. The channel is
// buffered so an abandoned caller (timeout, cancellation) never blocks
// the read loop; the late response is simply discarded.
type pending struct {
	opaque uint32
	multi  bool
	frames []protocol.Frame
	ch     chan Response
}

type connConfig struct {
	maxPipelineDepth int
	maxValueSize     int
	logger           *slog.Logger
	onClosed         func(*Conn)
	onRelease        func()
}

// Conn owns one socket to one node. Writes are serialized under a mutex,
// many requests are pipelined, and responses are matched to the in-flight
// FIFO head by the echoed opaque identifier.
type Conn struct {
	addr string
	cfg  connConfig
	sock net.Conn
	wr   *bufio.Writer
	dec  protocol.Decoder

	mu       sync.Mutex
	state    ConnState
	opaque   uint32
	inflight *deque.Deque[*pending]
}

// Dial opens a connection and starts its read loop. The returned Conn is
// READY; a failed dial never produces a Conn.
func Dial(ctx context.Context, addr string, cfg connConfig) (*Conn, error) {
	c := &Conn{
		addr:     addr,
		cfg:      cfg,
		state:    StateConnecting,
		inflight: deque.NewDeque[*pending](),
	}
	d := net.Dialer{}
	sock, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.state = StateClosed
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnectionLost, addr, err)
	}
	c.sock = sock
	c.wr = bufio.NewWriter(sock)
	c.state = StateReady
	c.cfg.logger.Debug("connection established", "addr", addr)
	go c.readLoop()
	return c, nil
}

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// InFlight returns the number of requests awaiting a response.
func (c *Conn) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight.Len()
}

// Dispatch encodes and writes one request, registers it on the in-flight
// FIFO and returns the channel its response will be delivered on. It
// fails fast with ErrPoolSaturated when the pipeline is at depth and with
// ErrConnectionLost when the connection is no longer usable.
func (c *Conn) Dispatch(req *protocol.Request) (<-chan Response, error) {
	c.mu.Lock()
	switch c.state {
	case StateReady:
	case StateDraining:
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConnectionLost, errDraining)
	default:
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: connection %s", ErrConnectionLost, c.state)
	}
	if c.inflight.Len() >= c.cfg.maxPipelineDepth {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: pipeline depth %d reached on %s",
			ErrPoolSaturated, c.cfg.maxPipelineDepth, c.addr)
	}

	op := c.opaque
	c.opaque++
	frame, err := protocol.Encode(req, op, c.cfg.maxValueSize)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if _, err := c.wr.Write(frame); err != nil {
		c.failLocked(err)
		return nil, fmt.Errorf("%w: write: %w", ErrConnectionLost, err)
	}
	if err := c.wr.Flush(); err != nil {
		c.failLocked(err)
		return nil, fmt.Errorf("%w: flush: %w", ErrConnectionLost, err)
	}
	p := &pending{
		opaque: op,
		multi:  req.Opcode == protocol.OpStat,
		ch:     make(chan Response, 1),
	}
	c.inflight.PushBack(p)
	c.mu.Unlock()
	return p.ch, nil
}

func (c *Conn) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := c.sock.Read(buf)
		if n > 0 {
			c.dec.Feed(buf[:n])
			for {
				f, derr := c.dec.Next()
				if derr != nil {
					c.fail(derr)
					return
				}
				if f == nil {
					break
				}
				if rerr := c.resolve(f); rerr != nil {
					c.fail(rerr)
					return
				}
			}
		}
		if err != nil {
			c.fail(err)
			return
		}
	}
}

// resolve matches one decoded frame against the FIFO head. An opaque
// mismatch means request/response pairing is corrupted and is treated
// like any other malformed frame.
func (c *Conn) resolve(f *protocol.Frame) error {
	c.mu.Lock()
	if c.inflight.Len() == 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: response with nothing in flight", protocol.ErrMalformed)
	}
	p, _ := c.inflight.Front()
	if f.Opaque != p.opaque {
		c.mu.Unlock()
		return fmt.Errorf("%w: opaque %d, expected %d", protocol.ErrMalformed, f.Opaque, p.opaque)
	}
	if p.multi && len(f.Key) != 0 {
		// Stat streams keep producing frames until an empty-key terminator.
		p.frames = append(p.frames, *f)
		c.mu.Unlock()
		return nil
	}
	c.inflight.PopFront()
	frames := append(p.frames, *f)
	drained := c.state == StateDraining && c.inflight.Len() == 0
	release := c.cfg.onRelease
	c.mu.Unlock()

	p.ch <- Response{Frames: frames}
	if release != nil {
		release()
	}
	if drained {
		c.fail(errDraining)
	}
	return nil
}

// Drain stops accepting new requests and closes the connection once all
// in-flight requests have been answered.
func (c *Conn) Drain() {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return
	}
	if c.inflight.Len() == 0 {
		c.failLocked(errDraining)
		return
	}
	c.state = StateDraining
	c.mu.Unlock()
}

// Close tears the connection down immediately. Every still-pending
// request resolves with ErrConnectionLost.
func (c *Conn) Close() {
	c.fail(errDraining)
}

func (c *Conn) fail(cause error) {
	c.mu.Lock()
	c.failLocked(cause)
}

// failLocked transitions to CLOSED and resolves every pending request so
// no caller waits forever. Each pending gets exactly one resolution: the
// read loop is the only resolver and it stops here. Unlocks c.mu.
func (c *Conn) failLocked(cause error) {
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	abandoned := make([]*pending, 0, c.inflight.Len())
	for c.inflight.Len() > 0 {
		abandoned = append(abandoned, c.inflight.PopFront())
	}
	c.mu.Unlock()

	c.sock.Close()
	err := fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	for _, p := range abandoned {
		p.ch <- Response{Err: err}
	}
	if !errors.Is(cause, errDraining) {
		c.cfg.logger.Warn("connection lost", "addr", c.addr, "err", cause,
			"abandoned", len(abandoned))
	}
	if c.cfg.onClosed != nil {
		c.cfg.onClosed(c)
	}
	if c.cfg.onRelease != nil {
		c.cfg.onRelease()
	}
}
