package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edwingeng/deque/v2"
)

// PoolConfig bounds a per-node connection pool.
type PoolConfig struct {
	MaxConnections    int
	MaxPipelineDepth  int
	MaxWaiters        int // 0 means fail fast on saturation
	ConnectTimeout    time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	DownAfterFailures int
	MaxValueSize      int
	Logger            *slog.Logger
}

// waiter parks an Acquire call until capacity frees up. cancelled is
// flipped under the pool mutex so a wakeup is never sent to a caller
// that already gave up.
type waiter struct {
	ch        chan struct{}
	cancelled bool
}

// Pool owns up to MaxConnections pipelined connections to one node.
// Connections are shared, not checked out: Acquire picks the one with
// the fewest outstanding requests and spare pipeline capacity.
// Reconnection is lazy, on demand, with exponential backoff tracked from
// consecutive dial failures.
type Pool struct {
	node *Node
	cfg  PoolConfig

	mu       sync.Mutex
	conns    []*Conn
	dialing  int
	failures int
	nextDial time.Time
	waiters  *deque.Deque[*waiter]
	closed   bool
}

func newPool(node *Node, cfg PoolConfig) *Pool {
	return &Pool{
		node:    node,
		cfg:     cfg,
		waiters: deque.NewDeque[*waiter](),
	}
}

// Acquire returns a READY connection with spare pipeline capacity,
// dialing a new one when the pool is below its bound. At capacity it
// either fails fast with ErrPoolSaturated or parks on a bounded waiter
// queue, honoring ctx cancellation.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	for {
		conn, wait, err := p.tryAcquire(ctx)
		if err != nil || conn != nil {
			return conn, err
		}
		select {
		case <-wait.ch:
			continue
		case <-ctx.Done():
			p.mu.Lock()
			wait.cancelled = true
			p.mu.Unlock()
			// A wakeup may have raced the cancellation; pass it on.
			select {
			case <-wait.ch:
				p.signalCapacity()
			default:
			}
			return nil, ctx.Err()
		}
	}
}

// tryAcquire returns either a connection, an error, or a registered
// waiter to park on.
func (p *Pool) tryAcquire(ctx context.Context) (*Conn, *waiter, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, ErrPoolClosed
	}

	// Least-outstanding selection across READY connections.
	var best *Conn
	bestLoad := 0
	for _, c := range p.conns {
		if c.State() != StateReady {
			continue
		}
		load := c.InFlight()
		if load >= p.cfg.MaxPipelineDepth {
			continue
		}
		if best == nil || load < bestLoad {
			best, bestLoad = c, load
		}
	}
	if best != nil {
		p.mu.Unlock()
		return best, nil, nil
	}

	canDial := len(p.conns)+p.dialing < p.cfg.MaxConnections
	inBackoff := !p.nextDial.IsZero() && time.Now().Before(p.nextDial)
	if canDial && !inBackoff {
		p.dialing++
		p.mu.Unlock()
		return p.dial(ctx)
	}

	// Open connections (or a dial in progress) will free capacity as
	// responses land, so a parked caller makes progress even while a
	// redial is backoff-gated.
	if len(p.conns)+p.dialing > 0 && p.cfg.MaxWaiters > 0 && p.waiters.Len() < p.cfg.MaxWaiters {
		w := &waiter{ch: make(chan struct{}, 1)}
		p.waiters.PushBack(w)
		p.mu.Unlock()
		return nil, w, nil
	}
	p.mu.Unlock()
	if canDial {
		return nil, nil, fmt.Errorf("%w: node %s backing off", ErrConnectionLost, p.node.Addr())
	}
	return nil, nil, fmt.Errorf("%w: node %s", ErrPoolSaturated, p.node.Addr())
}

func (p *Pool) dial(ctx context.Context) (*Conn, *waiter, error) {
	dialCtx := ctx
	if p.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		defer cancel()
	}
	conn, err := Dial(dialCtx, p.node.Addr(), connConfig{
		maxPipelineDepth: p.cfg.MaxPipelineDepth,
		maxValueSize:     p.cfg.MaxValueSize,
		logger:           p.cfg.Logger,
		onClosed:         p.removeConn,
		onRelease:        p.signalCapacity,
	})

	p.mu.Lock()
	p.dialing--
	if err != nil {
		p.failures++
		p.nextDial = time.Now().Add(p.backoff(p.failures))
		down := p.failures >= p.cfg.DownAfterFailures
		p.mu.Unlock()
		if down {
			p.node.setHealth(HealthDown)
		} else {
			p.node.setHealth(HealthDegraded)
		}
		return nil, nil, err
	}
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return nil, nil, ErrPoolClosed
	}
	p.failures = 0
	p.nextDial = time.Time{}
	p.conns = append(p.conns, conn)
	p.mu.Unlock()
	p.node.setHealth(HealthUp)
	return conn, nil, nil
}

// backoff grows exponentially with consecutive failures, capped.
func (p *Pool) backoff(failures int) time.Duration {
	d := p.cfg.BackoffBase
	for i := 1; i < failures && d < p.cfg.BackoffMax; i++ {
		d *= 2
	}
	if d > p.cfg.BackoffMax {
		d = p.cfg.BackoffMax
	}
	return d
}

func (p *Pool) removeConn(conn *Conn) {
	p.mu.Lock()
	for i, c := range p.conns {
		if c == conn {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}

// signalCapacity wakes the oldest live waiter. Called whenever a response
// frees pipeline capacity or a connection slot opens up.
func (p *Pool) signalCapacity() {
	p.mu.Lock()
	for p.waiters.Len() > 0 {
		w := p.waiters.PopFront()
		if w.cancelled {
			continue
		}
		w.ch <- struct{}{}
		break
	}
	p.mu.Unlock()
}

// Len reports the number of open connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close drains every connection and fails parked waiters.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := make([]*Conn, len(p.conns))
	copy(conns, p.conns)
	var parked []*waiter
	for p.waiters.Len() > 0 {
		parked = append(parked, p.waiters.PopFront())
	}
	p.mu.Unlock()

	for _, w := range parked {
		if !w.cancelled {
			w.ch <- struct{}{}
		}
	}
	for _, c := range conns {
		c.Drain()
	}
}
