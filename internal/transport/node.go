package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Health is the routing view of a node. DEGRADED nodes are still
// routable; DOWN nodes are skipped by the routers until a dial succeeds.
type Health int32

const (
	HealthUp Health = iota
	HealthDegraded
	HealthDown
)

func (h Health) String() string {
	switch h {
	case HealthUp:
		return "up"
	case HealthDegraded:
		return "degraded"
	case HealthDown:
		return "down"
	default:
		return "unknown"
	}
}

// Node is one memcached server: its identity, hashing weight, health
// state and the connection pool that talks to it. Nodes are created from
// configuration and live for as long as they are part of the cluster.
type Node struct {
	host   string
	port   int
	weight int

	health atomic.Int32
	pool   *Pool
	logger *slog.Logger
}

// NewNode creates a node with its (empty) connection pool. Connections
// are dialed lazily on first demand.
func NewNode(host string, port, weight int, cfg PoolConfig) *Node {
	n := &Node{
		host:   host,
		port:   port,
		weight: weight,
		logger: cfg.Logger,
	}
	n.pool = newPool(n, cfg)
	return n
}

func (n *Node) Host() string { return n.host }
func (n *Node) Port() int    { return n.port }
func (n *Node) Weight() int  { return n.weight }

// Addr returns the host:port identity used for dialing and ring hashing.
func (n *Node) Addr() string {
	return fmt.Sprintf("%s:%d", n.host, n.port)
}

// Health returns the current routing health.
func (n *Node) Health() Health {
	return Health(n.health.Load())
}

func (n *Node) setHealth(h Health) {
	prev := Health(n.health.Swap(int32(h)))
	if prev != h {
		n.logger.Info("node health changed", "addr", n.Addr(), "from", prev, "to", h)
	}
}

// Pool exposes the node's connection pool.
func (n *Node) Pool() *Pool { return n.pool }

// Acquire hands out a connection from the node's pool.
func (n *Node) Acquire(ctx context.Context) (*Conn, error) {
	return n.pool.Acquire(ctx)
}

// Close drains the node's pool.
func (n *Node) Close() {
	n.pool.Close()
}
