package emcache

import (
	"log/slog"
	"time"

	"github.com/ArtemIsmagilov/emcache/internal/transport"
	"github.com/ArtemIsmagilov/emcache/protocol"
)

// HashingPolicy selects how keys are mapped to nodes.
type HashingPolicy int

const (
	// RingHashing places weight-proportional virtual points on a
	// consistent-hash ring. Node-set changes remap only the keys whose
	// nearest point changes, and routing fails over clockwise past DOWN
	// nodes. This is the default.
	RingHashing HashingPolicy = iota

	// JumpHashing uses the jump consistent hash over the node list. It
	// is cheaper and perfectly balanced but ignores weights and remaps
	// more keys when nodes are removed from anywhere but the tail, so it
	// suits static, equal-weight clusters.
	JumpHashing
)

// Defaults. Connection counts and timeouts follow what has worked well
// in production deployments of the protocol: more than 32 connections
// per node stops improving throughput while hurting tail latency.
const (
	DefaultConnectTimeout    = 5 * time.Second
	DefaultOpTimeout         = 1 * time.Second
	DefaultMaxConnections    = 32
	DefaultMaxPipelineDepth  = 32
	DefaultMaxRetries        = 2
	DefaultBackoffBase       = 100 * time.Millisecond
	DefaultBackoffMax        = 10 * time.Second
	DefaultDownAfterFailures = 3
	DefaultVirtualNodes      = 150
)

// Config carries every knob exposed to callers. The zero value is usable:
// unset fields fall back to the defaults above.
type Config struct {
	// ConnectTimeout bounds establishing a single TCP connection.
	ConnectTimeout time.Duration

	// OpTimeout is the default per-operation deadline, applied when the
	// caller's context has none. Zero means DefaultOpTimeout; a negative
	// value disables the default deadline.
	OpTimeout time.Duration

	// MaxConnections bounds open connections per node.
	MaxConnections int

	// MaxPipelineDepth bounds outstanding requests per connection.
	MaxPipelineDepth int

	// MaxRetries is how many additional attempts an idempotent operation
	// makes against subsequent ring candidates after a transient failure.
	// Zero means DefaultMaxRetries; a negative value disables retries.
	MaxRetries int

	// MaxWaiters bounds acquisitions queued on a saturated pool.
	// Zero fails fast with ErrPoolSaturated instead of queuing.
	MaxWaiters int

	// BackoffBase and BackoffMax shape the exponential reconnect backoff
	// tracked per node from consecutive dial failures.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// DownAfterFailures is the consecutive dial failure count after which
	// a node is marked DOWN and skipped by the ring.
	DownAfterFailures int

	// VirtualNodes is the number of ring points per unit of node weight.
	VirtualNodes int

	// MaxValueSize rejects oversized values client-side before they hit
	// the wire. Defaults to the server's standard 1 MiB item limit.
	MaxValueSize int

	// Hashing selects the routing scheme.
	Hashing HashingPolicy

	// Logger receives connection lifecycle and node health events.
	// Defaults to slog.Default().
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.OpTimeout < 0 {
		c.OpTimeout = 0
	} else if c.OpTimeout == 0 {
		c.OpTimeout = DefaultOpTimeout
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.MaxPipelineDepth <= 0 {
		c.MaxPipelineDepth = DefaultMaxPipelineDepth
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.DownAfterFailures <= 0 {
		c.DownAfterFailures = DefaultDownAfterFailures
	}
	if c.VirtualNodes <= 0 {
		c.VirtualNodes = DefaultVirtualNodes
	}
	if c.MaxValueSize <= 0 {
		c.MaxValueSize = protocol.DefaultMaxValueSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func (c Config) poolConfig() transport.PoolConfig {
	return transport.PoolConfig{
		MaxConnections:    c.MaxConnections,
		MaxPipelineDepth:  c.MaxPipelineDepth,
		MaxWaiters:        c.MaxWaiters,
		ConnectTimeout:    c.ConnectTimeout,
		BackoffBase:       c.BackoffBase,
		BackoffMax:        c.BackoffMax,
		DownAfterFailures: c.DownAfterFailures,
		MaxValueSize:      c.MaxValueSize,
		Logger:            c.Logger,
	}
}
