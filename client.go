package emcache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ArtemIsmagilov/emcache/internal/transport"
	"github.com/ArtemIsmagilov/emcache/protocol"
)

// MutationResult is the outcome of a storage or delete command. Server
// refusals (not stored, CAS mismatch, not found) are routine results
// callers branch on, not failures.
type MutationResult int

const (
	Success MutationResult = iota
	Error
	Exists
	NotFound
	NotStored
)

func (r MutationResult) String() string {
	switch r {
	case Success:
		return "success"
	case Error:
		return "error"
	case Exists:
		return "exists"
	case NotFound:
		return "not found"
	case NotStored:
		return "not stored"
	default:
		return "unknown"
	}
}

// Item is a value fetched from the cluster, with the flags stored
// alongside it and the server-issued CAS token for conditional writes.
type Item struct {
	Value []byte
	Flags uint32
	CAS   uint64
}

// Client is the public operation surface: it routes each key to its node,
// pushes the request through that node's connection pool and applies the
// retry policy. Safe for concurrent use.
type Client struct {
	cfg     Config
	cluster *cluster
	closed  atomic.Bool
}

// NewClient builds a client for the given cluster membership.
func NewClient(cfg Config, addrs ...NodeAddress) (*Client, error) {
	cfg = cfg.withDefaults()
	cl, err := newCluster(cfg, addrs)
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, cluster: cl}, nil
}

// DefaultClient builds a client with default configuration from
// "host:port" strings, all nodes weighted equally.
func DefaultClient(addrs ...string) (*Client, error) {
	parsed := make([]NodeAddress, 0, len(addrs))
	for _, s := range addrs {
		a, err := ParseNodeAddress(s)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, a)
	}
	return NewClient(Config{}, parsed...)
}

// Closed reports whether Shutdown has been called.
func (c *Client) Closed() bool {
	return c.closed.Load()
}

// Shutdown drains every connection pool. In-flight operations are
// allowed to complete; new ones fail with ErrClientClosed.
func (c *Client) Shutdown() {
	if c.closed.CompareAndSwap(false, true) {
		c.cluster.close()
	}
}

// UpdateNodes replaces the cluster membership. Nodes present in both
// sets keep their pools and health state; keys whose nearest ring point
// is unaffected keep mapping to the same node.
func (c *Client) UpdateNodes(addrs ...NodeAddress) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	return c.cluster.update(addrs)
}

// Nodes returns the current membership.
func (c *Client) Nodes() []NodeAddress {
	snap := c.cluster.snapshot()
	out := make([]NodeAddress, 0, len(snap.nodes))
	for _, n := range snap.nodes {
		out = append(out, NodeAddress{Host: n.Host(), Port: n.Port(), Weight: n.Weight()})
	}
	return out
}

// opContext applies the configured default deadline when the caller's
// context has none.
func (c *Client) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.OpTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			return context.WithTimeout(ctx, c.cfg.OpTimeout)
		}
	}
	return ctx, func() {}
}

// routable returns the key's candidate nodes with DOWN nodes skipped,
// preserving ring failover order.
func (c *Client) routable(key string) []*transport.Node {
	cands := c.cluster.snapshot().router.candidates(key)
	out := make([]*transport.Node, 0, len(cands))
	for _, n := range cands {
		if n.Health() != transport.HealthDown {
			out = append(out, n)
		}
	}
	return out
}

func mapErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(err, transport.ErrPoolClosed) {
		return ErrClientClosed
	}
	return err
}

// exchange performs one attempt against one node: acquire, dispatch,
// await. On deadline expiry the connection is left alone; the opaque
// identifier lets the read loop discard the late response without
// desynchronizing the pipeline.
func (c *Client) exchange(ctx context.Context, node *transport.Node, req *protocol.Request) ([]protocol.Frame, error) {
	conn, err := node.Acquire(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	ch, err := conn.Dispatch(req)
	if err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		if resp.Err != nil {
			return nil, resp.Err
		}
		return resp.Frames, nil
	case <-ctx.Done():
		return nil, mapErr(ctx.Err())
	}
}

// do routes a single-key request and applies the retry policy: transient
// failures on idempotent commands are retried against the next ring
// candidate, up to MaxRetries extra attempts.
func (c *Client) do(ctx context.Context, req *protocol.Request, idempotent bool) (*protocol.Frame, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if err := protocol.ValidateKey(req.Key); err != nil {
		return nil, err
	}
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	cands := c.routable(string(req.Key))
	if len(cands) == 0 {
		return nil, fmt.Errorf("%w: every candidate for the key is down", ErrNoNodeAvailable)
	}
	// Each retry moves to the next ring candidate; once the distinct
	// candidates run out there is nowhere new to go.
	attempts := 1
	if idempotent {
		attempts += c.cfg.MaxRetries
		if attempts > len(cands) {
			attempts = len(cands)
		}
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		frames, err := c.exchange(ctx, cands[i], req)
		if err == nil {
			return &frames[0], nil
		}
		lastErr = err
		if !idempotent || !retriable(err) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func mutationResult(s protocol.Status) (MutationResult, error) {
	switch s {
	case protocol.StatusOK:
		return Success, nil
	case protocol.StatusNotStored:
		return NotStored, nil
	case protocol.StatusKeyExists:
		return Exists, nil
	case protocol.StatusKeyNotFound:
		return NotFound, nil
	case protocol.StatusValueTooLarge:
		return Error, fmt.Errorf("%w: rejected by server", ErrValueTooLarge)
	default:
		return Error, &ServerError{Status: s}
	}
}

func (c *Client) mutate(ctx context.Context, req *protocol.Request) (MutationResult, error) {
	f, err := c.do(ctx, req, false)
	if err != nil {
		return Error, err
	}
	return mutationResult(f.Status)
}

func (c *Client) fetch(ctx context.Context, op protocol.Opcode, key string, expiry uint32) (*Item, error) {
	f, err := c.do(ctx, &protocol.Request{Opcode: op, Key: []byte(key), Expiry: expiry}, true)
	if err != nil {
		return nil, err
	}
	switch f.Status {
	case protocol.StatusOK:
		return &Item{Value: f.Value, Flags: f.Flags(), CAS: f.CAS}, nil
	case protocol.StatusKeyNotFound:
		return nil, nil
	default:
		return nil, &ServerError{Status: f.Status}
	}
}

// Get returns the item stored under key, or nil when the key does not
// exist. A miss is a normal result, not an error.
func (c *Client) Get(ctx context.Context, key string) (*Item, error) {
	return c.fetch(ctx, protocol.OpGet, key, 0)
}

// GetAndTouch returns the item and updates its expiry in one round trip.
func (c *Client) GetAndTouch(ctx context.Context, key string, expiry uint32) (*Item, error) {
	return c.fetch(ctx, protocol.OpGAT, key, expiry)
}

// Set stores value under key unconditionally. expiry of 0 means the
// entry never expires.
func (c *Client) Set(ctx context.Context, key string, value []byte, flags, expiry uint32) (MutationResult, error) {
	return c.mutate(ctx, &protocol.Request{
		Opcode: protocol.OpSet, Key: []byte(key), Value: value, Flags: flags, Expiry: expiry,
	})
}

// Cas stores value only if the entry still carries the given CAS token.
// A concurrent modification yields Exists; a vanished entry yields
// NotFound.
func (c *Client) Cas(ctx context.Context, key string, value []byte, flags, expiry uint32, cas uint64) (MutationResult, error) {
	return c.mutate(ctx, &protocol.Request{
		Opcode: protocol.OpSet, Key: []byte(key), Value: value, Flags: flags, Expiry: expiry, CAS: cas,
	})
}

// Add stores value only if the key does not already exist.
func (c *Client) Add(ctx context.Context, key string, value []byte, flags, expiry uint32) (MutationResult, error) {
	return c.mutate(ctx, &protocol.Request{
		Opcode: protocol.OpAdd, Key: []byte(key), Value: value, Flags: flags, Expiry: expiry,
	})
}

// Replace stores value only if the key already exists.
func (c *Client) Replace(ctx context.Context, key string, value []byte, flags, expiry uint32) (MutationResult, error) {
	return c.mutate(ctx, &protocol.Request{
		Opcode: protocol.OpReplace, Key: []byte(key), Value: value, Flags: flags, Expiry: expiry,
	})
}

// Append appends value to the existing entry.
func (c *Client) Append(ctx context.Context, key string, value []byte) (MutationResult, error) {
	return c.mutate(ctx, &protocol.Request{Opcode: protocol.OpAppend, Key: []byte(key), Value: value})
}

// Prepend prepends value to the existing entry.
func (c *Client) Prepend(ctx context.Context, key string, value []byte) (MutationResult, error) {
	return c.mutate(ctx, &protocol.Request{Opcode: protocol.OpPrepend, Key: []byte(key), Value: value})
}

// Delete removes the entry. A missing key yields NotFound.
func (c *Client) Delete(ctx context.Context, key string) (MutationResult, error) {
	return c.mutate(ctx, &protocol.Request{Opcode: protocol.OpDelete, Key: []byte(key)})
}

// Touch updates the entry's expiry without fetching it.
func (c *Client) Touch(ctx context.Context, key string, expiry uint32) (MutationResult, error) {
	return c.mutate(ctx, &protocol.Request{Opcode: protocol.OpTouch, Key: []byte(key), Expiry: expiry})
}

// deltaExpiry tells the server not to create the counter when the key
// is missing, so Increment on an absent key reports ErrNotFound instead
// of silently seeding it.
const deltaExpiry = 0xffffffff

func (c *Client) delta(ctx context.Context, op protocol.Opcode, key string, delta uint64) (uint64, error) {
	// Not retried: replaying a counter step could double-apply it.
	f, err := c.do(ctx, &protocol.Request{
		Opcode: op, Key: []byte(key), Delta: delta, Expiry: deltaExpiry,
	}, false)
	if err != nil {
		return 0, err
	}
	switch f.Status {
	case protocol.StatusOK:
		if len(f.Value) != 8 {
			return 0, fmt.Errorf("%w: %s response body has %d bytes", ErrMalformed, op, len(f.Value))
		}
		return binary.BigEndian.Uint64(f.Value), nil
	case protocol.StatusKeyNotFound:
		return 0, ErrNotFound
	case protocol.StatusDeltaBadValue:
		return 0, ErrDeltaBadValue
	default:
		return 0, &ServerError{Status: f.Status}
	}
}

// Increment adds delta to the numeric value stored under key and returns
// the new value. Never retried.
func (c *Client) Increment(ctx context.Context, key string, delta uint64) (uint64, error) {
	return c.delta(ctx, protocol.OpIncrement, key, delta)
}

// Decrement subtracts delta from the numeric value stored under key,
// bottoming out at zero, and returns the new value. Never retried.
func (c *Client) Decrement(ctx context.Context, key string, delta uint64) (uint64, error) {
	return c.delta(ctx, protocol.OpDecrement, key, delta)
}

// GetMany fetches many keys at once. Keys are grouped per target node
// and fanned out concurrently, pipelining each node's subset. Every
// key's outcome is independent: a failed node affects only the keys
// routed to it, reported through the joined error while the other keys'
// results are still returned. Misses are simply absent from the map.
func (c *Client) GetMany(ctx context.Context, keys []string) (map[string]Item, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	for _, k := range keys {
		if err := protocol.ValidateKey([]byte(k)); err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
	}
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	results := make(map[string]Item, len(keys))
	keyErrs := make(map[string]error)
	pending := dedupe(keys)

	for round := 0; len(pending) > 0; round++ {
		groups := make(map[*transport.Node][]string)
		for _, k := range pending {
			cands := c.routable(k)
			if len(cands) == 0 {
				keyErrs[k] = ErrNoNodeAvailable
				continue
			}
			if round >= len(cands) {
				continue // candidates exhausted; the recorded error stands
			}
			node := cands[round]
			groups[node] = append(groups[node], k)
		}

		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			retry []string
		)
		for node, nodeKeys := range groups {
			wg.Add(1)
			go func(node *transport.Node, nodeKeys []string) {
				defer wg.Done()
				items, errs := c.fetchFromNode(ctx, node, nodeKeys)
				mu.Lock()
				defer mu.Unlock()
				for k, it := range items {
					results[k] = it
					delete(keyErrs, k)
				}
				for k, err := range errs {
					keyErrs[k] = fmt.Errorf("node %s: %w", node.Addr(), err)
					if retriable(err) {
						retry = append(retry, k)
					}
				}
			}(node, nodeKeys)
		}
		wg.Wait()

		if round >= c.cfg.MaxRetries || ctx.Err() != nil {
			break
		}
		pending = retry
	}

	var errs []error
	for k, err := range keyErrs {
		errs = append(errs, fmt.Errorf("key %q: %w", k, err))
	}
	return results, errors.Join(errs...)
}

// fetchFromNode pipelines gets for one node's key subset: every request
// is dispatched before the first response is awaited.
func (c *Client) fetchFromNode(ctx context.Context, node *transport.Node, keys []string) (map[string]Item, map[string]error) {
	items := make(map[string]Item, len(keys))
	errs := make(map[string]error)

	type flight struct {
		key string
		ch  <-chan transport.Response
	}
	flights := make([]flight, 0, len(keys))
	for _, k := range keys {
		conn, err := node.Acquire(ctx)
		if err != nil {
			errs[k] = mapErr(err)
			continue
		}
		ch, err := conn.Dispatch(&protocol.Request{Opcode: protocol.OpGet, Key: []byte(k)})
		if err != nil {
			errs[k] = err
			continue
		}
		flights = append(flights, flight{key: k, ch: ch})
	}
	for _, fl := range flights {
		select {
		case resp := <-fl.ch:
			if resp.Err != nil {
				errs[fl.key] = resp.Err
				continue
			}
			f := &resp.Frames[0]
			switch f.Status {
			case protocol.StatusOK:
				items[fl.key] = Item{Value: f.Value, Flags: f.Flags(), CAS: f.CAS}
			case protocol.StatusKeyNotFound:
				// miss: absent from the result map
			default:
				errs[fl.key] = &ServerError{Status: f.Status}
			}
		case <-ctx.Done():
			errs[fl.key] = mapErr(ctx.Err())
		}
	}
	return items, errs
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// Flush invalidates every entry on every node, after the optional delay
// in seconds. Failures are joined per node.
func (c *Client) Flush(ctx context.Context, delay uint32) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	snap := c.cluster.snapshot()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, node := range snap.nodes {
		wg.Add(1)
		go func(node *transport.Node) {
			defer wg.Done()
			frames, err := c.exchange(ctx, node, &protocol.Request{Opcode: protocol.OpFlush, Expiry: delay})
			if err == nil && frames[0].Status != protocol.StatusOK {
				err = &ServerError{Status: frames[0].Status}
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("node %s: %w", node.Addr(), err))
				mu.Unlock()
			}
		}(node)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (c *Client) nodeFor(addr NodeAddress) (*transport.Node, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	n, ok := c.cluster.snapshot().byAddr[addr.normalized().Addr()]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not part of the cluster", ErrNoNodeAvailable, addr.Addr())
	}
	return n, nil
}

// Noop sends a no-op to one node, verifying its connectivity.
func (c *Client) Noop(ctx context.Context, addr NodeAddress) error {
	node, err := c.nodeFor(addr)
	if err != nil {
		return err
	}
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	frames, err := c.exchange(ctx, node, &protocol.Request{Opcode: protocol.OpNoop})
	if err != nil {
		return err
	}
	if frames[0].Status != protocol.StatusOK {
		return &ServerError{Status: frames[0].Status}
	}
	return nil
}

// Version returns one node's server version string.
func (c *Client) Version(ctx context.Context, addr NodeAddress) (string, error) {
	node, err := c.nodeFor(addr)
	if err != nil {
		return "", err
	}
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	frames, err := c.exchange(ctx, node, &protocol.Request{Opcode: protocol.OpVersion})
	if err != nil {
		return "", err
	}
	if frames[0].Status != protocol.StatusOK {
		return "", &ServerError{Status: frames[0].Status}
	}
	return string(frames[0].Value), nil
}

// Stats returns one node's statistics. group selects a specific stats
// group ("items", "slabs", ...); empty means the general group.
func (c *Client) Stats(ctx context.Context, addr NodeAddress, group string) (map[string]string, error) {
	node, err := c.nodeFor(addr)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	req := &protocol.Request{Opcode: protocol.OpStat}
	if group != "" {
		req.Key = []byte(group)
	}
	frames, err := c.exchange(ctx, node, req)
	if err != nil {
		return nil, err
	}
	stats := make(map[string]string, len(frames))
	for i := range frames {
		f := &frames[i]
		if f.Status != protocol.StatusOK {
			return nil, &ServerError{Status: f.Status}
		}
		if len(f.Key) == 0 {
			continue // stream terminator
		}
		stats[string(f.Key)] = string(f.Value)
	}
	return stats, nil
}
