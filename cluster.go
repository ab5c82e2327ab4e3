package emcache

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ArtemIsmagilov/emcache/internal/transport"
)

// snapshot is an immutable view of the cluster: the node set and the
// router built over it. Membership changes produce a new snapshot that
// is swapped in atomically, so routing never blocks on a rebuild.
type snapshot struct {
	nodes  []*transport.Node
	byAddr map[string]*transport.Node
	router router
}

// cluster keeps the nodes together and owns membership updates.
type cluster struct {
	cfg Config

	mu   sync.Mutex // serializes membership updates only
	snap atomic.Pointer[snapshot]
}

func newCluster(cfg Config, addrs []NodeAddress) (*cluster, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: empty node list", ErrNoNodeAvailable)
	}
	c := &cluster{cfg: cfg}
	nodes := make([]*transport.Node, 0, len(addrs))
	byAddr := make(map[string]*transport.Node, len(addrs))
	for _, a := range addrs {
		a = a.normalized()
		if _, dup := byAddr[a.Addr()]; dup {
			return nil, fmt.Errorf("duplicate node address %s", a.Addr())
		}
		n := transport.NewNode(a.Host, a.Port, a.Weight, cfg.poolConfig())
		nodes = append(nodes, n)
		byAddr[a.Addr()] = n
	}
	c.snap.Store(c.buildSnapshot(nodes, byAddr))
	c.cfg.Logger.Info("cluster configured", "nodes", len(nodes))
	return c, nil
}

func (c *cluster) buildSnapshot(nodes []*transport.Node, byAddr map[string]*transport.Node) *snapshot {
	// Stable node order keeps jump hashing deterministic across rebuilds.
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Addr() < nodes[j].Addr() })
	var r router
	switch c.cfg.Hashing {
	case JumpHashing:
		r = newJumpRouter(nodes)
	default:
		r = newRingRouter(nodes, c.cfg.VirtualNodes)
	}
	return &snapshot{nodes: nodes, byAddr: byAddr, router: r}
}

func (c *cluster) snapshot() *snapshot {
	return c.snap.Load()
}

// update applies a new membership set. Surviving nodes keep their pools
// and health; removed nodes are drained after the swap so in-flight
// operations on them complete.
func (c *cluster) update(addrs []NodeAddress) error {
	if len(addrs) == 0 {
		return fmt.Errorf("%w: empty node list", ErrNoNodeAvailable)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.snap.Load()
	nodes := make([]*transport.Node, 0, len(addrs))
	byAddr := make(map[string]*transport.Node, len(addrs))
	for _, a := range addrs {
		a = a.normalized()
		if _, dup := byAddr[a.Addr()]; dup {
			return fmt.Errorf("duplicate node address %s", a.Addr())
		}
		if n, ok := old.byAddr[a.Addr()]; ok && n.Weight() == a.Weight {
			nodes = append(nodes, n)
			byAddr[a.Addr()] = n
			continue
		}
		n := transport.NewNode(a.Host, a.Port, a.Weight, c.cfg.poolConfig())
		nodes = append(nodes, n)
		byAddr[a.Addr()] = n
	}
	c.snap.Store(c.buildSnapshot(nodes, byAddr))

	removed := 0
	for addr, n := range old.byAddr {
		if byAddr[addr] != n {
			n.Close()
			removed++
		}
	}
	c.cfg.Logger.Info("cluster membership updated",
		"nodes", len(nodes), "removed", removed)
	return nil
}

func (c *cluster) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.snap.Load().nodes {
		n.Close()
	}
}
