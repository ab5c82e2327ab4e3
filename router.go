package emcache

import (
	"fmt"
	"hash/fnv"
	"sort"

	jump "github.com/dgryski/go-jump"

	"github.com/ArtemIsmagilov/emcache/internal/transport"
)

// router maps a key to its candidate nodes in failover order. Routers
// are immutable snapshots: membership changes build a new router, and
// readers never block on a rebuild.
type router interface {
	// candidates returns distinct nodes in preference order for the key.
	// Health is not consulted here; the dispatcher skips DOWN nodes.
	candidates(key string) []*transport.Node
}

func stringToUint64(s string) uint64 {
	hasher := fnv.New64a()
	hasher.Write([]byte(s))
	return hasher.Sum64()
}

// ringPoint is one virtual node: a hash position owned by a physical node.
type ringPoint struct {
	hash uint64
	node *transport.Node
}

// ringRouter is a consistent-hash ring. Each node gets
// virtualNodes*weight points, so adding or removing a node remaps only
// the keys whose nearest clockwise point changed.
type ringRouter struct {
	points []ringPoint
	nodes  []*transport.Node
}

func newRingRouter(nodes []*transport.Node, virtualNodes int) *ringRouter {
	r := &ringRouter{nodes: nodes}
	for _, n := range nodes {
		replicas := virtualNodes * n.Weight()
		for i := 0; i < replicas; i++ {
			h := stringToUint64(fmt.Sprintf("%s-%d", n.Addr(), i))
			r.points = append(r.points, ringPoint{hash: h, node: n})
		}
	}
	sort.Slice(r.points, func(i, j int) bool {
		if r.points[i].hash != r.points[j].hash {
			return r.points[i].hash < r.points[j].hash
		}
		// Ties broken by address so rebuilds stay deterministic.
		return r.points[i].node.Addr() < r.points[j].node.Addr()
	})
	return r
}

func (r *ringRouter) candidates(key string) []*transport.Node {
	if len(r.points) == 0 {
		return nil
	}
	h := stringToUint64(key)
	idx := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].hash >= h
	})
	if idx == len(r.points) {
		idx = 0
	}
	out := make([]*transport.Node, 0, len(r.nodes))
	seen := make(map[*transport.Node]struct{}, len(r.nodes))
	for i := 0; i < len(r.points) && len(out) < len(r.nodes); i++ {
		n := r.points[(idx+i)%len(r.points)].node
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// jumpRouter shards keys with the jump consistent hash. Failover walks
// the node list from the selected bucket.
type jumpRouter struct {
	nodes []*transport.Node
}

func newJumpRouter(nodes []*transport.Node) *jumpRouter {
	return &jumpRouter{nodes: nodes}
}

func (r *jumpRouter) candidates(key string) []*transport.Node {
	n := len(r.nodes)
	if n == 0 {
		return nil
	}
	b := int(jump.Hash(stringToUint64(key), n))
	out := make([]*transport.Node, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.nodes[(b+i)%n])
	}
	return out
}
