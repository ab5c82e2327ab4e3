package emcache

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ArtemIsmagilov/emcache/internal/transport"
)

func testNodes(t *testing.T, count int) []*transport.Node {
	t.Helper()
	cfg := Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}.withDefaults()
	nodes := make([]*transport.Node, 0, count)
	for i := 0; i < count; i++ {
		nodes = append(nodes, transport.NewNode("10.0.0.1", 11211+i, 1, cfg.poolConfig()))
	}
	return nodes
}

func primaries(r router, keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = r.candidates(k)[0].Addr()
	}
	return out
}

func manyKeys(n int) []string {
	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		keys = append(keys, fmt.Sprintf("key_%d", i))
	}
	return keys
}

func TestRingRoutingIsStable(t *testing.T) {
	nodes := testNodes(t, 3)
	r := newRingRouter(nodes, 150)

	first := r.candidates("some_key")[0]
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, r.candidates("some_key")[0])
	}

	r2 := newRingRouter(nodes, 150)
	assert.Equal(t, primaries(r, manyKeys(200)), primaries(r2, manyKeys(200)),
		"rebuilding over the same node set must not move keys")
}

func TestRingCandidatesAreDistinctAndComplete(t *testing.T) {
	nodes := testNodes(t, 4)
	r := newRingRouter(nodes, 50)

	cands := r.candidates("anything")
	require.Len(t, cands, 4)
	seen := map[string]bool{}
	for _, n := range cands {
		assert.False(t, seen[n.Addr()], "candidate %s listed twice", n.Addr())
		seen[n.Addr()] = true
	}
}

func TestRingDistribution(t *testing.T) {
	nodes := testNodes(t, 3)
	r := newRingRouter(nodes, 150)

	counts := map[string]int{}
	for _, addr := range primaries(r, manyKeys(3000)) {
		counts[addr]++
	}
	for addr, n := range counts {
		assert.Greater(t, n, 500, "node %s starved", addr)
		assert.Less(t, n, 1800, "node %s overloaded", addr)
	}
}

func TestRingWeightSkewsDistribution(t *testing.T) {
	cfg := Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}.withDefaults()
	light := transport.NewNode("10.0.0.1", 11211, 1, cfg.poolConfig())
	heavy := transport.NewNode("10.0.0.2", 11211, 3, cfg.poolConfig())
	r := newRingRouter([]*transport.Node{light, heavy}, 100)

	counts := map[string]int{}
	for _, addr := range primaries(r, manyKeys(4000)) {
		counts[addr]++
	}
	assert.Greater(t, counts[heavy.Addr()], 2*counts[light.Addr()],
		"a weight-3 node should own roughly three times the keyspace")
}

func TestRingRemovalRemapsBoundedFraction(t *testing.T) {
	nodes := testNodes(t, 4)
	full := newRingRouter(nodes, 150)
	without := newRingRouter(nodes[:3], 150)

	keys := manyKeys(4000)
	before := primaries(full, keys)
	after := primaries(without, keys)

	removed := nodes[3].Addr()
	moved := 0
	for _, k := range keys {
		if before[k] != after[k] {
			moved++
			assert.Equal(t, removed, before[k],
				"only keys owned by the removed node may move")
		}
	}
	// ~1/4 of the keyspace belonged to the removed node.
	assert.Greater(t, moved, len(keys)/8)
	assert.Less(t, moved, len(keys)/2)

	restored := newRingRouter(nodes, 150)
	assert.Equal(t, before, primaries(restored, keys),
		"re-adding the node restores the original mapping")
}

func TestJumpRoutingIsStableAndBalanced(t *testing.T) {
	nodes := testNodes(t, 3)
	r := newJumpRouter(nodes)

	counts := map[string]int{}
	for _, k := range manyKeys(3000) {
		cands := r.candidates(k)
		require.Len(t, cands, 3)
		assert.Equal(t, cands[0], r.candidates(k)[0])
		counts[cands[0].Addr()]++
	}
	for addr, n := range counts {
		assert.Greater(t, n, 700, "node %s starved", addr)
		assert.Less(t, n, 1400, "node %s overloaded", addr)
	}
}

func TestJumpCandidatesCoverAllNodes(t *testing.T) {
	nodes := testNodes(t, 5)
	r := newJumpRouter(nodes)
	cands := r.candidates("a-key")
	seen := map[string]bool{}
	for _, n := range cands {
		seen[n.Addr()] = true
	}
	assert.Len(t, seen, 5)
}

func TestEmptyRouters(t *testing.T) {
	assert.Nil(t, newRingRouter(nil, 150).candidates("k"))
	assert.Nil(t, newJumpRouter(nil).candidates("k"))
}
