// Package emcache is a concurrent client for clusters of
// memcached-compatible cache servers speaking the binary protocol.
//
// Keys are routed to nodes with consistent hashing (a weighted virtual-node
// ring by default, jump hashing optionally). Each node is served by a small
// pool of persistent connections over which many in-flight operations are
// pipelined; responses are correlated back to their requests through the
// protocol's opaque identifier. Broken connections fail every request they
// carried, are replaced lazily with per-node exponential backoff, and nodes
// that keep refusing connections are marked down and skipped by the ring
// until they recover.
//
//	client, err := emcache.DefaultClient("10.0.0.1:11211", "10.0.0.2:11211")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Shutdown()
//
//	if _, err := client.Set(ctx, "greeting", []byte("hello"), 0, 0); err != nil {
//		log.Fatal(err)
//	}
//	item, err := client.Get(ctx, "greeting")
//
// Transient failures on idempotent commands (Get, GetMany, GetAndTouch)
// are retried against the next ring candidate; mutations are never
// silently retried.
package emcache
