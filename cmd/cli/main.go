// Command cli is a small manual exerciser for a running cluster:
//
//	go run ./cmd/cli -nodes 127.0.0.1:11211,127.0.0.1:11212
package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"sync"

	emcache "github.com/ArtemIsmagilov/emcache"
)

func main() {
	nodes := flag.String("nodes", "127.0.0.1:11211", "comma-separated host:port list")
	count := flag.Int("count", 100, "number of keys to exercise")
	flag.Parse()

	client, err := emcache.DefaultClient(strings.Split(*nodes, ",")...)
	if err != nil {
		fmt.Println("Error:", err)
		return
	}
	defer client.Shutdown()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < *count; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := strconv.Itoa(i)
			r, err := client.Set(ctx, key, []byte(fmt.Sprintf("value-%d", i)), 0, 0)
			if err != nil {
				fmt.Println("Error:", err)
				return
			}
			if r != emcache.Success {
				fmt.Println("store failed:", r)
			}
		}(i)
	}
	wg.Wait()

	keys := make([]string, 0, *count)
	for i := 0; i < *count; i++ {
		keys = append(keys, strconv.Itoa(i))
	}
	items, err := client.GetMany(ctx, keys)
	if err != nil {
		fmt.Println("Error:", err)
	}
	fmt.Printf("fetched %d/%d keys\n", len(items), *count)

	for _, addr := range client.Nodes() {
		version, err := client.Version(ctx, addr)
		if err != nil {
			fmt.Printf("%s: %v\n", addr.Addr(), err)
			continue
		}
		stats, err := client.Stats(ctx, addr, "")
		if err != nil {
			fmt.Printf("%s: %v\n", addr.Addr(), err)
			continue
		}
		fmt.Printf("%s: version %s, curr_items=%s\n", addr.Addr(), version, stats["curr_items"])
	}
}
