package ibgw

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIDGeneratorRequestIDMonotonic(t *testing.T) {
	g := newIDGenerator(9000)
	require.Equal(t, 9000, g.nextRequestID())
	require.Equal(t, 9001, g.nextRequestID())
	require.Equal(t, 9002, g.nextRequestID())
}

func TestIDGeneratorDefaultsWhenBaseNotPositive(t *testing.T) {
	g := newIDGenerator(0)
	require.Equal(t, defaultRequestIDBase, g.nextRequestID())
}

func TestIDGeneratorSeedOrderIDNeverRegresses(t *testing.T) {
	g := newIDGenerator(9000)
	g.seedOrderID(100)
	require.Equal(t, 100, g.currentOrderID())

	require.Equal(t, 100, g.nextOrderID())
	require.Equal(t, 101, g.currentOrderID())

	// A stale (lower) server-reported next-order-id must not regress
	// the counter (§3 invariant 5).
	g.seedOrderID(50)
	require.Equal(t, 101, g.currentOrderID())

	g.seedOrderID(500)
	require.Equal(t, 500, g.currentOrderID())
}

func TestIDGeneratorConcurrentRequestIDsAreUnique(t *testing.T) {
	g := newIDGenerator(1)
	const n = 200

	ids := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- g.nextRequestID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int]bool, n)
	for id := range ids {
		require.False(t, seen[id], "duplicate request id %d", id)
		seen[id] = true
	}
	require.Len(t, seen, n)
}
