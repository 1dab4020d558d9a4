package tools

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortAllocator_LowestFreeFirst(t *testing.T) {
	a, err := NewPortAllocator(43100, 43110)
	require.NoError(t, err)

	p1, err := a.Allocate("one")
	require.NoError(t, err)
	p2, err := a.Allocate("two")
	require.NoError(t, err)

	assert.Less(t, p1, p2)

	owner, ok := a.Owner(p1)
	require.True(t, ok)
	assert.Equal(t, "one", owner)
}

func TestPortAllocator_NoSharedPorts(t *testing.T) {
	a, err := NewPortAllocator(43200, 43263)
	require.NoError(t, err)

	var mu sync.Mutex
	seen := make(map[int]bool)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := a.Allocate("owner")
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[port], "port %d allocated twice", port)
			seen[port] = true
		}()
	}
	wg.Wait()

	assert.NotEmpty(t, seen)
}

func TestPortAllocator_ReleaseAndReuse(t *testing.T) {
	a, err := NewPortAllocator(43300, 43301)
	require.NoError(t, err)

	p1, err := a.Allocate("one")
	require.NoError(t, err)
	a.Release(p1)

	p2, err := a.Allocate("two")
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
}

func TestPortAllocator_ReserveConflict(t *testing.T) {
	a, err := NewPortAllocator(43400, 43410)
	require.NoError(t, err)

	require.NoError(t, a.Reserve(43405, "snapshot"))
	require.Error(t, a.Reserve(43405, "other"))
}

func TestPortAllocator_InvalidRange(t *testing.T) {
	_, err := NewPortAllocator(9000, 8000)
	require.Error(t, err)
}

func TestPortAllocator_Exhaustion(t *testing.T) {
	a, err := NewPortAllocator(43500, 43501)
	require.NoError(t, err)

	_, err = a.Allocate("a")
	require.NoError(t, err)
	_, err = a.Allocate("b")
	require.NoError(t, err)
	_, err = a.Allocate("c")
	require.Error(t, err)
}
