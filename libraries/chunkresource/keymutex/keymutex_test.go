package keymutex

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMappedCleansUpAfterUnlock(t *testing.T) {
	m := New[string]()
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, m.Lock(context.Background(), k))
	}
	for _, k := range []string{"a", "b", "c"} {
		m.Unlock(k)
	}
	assert.Equal(t, 0, m.Len())
}

func TestMappedExcludesConcurrentHolders(t *testing.T) {
	m := New[int]()
	var wg sync.WaitGroup
	var counter int
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				require.NoError(t, m.Lock(context.Background(), 1))
				counter++
				m.Unlock(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1600, counter)
}

func TestMappedCanceledContext(t *testing.T) {
	m := New[string]()
	require.NoError(t, m.Lock(context.Background(), "taken"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, m.Lock(ctx, "taken"), context.Canceled)

	m.Unlock("taken")
}
