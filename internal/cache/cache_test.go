package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTL_ConcurrentMissesShareOneFetch(t *testing.T) {
	c := NewTTL[int](time.Minute)
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Get("hs", func() (int, error) {
				calls.Add(1)
				<-release
				return 42, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, 42, v)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestTTL_ErrorsAreNotCached(t *testing.T) {
	c := NewTTL[string](time.Minute)
	boom := errors.New("boom")

	_, err := c.Get("k", func() (string, error) { return "", boom })
	require.ErrorIs(t, err, boom)

	v, err := c.Get("k", func() (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestTTL_ServesStaleWhileRefreshing(t *testing.T) {
	c := NewTTL[string](time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	_, err := c.Get("k", func() (string, error) { return "old", nil })
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	refreshed := make(chan struct{})
	v, err := c.Get("k", func() (string, error) {
		defer close(refreshed)
		return "new", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "old", v)

	<-refreshed
	require.Eventually(t, func() bool {
		v, _ := c.Get("k", func() (string, error) { return "unused", nil })
		return v == "new"
	}, time.Second, 5*time.Millisecond)
}

func TestTTL_Invalidate(t *testing.T) {
	c := NewTTL[int](time.Minute)
	_, _ = c.Get("k", func() (int, error) { return 1, nil })
	c.Invalidate("k")
	v, err := c.Get("k", func() (int, error) { return 2, nil })
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}
