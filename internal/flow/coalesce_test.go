package flow

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoalescer_SharesConcurrentCalls(t *testing.T) {
	c := NewCoalescer[string](16, time.Minute)
	key := CoalesceKey("caller", "execute", []byte(`{"x":1}`))

	var calls int32
	release := make(chan struct{})
	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := c.Do(key, func() (string, error) {
				atomic.AddInt32(&calls, 1)
				<-release
				return "done", nil
			})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Equal(t, "done", r)
	}

	// A late arrival inside the window gets the remembered result
	v, shared, err := c.Do(key, func() (string, error) {
		atomic.AddInt32(&calls, 1)
		return "again", nil
	})
	require.NoError(t, err)
	assert.True(t, shared)
	assert.Equal(t, "done", v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCoalescer_ErrorsAreNotRemembered(t *testing.T) {
	c := NewCoalescer[int](16, time.Minute)
	key := CoalesceKey("caller", "m", nil)

	_, _, err := c.Do(key, func() (int, error) { return 0, errors.New("boom") })
	require.Error(t, err)

	v, shared, err := c.Do(key, func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.False(t, shared)
	assert.Equal(t, 7, v)
}

func TestCoalesceKey(t *testing.T) {
	a := CoalesceKey("c", "m", []byte("p"))
	assert.Equal(t, a, CoalesceKey("c", "m", []byte("p")))
	assert.NotEqual(t, a, CoalesceKey("c", "m", []byte("q")))
	assert.NotEqual(t, a, CoalesceKey("d", "m", []byte("p")))
}

func TestCoalescer_DoInFlightNeverReplays(t *testing.T) {
	c := NewCoalescer[int](16, time.Minute)
	key := CoalesceKey("caller", "execute", []byte(`{"task_id":"t1","attempt":1}`))

	var calls int32
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := c.DoInFlight(key, func() (int, error) {
				<-release
				return int(atomic.AddInt32(&calls, 1)), nil
			})
			assert.NoError(t, err)
			assert.Equal(t, 1, v)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	v, shared, err := c.DoInFlight(key, func() (int, error) { return int(atomic.AddInt32(&calls, 1)), nil })
	require.NoError(t, err)
	assert.False(t, shared)
	assert.Equal(t, 2, v)

	// nor does Do serve what DoInFlight ran
	v, _, err = c.Do(key, func() (int, error) { return int(atomic.AddInt32(&calls, 1)), nil })
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestCoalescerFor(t *testing.T) {
	assert.Nil(t, CoalescerFor[int](CoalesceConfig{Window: time.Minute}))

	// without a window only overlapping calls are merged
	c := CoalescerFor[int](CoalesceConfig{Enabled: true})
	require.NotNil(t, c)
	key := CoalesceKey("c", "m", nil)
	_, _, err := c.Do(key, func() (int, error) { return 1, nil })
	require.NoError(t, err)
	v, shared, err := c.Do(key, func() (int, error) { return 2, nil })
	require.NoError(t, err)
	assert.False(t, shared)
	assert.Equal(t, 2, v)
}
