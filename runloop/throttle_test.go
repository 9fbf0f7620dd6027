package runloop

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAsyncThrottleCoalescesBursts(t *testing.T) {
	l, _ := newLoop(t)
	var mu sync.Mutex
	fires := 0
	th := NewAsyncThrottle[*counter](l, 10*time.Millisecond, func(c *counter) error {
		mu.Lock()
		fires++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	l.Dispatch(func(c *counter) error {
		for i := 0; i < 5; i++ {
			th.Trigger()
		}
		wg.Done()
		return nil
	})
	wg.Wait()
	time.Sleep(40 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, fires)
}

func TestAsyncThrottleFiresAgainAfterWindow(t *testing.T) {
	l, _ := newLoop(t)
	var mu sync.Mutex
	fires := 0
	th := NewAsyncThrottle[*counter](l, 5*time.Millisecond, func(c *counter) error {
		mu.Lock()
		fires++
		mu.Unlock()
		return nil
	})

	l.Dispatch(func(c *counter) error { th.Trigger(); return nil })
	time.Sleep(20 * time.Millisecond)
	l.Dispatch(func(c *counter) error { th.Trigger(); return nil })
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, fires)
}

func TestAsyncThrottleTriggerAfterCancelDoesNotPanic(t *testing.T) {
	l, _ := newLoop(t)
	th := NewAsyncThrottle[*counter](l, 5*time.Millisecond, func(c *counter) error { return nil })
	l.Cancel(errors.New("done"))
	time.Sleep(5 * time.Millisecond)
	assert.NotPanics(t, func() {
		l.Dispatch(func(c *counter) error { th.Trigger(); return nil })
	})
}
