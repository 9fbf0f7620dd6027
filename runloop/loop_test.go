package runloop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	n int
}

func newLoop(t *testing.T) (*Loop[*counter], *counter) {
	ctx, cancel := context.WithCancelCause(context.Background())
	l := New[*counter](ctx, cancel, slog.Default(), 16)
	c := &counter{}
	go l.Run(c, func(err error) { t.Logf("loop error: %v", err) })
	t.Cleanup(func() { cancel(errors.New("test cleanup")) })
	return l, c
}

func TestDispatchRunsOnLoop(t *testing.T) {
	l, c := newLoop(t)
	var wg sync.WaitGroup
	wg.Add(1)
	l.Dispatch(func(c *counter) error {
		c.n++
		wg.Done()
		return nil
	})
	wg.Wait()
	assert.Equal(t, 1, c.n)
}

func TestDispatchWaitReturnsValue(t *testing.T) {
	l, _ := newLoop(t)
	v, err := l.DispatchWait(func(c *counter) (any, error) {
		c.n = 42
		return c.n, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestDispatchWaitAfterCancelReturnsCause(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	l := New[*counter](ctx, cancel, slog.Default(), 1)
	cause := errors.New("shutdown")
	cancel(cause)
	_, err := l.DispatchWait(func(c *counter) (any, error) {
		return nil, nil
	})
	require.Error(t, err)
	assert.Equal(t, cause, err)
}

func TestRepeatTaskStopsOnCancel(t *testing.T) {
	l, _ := newLoop(t)
	var mu sync.Mutex
	count := 0
	l.RepeatTask(func(c *counter) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	l.Cancel(errors.New("done"))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	stopped := count
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, stopped, count, "RepeatTask kept firing after cancellation")
}
