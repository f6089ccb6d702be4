package filelock

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// TestMain verifies the concurrent acquire/release paths below don't leak
// any goroutine past the end of the package's test run.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAcquireUnlock_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sidecar.lock")

	l, err := Acquire(context.Background(), path, time.Second, nil, "test")
	require.NoError(t, err)
	require.NoError(t, l.Unlock())
}

func TestWith_SerializesConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sidecar.lock")

	var counter int64
	var wg sync.WaitGroup
	var maxObservedConcurrency int64
	var inFlight int64

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := With(context.Background(), path, 5*time.Second, nil, "test", func() error {
				n := atomic.AddInt64(&inFlight, 1)
				if n > atomic.LoadInt64(&maxObservedConcurrency) {
					atomic.StoreInt64(&maxObservedConcurrency, n)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt64(&counter, 1)
				atomic.AddInt64(&inFlight, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(20), counter)
	assert.Equal(t, int64(1), maxObservedConcurrency)
}

func TestAcquire_TimesOutWhenHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sidecar.lock")

	held, err := Acquire(context.Background(), path, time.Second, nil, "test")
	require.NoError(t, err)
	defer held.Unlock()

	_, err = acquireInGoroutine(path, 50*time.Millisecond)
	require.Error(t, err)
}

func acquireInGoroutine(path string, timeout time.Duration) (*Lock, error) {
	type result struct {
		l   *Lock
		err error
	}
	ch := make(chan result, 1)
	go func() {
		l, err := Acquire(context.Background(), path, timeout, nil, "test")
		ch <- result{l, err}
	}()
	r := <-ch
	return r.l, r.err
}
