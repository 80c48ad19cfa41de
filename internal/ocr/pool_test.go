package ocr

import (
	"context"
	stderrors "errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/adverant/nexus/docextract-worker/internal/errors"
)

type fakeEngine struct {
	id     int
	closed atomic.Bool
}

func (f *fakeEngine) Recognize(ctx context.Context, img image.Image) (*Result, error) {
	return &Result{}, nil
}

func (f *fakeEngine) Close() error {
	f.closed.Store(true)
	return nil
}

type countingFactory struct {
	mu      sync.Mutex
	made    []*fakeEngine
	failFor int // number of leading calls that fail
	calls   int
}

func (c *countingFactory) New(ctx context.Context) (Engine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failFor {
		return nil, stderrors.New("tessdata missing")
	}
	e := &fakeEngine{id: len(c.made)}
	c.made = append(c.made, e)
	return e, nil
}

func (c *countingFactory) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.made)
}

func TestNewPoolValidates(t *testing.T) {
	_, err := NewPool(nil, 1)
	require.Error(t, err)

	f := &countingFactory{}
	_, err = NewPool(f.New, 0)
	require.Error(t, err)
}

func TestPoolCreatesLazilyAndReuses(t *testing.T) {
	f := &countingFactory{}
	p, err := NewPool(f.New, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, f.count(), "no engine before first acquire")

	ctx := context.Background()
	h1, err := p.Acquire(ctx)
	require.NoError(t, err)
	first := h1.Engine()
	h1.Release()

	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, first, h2.Engine(), "released engine is reused")
	h2.Release()

	assert.Equal(t, 1, f.count())
	assert.Equal(t, Stats{Size: 2, Created: 1, InUse: 0, Idle: 1}, p.Stats())
}

func TestPoolBlocksWhenExhausted(t *testing.T) {
	f := &countingFactory{}
	p, err := NewPool(f.New, 1)
	require.NoError(t, err)

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan *Handle)
	go func() {
		h2, err := p.Acquire(context.Background())
		if err == nil {
			acquired <- h2
		}
	}()

	select {
	case <-acquired:
		t.Fatal("acquire must wait for a release")
	case <-time.After(20 * time.Millisecond):
	}

	h.Release()

	select {
	case h2 := <-acquired:
		h2.Release()
	case <-time.After(time.Second):
		t.Fatal("waiting acquire never completed")
	}
}

func TestPoolOutstandingNeverExceedsSize(t *testing.T) {
	const size = 3
	f := &countingFactory{}
	p, err := NewPool(f.New, size)
	require.NoError(t, err)

	var current, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Do(context.Background(), func(e Engine) error {
				n := atomic.AddInt64(&current, 1)
				for {
					old := atomic.LoadInt64(&peak)
					if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
						break
					}
				}
				assert.LessOrEqual(t, p.Stats().InUse, size)
				time.Sleep(time.Millisecond)
				atomic.AddInt64(&current, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, int64(size))
	assert.LessOrEqual(t, f.count(), size)
	stats := p.Stats()
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, stats.Created, stats.Idle)
}

func TestPoolDoReleasesOnError(t *testing.T) {
	f := &countingFactory{}
	p, err := NewPool(f.New, 1)
	require.NoError(t, err)

	boom := stderrors.New("recognition failed")
	err = p.Do(context.Background(), func(Engine) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, p.Stats().InUse)

	// The single slot must be free again.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Do(ctx, func(Engine) error { return nil }))
}

func TestPoolDoDiscardsOnPanic(t *testing.T) {
	f := &countingFactory{}
	p, err := NewPool(f.New, 1)
	require.NoError(t, err)

	assert.Panics(t, func() {
		_ = p.Do(context.Background(), func(Engine) error { panic("engine crashed") })
	})

	stats := p.Stats()
	assert.Equal(t, 0, stats.InUse)
	assert.Equal(t, 0, stats.Created)
	require.Len(t, f.made, 1)
	assert.True(t, f.made[0].closed.Load())

	require.NoError(t, p.Do(context.Background(), func(Engine) error { return nil }))
	assert.Equal(t, 2, f.count())
}

func TestPoolFactoryFailureKeepsSlot(t *testing.T) {
	f := &countingFactory{failFor: 1}
	p, err := NewPool(f.New, 1)
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrWorkerAcquisition)
	assert.Equal(t, Stats{Size: 1}, p.Stats())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h, err := p.Acquire(ctx)
	require.NoError(t, err, "failed init must not leak the slot")
	h.Release()
}

func TestHandleDoubleReleaseIsIgnored(t *testing.T) {
	f := &countingFactory{}
	p, err := NewPool(f.New, 2)
	require.NoError(t, err)

	h, err := p.Acquire(context.Background())
	require.NoError(t, err)
	h.Release()
	h.Release()

	assert.Nil(t, h.Engine())
	assert.Equal(t, Stats{Size: 2, Created: 1, InUse: 0, Idle: 1}, p.Stats())
}

func TestPoolClose(t *testing.T) {
	f := &countingFactory{}
	p, err := NewPool(f.New, 2)
	require.NoError(t, err)

	idle, err := p.Acquire(context.Background())
	require.NoError(t, err)
	held, err := p.Acquire(context.Background())
	require.NoError(t, err)
	idle.Release()

	require.NoError(t, p.Close())
	assert.True(t, f.made[0].closed.Load() || f.made[1].closed.Load())

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrWorkerAcquisition)
	assert.ErrorIs(t, err, ErrPoolClosed)

	held.Release()
	assert.True(t, f.made[0].closed.Load())
	assert.True(t, f.made[1].closed.Load())
	assert.Equal(t, Stats{Size: 2}, p.Stats())
	assert.NoError(t, p.Close(), "second close is a no-op")
}

func TestAcquireWithCancelledContext(t *testing.T) {
	f := &countingFactory{}
	p, err := NewPool(f.New, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.count())
}
