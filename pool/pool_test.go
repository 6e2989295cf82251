package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dsbroker/dsbroker/errors"
	"github.com/dsbroker/dsbroker/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResource is what the fake factory hands out.
type fakeResource struct {
	id    int
	valid bool
}

type fakeFactory struct {
	mu        sync.Mutex
	nextID    int
	destroyed []int
	createErr error
}

func (f *fakeFactory) Create(ctx context.Context) (*fakeResource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextID++
	return &fakeResource{id: f.nextID, valid: true}, nil
}

func (f *fakeFactory) Destroy(r *fakeResource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, r.id)
	return nil
}

func (f *fakeFactory) Validate(r *fakeResource) bool {
	return r.valid
}

func TestPoolReusesIdleResources(t *testing.T) {
	factory := &fakeFactory{}
	p := New[*fakeResource](factory, Config{MaxOpen: 2, TestOnBorrow: true}, logger.NopLogger)

	ctx := context.Background()
	r1, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(r1)

	r2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, r1.id, r2.id, "idle resource should be handed out again")

	stats := p.Stats()
	assert.Equal(t, 1, stats.Created)
	assert.Equal(t, 2, stats.Borrowed)
	assert.Equal(t, 1, stats.Returned)
}

func TestPoolDestroysInvalidOnBorrow(t *testing.T) {
	factory := &fakeFactory{}
	p := New[*fakeResource](factory, Config{MaxOpen: 2, TestOnBorrow: true}, logger.NopLogger)

	ctx := context.Background()
	r1, err := p.Acquire(ctx)
	require.NoError(t, err)
	r1.valid = false
	p.Release(r1)

	r2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, r1.id, r2.id, "invalid idle resource must be replaced")
	assert.Equal(t, []int{r1.id}, factory.destroyed)
	assert.Equal(t, 1, p.Stats().BadOnCheck)
}

func TestPoolAcquireTimeout(t *testing.T) {
	factory := &fakeFactory{}
	p := New[*fakeResource](factory, Config{MaxOpen: 1, AcquireTimeout: 20 * time.Millisecond}, logger.NopLogger)

	ctx := context.Background()
	r1, err := p.Acquire(ctx)
	require.NoError(t, err)

	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResourceExhausted), "expected ErrResourceExhausted, got %v", err)

	p.Release(r1)
	r2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, r1.id, r2.id)
}

func TestPoolAcquireContextCancel(t *testing.T) {
	factory := &fakeFactory{}
	p := New[*fakeResource](factory, Config{MaxOpen: 1}, logger.NopLogger)

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.Equal(t, context.Canceled, errors.Cause(err))
}

func TestPoolCreateErrorReturnsSlot(t *testing.T) {
	factory := &fakeFactory{createErr: fmt.Errorf("backend down")}
	p := New[*fakeResource](factory, Config{MaxOpen: 1, AcquireTimeout: 20 * time.Millisecond}, logger.NopLogger)

	ctx := context.Background()
	_, err := p.Acquire(ctx)
	require.Error(t, err)

	// The slot must have been returned, so the next failure is again the
	// factory's, not an exhausted pool.
	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrResourceExhausted), "slot was leaked: %v", err)
}

func TestPoolClose(t *testing.T) {
	factory := &fakeFactory{}
	p := New[*fakeResource](factory, Config{MaxOpen: 2}, logger.NopLogger)

	ctx := context.Background()
	r1, err := p.Acquire(ctx)
	require.NoError(t, err)
	r2, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(r1)

	require.NoError(t, p.Close())
	assert.Contains(t, factory.destroyed, r1.id, "idle resource destroyed on close")

	_, err = p.Acquire(ctx)
	assert.True(t, errors.Is(err, ErrPoolClosed))

	p.Release(r2)
	assert.Contains(t, factory.destroyed, r2.id, "late release destroyed after close")
}

func TestPoolConcurrentBorrowReturn(t *testing.T) {
	factory := &fakeFactory{}
	p := New[*fakeResource](factory, Config{MaxOpen: 4, TestOnBorrow: true}, logger.NopLogger)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r, err := p.Acquire(context.Background())
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				p.Release(r)
			}
		}()
	}
	wg.Wait()

	stats := p.Stats()
	assert.Equal(t, stats.Borrowed, stats.Returned, "every borrow released exactly once")
	assert.LessOrEqual(t, stats.Created, 4, "never more than MaxOpen resources created at once")
}
