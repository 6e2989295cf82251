// Package pool implements the bounded resource pools that back the broker:
// a generic validate-on-borrow pool and the process-wide registry of named
// database connection pools.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/dsbroker/dsbroker/errors"
	"github.com/dsbroker/dsbroker/logger"
)

const (
	ErrResourceExhausted errors.Code = "ErrResourceExhausted"
	ErrPoolClosed        errors.Code = "ErrPoolClosed"
)

// DefaultMaxOpen is the per-pool resource cap applied when the
// configuration does not set one.
const DefaultMaxOpen = 10

// Factory creates, destroys and validates the resources held by a Pool.
type Factory[T any] interface {
	// Create produces a new resource. Failures are reported to the caller
	// of Acquire; the pool itself does not retry.
	Create(ctx context.Context) (T, error)
	// Destroy disposes of a resource that failed validation or is being
	// drained on Close.
	Destroy(resource T) error
	// Validate reports whether a previously pooled resource is still
	// usable. It is called on borrow.
	Validate(resource T) bool
}

// Config is the policy for one pool.
type Config struct {
	// MaxOpen caps the number of resources that exist at once, idle or
	// borrowed. Zero means DefaultMaxOpen.
	MaxOpen int
	// AcquireTimeout bounds how long Acquire waits for a free slot before
	// failing with ErrResourceExhausted. Zero waits on the context alone.
	AcquireTimeout time.Duration
	// TestOnBorrow runs Factory.Validate on idle resources before handing
	// them out; failures are destroyed and replaced.
	TestOnBorrow bool
}

// Stats is a point-in-time snapshot of pool counters, used by callers that
// assert the exactly-once release invariant.
type Stats struct {
	Created    int
	Destroyed  int
	Borrowed   int
	Returned   int
	BadOnCheck int
	Idle       int
}

// Pool is a bounded pool of resources produced by a Factory. All methods
// are safe for concurrent use.
type Pool[T any] struct {
	factory Factory[T]
	cfg     Config
	log     logger.Logger

	slots chan struct{} // capacity tokens; holding one permits holding a resource
	idle  chan T        // previously released resources

	closed chan struct{}

	mu    sync.Mutex
	stats Stats
}

// New returns an empty pool governed by cfg.
func New[T any](factory Factory[T], cfg Config, log logger.Logger) *Pool[T] {
	if cfg.MaxOpen <= 0 {
		cfg.MaxOpen = DefaultMaxOpen
	}
	if log == nil {
		log = logger.NopLogger
	}
	p := &Pool[T]{
		factory: factory,
		cfg:     cfg,
		log:     log,
		slots:   make(chan struct{}, cfg.MaxOpen),
		idle:    make(chan T, cfg.MaxOpen),
		closed:  make(chan struct{}),
	}
	for i := 0; i < cfg.MaxOpen; i++ {
		p.slots <- struct{}{}
	}
	return p
}

// Acquire borrows a resource, creating one if no valid idle resource
// exists. It fails with ErrResourceExhausted when the pool stays at
// capacity past the configured timeout, and with the context error when
// the caller's context ends first.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	select {
	case <-p.closed:
		return zero, errors.New(ErrPoolClosed, "pool is closed")
	default:
	}

	var timeout <-chan time.Time
	if p.cfg.AcquireTimeout > 0 {
		t := time.NewTimer(p.cfg.AcquireTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-p.slots:
	case <-timeout:
		return zero, errors.Newf(ErrResourceExhausted, "no pooled resource became available within %v", p.cfg.AcquireTimeout)
	case <-ctx.Done():
		return zero, errors.Wrap(ctx.Err(), "waiting for pooled resource")
	case <-p.closed:
		return zero, errors.New(ErrPoolClosed, "pool is closed")
	}

	// Holding a slot token. Prefer an idle resource that still validates.
	for {
		select {
		case res := <-p.idle:
			if p.cfg.TestOnBorrow && !p.factory.Validate(res) {
				p.count(func(s *Stats) { s.BadOnCheck++; s.Destroyed++ })
				if err := p.factory.Destroy(res); err != nil {
					p.log.Warnf("destroying resource that failed validation: %v", err)
				}
				continue
			}
			p.count(func(s *Stats) { s.Borrowed++ })
			return res, nil
		default:
			res, err := p.factory.Create(ctx)
			if err != nil {
				p.slots <- struct{}{}
				return zero, err
			}
			p.count(func(s *Stats) { s.Created++; s.Borrowed++ })
			return res, nil
		}
	}
}

// Release returns a borrowed resource to the pool. After Close, released
// resources are destroyed instead of idled.
func (p *Pool[T]) Release(res T) {
	select {
	case <-p.closed:
		if err := p.factory.Destroy(res); err != nil {
			p.log.Warnf("destroying resource released after close: %v", err)
		}
		p.count(func(s *Stats) { s.Returned++; s.Destroyed++ })
		return
	default:
	}
	p.count(func(s *Stats) { s.Returned++ })
	p.idle <- res
	p.slots <- struct{}{}
}

// Close drains and destroys all idle resources. Borrowed resources are
// destroyed as they are released.
func (p *Pool[T]) Close() error {
	select {
	case <-p.closed:
		return nil
	default:
		close(p.closed)
	}
	var firstErr error
	for {
		select {
		case res := <-p.idle:
			if err := p.factory.Destroy(res); err != nil && firstErr == nil {
				firstErr = err
			}
			p.count(func(s *Stats) { s.Destroyed++ })
		default:
			return firstErr
		}
	}
}

func (p *Pool[T]) count(f func(*Stats)) {
	p.mu.Lock()
	f(&p.stats)
	p.mu.Unlock()
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Idle = len(p.idle)
	return s
}
