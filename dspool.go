package dsbroker

import (
	"context"
	"sync"

	"github.com/dsbroker/dsbroker/logger"
	"github.com/dsbroker/dsbroker/pool"
)

// DataSourcePool keeps a pool of constructed DataSource instances per
// descriptor id. The first acquire for an id loads the descriptor and
// creates the pool; later acquires reuse pooled instances.
type DataSourcePool struct {
	rt  *Runtime
	cfg pool.Config
	log logger.Logger

	mu    sync.Mutex
	pools map[string]*pool.Pool[DataSource]
}

// NewDataSourcePool returns an empty pool registry.
func NewDataSourcePool(rt *Runtime, cfg pool.Config, log logger.Logger) *DataSourcePool {
	if log == nil {
		log = logger.NopLogger
	}
	return &DataSourcePool{
		rt:    rt,
		cfg:   cfg,
		log:   log,
		pools: make(map[string]*pool.Pool[DataSource]),
	}
}

// dsFactory builds instances of one descriptor's data source for the
// generic pool.
type dsFactory struct {
	rt   *Runtime
	desc *DataSourceDescriptor
}

func (f *dsFactory) Create(ctx context.Context) (DataSource, error) {
	return NewDataSourceInstance(f.desc, f.rt)
}

func (f *dsFactory) Destroy(ds DataSource) error {
	ds.FreeResources()
	return nil
}

func (f *dsFactory) Validate(ds DataSource) bool { return true }

func (p *DataSourcePool) pool(id string) (*pool.Pool[DataSource], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pl, ok := p.pools[id]; ok {
		return pl, nil
	}

	desc, err := p.rt.Descriptors().Load(id)
	if err != nil {
		return nil, err
	}
	// Constructing one instance up front surfaces unknown server types
	// at pool creation rather than on a later borrow.
	if _, err := NewDataSourceInstance(desc, p.rt); err != nil {
		return nil, err
	}

	pl := pool.New[DataSource](&dsFactory{rt: p.rt, desc: desc}, p.cfg, p.log.WithPrefix("ds="+id+" "))
	p.pools[id] = pl
	return pl, nil
}

// Acquire borrows an instance for one operation.
func (p *DataSourcePool) Acquire(ctx context.Context, id string) (DataSource, error) {
	pl, err := p.pool(id)
	if err != nil {
		return nil, err
	}
	return pl.Acquire(ctx)
}

// Release frees the instance's per-operation resources and returns it
// to its pool. Release failures are logged, never surfaced: by the time
// an operation releases, its response is already decided.
func (p *DataSourcePool) Release(id string, ds DataSource) {
	ds.FreeResources()

	p.mu.Lock()
	pl, ok := p.pools[id]
	p.mu.Unlock()
	if !ok {
		p.log.Errorf("released data source '%s' has no pool", id)
		return
	}
	pl.Release(ds)
}

// Close shuts down every pool.
func (p *DataSourcePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for id, pl := range p.pools {
		if err := pl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.pools, id)
	}
	return firstErr
}

// Stats reports per-id pool counters.
func (p *DataSourcePool) Stats() map[string]pool.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]pool.Stats, len(p.pools))
	for id, pl := range p.pools {
		out[id] = pl.Stats()
	}
	return out
}
