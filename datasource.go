package dsbroker

import (
	"context"
	"sort"
	"sync"

	"github.com/dsbroker/dsbroker/logger"
)

// DataSource is the capability contract operations drive. Instances are
// pooled per descriptor id; between Init and FreeResources an instance
// is owned by exactly one operation and must not be shared.
type DataSource interface {
	Descriptor() *DataSourceDescriptor

	// Init binds back-end resources for one operation.
	Init(ctx context.Context, req *DSRequest) error
	// StartTransaction opens the per-operation back-end transaction.
	StartTransaction(ctx context.Context) error

	ExecuteFetch(ctx context.Context, req *DSRequest) (*DSResponse, error)
	ExecuteAdd(ctx context.Context, req *DSRequest) (*DSResponse, error)
	ExecuteUpdate(ctx context.Context, req *DSRequest) (*DSResponse, error)
	ExecuteRemove(ctx context.Context, req *DSRequest) (*DSResponse, error)
	ExecuteCustom(ctx context.Context, req *DSRequest) (*DSResponse, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// FreeResources returns back-end resources acquired by Init. It is
	// called exactly once per operation and never reports an error;
	// implementations log their own failures.
	FreeResources()
}

// ExecuteRequest routes a request to the execute method matching its
// operation type.
func ExecuteRequest(ctx context.Context, ds DataSource, req *DSRequest) (*DSResponse, error) {
	switch req.OperationType {
	case OpFetch:
		return ds.ExecuteFetch(ctx, req)
	case OpAdd:
		return ds.ExecuteAdd(ctx, req)
	case OpUpdate:
		return ds.ExecuteUpdate(ctx, req)
	case OpRemove:
		return ds.ExecuteRemove(ctx, req)
	case OpCustom:
		return ds.ExecuteCustom(ctx, req)
	default:
		return nil, NewErrUnimplemented(ds.Descriptor().ID, string(req.OperationType))
	}
}

// BaseDataSource is the embeddable default implementation. It carries
// the descriptor, holds no back-end resources, and declines every
// operation type, which is exactly the behavior of the "generic"
// server type.
type BaseDataSource struct {
	Desc *DataSourceDescriptor
	Log  logger.Logger
}

func (ds *BaseDataSource) Descriptor() *DataSourceDescriptor { return ds.Desc }

func (ds *BaseDataSource) Init(ctx context.Context, req *DSRequest) error { return nil }

func (ds *BaseDataSource) StartTransaction(ctx context.Context) error { return nil }

func (ds *BaseDataSource) ExecuteFetch(ctx context.Context, req *DSRequest) (*DSResponse, error) {
	return nil, NewErrUnimplemented(ds.Desc.ID, string(OpFetch))
}

func (ds *BaseDataSource) ExecuteAdd(ctx context.Context, req *DSRequest) (*DSResponse, error) {
	return nil, NewErrUnimplemented(ds.Desc.ID, string(OpAdd))
}

func (ds *BaseDataSource) ExecuteUpdate(ctx context.Context, req *DSRequest) (*DSResponse, error) {
	return nil, NewErrUnimplemented(ds.Desc.ID, string(OpUpdate))
}

func (ds *BaseDataSource) ExecuteRemove(ctx context.Context, req *DSRequest) (*DSResponse, error) {
	return nil, NewErrUnimplemented(ds.Desc.ID, string(OpRemove))
}

func (ds *BaseDataSource) ExecuteCustom(ctx context.Context, req *DSRequest) (*DSResponse, error) {
	return nil, NewErrUnimplemented(ds.Desc.ID, string(OpCustom))
}

func (ds *BaseDataSource) Commit(ctx context.Context) error { return nil }

func (ds *BaseDataSource) Rollback(ctx context.Context) error { return nil }

func (ds *BaseDataSource) FreeResources() {}

// DataSourceConstructor builds one poolable instance for a descriptor.
type DataSourceConstructor func(desc *DataSourceDescriptor, rt *Runtime) (DataSource, error)

var (
	dsCtorsMu sync.Mutex
	dsCtors   = make(map[string]DataSourceConstructor)
)

// RegisterDataSource makes a constructor available under a server type
// name. Implementations register themselves from init, the way SQL
// drivers do; registering the same name twice panics.
func RegisterDataSource(serverType string, ctor DataSourceConstructor) {
	dsCtorsMu.Lock()
	defer dsCtorsMu.Unlock()
	if ctor == nil {
		panic("dsbroker: RegisterDataSource constructor is nil")
	}
	if _, dup := dsCtors[serverType]; dup {
		panic("dsbroker: RegisterDataSource called twice for server type " + serverType)
	}
	dsCtors[serverType] = ctor
}

// RegisteredServerTypes returns the registered names sorted, mostly for
// error messages and tests.
func RegisteredServerTypes() []string {
	dsCtorsMu.Lock()
	defer dsCtorsMu.Unlock()
	out := make([]string, 0, len(dsCtors))
	for name := range dsCtors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// NewDataSourceInstance constructs an instance for a descriptor. An
// explicit serverConstructor wins over the serverType.
func NewDataSourceInstance(desc *DataSourceDescriptor, rt *Runtime) (DataSource, error) {
	name := desc.ServerType
	if desc.ServerConstructor != "" {
		name = desc.ServerConstructor
	}
	dsCtorsMu.Lock()
	ctor, ok := dsCtors[name]
	dsCtorsMu.Unlock()
	if !ok {
		return nil, NewErrUnknownServerType(name)
	}
	return ctor(desc, rt)
}

func init() {
	RegisterDataSource(ServerTypeGeneric, func(desc *DataSourceDescriptor, rt *Runtime) (DataSource, error) {
		return &BaseDataSource{Desc: desc, Log: rt.Logger()}, nil
	})
}
