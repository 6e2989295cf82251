package dsbroker

import (
	"context"
	"sort"
	"sync"

	"github.com/dsbroker/dsbroker/errors"
	"github.com/dsbroker/dsbroker/logger"
	"github.com/spf13/cast"
)

// Operation wraps one slot of a transaction and owns its lifecycle:
// Init acquires resources, Execute produces exactly one response, and
// FreeResources releases whatever Init acquired. FreeResources is safe
// to call after a failed Init and is guarded against double release.
type Operation interface {
	Init(ctx context.Context) error
	Execute(ctx context.Context) Response
	FreeResources()
}

// DSOperation drives one DataSource request.
type DSOperation struct {
	rt  *Runtime
	req *DSRequest
	log logger.Logger

	ds DataSource
}

// NewDSOperation wraps a parsed DS request.
func NewDSOperation(rt *Runtime, req *DSRequest, log logger.Logger) *DSOperation {
	if log == nil {
		log = logger.NopLogger
	}
	return &DSOperation{rt: rt, req: req, log: log}
}

// Init acquires the data source instance, which in turn acquires its
// back-end connection. The instance is recorded before its own Init
// runs so FreeResources releases it even when Init fails mid-way.
func (op *DSOperation) Init(ctx context.Context) error {
	if op.req.DataSourceName == "" {
		return errors.Newf(ErrConfigInvalid, "operation '%s' names no data source", op.req.Operation)
	}
	ds, err := op.rt.Sources().Acquire(ctx, op.req.DataSourceName)
	if err != nil {
		return err
	}
	op.ds = ds

	if op.req.RawPK != "" {
		op.applyPKOverlay()
	}
	return ds.Init(ctx, op.req)
}

// applyPKOverlay folds a REST URL primary key into the request: writes
// target values, everything else targets criteria.
func (op *DSOperation) applyPKOverlay() {
	pks := op.ds.Descriptor().PKFields()
	if len(pks) != 1 {
		op.log.Warnf("URL primary key '%s' ignored: data source '%s' declares %d key fields", op.req.RawPK, op.req.DataSourceName, len(pks))
		return
	}
	var v interface{} = op.req.RawPK
	if n, err := cast.ToInt64E(op.req.RawPK); err == nil {
		v = n
	}

	target := &op.req.Criteria
	if op.req.OperationType == OpAdd {
		target = &op.req.Values
	}
	m, ok := (*target).(map[string]interface{})
	if !ok {
		m = make(map[string]interface{})
		*target = m
	}
	m[pks[0].Name] = v
}

// Execute runs the transactional lifecycle: start, dispatch on the
// operation type, then commit or roll back. Failures below this point
// never propagate as errors; they come back as failure responses in
// this operation's slot.
func (op *DSOperation) Execute(ctx context.Context) Response {
	if err := op.ds.StartTransaction(ctx); err != nil {
		op.log.Errorf("starting transaction for '%s': %v", op.req.DataSourceName, err)
		return NewFailureDSResponse(err)
	}

	resp, err := ExecuteRequest(ctx, op.ds, op.req)
	if err != nil {
		if rbErr := op.ds.Rollback(ctx); rbErr != nil {
			op.log.Errorf("rolling back '%s' after failure: %v", op.req.DataSourceName, rbErr)
		}
		op.log.Errorf("executing %s on '%s': %v", op.req.OperationType, op.req.DataSourceName, err)
		return NewFailureDSResponse(err)
	}

	if err := op.ds.Commit(ctx); err != nil {
		// The operation itself succeeded; only the commit is lost. The
		// rollback outcome is logged, never reported.
		if rbErr := op.ds.Rollback(ctx); rbErr != nil {
			op.log.Errorf("rolling back '%s' after failed commit: %v", op.req.DataSourceName, rbErr)
		}
		op.log.Errorf("committing %s on '%s': %v", op.req.OperationType, op.req.DataSourceName, err)
		return NewFailureDSResponse(err)
	}
	return resp
}

// FreeResources releases the data source back to its pool exactly once.
func (op *DSOperation) FreeResources() {
	if op.ds == nil {
		return
	}
	op.rt.Sources().Release(op.req.DataSourceName, op.ds)
	op.ds = nil
}

// Optional capabilities a registered server object may expose. The RPC
// lifecycle probes for each with a type assertion and skips the ones an
// object does not implement.
type (
	// ServerObjectInitializer runs during the init phase.
	ServerObjectInitializer interface {
		Init(ctx context.Context, req *RPCRequest) error
	}
	// TransactionStarter opens a unit of work before the call.
	TransactionStarter interface {
		StartTransaction(ctx context.Context) error
	}
	// Invoker dispatches a named method.
	Invoker interface {
		Invoke(ctx context.Context, method string, req *RPCRequest) (interface{}, error)
	}
	// RPCExecutor handles a call with no method name.
	RPCExecutor interface {
		Execute(ctx context.Context, req *RPCRequest) (interface{}, error)
	}
	// Committer closes the unit of work on success.
	Committer interface {
		Commit(ctx context.Context) error
	}
	// Rollbacker abandons the unit of work on failure.
	Rollbacker interface {
		Rollback(ctx context.Context) error
	}
	// ResourceFreer runs during the free phase.
	ResourceFreer interface {
		FreeResources()
	}
)

// ServerObjectFactory constructs one server object per RPC operation.
type ServerObjectFactory func(req *RPCRequest, rt *Runtime) (interface{}, error)

var (
	serverObjectsMu sync.Mutex
	serverObjects   = make(map[string]ServerObjectFactory)
)

// RegisterServerObject makes a factory reachable from RPC requests by
// class name. The registry is populated at program start; there is no
// dynamic loading on the request path.
func RegisterServerObject(className string, factory ServerObjectFactory) {
	serverObjectsMu.Lock()
	defer serverObjectsMu.Unlock()
	if factory == nil {
		panic("dsbroker: RegisterServerObject factory is nil")
	}
	if _, dup := serverObjects[className]; dup {
		panic("dsbroker: RegisterServerObject called twice for " + className)
	}
	serverObjects[className] = factory
}

// RegisteredServerObjects lists the registered class names sorted.
func RegisteredServerObjects() []string {
	serverObjectsMu.Lock()
	defer serverObjectsMu.Unlock()
	out := make([]string, 0, len(serverObjects))
	for name := range serverObjects {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RPCOperation drives one RPC request against a registered server
// object. A request with no class name has no object; its execute
// phase echoes the request data with success status.
type RPCOperation struct {
	rt  *Runtime
	req *RPCRequest
	log logger.Logger

	obj interface{}
}

// NewRPCOperation wraps a parsed RPC request.
func NewRPCOperation(rt *Runtime, req *RPCRequest, log logger.Logger) *RPCOperation {
	if log == nil {
		log = logger.NopLogger
	}
	return &RPCOperation{rt: rt, req: req, log: log}
}

func (op *RPCOperation) Init(ctx context.Context) error {
	if op.req.ClassName == "" {
		return nil
	}
	serverObjectsMu.Lock()
	factory, ok := serverObjects[op.req.ClassName]
	serverObjectsMu.Unlock()
	if !ok {
		return NewErrUnknownServerObject(op.req.ClassName)
	}
	obj, err := factory(op.req, op.rt)
	if err != nil {
		return err
	}
	op.obj = obj
	if init, ok := obj.(ServerObjectInitializer); ok {
		return init.Init(ctx, op.req)
	}
	return nil
}

func (op *RPCOperation) Execute(ctx context.Context) Response {
	withStack := op.rt.ExceptionStacktrace()
	if op.obj == nil {
		return NewRPCResponse(op.req.Data)
	}

	if starter, ok := op.obj.(TransactionStarter); ok {
		if err := starter.StartTransaction(ctx); err != nil {
			op.log.Errorf("starting transaction for server object '%s': %v", op.req.ClassName, err)
			return NewFailureRPCResponse(err, withStack)
		}
	}

	result, err := op.call(ctx)
	if err != nil {
		op.rollback(ctx)
		op.log.Errorf("calling server object '%s': %v", op.req.ClassName, err)
		return NewFailureRPCResponse(err, withStack)
	}

	if committer, ok := op.obj.(Committer); ok {
		if err := committer.Commit(ctx); err != nil {
			err = NewErrTransactionFailed(err)
			op.rollback(ctx)
			op.log.Errorf("committing server object '%s': %v", op.req.ClassName, err)
			return NewFailureRPCResponse(err, withStack)
		}
	}
	return NewRPCResponse(result)
}

func (op *RPCOperation) call(ctx context.Context) (interface{}, error) {
	if op.req.MethodName != "" {
		invoker, ok := op.obj.(Invoker)
		if !ok {
			return nil, NewErrUnknownMethod(op.req.ClassName, op.req.MethodName)
		}
		return invoker.Invoke(ctx, op.req.MethodName, op.req)
	}
	if exec, ok := op.obj.(RPCExecutor); ok {
		return exec.Execute(ctx, op.req)
	}
	// No callable surface at all: echo the request data.
	return op.req.Data, nil
}

func (op *RPCOperation) rollback(ctx context.Context) {
	if rb, ok := op.obj.(Rollbacker); ok {
		if err := rb.Rollback(ctx); err != nil {
			op.log.Errorf("rolling back server object '%s': %v", op.req.ClassName, err)
		}
	}
}

func (op *RPCOperation) FreeResources() {
	if op.obj == nil {
		return
	}
	if freer, ok := op.obj.(ResourceFreer); ok {
		freer.FreeResources()
	}
	op.obj = nil
}
