package dsbroker

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsbroker/dsbroker/errors"
	"github.com/dsbroker/dsbroker/logger"
)

// testServerObject implements every optional capability and records the
// calls it receives.
type testServerObject struct {
	starts    int
	commits   int
	rollbacks int
	frees     int

	invokeErr error
	commitErr error
}

func (o *testServerObject) StartTransaction(ctx context.Context) error {
	o.starts++
	return nil
}

func (o *testServerObject) Invoke(ctx context.Context, method string, req *RPCRequest) (interface{}, error) {
	if o.invokeErr != nil {
		return nil, o.invokeErr
	}
	return map[string]interface{}{"method": method, "echo": req.Data}, nil
}

func (o *testServerObject) Commit(ctx context.Context) error {
	o.commits++
	return o.commitErr
}

func (o *testServerObject) Rollback(ctx context.Context) error {
	o.rollbacks++
	return nil
}

func (o *testServerObject) FreeResources() { o.frees++ }

// currentServerObject is handed out by the test factories below.
var currentServerObject *testServerObject

func init() {
	RegisterServerObject("testEcho", func(req *RPCRequest, rt *Runtime) (interface{}, error) {
		return currentServerObject, nil
	})
	// A server object with no callable surface at all.
	RegisterServerObject("testPlain", func(req *RPCRequest, rt *Runtime) (interface{}, error) {
		return struct{}{}, nil
	})
}

func newRPCTestRuntime(t *testing.T, opts ...RuntimeOption) *Runtime {
	t.Helper()
	rt, err := NewRuntime(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt
}

func TestRPCOperationEcho(t *testing.T) {
	rt := newRPCTestRuntime(t)
	op := NewRPCOperation(rt, &RPCRequest{Data: map[string]interface{}{"ping": true}}, logger.NopLogger)

	require.NoError(t, op.Init(context.Background()))
	resp := op.Execute(context.Background()).(*RPCResponse)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, map[string]interface{}{"ping": true}, resp.Data)
	op.FreeResources()
}

func TestRPCOperationUnknownClass(t *testing.T) {
	rt := newRPCTestRuntime(t)
	op := NewRPCOperation(rt, &RPCRequest{ClassName: "NoSuchService"}, logger.NopLogger)

	err := op.Init(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownServerObject), "got %v", err)
}

func TestRPCOperationInvoke(t *testing.T) {
	rt := newRPCTestRuntime(t)
	currentServerObject = &testServerObject{}

	op := NewRPCOperation(rt, &RPCRequest{
		ClassName:  "testEcho",
		MethodName: "lookup",
		Data:       "payload",
	}, logger.NopLogger)

	require.NoError(t, op.Init(context.Background()))
	resp := op.Execute(context.Background()).(*RPCResponse)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, map[string]interface{}{"method": "lookup", "echo": "payload"}, resp.Data)

	assert.Equal(t, 1, currentServerObject.starts)
	assert.Equal(t, 1, currentServerObject.commits)
	assert.Equal(t, 0, currentServerObject.rollbacks)

	op.FreeResources()
	assert.Equal(t, 1, currentServerObject.frees)
	// A second free is a no-op.
	op.FreeResources()
	assert.Equal(t, 1, currentServerObject.frees)
}

func TestRPCOperationInvokeFailure(t *testing.T) {
	rt := newRPCTestRuntime(t)
	currentServerObject = &testServerObject{invokeErr: fmt.Errorf("lookup exploded")}

	op := NewRPCOperation(rt, &RPCRequest{ClassName: "testEcho", MethodName: "lookup"}, logger.NopLogger)
	require.NoError(t, op.Init(context.Background()))

	resp := op.Execute(context.Background()).(*RPCResponse)
	assert.Equal(t, StatusFailure, resp.Status)
	assert.Contains(t, resp.Data, "lookup exploded")
	assert.Empty(t, resp.Stacktrace)
	assert.Equal(t, 1, currentServerObject.rollbacks)
	assert.Equal(t, 0, currentServerObject.commits)
}

func TestRPCOperationStacktrace(t *testing.T) {
	rt := newRPCTestRuntime(t, OptRuntimeExceptionStacktrace(true))
	currentServerObject = &testServerObject{invokeErr: errors.New("ErrBoom", "lookup exploded")}

	op := NewRPCOperation(rt, &RPCRequest{ClassName: "testEcho", MethodName: "lookup"}, logger.NopLogger)
	require.NoError(t, op.Init(context.Background()))

	resp := op.Execute(context.Background()).(*RPCResponse)
	assert.Equal(t, StatusFailure, resp.Status)
	assert.NotEmpty(t, resp.Stacktrace)
}

func TestRPCOperationCommitFailure(t *testing.T) {
	rt := newRPCTestRuntime(t)
	currentServerObject = &testServerObject{commitErr: fmt.Errorf("deadlock")}

	op := NewRPCOperation(rt, &RPCRequest{ClassName: "testEcho", MethodName: "lookup"}, logger.NopLogger)
	require.NoError(t, op.Init(context.Background()))

	resp := op.Execute(context.Background()).(*RPCResponse)
	assert.Equal(t, StatusTransactionFailed, resp.Status)
	assert.Equal(t, 1, currentServerObject.rollbacks)
}

func TestRPCOperationMethodWithoutInvoker(t *testing.T) {
	rt := newRPCTestRuntime(t)
	op := NewRPCOperation(rt, &RPCRequest{ClassName: "testPlain", MethodName: "anything"}, logger.NopLogger)
	require.NoError(t, op.Init(context.Background()))

	resp := op.Execute(context.Background()).(*RPCResponse)
	assert.Equal(t, StatusFailure, resp.Status)
	assert.Contains(t, resp.Data, "no callable method 'anything'")
}

func TestRPCOperationNoCallableSurfaceEchoes(t *testing.T) {
	rt := newRPCTestRuntime(t)
	op := NewRPCOperation(rt, &RPCRequest{ClassName: "testPlain", Data: "x"}, logger.NopLogger)
	require.NoError(t, op.Init(context.Background()))

	resp := op.Execute(context.Background()).(*RPCResponse)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, "x", resp.Data)
}

func TestRegisteredServerObjects(t *testing.T) {
	names := RegisteredServerObjects()
	assert.Contains(t, names, "testEcho")
	assert.Contains(t, names, "testPlain")
}
