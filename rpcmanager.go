package dsbroker

import (
	"context"
	"strconv"

	"github.com/dsbroker/dsbroker/logger"
)

// RPCManager coordinates the operations of one transaction through
// three sequential phases: init, execute, free. Init stops at the first
// failure and fails the whole transaction; execute runs every operation
// and folds per-operation failures into their response slots; free is
// best-effort and only logs.
type RPCManager struct {
	rt  *Runtime
	tx  *Transaction
	log logger.Logger
	ops []Operation
}

// NewRPCManager builds the operation list for one parsed transaction.
func NewRPCManager(rt *Runtime, tx *Transaction, log logger.Logger) *RPCManager {
	if log == nil {
		log = logger.NopLogger
	}
	m := &RPCManager{rt: rt, tx: tx, log: log}
	for _, env := range tx.Operations {
		if env.DS != nil {
			m.ops = append(m.ops, NewDSOperation(rt, env.DS, log))
		} else {
			m.ops = append(m.ops, NewRPCOperation(rt, env.RPC, log))
		}
	}
	return m
}

// Operations exposes the built operation list, mostly for tests.
func (m *RPCManager) Operations() []Operation { return m.ops }

// Execute runs the three phases and returns one response per request
// operation, order-aligned. A non-nil error means the init phase failed
// and there are no per-operation responses; resources acquired up to
// that point have already been freed.
func (m *RPCManager) Execute(ctx context.Context) ([]Response, error) {
	m.log.Debugf("transaction %d: %d operations", m.tx.TransactionNum, len(m.ops))

	for i, op := range m.ops {
		if err := op.Init(ctx); err != nil {
			m.log.Errorf("init failed on operation %d, failing transaction %d: %v", i, m.tx.TransactionNum, err)
			// The failed operation may hold partially acquired
			// resources; free it along with its predecessors.
			m.free(m.ops[:i+1])
			return nil, err
		}
	}

	responses := make([]Response, len(m.ops))
	failed := false
	for i, op := range m.ops {
		resp := op.Execute(ctx)
		responses[i] = resp
		if resp.ResponseStatus() != StatusSuccess {
			failed = true
		}
		countOperation(op, resp)
	}

	queueStatus := StatusSuccess
	if failed {
		queueStatus = StatusFailure
	}
	for _, resp := range responses {
		resp.SetQueueStatus(queueStatus)
	}

	m.free(m.ops)
	return responses, nil
}

func (m *RPCManager) free(ops []Operation) {
	for _, op := range ops {
		op.FreeResources()
	}
}

func countOperation(op Operation, resp Response) {
	kind := "rpc"
	if _, ok := op.(*DSOperation); ok {
		kind = "ds"
	}
	statOperations.WithLabelValues(kind, strconv.Itoa(int(resp.ResponseStatus()))).Inc()
}
