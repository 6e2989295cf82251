package dsbroker

import (
	"encoding/json"
	"fmt"

	"github.com/dsbroker/dsbroker/errors"
)

// Status is the client-visible outcome code carried by every response.
type Status int

const (
	StatusSuccess           Status = 0
	StatusFailure           Status = -1
	StatusValidationError   Status = -4
	StatusTransactionFailed Status = -10
)

// StatusOf maps an operation error to its response status.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrTransactionFailed):
		return StatusTransactionFailed
	case errors.Is(err, ErrMissingPrimaryKey):
		return StatusValidationError
	default:
		return StatusFailure
	}
}

// Response is the per-operation result slot of a transaction. Concrete
// kinds are DSResponse and RPCResponse.
type Response interface {
	ResponseStatus() Status
	SetQueueStatus(Status)
	// BodyMap exposes the serializable members for non-JSON transports.
	BodyMap() map[string]interface{}
	fmt.Stringer
}

// DSResponse answers a DS operation.
type DSResponse struct {
	Status          Status              `json:"status"`
	QueueStatus     *Status             `json:"queueStatus,omitempty"`
	Data            interface{}         `json:"data"`
	StartRow        int64               `json:"startRow"`
	EndRow          int64               `json:"endRow"`
	TotalRows       int64               `json:"totalRows"`
	AffectedRows    int64               `json:"affectedRows"`
	InvalidateCache bool                `json:"invalidateCache"`
	Errors          map[string][]string `json:"errors,omitempty"`
	IsDSResponse    bool                `json:"isDSResponse"`
}

// NewDSResponse returns an empty success response.
func NewDSResponse() *DSResponse {
	return &DSResponse{Status: StatusSuccess, IsDSResponse: true}
}

// NewFailureDSResponse wraps an operation error as a response slot. The
// error message travels in the data member the way the original servlet
// reported failures.
func NewFailureDSResponse(err error) *DSResponse {
	return &DSResponse{
		Status:       StatusOf(err),
		Data:         err.Error(),
		IsDSResponse: true,
	}
}

// NewValidationErrorDSResponse reports per-field validation failures.
func NewValidationErrorDSResponse(fieldErrors map[string][]string) *DSResponse {
	return &DSResponse{
		Status:       StatusValidationError,
		Errors:       fieldErrors,
		IsDSResponse: true,
	}
}

func (r *DSResponse) ResponseStatus() Status { return r.Status }

func (r *DSResponse) SetQueueStatus(s Status) { r.QueueStatus = &s }

func (r *DSResponse) BodyMap() map[string]interface{} {
	m := map[string]interface{}{
		"status":          int(r.Status),
		"data":            r.Data,
		"startRow":        r.StartRow,
		"endRow":          r.EndRow,
		"totalRows":       r.TotalRows,
		"affectedRows":    r.AffectedRows,
		"invalidateCache": r.InvalidateCache,
		"isDSResponse":    true,
	}
	if r.QueueStatus != nil {
		m["queueStatus"] = int(*r.QueueStatus)
	}
	if len(r.Errors) > 0 {
		m["errors"] = r.Errors
	}
	return m
}

func (r *DSResponse) String() string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"status":%d}`, StatusFailure)
	}
	return string(b)
}

// RPCResponse answers an RPC operation.
type RPCResponse struct {
	Status      Status      `json:"status"`
	QueueStatus *Status     `json:"queueStatus,omitempty"`
	Data        interface{} `json:"data"`
	Stacktrace  string      `json:"stacktrace,omitempty"`
}

// NewRPCResponse returns a success response carrying data.
func NewRPCResponse(data interface{}) *RPCResponse {
	return &RPCResponse{Status: StatusSuccess, Data: data}
}

// NewFailureRPCResponse wraps an RPC error; withStack attaches the full
// error chain for clients configured to receive it.
func NewFailureRPCResponse(err error, withStack bool) *RPCResponse {
	resp := &RPCResponse{
		Status: StatusOf(err),
		Data:   err.Error(),
	}
	if withStack {
		resp.Stacktrace = fmt.Sprintf("%+v", err)
	}
	return resp
}

func (r *RPCResponse) ResponseStatus() Status { return r.Status }

func (r *RPCResponse) SetQueueStatus(s Status) { r.QueueStatus = &s }

func (r *RPCResponse) BodyMap() map[string]interface{} {
	m := map[string]interface{}{
		"status": int(r.Status),
		"data":   r.Data,
	}
	if r.QueueStatus != nil {
		m["queueStatus"] = int(*r.QueueStatus)
	}
	if r.Stacktrace != "" {
		m["stacktrace"] = r.Stacktrace
	}
	return m
}

func (r *RPCResponse) String() string {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"status":%d}`, StatusFailure)
	}
	return string(b)
}
