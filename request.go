package dsbroker

import (
	"strings"

	"github.com/spf13/cast"
)

// OperationType identifies which execute path a DS operation takes.
type OperationType string

const (
	OpFetch  OperationType = "fetch"
	OpAdd    OperationType = "add"
	OpUpdate OperationType = "update"
	OpRemove OperationType = "remove"
	OpCustom OperationType = "custom"
)

// ParseOperationType reports whether s names a known operation type.
func ParseOperationType(s string) (OperationType, bool) {
	switch OperationType(s) {
	case OpFetch, OpAdd, OpUpdate, OpRemove, OpCustom:
		return OperationType(s), true
	}
	return "", false
}

// TextMatchStyle selects how scalar values in simple criteria are
// compared against text columns.
type TextMatchStyle string

const (
	MatchExact      TextMatchStyle = "exact"
	MatchExactCase  TextMatchStyle = "exactCase"
	MatchSubstring  TextMatchStyle = "substring"
	MatchStartsWith TextMatchStyle = "startsWith"
)

// DefaultTextMatchStyle returns the match style an operation uses when
// the envelope does not name one: fetches match loosely, everything
// that writes matches exactly.
func DefaultTextMatchStyle(op OperationType) TextMatchStyle {
	if op == OpFetch {
		return MatchSubstring
	}
	return MatchExact
}

// Wire sentinels. The client serializer cannot put a JavaScript null or
// empty string on some transports, so it sends these markers instead.
const (
	SentinelNull        = "__ISC_NULL__"
	SentinelEmptyString = "__ISC_EMPTY_STRING__"
)

// DecodeSentinels replaces sentinel strings with their real values
// anywhere inside a decoded envelope value.
func DecodeSentinels(v interface{}) interface{} {
	switch tv := v.(type) {
	case string:
		switch tv {
		case SentinelNull:
			return nil
		case SentinelEmptyString:
			return ""
		}
		return tv
	case []interface{}:
		for i := range tv {
			tv[i] = DecodeSentinels(tv[i])
		}
		return tv
	case map[string]interface{}:
		for k := range tv {
			tv[k] = DecodeSentinels(tv[k])
		}
		return tv
	default:
		return v
	}
}

// Transaction is one decoded request batch.
type Transaction struct {
	TransactionNum int
	JSCallback     string
	Operations     []*OperationEnvelope
}

// OperationEnvelope is one element of a transaction's operations list.
// Exactly one of DS or RPC is set.
type OperationEnvelope struct {
	DS  *DSRequest
	RPC *RPCRequest
}

// DSRequest is a structured-data operation against one data source.
type DSRequest struct {
	AppID          string
	Operation      string
	DataSourceName string
	OperationType  OperationType
	TextMatchStyle TextMatchStyle
	ComponentID    string

	Data      interface{}
	Criteria  interface{}
	Values    interface{}
	OldValues interface{}

	SortBy   []string
	StartRow *int64
	EndRow   *int64

	// RawPK is a primary key taken from a REST URL path. It is folded
	// into criteria or values once the descriptor is known.
	RawPK string

	// explicitStyle records whether the envelope named a textMatchStyle,
	// so overlays that change the operation type can re-derive the
	// default correctly.
	explicitStyle bool
}

// RPCRequest is a free-form call routed to a registered server object.
type RPCRequest struct {
	ClassName  string
	MethodName string
	Data       interface{}
}

// CriteriaMap returns the operation's criteria as a map. When the
// envelope carries no criteria member the data member doubles as
// criteria, which is how fetches arrive from bound components.
func (r *DSRequest) CriteriaMap() map[string]interface{} {
	if m := asMap(r.Criteria); m != nil {
		return m
	}
	return asMap(r.Data)
}

// ValuesMap returns the operation's new field values as a map, falling
// back to the data member the same way CriteriaMap does.
func (r *DSRequest) ValuesMap() map[string]interface{} {
	if m := asMap(r.Values); m != nil {
		return m
	}
	return asMap(r.Data)
}

// Window returns the requested row window. ok is false when the request
// carries no paging at all.
func (r *DSRequest) Window() (startRow, endRow int64, ok bool) {
	if r.StartRow == nil && r.EndRow == nil {
		return 0, 0, false
	}
	if r.StartRow != nil {
		startRow = *r.StartRow
	}
	if r.EndRow != nil {
		endRow = *r.EndRow
	}
	return startRow, endRow, true
}

func asMap(v interface{}) map[string]interface{} {
	switch tv := v.(type) {
	case map[string]interface{}:
		return tv
	case []interface{}:
		// Multi-record payloads are processed one record at a time; the
		// broker currently takes the first.
		if len(tv) > 0 {
			return asMap(tv[0])
		}
	}
	return nil
}

// splitOperationID breaks an operation identifier of the form
// "<dsName>_<opType>" at its last underscore so data source names may
// themselves contain underscores.
func splitOperationID(op string) (dsName string, opType OperationType, ok bool) {
	i := strings.LastIndex(op, "_")
	if i < 0 {
		return op, "", false
	}
	opType, ok = ParseOperationType(op[i+1:])
	if !ok {
		return op, "", false
	}
	return op[:i], opType, true
}

// decodeDSRequest builds a DSRequest from one raw envelope element.
func decodeDSRequest(m map[string]interface{}) *DSRequest {
	req := &DSRequest{
		AppID:       cast.ToString(m["appID"]),
		Operation:   cast.ToString(m["operation"]),
		ComponentID: cast.ToString(m["componentId"]),
		Data:        m["data"],
		Criteria:    m["criteria"],
		Values:      m["values"],
		OldValues:   m["oldValues"],
	}

	if name, opType, ok := splitOperationID(req.Operation); ok {
		req.DataSourceName = name
		req.OperationType = opType
	}

	// operationConfig is authoritative when present.
	if oc := asMap(m["operationConfig"]); oc != nil {
		if v := cast.ToString(oc["dataSource"]); v != "" {
			req.DataSourceName = v
		}
		if opType, ok := ParseOperationType(cast.ToString(oc["operationType"])); ok {
			req.OperationType = opType
		}
		if v := cast.ToString(oc["textMatchStyle"]); v != "" {
			req.TextMatchStyle = TextMatchStyle(v)
			req.explicitStyle = true
		}
	}
	if v := cast.ToString(m["textMatchStyle"]); v != "" {
		req.TextMatchStyle = TextMatchStyle(v)
		req.explicitStyle = true
	}
	if req.TextMatchStyle == "" {
		req.TextMatchStyle = DefaultTextMatchStyle(req.OperationType)
	}

	req.SortBy = decodeSortBy(m["sortBy"])
	req.StartRow = decodeRowNum(m["startRow"])
	req.EndRow = decodeRowNum(m["endRow"])
	return req
}

func decodeSortBy(v interface{}) []string {
	switch tv := v.(type) {
	case nil:
		return nil
	case string:
		if tv == "" {
			return nil
		}
		return strings.Split(tv, ",")
	case []interface{}:
		out := make([]string, 0, len(tv))
		for _, e := range tv {
			if s := cast.ToString(e); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		if s := cast.ToString(tv); s != "" {
			return []string{s}
		}
		return nil
	}
}

func decodeRowNum(v interface{}) *int64 {
	if v == nil {
		return nil
	}
	n, err := cast.ToInt64E(v)
	if err != nil {
		return nil
	}
	return &n
}

// classifyOperation turns one raw element of the operations list into a
// DS or RPC envelope. A plain object carrying appID and an operation
// identity is a DS request; everything else is RPC payload.
func classifyOperation(raw interface{}) *OperationEnvelope {
	switch tv := raw.(type) {
	case string:
		switch tv {
		case SentinelNull:
			return &OperationEnvelope{RPC: &RPCRequest{Data: nil}}
		case SentinelEmptyString:
			return &OperationEnvelope{RPC: &RPCRequest{Data: ""}}
		}
		return &OperationEnvelope{RPC: &RPCRequest{Data: tv}}
	case map[string]interface{}:
		_, hasAppID := tv["appID"]
		_, hasOp := tv["operation"]
		_, hasOpConfig := tv["operationConfig"]
		if (hasAppID && hasOp) || hasOpConfig {
			return &OperationEnvelope{DS: decodeDSRequest(tv)}
		}
		return &OperationEnvelope{RPC: decodeRPCRequest(tv)}
	default:
		return &OperationEnvelope{RPC: &RPCRequest{Data: raw}}
	}
}

func decodeRPCRequest(m map[string]interface{}) *RPCRequest {
	req := &RPCRequest{
		ClassName:  cast.ToString(m["className"]),
		MethodName: cast.ToString(m["methodName"]),
	}
	if data, ok := m["data"]; ok {
		req.Data = data
	} else if req.ClassName == "" && req.MethodName == "" {
		// An anonymous payload object is itself the data.
		req.Data = map[string]interface{}(m)
	}
	return req
}
