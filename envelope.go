package dsbroker

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/dsbroker/dsbroker/errors"
	"github.com/dsbroker/dsbroker/logger"
	"github.com/spf13/cast"
)

// DefaultMetaDataPrefix marks REST parameters that configure the
// operation itself rather than contribute filter data.
const DefaultMetaDataPrefix = "_"

// Call is one decoded HTTP request: the transaction plus the transport
// facts the response formatter needs.
type Call struct {
	Transaction *Transaction

	// REST marks calls parsed by the REST front end; they get the
	// {response: ...} wrapping instead of IDA framing.
	REST bool
	// XHR distinguishes XMLHttpRequest transports from the hidden
	// iframe transport.
	XHR bool
	// DataFormat is json, xml or custom.
	DataFormat string
	// DocDomain is the document.domain the hidden-frame reply must set.
	DocDomain string
	// ResubmitMarker is set when the client is already retrying.
	ResubmitMarker bool

	ClientVersion string
	Locale        string
}

// IsRPCCall reports whether the request carries the RPC transport
// marker.
func IsRPCCall(r *http.Request) bool {
	return r.FormValue("isc_rpc") == "1" || strings.EqualFold(r.FormValue("is_isc_rpc"), "true")
}

// ParseIDACall decodes one request to the idaCall endpoint. The
// transaction envelope travels in the _transaction parameter, as JSON
// or XML; an empty envelope is the Resubmit signal, not an error.
func ParseIDACall(r *http.Request, log logger.Logger) (*Call, error) {
	if log == nil {
		log = logger.NopLogger
	}
	call := newCall(r, "isc_dataFormat")
	if !IsRPCCall(r) {
		return call, errors.New(ErrParseError, "request is not marked as an RPC call")
	}

	raw := r.FormValue("_transaction")
	if strings.TrimSpace(raw) == "" {
		return call, NewErrResubmit()
	}

	tx, err := parseTransaction([]byte(raw))
	if err != nil {
		return call, err
	}
	if tx.TransactionNum == 0 {
		tx.TransactionNum = cast.ToInt(r.FormValue("isc_tnum"))
	}
	call.Transaction = tx
	log.Debugf("ida call: transaction %d with %d operations", tx.TransactionNum, len(tx.Operations))
	return call, nil
}

// ParseRESTCall decodes one request to the restCall endpoint. On top of
// the envelope rules it applies the URL-path overlay and merges query
// and form parameters into each operation.
func ParseRESTCall(r *http.Request, basePath string, rest RestConfig, log logger.Logger) (*Call, error) {
	if log == nil {
		log = logger.NopLogger
	}
	dfParam := rest.DynamicDataFormatParamName
	if dfParam == "" {
		dfParam = "isc_dataFormat"
	}
	call := newCall(r, dfParam)
	call.REST = true

	query := r.URL.Query()
	bodyParams, bodyDoc, err := readRESTBody(r)
	if err != nil {
		return call, err
	}

	rawTx := query.Get("_transaction")
	if rawTx == "" && bodyParams != nil {
		rawTx = bodyParams.Get("_transaction")
	}

	var tx *Transaction
	switch {
	case strings.TrimSpace(rawTx) != "":
		if tx, err = parseTransaction([]byte(rawTx)); err != nil {
			return call, err
		}
	case bodyDoc != nil:
		// No _transaction parameter: the body document itself is the
		// transaction.
		tx = transactionFromValue(bodyDoc)
	default:
		// A bodyless REST call still describes one operation, through
		// its URL and parameters alone.
		tx = &Transaction{Operations: []*OperationEnvelope{{DS: &DSRequest{}}}}
	}
	if tx.TransactionNum == 0 {
		tx.TransactionNum = cast.ToInt(query.Get("isc_tnum"))
	}

	metaPrefix := query.Get("isc_metaDataPrefix")
	if metaPrefix == "" {
		metaPrefix = DefaultMetaDataPrefix
	}
	dsName, opType, rawPK := parseRESTPath(r.URL.Path, basePath)
	methodDefault := operationTypeForMethod(r.Method)

	for _, env := range tx.Operations {
		if env.DS == nil {
			continue
		}
		req := env.DS
		if dsName != "" {
			req.DataSourceName = dsName
		}
		if opType != "" {
			req.OperationType = opType
		} else if req.OperationType == "" {
			req.OperationType = methodDefault
		}
		if rawPK != "" {
			req.RawPK = rawPK
		}
		mergeParams(req, query, bodyParams, metaPrefix, dfParam, log)
		if !req.explicitStyle {
			req.TextMatchStyle = DefaultTextMatchStyle(req.OperationType)
		}
	}
	call.Transaction = tx
	log.Debugf("rest call: %s %s -> %d operations", r.Method, r.URL.Path, len(tx.Operations))
	return call, nil
}

func newCall(r *http.Request, dfParam string) *Call {
	q := r.URL.Query()
	df := q.Get(dfParam)
	if df == "" {
		df = "json"
	}
	dd := q.Get("isc_dd")
	if dd == "" {
		dd = q.Get("docDomain")
	}
	cv := q.Get("isc_v")
	if cv == "" {
		cv = q.Get("isc_clientVersion")
	}
	return &Call{
		XHR:            q.Get("isc_xhr") == "1" || strings.EqualFold(q.Get("xmlHttp"), "true"),
		DataFormat:     df,
		DocDomain:      dd,
		ResubmitMarker: q.Get("isc_resubmit") == "1",
		ClientVersion:  cv,
		Locale:         q.Get("locale"),
	}
}

// readRESTBody splits the request body by content type: form bodies
// become parameters, anything else is parsed as a JSON or XML document.
func readRESTBody(r *http.Request) (url.Values, interface{}, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch ct {
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, nil, NewErrParseError(err)
		}
		return r.PostForm, nil, nil
	case "multipart/form-data":
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return nil, nil, NewErrParseError(err)
		}
		return r.PostForm, nil, nil
	}

	if r.Body == nil {
		return nil, nil, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading request body")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil, nil
	}
	doc, err := parseEnvelopeValue(data)
	if err != nil {
		return nil, nil, NewErrParseError(err)
	}
	return nil, doc, nil
}

// parseEnvelopeValue decodes data first as JSON, then as XML.
func parseEnvelopeValue(data []byte) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err == nil {
		return v, nil
	}
	_, v, err := parseXMLValue(data)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func parseTransaction(data []byte) (*Transaction, error) {
	v, err := parseEnvelopeValue(data)
	if err != nil {
		return nil, NewErrParseError(err)
	}
	return transactionFromValue(v), nil
}

// transactionFromValue normalises a parsed document into a
// transaction: a {transaction: ...} wrapper is unwrapped, an object
// with an operations list is the transaction itself, and any other
// value is a single-operation transaction.
func transactionFromValue(v interface{}) *Transaction {
	m, ok := v.(map[string]interface{})
	if !ok {
		return &Transaction{Operations: []*OperationEnvelope{classify(v)}}
	}
	if inner, ok := m["transaction"].(map[string]interface{}); ok {
		m = inner
	}

	tx := &Transaction{
		TransactionNum: cast.ToInt(m["transactionNum"]),
		JSCallback:     cast.ToString(m["jscallback"]),
	}
	rawOps, present := m["operations"]
	if !present {
		tx.Operations = []*OperationEnvelope{classify(m)}
		return tx
	}
	list, ok := rawOps.([]interface{})
	if !ok {
		list = []interface{}{rawOps}
	}
	for _, raw := range list {
		tx.Operations = append(tx.Operations, classify(raw))
	}
	return tx
}

// classify decodes the sentinels and shapes of one operations-list
// element. Sentinel detection has to run before the deep decode, or a
// null RPC would be indistinguishable from an empty-string one.
func classify(raw interface{}) *OperationEnvelope {
	if _, isString := raw.(string); !isString {
		raw = DecodeSentinels(raw)
	}
	return classifyOperation(raw)
}

// parseRESTPath extracts the /<dsName>[/<opType>][/<pk>] overlay from
// the URL path below basePath.
func parseRESTPath(path, basePath string) (dsName string, opType OperationType, rawPK string) {
	path = strings.TrimPrefix(path, basePath)
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "", "", ""
	}
	dsName = parts[0]
	rest := parts[1:]
	if len(rest) > 0 {
		if ot, ok := ParseOperationType(rest[0]); ok {
			opType = ot
			rest = rest[1:]
		}
	}
	rawPK = strings.Join(rest, "/")
	return dsName, opType, rawPK
}

func operationTypeForMethod(method string) OperationType {
	switch method {
	case http.MethodPost:
		return OpAdd
	case http.MethodPut, http.MethodPatch:
		return OpUpdate
	case http.MethodDelete:
		return OpRemove
	default:
		return OpFetch
	}
}

// mergeParams folds HTTP parameters into the operation: names with the
// meta prefix configure the operation itself (each value is tried as
// JSON first), everything else lands in data. Transport parameters are
// skipped entirely.
func mergeParams(req *DSRequest, query, body url.Values, metaPrefix, dfParam string, log logger.Logger) {
	apply := func(params url.Values) {
		for name, vals := range params {
			if len(vals) == 0 || name == "_transaction" || name == dfParam || name == "isc_metaDataPrefix" || strings.HasPrefix(name, "isc_") {
				continue
			}
			v := vals[len(vals)-1]
			if strings.HasPrefix(name, metaPrefix) {
				var decoded interface{} = v
				var parsed interface{}
				if err := json.Unmarshal([]byte(v), &parsed); err == nil {
					decoded = parsed
				}
				applyMetaParam(req, strings.TrimPrefix(name, metaPrefix), decoded, log)
				continue
			}
			m, ok := req.Data.(map[string]interface{})
			if !ok {
				m = make(map[string]interface{})
				req.Data = m
			}
			m[name] = v
		}
	}
	apply(query)
	apply(body)
}

func applyMetaParam(req *DSRequest, key string, v interface{}, log logger.Logger) {
	switch key {
	case "dataSource":
		req.DataSourceName = cast.ToString(v)
	case "operationType":
		if ot, ok := ParseOperationType(cast.ToString(v)); ok {
			req.OperationType = ot
		}
	case "operationId", "operation":
		req.Operation = cast.ToString(v)
	case "textMatchStyle":
		req.TextMatchStyle = TextMatchStyle(cast.ToString(v))
		req.explicitStyle = true
	case "startRow":
		req.StartRow = decodeRowNum(v)
	case "endRow":
		req.EndRow = decodeRowNum(v)
	case "sortBy":
		req.SortBy = decodeSortBy(v)
	case "componentId":
		req.ComponentID = cast.ToString(v)
	case "criteria":
		req.Criteria = v
	case "values":
		req.Values = v
	case "oldValues":
		req.OldValues = v
	case "data":
		req.Data = v
	default:
		log.Debugf("ignoring unknown meta parameter '%s'", key)
	}
}
