package dsbroker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/dsbroker/dsbroker/logger"
)

// Transport framing markers the client strips from IDA bodies.
const (
	RPCResponseStart = "//isc_RPCResponseStart-->"
	RPCResponseEnd   = "//isc_RPCResponseEnd"
)

// Formatter renders a transaction's responses onto the HTTP response in
// the format and transport shape the call asked for.
type Formatter struct {
	rest RestConfig
	log  logger.Logger
}

// NewFormatter builds a formatter over the REST shaping configuration.
func NewFormatter(rest RestConfig, log logger.Logger) *Formatter {
	if log == nil {
		log = logger.NopLogger
	}
	return &Formatter{rest: rest, log: log}
}

// writeNoCacheHeaders marks every broker body uncacheable. Stale RPC
// replies replayed from a cache would desynchronize client queues.
func writeNoCacheHeaders(h http.Header) {
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "Sat, 01 Jan 2000 00:00:00 GMT")
}

// WriteResponses serializes the per-operation responses and writes them
// in the transport shape of the call: plain wrapped bodies for REST,
// framed bodies for XHR IDA calls, and the HTML trampoline for the
// hidden-frame transport.
func (f *Formatter) WriteResponses(w http.ResponseWriter, call *Call, responses []Response) {
	writeNoCacheHeaders(w.Header())

	body, contentType, err := f.serialize(call, responses)
	if err != nil {
		f.log.Errorf("serializing responses: %v", err)
		http.Error(w, "response serialization failed", http.StatusInternalServerError)
		return
	}

	switch {
	case call.REST:
		// REST bodies travel unframed.
	case call.XHR:
		body = RPCResponseStart + body + RPCResponseEnd
		contentType = "text/plain; charset=UTF-8"
	default:
		body = f.hiddenFrameBody(call, RPCResponseStart+body+RPCResponseEnd)
		contentType = "text/html; charset=UTF-8"
	}

	w.Header().Set("Content-Type", contentType)
	if _, err := w.Write([]byte(body)); err != nil {
		f.log.Errorf("writing response body: %v", err)
	}
}

// serialize renders the responses in the requested data format and
// returns the body with its content type, before any transport framing.
func (f *Formatter) serialize(call *Call, responses []Response) (string, string, error) {
	switch call.DataFormat {
	case "xml":
		return f.serializeXML(responses), "text/xml; charset=UTF-8", nil
	case "custom":
		parts := make([]string, len(responses))
		for i, resp := range responses {
			parts[i] = fmt.Sprintf("%v", resp)
		}
		return strings.Join(parts, "\n"), "text/plain; charset=UTF-8", nil
	default:
		return f.serializeJSON(call, responses)
	}
}

// marshalBody encodes doc without HTML escaping. Clients decode bodies
// with eval-era parsers that expect literal characters; hidden-frame
// transports escape for HTML at the textarea layer instead.
func marshalBody(doc interface{}) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func (f *Formatter) serializeJSON(call *Call, responses []Response) (string, string, error) {
	var doc interface{}
	switch {
	case call.REST && len(responses) == 1:
		doc = map[string]interface{}{"response": responses[0].BodyMap()}
	case call.REST:
		wrapped := make([]interface{}, len(responses))
		for i, resp := range responses {
			wrapped[i] = map[string]interface{}{"response": resp.BodyMap()}
		}
		doc = map[string]interface{}{"responses": wrapped}
	case len(responses) == 1:
		doc = responses[0].BodyMap()
	default:
		bodies := make([]interface{}, len(responses))
		for i, resp := range responses {
			bodies[i] = resp.BodyMap()
		}
		doc = bodies
	}

	body, err := marshalBody(doc)
	if err != nil {
		return "", "", err
	}
	contentType := "application/json; charset=UTF-8"
	if call.REST && f.rest.WrapJSONResponses {
		// Wrapped bodies are no longer valid JSON, so the content type
		// drops to plain text.
		body = f.rest.JSONPrefix + body + f.rest.JSONSuffix
		contentType = "text/plain; charset=UTF-8"
	}
	return body, contentType, nil
}

func (f *Formatter) serializeXML(responses []Response) string {
	var b bytes.Buffer
	if len(responses) == 1 {
		writeXMLMap(&b, "response", responses[0].BodyMap())
		return b.String()
	}
	b.WriteString("<responses>")
	for _, resp := range responses {
		writeXMLMap(&b, "response", resp.BodyMap())
	}
	b.WriteString("</responses>")
	return b.String()
}

// hiddenFrameBody embeds the framed payload in the HTML scaffold the
// hidden-iframe transport expects: the payload lands in a textarea and
// an onload handler delivers it to the parent frame.
func (f *Formatter) hiddenFrameBody(call *Call, payload string) string {
	var b bytes.Buffer
	b.WriteString("<HTML><HEAD>")
	if call.DocDomain != "" {
		fmt.Fprintf(&b, "<SCRIPT>document.domain = %q;</SCRIPT>", call.DocDomain)
	}
	b.WriteString("</HEAD><BODY ONLOAD='var results = document.formResults.results.value;")
	b.WriteString(hiddenFrameCallback(call))
	b.WriteString("'>")
	b.WriteString("<FORM name='formResults'><TEXTAREA readonly name='results' wrap='off' style='display:none'>")
	b.WriteString(html.EscapeString(payload))
	b.WriteString("</TEXTAREA></FORM></BODY></HTML>")
	return b.String()
}

// hiddenFrameCallback picks the delivery expression by the transaction's
// jscallback: the default and "iframe" reply to the parent frame,
// "iframeNewWindow" replies to the opener, and anything else is treated
// as a literal expression with `results` in scope.
func hiddenFrameCallback(call *Call) string {
	tnum := 0
	jscallback := ""
	if call.Transaction != nil {
		tnum = call.Transaction.TransactionNum
		jscallback = call.Transaction.JSCallback
	}
	switch jscallback {
	case "", "iframe":
		return fmt.Sprintf("parent.isc.Comm.hiddenFrameReply(%d,results)", tnum)
	case "iframeNewWindow":
		return fmt.Sprintf("window.opener.isc.Comm.hiddenFrameReply(%d,results)", tnum)
	default:
		return jscallback
	}
}

// WriteResubmit replies to an empty transaction envelope with the HTML
// retry trampoline. Which handler the client runs depends on how the
// request arrived: aborted XHR posts retry through handleRequestAborted,
// a request already marked as a resubmit means the post body was
// truncated, and everything else retries through the hidden frame.
func (f *Formatter) WriteResubmit(w http.ResponseWriter, call *Call) {
	writeNoCacheHeaders(w.Header())
	w.Header().Set("Content-Type", "text/html; charset=UTF-8")

	tnum := 0
	if call.Transaction != nil {
		tnum = call.Transaction.TransactionNum
	}
	var expr string
	switch {
	case call.XHR:
		expr = fmt.Sprintf("parent.isc.RPCManager.handleRequestAborted(%d)", tnum)
	case call.ResubmitMarker:
		expr = "parent.isc.RPCManager.handleMaxPostSizeExceeded(window.name)"
	default:
		expr = "parent.isc.RPCManager.retryOperation(window.name)"
	}
	body := "<HTML><BODY><SCRIPT>" + expr + ";</SCRIPT></BODY></HTML>"
	if _, err := w.Write([]byte(body)); err != nil {
		f.log.Errorf("writing resubmit body: %v", err)
	}
}

// WriteTopLevelError reports a failure that produced no per-operation
// responses, such as an unparsable envelope or a failed init phase.
func (f *Formatter) WriteTopLevelError(w http.ResponseWriter, call *Call, err error) {
	writeNoCacheHeaders(w.Header())
	f.log.Errorf("top-level error: %v", err)

	if call != nil && call.REST {
		w.Header().Set("Content-Type", "application/json; charset=UTF-8")
		w.WriteHeader(http.StatusInternalServerError)
		body, merr := marshalBody(map[string]interface{}{
			"response": map[string]interface{}{
				"status": int(StatusFailure),
				"data":   err.Error(),
			},
		})
		if merr != nil {
			body = `{"response":{"status":-1}}`
		}
		_, _ = w.Write([]byte(body))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = fmt.Fprintf(w, "%s%s%s", RPCResponseStart, err.Error(), RPCResponseEnd)
}
