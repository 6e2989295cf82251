package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// Queryer submits one transaction document to a broker and returns the
// decoded per-operation responses.
type Queryer interface {
	Query(ctx context.Context, tx map[string]interface{}) ([]WireResponse, error)
}

// WireResponse is the client-side shape of one response slot.
type WireResponse struct {
	Status       int                      `json:"status"`
	QueueStatus  *int                     `json:"queueStatus"`
	Data         interface{}              `json:"data"`
	StartRow     int64                    `json:"startRow"`
	EndRow       int64                    `json:"endRow"`
	TotalRows    int64                    `json:"totalRows"`
	AffectedRows int64                    `json:"affectedRows"`
	Errors       map[string][]interface{} `json:"errors"`
}

// Records coerces the data member into a list of records, the shape
// fetches and writes come back in. Scalar data (error messages) yields
// nil.
func (r *WireResponse) Records() []map[string]interface{} {
	switch tv := r.Data.(type) {
	case []interface{}:
		var out []map[string]interface{}
		for _, e := range tv {
			if m, ok := e.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]interface{}:
		return []map[string]interface{}{tv}
	default:
		return nil
	}
}

// Ensure type implements interface.
var _ Queryer = (*restQueryer)(nil)

// restQueryer talks to a running broker's REST endpoint.
type restQueryer struct {
	Host     string
	Port     string
	BasePath string
}

func (qryr *restQueryer) Query(ctx context.Context, tx map[string]interface{}) ([]WireResponse, error) {
	body, err := json.Marshal(map[string]interface{}{"transaction": tx})
	if err != nil {
		return nil, errors.Wrap(err, "marshaling transaction")
	}

	url := hostPort(qryr.Host, qryr.Port) + qryr.BasePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "posting transaction")
	}
	defer resp.Body.Close()

	fullbod, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading response")
	}
	return decodeWireResponses(fullbod)
}

// decodeWireResponses handles both REST shapes: a single {response:{}}
// and the batched {responses:[{response:{}},...]}.
func decodeWireResponses(body []byte) ([]WireResponse, error) {
	var envelope struct {
		Response  *WireResponse `json:"response"`
		Responses []struct {
			Response WireResponse `json:"response"`
		} `json:"responses"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, errors.Wrapf(err, "unmarshaling response, body:\n'%s'\n", fullbodPreview(body))
	}
	if envelope.Response != nil {
		return []WireResponse{*envelope.Response}, nil
	}
	out := make([]WireResponse, len(envelope.Responses))
	for i, r := range envelope.Responses {
		out[i] = r.Response
	}
	return out, nil
}

func fullbodPreview(body []byte) string {
	const max = 512
	if len(body) > max {
		return fmt.Sprintf("%s... (%d bytes)", body[:max], len(body))
	}
	return string(body)
}
