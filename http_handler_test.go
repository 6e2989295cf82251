package dsbroker

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsbroker/dsbroker/logger"
)

func newTestHandler(t *testing.T, rt *Runtime, opts ...handlerOption) *Handler {
	t.Helper()
	ln, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	opts = append([]handlerOption{
		OptHandlerRuntime(rt),
		OptHandlerListener(ln, "http://"+ln.Addr().String()),
		OptHandlerLogger(logger.NopLogger),
	}, opts...)
	h, err := NewHandler(opts...)
	require.NoError(t, err)
	return h
}

func TestHandlerRequiredOptions(t *testing.T) {
	_, err := NewHandler()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OptHandlerRuntime")

	rt := newMemRuntime(t, &memBackend{})
	_, err = NewHandler(OptHandlerRuntime(rt))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OptHandlerListener")
}

func TestHandlerVersion(t *testing.T) {
	h := newTestHandler(t, newMemRuntime(t, &memBackend{}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Version string `json:"version"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, VersionInfo(), body.Version)
}

func TestHandlerStatus(t *testing.T) {
	h := newTestHandler(t, newMemRuntime(t, &memBackend{}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		State         string   `json:"state"`
		ServerTypes   []string `json:"serverTypes"`
		ServerObjects []string `json:"serverObjects"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "UP", body.State)
	// Only types registered in this binary appear; the sql type lives in
	// the sqlds package, which servers blank-import.
	assert.Contains(t, body.ServerTypes, ServerTypeGeneric)
	assert.Contains(t, body.ServerTypes, ServerTypeJSON)
	assert.Contains(t, body.ServerTypes, "memtest")
	assert.Contains(t, body.ServerObjects, "testEcho")
}

func TestHandlerDataSourceLoader(t *testing.T) {
	h := newTestHandler(t, newMemRuntime(t, &memBackend{}))

	t.Run("serves descriptors as javascript", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
			"/isomorphic/DataSourceLoader?dataSource=country,%20country,$systemSchema", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/javascript; charset=UTF-8", rec.Header().Get("Content-Type"))
		assertNoCacheHeaders(t, rec)

		body := rec.Body.String()
		// Duplicates and the system schema are filtered out.
		assert.Equal(t, 1, strings.Count(body, "isc.DataSource.create("), "body %q", body)
		assert.Contains(t, body, `"ID":"country"`)
		assert.True(t, strings.HasSuffix(body, ");\n"), "body %q", body)
	})

	t.Run("missing descriptor fails the whole payload", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
			"/isomorphic/DataSourceLoader?dataSource=country,missing", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("no ids", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
			"/isomorphic/DataSourceLoader?dataSource=$systemSchema", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandlerIDACallFetch(t *testing.T) {
	b := &memBackend{
		fetch: func(req *DSRequest) (*DSResponse, error) {
			resp := NewDSResponse()
			resp.Data = []Record{{"id": 1, "name": "France", "continent": "Europe", "parent": nil}}
			resp.EndRow = 1
			resp.TotalRows = 1
			return resp, nil
		},
	}
	h := newTestHandler(t, newMemRuntime(t, b))

	tx := `{"transaction":{
		"transactionNum": 3,
		"operations": [{"appID": "builtin", "operation": "country_fetch"}]
	}}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/isomorphic/IDACall?isc_rpc=1&isc_xhr=1&_transaction="+url.QueryEscape(tx), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.HasPrefix(body, RPCResponseStart), "body %q", body)
	require.True(t, strings.HasSuffix(body, RPCResponseEnd), "body %q", body)

	inner := decodeBody(t, strings.TrimSuffix(strings.TrimPrefix(body, RPCResponseStart), RPCResponseEnd))
	assert.Equal(t, float64(0), inner["status"])
	assert.Equal(t, float64(1), inner["totalRows"])
}

func TestHandlerIDACallResubmit(t *testing.T) {
	h := newTestHandler(t, newMemRuntime(t, &memBackend{}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/isomorphic/IDACall?isc_rpc=1&_transaction=", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=UTF-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "parent.isc.RPCManager.retryOperation(window.name);")
}

func TestHandlerIDACallParseError(t *testing.T) {
	h := newTestHandler(t, newMemRuntime(t, &memBackend{}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/isomorphic/IDACall?isc_rpc=1&isc_xhr=1&_transaction="+url.QueryEscape("{busted"), nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), RPCResponseStart))
}

func TestHandlerRESTCallFetch(t *testing.T) {
	b := &memBackend{
		fetch: func(req *DSRequest) (*DSResponse, error) {
			resp := NewDSResponse()
			resp.Data = []Record{{"id": 1, "name": "France"}}
			resp.EndRow = 1
			resp.TotalRows = 1
			return resp, nil
		},
	}
	h := newTestHandler(t, newMemRuntime(t, b))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ds/country?continent=Europe", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec.Body.String())
	resp := body["response"].(map[string]interface{})
	assert.Equal(t, float64(0), resp["status"])
	assert.Equal(t, float64(1), resp["totalRows"])
}

func TestHandlerRESTCallUpdateByPath(t *testing.T) {
	var got *DSRequest
	b := &memBackend{
		update: func(req *DSRequest) (*DSResponse, error) {
			got = req
			resp := NewDSResponse()
			resp.Data = []Record{{"id": 7, "name": "Renamed"}}
			resp.AffectedRows = 1
			return resp, nil
		},
	}
	h := newTestHandler(t, newMemRuntime(t, b))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut,
		"/ds/country/7?name=Renamed", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, OpUpdate, got.OperationType)
	assert.Equal(t, map[string]interface{}{"id": int64(7)}, got.CriteriaMap())

	resp := decodeBody(t, rec.Body.String())["response"].(map[string]interface{})
	assert.Equal(t, float64(1), resp["affectedRows"])
}

func TestHandlerRESTCallUnknownDataSource(t *testing.T) {
	h := newTestHandler(t, newMemRuntime(t, &memBackend{}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ds/missing", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeBody(t, rec.Body.String())["response"].(map[string]interface{})
	assert.Equal(t, float64(-1), resp["status"])
	assert.Contains(t, resp["data"], "missing")
}

func TestHandlerRouteOverride(t *testing.T) {
	h := newTestHandler(t, newMemRuntime(t, &memBackend{}),
		OptHandlerRoutes("/legacy/IDACall", "", "/legacy/loader"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/legacy/IDACall?isc_rpc=1&_transaction=", nil))
	assert.Contains(t, rec.Body.String(), "retryOperation")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/isomorphic/IDACall", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
