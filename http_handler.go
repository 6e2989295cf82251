package dsbroker

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/dsbroker/dsbroker/errors"
	"github.com/dsbroker/dsbroker/logger"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// Default route paths. The IDA and loader paths mirror the URL layout
// legacy clients are deployed with; the REST path is the broker's own.
const (
	DefaultIDACallPath          = "/isomorphic/IDACall"
	DefaultRESTCallPath         = "/ds"
	DefaultDataSourceLoaderPath = "/isomorphic/DataSourceLoader"
)

// SystemSchemaID is the reserved descriptor id the loader never serves.
const SystemSchemaID = "$systemSchema"

// Handler represents an HTTP handler.
type Handler struct {
	Handler http.Handler

	logger logger.Logger

	rt        *Runtime
	formatter *Formatter

	ln net.Listener
	// url holds the advertise bind address for a startup log line.
	url string

	closeTimeout time.Duration

	server *http.Server

	middleware []func(http.Handler) http.Handler

	idaCallPath          string
	restCallPath         string
	dataSourceLoaderPath string

	start time.Time
}

// handlerOption is a functional option type for Handler
type handlerOption func(h *Handler) error

func OptHandlerMiddleware(middleware func(http.Handler) http.Handler) handlerOption {
	return func(h *Handler) error {
		h.middleware = append(h.middleware, middleware)
		return nil
	}
}

func OptHandlerAllowedOrigins(origins []string) handlerOption {
	return func(h *Handler) error {
		h.middleware = append(h.middleware, handlers.CORS(
			handlers.AllowedOrigins(origins),
			handlers.AllowedHeaders([]string{"Content-Type"}),
		))
		return nil
	}
}

func OptHandlerLogger(logger logger.Logger) handlerOption {
	return func(h *Handler) error {
		h.logger = logger
		return nil
	}
}

// OptHandlerRuntime attaches the broker runtime. This option is
// mandatory.
func OptHandlerRuntime(rt *Runtime) handlerOption {
	return func(h *Handler) error {
		h.rt = rt
		return nil
	}
}

// OptHandlerListener sets the listener that will be used by the HTTP
// server. Url must be the advertised URL; it is logged at startup. This
// option is mandatory.
func OptHandlerListener(ln net.Listener, url string) handlerOption {
	return func(h *Handler) error {
		h.ln = ln
		h.url = url
		return nil
	}
}

// OptHandlerCloseTimeout controls how long to wait for the http Server
// to shutdown cleanly before forcibly destroying it. Default is 30
// seconds.
func OptHandlerCloseTimeout(d time.Duration) handlerOption {
	return func(h *Handler) error {
		h.closeTimeout = d
		return nil
	}
}

// OptHandlerRoutes overrides the paths the three broker endpoints are
// served on. Empty strings keep the defaults.
func OptHandlerRoutes(idaCall, restCall, dataSourceLoader string) handlerOption {
	return func(h *Handler) error {
		if idaCall != "" {
			h.idaCallPath = idaCall
		}
		if restCall != "" {
			h.restCallPath = restCall
		}
		if dataSourceLoader != "" {
			h.dataSourceLoaderPath = dataSourceLoader
		}
		return nil
	}
}

// NewHandler returns a new instance of Handler with a default logger.
func NewHandler(opts ...handlerOption) (*Handler, error) {
	handler := &Handler{
		logger:               logger.NopLogger,
		closeTimeout:         time.Second * 30,
		idaCallPath:          DefaultIDACallPath,
		restCallPath:         DefaultRESTCallPath,
		dataSourceLoaderPath: DefaultDataSourceLoaderPath,
		start:                time.Now(),
	}

	for _, opt := range opts {
		err := opt(handler)
		if err != nil {
			return nil, errors.Wrap(err, "applying option")
		}
	}
	if handler.rt == nil {
		return nil, errors.New(ErrConfigInvalid, "must pass OptHandlerRuntime")
	}
	if handler.ln == nil {
		return nil, errors.New(ErrConfigInvalid, "must pass OptHandlerListener")
	}
	handler.formatter = NewFormatter(handler.rt.Rest(), handler.logger)
	handler.Handler = newRouter(handler)
	handler.server = &http.Server{Handler: handler}

	return handler, nil
}

func (h *Handler) Serve() error {
	h.logger.Printf("listening as %s", h.url)
	err := h.server.Serve(h.ln)
	if err != nil && err != http.ErrServerClosed {
		h.logger.Errorf("HTTP handler terminated with error: %s\n", err)
		return errors.Wrap(err, "serve http")
	}
	return nil
}

// Close tries to cleanly shutdown the HTTP server, and failing that,
// after a timeout, calls Server.Close.
func (h *Handler) Close() error {
	deadlineCtx, cancelFunc := context.WithDeadline(context.Background(), time.Now().Add(h.closeTimeout))
	defer cancelFunc()
	err := h.server.Shutdown(deadlineCtx)
	if err != nil {
		err = h.server.Close()
	}
	return errors.Wrap(err, "shutdown/close http server")
}

// newRouter creates a new mux http router.
func newRouter(handler *Handler) http.Handler {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/version", handler.handleGetVersion).Methods("GET").Name("GetVersion")
	router.HandleFunc("/status", handler.handleGetStatus).Methods("GET").Name("GetStatus")
	router.HandleFunc(handler.dataSourceLoaderPath, handler.handleDataSourceLoader).Methods("GET").Name("DataSourceLoader")
	router.HandleFunc(handler.idaCallPath, handler.handleIDACall).Name("IDACall")
	router.PathPrefix(handler.restCallPath).HandlerFunc(handler.handleRESTCall).Name("RESTCall")

	var h http.Handler = router
	for _, middleware := range handler.middleware {
		h = middleware(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if err := recover(); err != nil {
			stack := debug.Stack()
			h.logger.Errorf("handler panic: %s %s: %v\n%s", r.Method, r.URL.String(), err, stack)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}()
	h.Handler.ServeHTTP(w, r)
}

// requestLogger derives a logger whose lines carry a short request id,
// so interleaved transactions stay readable in one log stream.
func (h *Handler) requestLogger() logger.Logger {
	return h.logger.WithPrefix("req=" + uuid.NewString()[:8] + " ")
}

func (h *Handler) handleIDACall(w http.ResponseWriter, r *http.Request) {
	statTransactions.WithLabelValues("ida").Inc()
	log := h.requestLogger()

	call, err := ParseIDACall(r, log)
	if err != nil {
		if errors.Is(err, ErrResubmit) {
			statResubmits.Inc()
			h.formatter.WriteResubmit(w, call)
			return
		}
		statTopLevelErrors.WithLabelValues("ida").Inc()
		h.formatter.WriteTopLevelError(w, call, err)
		return
	}
	h.runTransaction(w, r, call, "ida", log)
}

func (h *Handler) handleRESTCall(w http.ResponseWriter, r *http.Request) {
	statTransactions.WithLabelValues("rest").Inc()
	log := h.requestLogger()

	call, err := ParseRESTCall(r, h.restCallPath, h.rt.Rest(), log)
	if err != nil {
		statTopLevelErrors.WithLabelValues("rest").Inc()
		h.formatter.WriteTopLevelError(w, call, err)
		return
	}
	h.runTransaction(w, r, call, "rest", log)
}

func (h *Handler) runTransaction(w http.ResponseWriter, r *http.Request, call *Call, frontend string, log logger.Logger) {
	m := NewRPCManager(h.rt, call.Transaction, log)
	responses, err := m.Execute(r.Context())
	if err != nil {
		statTopLevelErrors.WithLabelValues(frontend).Inc()
		h.formatter.WriteTopLevelError(w, call, err)
		return
	}
	h.formatter.WriteResponses(w, call, responses)
}

// handleDataSourceLoader serves descriptor definitions as JavaScript:
// one isc.DataSource.create({...}); statement per requested id. Ids are
// de-duplicated and the reserved system schema is skipped. Descriptors
// load in parallel; one missing descriptor fails the whole payload, a
// partial load would leave the client with silently unbound components.
func (h *Handler) handleDataSourceLoader(w http.ResponseWriter, r *http.Request) {
	var ids []string
	seen := make(map[string]bool)
	for _, id := range strings.Split(r.URL.Query().Get("dataSource"), ",") {
		id = strings.TrimSpace(id)
		if id == "" || id == SystemSchemaID || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		http.Error(w, "no dataSource given", http.StatusBadRequest)
		return
	}

	descs := make([]*DataSourceDescriptor, len(ids))
	g, _ := errgroup.WithContext(r.Context())
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			d, err := h.rt.Descriptors().Load(id)
			if err != nil {
				return err
			}
			descs[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		h.logger.Errorf("loading descriptors %v: %v", ids, err)
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	writeNoCacheHeaders(w.Header())
	w.Header().Set("Content-Type", "application/javascript; charset=UTF-8")
	for _, d := range descs {
		data, err := json.Marshal(d)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if _, err := w.Write(append(append([]byte("isc.DataSource.create("), data...), []byte(");\n")...)); err != nil {
			h.logger.Errorf("writing loader payload: %v", err)
			return
		}
	}
}

func (h *Handler) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(struct {
		Version string `json:"version"`
	}{Version: VersionInfo()})
	if err != nil {
		h.logger.Errorf("write version response error: %s", err)
	}
}

func (h *Handler) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	status := struct {
		State         string   `json:"state"`
		Uptime        string   `json:"uptime"`
		ServerTypes   []string `json:"serverTypes"`
		ServerObjects []string `json:"serverObjects"`
	}{
		State:         "UP",
		Uptime:        time.Since(h.start).Truncate(time.Second).String(),
		ServerTypes:   RegisteredServerTypes(),
		ServerObjects: RegisteredServerObjects(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.logger.Errorf("write status response error: %s", err)
	}
}
