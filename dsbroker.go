// Package dsbroker is a server-side runtime that brokers structured
// data requests and RPC calls between browser clients and pluggable
// back ends. Transactions arrive as JSON or XML envelopes over HTTP,
// fan out into per-operation lifecycles, and come back as an
// order-aligned list of responses.
package dsbroker

import (
	"github.com/dsbroker/dsbroker/logger"
	"github.com/dsbroker/dsbroker/pool"
)

// RestConfig controls the REST front end's response shaping.
type RestConfig struct {
	// JSONPrefix and JSONSuffix wrap JSON bodies to defeat script-tag
	// hijacking when WrapJSONResponses is on.
	JSONPrefix        string
	JSONSuffix        string
	WrapJSONResponses bool
	// DynamicDataFormatParamName is the query parameter clients use to
	// pick the response format.
	DynamicDataFormatParamName string
}

// Standard wrapper markers clients strip from wrapped JSON bodies.
const (
	DefaultJSONPrefix = `<SCRIPT>//'"]]>>isc_JSONResponseStart>>`
	DefaultJSONSuffix = `//isc_JSONResponseEnd`
)

// NewRestConfig returns the REST defaults: unwrapped JSON with the
// standard markers ready to turn on.
func NewRestConfig() RestConfig {
	return RestConfig{
		JSONPrefix:                 DefaultJSONPrefix,
		JSONSuffix:                 DefaultJSONSuffix,
		DynamicDataFormatParamName: "isc_dataFormat",
	}
}

// Runtime carries the process-wide state every request handler shares:
// connection pools, data source pools, the descriptor cache, and the
// toggles read from configuration. It replaces the global singletons of
// older servlet implementations; nothing in this package mutates
// process globals at request time.
type Runtime struct {
	db          *pool.DB
	sources     *DataSourcePool
	descriptors *DescriptorCache

	descriptorPath      string
	strictSQLFiltering  bool
	exceptionStacktrace bool
	rest                RestConfig
	dsPoolConfig        pool.Config

	log logger.Logger
}

// RuntimeOption configures a Runtime at construction.
type RuntimeOption func(rt *Runtime) error

// OptRuntimeLogger sets the base logger.
func OptRuntimeLogger(log logger.Logger) RuntimeOption {
	return func(rt *Runtime) error {
		rt.log = log
		return nil
	}
}

// OptRuntimeDB sets the connection pool registry.
func OptRuntimeDB(db *pool.DB) RuntimeOption {
	return func(rt *Runtime) error {
		rt.db = db
		return nil
	}
}

// OptRuntimeDescriptorPath sets the directory descriptor files and
// JSON data source files are read from.
func OptRuntimeDescriptorPath(path string) RuntimeOption {
	return func(rt *Runtime) error {
		rt.descriptorPath = path
		return nil
	}
}

// OptRuntimeStrictSQLFiltering turns off the lenient null handling in
// compiled criteria.
func OptRuntimeStrictSQLFiltering(strict bool) RuntimeOption {
	return func(rt *Runtime) error {
		rt.strictSQLFiltering = strict
		return nil
	}
}

// OptRuntimeExceptionStacktrace attaches server stack traces to failed
// RPC responses.
func OptRuntimeExceptionStacktrace(enabled bool) RuntimeOption {
	return func(rt *Runtime) error {
		rt.exceptionStacktrace = enabled
		return nil
	}
}

// OptRuntimeRest sets the REST response shaping options.
func OptRuntimeRest(rc RestConfig) RuntimeOption {
	return func(rt *Runtime) error {
		rt.rest = rc
		return nil
	}
}

// OptRuntimeDataSourcePool sets the pooling policy for data source
// instances.
func OptRuntimeDataSourcePool(cfg pool.Config) RuntimeOption {
	return func(rt *Runtime) error {
		rt.dsPoolConfig = cfg
		return nil
	}
}

// NewRuntime assembles the shared runtime. The descriptor cache and
// data source pool are created last so they observe every option.
func NewRuntime(opts ...RuntimeOption) (*Runtime, error) {
	rt := &Runtime{
		log:  logger.NopLogger,
		rest: NewRestConfig(),
	}
	for _, opt := range opts {
		if err := opt(rt); err != nil {
			return nil, err
		}
	}
	rt.descriptors = NewDescriptorCache(rt.descriptorPath, rt.log)
	rt.sources = NewDataSourcePool(rt, rt.dsPoolConfig, rt.log)
	return rt, nil
}

// Logger returns the base logger.
func (rt *Runtime) Logger() logger.Logger { return rt.log }

// DB returns the connection pool registry; nil when no db section is
// configured.
func (rt *Runtime) DB() *pool.DB { return rt.db }

// Sources returns the data source instance pool.
func (rt *Runtime) Sources() *DataSourcePool { return rt.sources }

// Descriptors returns the descriptor cache.
func (rt *Runtime) Descriptors() *DescriptorCache { return rt.descriptors }

// DescriptorPath is the directory descriptors and JSON data files live in.
func (rt *Runtime) DescriptorPath() string { return rt.descriptorPath }

// StrictSQLFiltering reports whether criteria compile in strict mode.
func (rt *Runtime) StrictSQLFiltering() bool { return rt.strictSQLFiltering }

// ExceptionStacktrace reports whether RPC failures carry stack traces.
func (rt *Runtime) ExceptionStacktrace() bool { return rt.exceptionStacktrace }

// Rest returns the REST response shaping options.
func (rt *Runtime) Rest() RestConfig { return rt.rest }

// Close releases every pooled resource. Safe to call more than once.
func (rt *Runtime) Close() error {
	var firstErr error
	if rt.sources != nil {
		if err := rt.sources.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
