package server

import (
	"time"

	"github.com/dsbroker/dsbroker"
	"github.com/dsbroker/dsbroker/pool"
	"github.com/dsbroker/dsbroker/toml"
)

// PoolConfig is the TOML shape of a resource pool policy.
type PoolConfig struct {
	// MaxOpen caps resources per pool; zero takes the built-in default.
	MaxOpen int `toml:"max-open"`
	// AcquireTimeout bounds how long a request waits for a free resource.
	AcquireTimeout toml.Duration `toml:"acquire-timeout"`
}

func (p PoolConfig) poolConfig() pool.Config {
	return pool.Config{
		MaxOpen:        p.MaxOpen,
		AcquireTimeout: time.Duration(p.AcquireTimeout),
	}
}

// DBConnConfig describes one named database under [db.conns.<name>].
type DBConnConfig struct {
	// Type is the SQL dialect: mysql, postgresql or sqlserver.
	Type string `toml:"type"`
	// Factory overrides the database/sql driver name derived from Type.
	Factory string `toml:"factory"`
	// Connection is the driver DSN.
	Connection string `toml:"connection"`

	Pool PoolConfig `toml:"pool"`
}

// Config represents the configuration for the command.
type Config struct {
	// Bind is the host:port on which the broker will listen.
	Bind string `toml:"bind"`

	// LogPath configures where the broker will write logs.
	LogPath string `toml:"log-path"`

	// Verbose toggles verbose logging which can be useful for debugging.
	Verbose bool `toml:"verbose"`

	// HTTP Handler options
	Handler struct {
		// CORS Allowed Origins
		AllowedOrigins []string `toml:"allowed-origins"`
	} `toml:"handler"`

	DB struct {
		// DefaultDatabase is used by data sources whose descriptor names
		// no dbName.
		DefaultDatabase string                  `toml:"default-database"`
		Conns           map[string]DBConnConfig `toml:"conns"`
	} `toml:"db"`

	DataSource struct {
		// Path is the directory descriptor files and JSON data files are
		// read from.
		Path string `toml:"path"`
		// StrictSQLFiltering turns off lenient null handling in compiled
		// criteria.
		StrictSQLFiltering bool       `toml:"strict-sql-filtering"`
		Pool               PoolConfig `toml:"pool"`
	} `toml:"datasource"`

	Rest struct {
		JSONPrefix                 string `toml:"json-prefix"`
		JSONSuffix                 string `toml:"json-suffix"`
		WrapJSONResponses          bool   `toml:"wrap-json-responses"`
		DynamicDataFormatParamName string `toml:"dynamic-data-format-param-name"`
	} `toml:"rest"`

	RPC struct {
		Exception struct {
			// Stacktrace attaches server stack traces to failed RPC
			// responses. Leave off outside development.
			Stacktrace bool `toml:"stacktrace"`
		} `toml:"exception"`
	} `toml:"rpc"`

	Router struct {
		IDACall          string `toml:"ida-call"`
		RESTCall         string `toml:"rest-call"`
		DataSourceLoader string `toml:"data-source-loader"`
	} `toml:"router"`
}

// NewConfig returns an instance of Config with default options.
func NewConfig() *Config {
	c := &Config{
		Bind: ":8080",
	}
	c.DataSource.Path = "datasources"

	rest := dsbroker.NewRestConfig()
	c.Rest.JSONPrefix = rest.JSONPrefix
	c.Rest.JSONSuffix = rest.JSONSuffix
	c.Rest.DynamicDataFormatParamName = rest.DynamicDataFormatParamName

	c.Router.IDACall = dsbroker.DefaultIDACallPath
	c.Router.RESTCall = dsbroker.DefaultRESTCallPath
	c.Router.DataSourceLoader = dsbroker.DefaultDataSourceLoaderPath
	return c
}

func (c *Config) restConfig() dsbroker.RestConfig {
	return dsbroker.RestConfig{
		JSONPrefix:                 c.Rest.JSONPrefix,
		JSONSuffix:                 c.Rest.JSONSuffix,
		WrapJSONResponses:          c.Rest.WrapJSONResponses,
		DynamicDataFormatParamName: c.Rest.DynamicDataFormatParamName,
	}
}

func (c *Config) dbConfigs() map[string]pool.DBConfig {
	if len(c.DB.Conns) == 0 {
		return nil
	}
	out := make(map[string]pool.DBConfig, len(c.DB.Conns))
	for name, cfg := range c.DB.Conns {
		out[name] = pool.DBConfig{
			Type:       cfg.Type,
			Factory:    cfg.Factory,
			Connection: cfg.Connection,
			Pool:       cfg.Pool.poolConfig(),
		}
	}
	return out
}
