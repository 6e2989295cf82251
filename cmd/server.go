package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/spf13/cobra"

	"github.com/dsbroker/dsbroker/server"
)

// Server is global so that tests can control and verify it.
var Server *server.Command

func newServeCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	Server = server.NewCommand(stdin, stdout, stderr)
	serveCmd := &cobra.Command{
		Use:   "server",
		Short: "Run the broker server.",
		Long: `dsbroker server runs the broker.

It will serve the configured IDA, REST and data source loader routes
on the configured bind address until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// The db.conns table is keyed by user-chosen names, which
			// flags cannot express; it is read straight from the file.
			if cfgPath, _ := cmd.Flags().GetString("config"); cfgPath != "" {
				if err := loadDBConns(cfgPath, Server.Config); err != nil {
					return err
				}
			}

			if err := Server.Run(); err != nil {
				return fmt.Errorf("error running server: %v", err)
			}

			// First signal causes server to shut down gracefully.
			c := make(chan os.Signal, 2)
			signal.Notify(c, os.Interrupt)
			select {
			case sig := <-c:
				fmt.Fprintf(Server.Stderr, "Received %s; gracefully shutting down...\n", sig.String())

				// Second signal causes a hard shutdown.
				go func() { <-c; os.Exit(1) }()

				if err := Server.Close(); err != nil {
					return err
				}
			case <-Server.Done:
				fmt.Fprintf(Server.Stderr, "Server closed externally\n")
			}
			return nil
		},
	}
	flags := serveCmd.Flags()

	cfg := Server.Config
	flags.StringVarP(&cfg.Bind, "bind", "b", cfg.Bind, "host:port on which the broker should listen.")
	flags.StringVar(&cfg.LogPath, "log-path", cfg.LogPath, "Log file to write to. Empty means stderr.")
	flags.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "Enable verbose logging.")
	flags.StringSliceVar(&cfg.Handler.AllowedOrigins, "handler.allowed-origins", cfg.Handler.AllowedOrigins, "Comma separated list of allowed origin URIs (for CORS).")
	flags.StringVar(&cfg.DB.DefaultDatabase, "db.default-database", cfg.DB.DefaultDatabase, "Database used by data sources that name none.")
	flags.StringVar(&cfg.DataSource.Path, "datasource.path", cfg.DataSource.Path, "Directory containing data source descriptor files.")
	flags.BoolVar(&cfg.DataSource.StrictSQLFiltering, "datasource.strict-sql-filtering", cfg.DataSource.StrictSQLFiltering, "Disable lenient null handling in compiled criteria.")
	flags.IntVar(&cfg.DataSource.Pool.MaxOpen, "datasource.pool.max-open", cfg.DataSource.Pool.MaxOpen, "Max pooled data source instances per descriptor.")
	flags.DurationVar((*time.Duration)(&cfg.DataSource.Pool.AcquireTimeout), "datasource.pool.acquire-timeout", time.Duration(cfg.DataSource.Pool.AcquireTimeout), "How long an operation waits for a pooled instance.")
	flags.StringVar(&cfg.Rest.JSONPrefix, "rest.json-prefix", cfg.Rest.JSONPrefix, "Prefix prepended to wrapped REST JSON bodies.")
	flags.StringVar(&cfg.Rest.JSONSuffix, "rest.json-suffix", cfg.Rest.JSONSuffix, "Suffix appended to wrapped REST JSON bodies.")
	flags.BoolVar(&cfg.Rest.WrapJSONResponses, "rest.wrap-json-responses", cfg.Rest.WrapJSONResponses, "Wrap REST JSON bodies with the configured prefix/suffix.")
	flags.StringVar(&cfg.Rest.DynamicDataFormatParamName, "rest.dynamic-data-format-param-name", cfg.Rest.DynamicDataFormatParamName, "Query parameter selecting the REST response format.")
	flags.BoolVar(&cfg.RPC.Exception.Stacktrace, "rpc.exception.stacktrace", cfg.RPC.Exception.Stacktrace, "Attach server stack traces to failed RPC responses.")
	flags.StringVar(&cfg.Router.IDACall, "router.ida-call", cfg.Router.IDACall, "Path the IDA transaction endpoint is served on.")
	flags.StringVar(&cfg.Router.RESTCall, "router.rest-call", cfg.Router.RESTCall, "Path prefix the REST endpoint is served on.")
	flags.StringVar(&cfg.Router.DataSourceLoader, "router.data-source-loader", cfg.Router.DataSourceLoader, "Path the data source loader is served on.")

	return serveCmd
}

// loadDBConns reads the [db.conns] table from the configuration file.
func loadDBConns(path string, cfg *server.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading configuration file '%s': %v", path, err)
	}
	var fileCfg struct {
		DB struct {
			Conns map[string]server.DBConnConfig `toml:"conns"`
		} `toml:"db"`
	}
	if err := toml.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("parsing configuration file '%s': %v", path, err)
	}
	cfg.DB.Conns = fileCfg.DB.Conns
	return nil
}
