// Package server assembles a runnable broker from its configuration:
// logger, connection pools, runtime, and the HTTP handler.
package server

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/dsbroker/dsbroker"
	"github.com/dsbroker/dsbroker/errors"
	"github.com/dsbroker/dsbroker/logger"
	"github.com/dsbroker/dsbroker/pool"

	// Registers the "sql" server type.
	_ "github.com/dsbroker/dsbroker/sqlds"
)

// Command represents the state of the dsbroker server command.
type Command struct {
	Handler *dsbroker.Handler
	Runtime *dsbroker.Runtime

	// Configuration.
	Config *Config

	// Standard input/output
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Started will be closed once Command.Run is finished.
	Started chan struct{}
	// Done will be closed when Command.Close() is called
	Done chan struct{}

	logger  logger.Logger
	logFile *logger.FileWriter
	ln      net.Listener
}

// NewCommand returns a new instance of Command.
func NewCommand(stdin io.Reader, stdout, stderr io.Writer) *Command {
	return &Command{
		Config: NewConfig(),

		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,

		Started: make(chan struct{}),
		Done:    make(chan struct{}),
	}
}

// Run sets the server up and starts serving in the background. It
// returns once the listener is bound.
func (m *Command) Run(args ...string) (err error) {
	defer close(m.Started)

	if err = m.SetupServer(); err != nil {
		return errors.Wrap(err, "setting up server")
	}

	go func() {
		if err := m.Handler.Serve(); err != nil {
			m.logger.Errorf("handler: %v", err)
		}
	}()
	fmt.Fprintf(m.Stderr, "Listening as http://%s\n", m.ln.Addr())
	return nil
}

// SetupServer uses the configuration to set up this server.
func (m *Command) SetupServer() error {
	if err := m.setupLogger(); err != nil {
		return errors.Wrap(err, "setting up logger")
	}

	var db *pool.DB
	if len(m.Config.DB.Conns) > 0 {
		db = pool.NewDB(m.Config.DB.DefaultDatabase, m.Config.dbConfigs(), m.logger)
	}

	rt, err := dsbroker.NewRuntime(
		dsbroker.OptRuntimeLogger(m.logger),
		dsbroker.OptRuntimeDB(db),
		dsbroker.OptRuntimeDescriptorPath(m.Config.DataSource.Path),
		dsbroker.OptRuntimeStrictSQLFiltering(m.Config.DataSource.StrictSQLFiltering),
		dsbroker.OptRuntimeExceptionStacktrace(m.Config.RPC.Exception.Stacktrace),
		dsbroker.OptRuntimeRest(m.Config.restConfig()),
		dsbroker.OptRuntimeDataSourcePool(m.Config.DataSource.Pool.poolConfig()),
	)
	if err != nil {
		return errors.Wrap(err, "building runtime")
	}
	m.Runtime = rt

	ln, err := net.Listen("tcp", m.Config.Bind)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", m.Config.Bind)
	}
	m.ln = ln

	handler, err := dsbroker.NewHandler(
		dsbroker.OptHandlerLogger(m.logger),
		dsbroker.OptHandlerRuntime(rt),
		dsbroker.OptHandlerListener(ln, "http://"+ln.Addr().String()),
		dsbroker.OptHandlerAllowedOrigins(m.Config.Handler.AllowedOrigins),
		dsbroker.OptHandlerRoutes(m.Config.Router.IDACall, m.Config.Router.RESTCall, m.Config.Router.DataSourceLoader),
	)
	if err != nil {
		ln.Close()
		return errors.Wrap(err, "building handler")
	}
	m.Handler = handler
	return nil
}

func (m *Command) setupLogger() error {
	w := m.Stderr
	if m.Config.LogPath != "" {
		f, err := logger.NewFileWriterMode(m.Config.LogPath, 0o644)
		if err != nil {
			return errors.Wrapf(err, "opening log file %s", m.Config.LogPath)
		}
		m.logFile = f
		w = f

		// External rotation moves the file aside and sends SIGHUP.
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGHUP)
		go func() {
			for range sigs {
				if err := f.Reopen(); err != nil {
					fmt.Fprintf(m.Stderr, "reopening log file: %v\n", err)
				}
			}
		}()
	}
	if m.Config.Verbose {
		m.logger = logger.NewVerboseLogger(w)
	} else {
		m.logger = logger.NewStandardLogger(w)
	}
	return nil
}

// Close shuts down the handler and releases every pooled resource.
func (m *Command) Close() error {
	defer close(m.Done)

	var firstErr error
	if m.Handler != nil {
		if err := m.Handler.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.Runtime != nil {
		if err := m.Runtime.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.logFile != nil {
		if err := m.logFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Logger returns the command's logger; NopLogger before SetupServer.
func (m *Command) Logger() logger.Logger {
	if m.logger == nil {
		return logger.NopLogger
	}
	return m.logger
}
