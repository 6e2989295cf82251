package pool

import (
	"context"
	"database/sql"
	"sync"
	"time"

	// Drivers selectable through db.conns.<name>.factory.
	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/dsbroker/dsbroker/errors"
	"github.com/dsbroker/dsbroker/logger"
)

const (
	ErrConfigMissing errors.Code = "ErrConfigMissing"
	ErrUnknownDriver errors.Code = "ErrUnknownDriver"
)

// validateTimeout bounds the probe query run against idle connections on
// borrow.
const validateTimeout = 2 * time.Second

// DBConfig describes one named database in the configuration.
type DBConfig struct {
	// Type is the SQL dialect: mysql, postgresql or sqlserver.
	Type string
	// Factory is the database/sql driver name. Empty derives it from Type.
	Factory string
	// Connection is the driver DSN.
	Connection string
	// Pool is the connection pool policy.
	Pool Config
}

// Conn is one pooled database connection. A Conn is owned exclusively by a
// single operation between Acquire and Release.
type Conn struct {
	conn   *sql.Conn
	dbName string
	dbType string
}

// BeginTx opens a transaction on this connection.
func (c *Conn) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return c.conn.BeginTx(ctx, nil)
}

// DBName returns the configured database name this connection belongs to.
func (c *Conn) DBName() string { return c.dbName }

// DBType returns the dialect name for this connection's database.
func (c *Conn) DBType() string { return c.dbType }

func (c *Conn) close() error { return c.conn.Close() }

// connFactory produces pinned connections from one shared *sql.DB handle.
type connFactory struct {
	db     *sql.DB
	dbName string
	dbType string
}

func (f *connFactory) Create(ctx context.Context) (*Conn, error) {
	conn, err := f.db.Conn(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to database '%s'", f.dbName)
	}
	return &Conn{conn: conn, dbName: f.dbName, dbType: f.dbType}, nil
}

func (f *connFactory) Destroy(c *Conn) error {
	return c.close()
}

// Validate issues the trivial probe the drivers all accept.
func (f *connFactory) Validate(c *Conn) bool {
	ctx, cancel := context.WithTimeout(context.Background(), validateTimeout)
	defer cancel()
	var one int
	return c.conn.QueryRowContext(ctx, "select 1").Scan(&one) == nil
}

// DB is the process-wide registry of named connection pools. Pools are
// created atomically on first acquire.
type DB struct {
	defaultName string
	conns       map[string]DBConfig
	log         logger.Logger

	mu      sync.Mutex
	pools   map[string]*Pool[*Conn]
	handles map[string]*sql.DB
}

// NewDB builds the registry from the db section of the configuration.
func NewDB(defaultName string, conns map[string]DBConfig, log logger.Logger) *DB {
	if log == nil {
		log = logger.NopLogger
	}
	return &DB{
		defaultName: defaultName,
		conns:       conns,
		log:         log,
		pools:       make(map[string]*Pool[*Conn]),
		handles:     make(map[string]*sql.DB),
	}
}

// resolve maps an optional dbName to its configured name.
func (r *DB) resolve(dbName string) (string, error) {
	if dbName == "" {
		dbName = r.defaultName
	}
	if dbName == "" {
		return "", errors.New(ErrConfigMissing, "no database name given and db.default-database is not configured")
	}
	if len(r.conns) == 0 {
		return "", errors.New(ErrConfigMissing, "no db section in the configuration")
	}
	if _, ok := r.conns[dbName]; !ok {
		return "", errors.Newf(ErrConfigMissing, "database '%s' is not configured", dbName)
	}
	return dbName, nil
}

// pool returns the pool for dbName, creating it on first use.
func (r *DB) pool(dbName string) (*Pool[*Conn], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pools[dbName]; ok {
		return p, nil
	}

	cfg := r.conns[dbName]
	driver := cfg.Factory
	if driver == "" {
		driver = driverForType(cfg.Type)
	}
	if !driverRegistered(driver) {
		return nil, errors.Newf(ErrUnknownDriver, "no sql driver '%s' is linked into this binary", driver)
	}

	handle, err := sql.Open(driver, cfg.Connection)
	if err != nil {
		return nil, errors.Wrapf(err, "opening database '%s'", dbName)
	}
	// The pool above database/sql does the counting; the handle itself
	// must not cap or retire connections underneath it.
	handle.SetMaxOpenConns(0)
	handle.SetConnMaxLifetime(0)

	poolCfg := cfg.Pool
	poolCfg.TestOnBorrow = true
	p := New[*Conn](&connFactory{db: handle, dbName: dbName, dbType: cfg.Type}, poolCfg, r.log.WithPrefix("db="+dbName+" "))

	r.handles[dbName] = handle
	r.pools[dbName] = p
	return p, nil
}

// Acquire borrows a validated connection from the named pool. An empty
// dbName selects db.default-database.
func (r *DB) Acquire(ctx context.Context, dbName string) (*Conn, error) {
	name, err := r.resolve(dbName)
	if err != nil {
		return nil, err
	}
	p, err := r.pool(name)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx)
}

// Release returns a connection to its pool. A failure is logged here and
// still surfaced to the caller.
func (r *DB) Release(dbName string, c *Conn) error {
	name, err := r.resolve(dbName)
	if err != nil {
		r.log.Errorf("releasing connection: %v", err)
		return err
	}
	r.mu.Lock()
	p, ok := r.pools[name]
	r.mu.Unlock()
	if !ok {
		err := errors.Newf(ErrConfigMissing, "releasing connection to unknown pool '%s'", name)
		r.log.Errorf("%v", err)
		return err
	}
	p.Release(c)
	return nil
}

// DBType looks up db.conns.<name>.type; the query builder selects its SQL
// dialect from it.
func (r *DB) DBType(dbName string) (string, error) {
	name, err := r.resolve(dbName)
	if err != nil {
		return "", err
	}
	return r.conns[name].Type, nil
}

// Close shuts every pool and closes the underlying handles.
func (r *DB) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, p := range r.pools {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := r.handles[name].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats exposes per-pool counters, keyed by database name.
func (r *DB) Stats() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Stats, len(r.pools))
	for name, p := range r.pools {
		out[name] = p.Stats()
	}
	return out
}

func driverForType(dbType string) string {
	switch dbType {
	case "mysql":
		return "mysql"
	case "postgresql", "postgres":
		return "postgres"
	case "sqlserver", "mssql":
		return "sqlserver"
	}
	return dbType
}

func driverRegistered(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}
