package sqlds

import (
	"context"
	"database/sql"

	"github.com/dsbroker/dsbroker"
	"github.com/dsbroker/dsbroker/errors"
	"github.com/dsbroker/dsbroker/logger"
	"github.com/dsbroker/dsbroker/pool"
)

// DataSource executes requests against a SQL table named by the
// descriptor. One pooled connection is held between Init and
// FreeResources, and every operation runs inside its own transaction.
type DataSource struct {
	dsbroker.BaseDataSource
	db     *pool.DB
	strict bool
	log    logger.Logger

	conn    *pool.Conn
	tx      *sql.Tx
	dialect Dialect
}

// New builds the "sql" server type instance for one descriptor.
func New(desc *dsbroker.DataSourceDescriptor, rt *dsbroker.Runtime) (dsbroker.DataSource, error) {
	if rt.DB() == nil {
		return nil, errors.Newf(pool.ErrConfigMissing, "data source '%s' is sql-backed but no db section is configured", desc.ID)
	}
	return &DataSource{
		BaseDataSource: dsbroker.BaseDataSource{Desc: desc, Log: rt.Logger()},
		db:             rt.DB(),
		strict:         rt.StrictSQLFiltering(),
		log:            rt.Logger().WithPrefix("sqlds=" + desc.ID + " "),
	}, nil
}

func init() {
	dsbroker.RegisterDataSource(dsbroker.ServerTypeSQL, New)
}

// Init borrows a connection from the pool named by the descriptor's
// dbName and fixes the dialect for this operation.
func (ds *DataSource) Init(ctx context.Context, req *dsbroker.DSRequest) error {
	conn, err := ds.db.Acquire(ctx, ds.Desc.DBName)
	if err != nil {
		return dsbroker.NewErrResourceAcquisition(ds.Desc.ID, err)
	}
	ds.conn = conn
	ds.dialect = DialectFor(conn.DBType())
	return nil
}

func (ds *DataSource) StartTransaction(ctx context.Context) error {
	tx, err := ds.conn.BeginTx(ctx)
	if err != nil {
		return dsbroker.NewErrTransactionBegin(err)
	}
	ds.tx = tx
	return nil
}

func (ds *DataSource) ExecuteFetch(ctx context.Context, req *dsbroker.DSRequest) (*dsbroker.DSResponse, error) {
	query, args := buildFetch(ds.Desc, ds.dialect, req, ds.strict, ds.log)
	records, err := ds.queryRecords(ctx, query, args)
	if err != nil {
		return nil, err
	}

	var startRow int64
	if req.StartRow != nil {
		startRow = *req.StartRow
	}
	resp := dsbroker.NewDSResponse()
	resp.Data = records
	resp.StartRow = startRow
	resp.EndRow = startRow + int64(len(records))
	resp.TotalRows = int64(len(records))
	return resp, nil
}

func (ds *DataSource) ExecuteAdd(ctx context.Context, req *dsbroker.DSRequest) (*dsbroker.DSResponse, error) {
	// Copy so capturing the generated key does not mutate the envelope.
	values := make(map[string]interface{})
	for k, v := range req.ValuesMap() {
		if _, ok := ds.Desc.Field(k); ok {
			values[k] = v
		}
	}

	query, args := buildInsert(ds.Desc, ds.dialect, values)
	seq, hasSeq := ds.Desc.SequenceField()
	switch {
	case hasSeq && ds.dialect.Name() != "mysql":
		// The key comes back as a one-row result (RETURNING / OUTPUT).
		var key int64
		if err := ds.tx.QueryRowContext(ctx, ds.dialect.Rebind(query), args...).Scan(&key); err != nil {
			return nil, dsbroker.NewErrBackend(err)
		}
		values[seq.Name] = key
	case hasSeq:
		res, err := ds.tx.ExecContext(ctx, ds.dialect.Rebind(query), args...)
		if err != nil {
			return nil, dsbroker.NewErrBackend(err)
		}
		key, err := res.LastInsertId()
		if err != nil {
			return nil, dsbroker.NewErrBackend(err)
		}
		values[seq.Name] = key
	default:
		if _, err := ds.tx.ExecContext(ctx, ds.dialect.Rebind(query), args...); err != nil {
			return nil, dsbroker.NewErrBackend(err)
		}
	}

	pk, err := ds.Desc.PKValues(values)
	if err != nil {
		return nil, err
	}
	records, err := ds.refetch(ctx, pk)
	if err != nil {
		return nil, err
	}

	resp := dsbroker.NewDSResponse()
	resp.Data = records
	resp.AffectedRows = 1
	resp.InvalidateCache = false
	return resp, nil
}

func (ds *DataSource) ExecuteUpdate(ctx context.Context, req *dsbroker.DSRequest) (*dsbroker.DSResponse, error) {
	pk, err := ds.Desc.PKValues(req.CriteriaMap())
	if err != nil {
		return nil, err
	}
	values := ds.Desc.NonPKValues(req.ValuesMap())

	var affected int64
	if len(values) > 0 {
		query, args := buildUpdate(ds.Desc, pk, values)
		res, err := ds.tx.ExecContext(ctx, ds.dialect.Rebind(query), args...)
		if err != nil {
			return nil, dsbroker.NewErrBackend(err)
		}
		if affected, err = res.RowsAffected(); err != nil {
			return nil, dsbroker.NewErrBackend(err)
		}
		if affected < 1 {
			return nil, dsbroker.NewErrRowNotFound(ds.Desc.ID, pk)
		}
	}

	records, err := ds.refetch(ctx, pk)
	if err != nil {
		return nil, err
	}
	resp := dsbroker.NewDSResponse()
	resp.Data = records
	resp.AffectedRows = affected
	return resp, nil
}

func (ds *DataSource) ExecuteRemove(ctx context.Context, req *dsbroker.DSRequest) (*dsbroker.DSResponse, error) {
	pk, err := ds.Desc.PKValues(req.CriteriaMap())
	if err != nil {
		return nil, err
	}

	query, args := buildDelete(ds.Desc, pk)
	res, err := ds.tx.ExecContext(ctx, ds.dialect.Rebind(query), args...)
	if err != nil {
		return nil, dsbroker.NewErrBackend(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, dsbroker.NewErrBackend(err)
	}
	if affected < 1 {
		return nil, dsbroker.NewErrRowNotFound(ds.Desc.ID, pk)
	}

	resp := dsbroker.NewDSResponse()
	resp.Data = []map[string]interface{}{pk}
	resp.AffectedRows = affected
	return resp, nil
}

func (ds *DataSource) Commit(ctx context.Context) error {
	tx := ds.tx
	ds.tx = nil
	if tx == nil {
		return nil
	}
	if err := tx.Commit(); err != nil {
		return dsbroker.NewErrTransactionFailed(err)
	}
	return nil
}

func (ds *DataSource) Rollback(ctx context.Context) error {
	tx := ds.tx
	ds.tx = nil
	if tx == nil {
		return nil
	}
	if err := tx.Rollback(); err != nil {
		return dsbroker.NewErrBackend(err)
	}
	return nil
}

// FreeResources returns the connection to its pool. An open transaction
// at this point means the operation aborted between start and its
// terminating commit or rollback; it is rolled back here.
func (ds *DataSource) FreeResources() {
	if ds.tx != nil {
		if err := ds.tx.Rollback(); err != nil {
			ds.log.Errorf("rolling back abandoned transaction: %v", err)
		}
		ds.tx = nil
	}
	if ds.conn != nil {
		// Release logs its own failures.
		_ = ds.db.Release(ds.Desc.DBName, ds.conn)
		ds.conn = nil
	}
}

// refetch reads one row back by primary key, inside the operation's
// transaction so uncommitted writes are visible.
func (ds *DataSource) refetch(ctx context.Context, pk map[string]interface{}) ([]dsbroker.Record, error) {
	query, args := buildSelectByPK(ds.Desc, pk)
	return ds.queryRecords(ctx, query, args)
}

func (ds *DataSource) queryRecords(ctx context.Context, query string, args []interface{}) ([]dsbroker.Record, error) {
	query = ds.dialect.Rebind(query)
	ds.log.Debugf("query: %s %v", query, args)

	var rows *sql.Rows
	var err error
	if ds.tx != nil {
		rows, err = ds.tx.QueryContext(ctx, query, args...)
	} else {
		err = errors.New(dsbroker.ErrTransactionBegin, "query issued outside a transaction")
	}
	if err != nil {
		return nil, dsbroker.NewErrBackend(err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, dsbroker.NewErrBackend(err)
	}

	var records []dsbroker.Record
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, dsbroker.NewErrBackend(err)
		}
		rec := make(dsbroker.Record, len(cols))
		for i, name := range cols {
			rec[name] = normalizeValue(values[i])
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, dsbroker.NewErrBackend(err)
	}
	if records == nil {
		records = []dsbroker.Record{}
	}
	return records, nil
}

// normalizeValue converts driver byte slices to strings so records
// serialize as text rather than base64.
func normalizeValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
