package dsbroker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// jsonFileMu serializes read-modify-write cycles across every JSON data
// source in the process. The JSON back end is a development aid, not a
// concurrent store; one lock keeps its files consistent.
var jsonFileMu sync.Mutex

// JSONDataSource stores records in a JSON array file under the
// descriptor path. Fetch returns the whole file; add, update and remove
// rewrite it. There is no filtering, sorting or paging.
type JSONDataSource struct {
	BaseDataSource
	path string
}

// NewJSONDataSource builds the "json" server type instance.
func NewJSONDataSource(desc *DataSourceDescriptor, rt *Runtime) (DataSource, error) {
	return &JSONDataSource{
		BaseDataSource: BaseDataSource{Desc: desc, Log: rt.Logger()},
		path:           rt.DescriptorPath(),
	}, nil
}

func init() {
	RegisterDataSource(ServerTypeJSON, NewJSONDataSource)
}

func (ds *JSONDataSource) file() string {
	name := ds.Desc.FileName
	if name == "" {
		name = ds.Desc.ID + ".data.json"
	}
	return filepath.Join(ds.path, name)
}

func (ds *JSONDataSource) readRows() ([]map[string]interface{}, error) {
	data, err := os.ReadFile(ds.file())
	if os.IsNotExist(err) {
		return []map[string]interface{}{}, nil
	} else if err != nil {
		return nil, NewErrBackend(err)
	}
	var rows []map[string]interface{}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, NewErrBackend(err)
	}
	return rows, nil
}

func (ds *JSONDataSource) writeRows(rows []map[string]interface{}) error {
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return NewErrBackend(err)
	}
	if err := os.WriteFile(ds.file(), data, 0644); err != nil {
		return NewErrBackend(err)
	}
	return nil
}

func (ds *JSONDataSource) ExecuteFetch(ctx context.Context, req *DSRequest) (*DSResponse, error) {
	jsonFileMu.Lock()
	defer jsonFileMu.Unlock()

	rows, err := ds.readRows()
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, ds.Desc.ToRecord(row))
	}

	resp := NewDSResponse()
	resp.Data = records
	resp.EndRow = int64(len(records))
	resp.TotalRows = int64(len(records))
	return resp, nil
}

func (ds *JSONDataSource) ExecuteAdd(ctx context.Context, req *DSRequest) (*DSResponse, error) {
	record := ds.Desc.ToRecord(req.ValuesMap())
	if _, err := ds.Desc.PKValues(record); err != nil {
		return nil, err
	}

	jsonFileMu.Lock()
	defer jsonFileMu.Unlock()

	rows, err := ds.readRows()
	if err != nil {
		return nil, err
	}
	rows = append(rows, record)
	if err := ds.writeRows(rows); err != nil {
		return nil, err
	}

	resp := NewDSResponse()
	resp.Data = []Record{record}
	resp.AffectedRows = 1
	return resp, nil
}

func (ds *JSONDataSource) ExecuteUpdate(ctx context.Context, req *DSRequest) (*DSResponse, error) {
	pk, err := ds.Desc.PKValues(req.CriteriaMap())
	if err != nil {
		return nil, err
	}
	newValues := ds.Desc.NonPKValues(req.ValuesMap())

	jsonFileMu.Lock()
	defer jsonFileMu.Unlock()

	rows, err := ds.readRows()
	if err != nil {
		return nil, err
	}
	idx := ds.findByPK(rows, pk)
	if idx < 0 {
		return nil, NewErrRowNotFound(ds.Desc.ID, pk)
	}
	for k, v := range newValues {
		rows[idx][k] = v
	}
	if err := ds.writeRows(rows); err != nil {
		return nil, err
	}

	resp := NewDSResponse()
	resp.Data = []Record{ds.Desc.ToRecord(rows[idx])}
	resp.AffectedRows = 1
	return resp, nil
}

func (ds *JSONDataSource) ExecuteRemove(ctx context.Context, req *DSRequest) (*DSResponse, error) {
	pk, err := ds.Desc.PKValues(req.CriteriaMap())
	if err != nil {
		return nil, err
	}

	jsonFileMu.Lock()
	defer jsonFileMu.Unlock()

	rows, err := ds.readRows()
	if err != nil {
		return nil, err
	}
	idx := ds.findByPK(rows, pk)
	if idx < 0 {
		return nil, NewErrRowNotFound(ds.Desc.ID, pk)
	}
	rows = append(rows[:idx], rows[idx+1:]...)
	if err := ds.writeRows(rows); err != nil {
		return nil, err
	}

	resp := NewDSResponse()
	resp.Data = []map[string]interface{}{pk}
	resp.AffectedRows = 1
	return resp, nil
}

// findByPK returns the index of the first row whose primary key
// projection equals pk, or -1.
func (ds *JSONDataSource) findByPK(rows []map[string]interface{}, pk map[string]interface{}) int {
	for i, row := range rows {
		match := true
		for k, want := range pk {
			if !scalarEqual(row[k], want) {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// scalarEqual compares two scalar envelope values, treating all numeric
// representations as one type the way JSON decoding requires.
func scalarEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		return af == bf
	}
	return a == b
}

func toFloat(v interface{}) (float64, bool) {
	switch tv := v.(type) {
	case float64:
		return tv, true
	case float32:
		return float64(tv), true
	case int:
		return float64(tv), true
	case int32:
		return float64(tv), true
	case int64:
		return float64(tv), true
	case uint64:
		return float64(tv), true
	case json.Number:
		f, err := tv.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
