package dsbroker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsbroker/dsbroker/errors"
)

func newJSONTestDataSource(t *testing.T, seed string) (*JSONDataSource, string) {
	t.Helper()
	dir := t.TempDir()

	descriptor := `{
		"ID": "city",
		"serverType": "json",
		"fields": [
			{"name": "id", "type": "integer", "primaryKey": true},
			{"name": "name", "type": "text"},
			{"name": "population", "type": "integer"}
		]
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "city.ds.js"), []byte(descriptor), 0644))
	if seed != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "city.data.json"), []byte(seed), 0644))
	}

	rt, err := NewRuntime(OptRuntimeDescriptorPath(dir))
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })

	desc, err := rt.Descriptors().Load("city")
	require.NoError(t, err)

	ds, err := NewJSONDataSource(desc, rt)
	require.NoError(t, err)
	return ds.(*JSONDataSource), dir
}

func readCityFile(t *testing.T, dir string) []map[string]interface{} {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "city.data.json"))
	require.NoError(t, err)
	var rows []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &rows))
	return rows
}

const citySeed = `[
	{"id": 1, "name": "Paris", "population": 2100000},
	{"id": 2, "name": "Lyon", "population": 520000}
]`

func TestJSONDataSourceFetch(t *testing.T) {
	ds, _ := newJSONTestDataSource(t, citySeed)

	resp, err := ds.ExecuteFetch(context.Background(), &DSRequest{})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, int64(2), resp.TotalRows)
	assert.Equal(t, int64(2), resp.EndRow)

	rows := resp.Data.([]Record)
	require.Len(t, rows, 2)
	assert.Equal(t, "Paris", rows[0]["name"])
	// Projection keeps exactly the declared fields.
	assert.Contains(t, rows[0], "population")
	assert.NotContains(t, rows[0], "bogus")
}

func TestJSONDataSourceFetchMissingFile(t *testing.T) {
	ds, _ := newJSONTestDataSource(t, "")

	resp, err := ds.ExecuteFetch(context.Background(), &DSRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), resp.TotalRows)
	assert.Len(t, resp.Data.([]Record), 0)
}

func TestJSONDataSourceAdd(t *testing.T) {
	ds, dir := newJSONTestDataSource(t, citySeed)

	resp, err := ds.ExecuteAdd(context.Background(), &DSRequest{
		Values: map[string]interface{}{"id": float64(3), "name": "Nice", "extra": "dropped"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.AffectedRows)

	rows := readCityFile(t, dir)
	require.Len(t, rows, 3)
	assert.Equal(t, "Nice", rows[2]["name"])
	assert.NotContains(t, rows[2], "extra")
	// Declared but unsupplied fields are stored as nulls.
	assert.Contains(t, rows[2], "population")
	assert.Nil(t, rows[2]["population"])
}

func TestJSONDataSourceAddRequiresKey(t *testing.T) {
	ds, _ := newJSONTestDataSource(t, citySeed)

	_, err := ds.ExecuteAdd(context.Background(), &DSRequest{
		Values: map[string]interface{}{"name": "Nowhere"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingPrimaryKey), "got %v", err)
}

func TestJSONDataSourceUpdate(t *testing.T) {
	ds, dir := newJSONTestDataSource(t, citySeed)

	// The stored key is a JSON number; an integral key from a path
	// parameter still matches it.
	resp, err := ds.ExecuteUpdate(context.Background(), &DSRequest{
		Criteria: map[string]interface{}{"id": int64(2)},
		Values:   map[string]interface{}{"population": float64(525000)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.AffectedRows)

	rec := resp.Data.([]Record)[0]
	assert.Equal(t, "Lyon", rec["name"])
	assert.Equal(t, float64(525000), rec["population"])

	rows := readCityFile(t, dir)
	assert.Equal(t, float64(525000), rows[1]["population"])
}

func TestJSONDataSourceUpdateRowNotFound(t *testing.T) {
	ds, _ := newJSONTestDataSource(t, citySeed)

	_, err := ds.ExecuteUpdate(context.Background(), &DSRequest{
		Criteria: map[string]interface{}{"id": float64(99)},
		Values:   map[string]interface{}{"name": "Atlantis"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRowNotFound), "got %v", err)
}

func TestJSONDataSourceRemove(t *testing.T) {
	ds, dir := newJSONTestDataSource(t, citySeed)

	resp, err := ds.ExecuteRemove(context.Background(), &DSRequest{
		Criteria: map[string]interface{}{"id": float64(1)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.AffectedRows)

	rows := readCityFile(t, dir)
	require.Len(t, rows, 1)
	assert.Equal(t, "Lyon", rows[0]["name"])
}

func TestJSONDataSourceFileNameOverride(t *testing.T) {
	dir := t.TempDir()
	descriptor := `{
		"ID": "city",
		"serverType": "json",
		"fileName": "towns.json",
		"fields": [{"name": "id", "type": "integer", "primaryKey": true}]
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "city.ds.js"), []byte(descriptor), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "towns.json"), []byte(`[{"id": 5}]`), 0644))

	rt, err := NewRuntime(OptRuntimeDescriptorPath(dir))
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })

	desc, err := rt.Descriptors().Load("city")
	require.NoError(t, err)
	raw, err := NewJSONDataSource(desc, rt)
	require.NoError(t, err)

	resp, err := raw.(*JSONDataSource).ExecuteFetch(context.Background(), &DSRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.TotalRows)
}

func TestScalarEqual(t *testing.T) {
	assert.True(t, scalarEqual(float64(2), int64(2)))
	assert.True(t, scalarEqual(json.Number("7"), 7))
	assert.True(t, scalarEqual("x", "x"))
	assert.True(t, scalarEqual(nil, nil))
	assert.False(t, scalarEqual(nil, 0))
	assert.False(t, scalarEqual("2", float64(2)))
}
