package pool

import (
	"context"
	"fmt"
	"testing"

	"github.com/dsbroker/dsbroker/errors"
	"github.com/dsbroker/dsbroker/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDBResolve(t *testing.T) {
	conns := map[string]DBConfig{
		"HSQLDB":   {Type: "mysql", Connection: "u:p@/isomorphic"},
		"Postgres": {Type: "postgresql", Connection: "postgres://localhost/isomorphic"},
	}

	tests := []struct {
		defaultName string
		dbName      string
		expName     string
		expErr      errors.Code
	}{
		{defaultName: "HSQLDB", dbName: "", expName: "HSQLDB"},
		{defaultName: "HSQLDB", dbName: "Postgres", expName: "Postgres"},
		{defaultName: "", dbName: "Postgres", expName: "Postgres"},
		{defaultName: "", dbName: "", expErr: ErrConfigMissing},
		{defaultName: "HSQLDB", dbName: "Oracle", expErr: ErrConfigMissing},
	}
	for i, test := range tests {
		t.Run(fmt.Sprintf("test-%d", i), func(t *testing.T) {
			r := NewDB(test.defaultName, conns, logger.NopLogger)
			name, err := r.resolve(test.dbName)
			if test.expErr != "" {
				require.Error(t, err)
				assert.True(t, errors.Is(err, test.expErr), "expected %s, got %v", test.expErr, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, test.expName, name)
			}
		})
	}
}

func TestDBResolveNoConns(t *testing.T) {
	r := NewDB("", nil, logger.NopLogger)
	_, err := r.resolve("")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigMissing))
}

func TestDBType(t *testing.T) {
	r := NewDB("HSQLDB", map[string]DBConfig{
		"HSQLDB": {Type: "mysql", Connection: "u:p@/isomorphic"},
	}, logger.NopLogger)

	dbType, err := r.DBType("")
	require.NoError(t, err)
	assert.Equal(t, "mysql", dbType)

	_, err = r.DBType("nope")
	require.Error(t, err)
}

func TestDBAcquireUnknownDriver(t *testing.T) {
	r := NewDB("weird", map[string]DBConfig{
		"weird": {Type: "foodb", Connection: "foo://bar"},
	}, logger.NopLogger)
	defer r.Close()

	_, err := r.Acquire(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownDriver), "expected ErrUnknownDriver, got %v", err)
}

func TestDriverForType(t *testing.T) {
	tests := []struct {
		dbType string
		exp    string
	}{
		{"mysql", "mysql"},
		{"postgresql", "postgres"},
		{"postgres", "postgres"},
		{"sqlserver", "sqlserver"},
		{"mssql", "sqlserver"},
		{"custom", "custom"},
	}
	for i, test := range tests {
		t.Run(fmt.Sprintf("test-%d", i), func(t *testing.T) {
			assert.Equal(t, test.exp, driverForType(test.dbType))
		})
	}
}

func TestDriverRegistered(t *testing.T) {
	// The side-effect imports in db.go register the three supported drivers.
	for _, name := range []string{"mysql", "postgres", "sqlserver"} {
		assert.True(t, driverRegistered(name), "driver %q not registered", name)
	}
	assert.False(t, driverRegistered("foodb"))
}
