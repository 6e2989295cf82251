package sqlds

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsbroker/dsbroker"
	"github.com/dsbroker/dsbroker/logger"
)

// countryDescriptor is the shared fixture: a sequence key, two text
// columns, an integer column, and a column with a nativeName mapping.
func countryDescriptor(t *testing.T) *dsbroker.DataSourceDescriptor {
	t.Helper()
	d, err := dsbroker.ParseDescriptorJS([]byte(`{
		"ID": "country",
		"serverType": "sql",
		"fields": [
			{"name": "id", "type": "sequence", "primaryKey": true},
			{"name": "name", "type": "text"},
			{"name": "continent", "type": "text"},
			{"name": "parent", "type": "integer"},
			{"name": "code", "nativeName": "iso_code", "type": "text"}
		]
	}`))
	require.NoError(t, err)
	return d
}

func compile(t *testing.T, strict bool, raw map[string]interface{}) Fragment {
	t.Helper()
	c := NewCompiler(countryDescriptor(t), postgresDialect{}, strict, logger.NopLogger)
	return c.Compile(dsbroker.DecodeCriterion(raw))
}

func TestCompileFieldOperators(t *testing.T) {
	tests := []struct {
		name    string
		crit    map[string]interface{}
		expSQL  string
		expArgs []interface{}
	}{
		{
			name:    "equals",
			crit:    map[string]interface{}{"operator": "equals", "fieldName": "continent", "value": "Europe"},
			expSQL:  "continent = ? AND continent IS NOT NULL",
			expArgs: []interface{}{"Europe"},
		},
		{
			name:   "equals null",
			crit:   map[string]interface{}{"operator": "equals", "fieldName": "continent", "value": nil},
			expSQL: "continent IS NULL",
		},
		{
			name:    "notEqual",
			crit:    map[string]interface{}{"operator": "notEqual", "fieldName": "parent", "value": 42},
			expSQL:  "parent <> ? OR parent IS NULL",
			expArgs: []interface{}{42},
		},
		{
			name:   "notEqual null",
			crit:   map[string]interface{}{"operator": "notEqual", "fieldName": "parent", "value": nil},
			expSQL: "parent IS NOT NULL",
		},
		{
			name:    "iEquals folds both sides",
			crit:    map[string]interface{}{"operator": "iEquals", "fieldName": "name", "value": "france"},
			expSQL:  "upper('' || name) = upper(?) AND name IS NOT NULL",
			expArgs: []interface{}{"france"},
		},
		{
			name:    "greaterThan",
			crit:    map[string]interface{}{"operator": "greaterThan", "fieldName": "parent", "value": 7},
			expSQL:  "parent > ?",
			expArgs: []interface{}{7},
		},
		{
			name:   "greaterThan null constrains nothing",
			crit:   map[string]interface{}{"operator": "greaterThan", "fieldName": "parent", "value": nil},
			expSQL: "1=1",
		},
		{
			name:    "between exclusive",
			crit:    map[string]interface{}{"operator": "between", "fieldName": "parent", "start": 5, "end": 10},
			expSQL:  "parent > ? AND parent < ?",
			expArgs: []interface{}{5, 10},
		},
		{
			name:    "betweenInclusive open ended",
			crit:    map[string]interface{}{"operator": "betweenInclusive", "fieldName": "parent", "start": 5, "end": nil},
			expSQL:  "parent >= ?",
			expArgs: []interface{}{5},
		},
		{
			name:   "between both ends open",
			crit:   map[string]interface{}{"operator": "between", "fieldName": "parent", "start": nil, "end": nil},
			expSQL: "1=1",
		},
		{
			name:    "iContains",
			crit:    map[string]interface{}{"operator": "iContains", "fieldName": "continent", "value": "Europe"},
			expSQL:  "upper('' || continent) like upper(?) escape ? AND continent IS NOT NULL",
			expArgs: []interface{}{"%Europe%", "~"},
		},
		{
			name:    "startsWith",
			crit:    map[string]interface{}{"operator": "startsWith", "fieldName": "name", "value": "Fr"},
			expSQL:  "name like ? escape ? AND name IS NOT NULL",
			expArgs: []interface{}{"Fr%", "~"},
		},
		{
			name:    "notContains keeps the null guard",
			crit:    map[string]interface{}{"operator": "notContains", "fieldName": "name", "value": "x"},
			expSQL:  "name not like ? escape ? AND name IS NOT NULL",
			expArgs: []interface{}{"%x%", "~"},
		},
		{
			name:    "contains escapes like metacharacters",
			crit:    map[string]interface{}{"operator": "contains", "fieldName": "name", "value": "50%_~"},
			expSQL:  "name like ? escape ? AND name IS NOT NULL",
			expArgs: []interface{}{"%50~%~_~~%", "~"},
		},
		{
			name:    "matchesPattern translates wildcards",
			crit:    map[string]interface{}{"operator": "matchesPattern", "fieldName": "continent", "value": "Eu*op?"},
			expSQL:  "continent like ? escape ? AND continent IS NOT NULL",
			expArgs: []interface{}{"Eu%op_", "~"},
		},
		{
			name:    "iContainsPattern",
			crit:    map[string]interface{}{"operator": "iContainsPattern", "fieldName": "continent", "value": "Eu*"},
			expSQL:  "upper('' || continent) like upper(?) escape ? AND continent IS NOT NULL",
			expArgs: []interface{}{"%Eu%%", "~"},
		},
		{
			name:   "isNull",
			crit:   map[string]interface{}{"operator": "isNull", "fieldName": "parent"},
			expSQL: "parent IS NULL",
		},
		{
			name:   "isBlank",
			crit:   map[string]interface{}{"operator": "isBlank", "fieldName": "continent"},
			expSQL: "continent IS NULL OR continent = ''",
		},
		{
			name:   "notBlank",
			crit:   map[string]interface{}{"operator": "notBlank", "fieldName": "continent"},
			expSQL: "continent IS NOT NULL AND continent <> ''",
		},
		{
			name:    "inSet",
			crit:    map[string]interface{}{"operator": "inSet", "fieldName": "continent", "value": []interface{}{"Europe", "Asia"}},
			expSQL:  "continent IN (?, ?)",
			expArgs: []interface{}{"Europe", "Asia"},
		},
		{
			name:    "inSet with null splits",
			crit:    map[string]interface{}{"operator": "inSet", "fieldName": "continent", "value": []interface{}{"Europe", nil}},
			expSQL:  "continent IN (?) OR continent IS NULL",
			expArgs: []interface{}{"Europe"},
		},
		{
			name:   "inSet of only null",
			crit:   map[string]interface{}{"operator": "inSet", "fieldName": "continent", "value": []interface{}{nil}},
			expSQL: "continent IS NULL",
		},
		{
			name:   "inSet empty list",
			crit:   map[string]interface{}{"operator": "inSet", "fieldName": "continent", "value": []interface{}{}},
			expSQL: "1=2",
		},
		{
			name:   "inSet non-list value",
			crit:   map[string]interface{}{"operator": "inSet", "fieldName": "continent", "value": "Europe"},
			expSQL: "1=2",
		},
		{
			name:    "notInSet",
			crit:    map[string]interface{}{"operator": "notInSet", "fieldName": "continent", "value": []interface{}{"Europe"}},
			expSQL:  "NOT (continent IN (?))",
			expArgs: []interface{}{"Europe"},
		},
		{
			name:   "equalsField resolves nativeName",
			crit:   map[string]interface{}{"operator": "equalsField", "fieldName": "code", "value": "name"},
			expSQL: "iso_code = name",
		},
		{
			name:   "iEqualsField folds both columns",
			crit:   map[string]interface{}{"operator": "iEqualsField", "fieldName": "name", "value": "code"},
			expSQL: "upper('' || name) = upper('' || iso_code)",
		},
		{
			name:   "equalsField unknown target",
			crit:   map[string]interface{}{"operator": "equalsField", "fieldName": "name", "value": "bogus"},
			expSQL: "1=1",
		},
		{
			name:   "iContainsField concatenates wildcards",
			crit:   map[string]interface{}{"operator": "iContainsField", "fieldName": "name", "value": "code"},
			expSQL: "upper('' || name) like upper('%' || iso_code || '%') AND name IS NOT NULL",
		},
		{
			name:   "unknown field is true",
			crit:   map[string]interface{}{"operator": "equals", "fieldName": "bogus", "value": 1},
			expSQL: "1=1",
		},
		{
			name:   "regexp has no SQL rendering",
			crit:   map[string]interface{}{"operator": "regexp", "fieldName": "name", "value": "^F"},
			expSQL: "",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := compile(t, false, test.crit)
			assert.Equal(t, test.expSQL, f.SQL)
			assert.Equal(t, test.expArgs, f.Args)
		})
	}
}

func TestCompileStrictMode(t *testing.T) {
	tests := []struct {
		name    string
		crit    map[string]interface{}
		expSQL  string
		expArgs []interface{}
	}{
		{
			name:    "equals has no null guard",
			crit:    map[string]interface{}{"operator": "equals", "fieldName": "continent", "value": "Europe"},
			expSQL:  "continent = ?",
			expArgs: []interface{}{"Europe"},
		},
		{
			name:    "equals null binds null",
			crit:    map[string]interface{}{"operator": "equals", "fieldName": "continent", "value": nil},
			expSQL:  "continent = ?",
			expArgs: []interface{}{nil},
		},
		{
			name:    "notEqual",
			crit:    map[string]interface{}{"operator": "notEqual", "fieldName": "parent", "value": 42},
			expSQL:  "parent <> ?",
			expArgs: []interface{}{42},
		},
		{
			name:    "contains has no null guard",
			crit:    map[string]interface{}{"operator": "contains", "fieldName": "name", "value": "x"},
			expSQL:  "name like ? escape ?",
			expArgs: []interface{}{"%x%", "~"},
		},
		{
			name:   "inSet with null ignores it",
			crit:   map[string]interface{}{"operator": "inSet", "fieldName": "continent", "value": []interface{}{nil}},
			expSQL: "1=2",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := compile(t, true, test.crit)
			assert.Equal(t, test.expSQL, f.SQL)
			assert.Equal(t, test.expArgs, f.Args)
		})
	}
}

func TestCompileLogical(t *testing.T) {
	t.Run("not keeps null rows", func(t *testing.T) {
		// The advertised lenient semantics: negating equals(parent, 42)
		// matches rows where parent is null.
		f := compile(t, false, map[string]interface{}{
			"operator": "not",
			"criteria": []interface{}{
				map[string]interface{}{"operator": "equals", "fieldName": "parent", "value": 42},
			},
		})
		assert.Equal(t, "NOT ((parent = ? AND parent IS NOT NULL))", f.SQL)
		assert.Equal(t, []interface{}{42}, f.Args)
	})

	t.Run("and", func(t *testing.T) {
		f := compile(t, false, map[string]interface{}{
			"operator": "and",
			"criteria": []interface{}{
				map[string]interface{}{"operator": "equals", "fieldName": "continent", "value": "Europe"},
				map[string]interface{}{"operator": "greaterThan", "fieldName": "parent", "value": 3},
			},
		})
		assert.Equal(t, "(continent = ? AND continent IS NOT NULL) AND (parent > ?)", f.SQL)
		assert.Equal(t, []interface{}{"Europe", 3}, f.Args)
	})

	t.Run("or", func(t *testing.T) {
		f := compile(t, false, map[string]interface{}{
			"operator": "or",
			"criteria": []interface{}{
				map[string]interface{}{"operator": "isNull", "fieldName": "parent"},
				map[string]interface{}{"operator": "equals", "fieldName": "parent", "value": 1},
			},
		})
		assert.Equal(t, "(parent IS NULL) OR (parent = ? AND parent IS NOT NULL)", f.SQL)
		assert.Equal(t, []interface{}{1}, f.Args)
	})

	t.Run("single nested object as one-element list", func(t *testing.T) {
		f := compile(t, false, map[string]interface{}{
			"operator": "not",
			"criteria": map[string]interface{}{"operator": "equals", "fieldName": "parent", "value": 42},
		})
		assert.Equal(t, "NOT ((parent = ? AND parent IS NOT NULL))", f.SQL)
	})

	t.Run("missing criteria member is omitted", func(t *testing.T) {
		f := compile(t, false, map[string]interface{}{"operator": "and"})
		assert.True(t, f.Empty())
	})

	t.Run("non-list criteria member is false", func(t *testing.T) {
		f := compile(t, false, map[string]interface{}{"operator": "and", "criteria": "bogus"})
		assert.Equal(t, "1=2", f.SQL)
	})

	t.Run("children that compile to nothing are dropped", func(t *testing.T) {
		f := compile(t, false, map[string]interface{}{
			"operator": "and",
			"criteria": []interface{}{
				map[string]interface{}{"operator": "regexp", "fieldName": "name", "value": "^F"},
				map[string]interface{}{"operator": "equals", "fieldName": "parent", "value": 1},
			},
		})
		assert.Equal(t, "(parent = ? AND parent IS NOT NULL)", f.SQL)
	})

	t.Run("all children dropped yields empty", func(t *testing.T) {
		f := compile(t, false, map[string]interface{}{
			"operator": "or",
			"criteria": []interface{}{
				map[string]interface{}{"operator": "regexp", "fieldName": "name", "value": "^F"},
			},
		})
		assert.True(t, f.Empty())
	})
}

func TestCompileDialectFold(t *testing.T) {
	crit := dsbroker.DecodeCriterion(map[string]interface{}{
		"operator": "iEquals", "fieldName": "name", "value": "x",
	})
	tests := []struct {
		dialect Dialect
		expSQL  string
	}{
		{postgresDialect{}, "upper('' || name) = upper(?) AND name IS NOT NULL"},
		{mysqlDialect{}, "upper(concat('', name)) = upper(?) AND name IS NOT NULL"},
		{sqlserverDialect{}, "upper('' + name) = upper(?) AND name IS NOT NULL"},
	}
	for _, test := range tests {
		t.Run(test.dialect.Name(), func(t *testing.T) {
			c := NewCompiler(countryDescriptor(t), test.dialect, false, logger.NopLogger)
			f := c.Compile(crit)
			assert.Equal(t, test.expSQL, f.SQL)
		})
	}
}

func TestTranslatePattern(t *testing.T) {
	tests := []struct {
		in  string
		exp string
	}{
		{"", ""},
		{"Europe", "Europe"},
		{"Eu*op?", "Eu%op_"},
		{"a*", "a%"},
		{`a\*b`, "a*b"},
		{`a\?b`, "a?b"},
		{`a\\b`, `a\b`},
		{"100%", "100~%"},
		{"a_b", "a~_b"},
		{"x~y", "x~~y"},
		{`\%`, "~%"},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%q", test.in), func(t *testing.T) {
			assert.Equal(t, test.exp, translatePattern(test.in))
		})
	}
}

func TestCompileNilCriterion(t *testing.T) {
	c := NewCompiler(countryDescriptor(t), postgresDialect{}, false, logger.NopLogger)
	assert.True(t, c.Compile(nil).Empty())
	assert.Nil(t, dsbroker.DecodeCriterion("not a map"))
}
