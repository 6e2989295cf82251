package sqlds

import (
	"strings"

	"github.com/dsbroker/dsbroker"
	"github.com/dsbroker/dsbroker/logger"
	"github.com/spf13/cast"
)

// selectColumns lists the descriptor's columns aliased to field names,
// so result sets decode by field name regardless of nativeName mapping.
func selectColumns(desc *dsbroker.DataSourceDescriptor) string {
	parts := make([]string, 0, len(desc.Fields))
	for _, f := range desc.Fields {
		parts = append(parts, f.Column()+" AS "+f.Name)
	}
	return strings.Join(parts, ", ")
}

// buildFetch composes the SELECT for one fetch request: column list,
// WHERE from advanced or simple criteria, ORDER BY from sortBy, and the
// requested row window. The query still carries ?-placeholders; the
// caller rebinds for its dialect.
func buildFetch(desc *dsbroker.DataSourceDescriptor, dialect Dialect, req *dsbroker.DSRequest, strict bool, log logger.Logger) (string, []interface{}) {
	c := NewCompiler(desc, dialect, strict, log)

	query := "SELECT " + selectColumns(desc) + " FROM " + desc.Table()
	where := buildWhere(c, req)
	var args []interface{}
	if !where.Empty() {
		query += " WHERE (" + where.SQL + ")"
		args = where.Args
	}
	if orderBy := buildOrderBy(desc, req.SortBy, log); orderBy != "" {
		query += " ORDER BY " + orderBy
	}
	if startRow, endRow, ok := req.Window(); ok && endRow > 0 {
		query += dialect.LimitClause(endRow, startRow)
	}
	return query, args
}

// buildWhere selects the advanced compiler or the simple per-key path
// based on the criteria shape.
func buildWhere(c *Compiler, req *dsbroker.DSRequest) Fragment {
	m := req.CriteriaMap()
	if m == nil {
		return Fragment{}
	}
	if dsbroker.IsAdvancedCriteria(m) {
		return c.Compile(dsbroker.DecodeCriterion(m))
	}
	return simpleCriteria(c, m, req.TextMatchStyle)
}

// simpleCriteria treats each top-level key as one field predicate:
// scalars filter under the text match style, lists OR over their
// elements, nulls match IS NULL.
func simpleCriteria(c *Compiler, m map[string]interface{}, style dsbroker.TextMatchStyle) Fragment {
	var parts []string
	var args []interface{}
	for _, f := range c.desc.Fields {
		v, ok := m[f.Name]
		if !ok {
			continue
		}
		var fr Fragment
		if list, isList := v.([]interface{}); isList {
			var ors []string
			for _, e := range list {
				ef := c.styleFilter(f, e, style)
				ors = append(ors, ef.SQL)
				args = append(args, ef.Args...)
			}
			if len(ors) == 0 {
				continue
			}
			fr = Fragment{SQL: strings.Join(ors, " OR ")}
		} else {
			fr = c.styleFilter(f, v, style)
			args = append(args, fr.Args...)
		}
		parts = append(parts, fr.SQL)
	}
	for name := range m {
		if _, ok := c.desc.Field(name); !ok {
			c.log.Debugf("criteria: ignoring unknown field '%s' in simple criteria for '%s'", name, c.desc.ID)
		}
	}
	if len(parts) == 0 {
		return Fragment{}
	}
	if len(parts) == 1 {
		return Fragment{SQL: parts[0], Args: args}
	}
	for i := range parts {
		parts[i] = "(" + parts[i] + ")"
	}
	return Fragment{SQL: strings.Join(parts, " AND "), Args: args}
}

// styleFilter renders one simple scalar predicate under a text match
// style.
func (c *Compiler) styleFilter(field *dsbroker.FieldDescriptor, v interface{}, style dsbroker.TextMatchStyle) Fragment {
	col := field.Column()
	if v == nil {
		return frag(col + " IS NULL")
	}
	if !field.Type.IsTextual() {
		return frag(col+" = ?", v)
	}
	switch style {
	case dsbroker.MatchExactCase:
		return frag(col+" = ?", v)
	case dsbroker.MatchExact:
		return frag(c.upperFold(col)+" = upper(?)", v)
	case dsbroker.MatchStartsWith:
		pattern := likeEscaper.Replace(cast.ToString(v)) + "%"
		return frag(c.upperFold(col)+" like upper(?) escape ?", pattern, likeEscape)
	default: // substring
		pattern := "%" + likeEscaper.Replace(cast.ToString(v)) + "%"
		return frag(c.upperFold(col)+" like upper(?) escape ?", pattern, likeEscape)
	}
}

// buildOrderBy renders sortBy entries, honoring the "-" descending
// prefix and dropping fields the descriptor does not declare.
func buildOrderBy(desc *dsbroker.DataSourceDescriptor, sortBy []string, log logger.Logger) string {
	var parts []string
	for _, s := range sortBy {
		dir := ""
		name := s
		if strings.HasPrefix(s, "-") {
			dir = " DESC"
			name = s[1:]
		}
		f, ok := desc.Field(name)
		if !ok {
			log.Warnf("sortBy names unknown field '%s' on '%s', ignoring it", name, desc.ID)
			continue
		}
		parts = append(parts, f.Column()+dir)
	}
	return strings.Join(parts, ", ")
}

// pkWhere is the conjunction of primary key equality predicates, in
// declaration order.
func pkWhere(desc *dsbroker.DataSourceDescriptor, pk map[string]interface{}) Fragment {
	var parts []string
	var args []interface{}
	for _, f := range desc.PKFields() {
		parts = append(parts, f.Column()+" = ?")
		args = append(args, pk[f.Name])
	}
	return Fragment{SQL: strings.Join(parts, " AND "), Args: args}
}

// buildSelectByPK refetches one row by its full primary key.
func buildSelectByPK(desc *dsbroker.DataSourceDescriptor, pk map[string]interface{}) (string, []interface{}) {
	where := pkWhere(desc, pk)
	return "SELECT " + selectColumns(desc) + " FROM " + desc.Table() + " WHERE " + where.SQL, where.Args
}

// buildInsert composes the INSERT for the provided values. Sequence
// fields are never in the column list; the dialect decides how their
// generated key comes back.
func buildInsert(desc *dsbroker.DataSourceDescriptor, dialect Dialect, values map[string]interface{}) (string, []interface{}) {
	var cols []string
	var args []interface{}
	for _, f := range desc.Fields {
		if f.Type == dsbroker.FieldTypeSequence {
			continue
		}
		if v, ok := values[f.Name]; ok {
			cols = append(cols, f.Column())
			args = append(args, v)
		}
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")

	query := "INSERT INTO " + desc.Table() + " (" + strings.Join(cols, ", ") + ")"
	if seq, ok := desc.SequenceField(); ok {
		query += dialect.OutputClause(seq.Column())
	}
	query += " VALUES (" + placeholders + ")"
	if seq, ok := desc.SequenceField(); ok {
		query += dialect.InsertSuffix(seq.Column())
	}
	return query, args
}

// buildUpdate composes the UPDATE of non-key values for one row
// identified by its full primary key.
func buildUpdate(desc *dsbroker.DataSourceDescriptor, pk, values map[string]interface{}) (string, []interface{}) {
	var sets []string
	var args []interface{}
	for _, f := range desc.NonPKFields() {
		if v, ok := values[f.Name]; ok {
			sets = append(sets, f.Column()+" = ?")
			args = append(args, v)
		}
	}
	where := pkWhere(desc, pk)
	query := "UPDATE " + desc.Table() + " SET " + strings.Join(sets, ", ") + " WHERE " + where.SQL
	return query, append(args, where.Args...)
}

// buildDelete composes the DELETE for one row by its full primary key.
func buildDelete(desc *dsbroker.DataSourceDescriptor, pk map[string]interface{}) (string, []interface{}) {
	where := pkWhere(desc, pk)
	return "DELETE FROM " + desc.Table() + " WHERE " + where.SQL, where.Args
}
