package sqlds

import (
	"strings"

	"github.com/dsbroker/dsbroker"
	"github.com/dsbroker/dsbroker/logger"
	"github.com/spf13/cast"
)

// Fragment is a piece of parameterised SQL. Values always travel in
// Args; only column identifiers and SQL keywords appear in SQL.
type Fragment struct {
	SQL  string
	Args []interface{}
}

// Empty reports whether the fragment contributes nothing.
func (f Fragment) Empty() bool { return f.SQL == "" }

func frag(sql string, args ...interface{}) Fragment {
	return Fragment{SQL: sql, Args: args}
}

// Constant predicates used as safe fallbacks for malformed nodes.
const (
	alwaysTrue  = "1=1"
	alwaysFalse = "1=2"
)

// likeEscape is the escape character bound alongside every LIKE
// pattern.
const likeEscape = "~"

// Compiler translates an advanced criteria tree into one parameterised
// SQL expression suitable for wrapping as WHERE (...).
//
// In strict mode predicates come out exactly as SQL's three-valued
// logic defines them. In the default lenient mode null sorts below
// every value and extra null clauses keep negation set-theoretic:
// NOT(equals(f,v)) matches rows where f is null.
type Compiler struct {
	desc    *dsbroker.DataSourceDescriptor
	dialect Dialect
	strict  bool
	log     logger.Logger
}

// NewCompiler returns a compiler for one descriptor and dialect.
func NewCompiler(desc *dsbroker.DataSourceDescriptor, dialect Dialect, strict bool, log logger.Logger) *Compiler {
	if log == nil {
		log = logger.NopLogger
	}
	return &Compiler{desc: desc, dialect: dialect, strict: strict, log: log}
}

// Compile renders the tree rooted at crit. Malformed or unsupported
// nodes degrade to the documented constants rather than failing the
// whole query.
func (c *Compiler) Compile(crit *dsbroker.Criterion) Fragment {
	if crit == nil {
		return Fragment{}
	}
	if crit.Operator.IsLogical() {
		return c.compileLogical(crit)
	}
	return c.compileField(crit)
}

func (c *Compiler) compileLogical(crit *dsbroker.Criterion) Fragment {
	if crit.MissingChildren {
		c.log.Warnf("criteria: logical node '%s' has no criteria member, omitting it", crit.Operator)
		return Fragment{}
	}
	if crit.InvalidChildren {
		c.log.Warnf("criteria: logical node '%s' has a non-list criteria member", crit.Operator)
		return frag(alwaysFalse)
	}

	var parts []string
	var args []interface{}
	for _, child := range crit.Criteria {
		f := c.Compile(child)
		if f.Empty() {
			continue
		}
		parts = append(parts, "("+f.SQL+")")
		args = append(args, f.Args...)
	}
	if len(parts) == 0 {
		return Fragment{}
	}

	switch crit.Operator {
	case dsbroker.OpAnd:
		return Fragment{SQL: strings.Join(parts, " AND "), Args: args}
	case dsbroker.OpOr:
		return Fragment{SQL: strings.Join(parts, " OR "), Args: args}
	default: // not is a negated disjunction
		return Fragment{SQL: "NOT (" + strings.Join(parts, " OR ") + ")", Args: args}
	}
}

func (c *Compiler) compileField(crit *dsbroker.Criterion) Fragment {
	field, ok := c.desc.Field(crit.FieldName)
	if !ok {
		c.log.Warnf("criteria: data source '%s' has no field '%s', treating criterion as true", c.desc.ID, crit.FieldName)
		return frag(alwaysTrue)
	}
	col := field.Column()
	v := crit.Value

	switch crit.Operator {
	case dsbroker.OpEquals:
		return c.equality(col, v, false, false)
	case dsbroker.OpNotEqual:
		return c.equality(col, v, true, false)
	case dsbroker.OpIEquals:
		return c.equality(col, v, false, true)
	case dsbroker.OpINotEqual:
		return c.equality(col, v, true, true)

	case dsbroker.OpGreaterThan:
		return c.relation(col, ">", v, false)
	case dsbroker.OpLessThan:
		return c.relation(col, "<", v, false)
	case dsbroker.OpGreaterOrEqual:
		return c.relation(col, ">=", v, false)
	case dsbroker.OpLessOrEqual:
		return c.relation(col, "<=", v, false)

	case dsbroker.OpBetween:
		return c.between(col, crit.Start, crit.End, false, false)
	case dsbroker.OpBetweenInclusive:
		return c.between(col, crit.Start, crit.End, true, false)
	case dsbroker.OpIBetween:
		return c.between(col, crit.Start, crit.End, false, true)
	case dsbroker.OpIBetweenInclusive:
		return c.between(col, crit.Start, crit.End, true, true)

	case dsbroker.OpContains:
		return c.like(col, v, matchContains, false, false)
	case dsbroker.OpStartsWith:
		return c.like(col, v, matchStarts, false, false)
	case dsbroker.OpEndsWith:
		return c.like(col, v, matchEnds, false, false)
	case dsbroker.OpIContains:
		return c.like(col, v, matchContains, false, true)
	case dsbroker.OpIStartsWith:
		return c.like(col, v, matchStarts, false, true)
	case dsbroker.OpIEndsWith:
		return c.like(col, v, matchEnds, false, true)
	case dsbroker.OpNotContains:
		return c.like(col, v, matchContains, true, false)
	case dsbroker.OpNotStartsWith:
		return c.like(col, v, matchStarts, true, false)
	case dsbroker.OpNotEndsWith:
		return c.like(col, v, matchEnds, true, false)
	case dsbroker.OpINotContains:
		return c.like(col, v, matchContains, true, true)
	case dsbroker.OpINotStartsWith:
		return c.like(col, v, matchStarts, true, true)
	case dsbroker.OpINotEndsWith:
		return c.like(col, v, matchEnds, true, true)

	case dsbroker.OpMatchesPattern:
		return c.likePattern(col, v, matchExact, false, false)
	case dsbroker.OpIMatchesPattern:
		return c.likePattern(col, v, matchExact, false, true)
	case dsbroker.OpContainsPattern:
		return c.likePattern(col, v, matchContains, false, false)
	case dsbroker.OpStartsWithPattern:
		return c.likePattern(col, v, matchStarts, false, false)
	case dsbroker.OpEndsWithPattern:
		return c.likePattern(col, v, matchEnds, false, false)
	case dsbroker.OpIContainsPattern:
		return c.likePattern(col, v, matchContains, false, true)
	case dsbroker.OpIStartsWithPattern:
		return c.likePattern(col, v, matchStarts, false, true)
	case dsbroker.OpIEndsWithPattern:
		return c.likePattern(col, v, matchEnds, false, true)
	case dsbroker.OpNotContainsPattern:
		return c.likePattern(col, v, matchContains, true, false)
	case dsbroker.OpNotStartsWithPattern:
		return c.likePattern(col, v, matchStarts, true, false)
	case dsbroker.OpNotEndsWithPattern:
		return c.likePattern(col, v, matchEnds, true, false)
	case dsbroker.OpINotContainsPattern:
		return c.likePattern(col, v, matchContains, true, true)
	case dsbroker.OpINotStartsWithPattern:
		return c.likePattern(col, v, matchStarts, true, true)
	case dsbroker.OpINotEndsWithPattern:
		return c.likePattern(col, v, matchEnds, true, true)

	case dsbroker.OpIsNull:
		return frag(col + " IS NULL")
	case dsbroker.OpNotNull:
		return frag(col + " IS NOT NULL")
	case dsbroker.OpIsBlank:
		return frag(col + " IS NULL OR " + col + " = ''")
	case dsbroker.OpNotBlank:
		return frag(col + " IS NOT NULL AND " + col + " <> ''")

	case dsbroker.OpInSet:
		return c.inSet(col, v)
	case dsbroker.OpNotInSet:
		in := c.inSet(col, v)
		return Fragment{SQL: "NOT (" + in.SQL + ")", Args: in.Args}

	case dsbroker.OpEqualsField:
		return c.fieldRelation(col, "=", v, false)
	case dsbroker.OpNotEqualField:
		return c.fieldRelation(col, "<>", v, false)
	case dsbroker.OpIEqualsField:
		return c.fieldRelation(col, "=", v, true)
	case dsbroker.OpINotEqualField:
		return c.fieldRelation(col, "<>", v, true)
	case dsbroker.OpGreaterThanField:
		return c.fieldRelation(col, ">", v, false)
	case dsbroker.OpLessThanField:
		return c.fieldRelation(col, "<", v, false)
	case dsbroker.OpGreaterOrEqualField:
		return c.fieldRelation(col, ">=", v, false)
	case dsbroker.OpLessOrEqualField:
		return c.fieldRelation(col, "<=", v, false)

	case dsbroker.OpContainsField:
		return c.fieldLike(col, v, matchContains, false, false)
	case dsbroker.OpStartsWithField:
		return c.fieldLike(col, v, matchStarts, false, false)
	case dsbroker.OpEndsWithField:
		return c.fieldLike(col, v, matchEnds, false, false)
	case dsbroker.OpIContainsField:
		return c.fieldLike(col, v, matchContains, false, true)
	case dsbroker.OpIStartsWithField:
		return c.fieldLike(col, v, matchStarts, false, true)
	case dsbroker.OpIEndsWithField:
		return c.fieldLike(col, v, matchEnds, false, true)
	case dsbroker.OpNotContainsField:
		return c.fieldLike(col, v, matchContains, true, false)
	case dsbroker.OpNotStartsWithField:
		return c.fieldLike(col, v, matchStarts, true, false)
	case dsbroker.OpNotEndsWithField:
		return c.fieldLike(col, v, matchEnds, true, false)
	case dsbroker.OpINotContainsField:
		return c.fieldLike(col, v, matchContains, true, true)
	case dsbroker.OpINotStartsWithField:
		return c.fieldLike(col, v, matchStarts, true, true)
	case dsbroker.OpINotEndsWithField:
		return c.fieldLike(col, v, matchEnds, true, true)

	case dsbroker.OpRegexp, dsbroker.OpIRegexp:
		c.log.Warnf("criteria: operator '%s' has no SQL rendering, skipping criterion on '%s'", crit.Operator, crit.FieldName)
		return Fragment{}

	default:
		c.log.Warnf("criteria: unsupported operator '%s' on field '%s', skipping criterion", crit.Operator, crit.FieldName)
		return Fragment{}
	}
}

// upperFold wraps a column in an upper-case fold. The '' concatenation
// forces string context on non-text columns.
func (c *Compiler) upperFold(col string) string {
	return "upper(" + c.dialect.Concat("''", col) + ")"
}

func (c *Compiler) equality(col string, v interface{}, negate, fold bool) Fragment {
	if v == nil {
		if c.strict {
			op := "="
			if negate {
				op = "<>"
			}
			return frag(col+" "+op+" ?", nil)
		}
		if negate {
			return frag(col + " IS NOT NULL")
		}
		return frag(col + " IS NULL")
	}

	lhs, rhs := col, "?"
	if fold {
		lhs, rhs = c.upperFold(col), "upper(?)"
	}
	if c.strict {
		if negate {
			return frag(lhs+" <> "+rhs, v)
		}
		return frag(lhs+" = "+rhs, v)
	}
	if negate {
		return frag(lhs+" <> "+rhs+" OR "+col+" IS NULL", v)
	}
	return frag(lhs+" = "+rhs+" AND "+col+" IS NOT NULL", v)
}

func (c *Compiler) relation(col, op string, v interface{}, fold bool) Fragment {
	if v == nil && !c.strict {
		// Open-ended range ends constrain nothing.
		return frag(alwaysTrue)
	}
	if fold {
		return frag(c.upperFold(col)+" "+op+" upper(?)", v)
	}
	return frag(col+" "+op+" ?", v)
}

func (c *Compiler) between(col string, start, end interface{}, inclusive, fold bool) Fragment {
	lowOp, highOp := ">", "<"
	if inclusive {
		lowOp, highOp = ">=", "<="
	}
	low := c.relation(col, lowOp, start, fold)
	high := c.relation(col, highOp, end, fold)
	switch {
	case low.SQL == alwaysTrue:
		return high
	case high.SQL == alwaysTrue:
		return low
	default:
		return Fragment{
			SQL:  low.SQL + " AND " + high.SQL,
			Args: append(low.Args, high.Args...),
		}
	}
}

// matchKind selects where LIKE wildcards are added around a value.
type matchKind int

const (
	matchExact matchKind = iota
	matchContains
	matchStarts
	matchEnds
)

func (k matchKind) wrap(pattern string) string {
	switch k {
	case matchContains:
		return "%" + pattern + "%"
	case matchStarts:
		return pattern + "%"
	case matchEnds:
		return "%" + pattern
	default:
		return pattern
	}
}

// escapeLikeValue neutralises the LIKE metacharacters and the escape
// character itself in a user value.
var likeEscaper = strings.NewReplacer(
	likeEscape, likeEscape+likeEscape,
	"%", likeEscape+"%",
	"_", likeEscape+"_",
)

func (c *Compiler) like(col string, v interface{}, kind matchKind, negate, fold bool) Fragment {
	pattern := kind.wrap(likeEscaper.Replace(cast.ToString(v)))
	return c.likeFragment(col, "?", []interface{}{pattern, likeEscape}, negate, fold)
}

// likePattern is like() for the pattern operators, whose value is a
// wildcard expression with * and ? instead of a literal.
func (c *Compiler) likePattern(col string, v interface{}, kind matchKind, negate, fold bool) Fragment {
	pattern := kind.wrap(translatePattern(cast.ToString(v)))
	return c.likeFragment(col, "?", []interface{}{pattern, likeEscape}, negate, fold)
}

func (c *Compiler) fieldLike(col string, v interface{}, kind matchKind, negate, fold bool) Fragment {
	other, ok := c.desc.Field(cast.ToString(v))
	if !ok {
		c.log.Warnf("criteria: data source '%s' has no field '%s' to compare against, treating criterion as true", c.desc.ID, cast.ToString(v))
		return frag(alwaysTrue)
	}
	operand := other.Column()
	switch kind {
	case matchContains:
		operand = c.dialect.Concat("'%'", operand, "'%'")
	case matchStarts:
		operand = c.dialect.Concat(operand, "'%'")
	case matchEnds:
		operand = c.dialect.Concat("'%'", operand)
	}
	if fold {
		operand = "upper(" + operand + ")"
	}
	// No escape clause: the pattern comes from a column, not from user
	// input.
	lhs := col
	if fold {
		lhs = c.upperFold(col)
	}
	op := "like"
	if negate {
		op = "not like"
	}
	sql := lhs + " " + op + " " + operand
	if !c.strict {
		sql += " AND " + col + " IS NOT NULL"
	}
	return frag(sql)
}

func (c *Compiler) likeFragment(col, rhs string, args []interface{}, negate, fold bool) Fragment {
	lhs := col
	if fold {
		lhs = c.upperFold(col)
		rhs = "upper(" + rhs + ")"
	}
	op := "like"
	if negate {
		op = "not like"
	}
	sql := lhs + " " + op + " " + rhs + " escape ?"
	if !c.strict {
		sql += " AND " + col + " IS NOT NULL"
	}
	return Fragment{SQL: sql, Args: args}
}

func (c *Compiler) inSet(col string, v interface{}) Fragment {
	list, ok := v.([]interface{})
	if !ok {
		c.log.Warnf("criteria: inSet on '%s' requires a list value, got %T", col, v)
		return frag(alwaysFalse)
	}

	var nonNulls []interface{}
	hasNull := false
	for _, e := range list {
		if e == nil {
			hasNull = true
		} else {
			nonNulls = append(nonNulls, e)
		}
	}
	if len(nonNulls) == 0 {
		if hasNull && !c.strict {
			return frag(col + " IS NULL")
		}
		return frag(alwaysFalse)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(nonNulls)), ", ")
	sql := col + " IN (" + placeholders + ")"
	if hasNull && !c.strict {
		sql += " OR " + col + " IS NULL"
	}
	return Fragment{SQL: sql, Args: nonNulls}
}

func (c *Compiler) fieldRelation(col, op string, v interface{}, fold bool) Fragment {
	other, ok := c.desc.Field(cast.ToString(v))
	if !ok {
		c.log.Warnf("criteria: data source '%s' has no field '%s' to compare against, treating criterion as true", c.desc.ID, cast.ToString(v))
		return frag(alwaysTrue)
	}
	if fold {
		return frag(c.upperFold(col) + " " + op + " " + c.upperFold(other.Column()))
	}
	return frag(col + " " + op + " " + other.Column())
}

// translatePattern converts a client wildcard pattern to a LIKE
// pattern: * becomes %, ? becomes _, a backslash escapes the next
// character, and LIKE metacharacters in the input are escaped.
func translatePattern(p string) string {
	var b strings.Builder
	escaped := false
	for _, r := range p {
		if escaped {
			b.WriteString(likeEscaper.Replace(string(r)))
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		case '%', '_', '~':
			b.WriteString(likeEscaper.Replace(string(r)))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
