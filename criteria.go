package dsbroker

import "github.com/spf13/cast"

// Operator is one node operator of an advanced criteria tree.
type Operator string

// Logical operators.
const (
	OpAnd Operator = "and"
	OpOr  Operator = "or"
	OpNot Operator = "not"
)

// Comparison operators.
const (
	OpEquals            Operator = "equals"
	OpNotEqual          Operator = "notEqual"
	OpGreaterThan       Operator = "greaterThan"
	OpLessThan          Operator = "lessThan"
	OpGreaterOrEqual    Operator = "greaterOrEqual"
	OpLessOrEqual       Operator = "lessOrEqual"
	OpBetween           Operator = "between"
	OpBetweenInclusive  Operator = "betweenInclusive"
	OpIBetween          Operator = "iBetween"
	OpIBetweenInclusive Operator = "iBetweenInclusive"
	OpIEquals           Operator = "iEquals"
	OpINotEqual         Operator = "iNotEqual"
)

// Substring operators.
const (
	OpContains       Operator = "contains"
	OpStartsWith     Operator = "startsWith"
	OpEndsWith       Operator = "endsWith"
	OpIContains      Operator = "iContains"
	OpIStartsWith    Operator = "iStartsWith"
	OpIEndsWith      Operator = "iEndsWith"
	OpNotContains    Operator = "notContains"
	OpNotStartsWith  Operator = "notStartsWith"
	OpNotEndsWith    Operator = "notEndsWith"
	OpINotContains   Operator = "iNotContains"
	OpINotStartsWith Operator = "iNotStartsWith"
	OpINotEndsWith   Operator = "iNotEndsWith"
)

// Pattern operators: the value is a wildcard pattern using * and ?.
const (
	OpMatchesPattern        Operator = "matchesPattern"
	OpIMatchesPattern       Operator = "iMatchesPattern"
	OpContainsPattern       Operator = "containsPattern"
	OpStartsWithPattern     Operator = "startsWithPattern"
	OpEndsWithPattern       Operator = "endsWithPattern"
	OpIContainsPattern      Operator = "iContainsPattern"
	OpIStartsWithPattern    Operator = "iStartsWithPattern"
	OpIEndsWithPattern      Operator = "iEndsWithPattern"
	OpNotContainsPattern    Operator = "notContainsPattern"
	OpNotStartsWithPattern  Operator = "notStartsWithPattern"
	OpNotEndsWithPattern    Operator = "notEndsWithPattern"
	OpINotContainsPattern   Operator = "iNotContainsPattern"
	OpINotStartsWithPattern Operator = "iNotStartsWithPattern"
	OpINotEndsWithPattern   Operator = "iNotEndsWithPattern"
)

// Null and blank tests.
const (
	OpIsBlank  Operator = "isBlank"
	OpNotBlank Operator = "notBlank"
	OpIsNull   Operator = "isNull"
	OpNotNull  Operator = "notNull"
)

// Set membership.
const (
	OpInSet    Operator = "inSet"
	OpNotInSet Operator = "notInSet"
)

// Cross-field operators: the value names another field of the same
// descriptor.
const (
	OpEqualsField         Operator = "equalsField"
	OpNotEqualField       Operator = "notEqualField"
	OpIEqualsField        Operator = "iEqualsField"
	OpINotEqualField      Operator = "iNotEqualField"
	OpGreaterThanField    Operator = "greaterThanField"
	OpLessThanField       Operator = "lessThanField"
	OpGreaterOrEqualField Operator = "greaterOrEqualField"
	OpLessOrEqualField    Operator = "lessOrEqualField"
	OpContainsField       Operator = "containsField"
	OpStartsWithField     Operator = "startsWithField"
	OpEndsWithField       Operator = "endsWithField"
	OpIContainsField      Operator = "iContainsField"
	OpIStartsWithField    Operator = "iStartsWithField"
	OpIEndsWithField      Operator = "iEndsWithField"
	OpNotContainsField    Operator = "notContainsField"
	OpNotStartsWithField  Operator = "notStartsWithField"
	OpNotEndsWithField    Operator = "notEndsWithField"
	OpINotContainsField   Operator = "iNotContainsField"
	OpINotStartsWithField Operator = "iNotStartsWithField"
	OpINotEndsWithField   Operator = "iNotEndsWithField"
)

// Regular expression operators arrive from clients but have no portable
// SQL rendering; compilers log and skip them.
const (
	OpRegexp  Operator = "regexp"
	OpIRegexp Operator = "iRegexp"
)

// IsLogical reports whether the operator combines child criteria.
func (o Operator) IsLogical() bool {
	return o == OpAnd || o == OpOr || o == OpNot
}

// Criterion is one node of an advanced criteria tree: either a logical
// combination of child criteria or a single field predicate.
type Criterion struct {
	Operator  Operator
	FieldName string
	Value     interface{}
	Start     interface{}
	End       interface{}
	Criteria  []*Criterion

	// Decode diagnostics for malformed logical nodes: MissingChildren
	// means the criteria member was absent entirely, InvalidChildren
	// that it was present but not a list.
	MissingChildren bool
	InvalidChildren bool
}

// AdvancedCriteriaConstructor is the envelope marker for criteria sent
// in tree form.
const AdvancedCriteriaConstructor = "AdvancedCriteria"

// IsAdvancedCriteria reports whether a raw criteria object is an
// advanced criteria tree rather than a simple field-value map.
func IsAdvancedCriteria(m map[string]interface{}) bool {
	if m == nil {
		return false
	}
	if cast.ToString(m["_constructor"]) == AdvancedCriteriaConstructor {
		return true
	}
	if _, ok := m["operator"]; !ok {
		return false
	}
	_, hasCriteria := m["criteria"]
	_, hasFieldName := m["fieldName"]
	return hasCriteria || hasFieldName
}

// DecodeCriterion converts a raw parsed envelope value into a criterion
// node, recording rather than rejecting malformed logical nodes so the
// compiler can apply its documented fallbacks.
func DecodeCriterion(raw interface{}) *Criterion {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil
	}
	c := &Criterion{
		Operator:  Operator(cast.ToString(m["operator"])),
		FieldName: cast.ToString(m["fieldName"]),
		Value:     m["value"],
		Start:     m["start"],
		End:       m["end"],
	}
	if !c.Operator.IsLogical() {
		return c
	}

	rawChildren, present := m["criteria"]
	if !present {
		c.MissingChildren = true
		return c
	}
	list, ok := rawChildren.([]interface{})
	if !ok {
		// A single nested object is accepted as a one-element list; any
		// other shape is marked invalid.
		if child, isMap := rawChildren.(map[string]interface{}); isMap {
			if cc := DecodeCriterion(child); cc != nil {
				c.Criteria = []*Criterion{cc}
			}
			return c
		}
		c.InvalidChildren = true
		return c
	}
	for _, e := range list {
		if cc := DecodeCriterion(e); cc != nil {
			c.Criteria = append(c.Criteria, cc)
		}
	}
	return c
}
