package dsbroker

// FieldType is the scalar kind of a descriptor field.
type FieldType string

const (
	FieldTypeText     FieldType = "text"
	FieldTypeInteger  FieldType = "integer"
	FieldTypeFloat    FieldType = "float"
	FieldTypeBoolean  FieldType = "boolean"
	FieldTypeDate     FieldType = "date"
	FieldTypeDatetime FieldType = "datetime"
	FieldTypeTime     FieldType = "time"

	// FieldTypeSequence marks an integer primary key generated by the
	// back end on insert.
	FieldTypeSequence FieldType = "sequence"
)

// IsTextual reports whether values of this type take part in text
// matching (LIKE, case folding). Untyped fields are treated as text,
// matching how descriptors omit type on plain columns.
func (t FieldType) IsTextual() bool {
	switch t {
	case FieldTypeInteger, FieldTypeFloat, FieldTypeBoolean,
		FieldTypeDate, FieldTypeDatetime, FieldTypeTime, FieldTypeSequence:
		return false
	}
	return true
}

// FieldDescriptor describes one field of a data source. Immutable after
// descriptor load.
type FieldDescriptor struct {
	Name       string    `json:"name" xml:"name,attr"`
	NativeName string    `json:"nativeName,omitempty" xml:"nativeName,attr"`
	Type       FieldType `json:"type,omitempty" xml:"type,attr"`
	PrimaryKey bool      `json:"primaryKey,omitempty" xml:"primaryKey,attr"`
	Hidden     bool      `json:"hidden,omitempty" xml:"hidden,attr"`
	Title      string    `json:"title,omitempty" xml:"title,attr"`
}

// Column is the back-end column the field is stored in.
func (f *FieldDescriptor) Column() string {
	if f.NativeName != "" {
		return f.NativeName
	}
	return f.Name
}

// Record is one row keyed by field name.
type Record map[string]interface{}
