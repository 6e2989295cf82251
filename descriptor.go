package dsbroker

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dsbroker/dsbroker/errors"
	"github.com/dsbroker/dsbroker/logger"
)

// Server types a descriptor may declare. Anything else is looked up in
// the data source registry by name.
const (
	ServerTypeGeneric = "generic"
	ServerTypeSQL     = "sql"
	ServerTypeJSON    = "json"
)

// DataSourceDescriptor is the immutable metadata for one logical record
// set, loaded from a .ds.xml or .ds.js file and cached for the life of
// the process.
type DataSourceDescriptor struct {
	XMLName           xml.Name           `json:"-" xml:"DataSource"`
	ID                string             `json:"ID" xml:"ID,attr"`
	ServerType        string             `json:"serverType,omitempty" xml:"serverType,attr"`
	ServerConstructor string             `json:"serverConstructor,omitempty" xml:"serverConstructor,attr"`
	TableName         string             `json:"tableName,omitempty" xml:"tableName,attr"`
	DBName            string             `json:"dbName,omitempty" xml:"dbName,attr"`
	FileName          string             `json:"fileName,omitempty" xml:"fileName,attr"`
	JSONPrefix        string             `json:"jsonPrefix,omitempty" xml:"jsonPrefix,attr"`
	JSONSuffix        string             `json:"jsonSuffix,omitempty" xml:"jsonSuffix,attr"`
	Fields            []*FieldDescriptor `json:"fields" xml:"fields>field"`

	byName map[string]*FieldDescriptor
}

func (d *DataSourceDescriptor) normalize() error {
	if d.ID == "" {
		return fmt.Errorf("descriptor has no ID")
	}
	if d.ServerType == "" {
		d.ServerType = ServerTypeGeneric
	}
	d.byName = make(map[string]*FieldDescriptor, len(d.Fields))
	for _, f := range d.Fields {
		if f.Name == "" {
			return fmt.Errorf("descriptor '%s' has a field with no name", d.ID)
		}
		if _, ok := d.byName[f.Name]; ok {
			return fmt.Errorf("descriptor '%s' declares field '%s' twice", d.ID, f.Name)
		}
		d.byName[f.Name] = f
	}
	return nil
}

// Field looks a field up by name.
func (d *DataSourceDescriptor) Field(name string) (*FieldDescriptor, bool) {
	f, ok := d.byName[name]
	return f, ok
}

// Table is the back-end table backing the data source.
func (d *DataSourceDescriptor) Table() string {
	if d.TableName != "" {
		return d.TableName
	}
	return d.ID
}

// PKFields returns the primary key fields in declaration order.
func (d *DataSourceDescriptor) PKFields() []*FieldDescriptor {
	var out []*FieldDescriptor
	for _, f := range d.Fields {
		if f.PrimaryKey {
			out = append(out, f)
		}
	}
	return out
}

// NonPKFields returns every field not in the primary key, in
// declaration order.
func (d *DataSourceDescriptor) NonPKFields() []*FieldDescriptor {
	var out []*FieldDescriptor
	for _, f := range d.Fields {
		if !f.PrimaryKey {
			out = append(out, f)
		}
	}
	return out
}

// SequenceField returns the first generated-key field, if any.
func (d *DataSourceDescriptor) SequenceField() (*FieldDescriptor, bool) {
	for _, f := range d.Fields {
		if f.Type == FieldTypeSequence {
			return f, true
		}
	}
	return nil, false
}

// PKValues projects the full primary key out of obj. A primary key
// field that is absent or null fails the projection.
func (d *DataSourceDescriptor) PKValues(obj map[string]interface{}) (map[string]interface{}, error) {
	pks := d.PKFields()
	if len(pks) == 0 {
		return nil, NewErrMissingPrimaryKey(d.ID, "(none declared)")
	}
	out := make(map[string]interface{}, len(pks))
	for _, f := range pks {
		v, ok := obj[f.Name]
		if !ok || v == nil {
			return nil, NewErrMissingPrimaryKey(d.ID, f.Name)
		}
		out[f.Name] = v
	}
	return out, nil
}

// NonPKValues projects the non-key values present in obj.
func (d *DataSourceDescriptor) NonPKValues(obj map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for _, f := range d.NonPKFields() {
		if v, ok := obj[f.Name]; ok {
			out[f.Name] = v
		}
	}
	return out
}

// ToRecord projects obj onto exactly the descriptor's fields; declared
// fields missing from obj come back null.
func (d *DataSourceDescriptor) ToRecord(obj map[string]interface{}) Record {
	rec := make(Record, len(d.Fields))
	for _, f := range d.Fields {
		rec[f.Name] = obj[f.Name]
	}
	return rec
}

// ToRecords projects a single object or a list of objects. Anything
// that is not an object is dropped.
func (d *DataSourceDescriptor) ToRecords(v interface{}) []Record {
	switch tv := v.(type) {
	case nil:
		return []Record{}
	case map[string]interface{}:
		return []Record{d.ToRecord(tv)}
	case Record:
		return []Record{d.ToRecord(tv)}
	case []Record:
		out := make([]Record, 0, len(tv))
		for _, r := range tv {
			out = append(out, d.ToRecord(r))
		}
		return out
	case []interface{}:
		out := make([]Record, 0, len(tv))
		for _, e := range tv {
			if m, ok := e.(map[string]interface{}); ok {
				out = append(out, d.ToRecord(m))
			}
		}
		return out
	default:
		return []Record{}
	}
}

// ParseDescriptorXML parses a .ds.xml descriptor document.
func ParseDescriptorXML(data []byte) (*DataSourceDescriptor, error) {
	var d DataSourceDescriptor
	if err := xml.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	if err := d.normalize(); err != nil {
		return nil, err
	}
	return &d, nil
}

// ParseDescriptorJS parses a .ds.js descriptor, which is the same shape
// in JSON, optionally wrapped in a top-level DataSource member.
func ParseDescriptorJS(data []byte) (*DataSourceDescriptor, error) {
	var d DataSourceDescriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	if d.ID == "" {
		var wrapper struct {
			DataSource *DataSourceDescriptor `json:"DataSource"`
		}
		if err := json.Unmarshal(data, &wrapper); err == nil && wrapper.DataSource != nil {
			d = *wrapper.DataSource
		}
	}
	if err := d.normalize(); err != nil {
		return nil, err
	}
	return &d, nil
}

// DescriptorCache loads descriptor files lazily and caches them by id
// for the life of the process.
type DescriptorCache struct {
	path string
	log  logger.Logger

	mu   sync.Mutex
	byID map[string]*DataSourceDescriptor
}

// NewDescriptorCache returns a cache reading descriptor files from path.
func NewDescriptorCache(path string, log logger.Logger) *DescriptorCache {
	if log == nil {
		log = logger.NopLogger
	}
	return &DescriptorCache{
		path: path,
		log:  log,
		byID: make(map[string]*DataSourceDescriptor),
	}
}

// Load returns the descriptor for id, reading <id>.ds.xml or <id>.ds.js
// from the cache's path on first use.
func (c *DescriptorCache) Load(id string) (*DataSourceDescriptor, error) {
	if !validDescriptorID(id) {
		return nil, NewErrDescriptorNotFound(id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.byID[id]; ok {
		return d, nil
	}

	d, err := c.read(id)
	if err != nil {
		return nil, err
	}
	if d.ID != id {
		return nil, NewErrTypeMismatch(id, d.ID)
	}
	c.log.Debugf("loaded descriptor '%s' (serverType=%s, %d fields)", d.ID, d.ServerType, len(d.Fields))
	c.byID[id] = d
	return d, nil
}

func (c *DescriptorCache) read(id string) (*DataSourceDescriptor, error) {
	if data, err := os.ReadFile(filepath.Join(c.path, id+".ds.xml")); err == nil {
		d, perr := ParseDescriptorXML(data)
		if perr != nil {
			return nil, NewErrDescriptorParse(id, perr)
		}
		return d, nil
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "reading descriptor for '%s'", id)
	}

	if data, err := os.ReadFile(filepath.Join(c.path, id+".ds.js")); err == nil {
		d, perr := ParseDescriptorJS(data)
		if perr != nil {
			return nil, NewErrDescriptorParse(id, perr)
		}
		return d, nil
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "reading descriptor for '%s'", id)
	}

	return nil, NewErrDescriptorNotFound(id)
}

// validDescriptorID keeps ids usable as file name stems. The reserved
// "$systemSchema" id passes here and is filtered by callers that care.
func validDescriptorID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '-', r == '$':
		default:
			return false
		}
	}
	return true
}
