package dsbroker

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// The XML transport mirrors the JSON one: an envelope is a tree of
// objects, lists and scalars. Elements typed xsd:List hold repeated
// <elem> children; typed leaves carry their scalar kind in xsi:type.
// Everything decodes into the same interface{} shapes the JSON decoder
// produces so the rest of the pipeline never cares which transport a
// transaction arrived on.

type xmlNode struct {
	name     string
	xsiType  string
	text     strings.Builder
	children []*xmlNode
}

// parseXMLValue decodes one XML document into envelope values. It
// returns the root element's name so callers can tell a <transaction>
// document from a bare operation.
func parseXMLValue(data []byte) (rootName string, value interface{}, err error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var root *xmlNode
	var stack []*xmlNode
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		} else if err != nil {
			return "", nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &xmlNode{name: t.Name.Local}
			for _, a := range t.Attr {
				if a.Name.Local == "type" {
					n.xsiType = a.Value
				}
			}
			if len(stack) == 0 {
				if root != nil {
					return "", nil, fmt.Errorf("multiple root elements")
				}
				root = n
			} else {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) == 0 {
				return "", nil, fmt.Errorf("unbalanced end element </%s>", t.Name.Local)
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		}
	}
	if root == nil {
		return "", nil, fmt.Errorf("document has no root element")
	}
	return root.name, root.value(), nil
}

func (n *xmlNode) value() interface{} {
	if len(n.children) == 0 {
		return n.scalarValue()
	}

	// A list is marked explicitly or recognizable by its repeated
	// <elem> children.
	if n.isList() {
		out := make([]interface{}, 0, len(n.children))
		for _, c := range n.children {
			out = append(out, c.value())
		}
		return out
	}

	m := make(map[string]interface{}, len(n.children))
	for _, c := range n.children {
		v := c.value()
		if prev, ok := m[c.name]; ok {
			// Repeated member names coalesce into a list.
			if list, isList := prev.([]interface{}); isList {
				m[c.name] = append(list, v)
			} else {
				m[c.name] = []interface{}{prev, v}
			}
			continue
		}
		m[c.name] = v
	}
	return m
}

func (n *xmlNode) isList() bool {
	if strings.HasSuffix(n.xsiType, ":List") || n.xsiType == "List" {
		return true
	}
	for _, c := range n.children {
		if c.name != "elem" {
			return false
		}
	}
	return len(n.children) > 0
}

func (n *xmlNode) scalarValue() interface{} {
	text := strings.TrimSpace(n.text.String())
	kind := n.xsiType
	if i := strings.Index(kind, ":"); i >= 0 {
		kind = kind[i+1:]
	}
	switch kind {
	case "Object":
		return map[string]interface{}{}
	case "List":
		return []interface{}{}
	case "boolean":
		return text == "true"
	case "long", "int", "integer", "short", "byte", "float", "double", "decimal", "number":
		// Numbers take the shape JSON decoding gives them.
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			return f
		}
		return text
	default:
		return text
	}
}

// writeXMLValue serializes one envelope value under the given element
// name. Map members are emitted in sorted order so output is stable;
// list items become <record> elements when they are objects, matching
// how record sets travel to the client, and <value> elements otherwise.
func writeXMLValue(b *bytes.Buffer, name string, v interface{}) {
	switch tv := v.(type) {
	case nil:
		fmt.Fprintf(b, "<%s/>", name)
	case map[string]interface{}:
		writeXMLMap(b, name, tv)
	case Record:
		writeXMLMap(b, name, tv)
	case []Record:
		b.WriteString("<" + name + ">")
		for _, r := range tv {
			writeXMLValue(b, "record", r)
		}
		b.WriteString("</" + name + ">")
	case []map[string]interface{}:
		b.WriteString("<" + name + ">")
		for _, r := range tv {
			writeXMLValue(b, "record", r)
		}
		b.WriteString("</" + name + ">")
	case []interface{}:
		b.WriteString("<" + name + ">")
		for _, e := range tv {
			switch e.(type) {
			case map[string]interface{}, Record:
				writeXMLValue(b, "record", e)
			default:
				writeXMLValue(b, "value", e)
			}
		}
		b.WriteString("</" + name + ">")
	case map[string][]string:
		m := make(map[string]interface{}, len(tv))
		for k, vs := range tv {
			list := make([]interface{}, len(vs))
			for i, s := range vs {
				list[i] = s
			}
			m[k] = list
		}
		writeXMLMap(b, name, m)
	case string:
		b.WriteString("<" + name + ">")
		xml.EscapeText(b, []byte(tv))
		b.WriteString("</" + name + ">")
	case bool:
		fmt.Fprintf(b, "<%s>%t</%s>", name, tv, name)
	case int:
		fmt.Fprintf(b, "<%s>%d</%s>", name, tv, name)
	case int64:
		fmt.Fprintf(b, "<%s>%d</%s>", name, tv, name)
	case float64:
		fmt.Fprintf(b, "<%s>%s</%s>", name, strconv.FormatFloat(tv, 'f', -1, 64), name)
	default:
		b.WriteString("<" + name + ">")
		xml.EscapeText(b, []byte(fmt.Sprint(tv)))
		b.WriteString("</" + name + ">")
	}
}

func writeXMLMap(b *bytes.Buffer, name string, m map[string]interface{}) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteString("<" + name + ">")
	for _, k := range keys {
		writeXMLValue(b, k, m[k])
	}
	b.WriteString("</" + name + ">")
}
