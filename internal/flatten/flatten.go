// Package flatten turns decoded JSON records into single-level rows keyed by
// dotted paths.
package flatten

import (
	"encoding/json"
	"strconv"
	"strings"

	"apisheet-proxy-go/internal/jsondoc"
)

const (
	payloadField = "data"
	// valueColumn holds a record that is not an object.
	valueColumn = "value"
)

// RecordSet is a sequence of flat records.
type RecordSet struct {
	// Columns are the first record's keys, used for previews.
	Columns []string
	Records []*jsondoc.Object
}

// Len returns the number of records.
func (rs *RecordSet) Len() int {
	return len(rs.Records)
}

// AllColumns returns the union of keys across every record, in order of first
// appearance. Exports use it so later records never lose fields.
func (rs *RecordSet) AllColumns() []string {
	seen := make(map[string]bool)
	var cols []string
	for _, rec := range rs.Records {
		for _, k := range rec.Keys() {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	return cols
}

// Flatten flattens v, which is normally a record sequence. A lone envelope
// (a one-element sequence or an object whose "data" is an array or a
// JSON-encoded array) is unwrapped first, and its scalar siblings are copied
// onto every row that lacks them.
func Flatten(v any) *RecordSet {
	items, shared := unwrap(v)

	rs := &RecordSet{Records: make([]*jsondoc.Object, 0, len(items))}
	for _, item := range items {
		row := jsondoc.NewObject()
		switch it := item.(type) {
		case *jsondoc.Object:
			flattenObject(row, "", it)
		default:
			setField(row, valueColumn, it)
		}
		if shared != nil {
			for _, k := range shared.Keys() {
				if !row.Has(k) {
					sv, _ := shared.Get(k)
					row.Set(k, sv)
				}
			}
		}
		rs.Records = append(rs.Records, row)
	}
	if len(rs.Records) > 0 {
		rs.Columns = rs.Records[0].Keys()
	}
	return rs
}

// unwrap returns the items to flatten and, for an envelope, its scalar siblings.
func unwrap(v any) ([]any, *jsondoc.Object) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		if len(t) == 1 {
			if obj, ok := t[0].(*jsondoc.Object); ok {
				if items, ok := envelopeItems(obj); ok {
					return items, scalarSiblings(obj)
				}
			}
		}
		return t, nil
	case *jsondoc.Object:
		if items, ok := envelopeItems(t); ok {
			return items, scalarSiblings(t)
		}
		return []any{t}, nil
	default:
		return []any{t}, nil
	}
}

func envelopeItems(obj *jsondoc.Object) ([]any, bool) {
	data, ok := obj.Get(payloadField)
	if !ok {
		return nil, false
	}
	switch d := data.(type) {
	case []any:
		return d, true
	case string:
		inner, err := jsondoc.Parse([]byte(d))
		if err != nil {
			return nil, false
		}
		arr, ok := inner.([]any)
		return arr, ok
	}
	return nil, false
}

func scalarSiblings(obj *jsondoc.Object) *jsondoc.Object {
	out := jsondoc.NewObject()
	for _, k := range obj.Keys() {
		if k == payloadField {
			continue
		}
		v, _ := obj.Get(k)
		switch v.(type) {
		case string, json.Number, bool:
			out.Set(k, v)
		}
	}
	if out.Len() == 0 {
		return nil
	}
	return out
}

func flattenObject(row *jsondoc.Object, prefix string, obj *jsondoc.Object) {
	for _, k := range obj.Keys() {
		v, _ := obj.Get(k)
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if child, ok := v.(*jsondoc.Object); ok {
			flattenObject(row, key, child)
			continue
		}
		setField(row, key, v)
	}
}

func setField(row *jsondoc.Object, key string, v any) {
	switch t := v.(type) {
	case nil:
		row.Set(key, "")
	case []any:
		row.Set(key, flattenArray(t))
	case *jsondoc.Object:
		flattenObject(row, key, t)
	default:
		row.Set(key, t)
	}
}

// flattenArray renders an array as one cell: structured arrays become indented
// JSON text, primitive arrays are joined with ", ".
func flattenArray(arr []any) string {
	if len(arr) == 0 {
		return ""
	}
	switch arr[0].(type) {
	case *jsondoc.Object, []any, nil:
		b, err := jsondoc.MarshalIndent(arr)
		if err != nil {
			return ""
		}
		return string(b)
	}
	parts := make([]string, len(arr))
	for i, e := range arr {
		parts[i] = String(e)
	}
	return strings.Join(parts, ", ")
}

// String renders a flat value as cell text. Structured values are encoded as
// compact JSON.
func String(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := jsondoc.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
