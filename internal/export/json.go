package export

import (
	"fmt"

	"apisheet-proxy-go/internal/jsondoc"
)

// JSON pretty-prints v with two-space indentation. A one-element sequence
// whose object carries a "data" string encoding an array exports that inner
// array instead.
func JSON(v any, filename string) (*Blob, error) {
	if v == nil {
		v = []any{}
	}
	b, err := jsondoc.MarshalIndent(unwrapEnvelope(v))
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return newBlob(FormatJSON, filename, b), nil
}

func unwrapEnvelope(v any) any {
	var obj *jsondoc.Object
	switch t := v.(type) {
	case []any:
		if len(t) != 1 {
			return v
		}
		o, ok := t[0].(*jsondoc.Object)
		if !ok {
			return v
		}
		obj = o
	case *jsondoc.Object:
		obj = t
	default:
		return v
	}

	data, ok := obj.Get("data")
	if !ok {
		return v
	}
	s, ok := data.(string)
	if !ok {
		return v
	}
	inner, err := jsondoc.Parse([]byte(s))
	if err != nil {
		return v
	}
	if arr, ok := inner.([]any); ok {
		return arr
	}
	return v
}
