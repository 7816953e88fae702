// Package classify decides what kind of data an upstream response body holds.
package classify

import (
	"bytes"
	"mime"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"

	"apisheet-proxy-go/internal/jsondoc"
)

// Kind is the classification of a response body.
type Kind int

const (
	// Invalid is a body that is neither HTML nor a JSON array or object.
	Invalid Kind = iota
	// Array is a bare JSON array.
	Array
	// ObjectWithPayload is an envelope object whose "data" field holds the records.
	ObjectWithPayload
	// ScalarObject is any other JSON object; it becomes a single record.
	ScalarObject
	// MisclassifiedHTML is an HTML document returned where JSON was expected.
	MisclassifiedHTML
)

func (k Kind) String() string {
	switch k {
	case Array:
		return "array"
	case ObjectWithPayload:
		return "object_with_payload"
	case ScalarObject:
		return "scalar_object"
	case MisclassifiedHTML:
		return "misclassified_html"
	default:
		return "invalid"
	}
}

// Success reports whether the kind yields records.
func (k Kind) Success() bool {
	return k == Array || k == ObjectWithPayload || k == ScalarObject
}

// payloadField is the envelope field that carries the real payload.
const payloadField = "data"

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Result is the outcome of classifying one response body.
type Result struct {
	Kind Kind
	// Payload is the record sequence for successful kinds.
	Payload []any
	// Value is the whole parsed body (nil for HTML and Invalid).
	Value any
	// Title is the <title> of a misclassified HTML document, if any.
	Title string
	// Reason explains an Invalid classification.
	Reason string
}

// Classify inspects a response body and its headers. accept is the Accept header
// the caller sent upstream. Classify never fails: undecodable input is Invalid.
func Classify(body []byte, header http.Header, accept string) Result {
	contentType := header.Get("Content-Type")
	body = ToUTF8(body, contentType)

	if IsHTMLDocument(body) || IsHTMLContentType(contentType, accept) {
		return Result{Kind: MisclassifiedHTML, Title: htmlTitle(body)}
	}

	v, err := jsondoc.Parse(body)
	if err != nil {
		return Result{Kind: Invalid, Reason: "body is not valid JSON: " + err.Error()}
	}

	switch doc := v.(type) {
	case []any:
		return Result{Kind: Array, Payload: doc, Value: v}
	case *jsondoc.Object:
		if payload, ok := envelopePayload(doc); ok {
			return Result{Kind: ObjectWithPayload, Payload: payload, Value: v}
		}
		return Result{Kind: ScalarObject, Payload: []any{doc}, Value: v}
	default:
		return Result{Kind: Invalid, Value: v, Reason: "top-level JSON value is not an array or object"}
	}
}

// envelopePayload extracts the records of an envelope whose "data" field is an
// array or a JSON-encoded array. A "data" string that fails to parse yields an
// empty payload; one that parses to a non-array is not an envelope.
func envelopePayload(obj *jsondoc.Object) ([]any, bool) {
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
			return []any{}, true
		}
		if arr, ok := inner.([]any); ok {
			return arr, true
		}
	}
	return nil, false
}

// IsHTMLDocument reports whether body, ignoring a BOM and leading whitespace,
// starts with "<!DOCTYPE" or "<html" in any letter case.
func IsHTMLDocument(body []byte) bool {
	b := bytes.TrimPrefix(body, utf8BOM)
	b = bytes.TrimLeft(b, " \t\r\n\f")
	return hasPrefixFold(b, "<!doctype") || hasPrefixFold(b, "<html")
}

// IsHTMLContentType reports whether the response declared text/html although the
// request asked for application/json.
func IsHTMLContentType(contentType, accept string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/html") &&
		strings.Contains(strings.ToLower(accept), "application/json")
}

func hasPrefixFold(b []byte, prefix string) bool {
	return len(b) >= len(prefix) && strings.EqualFold(string(b[:len(prefix)]), prefix)
}

// ToUTF8 strips a UTF-8 BOM and transcodes bodies whose Content-Type declares a
// non-UTF-8 charset. Bodies that cannot be transcoded are returned unchanged.
func ToUTF8(body []byte, contentType string) []byte {
	body = bytes.TrimPrefix(body, utf8BOM)

	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return body
	}
	label := strings.ToLower(strings.TrimSpace(params["charset"]))
	if label == "" || label == "utf-8" || label == "utf8" {
		return body
	}

	enc, name := charset.Lookup(label)
	if enc == nil || name == "utf-8" {
		return body
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return body
	}
	return decoded
}

func htmlTitle(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}
