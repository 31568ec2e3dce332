package mrdstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Payload content types.
const (
	ContentTypeJSON   = "application/json"
	ContentTypeCBOR   = "application/cbor"
	ContentTypeBinary = "application/octet-stream"
)

// Payload is the data of a blob together with its metadata.
type Payload struct {
	BlobInfo
	Raw []byte
}

// Value decodes the payload into the shape it was stored as: map[string]any
// (or another JSON value) for JSON, []float64 for numeric arrays, and the raw
// bytes for anything else.
func (p *Payload) Value() (any, error) {
	switch mediaType(p.ContentType) {
	case ContentTypeJSON:
		var v any
		if err := json.Unmarshal(p.Raw, &v); err != nil {
			return nil, &SerializeError{Op: "decode", ContentType: ContentTypeJSON, Err: err}
		}
		return v, nil
	case ContentTypeCBOR:
		var arr []float64
		if err := cbor.Unmarshal(p.Raw, &arr); err == nil {
			return arr, nil
		}
		var v any
		if err := cbor.Unmarshal(p.Raw, &v); err != nil {
			return nil, &SerializeError{Op: "decode", ContentType: ContentTypeCBOR, Err: err}
		}
		return v, nil
	default:
		return append([]byte(nil), p.Raw...), nil
	}
}

// Map decodes a JSON object payload.
func (p *Payload) Map() (map[string]any, error) {
	if ct := mediaType(p.ContentType); ct != ContentTypeJSON {
		return nil, &SerializeError{Op: "decode", ContentType: ct, Err: errors.New("payload is not a JSON document")}
	}
	var m map[string]any
	if err := json.Unmarshal(p.Raw, &m); err != nil {
		return nil, &SerializeError{Op: "decode", ContentType: ContentTypeJSON, Err: err}
	}
	return m, nil
}

// Array decodes a numeric array payload. JSON arrays of numbers are accepted
// as well as CBOR ones.
func (p *Payload) Array() ([]float64, error) {
	var arr []float64
	switch ct := mediaType(p.ContentType); ct {
	case ContentTypeCBOR:
		if err := cbor.Unmarshal(p.Raw, &arr); err != nil {
			return nil, &SerializeError{Op: "decode", ContentType: ct, Err: err}
		}
	case ContentTypeJSON:
		if err := json.Unmarshal(p.Raw, &arr); err != nil {
			return nil, &SerializeError{Op: "decode", ContentType: ct, Err: err}
		}
	default:
		return nil, &SerializeError{Op: "decode", ContentType: ct, Err: errors.New("payload is not a numeric array")}
	}
	return arr, nil
}

// Decode unmarshals the payload into v according to its content type.
func (p *Payload) Decode(v any) error {
	ct := mediaType(p.ContentType)
	var err error
	switch ct {
	case ContentTypeJSON:
		err = json.Unmarshal(p.Raw, v)
	case ContentTypeCBOR:
		err = cbor.Unmarshal(p.Raw, v)
	default:
		switch dst := v.(type) {
		case *[]byte:
			*dst = append([]byte(nil), p.Raw...)
		default:
			err = fmt.Errorf("cannot decode into %T", v)
		}
	}
	if err != nil {
		return &SerializeError{Op: "decode", ContentType: ct, Err: err}
	}
	return nil
}

// encodePayload picks the wire encoding for data.
func encodePayload(data any) ([]byte, string, error) {
	switch v := data.(type) {
	case nil:
		return nil, "", &SerializeError{Op: "encode", Err: errors.New("data is nil")}
	case []byte:
		return v, ContentTypeBinary, nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, "", &SerializeError{Op: "encode", ContentType: ContentTypeJSON, Err: errors.New("invalid JSON")}
		}
		return v, ContentTypeJSON, nil
	}

	if arr, ok := numericSlice(data); ok {
		raw, err := cbor.Marshal(arr)
		if err != nil {
			return nil, "", &SerializeError{Op: "encode", ContentType: ContentTypeCBOR, Err: err}
		}
		return raw, ContentTypeCBOR, nil
	}

	raw, err := jsonMarshal(data)
	if err != nil {
		return nil, "", &SerializeError{Op: "encode", ContentType: ContentTypeJSON, Err: err}
	}
	return raw, ContentTypeJSON, nil
}

// numericSlice converts slices and arrays of integers or floats to []float64.
func numericSlice(data any) ([]float64, bool) {
	if arr, ok := data.([]float64); ok {
		return arr, true
	}
	rv := reflect.ValueOf(data)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	var conv func(reflect.Value) float64
	switch rv.Type().Elem().Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		conv = func(v reflect.Value) float64 { return float64(v.Int()) }
	case reflect.Uint, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		conv = func(v reflect.Value) float64 { return float64(v.Uint()) }
	case reflect.Float32, reflect.Float64:
		conv = func(v reflect.Value) float64 { return v.Float() }
	default:
		return nil, false
	}
	out := make([]float64, rv.Len())
	for i := range out {
		out[i] = conv(rv.Index(i))
	}
	return out, true
}

func jsonMarshal(value any) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return contentType
	}
	return mt
}
