// Package mrdapi holds the wire format of the MRD storage server REST API:
// blob metadata as returned by searches and creates, tag headers attached to
// data responses, and the error envelope.
package mrdapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Query parameters understood by the server.
const (
	ParamSubject  = "subject"
	ParamDevice   = "device"
	ParamSession  = "session"
	ParamName     = "name"
	ParamTTL      = "_ttl"
	ParamAt       = "_at"
	ParamLimit    = "_limit"
	ParamContinue = "_ct"
)

// Paths of the REST endpoints, relative to the server root.
const (
	PathHealthcheck = "healthcheck"
	PathBlobs       = "v1/blobs"
	PathBlobData    = "v1/blobs/data"
	PathLatestData  = "v1/blobs/data/latest"
)

// TagHeaderPrefix prefixes every tag echoed back on data responses.
const TagHeaderPrefix = "Mrd-Tag-"

// NullSubject is the subject used when none is configured.
const NullSubject = "$null"

// metadata keys of the blob JSON document; a custom tag may not shadow them.
const (
	fieldContentType  = "contentType"
	fieldLastModified = "lastModified"
	fieldLocation     = "location"
	fieldData         = "data"
	fieldExpiresAt    = "expiresAt"
)

var reserved = map[string]bool{
	ParamSubject:                       true,
	ParamDevice:                        true,
	ParamSession:                       true,
	ParamName:                          true,
	ParamTTL:                           true,
	ParamAt:                            true,
	ParamLimit:                         true,
	ParamContinue:                      true,
	strings.ToLower(fieldContentType):  true,
	strings.ToLower(fieldLastModified): true,
	fieldLocation:                      true,
	fieldData:                          true,
	strings.ToLower(fieldExpiresAt):    true,
}

// IsReservedTag reports whether name is a system tag or metadata key and
// therefore cannot be used as a custom tag. Tag names are case-insensitive.
func IsReservedTag(name string) bool {
	name = strings.ToLower(name)
	return reserved[name] || strings.HasPrefix(name, "_")
}

// ValidTagName reports whether name may be used as a tag name: a letter
// followed by letters, digits, '.', '-' or '_'.
func ValidTagName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '.' || r == '-' || r == '_'):
		default:
			return false
		}
	}
	return true
}

// BlobMeta describes one stored blob.
type BlobMeta struct {
	Subject      string
	Name         string
	Device       string
	Session      string
	ContentType  string
	LastModified time.Time
	Location     string
	Data         string
	ExpiresAt    *time.Time
	CustomTags   map[string][]string
}

// Page is one page of search results.
type Page struct {
	Items    []BlobMeta `json:"items"`
	NextLink string     `json:"nextLink,omitempty"`
}

// ErrorBody is the JSON envelope of a non-2xx response.
type ErrorBody struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

// MarshalJSON flattens custom tags into the top-level object.
func (m BlobMeta) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(m.CustomTags)+9)
	for k, v := range m.CustomTags {
		if len(v) == 1 {
			doc[k] = v[0]
		} else {
			doc[k] = v
		}
	}
	doc[ParamSubject] = m.Subject
	setIf(doc, ParamName, m.Name)
	setIf(doc, ParamDevice, m.Device)
	setIf(doc, ParamSession, m.Session)
	setIf(doc, fieldContentType, m.ContentType)
	setIf(doc, fieldLocation, m.Location)
	setIf(doc, fieldData, m.Data)
	if !m.LastModified.IsZero() {
		doc[fieldLastModified] = m.LastModified.UTC().Format(time.RFC3339Nano)
	}
	if m.ExpiresAt != nil {
		doc[fieldExpiresAt] = m.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(doc)
}

func setIf(doc map[string]any, key, value string) {
	if value != "" {
		doc[key] = value
	}
}

// UnmarshalJSON accepts custom tag values as strings, numbers, booleans or
// arrays of those.
func (m *BlobMeta) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	*m = BlobMeta{}
	for key, raw := range doc {
		values, err := tagValues(raw)
		if err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		first := ""
		if len(values) > 0 {
			first = values[0]
		}
		switch key {
		case ParamSubject:
			m.Subject = first
		case ParamName:
			m.Name = first
		case ParamDevice:
			m.Device = first
		case ParamSession:
			m.Session = first
		case fieldContentType:
			m.ContentType = first
		case fieldLocation:
			m.Location = first
		case fieldData:
			m.Data = first
		case fieldLastModified:
			if first == "" {
				continue
			}
			ts, err := time.Parse(time.RFC3339Nano, first)
			if err != nil {
				return fmt.Errorf("field %q: %w", key, err)
			}
			m.LastModified = ts
		case fieldExpiresAt:
			if first == "" {
				continue
			}
			ts, err := time.Parse(time.RFC3339Nano, first)
			if err != nil {
				return fmt.Errorf("field %q: %w", key, err)
			}
			m.ExpiresAt = &ts
		default:
			if m.CustomTags == nil {
				m.CustomTags = make(map[string][]string)
			}
			m.CustomTags[strings.ToLower(key)] = values
		}
	}
	return nil
}

func tagValues(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			v, err := scalar(item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
	v, err := scalar(raw)
	if err != nil {
		return nil, err
	}
	return []string{v}, nil
}

func scalar(raw json.RawMessage) (string, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return "", fmt.Errorf("unsupported tag value %s", string(raw))
	}
}

// DecodePage parses a search response.
func DecodePage(body []byte) (*Page, error) {
	var page Page
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// DecodeMeta parses the metadata document returned by a create.
func DecodeMeta(body []byte) (*BlobMeta, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	var meta BlobMeta
	if err := json.Unmarshal(trimmed, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// DecodeError parses an error envelope. ok is false when the body is not one.
func DecodeError(body []byte) (ErrorBody, bool) {
	var e ErrorBody
	if err := json.Unmarshal(body, &e); err != nil {
		return ErrorBody{}, false
	}
	if e.Code == "" && e.Message == "" {
		return ErrorBody{}, false
	}
	return e, true
}

// WriteHeaders sets the data-response headers describing m.
func WriteHeaders(h http.Header, m *BlobMeta) {
	if m.ContentType != "" {
		h.Set("Content-Type", m.ContentType)
	}
	if !m.LastModified.IsZero() {
		h.Set("Last-Modified", m.LastModified.UTC().Format(http.TimeFormat))
	}
	if m.Location != "" {
		h.Set("Location", m.Location)
	}
	if m.ExpiresAt != nil {
		h.Set("Expires", m.ExpiresAt.UTC().Format(http.TimeFormat))
	}
	setTag := func(name, value string) {
		if value != "" {
			h.Set(TagHeaderPrefix+name, value)
		}
	}
	setTag(ParamSubject, m.Subject)
	setTag(ParamName, m.Name)
	setTag(ParamDevice, m.Device)
	setTag(ParamSession, m.Session)

	keys := make([]string, 0, len(m.CustomTags))
	for k := range m.CustomTags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := http.CanonicalHeaderKey(TagHeaderPrefix + k)
		h.Del(key)
		for _, v := range m.CustomTags[k] {
			h.Add(key, v)
		}
	}
}

// MetaFromHeaders rebuilds blob metadata from a data response.
func MetaFromHeaders(h http.Header) (*BlobMeta, error) {
	m := &BlobMeta{
		ContentType: h.Get("Content-Type"),
		Location:    h.Get("Location"),
	}
	if lm := h.Get("Last-Modified"); lm != "" {
		ts, err := http.ParseTime(lm)
		if err != nil {
			return nil, fmt.Errorf("parse Last-Modified: %w", err)
		}
		m.LastModified = ts
	}
	if exp := h.Get("Expires"); exp != "" {
		ts, err := http.ParseTime(exp)
		if err != nil {
			return nil, fmt.Errorf("parse Expires: %w", err)
		}
		m.ExpiresAt = &ts
	}
	for key, values := range h {
		if len(key) <= len(TagHeaderPrefix) || !strings.EqualFold(key[:len(TagHeaderPrefix)], TagHeaderPrefix) {
			continue
		}
		name := strings.ToLower(key[len(TagHeaderPrefix):])
		switch name {
		case ParamSubject:
			m.Subject = first(values)
		case ParamName:
			m.Name = first(values)
		case ParamDevice:
			m.Device = first(values)
		case ParamSession:
			m.Session = first(values)
		default:
			if m.CustomTags == nil {
				m.CustomTags = make(map[string][]string)
			}
			m.CustomTags[name] = append([]string(nil), values...)
		}
	}
	return m, nil
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
