package mrdstore

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
)

// Default connection settings.
const (
	DefaultHost    = "localhost"
	DefaultPort    = 3333
	DefaultSubject = "$null"
	DefaultTimeout = 3 * time.Second
)

// Config configures a Client. Zero values select the defaults above.
type Config struct {
	// URL overrides Host and Port, e.g. "https://storage.example.org/mrd".
	URL     string
	Host    string
	Port    int
	Subject string
	Device  string
	Session string
	// Timeout bounds every HTTP exchange.
	Timeout time.Duration
	// MaxRetries applies to fetches only; zero selects three retries and a
	// negative value disables them.
	MaxRetries int
	// HTTPClient replaces the default HTTP client; Timeout and Transport are
	// then ignored.
	HTTPClient *http.Client
	Transport  http.RoundTripper
	Logger     logr.Logger
}

// StoreOptions carries the metadata attached to a blob when it is stored.
type StoreOptions struct {
	Name string
	// TTL is a Go duration string such as "1m" or "2h30m".
	TTL string
	// CustomTags values must be strings, booleans, numbers, or slices of those
	// for multi-valued tags.
	CustomTags map[string]any
}

// Query narrows which blobs a fetch returns. Blobs always belong to the
// client's subject (and device and session, when configured).
type Query struct {
	Name       string
	CustomTags map[string]any
	// At returns blobs as they were at the given instant. Zero means now.
	At time.Time
	// PageSize is the number of blobs requested per search page. Zero leaves
	// the choice to the server.
	PageSize int
}

// Tags holds custom tag values by lower-case tag name.
type Tags map[string][]string

// Get returns the first value of a tag.
func (t Tags) Get(key string) (string, bool) {
	values := t[normalizeTag(key)]
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

// Values returns every value of a tag.
func (t Tags) Values(key string) []string {
	return t[normalizeTag(key)]
}

// Int parses the first value of a tag as an integer.
func (t Tags) Int(key string) (int64, error) {
	v, ok := t.Get(key)
	if !ok {
		return 0, &TagNotFoundError{Key: key}
	}
	return strconv.ParseInt(v, 10, 64)
}

// Float parses the first value of a tag as a float.
func (t Tags) Float(key string) (float64, error) {
	v, ok := t.Get(key)
	if !ok {
		return 0, &TagNotFoundError{Key: key}
	}
	return strconv.ParseFloat(v, 64)
}

// BlobInfo is the metadata of a stored blob.
type BlobInfo struct {
	Subject      string
	Name         string
	Device       string
	Session      string
	ContentType  string
	LastModified time.Time
	ExpiresAt    *time.Time
	Location     string
	DataURL      string
	CustomTags   Tags
}

// Tag returns the first value of a custom tag.
func (b *BlobInfo) Tag(key string) (string, bool) {
	return b.CustomTags.Get(key)
}

// TagInt returns the first value of a custom tag parsed as an integer.
func (b *BlobInfo) TagInt(key string) (int64, error) {
	return b.CustomTags.Int(key)
}

// TagFloat returns the first value of a custom tag parsed as a float.
func (b *BlobInfo) TagFloat(key string) (float64, error) {
	return b.CustomTags.Float(key)
}

// SearchPage is one page of a blob search.
type SearchPage struct {
	Blobs    []BlobInfo
	NextLink string
}
