// Package mock implements the MRD storage server in memory: the blob store
// with tag queries and TTL expiry, and an http.Handler serving it with the
// server's REST contract.
package mock

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ismrmrd/mrd_storage_sdk_go/internal/mrdapi"
)

var (
	// ErrNotFound is returned when no blob matches.
	ErrNotFound = errors.New("mock mrdstore: not found")
	// ErrMissingSubject is returned when a request carries no subject.
	ErrMissingSubject = errors.New("mock mrdstore: subject is required")
)

// InvalidTagError reports a tag the store refuses.
type InvalidTagError struct {
	Tag    string
	Reason string
}

func (e *InvalidTagError) Error() string {
	return fmt.Sprintf("mock mrdstore: invalid tag %q: %s", e.Tag, e.Reason)
}

// Record is a stored blob.
type Record struct {
	ID          string
	Subject     string
	Name        string
	Device      string
	Session     string
	ContentType string
	CustomTags  map[string][]string
	Data        []byte
	CreatedAt   time.Time
	ExpiresAt   *time.Time

	seq uint64
}

func (r *Record) expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

func (r *Record) clone() *Record {
	out := *r
	out.Data = append([]byte(nil), r.Data...)
	out.CustomTags = make(map[string][]string, len(r.CustomTags))
	for k, v := range r.CustomTags {
		out.CustomTags[k] = append([]string(nil), v...)
	}
	if r.ExpiresAt != nil {
		exp := *r.ExpiresAt
		out.ExpiresAt = &exp
	}
	return &out
}

// Filter selects blobs. Subject is mandatory; every other set field must
// match, and each custom tag value listed must be among the blob's values.
type Filter struct {
	Subject    string
	Name       string
	Device     string
	Session    string
	CustomTags map[string][]string
	// At hides blobs created after it. Zero means now.
	At time.Time
}

func (f *Filter) matches(r *Record) bool {
	if r.Subject != f.Subject {
		return false
	}
	if f.Name != "" && r.Name != f.Name {
		return false
	}
	if f.Device != "" && r.Device != f.Device {
		return false
	}
	if f.Session != "" && r.Session != f.Session {
		return false
	}
	if !f.At.IsZero() && r.CreatedAt.After(f.At) {
		return false
	}
	for tag, wanted := range f.CustomTags {
		have := r.CustomTags[tag]
		for _, w := range wanted {
			if !contains(have, w) {
				return false
			}
		}
	}
	return true
}

func contains(values []string, v string) bool {
	for _, have := range values {
		if have == v {
			return true
		}
	}
	return false
}

// Mock is an in-memory MRD storage server.
type Mock struct {
	mu      sync.Mutex
	records map[string]*Record
	seq     uint64
	now     func() time.Time

	pageSize    int
	maxBlobSize int64
}

// Option configures the mock instance.
type Option func(*Mock)

// WithClock overrides the clock used for timestamps and TTL bookkeeping
// (useful in tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Mock) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithPageSize sets the default number of blobs per search page.
func WithPageSize(n int) Option {
	return func(m *Mock) {
		if n > 0 {
			m.pageSize = n
		}
	}
}

// WithMaxBlobSize caps the size of a stored payload accepted by the handler.
func WithMaxBlobSize(n int64) Option {
	return func(m *Mock) {
		if n > 0 {
			m.maxBlobSize = n
		}
	}
}

const (
	// DefaultPageSize is the number of blobs per search page unless overridden.
	DefaultPageSize = 20
	// DefaultMaxBlobSize is the largest payload the handler accepts by default.
	DefaultMaxBlobSize = 64 << 20
)

// New creates an empty mock store.
func New(opts ...Option) *Mock {
	m := &Mock{
		records:     make(map[string]*Record),
		pageSize:    DefaultPageSize,
		maxBlobSize: DefaultMaxBlobSize,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mock) clock() time.Time {
	if m.now == nil {
		return time.Now().UTC()
	}
	return m.now()
}

// Len returns the number of live blobs.
func (m *Mock) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked(m.clock())
	return len(m.records)
}

// Create stores a blob. params carries the system tags, the optional _ttl and
// the custom tags, exactly as sent in the query string of a create request.
func (m *Mock) Create(ctx context.Context, params url.Values, contentType string, data []byte) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec := &Record{
		ContentType: contentType,
		CustomTags:  make(map[string][]string),
		Data:        append([]byte(nil), data...),
	}
	if rec.ContentType == "" {
		rec.ContentType = "application/octet-stream"
	}

	var ttl time.Duration
	for key, values := range params {
		name := strings.ToLower(key)
		switch name {
		case mrdapi.ParamSubject, mrdapi.ParamName, mrdapi.ParamDevice, mrdapi.ParamSession:
			if len(values) != 1 {
				return nil, &InvalidTagError{Tag: name, Reason: "must have exactly one value"}
			}
			switch name {
			case mrdapi.ParamSubject:
				rec.Subject = values[0]
			case mrdapi.ParamName:
				rec.Name = values[0]
			case mrdapi.ParamDevice:
				rec.Device = values[0]
			case mrdapi.ParamSession:
				rec.Session = values[0]
			}
		case mrdapi.ParamTTL:
			if len(values) != 1 {
				return nil, &InvalidTagError{Tag: name, Reason: "must have exactly one value"}
			}
			d, err := time.ParseDuration(values[0])
			if err != nil || d <= 0 {
				return nil, &InvalidTagError{Tag: name, Reason: fmt.Sprintf("invalid duration %q", values[0])}
			}
			ttl = d
		default:
			if mrdapi.IsReservedTag(name) {
				return nil, &InvalidTagError{Tag: key, Reason: "reserved name"}
			}
			if !mrdapi.ValidTagName(name) {
				return nil, &InvalidTagError{Tag: key, Reason: "invalid name"}
			}
			rec.CustomTags[name] = append(rec.CustomTags[name], values...)
		}
	}
	if rec.Subject == "" {
		return nil, ErrMissingSubject
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	m.purgeLocked(now)

	m.seq++
	rec.seq = m.seq
	rec.ID = uuid.NewString()
	rec.CreatedAt = now
	if ttl > 0 {
		expires := now.Add(ttl)
		rec.ExpiresAt = &expires
	}
	m.records[rec.ID] = rec
	return rec.clone(), nil
}

// Get returns the blob with the given id.
func (m *Mock) Get(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.expired(m.clock()) {
		delete(m.records, id)
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

// Latest returns the most recently created blob matching f.
func (m *Mock) Latest(ctx context.Context, f *Filter) (*Record, error) {
	recs, _, err := m.Search(ctx, f, "", 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// Search returns up to limit blobs matching f, newest first, starting after
// the continuation token. The returned token is empty on the last page.
func (m *Mock) Search(ctx context.Context, f *Filter, token string, limit int) ([]*Record, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if f == nil || f.Subject == "" {
		return nil, "", ErrMissingSubject
	}
	if limit <= 0 {
		limit = m.pageSize
	}
	var before uint64
	if token != "" {
		var err error
		before, err = decodeToken(token)
		if err != nil {
			return nil, "", &InvalidTagError{Tag: mrdapi.ParamContinue, Reason: err.Error()}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked(m.clock())

	matched := make([]*Record, 0)
	for _, rec := range m.records {
		if before != 0 && rec.seq >= before {
			continue
		}
		if f.matches(rec) {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq > matched[j].seq })

	next := ""
	if len(matched) > limit {
		matched = matched[:limit]
		next = encodeToken(matched[limit-1].seq)
	}
	out := make([]*Record, len(matched))
	for i, rec := range matched {
		out[i] = rec.clone()
	}
	return out, next, nil
}

func (m *Mock) purgeLocked(now time.Time) {
	for id, rec := range m.records {
		if rec.expired(now) {
			delete(m.records, id)
		}
	}
}
