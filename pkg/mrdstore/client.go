package mrdstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/ismrmrd/mrd_storage_sdk_go/internal/httpx"
	"github.com/ismrmrd/mrd_storage_sdk_go/internal/mrdapi"
)

// Client talks to one MRD storage server on behalf of one subject.
// Its configuration is fixed at construction; a Client is safe for
// concurrent use.
type Client struct {
	backend Backend
	subject string
	device  string
	session string
	logger  logr.Logger
}

// New constructs a Client bound to the server described by cfg.
func New(cfg Config) (*Client, error) {
	baseURL := cfg.URL
	if baseURL == "" {
		host := cfg.Host
		if host == "" {
			host = DefaultHost
		}
		port := cfg.Port
		if port == 0 {
			port = DefaultPort
		}
		baseURL = "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/"
	}

	opts := []httpx.Option{httpx.WithLogger(cfg.Logger)}
	if cfg.HTTPClient != nil {
		opts = append(opts, httpx.WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.Transport != nil {
		opts = append(opts, httpx.WithTransport(cfg.Transport))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	opts = append(opts, httpx.WithTimeout(timeout))

	policy := httpx.DefaultRetryPolicy
	switch {
	case cfg.MaxRetries < 0:
		policy.MaxRetries = 0
	case cfg.MaxRetries > 0:
		policy.MaxRetries = cfg.MaxRetries
	}
	opts = append(opts, httpx.WithRetryPolicy(policy))

	cl, err := httpx.NewClient(baseURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("mrdstore: %w", err)
	}
	return NewWithHTTPClient(cl, cfg), nil
}

// NewWithHTTPClient wraps an existing httpx.Client. Only the subject, device,
// session and logger of cfg are used.
func NewWithHTTPClient(httpClient *httpx.Client, cfg Config) *Client {
	return NewWithBackend(&httpBackend{client: httpClient}, cfg)
}

// NewWithBackend allows callers to supply a custom backend. Only the subject,
// device, session and logger of cfg are used.
func NewWithBackend(b Backend, cfg Config) *Client {
	subject := cfg.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	return &Client{
		backend: b,
		subject: subject,
		device:  cfg.Device,
		session: cfg.Session,
		logger:  cfg.Logger,
	}
}

// Subject returns the subject every operation is scoped to.
func (c *Client) Subject() string { return c.subject }

// Healthcheck verifies that the server is functioning.
func (c *Client) Healthcheck(ctx context.Context) error {
	if c == nil || c.backend == nil {
		return errors.New("mrdstore: client is nil")
	}
	return c.backend.Healthcheck(ctx)
}

// Store serializes data and stores it as a new blob. Mappings and structs
// are sent as JSON, numeric slices as CBOR, and []byte as is.
func (c *Client) Store(ctx context.Context, data any, opts *StoreOptions) (*BlobInfo, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("mrdstore: client is nil")
	}
	if opts == nil {
		opts = &StoreOptions{}
	}

	params := c.baseParams()
	if opts.Name != "" {
		params.Set(mrdapi.ParamName, opts.Name)
	}
	if opts.TTL != "" {
		ttl, err := time.ParseDuration(opts.TTL)
		if err != nil {
			return nil, fmt.Errorf("mrdstore: invalid ttl %q: %w", opts.TTL, err)
		}
		if ttl <= 0 {
			return nil, fmt.Errorf("mrdstore: invalid ttl %q: must be positive", opts.TTL)
		}
		params.Set(mrdapi.ParamTTL, opts.TTL)
	}
	if err := addTagParams(params, opts.CustomTags); err != nil {
		return nil, err
	}

	raw, contentType, err := encodePayload(data)
	if err != nil {
		return nil, err
	}

	info, err := c.backend.Create(ctx, params, contentType, raw)
	if err != nil {
		return nil, err
	}
	if info == nil {
		info = &BlobInfo{}
	}
	c.logger.V(1).Info("stored blob", "subject", c.subject, "name", opts.Name, "content_type", contentType, "bytes", len(raw))
	return info, nil
}

// FetchLatest returns the most recently stored blob matching q. It fails
// with an error matching ErrNotFound when nothing matches.
func (c *Client) FetchLatest(ctx context.Context, q *Query) (*Payload, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("mrdstore: client is nil")
	}
	params, err := c.queryParams(q)
	if err != nil {
		return nil, err
	}
	return c.backend.Latest(ctx, params)
}

// FetchLatestAs decodes the latest blob matching q into T.
func FetchLatestAs[T any](ctx context.Context, client *Client, q *Query) (T, error) {
	var out T
	payload, err := client.FetchLatest(ctx, q)
	if err != nil {
		return out, err
	}
	if err := payload.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

// FetchBlobs returns a single-pass iterator over the blobs matching q,
// newest first. No request is made until the first call to Next.
func (c *Client) FetchBlobs(q *Query) (*BlobIterator, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("mrdstore: client is nil")
	}
	params, err := c.queryParams(q)
	if err != nil {
		return nil, err
	}
	if q != nil && q.PageSize > 0 {
		params.Set(mrdapi.ParamLimit, strconv.Itoa(q.PageSize))
	}
	return &BlobIterator{client: c, params: params}, nil
}

// Fetch loads the data of every blob matching q, newest first.
func (c *Client) Fetch(ctx context.Context, q *Query) ([]*Payload, error) {
	it, err := c.FetchBlobs(q)
	if err != nil {
		return nil, err
	}
	var out []*Payload
	for it.Next(ctx) {
		payload, err := it.Blob().Load(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, payload)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) baseParams() url.Values {
	params := url.Values{mrdapi.ParamSubject: {c.subject}}
	if c.device != "" {
		params.Set(mrdapi.ParamDevice, c.device)
	}
	if c.session != "" {
		params.Set(mrdapi.ParamSession, c.session)
	}
	return params
}

func (c *Client) queryParams(q *Query) (url.Values, error) {
	params := c.baseParams()
	if q == nil {
		return params, nil
	}
	if q.Name != "" {
		params.Set(mrdapi.ParamName, q.Name)
	}
	if !q.At.IsZero() {
		params.Set(mrdapi.ParamAt, q.At.UTC().Format(time.RFC3339Nano))
	}
	if err := addTagParams(params, q.CustomTags); err != nil {
		return nil, err
	}
	return params, nil
}

func addTagParams(params url.Values, tags map[string]any) error {
	seen := make(map[string]string, len(tags))
	for _, key := range slices.Sorted(maps.Keys(tags)) {
		value := tags[key]
		if !mrdapi.ValidTagName(key) {
			return &InvalidTagError{Key: key, Reason: "name must start with a letter and contain only letters, digits, '.', '-' or '_'"}
		}
		if mrdapi.IsReservedTag(key) {
			return &InvalidTagError{Key: key, Reason: "name is reserved"}
		}
		values, err := tagStrings(value)
		if err != nil {
			return &InvalidTagError{Key: key, Reason: err.Error()}
		}
		name := normalizeTag(key)
		if prev, ok := seen[name]; ok {
			return &InvalidTagError{Key: key, Reason: fmt.Sprintf("name collides with %q", prev)}
		}
		seen[name] = key
		for _, v := range values {
			params.Add(name, v)
		}
	}
	return nil
}

func tagStrings(value any) ([]string, error) {
	switch v := value.(type) {
	case []string:
		if len(v) == 0 {
			return nil, errors.New("no values")
		}
		return v, nil
	case []any:
		if len(v) == 0 {
			return nil, errors.New("no values")
		}
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, err := tagString(item)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	}
	s, err := tagString(value)
	if err != nil {
		return nil, err
	}
	return []string{s}, nil
}

func tagString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int8:
		return strconv.FormatInt(int64(v), 10), nil
	case int16:
		return strconv.FormatInt(int64(v), 10), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	default:
		return "", fmt.Errorf("value of type %T is not a scalar", value)
	}
}

func normalizeTag(key string) string {
	return strings.ToLower(key)
}

// Backend performs the requests behind a Client.
type Backend interface {
	Healthcheck(ctx context.Context) error
	Create(ctx context.Context, params url.Values, contentType string, data []byte) (*BlobInfo, error)
	Latest(ctx context.Context, params url.Values) (*Payload, error)
	// Search returns the first page for params, or the page at nextLink when
	// it is not empty.
	Search(ctx context.Context, params url.Values, nextLink string) (*SearchPage, error)
	Data(ctx context.Context, info *BlobInfo) (*Payload, error)
}

type httpBackend struct {
	client *httpx.Client
}

func (b *httpBackend) Healthcheck(ctx context.Context) error {
	if b == nil || b.client == nil {
		return fmt.Errorf("mrdstore: http backend not configured")
	}
	resp, err := b.client.Do(ctx, &httpx.Request{
		Method: http.MethodGet,
		Path:   mrdapi.PathHealthcheck,
	})
	if err != nil {
		err = wrapError("healthcheck", err)
		var serverErr *ServerError
		if errors.As(err, &serverErr) {
			return fmt.Errorf("%w: %w", ErrUnhealthy, err)
		}
		return err
	}
	_ = resp.Body.Close()
	return nil
}

func (b *httpBackend) Create(ctx context.Context, params url.Values, contentType string, data []byte) (*BlobInfo, error) {
	if b == nil || b.client == nil {
		return nil, fmt.Errorf("mrdstore: http backend not configured")
	}
	resp, err := b.client.Do(ctx, &httpx.Request{
		Method:       http.MethodPost,
		Path:         mrdapi.PathBlobData,
		Query:        params,
		Header:       http.Header{"Content-Type": {contentType}},
		Body:         bytes.NewReader(data),
		DisableRetry: true,
	})
	if err != nil {
		return nil, wrapError("store", err)
	}
	body, err := httpx.ReadAllAndClose(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: "store", Err: err}
	}
	meta, err := mrdapi.DecodeMeta(body)
	if err != nil {
		return nil, &SerializeError{Op: "decode", ContentType: ContentTypeJSON, Err: fmt.Errorf("store response: %w", err)}
	}
	if meta == nil {
		return &BlobInfo{Location: resp.Header.Get("Location")}, nil
	}
	info := blobInfo(meta)
	if info.Location == "" {
		info.Location = resp.Header.Get("Location")
	}
	return &info, nil
}

func (b *httpBackend) Latest(ctx context.Context, params url.Values) (*Payload, error) {
	if b == nil || b.client == nil {
		return nil, fmt.Errorf("mrdstore: http backend not configured")
	}
	return b.download(ctx, "fetch latest", &httpx.Request{
		Method: http.MethodGet,
		Path:   mrdapi.PathLatestData,
		Query:  params,
	}, nil)
}

func (b *httpBackend) Search(ctx context.Context, params url.Values, nextLink string) (*SearchPage, error) {
	if b == nil || b.client == nil {
		return nil, fmt.Errorf("mrdstore: http backend not configured")
	}
	req := &httpx.Request{Method: http.MethodGet, Path: mrdapi.PathBlobs, Query: params}
	if nextLink != "" {
		req = &httpx.Request{Method: http.MethodGet, Path: nextLink}
	}
	resp, err := b.client.Do(ctx, req)
	if err != nil {
		return nil, wrapError("search", err)
	}
	body, err := httpx.ReadAllAndClose(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: "search", Err: err}
	}
	page, err := mrdapi.DecodePage(body)
	if err != nil {
		return nil, &SerializeError{Op: "decode", ContentType: ContentTypeJSON, Err: fmt.Errorf("search response: %w", err)}
	}
	out := &SearchPage{NextLink: page.NextLink, Blobs: make([]BlobInfo, 0, len(page.Items))}
	for i := range page.Items {
		out.Blobs = append(out.Blobs, blobInfo(&page.Items[i]))
	}
	return out, nil
}

func (b *httpBackend) Data(ctx context.Context, info *BlobInfo) (*Payload, error) {
	if b == nil || b.client == nil {
		return nil, fmt.Errorf("mrdstore: http backend not configured")
	}
	if info == nil || info.DataURL == "" {
		return nil, errors.New("mrdstore: blob has no data link")
	}
	return b.download(ctx, "fetch data", &httpx.Request{
		Method: http.MethodGet,
		Path:   info.DataURL,
	}, info)
}

// download reads a data response. Metadata comes from known, when given, and
// otherwise from the response's tag headers.
func (b *httpBackend) download(ctx context.Context, op string, req *httpx.Request, known *BlobInfo) (*Payload, error) {
	resp, err := b.client.Do(ctx, req)
	if err != nil {
		return nil, wrapError(op, err)
	}
	data, err := httpx.ReadAllAndClose(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}

	payload := &Payload{Raw: data}
	if known != nil {
		payload.BlobInfo = *known
	} else {
		meta, err := mrdapi.MetaFromHeaders(resp.Header)
		if err != nil {
			return nil, &SerializeError{Op: "decode", Err: fmt.Errorf("%s headers: %w", op, err)}
		}
		payload.BlobInfo = blobInfo(meta)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		payload.ContentType = ct
	}
	return payload, nil
}

func blobInfo(m *mrdapi.BlobMeta) BlobInfo {
	return BlobInfo{
		Subject:      m.Subject,
		Name:         m.Name,
		Device:       m.Device,
		Session:      m.Session,
		ContentType:  m.ContentType,
		LastModified: m.LastModified,
		ExpiresAt:    m.ExpiresAt,
		Location:     m.Location,
		DataURL:      m.Data,
		CustomTags:   Tags(m.CustomTags),
	}
}

// wrapError maps transport failures to the package's error types.
func wrapError(op string, err error) error {
	var httpErr *httpx.HTTPError
	if errors.As(err, &httpErr) {
		serverErr := &ServerError{
			Op:         op,
			StatusCode: httpErr.StatusCode,
			Body:       httpErr.Body,
		}
		if body, ok := mrdapi.DecodeError(httpErr.Body); ok {
			serverErr.Code = body.Code
			serverErr.Message = body.Message
		} else if text := strings.TrimSpace(string(httpErr.Body)); text != "" && len(text) < 512 {
			serverErr.Message = text
		}
		return serverErr
	}
	return &NetworkError{Op: op, Err: err}
}
