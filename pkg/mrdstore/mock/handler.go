package mock

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/ismrmrd/mrd_storage_sdk_go/internal/mrdapi"
)

// Handler serves the store over the MRD storage server REST API.
func (m *Mock) Handler() http.Handler {
	r := mux.NewRouter()
	m.AddHandlers(r)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NotFound", "no route for "+r.URL.Path)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", r.Method+" not allowed on "+r.URL.Path)
	})
	return r
}

// AddHandlers registers the REST routes on r.
func (m *Mock) AddHandlers(r *mux.Router) {
	r.HandleFunc("/healthcheck", m.handleHealthcheck).Methods(http.MethodGet)
	r.HandleFunc("/v1/blobs/data", m.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/v1/blobs/data/latest", m.handleLatest).Methods(http.MethodGet)
	r.HandleFunc("/v1/blobs/data/{id}", m.handleData).Methods(http.MethodGet)
	r.HandleFunc("/v1/blobs/{id}", m.handleMeta).Methods(http.MethodGet)
	r.HandleFunc("/v1/blobs", m.handleSearch).Methods(http.MethodGet)
}

func (m *Mock) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (m *Mock) handleCreate(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, m.maxBlobSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "TooLarge", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	rec, err := m.Create(r.Context(), r.URL.Query(), r.Header.Get("Content-Type"), data)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	meta := m.meta(r, rec)
	w.Header().Set("Location", meta.Location)
	writeJSON(w, http.StatusCreated, meta)
}

func (m *Mock) handleLatest(w http.ResponseWriter, r *http.Request) {
	f, _, _, err := parseFilter(r.URL.Query())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	rec, err := m.Latest(r.Context(), f)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	m.writeData(w, r, rec)
}

func (m *Mock) handleData(w http.ResponseWriter, r *http.Request) {
	rec, err := m.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	m.writeData(w, r, rec)
}

func (m *Mock) handleMeta(w http.ResponseWriter, r *http.Request) {
	rec, err := m.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m.meta(r, rec))
}

func (m *Mock) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	f, token, limit, err := parseFilter(query)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	recs, next, err := m.Search(r.Context(), f, token, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	page := mrdapi.Page{Items: make([]mrdapi.BlobMeta, 0, len(recs))}
	for _, rec := range recs {
		page.Items = append(page.Items, m.meta(r, rec))
	}
	if next != "" {
		nextQuery := url.Values{}
		for k, v := range query {
			nextQuery[k] = v
		}
		nextQuery.Set(mrdapi.ParamContinue, next)
		page.NextLink = baseURL(r) + "/v1/blobs?" + nextQuery.Encode()
	}
	writeJSON(w, http.StatusOK, page)
}

func (m *Mock) writeData(w http.ResponseWriter, r *http.Request, rec *Record) {
	meta := m.meta(r, rec)
	mrdapi.WriteHeaders(w.Header(), &meta)
	w.Header().Set("Content-Length", strconv.Itoa(len(rec.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rec.Data)
}

func (m *Mock) meta(r *http.Request, rec *Record) mrdapi.BlobMeta {
	base := baseURL(r)
	return mrdapi.BlobMeta{
		Subject:      rec.Subject,
		Name:         rec.Name,
		Device:       rec.Device,
		Session:      rec.Session,
		ContentType:  rec.ContentType,
		LastModified: rec.CreatedAt,
		Location:     base + "/v1/blobs/" + rec.ID,
		Data:         base + "/v1/blobs/data/" + rec.ID,
		ExpiresAt:    rec.ExpiresAt,
		CustomTags:   rec.CustomTags,
	}
}

// parseFilter reads a search or latest query string.
func parseFilter(q url.Values) (f *Filter, token string, limit int, err error) {
	f = &Filter{}
	for key, values := range q {
		name := strings.ToLower(key)
		single := func() (string, error) {
			if len(values) != 1 {
				return "", &InvalidTagError{Tag: name, Reason: "must have exactly one value"}
			}
			return values[0], nil
		}
		switch name {
		case mrdapi.ParamSubject:
			f.Subject, err = single()
		case mrdapi.ParamName:
			f.Name, err = single()
		case mrdapi.ParamDevice:
			f.Device, err = single()
		case mrdapi.ParamSession:
			f.Session, err = single()
		case mrdapi.ParamAt:
			var raw string
			if raw, err = single(); err == nil {
				if f.At, err = time.Parse(time.RFC3339Nano, raw); err != nil {
					err = &InvalidTagError{Tag: name, Reason: "expected an RFC 3339 timestamp"}
				}
			}
		case mrdapi.ParamLimit:
			var raw string
			if raw, err = single(); err == nil {
				if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 {
					err = &InvalidTagError{Tag: name, Reason: "expected a positive integer"}
				}
			}
		case mrdapi.ParamContinue:
			token, err = single()
		default:
			if mrdapi.IsReservedTag(name) {
				err = &InvalidTagError{Tag: key, Reason: "not valid in a query"}
			} else if !mrdapi.ValidTagName(name) {
				err = &InvalidTagError{Tag: key, Reason: "invalid name"}
			} else {
				if f.CustomTags == nil {
					f.CustomTags = make(map[string][]string)
				}
				f.CustomTags[name] = append(f.CustomTags[name], values...)
			}
		}
		if err != nil {
			return nil, "", 0, err
		}
	}
	return f, token, limit, nil
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	return scheme + "://" + host
}

func writeStoreError(w http.ResponseWriter, err error) {
	var tagErr *InvalidTagError
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "NotFound", "no matching blob")
	case errors.Is(err, ErrMissingSubject):
		writeError(w, http.StatusBadRequest, "MissingSubject", err.Error())
	case errors.As(err, &tagErr):
		writeError(w, http.StatusBadRequest, "InvalidTag", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "Internal", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, mrdapi.ErrorBody{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
