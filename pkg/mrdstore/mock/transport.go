package mock

import (
	"net/http"
	"net/http/httptest"
)

// Transport returns a round tripper that serves requests from the store
// in process, whatever host they are addressed to.
func (m *Mock) Transport() http.RoundTripper {
	return &handlerTransport{handler: m.Handler()}
}

type handlerTransport struct {
	handler http.Handler
}

func (t *handlerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	inbound := req.Clone(req.Context())
	if inbound.Host == "" {
		inbound.Host = req.URL.Host
	}
	if inbound.Body == nil {
		inbound.Body = http.NoBody
	}
	rec := httptest.NewRecorder()
	t.handler.ServeHTTP(rec, inbound)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}
