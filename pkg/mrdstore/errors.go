package mrdstore

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned when no blob matches a fetch.
	ErrNotFound = errors.New("mrdstore: no matching blob")
	// ErrUnhealthy is returned when the server fails its healthcheck.
	ErrUnhealthy = errors.New("mrdstore: healthcheck failed")
)

// NetworkError reports a failure to exchange a request with the server:
// refused connections, DNS failures, timeouts and cancellations.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("mrdstore: %s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError reports a non-2xx response.
type ServerError struct {
	Op         string
	StatusCode int
	// Code and Message come from the server's error envelope, when present.
	Code    string
	Message string
	Body    []byte
}

func (e *ServerError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("mrdstore: %s: server returned %d %s: %s", e.Op, e.StatusCode, e.Code, e.Message)
	case e.Message != "":
		return fmt.Sprintf("mrdstore: %s: server returned %d: %s", e.Op, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("mrdstore: %s: server returned %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
	}
}

// Is matches ErrNotFound for 404 responses.
func (e *ServerError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// SerializeError reports a payload that could not be encoded or decoded.
type SerializeError struct {
	Op          string
	ContentType string
	Err         error
}

func (e *SerializeError) Error() string {
	if e.ContentType == "" {
		return fmt.Sprintf("mrdstore: %s payload: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("mrdstore: %s %s payload: %v", e.Op, e.ContentType, e.Err)
}

func (e *SerializeError) Unwrap() error { return e.Err }

// InvalidTagError reports a custom tag rejected before any request is sent.
type InvalidTagError struct {
	Key    string
	Reason string
}

func (e *InvalidTagError) Error() string {
	return fmt.Sprintf("mrdstore: invalid tag %q: %s", e.Key, e.Reason)
}

// TagNotFoundError is returned by typed tag accessors for absent tags.
type TagNotFoundError struct {
	Key string
}

func (e *TagNotFoundError) Error() string {
	return fmt.Sprintf("mrdstore: tag %q not set", e.Key)
}
