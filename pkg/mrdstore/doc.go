// Package mrdstore provides a client for the MRD Storage Server REST API.
//
// A Client stores mappings, structs and numeric arrays as blobs under the
// configured subject, and retrieves them again either as the latest blob
// matching a query or as a lazily paginated sequence of blobs. Mappings and
// structs travel as JSON, numeric arrays as CBOR arrays of float64.
//
// NewFromEnv selects between a server reachable over HTTP and the in-memory
// implementation in package mock, based on MRD_STORAGE_* variables.
package mrdstore
