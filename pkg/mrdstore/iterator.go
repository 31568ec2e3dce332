package mrdstore

import (
	"context"
	"errors"
	"net/url"
)

// Blob is one search result. Its data is downloaded on demand by Load.
type Blob struct {
	BlobInfo
	client *Client
}

// Load downloads and returns the blob's data.
func (b *Blob) Load(ctx context.Context) (*Payload, error) {
	if b == nil || b.client == nil || b.client.backend == nil {
		return nil, errors.New("mrdstore: blob is not bound to a client")
	}
	return b.client.backend.Data(ctx, &b.BlobInfo)
}

// BlobIterator walks search results page by page. It is single-pass: once
// exhausted it stays exhausted, and a new FetchBlobs call starts a fresh
// search.
//
//	it, _ := client.FetchBlobs(&mrdstore.Query{Name: "images"})
//	for it.Next(ctx) {
//		blob := it.Blob()
//		...
//	}
//	if err := it.Err(); err != nil {
//		...
//	}
type BlobIterator struct {
	client *Client
	params url.Values

	page     []BlobInfo
	pos      int
	nextLink string
	started  bool
	done     bool

	cur *Blob
	err error
}

// Next advances to the next blob, requesting the next page from the server
// when the current one is used up. It returns false when the results are
// exhausted or a request failed; Err tells the two apart.
func (it *BlobIterator) Next(ctx context.Context) bool {
	it.cur = nil
	if it.done || it.err != nil {
		return false
	}
	for it.pos >= len(it.page) {
		if it.started && it.nextLink == "" {
			it.done = true
			return false
		}
		page, err := it.client.backend.Search(ctx, it.params, it.nextLink)
		if err != nil {
			it.err = err
			return false
		}
		it.started = true
		it.page = page.Blobs
		it.pos = 0
		it.nextLink = page.NextLink
	}
	it.cur = &Blob{BlobInfo: it.page[it.pos], client: it.client}
	it.pos++
	return true
}

// Blob returns the blob Next advanced to.
func (it *BlobIterator) Blob() *Blob {
	return it.cur
}

// Err returns the error that stopped iteration, if any.
func (it *BlobIterator) Err() error {
	return it.err
}

// Collect drains the remaining blobs into a slice.
func (it *BlobIterator) Collect(ctx context.Context) ([]*Blob, error) {
	var out []*Blob
	for it.Next(ctx) {
		out = append(out, it.Blob())
	}
	return out, it.Err()
}
