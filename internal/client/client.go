// Package client groups the record and blob stores over one content backend.
package client

import (
	"encoding/json"

	"github.com/maruel/gitstore/internal/blobs"
	"github.com/maruel/gitstore/internal/content"
	"github.com/maruel/gitstore/internal/records"
)

// Client gives access to records and blobs kept in one repository.
//
// It holds no state beyond the backend and performs no I/O of its own.
type Client struct {
	backend content.Backend
}

// New returns a Client over an initialized backend.
func New(b content.Backend) *Client {
	return &Client{backend: b}
}

// Backend returns the backend the client was created with.
func (c *Client) Backend() content.Backend {
	return c.backend
}

// Records returns a store for collections of T.
func Records[T any](c *Client) *records.Store[T] {
	return records.NewStore[T](c.backend)
}

// Documents returns a store for schema-free records.
func (c *Client) Documents() *records.Store[json.RawMessage] {
	return Records[json.RawMessage](c)
}

// Blobs returns the blob store.
func (c *Client) Blobs() *blobs.Store {
	return blobs.NewStore(c.backend)
}
