// Package objectstore defines the object-store contract (spec.md §6.2)
// the blob side-storage layer (internal/blob) depends on: put/get/head/
// delete/list-prefix with metadata and content-type, plus a server-side
// copy primitive. S3Store implements it against *s3.Client, in the same
// SDK family the donor already imports for DynamoDB
// (internal/infrastructure/dynamodb), new to this repo per SPEC_FULL.md §B.
package objectstore

import (
	"context"
)

// Object is a fetched object's body plus its round-tripped metadata
// (spec.md §6.2 "User-visible metadata round-tripped verbatim").
type Object struct {
	Body        []byte
	ContentType string
	Metadata    map[string]string
}

// Store is the object-store contract. Keys are opaque strings; callers
// (internal/blob) compute them per spec.md §4.4.1.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error
	Get(ctx context.Context, key string) (*Object, error)
	Head(ctx context.Context, key string) (metadata map[string]string, exists bool, err error)
	Delete(ctx context.Context, key string) error
	ListPrefix(ctx context.Context, prefix string) ([]string, error)
	// Copy performs a server-side (zero re-encoding) copy from srcKey to
	// dstKey, used by blob.Store.CopyBlob (spec.md §4.4.6).
	Copy(ctx context.Context, srcKey, dstKey string) error
}

// ErrNotFound is returned by Get when no object exists at key.
type ErrNotFound struct{ Key string }

func (e *ErrNotFound) Error() string { return "object not found: " + e.Key }
