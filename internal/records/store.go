package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/maruel/gitstore/internal/content"
	storeerr "github.com/maruel/gitstore/internal/errors"
)

// Store reads and writes collections of T.
//
// T must marshal to a JSON object carrying a non-empty string "id" member:
// structs with an `json:"id"` field, maps or json.RawMessage all work.
//
// Every mutation performs exactly one Fetch and at most one Store on the
// backend. A concurrent writer makes the Store fail with ErrConflict, which is
// returned as is; re-running the operation is up to the caller.
type Store[T any] struct {
	backend content.Backend
}

// NewStore returns a Store over b.
func NewStore[T any](b content.Backend) *Store[T] {
	return &Store[T]{backend: b}
}

// List returns every record of the collection at path, in file order.
func (s *Store[T]) List(ctx context.Context, path string) ([]T, error) {
	recs, _, err := s.load(ctx, "list", path)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, r := range recs {
		v, err := unmarshal[T]("list", path, r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// GetByID returns the record with the given id.
func (s *Store[T]) GetByID(ctx context.Context, path, id string) (T, error) {
	var zero T
	recs, _, err := s.load(ctx, "get", path)
	if err != nil {
		return zero, err
	}
	i := indexOf(recs, id)
	if i < 0 {
		return zero, recordNotFound("get", path, id)
	}
	return unmarshal[T]("get", path, recs[i])
}

// Exists reports whether a record with the given id is in the collection.
//
// A missing collection or record is reported as false, never as an error.
// Exists still fails when the answer is unknown: an unreachable backend, a
// rejected credential or a corrupt collection is returned instead of being
// reported as false.
func (s *Store[T]) Exists(ctx context.Context, path, id string) (bool, error) {
	recs, _, err := s.load(ctx, "exists", path)
	if errors.Is(err, storeerr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return indexOf(recs, id) >= 0, nil
}

// Count returns the number of records in the collection.
func (s *Store[T]) Count(ctx context.Context, path string) (int, error) {
	recs, _, err := s.load(ctx, "count", path)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Create appends rec to the collection, creating the collection if needed.
//
// Fails with ErrAlreadyExists, without writing, when the id is taken.
func (s *Store[T]) Create(ctx context.Context, path string, rec T, opts ...content.WriteOption) (T, error) {
	var zero T
	r, err := newRecord("create", path, rec)
	if err != nil {
		return zero, err
	}
	recs, v, err := s.load(ctx, "create", path)
	switch {
	case errors.Is(err, storeerr.ErrNotFound):
		recs, v = nil, ""
	case err != nil:
		return zero, err
	case indexOf(recs, r.ID) >= 0:
		return zero, storeerr.Newf(storeerr.ErrAlreadyExists, "create", path, "record %q already exists", r.ID).WithDetail("id", r.ID)
	}
	o := content.ResolveOptions(fmt.Sprintf("gitstore: create %s in %s", r.ID, path), opts...)
	if _, err := s.backend.Store(ctx, path, Encode(append(recs, r)), v, o.Message); err != nil {
		if v.IsZero() && errors.Is(err, storeerr.ErrAlreadyExists) {
			// Another writer created the collection since it was read.
			return zero, storeerr.New(storeerr.ErrConflict, "create", path, "collection was created concurrently")
		}
		return zero, err
	}
	return rec, nil
}

// Update replaces the record with the same id as rec, keeping its position.
//
// Fails with ErrNotFound when no record has that id.
func (s *Store[T]) Update(ctx context.Context, path string, rec T, opts ...content.WriteOption) (T, error) {
	var zero T
	r, err := newRecord("update", path, rec)
	if err != nil {
		return zero, err
	}
	recs, v, err := s.load(ctx, "update", path)
	if err != nil {
		return zero, err
	}
	i := indexOf(recs, r.ID)
	if i < 0 {
		return zero, recordNotFound("update", path, r.ID)
	}
	recs[i] = r
	o := content.ResolveOptions(fmt.Sprintf("gitstore: update %s in %s", r.ID, path), opts...)
	if _, err := s.backend.Store(ctx, path, Encode(recs), v, o.Message); err != nil {
		return zero, err
	}
	return rec, nil
}

// Delete removes the record with the given id.
//
// Fails with ErrNotFound when no record has that id. The collection file is
// kept even when it becomes empty.
func (s *Store[T]) Delete(ctx context.Context, path, id string, opts ...content.WriteOption) (bool, error) {
	recs, v, err := s.load(ctx, "delete", path)
	if err != nil {
		return false, err
	}
	i := indexOf(recs, id)
	if i < 0 {
		return false, recordNotFound("delete", path, id)
	}
	recs = slices.Delete(recs, i, i+1)
	o := content.ResolveOptions(fmt.Sprintf("gitstore: delete %s from %s", id, path), opts...)
	if _, err := s.backend.Store(ctx, path, Encode(recs), v, o.Message); err != nil {
		return false, err
	}
	return true, nil
}

// load fetches and decodes the collection at path.
func (s *Store[T]) load(ctx context.Context, op, path string) ([]Record, content.Version, error) {
	data, v, err := s.backend.Fetch(ctx, path)
	if err != nil {
		return nil, "", err
	}
	recs, err := decode(op, path, data)
	if err != nil {
		return nil, "", err
	}
	return recs, v, nil
}

func indexOf(recs []Record, id string) int {
	return slices.IndexFunc(recs, func(r Record) bool { return r.ID == id })
}

func recordNotFound(op, path, id string) error {
	return storeerr.Newf(storeerr.ErrNotFound, op, path, "record %q not found", id).WithDetail("id", id)
}

func unmarshal[T any](op, path string, r Record) (T, error) {
	var v T
	if err := json.Unmarshal(r.Data, &v); err != nil {
		return v, storeerr.Newf(storeerr.ErrInvalidShape, op, path, "record %q does not match the expected type", r.ID).WithDetail("id", r.ID).Wrap(err)
	}
	return v, nil
}
