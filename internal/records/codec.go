// Package records stores collections of JSON records, one collection per
// file, with optimistic concurrency on top of a content.Backend.
//
// A collection is a JSON array of objects, each with a unique non-empty string
// "id" member. Elements are kept as raw JSON: members the caller's type does
// not know about survive a rewrite, and records a mutation does not touch are
// written back byte for byte.
package records

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/buger/jsonparser"
	storeerr "github.com/maruel/gitstore/internal/errors"
)

// Record is one element of a collection.
type Record struct {
	ID   string
	Data json.RawMessage
}

// Decode parses a collection.
//
// Fails with ErrInvalidEncoding when data is not JSON, ErrInvalidShape when
// it is not an array or ids repeat, and ErrMissingID when an element has no
// non-empty string id.
func Decode(data []byte) ([]Record, error) {
	return decode("decode", "", data)
}

func decode(op, path string, data []byte) ([]Record, error) {
	if !json.Valid(data) {
		return nil, storeerr.New(storeerr.ErrInvalidEncoding, op, path, "collection is not valid JSON")
	}
	if t := bytes.TrimLeft(data, " \t\r\n"); len(t) == 0 || t[0] != '[' {
		return nil, storeerr.New(storeerr.ErrInvalidShape, op, path, "collection is not a JSON array")
	}
	out := []Record{}
	seen := map[string]int{}
	var failure error
	_, err := jsonparser.ArrayEach(data, func(value []byte, dataType jsonparser.ValueType, _ int, err error) {
		if failure != nil {
			return
		}
		if err != nil {
			failure = storeerr.New(storeerr.ErrInvalidEncoding, op, path, "collection is not valid JSON").Wrap(err)
			return
		}
		i := len(out)
		if dataType != jsonparser.Object {
			failure = storeerr.Newf(storeerr.ErrMissingID, op, path, "element %d is not an object", i).WithDetail("index", i)
			return
		}
		id, err := recordID(value)
		if err != nil {
			failure = idError(op, path, fmt.Errorf("element %d: %w", i, err)).WithDetail("index", i)
			return
		}
		if j, ok := seen[id]; ok {
			failure = storeerr.Newf(storeerr.ErrInvalidShape, op, path, "elements %d and %d share id %q", j, i, id).WithDetail("id", id)
			return
		}
		seen[id] = i
		out = append(out, Record{ID: id, Data: slices.Clone(value)})
	})
	if failure != nil {
		return nil, failure
	}
	if err != nil {
		return nil, storeerr.New(storeerr.ErrInvalidEncoding, op, path, "collection is not valid JSON").Wrap(err)
	}
	return out, nil
}

var (
	errNoID      = errors.New("missing id")
	errEmptyID   = errors.New("empty id")
	errNonString = errors.New("id is not a string")
	errDupID     = errors.New("id member appears more than once")
)

// recordID returns the "id" member of a JSON object.
//
// An object naming "id" twice is refused: decoders disagree on which one wins.
func recordID(obj []byte) (string, error) {
	var id string
	found := false
	err := jsonparser.ObjectEach(obj, func(key, value []byte, t jsonparser.ValueType, _ int) error {
		if string(key) != "id" {
			return nil
		}
		if found {
			return errDupID
		}
		found = true
		if t != jsonparser.String {
			return errNonString
		}
		s, err := jsonparser.ParseString(value)
		if err != nil {
			return err
		}
		id = s
		return nil
	})
	switch {
	case err != nil:
		return "", err
	case !found:
		return "", errNoID
	case id == "":
		return "", errEmptyID
	}
	return id, nil
}

// idError maps a recordID failure.
func idError(op, path string, err error) *storeerr.StoreError {
	if errors.Is(err, errDupID) {
		return storeerr.New(storeerr.ErrInvalidShape, op, path, err.Error())
	}
	return storeerr.New(storeerr.ErrMissingID, op, path, err.Error())
}

// Encode serializes a collection, one element per line.
//
// Element bytes are copied verbatim so Decode(Encode(r)) returns r.
func Encode(records []Record) []byte {
	if len(records) == 0 {
		return []byte("[]\n")
	}
	var b bytes.Buffer
	b.WriteString("[\n")
	for i, r := range records {
		b.WriteString("  ")
		b.Write(r.Data)
		if i != len(records)-1 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}
	b.WriteString("]\n")
	return b.Bytes()
}

// newRecord marshals v as a collection element.
func newRecord(op, path string, v any) (Record, error) {
	data, err := json.MarshalIndent(v, "  ", "  ")
	if err != nil {
		return Record{}, storeerr.New(storeerr.ErrInvalidEncoding, op, path, "record is not valid JSON").Wrap(err)
	}
	if t := bytes.TrimSpace(data); len(t) == 0 || t[0] != '{' {
		return Record{}, storeerr.New(storeerr.ErrMissingID, op, path, "record is not a JSON object")
	}
	id, err := recordID(data)
	if err != nil {
		return Record{}, idError(op, path, err)
	}
	return Record{ID: id, Data: data}, nil
}
