package contenttest

import (
	"bytes"
	"errors"
	"testing"

	"github.com/maruel/gitstore/internal/content"
	storeerr "github.com/maruel/gitstore/internal/errors"
)

// RunSuite verifies that the backends returned by newBackend honor the
// content.Backend contract. Each subtest gets a fresh, empty backend.
func RunSuite(t *testing.T, newBackend func(t *testing.T) content.Backend) {
	t.Helper()

	t.Run("FetchMissing", func(t *testing.T) {
		b := newBackend(t)
		_, _, err := b.Fetch(t.Context(), "missing.json")
		if !errors.Is(err, storeerr.ErrNotFound) {
			t.Fatalf("Fetch() = %v, want ErrNotFound", err)
		}
	})

	t.Run("CreateThenFetch", func(t *testing.T) {
		b := newBackend(t)
		data := []byte("[]\n")
		v, err := b.Store(t.Context(), "data/users.json", data, "", "create users")
		if err != nil {
			t.Fatal(err)
		}
		if v != content.HashVersion(data) {
			t.Errorf("Store() version = %q, want %q", v, content.HashVersion(data))
		}
		got, v2, err := b.Fetch(t.Context(), "data/users.json")
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("Fetch() = %q, want %q", got, data)
		}
		if v2 != v {
			t.Errorf("Fetch() version = %q, want %q", v2, v)
		}
	})

	t.Run("CreateGuard", func(t *testing.T) {
		b := newBackend(t)
		if _, err := b.Store(t.Context(), "a.bin", []byte("one"), "", "first"); err != nil {
			t.Fatal(err)
		}
		_, err := b.Store(t.Context(), "a.bin", []byte("two"), "", "second")
		if !errors.Is(err, storeerr.ErrAlreadyExists) {
			t.Fatalf("Store() = %v, want ErrAlreadyExists", err)
		}
		got, _, err := b.Fetch(t.Context(), "a.bin")
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "one" {
			t.Errorf("content changed to %q", got)
		}
	})

	t.Run("ConditionalUpdate", func(t *testing.T) {
		b := newBackend(t)
		v1, err := b.Store(t.Context(), "a.json", []byte("[1]"), "", "create")
		if err != nil {
			t.Fatal(err)
		}
		v2, err := b.Store(t.Context(), "a.json", []byte("[2]"), v1, "update")
		if err != nil {
			t.Fatal(err)
		}
		if v2 == v1 {
			t.Error("version did not change")
		}
		// v1 is now stale.
		_, err = b.Store(t.Context(), "a.json", []byte("[3]"), v1, "stale")
		if !errors.Is(err, storeerr.ErrConflict) {
			t.Fatalf("Store(stale) = %v, want ErrConflict", err)
		}
		got, v, err := b.Fetch(t.Context(), "a.json")
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "[2]" || v != v2 {
			t.Errorf("Fetch() = %q %q, want [2] %q", got, v, v2)
		}
	})

	t.Run("DeleteStale", func(t *testing.T) {
		b := newBackend(t)
		v1, err := b.Store(t.Context(), "a.txt", []byte("x"), "", "create")
		if err != nil {
			t.Fatal(err)
		}
		if _, err = b.Store(t.Context(), "a.txt", []byte("y"), v1, "update"); err != nil {
			t.Fatal(err)
		}
		if err = b.Delete(t.Context(), "a.txt", v1, "delete"); !errors.Is(err, storeerr.ErrConflict) {
			t.Fatalf("Delete(stale) = %v, want ErrConflict", err)
		}
		if _, _, err = b.Fetch(t.Context(), "a.txt"); err != nil {
			t.Fatalf("file should survive a stale delete: %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		b := newBackend(t)
		v, err := b.Store(t.Context(), "dir/a.txt", []byte("x"), "", "create")
		if err != nil {
			t.Fatal(err)
		}
		if err = b.Delete(t.Context(), "dir/a.txt", v, "delete"); err != nil {
			t.Fatal(err)
		}
		if _, _, err = b.Fetch(t.Context(), "dir/a.txt"); !errors.Is(err, storeerr.ErrNotFound) {
			t.Fatalf("Fetch() after delete = %v, want ErrNotFound", err)
		}
		if err = b.Delete(t.Context(), "dir/a.txt", v, "again"); !errors.Is(err, storeerr.ErrNotFound) {
			t.Fatalf("Delete() twice = %v, want ErrNotFound", err)
		}
		// The path can be created again.
		if _, err = b.Store(t.Context(), "dir/a.txt", []byte("z"), "", "recreate"); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("InvalidPath", func(t *testing.T) {
		b := newBackend(t)
		if _, err := b.Store(t.Context(), "../escape.txt", []byte("x"), "", "bad"); !errors.Is(err, storeerr.ErrBackend) {
			t.Fatalf("Store() = %v, want ErrBackend", err)
		}
	})
}
