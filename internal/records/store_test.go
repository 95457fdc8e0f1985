package records

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/maruel/gitstore/internal/content"
	"github.com/maruel/gitstore/internal/content/contenttest"
	storeerr "github.com/maruel/gitstore/internal/errors"
	"golang.org/x/sync/errgroup"
)

type user struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

const usersPath = "data/users.json"

func seed(t *testing.T, raw string) (*contenttest.Memory, *Store[user]) {
	t.Helper()
	m := contenttest.NewMemory()
	if raw != "" {
		m.Put(usersPath, []byte(raw))
	}
	return m, NewStore[user](m)
}

func TestStore(t *testing.T) {
	t.Parallel()

	t.Run("CreateMissingCollection", func(t *testing.T) {
		t.Parallel()
		m, s := seed(t, "")
		ctx := t.Context()
		if _, err := s.List(ctx, usersPath); !errors.Is(err, storeerr.ErrNotFound) {
			t.Fatalf("List() = %v, want ErrNotFound", err)
		}
		got, err := s.Create(ctx, usersPath, user{ID: "1", Name: "A"})
		if err != nil {
			t.Fatal(err)
		}
		if got != (user{ID: "1", Name: "A"}) {
			t.Errorf("Create() = %+v", got)
		}
		raw, _ := m.Get(usersPath)
		if want := "[\n  {\n    \"id\": \"1\",\n    \"name\": \"A\"\n  }\n]\n"; string(raw) != want {
			t.Errorf("stored %q, want %q", raw, want)
		}
		if c := m.Commits(); len(c) != 1 || c[0].Message != "gitstore: create 1 in data/users.json" {
			t.Errorf("unexpected commits: %+v", c)
		}
	})

	t.Run("Create", func(t *testing.T) {
		t.Parallel()
		m, s := seed(t, `[{"id":"1","name":"A","extra":{"keep":true}}]`)
		ctx := t.Context()
		if _, err := s.Create(ctx, usersPath, user{ID: "2", Name: "B"}, content.WithMessage("add B")); err != nil {
			t.Fatal(err)
		}
		got, err := s.GetByID(ctx, usersPath, "2")
		if err != nil {
			t.Fatal(err)
		}
		if got.Name != "B" {
			t.Errorf("GetByID() = %+v", got)
		}
		if n, err := s.Count(ctx, usersPath); err != nil || n != 2 {
			t.Errorf("Count() = %d, %v", n, err)
		}
		recs := decodeRaw(t, m)
		if string(recs[0].Data) != `{"id":"1","name":"A","extra":{"keep":true}}` {
			t.Errorf("untouched record changed: %s", recs[0].Data)
		}
		if c := m.Commits(); c[len(c)-1].Message != "add B" {
			t.Errorf("message = %q", c[len(c)-1].Message)
		}
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		t.Parallel()
		m, s := seed(t, `[{"id":"1","name":"A"}]`)
		_, err := s.Create(t.Context(), usersPath, user{ID: "1", Name: "again"})
		if !errors.Is(err, storeerr.ErrAlreadyExists) {
			t.Fatalf("Create() = %v, want ErrAlreadyExists", err)
		}
		if m.Stores() != 0 {
			t.Errorf("backend Store called %d times", m.Stores())
		}
		if m.Fetches() != 1 {
			t.Errorf("backend Fetch called %d times", m.Fetches())
		}
	})

	t.Run("CreateMissingID", func(t *testing.T) {
		t.Parallel()
		m, s := seed(t, `[]`)
		if _, err := s.Create(t.Context(), usersPath, user{Name: "anonymous"}); !errors.Is(err, storeerr.ErrMissingID) {
			t.Fatalf("Create() = %v, want ErrMissingID", err)
		}
		if m.Fetches() != 0 || m.Stores() != 0 {
			t.Errorf("backend called: fetches=%d stores=%d", m.Fetches(), m.Stores())
		}
	})

	t.Run("CreateCollectionRace", func(t *testing.T) {
		t.Parallel()
		m, s := seed(t, "")
		m.BeforeStore = func(p string) {
			m.BeforeStore = nil
			m.Put(p, []byte(`[{"id":"other"}]`))
		}
		_, err := s.Create(t.Context(), usersPath, user{ID: "1"})
		if !errors.Is(err, storeerr.ErrConflict) {
			t.Fatalf("Create() = %v, want ErrConflict", err)
		}
		if errors.Is(err, storeerr.ErrAlreadyExists) {
			t.Error("a lost creation race must only report a conflict")
		}
	})

	t.Run("Update", func(t *testing.T) {
		t.Parallel()
		m, s := seed(t, `[{"id":"1","name":"A"}, {"id":"2","name":"B","x":1}, {"id":"3","name":"C"}]`)
		ctx := t.Context()
		if _, err := s.Update(ctx, usersPath, user{ID: "2", Name: "B2"}); err != nil {
			t.Fatal(err)
		}
		recs := decodeRaw(t, m)
		ids := []string{recs[0].ID, recs[1].ID, recs[2].ID}
		if diff := cmp.Diff([]string{"1", "2", "3"}, ids); diff != "" {
			t.Errorf("order changed (-want +got):\n%s", diff)
		}
		if string(recs[0].Data) != `{"id":"1","name":"A"}` || string(recs[2].Data) != `{"id":"3","name":"C"}` {
			t.Errorf("other records changed: %s %s", recs[0].Data, recs[2].Data)
		}
		all, err := s.List(ctx, usersPath)
		if err != nil {
			t.Fatal(err)
		}
		if all[1] != (user{ID: "2", Name: "B2"}) {
			t.Errorf("List()[1] = %+v", all[1])
		}
		if c := m.Commits(); c[len(c)-1].Message != "gitstore: update 2 in data/users.json" {
			t.Errorf("message = %q", c[len(c)-1].Message)
		}
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		t.Parallel()
		m, s := seed(t, `[{"id":"1","name":"A"}]`)
		if _, err := s.Update(t.Context(), usersPath, user{ID: "9"}); !errors.Is(err, storeerr.ErrNotFound) {
			t.Fatalf("Update() = %v, want ErrNotFound", err)
		}
		if m.Stores() != 0 {
			t.Errorf("backend Store called %d times", m.Stores())
		}
	})

	t.Run("Delete", func(t *testing.T) {
		t.Parallel()
		m, s := seed(t, `[{"id":"1","name":"A"},{"id":"2","name":"B"}]`)
		ctx := t.Context()
		ok, err := s.Delete(ctx, usersPath, "1")
		if err != nil || !ok {
			t.Fatalf("Delete() = %v, %v", ok, err)
		}
		all, err := s.List(ctx, usersPath)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]user{{ID: "2", Name: "B"}}, all); diff != "" {
			t.Errorf("List() mismatch (-want +got):\n%s", diff)
		}
		if n, _ := s.Count(ctx, usersPath); n != 1 {
			t.Errorf("Count() = %d", n)
		}
		if found, err := s.Exists(ctx, usersPath, "1"); err != nil || found {
			t.Errorf("Exists() = %v, %v", found, err)
		}
		if c := m.Commits(); c[len(c)-1].Message != "gitstore: delete 1 from data/users.json" {
			t.Errorf("message = %q", c[len(c)-1].Message)
		}
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		t.Parallel()
		raw := `[{"id":"1","name":"A"}]`
		m, s := seed(t, raw)
		ok, err := s.Delete(t.Context(), usersPath, "9")
		if !errors.Is(err, storeerr.ErrNotFound) || ok {
			t.Fatalf("Delete() = %v, %v", ok, err)
		}
		if got, _ := m.Get(usersPath); string(got) != raw {
			t.Errorf("collection changed: %q", got)
		}
	})

	t.Run("Exists", func(t *testing.T) {
		t.Parallel()
		_, s := seed(t, `[{"id":"1"}]`)
		ctx := t.Context()
		if found, err := s.Exists(ctx, usersPath, "1"); err != nil || !found {
			t.Errorf("Exists(1) = %v, %v", found, err)
		}
		if found, err := s.Exists(ctx, "missing.json", "1"); err != nil || found {
			t.Errorf("Exists(missing collection) = %v, %v", found, err)
		}
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := s.Exists(canceled, usersPath, "1"); !errors.Is(err, storeerr.ErrBackend) {
			t.Errorf("Exists(canceled) = %v, want ErrBackend", err)
		}
	})

	t.Run("CorruptCollection", func(t *testing.T) {
		t.Parallel()
		_, s := seed(t, `{"id":"1"}`)
		if _, err := s.List(t.Context(), usersPath); !errors.Is(err, storeerr.ErrInvalidShape) {
			t.Errorf("List() = %v, want ErrInvalidShape", err)
		}
		_, s = seed(t, `[{"id":"1","name":5}]`)
		if _, err := s.GetByID(t.Context(), usersPath, "1"); !errors.Is(err, storeerr.ErrInvalidShape) {
			t.Errorf("GetByID() = %v, want ErrInvalidShape", err)
		}
	})

	t.Run("RawMessage", func(t *testing.T) {
		t.Parallel()
		m := contenttest.NewMemory()
		docs := NewStore[json.RawMessage](m)
		ctx := t.Context()
		if _, err := docs.Create(ctx, "docs.json", json.RawMessage(`{"id":"a","body":{"x":[1,2]}}`)); err != nil {
			t.Fatal(err)
		}
		got, err := docs.GetByID(ctx, "docs.json", "a")
		if err != nil {
			t.Fatal(err)
		}
		var v map[string]any
		if err := json.Unmarshal(got, &v); err != nil {
			t.Fatal(err)
		}
		if v["id"] != "a" {
			t.Errorf("GetByID() = %s", got)
		}
	})
}

func TestStoreConcurrentUpdates(t *testing.T) {
	t.Parallel()
	m, s := seed(t, `[{"id":"1","name":"A"},{"id":"2","name":"B"}]`)

	// Both writers pass the version check before either writes.
	var arrived sync.WaitGroup
	arrived.Add(2)
	m.BeforeStore = func(string) {
		arrived.Done()
		arrived.Wait()
	}

	updates := []user{{ID: "1", Name: "first"}, {ID: "1", Name: "second"}}
	errs := make([]error, len(updates))
	var g errgroup.Group
	for i, u := range updates {
		g.Go(func() error {
			_, errs[i] = s.Update(t.Context(), usersPath, u)
			return nil
		})
	}
	_ = g.Wait()

	winner := -1
	for i, err := range errs {
		switch {
		case err == nil:
			if winner != -1 {
				t.Fatal("both updates succeeded")
			}
			winner = i
		case !errors.Is(err, storeerr.ErrConflict):
			t.Fatalf("update %d: %v, want ErrConflict", i, err)
		}
	}
	if winner == -1 {
		t.Fatal("no update succeeded")
	}
	m.BeforeStore = nil
	all, err := s.List(t.Context(), usersPath)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]user{updates[winner], {ID: "2", Name: "B"}}, all); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}
	if m.Stores() != 2 || len(m.Commits()) != 1 {
		t.Errorf("stores=%d commits=%d", m.Stores(), len(m.Commits()))
	}
}

func decodeRaw(t *testing.T, m *contenttest.Memory) []Record {
	t.Helper()
	raw, ok := m.Get(usersPath)
	if !ok {
		t.Fatal("collection missing")
	}
	recs, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	return recs
}
