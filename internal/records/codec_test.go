package records

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	storeerr "github.com/maruel/gitstore/internal/errors"
)

func TestDecode(t *testing.T) {
	t.Parallel()
	data := []byte(`[
  {"id": "1", "name": "A", "tags": ["x"], "nested": {"id": "inner"}},
  {"name": "B", "id": "2\"b"}
]`)
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	want := []Record{
		{ID: "1", Data: json.RawMessage(`{"id": "1", "name": "A", "tags": ["x"], "nested": {"id": "inner"}}`)},
		{ID: `2"b`, Data: json.RawMessage(`{"name": "B", "id": "2\"b"}`)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Decode() mismatch (-want +got):\n%s", diff)
	}

	empty, err := Decode([]byte(" [ ] "))
	if err != nil {
		t.Fatal(err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("Decode(empty) = %#v", empty)
	}
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want storeerr.ErrorCode
	}{
		{"empty", ``, storeerr.ErrInvalidEncoding},
		{"garbage", `not json`, storeerr.ErrInvalidEncoding},
		{"truncated", `[{"id":"1"}`, storeerr.ErrInvalidEncoding},
		{"object", `{"id":"1"}`, storeerr.ErrInvalidShape},
		{"string", `"[]"`, storeerr.ErrInvalidShape},
		{"no id", `[{"name":"x"}]`, storeerr.ErrMissingID},
		{"empty id", `[{"id":""}]`, storeerr.ErrMissingID},
		{"numeric id", `[{"id":1}]`, storeerr.ErrMissingID},
		{"null id", `[{"id":null}]`, storeerr.ErrMissingID},
		{"nested id only", `[{"a":{"id":"1"}}]`, storeerr.ErrMissingID},
		{"scalar element", `[{"id":"1"}, 2]`, storeerr.ErrMissingID},
		{"duplicate", `[{"id":"1"},{"id":"2"},{"id":"1"}]`, storeerr.ErrInvalidShape},
		{"repeated id member", `[{"id":"a","id":"b"}]`, storeerr.ErrInvalidShape},
		{"repeated escaped id member", `[{"id":"a","\u0069d":"b"}]`, storeerr.ErrInvalidShape},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode([]byte(tt.in))
			if got := storeerr.CodeOf(err); got != tt.want {
				t.Errorf("Decode(%q) = %v, want %s", tt.in, err, tt.want)
			}
		})
	}
}

func TestEncode(t *testing.T) {
	t.Parallel()
	if got := string(Encode(nil)); got != "[]\n" {
		t.Errorf("Encode(nil) = %q", got)
	}
	recs := []Record{
		{ID: "1", Data: json.RawMessage(`{"id":"1"}`)},
		{ID: "2", Data: json.RawMessage("{\n    \"id\": \"2\"\n  }")},
	}
	want := "[\n  {\"id\":\"1\"},\n  {\n    \"id\": \"2\"\n  }\n]\n"
	if got := string(Encode(recs)); got != want {
		t.Errorf("Encode() = %q, want %q", got, want)
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	collections := [][]Record{
		{},
		{{ID: "a", Data: json.RawMessage(`{"id":"a"}`)}},
		{
			{ID: "1", Data: json.RawMessage(`{"id":"1","name":"A","n":1.5e3,"ok":true,"x":null}`)},
			{ID: "ü", Data: json.RawMessage(`{ "id" : "ü", "list": [1, {"id": "nested"}] }`)},
			{ID: "3", Data: json.RawMessage("{\n    \"id\": \"3\"\n  }")},
		},
	}
	for _, recs := range collections {
		got, err := Decode(Encode(recs))
		if err != nil {
			t.Fatalf("Decode(Encode(%v)) failed: %v", recs, err)
		}
		if diff := cmp.Diff(recs, got); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestNewRecord(t *testing.T) {
	t.Parallel()
	r, err := newRecord("create", "a.json", map[string]any{"id": "x", "n": 1})
	if err != nil {
		t.Fatal(err)
	}
	if r.ID != "x" {
		t.Errorf("ID = %q", r.ID)
	}
	for _, v := range []any{map[string]any{"n": 1}, []int{1}, nil, struct {
		ID int `json:"id"`
	}{ID: 1}} {
		if _, err := newRecord("create", "a.json", v); storeerr.CodeOf(err) != storeerr.ErrMissingID {
			t.Errorf("newRecord(%v) = %v, want ErrMissingID", v, err)
		}
	}
	if _, err := newRecord("create", "a.json", json.RawMessage(`{"id":`)); storeerr.CodeOf(err) != storeerr.ErrInvalidEncoding {
		t.Errorf("newRecord(invalid) = %v, want ErrInvalidEncoding", err)
	}
	if _, err := newRecord("create", "a.json", json.RawMessage(`{"id":"a","id":"b"}`)); storeerr.CodeOf(err) != storeerr.ErrInvalidShape {
		t.Errorf("newRecord(repeated id) = %v, want ErrInvalidShape", err)
	}
	// Other members named like id are fine.
	r, err = newRecord("create", "a.json", map[string]any{"id": "x", "ids": []string{"y"}, "nested": map[string]string{"id": "z"}})
	if err != nil || r.ID != "x" {
		t.Errorf("newRecord() = %+v, %v", r, err)
	}
}
