package graphstore

import (
	"errors"
	"testing"

	"github.com/discogsography/ingestion/internal/record"
)

func TestLabel(t *testing.T) {
	cases := map[record.DataType]string{
		record.Artists:  "Artist",
		record.Labels:   "Label",
		record.Masters:  "Master",
		record.Releases: "Release",
	}
	for dt, want := range cases {
		if got := Label(dt); got != want {
			t.Errorf("Label(%s) = %q, want %q", dt, got, want)
		}
	}
}

func TestDecode_stripsHashAndLiftsID(t *testing.T) {
	p, err := decode([]byte(`{"id":"1","name":"A","sha256":"deadbeef"}`))
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != "1" {
		t.Errorf("ID = %q, want 1", p.ID)
	}
	if p.SHA256 != "deadbeef" {
		t.Errorf("SHA256 = %q, want deadbeef", p.SHA256)
	}
	if _, ok := p.Fields["sha256"]; ok {
		t.Error("sha256 should be stripped from Fields")
	}
	if p.Fields["name"] != "A" {
		t.Errorf("Fields[name] = %v, want A", p.Fields["name"])
	}
}

func TestStringsOf(t *testing.T) {
	if got := stringsOf(nil); got != nil {
		t.Errorf("stringsOf(nil) = %v, want nil", got)
	}
	if got := stringsOf(""); got != nil {
		t.Errorf("stringsOf(\"\") = %v, want nil", got)
	}
	if got := stringsOf("5"); len(got) != 1 || got[0] != "5" {
		t.Errorf("stringsOf(\"5\") = %v, want [5]", got)
	}
	if got := stringsOf([]any{"1", "2"}); len(got) != 2 {
		t.Errorf("stringsOf([1,2]) = %v, want 2 entries", got)
	}
}

func TestIsTransientNeo4jError(t *testing.T) {
	if !isTransientNeo4jError(errors.New("Neo.TransientError.General.ServiceUnavailable")) {
		t.Error("expected ServiceUnavailable to be transient")
	}
	if !isTransientNeo4jError(errors.New("SessionExpired: session closed by server")) {
		t.Error("expected SessionExpired to be transient")
	}
	if isTransientNeo4jError(errors.New("Neo.ClientError.Schema.ConstraintValidationFailed")) {
		t.Error("expected constraint violation to be non-transient")
	}
}
