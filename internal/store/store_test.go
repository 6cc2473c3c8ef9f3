package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleLog = "time,soc,v,i\n1,98.5,25.40,0.10\n2,98.4,25.39,0.12\n"

func TestContentHash(t *testing.T) {
	a, err := ContentHash([]byte(sampleLog))
	if err != nil {
		t.Fatal(err)
	}
	b, _ := ContentHash([]byte(strings.ReplaceAll(sampleLog, "\n", "\r\n")))
	if a != b {
		t.Error("CRLF copy hashed differently")
	}
	if !strings.HasPrefix(a, "sha256:") || len(a) != 7+64 {
		t.Errorf("hash = %q", a)
	}
	if got := ShortHash(a); len(got) != 12 || got != a[7:19] {
		t.Errorf("ShortHash = %q", got)
	}
	if _, err := ContentHash(nil); !errors.Is(err, ErrEmptyLog) {
		t.Errorf("empty log: err = %v", err)
	}
}

func TestExtractMetadata(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		columns int
		rows    int
		valid   bool
	}{
		{name: "csv", data: sampleLog, columns: 4, rows: 2, valid: true},
		{name: "header_only", data: "a,b\n", columns: 2, rows: 0, valid: true},
		{name: "ragged_rows", data: "a,b\n1\n1,2,3\n", columns: 2, rows: 2, valid: true},
		{name: "bad_quote", data: "a,b\n\"unterminated,1\n", columns: 2, rows: 0, valid: false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			m := ExtractMetadata([]byte(test.data), "sha256:x")
			if len(m.Columns) != test.columns || m.Rows != test.rows || m.Valid != test.valid {
				t.Errorf("metadata = columns %v rows %d valid %v", m.Columns, m.Rows, m.Valid)
			}
			if m.Size != len(test.data) {
				t.Errorf("Size = %d", m.Size)
			}
		})
	}
}

func TestStoreImport(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	hash, isNew, err := s.Import([]byte(sampleLog), NewSource("fetch", "AA:BB", ""))
	if err != nil {
		t.Fatal(err)
	}
	if !isNew {
		t.Error("first import not new")
	}

	again, isNew, err := s.Import([]byte(sampleLog), NewSource("import", "", "battery_log.csv"))
	if err != nil {
		t.Fatal(err)
	}
	if isNew || again != hash {
		t.Errorf("second import: new=%v hash=%s", isNew, again)
	}

	meta, err := s.GetMetadata(hash)
	if err != nil {
		t.Fatal(err)
	}
	if len(meta.Sources) != 2 || meta.Sources[0].ID == meta.Sources[1].ID {
		t.Errorf("sources = %+v", meta.Sources)
	}
	if meta.Rows != 2 {
		t.Errorf("rows = %d", meta.Rows)
	}

	entries, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Copies != 2 || entries[0].Device != "AA:BB" || entries[0].Hash != hash {
		t.Errorf("List() = %+v", entries)
	}
	if n, _ := s.Count(); n != 1 {
		t.Errorf("Count() = %d", n)
	}

	if _, _, err := s.Import(nil, NewSource("fetch", "", "")); !errors.Is(err, ErrEmptyLog) {
		t.Errorf("empty import: err = %v", err)
	}
}

func TestStoreResolveAndExport(t *testing.T) {
	s, _ := Open(t.TempDir())
	hash, _, err := s.Import([]byte(sampleLog), NewSource("fetch", "", ""))
	if err != nil {
		t.Fatal(err)
	}
	s.Import([]byte("other,log\n"), NewSource("fetch", "", ""))

	for _, prefix := range []string{ShortHash(hash), hash, "sha256:" + ShortHash(hash)} {
		got, err := s.Resolve(prefix)
		if err != nil || got != hash {
			t.Errorf("Resolve(%q) = %q, %v", prefix, got, err)
		}
	}
	if _, err := s.Resolve("zzzz"); err == nil {
		t.Error("Resolve of unknown prefix succeeded")
	}
	if _, err := s.Resolve(""); err == nil {
		t.Error("Resolve of empty prefix succeeded")
	}

	dest := filepath.Join(t.TempDir(), "out.csv")
	if err := s.Export(hash, dest); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(dest)
	if string(data) != sampleLog {
		t.Errorf("exported %q", data)
	}
}
