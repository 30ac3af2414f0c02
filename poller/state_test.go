package poller

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDedupState(t *testing.T) {
	s := dedupState{}

	if s.has("12", "100") {
		t.Error("empty state should not report any id")
	}

	s.add("12", "100")
	s.add("12", "101")
	s.add("12", "100") // duplicate

	if !s.has("12", "100") || !s.has("12", "101") {
		t.Error("added ids should be reported")
	}
	if s.has("13", "100") {
		t.Error("ids must be scoped to their run")
	}
	if got := len(s["12"]); got != 2 {
		t.Errorf("expected 2 ids for run 12, got %d", got)
	}
}

func TestReadStateMissing(t *testing.T) {
	var doc lastBuild
	found, err := readState(filepath.Join(t.TempDir(), "nope.json"), &doc)
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if found {
		t.Error("missing file should report found=false")
	}
}

func TestReadStateCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	var doc lastBuild
	if _, err := readState(path, &doc); err == nil {
		t.Error("corrupt file should error")
	}
}

func TestWriteStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	want := dedupState{
		"12": {"100", "101"},
		"13": {"102"},
	}
	if err := writeState(path, want); err != nil {
		t.Fatalf("writeState: %v", err)
	}

	got := dedupState{}
	found, err := readState(path, &got)
	if err != nil {
		t.Fatalf("readState: %v", err)
	}
	if !found {
		t.Fatal("expected the file to exist")
	}

	for run, ids := range want {
		for _, id := range ids {
			if !got.has(run, id) {
				t.Errorf("missing id %s for run %s after round trip", id, run)
			}
		}
	}
}

func TestWriteStateReplacesWholeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	if err := writeState(path, dedupState{"12": {"100"}}); err != nil {
		t.Fatal(err)
	}
	if err := writeState(path, dedupState{"14": {"200"}}); err != nil {
		t.Fatal(err)
	}

	got := dedupState{}
	if _, err := readState(path, &got); err != nil {
		t.Fatal(err)
	}

	if got.has("12", "100") {
		t.Error("old generation should be gone after replacement")
	}
	if !got.has("14", "200") {
		t.Error("new generation should be present")
	}

	// no temp files may survive a completed write
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the state file in the dir, found %d entries", len(entries))
	}
}

func TestReadLastBuild(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name      string
		content   string
		write     bool
		wantHash  string
		wantFound bool
		wantErr   bool
	}{
		{
			name:      "missing file",
			write:     false,
			wantFound: false,
		},
		{
			name:      "valid document",
			content:   `{"commit-hash": "abc123def456"}`,
			write:     true,
			wantHash:  "abc123def456",
			wantFound: true,
		},
		{
			name:      "empty hash",
			content:   `{"commit-hash": ""}`,
			write:     true,
			wantFound: false,
		},
		{
			name:    "corrupt document",
			content: `not json at all`,
			write:   true,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".json")
			if tt.write {
				if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
					t.Fatal(err)
				}
			}

			hash, found, err := readLastBuild(path)
			if tt.wantErr {
				if err == nil {
					t.Error("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if found != tt.wantFound {
				t.Errorf("found = %v, want %v", found, tt.wantFound)
			}
			if hash != tt.wantHash {
				t.Errorf("hash = %q, want %q", hash, tt.wantHash)
			}
		})
	}
}

func TestStatePaths(t *testing.T) {
	if got := dedupPath("data", "fw"); got != filepath.Join("data", "fw.artifacts.json") {
		t.Errorf("dedupPath = %q", got)
	}
	if got := lastBuildPath("data", "fw"); got != filepath.Join("data", "fw.last-build.json") {
		t.Errorf("lastBuildPath = %q", got)
	}
	if got := watchStatePath("data", "fw-commits"); got != filepath.Join("data", "fw-commits.commits.json") {
		t.Errorf("watchStatePath = %q", got)
	}
}

func TestReadStateWrappedError(t *testing.T) {
	// a permissions failure is not fs.ErrNotExist and must surface
	if os.Getuid() == 0 {
		t.Skip("running as root, permission bits are not enforced")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte("{}"), 0000); err != nil {
		t.Fatal(err)
	}

	var doc lastBuild
	_, err := readState(path, &doc)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected a non-ErrNotExist error, got %v", err)
	}
}
