package poller

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

func dedupPath(dataDir, poller string) string {
	return filepath.Join(dataDir, poller+".artifacts.json")
}

// lastBuildPath is keyed by the artifact poller's name; the paired
// commit watcher derives the same path from its artifact_poller
// setting.
func lastBuildPath(dataDir, artifactPoller string) string {
	return filepath.Join(dataDir, artifactPoller+".last-build.json")
}

func watchStatePath(dataDir, poller string) string {
	return filepath.Join(dataDir, poller+".commits.json")
}

// dedupState maps run numbers to artifact ids already handled for that
// run. Keys and ids are decimal strings, same as the on-disk document.
// A snapshot is never mutated once it has been persisted.
type dedupState map[string][]string

func (s dedupState) has(run, id string) bool {
	for _, existing := range s[run] {
		if existing == id {
			return true
		}
	}
	return false
}

func (s dedupState) add(run, id string) {
	if s.has(run, id) {
		return
	}
	s[run] = append(s[run], id)
}

// lastBuild is the cross-process document naming the commit that went
// into the most recently published build.
type lastBuild struct {
	CommitHash string `json:"commit-hash"`
}

// commitState is the commit watcher's bookkeeping. It informs status
// reporting only; trigger decisions always come from the live feed and
// the last-build document.
type commitState struct {
	LastPoll    time.Time      `json:"last_poll"`
	LastTrigger *triggerRecord `json:"last_trigger,omitempty"`
}

type triggerRecord struct {
	Time     time.Time `json:"time"`
	Reason   string    `json:"reason"`
	Commits  int       `json:"commits"`
	Boundary string    `json:"boundary,omitempty"`
}

// readState loads a JSON state document. A missing file is not an
// error, it reports found=false; anything unparseable is fatal.
func readState(path string, v any) (bool, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("corrupt state file %s: %w", filepath.Base(path), err)
	}

	return true, nil
}

// writeState replaces a state document wholesale: marshal, write a
// temp file next to the target, rename over it. A crash leaves the
// previous generation intact, never a torn file.
func writeState(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	return nil
}

func readLastBuild(path string) (string, bool, error) {
	var doc lastBuild
	found, err := readState(path, &doc)
	if err != nil {
		return "", false, err
	}
	return doc.CommitHash, found && doc.CommitHash != "", nil
}
