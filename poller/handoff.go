package poller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const handoffPollPeriod = 500 * time.Millisecond

// Handoff is the one-shot gate between a poller pair: the artifact
// engine raises it after its first successful persist, the paired
// commit watcher waits on it before its first scan. The marker file
// survives restarts, so a pair that has synced once never waits again.
type Handoff struct {
	path string
}

func NewHandoff(dataDir, artifactPoller string) Handoff {
	return Handoff{
		path: filepath.Join(dataDir, artifactPoller+".ready"),
	}
}

func (h Handoff) Raised() bool {
	_, err := os.Stat(h.path)
	return err == nil
}

// Raise sets the gate. Raising an already-raised gate is a no-op.
func (h Handoff) Raise() error {
	if h.Raised() {
		return nil
	}
	return os.WriteFile(h.path, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0644)
}

// Wait blocks until the gate is raised, until the timeout passes
// (ErrHandoffTimeout) or until the context ends.
func (h Handoff) Wait(ctx context.Context, timeout time.Duration) error {
	if h.Raised() {
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	tick := time.NewTicker(handoffPollPeriod)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w after %s", ErrHandoffTimeout, timeout)
		case <-tick.C:
			if h.Raised() {
				return nil
			}
		}
	}
}
