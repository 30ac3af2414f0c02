package poller

import (
	"errors"
)

var (
	// ErrDisabledRepo is fatal at startup: a disabled repository can
	// never produce runs or accept dispatches.
	ErrDisabledRepo = errors.New("repository is disabled")

	// ErrEmptyCommitLog is fatal: a repository with no commit history
	// gives the watcher nothing sound to decide on.
	ErrEmptyCommitLog = errors.New("no commits found in repository")

	// ErrHandoffTimeout ends the bounded wait for the paired artifact
	// poller's first cycle; the waiter proceeds as if no baseline
	// exists.
	ErrHandoffTimeout = errors.New("timed out waiting for first artifact sync")
)
