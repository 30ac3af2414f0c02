package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"windlass.sh/core/github"
	"windlass.sh/core/log"
	"windlass.sh/core/notifier"
	"windlass.sh/core/poller/config"
	"windlass.sh/core/poller/journal"
)

const (
	// triggerEventType is the repository_dispatch event the build
	// workflow listens for.
	triggerEventType = "trigger-action"

	// maxCommitPages bounds a single scan; a boundary further back
	// than this is treated as ancient history and everything newer
	// counts as new.
	maxCommitPages = 5
)

// CommitFeed pages through a repository's commit history, newest
// first.
type CommitFeed interface {
	Meta(ctx context.Context) (*github.RepoMeta, error)
	Commits(ctx context.Context, page int) ([]github.Commit, error)
}

// Dispatcher fires a build trigger at the build repository.
type Dispatcher interface {
	Dispatch(ctx context.Context, eventType string) error
}

var (
	_ CommitFeed = &github.Repo{}
	_ Dispatcher = &github.Repo{}
)

// Commits watches a repository's commit feed and triggers the build
// repository whenever commits land past the last built hash.
type Commits struct {
	name      string
	repo      string
	buildRepo string
	dryRun    bool

	feed       CommitFeed
	dispatcher Dispatcher

	handoff        Handoff
	handoffTimeout time.Duration
	waited         bool

	hashPath  string
	statePath string
	state     commitState

	j *journal.Journal
	n *notifier.Notifier
	l *slog.Logger
}

func NewCommits(ctx context.Context, dataDir string, p config.Poller, feed CommitFeed, dispatcher Dispatcher, j *journal.Journal, n *notifier.Notifier) *Commits {
	return &Commits{
		name:           p.Name,
		repo:           p.Repo,
		buildRepo:      p.Commits.BuildRepo,
		dryRun:         p.Commits.DryRun,
		feed:           feed,
		dispatcher:     dispatcher,
		handoff:        NewHandoff(dataDir, p.Commits.ArtifactPoller),
		handoffTimeout: p.Commits.HandoffTimeout.Std(),
		hashPath:       lastBuildPath(dataDir, p.Commits.ArtifactPoller),
		statePath:      watchStatePath(dataDir, p.Name),
		j:              j,
		n:              n,
		l:              log.FromContext(ctx),
	}
}

func (e *Commits) Name() string { return e.name }

func (e *Commits) Validate(ctx context.Context) error {
	meta, err := e.feed.Meta(ctx)
	if err != nil {
		return fmt.Errorf("fetching metadata for %s: %w", e.repo, err)
	}
	if meta.Disabled {
		return fmt.Errorf("%s: %w", e.repo, ErrDisabledRepo)
	}
	return nil
}

func (e *Commits) ReadState(ctx context.Context) error {
	var st commitState
	if _, err := readState(e.statePath, &st); err != nil {
		return err
	}
	e.state = st
	return nil
}

func (e *Commits) WriteState(ctx context.Context) error {
	return writeState(e.statePath, e.state)
}

// Poll runs one watch cycle. It never asks for the error interval: a
// failed scan just waits for the next regular cycle against an
// unchanged boundary.
func (e *Commits) Poll(ctx context.Context) (bool, error) {
	l := e.l.With("cycle", uuid.NewString())

	if !e.waited {
		l.Info("waiting for paired artifact poller", "timeout", e.handoffTimeout)
		if err := e.handoff.Wait(ctx, e.handoffTimeout); err != nil {
			if !errors.Is(err, ErrHandoffTimeout) {
				return false, err
			}
			l.Warn("handoff wait timed out, proceeding without a baseline")
		}
		e.waited = true
	}

	// read fresh every cycle; the paired artifact poller advances this
	// from another process
	baseline, ok, err := readLastBuild(e.hashPath)
	if err != nil {
		return false, err
	}

	e.state.LastPoll = time.Now().UTC()

	if !ok {
		page, err := e.feed.Commits(ctx, 1)
		if err != nil {
			l.Error("listing commits failed", "error", err)
			record(e.j, e.n, l, journal.KindCycleError, cycleErrorEvent{Stage: "list-commits", Error: err.Error()})
			return false, nil
		}
		if len(page) == 0 {
			return false, fmt.Errorf("%s: %w", e.repo, ErrEmptyCommitLog)
		}

		l.Info("no last build hash found, forcing a build trigger")
		e.trigger(ctx, l, "forced", 0, "")
		return false, nil
	}

	since, err := e.scan(ctx, l, baseline)
	if err != nil {
		if errors.Is(err, ErrEmptyCommitLog) {
			return false, err
		}
		l.Error("scanning commits failed", "error", err)
		record(e.j, e.n, l, journal.KindCycleError, cycleErrorEvent{Stage: "list-commits", Error: err.Error()})
		return false, nil
	}

	if len(since) == 0 {
		l.Info("no commits since last build", "hash", shorten(baseline))
		return false, nil
	}

	l.Info("new commits since last build", "count", len(since), "hash", shorten(baseline))
	for _, c := range since {
		l.Info("pending commit", "sha", c.Short(), "author", c.Commit.Author.Name, "url", c.HTMLURL)
	}
	e.trigger(ctx, l, "new-commits", len(since), baseline)

	return false, nil
}

// scan accumulates commits newer than the boundary hash, newest first.
// The boundary commit itself is excluded. At most maxCommitPages pages
// are fetched.
func (e *Commits) scan(ctx context.Context, l *slog.Logger, baseline string) ([]github.Commit, error) {
	var since []github.Commit

	for page := 1; page <= maxCommitPages; page++ {
		commits, err := e.feed.Commits(ctx, page)
		if err != nil {
			return nil, err
		}
		if page == 1 && len(commits) == 0 {
			return nil, fmt.Errorf("%s: %w", e.repo, ErrEmptyCommitLog)
		}

		for _, c := range commits {
			if c.SHA == baseline {
				return since, nil
			}
			since = append(since, c)
		}

		if len(commits) < github.PerPage {
			// ran out of history without finding the boundary
			return since, nil
		}
	}

	l.Warn("boundary hash not found within page bound", "pages", maxCommitPages, "hash", shorten(baseline))
	return since, nil
}

// trigger dispatches a build, or just says it would in dry-run mode.
// Dispatch failures are logged and the trigger is not recorded, so the
// next cycle decides again from scratch.
func (e *Commits) trigger(ctx context.Context, l *slog.Logger, reason string, commits int, boundary string) {
	if e.dryRun {
		l.Info("dry run, build trigger suppressed", "repo", e.buildRepo, "reason", reason)
	} else {
		if err := e.dispatcher.Dispatch(ctx, triggerEventType); err != nil {
			l.Error("build trigger failed", "repo", e.buildRepo, "error", err)
			record(e.j, e.n, l, journal.KindCycleError, cycleErrorEvent{Stage: "dispatch", Error: err.Error()})
			return
		}
		l.Info("build trigger dispatched", "repo", e.buildRepo, "event", triggerEventType, "reason", reason)
	}

	e.state.LastTrigger = &triggerRecord{
		Time:     time.Now().UTC(),
		Reason:   reason,
		Commits:  commits,
		Boundary: boundary,
	}
	record(e.j, e.n, l, journal.KindTriggerFired, triggerFiredEvent{
		Reason:    reason,
		Commits:   commits,
		Boundary:  boundary,
		BuildRepo: e.buildRepo,
		DryRun:    e.dryRun,
	})
}

func shorten(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
