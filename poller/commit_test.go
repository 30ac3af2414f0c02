package poller

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"windlass.sh/core/github"
	"windlass.sh/core/poller/config"
)

type fakeFeed struct {
	meta    *github.RepoMeta
	metaErr error

	pages   map[int][]github.Commit
	pageErr error
	calls   []int
}

func (f *fakeFeed) Meta(ctx context.Context) (*github.RepoMeta, error) {
	if f.metaErr != nil {
		return nil, f.metaErr
	}
	if f.meta != nil {
		return f.meta, nil
	}
	return &github.RepoMeta{FullName: "acme/firmware", DefaultBranch: "main"}, nil
}

func (f *fakeFeed) Commits(ctx context.Context, page int) ([]github.Commit, error) {
	f.calls = append(f.calls, page)
	if f.pageErr != nil {
		return nil, f.pageErr
	}
	return f.pages[page], nil
}

type fakeDispatcher struct {
	err    error
	events []string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, eventType string) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, eventType)
	return nil
}

func commitPoller(dryRun bool) config.Poller {
	return config.Poller{
		Name:   "fw-commits",
		Kind:   config.KindCommits,
		Repo:   "acme/firmware",
		Branch: "main",
		Commits: &config.CommitConfig{
			ArtifactPoller: "fw",
			BuildRepo:      "acme/firmware-build",
			DryRun:         dryRun,
			HandoffTimeout: config.Duration(50 * time.Millisecond),
		},
	}
}

func sha(i int) string {
	return fmt.Sprintf("%040d", i)
}

func commit(i int) github.Commit {
	c := github.Commit{
		SHA:     sha(i),
		HTMLURL: fmt.Sprintf("https://github.com/acme/firmware/commit/%s", sha(i)),
	}
	c.Commit.Message = fmt.Sprintf("change %d", i)
	c.Commit.Author.Name = "dev"
	return c
}

// commitFeed builds a descending feed: newest is the highest number.
func commitFeed(newest, oldest int) map[int][]github.Commit {
	pages := map[int][]github.Commit{}
	page := 1
	var cur []github.Commit
	for i := newest; i >= oldest; i-- {
		cur = append(cur, commit(i))
		if len(cur) == github.PerPage {
			pages[page] = cur
			cur = nil
			page++
		}
	}
	if len(cur) > 0 {
		pages[page] = cur
	}
	return pages
}

func newTestCommits(t *testing.T, dataDir string, p config.Poller, feed CommitFeed, dispatcher Dispatcher) *Commits {
	t.Helper()

	ctx := testContext(t)
	e := NewCommits(ctx, dataDir, p, feed, dispatcher, nil, nil)
	if err := e.Validate(ctx); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := e.ReadState(ctx); err != nil {
		t.Fatalf("ReadState: %v", err)
	}

	// the artifact side of the pair has already synced
	if err := NewHandoff(dataDir, "fw").Raise(); err != nil {
		t.Fatal(err)
	}
	return e
}

func writeBaseline(t *testing.T, dataDir, hash string) {
	t.Helper()
	if err := writeState(lastBuildPath(dataDir, "fw"), lastBuild{CommitHash: hash}); err != nil {
		t.Fatal(err)
	}
}

func TestCommitsForcedTriggerWithoutBaseline(t *testing.T) {
	dataDir := t.TempDir()

	feed := &fakeFeed{pages: commitFeed(3, 1)}
	dispatcher := &fakeDispatcher{}
	e := newTestCommits(t, dataDir, commitPoller(false), feed, dispatcher)

	retry, err := e.Poll(testContext(t))
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if retry {
		t.Error("the watcher never asks for the error interval")
	}

	if len(dispatcher.events) != 1 || dispatcher.events[0] != "trigger-action" {
		t.Errorf("expected one trigger-action dispatch, got %v", dispatcher.events)
	}
	if !slices.Equal(feed.calls, []int{1}) {
		t.Errorf("a forced decision needs only page 1, got %v", feed.calls)
	}
	if e.state.LastTrigger == nil || e.state.LastTrigger.Reason != "forced" {
		t.Errorf("expected a forced trigger record, got %+v", e.state.LastTrigger)
	}
}

func TestCommitsEmptyRepositoryIsFatal(t *testing.T) {
	dataDir := t.TempDir()

	feed := &fakeFeed{pages: map[int][]github.Commit{}}
	dispatcher := &fakeDispatcher{}
	e := newTestCommits(t, dataDir, commitPoller(false), feed, dispatcher)

	_, err := e.Poll(testContext(t))
	if !errors.Is(err, ErrEmptyCommitLog) {
		t.Fatalf("expected ErrEmptyCommitLog, got %v", err)
	}
	if len(dispatcher.events) != 0 {
		t.Error("nothing may be dispatched for an empty repository")
	}
}

func TestCommitsTriggersPastBoundary(t *testing.T) {
	dataDir := t.TempDir()

	// feed is 5..1 newest first; the last build was commit 3
	feed := &fakeFeed{pages: commitFeed(5, 1)}
	dispatcher := &fakeDispatcher{}
	e := newTestCommits(t, dataDir, commitPoller(false), feed, dispatcher)
	writeBaseline(t, dataDir, sha(3))

	retry, err := e.Poll(testContext(t))
	if err != nil || retry {
		t.Fatalf("Poll: retry=%v err=%v", retry, err)
	}

	if len(dispatcher.events) != 1 {
		t.Fatalf("expected one dispatch, got %v", dispatcher.events)
	}
	if e.state.LastTrigger == nil {
		t.Fatal("expected a trigger record")
	}
	if e.state.LastTrigger.Reason != "new-commits" {
		t.Errorf("reason = %q", e.state.LastTrigger.Reason)
	}
	// commits 5 and 4 are new; the boundary commit itself is not
	if e.state.LastTrigger.Commits != 2 {
		t.Errorf("new commit count = %d, want 2", e.state.LastTrigger.Commits)
	}
}

func TestCommitsNoOpAtHead(t *testing.T) {
	dataDir := t.TempDir()

	feed := &fakeFeed{pages: commitFeed(5, 1)}
	dispatcher := &fakeDispatcher{}
	e := newTestCommits(t, dataDir, commitPoller(false), feed, dispatcher)
	writeBaseline(t, dataDir, sha(5))

	retry, err := e.Poll(testContext(t))
	if err != nil || retry {
		t.Fatalf("Poll: retry=%v err=%v", retry, err)
	}

	if len(dispatcher.events) != 0 {
		t.Errorf("no dispatch expected at head, got %v", dispatcher.events)
	}
	if e.state.LastTrigger != nil {
		t.Errorf("no trigger record expected, got %+v", e.state.LastTrigger)
	}
}

func TestCommitsStopsAtPageBound(t *testing.T) {
	dataDir := t.TempDir()

	// 7 full pages of history, baseline nowhere in sight
	feed := &fakeFeed{pages: commitFeed(7*github.PerPage, 1)}
	dispatcher := &fakeDispatcher{}
	e := newTestCommits(t, dataDir, commitPoller(false), feed, dispatcher)
	writeBaseline(t, dataDir, "ffffffffffffffffffffffffffffffffffffffff")

	retry, err := e.Poll(testContext(t))
	if err != nil || retry {
		t.Fatalf("Poll: retry=%v err=%v", retry, err)
	}

	if len(feed.calls) != maxCommitPages {
		t.Errorf("expected %d pages fetched, got %v", maxCommitPages, feed.calls)
	}
	// everything scanned counts as new when the boundary is ancient
	if e.state.LastTrigger == nil || e.state.LastTrigger.Commits != maxCommitPages*github.PerPage {
		t.Errorf("trigger record = %+v", e.state.LastTrigger)
	}
	if len(dispatcher.events) != 1 {
		t.Errorf("expected one dispatch, got %v", dispatcher.events)
	}
}

func TestCommitsShortPageEndsScan(t *testing.T) {
	dataDir := t.TempDir()

	// less than one full page of history and a baseline not in it
	feed := &fakeFeed{pages: commitFeed(10, 1)}
	dispatcher := &fakeDispatcher{}
	e := newTestCommits(t, dataDir, commitPoller(false), feed, dispatcher)
	writeBaseline(t, dataDir, "ffffffffffffffffffffffffffffffffffffffff")

	if _, err := e.Poll(testContext(t)); err != nil {
		t.Fatal(err)
	}

	if !slices.Equal(feed.calls, []int{1}) {
		t.Errorf("a short page must end the scan, got calls %v", feed.calls)
	}
	if e.state.LastTrigger == nil || e.state.LastTrigger.Commits != 10 {
		t.Errorf("trigger record = %+v", e.state.LastTrigger)
	}
}

func TestCommitsDryRunSuppressesDispatch(t *testing.T) {
	dataDir := t.TempDir()

	feed := &fakeFeed{pages: commitFeed(5, 1)}
	dispatcher := &fakeDispatcher{}
	e := newTestCommits(t, dataDir, commitPoller(true), feed, dispatcher)
	writeBaseline(t, dataDir, sha(3))

	if _, err := e.Poll(testContext(t)); err != nil {
		t.Fatal(err)
	}

	if len(dispatcher.events) != 0 {
		t.Errorf("dry run must not dispatch, got %v", dispatcher.events)
	}
	// the decision is still recorded
	if e.state.LastTrigger == nil || e.state.LastTrigger.Commits != 2 {
		t.Errorf("trigger record = %+v", e.state.LastTrigger)
	}
}

func TestCommitsDispatchFailureNotRecorded(t *testing.T) {
	dataDir := t.TempDir()

	feed := &fakeFeed{pages: commitFeed(5, 1)}
	dispatcher := &fakeDispatcher{err: errors.New("forge said no")}
	e := newTestCommits(t, dataDir, commitPoller(false), feed, dispatcher)
	writeBaseline(t, dataDir, sha(3))

	retry, err := e.Poll(testContext(t))
	if err != nil {
		t.Fatalf("a failed dispatch must not be fatal: %v", err)
	}
	if retry {
		t.Error("the watcher never asks for the error interval")
	}
	if e.state.LastTrigger != nil {
		t.Errorf("a failed dispatch must not be recorded, got %+v", e.state.LastTrigger)
	}
}

func TestCommitsFeedErrorAbandonsCycle(t *testing.T) {
	dataDir := t.TempDir()

	feed := &fakeFeed{pageErr: errors.New("rate limited")}
	dispatcher := &fakeDispatcher{}
	e := newTestCommits(t, dataDir, commitPoller(false), feed, dispatcher)
	writeBaseline(t, dataDir, sha(3))

	retry, err := e.Poll(testContext(t))
	if err != nil {
		t.Fatalf("a feed error must not be fatal: %v", err)
	}
	if retry {
		t.Error("the watcher never asks for the error interval")
	}
	if len(dispatcher.events) != 0 {
		t.Error("nothing may be dispatched on a failed scan")
	}
}

func TestCommitsHandoffTimeoutProceeds(t *testing.T) {
	dataDir := t.TempDir()

	feed := &fakeFeed{pages: commitFeed(3, 1)}
	dispatcher := &fakeDispatcher{}

	ctx := testContext(t)
	e := NewCommits(ctx, dataDir, commitPoller(false), feed, dispatcher, nil, nil)
	if err := e.Validate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.ReadState(ctx); err != nil {
		t.Fatal(err)
	}

	// no handoff marker and no baseline: the bounded wait times out,
	// then the cycle proceeds and forces a trigger
	retry, err := e.Poll(ctx)
	if err != nil || retry {
		t.Fatalf("Poll: retry=%v err=%v", retry, err)
	}
	if len(dispatcher.events) != 1 {
		t.Errorf("expected a forced trigger after the timeout, got %v", dispatcher.events)
	}

	// the wait happens only once per process
	if _, err := e.Poll(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestCommitsFreshBaselineEachCycle(t *testing.T) {
	dataDir := t.TempDir()

	feed := &fakeFeed{pages: commitFeed(5, 1)}
	dispatcher := &fakeDispatcher{}
	e := newTestCommits(t, dataDir, commitPoller(false), feed, dispatcher)
	writeBaseline(t, dataDir, sha(5))

	if _, err := e.Poll(testContext(t)); err != nil {
		t.Fatal(err)
	}
	if len(dispatcher.events) != 0 {
		t.Fatal("no dispatch expected at head")
	}

	// another process moves the boundary back; the next cycle sees it
	writeBaseline(t, dataDir, sha(3))

	if _, err := e.Poll(testContext(t)); err != nil {
		t.Fatal(err)
	}
	if len(dispatcher.events) != 1 {
		t.Errorf("expected a dispatch after the boundary moved, got %v", dispatcher.events)
	}
}

func TestCommitsValidateDisabledRepo(t *testing.T) {
	feed := &fakeFeed{meta: &github.RepoMeta{FullName: "acme/firmware", Disabled: true}}

	e := NewCommits(testContext(t), t.TempDir(), commitPoller(false), feed, &fakeDispatcher{}, nil, nil)
	err := e.Validate(testContext(t))
	if !errors.Is(err, ErrDisabledRepo) {
		t.Errorf("expected ErrDisabledRepo, got %v", err)
	}
}
