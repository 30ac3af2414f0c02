package poller

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"windlass.sh/core/bodega"
	"windlass.sh/core/github"
	"windlass.sh/core/log"
	"windlass.sh/core/notifier"
	"windlass.sh/core/poller/config"
	"windlass.sh/core/poller/journal"
	"windlass.sh/core/stagger"
)

// RepoView is the slice of the forge client the artifact engine reads
// from.
type RepoView interface {
	Meta(ctx context.Context) (*github.RepoMeta, error)
	WorkflowRuns(ctx context.Context) ([]github.WorkflowRun, error)
	Artifacts(ctx context.Context, run github.WorkflowRun) ([]github.Artifact, error)
	DownloadArtifact(ctx context.Context, a github.Artifact, dir string) (string, error)
}

// ArtifactStore is the bodega surface the engine publishes bundles to.
type ArtifactStore interface {
	Exists(ctx context.Context, b bodega.Build) (bool, error)
	Publish(ctx context.Context, dir string, b bodega.Build) error
	FileURL(b bodega.Build, name string) string
	URL() string
}

// TagService is the stagger surface the engine points tags at.
type TagService interface {
	Health(ctx context.Context) error
	PutTag(ctx context.Context, repo, branch, tag string, doc stagger.TagDocument) error
	URL() string
}

var (
	_ RepoView      = &github.Repo{}
	_ ArtifactStore = &bodega.Client{}
	_ TagService    = &stagger.Client{}
)

// Artifacts hauls workflow artifacts from the forge into the store,
// each exactly once, and moves the configured tag to every build it
// publishes.
type Artifacts struct {
	name     string
	repo     string
	storeKey string
	branch   string

	view  RepoView
	store ArtifactStore
	tags  TagService

	patterns       []string
	globs          []glob.Glob
	commitHashName string
	downloadLimit  int
	tag            string

	dedupPath string
	hashPath  string
	handoff   Handoff
	signalled bool

	repoURL string

	// prev is the snapshot persisted by the last clean cycle; next is
	// assembled during Poll and promoted by WriteState.
	prev dedupState
	next dedupState

	j *journal.Journal
	n *notifier.Notifier
	l *slog.Logger
}

func NewArtifacts(ctx context.Context, dataDir string, p config.Poller, view RepoView, store ArtifactStore, tags TagService, j *journal.Journal, n *notifier.Notifier) *Artifacts {
	return &Artifacts{
		name:           p.Name,
		repo:           p.Repo,
		storeKey:       p.RepoName(),
		branch:         p.Branch,
		view:           view,
		store:          store,
		tags:           tags,
		patterns:       p.Artifacts.Patterns,
		commitHashName: p.Artifacts.CommitHashName,
		downloadLimit:  p.Artifacts.DownloadLimit,
		tag:            p.Artifacts.Tag,
		dedupPath:      dedupPath(dataDir, p.Name),
		hashPath:       lastBuildPath(dataDir, p.Name),
		handoff:        NewHandoff(dataDir, p.Name),
		j:              j,
		n:              n,
		l:              log.FromContext(ctx),
	}
}

func (e *Artifacts) Name() string { return e.name }

// Validate compiles the name patterns and checks the repository is
// usable. A disabled repository is fatal, a poller watching it would
// never do anything.
func (e *Artifacts) Validate(ctx context.Context) error {
	for _, pat := range e.patterns {
		g, err := glob.Compile(pat)
		if err != nil {
			return fmt.Errorf("compiling pattern %q: %w", pat, err)
		}
		e.globs = append(e.globs, g)
	}

	meta, err := e.view.Meta(ctx)
	if err != nil {
		return fmt.Errorf("fetching metadata for %s: %w", e.repo, err)
	}
	if meta.Disabled {
		return fmt.Errorf("%s: %w", e.repo, ErrDisabledRepo)
	}
	e.repoURL = meta.HTMLURL

	return nil
}

func (e *Artifacts) ReadState(ctx context.Context) error {
	prev := dedupState{}
	if _, err := readState(e.dedupPath, &prev); err != nil {
		return err
	}
	e.prev = prev
	return nil
}

// WriteState persists the snapshot assembled by the last clean cycle
// and promotes it. The handoff marker is raised after the first
// successful persist so the paired commit watcher starts from a real
// baseline.
func (e *Artifacts) WriteState(ctx context.Context) error {
	if e.next == nil {
		return nil
	}

	if err := writeState(e.dedupPath, e.next); err != nil {
		return err
	}
	e.prev, e.next = e.next, nil

	if !e.signalled {
		if err := e.handoff.Raise(); err != nil {
			e.l.Warn("failed to raise handoff marker", "error", err)
		} else {
			e.signalled = true
		}
	}

	return nil
}

// Poll runs one sync cycle: gate on service liveness, list runs oldest
// first, then download and publish whatever is new. Failures that void
// the whole cycle return retry=true and leave state untouched.
func (e *Artifacts) Poll(ctx context.Context) (bool, error) {
	l := e.l.With("cycle", uuid.NewString())
	e.next = nil

	if err := e.checkServices(ctx, l); err != nil {
		return true, nil
	}

	runs, err := e.view.WorkflowRuns(ctx)
	if err != nil {
		l.Error("listing workflow runs failed", "error", err)
		record(e.j, e.n, l, journal.KindCycleError, cycleErrorEvent{Stage: "list-runs", Error: err.Error()})
		return true, nil
	}

	var pending []runArtifacts
	for _, run := range runs {
		if !run.Succeeded() {
			l.Debug("skipping run", "run", run.RunNumber, "status", run.Status, "conclusion", run.Conclusion)
			continue
		}

		arts, err := e.view.Artifacts(ctx, run)
		if err != nil {
			l.Error("listing artifacts failed", "run", run.RunNumber, "error", err)
			record(e.j, e.n, l, journal.KindCycleError, cycleErrorEvent{Stage: "list-artifacts", Run: strconv.FormatInt(run.RunNumber, 10), Error: err.Error()})
			return true, nil
		}
		if len(arts) == 0 {
			continue
		}

		pending = append(pending, runArtifacts{run: run, artifacts: arts})
	}

	if e.downloadLimit > 0 && len(pending) > e.downloadLimit {
		l.Info("truncating backlog", "runs", len(pending), "limit", e.downloadLimit)
		pending = pending[len(pending)-e.downloadLimit:]
	}

	next := dedupState{}
	for _, p := range pending {
		num := strconv.FormatInt(p.run.RunNumber, 10)

		inStore, err := e.store.Exists(ctx, e.build(p.run))
		if err != nil {
			l.Error("store lookup failed", "run", num, "error", err)
			record(e.j, e.n, l, journal.KindCycleError, cycleErrorEvent{Stage: "store-lookup", Run: num, Error: err.Error()})
			return true, nil
		}
		if inStore {
			// carry the previous bookkeeping forward untouched
			if ids, ok := e.prev[num]; ok {
				next[num] = ids
			}
			l.Debug("run already in store", "run", num)
			continue
		}

		if err := e.syncRun(ctx, l, p, next); err != nil {
			// the ids recorded for this run stand even though nothing
			// was published; delivery is at most once
			l.Error("publishing run failed", "run", num, "error", err)
			record(e.j, e.n, l, journal.KindCycleError, cycleErrorEvent{Stage: "publish", Run: num, Error: err.Error()})
		}
	}

	e.next = next
	return false, nil
}

type runArtifacts struct {
	run       github.WorkflowRun
	artifacts []github.Artifact
}

// checkServices gates the cycle on both downstream services so a full
// outage is caught before anything is downloaded. Every failure is
// reported, not just the first.
func (e *Artifacts) checkServices(ctx context.Context, l *slog.Logger) error {
	var errs []error

	probe := bodega.Build{Repo: e.storeKey, Branch: e.branch}
	if _, err := e.store.Exists(ctx, probe); err != nil {
		errs = append(errs, fmt.Errorf("bodega not running or invalid bodega URL %s: %w", e.store.URL(), err))
	}
	if err := e.tags.Health(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stagger not running or invalid stagger URL %s: %w", e.tags.URL(), err))
	}

	for _, err := range errs {
		l.Error("service check failed", "error", err)
	}

	return errors.Join(errs...)
}

// syncRun downloads the run's new artifacts into a scratch dir and, if
// anything actually arrived, publishes the bundle and tags the build.
func (e *Artifacts) syncRun(ctx context.Context, l *slog.Logger, p runArtifacts, next dedupState) error {
	num := strconv.FormatInt(p.run.RunNumber, 10)

	scratch, err := os.MkdirTemp("", "windlass-"+e.name+"-"+num+"-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	// bundle file name -> artifact it came from
	downloaded := map[string]github.Artifact{}
	for _, a := range p.artifacts {
		if !e.wanted(a.Name) {
			l.Debug("artifact name not matched", "run", num, "artifact", a.Name)
			continue
		}
		if a.Expired {
			l.Debug("artifact expired", "run", num, "artifact", a.Name)
			continue
		}

		id := strconv.FormatInt(a.ID, 10)
		done := e.prev.has(num, id)
		next.add(num, id)
		if done {
			continue
		}

		path, err := e.view.DownloadArtifact(ctx, a, scratch)
		if err != nil {
			// the id above stands; a failed artifact is skipped for
			// good rather than retried forever
			l.Error("artifact download failed", "run", num, "artifact", a.Name, "error", err)
			continue
		}
		l.Info("downloaded artifact", "run", num, "artifact", a.Name, "size", humanize.IBytes(uint64(a.SizeInBytes)))
		downloaded[filepath.Base(path)] = a

		if a.Name == e.commitHashName {
			if err := e.extractCommitHash(path); err != nil {
				l.Error("extracting commit hash failed", "artifact", a.Name, "error", err)
			}
		}
	}

	if len(downloaded) == 0 {
		return nil
	}

	b := e.build(p.run)
	if err := e.store.Publish(ctx, scratch, b); err != nil {
		return fmt.Errorf("publishing to store: %w", err)
	}
	if err := e.tags.PutTag(ctx, e.storeKey, e.branch, e.tag, e.tagDocument(p.run, b, downloaded)); err != nil {
		return fmt.Errorf("tagging build: %w", err)
	}

	record(e.j, e.n, l, journal.KindRunPublished, runPublishedEvent{
		Run:       p.run.RunNumber,
		BuildURL:  p.run.HTMLURL,
		Artifacts: artifactNames(downloaded),
		Tag:       e.tag,
	})
	l.Info("published run", "run", num, "artifacts", len(downloaded), "tag", e.tag)

	return nil
}

// wanted reports whether an artifact name is worth downloading. The
// distinguished commit-hash artifact always is.
func (e *Artifacts) wanted(name string) bool {
	if name == e.commitHashName {
		return true
	}
	for _, g := range e.globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

func (e *Artifacts) build(run github.WorkflowRun) bodega.Build {
	return bodega.Build{
		Repo:   e.storeKey,
		Branch: e.branch,
		Number: run.RunNumber,
		URL:    run.HTMLURL,
	}
}

// extractCommitHash pulls the JSON payload out of the downloaded
// commit-hash artifact and rewrites the pair's last-build document
// with it.
func (e *Artifacts) extractCommitHash(zipPath string) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, ".json") {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return err
		}
		raw, err := io.ReadAll(io.LimitReader(rc, 1<<20))
		rc.Close()
		if err != nil {
			return err
		}

		var doc lastBuild
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("parsing %s: %w", f.Name, err)
		}
		if doc.CommitHash == "" {
			continue
		}

		return writeState(e.hashPath, doc)
	}

	return fmt.Errorf("no commit hash payload in %s", filepath.Base(zipPath))
}

func (e *Artifacts) tagDocument(run github.WorkflowRun, b bodega.Build, downloaded map[string]github.Artifact) stagger.TagDocument {
	arts := make(map[string]stagger.TagArtifact, len(downloaded))
	for fname, a := range downloaded {
		arts[a.Name] = stagger.TagArtifact{
			Type:       "file",
			UpdateTime: a.UpdatedAt.UnixMilli(),
			URL:        e.store.FileURL(b, fname),
		}
	}

	return stagger.TagDocument{
		UpdateTime: time.Now().UnixMilli(),
		BuildID:    run.RunNumber,
		BuildURL:   run.HTMLURL,
		CommitHash: run.HeadSHA,
		CommitURL:  e.commitURL(run),
		Artifacts:  arts,
	}
}

func (e *Artifacts) commitURL(run github.WorkflowRun) string {
	if e.repoURL == "" || run.HeadSHA == "" {
		return ""
	}
	return e.repoURL + "/commit/" + run.HeadSHA
}

func artifactNames(downloaded map[string]github.Artifact) []string {
	names := make([]string, 0, len(downloaded))
	for _, a := range downloaded {
		names = append(names, a.Name)
	}
	slices.Sort(names)
	return names
}
