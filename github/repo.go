package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
)

// Repo is a view over a single repository, pinned to one branch.
type Repo struct {
	client *Client
	owner  string
	name   string
	branch string
}

func (c *Client) Repo(owner, name, branch string) *Repo {
	return &Repo{
		client: c,
		owner:  owner,
		name:   name,
		branch: branch,
	}
}

func (r *Repo) FullName() string {
	return r.owner + "/" + r.name
}

func (r *Repo) Meta(ctx context.Context) (*RepoMeta, error) {
	endpoint := fmt.Sprintf("/repos/%s/%s", r.owner, r.name)

	return doGet[RepoMeta](ctx, r.client, func() (*http.Request, error) {
		return r.client.newRequest(ctx, http.MethodGet, endpoint, nil, nil)
	})
}

// WorkflowRuns lists the repository's workflow runs, oldest update
// first, so a cycle always processes backlog in chronological order.
func (r *Repo) WorkflowRuns(ctx context.Context) ([]WorkflowRun, error) {
	endpoint := fmt.Sprintf("/repos/%s/%s/actions/runs", r.owner, r.name)
	query := url.Values{}
	query.Add("per_page", strconv.Itoa(PerPage))

	resp, err := doGet[runsResponse](ctx, r.client, func() (*http.Request, error) {
		return r.client.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	})
	if err != nil {
		return nil, err
	}

	runs := resp.WorkflowRuns
	slices.SortFunc(runs, func(a, b WorkflowRun) int {
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})

	return runs, nil
}

func (r *Repo) Artifacts(ctx context.Context, run WorkflowRun) ([]Artifact, error) {
	query := url.Values{}
	query.Add("per_page", strconv.Itoa(PerPage))

	newReq := func() (*http.Request, error) {
		// the runs listing hands out an absolute artifacts URL
		if run.ArtifactsURL != "" {
			u, err := url.Parse(run.ArtifactsURL)
			if err != nil {
				return nil, err
			}
			u.RawQuery = query.Encode()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return nil, err
			}
			r.client.prepare(req)
			return req, nil
		}

		endpoint := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/artifacts", r.owner, r.name, run.ID)
		return r.client.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	}

	resp, err := doGet[artifactsResponse](ctx, r.client, newReq)
	if err != nil {
		return nil, err
	}

	return resp.Artifacts, nil
}

func (r *Repo) DownloadArtifact(ctx context.Context, a Artifact, dir string) (string, error) {
	return r.client.download(ctx, a.ArchiveDownloadURL, dir, a.Name)
}

// Commits returns one page of the branch's commit feed, newest first.
// Pages are 1-based.
func (r *Repo) Commits(ctx context.Context, page int) ([]Commit, error) {
	endpoint := fmt.Sprintf("/repos/%s/%s/commits", r.owner, r.name)
	query := url.Values{}
	query.Add("per_page", strconv.Itoa(PerPage))
	query.Add("page", strconv.Itoa(page))
	if r.branch != "" {
		query.Add("sha", r.branch)
	}

	resp, err := doGet[[]Commit](ctx, r.client, func() (*http.Request, error) {
		return r.client.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	})
	if err != nil {
		return nil, err
	}

	return *resp, nil
}

// Dispatch fires a repository_dispatch event. Never retried; the caller
// decides what a failed trigger means.
func (r *Repo) Dispatch(ctx context.Context, eventType string) error {
	endpoint := fmt.Sprintf("/repos/%s/%s/dispatches", r.owner, r.name)

	return r.client.post(ctx, endpoint, map[string]string{
		"event_type": eventType,
	})
}
