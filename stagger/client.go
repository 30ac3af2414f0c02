// Package stagger writes build tag documents to a stagger-class
// reporting service.
package stagger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// TagArtifact describes one artifact inside a tag document.
type TagArtifact struct {
	Type       string `json:"type"`
	UpdateTime int64  `json:"update_time"`
	URL        string `json:"url"`
}

// TagDocument is the per-tag record describing the latest build and
// where its artifacts were published. Times are epoch milliseconds.
type TagDocument struct {
	UpdateTime int64                  `json:"update_time"`
	BuildID    int64                  `json:"build_id"`
	BuildURL   string                 `json:"build_url"`
	CommitHash string                 `json:"commit_hash,omitempty"`
	CommitURL  string                 `json:"commit_url,omitempty"`
	Artifacts  map[string]TagArtifact `json:"artifacts"`
}

type Client struct {
	base *url.URL
	api  *http.Client
}

func NewClient(serviceURL string) (*Client, error) {
	base, err := url.Parse(serviceURL)
	if err != nil {
		return nil, fmt.Errorf("parsing stagger URL: %w", err)
	}

	return &Client{
		base: base,
		api: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

func (c *Client) URL() string {
	return c.base.String()
}

// Health probes the service's data endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.JoinPath("/api/data").String(), nil)
	if err != nil {
		return err
	}

	resp, err := c.api.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("GET /api/data: %s", resp.Status)
	}

	return nil
}

func (c *Client) PutTag(ctx context.Context, repo, branch, tag string, doc TagDocument) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("/api/repos/%s/branches/%s/tags/%s", repo, branch, tag)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.base.JoinPath(endpoint).String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.api.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("PUT %s: %s", endpoint, resp.Status)
	}

	return nil
}
