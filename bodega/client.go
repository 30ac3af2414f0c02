// Package bodega talks to a bodega-class artifact store: a flat
// hierarchy of builds addressed by repo, branch and build number.
package bodega

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Build addresses one published bundle in the store.
type Build struct {
	Repo   string
	Branch string
	Number int64
	URL    string
}

func (b Build) path() string {
	return fmt.Sprintf("/api/builds/%s/%s/%d", b.Repo, b.Branch, b.Number)
}

type Client struct {
	base *url.URL
	api  *http.Client
	up   *http.Client
}

func NewClient(serviceURL string) (*Client, error) {
	base, err := url.Parse(serviceURL)
	if err != nil {
		return nil, fmt.Errorf("parsing bodega URL: %w", err)
	}

	return &Client{
		base: base,
		api: &http.Client{
			Timeout: 10 * time.Second,
		},
		// uploads can run long; bounded by the request context instead
		up: &http.Client{},
	}, nil
}

func (c *Client) URL() string {
	return c.base.String()
}

// Exists reports whether the store already holds the build. The engine
// also uses this with build number 0 as its liveness probe.
func (c *Client) Exists(ctx context.Context, b Build) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.JoinPath(b.path()).String(), nil)
	if err != nil {
		return false, err
	}

	resp, err := c.api.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return true, nil
	default:
		return false, fmt.Errorf("GET %s: %s", b.path(), resp.Status)
	}
}

// Publish uploads every file in dir as one bundle for the build. The
// body is streamed, not buffered, since bundles can be large.
func (c *Client) Publish(ctx context.Context, dir string, b Build) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeBundle(mw, dir, entries, b)
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath(b.path()).String(), pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.up.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("POST %s: %s", b.path(), resp.Status)
	}

	return nil
}

func writeBundle(mw *multipart.Writer, dir string, entries []os.DirEntry, b Build) error {
	if err := mw.WriteField("build_url", b.URL); err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		part, err := mw.CreateFormFile("files", entry.Name())
		if err != nil {
			return err
		}

		f, err := os.Open(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}

		_, err = io.Copy(part, f)
		f.Close()
		if err != nil {
			return err
		}
	}

	return nil
}

// FileURL is the public address of one file inside a published build,
// referenced from tag documents.
func (c *Client) FileURL(b Build, name string) string {
	return c.base.JoinPath(b.Repo, b.Branch, strconv.FormatInt(b.Number, 10), name).String()
}
