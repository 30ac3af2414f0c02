// Package github is a small client for the GitHub v3 REST surface used
// by the pollers: workflow runs, artifacts, commit listings and
// repository dispatch. It is not a general API binding.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/carlmjohnson/versioninfo"
	securejoin "github.com/cyphar/filepath-securejoin"
)

const (
	acceptHeader = "application/vnd.github.v3+json"

	// PerPage is the page size for every list endpoint. The commit
	// scan's short-page detection relies on this value.
	PerPage = 50

	getAttempts = 3
	retryDelay  = 2 * time.Second
)

type Client struct {
	base  *url.URL
	api   *http.Client
	dl    *http.Client
	user  string
	token string
	agent string
}

func NewClient(serviceURL, user, token string) (*Client, error) {
	base, err := url.Parse(serviceURL)
	if err != nil {
		return nil, fmt.Errorf("parsing service URL: %w", err)
	}

	return &Client{
		base: base,
		api: &http.Client{
			Timeout: 10 * time.Second,
		},
		// downloads can run long; bounded by the request context instead
		dl:    &http.Client{},
		user:  user,
		token: token,
		agent: "windlass/" + versioninfo.Short(),
	}, nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body []byte) (*http.Request, error) {
	reqUrl := c.base.JoinPath(endpoint)

	if query != nil {
		reqUrl.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqUrl.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.prepare(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

func (c *Client) prepare(req *http.Request) {
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", c.agent)
	if c.token != "" {
		req.SetBasicAuth(c.user, c.token)
	}
}

func do[T any](c *Client, req *http.Request) (*T, error) {
	resp, err := c.api.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(req, resp)
	}

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		u := *req.URL
		u.RawQuery = ""
		return nil, &ContentTypeError{URL: u.String(), ContentType: ct}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var result T
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// doGet wraps do with a bounded retry for transient failures. Client
// errors (4xx) are never retried; writes never go through this path.
func doGet[T any](ctx context.Context, c *Client, newReq func() (*http.Request, error)) (*T, error) {
	retryOpts := []retry.Option{
		retry.Attempts(getAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(retryDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}

	var out *T
	err := retry.Do(func() error {
		req, err := newReq()
		if err != nil {
			return retry.Unrecoverable(err)
		}

		res, err := do[T](c, req)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.StatusCode < http.StatusInternalServerError {
				return retry.Unrecoverable(err)
			}
			return err
		}

		out = res
		return nil
	}, retryOpts...)

	return out, err
}

func (c *Client) post(ctx context.Context, endpoint string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, raw)
	if err != nil {
		return err
	}

	resp, err := c.api.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(req, resp)
	}

	return nil
}

// download streams an artifact archive into dir as <name>.zip. The name
// comes from the remote listing, so the destination is joined safely.
func (c *Client) download(ctx context.Context, rawURL, dir, name string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	c.prepare(req)

	resp, err := c.dl.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", statusError(req, resp)
	}

	dest, err := securejoin.SecureJoin(dir, name+".zip")
	if err != nil {
		return "", err
	}

	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(dest)
		return "", fmt.Errorf("saving %s: %w", filepath.Base(dest), err)
	}

	return dest, f.Close()
}

func statusError(req *http.Request, resp *http.Response) *StatusError {
	u := *req.URL
	u.RawQuery = ""
	return &StatusError{
		Method:     req.Method,
		URL:        u.String(),
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
	}
}
