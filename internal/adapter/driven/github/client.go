// Package github implements the CodeHostClient port using the go-github
// library.
package github

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	gh "github.com/google/go-github/v82/github"
	"github.com/gregjones/httpcache"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"

	"github.com/ericfisherdev/dupescan/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CodeHostClient = (*Client)(nil)

// Client implements the driven.CodeHostClient port using the go-github
// library.
type Client struct {
	gh *gh.Client
}

// NewClient creates a new GitHub API client with the following transport
// stack:
//  1. httpcache (ETag-based conditional request caching)
//  2. go-github-ratelimit (secondary rate limit middleware, sleeps on 429)
//  3. go-github (GitHub REST API client with PAT auth)
func NewClient(token string) *Client {
	cacheTransport := httpcache.NewMemoryCacheTransport()
	rateLimitClient := github_ratelimit.NewClient(cacheTransport)
	client := gh.NewClient(rateLimitClient).WithAuthToken(token)

	return &Client{gh: client}
}

// NewClientWithHTTPClient creates a Client with a custom http.Client and base
// URL. This constructor is intended for testing, allowing injection of an
// httptest server.
func NewClientWithHTTPClient(httpClient *http.Client, baseURL string) (*Client, error) {
	client := gh.NewClient(httpClient)

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	client.BaseURL = u

	return &Client{gh: client}, nil
}

// ListPRs retrieves pull request metadata for the repository. When
// opts.Since is set, PRs of any state updated after that instant are
// returned (incremental mode); otherwise open PRs are listed, newest first,
// up to opts.Max. Pagination is handled automatically.
func (c *Client) ListPRs(ctx context.Context, owner, name string, opts driven.ListPRsOptions) ([]driven.RemotePR, error) {
	incremental := !opts.Since.IsZero()

	state := "open"
	if incremental {
		state = "all"
	}

	listOpts := &gh.PullRequestListOptions{
		State:     state,
		Sort:      "updated",
		Direction: "desc",
		ListOptions: gh.ListOptions{
			PerPage: 100,
		},
	}

	prs := []driven.RemotePR{}

	for {
		page, resp, err := c.gh.PullRequests.List(ctx, owner, name, listOpts)
		if err != nil {
			return nil, mapError(fmt.Sprintf("listing pull requests for %s/%s (page %d)", owner, name, listOpts.Page), err)
		}

		logRateLimit(resp, owner, name, listOpts.Page, len(page))

		done := false
		for _, pr := range page {
			// The listing is sorted by updated desc, so the first PR updated
			// before the cutoff ends the incremental walk.
			if incremental && pr.GetUpdatedAt().Time.Before(opts.Since) {
				done = true
				break
			}

			prs = append(prs, mapRemotePR(pr))

			if !incremental && opts.Max > 0 && len(prs) >= opts.Max {
				done = true
				break
			}
		}

		if done || resp.NextPage == 0 {
			break
		}
		listOpts.Page = resp.NextPage
	}

	return prs, nil
}

// GetPRFiles retrieves the changed file paths of a pull request. Pagination
// is handled automatically.
func (c *Client) GetPRFiles(ctx context.Context, owner, name string, number int) ([]string, error) {
	listOpts := &gh.ListOptions{PerPage: 100}
	paths := []string{}

	for {
		files, resp, err := c.gh.PullRequests.ListFiles(ctx, owner, name, number, listOpts)
		if err != nil {
			return nil, mapError(fmt.Sprintf("listing files for %s/%s#%d (page %d)", owner, name, number, listOpts.Page), err)
		}

		for _, f := range files {
			paths = append(paths, f.GetFilename())
		}

		if resp.NextPage == 0 {
			break
		}
		listOpts.Page = resp.NextPage
	}

	return paths, nil
}

// GetPRDiff retrieves the unified diff of a pull request. A non-empty etag
// issues a conditional request; on 304 the previous etag is returned with an
// empty body. GitHub refuses diffs above its size limit, which surfaces as
// ErrDiffTooLarge.
func (c *Client) GetPRDiff(ctx context.Context, owner, name string, number int, etag string) (driven.Diff, error) {
	u := fmt.Sprintf("repos/%s/%s/pulls/%d", owner, name, number)
	req, err := c.gh.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return driven.Diff{}, fmt.Errorf("building diff request for %s/%s#%d: %w", owner, name, number, err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3.diff")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	var buf bytes.Buffer
	resp, err := c.gh.Do(ctx, req, &buf)
	if resp != nil && resp.StatusCode == http.StatusNotModified {
		return driven.Diff{ETag: etag}, nil
	}
	if err != nil {
		return driven.Diff{}, mapError(fmt.Sprintf("fetching diff for %s/%s#%d", owner, name, number), err)
	}

	return driven.Diff{
		Body: buf.String(),
		ETag: resp.Header.Get("ETag"),
	}, nil
}

// mapRemotePR maps a go-github pull request to the port's metadata type.
// Merged PRs list with state "closed" and a merged_at timestamp.
func mapRemotePR(pr *gh.PullRequest) driven.RemotePR {
	state := pr.GetState()
	if pr.MergedAt != nil {
		state = "merged"
	}

	return driven.RemotePR{
		Number:    pr.GetNumber(),
		Title:     pr.GetTitle(),
		Body:      pr.GetBody(),
		Author:    pr.GetUser().GetLogin(),
		State:     state,
		UpdatedAt: pr.GetUpdatedAt().Time,
	}
}

// mapError classifies go-github errors into the port's typed errors.
func mapError(op string, err error) error {
	var rateErr *gh.RateLimitError
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return fmt.Errorf("%s: %w: %v", op, driven.ErrRateLimited, err)
	}

	var respErr *gh.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		switch respErr.Response.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w: %v", op, driven.ErrNotFound, err)
		case http.StatusNotAcceptable:
			// GitHub answers 406 when the diff exceeds its size limit.
			return fmt.Errorf("%s: %w: %v", op, driven.ErrDiffTooLarge, err)
		case http.StatusForbidden, http.StatusTooManyRequests:
			return fmt.Errorf("%s: %w: %v", op, driven.ErrRateLimited, err)
		}
	}

	return fmt.Errorf("%s: %w", op, err)
}

func logRateLimit(resp *gh.Response, owner, name string, page, count int) {
	if resp == nil {
		return
	}
	slog.Debug("github page fetched",
		"repo", owner+"/"+name,
		"page", page,
		"prs", count,
		"rate_remaining", resp.Rate.Remaining,
	)
}
