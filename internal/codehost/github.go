package codehost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/wattcoin/bounty-engine/internal/retry"
	"github.com/wattcoin/bounty-engine/pkg/models"
)

// Client wraps the GitHub REST API for the handful of operations the
// pipeline needs. All calls are bounded by the configured timeout and
// retried with exponential backoff on transient failures.
type Client struct {
	Config Config
	http   *http.Client
}

type Config struct {
	BaseURL    string // override for tests; default https://api.github.com
	Repo       string // "org/name"
	Token      string
	Timeout    time.Duration
	MaxRetries int
	RetryBase  time.Duration
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.github.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	return &Client{Config: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

func (c *Client) headers(req *http.Request, accept string) {
	if accept == "" {
		accept = "application/vnd.github.v3+json"
	}
	req.Header.Set("Accept", accept)
	if c.Config.Token != "" {
		req.Header.Set("Authorization", "token "+c.Config.Token)
	}
}

// do performs one request and decodes a JSON body into out when non-nil.
// Non-2xx responses surface as errors carrying the status code; 5xx and 429
// are retried by the callers.
func (c *Client) do(ctx context.Context, method, url string, body any, accept string, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	c.headers(req, accept)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("%s %s: http %d", method, url, resp.StatusCode)
	}
	if out != nil {
		switch v := out.(type) {
		case *string:
			*v = string(data)
		default:
			if err := json.Unmarshal(data, out); err != nil {
				return resp.StatusCode, fmt.Errorf("decode response: %w", err)
			}
		}
	}
	return resp.StatusCode, nil
}

// doRetry wraps do with the configured retry policy. 4xx responses are
// permanent; everything else backs off and retries.
func (c *Client) doRetry(ctx context.Context, method, url string, body any, accept string, out any) (int, error) {
	var status int
	err := retry.Do(ctx, c.Config.MaxRetries, c.Config.RetryBase, func() error {
		st, err := c.do(ctx, method, url, body, accept, out)
		status = st
		if err == nil {
			return nil
		}
		if st >= 400 && st < 500 && st != http.StatusTooManyRequests {
			return &retry.Permanent{Err: err}
		}
		return err
	})
	return status, err
}

type ghUser struct {
	Login string `json:"login"`
}

type ghPR struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
	Merged bool   `json:"merged"`
	User   ghUser `json:"user"`
	Head   struct {
		SHA string `json:"sha"`
	} `json:"head"`
}

type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	PullRequest *struct{} `json:"pull_request,omitempty"`
}

func (i ghIssue) toModel() models.Issue {
	labels := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		labels = append(labels, l.Name)
	}
	return models.Issue{Number: i.Number, Title: i.Title, Body: i.Body, State: i.State, Labels: labels}
}

// GetPR fetches pull request metadata.
func (c *Client) GetPR(ctx context.Context, number int) (models.PullRequest, error) {
	url := fmt.Sprintf("%s/repos/%s/pulls/%d", c.Config.BaseURL, c.Config.Repo, number)
	var pr ghPR
	if _, err := c.doRetry(ctx, http.MethodGet, url, nil, "", &pr); err != nil {
		return models.PullRequest{}, err
	}
	return models.PullRequest{
		Number:  pr.Number,
		Title:   pr.Title,
		Body:    pr.Body,
		Author:  pr.User.Login,
		State:   pr.State,
		Merged:  pr.Merged,
		HeadSHA: pr.Head.SHA,
	}, nil
}

// GetDiff fetches the unified diff of a pull request via the diff media
// type. Non-200 responses are returned as errors so the safety scan can
// fail closed.
func (c *Client) GetDiff(ctx context.Context, number int) (string, error) {
	url := fmt.Sprintf("%s/repos/%s/pulls/%d", c.Config.BaseURL, c.Config.Repo, number)
	var diff string
	if _, err := c.doRetry(ctx, http.MethodGet, url, nil, "application/vnd.github.v3.diff", &diff); err != nil {
		return "", err
	}
	return diff, nil
}

// PostComment comments on an issue or PR (GitHub treats both as issues).
func (c *Client) PostComment(ctx context.Context, number int, body string) error {
	if c.Config.Token == "" {
		log.Println("[CODEHOST] GITHUB_TOKEN not configured, skipping comment")
		return nil
	}
	url := fmt.Sprintf("%s/repos/%s/issues/%d/comments", c.Config.BaseURL, c.Config.Repo, number)
	_, err := c.doRetry(ctx, http.MethodPost, url, map[string]string{"body": body}, "", nil)
	return err
}

// MergePR squash-merges a PR, recording the review score in the commit title.
func (c *Client) MergePR(ctx context.Context, number, score int) error {
	url := fmt.Sprintf("%s/repos/%s/pulls/%d/merge", c.Config.BaseURL, c.Config.Repo, number)
	body := map[string]string{
		"commit_title":   fmt.Sprintf("Auto-merge PR #%d (review score: %d/10)", number, score),
		"commit_message": fmt.Sprintf("Automatically merged after passing review with score %d/10", score),
		"merge_method":   "squash",
	}
	_, err := c.doRetry(ctx, http.MethodPut, url, body, "", nil)
	return err
}

// GetIssue fetches one issue.
func (c *Client) GetIssue(ctx context.Context, number int) (models.Issue, error) {
	url := fmt.Sprintf("%s/repos/%s/issues/%d", c.Config.BaseURL, c.Config.Repo, number)
	var issue ghIssue
	if _, err := c.doRetry(ctx, http.MethodGet, url, nil, "", &issue); err != nil {
		return models.Issue{}, err
	}
	return issue.toModel(), nil
}

// ListOpenIssues returns open issues, excluding pull requests.
func (c *Client) ListOpenIssues(ctx context.Context) ([]models.Issue, error) {
	url := fmt.Sprintf("%s/repos/%s/issues?state=open&per_page=100", c.Config.BaseURL, c.Config.Repo)
	var raw []ghIssue
	if _, err := c.doRetry(ctx, http.MethodGet, url, nil, "", &raw); err != nil {
		return nil, err
	}
	issues := make([]models.Issue, 0, len(raw))
	for _, i := range raw {
		if i.PullRequest != nil {
			continue
		}
		issues = append(issues, i.toModel())
	}
	return issues, nil
}

// AddLabels attaches labels to an issue.
func (c *Client) AddLabels(ctx context.Context, number int, labels []string) error {
	url := fmt.Sprintf("%s/repos/%s/issues/%d/labels", c.Config.BaseURL, c.Config.Repo, number)
	_, err := c.doRetry(ctx, http.MethodPost, url, map[string][]string{"labels": labels}, "", nil)
	return err
}
