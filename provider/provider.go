// Package provider implements pipeline.ProviderClient against the internal
// provider gateway, the service that owns git-host credentials and talks to
// GitHub/GitLab/Bitbucket on the pipeline's behalf.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/covpipe/covpipe"
	"github.com/covpipe/covpipe/pipeline"
	"github.com/covpipe/covpipe/report"
)

// Client talks JSON over HTTP to the provider gateway. One Client per
// worker process; it is safe for concurrent use.
type Client struct {
	base  string
	token string
	http  *http.Client
}

func NewClient(baseURL string, token string) *Client {
	return &Client{
		base:  baseURL,
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// get fetches path and decodes the JSON body into out. Gateway error
// statuses map onto the pipeline's error classes so the Dispatcher can pick
// the right retry schedule.
func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return covpipe.Error{Code: covpipe.TransientStorage, Err: err, UserData: path}
	}
	defer resp.Body.Close()
	if err := classifyStatus(resp.StatusCode, path); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	blob, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(blob))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return covpipe.Error{Code: covpipe.TransientStorage, Err: err, UserData: path}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return classifyStatus(resp.StatusCode, path)
}

func classifyStatus(status int, path string) error {
	switch {
	case status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return covpipe.Error{Code: covpipe.RateLimited, Err: fmt.Errorf("gateway rate limited %s", path)}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return covpipe.Error{Code: covpipe.RepositoryWithoutValidBot, Err: fmt.Errorf("gateway refused %s: status %d", path, status)}
	case status >= 500:
		return covpipe.Error{Code: covpipe.TransientStorage, Err: fmt.Errorf("gateway %s: status %d", path, status)}
	}
	return fmt.Errorf("gateway %s: status %d", path, status)
}

func (c *Client) GetCommitInfo(ctx context.Context, repoID int64, sha string) (*pipeline.CommitInfo, error) {
	var info pipeline.CommitInfo
	if err := c.get(ctx, fmt.Sprintf("/repos/%d/commits/%s", repoID, sha), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) GetDiff(ctx context.Context, repoID int64, sha string) (*report.Diff, error) {
	var d report.Diff
	if err := c.get(ctx, fmt.Sprintf("/repos/%d/commits/%s/diff", repoID, sha), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) GetCIStatus(ctx context.Context, repoID int64, sha string) (pipeline.CIStatus, error) {
	var payload struct {
		Status string `json:"status"`
	}
	if err := c.get(ctx, fmt.Sprintf("/repos/%d/commits/%s/ci", repoID, sha), &payload); err != nil {
		return pipeline.CIUnknown, err
	}
	switch s := pipeline.CIStatus(payload.Status); s {
	case pipeline.CIPending, pipeline.CIPassed, pipeline.CIFailed:
		return s, nil
	}
	return pipeline.CIUnknown, nil
}

func (c *Client) HasWebhook(ctx context.Context, repoID int64) (bool, error) {
	var payload struct {
		Installed bool `json:"installed"`
	}
	if err := c.get(ctx, fmt.Sprintf("/repos/%d/webhook", repoID), &payload); err != nil {
		return false, err
	}
	return payload.Installed, nil
}

func (c *Client) InstallWebhook(ctx context.Context, repoID int64) error {
	return c.post(ctx, fmt.Sprintf("/repos/%d/webhook", repoID), map[string]any{})
}

func (c *Client) GetSourceYAML(ctx context.Context, repoID int64, sha string) ([]byte, error) {
	var payload struct {
		// Empty when the commit carries no codecov YAML.
		Content []byte `json:"content"`
	}
	if err := c.get(ctx, fmt.Sprintf("/repos/%d/commits/%s/yaml", repoID, sha), &payload); err != nil {
		return nil, err
	}
	return payload.Content, nil
}
