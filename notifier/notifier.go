// Package notifier implements pipeline.Notifier against the notifications
// service, which renders and delivers the user-visible status checks and
// PR comments. The pipeline decides WHETHER to notify; this client only
// carries the request across.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/covpipe/covpipe"
	"github.com/covpipe/covpipe/pipeline"
)

// Client posts notification requests to the notifications service.
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		base: baseURL,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

type wireRequest struct {
	RepoID       int64  `json:"repoid"`
	SHA          string `json:"commitid"`
	Branch       string `json:"branch"`
	ReportType   string `json:"report_type"`
	SessionCount int    `json:"session_count"`
	ErrorOnly    bool   `json:"error_only"`
	FailedCount  int    `json:"failed_count"`
	TotalCount   int    `json:"total_count"`
}

// Notify delivers one notification request. Transient HTTP failures are
// retried with the module's standard backoff before giving up; the caller
// holds the notify lock for the whole call.
func (c *Client) Notify(ctx context.Context, req pipeline.NotifyRequest) (pipeline.NotifyResult, error) {
	wire := wireRequest{
		RepoID:       req.Commit.RepoID,
		SHA:          req.Commit.SHA,
		Branch:       req.Commit.Branch,
		ReportType:   string(req.ReportType),
		SessionCount: req.SessionCount,
		ErrorOnly:    req.ErrorOnly,
		FailedCount:  req.FailedCount,
		TotalCount:   req.TotalCount,
	}
	blob, err := json.Marshal(wire)
	if err != nil {
		return pipeline.NotifyResult{}, err
	}

	err = covpipe.Retry(ctx, func(ctx context.Context) error {
		if err := c.post(ctx, blob); err != nil {
			if covpipe.ShouldRetry(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	}, nil)
	if err != nil {
		return pipeline.NotifyResult{}, err
	}
	return pipeline.NotifyResult{NotificationsCalled: true}, nil
}

func (c *Client) post(ctx context.Context, blob []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/notify", bytes.NewReader(blob))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return covpipe.Error{Code: covpipe.TransientStorage, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return covpipe.Error{Code: covpipe.TransientStorage, Err: fmt.Errorf("notifications service: status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notifications service: status %d", resp.StatusCode)
	}
	return nil
}
