package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/covpipe/covpipe"
	"github.com/covpipe/covpipe/pipeline"
)

func TestNotifyDeliversRequest(t *testing.T) {
	var got wireRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/notify" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	res, err := c.Notify(context.Background(), pipeline.NotifyRequest{
		Commit:       &covpipe.Commit{RepoID: 42, SHA: "abc", Branch: "main"},
		ReportType:   covpipe.CoverageReport,
		SessionCount: 3,
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if !res.NotificationsCalled {
		t.Error("NotificationsCalled = false, want true")
	}
	if got.RepoID != 42 || got.SHA != "abc" || got.SessionCount != 3 || got.ReportType != "coverage" {
		t.Errorf("unexpected wire request: %+v", got)
	}
}

func TestNotifyRetriesTransientFailures(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	res, err := c.Notify(context.Background(), pipeline.NotifyRequest{
		Commit: &covpipe.Commit{RepoID: 42, SHA: "abc"},
	})
	if err != nil {
		t.Fatalf("Notify after transient failures: %v", err)
	}
	if !res.NotificationsCalled || calls != 3 {
		t.Errorf("calls = %d, called = %v; want 3 calls then success", calls, res.NotificationsCalled)
	}
}

func TestNotifyDoesNotRetryClientErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Notify(context.Background(), pipeline.NotifyRequest{
		Commit: &covpipe.Commit{RepoID: 42, SHA: "abc"},
	})
	if err == nil {
		t.Fatal("want error on 400")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want exactly 1 (no retries on client errors)", calls)
	}
}
