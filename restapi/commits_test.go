package restapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/covpipe/covpipe"
	"github.com/covpipe/covpipe/aws_s3"
	"github.com/covpipe/covpipe/cassandra"
	"github.com/covpipe/covpipe/config"
	"github.com/covpipe/covpipe/pipeline"
	"github.com/covpipe/covpipe/redis"
)

const (
	testRepoID = int64(42)
	testSHA    = "0f1e2d3c4b5a0f1e2d3c4b5a0f1e2d3c4b5a0f1e"
)

func newTestRouter(t *testing.T) (*gin.Engine, covpipe.Cache) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cache := redis.NewMockClient()
	meta := cassandra.NewMockMetadataStore()
	p, err := pipeline.New(pipeline.Deps{
		Cache:      cache,
		Blobs:      aws_s3.NewMockBlobStore(),
		Meta:       meta,
		Provider:   &pipeline.MockProvider{Webhook: true, CI: pipeline.CIPassed},
		Parser:     &pipeline.MockParser{},
		Notifier:   &pipeline.MockNotifier{},
		SiteConfig: &config.Config{},
	})
	if err != nil {
		t.Fatalf("building pipeline: %v", err)
	}
	p.Runner = pipeline.NewQueueRunner(cache)
	meta.SeedCommit(covpipe.Commit{
		RepoID: testRepoID, SHA: testSHA,
		Branch: "main", State: covpipe.CommitPending,
	})
	Bind(&Service{Pipeline: p, Cache: cache, Queues: []string{"uploads", "notify"}})

	r := gin.New()
	r.GET("/healthz", GetHealth)
	r.GET("/commits/:repoid/:sha", GetCommitStatus)
	r.POST("/commits/:repoid/:sha/uploads", PostUpload)
	r.GET("/queues", GetQueues)
	return r, cache
}

func do(t *testing.T, r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(method, path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)
	w := do(t, r, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", w.Code)
	}
}

func TestCommitStatusRoundTrip(t *testing.T) {
	r, _ := newTestRouter(t)

	w := do(t, r, http.MethodPost, "/commits/42/"+testSHA+"/uploads",
		`{"url":"v4/raw/2026-08-26/42/`+testSHA+`/u1.txt","report_code":"u1"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("upload intake status = %d, body %s", w.Code, w.Body.String())
	}

	w = do(t, r, http.MethodGet, "/commits/42/"+testSHA, "")
	if w.Code != http.StatusOK {
		t.Fatalf("commit status = %d, body %s", w.Code, w.Body.String())
	}
	var st pipeline.CommitStatus
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decoding status: %v", err)
	}
	if st.Pending != 1 {
		t.Errorf("pending descriptors = %d, want 1", st.Pending)
	}
	if st.Commit == nil || st.Commit.State != covpipe.CommitPending {
		t.Errorf("unexpected commit payload: %+v", st.Commit)
	}
}

func TestQueueDepthsAfterIntake(t *testing.T) {
	r, _ := newTestRouter(t)

	for i := 0; i < 2; i++ {
		w := do(t, r, http.MethodPost, "/commits/42/"+testSHA+"/uploads",
			`{"url":"v4/raw/2026-08-26/42/`+testSHA+`/u.txt"}`)
		if w.Code != http.StatusAccepted {
			t.Fatalf("upload intake status = %d", w.Code)
		}
	}

	w := do(t, r, http.MethodGet, "/queues", "")
	if w.Code != http.StatusOK {
		t.Fatalf("queues status = %d", w.Code)
	}
	var depths map[string]int64
	if err := json.Unmarshal(w.Body.Bytes(), &depths); err != nil {
		t.Fatalf("decoding depths: %v", err)
	}
	if depths["uploads"] != 2 {
		t.Errorf("uploads depth = %d, want 2", depths["uploads"])
	}
	if depths["notify"] != 0 {
		t.Errorf("notify depth = %d, want 0", depths["notify"])
	}
}

func TestCommitStatusValidation(t *testing.T) {
	r, _ := newTestRouter(t)

	if w := do(t, r, http.MethodGet, "/commits/not-a-number/"+testSHA, ""); w.Code != http.StatusBadRequest {
		t.Errorf("non-numeric repoid status = %d, want 400", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/commits/42/"+testSHA+"?report_type=bogus", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bogus report type status = %d, want 400", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/commits/42/ffffffffffffffffffffffffffffffffffffffff", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown commit status = %d, want 404", w.Code)
	}
	if w := do(t, r, http.MethodPost, "/commits/42/"+testSHA+"/uploads", `{"report_code":"u1"}`); w.Code != http.StatusBadRequest {
		t.Errorf("descriptor without raw report status = %d, want 400", w.Code)
	}
}
