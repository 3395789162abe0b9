package restapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/covpipe/covpipe"
	"github.com/covpipe/covpipe/pipeline"
)

// Service carries the collaborators the handlers need. Bind installs one
// per process before the router starts.
type Service struct {
	Pipeline *pipeline.Pipeline
	Cache    covpipe.Cache
	// Queues lists the broker queues whose depths GetQueues reports.
	Queues []string
}

var svc *Service

// Bind installs the Service the package-level handlers delegate to.
// Call once during startup, before Run.
func Bind(s *Service) {
	svc = s
}

func commitParams(c *gin.Context) (int64, string, covpipe.ReportType, bool) {
	repoID, err := strconv.ParseInt(c.Param("repoid"), 10, 64)
	if err != nil {
		c.IndentedJSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("repoid %q is not an integer", c.Param("repoid"))})
		return 0, "", "", false
	}
	sha := c.Param("sha")
	rt := covpipe.ReportType(c.DefaultQuery("report_type", string(covpipe.CoverageReport)))
	switch rt {
	case covpipe.CoverageReport, covpipe.BundleAnalysisReport, covpipe.TestResultsReport:
	default:
		c.IndentedJSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("unknown report type %q", rt)})
		return 0, "", "", false
	}
	return repoID, sha, rt, true
}

// GetCommitStatus responds with the commit's pipeline progress: queued
// descriptor count, processing-set counts, upload rows per state and the
// commit's lifecycle state.
func GetCommitStatus(c *gin.Context) {
	repoID, sha, rt, ok := commitParams(c)
	if !ok {
		return
	}
	st, err := svc.Pipeline.Status(c, repoID, sha, rt)
	if err != nil {
		if covpipe.IsNotFound(err) {
			c.IndentedJSON(http.StatusNotFound, gin.H{"message": fmt.Sprintf("commit %d/%s not found", repoID, sha)})
			return
		}
		c.IndentedJSON(http.StatusInternalServerError, gin.H{"message": fmt.Sprintf("fetching status of commit %d/%s failed, error: %v", repoID, sha, err)})
		return
	}
	c.IndentedJSON(http.StatusOK, st)
}

// PostUpload accepts an upload descriptor for a commit, queues it and
// schedules a dispatch. The body is the descriptor JSON; either StoragePath
// or RedisKey must name the raw report.
func PostUpload(c *gin.Context) {
	repoID, sha, rt, ok := commitParams(c)
	if !ok {
		return
	}
	var d pipeline.UploadDescriptor
	if err := c.ShouldBindJSON(&d); err != nil {
		c.IndentedJSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("decoding upload descriptor failed, error: %v", err)})
		return
	}
	if d.StoragePath == "" && d.RedisKey == "" {
		c.IndentedJSON(http.StatusBadRequest, gin.H{"message": "upload descriptor names no raw report, need url or redis_key"})
		return
	}
	if err := svc.Pipeline.EnqueueUpload(c, repoID, sha, rt, d); err != nil {
		c.IndentedJSON(http.StatusInternalServerError, gin.H{"message": fmt.Sprintf("queueing upload for commit %d/%s failed, error: %v", repoID, sha, err)})
		return
	}
	c.IndentedJSON(http.StatusAccepted, gin.H{"queued": true})
}

// GetQueues responds with the number of waiting task envelopes per broker
// queue.
func GetQueues(c *gin.Context) {
	depths, err := svc.Pipeline.QueueDepths(c, svc.Queues)
	if err != nil {
		c.IndentedJSON(http.StatusInternalServerError, gin.H{"message": fmt.Sprintf("fetching queue depths failed, error: %v", err)})
		return
	}
	c.IndentedJSON(http.StatusOK, depths)
}

// GetHealth pings the KV store; workers that cannot reach it cannot make
// progress, so the health check fails hard on it.
func GetHealth(c *gin.Context) {
	if err := svc.Cache.Ping(c); err != nil {
		c.IndentedJSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "message": err.Error()})
		return
	}
	c.IndentedJSON(http.StatusOK, gin.H{"status": "ok"})
}
