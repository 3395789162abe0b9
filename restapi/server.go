package restapi

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run creates the HTTP router, turns the registered REST methods into
// endpoint handlers behind token verification, exposes the unauthenticated
// health and metrics endpoints and blocks serving until the process is
// signaled to stop.
func Run(addr string) error {

	// Simple closure for header token verification.
	verifyHeaderToken := func(realHandler func(c *gin.Context)) func(c *gin.Context) {
		return func(c *gin.Context) {
			if verify(c) {
				realHandler(c)
			}
		}
	}

	router := gin.Default()

	// Health and metrics stay outside the token check so load balancers and the
	// Prometheus scraper need no credentials.
	router.GET("/healthz", GetHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Register the pipeline inspection and intake methods.
	RegisterMethod(GET, "/commits/:repoid/:sha", GetCommitStatus)
	RegisterMethod(POST, "/commits/:repoid/:sha/uploads", PostUpload)
	RegisterMethod(GET, "/queues", GetQueues)

	v1 := router.Group("/api/v1")
	{
		for _, rm := range RestMethods() {
			switch rm.Verb {
			case GET:
				v1.GET(rm.Path, verifyHeaderToken(rm.Handler))
			case POST:
				v1.POST(rm.Path, verifyHeaderToken(rm.Handler))
			case DELETE:
				v1.DELETE(rm.Path, verifyHeaderToken(rm.Handler))
			default:
				panic(fmt.Sprintf("HTTP verb %d not supported", rm.Verb))
			}
		}
	}

	return router.Run(addr)
}

// Verify the bearer token in header.
func verify(c *gin.Context) bool {

	// Allow easy debugging on dev.
	if os.Getenv("COVPIPE_ENV") == "DEV" {
		return true
	}

	token := c.Request.Header.Get("Authorization")
	if strings.HasPrefix(token, "Bearer ") {
		token = strings.TrimPrefix(token, "Bearer ")
		if want := os.Getenv("COVPIPE_API_TOKEN"); want != "" && token == want {
			return true
		}
		c.String(http.StatusForbidden, "Forbidden")
		return false
	}
	c.String(http.StatusUnauthorized, "Unauthorized")
	return false
}
