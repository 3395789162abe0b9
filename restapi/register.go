// Package restapi surfaces the pipeline's operational state over HTTP:
// commit progress, broker queue depths, upload intake and Prometheus
// metrics. It is an operator's window into the workers, not a public API.
package restapi

import (
	"fmt"

	"github.com/gin-gonic/gin"
)

// HTTPVerb enumerates the HTTP operations the ops API routes.
type HTTPVerb int

const (
	// Unknown represents an unspecified HTTP verb.
	Unknown HTTPVerb = iota
	// GET lists or retrieves resources.
	GET
	// POST creates resources or triggers actions.
	POST
	// DELETE removes resources.
	DELETE
)

func (v HTTPVerb) String() string {
	switch v {
	case GET:
		return "GET"
	case POST:
		return "POST"
	case DELETE:
		return "DELETE"
	}
	return "UNKNOWN"
}

// RestMethod describes one ops API route.
type RestMethod struct {
	Verb    HTTPVerb
	Path    string
	Handler func(c *gin.Context)
}

var restMethods = make(map[string]RestMethod)

// RegisterMethod builds a RestMethod and registers it using Register.
func RegisterMethod(verb HTTPVerb, path string, h func(c *gin.Context)) error {
	return Register(RestMethod{
		Verb:    verb,
		Path:    path,
		Handler: h,
	})
}

// Register inserts a RestMethod into the global registry preventing duplicates.
func Register(m RestMethod) error {
	key := fmt.Sprintf("%s %s", m.Verb, m.Path)
	if _, exists := restMethods[key]; exists {
		return fmt.Errorf("can't add %s, an existing handler in REST method map exists", key)
	}
	restMethods[key] = m
	return nil
}

// RestMethods returns all registered RestMethod entries keyed by verb+path.
func RestMethods() map[string]RestMethod {
	return restMethods
}
