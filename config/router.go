package config

import "time"

// Route is the resolved broker placement for one task submission.
type Route struct {
	Queue         string
	SoftTimeLimit time.Duration
	HardTimeLimit time.Duration
}

// taskDefaults keys routes by the short task name (last segment of the
// broker task name, e.g. "upload" for app.tasks.upload.Upload).
var taskDefaults = map[string]Route{
	"upload":           {Queue: "uploads", SoftTimeLimit: 400 * time.Second, HardTimeLimit: 480 * time.Second},
	"upload_processor": {Queue: "uploads", SoftTimeLimit: 400 * time.Second, HardTimeLimit: 480 * time.Second},
	"upload_finisher":  {Queue: "uploads", SoftTimeLimit: 300 * time.Second, HardTimeLimit: 360 * time.Second},
	"notify":           {Queue: "notify", SoftTimeLimit: 120 * time.Second, HardTimeLimit: 180 * time.Second},
}

var fallbackRoute = Route{Queue: "default", SoftTimeLimit: 240 * time.Second, HardTimeLimit: 300 * time.Second}

// Router resolves (task name, user plan) to a Route, applying per-task YAML
// overrides on top of the built-in defaults and shunting paid plans onto
// their dedicated queues.
type Router struct {
	// Overrides come from setup.tasks.* in the site config.
	Overrides map[string]TaskOverride
	// EnterprisePlans names the billing plans routed to enterprise queues.
	EnterprisePlans map[string]bool
}

// Resolve returns the Route for shortName under the given user plan.
func (r *Router) Resolve(shortName string, plan string) Route {
	route, ok := taskDefaults[shortName]
	if !ok {
		route = fallbackRoute
	}
	if r != nil {
		if o, ok := r.Overrides[shortName]; ok {
			if o.Queue != "" {
				route.Queue = o.Queue
			}
			if o.SoftTimeLimit != 0 {
				route.SoftTimeLimit = time.Duration(o.SoftTimeLimit) * time.Second
			}
			if o.HardTimeLimit != 0 {
				route.HardTimeLimit = time.Duration(o.HardTimeLimit) * time.Second
			}
		}
		if r.EnterprisePlans[plan] {
			route.Queue = "enterprise_" + route.Queue
		}
	}
	return route
}
