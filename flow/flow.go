// Package flow implements checkpoint logging for multi-task pipelines: a
// flow is a statically declared set of named events with a start event,
// success/failure terminals and optional subflows measured for latency.
// The accumulated event map travels inside the task envelope so any worker
// can continue a flow started elsewhere.
package flow

import (
	"fmt"
	log "log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Subflow is a (name, begin, end) triple; latency from begin to end is
// emitted when end is logged after begin within the same flow.
type Subflow struct {
	Name  string
	Begin string
	End   string
}

// Flow is a static declaration of a checkpoint flow. Declare at package
// level and pass to NewLog; no runtime mutation.
type Flow struct {
	Name     string
	Start    string
	Success  []string
	Failure  []string
	Events   []string
	Subflows []Subflow

	eventSet map[string]bool
}

// Validate checks the declaration is internally consistent: terminals and
// subflow endpoints must be declared events. Call once at program start.
func (f *Flow) Validate() error {
	f.eventSet = make(map[string]bool, len(f.Events))
	for _, e := range f.Events {
		f.eventSet[e] = true
	}
	if !f.eventSet[f.Start] {
		return fmt.Errorf("flow %s: start event %q not declared", f.Name, f.Start)
	}
	for _, e := range append(append([]string{}, f.Success...), f.Failure...) {
		if !f.eventSet[e] {
			return fmt.Errorf("flow %s: terminal %q not declared", f.Name, e)
		}
	}
	for _, sf := range f.Subflows {
		if !f.eventSet[sf.Begin] || !f.eventSet[sf.End] {
			return fmt.Errorf("flow %s: subflow %s endpoints not declared", f.Name, sf.Name)
		}
	}
	return nil
}

func (f *Flow) knows(event string) bool {
	return f.eventSet[event]
}

func (f *Flow) isTerminal(event string) (terminal bool, success bool) {
	for _, e := range f.Success {
		if e == event {
			return true, true
		}
	}
	for _, e := range f.Failure {
		if e == event {
			return true, false
		}
	}
	return false, false
}

// EnvelopeField is the task-envelope key the flow's checkpoint map is
// serialised under.
func (f *Flow) EnvelopeField() string {
	return "checkpoints_" + f.Name
}

// nowMS is replaceable in tests.
var nowMS = func() int64 { return time.Now().UnixMilli() }

// Log accumulates checkpoint timestamps (ms) for one execution of a flow.
type Log struct {
	flow   *Flow
	Events map[string]int64
}

// NewLog starts an empty log for the given flow.
func NewLog(f *Flow) *Log {
	return &Log{flow: f, Events: make(map[string]int64)}
}

// Resume rebuilds a log from a deserialised event map (a task-envelope hop).
func Resume(f *Flow, events map[string]int64) *Log {
	if events == nil {
		events = make(map[string]int64)
	}
	return &Log{flow: f, Events: events}
}

// Checkpoint records event at the current time. Unknown events are an
// error; repeated events warn and keep the first timestamp unless
// ignoreRepeat is set. Counter and subflow metrics are emitted as a side
// effect.
func (l *Log) Checkpoint(event string, ignoreRepeat bool) error {
	if !l.flow.knows(event) {
		return fmt.Errorf("flow %s: unknown checkpoint event %q", l.flow.Name, event)
	}
	if _, dup := l.Events[event]; dup {
		if !ignoreRepeat {
			log.Warn("repeated checkpoint event", "flow", l.flow.Name, "event", event)
		}
		return nil
	}
	now := nowMS()
	l.Events[event] = now

	if event == l.flow.Start {
		begunCounter.WithLabelValues(l.flow.Name).Inc()
	}
	if terminal, success := l.flow.isTerminal(event); terminal {
		endedCounter.WithLabelValues(l.flow.Name).Inc()
		if success {
			succeededCounter.WithLabelValues(l.flow.Name).Inc()
		} else {
			failedCounter.WithLabelValues(l.flow.Name).Inc()
		}
	}
	for _, sf := range l.flow.Subflows {
		if sf.End != event {
			continue
		}
		if begin, ok := l.Events[sf.Begin]; ok {
			subflowLatency.WithLabelValues(l.flow.Name, sf.Name).Observe(float64(now-begin) / 1000)
		}
	}
	return nil
}

// MustCheckpoint is Checkpoint for events that are statically known to be
// declared; a failure here is a programmer error.
func (l *Log) MustCheckpoint(event string) {
	if err := l.Checkpoint(event, false); err != nil {
		panic(err)
	}
}

// Elapsed returns the latency between two logged events, or false when
// either is missing.
func (l *Log) Elapsed(from, to string) (time.Duration, bool) {
	a, okA := l.Events[from]
	b, okB := l.Events[to]
	if !okA || !okB {
		return 0, false
	}
	return time.Duration(b-a) * time.Millisecond, true
}

var (
	begunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "covpipe_flow_begun_total",
		Help: "Flows started.",
	}, []string{"flow"})
	endedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "covpipe_flow_ended_total",
		Help: "Flows that reached any terminal event.",
	}, []string{"flow"})
	succeededCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "covpipe_flow_succeeded_total",
		Help: "Flows that reached a success terminal.",
	}, []string{"flow"})
	failedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "covpipe_flow_failed_total",
		Help: "Flows that reached a failure terminal.",
	}, []string{"flow"})
	subflowLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "covpipe_subflow_duration_seconds",
		Help:    "Latency of declared subflows.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"flow", "subflow"})
)

func init() {
	prometheus.MustRegister(begunCounter, endedCounter, succeededCounter, failedCounter, subflowLatency)
}
