package flow

import (
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func declaredFlow(t *testing.T) *Flow {
	t.Helper()
	f := &Flow{
		Name:    "TestFlow_" + t.Name(),
		Start:   "BEGIN",
		Success: []string{"DONE"},
		Failure: []string{"FAILED"},
		Events:  []string{"BEGIN", "MIDDLE", "DONE", "FAILED"},
		Subflows: []Subflow{
			{Name: "first_half", Begin: "BEGIN", End: "MIDDLE"},
		},
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	return f
}

func TestValidate_RejectsUndeclared(t *testing.T) {
	f := &Flow{Name: "Bad", Start: "BEGIN", Events: []string{"OTHER"}}
	if err := f.Validate(); err == nil {
		t.Fatal("undeclared start event should fail validation")
	}
	f = &Flow{
		Name: "Bad2", Start: "BEGIN", Events: []string{"BEGIN"},
		Success: []string{"MISSING"},
	}
	if err := f.Validate(); err == nil {
		t.Fatal("undeclared terminal should fail validation")
	}
}

func TestCheckpoint_UnknownEvent(t *testing.T) {
	l := NewLog(declaredFlow(t))
	if err := l.Checkpoint("NOT_AN_EVENT", false); err == nil {
		t.Fatal("unknown event should error")
	}
}

func TestCheckpoint_RepeatKeepsFirstTimestamp(t *testing.T) {
	clock := int64(1000)
	nowMS = func() int64 { clock += 10; return clock }
	defer func() { nowMS = func() int64 { return clock } }()

	l := NewLog(declaredFlow(t))
	if err := l.Checkpoint("BEGIN", false); err != nil {
		t.Fatal(err)
	}
	first := l.Events["BEGIN"]
	if err := l.Checkpoint("BEGIN", true); err != nil {
		t.Fatal(err)
	}
	if l.Events["BEGIN"] != first {
		t.Fatal("repeat overwrote first timestamp")
	}
}

func TestCheckpoint_CountersAndSubflow(t *testing.T) {
	clock := int64(5000)
	nowMS = func() int64 { clock += 250; return clock }

	f := declaredFlow(t)
	l := NewLog(f)
	begunBefore := testutil.ToFloat64(begunCounter.WithLabelValues(f.Name))
	succeededBefore := testutil.ToFloat64(succeededCounter.WithLabelValues(f.Name))

	l.MustCheckpoint("BEGIN")
	l.MustCheckpoint("MIDDLE")
	l.MustCheckpoint("DONE")

	if got := testutil.ToFloat64(begunCounter.WithLabelValues(f.Name)); got != begunBefore+1 {
		t.Fatalf("begun counter = %v, want +1", got)
	}
	if got := testutil.ToFloat64(succeededCounter.WithLabelValues(f.Name)); got != succeededBefore+1 {
		t.Fatalf("succeeded counter = %v, want +1", got)
	}
	if d, ok := l.Elapsed("BEGIN", "MIDDLE"); !ok || d <= 0 {
		t.Fatalf("Elapsed(BEGIN, MIDDLE) = (%v, %v)", d, ok)
	}
}

func TestCheckpoint_FailureTerminal(t *testing.T) {
	f := declaredFlow(t)
	failedBefore := testutil.ToFloat64(failedCounter.WithLabelValues(f.Name))

	l := NewLog(f)
	l.MustCheckpoint("BEGIN")
	l.MustCheckpoint("FAILED")

	if got := testutil.ToFloat64(failedCounter.WithLabelValues(f.Name)); got != failedBefore+1 {
		t.Fatalf("failed counter = %v, want +1", got)
	}
}

func TestLog_EnvelopeRoundTrip(t *testing.T) {
	f := declaredFlow(t)
	l := NewLog(f)
	l.MustCheckpoint("BEGIN")
	l.MustCheckpoint("MIDDLE")

	// Serialise the way the task envelope does: plain JSON of the event map.
	ba, err := json.Marshal(l.Events)
	if err != nil {
		t.Fatal(err)
	}
	var events map[string]int64
	if err := json.Unmarshal(ba, &events); err != nil {
		t.Fatal(err)
	}
	resumed := Resume(f, events)
	if len(resumed.Events) != 2 {
		t.Fatalf("resumed events = %d, want 2", len(resumed.Events))
	}
	// A later hop can still finish the flow.
	resumed.MustCheckpoint("DONE")
	if _, ok := resumed.Elapsed("BEGIN", "DONE"); !ok {
		t.Fatal("cross-hop latency lost")
	}
	if f.EnvelopeField() != "checkpoints_"+f.Name {
		t.Fatalf("EnvelopeField = %q", f.EnvelopeField())
	}
}
