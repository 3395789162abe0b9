package pipeline

import (
	"github.com/covpipe/covpipe"
)

// Task names as they appear on the wire.
const (
	TaskUpload          = "covpipe.tasks.upload"
	TaskUploadProcessor = "covpipe.tasks.upload_processor"
	TaskUploadFinisher  = "covpipe.tasks.upload_finisher"
	TaskNotify          = "covpipe.tasks.notify"
)

// Signature describes one task invocation before it is enqueued.
type Signature struct {
	Name             string         `json:"task"`
	Kwargs           map[string]any `json:"kwargs"`
	Queue            string         `json:"queue,omitempty"`
	CountdownSeconds int64          `json:"countdown,omitempty"`
}

// Envelope is the wire form of a queued task. Chain carries the not yet
// executed continuation signatures; ChordID and ChordBody tie a task to a
// barrier that submits ChordBody once every member finished.
type Envelope struct {
	ID      string         `json:"id"`
	Name    string         `json:"task"`
	Kwargs  map[string]any `json:"kwargs"`
	Queue   string         `json:"queue,omitempty"`
	Retries int            `json:"retries"`

	Chain     []Signature `json:"chain,omitempty"`
	ChordID   string      `json:"chord_id,omitempty"`
	ChordBody *Signature  `json:"chord_body,omitempty"`

	// SoftTimeLimitSeconds bounds handler runtime; past it the handler's
	// context is cancelled and the task records TIMED_OUT.
	SoftTimeLimitSeconds int `json:"soft_time_limit,omitempty"`
}

func newEnvelope(sig Signature) *Envelope {
	return &Envelope{
		ID:     covpipe.NewUUID().String(),
		Name:   sig.Name,
		Kwargs: sig.Kwargs,
		Queue:  sig.Queue,
	}
}

// Int64Kwarg reads a numeric kwarg that may arrive as int, int64 or
// float64 depending on the JSON decoder.
func (e *Envelope) Int64Kwarg(name string) (int64, bool) {
	v, found := e.Kwargs[name]
	if !found {
		return 0, false
	}
	return asInt64(v), true
}

// StringKwarg reads a string kwarg, "" when absent.
func (e *Envelope) StringKwarg(name string) string {
	s, _ := e.Kwargs[name].(string)
	return s
}

// BoolKwarg reads a boolean kwarg, false when absent.
func (e *Envelope) BoolKwarg(name string) bool {
	b, _ := e.Kwargs[name].(bool)
	return b
}
