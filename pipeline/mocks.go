package pipeline

import (
	"context"
	"strconv"
	"strings"

	"github.com/covpipe/covpipe/report"
)

// MockParser decodes the trivial "file:line:hits" line format, one line
// per covered line, into a single-session report. Good enough to exercise
// the pipeline without a real format parser.
type MockParser struct {
	Err error
}

func (m *MockParser) Parse(ctx context.Context, raw []byte, d *UploadDescriptor) (*report.Report, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	r := report.New()
	_ = r.AddSession(report.Session{ID: 0, UploadID: d.UploadID})
	for _, line := range strings.Split(string(raw), "\n") {
		parts := strings.Split(strings.TrimSpace(line), ":")
		if len(parts) != 3 {
			continue
		}
		ln, err1 := strconv.Atoi(parts[1])
		hits, err2 := strconv.Atoi(parts[2])
		if err1 != nil || err2 != nil {
			continue
		}
		r.AddFileLine(parts[0], ln, hits)
	}
	return r, nil
}

// MockProvider returns canned provider answers.
type MockProvider struct {
	Info    *CommitInfo
	InfoErr error

	Diff    *report.Diff
	DiffErr error

	CI    CIStatus
	CIErr error

	Webhook      bool
	WebhookErr   error
	InstallErr   error
	InstallCalls int

	YAML    []byte
	YAMLErr error
}

func (m *MockProvider) GetCommitInfo(ctx context.Context, repoID int64, sha string) (*CommitInfo, error) {
	if m.InfoErr != nil {
		return nil, m.InfoErr
	}
	if m.Info == nil {
		return &CommitInfo{}, nil
	}
	return m.Info, nil
}

func (m *MockProvider) GetDiff(ctx context.Context, repoID int64, sha string) (*report.Diff, error) {
	return m.Diff, m.DiffErr
}

func (m *MockProvider) GetCIStatus(ctx context.Context, repoID int64, sha string) (CIStatus, error) {
	if m.CIErr != nil {
		return CIUnknown, m.CIErr
	}
	if m.CI == "" {
		return CIPassed, nil
	}
	return m.CI, nil
}

func (m *MockProvider) HasWebhook(ctx context.Context, repoID int64) (bool, error) {
	return m.Webhook, m.WebhookErr
}

func (m *MockProvider) InstallWebhook(ctx context.Context, repoID int64) error {
	m.InstallCalls++
	if m.InstallErr != nil {
		return m.InstallErr
	}
	m.Webhook = true
	return nil
}

func (m *MockProvider) GetSourceYAML(ctx context.Context, repoID int64, sha string) ([]byte, error) {
	return m.YAML, m.YAMLErr
}

// MockNotifier records requests and answers with a fixed result.
type MockNotifier struct {
	Requests []NotifyRequest
	Err      error
}

func (m *MockNotifier) Notify(ctx context.Context, req NotifyRequest) (NotifyResult, error) {
	if m.Err != nil {
		return NotifyResult{}, m.Err
	}
	m.Requests = append(m.Requests, req)
	return NotifyResult{NotificationsCalled: true}, nil
}

// RecordingRunner captures submissions without executing anything, for
// asserting on fan-out topology.
type RecordingRunner struct {
	Submitted []Signature
	Chains    [][]Signature
	Chords    []RecordedChord
	Forwarded []*Envelope
}

type RecordedChord struct {
	Members []Signature
	Body    Signature
}

func (r *RecordingRunner) Submit(ctx context.Context, sig Signature) error {
	r.Submitted = append(r.Submitted, sig)
	return nil
}

func (r *RecordingRunner) SubmitChain(ctx context.Context, sigs []Signature) error {
	r.Chains = append(r.Chains, sigs)
	return nil
}

func (r *RecordingRunner) SubmitChord(ctx context.Context, members []Signature, body Signature) error {
	r.Chords = append(r.Chords, RecordedChord{Members: members, Body: body})
	return nil
}

func (r *RecordingRunner) enqueue(ctx context.Context, env *Envelope, countdownSeconds int64) error {
	r.Forwarded = append(r.Forwarded, env)
	return nil
}
