// Package parsers turns raw upload bodies into partial reports. Two wire
// formats are recognised: LCOV tracefiles and the coverage JSON emitted by
// the uploaders. The Processor does not care which one arrived; Detect
// picks by content.
package parsers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/covpipe/covpipe/pipeline"
	"github.com/covpipe/covpipe/report"
)

// Parser implements pipeline.ReportParser over all recognised formats.
type Parser struct{}

func New() *Parser {
	return &Parser{}
}

// Parse decodes raw into a single-session partial report. The session is
// registered under id 0; the Processor re-stamps ids when it merges the
// chunk into the commit's report.
func (p *Parser) Parse(ctx context.Context, raw []byte, d *pipeline.UploadDescriptor) (*report.Report, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("upload %d: empty body", d.UploadID)
	}

	r := report.New()
	if err := r.AddSession(report.Session{
		ID:       0,
		UploadID: d.UploadID,
		Name:     d.ReportCode,
		Flags:    d.Flags,
	}); err != nil {
		return nil, err
	}

	var err error
	if trimmed[0] == '{' {
		err = parseJSON(trimmed, r)
	} else {
		err = parseLCOV(trimmed, r)
	}
	if err != nil {
		return nil, fmt.Errorf("upload %d: %w", d.UploadID, err)
	}
	if len(r.Files) == 0 {
		return nil, fmt.Errorf("upload %d: no coverage data found", d.UploadID)
	}
	return r, nil
}

// jsonUpload is the uploader's coverage JSON: hit counts per line, keyed by
// file path. Line arrays are 1-based with null for untracked lines; hit
// entries may be numbers or "hits/branches" strings.
type jsonUpload struct {
	Coverage map[string][]any `json:"coverage"`
}

func parseJSON(raw []byte, r *report.Report) error {
	var u jsonUpload
	if err := json.Unmarshal(raw, &u); err != nil {
		return fmt.Errorf("decoding coverage json: %w", err)
	}
	if len(u.Coverage) == 0 {
		return fmt.Errorf("coverage json carries no files")
	}
	for file, lines := range u.Coverage {
		// Index 0 is a placeholder; coverage starts at line 1.
		for i, v := range lines {
			if i == 0 || v == nil {
				continue
			}
			hits, ok := jsonHits(v)
			if !ok {
				continue
			}
			r.AddFileLine(file, i, hits)
		}
	}
	return nil
}

func jsonHits(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case string:
		// Branch coverage arrives as "covered/total"; the hit count is
		// the covered side.
		head, _, found := strings.Cut(t, "/")
		if !found {
			return 0, false
		}
		n, err := strconv.Atoi(head)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// parseLCOV reads the SF/DA/end_of_record subset of the LCOV tracefile
// format; everything else (functions, branches) is skipped.
func parseLCOV(raw []byte, r *report.Report) error {
	var file string
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "SF:"):
			file = strings.TrimPrefix(line, "SF:")
		case strings.HasPrefix(line, "DA:"):
			if file == "" {
				return fmt.Errorf("lcov DA record before any SF record")
			}
			fields := strings.Split(strings.TrimPrefix(line, "DA:"), ",")
			if len(fields) < 2 {
				continue
			}
			ln, err1 := strconv.Atoi(fields[0])
			hits, err2 := strconv.Atoi(fields[1])
			if err1 != nil || err2 != nil || ln < 1 {
				continue
			}
			r.AddFileLine(file, ln, hits)
		case line == "end_of_record":
			file = ""
		}
	}
	return sc.Err()
}
