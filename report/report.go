// Package report implements the per-commit coverage report artifact: an
// associative, commutative mergeable set of per-file line coverage plus the
// sessions (one per upload) that contributed it.
//
// Serialisation is canonical (sorted files, sorted lines via JSON map key
// ordering) so that merging any permutation of the same partial reports
// yields byte-identical output.
package report

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Session is the per-upload slice of a report. Session ids must be unique
// within one report.
type Session struct {
	ID       int      `json:"id"`
	UploadID int64    `json:"upload_id"`
	Name     string   `json:"name,omitempty"`
	Flags    []string `json:"flags,omitempty"`
}

// FileCoverage holds hit counts per line for one file.
type FileCoverage struct {
	// Lines maps line number to hit count.
	Lines map[int]int `json:"lines"`
}

// Report is a mergeable coverage artifact.
type Report struct {
	Sessions map[int]Session          `json:"sessions"`
	Files    map[string]*FileCoverage `json:"files"`
}

// New returns an empty report, the identity element of Merge.
func New() *Report {
	return &Report{
		Sessions: make(map[int]Session),
		Files:    make(map[string]*FileCoverage),
	}
}

// IsEmpty reports whether the report carries no sessions and no files.
func (r *Report) IsEmpty() bool {
	return len(r.Sessions) == 0 && len(r.Files) == 0
}

// SessionCount returns the number of sessions in the report.
func (r *Report) SessionCount() int {
	return len(r.Sessions)
}

// NextSessionID returns the smallest id greater than every existing session id.
func (r *Report) NextSessionID() int {
	next := 0
	for id := range r.Sessions {
		if id >= next {
			next = id + 1
		}
	}
	return next
}

// AddSession records a session under the given id. It fails on collision
// with a session from a different upload.
func (r *Report) AddSession(s Session) error {
	if existing, ok := r.Sessions[s.ID]; ok && existing.UploadID != s.UploadID {
		return fmt.Errorf("session id %d already taken by upload %d", s.ID, existing.UploadID)
	}
	r.Sessions[s.ID] = s
	return nil
}

// AddFileLine accumulates hits for one line of one file.
func (r *Report) AddFileLine(file string, line int, hits int) {
	fc, ok := r.Files[file]
	if !ok {
		fc = &FileCoverage{Lines: make(map[int]int)}
		r.Files[file] = fc
	}
	fc.Lines[line] += hits
}

// Merge folds other into r. sessionMap maps other's session ids onto the
// target ids to use in r; a nil sessionMap allocates serially starting at
// r's next free id. Hit counts for overlapping lines are summed, so Merge
// is associative and commutative given stable session ids.
func (r *Report) Merge(other *Report, sessionMap map[int]int) error {
	if other == nil || other.IsEmpty() {
		return nil
	}
	if sessionMap == nil {
		sessionMap = make(map[int]int, len(other.Sessions))
		next := r.NextSessionID()
		// Deterministic allocation order regardless of map iteration.
		ids := make([]int, 0, len(other.Sessions))
		for id := range other.Sessions {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			sessionMap[id] = next
			next++
		}
	}
	for id, s := range other.Sessions {
		target, ok := sessionMap[id]
		if !ok {
			return fmt.Errorf("no target session id for session %d", id)
		}
		s.ID = target
		if err := r.AddSession(s); err != nil {
			return err
		}
	}
	for file, fc := range other.Files {
		for line, hits := range fc.Lines {
			r.AddFileLine(file, line, hits)
		}
	}
	return nil
}

// Serialize returns the two report artifacts: chunks (file coverage) and
// report JSON (sessions). Both are canonical: encoding/json sorts map keys,
// which covers files, lines and session ids.
func (r *Report) Serialize() (chunks []byte, reportJSON []byte, err error) {
	chunks, err = json.Marshal(r.Files)
	if err != nil {
		return nil, nil, err
	}
	reportJSON, err = json.Marshal(r.Sessions)
	if err != nil {
		return nil, nil, err
	}
	return chunks, reportJSON, nil
}

// Deserialize reconstructs a report from its two serialised artifacts.
// Empty inputs yield an empty report.
func Deserialize(chunks []byte, reportJSON []byte) (*Report, error) {
	r := New()
	if len(chunks) > 0 {
		if err := json.Unmarshal(chunks, &r.Files); err != nil {
			return nil, err
		}
	}
	if len(reportJSON) > 0 {
		if err := json.Unmarshal(reportJSON, &r.Sessions); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Size returns the serialised size in bytes of the file coverage artifact.
func (r *Report) Size() int {
	chunks, _, err := r.Serialize()
	if err != nil {
		return 0
	}
	return len(chunks)
}

// Equal reports whether two reports serialise to identical bytes.
func (r *Report) Equal(other *Report) bool {
	if other == nil {
		return r.IsEmpty()
	}
	ac, aj, err := r.Serialize()
	if err != nil {
		return false
	}
	bc, bj, err := other.Serialize()
	if err != nil {
		return false
	}
	return string(ac) == string(bc) && string(aj) == string(bj)
}
