package report

// Diff is the commit diff fetched from the git provider, reduced to the
// line shifts the report needs to stay aligned with the new file contents.
type Diff struct {
	Files map[string]FileDiff `json:"files"`
}

// FileDiff describes one file's changes.
type FileDiff struct {
	// Renamed holds the previous path when the file moved.
	Renamed string `json:"renamed,omitempty"`
	// Deleted marks files removed by the commit.
	Deleted bool `json:"deleted,omitempty"`
	// Segments are applied in order; lines at or after Start shift by Delta.
	Segments []Segment `json:"segments,omitempty"`
}

// Segment is one hunk's net effect on line numbering.
type Segment struct {
	Start int `json:"start"`
	Delta int `json:"delta"`
}

// ApplyDiff adjusts the report in place to the commit described by diff:
// renamed files move, deleted files drop, and line numbers shift per
// segment. A nil diff is a no-op.
func (r *Report) ApplyDiff(diff *Diff) {
	if diff == nil {
		return
	}
	for path, fd := range diff.Files {
		if fd.Renamed != "" {
			if fc, ok := r.Files[fd.Renamed]; ok {
				delete(r.Files, fd.Renamed)
				r.Files[path] = fc
			}
		}
		if fd.Deleted {
			delete(r.Files, path)
			continue
		}
		fc, ok := r.Files[path]
		if !ok || len(fd.Segments) == 0 {
			continue
		}
		shifted := make(map[int]int, len(fc.Lines))
		for line, hits := range fc.Lines {
			for _, seg := range fd.Segments {
				if line >= seg.Start {
					line += seg.Delta
				}
			}
			if line > 0 {
				shifted[line] += hits
			}
		}
		fc.Lines = shifted
	}
}
