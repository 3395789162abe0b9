package report

import (
	"math/rand"
	"testing"
)

func sample(uploadID int64, file string, lines ...int) *Report {
	r := New()
	_ = r.AddSession(Session{ID: 0, UploadID: uploadID})
	for _, l := range lines {
		r.AddFileLine(file, l, 1)
	}
	return r
}

func TestMerge_EmptyIsIdentity(t *testing.T) {
	r := sample(1, "a.go", 1, 2)
	chunksBefore, _, _ := r.Serialize()

	if err := r.Merge(New(), nil); err != nil {
		t.Fatalf("Merge(empty) error: %v", err)
	}
	chunksAfter, _, _ := r.Serialize()
	if string(chunksBefore) != string(chunksAfter) {
		t.Fatal("merging an empty report changed the artifact")
	}
}

func TestMerge_OrderIndependent(t *testing.T) {
	parts := []*Report{
		sample(1, "a.go", 1, 2, 3),
		sample(2, "a.go", 2, 4),
		sample(3, "b.go", 10),
		sample(4, "c.go", 7, 8),
	}
	// Pre-allocated session ids keep parallel merges commutative.
	sessionMaps := []map[int]int{{0: 0}, {0: 1}, {0: 2}, {0: 3}}

	merge := func(order []int) (string, string) {
		master := New()
		for _, i := range order {
			if err := master.Merge(parts[i], sessionMaps[i]); err != nil {
				t.Fatalf("merge part %d: %v", i, err)
			}
		}
		c, j, err := master.Serialize()
		if err != nil {
			t.Fatal(err)
		}
		return string(c), string(j)
	}

	wantChunks, wantJSON := merge([]int{0, 1, 2, 3})
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 10; trial++ {
		order := rng.Perm(len(parts))
		c, j := merge(order)
		if c != wantChunks || j != wantJSON {
			t.Fatalf("merge order %v produced different bytes", order)
		}
	}
}

func TestMerge_SerialAllocationIsMonotonic(t *testing.T) {
	master := sample(1, "a.go", 1)
	if err := master.Merge(sample(2, "b.go", 2), nil); err != nil {
		t.Fatal(err)
	}
	if err := master.Merge(sample(3, "c.go", 3), nil); err != nil {
		t.Fatal(err)
	}
	if master.SessionCount() != 3 {
		t.Fatalf("SessionCount = %d, want 3", master.SessionCount())
	}
	if master.NextSessionID() != 3 {
		t.Fatalf("NextSessionID = %d, want 3", master.NextSessionID())
	}
	if master.Sessions[2].UploadID != 3 {
		t.Fatalf("session 2 upload = %d, want 3", master.Sessions[2].UploadID)
	}
}

func TestAddSession_CollisionRejected(t *testing.T) {
	r := New()
	if err := r.AddSession(Session{ID: 5, UploadID: 1}); err != nil {
		t.Fatal(err)
	}
	if err := r.AddSession(Session{ID: 5, UploadID: 2}); err == nil {
		t.Fatal("expected collision error for same id, different upload")
	}
	// Re-adding the same upload's session is idempotent.
	if err := r.AddSession(Session{ID: 5, UploadID: 1}); err != nil {
		t.Fatalf("idempotent re-add failed: %v", err)
	}
}

func TestSerialize_RoundTrip(t *testing.T) {
	r := sample(9, "x.go", 1, 5, 9)
	r.AddFileLine("y.go", 3, 2)

	chunks, reportJSON, err := r.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	back, err := Deserialize(chunks, reportJSON)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Equal(back) {
		t.Fatal("round trip lost data")
	}
	empty, err := Deserialize(nil, nil)
	if err != nil || !empty.IsEmpty() {
		t.Fatalf("Deserialize(nil) = (%v, %v), want empty report", empty, err)
	}
}

func TestApplyDiff(t *testing.T) {
	r := sample(1, "a.go", 5, 10)
	r.AddFileLine("old.go", 1, 1)
	r.AddFileLine("gone.go", 2, 1)

	r.ApplyDiff(&Diff{Files: map[string]FileDiff{
		"a.go":   {Segments: []Segment{{Start: 8, Delta: 2}}},
		"new.go": {Renamed: "old.go"},
		"gone.go": {Deleted: true},
	}})

	if _, ok := r.Files["a.go"].Lines[5]; !ok {
		t.Fatal("line before hunk should not shift")
	}
	if _, ok := r.Files["a.go"].Lines[12]; !ok {
		t.Fatal("line after hunk should shift by delta")
	}
	if _, ok := r.Files["new.go"]; !ok {
		t.Fatal("renamed file lost")
	}
	if _, ok := r.Files["gone.go"]; ok {
		t.Fatal("deleted file kept")
	}
	// Nil diff is a no-op.
	r.ApplyDiff(nil)
}
