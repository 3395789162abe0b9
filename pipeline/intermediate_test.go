package pipeline

import (
	"context"
	"testing"

	"github.com/covpipe/covpipe/redis"
	"github.com/covpipe/covpipe/report"
)

func testPartial(uploadID int64) *report.Report {
	r := report.New()
	_ = r.AddSession(report.Session{ID: 0, UploadID: uploadID})
	r.AddFileLine("main.go", 10, 1)
	r.AddFileLine("main.go", 11, 0)
	return r
}

func TestIntermediateStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewIntermediateStore(redis.NewMockClient())
	if err != nil {
		t.Fatal(err)
	}
	want := testPartial(5)
	if err := s.Save(ctx, 5, want); err != nil {
		t.Fatalf("saving: %v", err)
	}
	got, err := s.LoadMany(ctx, []int64{5})
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	if len(got) != 1 || !got[0].Equal(want) {
		t.Fatalf("round trip mismatch: got %+v", got[0])
	}
}

func TestIntermediateStore_MissingEntryYieldsEmptyReport(t *testing.T) {
	ctx := context.Background()
	s, err := NewIntermediateStore(redis.NewMockClient())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, 1, testPartial(1)); err != nil {
		t.Fatal(err)
	}
	// Upload 2's entry expired; the commit must still drain.
	got, err := s.LoadMany(ctx, []int64{1, 2})
	if err != nil {
		t.Fatalf("loading with a lost entry: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d reports, want 2", len(got))
	}
	if got[0].IsEmpty() {
		t.Error("present entry came back empty")
	}
	if !got[1].IsEmpty() {
		t.Error("lost entry must degrade to an empty report")
	}
}

func TestIntermediateStore_ShadowNamespaceIsSeparate(t *testing.T) {
	ctx := context.Background()
	s, err := NewIntermediateStore(redis.NewMockClient())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, 3, testPartial(3)); err != nil {
		t.Fatal(err)
	}
	shadow := s.Shadow()
	got, err := shadow.LoadMany(ctx, []int64{3})
	if err != nil {
		t.Fatal(err)
	}
	if !got[0].IsEmpty() {
		t.Error("shadow namespace sees the authoritative entry")
	}

	if err := shadow.Save(ctx, 3, testPartial(3)); err != nil {
		t.Fatal(err)
	}
	if err := shadow.DeleteMany(ctx, []int64{3}); err != nil {
		t.Fatal(err)
	}
	got, err = s.LoadMany(ctx, []int64{3})
	if err != nil {
		t.Fatal(err)
	}
	if got[0].IsEmpty() {
		t.Error("deleting shadow entries clobbered the authoritative one")
	}
}

func TestIntermediateStore_DeleteManyTolerant(t *testing.T) {
	ctx := context.Background()
	s, err := NewIntermediateStore(redis.NewMockClient())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteMany(ctx, []int64{10, 11}); err != nil {
		t.Fatalf("deleting absent entries: %v", err)
	}
}
