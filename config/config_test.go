package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(nil)
	if err != nil {
		t.Fatalf("Load(empty) error: %v", err)
	}
	if !c.RequireCIToPass() {
		t.Fatal("require_ci_to_pass should default true")
	}
	if !c.ArchiveUploads() {
		t.Fatal("archive.uploads should default true")
	}
	if !c.WaitForCI() {
		t.Fatal("notify.wait_for_ci should default true")
	}
	if c.AfterNBuilds() != 0 || c.ManualTrigger() || c.NotifyError() {
		t.Fatal("notify defaults wrong")
	}
	if c.UploadProcessingDelaySeconds() != 0 {
		t.Fatal("upload_processing_delay should default 0")
	}
}

func TestLoad_RecognisedOptions(t *testing.T) {
	raw := []byte(`
codecov:
  require_ci_to_pass: false
  archive:
    uploads: false
  notify:
    after_n_builds: 4
    manual_trigger: true
    wait_for_ci: false
setup:
  upload_processing_delay: 120
  tasks:
    upload:
      queue: fastlane
      soft_timelimit: 100
`)
	c, err := Load(raw)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if c.RequireCIToPass() || c.ArchiveUploads() || c.WaitForCI() {
		t.Fatal("explicit false options not honoured")
	}
	if c.AfterNBuilds() != 4 || !c.ManualTrigger() {
		t.Fatal("notify options not honoured")
	}
	if c.UploadProcessingDelaySeconds() != 120 {
		t.Fatal("upload_processing_delay not honoured")
	}
	if c.Setup.Tasks["upload"].Queue != "fastlane" {
		t.Fatal("task override not honoured")
	}
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	if _, err := Load([]byte("codecov:\n  nonsense: 1\n")); err == nil {
		t.Fatal("unknown key should be rejected at load time")
	}
}

func TestMerge_Layering(t *testing.T) {
	owner, _ := Load([]byte("codecov:\n  notify:\n    after_n_builds: 2\n    wait_for_ci: false\n"))
	repo, _ := Load([]byte("codecov:\n  notify:\n    after_n_builds: 5\n"))
	commit, _ := Load([]byte("codecov:\n  require_ci_to_pass: false\n"))

	merged := Merge(Merge(owner, repo), commit)
	if merged.AfterNBuilds() != 5 {
		t.Fatalf("after_n_builds = %d, want repo-level 5", merged.AfterNBuilds())
	}
	if merged.WaitForCI() {
		t.Fatal("owner-level wait_for_ci=false should survive")
	}
	if merged.RequireCIToPass() {
		t.Fatal("commit-level require_ci_to_pass=false should win")
	}
	// Base layers are not mutated.
	if owner.AfterNBuilds() != 2 {
		t.Fatal("Merge mutated its input")
	}
}

func TestRouter_Resolve(t *testing.T) {
	r := &Router{
		Overrides: map[string]TaskOverride{
			"upload": {SoftTimeLimit: 900},
		},
		EnterprisePlans: map[string]bool{"enterprise-cloud": true},
	}

	route := r.Resolve("upload", "free")
	if route.Queue != "uploads" {
		t.Fatalf("queue = %q, want uploads", route.Queue)
	}
	if route.SoftTimeLimit != 900*time.Second {
		t.Fatalf("override soft limit not applied: %v", route.SoftTimeLimit)
	}
	if route.HardTimeLimit != 480*time.Second {
		t.Fatalf("default hard limit lost: %v", route.HardTimeLimit)
	}

	route = r.Resolve("notify", "enterprise-cloud")
	if route.Queue != "enterprise_notify" {
		t.Fatalf("enterprise routing: queue = %q", route.Queue)
	}

	route = r.Resolve("unknown_task", "free")
	if route.Queue != "default" {
		t.Fatalf("fallback queue = %q", route.Queue)
	}
}
