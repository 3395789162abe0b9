package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	log "log/slog"
	"time"

	"github.com/covpipe/covpipe"
	"github.com/covpipe/covpipe/config"
	"github.com/covpipe/covpipe/report"
)

// Pipeline bundles the collaborators every task handler needs. One value
// per worker process; all fields are read-only after construction.
type Pipeline struct {
	Cache    covpipe.Cache
	Blobs    covpipe.BlobStore
	Meta     covpipe.MetadataStore
	Provider ProviderClient
	Parser   ReportParser
	Notifier Notifier
	Runner   Runner

	// SiteConfig is the installation-wide config layer; the committed
	// YAML of each commit merges on top of it.
	SiteConfig *config.Config
	Flags      FeatureFlags
	Now        func() time.Time

	locks  *LockManager
	queue  *ArgumentQueue
	inter  *IntermediateStore
	shadow *IntermediateStore
}

// Deps carries the constructor arguments for New.
type Deps struct {
	Cache      covpipe.Cache
	Blobs      covpipe.BlobStore
	Meta       covpipe.MetadataStore
	Provider   ProviderClient
	Parser     ReportParser
	Notifier   Notifier
	SiteConfig *config.Config
	Flags      FeatureFlags
}

func New(d Deps) (*Pipeline, error) {
	inter, err := NewIntermediateStore(d.Cache)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		Cache:      d.Cache,
		Blobs:      d.Blobs,
		Meta:       d.Meta,
		Provider:   d.Provider,
		Parser:     d.Parser,
		Notifier:   d.Notifier,
		SiteConfig: d.SiteConfig,
		Flags:      d.Flags,
		Now:        time.Now,
		locks:      NewLockManager(d.Cache),
		queue:      NewArgumentQueue(d.Cache),
		inter:      inter,
		shadow:     inter.Shadow(),
	}, nil
}

// Registry returns the dispatch table mapping wire task names to handlers.
// There is exactly one handler per task name; unknown names are rejected
// by the Executor.
func (p *Pipeline) Registry() Registry {
	return Registry{
		TaskUpload:          p.UploadTask,
		TaskUploadProcessor: p.ProcessorTask,
		TaskUploadFinisher:  p.FinisherTask,
		TaskNotify:          p.NotifyTask,
	}
}

// commitArgs extracts the (repo, sha, report type) triple every pipeline
// task is keyed by.
func commitArgs(env *Envelope) (int64, string, covpipe.ReportType, error) {
	repoID, found := env.Int64Kwarg("repoid")
	if !found {
		return 0, "", "", fmt.Errorf("task %s: missing repoid kwarg", env.Name)
	}
	sha := env.StringKwarg("commitid")
	if sha == "" {
		return 0, "", "", fmt.Errorf("task %s: missing commitid kwarg", env.Name)
	}
	rt := covpipe.ReportType(env.StringKwarg("report_type"))
	if rt == "" {
		rt = covpipe.CoverageReport
	}
	return repoID, sha, rt, nil
}

// commitConfig merges the commit's committed YAML on top of the site
// config. Provider errors and malformed YAML degrade to the site config;
// malformed YAML additionally records a CommitError row.
func (p *Pipeline) commitConfig(ctx context.Context, repoID int64, sha string) *config.Config {
	raw, err := p.Provider.GetSourceYAML(ctx, repoID, sha)
	if err != nil || len(raw) == 0 {
		return p.SiteConfig
	}
	cfg, err := config.Load(raw)
	if err != nil {
		log.Warn("malformed committed yaml", "repoID", repoID, "sha", sha, "err", err)
		if saveErr := p.Meta.SaveCommitError(ctx, covpipe.CommitError{
			RepoID: repoID,
			SHA:    sha,
			Kind:   covpipe.CommitErrorYAMLInvalid,
			Detail: err.Error(),
		}); saveErr != nil {
			log.Error("recording yaml commit error", "repoID", repoID, "sha", sha, "err", saveErr)
		}
		return p.SiteConfig
	}
	return config.Merge(p.SiteConfig, cfg)
}

// loadMasterReport fetches and deserialises the commit's merged report for
// one report type. An absent report is an empty one.
func (p *Pipeline) loadMasterReport(ctx context.Context, repoID int64, sha string, rt covpipe.ReportType, shadow bool) (*report.Report, error) {
	chunks, err := p.Blobs.Fetch(ctx, masterChunksPath(repoID, sha, rt, shadow))
	if err != nil {
		if covpipe.CodeOf(err) == covpipe.FileNotInStorage {
			return report.New(), nil
		}
		return nil, err
	}
	reportJSON, err := p.Blobs.Fetch(ctx, masterReportPath(repoID, sha, rt, shadow))
	if err != nil {
		if covpipe.CodeOf(err) == covpipe.FileNotInStorage {
			return report.New(), nil
		}
		return nil, err
	}
	return report.Deserialize(chunks, reportJSON)
}

// storeMasterReport serialises and writes back the merged report.
func (p *Pipeline) storeMasterReport(ctx context.Context, repoID int64, sha string, rt covpipe.ReportType, shadow bool, r *report.Report) error {
	chunks, reportJSON, err := r.Serialize()
	if err != nil {
		return err
	}
	if err := p.Blobs.Upload(ctx, masterChunksPath(repoID, sha, rt, shadow), chunks); err != nil {
		return err
	}
	return p.Blobs.Upload(ctx, masterReportPath(repoID, sha, rt, shadow), reportJSON)
}

// ensureMasterReport verifies the master report can be built before any
// Processor is scheduled. Flaky storage surfaces as NotReadyToBuildReport
// so the Dispatcher defers the whole fan-out instead of stranding chunks.
func (p *Pipeline) ensureMasterReport(ctx context.Context, repoID int64, sha string, rt covpipe.ReportType) error {
	_, err := p.loadMasterReport(ctx, repoID, sha, rt, false)
	if err == nil {
		return nil
	}
	if covpipe.CodeOf(err) == covpipe.TransientStorage {
		return covpipe.Error{Code: covpipe.NotReadyToBuildReport, Err: err}
	}
	return err
}

// descriptorsFromKwargs decodes the "arguments" kwarg back into typed
// descriptors. The list survives a JSON round trip through the broker, so
// elements arrive as generic maps.
func descriptorsFromKwargs(env *Envelope) ([]*UploadDescriptor, error) {
	raw, found := env.Kwargs["arguments"]
	if !found {
		return nil, nil
	}
	blob, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var ds []*UploadDescriptor
	if err := json.Unmarshal(blob, &ds); err != nil {
		return nil, fmt.Errorf("task %s: malformed arguments kwarg: %w", env.Name, err)
	}
	return ds, nil
}

// allocateSessionIDs reserves n consecutive session ids from the commit's
// watermark counter, seeding the counter from the master report when it is
// absent or expired.
func (p *Pipeline) allocateSessionIDs(ctx context.Context, repoID int64, sha string, n int) ([]int, error) {
	key := sessionWatermarkKey(repoID, sha)
	found, _, err := p.Cache.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		master, err := p.loadMasterReport(ctx, repoID, sha, covpipe.CoverageReport, false)
		if err != nil {
			return nil, err
		}
		if err := p.Cache.Set(ctx, key, fmt.Sprintf("%d", master.NextSessionID()), intermediateTTL); err != nil {
			return nil, err
		}
	}
	top, err := p.Cache.IncrBy(ctx, key, int64(n))
	if err != nil {
		return nil, err
	}
	ids := make([]int, n)
	for i := range ids {
		ids[i] = int(top) - n + i
	}
	return ids, nil
}

// invalidateBranchCaches drops derived per-branch artifacts after a new
// master report lands.
func (p *Pipeline) invalidateBranchCaches(ctx context.Context, repoID int64, sha string, branch string) {
	keys := []string{branchCacheKey(repoID, sha)}
	if branch != "" {
		keys = append(keys, branchCacheKey(repoID, branch))
	}
	if _, err := p.Cache.Delete(ctx, keys); err != nil {
		log.Warn("invalidating branch caches", "repoID", repoID, "sha", sha, "err", err)
	}
}
