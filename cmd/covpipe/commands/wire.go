package commands

import (
	"fmt"

	"github.com/covpipe/covpipe"
	"github.com/covpipe/covpipe/aws_s3"
	"github.com/covpipe/covpipe/cassandra"
	"github.com/covpipe/covpipe/config"
	"github.com/covpipe/covpipe/notifier"
	"github.com/covpipe/covpipe/parsers"
	"github.com/covpipe/covpipe/pipeline"
	"github.com/covpipe/covpipe/provider"
	"github.com/covpipe/covpipe/redis"
)

// stack bundles everything a subcommand wires up from Settings.
type stack struct {
	Cache    covpipe.Cache
	Pipeline *pipeline.Pipeline
	Router   *config.Router
	Settings *Settings
}

// buildStack opens the backing connections and assembles the pipeline.
// Connections are process-wide singletons; calling it twice reuses them.
func buildStack(s *Settings) (*stack, error) {
	if _, err := redis.OpenConnection(redis.Options{
		Address:  s.Redis.Address,
		Password: s.Redis.Password,
		DB:       s.Redis.DB,
	}); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	cache := redis.NewClient()

	if _, err := cassandra.OpenConnection(cassandra.Config{
		ClusterHosts: s.Cassandra.Hosts,
		Keyspace:     s.Cassandra.Keyspace,
	}); err != nil {
		return nil, fmt.Errorf("connecting to cassandra: %w", err)
	}

	blobs := aws_s3.NewBlobStore(aws_s3.Connect(aws_s3.Config{
		HostEndpointUrl: s.S3.Endpoint,
		Region:          s.S3.Region,
		Username:        s.S3.Username,
		Password:        s.S3.Password,
		Bucket:          s.S3.Bucket,
	}), s.S3.Bucket)

	siteCfg, err := s.LoadSiteConfig()
	if err != nil {
		return nil, err
	}

	parallel := make(map[int64]bool, len(s.ParallelRepos))
	for _, id := range s.ParallelRepos {
		parallel[id] = true
	}

	p, err := pipeline.New(pipeline.Deps{
		Cache:      cache,
		Blobs:      blobs,
		Meta:       cassandra.NewMetadataStore(),
		Provider:   provider.NewClient(s.Provider.URL, s.Provider.Token),
		Parser:     parsers.New(),
		Notifier:   notifier.NewClient(s.Notifications.URL),
		SiteConfig: siteCfg,
		Flags: pipeline.FeatureFlags{
			ParallelProcessing: func(repoID int64) bool { return parallel[repoID] },
		},
	})
	if err != nil {
		return nil, err
	}
	p.Runner = pipeline.NewQueueRunner(cache)

	return &stack{
		Cache:    cache,
		Pipeline: p,
		Router:   &config.Router{Overrides: siteCfg.Setup.Tasks},
		Settings: s,
	}, nil
}
