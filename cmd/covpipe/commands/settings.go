// Package commands implements the covpipe CLI subcommands.
package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/covpipe/covpipe/config"
)

// ConfigPath overrides the config file search when set via --config.
var ConfigPath string

// Settings is the process configuration of both binaries, loaded from the
// config file with COVPIPE_* environment overrides.
type Settings struct {
	Redis struct {
		Address  string `mapstructure:"address"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Cassandra struct {
		Hosts    []string `mapstructure:"hosts"`
		Keyspace string   `mapstructure:"keyspace"`
	} `mapstructure:"cassandra"`

	S3 struct {
		Endpoint string `mapstructure:"endpoint"`
		Region   string `mapstructure:"region"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		Bucket   string `mapstructure:"bucket"`
	} `mapstructure:"s3"`

	Provider struct {
		URL   string `mapstructure:"url"`
		Token string `mapstructure:"token"`
	} `mapstructure:"provider"`

	Notifications struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"notifications"`

	Worker struct {
		Queues      []string `mapstructure:"queues"`
		Concurrency int      `mapstructure:"concurrency"`
	} `mapstructure:"worker"`

	API struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"api"`

	// SiteYAML points at the installation-wide codecov YAML file.
	SiteYAML string `mapstructure:"site_yaml"`

	// ParallelRepos lists repo ids enrolled in the parallel-processing
	// experiment.
	ParallelRepos []int64 `mapstructure:"parallel_repos"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("cassandra.hosts", []string{"localhost:9042"})
	v.SetDefault("cassandra.keyspace", "covpipe")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.bucket", "covpipe-archive")
	v.SetDefault("worker.queues", []string{"uploads", "notify", "default"})
	v.SetDefault("worker.concurrency", 8)
	v.SetDefault("api.addr", ":8080")
}

// LoadSettings reads the config file (if any) and environment into Settings.
func LoadSettings() (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	if ConfigPath != "" {
		v.SetConfigFile(ConfigPath)
	} else {
		v.SetConfigName("covpipe")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/covpipe")
	}

	v.SetEnvPrefix("COVPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// Running on defaults plus environment is fine; a named file
		// that cannot be read is not.
		if !errors.As(err, &notFound) || ConfigPath != "" {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &s, nil
}

// LoadSiteConfig reads the installation-wide codecov YAML named by the
// settings; absent path means an empty baseline.
func (s *Settings) LoadSiteConfig() (*config.Config, error) {
	if s.SiteYAML == "" {
		return &config.Config{}, nil
	}
	raw, err := os.ReadFile(s.SiteYAML)
	if err != nil {
		return nil, fmt.Errorf("reading site yaml: %w", err)
	}
	cfg, err := config.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing site yaml: %w", err)
	}
	return cfg, nil
}
