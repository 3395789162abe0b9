// Package config implements the user-facing YAML configuration recognised
// by the pipeline, layered per owner, repo and commit, plus the plan-based
// task router resolving queue names and time limits.
package config

import (
	"bytes"
	"errors"
	"io"

	"gopkg.in/yaml.v3"
)

// Config is the merged view of the recognised YAML options. Pointer fields
// distinguish "unset" from explicit values so layers merge cleanly.
type Config struct {
	Codecov CodecovConfig `yaml:"codecov"`
	Setup   SetupConfig   `yaml:"setup"`
}

type CodecovConfig struct {
	RequireCIToPass *bool         `yaml:"require_ci_to_pass"`
	Archive         ArchiveConfig `yaml:"archive"`
	Notify          NotifyConfig  `yaml:"notify"`
}

type ArchiveConfig struct {
	// Uploads keeps raw upload blobs after processing; false deletes them.
	Uploads *bool `yaml:"uploads"`
}

type NotifyConfig struct {
	AfterNBuilds  *int  `yaml:"after_n_builds"`
	ManualTrigger *bool `yaml:"manual_trigger"`
	NotifyError   *bool `yaml:"notify_error"`
	WaitForCI     *bool `yaml:"wait_for_ci"`
}

type SetupConfig struct {
	// UploadProcessingDelay is the dispatcher debounce window in seconds.
	UploadProcessingDelay *int                    `yaml:"upload_processing_delay"`
	Tasks                 map[string]TaskOverride `yaml:"tasks"`
}

// TaskOverride tunes one task kind; zero values mean "use the default".
type TaskOverride struct {
	Queue         string `yaml:"queue"`
	SoftTimeLimit int    `yaml:"soft_timelimit"`
	HardTimeLimit int    `yaml:"hard_timelimit"`
}

// Load strict-decodes one YAML document. Unknown keys are rejected at load
// time rather than silently carried.
func Load(raw []byte) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			// Empty document is a valid, fully-defaulted config.
			return &Config{}, nil
		}
		return nil, err
	}
	return &c, nil
}

// Merge layers override on top of base: explicitly-set override fields win,
// task override maps merge per key. Neither input is mutated.
func Merge(base, override *Config) *Config {
	if base == nil {
		base = &Config{}
	}
	if override == nil {
		override = &Config{}
	}
	out := &Config{}
	out.Codecov.RequireCIToPass = pick(base.Codecov.RequireCIToPass, override.Codecov.RequireCIToPass)
	out.Codecov.Archive.Uploads = pick(base.Codecov.Archive.Uploads, override.Codecov.Archive.Uploads)
	out.Codecov.Notify.AfterNBuilds = pick(base.Codecov.Notify.AfterNBuilds, override.Codecov.Notify.AfterNBuilds)
	out.Codecov.Notify.ManualTrigger = pick(base.Codecov.Notify.ManualTrigger, override.Codecov.Notify.ManualTrigger)
	out.Codecov.Notify.NotifyError = pick(base.Codecov.Notify.NotifyError, override.Codecov.Notify.NotifyError)
	out.Codecov.Notify.WaitForCI = pick(base.Codecov.Notify.WaitForCI, override.Codecov.Notify.WaitForCI)
	out.Setup.UploadProcessingDelay = pick(base.Setup.UploadProcessingDelay, override.Setup.UploadProcessingDelay)
	if len(base.Setup.Tasks) > 0 || len(override.Setup.Tasks) > 0 {
		out.Setup.Tasks = make(map[string]TaskOverride, len(base.Setup.Tasks)+len(override.Setup.Tasks))
		for k, v := range base.Setup.Tasks {
			out.Setup.Tasks[k] = v
		}
		for k, v := range override.Setup.Tasks {
			merged := out.Setup.Tasks[k]
			if v.Queue != "" {
				merged.Queue = v.Queue
			}
			if v.SoftTimeLimit != 0 {
				merged.SoftTimeLimit = v.SoftTimeLimit
			}
			if v.HardTimeLimit != 0 {
				merged.HardTimeLimit = v.HardTimeLimit
			}
			out.Setup.Tasks[k] = merged
		}
	}
	return out
}

func pick[T any](base, override *T) *T {
	if override != nil {
		return override
	}
	return base
}

// Defaulted accessors; defaults follow the documented option surface.

func (c *Config) RequireCIToPass() bool {
	if c == nil || c.Codecov.RequireCIToPass == nil {
		return true
	}
	return *c.Codecov.RequireCIToPass
}

func (c *Config) ArchiveUploads() bool {
	if c == nil || c.Codecov.Archive.Uploads == nil {
		return true
	}
	return *c.Codecov.Archive.Uploads
}

func (c *Config) AfterNBuilds() int {
	if c == nil || c.Codecov.Notify.AfterNBuilds == nil {
		return 0
	}
	return *c.Codecov.Notify.AfterNBuilds
}

func (c *Config) ManualTrigger() bool {
	if c == nil || c.Codecov.Notify.ManualTrigger == nil {
		return false
	}
	return *c.Codecov.Notify.ManualTrigger
}

func (c *Config) NotifyError() bool {
	if c == nil || c.Codecov.Notify.NotifyError == nil {
		return false
	}
	return *c.Codecov.Notify.NotifyError
}

func (c *Config) WaitForCI() bool {
	if c == nil || c.Codecov.Notify.WaitForCI == nil {
		return true
	}
	return *c.Codecov.Notify.WaitForCI
}

// UploadProcessingDelaySeconds returns the debounce window; 0 disables debouncing.
func (c *Config) UploadProcessingDelaySeconds() int {
	if c == nil || c.Setup.UploadProcessingDelay == nil {
		return 0
	}
	return *c.Setup.UploadProcessingDelay
}
