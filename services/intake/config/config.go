// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the intake service configuration.
//
// Configuration comes from three layers, later layers winning:
// built-in defaults, an optional YAML file, and GENOMEGATE_* environment
// variables. Secrets (the encryption passphrase and the deletion-proof
// secret) are environment-only and never appear in the YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Defaults for the admission and pipeline knobs.
const (
	DefaultMaxInputBytes    = 50 << 20 // 50 MiB
	DefaultQueueDepth       = 64
	DefaultWorkers          = 4
	DefaultIDSThreshold     = 5
	DefaultRetentionSeconds = 604800 // 7 days
)

// StageDeadlines holds the per-stage timeouts in milliseconds.
type StageDeadlines struct {
	FormatMS  int `yaml:"format_ms" validate:"gt=0"`
	IDSMS     int `yaml:"ids_ms" validate:"gt=0"`
	AMLMS     int `yaml:"aml_ms" validate:"gt=0"`
	PersistMS int `yaml:"persist_ms" validate:"gt=0"`
	AnalyzeMS int `yaml:"analyze_ms" validate:"gt=0"`
}

// Format returns the format stage deadline as a duration.
func (d StageDeadlines) Format() time.Duration { return time.Duration(d.FormatMS) * time.Millisecond }

// IDS returns the ids stage deadline as a duration.
func (d StageDeadlines) IDS() time.Duration { return time.Duration(d.IDSMS) * time.Millisecond }

// AML returns the aml stage deadline as a duration.
func (d StageDeadlines) AML() time.Duration { return time.Duration(d.AMLMS) * time.Millisecond }

// Persist returns the persist stage deadline as a duration.
func (d StageDeadlines) Persist() time.Duration { return time.Duration(d.PersistMS) * time.Millisecond }

// Analyze returns the analyze stage deadline as a duration.
func (d StageDeadlines) Analyze() time.Duration { return time.Duration(d.AnalyzeMS) * time.Millisecond }

// Config is the full intake service configuration.
//
// Call ApplyDefaults before Validate; Load does both.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `yaml:"listen_addr" validate:"required"`

	// DataDir holds blobs/ and meta/ (the metadata index).
	DataDir string `yaml:"data_dir" validate:"required"`

	// ModelPath points at the AML autoencoder weights. A missing file
	// puts the AML scanner in skip mode.
	ModelPath string `yaml:"model_path"`

	// ThresholdPath points at the AML threshold file.
	ThresholdPath string `yaml:"threshold_path"`

	// GAParametersPath is the tuner overlay file. Empty disables the
	// tuner watch.
	GAParametersPath string `yaml:"ga_parameters_path"`

	// MaxInputBytes rejects oversize uploads at admission.
	MaxInputBytes int64 `yaml:"max_input_bytes" validate:"gt=0"`

	// QueueDepth is the admission back-pressure threshold.
	QueueDepth int `yaml:"queue_depth" validate:"gt=0"`

	// Workers is the pipeline parallelism.
	Workers int `yaml:"workers" validate:"gt=0,lte=256"`

	// IDSThreshold is the pass cutoff for the IDS score.
	IDSThreshold int `yaml:"ids_threshold" validate:"gt=0"`

	// AMLThreshold overrides the threshold file when positive.
	AMLThreshold float64 `yaml:"aml_threshold" validate:"gte=0"`

	// StageDeadlines are the per-stage timeouts.
	StageDeadlines StageDeadlines `yaml:"stage_deadlines"`

	// RetentionSeconds is how long a terminal job and its artifact are
	// retained before prune may remove them.
	RetentionSeconds int `yaml:"retention_seconds" validate:"gt=0"`

	// EncryptionAlgorithm selects the artifact cipher:
	// aes256gcm (default) or xorstream.
	EncryptionAlgorithm string `yaml:"encryption_algorithm" validate:"oneof=aes256gcm xorstream"`

	// Passphrase derives the artifact encryption key.
	// Environment-only: GENOMEGATE_PASSPHRASE.
	Passphrase string `yaml:"-"`

	// ProofSecret keys the deletion-proof digest.
	// Environment-only: GENOMEGATE_PROOF_SECRET.
	ProofSecret string `yaml:"-"`

	// OTLPEndpoint enables trace export when set (host:port).
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn warning error"`

	// LogDir enables file logging when set.
	LogDir string `yaml:"log_dir"`

	// LogJSON switches stderr logs to JSON.
	LogJSON bool `yaml:"log_json"`
}

// ApplyDefaults fills zero-valued fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8035"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.ModelPath == "" {
		c.ModelPath = "models/aml.bin"
	}
	if c.ThresholdPath == "" {
		c.ThresholdPath = "models/aml.threshold"
	}
	if c.MaxInputBytes == 0 {
		c.MaxInputBytes = DefaultMaxInputBytes
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.IDSThreshold == 0 {
		c.IDSThreshold = DefaultIDSThreshold
	}
	if c.StageDeadlines.FormatMS == 0 {
		c.StageDeadlines.FormatMS = 2000
	}
	if c.StageDeadlines.IDSMS == 0 {
		c.StageDeadlines.IDSMS = 5000
	}
	if c.StageDeadlines.AMLMS == 0 {
		c.StageDeadlines.AMLMS = 10000
	}
	if c.StageDeadlines.PersistMS == 0 {
		c.StageDeadlines.PersistMS = 30000
	}
	if c.StageDeadlines.AnalyzeMS == 0 {
		c.StageDeadlines.AnalyzeMS = 30000
	}
	if c.RetentionSeconds == 0 {
		c.RetentionSeconds = DefaultRetentionSeconds
	}
	if c.EncryptionAlgorithm == "" {
		c.EncryptionAlgorithm = "aes256gcm"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Retention returns the retention window as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionSeconds) * time.Second
}

// Load reads the YAML file (optional), applies environment overrides,
// fills defaults, and validates.
//
// Inputs:
//
//	path - YAML file path. Empty skips the file layer; a missing file
//	       at an explicit path is an error.
//
// Outputs:
//
//	*Config - Ready-to-use configuration.
//	error - Parse, override, or validation failure.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays GENOMEGATE_* environment variables.
func (c *Config) applyEnv() error {
	if v := os.Getenv("GENOMEGATE_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("GENOMEGATE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("GENOMEGATE_MODEL_PATH"); v != "" {
		c.ModelPath = v
	}
	if v := os.Getenv("GENOMEGATE_THRESHOLD_PATH"); v != "" {
		c.ThresholdPath = v
	}
	if v := os.Getenv("GENOMEGATE_GA_PARAMETERS_PATH"); v != "" {
		c.GAParametersPath = v
	}
	if v := os.Getenv("GENOMEGATE_MAX_INPUT_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("GENOMEGATE_MAX_INPUT_BYTES: %w", err)
		}
		c.MaxInputBytes = n
	}
	if v := os.Getenv("GENOMEGATE_QUEUE_DEPTH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GENOMEGATE_QUEUE_DEPTH: %w", err)
		}
		c.QueueDepth = n
	}
	if v := os.Getenv("GENOMEGATE_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GENOMEGATE_WORKERS: %w", err)
		}
		c.Workers = n
	}
	if v := os.Getenv("GENOMEGATE_IDS_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GENOMEGATE_IDS_THRESHOLD: %w", err)
		}
		c.IDSThreshold = n
	}
	if v := os.Getenv("GENOMEGATE_AML_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("GENOMEGATE_AML_THRESHOLD: %w", err)
		}
		c.AMLThreshold = f
	}
	if v := os.Getenv("GENOMEGATE_RETENTION_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GENOMEGATE_RETENTION_SECONDS: %w", err)
		}
		c.RetentionSeconds = n
	}
	if v := os.Getenv("GENOMEGATE_ENCRYPTION_ALGORITHM"); v != "" {
		c.EncryptionAlgorithm = v
	}
	if v := os.Getenv("GENOMEGATE_OTLP_ENDPOINT"); v != "" {
		c.OTLPEndpoint = v
	}
	if v := os.Getenv("GENOMEGATE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("GENOMEGATE_LOG_DIR"); v != "" {
		c.LogDir = v
	}
	if v := os.Getenv("GENOMEGATE_LOG_JSON"); v != "" {
		c.LogJSON = v == "1" || v == "true"
	}

	// Secrets are environment-only.
	c.Passphrase = os.Getenv("GENOMEGATE_PASSPHRASE")
	c.ProofSecret = os.Getenv("GENOMEGATE_PROOF_SECRET")
	return nil
}
