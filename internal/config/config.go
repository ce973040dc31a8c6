// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config declares the mount-time configuration surface: device
// path, sector geometry, buffer cache size, and logging setup, bindable
// from a YAML file, environment variables, or command-line flags via
// viper/pflag.
package config

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Severity levels accepted by LoggingConfig.Severity, ranked low to high.
const (
	TraceLogSeverity   = "TRACE"
	DebugLogSeverity   = "DEBUG"
	InfoLogSeverity    = "INFO"
	WarningLogSeverity = "WARNING"
	ErrorLogSeverity   = "ERROR"
	OffLogSeverity     = "OFF"
)

var validSeverities = map[string]bool{
	TraceLogSeverity: true, DebugLogSeverity: true, InfoLogSeverity: true,
	WarningLogSeverity: true, ErrorLogSeverity: true, OffLogSeverity: true,
}

// LogRotateConfig mirrors the teacher's LogRotateLoggingConfig: the
// rotation knobs for lumberjack. The CLI forwards MaxFileSizeMB and
// BackupFileCount to the logger; Compress is not forwarded.
type LogRotateConfig struct {
	MaxFileSizeMB   int  `mapstructure:"max-file-size-mb" yaml:"max-file-size-mb"`
	BackupFileCount int  `mapstructure:"backup-file-count" yaml:"backup-file-count"`
	Compress        bool `mapstructure:"compress" yaml:"compress"`
}

// LoggingConfig is the logging section of the mount config.
type LoggingConfig struct {
	Severity  string          `mapstructure:"severity" yaml:"severity"`
	Format    string          `mapstructure:"format" yaml:"format"`
	FilePath  string          `mapstructure:"file-path" yaml:"file-path"`
	LogRotate LogRotateConfig `mapstructure:"log-rotate" yaml:"log-rotate"`
}

// CacheConfig is the buffer cache section of the mount config.
type CacheConfig struct {
	Size int `mapstructure:"size" yaml:"size"`
}

// ThrottleConfig bounds the device's I/O rate, wired through to
// blockdevice.Throttle.
type ThrottleConfig struct {
	Enabled          bool    `mapstructure:"enabled" yaml:"enabled"`
	SectorsPerSecond float64 `mapstructure:"sectors-per-second" yaml:"sectors-per-second"`
	BurstSectors     int     `mapstructure:"burst-sectors" yaml:"burst-sectors"`
}

// Config is the complete mount configuration.
type Config struct {
	DevicePath  string         `mapstructure:"device-path" yaml:"device-path"`
	SectorCount int            `mapstructure:"sector-count" yaml:"sector-count"`
	Cache       CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Logging     LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Throttle    ThrottleConfig `mapstructure:"throttle" yaml:"throttle"`
}

// YAML renders cfg the way an operator would hand-edit it back in as a
// config file, matching the tags above one for one.
func (cfg Config) YAML() (string, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("config: marshaling to yaml: %w", err)
	}
	return string(out), nil
}

// Default returns the configuration used before any file, environment
// variable, or flag has been applied over it.
func Default() Config {
	return Config{
		SectorCount: 65536,
		Cache:       CacheConfig{Size: 64},
		Logging: LoggingConfig{
			Severity: InfoLogSeverity,
			Format:   "text",
			LogRotate: LogRotateConfig{
				MaxFileSizeMB:   512,
				BackupFileCount: 10,
				Compress:        true,
			},
		},
	}
}

// BindFlags registers every config field as a pflag, matching viper's
// mapstructure tags so viper.BindPFlags can later merge flag values over
// file/env values.
func BindFlags(fs *pflag.FlagSet, def Config) {
	fs.String("device-path", def.DevicePath, "Path to the backing block device or disk image.")
	fs.Int("sector-count", def.SectorCount, "Number of sectors on the device.")
	fs.Int("cache.size", def.Cache.Size, "Number of entries in the buffer cache.")
	fs.String("logging.severity", def.Logging.Severity, "TRACE, DEBUG, INFO, WARNING, ERROR, or OFF.")
	fs.String("logging.format", def.Logging.Format, "text or json.")
	fs.String("logging.file-path", def.Logging.FilePath, "Log file path; empty means stderr.")
	fs.Bool("throttle.enabled", def.Throttle.Enabled, "Rate-limit device I/O.")
	fs.Float64("throttle.sectors-per-second", def.Throttle.SectorsPerSecond, "Sustained sector I/O rate when throttling is enabled.")
	fs.Int("throttle.burst-sectors", def.Throttle.BurstSectors, "Burst size when throttling is enabled.")
}

// Load merges a config file (if path is non-empty), environment variables
// prefixed GOFILESYS_, and already-parsed flags into a Config.
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GOFILESYS")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Config{}, fmt.Errorf("config: binding flags: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshalling: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects a configuration the core cannot run with.
func Validate(cfg Config) error {
	if cfg.DevicePath == "" {
		return fmt.Errorf("config: device-path is required")
	}
	if cfg.SectorCount <= 0 {
		return fmt.Errorf("config: sector-count must be positive, got %d", cfg.SectorCount)
	}
	if cfg.Cache.Size <= 0 {
		return fmt.Errorf("config: cache.size must be positive, got %d", cfg.Cache.Size)
	}
	if !validSeverities[cfg.Logging.Severity] {
		return fmt.Errorf("config: invalid logging.severity %q", cfg.Logging.Severity)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("config: invalid logging.format %q, want text or json", cfg.Logging.Format)
	}
	return nil
}
