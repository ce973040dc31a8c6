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

package config_test

import (
	"testing"

	"github.com/pintosfs/gofilesys/internal/config"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValidOnceDevicePathIsSet(t *testing.T) {
	cfg := config.Default()
	cfg.DevicePath = "/tmp/disk.img"
	assert.NoError(t, config.Validate(cfg))
}

func TestValidate_RejectsMissingDevicePath(t *testing.T) {
	cfg := config.Default()
	assert.Error(t, config.Validate(cfg))
}

func TestValidate_RejectsUnknownSeverity(t *testing.T) {
	cfg := config.Default()
	cfg.DevicePath = "/tmp/disk.img"
	cfg.Logging.Severity = "VERBOSE"
	assert.Error(t, config.Validate(cfg))
}

func TestLoad_FlagsOverrideDefaults(t *testing.T) {
	def := config.Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.BindFlags(fs, def)
	require.NoError(t, fs.Parse([]string{"--device-path=/tmp/disk.img", "--cache.size=128"}))

	cfg, err := config.Load("", fs)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/disk.img", cfg.DevicePath)
	assert.Equal(t, 128, cfg.Cache.Size)
}

func TestYAML_RoundTripsDevicePath(t *testing.T) {
	cfg := config.Default()
	cfg.DevicePath = "/tmp/disk.img"

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, out, "device-path: /tmp/disk.img")
}
