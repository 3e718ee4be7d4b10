// Copyright 2025 Tom Barlow
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

package main

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func configFlags(cfg *Config) *pflag.FlagSet {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.StringVar(&cfg.Listen, "listen", cfg.Listen, "")
	flags.StringVar(&cfg.WorkflowsDir, "workflows-dir", cfg.WorkflowsDir, "")
	flags.StringVar(&cfg.ResumeSecret, "resume-secret", cfg.ResumeSecret, "")
	return flags
}

func TestEnvOverridesDefaults(t *testing.T) {
	t.Setenv("MAESTRO_LISTEN", "127.0.0.1:7777")
	t.Setenv("MAESTRO_WORKFLOWS_DIR", "/srv/workflows")

	cfg := DefaultConfig()
	flags := configFlags(&cfg)
	require.NoError(t, flags.Parse(nil))
	cfg.applyEnv(flags)

	assert.Equal(t, "127.0.0.1:7777", cfg.Listen)
	assert.Equal(t, "/srv/workflows", cfg.WorkflowsDir)
}

func TestFlagsWinOverEnv(t *testing.T) {
	t.Setenv("MAESTRO_LISTEN", "127.0.0.1:7777")

	cfg := DefaultConfig()
	flags := configFlags(&cfg)
	require.NoError(t, flags.Parse([]string{"--listen", "0.0.0.0:8080"}))
	cfg.applyEnv(flags)

	assert.Equal(t, "0.0.0.0:8080", cfg.Listen)
}

func TestDefaultsWithoutEnv(t *testing.T) {
	cfg := DefaultConfig()
	flags := configFlags(&cfg)
	require.NoError(t, flags.Parse(nil))
	cfg.applyEnv(flags)

	assert.Equal(t, "127.0.0.1:9090", cfg.Listen)
	assert.Empty(t, cfg.WorkflowsDir)
}
