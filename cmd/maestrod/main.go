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
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/maestro/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg := DefaultConfig()
	rootCmd := &cobra.Command{
		Use:           "maestrod",
		Short:         "Maestro workflow execution daemon",
		Long:          "maestrod runs workflow graphs, streams execution events to connected sessions, and serves prometheus metrics.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.applyEnv(cmd.Flags())
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := newDaemon(cfg, logger)
			if err != nil {
				return err
			}
			return d.Run(ctx)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP listen address")
	flags.StringVar(&cfg.WorkflowsDir, "workflows-dir", cfg.WorkflowsDir, "Directory of workflow definition files")
	flags.StringVar(&cfg.ResumeSecret, "resume-secret", cfg.ResumeSecret, "HS256 secret for interaction resume tokens")
	flags.StringArrayVar(&cfg.MCPServers, "mcp-server", nil, "MCP stdio server as name=command [args...]; repeatable")
	flags.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "Event stream heartbeat interval")
	flags.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "Graceful shutdown window")
	flags.BoolVar(&cfg.Trace, "trace", false, "Emit OpenTelemetry spans to stderr")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("maestrod %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		logger.Error("daemon exited", log.Error(err))
		os.Exit(1)
	}
}

// Config is the daemon configuration after flag and env resolution.
type Config struct {
	Listen            string
	WorkflowsDir      string
	ResumeSecret      string
	MCPServers        []string
	HeartbeatInterval time.Duration
	ShutdownGrace     time.Duration
	Trace             bool
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() Config {
	return Config{
		Listen:            "127.0.0.1:9090",
		HeartbeatInterval: 15 * time.Second,
		ShutdownGrace:     10 * time.Second,
	}
}

// applyEnv fills settings from MAESTRO_* variables where the flag was
// not set explicitly. Flags win over env, env wins over defaults.
func (c *Config) applyEnv(flags *pflag.FlagSet) {
	if !flags.Changed("listen") {
		if v := os.Getenv("MAESTRO_LISTEN"); v != "" {
			c.Listen = v
		}
	}
	if !flags.Changed("workflows-dir") {
		if v := os.Getenv("MAESTRO_WORKFLOWS_DIR"); v != "" {
			c.WorkflowsDir = v
		}
	}
	if !flags.Changed("resume-secret") {
		if v := os.Getenv("MAESTRO_RESUME_SECRET"); v != "" {
			c.ResumeSecret = v
		}
	}
}
