// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/teradata-labs/reflexio/internal/log"
	"github.com/teradata-labs/reflexio/pkg/config"
	"github.com/teradata-labs/reflexio/pkg/evaluation"
	"github.com/teradata-labs/reflexio/pkg/feedback"
	"github.com/teradata-labs/reflexio/pkg/llm"
	"github.com/teradata-labs/reflexio/pkg/llm/anthropic"
	"github.com/teradata-labs/reflexio/pkg/llm/openai"
	"github.com/teradata-labs/reflexio/pkg/opstate"
	"github.com/teradata-labs/reflexio/pkg/orchestrator"
	"github.com/teradata-labs/reflexio/pkg/profile"
	"github.com/teradata-labs/reflexio/pkg/prompts"
	"github.com/teradata-labs/reflexio/pkg/server"
	"github.com/teradata-labs/reflexio/pkg/storage"
	"github.com/teradata-labs/reflexio/pkg/versioning"
)

var rootCmd = &cobra.Command{
	Use:   "reflexio",
	Short: "Reflexio - memory and evaluation service for conversational agents",
	Long: `Reflexio ingests agent conversations and turns them into durable user
profiles, actionable feedback and success evaluations, queryable over a
JSON HTTP API.`,
	Version: "0.1.0",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Reflexio HTTP server",
	RunE:  runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.String("listen", ":8080", "HTTP listen address")
	flags.String("db", "reflexio.db", "SQLite database path")
	flags.String("db-encryption-key", "", "SQLCipher encryption key (empty disables encryption)")
	flags.String("org-config-dir", "configs/orgs", "Directory of per-org YAML configs")
	flags.String("prompts-dir", "", "Directory of prompt overrides (empty uses built-in prompts)")
	flags.String("flags-file", "", "Feature flags YAML file (empty enables everything)")
	flags.String("provider", "anthropic", "LLM provider (anthropic, openai, mock)")
	flags.String("aggregation-schedule", "", "Cron schedule for feedback aggregation (empty uses hourly)")

	_ = viper.BindPFlags(flags)
	viper.SetEnvPrefix("REFLEXIO")
	viper.AutomaticEnv()

	rootCmd.AddCommand(serveCmd)
}

func main() {
	defer func() { _ = log.Sync() }()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := log.Logger()

	store, err := storage.New(storage.Config{
		Path:          viper.GetString("db"),
		EncryptionKey: viper.GetString("db-encryption-key"),
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	provider, embedder, err := buildProviders(viper.GetString("provider"))
	if err != nil {
		return err
	}

	states := opstate.NewManager(store, logger)
	configs := config.NewCache(&config.DirLoader{Dir: viper.GetString("org-config-dir")}, 0, 0)

	featureFlags := config.NewFeatureFlags()
	if path := viper.GetString("flags-file"); path != "" {
		featureFlags, err = config.LoadFeatureFlags(path)
		if err != nil {
			return fmt.Errorf("load feature flags: %w", err)
		}
	}

	registry := prompts.NewRegistry(viper.GetString("prompts-dir"), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := registry.Watch(ctx); err != nil {
		return fmt.Errorf("watch prompts: %w", err)
	}

	profiles := profile.NewService(store, states, provider, embedder, registry, logger)
	feedbacks := feedback.NewService(store, states, provider, embedder, registry, logger)
	evaluations := evaluation.NewService(store, provider, registry, logger, 0)
	orch := orchestrator.New(store, states, configs, featureFlags, embedder,
		profiles, feedbacks, evaluations, logger)
	runner := versioning.NewRunner(store, states, configs, profiles, feedbacks, logger)
	aggregator := feedback.NewAggregator(store, states, provider, embedder, registry, logger)

	scheduler := feedback.NewScheduler(store, states, aggregator, configs, nil, logger)
	if err := scheduler.Start(ctx, viper.GetString("aggregation-schedule")); err != nil {
		return fmt.Errorf("start aggregation scheduler: %w", err)
	}
	defer scheduler.Stop()

	srv := server.New(server.Config{
		Addr:         viper.GetString("listen"),
		Store:        store,
		States:       states,
		Orchestrator: orch,
		Runner:       runner,
		Aggregator:   aggregator,
		Configs:      configs,
		Flags:        featureFlags,
		Embedder:     embedder,
		Logger:       logger,
	})

	errch := make(chan error, 1)
	go func() { errch <- srv.Start() }()

	select {
	case err := <-errch:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown incomplete", zap.Error(err))
	}
	return nil
}

// buildProviders maps the provider flag onto a generation provider and an
// embedder. Anthropic has no embeddings API, so embeddings always come
// from OpenAI unless mocks are requested.
func buildProviders(name string) (llm.Provider, llm.Embedder, error) {
	switch name {
	case "anthropic":
		return anthropic.NewClient(anthropic.Config{}), openai.NewClient(openai.Config{}), nil
	case "openai":
		client := openai.NewClient(openai.Config{})
		return client, client, nil
	case "mock":
		return llm.NewMockProvider(), llm.NewMockEmbedder(0), nil
	default:
		return nil, nil, fmt.Errorf("unknown provider %q (anthropic, openai, mock)", name)
	}
}
