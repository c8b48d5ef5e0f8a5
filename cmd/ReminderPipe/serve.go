package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/BTreeMap/ReminderPipe/internal/api"
	"github.com/BTreeMap/ReminderPipe/internal/assistant"
	"github.com/BTreeMap/ReminderPipe/internal/codegen"
	"github.com/BTreeMap/ReminderPipe/internal/compiler"
	"github.com/BTreeMap/ReminderPipe/internal/config"
	"github.com/BTreeMap/ReminderPipe/internal/feasibility"
	"github.com/BTreeMap/ReminderPipe/internal/flow"
	"github.com/BTreeMap/ReminderPipe/internal/genai"
	"github.com/BTreeMap/ReminderPipe/internal/lockfile"
	"github.com/BTreeMap/ReminderPipe/internal/publish"
	"github.com/BTreeMap/ReminderPipe/internal/session"
	"github.com/BTreeMap/ReminderPipe/internal/store"
)

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, c.cfg)
		},
	}
	cmd.Flags().String("addr", "", "listen address")
	cmd.Flags().String("synthesizer", "", `predicate synthesizer: "llm" or "template"`)
	cmd.Flags().Bool("auto-finalize", true, "compile the trigger as soon as a conversation finishes")
	return cmd
}

// runServe wires every component and serves until ctx is cancelled.
func runServe(ctx context.Context, cfg *config.Config) error {
	slog.Info("Bootstrapping ReminderPipe", "addr", cfg.APIAddr, "synthesizer", cfg.Synthesizer, "auto_finalize", cfg.AutoFinalize)

	cat, err := loadCatalog(cfg.CatalogFile)
	if err != nil {
		return err
	}

	dsn := cfg.StoreDSN()
	if dsn != "" && store.DetectDSNType(dsn) == store.DSNTypeSQLite {
		lock, err := lockfile.Acquire(cfg.StateDir, cfg.APIAddr)
		if err != nil {
			return err
		}
		defer lock.Release()
	}
	st, err := store.Open(dsn)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	var sessionOpts []session.Option
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
		}
		sessionOpts = append(sessionOpts, session.WithDistributedLocker(session.NewRedisLocker(client, cfg.Redis.KeyPrefix)))
		slog.Info("Using Redis session locks", "addr", cfg.Redis.Addr)
	}
	sessions := session.NewManager(st, sessionOpts...)

	llm, err := genai.NewClient(
		genai.WithAPIKey(cfg.GenAI.APIKey),
		genai.WithBaseURL(cfg.GenAI.BaseURL),
		genai.WithModel(cfg.GenAI.Model),
		genai.WithTemperature(cfg.GenAI.Temperature),
		genai.WithMaxTokens(cfg.GenAI.MaxTokens),
		genai.WithDebugMode(cfg.GenAI.Debug),
		genai.WithStateDir(cfg.StateDir),
		genai.WithPromptDir(cfg.GenAI.PromptDir),
		genai.WithCatalog(cat),
	)
	if err != nil {
		return fmt.Errorf("failed to create language model client: %w", err)
	}
	var synth codegen.Synthesizer = llm
	if cfg.Synthesizer == config.SynthesizerTemplate {
		synth = codegen.NewTemplate(cat)
	}

	comp, err := compiler.NewCompiler(cat)
	if err != nil {
		return err
	}
	conv := flow.NewConversation(llm, feasibility.NewEvaluator(cat), flow.WithCallTimeout(cfg.CallTimeout))

	pub, err := newPublisher(cfg)
	if err != nil {
		return err
	}
	defer pub.Close()

	var wg sync.WaitGroup
	if cfg.Publish.AMQPURL != "" && cfg.Publish.RelayInterval > 0 {
		relay := publish.NewRelay(st, pub, cfg.Publish.RelayInterval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			relay.Run(ctx)
		}()
	}
	defer wg.Wait()

	svc := assistant.NewService(sessions, st, conv, synth, comp,
		assistant.WithPublisher(pub),
		assistant.WithAutoFinalize(cfg.AutoFinalize),
		assistant.WithSynthesisTimeout(cfg.SynthesisTimeout),
	)
	srv := api.NewServer(svc, api.WithAddr(cfg.APIAddr), api.WithHomeConfig(cfg.Home))
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("API server failed: %w", err)
	}
	slog.Info("ReminderPipe exited successfully")
	return nil
}

func newPublisher(cfg *config.Config) (publish.Publisher, error) {
	if cfg.Publish.AMQPURL == "" {
		slog.Info("No AMQP_URL set, compiled triggers are stored but not published")
		return publish.NopPublisher{}, nil
	}
	pub, err := publish.NewAMQPPublisher(cfg.Publish.AMQPURL, cfg.Publish.Exchange)
	if err != nil {
		return nil, fmt.Errorf("failed to connect publisher: %w", err)
	}
	return pub, nil
}
