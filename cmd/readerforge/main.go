// Command readerforge runs the reader generation service and its one-shot
// tooling: serve (HTTP API), generate (single pipeline run), and compile
// (asset spec to SVG).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"readerforge/internal/api"
	"readerforge/internal/artifact"
	"readerforge/internal/assets"
	"readerforge/internal/cache"
	"readerforge/internal/config"
	"readerforge/internal/gates"
	"readerforge/internal/idempotency"
	"readerforge/internal/llm"
	"readerforge/internal/locks"
	"readerforge/internal/logging"
	"readerforge/internal/metrics"
	"readerforge/internal/pipeline"
	"readerforge/internal/prompt"
	"readerforge/internal/ratelimit"
	"readerforge/internal/refdoc"
	"readerforge/internal/repair"
	"readerforge/internal/retry"
	"readerforge/internal/service"
	"readerforge/internal/stages"
)

var version = "1.0.0"

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "readerforge",
		Short:         "Generate validated reader documents from authoring requests",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "readerforge.yaml", "path to the YAML config file")

	root.AddCommand(serveCommand(&configPath))
	root.AddCommand(generateCommand(&configPath))
	root.AddCommand(compileCommand(&configPath))
	return root
}

// app bundles every wired component for one process.
type app struct {
	cfg          config.Config
	metrics      *metrics.Set
	cache        *cache.Store
	limiter      *ratelimit.Limiter
	prompts      *prompt.Store
	index        *assets.PrecompiledIndex
	compiler     *assets.Compiler
	gates        *gates.Registry
	orchestrator *pipeline.Orchestrator
	idem         *idempotency.Store
	locks        *locks.Manager
	service      *service.Service
}

// buildApp wires the component graph bottom-up: cache and limiter first,
// then retry, gateway, stages, and finally the orchestrator and service.
func buildApp(cfg config.Config) (*app, error) {
	if err := logging.Initialize(logging.Config{
		DebugMode:  cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		JSONFormat: cfg.Logging.JSONFormat,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}

	a := &app{cfg: cfg, metrics: metrics.NewSet()}

	store, err := cache.New(cfg.Cache, cfg.Paths.CacheDir, a.metrics)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	a.cache = store

	a.limiter = ratelimit.New(cfg.RateLimit, a.metrics)
	rm := retry.New(cfg.Retry, a.metrics, a.limiter.Retryable)

	a.prompts = prompt.NewStore(64).WithDefaults()
	if err := a.prompts.Init(cfg.Paths.PromptDir); err != nil {
		a.Close()
		return nil, fmt.Errorf("loading prompt templates: %w", err)
	}

	refdocs, err := refdoc.NewResolver(cfg.Paths.RefDocDir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("indexing reference documents: %w", err)
	}

	a.index, err = assets.NewPrecompiledIndex(cfg.Assets.PrecompiledDir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("indexing precompiled assets: %w", err)
	}
	a.compiler = assets.NewCompiler(cfg.Assets, store, rm, a.index, a.metrics)
	a.gates = gates.NewRegistry(cfg.Section.NumericTrials, cfg.Section.StrictUnicode, a.metrics)

	deps := stages.Deps{
		Gateway: llm.NewGateway(cfg.LLM, llm.NewGeminiClient(cfg.LLM), store, a.limiter, rm, a.metrics),
		Prompts: a.prompts,
		Gates:   a.gates,
		Repair:  repair.NewEngine(a.metrics),
		RefDocs: refdocs,
		Section: cfg.Section,
		Retry:   cfg.Retry,
		Metrics: a.metrics,
	}
	a.orchestrator = pipeline.New(cfg.Pipeline, deps, a.compiler, cfg.Paths.OutputDir, a.metrics)

	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		a.Close()
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	a.idem, err = idempotency.Open(filepath.Join(cfg.Paths.DataDir, "requests.db"), cfg.Idempotency)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening idempotency ledger: %w", err)
	}
	a.locks = locks.NewManager(cfg.Locks)
	a.service = service.New(a.orchestrator, a.idem, a.locks)
	return a, nil
}

func (a *app) Close() {
	if a.service != nil {
		a.service.Close()
	}
	if a.locks != nil {
		a.locks.Close()
	}
	if a.idem != nil {
		a.idem.Close()
	}
	if a.index != nil {
		a.index.Close()
	}
	if a.prompts != nil {
		a.prompts.Shutdown()
	}
	if a.limiter != nil {
		a.limiter.Close()
	}
	if a.cache != nil {
		a.cache.Close()
	}
}

func serveCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := api.NewServer(cfg.API, a.service, a.compiler, a.gates, a.metrics)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				logging.Get(logging.CategoryBoot).Info("received %s, shutting down", sig)
			}

			ctx, cancel := context.WithTimeout(context.Background(),
				parseShutdownTimeout(cfg.API.ShutdownTimeout))
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}
}

func generateCommand(configPath *string) *cobra.Command {
	var req artifact.Request
	var subject, difficulty string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Run one authoring request through the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			req.Subject = artifact.Subject(subject)
			req.Difficulty = artifact.Difficulty(difficulty)

			res, err := a.service.Submit(req)
			if err != nil {
				return err
			}
			if res.Duplicate {
				fmt.Fprintf(cmd.OutOrStdout(), "duplicate of run %s (%s)\n", res.PromptID, res.Status)
				if res.Result != nil {
					return printJSON(cmd.OutOrStdout(), res.Result)
				}
				return nil
			}

			fmt.Fprintf(cmd.OutOrStdout(), "run %s started\n", res.PromptID)
			status := waitForRun(cmd.Context(), a.service, res.PromptID)
			if status.State == service.StateFailed {
				return fmt.Errorf("run failed: %s", status.Error)
			}
			return printJSON(cmd.OutOrStdout(), status.Result)
		},
	}

	cmd.Flags().StringVar(&req.Grade, "grade", "", "grade level, e.g. 9")
	cmd.Flags().StringVar(&subject, "subject", "", "Physics, Chemistry, or Mathematics")
	cmd.Flags().StringVar(&req.Chapter, "chapter", "", "chapter title")
	cmd.Flags().StringVar(&req.Standard, "standard", "", "curriculum standard, e.g. CBSE")
	cmd.Flags().StringVar(&difficulty, "difficulty", "comfort", "comfort, hustle, or advanced")
	cmd.Flags().StringSliceVar(&req.Attachments, "attachment", nil, "relative attachment paths")
	for _, flag := range []string{"grade", "subject", "chapter", "standard"} {
		_ = cmd.MarkFlagRequired(flag)
	}
	return cmd
}

func compileCommand(configPath *string) *cobra.Command {
	var specPath, outPath string

	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile one asset spec (JSON) to sanitized SVG",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			raw, err := readSpec(specPath, cmd.InOrStdin())
			if err != nil {
				return err
			}
			var spec artifact.AssetSpec
			if err := json.Unmarshal(raw, &spec); err != nil {
				return fmt.Errorf("parsing asset spec: %w", err)
			}

			res, err := a.compiler.Compile(cmd.Context(), spec, "cli")
			if err != nil {
				return fmt.Errorf("compiling %s: %s", spec.Name(), res.Error)
			}
			if outPath != "" {
				return os.WriteFile(outPath, []byte(res.SVG), 0o644)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.SVG)
			return nil
		},
	}

	cmd.Flags().StringVar(&specPath, "spec", "", "spec JSON file; omit to read stdin")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write SVG here instead of stdout")
	return cmd
}

func waitForRun(ctx context.Context, svc *service.Service, promptID string) service.Status {
	lastStage := pipeline.Stage("")
	for {
		status, ok := svc.Status(promptID)
		if ok && status.Stage != lastStage {
			lastStage = status.Stage
			fmt.Fprintf(os.Stderr, "  %s (%d%%)\n", status.Stage, status.Progress)
		}
		if ok && (status.State == service.StateCompleted || status.State == service.StateFailed) {
			return status
		}
		select {
		case <-ctx.Done():
			return status
		case <-pollTick():
		}
	}
}

func readSpec(path string, stdin io.Reader) ([]byte, error) {
	if path == "" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func pollTick() <-chan time.Time { return time.After(200 * time.Millisecond) }

func parseShutdownTimeout(raw string) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
