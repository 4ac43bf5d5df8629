// Pipeline Engine CLI
//
// Drives validation pipelines over configured LLM backends: start a task,
// resume a paused session with a human answer, inspect progress, or kill a
// runaway session. Results are printed as JSON on stdout.
//
// Usage:
//
//	go run ./cmd run -task "review this plan"
//	go run ./cmd resume -session <id> -input "use postgres"
//	go run ./cmd progress -session <id>
//	go run ./cmd kill -session <id>
//	go build -o pipeline ./cmd && ./pipeline run -config config.yaml -task "..."
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HishamBS/third-eye-mcp-sub000/eventbus"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/backend"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/config"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/executor"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/observability"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/order"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/router"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/session"
	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/storage"
)

const (
	cmdRun      = "run"
	cmdResume   = "resume"
	cmdProgress = "progress"
	cmdKill     = "kill"
	cmdVersion  = "version"
)

const version = "1.0.0"

// stdLogger implements executor.Logger using standard library log.
type stdLogger struct {
	fields []any
}

func (l *stdLogger) logf(level, msg string, keysAndValues ...any) {
	kv := append(append([]any{}, l.fields...), keysAndValues...)
	log.Printf("[%s] %s %v", level, msg, kv)
}

func (l *stdLogger) Debug(msg string, keysAndValues ...any) { l.logf("DEBUG", msg, keysAndValues...) }
func (l *stdLogger) Info(msg string, keysAndValues ...any)  { l.logf("INFO", msg, keysAndValues...) }
func (l *stdLogger) Warn(msg string, keysAndValues ...any)  { l.logf("WARN", msg, keysAndValues...) }
func (l *stdLogger) Error(msg string, keysAndValues ...any) { l.logf("ERROR", msg, keysAndValues...) }

func (l *stdLogger) Bind(fields ...any) executor.Logger {
	return &stdLogger{fields: append(append([]any{}, l.fields...), fields...)}
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case cmdVersion:
		fmt.Println(version)
	case cmdRun:
		handleRun(os.Args[2:])
	case cmdResume:
		handleResume(os.Args[2:])
	case cmdProgress:
		handleProgress(os.Args[2:])
	case cmdKill:
		handleKill(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: pipeline <command> [flags]

commands:
  run       start a new task through the pipeline
  resume    continue a paused session with a human answer
  progress  report a session's phase and completed stages
  kill      stop scheduling stages for a session
  version   print version`)
}

func handleRun(args []string) {
	fs := flag.NewFlagSet(cmdRun, flag.ExitOnError)
	configPath := fs.String("config", "", "config file path (default config.yaml)")
	task := fs.String("task", "", "task text to run through the pipeline")
	sessionID := fs.String("session", "", "session id (minted when empty)")
	_ = fs.Parse(args)

	if *task == "" {
		log.Fatal("run requires -task")
	}

	coordinator, shutdown := buildEngine(*configPath)
	defer shutdown()

	ctx, stop := signalContext()
	defer stop()

	result := coordinator.Start(ctx, *task, *sessionID)
	printJSON(result)
	if result.Err != "" && !result.Completed {
		os.Exit(1)
	}
}

func handleResume(args []string) {
	fs := flag.NewFlagSet(cmdResume, flag.ExitOnError)
	configPath := fs.String("config", "", "config file path (default config.yaml)")
	sessionID := fs.String("session", "", "paused session id")
	input := fs.String("input", "", "human answer to append to the session context")
	_ = fs.Parse(args)

	if *sessionID == "" {
		log.Fatal("resume requires -session")
	}

	coordinator, shutdown := buildEngine(*configPath)
	defer shutdown()

	ctx, stop := signalContext()
	defer stop()

	result := coordinator.Resume(ctx, *sessionID, *input)
	printJSON(result)
	if result.Err != "" && !result.Completed {
		os.Exit(1)
	}
}

func handleProgress(args []string) {
	fs := flag.NewFlagSet(cmdProgress, flag.ExitOnError)
	configPath := fs.String("config", "", "config file path (default config.yaml)")
	sessionID := fs.String("session", "", "session id")
	_ = fs.Parse(args)

	if *sessionID == "" {
		log.Fatal("progress requires -session")
	}

	coordinator, shutdown := buildEngine(*configPath)
	defer shutdown()

	progress, err := coordinator.GetProgress(context.Background(), *sessionID)
	if err != nil {
		log.Fatalf("failed to read progress: %v", err)
	}
	printJSON(progress)
}

func handleKill(args []string) {
	fs := flag.NewFlagSet(cmdKill, flag.ExitOnError)
	configPath := fs.String("config", "", "config file path (default config.yaml)")
	sessionID := fs.String("session", "", "session id")
	_ = fs.Parse(args)

	if *sessionID == "" {
		log.Fatal("kill requires -session")
	}

	coordinator, shutdown := buildEngine(*configPath)
	defer shutdown()

	if err := coordinator.Kill(context.Background(), *sessionID); err != nil {
		log.Fatalf("failed to kill session: %v", err)
	}
	fmt.Printf("session %s killed\n", *sessionID)
}

// buildEngine wires the full component graph from configuration. The
// returned shutdown func closes storage and flushes tracing.
func buildEngine(configPath string) (*session.Coordinator, func()) {
	logger := &stdLogger{}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	store := openStore(cfg)
	bus := eventbus.NewBus()

	reg, err := cfg.BuildRegistry()
	if err != nil {
		log.Fatalf("invalid stage catalog: %v", err)
	}
	blueprint, err := cfg.BuildBlueprint()
	if err != nil {
		log.Fatalf("invalid blueprint: %v", err)
	}

	tracker := session.NewTracker(store)
	guard, err := order.NewGuard(blueprint, tracker)
	if err != nil {
		log.Fatalf("failed to create order guard: %v", err)
	}

	creds := backend.ChainCredentials{
		cfg.Credentials(),
		backend.NewEnvCredentials("PIPELINE_BACKEND_"),
	}
	client := backend.NewHTTPClient(cfg.Endpoints())

	exec, err := executor.New(executor.Deps{
		Registry: reg,
		Guard:    guard,
		Backends: client,
		Creds:    creds,
		Store:    store,
		Bus:      bus,
		Sessions: tracker,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("failed to create executor: %v", err)
	}

	strategy, err := buildStrategy(cfg, blueprint.RouterStage, exec, tracker, bus, logger)
	if err != nil {
		log.Fatalf("failed to create routing strategy: %v", err)
	}

	coordinator, err := session.NewCoordinator(strategy, tracker, guard, store, logger)
	if err != nil {
		log.Fatalf("failed to create coordinator: %v", err)
	}

	if cfg.Server.MetricsPort > 0 {
		startMetricsServer(cfg.Server.MetricsPort, logger)
	}

	shutdownTracing := func(context.Context) error { return nil }
	if cfg.Tracing.Enabled {
		shutdownTracing, err = observability.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
		if err != nil {
			log.Fatalf("failed to initialize tracing: %v", err)
		}
	}

	logger.Info("pipeline_engine_ready",
		"strategy", cfg.Engine.Strategy,
		"storage", cfg.Storage.Type,
		"backends", len(cfg.Backends),
		"stages", len(cfg.Stages))

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
		if closer, ok := store.(*storage.SQLiteStore); ok {
			if err := closer.Close(); err != nil {
				logger.Warn("storage close failed", "error", err)
			}
		}
	}
	return coordinator, shutdown
}

func openStore(cfg *config.Config) storage.Store {
	switch cfg.Storage.Type {
	case "memory":
		return storage.NewMemoryStore()
	default:
		store, err := storage.NewSQLiteStore(cfg.Storage.SQLite.Path)
		if err != nil {
			log.Fatalf("failed to open sqlite store at %s: %v", cfg.Storage.SQLite.Path, err)
		}
		return store
	}
}

func buildStrategy(cfg *config.Config, routerStage string, exec router.Executor,
	tracker *session.Tracker, bus *eventbus.Bus, logger executor.Logger) (router.Strategy, error) {

	if cfg.Engine.Strategy == "template" {
		steps := make([]router.Step, len(cfg.Template))
		for i, s := range cfg.Template {
			steps[i] = router.Step{
				Stage:     s.Stage,
				Condition: router.Condition(s.Condition),
				Branches:  s.Branches,
			}
		}
		return router.NewTemplate(router.TemplateOptions{
			Executor: exec,
			Sessions: tracker,
			Bus:      bus,
			Logger:   logger,
			Steps:    steps,
		})
	}

	return router.NewDynamic(router.DynamicOptions{
		Executor:    exec,
		Sessions:    tracker,
		Bus:         bus,
		Logger:      logger,
		RouterStage: routerStage,
		MaxStages:   cfg.Engine.MaxStageInvocations,
	})
}

func startMetricsServer(port int, logger executor.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	go func() {
		logger.Info("metrics_server_listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
}

// signalContext cancels the run on SIGINT/SIGTERM so in-flight backend
// calls abort and no further stages are scheduled.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatalf("failed to encode output: %v", err)
	}
}
