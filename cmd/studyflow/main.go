package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pavelanni/studyflow/internal/checkpoint"
	"github.com/pavelanni/studyflow/internal/config"
	"github.com/pavelanni/studyflow/internal/content"
	"github.com/pavelanni/studyflow/internal/emergency"
	"github.com/pavelanni/studyflow/internal/flow"
	"github.com/pavelanni/studyflow/internal/handler"
	"github.com/pavelanni/studyflow/internal/llm"
	"github.com/pavelanni/studyflow/internal/llm/prompts"
	"github.com/pavelanni/studyflow/internal/pipeline"
	"github.com/pavelanni/studyflow/internal/recovery"
	"github.com/pavelanni/studyflow/internal/retry"
	"github.com/pavelanni/studyflow/internal/sink/primary"
	"github.com/pavelanni/studyflow/internal/sink/secondary"
	"github.com/pavelanni/studyflow/internal/store"
	"github.com/pavelanni/studyflow/internal/validate"
)

// catalogVersionKey records the catalog checksum the stored checkpoints were assigned from.
const catalogVersionKey = "meta/catalog-version"

func main() {
	if found, err := config.LoadDotEnv(); err != nil {
		slog.Warn("error loading .env file", "error", err)
	} else if len(found) == 0 {
		slog.Debug("no .env file found")
	}
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "studyflow",
		Short:         "Study flow server with checkpointed sessions and failsafe submission",
		SilenceUsage:  true,
	}

	serve := serveCmd()
	root.AddCommand(serve, ingestCmd(), recoverCmd(), exportCmd(), checkpointCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `studyflow --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

// pipelineFlags are shared by every command that needs to reach the sinks.
func pipelineFlags(f *pflag.FlagSet) {
	f.String("kv-backend", "sqlite", "Checkpoint and emergency store (sqlite, redis)")
	f.String("db", "studyflow.db", "SQLite database path for the sqlite kv backend")
	f.String("redis-addr", "", "Redis address for the redis kv backend")
	f.String("redis-password", "", "Redis password")
	f.Int("redis-db", 0, "Redis database number")
	f.String("redis-prefix", "studyflow:", "Prefix for every Redis key")
	f.String("primary-driver", "postgres", "Primary sink driver (postgres, sqlite)")
	f.String("primary-dsn", "", "Primary sink DSN")
	f.String("secondary-url", "http://localhost:8081", "Secondary ingest service base URL")
	f.String("secondary-token", "", "Bearer token for the ingest service")
	f.Duration("secondary-timeout", 10*time.Second, "Ingest request timeout")
	f.Int("retry-attempts", retry.DefaultPolicy.MaxAttempts, "Attempts per sink write")
	f.Duration("retry-base-delay", retry.DefaultPolicy.BaseDelay, "Delay before the first retry")
	f.Float64("retry-growth", retry.DefaultPolicy.Growth, "Backoff multiplier per attempt")
	f.Duration("retry-jitter", retry.DefaultPolicy.JitterMax, "Maximum random jitter added to each delay")
	f.Duration("retry-max-delay", retry.DefaultPolicy.MaxDelay, "Cap on a single backoff delay")
	f.Bool("parallel-sinks", false, "Write both sinks concurrently")
	f.String("recovery-secret", "", "Operator secret for recovery (or set STUDYFLOW_RECOVERY_SECRET)")
	f.String("recovery-secret-hash", "", "bcrypt hash of the operator secret, used instead of --recovery-secret")
	f.String("addr", ":8080", "HTTP listen address")
}

func logFlags(f *pflag.FlagSet) {
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the study flow server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	pipelineFlags(f)
	f.String("catalog", "", "Path to a question catalog JSON file (embedded catalog when empty)")
	f.String("study-id", "", "Study identifier")
	f.String("llm-url", "", "OpenAI-compatible API base URL (chat disabled when empty)")
	f.String("llm-key", "ollama", "API key for the LLM endpoint")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("llm-fallback-model", "", "Model tried once the main model keeps failing")
	f.Float64("llm-temperature", 0.7, "Sampling temperature")
	f.Int("llm-max-tokens", 512, "Maximum tokens per reply")
	logFlags(f)
	return cmd
}

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Start the secondary ingest service",
		RunE:  runIngest,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8081", "HTTP listen address")
	f.String("db", "ingest.db", "SQLite database path")
	f.String("ingest-token", "", "Bearer token required from clients (open when empty)")
	f.String("study-id", "", "Study identifier included in exports")
	logFlags(f)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export ingested submissions as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "ingest.db", "SQLite database path of the ingest service")
	f.String("study-id", "", "Study identifier for output (required)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	logFlags(f)

	_ = cmd.MarkFlagRequired("study-id")

	return cmd
}

func checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect stored session checkpoints",
	}
	show := &cobra.Command{
		Use:   "show [scope]",
		Short: "Print the recovered session for a scope, or list scopes",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCheckpointShow,
	}
	f := show.Flags()
	f.String("kv-backend", "sqlite", "Checkpoint store (sqlite, redis)")
	f.String("db", "studyflow.db", "SQLite database path")
	f.String("redis-addr", "", "Redis address")
	f.String("redis-password", "", "Redis password")
	f.Int("redis-db", 0, "Redis database number")
	f.String("redis-prefix", "studyflow:", "Prefix for every Redis key")
	logFlags(f)
	cmd.AddCommand(show)
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("studyflow")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/studyflow")
	v.AddConfigPath("/etc/studyflow")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// services is everything a flow server or recovery command needs.
type services struct {
	kv       store.KV
	pipeline *pipeline.Pipeline
	em       *emergency.Store
	recovery *recovery.Tool
	closers  []func() error
}

func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			slog.Warn("close", "error", err)
		}
	}
}

func openKV(kv config.KVConfig) (store.KV, func() error, error) {
	switch kv.Backend {
	case "redis":
		r, err := store.NewRedis(kv.RedisAddr, kv.RedisPassword, kv.RedisDB, kv.RedisPrefix)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis: %w", err)
		}
		return r, r.Close, nil
	default:
		db, err := store.New(kv.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		return db, db.Close, nil
	}
}

func buildServices(cfg *config.Config, log *slog.Logger) (*services, error) {
	svc := &services{}
	ok := false
	defer func() {
		if !ok {
			svc.Close()
		}
	}()

	kv, closeKV, err := openKV(cfg.KV)
	if err != nil {
		return nil, err
	}
	svc.kv = kv
	svc.closers = append(svc.closers, closeKV)

	validator, err := validate.New()
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	db, err := primary.Open(cfg.Primary.Driver, cfg.Primary.DSN, log)
	if err != nil {
		return nil, fmt.Errorf("open primary: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("primary connection pool: %w", err)
	}
	svc.closers = append(svc.closers, sqlDB.Close)
	primarySink, err := primary.New(db, log)
	if err != nil {
		return nil, err
	}

	secondarySink, err := secondary.New(secondary.Config{
		BaseURL: cfg.Secondary.URL,
		Token:   cfg.Secondary.Token,
		Timeout: cfg.Secondary.Timeout,
	}, log)
	if err != nil {
		return nil, err
	}

	svc.em = emergency.New(kv, log)
	svc.pipeline = pipeline.New(validator, primarySink, secondarySink, svc.em, retry.NewExecutor(log),
		pipeline.Options{Policy: cfg.Retry, ParallelSinks: cfg.ParallelSinks}, log)
	svc.recovery = recovery.New(svc.em, svc.pipeline, log)

	ok = true
	return svc, nil
}

func newGate(cfg *config.Config) (*recovery.Gate, error) {
	if cfg.RecoverySecretHash != "" {
		return recovery.NewGateFromHash(cfg.RecoverySecretHash)
	}
	return recovery.NewGate(cfg.RecoverySecret)
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	log := slog.Default()

	catalog, err := content.Load(cfg.Catalog)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	svc, err := buildServices(cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := checkCatalogVersion(svc.kv, catalog); err != nil {
		return err
	}
	reportPending(svc)

	opts := handler.Options{
		Flows:    flow.NewManager(svc.kv, catalog, svc.pipeline, log),
		Catalog:  catalog,
		Recovery: svc.recovery,
		Log:      log,
	}

	if cfg.RecoveryEnabled() {
		gate, err := newGate(cfg)
		if err != nil {
			return fmt.Errorf("recovery gate: %w", err)
		}
		opts.Gate = gate
	} else {
		slog.Warn("no recovery secret configured, admin recovery routes are disabled")
	}

	if cfg.TutorEnabled() {
		registry, err := prompts.NewRegistry()
		if err != nil {
			return fmt.Errorf("load prompts: %w", err)
		}
		opts.Prompts = registry
		opts.Tutor = llm.New(llm.Config{
			BaseURL:       cfg.LLM.URL,
			APIKey:        cfg.LLM.Key,
			Model:         cfg.LLM.Model,
			FallbackModel: cfg.LLM.FallbackModel,
			Temperature:   cfg.LLM.Temperature,
			MaxTokens:     cfg.LLM.MaxTokens,
		}, retry.NewExecutor(log), log)
	} else {
		slog.Warn("no LLM endpoint configured, chat is disabled")
	}

	h, err := handler.New(opts)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	h.Routes(r)

	slog.Info("starting server",
		"addr", cfg.Addr,
		"kv_backend", cfg.KV.Backend,
		"primary_driver", cfg.Primary.Driver,
		"secondary_url", cfg.Secondary.URL,
		"parallel_sinks", cfg.ParallelSinks,
		"catalog_version", catalog.Version,
		"model", cfg.LLM.Model,
	)
	return listen(cmd.Context(), cfg.Addr, r)
}

func runIngest(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	cfg, err := config.LoadIngest(v)
	if err != nil {
		return err
	}

	db, err := store.New(cfg.DB)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	validator, err := validate.New()
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}

	if cfg.Token == "" {
		slog.Warn("no ingest token configured, ingest routes are open")
	}
	ing := handler.NewIngest(db, validator, cfg.Token, cfg.StudyID, slog.Default())

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	ing.Routes(r)

	count, err := db.SubmissionCount()
	if err != nil {
		return fmt.Errorf("count submissions: %w", err)
	}
	slog.Info("starting ingest service", "addr", cfg.Addr, "db", cfg.DB, "submissions", count)
	return listen(cmd.Context(), cfg.Addr, r)
}

// listen serves until ctx is done or SIGINT/SIGTERM arrives, then drains in-flight requests.
func listen(ctx context.Context, addr string, h http.Handler) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down", "addr", addr)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportSubmissions(v.GetString("study-id"))
	if err != nil {
		return fmt.Errorf("export submissions: %w", err)
	}
	return writeOutput(v.GetString("output"), export)
}

func runCheckpointShow(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	kvCfg := config.KVConfig{
		Backend:       v.GetString("kv-backend"),
		Path:          v.GetString("db"),
		RedisAddr:     v.GetString("redis-addr"),
		RedisPassword: v.GetString("redis-password"),
		RedisDB:       v.GetInt("redis-db"),
		RedisPrefix:   v.GetString("redis-prefix"),
	}
	kv, closeKV, err := openKV(kvCfg)
	if err != nil {
		return err
	}
	defer closeKV()

	if len(args) == 0 {
		scopes, err := checkpoint.Scopes(kv)
		if err != nil {
			return fmt.Errorf("list scopes: %w", err)
		}
		return writeOutput("-", scopes)
	}

	sess, ok, err := checkpoint.New(kv, args[0], slog.Default()).Load()
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if !ok {
		return fmt.Errorf("no checkpoint for scope %q", args[0])
	}
	return writeOutput("-", sess)
}

// writeOutput writes v as indented JSON to path, or stdout for "" and "-".
func writeOutput(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	var w io.Writer
	if path == "" || path == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	_, err = w.Write(data)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	return nil
}

// checkCatalogVersion records the catalog checksum and warns when it changed while
// checkpoints assigned from the old catalog are still waiting to be finished.
func checkCatalogVersion(kv store.KV, catalog *content.Catalog) error {
	stored, ok, err := kv.Get(catalogVersionKey)
	if err != nil {
		return fmt.Errorf("read catalog version: %w", err)
	}
	if ok && string(stored) == catalog.Version {
		slog.Info("catalog unchanged", "version", catalog.Version)
		return nil
	}
	if ok {
		scopes, err := checkpoint.Scopes(kv)
		if err != nil {
			return fmt.Errorf("list scopes: %w", err)
		}
		if len(scopes) > 0 {
			slog.Warn("catalog changed since sessions were assigned, resumed sessions keep their old category indices",
				"previous", string(stored), "current", catalog.Version, "open_sessions", len(scopes))
		}
	}
	if err := kv.Set(catalogVersionKey, []byte(catalog.Version)); err != nil {
		return fmt.Errorf("record catalog version: %w", err)
	}
	return nil
}

func reportPending(svc *services) {
	scopes, err := checkpoint.Scopes(svc.kv)
	if err != nil {
		slog.Warn("list checkpoints", "error", err)
	} else if len(scopes) > 0 {
		slog.Info("checkpointed sessions waiting to resume", "count", len(scopes))
	}
	summary, err := svc.recovery.Scan()
	if err != nil {
		slog.Warn("scan emergency backups", "error", err)
		return
	}
	if summary.Pending > 0 {
		slog.Warn("emergency backups waiting for recovery", "pending", summary.Pending, "total", summary.Total)
	}
}
