// Command entrypoint for the usage-metered companion backend.
//
// Subcommands:
//
//	serve   run the HTTP API (default)
//	export  upload one month's usage report to object storage
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/DJ-Greenwood/bubbas-app-sub001/internal/config"
	"github.com/DJ-Greenwood/bubbas-app-sub001/internal/export"
	"github.com/DJ-Greenwood/bubbas-app-sub001/internal/ledger"
	"github.com/DJ-Greenwood/bubbas-app-sub001/internal/llm"
	"github.com/DJ-Greenwood/bubbas-app-sub001/internal/quota"
	"github.com/DJ-Greenwood/bubbas-app-sub001/internal/server"
	"github.com/DJ-Greenwood/bubbas-app-sub001/internal/usage"
	"github.com/DJ-Greenwood/bubbas-app-sub001/internal/utils"
)

func main() {
	// Local development keys live in .env; absence is fine in production.
	_ = godotenv.Load()

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "export":
		err = runExport(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want serve or export)\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		log.Error().Err(err).Str("command", cmd).Msg("main: exiting with error")
		os.Exit(1)
	}
}

// setupLogging configures the global zerolog logger. JSON by default;
// console format when configured or when stderr is a terminal.
func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.Format == "console" || term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
	} else {
		log.Logger = log.Output(os.Stderr)
	}
}

func loadConfig(args []string, name string) (*config.Config, []string, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, nil, err
	}
	setupLogging(cfg.Logging)
	return cfg, fs.Args(), nil
}

func openStore(cfg *config.Config) (ledger.Store, error) {
	store, err := ledger.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open ledger at %s: %w", cfg.Database.Path, err)
	}
	return store, nil
}

func runServe(args []string) error {
	cfg, _, err := loadConfig(args, "serve")
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var gateOpts []quota.Option
	if cfg.Redis.Enabled {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		gateOpts = append(gateOpts, quota.WithCounter(quota.NewRedisCounter(rdb)))
		log.Info().Str("addr", cfg.Redis.Addr).Msg("main: daily counters on redis")
	}

	svc := usage.NewService(store)
	gate := quota.NewGate(store, gateOpts...)
	client := llm.NewClient(llm.Config{
		Gemini:  llm.Endpoint{APIKey: cfg.Providers.Gemini.APIKey, BaseURL: cfg.Providers.Gemini.BaseURL},
		OpenAI:  llm.Endpoint{APIKey: cfg.Providers.OpenAI.APIKey, BaseURL: cfg.Providers.OpenAI.BaseURL},
		Timeout: cfg.Providers.Timeout.Std(),
	})

	log.Info().
		Str("chat_model", cfg.Providers.ChatModel).
		Str("emotion_model", cfg.Providers.EmotionModel).
		Str("gemini_key", utils.MaskKeyShort(cfg.Providers.Gemini.APIKey)).
		Str("openai_key", utils.MaskKeyShort(cfg.Providers.OpenAI.APIKey)).
		Msg("main: providers configured")

	srv := server.New(cfg, svc, gate, client)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("main: shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

func runExport(args []string) error {
	cfg, rest, err := loadConfig(args, "export")
	if err != nil {
		return err
	}

	month := ledger.MonthKey(time.Now())
	if len(rest) > 0 {
		month = rest[0]
	}
	if _, err := time.Parse("2006-01", month); err != nil {
		return fmt.Errorf("invalid month %q (want YYYY-MM)", month)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	exporter, err := export.NewExporter(ctx, cfg.Export, store)
	if err != nil {
		return err
	}
	key, err := exporter.ExportMonth(ctx, month)
	if err != nil {
		return err
	}
	fmt.Printf("exported %s to s3://%s/%s\n", month, cfg.Export.Bucket, key)
	return nil
}
