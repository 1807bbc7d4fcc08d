package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/developingchet/api-sentinel/internal/block"
	"github.com/developingchet/api-sentinel/internal/config"
	"github.com/developingchet/api-sentinel/internal/logger"
	"github.com/developingchet/api-sentinel/internal/ratelimit"
	"github.com/developingchet/api-sentinel/internal/rules"
	"github.com/developingchet/api-sentinel/internal/security"
	"github.com/developingchet/api-sentinel/internal/server"
	"github.com/developingchet/api-sentinel/internal/store"
	"github.com/developingchet/api-sentinel/internal/threat"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

// maxRuleWindow is how far back the janitor keeps sliding window entries.
// Rule windows longer than this would undercount.
const maxRuleWindow = 24 * time.Hour

func main() {
	root := &cobra.Command{
		Use:   "sentinel",
		Short: "API security gateway: rate limiting, threat detection, IP blocking",
	}

	root.AddCommand(
		runCmd(),
		healthcheckCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the gateway daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := buildLogger(cfg)
	log.Info().Str("version", Version).Str("store", cfg.StoreBackend).Msg("api-sentinel starting")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st := openStore(ctx, cfg, log)
	defer st.Close()

	reg, err := rules.NewRegistry(tiersFromConfig(cfg))
	if err != nil {
		return fmt.Errorf("build rule registry: %w", err)
	}

	blk, err := block.New(st, cfg.IPWhitelist, cfg.IPBlacklist, log)
	if err != nil {
		return fmt.Errorf("build block registry: %w", err)
	}

	thresholds, err := thresholdsFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("parse thresholds: %w", err)
	}
	detector := threat.NewDetector(st, thresholds, log)

	sink, err := threat.NewSink(threat.SinkConfig{
		Workers:    cfg.SinkWorkers,
		QueueDepth: cfg.SinkQueueDepth,
	}, st, log)
	if err != nil {
		return fmt.Errorf("build event sink: %w", err)
	}

	manager := security.NewManager(st, reg, ratelimit.New(st, log), detector, blk, sink,
		server.FeaturesFromList(cfg.EnabledFeatures), log)

	janitor := security.NewJanitor(st, sink, cfg.JanitorInterval, maxRuleWindow, cfg.EventRetention, log)

	return server.New(cfg, st, manager, sink, janitor, log).Run(ctx)
}

// openStore selects the configured backend. An unreachable Redis degrades to
// the in-process store so the gate keeps making decisions; the instances just
// stop sharing state until Redis returns and the process restarts.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) store.Store {
	switch cfg.StoreBackend {
	case "redis":
		st, err := store.NewRedisStore(ctx, store.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).
				Msg("redis unavailable, falling back to in-memory store")
			return store.NewMemoryStore()
		}
		return st
	case "bbolt":
		st, err := store.NewBboltStore(cfg.DataDir)
		if err != nil {
			log.Warn().Err(err).Str("data_dir", cfg.DataDir).
				Msg("bbolt unavailable, falling back to in-memory store")
			return store.NewMemoryStore()
		}
		return st
	default:
		return store.NewMemoryStore()
	}
}

// tiersFromConfig builds the three built-in rule tiers.
func tiersFromConfig(cfg *config.Config) rules.Tiers {
	return rules.Tiers{
		Default: rules.Rule{
			Name:                 "default",
			RequestsPerWindow:    cfg.DefaultRequestsPerWindow,
			WindowSeconds:        cfg.DefaultWindowSeconds,
			BlockDurationSeconds: cfg.DefaultBlockDuration,
			Scope:                rules.ScopeIP,
			Algorithm:            rules.SlidingWindow,
		},
		Authenticated: rules.Rule{
			Name:                 "authenticated",
			RequestsPerWindow:    cfg.AuthRequestsPerWindow,
			WindowSeconds:        cfg.AuthWindowSeconds,
			BlockDurationSeconds: cfg.AuthBlockDuration,
			Scope:                rules.ScopeUser,
			Algorithm:            rules.SlidingWindow,
		},
		Admin: rules.Rule{
			Name:                 "admin",
			RequestsPerWindow:    cfg.AdminRequestsPerWindow,
			WindowSeconds:        cfg.AdminWindowSeconds,
			BlockDurationSeconds: cfg.AdminBlockDuration,
			Scope:                rules.ScopeUser,
			Algorithm:            rules.SlidingWindow,
		},
	}
}

// thresholdsFromConfig converts configured overrides; nil selects defaults.
func thresholdsFromConfig(cfg *config.Config) (map[threat.Type]float64, error) {
	parsed, err := cfg.ParseThresholds()
	if err != nil {
		return nil, err
	}
	if len(parsed) == 0 {
		return nil, nil
	}
	thresholds := threat.DefaultThresholds()
	for name, v := range parsed {
		thresholds[threat.Type(name)] = v
	}
	return thresholds, nil
}

// healthcheckCmd exits 0 if the health endpoint answers.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			resp, err := http.Get("http://" + cfg.HealthAddr + "/healthz") //nolint:noctx
			if err != nil {
				fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
				os.Exit(1)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				fmt.Fprintf(os.Stderr, "healthcheck returned %d\n", resp.StatusCode)
				os.Exit(1)
			}
			fmt.Println("healthy")
			return nil
		},
	}
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("api-sentinel %s\n", Version)
		},
	}
}

// buildLogger constructs a zerolog.Logger based on config.
func buildLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var base zerolog.Logger
	if cfg.LogFormat == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(cw).Level(level).With().Timestamp().Logger()
	} else {
		redactWriter := logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(redactWriter).Level(level).With().Timestamp().Logger()
	}
	return base
}
