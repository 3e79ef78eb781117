package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gravitate-Health/lens-selector-git/internal/api"
	"github.com/Gravitate-Health/lens-selector-git/internal/cache"
	"github.com/Gravitate-Health/lens-selector-git/internal/config"
	"github.com/Gravitate-Health/lens-selector-git/internal/lens"
	"github.com/Gravitate-Health/lens-selector-git/internal/logging"
	"github.com/Gravitate-Health/lens-selector-git/internal/metrics"
	"github.com/Gravitate-Health/lens-selector-git/internal/repository"
	"github.com/Gravitate-Health/lens-selector-git/internal/service"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const shutdownTimeout = 30 * time.Second

var rootCmd = &cobra.Command{
	Use:   "lens-selector",
	Short: "Lens selector - serves validated lenses from a git repository",
	Long: `lens-selector discovers FHIR Library lens documents in a git repository,
validates them against the lens profile, fills in missing payloads from
companion enhancer scripts and serves the result over HTTP.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(configCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "lens-selector %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionInfo() api.VersionInfo {
	info := api.VersionInfo{Version: Version}
	if GitCommit != "unknown" {
		info.Commit = GitCommit
	}
	if BuildTime != "unknown" {
		info.BuildDate = BuildTime
	}
	return info
}

func runServer() {
	// Baseline logger for early startup messages
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "lens-selector",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "lens-selector",
	})

	log.Info().
		Str("version", Version).
		Str("repository", cfg.Coordinates().String()).
		Msg("Starting lens selector")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if addr := cfg.MetricsAddr(); addr != "" {
		startMetricsServer(ctx, addr)
	}

	fetcher := repository.NewFetcher(repository.Options{
		WorkDir:          cfg.WorkDir,
		GitBinary:        cfg.GitBinary,
		FetchesPerMinute: cfg.FetchesPerMinute,
	})
	lensCache := cache.NewTTL[[]lens.DiscoveredLens]("lenses", cfg.CacheTTL)
	discoverer := lens.NewDiscoverer(lens.NewScanner(cfg.IgnorePatterns...))
	lensService := service.NewLensService(fetcher, discoverer, lensCache)

	refresher := service.NewRefresher(lensService, cfg.CurrentCoordinates, cfg.RefreshInterval)
	router := api.NewRouter(cfg, lensService, refresher, versionInfo())
	defer router.Close()

	if history := openHistoryStore(cfg); history != nil {
		defer history.Close()
		refresher.SetRecorder(history)
		router.SetHistory(history)
	}

	refresher.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           api.ErrorHandler(router),
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      3 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	// Runtime settings changed; cached lenses may belong to stale coordinates.
	reload := func() {
		config.Mu.RLock()
		ttl := cfg.CacheTTL
		config.Mu.RUnlock()

		lensCache.SetTTL(ttl)
		lensService.Invalidate()
		refresher.ForceRefresh()
	}

	configWatcher, err := config.NewConfigWatcher(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher, .env changes will require restart")
	} else {
		configWatcher.SetReloadCallback(func(changes []string) {
			log.Info().Strs("changes", changes).Msg("Configuration changed, reloading lenses")
			reload()
		})
		if err := configWatcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		}
		defer configWatcher.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Str("addr", srv.Addr).
			Str("protocol", "HTTP").
			Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	sigChan := make(chan os.Signal, 1)
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	signal.Notify(reloadChan, syscall.SIGHUP)
	defer signal.Stop(sigChan)
	defer signal.Stop(reloadChan)

	running := true
	for running {
		select {
		case <-reloadChan:
			log.Info().Msg("Received SIGHUP, reloading configuration and lenses")
			if configWatcher != nil {
				configWatcher.ReloadConfig()
			}
			reload()

		case <-sigChan:
			log.Info().Msg("Shutting down server...")
			running = false

		case <-gctx.Done():
			running = false
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	refresher.Stop()

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server stopped with error")
		return
	}
	log.Info().Msg("Server stopped")
}

// openHistoryStore returns nil when history is disabled or cannot be opened;
// the server runs without it in either case.
func openHistoryStore(cfg *config.Config) *metrics.Store {
	path := cfg.HistoryPath()
	if path == "" {
		log.Info().Msg("Refresh history disabled")
		return nil
	}

	storeCfg := metrics.DefaultStoreConfig(cfg.WorkDir)
	storeCfg.DBPath = path
	storeCfg.Retention = cfg.HistoryRetention

	store, err := metrics.NewStore(storeCfg)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to open refresh history store, continuing without it")
		return nil
	}
	return store
}
