package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/Gravitate-Health/lens-selector-git/internal/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Load configuration the same way the server does (.env files, then the
environment) and print the result. Values set from the environment are
marked with (env).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return printConfig(cmd.OutOrStdout(), cfg)
	},
}

func printConfig(out io.Writer, cfg *config.Config) error {
	fmt.Fprintln(out, "Lens Selector Configuration")
	fmt.Fprintln(out, "===========================")

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	row := func(label, field string, value interface{}) {
		marker := ""
		if cfg.EnvOverrides[field] {
			marker = " (env)"
		}
		fmt.Fprintf(tw, "%s:\t%v%s\n", label, value, marker)
	}

	metricsAddr := cfg.MetricsAddr()
	if metricsAddr == "" {
		metricsAddr = "disabled"
	}
	historyPath := cfg.HistoryPath()
	if historyPath == "" {
		historyPath = "disabled"
	}
	origins := cfg.AllowedOrigins
	if origins == "" {
		origins = "none"
	}

	row("Repository", "repoURL", cfg.RepoURL)
	row("Branch", "branch", cfg.Branch)
	row("Lens path", "lensPath", displayPath(cfg.LensPath))
	row("Ignore patterns", "ignorePatterns", strings.Join(cfg.IgnorePatterns, ", "))
	row("Work directory", "workDir", cfg.WorkDir)
	row("Git binary", "gitBinary", cfg.GitBinary)
	row("Fetches per minute", "fetchesPerMinute", cfg.FetchesPerMinute)
	row("Cache TTL", "cacheTTL", cfg.CacheTTL)
	row("Refresh interval", "refreshInterval", cfg.RefreshInterval)
	row("Listen address", "port", cfg.ListenAddr())
	row("Metrics address", "metricsPort", metricsAddr)
	row("Allowed origins", "allowedOrigins", origins)
	row("API rate limit", "rateLimitPerMinute", cfg.RateLimitPerMinute)
	row("History database", "historyDBPath", historyPath)
	row("History retention", "historyRetention", cfg.HistoryRetention)
	row("Log level", "logLevel", cfg.LogLevel)
	row("Log format", "logFormat", cfg.LogFormat)
	row("Config file", "", cfg.EnvPath())

	return tw.Flush()
}

func displayPath(p string) string {
	if p == "" {
		return "(repository root)"
	}
	return p
}
