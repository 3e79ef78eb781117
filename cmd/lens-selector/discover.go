package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/Gravitate-Health/lens-selector-git/internal/lens"
	"github.com/Gravitate-Health/lens-selector-git/internal/logging"
	"github.com/spf13/cobra"
)

var (
	discoverIgnore   []string
	discoverContent  bool
	discoverReport   bool
	discoverLogLevel string
)

var discoverCmd = &cobra.Command{
	Use:   "discover <dir>",
	Short: "Discover lenses in a local directory",
	Long: `Walk a local directory, validate every JSON document against the lens
profile and print the accepted lenses as JSON. No repository is fetched.`,
	Example: `  # List lenses in a checkout
  lens-selector discover ./lenses

  # Include documents and per-run counts, skipping drafts
  lens-selector discover ./lenses --content --report --ignore 'drafts/*'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logging.Init(logging.Config{Format: "auto", Level: discoverLogLevel})
		return runDiscover(cmd.Context(), cmd.OutOrStdout(), args[0])
	},
}

func init() {
	discoverCmd.Flags().StringSliceVar(&discoverIgnore, "ignore", nil, "glob patterns (relative to dir) to skip")
	discoverCmd.Flags().BoolVar(&discoverContent, "content", false, "include the full lens documents")
	discoverCmd.Flags().BoolVar(&discoverReport, "report", false, "include discovery counts")
	discoverCmd.Flags().StringVar(&discoverLogLevel, "log-level", "warn", "log level for diagnostics on stderr")
}

type lensSummary struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Version     string            `json:"version"`
	Status      string            `json:"status"`
	SourcePath  string            `json:"sourcePath"`
	Enhancement *lens.Enhancement `json:"enhancement,omitempty"`
	Content     lens.Document     `json:"content,omitempty"`
}

type discoverOutput struct {
	Root   string        `json:"root"`
	Lenses []lensSummary `json:"lenses"`
	Report *lens.Report  `json:"report,omitempty"`
}

func runDiscover(ctx context.Context, out io.Writer, root string) error {
	discoverer := lens.NewDiscoverer(lens.NewScanner(discoverIgnore...))
	lenses, report, err := discoverer.DiscoverWithReport(ctx, root)
	if err != nil {
		return err
	}

	result := discoverOutput{
		Root:   root,
		Lenses: make([]lensSummary, 0, len(lenses)),
	}
	for _, l := range lenses {
		summary := lensSummary{
			ID:          l.ID,
			Name:        l.Name,
			URL:         l.URL,
			Version:     l.Version,
			Status:      l.Status,
			SourcePath:  l.SourcePath,
			Enhancement: l.Enhancement,
		}
		if discoverContent {
			summary.Content = l.Content
		}
		result.Lenses = append(result.Lenses, summary)
	}
	if discoverReport {
		result.Report = report
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encode discovery output: %w", err)
	}
	return nil
}
