package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-voicerag/pkg/gateway/search"
)

func newRootCmd(deps appDeps, stdout, stderr io.Writer) *cobra.Command {
	var debug bool

	root := &cobra.Command{
		Use:           "voicerag",
		Short:         "Realtime voice gateway grounded in an Azure AI Search index",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.SetOut(stdout)
	root.SetErr(stderr)

	newLogger := func() *slog.Logger {
		level := slog.LevelInfo
		if debug {
			level = slog.LevelDebug
		}
		return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the gateway until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), newLogger(), deps)
		},
	})
	root.AddCommand(newSearchCmd(deps, stdout, newLogger))
	return root
}

func newSearchCmd(deps appDeps, stdout io.Writer, newLogger func() *slog.Logger) *cobra.Command {
	var (
		topK   int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Query the knowledge base once and print the ranked passages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := deps.loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.RequireSearch(); err != nil {
				return err
			}
			searcher, err := deps.newSearcher(cmd.Context(), cfg, newLogger(), nil)
			if err != nil {
				return err
			}
			if topK <= 0 {
				topK = cfg.Search.TopK
			}

			results, err := searcher.Search(cmd.Context(), strings.Join(args, " "), topK)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			return printResults(stdout, results)
		},
	}
	cmd.Flags().IntVar(&topK, "top", 0, "number of passages to return (default from VOICERAG_SEARCH_TOP_K)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

func printResults(w io.Writer, results []search.Result) error {
	if len(results) == 0 {
		_, err := fmt.Fprintln(w, "no results")
		return err
	}
	for _, r := range results {
		title := r.Title
		if title == "" {
			title = "(untitled)"
		}
		if _, err := fmt.Fprintf(w, "%d. [%s] %s\n%s\n\n", r.Rank, r.ID, title, strings.TrimSpace(r.Content)); err != nil {
			return err
		}
	}
	return nil
}
