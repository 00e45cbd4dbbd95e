// Command imagectl runs pipeline stages against local files: ground truth
// analysis, parameter validation, result verification and history
// maintenance. It never calls the planner.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/niganuga/flow-editor-sub001/internal/catalog"
	"github.com/niganuga/flow-editor-sub001/internal/groundtruth"
	"github.com/niganuga/flow-editor-sub001/internal/history"
	"github.com/niganuga/flow-editor-sub001/internal/model"
	"github.com/niganuga/flow-editor-sub001/internal/observability"
	"github.com/niganuga/flow-editor-sub001/internal/pixel"
	"github.com/niganuga/flow-editor-sub001/internal/validation"
	"github.com/niganuga/flow-editor-sub001/internal/verification"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type globals struct {
	logLevel    string
	catalogFile string
}

func (g *globals) logger() zerolog.Logger {
	observability.InitLoggerTo(os.Stderr, g.logLevel, true)
	return observability.GetLogger()
}

func (g *globals) catalog() (*catalog.Catalog, error) {
	cat := catalog.Default()
	if g.catalogFile != "" {
		if err := cat.LoadFile(g.catalogFile); err != nil {
			return nil, err
		}
	}
	return cat, nil
}

func rootCmd() *cobra.Command {
	g := &globals{}
	cmd := &cobra.Command{
		Use:          "imagectl",
		Short:        "Inspect images and edit history offline",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&g.catalogFile, "catalog", "", "Extra tool contracts (YAML)")

	cmd.AddCommand(
		analyzeCmd(g),
		toolsCmd(g),
		validateCmd(g),
		verifyCmd(g),
		historyCmd(g),
	)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func analyzeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <image>",
		Short: "Measure an image and print its ground truth",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			analysis, _, err := extract(cmd.Context(), g, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), analysis)
		},
	}
}

func toolsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the tool contracts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := g.catalog()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), cat.Specs())
		},
	}
}

func validateCmd(g *globals) *cobra.Command {
	var (
		toolName   string
		params     string
		historyDir string
		similarK   int
	)
	cmd := &cobra.Command{
		Use:   "validate <image>",
		Short: "Validate a proposed tool call against an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			proposal := model.ToolCallProposal{ToolName: toolName, Parameters: map[string]any{}}
			if params != "" {
				if err := json.Unmarshal([]byte(params), &proposal.Parameters); err != nil {
					return fmt.Errorf("invalid --params: %w", err)
				}
			}

			analysis, buf, err := extract(ctx, g, args[0])
			if err != nil {
				return err
			}
			cat, err := g.catalog()
			if err != nil {
				return err
			}

			in := validation.Input{Analysis: analysis, Image: buf}
			if historyDir != "" {
				store, err := openHistory(historyDir, g)
				if err != nil {
					return err
				}
				defer store.Close()
				matches, err := store.FindSimilar(ctx, toolName, history.FeatureVector(analysis), similarK)
				if err != nil {
					return err
				}
				in.History = history.Records(matches)
			}

			result, _ := validation.New(cat, nil, g.logger()).Check(ctx, proposal, in)
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&toolName, "tool", "", "Tool name")
	cmd.Flags().StringVar(&params, "params", "", "Parameters as a JSON object")
	cmd.Flags().StringVar(&historyDir, "history-dir", "", "History database used for the historical check")
	cmd.Flags().IntVar(&similarK, "k", 20, "Similar records consulted")
	_ = cmd.MarkFlagRequired("tool")
	return cmd
}

func verifyCmd(g *globals) *cobra.Command {
	var toolName string
	cmd := &cobra.Command{
		Use:   "verify <before> <after>",
		Short: "Check that an edited image matches what the tool promises",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			before, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			after, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			cat, err := g.catalog()
			if err != nil {
				return err
			}
			extractor, err := groundtruth.NewExtractor(groundtruth.DefaultConfig(), g.logger())
			if err != nil {
				return err
			}
			defer extractor.Close()

			v := verification.New(cat, extractor, nil, g.logger())
			return printJSON(cmd.OutOrStdout(), v.ValidateEncoded(cmd.Context(), toolName, before, after))
		},
	}
	cmd.Flags().StringVar(&toolName, "tool", "", "Tool that produced the edit")
	_ = cmd.MarkFlagRequired("tool")
	return cmd
}

func historyCmd(g *globals) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Maintain the edit history database",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "History database directory")
	_ = cmd.MarkPersistentFlagRequired("dir")

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Summarize stored outcomes per tool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(dir, g)
			if err != nil {
				return err
			}
			defer store.Close()
			count, err := store.Count()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"records": count,
				"tools":   store.Stats(),
			})
		},
	})

	var keep int
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete the oldest records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory(dir, g)
			if err != nil {
				return err
			}
			defer store.Close()
			removed, err := store.PruneTo(cmd.Context(), keep)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"removed": removed})
		},
	}
	prune.Flags().IntVar(&keep, "keep", 1000, "Records to keep")
	cmd.AddCommand(prune)
	return cmd
}

// openHistory opens a store without pruning it on open
func openHistory(dir string, g *globals) (*history.BadgerStore, error) {
	return history.OpenBadgerStore(dir, math.MaxInt32, g.logger())
}

func extract(ctx context.Context, g *globals, path string) (*model.ImageAnalysis, *pixel.Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	extractor, err := groundtruth.NewExtractor(groundtruth.DefaultConfig(), g.logger())
	if err != nil {
		return nil, nil, err
	}
	defer extractor.Close()
	return extractor.Extract(ctx, data)
}
