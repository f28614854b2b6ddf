package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/raup20/DiscordDeduplicationInformationRetrievalBot/qalinker"
	"github.com/spf13/cobra"
	"log/slog"
	"os"
)

var (
	evalDataset       string
	evalProvider      string
	evalMinSimilarity float64
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate --dataset <file> [flags]",
	Short: "Measure question retrieval against a dataset of question/answer pairs",
	Long: `Reads a JSON array of {"question", "answer", "query"} objects, indexes
every question with its answer, then searches for each question (or its
query, when set). Precision, recall and F1 are printed as JSON.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if evalDataset == "" {
			return errors.New("--dataset is required")
		}

		f, err := os.Open(evalDataset)
		if err != nil {
			return fmt.Errorf("error opening dataset: %w", err)
		}
		defer f.Close()

		pairs, err := qalinker.LoadEvaluationPairs(f)
		if err != nil {
			return err
		}

		embedderConfig := *cfg.Embedder
		if evalProvider != "" {
			embedderConfig.Provider = evalProvider
		}
		logger := slog.New(
			tint.NewHandler(
				cmd.ErrOrStderr(),
				&tint.Options{Level: cfg.LogLevel},
			),
		)
		embedder, err := qalinker.NewEmbedder(
			&embedderConfig,
			cfg.HTTPClient,
			nil,
			logger,
		)
		if err != nil {
			return err
		}

		minSim := cfg.Linker.SearchMinSimilarity
		if cmd.Flags().Changed("min-similarity") {
			minSim = evalMinSimilarity
		}
		logger.InfoContext(
			ctx,
			"evaluating",
			"pairs", len(pairs),
			"model", embedder.ModelInfo(),
			"min_similarity", minSim,
		)

		result, err := qalinker.Evaluate(ctx, embedder, pairs, minSim, logger)
		if err != nil {
			return err
		}
		logger.InfoContext(ctx, "evaluation complete", "result", result)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	evaluateCmd.Flags().StringVar(
		&evalDataset,
		"dataset",
		"",
		"JSON file of question/answer pairs",
	)
	evaluateCmd.Flags().StringVar(
		&evalProvider,
		"provider",
		"",
		"Embedding provider to evaluate (hash, openai). Defaults to QL_EMBEDDER_PROVIDER",
	)
	evaluateCmd.Flags().Float64Var(
		&evalMinSimilarity,
		"min-similarity",
		qalinker.DefaultSearchMinSimilarity,
		"Minimum similarity for a search match",
	)
	rootCmd.AddCommand(evaluateCmd)
}
