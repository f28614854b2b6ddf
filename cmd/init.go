package cmd

import (
	"errors"
	"fmt"
	"github.com/raup20/DiscordDeduplicationInformationRetrievalBot/qalinker"
	"github.com/spf13/cobra"
	"time"
)

var initPrune bool

type storedModelCount struct {
	EmbeddingModel string
	Count          int64
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or migrate the database, and report stored messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			return errors.New("QL_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			return errors.New(
				"QL_DATABASE not set (must be a valid database connection " +
					"string or sqlite file path)",
			)
		}

		db, err := qalinker.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		defer func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		}()

		out := cmd.OutOrStdout()

		if initPrune && cfg.History.MaxAge > 0 {
			journal := qalinker.NewRecordJournal(db, "", nil)
			pruned, pruneErr := journal.Prune(
				ctx,
				time.Now().Add(-cfg.History.MaxAge),
			)
			if pruneErr != nil {
				return pruneErr
			}
			fmt.Fprintf(out, "Pruned %d messages older than %s\n", pruned, cfg.History.MaxAge)
		}

		var counts []storedModelCount
		if err = db.WithContext(ctx).Model(&qalinker.StoredMessage{}).Select(
			"embedding_model, count(*) as count",
		).Group("embedding_model").Order("embedding_model").Scan(&counts).Error; err != nil {
			return fmt.Errorf("error counting stored messages: %w", err)
		}
		if len(counts) == 0 {
			fmt.Fprintln(out, "No stored messages.")
		}
		for _, c := range counts {
			fmt.Fprintf(out, "Stored messages (%s): %d\n", c.EmbeddingModel, c.Count)
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(
		&initPrune,
		"prune",
		false,
		"Delete stored messages older than the history max age",
	)
	rootCmd.AddCommand(initCmd)
}
