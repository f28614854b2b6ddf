package cmd

import (
	"bytes"
	"context"
	"github.com/raup20/DiscordDeduplicationInformationRetrievalBot/qalinker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// captureOutput redirects rootCmd's output to a buffer for the test
func captureOutput(t testing.TB) *bytes.Buffer {
	t.Helper()
	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	return &out
}

func TestInitCommand(t *testing.T) {
	isolateEnv(t)
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	t.Setenv("QL_DATABASE_TYPE", "sqlite")
	t.Setenv("QL_DATABASE", dbPath)

	out := captureOutput(t)
	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())

	_, err := os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")

	output := out.String()
	assert.Contains(t, output, "No stored messages.")
	assert.Contains(t, output, "Initialization complete")

	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	mg := db.Migrator()
	assert.True(t, mg.HasTable(&qalinker.StoredMessage{}))
	assert.True(t, mg.HasTable(&qalinker.EmbeddingCacheEntry{}))
}

func TestInitCommandPrune(t *testing.T) {
	isolateEnv(t)
	t.Cleanup(func() { initPrune = false })
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := qalinker.CreateDB(ctx, "sqlite", dbPath)
	require.NoError(t, err)
	journal := qalinker.NewRecordJournal(db, "hash-xxh64-512", nil)
	now := time.Now()
	require.NoError(
		t,
		journal.Save(
			ctx,
			qalinker.MessageRecord{
				MessageID: "old",
				ChannelID: "c1",
				Text:      "How do I install numpy?",
				Timestamp: now.Add(-72 * time.Hour),
				Vector:    []float32{1, 0},
				Intent:    qalinker.IntentQuestion,
			},
			qalinker.MessageRecord{
				MessageID: "new",
				ChannelID: "c1",
				Text:      "How do I install pandas?",
				Timestamp: now.Add(-time.Hour),
				Vector:    []float32{0, 1},
				Intent:    qalinker.IntentQuestion,
			},
		),
	)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	t.Setenv("QL_DATABASE_TYPE", "sqlite")
	t.Setenv("QL_DATABASE", dbPath)
	t.Setenv("QL_HISTORY_MAX_AGE", "24h")

	out := captureOutput(t)
	rootCmd.SetArgs([]string{"init", "--prune"})
	require.NoError(t, rootCmd.Execute())

	output := out.String()
	assert.Contains(t, output, "Pruned 1 messages older than 24h0m0s")
	assert.Contains(t, output, "Stored messages (hash-xxh64-512): 1")
}

func TestInitCommandMissingDatabase(t *testing.T) {
	isolateEnv(t)
	captureOutput(t)

	rootCmd.SetArgs([]string{"init"})
	assert.ErrorContains(t, rootCmd.Execute(), "QL_DATABASE not set")
}
