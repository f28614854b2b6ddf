package cmd

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/raup20/DiscordDeduplicationInformationRetrievalBot/qalinker"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// isolateEnv clears the environment for the duration of the test, and
// restores it (and the --config flag) afterward
func isolateEnv(t testing.TB) {
	t.Helper()
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				_ = os.Setenv(parts[0], parts[1])
			}
			configFile = ""
		},
	)
	os.Clearenv()
}

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	isolateEnv(t)

	tmpdir := t.TempDir()
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

QL_DATABASE=/home/foo/qalinker.sqlite3
QL_DATABASE_TYPE=sqlite
QL_DATABASE_LOG_LEVEL=INFO
QL_DATABASE_SLOW_THRESHOLD=200ms
QL_LOG_LEVEL=INFO
QL_STARTUP_TIMEOUT=30s
QL_SHUTDOWN_TIMEOUT=60s

# Message queue

QL_QUEUE_SIZE=250
QL_QUEUE_MAX_AGE=3m

# Embeddings

QL_EMBEDDER_PROVIDER=openai
QL_EMBEDDER_MODEL=text-embedding-3-large
QL_EMBEDDER_DIMENSION=256
QL_EMBEDDER_TOKEN=your-openai-token
QL_EMBEDDER_MAX_REQUESTS_PER_SECOND=2.5
QL_EMBEDDER_CACHE_SIZE=100
QL_EMBEDDER_LOG_LEVEL=DEBUG

QL_CLASSIFIER_MARGIN=0.1

# History and linking

QL_HISTORY_CAPACITY=1000
QL_HISTORY_MAX_AGE=48h
QL_HISTORY_INDEX_PLANES=32
QL_HISTORY_INDEX_BANDS=4
QL_LINKER_MIN_SCORE=0.6
QL_LINKER_RECENCY_TAU=10m
QL_LINKER_SEARCH_TOP_K=3
QL_LINKER_SEARCH_MIN_SIMILARITY=0.8

# Discord bot config

QL_DISCORD_TOKEN=your-discord-bot-token
QL_DISCORD_APPLICATION_ID=your-discord-bot-app-id
QL_DISCORD_GUILD_ID=
QL_DISCORD_LOG_LEVEL=WARN
QL_DISCORD_DISCORDGO_LOG_LEVEL=ERROR
QL_DISCORD_STARTUP_MESSAGE="I'm here!"
QL_DISCORD_GATEWAY_INTENTS=37377
QL_DISCORD_ALLOWED_CHANNELS=111 222
QL_DISCORD_ANNOUNCE_LINKS=true

# API server

QL_API_LISTEN=127.0.0.1:5050
QL_API_LOG_LEVEL=DEBUG
QL_API_DEVELOPMENT=true
QL_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5050 https://localhost:5050
QL_API_CORS_ALLOW_METHODS=GET OPTIONS
QL_API_CORS_MAX_AGE=1h
QL_API_READ_TIMEOUT=7s
`

	err := os.WriteFile(envFile, []byte(envContent), 0644)
	require.NoError(t, err)

	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/qalinker.sqlite3", viper.GetString("database"))
	assert.Equal(t, "INFO", viper.GetString("database_log_level"))
	assert.Equal(t, "DEBUG", viper.GetString("embedder.log_level"))
	assert.Equal(t, "ERROR", viper.GetString("discord.discordgo_log_level"))
	assert.Equal(t, []string{"111", "222"}, viper.GetStringSlice("discord.allowed_channels"))

	assert.Equal(t, "/home/foo/qalinker.sqlite3", cfg.Database)
	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assert.Equal(t, slog.LevelInfo, cfg.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, cfg.DatabaseSlowThreshold)
	assert.Equal(t, 30*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 60*time.Second, cfg.ShutdownTimeout)

	assert.Equal(t, 250, cfg.Queue.Size)
	assert.Equal(t, 3*time.Minute, cfg.Queue.MaxAge)

	assert.Equal(t, "openai", cfg.Embedder.Provider)
	assert.Equal(t, "text-embedding-3-large", cfg.Embedder.Model)
	assert.Equal(t, 256, cfg.Embedder.Dimension)
	assert.Equal(t, "your-openai-token", cfg.Embedder.Token)
	assert.InDelta(t, 2.5, cfg.Embedder.MaxRequestsPerSecond, 1e-9)
	assert.Equal(t, 100, cfg.Embedder.CacheSize)
	assert.Equal(t, slog.LevelDebug, cfg.Embedder.LogLevel.Level())

	assert.InDelta(t, 0.1, cfg.Classifier.Margin, 1e-9)
	assert.Equal(t, qalinker.DefaultClassifierPrototypeTop, cfg.Classifier.PrototypeTopK)

	assert.Equal(t, 1000, cfg.History.Capacity)
	assert.Equal(t, 48*time.Hour, cfg.History.MaxAge)
	assert.Equal(t, 32, cfg.History.IndexPlanes)
	assert.Equal(t, 4, cfg.History.IndexBands)
	assert.Equal(t, uint64(qalinker.DefaultIndexSeed), cfg.History.IndexSeed)

	assert.InDelta(t, 0.6, cfg.Linker.MinScore, 1e-9)
	assert.Equal(t, 10*time.Minute, cfg.Linker.RecencyTau)
	assert.Equal(t, 3, cfg.Linker.SearchTopK)
	assert.InDelta(t, 0.8, cfg.Linker.SearchMinSimilarity, 1e-9)
	assert.InDelta(t, qalinker.DefaultLinkSimilarityWeight, cfg.Linker.SimilarityWeight, 1e-9)

	assert.Equal(t, "your-discord-bot-token", cfg.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", cfg.Discord.ApplicationID)
	assert.Equal(t, "", cfg.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, cfg.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelError, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "I'm here!", cfg.Discord.StartupMessage)
	assert.Equal(t, discordgo.Intent(37377), cfg.Discord.GatewayIntents)
	assert.Equal(t, []string{"111", "222"}, cfg.Discord.AllowedChannels)
	assert.True(t, cfg.Discord.AnnounceLinks)
	assert.False(t, cfg.Discord.RegisterCommands)

	assert.Equal(t, "127.0.0.1:5050", cfg.API.Listen)
	assert.True(t, cfg.API.Enabled)
	assert.True(t, cfg.API.Development)
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5050", "https://localhost:5050"},
		cfg.API.CORS.AllowOrigins,
	)
	assert.Equal(t, []string{"GET", "OPTIONS"}, cfg.API.CORS.AllowMethods)
	assert.Equal(t, time.Hour, cfg.API.CORS.MaxAge)
	assert.Equal(t, 7*time.Second, cfg.API.ReadTimeout)
	assert.Equal(t, qalinker.DefaultWriteTimeout, cfg.API.WriteTimeout)
}

func TestEnvPrefix(t *testing.T) {
	isolateEnv(t)
	t.Cleanup(func() { viper.SetEnvPrefix(qalinker.DefaultEnvPrefix) })

	t.Setenv(qalinker.EnvvarSetEnvPrefix, "FOO")
	t.Setenv("FOO_DATABASE_TYPE", "postgres")
	t.Setenv("FOO_DATABASE", "host=localhost dbname=qalinker")

	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "postgres", cfg.DatabaseType)
	assert.Equal(t, "host=localhost dbname=qalinker", cfg.Database)
}

func TestLevelToStringHookFunc(t *testing.T) {
	hook := LevelToStringHookFunc()
	levelVarType := reflect.TypeOf(&slog.LevelVar{})

	v, err := hook(reflect.TypeOf(""), levelVarType, "warn")
	require.NoError(t, err)
	assertLogLevel(t, slog.LevelWarn, v)

	_, err = hook(reflect.TypeOf(""), levelVarType, "loud")
	assert.Error(t, err)

	// other types pass through
	v, err = hook(reflect.TypeOf(""), reflect.TypeOf(""), "warn")
	require.NoError(t, err)
	assert.Equal(t, "warn", v)
}
