package cmd

import (
	"context"
	"fmt"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/raup20/DiscordDeduplicationInformationRetrievalBot/qalinker"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = qalinker.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "qalinker [flags]",
	Short: "Links answers to questions in discord channels, and finds similar questions",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := unmarshalConfig(cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

// unmarshalConfig decodes the current viper settings into c
func unmarshalConfig(c *qalinker.Config) error {
	return viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(" "),
				LevelToStringHookFunc(),
			),
		),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names (DEBUG, INFO, WARN, ERROR)
// into *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load env file %q: %v", configFile, err)
		}
	}

	viper.SetDefault("database", qalinker.DefaultDatabase)
	viper.SetDefault("database_type", qalinker.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		qalinker.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		qalinker.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("log_level", qalinker.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", qalinker.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", qalinker.DefaultShutdownTimeout)

	viper.SetDefault("queue.size", qalinker.DefaultQueueSize)
	viper.SetDefault("queue.max_age", qalinker.DefaultQueueMaxAge)

	// Embedder config
	viper.SetDefault("embedder.provider", qalinker.DefaultEmbedderProvider)
	viper.SetDefault("embedder.model", qalinker.DefaultEmbedderModel)
	viper.SetDefault("embedder.dimension", qalinker.DefaultEmbedderDimension)
	viper.SetDefault("embedder.token", "")
	viper.SetDefault("embedder.base_url", "")
	viper.SetDefault(
		"embedder.max_requests_per_second",
		qalinker.DefaultEmbedderMaxRequestsPerSecond,
	)
	viper.SetDefault("embedder.cache_size", qalinker.DefaultEmbedderCacheSize)
	viper.SetDefault(
		"embedder.log_level",
		qalinker.DefaultEmbedderLogLevel.String(),
	)

	viper.SetDefault("classifier.margin", qalinker.DefaultClassifierMargin)
	viper.SetDefault(
		"classifier.prototype_top_k",
		qalinker.DefaultClassifierPrototypeTop,
	)

	// History and question index
	viper.SetDefault("history.capacity", qalinker.DefaultHistoryCapacity)
	viper.SetDefault("history.max_age", qalinker.DefaultHistoryMaxAge)
	viper.SetDefault("history.index_planes", qalinker.DefaultIndexPlanes)
	viper.SetDefault("history.index_bands", qalinker.DefaultIndexBands)
	viper.SetDefault("history.index_seed", qalinker.DefaultIndexSeed)
	viper.SetDefault(
		"history.scan_threshold",
		qalinker.DefaultHistoryScanThreshold,
	)

	// Linking and search thresholds
	viper.SetDefault(
		"linker.similarity_weight",
		qalinker.DefaultLinkSimilarityWeight,
	)
	viper.SetDefault("linker.recency_weight", qalinker.DefaultLinkRecencyWeight)
	viper.SetDefault("linker.recency_tau", qalinker.DefaultLinkRecencyTau)
	viper.SetDefault("linker.min_score", qalinker.DefaultLinkMinScore)
	viper.SetDefault("linker.min_similarity", qalinker.DefaultLinkMinSimilarity)
	viper.SetDefault(
		"linker.recent_questions",
		qalinker.DefaultLinkRecentQuestions,
	)
	viper.SetDefault("linker.search_top_k", qalinker.DefaultSearchTopK)
	viper.SetDefault(
		"linker.search_min_similarity",
		qalinker.DefaultSearchMinSimilarity,
	)
	viper.SetDefault(
		"linker.answer_max_length",
		qalinker.DefaultAnswerMaxLength,
	)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		qalinker.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		qalinker.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		int(qalinker.DefaultDiscordGatewayIntent),
	)
	viper.SetDefault(
		"discord.startup_message",
		qalinker.DefaultDiscordStartupMessage,
	)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.custom_status", qalinker.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.allowed_channels", []string{})
	viper.SetDefault("discord.announce_links", false)
	viper.SetDefault("discord.register_commands", false)

	// API config
	viper.SetDefault("api.enabled", qalinker.DefaultAPIEnabled)
	viper.SetDefault("api.listen", qalinker.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", qalinker.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)
	viper.SetDefault("api.read_timeout", qalinker.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		qalinker.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", qalinker.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", qalinker.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", qalinker.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", qalinker.DefaultCORSAllowMethods)
	viper.SetDefault(
		"api.cors.expose_headers",
		qalinker.DefaultCORSExposeHeaders,
	)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", qalinker.DefaultAPICORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", false)

	envPrefix := os.Getenv(qalinker.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = qalinker.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Level names and space-separated lists are converted by the decode
	// hooks in unmarshalConfig
	for _, key := range []string{
		"log_level",
		"database_log_level",
		"embedder.log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"api.log_level",
	} {
		if _, err := levelStringToLevelVar(viper.GetString(key)); err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load settings from (default .env)",
	)
}
