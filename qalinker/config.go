//nolint:lll // struct tags can't be split
package qalinker

import (
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	openai "github.com/sashabaranov/go-openai"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix    = "QALINKER_ENV_PREFIX"
	DefaultEnvPrefix      = "QL"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = ""
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout = 30 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	DefaultDiscordLogLevel       = slog.LevelInfo
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultDiscordStartupMessage = "I'm here!"
	DefaultDiscordCustomStatus   = "/similar to search old questions"
	discordMaxMessageLength      = 2000

	DefaultEmbedderProvider             = embedderProviderHash
	DefaultEmbedderModel                = string(openai.SmallEmbedding3)
	DefaultEmbedderDimension            = 512
	DefaultEmbedderMaxRequestsPerSecond = 5.0
	DefaultEmbedderCacheSize            = 4096
	DefaultEmbedderLogLevel             = slog.LevelInfo

	DefaultHistoryCapacity      = 5000
	DefaultHistoryMaxAge        = 7 * 24 * time.Hour
	DefaultIndexPlanes          = 64
	DefaultIndexBands           = 8
	DefaultIndexSeed            = 42
	DefaultHistoryScanThreshold = 200

	DefaultLinkSimilarityWeight   = 0.7
	DefaultLinkRecencyWeight      = 0.3
	DefaultLinkRecencyTau         = 300 * time.Second
	DefaultLinkMinScore           = 0.55
	DefaultLinkMinSimilarity      = 0.25
	DefaultLinkRecentQuestions    = 30
	DefaultSearchTopK             = 5
	DefaultSearchMinSimilarity    = 0.75
	DefaultAnswerMaxLength        = 800
	DefaultClassifierMargin       = 0.08
	DefaultClassifierPrototypeTop = 3

	DefaultQueueSize   = 100
	DefaultQueueMaxAge = 2 * time.Minute

	DefaultAPIListen      = "127.0.0.1:5000"
	DefaultAPILogLevel    = slog.LevelInfo
	defaultListenNetwork  = "tcp"
	DefaultAPICORSMaxAge  = 12 * time.Hour
	DefaultAPIEnabled     = true
	DefaultAPIResultLimit = 50

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn
)

const (
	embedderProviderHash   = "hash"
	embedderProviderOpenAI = "openai"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
)

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	return v
}

type Config struct {
	// Database connection string, or sqlite file path. When empty, message
	// history only lives in memory for the lifetime of the process.
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long the bot has to load history and
	// connect before startup is aborted.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"gte=0"`

	// ShutdownTimeout is the time to allow for a graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout" binding:"gte=0"`

	Queue      *QueueConfig      `yaml:"queue" mapstructure:"queue" json:"queue" binding:"required"`
	Embedder   *EmbedderConfig   `yaml:"embedder" mapstructure:"embedder" json:"embedder" binding:"required"`
	Classifier *ClassifierConfig `yaml:"classifier" mapstructure:"classifier" json:"classifier" binding:"required"`
	History    *HistoryConfig    `yaml:"history" mapstructure:"history" json:"history" binding:"required"`
	Linker     *LinkerConfig     `yaml:"linker" mapstructure:"linker" json:"linker" binding:"required"`
	Discord    *DiscordConfig    `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`
	API        *APIConfig        `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	HTTPClient *http.Client `log:"[redacted]" json:"-"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// QueueConfig configures the buffer between the Discord event handler and
// the single worker that processes messages.
type QueueConfig struct {
	// Maximum queue size. 0=unlimited
	Size int `yaml:"size" mapstructure:"size" json:"size" binding:"gte=0"`

	// Messages older than this when they reach the front of the queue are
	// discarded. 0=unlimited
	MaxAge time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age" binding:"gte=0"`
}

// EmbedderConfig selects and configures the embedding service.
type EmbedderConfig struct {
	// Provider is 'hash' (local, deterministic feature hashing) or 'openai'
	Provider string `yaml:"provider" mapstructure:"provider" json:"provider" binding:"oneof=hash openai"`

	// Model name, when using the 'openai' provider
	Model string `yaml:"model" mapstructure:"model" json:"model"`

	// Dimension of the vectors produced by the 'hash' provider. For
	// 'openai', this is sent as the requested dimension when non-zero.
	Dimension int `yaml:"dimension" mapstructure:"dimension" json:"dimension" binding:"gte=0"`

	// OpenAI API token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required_if=Provider openai"`

	// BaseURL overrides the OpenAI API base URL (for compatible servers)
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`

	// MaxRequestsPerSecond throttles embedding API calls
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"gte=0"`

	// CacheSize is the number of embeddings kept in memory. 0=disabled
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" json:"cache_size" binding:"gte=0"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// ClassifierConfig tunes intent classification.
type ClassifierConfig struct {
	// Margin is the minimum score gap between the top two labels. Anything
	// closer is labeled 'other'.
	Margin float64 `yaml:"margin" mapstructure:"margin" json:"margin" binding:"gte=0"`

	// PrototypeTopK is the number of best prototype similarities averaged
	// into each label's score.
	PrototypeTopK int `yaml:"prototype_top_k" mapstructure:"prototype_top_k" json:"prototype_top_k" binding:"gte=1"`
}

// HistoryConfig bounds the in-memory message history.
type HistoryConfig struct {
	// Capacity is the maximum number of records kept. 0=unlimited
	Capacity int `yaml:"capacity" mapstructure:"capacity" json:"capacity" binding:"gte=0"`

	// MaxAge evicts records older than this. 0=unlimited
	MaxAge time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age" binding:"gte=0"`

	// IndexPlanes is the number of random hyperplanes in the question index
	IndexPlanes int `yaml:"index_planes" mapstructure:"index_planes" json:"index_planes" binding:"gte=1"`

	// IndexBands splits the planes into buckets. Must evenly divide IndexPlanes.
	IndexBands int `yaml:"index_bands" mapstructure:"index_bands" json:"index_bands" binding:"gte=1"`

	// IndexSeed seeds the hyperplanes, so signatures are stable across restarts
	IndexSeed uint64 `yaml:"index_seed" mapstructure:"index_seed" json:"index_seed"`

	// ScanThreshold is the question count at or below which searches skip
	// the index and compare against every question.
	ScanThreshold int `yaml:"scan_threshold" mapstructure:"scan_threshold" json:"scan_threshold" binding:"gte=0"`
}

// LinkerConfig holds the thresholds and weights used to link answers to
// questions and to find similar questions.
type LinkerConfig struct {
	SimilarityWeight float64 `yaml:"similarity_weight" mapstructure:"similarity_weight" json:"similarity_weight" binding:"gte=0,lte=1"`
	RecencyWeight    float64 `yaml:"recency_weight" mapstructure:"recency_weight" json:"recency_weight" binding:"gte=0,lte=1"`

	// RecencyTau is the time constant of the recency decay
	RecencyTau time.Duration `yaml:"recency_tau" mapstructure:"recency_tau" json:"recency_tau" binding:"gt=0"`

	// MinScore is the minimum combined score for an answer to be linked
	MinScore float64 `yaml:"min_score" mapstructure:"min_score" json:"min_score"`

	// MinSimilarity is the minimum cosine similarity for a question to be
	// considered as a link candidate at all
	MinSimilarity float64 `yaml:"min_similarity" mapstructure:"min_similarity" json:"min_similarity"`

	// RecentQuestions is how many of a channel's latest questions are
	// considered when linking an answer
	RecentQuestions int `yaml:"recent_questions" mapstructure:"recent_questions" json:"recent_questions" binding:"gte=1"`

	// SearchTopK limits the number of similar questions returned
	SearchTopK int `yaml:"search_top_k" mapstructure:"search_top_k" json:"search_top_k" binding:"gte=1"`

	// SearchMinSimilarity is the minimum cosine similarity for a prior
	// question to be considered similar
	SearchMinSimilarity float64 `yaml:"search_min_similarity" mapstructure:"search_min_similarity" json:"search_min_similarity"`

	// AnswerMaxLength truncates best answers when they're surfaced
	AnswerMaxLength int `yaml:"answer_max_length" mapstructure:"answer_max_length" json:"answer_max_length" binding:"gte=1"`
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If NotificationChannelID is set, StartupMessage is sent to it
	// whenever the bot connects to the gateway.
	StartupMessage        string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// CustomStatus is shown as the bot's presence. Empty to leave unset.
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Discord gateway intents. Message content is a privileged intent, and
	// must be enabled in the developer portal.
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// AllowedChannels limits the channels the bot reads. Empty for all.
	AllowedChannels []string `yaml:"allowed_channels" mapstructure:"allowed_channels" json:"allowed_channels"`

	// AnnounceLinks, when true, replies to answers with the question they
	// were linked to.
	AnnounceLinks bool `yaml:"announce_links" mapstructure:"announce_links" json:"announce_links"`

	// RegisterCommands overwrites the bot's slash commands on startup.
	// Requires ApplicationID.
	RegisterCommands bool `yaml:"register_commands" mapstructure:"register_commands" json:"register_commands" binding:"excluded_without=ApplicationID"`

	httpClient *http.Client
}

// APIConfig configures the status API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`

	// If true, gin's recovery middleware is skipped, and CORS allows any
	// origin when none are configured.
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:  []string{},
		AllowMethods:  defaultMethods,
		AllowHeaders:  defaultHeaders,
		ExposeHeaders: defaultExpose,
		MaxAge:        DefaultAPICORSMaxAge,
	}
}

// DefaultLinkerConfig returns the linker thresholds used when none are configured
func DefaultLinkerConfig() *LinkerConfig {
	return &LinkerConfig{
		SimilarityWeight:    DefaultLinkSimilarityWeight,
		RecencyWeight:       DefaultLinkRecencyWeight,
		RecencyTau:          DefaultLinkRecencyTau,
		MinScore:            DefaultLinkMinScore,
		MinSimilarity:       DefaultLinkMinSimilarity,
		RecentQuestions:     DefaultLinkRecentQuestions,
		SearchTopK:          DefaultSearchTopK,
		SearchMinSimilarity: DefaultSearchMinSimilarity,
		AnswerMaxLength:     DefaultAnswerMaxLength,
	}
}

// DefaultHistoryConfig returns the default history bounds and index shape
func DefaultHistoryConfig() *HistoryConfig {
	return &HistoryConfig{
		Capacity:      DefaultHistoryCapacity,
		MaxAge:        DefaultHistoryMaxAge,
		IndexPlanes:   DefaultIndexPlanes,
		IndexBands:    DefaultIndexBands,
		IndexSeed:     DefaultIndexSeed,
		ScanThreshold: DefaultHistoryScanThreshold,
	}
}

// DefaultClassifierConfig returns the default classifier tuning
func DefaultClassifierConfig() *ClassifierConfig {
	return &ClassifierConfig{
		Margin:        DefaultClassifierMargin,
		PrototypeTopK: DefaultClassifierPrototypeTop,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	embedderLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	embedderLogLevel.Set(DefaultEmbedderLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Queue: &QueueConfig{
			Size:   DefaultQueueSize,
			MaxAge: DefaultQueueMaxAge,
		},
		Embedder: &EmbedderConfig{
			Provider:             DefaultEmbedderProvider,
			Model:                DefaultEmbedderModel,
			Dimension:            DefaultEmbedderDimension,
			MaxRequestsPerSecond: DefaultEmbedderMaxRequestsPerSecond,
			CacheSize:            DefaultEmbedderCacheSize,
			LogLevel:             embedderLogLevel,
		},
		Classifier: DefaultClassifierConfig(),
		History:    DefaultHistoryConfig(),
		Linker:     DefaultLinkerConfig(),
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
			CustomStatus:      DefaultDiscordCustomStatus,
			AllowedChannels:   []string{},
		},
		API: &APIConfig{
			Enabled:           DefaultAPIEnabled,
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
