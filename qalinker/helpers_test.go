package qalinker

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"
)

const testEmbeddingDimension = 512

// DefaultTestConfig returns a config using the hash embedder and a
// temporary sqlite database, with quiet loggers.
func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	tmpdir := t.TempDir()
	cfg := DefaultConfig()

	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(
		tmpdir,
		fmt.Sprintf("%s.sqlite3", strings.ReplaceAll(t.Name(), "/", "_")),
	)
	cfg.StartupTimeout = 10 * time.Second
	cfg.ShutdownTimeout = 10 * time.Second
	cfg.Embedder.Provider = embedderProviderHash
	cfg.Embedder.Dimension = testEmbeddingDimension
	cfg.Discord.Token = "test-discord-token"
	cfg.Discord.ApplicationID = "1000000000000000001"
	cfg.Discord.CustomStatus = ""
	cfg.API.Listen = "127.0.0.1:0"
	cfg.API.Development = true
	cfg.API.CORS.AllowOrigins = []string{"*"}

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.DatabaseLogLevel.Set(logLevel)
	cfg.Embedder.LogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)
	return cfg
}

// newTestQALinker returns an initialized QALinker with a mocked discord
// session. Run isn't called.
func newTestQALinker(t testing.TB, cfg *Config) (*QALinker, *mockDiscordSession) {
	t.Helper()
	gin.DefaultWriter = io.Discard

	if cfg == nil {
		cfg = DefaultTestConfig(t)
	}
	bot, err := New(cfg)
	require.NoError(t, err)

	session := newMockDiscordSession()
	bot.discord.session = session
	setLoggers(t, bot)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)
	require.NoError(t, bot.initRun(ctx))
	t.Cleanup(func() { bot.closeDB(context.Background()) })
	return bot, session
}

// setLoggers adds the test name to the bot's loggers
func setLoggers(t testing.TB, bot *QALinker) {
	t.Helper()

	originalDefault := slog.Default()
	slog.SetDefault(originalDefault.With("test", t.Name()))
	t.Cleanup(
		func() {
			slog.SetDefault(originalDefault)
		},
	)

	bot.logger = bot.logger.With("test", t.Name())
	bot.discord.logger = bot.discord.logger.With("test", t.Name())
	if bot.api != nil {
		bot.api.logger = bot.api.logger.With("test", t.Name())
	}
	bot.queue.logger = bot.queue.logger.With("test", t.Name())

	handler := tint.NewHandler(
		os.Stdout, &tint.Options{
			Level:     bot.config.DatabaseLogLevel,
			AddSource: true,
		},
	).WithAttrs([]slog.Attr{slog.String("test", t.Name())})
	discordgo.Logger = discordgoLoggerFunc(context.Background(), handler)
}

// testMessage builds an incoming message in channel "c1", sent at ts
func testMessage(id, content string, ts time.Time) IncomingMessage {
	return IncomingMessage{
		MessageID:  id,
		ChannelID:  "c1",
		GuildID:    "g1",
		AuthorID:   "u-" + id,
		AuthorName: "user " + id,
		Content:    content,
		Timestamp:  ts,
	}
}

type sentReply struct {
	ChannelID string
	Content   string
	Reference *discordgo.MessageReference
}

// mockDiscordSession is a mock implementation of the DiscordSessionHandler
// interface. Messages and interaction responses are recorded, so tests can
// check what would've been sent.
type mockDiscordSession struct {
	logger *slog.Logger

	mu           sync.Mutex
	opened       bool
	closed       bool
	identify     discordgo.Identify
	handlers     []any
	messages     []sentReply
	replies      []sentReply
	responses    []*discordgo.InteractionResponse
	edits        []string
	commands     []*discordgo.ApplicationCommand
	customStatus string

	// replySent receives a value whenever a reply is sent
	replySent chan sentReply
}

func newMockDiscordSession() *mockDiscordSession {
	logLevel := &slog.LevelVar{}
	logLevel.Set(slog.LevelWarn)
	return &mockDiscordSession{
		logger: slog.New(
			tint.NewHandler(
				os.Stdout, &tint.Options{
					Level:     logLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord_session_handler"),
		replySent: make(chan sentReply, 100),
	}
}

func (d *mockDiscordSession) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = true
	d.logger.Info("opened session")
	return nil
}

func (d *mockDiscordSession) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.logger.Info("closed session")
	return nil
}

func (d *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, sentReply{ChannelID: channelID, Content: message})
	return &discordgo.Message{ChannelID: channelID, Content: message}, nil
}

func (d *mockDiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	reply := sentReply{ChannelID: channelID, Content: content, Reference: reference}
	d.mu.Lock()
	d.replies = append(d.replies, reply)
	d.mu.Unlock()
	d.replySent <- reply
	return &discordgo.Message{
		ID:               "reply-" + reference.MessageID,
		ChannelID:        channelID,
		Content:          content,
		MessageReference: reference,
	}, nil
}

func (d *mockDiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	created := make([]*discordgo.ApplicationCommand, 0, len(commands))
	for i, c := range commands {
		cmd := *c
		cmd.ID = fmt.Sprintf("cmd-%d", i)
		cmd.ApplicationID = appID
		created = append(created, &cmd)
	}
	d.commands = created
	return created, nil
}

func (d *mockDiscordSession) UpdateCustomStatus(status string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.customStatus = status
	return nil
}

func (d *mockDiscordSession) AddHandler(handler any) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, handler)
	return func() {}
}

func (d *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responses = append(d.responses, resp)
	return nil
}

func (d *mockDiscordSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var content string
	if newresp.Content != nil {
		content = *newresp.Content
	}
	d.edits = append(d.edits, content)
	return &discordgo.Message{Content: content}, nil
}

func (d *mockDiscordSession) SetIdentify(i discordgo.Identify) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.identify = i
}

func (d *mockDiscordSession) SetLogLevel(_ slog.Level) error {
	return nil
}

func (d *mockDiscordSession) SetHTTPClient(_ *http.Client) {}

func (d *mockDiscordSession) Replies() []sentReply {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]sentReply, len(d.replies))
	copy(out, d.replies)
	return out
}

func TestShortenString(t *testing.T) {
	t.Parallel()
	short := "hello"
	assert.Equal(t, short, shortenString(short, 10))

	doubled := "a\n\nb"
	assert.Equal(t, "a\nb", shortenString(doubled, 3))

	long := strings.Repeat("x", 3000)
	shortened := shortenString(long, discordMaxMessageLength)
	assert.Equal(t, discordMaxMessageLength, utf8.RuneCountInString(shortened))
	assert.True(t, strings.HasSuffix(shortened, "**(output limit reached)**"))
}

func TestEllipsize(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abc", ellipsize("  abc  ", 5))
	assert.Equal(t, "abcde…", ellipsize("abcdefgh", 5))
	assert.Equal(t, "héllo…", ellipsize("héllo wörld", 5))
	assert.Equal(t, "unbounded", ellipsize("unbounded", 0))
}

func TestQuoteBlock(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "> one\n> two", quoteBlock("one\ntwo\n"))
}

func TestStructToSlogValueRedacts(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Discord.Token = "super-secret"

	value := structToSlogValue(cfg)
	require.Equal(t, slog.KindGroup, value.Kind())
	rendered := value.String()
	assert.NotContains(t, rendered, "super-secret")
	assert.Contains(t, rendered, "[redacted]")
}

func TestContextLogger(t *testing.T) {
	t.Parallel()
	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	logger := slog.Default().With("k", "v")
	ctx := WithLogger(context.Background(), logger)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)
}
