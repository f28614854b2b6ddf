package qalinker

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	DiscordSlashCommandSimilar = "similar"

	// similarCommandQueryOption is the option name used for the search
	// text of the similar command
	similarCommandQueryOption = "query"
	similarCommandMaxLength   = 1000

	discordMessageURLFormat = "https://discord.com/channels/%s/%s/%s"
	noSimilarQuestions      = "No similar questions found."
)

// Discord manages the discord session, and turns gateway events into
// messages for the pipeline.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metrics                     *Metrics
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()

	// botUserID is the bot's own user ID, set when the gateway
	// sends Ready
	botUserID   string
	botUserIDMu sync.RWMutex
}

func newDiscord(config *DiscordConfig, metrics *Metrics, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		config:                      config,
		metrics:                     metrics,
		logger:                      logger,
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	// events are handled in order, one at a time
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// appCommandSimilar creates the ApplicationCommand for the "similar"
// command, used to search previously asked questions.
func (*Discord) appCommandSimilar() *discordgo.ApplicationCommand {
	minLength := 1
	dmPerm := false

	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
	}
	integrationTypes := []discordgo.ApplicationIntegrationType{
		discordgo.ApplicationIntegrationGuildInstall,
	}

	return &discordgo.ApplicationCommand{
		Name:             DiscordSlashCommandSimilar,
		Description:      "Search for previously asked questions",
		DMPermission:     &dmPerm,
		Type:             discordgo.ChatApplicationCommand,
		Contexts:         &contexts,
		IntegrationTypes: &integrationTypes,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        similarCommandQueryOption,
				Description: "What do you want to ask?",
				Required:    true,
				MinLength:   &minLength,
				MaxLength:   similarCommandMaxLength,
			},
		},
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandSimilar(),
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	if len(created) == 0 {
		d.logger.Warn("no commands created")
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name, "id", c.ID)
	}
	return created, nil
}

// channelMessageSend sends the given message to the given discord channel ID
func (d *Discord) channelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) error {
	_, err := d.session.ChannelMessageSend(channelID, message, opts...)
	return err
}

func (d *Discord) BotUserID() string {
	d.botUserIDMu.RLock()
	defer d.botUserIDMu.RUnlock()
	return d.botUserID
}

func (d *Discord) setBotUserID(id string) {
	d.botUserIDMu.Lock()
	defer d.botUserIDMu.Unlock()
	d.botUserID = id
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		var userID, username string
		if r.User != nil {
			userID = r.User.ID
			username = r.User.Username
			d.setBotUserID(userID)
		}
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			slog.Group("user", "id", userID, "username", username),
			"guilds", len(r.Guilds),
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.connected.Store(true)
		if d.metrics != nil {
			d.metrics.discordConnects.Inc()
		}
		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("Connected", "session_id", sessionID)

		if d.config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			d.logger.Info("sending notification")
			if sendErr := d.channelMessageSend(
				d.config.NotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); sendErr != nil {
				d.logger.Error("unable to send startup message", tint.Err(sendErr))
			} else {
				d.logger.Info("sent notification")
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		if d.metrics != nil {
			d.metrics.discordDisconnects.Inc()
		}
		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("disconnected", "session_id", sessionID)
	}
}

// channelAllowed reports whether messages in the channel should be read
func (d *Discord) channelAllowed(channelID string) bool {
	if len(d.config.AllowedChannels) == 0 {
		return true
	}
	return slices.Contains(d.config.AllowedChannels, channelID)
}

// ignoreReason returns a reason the message should be ignored, or an
// empty string if it should be processed.
func (d *Discord) ignoreReason(m *discordgo.Message) string {
	if m == nil {
		return "empty message"
	}
	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	switch {
	case user == nil:
		return "no author"
	case user.Bot:
		return "author is a bot"
	case user.ID == d.BotUserID() || (d.config.ApplicationID != "" && user.ID == d.config.ApplicationID):
		return "own message"
	case strings.TrimSpace(m.Content) == "":
		return "no content"
	case !d.channelAllowed(m.ChannelID):
		return "channel not allowed"
	}
	return ""
}

// incomingMessage converts a discord message for the pipeline
func incomingMessage(m *discordgo.Message) IncomingMessage {
	msg := IncomingMessage{
		MessageID: m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	user := m.Author
	if user == nil && m.Member != nil {
		user = m.Member.User
	}
	if user != nil {
		msg.AuthorID = user.ID
		msg.AuthorName = user.Username
		if user.GlobalName != "" {
			msg.AuthorName = user.GlobalName
		}
	}
	// Forwards and crossposts also carry a message reference, but aren't
	// replies to it
	if m.Type != discordgo.MessageTypeReply {
		return msg
	}
	if m.MessageReference != nil {
		msg.ReplyToID = m.MessageReference.MessageID
	} else if m.ReferencedMessage != nil {
		msg.ReplyToID = m.ReferencedMessage.ID
	}
	return msg
}

// discordMessageURL returns a link to the given message. Messages outside
// a guild use '@me' in place of the guild ID.
func discordMessageURL(guildID, channelID, messageID string) string {
	if guildID == "" {
		guildID = "@me"
	}
	return fmt.Sprintf(discordMessageURLFormat, guildID, channelID, messageID)
}

// formatSuggestion builds the reply sent when a new question resembles
// one asked before. matches are most similar first. The best answer is
// taken from the first match that has one, which may not be the top match.
func formatSuggestion(matches []SimilarQuestion) string {
	if len(matches) == 0 {
		return ""
	}
	top := matches[0]
	var b strings.Builder
	fmt.Fprintf(
		&b,
		"Similar question asked before: **%s** (similarity %.2f)\n%s",
		ellipsize(top.Question.Text, 300),
		top.Similarity,
		discordMessageURL(
			top.Question.GuildID,
			top.Question.ChannelID,
			top.Question.MessageID,
		),
	)
	for i, m := range matches {
		if m.BestAnswer == "" {
			continue
		}
		if i == 0 {
			fmt.Fprintf(&b, "\nBest answer:\n%s", quoteBlock(m.BestAnswer))
		} else {
			fmt.Fprintf(
				&b,
				"\nBest answer, to **%s** (similarity %.2f)\n%s\n%s",
				ellipsize(m.Question.Text, 300),
				m.Similarity,
				discordMessageURL(m.Question.GuildID, m.Question.ChannelID, m.Question.MessageID),
				quoteBlock(m.BestAnswer),
			)
		}
		break
	}
	return shortenString(b.String(), discordMaxMessageLength)
}

// formatSimilarResults builds the response to the similar command
func formatSimilarResults(matches []SimilarQuestion) string {
	if len(matches) == 0 {
		return noSimilarQuestions
	}
	var b strings.Builder
	for i, m := range matches {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(
			&b,
			"**%d.** %s (similarity %.2f)\n%s",
			i+1,
			ellipsize(m.Question.Text, 200),
			m.Similarity,
			discordMessageURL(m.Question.GuildID, m.Question.ChannelID, m.Question.MessageID),
		)
		if m.BestAnswer != "" {
			fmt.Fprintf(&b, "\n%s", quoteBlock(ellipsize(m.BestAnswer, 300)))
		}
	}
	return shortenString(b.String(), discordMaxMessageLength)
}

// formatLinkAnnouncement builds the reply sent when an answer is linked
// to a question
func formatLinkAnnouncement(question MessageRecord, link LinkResult) string {
	method := fmt.Sprintf("score %.2f", link.Score)
	if link.ByReply {
		method = "reply"
	}
	return shortenString(
		fmt.Sprintf(
			"Linked as an answer to: **%s** (%s)\n%s",
			ellipsize(question.Text, 300),
			method,
			discordMessageURL(question.GuildID, question.ChannelID, question.MessageID),
		),
		discordMaxMessageLength,
	)
}

// DiscordSessionHandler defines the interface for handling Discord sessions.
// This is basically defines methods from `discordgo.Session` which are
// used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelMessageSend sends a message to a specified channel.
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendReply sends a message to the given channel, as a
	// reply to the referenced message
	ChannelMessageSendReply(
		channelID string,
		content string,
		reference *discordgo.MessageReference,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ApplicationCommandBulkOverwrite overwrites Discord application commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	// If empty, sets the bot user to active and removes any existing
	// custom status.
	UpdateCustomStatus(status string) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendReply(
	channelID string,
	content string,
	reference *discordgo.MessageReference,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendReply(
		channelID, content, reference, options...,
	)
	if err != nil {
		d.logger.Error(
			"error sending message reply",
			tint.Err(err),
			"channel_id", channelID,
			"reference", reference.MessageID,
		)
	} else {
		d.logger.Info(
			"sent message reply",
			"channel_id", channelID,
			"reference", reference.MessageID,
			"message_id", msg.ID,
		)
	}
	return msg, err
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}
