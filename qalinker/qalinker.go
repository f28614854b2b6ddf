package qalinker

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/raup20/DiscordDeduplicationInformationRetrievalBot/qalinker.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

const (
	similarCommandErrorMessage = "Sorry, something went wrong searching for similar questions."
	similarCommandBadRequest   = "Please include something to search for."
)

// QALinker is the bot: it reads messages from discord, classifies them,
// points new questions at similar ones asked before, and links answers
// to the questions they answer.
//
// QALinker ties together the discord session, the message queue and its
// worker, the processing Pipeline, the status API and the database.
type QALinker struct {
	config *Config

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// nil when no database is configured
	db *gorm.DB

	embedder   Embedder
	classifier *IntentClassifier
	history    *History
	linker     *Linker
	journal    *RecordJournal
	pipeline   *Pipeline

	// Handles discord integration, sessions
	discord *Discord

	// Provides the status API
	api *API

	// Buffers incoming messages for the queue worker
	queue *MessageQueue

	metrics *Metrics

	// signalReady has a value sent on it when Run finishes starting up:
	// history is loaded, the API is listening and the discord session
	// is open.
	signalReady chan struct{}

	// A signal is sent on this channel when [QALinker.shutdown] finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time

	// interactions currently being handled
	inFlight sync.WaitGroup
}

// New creates a QALinker from the given config. Components that depend
// on the database or embedding service are created when Run is called.
func New(config *Config) (*QALinker, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	setDefaultLevels(config)

	q := &QALinker{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
		metrics:       NewMetrics(),
	}

	q.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     q.config.LogLevel,
			AddSource: true,
		},
	)
	q.logger = slog.New(q.logHandler)
	slog.SetDefault(q.logger)

	if config.Discord == nil {
		errs = append(errs, errors.New("discord config required"))
		return q, errors.Join(errs...)
	}
	config.Discord.httpClient = config.HTTPClient

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)
	q.discord = newDiscord(
		config.Discord,
		q.metrics,
		newComponentLogger("discord", config.Discord.LogLevel),
	)

	if config.Queue != nil {
		q.queue = NewMessageQueue(config.Queue, q.logger, q.metrics)
	} else {
		errs = append(errs, errors.New("queue config required"))
	}

	if config.API != nil {
		api, err := newAPI(q, config.API)
		errs = append(errs, err)
		q.api = api
	}

	return q, errors.Join(errs...)
}

// setDefaultLevels fills in any missing log levels, so loggers can be
// created from them without checking for nil
func setDefaultLevels(config *Config) {
	defaultLevel(&config.LogLevel, DefaultLogLevel)
	defaultLevel(&config.DatabaseLogLevel, DefaultDatabaseLogLevel)
	if config.Embedder != nil {
		defaultLevel(&config.Embedder.LogLevel, DefaultEmbedderLogLevel)
	}
	if config.Discord != nil {
		defaultLevel(&config.Discord.LogLevel, DefaultDiscordLogLevel)
		defaultLevel(&config.Discord.DiscordGoLogLevel, DefaultDiscordgoLogLevel)
	}
	if config.API != nil {
		defaultLevel(&config.API.LogLevel, DefaultAPILogLevel)
	}
}

func defaultLevel(lv **slog.LevelVar, level slog.Level) {
	if *lv != nil {
		return
	}
	*lv = &slog.LevelVar{}
	(*lv).Set(level)
}

func (q *QALinker) ValidateConfig() error {
	return structValidator.Struct(q.config)
}

// RegisterSlashCommands registers the bot's slash commands with discord,
// overwriting any existing commands.
func (q *QALinker) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	if q.discord.session == nil {
		session, err := q.discord.newSession()
		if err != nil {
			return nil, err
		}
		q.discord.session = session
	}
	return q.discord.registerCommands(options...)
}

// Pipeline returns the message pipeline. It's nil until Run has
// finished initializing.
func (q *QALinker) Pipeline() *Pipeline {
	return q.pipeline
}

// Run starts the bot, blocking until ctx is canceled or one of its
// components fails. On startup it:
//   - opens the database, if configured, and restores recent history
//   - loads the embedder and intent classifier
//   - starts the status API
//   - starts the queue worker
//   - connects to the discord gateway
//
// It then waits for ctx to be canceled, and shuts down gracefully,
// allowing up to [Config.ShutdownTimeout].
func (q *QALinker) Run(ctx context.Context) error {
	// prevents concurrent runs
	q.runMu.Lock()
	defer q.runMu.Unlock()

	q.startedAt = time.Now()
	logger := q.logger

	if err := q.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", q.config))
	if q.signalReady == nil {
		q.signalReady = make(chan struct{}, 1)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, q.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- q.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out: %w", startCtx.Err())
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			q.closeDB(ctx)
			return err
		}
		logger.InfoContext(ctx, "init complete", "elapsed", time.Since(q.startedAt))
	}

	g, gctx := errgroup.WithContext(ctx)

	if q.config.API.Enabled {
		g.Go(
			func() error {
				httpErr := q.api.Serve(gctx)
				if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
					logger.ErrorContext(gctx, "error serving api HTTP", tint.Err(httpErr))
					return fmt.Errorf("error serving api: %w", httpErr)
				}
				return nil
			},
		)
	}

	g.Go(
		func() error {
			q.watchQueue(gctx)
			return nil
		},
	)

	if err := q.initDiscordSession(gctx); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		cancel()
		return errors.Join(err, q.shutdown(ctx, g))
	}

	if err := q.discordInit(gctx, logger); err != nil {
		cancel()
		return errors.Join(err, q.shutdown(ctx, g))
	}

	q.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context, generally
	// an interrupt, or a component failing
	<-gctx.Done()

	return q.shutdown(ctx, g)
}

// initRun creates the components that need I/O to set up: the database,
// the embedder (and the classifier's prototype embeddings), and history
// restored from the database.
func (q *QALinker) initRun(ctx context.Context) error {
	if q.pipeline != nil {
		return nil
	}

	var cache *EmbeddingCache
	if q.config.Database != "" {
		if q.db == nil {
			q.logger.Debug("initializing DB...")
			gormLogger := newGORMLogger(
				tint.NewHandler(
					defaultLogWriter,
					&tint.Options{Level: q.config.DatabaseLogLevel, AddSource: true},
				),
				q.config.DatabaseSlowThreshold,
			)
			db, err := createDB(ctx, q.config.DatabaseType, q.config.Database, gormLogger)
			if err != nil {
				return fmt.Errorf("error initializing database: %w", err)
			}
			q.db = db
		}
		cache = NewEmbeddingCache(q.db)
	} else {
		q.logger.Warn("no database configured, history won't persist across restarts")
	}

	if q.embedder == nil {
		embedder, err := NewEmbedder(
			q.config.Embedder,
			q.config.HTTPClient,
			cache,
			newComponentLogger("embedder", q.config.Embedder.LogLevel),
		)
		if err != nil {
			return fmt.Errorf("error creating embedder: %w", err)
		}
		q.embedder = embedder
	}
	q.logger.InfoContext(
		ctx,
		"embedder ready",
		"model", q.embedder.ModelInfo(),
		"dimension", q.embedder.Dimension(),
	)

	classifier, err := NewIntentClassifier(ctx, q.embedder, q.config.Classifier, q.logger)
	if err != nil {
		return fmt.Errorf("error creating classifier: %w", err)
	}
	q.classifier = classifier

	history, err := NewHistory(q.config.History, q.embedder.Dimension())
	if err != nil {
		return fmt.Errorf("error creating history: %w", err)
	}
	q.history = history

	if q.db != nil {
		q.journal = NewRecordJournal(q.db, q.embedder.ModelInfo(), q.logger)
		if err = q.restoreHistory(ctx); err != nil {
			return err
		}
	}

	q.linker = NewLinker(q.config.Linker, q.history, q.logger)
	q.pipeline = NewPipeline(
		q.embedder,
		q.classifier,
		q.history,
		q.linker,
		q.journal,
		q.metrics,
		q.logger,
	)
	q.metrics.registerGauges(q.history, q.queue, q.discord)
	return nil
}

// restoreHistory prunes journaled records older than the history max age,
// then loads the rest into history
func (q *QALinker) restoreHistory(ctx context.Context) error {
	var since time.Time
	if maxAge := q.config.History.MaxAge; maxAge > 0 {
		since = time.Now().Add(-maxAge)
		if _, err := q.journal.Prune(ctx, since); err != nil {
			return err
		}
	}
	records, err := q.journal.Load(ctx, since, q.config.History.Capacity)
	if err != nil {
		return err
	}
	restored, err := q.history.Restore(records)
	if err != nil {
		return fmt.Errorf("error restoring history: %w", err)
	}
	q.logger.InfoContext(
		ctx,
		"restored history",
		"loaded", len(records),
		"restored", restored,
		"stats", q.history.Stats(),
	)
	return nil
}

// initDiscordSession creates the discord session, if one hasn't been set,
// and adds the gateway event handlers.
func (q *QALinker) initDiscordSession(ctx context.Context) error {
	logger := q.logger.With(loggerNameKey, "discord_session")

	if q.discord.session == nil {
		disc, discErr := q.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		q.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	if len(q.discord.discordgoRemoveHandlerFuncs) > 0 {
		for _, h := range q.discord.discordgoRemoveHandlerFuncs {
			h()
		}
	}

	identify := discordgo.Identify{Intents: q.config.Discord.GatewayIntents}
	if q.config.Discord.CustomStatus != "" {
		identify.Presence = discordgo.GatewayStatusUpdate{
			Status: string(discordgo.StatusOnline),
		}
	}
	q.discord.session.SetIdentify(identify)

	q.discord.discordgoRemoveHandlerFuncs = []func(){
		q.discord.session.AddHandler(q.discord.handlerConnect()),
		q.discord.session.AddHandler(q.discord.handlerDisconnect()),
		q.discord.session.AddHandler(q.discord.handlerReady()),
		q.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				q.inFlight.Add(1)
				go func() {
					defer q.inFlight.Done()
					q.handleInteraction(ctx, i)
				}()
			},
		),
		q.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				m *discordgo.MessageCreate,
			) {
				q.enqueueMessage(ctx, m)
			},
		),
	}
	return nil
}

// discordInit opens the discord websocket connection, sets the bot's
// custom status and registers commands, if configured
func (q *QALinker) discordInit(ctx context.Context, logger *slog.Logger) error {
	logger.InfoContext(ctx, "connecting to discord")
	if err := q.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if status := q.config.Discord.CustomStatus; status != "" {
		q.inFlight.Add(1)
		go func() {
			defer q.inFlight.Done()
			if statusErr := q.discord.session.UpdateCustomStatus(status); statusErr != nil {
				logger.Error("error updating discord status", tint.Err(statusErr))
			}
		}()
	}

	if q.config.Discord.RegisterCommands {
		if _, err := q.discord.registerCommands(discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("error registering commands: %w", err)
		}
	}
	return nil
}

// enqueueMessage filters messages from the gateway, and queues the
// rest for the queue worker
func (q *QALinker) enqueueMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil {
		return
	}
	if reason := q.discord.ignoreReason(m.Message); reason != "" {
		q.discord.logger.DebugContext(
			ctx,
			"ignoring message",
			"message_id", m.ID,
			"channel_id", m.ChannelID,
			"reason", reason,
		)
		return
	}
	// Push logs and counts rejected messages
	_ = q.queue.Push(ctx, incomingMessage(m.Message))
}

// watchQueue processes queued messages, one at a time, until ctx is
// canceled.
func (q *QALinker) watchQueue(ctx context.Context) {
	logger := q.logger.With(loggerNameKey, "queue_worker")
	logger.InfoContext(ctx, "watching queue")
	for {
		msg, err := q.queue.Pop(ctx)
		if err != nil {
			logger.InfoContext(ctx, "queue worker stopping", tint.Err(err))
			return
		}
		q.handleMessage(ctx, msg)
	}
}

// handleMessage runs the message through the pipeline, and replies in
// discord with any similar prior question, or (if enabled) the
// question an answer was linked to.
func (q *QALinker) handleMessage(ctx context.Context, msg IncomingMessage) {
	logger := q.logger.With("message", msg)
	ctx = WithLogger(ctx, logger)
	defer func() {
		if rc := recover(); rc != nil {
			q.handleRecover(ctx, rc)
		}
	}()

	outcome, err := q.pipeline.Process(ctx, msg)
	if err != nil || outcome.Duplicate {
		return
	}

	var reply string
	switch {
	case len(outcome.Suggestions) > 0:
		reply = formatSuggestion(outcome.Suggestions)
	case outcome.Link != nil && q.config.Discord.AnnounceLinks:
		question, ok := q.history.Get(outcome.Link.QuestionID)
		if !ok {
			return
		}
		reply = formatLinkAnnouncement(question, *outcome.Link)
	default:
		return
	}

	if q.discord.session == nil {
		logger.WarnContext(ctx, "no discord session, not replying")
		return
	}
	_, err = q.discord.session.ChannelMessageSendReply(
		msg.ChannelID,
		reply,
		&discordgo.MessageReference{
			MessageID: msg.MessageID,
			ChannelID: msg.ChannelID,
			GuildID:   msg.GuildID,
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		logger.ErrorContext(ctx, "error replying to message", tint.Err(err))
	}
}

// handleInteraction responds to slash commands. The response is deferred
// (and only visible to the user), then edited with the results.
func (q *QALinker) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	if i == nil || i.Interaction == nil {
		return
	}
	logger := q.logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)
	defer func() {
		if rc := recover(); rc != nil {
			q.handleRecover(ctx, rc)
		}
	}()

	if i.Type != discordgo.InteractionApplicationCommand {
		logger.DebugContext(ctx, "ignoring interaction")
		return
	}
	data := i.ApplicationCommandData()
	if data.Name != DiscordSlashCommandSimilar {
		logger.WarnContext(ctx, "unknown command", "command", data.Name)
		return
	}

	if err := q.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Flags: discordgo.MessageFlagsEphemeral,
			},
		},
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		return
	}

	content := q.similarCommandResponse(ctx, logger, i)
	if _, err := q.discord.session.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{Content: &content},
		discordgo.WithContext(ctx),
	); err != nil {
		logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	}
}

func (q *QALinker) similarCommandResponse(
	ctx context.Context,
	logger *slog.Logger,
	i *discordgo.InteractionCreate,
) string {
	opt, ok := discordInteractionOptions(i)[similarCommandQueryOption]
	if !ok {
		return similarCommandBadRequest
	}
	query := opt.StringValue()
	matches, err := q.pipeline.Similar(ctx, query)
	switch {
	case errors.Is(err, ErrEmptyText):
		return similarCommandBadRequest
	case err != nil:
		logger.ErrorContext(ctx, "error searching similar questions", tint.Err(err))
		return similarCommandErrorMessage
	}
	logger.InfoContext(ctx, "similar command", "query", truncate(query, 80), "results", len(matches))
	return formatSimilarResults(matches)
}

// shutdown stops the discord session and API, then waits for the queue
// worker and in-flight interactions to finish, up to
// [Config.ShutdownTimeout].
func (q *QALinker) shutdown(ctx context.Context, g *errgroup.Group) error {
	q.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if q.eventShutdown != nil {
			go func() {
				q.eventShutdown <- struct{}{}
			}()
		}
	}()

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(q.config.ShutdownTimeout)
	q.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", q.config.ShutdownTimeout,
		"shutdown_deadline", shutdownDeadline,
	)
	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	var errs []error
	for _, h := range q.discord.discordgoRemoveHandlerFuncs {
		h()
	}
	q.discord.discordgoRemoveHandlerFuncs = nil
	if q.discord.session != nil {
		if err := q.discord.session.Close(); err != nil {
			q.logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
		}
	}

	if q.api != nil && q.api.httpServer != nil {
		if err := q.api.httpServer.Shutdown(closeCtx); err != nil {
			q.logger.WarnContext(ctx, "error shutting down api, closing", tint.Err(err))
			_ = q.api.httpServer.Close()
		}
	}

	done := make(chan error, 1)
	go func() {
		err := g.Wait()
		q.inFlight.Wait()
		done <- err
	}()

	select {
	case <-closeCtx.Done():
		errs = append(errs, fmt.Errorf("shutdown timed out: %w", closeCtx.Err()))
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}

	if q.queue != nil {
		if remaining := q.queue.Len(); remaining > 0 {
			q.queue.Clear()
			q.logger.WarnContext(ctx, "purged message queue", "count", remaining)
		}
	}
	q.closeDB(ctx)

	q.logger.InfoContext(ctx, "shutdown complete", "elapsed", time.Since(shutdownStart))
	return errors.Join(errs...)
}

func (q *QALinker) closeDB(ctx context.Context) {
	if q.db == nil {
		return
	}
	sqlDB, err := q.db.DB()
	if err != nil {
		q.logger.ErrorContext(ctx, "error getting database connection", tint.Err(err))
		return
	}
	if err = sqlDB.Close(); err != nil {
		q.logger.ErrorContext(ctx, "error closing database", tint.Err(err))
	}
}

func (*QALinker) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	if nerr, ok := rc.(error); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(nerr),
			"stack_trace", stackTrace,
		)
		return
	}
	if nerr, ok := rc.(string); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(nerr)),
			"stack_trace", stackTrace,
		)
		return
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		"panic_arg", rc,
		"stack_trace", stackTrace,
	)
}
