package qalinker

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// IncomingMessage is a chat message to be processed, independent of
// the chat platform it came from
type IncomingMessage struct {
	MessageID  string    `json:"message_id"`
	ChannelID  string    `json:"channel_id"`
	GuildID    string    `json:"guild_id,omitempty"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name,omitempty"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`

	// ReplyToID is the ID of the message this one replied to, if any
	ReplyToID string `json:"reply_to_id,omitempty"`
}

func (m IncomingMessage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("message_id", m.MessageID),
		slog.String("channel_id", m.ChannelID),
		slog.String("author_id", m.AuthorID),
		slog.String("reply_to_id", m.ReplyToID),
		slog.Time("timestamp", m.Timestamp),
		slog.String("content", truncate(m.Content, 80)),
	)
}

// Outcome is the result of processing a message
type Outcome struct {
	Record MessageRecord `json:"record"`
	Intent IntentResult  `json:"intent"`

	// Suggestions are prior questions similar to a new question
	Suggestions []SimilarQuestion `json:"suggestions,omitempty"`

	// Link is set when an answer was linked to a question
	Link *LinkResult `json:"link,omitempty"`

	// Stored is false for messages that weren't kept in history (like
	// chatter, or messages that were already processed)
	Stored bool `json:"stored"`

	// Duplicate is true when the message had already been processed.
	// Record is the previously stored record.
	Duplicate bool `json:"duplicate"`
}

// Pipeline processes messages one at a time: embed, classify, then
// either suggest similar questions (for questions) or link to a
// question (for answers), and finally record the message in History.
type Pipeline struct {
	embedder   Embedder
	classifier *IntentClassifier
	history    *History
	linker     *Linker
	journal    *RecordJournal
	metrics    *Metrics
	logger     *slog.Logger

	mu sync.Mutex
}

// NewPipeline creates a Pipeline. journal and metrics may be nil.
func NewPipeline(
	embedder Embedder,
	classifier *IntentClassifier,
	history *History,
	linker *Linker,
	journal *RecordJournal,
	metrics *Metrics,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		embedder:   embedder,
		classifier: classifier,
		history:    history,
		linker:     linker,
		journal:    journal,
		metrics:    metrics,
		logger:     logger.With(loggerNameKey, "pipeline"),
	}
}

// Process handles a single message. Messages are processed one at a time,
// in the order Process is called.
//
// A message that isn't a question but replies to a known question is
// treated as an answer to it.
func (p *Pipeline) Process(ctx context.Context, msg IncomingMessage) (Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = p.logger.With("message", msg)
		ctx = WithLogger(ctx, logger)
	}

	if existing, found := p.history.Get(msg.MessageID); found {
		logger.InfoContext(ctx, "message already processed")
		return Outcome{Record: existing, Duplicate: true}, nil
	}

	outcome, err := p.process(ctx, logger, msg)
	switch {
	case errors.Is(err, ErrEmptyText):
		logger.DebugContext(ctx, "nothing to embed, skipping message")
		if p.metrics != nil {
			p.metrics.messagesDiscarded.WithLabelValues(discardReasonEmpty).Inc()
		}
		return outcome, err
	case err != nil:
		if p.metrics != nil {
			p.metrics.processingErrors.Inc()
		}
		logger.ErrorContext(ctx, "error processing message", tint.Err(err))
		return outcome, err
	}

	if p.metrics != nil {
		p.metrics.processingDuration.Observe(time.Since(start).Seconds())
		p.metrics.messagesProcessed.WithLabelValues(outcome.Record.Intent.String()).Inc()
		if len(outcome.Suggestions) > 0 {
			p.metrics.suggestionsSent.Inc()
		}
		if outcome.Link != nil {
			method := linkMethodSimilarity
			if outcome.Link.ByReply {
				method = linkMethodReply
			}
			p.metrics.answersLinked.WithLabelValues(method).Inc()
		}
	}
	logger.InfoContext(
		ctx,
		"processed message",
		"intent", outcome.Record.Intent,
		"confidence", outcome.Intent.Confidence,
		"suggestions", len(outcome.Suggestions),
		"linked", outcome.Link != nil,
		"elapsed", time.Since(start),
	)
	return outcome, nil
}

func (p *Pipeline) process(
	ctx context.Context,
	logger *slog.Logger,
	msg IncomingMessage,
) (Outcome, error) {
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return Outcome{}, ErrEmptyText
	}

	embedStart := time.Now()
	vec, err := p.embedder.Embed(ctx, text)
	if p.metrics != nil {
		p.metrics.embedDuration.Observe(time.Since(embedStart).Seconds())
	}
	if err != nil {
		if p.metrics != nil && !errors.Is(err, ErrEmptyText) {
			p.metrics.embedErrors.Inc()
		}
		return Outcome{}, fmt.Errorf("error embedding message: %w", err)
	}

	intent := p.classifier.ClassifyVector(text, vec)
	rec := MessageRecord{
		MessageID:  msg.MessageID,
		ChannelID:  msg.ChannelID,
		GuildID:    msg.GuildID,
		AuthorID:   msg.AuthorID,
		AuthorName: msg.AuthorName,
		Text:       text,
		Timestamp:  msg.Timestamp,
		ReplyToID:  msg.ReplyToID,
		Vector:     vec,
		Intent:     intent.Label,
		Confidence: intent.Confidence,
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.Intent != IntentQuestion && rec.ReplyToID != "" && p.history.IsQuestion(rec.ReplyToID) {
		logger.DebugContext(
			ctx,
			"treating reply to a question as an answer",
			"classified_as", rec.Intent,
		)
		rec.Intent = IntentAnswer
	}

	outcome := Outcome{Record: rec, Intent: intent}

	switch rec.Intent {
	case IntentQuestion:
		outcome.Suggestions = p.linker.SuggestForQuestion(ctx, rec)
		stored, appendErr := p.append(ctx, logger, rec)
		if appendErr != nil {
			return outcome, appendErr
		}
		outcome.Stored = stored
	case IntentAnswer:
		stored, appendErr := p.append(ctx, logger, rec)
		if appendErr != nil {
			return outcome, appendErr
		}
		outcome.Stored = stored
		if !stored {
			break
		}
		link, linked, linkErr := p.linker.LinkAnswer(ctx, rec)
		if linkErr != nil {
			return outcome, linkErr
		}
		if linked {
			outcome.Link = &link
			if updated, found := p.history.Get(rec.MessageID); found {
				outcome.Record = updated
			}
		}
	default:
		logger.DebugContext(ctx, "not recording message", "intent", rec.Intent)
	}

	if outcome.Stored && p.journal != nil {
		if saveErr := p.journal.Save(ctx, outcome.Record); saveErr != nil {
			logger.ErrorContext(ctx, "error journaling record", tint.Err(saveErr))
		}
	}
	return outcome, nil
}

// append adds the record to history, returning false (without an error)
// when the record is too old to keep
func (p *Pipeline) append(ctx context.Context, logger *slog.Logger, rec MessageRecord) (bool, error) {
	err := p.history.Append(rec)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrMessageTooOld):
		logger.WarnContext(ctx, "message too old to record", tint.Err(err))
		return false, nil
	default:
		return false, fmt.Errorf("error recording message: %w", err)
	}
}

// Similar embeds the query and returns similar prior questions, using
// the configured result limit and threshold
func (p *Pipeline) Similar(ctx context.Context, query string) ([]SimilarQuestion, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyText
	}
	vec, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error embedding query: %w", err)
	}
	cfg := p.linker.config
	return p.linker.SearchQuestions(vec, cfg.SearchTopK, cfg.SearchMinSimilarity), nil
}
