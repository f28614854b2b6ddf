package qalinker

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

var (
	ErrRecordNotFound   = errors.New("record not found")
	ErrDuplicateMessage = errors.New("message already recorded")
	ErrNotAQuestion     = errors.New("record is not a question")
)

// MessageRecord is a message kept in History, along with its embedding,
// intent and links.
type MessageRecord struct {
	MessageID  string    `json:"message_id"`
	ChannelID  string    `json:"channel_id"`
	GuildID    string    `json:"guild_id,omitempty"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name,omitempty"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`

	// ReplyToID is the ID of the message this message replied to, if any
	ReplyToID string `json:"reply_to_id,omitempty"`

	Vector     []float32 `json:"-"`
	Intent     Intent    `json:"intent"`
	Confidence float64   `json:"confidence"`

	// QuestionID is the question an answer is linked to
	QuestionID string `json:"question_id,omitempty"`

	// BestAnswerID is the linked answer most similar to a question, and
	// BestAnswerSimilarity is that answer's cosine similarity to it
	BestAnswerID         string  `json:"best_answer_id,omitempty"`
	BestAnswerSimilarity float64 `json:"best_answer_similarity,omitempty"`
}

func (r MessageRecord) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("message_id", r.MessageID),
		slog.String("channel_id", r.ChannelID),
		slog.String("intent", r.Intent.String()),
		slog.Time("timestamp", r.Timestamp),
	}
	if r.QuestionID != "" {
		attrs = append(attrs, slog.String("question_id", r.QuestionID))
	}
	if r.BestAnswerID != "" {
		attrs = append(attrs, slog.String("best_answer_id", r.BestAnswerID))
	}
	return slog.GroupValue(attrs...)
}

// HistoryStats summarizes the contents of History
type HistoryStats struct {
	Records   int `json:"records"`
	Questions int `json:"questions"`
	Answers   int `json:"answers"`

	// Linked is the number of answers linked to a question
	Linked   int `json:"linked"`
	Channels int `json:"channels"`
}

// History holds recent messages in arrival order, bounded by
// HistoryConfig.Capacity and HistoryConfig.MaxAge. Questions are indexed
// by an SRPIndex for similarity search.
//
// History is safe for concurrent use.
type History struct {
	config *HistoryConfig
	dim    int
	now    func() time.Time

	mu                 sync.RWMutex
	records            map[string]*MessageRecord
	order              []string
	questionsByChannel map[string][]string
	answersByQuestion  map[string][]string
	questionCount      int
	answerCount        int
	index              *SRPIndex
}

// NewHistory creates an empty History for vectors of the given dimension
func NewHistory(config *HistoryConfig, dim int) (*History, error) {
	if config == nil {
		config = DefaultHistoryConfig()
	}
	index, err := NewSRPIndex(
		dim,
		config.IndexPlanes,
		config.IndexBands,
		config.IndexSeed,
	)
	if err != nil {
		return nil, err
	}
	return &History{
		config:             config,
		dim:                dim,
		now:                time.Now,
		records:            map[string]*MessageRecord{},
		questionsByChannel: map[string][]string{},
		answersByQuestion:  map[string][]string{},
		index:              index,
	}, nil
}

// Append adds a record. Answers with a QuestionID are linked to that
// question if it's present, otherwise the QuestionID is dropped.
// Records older than HistoryConfig.MaxAge are rejected with
// ErrMessageTooOld.
func (h *History) Append(rec MessageRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.append(rec); err != nil {
		return err
	}
	h.evict()
	return nil
}

func (h *History) append(rec MessageRecord) error {
	if rec.MessageID == "" {
		return errors.New("message ID required")
	}
	if _, exists := h.records[rec.MessageID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateMessage, rec.MessageID)
	}
	if len(rec.Vector) != h.dim {
		return fmt.Errorf(
			"%w: history expects %d, got %d",
			ErrDimensionMismatch, h.dim, len(rec.Vector),
		)
	}
	if h.config.MaxAge > 0 && h.now().Sub(rec.Timestamp) > h.config.MaxAge {
		return fmt.Errorf("%w: %s", ErrMessageTooOld, rec.Timestamp)
	}

	r := rec
	r.BestAnswerID = ""
	r.BestAnswerSimilarity = 0
	questionID := r.QuestionID
	r.QuestionID = ""

	if r.Intent == IntentQuestion {
		if err := h.index.Add(r.MessageID, r.Vector); err != nil {
			return err
		}
		h.questionsByChannel[r.ChannelID] = append(
			h.questionsByChannel[r.ChannelID],
			r.MessageID,
		)
		h.questionCount++
	}
	if r.Intent == IntentAnswer {
		h.answerCount++
	}
	h.records[r.MessageID] = &r
	h.order = append(h.order, r.MessageID)

	// The record is already stored. If the link can't be made (the
	// question was evicted, or isn't a question), it's kept unlinked.
	if questionID != "" && r.Intent == IntentAnswer {
		_, _ = h.link(r.MessageID, questionID)
	}
	return nil
}

// Restore loads previously saved records, oldest first, rebuilding links
// and best answers. Records that no longer fit (too old, or over
// capacity) are skipped.
func (h *History) Restore(records []MessageRecord) (int, error) {
	sorted := slices.Clone(records)
	slices.SortStableFunc(
		sorted, func(a, b MessageRecord) int {
			return a.Timestamp.Compare(b.Timestamp)
		},
	)

	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for _, rec := range sorted {
		err := h.append(rec)
		switch {
		case err == nil:
		case errors.Is(err, ErrMessageTooOld), errors.Is(err, ErrDuplicateMessage):
			continue
		default:
			errs = append(errs, err)
		}
	}
	h.evict()
	return len(h.records), errors.Join(errs...)
}

// evict drops the oldest records while over capacity, or older than
// the max age
func (h *History) evict() {
	now := h.now()
	for len(h.order) > 0 {
		oldest := h.records[h.order[0]]
		overCapacity := h.config.Capacity > 0 && len(h.order) > h.config.Capacity
		tooOld := h.config.MaxAge > 0 && now.Sub(oldest.Timestamp) > h.config.MaxAge
		if !overCapacity && !tooOld {
			return
		}
		h.remove(oldest.MessageID)
	}
}

// remove deletes a record, along with its index entry and any links
// to or from it
func (h *History) remove(id string) {
	rec, ok := h.records[id]
	if !ok {
		return
	}
	delete(h.records, id)
	if i := slices.Index(h.order, id); i >= 0 {
		h.order = slices.Delete(h.order, i, i+1)
	}

	switch rec.Intent {
	case IntentQuestion:
		h.questionCount--
		h.index.Remove(id)
		h.questionsByChannel[rec.ChannelID] = removeID(h.questionsByChannel[rec.ChannelID], id)
		if len(h.questionsByChannel[rec.ChannelID]) == 0 {
			delete(h.questionsByChannel, rec.ChannelID)
		}
		for _, answerID := range h.answersByQuestion[id] {
			if answer, found := h.records[answerID]; found {
				answer.QuestionID = ""
			}
		}
		delete(h.answersByQuestion, id)
	case IntentAnswer:
		h.answerCount--
		h.unlink(rec)
	}
}

// unlink detaches an answer from its question, picking a new best
// answer for the question if needed
func (h *History) unlink(answer *MessageRecord) {
	if answer.QuestionID == "" {
		return
	}
	questionID := answer.QuestionID
	answer.QuestionID = ""
	h.answersByQuestion[questionID] = removeID(h.answersByQuestion[questionID], answer.MessageID)
	if len(h.answersByQuestion[questionID]) == 0 {
		delete(h.answersByQuestion, questionID)
	}

	question, ok := h.records[questionID]
	if !ok || question.BestAnswerID != answer.MessageID {
		return
	}
	question.BestAnswerID = ""
	question.BestAnswerSimilarity = 0
	for _, id := range h.answersByQuestion[questionID] {
		h.considerBestAnswer(question, h.records[id])
	}
}

// considerBestAnswer makes answer the question's best answer if it's
// strictly more similar to the question than the current best
func (h *History) considerBestAnswer(question, answer *MessageRecord) bool {
	if answer == nil {
		return false
	}
	sim := CosineSimilarity(question.Vector, answer.Vector)
	if question.BestAnswerID == "" || sim > question.BestAnswerSimilarity {
		question.BestAnswerID = answer.MessageID
		question.BestAnswerSimilarity = sim
		return true
	}
	return false
}

// Link links the answer to the question, moving it from any question it
// was previously linked to. It reports whether the answer became the
// question's best answer.
func (h *History) Link(answerID, questionID string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.link(answerID, questionID)
}

func (h *History) link(answerID, questionID string) (bool, error) {
	answer, ok := h.records[answerID]
	if !ok {
		return false, fmt.Errorf("%w: answer %s", ErrRecordNotFound, answerID)
	}
	question, ok := h.records[questionID]
	if !ok {
		return false, fmt.Errorf("%w: question %s", ErrRecordNotFound, questionID)
	}
	if question.Intent != IntentQuestion {
		return false, fmt.Errorf("%w: %s", ErrNotAQuestion, questionID)
	}
	switch answer.Intent {
	case IntentQuestion:
		return false, fmt.Errorf("can't link question %s as an answer", answerID)
	case IntentOther:
		answer.Intent = IntentAnswer
		h.answerCount++
	}
	if answer.QuestionID == questionID {
		return question.BestAnswerID == answerID, nil
	}

	h.unlink(answer)
	answer.QuestionID = questionID
	h.answersByQuestion[questionID] = append(h.answersByQuestion[questionID], answerID)
	return h.considerBestAnswer(question, answer), nil
}

// Get returns a copy of the record with the given ID
func (h *History) Get(id string) (MessageRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.records[id]
	if !ok {
		return MessageRecord{}, false
	}
	return *rec, true
}

// IsQuestion reports whether id is a known question
func (h *History) IsQuestion(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.records[id]
	return ok && rec.Intent == IntentQuestion
}

// RecentQuestions returns up to n of the channel's questions, most
// recent first
func (h *History) RecentQuestions(channelID string, n int) []MessageRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := h.questionsByChannel[channelID]
	if n > 0 && len(ids) > n {
		ids = ids[len(ids)-n:]
	}
	out := make([]MessageRecord, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, *h.records[ids[i]])
	}
	return out
}

// Questions returns up to limit questions across all channels, most
// recent first. A limit of 0 returns all of them.
func (h *History) Questions(limit int) []MessageRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]MessageRecord, 0, min(h.questionCount, max(limit, 0)))
	for i := len(h.order) - 1; i >= 0; i-- {
		rec := h.records[h.order[i]]
		if rec.Intent != IntentQuestion {
			continue
		}
		out = append(out, *rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// QuestionCandidates returns the questions that may be similar to vec,
// most recent first, from the index. When the index has no candidates, or
// there are few enough questions that a full scan is cheap, every
// question is returned.
func (h *History) QuestionCandidates(vec []float32) []MessageRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var ids []string
	if h.questionCount > h.config.ScanThreshold {
		ids = h.index.Candidates(vec)
	}
	if len(ids) == 0 {
		out := make([]MessageRecord, 0, h.questionCount)
		for i := len(h.order) - 1; i >= 0; i-- {
			if rec := h.records[h.order[i]]; rec.Intent == IntentQuestion {
				out = append(out, *rec)
			}
		}
		return out
	}

	// the index returns IDs in its own order
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	out := make([]MessageRecord, 0, len(ids))
	for i := len(h.order) - 1; i >= 0 && len(out) < len(wanted); i-- {
		id := h.order[i]
		if _, ok := wanted[id]; !ok {
			continue
		}
		if rec, ok := h.records[id]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

// AnswersFor returns the answers linked to the question, in the order
// they were linked
func (h *History) AnswersFor(questionID string) []MessageRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := h.answersByQuestion[questionID]
	out := make([]MessageRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, *h.records[id])
	}
	return out
}

// BestAnswer returns the question's best answer, if it has one
func (h *History) BestAnswer(questionID string) (MessageRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	question, ok := h.records[questionID]
	if !ok || question.BestAnswerID == "" {
		return MessageRecord{}, false
	}
	answer, ok := h.records[question.BestAnswerID]
	if !ok {
		return MessageRecord{}, false
	}
	return *answer, true
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}

func (h *History) Stats() HistoryStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	linked := 0
	for _, ids := range h.answersByQuestion {
		linked += len(ids)
	}
	return HistoryStats{
		Records:   len(h.records),
		Questions: h.questionCount,
		Answers:   h.answerCount,
		Linked:    linked,
		Channels:  len(h.questionsByChannel),
	}
}

func removeID(ids []string, id string) []string {
	if i := slices.Index(ids, id); i >= 0 {
		return slices.Delete(ids, i, i+1)
	}
	return ids
}
