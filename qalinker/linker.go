package qalinker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
)

// SimilarQuestion is a prior question similar to a query, with its best
// known answer
type SimilarQuestion struct {
	Question   MessageRecord `json:"question"`
	Similarity float64       `json:"similarity"`

	// BestAnswer is the text of the question's best answer, shortened
	// to LinkerConfig.AnswerMaxLength. Empty if it has no answer.
	BestAnswer   string `json:"best_answer,omitempty"`
	BestAnswerID string `json:"best_answer_id,omitempty"`
}

func (s SimilarQuestion) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("question_id", s.Question.MessageID),
		slog.Float64("similarity", s.Similarity),
		slog.String("best_answer_id", s.BestAnswerID),
	)
}

// LinkResult describes a link from an answer to a question
type LinkResult struct {
	QuestionID string  `json:"question_id"`
	Similarity float64 `json:"similarity"`

	// Score is the combined similarity and recency score. For links made
	// because the answer replied to the question, this is 1.
	Score float64 `json:"score"`

	// ByReply is true when the answer was a reply to the question
	ByReply bool `json:"by_reply"`

	// BestAnswer is true when the answer became the question's best answer
	BestAnswer bool `json:"best_answer"`
}

func (l LinkResult) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("question_id", l.QuestionID),
		slog.Float64("similarity", l.Similarity),
		slog.Float64("score", l.Score),
		slog.Bool("by_reply", l.ByReply),
		slog.Bool("best_answer", l.BestAnswer),
	)
}

// Linker finds questions similar to new questions, and links answers
// to the questions they most likely answer.
type Linker struct {
	config  *LinkerConfig
	history *History
	logger  *slog.Logger
}

func NewLinker(config *LinkerConfig, history *History, logger *slog.Logger) *Linker {
	if config == nil {
		config = DefaultLinkerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Linker{
		config:  config,
		history: history,
		logger:  logger.With(loggerNameKey, "linker"),
	}
}

// SearchQuestions returns up to topK prior questions with a cosine
// similarity to vec of at least minSim, most similar first. Equally
// similar questions are ordered most recent first.
func (l *Linker) SearchQuestions(vec []float32, topK int, minSim float64) []SimilarQuestion {
	candidates := l.history.QuestionCandidates(vec)
	if len(candidates) == 0 {
		return nil
	}

	scored := make([]SimilarQuestion, 0, len(candidates))
	for _, q := range candidates {
		sim := CosineSimilarity(vec, q.Vector)
		if sim >= minSim {
			scored = append(scored, SimilarQuestion{Question: q, Similarity: sim})
		}
	}
	slices.SortStableFunc(
		scored, func(a, b SimilarQuestion) int {
			switch {
			case a.Similarity > b.Similarity:
				return -1
			case a.Similarity < b.Similarity:
				return 1
			}
			return b.Question.Timestamp.Compare(a.Question.Timestamp)
		},
	)
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}

	for i := range scored {
		if answer, ok := l.history.BestAnswer(scored[i].Question.MessageID); ok {
			scored[i].BestAnswerID = answer.MessageID
			scored[i].BestAnswer = ellipsize(answer.Text, l.config.AnswerMaxLength)
		}
	}
	return scored
}

// SuggestForQuestion finds prior questions similar to the given (new)
// question, using the configured result limit and threshold
func (l *Linker) SuggestForQuestion(ctx context.Context, question MessageRecord) []SimilarQuestion {
	matches := l.SearchQuestions(
		question.Vector,
		l.config.SearchTopK,
		l.config.SearchMinSimilarity,
	)
	matches = slices.DeleteFunc(
		matches, func(m SimilarQuestion) bool {
			return m.Question.MessageID == question.MessageID
		},
	)
	l.logger.DebugContext(
		ctx,
		"searched similar questions",
		"question_id", question.MessageID,
		"matches", len(matches),
	)
	for _, m := range matches {
		l.logger.DebugContext(ctx, "similar question", "match", m)
	}
	return matches
}

// BestAnswer returns the question's best answer text, shortened to
// LinkerConfig.AnswerMaxLength
func (l *Linker) BestAnswer(questionID string) (string, bool) {
	answer, ok := l.history.BestAnswer(questionID)
	if !ok {
		return "", false
	}
	return ellipsize(answer.Text, l.config.AnswerMaxLength), true
}

// FindQuestion picks the question an answer most likely responds to.
//
// A reply to a known question always links to that question. Otherwise,
// the channel's recent questions are scored by cosine similarity and
// recency, and the best scoring question is picked if it clears
// LinkerConfig.MinScore. Ties go to the more recent question.
func (l *Linker) FindQuestion(ctx context.Context, answer MessageRecord) (LinkResult, bool) {
	if answer.ReplyToID != "" && l.history.IsQuestion(answer.ReplyToID) {
		q, _ := l.history.Get(answer.ReplyToID)
		return LinkResult{
			QuestionID: answer.ReplyToID,
			Similarity: CosineSimilarity(answer.Vector, q.Vector),
			Score:      1,
			ByReply:    true,
		}, true
	}

	var best LinkResult
	found := false
	tau := l.config.RecencyTau.Seconds()

	for _, q := range l.history.RecentQuestions(answer.ChannelID, l.config.RecentQuestions) {
		if q.MessageID == answer.MessageID {
			continue
		}
		sim := CosineSimilarity(answer.Vector, q.Vector)
		if sim < l.config.MinSimilarity {
			continue
		}
		dt := math.Abs(answer.Timestamp.Sub(q.Timestamp).Seconds())
		score := l.config.SimilarityWeight*sim + l.config.RecencyWeight*math.Exp(-dt/tau)

		l.logger.DebugContext(
			ctx,
			"scored link candidate",
			"answer_id", answer.MessageID,
			"question_id", q.MessageID,
			"similarity", sim,
			"elapsed", dt,
			"score", score,
		)
		if !found || score > best.Score {
			best = LinkResult{QuestionID: q.MessageID, Similarity: sim, Score: score}
			found = true
		}
	}

	if !found || best.Score < l.config.MinScore {
		return LinkResult{}, false
	}
	return best, true
}

// LinkAnswer links an answer already in History to the question
// picked by FindQuestion. It returns false if no question qualified,
// which includes an empty history.
func (l *Linker) LinkAnswer(ctx context.Context, answer MessageRecord) (LinkResult, bool, error) {
	result, ok := l.FindQuestion(ctx, answer)
	if !ok {
		l.logger.DebugContext(ctx, "no question found for answer", "answer_id", answer.MessageID)
		return LinkResult{}, false, nil
	}

	isBest, err := l.history.Link(answer.MessageID, result.QuestionID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			// evicted between the search and the link
			return LinkResult{}, false, nil
		}
		return LinkResult{}, false, fmt.Errorf("linking answer: %w", err)
	}
	result.BestAnswer = isBest

	l.logger.InfoContext(
		ctx,
		"linked answer",
		"answer_id", answer.MessageID,
		"link", result,
	)
	return result, true, nil
}
