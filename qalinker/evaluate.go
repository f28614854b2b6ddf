package qalinker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"
)

const (
	evaluationTopK          = 1
	evaluationChannelID     = "0"
	evaluationAnswerIDShift = 1000
)

// EvaluationPair is a question and its answer. When Query is set, it's
// searched instead of Question, to measure how well paraphrases are
// matched.
type EvaluationPair struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Query    string `json:"query,omitempty"`
}

// EvaluationResult holds the retrieval scores from [Evaluate]
type EvaluationResult struct {
	TruePositives  int     `json:"true_positives"`
	FalsePositives int     `json:"false_positives"`
	FalseNegatives int     `json:"false_negatives"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	F1             float64 `json:"f1"`
}

func (r EvaluationResult) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("tp", r.TruePositives),
		slog.Int("fp", r.FalsePositives),
		slog.Int("fn", r.FalseNegatives),
		slog.Float64("precision", r.Precision),
		slog.Float64("recall", r.Recall),
		slog.Float64("f1", r.F1),
	)
}

// LoadEvaluationPairs reads a JSON array of question/answer pairs
func LoadEvaluationPairs(r io.Reader) ([]EvaluationPair, error) {
	var pairs []EvaluationPair
	if err := json.NewDecoder(r).Decode(&pairs); err != nil {
		return nil, fmt.Errorf("error decoding dataset: %w", err)
	}
	return pairs, nil
}

// Evaluate measures question retrieval. Every pair's question is added to
// an empty history, along with its answer as a reply. Each question (or
// its Query) is then searched for, keeping only the best match above
// minSim. A match with the pair's own question text is a true positive,
// any other match a false positive, and no match a false negative.
func Evaluate(
	ctx context.Context,
	embedder Embedder,
	pairs []EvaluationPair,
	minSim float64,
	logger *slog.Logger,
) (EvaluationResult, error) {
	var result EvaluationResult
	if logger == nil {
		logger = slog.Default()
	}
	if len(pairs) == 0 {
		return result, errors.New("no evaluation pairs")
	}

	historyConfig := DefaultHistoryConfig()
	historyConfig.Capacity = 0
	historyConfig.MaxAge = 0
	history, err := NewHistory(historyConfig, embedder.Dimension())
	if err != nil {
		return result, err
	}
	linkerConfig := DefaultLinkerConfig()
	linker := NewLinker(linkerConfig, history, logger)

	now := time.Now()
	for i, pair := range pairs {
		questionID := strconv.Itoa(i)
		answerID := strconv.Itoa(i + evaluationAnswerIDShift)

		qvec, embedErr := embedder.Embed(ctx, pair.Question)
		if embedErr != nil {
			return result, fmt.Errorf("error embedding question %d: %w", i, embedErr)
		}
		if err = history.Append(
			MessageRecord{
				MessageID:  questionID,
				ChannelID:  evaluationChannelID,
				Text:       pair.Question,
				Timestamp:  now,
				Vector:     qvec,
				Intent:     IntentQuestion,
				Confidence: 1,
			},
		); err != nil {
			return result, fmt.Errorf("error adding question %d: %w", i, err)
		}

		if pair.Answer == "" {
			continue
		}
		avec, embedErr := embedder.Embed(ctx, pair.Answer)
		if embedErr != nil {
			return result, fmt.Errorf("error embedding answer %d: %w", i, embedErr)
		}
		if err = history.Append(
			MessageRecord{
				MessageID:  answerID,
				ChannelID:  evaluationChannelID,
				Text:       pair.Answer,
				Timestamp:  now,
				ReplyToID:  questionID,
				Vector:     avec,
				Intent:     IntentAnswer,
				Confidence: 1,
			},
		); err != nil {
			return result, fmt.Errorf("error adding answer %d: %w", i, err)
		}
		if _, err = history.Link(answerID, questionID); err != nil {
			return result, fmt.Errorf("error linking answer %d: %w", i, err)
		}
	}

	for i, pair := range pairs {
		query := pair.Query
		if query == "" {
			query = pair.Question
		}
		vec, embedErr := embedder.Embed(ctx, query)
		if embedErr != nil {
			return result, fmt.Errorf("error embedding query %d: %w", i, embedErr)
		}
		matches := linker.SearchQuestions(vec, evaluationTopK, minSim)
		switch {
		case len(matches) == 0:
			result.FalseNegatives++
		case matches[0].Question.Text == pair.Question:
			result.TruePositives++
		default:
			result.FalsePositives++
			logger.DebugContext(
				ctx,
				"mismatched question",
				"query", truncate(query, 80),
				"matched", truncate(matches[0].Question.Text, 80),
				"similarity", matches[0].Similarity,
			)
		}
	}

	result.score()
	return result, nil
}

func (r *EvaluationResult) score() {
	if tp, fp := r.TruePositives, r.FalsePositives; tp+fp > 0 {
		r.Precision = float64(tp) / float64(tp+fp)
	}
	if tp, fn := r.TruePositives, r.FalseNegatives; tp+fn > 0 {
		r.Recall = float64(tp) / float64(tp+fn)
	}
	if r.Precision+r.Recall > 0 {
		r.F1 = 2 * r.Precision * r.Recall / (r.Precision + r.Recall)
	}
}
