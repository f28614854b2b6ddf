package qalinker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"slices"
	"strings"
)

// Intent is the role a message plays in a conversation
type Intent string

const (
	IntentQuestion Intent = "question"
	IntentAnswer   Intent = "answer"
	IntentOther    Intent = "other"
)

func (i Intent) String() string {
	return string(i)
}

var (
	questionPrototypes = []string{
		"How do I do something?",
		"What is the definition of something?",
		"Why does this happen?",
		"Can someone help me with this problem?",
		"Does anyone know how to fix this error?",
		"Is it possible to do X in Python?",
		"Where can I find documentation for this?",
		"I get an error, how do I solve it?",
	}
	answerPrototypes = []string{
		"You can do it by following these steps.",
		"The solution is to install it and run this command.",
		"Try this fix: do X, then Y.",
		"Here is an explanation of what it means.",
		"To solve it, use this method.",
		"Use pip install ..., then restart.",
		"In short, the answer is ...",
	}
	otherPrototypes = []string{
		"Nice!",
		"Thanks!",
		"Lol",
		"I agree.",
		"This is unrelated chatter.",
		"ok",
	}

	interrogativePattern = regexp.MustCompile(
		`^(how|what|why|where|when|who|which|can|could|should|do|does|did|is|are|am|will|would)\b`,
	)
	imperativePrefixes = []string{
		"use ", "try ", "run ", "install ", "just ", "you can ", "first ", "then ",
	}
)

const (
	priorQuestionMark    = 0.20
	priorInterrogative   = 0.15
	priorImperative      = 0.15
	priorLink            = 0.05
	priorShortReaction   = 0.10
	shortReactionMaxSize = 4
)

// IntentScores holds the combined (prototype + lexical) score for each label
type IntentScores struct {
	Question float64 `json:"question"`
	Answer   float64 `json:"answer"`
	Other    float64 `json:"other"`
}

func (s IntentScores) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Float64("question", s.Question),
		slog.Float64("answer", s.Answer),
		slog.Float64("other", s.Other),
	)
}

type IntentResult struct {
	Label Intent `json:"label"`

	// Confidence is the softmax probability of the highest scoring label.
	// When the margin gate relabels a message as 'other', this is still
	// the probability of the label that scored highest.
	Confidence float64      `json:"confidence"`
	Scores     IntentScores `json:"scores"`
}

// IntentClassifier labels messages as questions, answers or other
// chatter, by comparing their embeddings against prototype phrases for
// each label, nudged by a few lexical cues.
type IntentClassifier struct {
	embedder  Embedder
	config    *ClassifierConfig
	logger    *slog.Logger
	questions [][]float32
	answers   [][]float32
	other     [][]float32
}

// NewIntentClassifier embeds the prototype phrases with the given
// embedder.
func NewIntentClassifier(
	ctx context.Context,
	embedder Embedder,
	config *ClassifierConfig,
	logger *slog.Logger,
) (*IntentClassifier, error) {
	if config == nil {
		config = DefaultClassifierConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &IntentClassifier{
		embedder: embedder,
		config:   config,
		logger:   logger.With(loggerNameKey, "intent_classifier"),
	}

	var err error
	if c.questions, err = embedAll(ctx, embedder, questionPrototypes); err != nil {
		return nil, fmt.Errorf("embedding question prototypes: %w", err)
	}
	if c.answers, err = embedAll(ctx, embedder, answerPrototypes); err != nil {
		return nil, fmt.Errorf("embedding answer prototypes: %w", err)
	}
	if c.other, err = embedAll(ctx, embedder, otherPrototypes); err != nil {
		return nil, fmt.Errorf("embedding other prototypes: %w", err)
	}
	return c, nil
}

func embedAll(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	vecs := make([][]float32, 0, len(texts))
	for _, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs = append(vecs, v)
	}
	return vecs, nil
}

// Classify embeds the text, then classifies it
func (c *IntentClassifier) Classify(ctx context.Context, text string) (IntentResult, error) {
	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return IntentResult{}, err
	}
	return c.ClassifyVector(text, vec), nil
}

// ClassifyVector classifies text using its existing embedding
func (c *IntentClassifier) ClassifyVector(text string, vec []float32) IntentResult {
	pq, pa, po := lexicalPriors(text)
	scores := IntentScores{
		Question: c.prototypeScore(vec, c.questions) + pq,
		Answer:   c.prototypeScore(vec, c.answers) + pa,
		Other:    c.prototypeScore(vec, c.other) + po,
	}

	probQ, probA, probO := softmax3(scores.Question, scores.Answer, scores.Other)

	type candidate struct {
		label Intent
		score float64
		prob  float64
	}
	ranked := []candidate{
		{IntentQuestion, scores.Question, probQ},
		{IntentAnswer, scores.Answer, probA},
		{IntentOther, scores.Other, probO},
	}
	slices.SortStableFunc(
		ranked, func(a, b candidate) int {
			switch {
			case a.score > b.score:
				return -1
			case a.score < b.score:
				return 1
			default:
				return 0
			}
		},
	)

	result := IntentResult{
		Label:      ranked[0].label,
		Confidence: ranked[0].prob,
		Scores:     scores,
	}
	if ranked[0].score-ranked[1].score < c.config.Margin {
		result.Label = IntentOther
	}

	c.logger.Debug(
		"classified message",
		"label", result.Label,
		"confidence", result.Confidence,
		"scores", result.Scores,
		"text", truncate(text, 80),
	)
	return result
}

// prototypeScore is the mean of the top-k similarities between vec and
// the prototypes, which is less jumpy than the max
func (c *IntentClassifier) prototypeScore(vec []float32, prototypes [][]float32) float64 {
	if len(prototypes) == 0 {
		return math.Inf(-1)
	}
	sims := make([]float64, len(prototypes))
	for i, p := range prototypes {
		sims[i] = CosineSimilarity(vec, p)
	}
	slices.Sort(sims)
	slices.Reverse(sims)

	k := min(max(c.config.PrototypeTopK, 1), len(sims))
	var total float64
	for _, s := range sims[:k] {
		total += s
	}
	return total / float64(k)
}

func lexicalPriors(text string) (question, answer, other float64) {
	t := strings.ToLower(strings.TrimSpace(text))

	if strings.HasSuffix(t, "?") {
		question += priorQuestionMark
	}
	if interrogativePattern.MatchString(t) {
		question += priorInterrogative
	}

	for _, prefix := range imperativePrefixes {
		if strings.HasPrefix(t, prefix) {
			answer += priorImperative
			break
		}
	}
	if strings.Contains(t, "http://") || strings.Contains(t, "https://") {
		answer += priorLink
	}

	if len([]rune(t)) <= shortReactionMaxSize {
		other += priorShortReaction
	}
	return question, answer, other
}

func softmax3(a, b, c float64) (float64, float64, float64) {
	m := max(a, b, c)
	ea, eb, ec := math.Exp(a-m), math.Exp(b-m), math.Exp(c-m)
	s := ea + eb + ec
	return ea / s, eb / s, ec / s
}
