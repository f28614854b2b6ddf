package qalinker

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func newTestClassifier(t testing.TB) *IntentClassifier {
	t.Helper()
	c, err := NewIntentClassifier(
		context.Background(),
		NewHashEmbedder(testEmbeddingDimension),
		nil,
		nil,
	)
	require.NoError(t, err)
	return c
}

func TestIntentClassifier(t *testing.T) {
	t.Parallel()
	c := newTestClassifier(t)
	ctx := context.Background()

	testCases := []struct {
		text string
		want Intent
	}{
		{"How do I install numpy on Windows?", IntentQuestion},
		{"How do I configure nginx reverse proxy?", IntentQuestion},
		{"Can someone help me configure nginx as a reverse proxy?", IntentQuestion},
		{"What is the difference between a list and a tuple?", IntentQuestion},
		{"Why does my docker container exit immediately?", IntentQuestion},
		{"How do I reset my password?", IntentQuestion},
		{"You can install numpy on Windows with pip install numpy.", IntentAnswer},
		{"You can configure nginx as a reverse proxy with proxy_pass.", IntentAnswer},
		{"Try restarting the server, then run the install command again.", IntentAnswer},
		{"Use pip install numpy, then restart your terminal.", IntentAnswer},
		{"Run docker logs to see why it exited, then fix the entrypoint.", IntentAnswer},
		{"Thanks!", IntentOther},
		{"ok", IntentOther},
		{"lol", IntentOther},
		{"Nice!", IntentOther},
		{"I agree.", IntentOther},
		{"The weather in Paris is lovely this spring.", IntentOther},
	}

	for _, tc := range testCases {
		t.Run(
			tc.text, func(t *testing.T) {
				result, err := c.Classify(ctx, tc.text)
				require.NoError(t, err)
				assert.Equal(t, tc.want, result.Label, "scores: %#v", result.Scores)
				assert.Greater(t, result.Confidence, 0.0)
				assert.LessOrEqual(t, result.Confidence, 1.0)
			},
		)
	}
}

func TestIntentClassifierMargin(t *testing.T) {
	t.Parallel()
	c := newTestClassifier(t)

	// scores close enough that the margin gate applies
	result, err := c.Classify(context.Background(), "Lists are mutable and tuples are immutable.")
	require.NoError(t, err)
	assert.Equal(t, IntentOther, result.Label)

	wide, err := NewIntentClassifier(
		context.Background(),
		NewHashEmbedder(testEmbeddingDimension),
		&ClassifierConfig{Margin: 10, PrototypeTopK: 3},
		nil,
	)
	require.NoError(t, err)
	result, err = wide.Classify(context.Background(), "How do I install numpy on Windows?")
	require.NoError(t, err)
	assert.Equal(t, IntentOther, result.Label)
	assert.Greater(t, result.Scores.Question, result.Scores.Answer)
}

func TestIntentClassifierEmpty(t *testing.T) {
	t.Parallel()
	c := newTestClassifier(t)
	_, err := c.Classify(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestLexicalPriors(t *testing.T) {
	t.Parallel()

	q, a, o := lexicalPriors("How do I fix this?")
	assert.InDelta(t, priorQuestionMark+priorInterrogative, q, 1e-9)
	assert.Zero(t, a)
	assert.Zero(t, o)

	q, a, o = lexicalPriors("Try this: https://example.com")
	assert.Zero(t, q)
	assert.InDelta(t, priorImperative+priorLink, a, 1e-9)
	assert.Zero(t, o)

	q, a, o = lexicalPriors(" ok ")
	assert.Zero(t, q)
	assert.Zero(t, a)
	assert.InDelta(t, priorShortReaction, o, 1e-9)

	// 'however' doesn't start with the word 'how'
	q, _, _ = lexicalPriors("however it went")
	assert.Zero(t, q)
}

func TestSoftmax3(t *testing.T) {
	t.Parallel()
	a, b, c := softmax3(1, 1, 1)
	assert.InDelta(t, 1.0/3, a, 1e-9)
	assert.InDelta(t, 1.0/3, b, 1e-9)
	assert.InDelta(t, 1.0/3, c, 1e-9)

	a, b, c = softmax3(1000, 0, 0)
	assert.InDelta(t, 1.0, a, 1e-9)
	assert.InDelta(t, 1.0, a+b+c, 1e-9)
}
