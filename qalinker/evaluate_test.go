package qalinker

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"strings"
	"testing"
)

const testEvaluationDataset = `[
  {"question": "How do I install numpy on Windows?", "answer": "You can install numpy on Windows with pip install numpy.", "query": "How can I install numpy on Windows?"},
  {"question": "How do I configure nginx reverse proxy?", "answer": "You can configure nginx as a reverse proxy with proxy_pass."},
  {"question": "How do I reset my password?", "answer": "Click 'forgot password' on the login page.", "query": "The weather in Paris is lovely this spring."},
  {"question": "Why does my docker container exit immediately?", "answer": "Run docker logs to see why it exited, then fix the entrypoint."}
]`

func TestLoadEvaluationPairs(t *testing.T) {
	t.Parallel()
	pairs, err := LoadEvaluationPairs(strings.NewReader(testEvaluationDataset))
	require.NoError(t, err)
	require.Len(t, pairs, 4)
	assert.Equal(t, "How can I install numpy on Windows?", pairs[0].Query)
	assert.Empty(t, pairs[1].Query)

	_, err = LoadEvaluationPairs(strings.NewReader(`{"question": "not a list"}`))
	assert.Error(t, err)
}

func TestEvaluate(t *testing.T) {
	t.Parallel()
	pairs, err := LoadEvaluationPairs(strings.NewReader(testEvaluationDataset))
	require.NoError(t, err)

	result, err := Evaluate(
		context.Background(),
		NewHashEmbedder(testEmbeddingDimension),
		pairs,
		DefaultSearchMinSimilarity,
		nil,
	)
	require.NoError(t, err)
	assert.Equal(t, 3, result.TruePositives)
	assert.Equal(t, 0, result.FalsePositives)
	assert.Equal(t, 1, result.FalseNegatives)
	assert.InDelta(t, 1.0, result.Precision, 1e-9)
	assert.InDelta(t, 0.75, result.Recall, 1e-9)
	assert.InDelta(t, 2*0.75/1.75, result.F1, 1e-9)
}

func TestEvaluateFalsePositive(t *testing.T) {
	t.Parallel()
	pairs := []EvaluationPair{
		{Question: textNumpyQuestion, Query: textNginxQuestion},
		{Question: textNginxQuestion, Answer: textNginxAnswer},
	}
	result, err := Evaluate(
		context.Background(),
		NewHashEmbedder(testEmbeddingDimension),
		pairs,
		0.4,
		nil,
	)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TruePositives)
	assert.Equal(t, 1, result.FalsePositives)
	assert.Equal(t, 0, result.FalseNegatives)
	assert.InDelta(t, 0.5, result.Precision, 1e-9)
	assert.InDelta(t, 1.0, result.Recall, 1e-9)
	assert.InDelta(t, 2.0/3, result.F1, 1e-9)
}

func TestEvaluateEmpty(t *testing.T) {
	t.Parallel()
	_, err := Evaluate(context.Background(), NewHashEmbedder(8), nil, 0.5, nil)
	assert.Error(t, err)
}

func TestEvaluationScore(t *testing.T) {
	t.Parallel()
	var r EvaluationResult
	r.score()
	assert.Zero(t, r.Precision)
	assert.Zero(t, r.Recall)
	assert.Zero(t, r.F1)
}
