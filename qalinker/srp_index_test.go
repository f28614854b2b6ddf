package qalinker

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestNewSRPIndexValidation(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name                string
		dim, planes, bands int
	}{
		{"zero dimension", 0, 64, 8},
		{"zero planes", 16, 0, 8},
		{"zero bands", 16, 64, 0},
		{"uneven bands", 16, 64, 7},
		{"band too wide", 16, 130, 2},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				_, err := NewSRPIndex(tc.dim, tc.planes, tc.bands, 1)
				assert.ErrorIs(t, err, ErrInvalidIndexConfig)
			},
		)
	}

	idx, err := NewSRPIndex(16, 64, 8, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Len())
}

func TestSRPIndex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := NewHashEmbedder(testEmbeddingDimension)
	embed := func(text string) []float32 {
		v, err := e.Embed(ctx, text)
		require.NoError(t, err)
		return v
	}

	idx, err := NewSRPIndex(testEmbeddingDimension, DefaultIndexPlanes, DefaultIndexBands, DefaultIndexSeed)
	require.NoError(t, err)

	numpy := embed("How do I install numpy on Windows?")
	require.NoError(t, idx.Add("q1", numpy))
	require.NoError(t, idx.Add("q2", embed("How do I configure nginx reverse proxy?")))
	assert.Equal(t, 2, idx.Len())

	// an identical vector always shares every band
	assert.Contains(t, idx.Candidates(numpy), "q1")

	// re-adding replaces
	require.NoError(t, idx.Add("q1", numpy))
	assert.Equal(t, 2, idx.Len())

	idx.Remove("q1")
	assert.NotContains(t, idx.Candidates(numpy), "q1")
	assert.Equal(t, 1, idx.Len())
	idx.Remove("unknown")
	assert.Equal(t, 1, idx.Len())

	assert.ErrorIs(t, idx.Add("bad", []float32{1, 2, 3}), ErrDimensionMismatch)
	assert.Nil(t, idx.Candidates([]float32{1, 2, 3}))
}

func TestSRPIndexDeterministic(t *testing.T) {
	t.Parallel()
	vec, err := NewHashEmbedder(64).Embed(context.Background(), "where are the docs")
	require.NoError(t, err)

	a, err := NewSRPIndex(64, 32, 4, 7)
	require.NoError(t, err)
	b, err := NewSRPIndex(64, 32, 4, 7)
	require.NoError(t, err)
	assert.Equal(t, a.bandKeys(vec), b.bandKeys(vec))
}
