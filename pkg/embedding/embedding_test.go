package embedding

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/similarity"
)

func TestText(t *testing.T) {
	r := models.NormalizedRecord{
		FullName: "Ana Pop",
		Email:    "ana@x.com",
		Phone:    "40722123456",
		Address:  "Str Lunga 5, Brasov",
	}
	assert.Equal(t, "ana pop | ana@x.com | 2123456 | str lunga 5, brasov", Text(r))
	assert.Equal(t, "", Text(models.NormalizedRecord{}))
}

func TestVectorizer(t *testing.T) {
	v, err := NewVectorizer(DefaultMinN, DefaultMaxN)
	require.NoError(t, err)

	t.Run("should reject an invalid range", func(t *testing.T) {
		_, err := NewVectorizer(3, 2)
		assert.Error(t, err)
	})

	t.Run("should produce unit vectors", func(t *testing.T) {
		vecs := v.FitTransform([]string{"ana pop", "ana popa", "zed"})
		require.Len(t, vecs, 3)
		for _, vec := range vecs {
			assert.InDelta(t, 1.0, vec.Norm(), 1e-9)
		}
		assert.Greater(t, similarity.Cosine(vecs[0], vecs[1]), similarity.Cosine(vecs[0], vecs[2]))
	})

	t.Run("should apply smoothed idf", func(t *testing.T) {
		w := &Vectorizer{MinN: 3, MaxN: 3}
		w.Fit([]string{"abc", "abd"})
		idx := w.Vocabulary["abc"]
		assert.InDelta(t, math.Log(3.0/2.0)+1, w.IDF[idx], 1e-12)
		assert.InDelta(t, 1.0, w.IDF[w.Vocabulary["ab"+"d"]]-math.Log(1.5), 1e-12)
	})

	t.Run("should ignore unknown ngrams", func(t *testing.T) {
		assert.Equal(t, 0, v.Transform("qqqqq").Len())
	})

	t.Run("should round trip through json", func(t *testing.T) {
		raw, err := v.Marshal()
		require.NoError(t, err)

		restored, err := Unmarshal(raw)
		require.NoError(t, err)
		assert.Equal(t, v.Transform("ana pop"), restored.Transform("ana pop"))

		_, err = Unmarshal(nil)
		assert.ErrorIs(t, err, ErrNoVectorizer)

		_, err = Unmarshal([]byte("null"))
		assert.ErrorIs(t, err, ErrNoVectorizer)
	})
}

func TestIndex_TopK(t *testing.T) {
	v, err := NewVectorizer(DefaultMinN, DefaultMaxN)
	require.NoError(t, err)
	vecs := v.FitTransform([]string{
		"john smith | john@x.com",
		"jon smith | john@x.com",
		"mary jones | mary@y.org",
		"",
	})

	idx := NewIndex(vecs)
	assert.Equal(t, 4, idx.Len())

	neighbors, err := idx.TopK(context.Background(), 1, 2)
	require.NoError(t, err)
	require.Len(t, neighbors, 4)

	require.Len(t, neighbors[0], 1)
	assert.Equal(t, 1, neighbors[0][0].Index)
	assert.Equal(t, 0, neighbors[1][0].Index)
	assert.Empty(t, neighbors[3])

	for doc, hits := range neighbors {
		for _, h := range hits {
			assert.NotEqual(t, doc, h.Index)
			assert.Greater(t, h.Similarity, 0.0)
		}
	}
}

func TestIndex_TopKCancelled(t *testing.T) {
	idx := NewIndex([]similarity.Vector{{Indices: []int{0}, Values: []float64{1}}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := idx.TopK(ctx, 5, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
