// Package embedding turns patient records into sparse TF-IDF vectors over
// character n-grams and finds nearest neighbours among them.
package embedding

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/similarity"
)

const (
	DefaultMinN = 3
	DefaultMaxN = 5
)

// Text renders the embedding input of a record:
// "fullname | email | last7phone | address | dob", lower-cased, empty parts dropped.
func Text(r models.NormalizedRecord) string {
	phone := r.Phone
	if len(phone) > 7 {
		phone = phone[len(phone)-7:]
	}
	parts := []string{
		strings.ToLower(r.FullName),
		strings.ToLower(r.Email),
		phone,
		strings.ToLower(r.Address),
		strings.ToLower(r.DOB),
	}
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " | ")
}

// Vectorizer is a fitted TF-IDF model. It serializes to JSON so a run can
// persist it and intake can score new records in the same space.
type Vectorizer struct {
	MinN       int            `json:"min_n"`
	MaxN       int            `json:"max_n"`
	Vocabulary map[string]int `json:"vocabulary"`
	IDF        []float64      `json:"idf"`
}

// NewVectorizer returns an unfitted vectorizer for n-grams in [minN, maxN].
func NewVectorizer(minN, maxN int) (*Vectorizer, error) {
	if minN <= 0 || maxN < minN {
		return nil, fmt.Errorf("invalid n-gram range [%d, %d]", minN, maxN)
	}
	return &Vectorizer{MinN: minN, MaxN: maxN}, nil
}

// Fitted reports whether the vectorizer has a vocabulary.
func (v *Vectorizer) Fitted() bool {
	return v != nil && len(v.Vocabulary) > 0
}

// ngrams splits text into character n-grams after lower-casing and collapsing whitespace.
func (v *Vectorizer) ngrams(text string) map[string]int {
	runes := []rune(normalizers.CollapseWhitespace(strings.ToLower(text)))
	counts := make(map[string]int)
	for n := v.MinN; n <= v.MaxN; n++ {
		for i := 0; i+n <= len(runes); i++ {
			counts[string(runes[i:i+n])]++
		}
	}
	return counts
}

// Fit learns the vocabulary and smoothed inverse document frequencies.
// Terms are indexed in lexical order.
func (v *Vectorizer) Fit(texts []string) {
	df := make(map[string]int)
	for _, text := range texts {
		for term := range v.ngrams(text) {
			df[term]++
		}
	}

	terms := make([]string, 0, len(df))
	for term := range df {
		terms = append(terms, term)
	}
	sort.Strings(terms)

	n := float64(len(texts))
	v.Vocabulary = make(map[string]int, len(terms))
	v.IDF = make([]float64, len(terms))
	for i, term := range terms {
		v.Vocabulary[term] = i
		v.IDF[i] = math.Log((1+n)/(1+float64(df[term]))) + 1
	}
}

// Transform projects one text into the fitted space; the result is l2-normalized.
// Unknown n-grams are ignored, so a text with none of them yields an empty vector.
func (v *Vectorizer) Transform(text string) similarity.Vector {
	if !v.Fitted() {
		return similarity.Vector{}
	}
	weights := make(map[int]float64)
	for term, count := range v.ngrams(text) {
		idx, ok := v.Vocabulary[term]
		if !ok {
			continue
		}
		weights[idx] = float64(count) * v.IDF[idx]
	}

	vec := similarity.Vector{
		Indices: make([]int, 0, len(weights)),
		Values:  make([]float64, 0, len(weights)),
	}
	for idx := range weights {
		vec.Indices = append(vec.Indices, idx)
	}
	sort.Ints(vec.Indices)

	var norm float64
	for _, idx := range vec.Indices {
		norm += weights[idx] * weights[idx]
	}
	norm = math.Sqrt(norm)
	for _, idx := range vec.Indices {
		vec.Values = append(vec.Values, weights[idx]/norm)
	}
	return vec
}

// TransformAll projects every text, preserving order.
func (v *Vectorizer) TransformAll(texts []string) []similarity.Vector {
	out := make([]similarity.Vector, len(texts))
	for i, text := range texts {
		out[i] = v.Transform(text)
	}
	return out
}

// FitTransform fits on texts and returns their vectors.
func (v *Vectorizer) FitTransform(texts []string) []similarity.Vector {
	v.Fit(texts)
	return v.TransformAll(texts)
}

// Marshal serializes the fitted model.
func (v *Vectorizer) Marshal() (json.RawMessage, error) {
	return json.Marshal(v)
}

// ErrNoVectorizer is returned for runs that never persisted a model.
var ErrNoVectorizer = errors.New("no vectorizer persisted")

// Unmarshal restores a model produced by Marshal.
func Unmarshal(data []byte) (*Vectorizer, error) {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, ErrNoVectorizer
	}
	var v Vectorizer
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode vectorizer: %w", err)
	}
	if len(v.IDF) != len(v.Vocabulary) {
		return nil, fmt.Errorf("corrupt vectorizer: %d terms, %d weights", len(v.Vocabulary), len(v.IDF))
	}
	return &v, nil
}
