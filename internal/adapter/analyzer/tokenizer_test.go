package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenizer_Tokenize_WithStemming(t *testing.T) {
	tok := NewTokenizer(Options{Stemming: true, Stopwords: true, MinLength: 2})

	tokens := tok.Tokenize("running dogs are playing")
	assert.Equal(t, []string{"run", "dog", "plai"}, tokens)
}

func TestTokenizer_Tokenize_WithoutStemming(t *testing.T) {
	tok := NewTokenizer(DefaultOptions())

	tokens := tok.Tokenize("Running dogs are playing")
	assert.Equal(t, []string{"running", "dogs", "playing"}, tokens)
}

func TestTokenizer_StopwordsDisabled(t *testing.T) {
	tok := NewTokenizer(Options{MinLength: 2})

	tokens := tok.Tokenize("the quick fox")
	assert.Equal(t, []string{"the", "quick", "fox"}, tokens)
}

func TestTokenizer_ShortWordRemoval(t *testing.T) {
	tok := NewTokenizer(DefaultOptions())

	tokens := tok.Tokenize("a I go x1")
	assert.Equal(t, []string{"go", "x1"}, tokens)
}

func TestTokenizer_SplitsOnPunctuation(t *testing.T) {
	tok := NewTokenizer(DefaultOptions())

	tokens := tok.Tokenize("retrieval-augmented, generation!")
	assert.Equal(t, []string{"retrieval", "augmented", "generation"}, tokens)
}

func TestTokenizer_Normalize_SumsCollidingKeys(t *testing.T) {
	tok := NewTokenizer(DefaultOptions())

	got := tok.Normalize(map[string]int{
		"Vector":       2,
		"vector":       1,
		"the":          5,
		"zero":         0,
		"dense-vector": 1,
	})

	require.Len(t, got, 2)
	assert.Equal(t, 4, got["vector"])
	assert.Equal(t, 1, got["dense"])
}

func TestTokenizer_CountTokens(t *testing.T) {
	tok := NewTokenizer(DefaultOptions())

	assert.Equal(t, 7, tok.CountTokens("hello world this is a test"))
	assert.Equal(t, 0, tok.CountTokens("  ,, "))
}

func TestPorterStemmer_Deterministic(t *testing.T) {
	s := NewPorterStemmer()

	cases := map[string]string{
		"caresses":       "caress",
		"ponies":         "poni",
		"relational":     "relat",
		"conditional":    "condit",
		"hopping":        "hop",
		"agreed":         "agre",
		"generalization": "gener",
	}
	for in, want := range cases {
		for i := 0; i < 5; i++ {
			assert.Equal(t, want, s.Stem(in), in)
		}
	}
}
