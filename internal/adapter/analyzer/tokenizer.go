package analyzer

import (
	"strings"
	"unicode"
)

// Options selects the normalization policy. The same policy must be used at
// index time and at query time.
type Options struct {
	Stemming  bool
	Stopwords bool
	MinLength int
}

func DefaultOptions() Options {
	return Options{Stopwords: true, MinLength: 2}
}

// Tokenizer splits text into normalized terms.
type Tokenizer struct {
	stemmer   *PorterStemmer
	stopwords map[string]struct{}
	minLength int
}

func NewTokenizer(opts Options) *Tokenizer {
	t := &Tokenizer{minLength: opts.MinLength}
	if t.minLength <= 0 {
		t.minLength = 1
	}
	if opts.Stemming {
		t.stemmer = NewPorterStemmer()
	}
	if opts.Stopwords {
		t.stopwords = defaultStopwords()
	}
	return t
}

// Tokenize lowercases text, splits it on non-word runes and drops short
// words and stopwords before stemming.
func (t *Tokenizer) Tokenize(text string) []string {
	words := splitWords(text)
	tokens := make([]string, 0, len(words))

	for _, word := range words {
		word = strings.ToLower(word)
		if len([]rune(word)) < t.minLength {
			continue
		}
		if _, isStop := t.stopwords[word]; isStop {
			continue
		}
		if t.stemmer != nil {
			word = t.stemmer.Stem(word)
		}
		tokens = append(tokens, word)
	}

	return tokens
}

// Normalize maps raw term frequencies through Tokenize. Keys that normalize
// to the same term have their frequencies summed; keys that normalize to
// nothing are dropped.
func (t *Tokenizer) Normalize(terms map[string]int) map[string]int {
	out := make(map[string]int, len(terms))
	for raw, tf := range terms {
		if tf <= 0 {
			continue
		}
		for _, term := range t.Tokenize(raw) {
			out[term] += tf
		}
	}
	return out
}

// CountTokens returns an approximate token count for LLM budget estimation.
func (t *Tokenizer) CountTokens(text string) int {
	words := splitWords(text)
	if len(words) == 0 {
		return 0
	}
	// an average word is about 1.3 subword tokens
	return int(float64(len(words)) * 1.3)
}

func splitWords(text string) []string {
	var words []string
	var current strings.Builder

	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			current.WriteRune(r)
		} else if current.Len() > 0 {
			words = append(words, current.String())
			current.Reset()
		}
	}
	if current.Len() > 0 {
		words = append(words, current.String())
	}

	return words
}

func defaultStopwords() map[string]struct{} {
	stops := []string{
		"a", "an", "and", "are", "as", "at", "be", "by", "for",
		"from", "has", "he", "in", "is", "it", "its", "of", "on",
		"that", "the", "to", "was", "were", "will", "with", "this",
		"have", "had", "but", "not", "you", "your", "we", "our",
		"they", "their", "she", "her", "his", "if", "or", "so",
		"no", "can", "do", "does", "did", "been", "being", "would",
		"could", "should", "may", "might", "must", "shall", "which",
		"who", "whom", "what", "when", "where", "why", "how", "all",
		"each", "every", "both", "few", "more", "most", "other",
		"some", "such", "than", "too", "very", "just", "also",
	}
	m := make(map[string]struct{}, len(stops))
	for _, s := range stops {
		m[s] = struct{}{}
	}
	return m
}
