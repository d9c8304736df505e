// Package annotate derives keywords, sentiment, word timestamps and an
// optional summary from recognized text.
package annotate

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/llm"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

const (
	minKeywordRunes = 3
	negationWindow  = 3
	// sentimentAlpha controls how quickly the summed valence saturates toward ±1.
	sentimentAlpha = 15
)

// Input is one recognition pass to annotate. Offset and Duration locate the
// pass audio in session time and are used when the recognizer gave no word
// timings.
type Input struct {
	SessionID string
	Text      string
	Final     bool
	Words     []stt.Word
	Offset    float64
	Duration  float64
}

// Annotation is attached to a TranscriptEvent before delivery. Keywords and
// Timestamps are never nil.
type Annotation struct {
	Keywords   []string
	Sentiment  float64
	Timestamps []protocol.Timestamp
	Summary    string
}

// Annotator is safe for concurrent use.
type Annotator struct {
	maxKeywords int
	summarizer  *llm.Summarizer
}

// New returns an Annotator. A nil summarizer disables summaries.
func New(cfg config.AnnotatorConfig, summarizer *llm.Summarizer) *Annotator {
	if !cfg.Summarize {
		summarizer = nil
	}
	return &Annotator{maxKeywords: cfg.MaxKeywords, summarizer: summarizer}
}

// Annotate computes annotations for in. Keywords, sentiment and timestamps are
// always filled in; a summary is requested for final passes only. When the
// summary fails the returned Annotation is still usable and err says why.
func (a *Annotator) Annotate(ctx context.Context, in Input) (Annotation, error) {
	tokens := Tokenize(in.Text)
	ann := Annotation{
		Keywords:   Keywords(tokens, a.maxKeywords),
		Sentiment:  Sentiment(tokens),
		Timestamps: Timestamps(tokens, in.Words, in.Offset, in.Duration),
	}
	if !in.Final || a.summarizer == nil || len(tokens) == 0 {
		return ann, nil
	}
	summary, err := a.summarizer.Summarize(ctx, in.SessionID, in.Text)
	if err != nil {
		return ann, err
	}
	ann.Summary = summary
	return ann, nil
}

// Tokenize lower-cases text and splits it into words. Apostrophes inside a
// word are kept so contractions survive.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	tokens := fields[:0]
	for _, f := range fields {
		if f = strings.Trim(f, "'"); f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// Keywords ranks non-stopword tokens by frequency times length, breaking ties
// by first appearance. limit <= 0 means no limit.
func Keywords(tokens []string, limit int) []string {
	type candidate struct {
		word  string
		count int
		first int
	}
	byWord := make(map[string]*candidate)
	var order []*candidate
	for i, tok := range tokens {
		if _, stop := stopwords[tok]; stop || utf8.RuneCountInString(tok) < minKeywordRunes || isNumber(tok) {
			continue
		}
		c, ok := byWord[tok]
		if !ok {
			c = &candidate{word: tok, first: i}
			byWord[tok] = c
			order = append(order, c)
		}
		c.count++
	}
	sort.SliceStable(order, func(i, j int) bool {
		si := order[i].count * utf8.RuneCountInString(order[i].word)
		sj := order[j].count * utf8.RuneCountInString(order[j].word)
		if si != sj {
			return si > sj
		}
		return order[i].first < order[j].first
	})
	if limit > 0 && len(order) > limit {
		order = order[:limit]
	}
	out := make([]string, len(order))
	for i, c := range order {
		out[i] = c.word
	}
	return out
}

// Sentiment scores tokens against a valence lexicon with negation and
// intensifier handling. The result is in [-1, 1]; no opinion words score 0.
func Sentiment(tokens []string) float64 {
	var sum float64
	for i, tok := range tokens {
		v, ok := valence[tok]
		if !ok {
			continue
		}
		if i > 0 {
			if boost, ok := intensifiers[tokens[i-1]]; ok {
				v *= boost
			}
		}
		for j := i - 1; j >= 0 && j >= i-negationWindow; j-- {
			if _, neg := negations[tokens[j]]; neg {
				v *= -0.75
				break
			}
		}
		sum += v
	}
	if sum == 0 {
		return 0
	}
	score := sum / math.Sqrt(sum*sum+sentimentAlpha)
	return math.Max(-1, math.Min(1, score))
}

// Timestamps pairs words with offsets in seconds. Recognizer word timings are
// used when present; otherwise tokens are spread evenly across the pass.
func Timestamps(tokens []string, words []stt.Word, offset, duration float64) []protocol.Timestamp {
	out := []protocol.Timestamp{}
	if len(words) > 0 {
		for _, w := range words {
			out = append(out, protocol.Timestamp{Word: w.Text, Timestamp: round3(w.Start)})
		}
		return out
	}
	if len(tokens) == 0 {
		return out
	}
	step := duration / float64(len(tokens))
	for i, tok := range tokens {
		out = append(out, protocol.Timestamp{Word: tok, Timestamp: round3(offset + step*float64(i))})
	}
	return out
}

func isNumber(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
