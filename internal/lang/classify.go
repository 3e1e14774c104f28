// Package lang classifies post text into a language code using script
// ranges first and stop-word matching for Latin-script languages.
package lang

import (
	"strings"
	"unicode"

	"fedipulse/internal/text"
)

const (
	// Unknown is returned by ClassifyWithConfidence for empty input.
	Unknown = "unknown"
	// DefaultLanguage is what the pipeline assumes for ambiguous short posts.
	DefaultLanguage = "en"

	maxScanWords  = 50
	minConfidence = 0.1
)

// Ruleset holds the immutable classification tables. Built once at startup
// and injected into the classifier.
type Ruleset struct {
	stopWords map[string]map[string]struct{}
	// language evaluation order for deterministic tie-breaking
	order []string
}

// DefaultRuleset returns the built-in stop-word tables for the supported
// Latin-script languages.
func DefaultRuleset() *Ruleset {
	lists := map[string][]string{
		"en": {"the", "be", "to", "of", "and", "a", "in", "that", "have", "it",
			"for", "not", "on", "with", "as", "you", "do", "at", "this", "but",
			"his", "by", "from", "is", "was", "are", "we", "they", "what", "so"},
		"es": {"el", "la", "de", "que", "y", "en", "un", "ser", "se", "no",
			"por", "con", "su", "para", "como", "estar", "tener", "le", "lo",
			"todo", "pero", "más", "hacer", "poder", "los", "las", "una", "está"},
		"de": {"der", "die", "und", "den", "von", "zu", "das", "mit", "sich",
			"des", "auf", "für", "ist", "im", "dem", "nicht", "ein", "eine",
			"als", "auch", "es", "werden", "aus", "er", "hat", "dass", "sie", "nach"},
		"fr": {"le", "de", "un", "être", "et", "à", "il", "avoir", "ne", "je",
			"son", "que", "se", "qui", "ce", "dans", "en", "du", "elle", "au",
			"pour", "pas", "vous", "par", "sur", "faire", "plus", "est", "les"},
		"it": {"di", "e", "il", "la", "che", "è", "per", "un", "in", "non",
			"sono", "con", "mi", "si", "ho", "lo", "ma", "le", "una", "se",
			"ti", "gli", "anche", "come", "più", "del", "da", "questo"},
		"pt": {"o", "de", "que", "e", "do", "da", "em", "um", "para", "é",
			"com", "não", "uma", "os", "no", "se", "na", "por", "mais", "as",
			"dos", "como", "mas", "foi", "ao", "ele", "das", "tem"},
	}
	rs := &Ruleset{
		stopWords: make(map[string]map[string]struct{}, len(lists)),
		order:     []string{"en", "es", "de", "fr", "it", "pt"},
	}
	for lang, words := range lists {
		m := make(map[string]struct{}, len(words))
		for _, w := range words {
			m[w] = struct{}{}
		}
		rs.stopWords[lang] = m
	}
	return rs
}

// Classifier is stateless; safe for concurrent use.
type Classifier struct {
	rules *Ruleset
}

func New(rules *Ruleset) *Classifier {
	if rules == nil {
		rules = DefaultRuleset()
	}
	return &Classifier{rules: rules}
}

// Result pairs a text with its classification.
type Result struct {
	Language   string
	Confidence float64
}

// ClassifyWithConfidence returns (language, confidence in [0,1]).
// Empty or whitespace-only input returns (unknown, 0).
func (c *Classifier) ClassifyWithConfidence(s string) (string, float64) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Unknown, 0
	}
	if lang, conf, ok := classifyScript(s); ok {
		return lang, conf
	}
	return c.classifyLexical(s)
}

// Classify is the plain variant used by the pipeline: ambiguous or empty
// text defaults to English rather than being discarded.
func (c *Classifier) Classify(s string) string {
	lang, _ := c.ClassifyWithConfidence(s)
	if lang == Unknown {
		return DefaultLanguage
	}
	return lang
}

// ClassifyBatch classifies each text independently, preserving order.
func (c *Classifier) ClassifyBatch(texts []string) []Result {
	out := make([]Result, len(texts))
	for i, s := range texts {
		lang, conf := c.ClassifyWithConfidence(s)
		out[i] = Result{Language: lang, Confidence: conf}
	}
	return out
}

// BatchStats aggregates a batch into per-language counts.
func BatchStats(results []Result) map[string]int {
	stats := make(map[string]int)
	for _, r := range results {
		stats[r.Language]++
	}
	return stats
}

func isHiragana(r rune) bool { return r >= 0x3040 && r <= 0x309F }
func isKatakana(r rune) bool { return r >= 0x30A0 && r <= 0x30FF }
func isCJK(r rune) bool      { return unicode.Is(unicode.Han, r) }
func isHangul(r rune) bool   { return unicode.Is(unicode.Hangul, r) }
func isArabic(r rune) bool   { return unicode.Is(unicode.Arabic, r) }

// classifyScript applies the unambiguous script rules. Confidence is the
// fraction of non-space characters in the matched script, floored at 0.1.
func classifyScript(s string) (string, float64, bool) {
	var total, kana, cjk, hangul, arabic int
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		switch {
		case isHiragana(r) || isKatakana(r):
			kana++
		case isCJK(r):
			cjk++
		case isHangul(r):
			hangul++
		case isArabic(r):
			arabic++
		}
	}
	if total == 0 {
		return "", 0, false
	}
	frac := func(n int) float64 {
		f := float64(n) / float64(total)
		if f < minConfidence {
			f = minConfidence
		}
		return f
	}
	switch {
	case kana > 0:
		// Kanji counts toward Japanese once kana disambiguates it from Chinese.
		return "ja", frac(kana + cjk), true
	case cjk > 0:
		return "zh", frac(cjk), true
	case hangul > 0:
		return "ko", frac(hangul), true
	case arabic > 0:
		return "ar", frac(arabic), true
	}
	return "", 0, false
}

// classifyLexical matches tokens against per-language stop-word tables.
// Confidence is matches over words scanned (capped at maxScanWords).
func (c *Classifier) classifyLexical(s string) (string, float64) {
	tokens := text.Tokenize(s)
	if len(tokens) > maxScanWords {
		tokens = tokens[:maxScanWords]
	}
	if len(tokens) == 0 {
		return Unknown, 0
	}
	best := Unknown
	bestMatches := 0
	for _, lang := range c.rules.order {
		words := c.rules.stopWords[lang]
		matches := 0
		for _, tok := range tokens {
			if _, ok := words[tok]; ok {
				matches++
			}
		}
		if matches > bestMatches {
			best = lang
			bestMatches = matches
		}
	}
	if bestMatches == 0 {
		return Unknown, 0
	}
	return best, float64(bestMatches) / float64(len(tokens))
}
