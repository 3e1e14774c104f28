package text

import (
	"regexp"
	"strings"
)

var (
	whitespace = regexp.MustCompile(`\s+`)
	tags       = regexp.MustCompile(`<[^>]*>`)
)

// NormalizeWhitespace trims and collapses whitespace to single spaces.
func NormalizeWhitespace(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// StripMarkup removes HTML tags and unescapes nothing; remote statuses carry
// simple markup (p, br, a, span) that would otherwise skew word matching.
func StripMarkup(s string) string {
	s = strings.ReplaceAll(s, "<br>", " ")
	s = strings.ReplaceAll(s, "<br/>", " ")
	s = strings.ReplaceAll(s, "</p>", " ")
	return NormalizeWhitespace(tags.ReplaceAllString(s, " "))
}

// Tokenize lowercases and splits on spaces and punctuation.
func Tokenize(s string) []string {
	s = strings.ToLower(s)
	repl := strings.NewReplacer(
		",", " ", ".", " ", "!", " ", "?", " ", ":", " ", ";", " ",
		"\n", " ", "\t", " ", "\r", " ", "(", " ", ")", " ", "[", " ", "]", " ",
		"\"", " ", "'", " ",
	)
	return strings.Fields(repl.Replace(s))
}
