package toolindex

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// minWordLen is the shortest word indexed on its own; shorter words
// only appear inside the full phrase.
const minWordLen = 3

// stopWords are dropped from the keyword index.
var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "that": {},
	"this": {}, "are": {}, "was": {}, "were": {}, "will": {}, "can": {},
	"has": {}, "have": {}, "had": {}, "not": {}, "but": {}, "all": {},
	"any": {}, "its": {}, "into": {}, "onto": {}, "over": {}, "than": {},
	"then": {}, "them": {}, "they": {}, "their": {}, "there": {}, "these": {},
	"those": {}, "what": {}, "when": {}, "where": {}, "which": {}, "who": {},
	"why": {}, "how": {}, "you": {}, "your": {}, "our": {}, "use": {},
	"used": {}, "using": {}, "via": {}, "also": {}, "each": {}, "such": {},
	"may": {}, "should": {}, "would": {}, "could": {}, "about": {}, "given": {},
	"tool": {}, "tools": {},
}

// normalize lowercases s, turns every rune that is not a letter or digit
// into a space, and collapses whitespace. "Read_File (v2)" becomes
// "read file v2".
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSuffix(b.String(), " ")
}

// tokenize returns the normalized full phrase followed by every distinct
// word of at least minWordLen runes. A single-word phrase appears once.
func tokenize(s string) []string {
	phrase := normalize(s)
	if phrase == "" {
		return nil
	}
	out := []string{phrase}
	seen := map[string]struct{}{phrase: {}}
	for _, w := range strings.Fields(phrase) {
		if utf8.RuneCountInString(w) < minWordLen {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// keywords returns the distinct indexable words of s that are not stop
// words. The full phrase is not included.
func keywords(s string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, w := range strings.Fields(normalize(s)) {
		if utf8.RuneCountInString(w) < minWordLen {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}
