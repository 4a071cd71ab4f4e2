// Package wordfilter detects blocked words inside usernames and other short
// display strings.
package wordfilter

import (
	"slices"
	"strings"

	goahocorasick "github.com/anknown/ahocorasick"
	"github.com/samber/lo"
)

// Filter matches blocked words as case-insensitive substrings.
// The zero value and a Filter built from an empty list match nothing.
type Filter struct {
	matcher *goahocorasick.Machine
	words   []string
}

// New builds a Filter from words. Blank entries are ignored.
func New(words []string) (*Filter, error) {
	cleaned := lo.Uniq(lo.FilterMap(words, func(w string, _ int) (string, bool) {
		w = strings.ToLower(strings.TrimSpace(w))
		return w, w != ""
	}))
	slices.Sort(cleaned)

	f := &Filter{words: cleaned}
	if len(cleaned) == 0 {
		return f, nil
	}

	patterns := lo.Map(cleaned, func(w string, _ int) []rune { return []rune(w) })
	m := new(goahocorasick.Machine)
	if err := m.Build(patterns); err != nil {
		return nil, err
	}
	f.matcher = m
	return f, nil
}

// Contains reports whether s contains any blocked word.
func (f *Filter) Contains(s string) bool {
	if f == nil || f.matcher == nil {
		return false
	}
	content := []rune(strings.ToLower(s))
	if len(content) == 0 {
		return false
	}
	return len(f.matcher.MultiPatternSearch(content, true)) > 0
}

// Words returns the normalized blocked word list.
func (f *Filter) Words() []string {
	if f == nil {
		return nil
	}
	return append([]string(nil), f.words...)
}
