package perturb

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Reconcile rewrites every occurrence of a substitution's original in text to
// its replacement. Matching is case-insensitive and whole-word; longer
// originals win over shorter ones that overlap them. Replaced text is never
// rescanned. A capitalized or all-caps match yields a capitalized or all-caps
// replacement. Output depends only on the inputs.
func Reconcile(text string, subs []Substitution) string {
	pats := make([]pattern, 0, len(subs))
	for _, s := range subs {
		if s.Original == "" {
			continue
		}
		pats = append(pats, pattern{runes: []rune(s.Original), replacement: s.Replacement})
	}
	return rewrite(text, pats)
}

// FixLeaks is Reconcile for text the model has already rewritten: every
// replacement it contains is left as written, so an original inside its own
// replacement ("engineer" in "civil engineer") is not swapped again. A
// replacement that is also some substitution's original is still treated as
// a leak.
func FixLeaks(text string, subs []Substitution) string {
	originals := make(map[string]bool, len(subs))
	for _, s := range subs {
		originals[strings.ToLower(s.Original)] = true
	}
	pats := make([]pattern, 0, 2*len(subs))
	for _, s := range subs {
		if s.Original == "" {
			continue
		}
		pats = append(pats, pattern{runes: []rune(s.Original), replacement: s.Replacement})
		if s.Replacement != "" && !originals[strings.ToLower(s.Replacement)] {
			pats = append(pats, pattern{runes: []rune(s.Replacement), keep: true})
		}
	}
	return rewrite(text, pats)
}

type pattern struct {
	runes       []rune
	replacement string
	// keep copies the match through unchanged.
	keep bool
}

func rewrite(text string, pats []pattern) string {
	if text == "" || len(pats) == 0 {
		return text
	}
	sort.SliceStable(pats, func(i, j int) bool {
		if len(pats[i].runes) != len(pats[j].runes) {
			return len(pats[i].runes) > len(pats[j].runes)
		}
		return string(pats[i].runes) < string(pats[j].runes)
	})

	var sb strings.Builder
	sb.Grow(len(text))
	prev := rune(-1)
	for i := 0; i < len(text); {
		matched := false
		if boundaryBefore(prev, text[i:]) {
			for _, p := range pats {
				end, ok := matchFold(text, i, p.runes)
				if !ok || !boundaryAfter(text[i:end], text[end:]) {
					continue
				}
				if p.keep {
					sb.WriteString(text[i:end])
				} else {
					sb.WriteString(applyCase(text[i:end], p.replacement))
				}
				prev, _ = utf8.DecodeLastRuneInString(text[i:end])
				i = end
				matched = true
				break
			}
		}
		if !matched {
			r, size := utf8.DecodeRuneInString(text[i:])
			sb.WriteString(text[i : i+size])
			prev = r
			i += size
		}
	}
	return sb.String()
}

// matchFold reports whether pat occurs case-insensitively at text[i:] and
// returns the byte offset just past the match.
func matchFold(text string, i int, pat []rune) (int, bool) {
	for _, pr := range pat {
		if i >= len(text) {
			return 0, false
		}
		r, size := utf8.DecodeRuneInString(text[i:])
		if !equalFoldRune(r, pr) {
			return 0, false
		}
		i += size
	}
	return i, true
}

func equalFoldRune(a, b rune) bool {
	if a == b {
		return true
	}
	for r := unicode.SimpleFold(a); r != a; r = unicode.SimpleFold(r) {
		if r == b {
			return true
		}
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// unspaced reports whether r belongs to a script written without spaces
// between words, where any position is a boundary.
func unspaced(r rune) bool {
	return unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Thai, r)
}

func boundaryBefore(prev rune, rest string) bool {
	if prev < 0 || !isWordRune(prev) {
		return true
	}
	first, _ := utf8.DecodeRuneInString(rest)
	return !isWordRune(first) || unspaced(prev) || unspaced(first)
}

func boundaryAfter(match, rest string) bool {
	if rest == "" {
		return true
	}
	next, _ := utf8.DecodeRuneInString(rest)
	if !isWordRune(next) {
		return true
	}
	last, _ := utf8.DecodeLastRuneInString(match)
	return !isWordRune(last) || unspaced(last) || unspaced(next)
}

// applyCase carries the casing of the matched text over to replacement.
func applyCase(matched, replacement string) string {
	letters, upper := 0, 0
	for _, r := range matched {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters > 1 && upper == letters {
		return strings.ToUpper(replacement)
	}

	first, _ := utf8.DecodeRuneInString(matched)
	if !unicode.IsUpper(first) {
		return replacement
	}
	r, size := utf8.DecodeRuneInString(replacement)
	if r == utf8.RuneError || unicode.IsUpper(r) {
		return replacement
	}
	return string(unicode.ToUpper(r)) + replacement[size:]
}
