package lineedit

import (
	"sort"
	"strings"
)

// Autocomplete resolves partial against candidates.
//
// A single case-insensitive prefix match is returned with a trailing space.
// Several matches yield the longest prefix shared by all of them, but only when
// it extends partial. The second return value is false when the line should
// stay as it is.
func Autocomplete(partial string, candidates []string) (string, bool) {
	matches := prefixMatches(partial, candidates)
	switch len(matches) {
	case 0:
		return "", false
	case 1:
		return matches[0] + " ", true
	}

	first := matches[0]
	shared := len(partial)
	for l := len(partial) + 1; l <= len(first); l++ {
		prefix := strings.ToLower(first[:l])
		all := true
		for _, m := range matches[1:] {
			if !strings.HasPrefix(strings.ToLower(m), prefix) {
				all = false
				break
			}
		}
		if !all {
			break
		}
		shared = l
	}

	if shared > len(partial) {
		return first[:shared], true
	}
	return "", false
}

// prefixMatches returns the sorted candidates sharing a case-insensitive prefix with partial.
func prefixMatches(partial string, candidates []string) []string {
	lower := strings.ToLower(partial)
	var out []string
	for _, c := range candidates {
		if strings.HasPrefix(strings.ToLower(c), lower) {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}
