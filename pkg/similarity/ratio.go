package similarity

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Ratio is the normalized edit similarity of a and b: 1 - distance/maxlen.
func Ratio(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := len([]rune(a)), len([]rune(b))
	maxLen := max(la, lb)
	if maxLen == 0 {
		return 1
	}
	if la == 0 || lb == 0 {
		return 0
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(maxLen)
}

// PartialRatio is the best Ratio of the shorter string against every
// equal-length window of the longer one.
func PartialRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	if len(ra) > len(rb) {
		ra, rb = rb, ra
	}
	if len(ra) == 0 {
		return 0
	}
	short := string(ra)
	best := 0.0
	for i := 0; i+len(ra) <= len(rb); i++ {
		r := Ratio(short, string(rb[i:i+len(ra)]))
		if r > best {
			best = r
			if best == 1 {
				break
			}
		}
	}
	return best
}

func sortedTokens(s string) []string {
	tokens := strings.Fields(s)
	sort.Strings(tokens)
	return tokens
}

// TokenSortRatio compares the strings after sorting their whitespace tokens.
func TokenSortRatio(a, b string) float64 {
	return Ratio(strings.Join(sortedTokens(a), " "), strings.Join(sortedTokens(b), " "))
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range strings.Fields(s) {
		set[t] = struct{}{}
	}
	return set
}

func setKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func tokenSetParts(a, b string) (sect, diffAB, diffBA []string) {
	sa, sb := tokenSet(a), tokenSet(b)
	for _, t := range setKeys(sa) {
		if _, ok := sb[t]; ok {
			sect = append(sect, t)
		} else {
			diffAB = append(diffAB, t)
		}
	}
	for _, t := range setKeys(sb) {
		if _, ok := sa[t]; !ok {
			diffBA = append(diffBA, t)
		}
	}
	return sect, diffAB, diffBA
}

// TokenSetRatio compares the shared tokens against each side's full token set.
// A string whose tokens are a subset of the other's scores 1.
func TokenSetRatio(a, b string) float64 {
	sect, diffAB, diffBA := tokenSetParts(a, b)
	if len(sect) == 0 && (len(diffAB) == 0 || len(diffBA) == 0) {
		return 0
	}
	if len(sect) > 0 && (len(diffAB) == 0 || len(diffBA) == 0) {
		return 1
	}

	base := strings.Join(sect, " ")
	withA := strings.TrimSpace(base + " " + strings.Join(diffAB, " "))
	withB := strings.TrimSpace(base + " " + strings.Join(diffBA, " "))

	best := Ratio(withA, withB)
	if base != "" {
		best = max(best, Ratio(base, withA), Ratio(base, withB))
	}
	return best
}

// WeightedRatio picks the best of the plain, token and partial ratios, scaling
// down the looser comparisons. Strings of very different lengths are judged
// mostly on partial matches.
func WeightedRatio(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	const unbaseScale = 0.95

	la, lb := len([]rune(a)), len([]rune(b))
	lenRatio := float64(max(la, lb)) / float64(min(la, lb))

	base := Ratio(a, b)
	if lenRatio < 1.5 {
		tokens := max(TokenSortRatio(a, b), TokenSetRatio(a, b)) * unbaseScale
		return max(base, tokens)
	}

	partialScale := 0.9
	if lenRatio >= 8 {
		partialScale = 0.6
	}
	partial := PartialRatio(a, b) * partialScale
	partialTokens := max(
		PartialRatio(strings.Join(sortedTokens(a), " "), strings.Join(sortedTokens(b), " ")),
		TokenSetRatio(a, b),
	) * unbaseScale * partialScale
	return max(base, partial, partialTokens)
}
