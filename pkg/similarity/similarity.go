// Package similarity holds the field comparison functions used by the pair
// scorer. Every function returns a value in [0,1] and treats an empty input on
// either side as no evidence (0).
package similarity

import (
	"math"
	"strings"

	"github.com/Ramsey-B/fern/pkg/normalizers"
)

// DefaultPhoneDigits is how many trailing digits Phone compares.
const DefaultPhoneDigits = 4

// Name compares two full names with a weighted fuzzy ratio.
func Name(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return 0
	}
	return WeightedRatio(a, b)
}

// DOB is 1 when both dates are present and identical.
func DOB(a, b string) float64 {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a != "" && a == b {
		return 1
	}
	return 0
}

// Email is 1 on an exact match. Within the same domain the local parts are
// compared with a floor of 0.6; otherwise the whole addresses are compared.
func Email(a, b string) float64 {
	a, b = normalizers.NormalizeEmail(a), normalizers.NormalizeEmail(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	la, da, okA := strings.Cut(a, "@")
	lb, db, okB := strings.Cut(b, "@")
	if !okA || !okB {
		return WeightedRatio(a, b)
	}
	if da == db {
		return math.Max(0.6, WeightedRatio(la, lb))
	}
	return WeightedRatio(a, b)
}

// Phone is 1 when both numbers carry at least lastN digits and the last lastN agree.
func Phone(a, b string, lastN int) float64 {
	if lastN <= 0 {
		lastN = DefaultPhoneDigits
	}
	a, b = normalizers.DigitsOnly(a), normalizers.DigitsOnly(b)
	if len(a) < lastN || len(b) < lastN {
		return 0
	}
	if a[len(a)-lastN:] == b[len(b)-lastN:] {
		return 1
	}
	return 0
}

// Address is the Jaccard index of the token sets, keeping tokens longer than two characters.
func Address(a, b string) float64 {
	ta, tb := addressTokens(a), addressTokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func addressTokens(s string) map[string]struct{} {
	s = strings.ToLower(strings.ReplaceAll(s, ",", " "))
	tokens := make(map[string]struct{})
	for _, t := range strings.Fields(s) {
		if len([]rune(t)) > 2 {
			tokens[t] = struct{}{}
		}
	}
	return tokens
}

// Gender is 1 when both values normalize to the same known category.
func Gender(a, b string) float64 {
	ga, gb := normalizers.NormalizeGender(a), normalizers.NormalizeGender(b)
	if ga == "" || gb == "" {
		return 0
	}
	if ga == gb {
		return 1
	}
	return 0
}

// SSNHard reports whether both national ids are present and identical.
func SSNHard(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a != "" && a == b
}

// SameDomain is 1 when both emails have the same non-empty domain.
func SameDomain(a, b string) float64 {
	da, db := normalizers.EmailDomain(a), normalizers.EmailDomain(b)
	if da != "" && da == db {
		return 1
	}
	return 0
}

// Round4 rounds to four decimals.
func Round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
