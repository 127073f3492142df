// Package normalizers provides field normalization functions for scoring and blocking
package normalizers

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Normalizer is a function that normalizes a string value
type Normalizer func(string) string

// registry holds the named normalizers canonical chains refer to
var registry = make(map[string]Normalizer)

func init() {
	Register("trim", strings.TrimSpace)
	Register("collapse_whitespace", CollapseWhitespace)
	Register("nemail", NormalizeEmail)
	Register("ndate", NormalizeDate)
}

// Register adds a normalizer to the registry
func Register(name string, fn Normalizer) {
	registry[name] = fn
}

// Apply applies a named normalizer to a value. Unknown names leave the value untouched.
func Apply(value, normalizer string) string {
	fn, ok := registry[normalizer]
	if !ok {
		return value
	}
	return fn(value)
}

// ApplyChain applies multiple normalizers in sequence
func ApplyChain(value string, normalizers ...string) string {
	result := value
	for _, name := range normalizers {
		result = Apply(result, name)
	}
	return result
}

// DigitsOnly keeps only digit characters
func DigitsOnly(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// NormalizeEmail normalizes an email address (lowercase, trim)
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// EmailDomain returns the lower-cased part after the first "@", or "" when there is none.
func EmailDomain(s string) string {
	s = NormalizeEmail(s)
	_, domain, ok := strings.Cut(s, "@")
	if !ok {
		return ""
	}
	return domain
}

// EmailLocal returns the lower-cased part before the first "@".
func EmailLocal(s string) string {
	s = NormalizeEmail(s)
	local, _, _ := strings.Cut(s, "@")
	return local
}

var spaceRe = regexp.MustCompile(`\s+`)

// CollapseWhitespace replaces runs of whitespace with one space and trims.
func CollapseWhitespace(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// NormalizeName lower-cases a name and collapses internal whitespace.
func NormalizeName(s string) string {
	return CollapseWhitespace(strings.ToLower(s))
}

var (
	genderMale   = map[string]struct{}{"m": {}, "male": {}, "masculin": {}, "masc": {}, "b": {}}
	genderFemale = map[string]struct{}{"f": {}, "female": {}, "feminin": {}, "fem": {}}
	genderOther  = map[string]struct{}{"o": {}, "other": {}, "alt": {}, "non-binary": {}, "nonbinary": {}, "nb": {}}
)

// NormalizeGender maps a free-form gender to m, f or o. Unknown values yield "".
func NormalizeGender(s string) string {
	g := strings.ToLower(strings.TrimSpace(s))
	if g == "" {
		return ""
	}
	if _, ok := genderMale[g]; ok {
		return "m"
	}
	if _, ok := genderFemale[g]; ok {
		return "f"
	}
	if _, ok := genderOther[g]; ok {
		return "o"
	}
	switch g[0] {
	case 'm', 'f', 'o':
		return g[:1]
	}
	return ""
}

var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"2006/01/02",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

// NormalizeDate renders a parseable date as YYYY-MM-DD. Unparseable input is
// returned trimmed so exact comparison still works on it.
func NormalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return s
}

// JoinAddress builds "address, city, county" skipping empty parts.
func JoinAddress(address, city, county string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{address, city, county} {
		p = CollapseWhitespace(p)
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// NormalizeRecord derives the scoring projection of a patient.
func NormalizeRecord(p *models.Patient) models.NormalizedRecord {
	first := strings.TrimSpace(p.FirstName)
	last := strings.TrimSpace(p.LastName)
	return models.NormalizedRecord{
		RecordID:    p.RecordID,
		FirstName:   strings.ToLower(first),
		LastName:    strings.ToLower(last),
		FullName:    strings.TrimSpace(first + " " + last),
		Email:       NormalizeEmail(p.Email),
		EmailDomain: EmailDomain(p.Email),
		Phone:       DigitsOnly(p.PhoneNumber),
		Address:     JoinAddress(p.Address, p.City, p.County),
		Gender:      NormalizeGender(p.Gender),
		DOB:         NormalizeDate(p.DateOfBirth),
		SSN:         strings.TrimSpace(p.SSN),
	}
}

// NormalizeRecords normalizes a slice of patients preserving order.
func NormalizeRecords(patients []models.Patient) []models.NormalizedRecord {
	out := make([]models.NormalizedRecord, len(patients))
	for i := range patients {
		out[i] = NormalizeRecord(&patients[i])
	}
	return out
}

type canonicalField struct {
	name  string
	value func(p *models.Patient) *string
	chain []string
}

// canonicalFields lists the stored fields rewritten before a record is
// persisted and the normalizer chain applied to each.
var canonicalFields = []canonicalField{
	{name: "record_id", value: func(p *models.Patient) *string { return &p.RecordID }, chain: []string{"trim"}},
	{name: "first_name", value: func(p *models.Patient) *string { return &p.FirstName }, chain: []string{"collapse_whitespace"}},
	{name: "last_name", value: func(p *models.Patient) *string { return &p.LastName }, chain: []string{"collapse_whitespace"}},
	{name: "email", value: func(p *models.Patient) *string { return &p.Email }, chain: []string{"nemail"}},
	{name: "date_of_birth", value: func(p *models.Patient) *string { return &p.DateOfBirth }, chain: []string{"ndate"}},
	{name: "ssn", value: func(p *models.Patient) *string { return &p.SSN }, chain: []string{"trim"}},
	{name: "phone_number", value: func(p *models.Patient) *string { return &p.PhoneNumber }, chain: []string{"trim"}},
}

// CanonicalizePatient rewrites stored fields into their canonical form before persisting.
func CanonicalizePatient(p *models.Patient) {
	for _, f := range canonicalFields {
		v := f.value(p)
		*v = ApplyChain(*v, f.chain...)
	}
}
