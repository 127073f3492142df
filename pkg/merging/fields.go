package merging

import (
	"sort"
	"strings"

	"github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
)

// field is a demographic attribute that survivorship can compare or override.
type field struct {
	name        string
	overridable bool
	get         func(p *models.Patient) string
	set         func(p *models.Patient, v string)
	// comparable reduces a value to the form used to decide agreement
	comparable func(v string) string
}

func trimmed(v string) string { return strings.TrimSpace(v) }

// fields is ordered the way previews list conflicts.
var fields = []field{
	{
		name:        "first_name",
		overridable: true,
		get:         func(p *models.Patient) string { return p.FirstName },
		set:         func(p *models.Patient, v string) { p.FirstName = v },
		comparable:  normalizers.CollapseWhitespace,
	},
	{
		name:        "last_name",
		overridable: true,
		get:         func(p *models.Patient) string { return p.LastName },
		set:         func(p *models.Patient, v string) { p.LastName = v },
		comparable:  normalizers.CollapseWhitespace,
	},
	{
		name:        "gender",
		overridable: true,
		get:         func(p *models.Patient) string { return p.Gender },
		set:         func(p *models.Patient, v string) { p.Gender = v },
		comparable:  trimmed,
	},
	{
		name:        "date_of_birth",
		overridable: true,
		get:         func(p *models.Patient) string { return p.DateOfBirth },
		set:         func(p *models.Patient, v string) { p.DateOfBirth = v },
		comparable:  normalizers.NormalizeDate,
	},
	{
		name:        "address",
		overridable: true,
		get:         func(p *models.Patient) string { return p.Address },
		set:         func(p *models.Patient, v string) { p.Address = v },
		comparable:  trimmed,
	},
	{
		name:        "city",
		overridable: true,
		get:         func(p *models.Patient) string { return p.City },
		set:         func(p *models.Patient, v string) { p.City = v },
		comparable:  trimmed,
	},
	{
		name:        "county",
		overridable: true,
		get:         func(p *models.Patient) string { return p.County },
		set:         func(p *models.Patient, v string) { p.County = v },
		comparable:  trimmed,
	},
	{
		name:       "ssn",
		get:        func(p *models.Patient) string { return p.SSN },
		set:        func(p *models.Patient, v string) { p.SSN = v },
		comparable: trimmed,
	},
	{
		name:        "phone_number",
		overridable: true,
		get:         func(p *models.Patient) string { return p.PhoneNumber },
		set:         func(p *models.Patient, v string) { p.PhoneNumber = v },
		comparable:  normalizers.DigitsOnly,
	},
	{
		name:        "email",
		overridable: true,
		get:         func(p *models.Patient) string { return p.Email },
		set:         func(p *models.Patient, v string) { p.Email = v },
		comparable:  normalizers.NormalizeEmail,
	},
}

var fieldsByName = func() map[string]field {
	m := make(map[string]field, len(fields))
	for _, f := range fields {
		m[f.name] = f
	}
	return m
}()

// OverridableFields lists the fields a merge request may set on the master.
func OverridableFields() []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f.overridable {
			out = append(out, f.name)
		}
	}
	return out
}

func validateOverrides(overrides map[string]string) error {
	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f, ok := fieldsByName[name]
		if !ok || !f.overridable {
			return errors.InvalidField(name, "field cannot be overridden; allowed: "+strings.Join(OverridableFields(), ", "))
		}
	}
	return nil
}

func applyOverrides(p *models.Patient, overrides map[string]string) {
	for name, value := range overrides {
		if f, ok := fieldsByName[name]; ok && f.overridable {
			f.set(p, value)
		}
	}
}

// compare splits fields into those every record agrees on and those that
// differ. Agreement is judged on the comparable form so that formatting
// differences (phone punctuation, date layout) do not count as conflicts.
// records[0] is the master; identical values are reported as the master has them.
func compare(records []models.Patient) (map[string]string, []models.FieldConflict) {
	identical := make(map[string]string)
	conflicts := make([]models.FieldConflict, 0)

	for _, f := range fields {
		first := f.comparable(f.get(&records[0]))
		same := true
		for i := 1; i < len(records); i++ {
			if f.comparable(f.get(&records[i])) != first {
				same = false
				break
			}
		}

		if same {
			identical[f.name] = f.get(&records[0])
			continue
		}

		values := make(map[string]string, len(records))
		for i := range records {
			values[records[i].RecordID] = f.get(&records[i])
		}
		conflicts = append(conflicts, models.FieldConflict{Field: f.name, Values: values})
	}

	return identical, conflicts
}
