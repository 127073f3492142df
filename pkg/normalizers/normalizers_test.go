package normalizers

import (
	"testing"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeGender(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Male", "m"},
		{"b", "m"},
		{"masc", "m"},
		{"FEMALE", "f"},
		{"fem", "f"},
		{"non-binary", "o"},
		{"NB", "o"},
		{"man", "m"},
		{"femme", "f"},
		{"x", ""},
		{"", ""},
		{"  other ", "o"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeGender(tt.input))
		})
	}
}

func TestNormalizeDate(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"iso", "1980-03-04", "1980-03-04"},
		{"us format", "03/04/1980", "1980-03-04"},
		{"us short", "3/4/1980", "1980-03-04"},
		{"timestamp", "1980-03-04T00:00:00Z", "1980-03-04"},
		{"unparseable kept", " sometime ", "sometime"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeDate(tt.input))
		})
	}
}

func TestEmailParts(t *testing.T) {
	assert.Equal(t, "example.com", EmailDomain(" John@Example.com "))
	assert.Equal(t, "john", EmailLocal("John@Example.com"))
	assert.Equal(t, "", EmailDomain("no-at-sign"))
	assert.Equal(t, "no-at-sign", EmailLocal("no-at-sign"))
}

func TestNormalizeRecord(t *testing.T) {
	p := &models.Patient{
		RecordID:    "7",
		FirstName:   " Ana ",
		LastName:    "Pop",
		Gender:      "Female",
		DateOfBirth: "12/31/1990",
		Address:     "Str.  Lunga 5",
		City:        "Brasov",
		County:      "",
		SSN:         " 123 ",
		PhoneNumber: "(0722) 123-456",
		Email:       "Ana.Pop@Mail.com",
	}

	n := NormalizeRecord(p)
	assert.Equal(t, "ana", n.FirstName)
	assert.Equal(t, "pop", n.LastName)
	assert.Equal(t, "Ana Pop", n.FullName)
	assert.Equal(t, "ana.pop@mail.com", n.Email)
	assert.Equal(t, "mail.com", n.EmailDomain)
	assert.Equal(t, "0722123456", n.Phone)
	assert.Equal(t, "Str. Lunga 5, Brasov", n.Address)
	assert.Equal(t, "f", n.Gender)
	assert.Equal(t, "1990-12-31", n.DOB)
	assert.Equal(t, "123", n.SSN)
}

func TestApplyChain(t *testing.T) {
	assert.Equal(t, "ana maria", ApplyChain("  ANA   Maria ", "nemail", "collapse_whitespace"))
	assert.Equal(t, "x", Apply("x", "missing"))
}

func TestCanonicalFields_UseRegisteredNormalizers(t *testing.T) {
	for _, f := range canonicalFields {
		for _, name := range f.chain {
			_, ok := registry[name]
			assert.True(t, ok, "%s uses unknown normalizer %q", f.name, name)
		}
	}
}

func TestCanonicalizePatient(t *testing.T) {
	p := models.Patient{
		RecordID:    " 42 ",
		FirstName:   "  Ana   Maria ",
		LastName:    "Pop ",
		Email:       " Ana@Mail.COM ",
		DateOfBirth: "12/31/1990",
		SSN:         " 123-45-6789 ",
		PhoneNumber: " 0722 123 456 ",
		Gender:      " F ",
		Address:     "  Str. Lunga 5 ",
	}

	CanonicalizePatient(&p)

	assert.Equal(t, models.Patient{
		RecordID:    "42",
		FirstName:   "Ana Maria",
		LastName:    "Pop",
		Email:       "ana@mail.com",
		DateOfBirth: "1990-12-31",
		SSN:         "123-45-6789",
		PhoneNumber: "0722 123 456",
		Gender:      " F ",
		Address:     "  Str. Lunga 5 ",
	}, p)
}
