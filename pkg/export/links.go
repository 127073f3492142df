// Package export renders resolution results as CSV.
package export

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/Ramsey-B/fern/pkg/models"
)

// LinkColumns is the header row of a link export.
var LinkColumns = []string{
	"run_id", "record_id1", "record_id2", "patient_id1", "patient_id2",
	"score", "decision", "reason",
	"s_name", "s_dob", "s_email", "s_phone", "s_address", "s_gender",
	"s_ssn_hard_match", "s_same_domain", "s_cos_emb",
}

// LinkWriter writes links as CSV rows, emitting the header before the first batch.
type LinkWriter struct {
	w           *csv.Writer
	wroteHeader bool
}

func NewLinkWriter(w io.Writer) *LinkWriter {
	return &LinkWriter{w: csv.NewWriter(w)}
}

// Write appends one row per link and flushes.
func (lw *LinkWriter) Write(links []models.Link) error {
	if !lw.wroteHeader {
		if err := lw.w.Write(LinkColumns); err != nil {
			return err
		}
		lw.wroteHeader = true
	}
	for _, l := range links {
		if err := lw.w.Write(linkRecord(l)); err != nil {
			return err
		}
	}
	lw.w.Flush()
	return lw.w.Error()
}

func linkRecord(l models.Link) []string {
	return []string{
		strconv.FormatInt(l.RunID, 10),
		l.RecordID1,
		l.RecordID2,
		optional(l.PatientID1),
		optional(l.PatientID2),
		formatFloat(l.Score),
		string(l.Decision),
		string(l.Reason),
		formatFloat(l.Name),
		formatFloat(l.DOB),
		formatFloat(l.Email),
		formatFloat(l.Phone),
		formatFloat(l.Address),
		formatFloat(l.Gender),
		formatFloat(l.SSNHard),
		formatFloat(l.SameDomain),
		formatFloat(l.CosEmb),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func optional(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
