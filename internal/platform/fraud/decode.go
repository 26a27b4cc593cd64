package fraud

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const fence = "```"

// stripFences removes a markdown code fence the model sometimes wraps its JSON
// in: an opening fence with an optional language tag and a closing fence.
// Backticks inside the document are left alone.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, fence) {
		return s
	}
	s = strings.TrimLeftFunc(s[len(fence):], func(r rune) bool {
		return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9'
	})
	s = strings.TrimSuffix(strings.TrimSpace(s), fence)
	return strings.TrimSpace(s)
}

// decodeStrict decodes exactly one JSON document into v, rejecting unknown
// fields and trailing data.
func decodeStrict(raw string, v interface{}) error {
	dec := json.NewDecoder(strings.NewReader(stripFences(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data after JSON document", ErrMalformed)
	}
	return nil
}

type analysisWire struct {
	FraudScore *int      `json:"fraudScore"`
	Concerns   *[]string `json:"concerns"`
	Summary    *string   `json:"summary"`
}

func parseAnalysis(raw string) (Analysis, error) {
	var w analysisWire
	if err := decodeStrict(raw, &w); err != nil {
		return Analysis{}, err
	}
	switch {
	case w.FraudScore == nil:
		return Analysis{}, fmt.Errorf("%w: fraudScore is missing", ErrMalformed)
	case w.Concerns == nil:
		return Analysis{}, fmt.Errorf("%w: concerns is missing", ErrMalformed)
	case w.Summary == nil:
		return Analysis{}, fmt.Errorf("%w: summary is missing", ErrMalformed)
	case *w.FraudScore < 0 || *w.FraudScore > 100:
		return Analysis{}, fmt.Errorf("%w: fraudScore %d is outside 0-100", ErrMalformed, *w.FraudScore)
	}
	return Analysis{FraudScore: *w.FraudScore, Concerns: *w.Concerns, Summary: *w.Summary}, nil
}

type prescriptionWire struct {
	Diagnosis   *string       `json:"diagnosis"`
	ICD10Code   *string       `json:"icd10Code"`
	Medications *[]Medication `json:"medications"`
	Procedures  *[]Procedure  `json:"procedures"`
	Notes       *string       `json:"notes"`
}

func parsePrescription(raw string) (Prescription, error) {
	var w prescriptionWire
	if err := decodeStrict(raw, &w); err != nil {
		return Prescription{}, err
	}
	missing := make([]string, 0, 5)
	if w.Diagnosis == nil {
		missing = append(missing, "diagnosis")
	}
	if w.ICD10Code == nil {
		missing = append(missing, "icd10Code")
	}
	if w.Medications == nil {
		missing = append(missing, "medications")
	}
	if w.Procedures == nil {
		missing = append(missing, "procedures")
	}
	if w.Notes == nil {
		missing = append(missing, "notes")
	}
	if len(missing) > 0 {
		return Prescription{}, fmt.Errorf("%w: missing %s", ErrMalformed, strings.Join(missing, ", "))
	}
	return Prescription{
		Diagnosis:   *w.Diagnosis,
		ICD10Code:   *w.ICD10Code,
		Medications: *w.Medications,
		Procedures:  *w.Procedures,
		Notes:       *w.Notes,
	}, nil
}
