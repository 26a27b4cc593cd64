// Package fraud wraps an OpenAI-compatible chat model behind the three
// assessments the claim pipeline uses: fraud analysis of a claim, structuring
// of free-text doctor notes, and plain-language rewrites of rejection reasons.
package fraud

import (
	"context"
	"errors"
)

var (
	ErrAssessorDisabled = errors.New("fraud assessor is disabled: AI_API_KEY is not set")
	ErrEmptyResponse    = errors.New("model returned an empty response")
	ErrMalformed        = errors.New("model response is malformed")
)

// Assessor is what the orchestrator depends on. Every call may fail; callers
// treat failures as missing enrichment.
type Assessor interface {
	Analyze(ctx context.Context, claim ClaimSummary) (Analysis, error)
	Structure(ctx context.Context, notes string) (Prescription, error)
	Explain(ctx context.Context, reason string) (string, error)
}

// ClaimSummary is the non-identifying view of a claim sent for analysis.
type ClaimSummary struct {
	ClaimID       string  `json:"claimId"`
	HospitalID    string  `json:"hospitalId"`
	Amount        float64 `json:"amount"`
	Diagnosis     string  `json:"diagnosis"`
	ProcedureCode string  `json:"procedureCode,omitempty"`
	AdmissionDate string  `json:"admissionDate,omitempty"`
	DischargeDate string  `json:"dischargeDate,omitempty"`
}

// Analysis is the fraud assessment of one claim.
type Analysis struct {
	FraudScore int      `json:"fraudScore"`
	Concerns   []string `json:"concerns"`
	Summary    string   `json:"summary"`
}

type Medication struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage"`
	Frequency string `json:"frequency"`
	Duration  string `json:"duration"`
}

type Procedure struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

// Prescription is the structured form of a doctor's notes.
type Prescription struct {
	Diagnosis   string       `json:"diagnosis"`
	ICD10Code   string       `json:"icd10Code"`
	Medications []Medication `json:"medications"`
	Procedures  []Procedure  `json:"procedures"`
	Notes       string       `json:"notes"`
}

// Disabled is the Assessor used when no model is configured.
type Disabled struct{}

func (Disabled) Analyze(context.Context, ClaimSummary) (Analysis, error) {
	return Analysis{}, ErrAssessorDisabled
}

func (Disabled) Structure(context.Context, string) (Prescription, error) {
	return Prescription{}, ErrAssessorDisabled
}

func (Disabled) Explain(context.Context, string) (string, error) {
	return "", ErrAssessorDisabled
}
