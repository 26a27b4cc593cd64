package claims

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Status mirrors the ledger claim lifecycle.
type Status string

const (
	StatusPending     Status = "pending"
	StatusApproved    Status = "approved"
	StatusRejected    Status = "rejected"
	StatusUnderReview Status = "under_review"
)

// DateLayout is the wire format for admission and discharge dates.
const DateLayout = "2006-01-02"

// Claim is the primary-storage view of an insurance claim. Ledger and fraud
// fields stay nil until the corresponding enrichment succeeds.
type Claim struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	PatientID      string     `db:"patient_id" json:"patient_id"`
	PatientAddress string     `db:"patient_address" json:"patient_address"`
	HospitalID     string     `db:"hospital_id" json:"hospital_id"`
	DoctorID       *string    `db:"doctor_id" json:"doctor_id,omitempty"`
	ContentID      *string    `db:"content_id" json:"content_id,omitempty"`
	Amount         float64    `db:"amount" json:"amount"`
	AmountMinor    int64      `db:"amount_minor" json:"amount_minor_units"`
	Diagnosis      string     `db:"diagnosis" json:"diagnosis"`
	ProcedureCode  *string    `db:"procedure_code" json:"procedure_code,omitempty"`
	AdmissionDate  *time.Time `db:"admission_date" json:"admission_date,omitempty"`
	DischargeDate  *time.Time `db:"discharge_date" json:"discharge_date,omitempty"`
	Status         Status     `db:"status" json:"status"`

	FraudScore    *int     `db:"fraud_score" json:"fraud_score"`
	FraudConcerns []string `db:"fraud_concerns" json:"fraud_concerns"`
	FraudSummary  *string  `db:"fraud_summary" json:"fraud_summary,omitempty"`

	AIExplanation       *string    `db:"ai_explanation" json:"ai_explanation,omitempty"`
	RejectionReason     *string    `db:"rejection_reason" json:"rejection_reason,omitempty"`
	RejectionReasonHash *string    `db:"rejection_reason_hash" json:"rejection_reason_hash,omitempty"`
	ResolvedBy          *string    `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt          *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`

	LedgerTxHash     *string `db:"ledger_tx_hash" json:"ledger_tx_hash"`
	LedgerBlock      *int64  `db:"ledger_block" json:"ledger_block,omitempty"`
	ResolutionTxHash *string `db:"resolution_tx_hash" json:"resolution_tx_hash,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ToMinorUnits converts a currency amount to integer minor units, rounding
// half away from zero.
func ToMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// SubmitRequest is the body of POST /claims.
type SubmitRequest struct {
	HospitalID    string  `json:"hospital_id"`
	ContentID     string  `json:"content_id"`
	Amount        float64 `json:"amount"`
	Diagnosis     string  `json:"diagnosis"`
	ProcedureCode string  `json:"procedure_code"`
	DoctorID      string  `json:"doctor_id"`
	AdmissionDate string  `json:"admission_date"`
	DischargeDate string  `json:"discharge_date"`
}

// ResolveRequest is the body of POST /claims/:id/resolve.
type ResolveRequest struct {
	Decision        Status `json:"decision"`
	RejectionReason string `json:"rejection_reason"`
}

// Outcome is the result of one best-effort enrichment step.
type Outcome struct {
	Step string `json:"step"`
	OK   bool   `json:"ok"`
	Err  string `json:"error,omitempty"`

	err error
}

func okOutcome(step string) Outcome { return Outcome{Step: step, OK: true} }

func failedOutcome(step string, err error) Outcome {
	return Outcome{Step: step, Err: err.Error(), err: err}
}
