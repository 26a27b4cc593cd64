package claims

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ListFilter struct {
	PatientID  string
	HospitalID string
	Status     Status
	Limit      int
	Offset     int
}

type Repository interface {
	Create(ctx context.Context, c *Claim) error
	GetByID(ctx context.Context, id uuid.UUID) (*Claim, error)
	// UpdateEnrichment stores the ledger anchor and fraud assessment.
	UpdateEnrichment(ctx context.Context, c *Claim) error
	// MarkResolved moves a pending claim to status. It returns ErrNotPending
	// when the claim is no longer pending.
	MarkResolved(ctx context.Context, id uuid.UUID, status Status, resolvedBy string, at time.Time) error
	// UpdateResolution stores the rejection details, explanation and
	// resolution anchor.
	UpdateResolution(ctx context.Context, c *Claim) error
	List(ctx context.Context, f ListFilter) ([]*Claim, int, error)
}
