package claims

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthchain/healthchain/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type claimRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &claimRepoPG{pool: pool} }

func (r *claimRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const claimCols = `id, patient_id, patient_address, hospital_id, doctor_id, content_id,
	amount::float8, amount_minor, diagnosis, procedure_code, admission_date, discharge_date,
	status, fraud_score, fraud_concerns, fraud_summary,
	ai_explanation, rejection_reason, rejection_reason_hash, resolved_by, resolved_at,
	ledger_tx_hash, ledger_block, resolution_tx_hash, created_at, updated_at`

func (r *claimRepoPG) scanClaim(row pgx.Row) (*Claim, error) {
	var c Claim
	err := row.Scan(&c.ID, &c.PatientID, &c.PatientAddress, &c.HospitalID, &c.DoctorID, &c.ContentID,
		&c.Amount, &c.AmountMinor, &c.Diagnosis, &c.ProcedureCode, &c.AdmissionDate, &c.DischargeDate,
		&c.Status, &c.FraudScore, &c.FraudConcerns, &c.FraudSummary,
		&c.AIExplanation, &c.RejectionReason, &c.RejectionReasonHash, &c.ResolvedBy, &c.ResolvedAt,
		&c.LedgerTxHash, &c.LedgerBlock, &c.ResolutionTxHash, &c.CreatedAt, &c.UpdatedAt)
	return &c, err
}

func (r *claimRepoPG) Create(ctx context.Context, c *Claim) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.FraudConcerns == nil {
		c.FraudConcerns = []string{}
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO claim (id, patient_id, patient_address, hospital_id, doctor_id, content_id,
			amount, amount_minor, diagnosis, procedure_code, admission_date, discharge_date,
			status, fraud_concerns)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING created_at, updated_at`,
		c.ID, c.PatientID, c.PatientAddress, c.HospitalID, c.DoctorID, c.ContentID,
		c.Amount, c.AmountMinor, c.Diagnosis, c.ProcedureCode, c.AdmissionDate, c.DischargeDate,
		c.Status, c.FraudConcerns,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *claimRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Claim, error) {
	c, err := r.scanClaim(r.conn(ctx).QueryRow(ctx, `SELECT `+claimCols+` FROM claim WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (r *claimRepoPG) UpdateEnrichment(ctx context.Context, c *Claim) error {
	return r.conn(ctx).QueryRow(ctx, `
		UPDATE claim SET ledger_tx_hash=$2, ledger_block=$3,
			fraud_score=$4, fraud_concerns=$5, fraud_summary=$6, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		c.ID, c.LedgerTxHash, c.LedgerBlock,
		c.FraudScore, c.FraudConcerns, c.FraudSummary,
	).Scan(&c.UpdatedAt)
}

func (r *claimRepoPG) MarkResolved(ctx context.Context, id uuid.UUID, status Status, resolvedBy string, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE claim SET status=$2, resolved_by=$3, resolved_at=$4, updated_at=NOW()
		WHERE id = $1 AND status = 'pending'`,
		id, status, resolvedBy, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotPending
	}
	return nil
}

func (r *claimRepoPG) UpdateResolution(ctx context.Context, c *Claim) error {
	return r.conn(ctx).QueryRow(ctx, `
		UPDATE claim SET rejection_reason=$2, rejection_reason_hash=$3, ai_explanation=$4,
			resolution_tx_hash=$5, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		c.ID, c.RejectionReason, c.RejectionReasonHash, c.AIExplanation, c.ResolutionTxHash,
	).Scan(&c.UpdatedAt)
}

func (r *claimRepoPG) List(ctx context.Context, f ListFilter) ([]*Claim, int, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.PatientID != "" {
		add("patient_id = $%d", f.PatientID)
	}
	if f.HospitalID != "" {
		add("hospital_id = $%d", f.HospitalID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM claim`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM claim%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		claimCols, clause, len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Claim
	for rows.Next() {
		c, err := r.scanClaim(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}
