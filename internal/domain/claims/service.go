package claims

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/healthchain/healthchain/internal/ledger"
	"github.com/healthchain/healthchain/internal/platform/auth"
	"github.com/healthchain/healthchain/internal/platform/fraud"
	"github.com/healthchain/healthchain/internal/platform/outbox"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrForbidden  = errors.New("forbidden")
	ErrNotFound   = errors.New("claim not found")
	ErrNotPending = errors.New("claim is not pending")
)

const (
	stepLedger  = "ledger"
	stepFraud   = "fraud"
	stepExplain = "explain"

	defaultListLimit = 100

	// claim.amount is NUMERIC(14,2).
	maxAmount      = 1e12
	maxAmountMinor = 99_999_999_999_999
)

// ClaimLedger is the subset of the settlement ledger the service drives.
type ClaimLedger interface {
	SubmitClaim(caller, patient, claimID string, amountMinorUnits uint64, contentID string) (ledger.Receipt, error)
	ApproveClaim(caller, claimID string) (ledger.Receipt, error)
	RejectClaim(caller, claimID string, reasonHash common.Hash) (ledger.Receipt, error)
	IsInsurerAuthorized(insurer string) (bool, error)
}

// WorkQueue records best-effort steps that failed.
type WorkQueue interface {
	Enqueue(ctx context.Context, task outbox.Task)
}

// EnrichmentReport collects the outcome of every best-effort step of one
// operation.
type EnrichmentReport struct {
	Outcomes []Outcome `json:"outcomes"`
}

func (r EnrichmentReport) Failed() []Outcome {
	return lo.Filter(r.Outcomes, func(o Outcome, _ int) bool { return !o.OK })
}

type Service struct {
	repo          Repository
	ledger        ClaimLedger
	assessor      fraud.Assessor
	queue         WorkQueue
	logger        zerolog.Logger
	now           func() time.Time
	enrichTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithEnrichmentTimeout bounds the best-effort phase of submit and resolve.
// Steps still running at the deadline are reported as failed and queued. Zero
// means the phase only ends with the caller's context.
func WithEnrichmentTimeout(d time.Duration) Option {
	return func(s *Service) { s.enrichTimeout = d }
}

func NewService(repo Repository, l ClaimLedger, assessor fraud.Assessor, queue WorkQueue, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		ledger:   l,
		assessor: assessor,
		queue:    queue,
		logger:   logger.With().Str("component", "claims").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) enrichmentContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.enrichTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.enrichTimeout)
}

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func parseDate(field, s string) (*time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return nil, validationError("%s must be YYYY-MM-DD", field)
	}
	return &t, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// runSteps runs each step on its own goroutine and returns their outcomes in
// order. A panicking step is reported as failed.
func runSteps(steps map[string]func() error, order ...string) []Outcome {
	out := make([]Outcome, len(order))
	var wg conc.WaitGroup
	for i, name := range order {
		i, name, fn := i, name, steps[name]
		wg.Go(func() {
			var pc panics.Catcher
			var err error
			pc.Try(func() { err = fn() })
			if r := pc.Recovered(); r != nil {
				err = r.AsError()
			}
			if err != nil {
				out[i] = failedOutcome(name, err)
				return
			}
			out[i] = okOutcome(name)
		})
	}
	wg.Wait()
	return out
}

// SubmitClaim persists a pending claim, then anchors it on the ledger and
// runs the fraud assessment concurrently. Either enrichment may fail without
// failing the submission.
func (s *Service) SubmitClaim(ctx context.Context, id auth.Identity, req SubmitRequest) (*Claim, EnrichmentReport, error) {
	if !id.Is(auth.RolePatient) {
		return nil, EnrichmentReport{}, fmt.Errorf("%w: only patients can submit claims", ErrForbidden)
	}
	if strings.TrimSpace(req.HospitalID) == "" {
		return nil, EnrichmentReport{}, validationError("hospital_id is required")
	}
	if !(req.Amount > 0) {
		return nil, EnrichmentReport{}, validationError("amount must be positive")
	}
	amountMinor := int64(0)
	if req.Amount < maxAmount {
		amountMinor = ToMinorUnits(req.Amount)
	}
	switch {
	case req.Amount >= maxAmount || amountMinor > maxAmountMinor:
		return nil, EnrichmentReport{}, validationError("amount must be below %.0f", maxAmount)
	case amountMinor < 1:
		return nil, EnrichmentReport{}, validationError("amount must be at least 0.01")
	}
	if strings.TrimSpace(req.Diagnosis) == "" {
		return nil, EnrichmentReport{}, validationError("diagnosis is required")
	}
	admission, err := parseDate("admission_date", req.AdmissionDate)
	if err != nil {
		return nil, EnrichmentReport{}, err
	}
	discharge, err := parseDate("discharge_date", req.DischargeDate)
	if err != nil {
		return nil, EnrichmentReport{}, err
	}
	if admission != nil && discharge != nil && discharge.Before(*admission) {
		return nil, EnrichmentReport{}, validationError("discharge_date precedes admission_date")
	}

	c := &Claim{
		ID:             uuid.New(),
		PatientID:      id.Subject(),
		PatientAddress: id.WalletAddress,
		HospitalID:     strings.TrimSpace(req.HospitalID),
		DoctorID:       optional(req.DoctorID),
		ContentID:      optional(req.ContentID),
		Amount:         req.Amount,
		AmountMinor:    amountMinor,
		Diagnosis:      strings.TrimSpace(req.Diagnosis),
		ProcedureCode:  optional(req.ProcedureCode),
		AdmissionDate:  admission,
		DischargeDate:  discharge,
		Status:         StatusPending,
		FraudConcerns:  []string{},
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, EnrichmentReport{}, fmt.Errorf("save claim: %w", err)
	}
	log := s.logger.With().Str("claim_id", c.ID.String()).Logger()

	var (
		receipt  ledger.Receipt
		analysis fraud.Analysis
	)
	contentID := ""
	if c.ContentID != nil {
		contentID = *c.ContentID
	}
	stepCtx, cancel := s.enrichmentContext(ctx)
	defer cancel()
	outcomes := runSteps(map[string]func() error{
		stepLedger: func() (err error) {
			receipt, err = s.ledger.SubmitClaim(id.WalletAddress, id.WalletAddress, c.ID.String(), uint64(c.AmountMinor), contentID)
			return err
		},
		stepFraud: func() (err error) {
			analysis, err = s.assessor.Analyze(stepCtx, fraud.ClaimSummary{
				ClaimID:       c.ID.String(),
				HospitalID:    c.HospitalID,
				Amount:        c.Amount,
				Diagnosis:     c.Diagnosis,
				ProcedureCode: req.ProcedureCode,
				AdmissionDate: req.AdmissionDate,
				DischargeDate: req.DischargeDate,
			})
			return err
		},
	}, stepLedger, stepFraud)
	report := EnrichmentReport{Outcomes: outcomes}

	if outcomes[0].OK {
		block := int64(receipt.BlockNumber)
		c.LedgerTxHash = &receipt.TxHash
		c.LedgerBlock = &block
	} else {
		log.Warn().Str("cause", outcomes[0].Err).Msg("ledger submission failed")
		if !errors.Is(outcomes[0].err, ledger.ErrDuplicateClaim) {
			s.queue.Enqueue(ctx, outbox.Task{
				Kind:    outbox.KindLedgerSubmit,
				ClaimID: c.ID.String(),
				Error:   outcomes[0].Err,
				Context: map[string]string{
					"patient_address": c.PatientAddress,
					"amount_minor":    strconv.FormatInt(c.AmountMinor, 10),
					"content_id":      contentID,
				},
			})
		}
	}
	if outcomes[1].OK {
		score := analysis.FraudScore
		c.FraudScore = &score
		c.FraudConcerns = lo.Uniq(lo.Compact(analysis.Concerns))
		c.FraudSummary = optional(analysis.Summary)
	} else {
		log.Warn().Str("cause", outcomes[1].Err).Msg("fraud analysis failed")
		s.queue.Enqueue(ctx, outbox.Task{Kind: outbox.KindFraudAnalyze, ClaimID: c.ID.String(), Error: outcomes[1].Err})
	}

	// The draft row exists and the ledger may already hold the claim, so the
	// merge is saved even when the caller has gone away.
	if err := s.repo.UpdateEnrichment(context.WithoutCancel(ctx), c); err != nil {
		log.Error().Err(err).Msg("failed to persist claim enrichment")
		return c, report, fmt.Errorf("save claim enrichment: %w", err)
	}
	log.Info().
		Int64("amount_minor", c.AmountMinor).
		Bool("anchored", c.LedgerTxHash != nil).
		Bool("assessed", c.FraudScore != nil).
		Msg("claim submitted")
	return c, report, nil
}

// ReasonHash is the hex sha256 fingerprint of a rejection reason.
func ReasonHash(reason string) string {
	sum := sha256.Sum256([]byte(reason))
	return hex.EncodeToString(sum[:])
}

// ResolveClaim approves or rejects a pending claim. Only one concurrent
// resolver can win; the others get ErrNotPending.
func (s *Service) ResolveClaim(ctx context.Context, id auth.Identity, claimID uuid.UUID, req ResolveRequest) (*Claim, EnrichmentReport, error) {
	if !id.Is(auth.RoleInsurer) {
		return nil, EnrichmentReport{}, fmt.Errorf("%w: only insurers can resolve claims", ErrForbidden)
	}
	if req.Decision != StatusApproved && req.Decision != StatusRejected {
		return nil, EnrichmentReport{}, validationError("decision must be approved or rejected")
	}
	reason := strings.TrimSpace(req.RejectionReason)
	if req.Decision == StatusRejected && reason == "" {
		return nil, EnrichmentReport{}, validationError("rejection_reason is required when rejecting")
	}

	c, err := s.repo.GetByID(ctx, claimID)
	if err != nil {
		return nil, EnrichmentReport{}, err
	}
	if c.Status != StatusPending {
		return nil, EnrichmentReport{}, ErrNotPending
	}

	log := s.logger.With().Str("claim_id", c.ID.String()).Str("decision", string(req.Decision)).Logger()
	if ok, err := s.ledger.IsInsurerAuthorized(id.WalletAddress); err != nil || !ok {
		log.Warn().Str("insurer", id.WalletAddress).Msg("insurer is not on the ledger allowlist")
	}

	at := s.now().UTC()
	resolvedBy := id.Subject()
	if err := s.repo.MarkResolved(ctx, c.ID, req.Decision, resolvedBy, at); err != nil {
		return nil, EnrichmentReport{}, err
	}
	c.Status = req.Decision
	c.ResolvedBy = &resolvedBy
	c.ResolvedAt = &at

	stepCtx, cancel := s.enrichmentContext(ctx)
	defer cancel()

	var (
		receipt     ledger.Receipt
		explanation string
		steps       = map[string]func() error{}
		order       []string
		ledgerKind  = outbox.KindLedgerApprove
		taskContext = map[string]string{"insurer": id.WalletAddress}
	)
	if req.Decision == StatusRejected {
		hash := ReasonHash(reason)
		c.RejectionReason = &reason
		c.RejectionReasonHash = &hash
		ledgerKind = outbox.KindLedgerReject
		taskContext["reason_hash"] = hash

		steps[stepLedger] = func() (err error) {
			receipt, err = s.ledger.RejectClaim(id.WalletAddress, c.ID.String(), common.HexToHash(hash))
			return err
		}
		steps[stepExplain] = func() (err error) {
			explanation, err = s.assessor.Explain(stepCtx, reason)
			return err
		}
		order = []string{stepLedger, stepExplain}
	} else {
		steps[stepLedger] = func() (err error) {
			receipt, err = s.ledger.ApproveClaim(id.WalletAddress, c.ID.String())
			return err
		}
		order = []string{stepLedger}
	}
	outcomes := runSteps(steps, order...)
	report := EnrichmentReport{Outcomes: outcomes}

	for _, o := range outcomes {
		switch {
		case o.Step == stepLedger && o.OK:
			c.ResolutionTxHash = &receipt.TxHash
		case o.Step == stepLedger:
			log.Warn().Str("cause", o.Err).Msg("ledger resolution failed")
			if !errors.Is(o.err, ledger.ErrClaimResolved) {
				s.queue.Enqueue(ctx, outbox.Task{Kind: ledgerKind, ClaimID: c.ID.String(), Error: o.Err, Context: taskContext})
			}
		case o.Step == stepExplain && o.OK:
			c.AIExplanation = optional(explanation)
		case o.Step == stepExplain:
			log.Warn().Str("cause", o.Err).Msg("rejection explanation failed")
			s.queue.Enqueue(ctx, outbox.Task{Kind: outbox.KindExplain, ClaimID: c.ID.String(), Error: o.Err})
		}
	}

	if err := s.repo.UpdateResolution(context.WithoutCancel(ctx), c); err != nil {
		log.Error().Err(err).Msg("failed to persist claim resolution")
		return c, report, fmt.Errorf("save claim resolution: %w", err)
	}
	log.Info().Bool("anchored", c.ResolutionTxHash != nil).Msg("claim resolved")
	return c, report, nil
}

func (s *Service) canSee(id auth.Identity, c *Claim) bool {
	switch id.Role {
	case auth.RolePatient:
		return c.PatientID == id.Subject()
	case auth.RoleHospital:
		return id.HospitalID != "" && c.HospitalID == id.HospitalID
	default:
		return id.Is(auth.RoleInsurer, auth.RoleDoctor)
	}
}

func (s *Service) GetClaim(ctx context.Context, id auth.Identity, claimID uuid.UUID) (*Claim, error) {
	c, err := s.repo.GetByID(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if !s.canSee(id, c) {
		return nil, ErrForbidden
	}
	return c, nil
}

// ListClaims returns claims newest first. Patients are scoped to their own
// claims and hospitals to their hospital's; other roles may filter freely.
func (s *Service) ListClaims(ctx context.Context, id auth.Identity, f ListFilter) ([]*Claim, int, error) {
	switch id.Role {
	case auth.RolePatient:
		f.PatientID = id.Subject()
	case auth.RoleHospital:
		if id.HospitalID == "" {
			return nil, 0, fmt.Errorf("%w: hospital identity has no hospital id", ErrForbidden)
		}
		f.HospitalID = id.HospitalID
	case auth.RoleInsurer, auth.RoleDoctor:
	default:
		return nil, 0, ErrForbidden
	}
	if f.Status != "" {
		switch f.Status {
		case StatusPending, StatusApproved, StatusRejected, StatusUnderReview:
		default:
			return nil, 0, validationError("unknown status %q", f.Status)
		}
	}
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.repo.List(ctx, f)
}
