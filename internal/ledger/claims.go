package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const claimsContract = "claims"

// Status is the settlement state of a claim on the ledger.
type Status uint8

const (
	StatusPending Status = iota
	StatusApproved
	StatusRejected
	// StatusUnderReview exists for parity with the stored enum; no ledger
	// operation produces it.
	StatusUnderReview
)

var statusNames = [...]string{"pending", "approved", "rejected", "under_review"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for i, name := range statusNames {
		if name == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown claim status %q", b)
}

// ClaimEntry is the ledger view of a claim.
type ClaimEntry struct {
	ClaimID          string      `json:"claim_id"`
	PatientAddress   string      `json:"patient_address"`
	AmountMinorUnits uint64      `json:"amount_minor_units"`
	Status           Status      `json:"status"`
	ContentID        string      `json:"content_id"`
	ReasonHash       common.Hash `json:"reason_hash"`
	SubmittedAt      time.Time   `json:"submitted_at"`
	ResolvedAt       *time.Time  `json:"resolved_at,omitempty"`
}

// ClaimLedger is the claim settlement contract.
type ClaimLedger struct {
	chain *Chain
}

func NewClaimLedger(c *Chain) *ClaimLedger {
	return &ClaimLedger{chain: c}
}

func claimsACLKey(addr string) string { return claimsContract + "/acl/" + addr }

// normalizeClaimID is applied by every claim operation so that submit,
// resolve and lookup agree on the key.
func normalizeClaimID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: claim id is required", ErrInvalidArgument)
	}
	return id, nil
}

func claimKey(id string) string { return claimsContract + "/claim/" + id }

// AuthorizeInsurer adds insurer to the allowlist. Owner only; idempotent.
func (l *ClaimLedger) AuthorizeInsurer(caller, insurer string) (Receipt, error) {
	from, err := parseAddress(caller)
	if err != nil {
		return Receipt{}, err
	}
	addr, err := parseAddress(insurer)
	if err != nil {
		return Receipt{}, err
	}
	key := addressKey(addr)

	return l.chain.execute(claimsContract, "authorizeInsurer", from, map[string]string{"insurer": key},
		func(tx *txn, _ time.Time) error {
			if err := l.chain.requireOwner(from); err != nil {
				return err
			}
			tx.put(claimsACLKey(key), []byte{1})
			return nil
		})
}

// IsInsurerAuthorized reports whether insurer is on the allowlist.
func (l *ClaimLedger) IsInsurerAuthorized(insurer string) (bool, error) {
	addr, err := parseAddress(insurer)
	if err != nil {
		return false, err
	}
	var ok bool
	err = l.chain.view(func(tx *txn) error {
		_, ok, err = tx.get(claimsACLKey(addressKey(addr)))
		return err
	})
	return ok, err
}

// SubmitClaim records a new pending claim. Any caller may submit; a claim id
// can be used once for the lifetime of the ledger.
func (l *ClaimLedger) SubmitClaim(caller, patient, claimID string, amountMinorUnits uint64, contentID string) (Receipt, error) {
	from, err := parseAddress(caller)
	if err != nil {
		return Receipt{}, err
	}
	p, err := parseAddress(patient)
	if err != nil {
		return Receipt{}, err
	}
	claimID, err = normalizeClaimID(claimID)
	if err != nil {
		return Receipt{}, err
	}
	if amountMinorUnits == 0 {
		return Receipt{}, fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}

	entry := ClaimEntry{
		ClaimID:          claimID,
		PatientAddress:   addressKey(p),
		AmountMinorUnits: amountMinorUnits,
		Status:           StatusPending,
		ContentID:        contentID,
	}
	payload := map[string]interface{}{
		"claimId":          claimID,
		"patient":          entry.PatientAddress,
		"amountMinorUnits": amountMinorUnits,
		"contentId":        contentID,
	}
	return l.chain.execute(claimsContract, "submitClaim", from, payload,
		func(tx *txn, ts time.Time) error {
			if _, exists, err := tx.get(claimKey(claimID)); err != nil {
				return err
			} else if exists {
				return fmt.Errorf("%w: %s", ErrDuplicateClaim, claimID)
			}
			entry.SubmittedAt = ts
			return tx.putJSON(claimKey(claimID), entry)
		})
}

// ApproveClaim moves a pending claim to approved. Insurers only.
func (l *ClaimLedger) ApproveClaim(caller, claimID string) (Receipt, error) {
	return l.resolve(caller, claimID, "approveClaim", StatusApproved, common.Hash{})
}

// RejectClaim moves a pending claim to rejected and stores the fingerprint of
// the reason. Insurers only.
func (l *ClaimLedger) RejectClaim(caller, claimID string, reasonHash common.Hash) (Receipt, error) {
	return l.resolve(caller, claimID, "rejectClaim", StatusRejected, reasonHash)
}

func (l *ClaimLedger) resolve(caller, claimID, method string, to Status, reasonHash common.Hash) (Receipt, error) {
	from, err := parseAddress(caller)
	if err != nil {
		return Receipt{}, err
	}
	sender := addressKey(from)
	claimID, err = normalizeClaimID(claimID)
	if err != nil {
		return Receipt{}, err
	}

	payload := map[string]string{"claimId": claimID}
	if to == StatusRejected {
		payload["reasonHash"] = reasonHash.Hex()
	}
	return l.chain.execute(claimsContract, method, from, payload,
		func(tx *txn, ts time.Time) error {
			if _, ok, err := tx.get(claimsACLKey(sender)); err != nil {
				return err
			} else if !ok {
				return fmt.Errorf("%w: %s is not an authorized insurer", ErrUnauthorized, sender)
			}

			var entry ClaimEntry
			ok, err := tx.getJSON(claimKey(claimID), &entry)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", ErrClaimNotFound, claimID)
			}
			if entry.Status != StatusPending {
				return fmt.Errorf("%w: %s is %s", ErrClaimResolved, claimID, entry.Status)
			}

			entry.Status = to
			entry.ReasonHash = reasonHash
			entry.ResolvedAt = &ts
			return tx.putJSON(claimKey(claimID), entry)
		})
}

// GetClaim returns the ledger entry for claimID.
func (l *ClaimLedger) GetClaim(claimID string) (ClaimEntry, error) {
	claimID, err := normalizeClaimID(claimID)
	if err != nil {
		return ClaimEntry{}, err
	}
	var entry ClaimEntry
	err = l.chain.view(func(tx *txn) error {
		ok, err := tx.getJSON(claimKey(claimID), &entry)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrClaimNotFound, claimID)
		}
		return nil
	})
	return entry, err
}
