// Package records uploads encrypted medical records to content storage and
// anchors them on the record ledger.
package records

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/iter"

	"github.com/healthchain/healthchain/internal/ledger"
	"github.com/healthchain/healthchain/internal/platform/auth"
	"github.com/healthchain/healthchain/internal/platform/blobstore"
	"github.com/healthchain/healthchain/internal/platform/hipaa"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrForbidden  = errors.New("forbidden")
)

const maxConcurrentFetches = 8

// RecordLedger is the subset of the record contract the service drives.
type RecordLedger interface {
	AddRecord(caller, patient, contentID string) (ledger.Receipt, uint64, error)
	IsDoctorAuthorized(doctor string) (bool, error)
	GetRecords(patient string) ([]ledger.RecordEntry, error)
}

// Cipher encrypts payloads under a subject-derived key.
type Cipher interface {
	Encrypt(value interface{}, subject string) (hipaa.EncryptedBlob, error)
	DecryptStructured(blob hipaa.EncryptedBlob, subject string) (json.RawMessage, error)
}

// Envelope is what gets written to content storage.
type Envelope struct {
	Encrypted  hipaa.EncryptedBlob `json:"encrypted"`
	UploadedBy string              `json:"uploadedBy"`
	UploadedAt time.Time           `json:"uploadedAt"`
}

// UploadResult anchors one uploaded record.
type UploadResult struct {
	ContentID   string `json:"content_id"`
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
	Position    uint64 `json:"position"`
}

// Record is one ledger entry with its decrypted payload. Retrieved is false
// when the payload could not be fetched or decrypted.
type Record struct {
	ContentID     string          `json:"content_id"`
	DoctorAddress string          `json:"doctor_address"`
	AddedAt       time.Time       `json:"added_at"`
	Data          json.RawMessage `json:"data"`
	Retrieved     bool            `json:"retrieved"`
	Error         string          `json:"error,omitempty"`
}

type Service struct {
	ledger RecordLedger
	store  blobstore.Store
	cipher Cipher
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(l RecordLedger, store blobstore.Store, cipher Cipher, logger zerolog.Logger) *Service {
	return &Service{
		ledger: l,
		store:  store,
		cipher: cipher,
		logger: logger.With().Str("component", "records").Logger(),
		now:    time.Now,
	}
}

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// UploadRecord encrypts data for the patient at subject, stores the envelope
// and appends its content id to the patient's ledger history. Nothing is
// written when the caller is not an allowlisted doctor.
func (s *Service) UploadRecord(ctx context.Context, id auth.Identity, subject string, data json.RawMessage) (*UploadResult, error) {
	if !id.Is(auth.RoleDoctor) {
		return nil, fmt.Errorf("%w: only doctors can upload records", ErrForbidden)
	}
	patient, err := auth.NormalizeAddress(subject)
	if err != nil {
		return nil, validationError("patient_wallet_address: %v", err)
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, validationError("record_data is required")
	}
	if !json.Valid(data) {
		return nil, validationError("record_data must be valid JSON")
	}
	if !isDocument(data) {
		return nil, validationError("record_data must be a JSON object or array")
	}

	ok, err := s.ledger.IsDoctorAuthorized(id.WalletAddress)
	if err != nil {
		return nil, fmt.Errorf("check doctor allowlist: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: doctor %s is not authorized on the ledger", ErrForbidden, id.WalletAddress)
	}

	blob, err := s.cipher.Encrypt(data, patient)
	if err != nil {
		return nil, fmt.Errorf("encrypt record: %w", err)
	}
	payload, err := json.Marshal(Envelope{Encrypted: blob, UploadedBy: id.WalletAddress, UploadedAt: s.now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	contentID, err := s.store.Put(ctx, payload, "record-"+patient[:8])
	if err != nil {
		return nil, fmt.Errorf("store record: %w", err)
	}

	receipt, position, err := s.ledger.AddRecord(id.WalletAddress, patient, contentID)
	if err != nil {
		s.logger.Error().Err(err).Str("content_id", contentID).Msg("record stored but not anchored")
		return nil, fmt.Errorf("anchor record: %w", err)
	}
	s.logger.Info().
		Str("content_id", contentID).
		Str("tx_hash", receipt.TxHash).
		Uint64("position", position).
		Msg("record uploaded")
	return &UploadResult{
		ContentID:   contentID,
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber,
		Position:    position,
	}, nil
}

// GetRecords returns the patient's history in ledger order, fetching and
// decrypting entries concurrently. A failed entry does not fail the call.
func (s *Service) GetRecords(ctx context.Context, id auth.Identity, subject string) ([]Record, error) {
	patient, err := auth.NormalizeAddress(subject)
	if err != nil {
		return nil, validationError("%v", err)
	}
	if !id.Is(auth.RoleDoctor, auth.RoleInsurer) && !addressEqual(id.WalletAddress, patient) {
		return nil, fmt.Errorf("%w: records belong to another patient", ErrForbidden)
	}

	entries, err := s.ledger.GetRecords(patient)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	mapper := iter.Mapper[ledger.RecordEntry, Record]{MaxGoroutines: maxConcurrentFetches}
	return mapper.Map(entries, func(e *ledger.RecordEntry) Record {
		rec := Record{ContentID: e.ContentID, DoctorAddress: e.DoctorAddress, AddedAt: e.AddedAt}
		data, err := s.fetch(ctx, e.ContentID, patient)
		if err != nil {
			s.logger.Warn().Err(err).Str("content_id", e.ContentID).Msg("record not retrieved")
			rec.Error = err.Error()
			return rec
		}
		rec.Data, rec.Retrieved = data, true
		return rec
	}), nil
}

func (s *Service) fetch(ctx context.Context, contentID, patient string) (json.RawMessage, error) {
	payload, err := s.store.Get(ctx, contentID)
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return s.cipher.DecryptStructured(env.Encrypted, patient)
}

// isDocument reports whether data is a JSON object or array. Records are read
// back through DecryptStructured, which refuses scalars.
func isDocument(data json.RawMessage) bool {
	t := bytes.TrimSpace(data)
	return len(t) > 0 && (t[0] == '{' || t[0] == '[')
}

func addressEqual(a, b string) bool {
	na, err := auth.NormalizeAddress(a)
	return err == nil && na == b
}
