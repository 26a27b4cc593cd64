package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const recordsContract = "records"

// RecordEntry points at one encrypted record. The ledger never sees the
// record itself.
type RecordEntry struct {
	ContentID     string    `json:"content_id"`
	DoctorAddress string    `json:"doctor_address"`
	AddedAt       time.Time `json:"added_at"`
}

// RecordLedger is the access-controlled record contract. Only allowlisted
// doctors may append; reads are public.
type RecordLedger struct {
	chain *Chain
}

func NewRecordLedger(c *Chain) *RecordLedger {
	return &RecordLedger{chain: c}
}

func recordsACLKey(addr string) string { return recordsContract + "/acl/" + addr }
func recordsCountKey(patient string) string { return recordsContract + "/count/" + patient }
func recordsEntryPrefix(patient string) string { return recordsContract + "/entry/" + patient + "/" }

func recordsEntryKey(patient string, i uint64) string {
	return fmt.Sprintf("%s%010d", recordsEntryPrefix(patient), i)
}

// AuthorizeDoctor adds doctor to the allowlist. Owner only; authorizing an
// address twice is not an error.
func (l *RecordLedger) AuthorizeDoctor(caller, doctor string) (Receipt, error) {
	from, err := parseAddress(caller)
	if err != nil {
		return Receipt{}, err
	}
	addr, err := parseAddress(doctor)
	if err != nil {
		return Receipt{}, err
	}
	key := addressKey(addr)

	return l.chain.execute(recordsContract, "authorizeDoctor", from, map[string]string{"doctor": key},
		func(tx *txn, _ time.Time) error {
			if err := l.chain.requireOwner(from); err != nil {
				return err
			}
			tx.put(recordsACLKey(key), []byte{1})
			return nil
		})
}

// IsDoctorAuthorized reports whether doctor is on the allowlist.
func (l *RecordLedger) IsDoctorAuthorized(doctor string) (bool, error) {
	addr, err := parseAddress(doctor)
	if err != nil {
		return false, err
	}
	var ok bool
	err = l.chain.view(func(tx *txn) error {
		_, ok, err = tx.get(recordsACLKey(addressKey(addr)))
		return err
	})
	return ok, err
}

// AddRecord appends contentID to the patient's entries with the caller as the
// doctor. It returns the receipt and the zero-based position of the entry.
func (l *RecordLedger) AddRecord(caller, patient, contentID string) (Receipt, uint64, error) {
	from, err := parseAddress(caller)
	if err != nil {
		return Receipt{}, 0, err
	}
	p, err := parseAddress(patient)
	if err != nil {
		return Receipt{}, 0, err
	}
	contentID = strings.TrimSpace(contentID)
	if contentID == "" {
		return Receipt{}, 0, fmt.Errorf("%w: content id is required", ErrInvalidArgument)
	}
	patientKey, doctorKey := addressKey(p), addressKey(from)

	var position uint64
	payload := map[string]string{"patient": patientKey, "contentId": contentID}
	receipt, err := l.chain.execute(recordsContract, "addRecord", from, payload,
		func(tx *txn, ts time.Time) error {
			if _, ok, err := tx.get(recordsACLKey(doctorKey)); err != nil {
				return err
			} else if !ok {
				return fmt.Errorf("%w: %s is not an authorized doctor", ErrUnauthorized, doctorKey)
			}

			n, err := readCount(tx, recordsCountKey(patientKey))
			if err != nil {
				return err
			}
			entry := RecordEntry{ContentID: contentID, DoctorAddress: doctorKey, AddedAt: ts}
			if err := tx.putJSON(recordsEntryKey(patientKey, n), entry); err != nil {
				return err
			}
			tx.put(recordsCountKey(patientKey), []byte(strconv.FormatUint(n+1, 10)))
			position = n
			return nil
		})
	if err != nil {
		return Receipt{}, 0, err
	}
	return receipt, position, nil
}

// GetRecords returns the patient's entries in append order.
func (l *RecordLedger) GetRecords(patient string) ([]RecordEntry, error) {
	p, err := parseAddress(patient)
	if err != nil {
		return nil, err
	}
	key := addressKey(p)

	var entries []RecordEntry
	err = l.chain.view(func(tx *txn) error {
		n, err := readCount(tx, recordsCountKey(key))
		if err != nil {
			return err
		}
		entries = make([]RecordEntry, 0, n)
		for i := uint64(0); i < n; i++ {
			var e RecordEntry
			ok, err := tx.getJSON(recordsEntryKey(key, i), &e)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: missing record entry %d for %s", ErrChainCorrupt, i, key)
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// VerifyRecord reports whether any of the patient's entries carries contentID.
func (l *RecordLedger) VerifyRecord(patient, contentID string) (bool, error) {
	entries, err := l.GetRecords(patient)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.ContentID == contentID {
			return true, nil
		}
	}
	return false, nil
}

// GetRecordCount returns the number of entries for the patient.
func (l *RecordLedger) GetRecordCount(patient string) (uint64, error) {
	p, err := parseAddress(patient)
	if err != nil {
		return 0, err
	}
	var n uint64
	err = l.chain.view(func(tx *txn) error {
		n, err = readCount(tx, recordsCountKey(addressKey(p)))
		return err
	})
	return n, err
}

func readCount(tx *txn, key string) (uint64, error) {
	v, ok, err := tx.get(key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseUint(string(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad counter %s", ErrChainCorrupt, key)
	}
	return n, nil
}
