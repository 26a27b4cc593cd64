package ledger

import (
	"errors"
	"strings"
	"testing"
)

func TestRecordLedger_AuthorizeDoctor(t *testing.T) {
	c := newTestChain(t)
	records := NewRecordLedger(c)

	if _, err := records.AuthorizeDoctor(strangerAddr, doctorAddr); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
	if ok, _ := records.IsDoctorAuthorized(doctorAddr); ok {
		t.Error("expected failed authorization to leave allowlist unchanged")
	}

	mustReceipt(t)(records.AuthorizeDoctor(ownerAddr, doctorAddr))
	mustReceipt(t)(records.AuthorizeDoctor(ownerAddr, doctorAddr))

	// Mixed-case input addresses the same entry.
	if ok, _ := records.IsDoctorAuthorized(strings.ToUpper(doctorAddr[2:])); !ok {
		t.Error("expected authorization to be case-insensitive")
	}
	if _, err := records.AuthorizeDoctor(ownerAddr, "0x123"); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestRecordLedger_AddRecord(t *testing.T) {
	c := newTestChain(t)
	records := NewRecordLedger(c)
	mustReceipt(t)(records.AuthorizeDoctor(ownerAddr, doctorAddr))

	r, pos, err := records.AddRecord(doctorAddr, patientAddr, "QmFirst")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos != 0 || r.BlockNumber != 2 || !strings.HasPrefix(r.TxHash, "0x") {
		t.Errorf("unexpected receipt %+v position %d", r, pos)
	}

	_, pos, err = records.AddRecord(doctorAddr, strings.ToUpper(patientAddr[2:]), "QmSecond")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos != 1 {
		t.Errorf("expected position 1, got %d", pos)
	}

	entries, err := records.GetRecords(patientAddr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 || entries[0].ContentID != "QmFirst" || entries[1].ContentID != "QmSecond" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if entries[0].DoctorAddress != doctorAddr {
		t.Errorf("expected doctor %s, got %s", doctorAddr, entries[0].DoctorAddress)
	}
	if !entries[1].AddedAt.After(entries[0].AddedAt) {
		t.Error("expected ledger-assigned timestamps to advance")
	}
}

func TestRecordLedger_UnauthorizedLeavesStateUnchanged(t *testing.T) {
	c := newTestChain(t)
	records := NewRecordLedger(c)
	mustReceipt(t)(records.AuthorizeDoctor(ownerAddr, doctorAddr))
	if _, _, err := records.AddRecord(doctorAddr, patientAddr, "QmReal"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before, _ := c.Head()

	if _, _, err := records.AddRecord(strangerAddr, patientAddr, "QmFake"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}

	if n, _ := records.GetRecordCount(patientAddr); n != 1 {
		t.Errorf("expected count 1, got %d", n)
	}
	if ok, _ := records.VerifyRecord(patientAddr, "QmFake"); ok {
		t.Error("expected rejected record to be absent")
	}
	if after, _ := c.Head(); after != before {
		t.Errorf("expected no block for a rejected call, height %d -> %d", before, after)
	}
}

func TestRecordLedger_Verify(t *testing.T) {
	c := newTestChain(t)
	records := NewRecordLedger(c)
	mustReceipt(t)(records.AuthorizeDoctor(ownerAddr, doctorAddr))

	for _, cid := range []string{"QmTest", "QmTest", "QmOther"} {
		if _, _, err := records.AddRecord(doctorAddr, patientAddr, cid); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	tests := []struct {
		patient, cid string
		want         bool
	}{
		{patientAddr, "QmTest", true},
		{patientAddr, "QmOther", true},
		{patientAddr, "QmFake", false},
		{strangerAddr, "QmTest", false},
	}
	for _, tt := range tests {
		got, err := records.VerifyRecord(tt.patient, tt.cid)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != tt.want {
			t.Errorf("VerifyRecord(%s, %s) = %v, want %v", tt.patient, tt.cid, got, tt.want)
		}
	}

	if n, _ := records.GetRecordCount(patientAddr); n != 3 {
		t.Errorf("expected duplicates to be kept, count %d", n)
	}
	if entries, _ := records.GetRecords(strangerAddr); len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
}

func TestRecordLedger_AddRecordValidation(t *testing.T) {
	c := newTestChain(t)
	records := NewRecordLedger(c)
	mustReceipt(t)(records.AuthorizeDoctor(ownerAddr, doctorAddr))

	if _, _, err := records.AddRecord(doctorAddr, patientAddr, "  "); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
	if _, _, err := records.AddRecord(doctorAddr, "patient-7", "QmX"); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("expected ErrInvalidAddress, got %v", err)
	}
}
