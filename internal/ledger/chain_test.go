package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

const (
	ownerAddr    = "0x00000000000000000000000000000000000000a1"
	doctorAddr   = "0x00000000000000000000000000000000000000d1"
	patientAddr  = "0x00000000000000000000000000000000000000b1"
	insurerAddr  = "0x00000000000000000000000000000000000000c1"
	strangerAddr = "0x00000000000000000000000000000000000000e1"
)

func fixedClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func newTestChain(t *testing.T) *Chain {
	t.Helper()
	c, err := Open(Options{
		Owner:  ownerAddr,
		Logger: zerolog.Nop(),
		Now:    fixedClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestOpen_InvalidOwner(t *testing.T) {
	if _, err := Open(Options{Owner: "not-an-address", Logger: zerolog.Nop()}); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestChain_EmptyVerifies(t *testing.T) {
	c := newTestChain(t)
	if h, _ := c.Head(); h != 0 {
		t.Errorf("expected height 0, got %d", h)
	}
	if err := c.Verify(); err != nil {
		t.Errorf("expected empty chain to verify: %v", err)
	}
	if _, err := c.BlockAt(1); !errors.Is(err, ErrBlockNotFound) {
		t.Errorf("expected ErrBlockNotFound, got %v", err)
	}
}

func TestChain_BlocksLinkAndVerify(t *testing.T) {
	c := newTestChain(t)
	records, claims := NewRecordLedger(c), NewClaimLedger(c)

	mustReceipt(t)(records.AuthorizeDoctor(ownerAddr, doctorAddr))
	mustReceipt(t)(claims.AuthorizeInsurer(ownerAddr, insurerAddr))
	if _, _, err := records.AddRecord(doctorAddr, patientAddr, "QmA"); err != nil {
		t.Fatalf("add record: %v", err)
	}
	mustReceipt(t)(claims.SubmitClaim(patientAddr, patientAddr, "c1", 1000, "QmA"))
	mustReceipt(t)(claims.RejectClaim(insurerAddr, "c1", common.HexToHash("0x01")))

	// Failed calls add no block.
	_, _ = claims.SubmitClaim(patientAddr, patientAddr, "c1", 1000, "QmA")
	_, _, _ = records.AddRecord(strangerAddr, patientAddr, "QmB")

	height, head := c.Head()
	if height != 5 {
		t.Fatalf("expected 5 blocks, got %d", height)
	}

	prev := genesisPrevHash
	for i := uint64(1); i <= height; i++ {
		b, err := c.BlockAt(i)
		if err != nil {
			t.Fatalf("block %d: %v", i, err)
		}
		if b.PrevHash != prev {
			t.Errorf("block %d prev hash does not link", i)
		}
		prev = b.Hash
	}
	if prev != head {
		t.Error("head does not match last block")
	}

	last, _ := c.BlockAt(5)
	if last.Contract != claimsContract || last.Method != "rejectClaim" || last.Sender != insurerAddr {
		t.Errorf("unexpected last block %+v", last)
	}

	if err := c.Verify(); err != nil {
		t.Errorf("expected chain to verify: %v", err)
	}
}

func TestChain_VerifyDetectsTampering(t *testing.T) {
	c := newTestChain(t)
	records := NewRecordLedger(c)
	mustReceipt(t)(records.AuthorizeDoctor(ownerAddr, doctorAddr))
	mustReceipt(t)(records.AuthorizeDoctor(ownerAddr, strangerAddr))

	b, _ := c.BlockAt(1)
	b.Sender = strangerAddr
	data, _ := json.Marshal(b)
	if err := c.db.Put([]byte(fmt.Sprintf(blockKeyFormat, 1)), data, nil); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if err := c.Verify(); !errors.Is(err, ErrChainCorrupt) {
		t.Errorf("expected ErrChainCorrupt, got %v", err)
	}
}

func TestChain_ReopenFromDisk(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ledger")

	c, err := Open(Options{Path: dir, Owner: ownerAddr, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	records, claims := NewRecordLedger(c), NewClaimLedger(c)
	mustReceipt(t)(records.AuthorizeDoctor(ownerAddr, doctorAddr))
	if _, _, err := records.AddRecord(doctorAddr, patientAddr, "QmDisk"); err != nil {
		t.Fatalf("add record: %v", err)
	}
	mustReceipt(t)(claims.SubmitClaim(patientAddr, patientAddr, "c-disk", 250, ""))
	height, head := c.Head()
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	c, err = Open(Options{Path: dir, Owner: ownerAddr, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c.Close()

	if h2, head2 := c.Head(); h2 != height || head2 != head {
		t.Errorf("head not restored: got (%d, %s), want (%d, %s)", h2, head2, height, head)
	}
	if err := c.Verify(); err != nil {
		t.Errorf("expected reopened chain to verify: %v", err)
	}

	records, claims = NewRecordLedger(c), NewClaimLedger(c)
	if ok, _ := records.VerifyRecord(patientAddr, "QmDisk"); !ok {
		t.Error("expected record to survive reopen")
	}
	if entry, err := claims.GetClaim("c-disk"); err != nil || entry.AmountMinorUnits != 250 {
		t.Errorf("expected claim to survive reopen: %+v %v", entry, err)
	}

	// Appending continues the chain.
	if _, _, err := records.AddRecord(doctorAddr, patientAddr, "QmAfter"); err != nil {
		t.Fatalf("add after reopen: %v", err)
	}
	if err := c.Verify(); err != nil {
		t.Errorf("expected chain to verify after append: %v", err)
	}
}

func TestChain_Bootstrap(t *testing.T) {
	c := newTestChain(t)

	if err := c.Bootstrap([]string{doctorAddr}, []string{insurerAddr}); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	h1, _ := c.Head()

	// A second run adds nothing.
	if err := c.Bootstrap([]string{doctorAddr}, []string{insurerAddr}); err != nil {
		t.Fatalf("bootstrap again: %v", err)
	}
	if h2, _ := c.Head(); h2 != h1 {
		t.Errorf("expected idempotent bootstrap, height went %d -> %d", h1, h2)
	}

	if ok, _ := NewRecordLedger(c).IsDoctorAuthorized(doctorAddr); !ok {
		t.Error("expected doctor to be authorized")
	}
	if ok, _ := NewClaimLedger(c).IsInsurerAuthorized(insurerAddr); !ok {
		t.Error("expected insurer to be authorized")
	}

	if err := c.Bootstrap([]string{"bogus"}, nil); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestChain_OwnerNotSet(t *testing.T) {
	c, err := OpenMemory("", zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()

	if _, err := NewRecordLedger(c).AuthorizeDoctor(ownerAddr, doctorAddr); !errors.Is(err, ErrOwnerNotSet) {
		t.Errorf("expected ErrOwnerNotSet, got %v", err)
	}
}

func mustReceipt(t *testing.T) func(Receipt, error) Receipt {
	t.Helper()
	return func(r Receipt, err error) Receipt {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected ledger error: %v", err)
		}
		if r.TxHash == "" || r.BlockNumber == 0 {
			t.Fatalf("incomplete receipt %+v", r)
		}
		return r
	}
}
