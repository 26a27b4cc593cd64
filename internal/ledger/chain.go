// Package ledger is the append-only provenance ledger. It hosts two
// contracts, an access-controlled record ledger and a claim settlement
// ledger, on top of a hash-chained block log kept in LevelDB.
//
// Every state-changing call runs under a single lock against a staged view of
// the store. If the contract function fails nothing is written; otherwise its
// state writes, the new block and the chain head are committed in one batch.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	ErrNotOwner        = errors.New("caller is not the ledger owner")
	ErrUnauthorized    = errors.New("caller is not authorized")
	ErrInvalidAddress  = errors.New("invalid address")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrDuplicateClaim  = errors.New("claim already exists")
	ErrClaimNotFound   = errors.New("claim not found")
	ErrClaimResolved   = errors.New("claim already resolved")
	ErrBlockNotFound   = errors.New("block not found")
	ErrChainCorrupt    = errors.New("ledger chain is corrupt")
	ErrOwnerNotSet     = errors.New("ledger owner address is not configured")
)

var (
	genesisPrevHash = strings.Repeat("0", 64)
	keyHeight       = []byte("meta/height")
	keyHead         = []byte("meta/head")
)

const (
	blockPrefix    = "block/"
	blockKeyFormat = blockPrefix + "%020d"
)

// Block is one committed ledger transaction.
type Block struct {
	Height    uint64          `json:"height"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
	Contract  string          `json:"contract"`
	Method    string          `json:"method"`
	Sender    string          `json:"sender"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// computeHash is sha256 over the canonical JSON of every field except Hash.
func (b Block) computeHash() (string, error) {
	data, err := json.Marshal(struct {
		Height    uint64          `json:"height"`
		PrevHash  string          `json:"prev_hash"`
		Contract  string          `json:"contract"`
		Method    string          `json:"method"`
		Sender    string          `json:"sender"`
		Payload   json.RawMessage `json:"payload"`
		Timestamp time.Time       `json:"timestamp"`
	}{b.Height, b.PrevHash, b.Contract, b.Method, b.Sender, b.Payload, b.Timestamp})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Receipt identifies the block a state change landed in.
type Receipt struct {
	TxHash      string    `json:"tx_hash"`
	BlockNumber uint64    `json:"block_number"`
	Timestamp   time.Time `json:"timestamp"`
}

// Options configures Open.
type Options struct {
	// Path of the LevelDB directory. Empty selects an in-memory store.
	Path string
	// Owner is the address allowed to administer the allowlists.
	Owner  string
	Logger zerolog.Logger
	Now    func() time.Time
}

// Chain is the ledger engine shared by both contracts.
type Chain struct {
	mu     sync.RWMutex
	db     *leveldb.DB
	owner  common.Address
	height uint64
	head   string
	now    func() time.Time
	logger zerolog.Logger
}

// Open opens or creates the ledger at opts.Path.
func Open(opts Options) (*Chain, error) {
	var owner common.Address
	if opts.Owner != "" {
		addr, err := parseAddress(opts.Owner)
		if err != nil {
			return nil, fmt.Errorf("ledger owner: %w", err)
		}
		owner = addr
	}

	var (
		db  *leveldb.DB
		err error
	)
	if opts.Path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(opts.Path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}

	c := &Chain{db: db, owner: owner, head: genesisPrevHash, now: opts.Now, logger: opts.Logger}
	if c.now == nil {
		c.now = time.Now
	}
	if err := c.loadHead(); err != nil {
		db.Close()
		return nil, err
	}

	c.logger.Info().
		Str("path", opts.Path).
		Uint64("height", c.height).
		Str("owner", addressKey(owner)).
		Msg("ledger opened")
	return c, nil
}

// OpenMemory is Open with an in-memory store.
func OpenMemory(owner string, logger zerolog.Logger) (*Chain, error) {
	return Open(Options{Owner: owner, Logger: logger})
}

func (c *Chain) loadHead() error {
	h, err := c.db.Get(keyHeight, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read ledger height: %w", err)
	}
	height, err := strconv.ParseUint(string(h), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad height %q", ErrChainCorrupt, h)
	}
	head, err := c.db.Get(keyHead, nil)
	if err != nil {
		return fmt.Errorf("read ledger head: %w", err)
	}
	c.height, c.head = height, string(head)
	return nil
}

// Close releases the underlying store.
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Close()
}

// Owner returns the owner address in lowercase hex.
func (c *Chain) Owner() string {
	return addressKey(c.owner)
}

// Head returns the current height and head block hash. Height 0 means no
// blocks have been committed.
func (c *Chain) Head() (uint64, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.height, c.head
}

// BlockAt returns the block at height (1-based).
func (c *Chain) BlockAt(height uint64) (Block, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readBlock(height)
}

func (c *Chain) readBlock(height uint64) (Block, error) {
	var b Block
	data, err := c.db.Get([]byte(fmt.Sprintf(blockKeyFormat, height)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return b, ErrBlockNotFound
	}
	if err != nil {
		return b, err
	}
	if err := json.Unmarshal(data, &b); err != nil {
		return b, fmt.Errorf("%w: block %d: %v", ErrChainCorrupt, height, err)
	}
	return b, nil
}

// Verify walks every block and checks heights, hashes and the prev-hash links.
func (c *Chain) Verify() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	iter := c.db.NewIterator(util.BytesPrefix([]byte(blockPrefix)), nil)
	defer iter.Release()

	prev := genesisPrevHash
	var n uint64
	for iter.Next() {
		n++
		var b Block
		if err := json.Unmarshal(iter.Value(), &b); err != nil {
			return fmt.Errorf("%w: block %d: %v", ErrChainCorrupt, n, err)
		}
		if b.Height != n {
			return fmt.Errorf("%w: expected height %d, found %d", ErrChainCorrupt, n, b.Height)
		}
		if b.PrevHash != prev {
			return fmt.Errorf("%w: block %d does not link to its predecessor", ErrChainCorrupt, n)
		}
		sum, err := b.computeHash()
		if err != nil {
			return err
		}
		if sum != b.Hash {
			return fmt.Errorf("%w: block %d hash mismatch", ErrChainCorrupt, n)
		}
		prev = b.Hash
	}
	if err := iter.Error(); err != nil {
		return err
	}
	if n != c.height || prev != c.head {
		return fmt.Errorf("%w: head points at %d but %d blocks found", ErrChainCorrupt, c.height, n)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Staged execution
// ---------------------------------------------------------------------------

// txn is the staged view a contract function reads and writes through.
type txn struct {
	db     *leveldb.DB
	writes map[string][]byte
	order  []string
}

func (t *txn) get(key string) ([]byte, bool, error) {
	if v, ok := t.writes[key]; ok {
		return v, true, nil
	}
	v, err := t.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (t *txn) put(key string, value []byte) {
	if _, ok := t.writes[key]; !ok {
		t.order = append(t.order, key)
	}
	t.writes[key] = value
}

func (t *txn) getJSON(key string, v interface{}) (bool, error) {
	data, ok, err := t.get(key)
	if err != nil || !ok {
		return ok, err
	}
	return true, json.Unmarshal(data, v)
}

func (t *txn) putJSON(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.put(key, data)
	return nil
}

// execute runs fn against a staged view and, when it succeeds, commits its
// writes together with a new block recording the call.
func (c *Chain) execute(contract, method string, sender common.Address, payload interface{}, fn func(tx *txn, ts time.Time) error) (Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now().UTC().Truncate(time.Second)
	tx := &txn{db: c.db, writes: make(map[string][]byte)}
	if err := fn(tx, ts); err != nil {
		return Receipt{}, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode %s.%s payload: %w", contract, method, err)
	}
	b := Block{
		Height:    c.height + 1,
		PrevHash:  c.head,
		Contract:  contract,
		Method:    method,
		Sender:    addressKey(sender),
		Payload:   body,
		Timestamp: ts,
	}
	if b.Hash, err = b.computeHash(); err != nil {
		return Receipt{}, err
	}
	encoded, err := json.Marshal(b)
	if err != nil {
		return Receipt{}, err
	}

	batch := new(leveldb.Batch)
	for _, k := range tx.order {
		batch.Put([]byte(k), tx.writes[k])
	}
	batch.Put([]byte(fmt.Sprintf(blockKeyFormat, b.Height)), encoded)
	batch.Put(keyHeight, []byte(strconv.FormatUint(b.Height, 10)))
	batch.Put(keyHead, []byte(b.Hash))
	if err := c.db.Write(batch, nil); err != nil {
		return Receipt{}, fmt.Errorf("commit block %d: %w", b.Height, err)
	}

	c.height, c.head = b.Height, b.Hash
	c.logger.Debug().
		Uint64("block", b.Height).
		Str("contract", contract).
		Str("method", method).
		Str("sender", b.Sender).
		Msg("ledger block committed")

	return Receipt{TxHash: "0x" + b.Hash, BlockNumber: b.Height, Timestamp: ts}, nil
}

// view runs a read-only function against the committed state.
func (c *Chain) view(fn func(tx *txn) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fn(&txn{db: c.db, writes: map[string][]byte{}})
}

func (c *Chain) requireOwner(caller common.Address) error {
	if c.owner == (common.Address{}) {
		return ErrOwnerNotSet
	}
	if caller != c.owner {
		return ErrNotOwner
	}
	return nil
}

// ---------------------------------------------------------------------------
// Addresses
// ---------------------------------------------------------------------------

func parseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}

func addressKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// Bootstrap authorizes the given doctors and insurers as the owner, skipping
// addresses that are already on their allowlist.
func (c *Chain) Bootstrap(doctors, insurers []string) error {
	records, claims := NewRecordLedger(c), NewClaimLedger(c)
	owner := c.Owner()

	for _, d := range doctors {
		ok, err := records.IsDoctorAuthorized(d)
		if err != nil {
			return fmt.Errorf("bootstrap doctor %s: %w", d, err)
		}
		if ok {
			continue
		}
		if _, err := records.AuthorizeDoctor(owner, d); err != nil {
			return fmt.Errorf("bootstrap doctor %s: %w", d, err)
		}
	}
	for _, i := range insurers {
		ok, err := claims.IsInsurerAuthorized(i)
		if err != nil {
			return fmt.Errorf("bootstrap insurer %s: %w", i, err)
		}
		if ok {
			continue
		}
		if _, err := claims.AuthorizeInsurer(owner, i); err != nil {
			return fmt.Errorf("bootstrap insurer %s: %w", i, err)
		}
	}
	return nil
}
