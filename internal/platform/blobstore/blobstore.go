// Package blobstore provides content-addressable storage for encrypted record
// envelopes and claim documents. A payload is written once under a name hint
// and read back by the content id the backend hands out.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound   = errors.New("blob not found")
	ErrEmptyPayload   = errors.New("payload is empty")
	ErrPayloadTooBig  = errors.New("payload exceeds maximum allowed size")
	ErrUnknownBackend = errors.New("unknown storage backend")
)

// MaxPayloadSize is the largest payload any backend accepts (25 MB).
const MaxPayloadSize = 25 * 1024 * 1024

// DefaultName is used when the caller gives no name hint.
const DefaultName = "healthchain-record"

// ---------------------------------------------------------------------------
// Store interface
// ---------------------------------------------------------------------------

// Store is the contract every storage backend satisfies. Calls are single
// attempt; retrying is up to the caller.
type Store interface {
	Put(ctx context.Context, payload []byte, name string) (string, error)
	Get(ctx context.Context, contentID string) ([]byte, error)
}

func checkPayload(payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if len(payload) > MaxPayloadSize {
		return ErrPayloadTooBig
	}
	return nil
}

func nameOrDefault(name string) string {
	if name == "" {
		return DefaultName
	}
	return name
}

// ---------------------------------------------------------------------------
// Backend selection
// ---------------------------------------------------------------------------

// Options carries the settings of every backend; only those of the selected
// backend are read.
type Options struct {
	Backend         string
	S3Bucket        string
	S3Endpoint      string
	S3Region        string
	IPFSAPIURL      string
	IPFSGatewayURL  string
	PinataAPIKey    string
	PinataAPISecret string
}

// New builds the store named by opts.Backend.
func New(ctx context.Context, opts Options, logger zerolog.Logger) (Store, error) {
	switch opts.Backend {
	case "", "memory":
		logger.Warn().Msg("using in-memory blob store: payloads are lost on restart")
		return NewMemoryStore(), nil
	case "s3":
		store, err := NewS3Store(ctx, opts.S3Bucket, opts.S3Region, opts.S3Endpoint)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("bucket", opts.S3Bucket).Msg("using S3 blob store")
		return store, nil
	case "ipfs":
		logger.Info().Str("api", opts.IPFSAPIURL).Msg("using Pinata IPFS blob store")
		return NewPinataStore(PinataConfig{
			APIURL:     opts.IPFSAPIURL,
			GatewayURL: opts.IPFSGatewayURL,
			APIKey:     opts.PinataAPIKey,
			APISecret:  opts.PinataAPISecret,
		}), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

// MemoryStore is a thread-safe in-memory Store for tests and development.
// Content ids are the hex SHA-256 of the payload, so identical payloads share
// one id.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore returns a ready-to-use MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, payload []byte, _ string) (string, error) {
	if err := checkPayload(payload); err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	id := hex.EncodeToString(sum[:])

	data := make([]byte, len(payload))
	copy(data, payload)

	s.mu.Lock()
	s.blobs[id] = data
	s.mu.Unlock()
	return id, nil
}

func (s *MemoryStore) Get(_ context.Context, contentID string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.blobs[contentID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBlobNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Len reports how many payloads are stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
