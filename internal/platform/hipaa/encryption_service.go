package hipaa

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

const devMasterSecret = "healthchain-development-master-secret"

// EncryptionService encrypts record payloads under a key derived from the
// subject they belong to. It holds no per-call state.
type EncryptionService struct {
	master string
	rand   io.Reader
}

// NewEncryptionService creates the service. An empty master secret falls back
// to a fixed development secret and logs a warning; config validation refuses
// that in production.
func NewEncryptionService(master string, logger zerolog.Logger) *EncryptionService {
	if master == "" {
		logger.Warn().Msg("record encryption is using the development master secret: ENCRYPTION_MASTER_KEY is not set")
		master = devMasterSecret
	} else {
		logger.Info().Msg("per-subject record encryption enabled")
	}
	return &EncryptionService{master: master, rand: rand.Reader}
}

// Encrypt encrypts value for subject. Strings are encrypted as-is, raw JSON
// and byte slices verbatim, anything else as its JSON encoding.
func (s *EncryptionService) Encrypt(value interface{}, subject string) (EncryptedBlob, error) {
	if NormalizeSubject(subject) == "" {
		return EncryptedBlob{}, ErrEmptySubject
	}

	var plain []byte
	switch v := value.(type) {
	case string:
		plain = []byte(v)
	case json.RawMessage:
		plain = v
	case []byte:
		plain = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return EncryptedBlob{}, fmt.Errorf("encrypt: marshal value: %w", err)
		}
		plain = b
	}

	return sealCBC(DeriveKey(s.master, subject), plain, s.rand)
}

// Decrypt returns the parsed document when the plaintext is a JSON object or
// array, and the plaintext string otherwise. JSON scalars therefore come back
// as their text, e.g. 42 becomes "42".
func (s *EncryptionService) Decrypt(blob EncryptedBlob, subject string) (interface{}, error) {
	plain, err := s.open(blob, subject)
	if err != nil {
		return nil, err
	}
	if isStructured(plain) {
		var v interface{}
		if err := json.Unmarshal(plain, &v); err == nil {
			return v, nil
		}
	}
	return string(plain), nil
}

// DecryptStructured is Decrypt for callers that expect a JSON document. A
// wrong subject that happens to pass the padding check is reported as an
// error here instead of surfacing as garbage text.
func (s *EncryptionService) DecryptStructured(blob EncryptedBlob, subject string) (json.RawMessage, error) {
	plain, err := s.open(blob, subject)
	if err != nil {
		return nil, err
	}
	if !isStructured(plain) || !json.Valid(plain) {
		return nil, ErrNotStructured
	}
	return json.RawMessage(plain), nil
}

// DecryptInto decodes a structured payload into v.
func (s *EncryptionService) DecryptInto(blob EncryptedBlob, subject string, v interface{}) error {
	raw, err := s.DecryptStructured(blob, subject)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrNotStructured, err)
	}
	return nil
}

func (s *EncryptionService) open(blob EncryptedBlob, subject string) ([]byte, error) {
	if NormalizeSubject(subject) == "" {
		return nil, ErrEmptySubject
	}
	plain, err := openCBC(DeriveKey(s.master, subject), blob)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(plain) {
		return nil, fmt.Errorf("%w: plaintext is not valid UTF-8", ErrDecrypt)
	}
	return plain, nil
}

func isStructured(b []byte) bool {
	t := bytes.TrimSpace(b)
	return len(t) > 0 && (t[0] == '{' || t[0] == '[')
}
