package hipaa

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrDecrypt       = errors.New("decryption failed")
	ErrNotStructured = errors.New("decrypted payload is not a JSON document")
	ErrEmptySubject  = errors.New("subject id is required")
)

// EncryptedBlob is what gets stored in content-addressable storage. Both
// fields are hex encoded.
type EncryptedBlob struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

// NormalizeSubject is the canonical form a subject id takes before key
// derivation.
func NormalizeSubject(subject string) string {
	return strings.ToLower(strings.TrimSpace(subject))
}

// DeriveKey returns sha256(master + ":" + normalized subject). The same
// subject always yields the same AES-256 key.
func DeriveKey(master, subject string) [32]byte {
	return sha256.Sum256([]byte(master + ":" + NormalizeSubject(subject)))
}

// sealCBC encrypts plaintext with AES-256-CBC and PKCS#7 padding under a
// fresh IV drawn from rnd.
func sealCBC(key [32]byte, plaintext []byte, rnd io.Reader) (EncryptedBlob, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return EncryptedBlob{}, fmt.Errorf("encrypt: create cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rnd, iv); err != nil {
		return EncryptedBlob{}, fmt.Errorf("encrypt: generate iv: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return EncryptedBlob{IV: hex.EncodeToString(iv), Ciphertext: hex.EncodeToString(out)}, nil
}

// openCBC reverses sealCBC. Any malformed input or bad padding is ErrDecrypt.
func openCBC(key [32]byte, blob EncryptedBlob) ([]byte, error) {
	iv, err := hex.DecodeString(blob.IV)
	if err != nil || len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: invalid iv", ErrDecrypt)
	}
	ct, err := hex.DecodeString(blob.Ciphertext)
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: invalid ciphertext length", ErrDecrypt)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: create cipher: %v", ErrDecrypt, err)
	}

	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)

	plain, ok := pkcs7Unpad(out, aes.BlockSize)
	if !ok {
		return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
	}
	return plain, nil
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(append(make([]byte, 0, len(b)+n), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, bool) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, false
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, false
		}
	}
	return b[:len(b)-n], true
}
