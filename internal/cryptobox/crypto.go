// Package cryptobox encrypts records and blobs with AES-256-GCM and manages
// the process-wide encryption key: derivation from a passphrase, wrapping
// for at-rest storage and unlocking.
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/healthsync/internal/common"
)

const (
	KeySize   = 32
	NonceSize = 12
	SaltSize  = 16
)

// Key is a 256-bit AES key. It is never mutated after creation.
type Key []byte

// GenerateKey returns a fresh random key.
func GenerateKey() (Key, error) {
	k := make([]byte, KeySize)
	if _, err := rand.Read(k); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return k, nil
}

func newGCM(key Key) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", common.ErrIntegrity, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext under key and returns nonce||ciphertext. A new
// random 12-byte nonce is drawn for every call.
func Seal(plaintext []byte, key Key) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal. Any tampering, truncation or wrong key yields
// common.ErrIntegrity.
func Open(blob []byte, key Key) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < NonceSize+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", common.ErrIntegrity)
	}

	plaintext, err := aead.Open(nil, blob[:NonceSize], blob[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrIntegrity, err)
	}
	return plaintext, nil
}

// Encrypt serializes v to JSON and seals it under key.
//
// Example:
//
//	blob, err := cryptobox.Encrypt(record.Payload(), key)
//	if err != nil {
//	    return err
//	}
//	var p models.PatientPayload
//	err = cryptobox.Decrypt(blob, key, &p)
func Encrypt(v any, key Key) ([]byte, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return Seal(plaintext, key)
}

// Decrypt opens blob and unmarshals the JSON into v. Authentication
// failures are reported as common.ErrIntegrity and v is left untouched.
func Decrypt(blob []byte, key Key, v any) error {
	plaintext, err := Open(blob, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("%w: decrypted payload is not valid JSON: %v", common.ErrIntegrity, err)
	}
	return nil
}

// HashJSON returns "0x" followed by the hex SHA-256 of v's JSON encoding.
// It is the data hash submitted for notarization.
func HashJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns "0x" followed by the hex SHA-256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return "0x" + hex.EncodeToString(sum[:])
}
