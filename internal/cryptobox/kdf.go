package cryptobox

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// KDF names a password-based key derivation function.
type KDF string

const (
	KDFPBKDF2   KDF = "pbkdf2-sha256"
	KDFArgon2id KDF = "argon2id"
)

// Params fixes how DeriveKey stretches a passphrase. They are persisted
// next to the wrapped key so later unlocks derive the same key.
type Params struct {
	KDF        KDF    `json:"kdf"`
	Iterations uint32 `json:"iterations"`
	MemoryKiB  uint32 `json:"memory_kib,omitempty"`
	Threads    uint8  `json:"threads,omitempty"`
}

// DefaultParams is PBKDF2-HMAC-SHA256 with 100000 iterations.
func DefaultParams() Params {
	return Params{KDF: KDFPBKDF2, Iterations: 100_000}
}

// Argon2Params is Argon2id with 64 MiB of memory.
func Argon2Params() Params {
	return Params{KDF: KDFArgon2id, Iterations: 1, MemoryKiB: 64 * 1024, Threads: 4}
}

// DeriveKey stretches passphrase with salt into a 32-byte key.
func DeriveKey(passphrase, salt []byte, p Params) (Key, error) {
	switch p.KDF {
	case KDFPBKDF2, "":
		iter := int(p.Iterations)
		if iter == 0 {
			iter = int(DefaultParams().Iterations)
		}
		return pbkdf2.Key(passphrase, salt, iter, KeySize, sha256.New), nil
	case KDFArgon2id:
		return argon2.IDKey(passphrase, salt, p.Iterations, p.MemoryKiB, p.Threads, KeySize), nil
	default:
		return nil, fmt.Errorf("unknown kdf %q", p.KDF)
	}
}

// WrapKey seals key under a key derived from passphrase and salt.
func WrapKey(key Key, passphrase, salt []byte, p Params) ([]byte, error) {
	kek, err := DeriveKey(passphrase, salt, p)
	if err != nil {
		return nil, err
	}
	return Seal(key, kek)
}

// UnwrapKey recovers a key sealed by WrapKey. A wrong passphrase fails
// with common.ErrIntegrity.
func UnwrapKey(wrapped, passphrase, salt []byte, p Params) (Key, error) {
	kek, err := DeriveKey(passphrase, salt, p)
	if err != nil {
		return nil, err
	}
	k, err := Open(wrapped, kek)
	if err != nil {
		return nil, fmt.Errorf("unwrap key: %w", err)
	}
	return k, nil
}
