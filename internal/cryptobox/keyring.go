package cryptobox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/healthsync/internal/common"
	"github.com/dmitrijs2005/healthsync/internal/shared"
)

// State keys under which the keyring persists its material.
const (
	StateWrappedKey = "keyring.wrapped_key"
	StateSalt       = "keyring.salt"
	StateParams     = "keyring.params"
)

// StateStore is the persisted key/value namespace of the installation.
type StateStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Keyring turns a passphrase into the installation key. The key is derived
// from the passphrase and salt, so it can always be re-derived; what gets
// persisted is the salt, the KDF params and the key sealed under itself,
// which lets Unlock tell a wrong passphrase apart.
type Keyring struct {
	state  StateStore
	params Params
	salt   []byte
}

type KeyringOption func(*Keyring)

// WithSharedSalt makes first-time setup use salt instead of a random one.
// Devices configured with the same salt and passphrase end up with the
// same key and can read each other's content.
func WithSharedSalt(salt []byte) KeyringOption {
	return func(k *Keyring) { k.salt = salt }
}

// NewKeyring uses params for first-time setup; existing installations keep
// the params they were created with.
func NewKeyring(state StateStore, params Params, opts ...KeyringOption) *Keyring {
	k := &Keyring{state: state, params: params}
	for _, o := range opts {
		o(k)
	}
	return k
}

// Initialized reports whether a wrapped key exists.
func (k *Keyring) Initialized(ctx context.Context) (bool, error) {
	_, err := k.state.Get(ctx, StateWrappedKey)
	if errors.Is(err, common.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Unlock returns the installation key. On first use it picks the salt,
// derives the key and stores it wrapped under passphrase. A wrong
// passphrase fails with common.ErrIntegrity.
func (k *Keyring) Unlock(ctx context.Context, passphrase []byte) (Key, error) {
	ok, err := k.Initialized(ctx)
	if err != nil {
		return nil, fmt.Errorf("read keyring: %w", err)
	}
	if !ok {
		return k.create(ctx, passphrase)
	}

	wrapped, err := k.state.Get(ctx, StateWrappedKey)
	if err != nil {
		return nil, err
	}
	salt, err := k.state.Get(ctx, StateSalt)
	if err != nil {
		return nil, err
	}
	params := DefaultParams()
	if raw, err := k.state.Get(ctx, StateParams); err == nil {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("decode kdf params: %w", err)
		}
	} else if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	return UnwrapKey(wrapped, passphrase, salt, params)
}

func (k *Keyring) create(ctx context.Context, passphrase []byte) (Key, error) {
	salt := k.salt
	if len(salt) == 0 {
		salt = shared.GenerateRandByteArray(SaltSize)
	}

	key, err := DeriveKey(passphrase, salt, k.params)
	if err != nil {
		return nil, err
	}

	wrapped, err := WrapKey(key, passphrase, salt, k.params)
	if err != nil {
		return nil, err
	}
	rawParams, err := json.Marshal(k.params)
	if err != nil {
		return nil, err
	}

	if err := k.state.Set(ctx, StateSalt, salt); err != nil {
		return nil, err
	}
	if err := k.state.Set(ctx, StateParams, rawParams); err != nil {
		return nil, err
	}
	if err := k.state.Set(ctx, StateWrappedKey, wrapped); err != nil {
		return nil, err
	}
	return key, nil
}
