// Package envelope implements two-layer (envelope) encryption for stored
// credentials: each plaintext is sealed under a fresh data key, and the data
// key is sealed under a versioned master key. Both layers are AES-256-GCM,
// so tampering with any part of a payload fails authentication instead of
// yielding garbage.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/postloom/pagevault/internal/domain/model"
)

// KeySize is the required master key length in bytes (AES-256). Data keys
// use the same size.
const KeySize = 32

var (
	// ErrTamperedOrCorrupt reports an authentication failure in either
	// envelope layer: the payload was modified, truncated, or decrypted
	// with the wrong key.
	ErrTamperedOrCorrupt = errors.New("envelope: payload tampered or corrupt")

	// ErrUnknownKeyVersion reports a payload wrapped under a master key
	// version this cipher was not constructed with.
	ErrUnknownKeyVersion = errors.New("envelope: unknown master key version")
)

// Cipher encrypts and decrypts credential payloads. It holds one active
// master key used for new payloads plus any number of previous versions kept
// for decryption, so records wrapped under different versions coexist.
type Cipher struct {
	keys   map[string][]byte
	active string
}

// NewCipher creates a Cipher. Every key must be KeySize bytes and the active
// version must be among the supplied keys.
func NewCipher(activeVersion string, keys map[string][]byte) (*Cipher, error) {
	if activeVersion == "" {
		return nil, errors.New("envelope: active key version required")
	}
	if len(keys) == 0 {
		return nil, errors.New("envelope: at least one master key required")
	}

	held := make(map[string][]byte, len(keys))
	for version, key := range keys {
		if len(key) != KeySize {
			return nil, fmt.Errorf("envelope: master key %q must be %d bytes, got %d", version, KeySize, len(key))
		}
		held[version] = key
	}

	if _, ok := held[activeVersion]; !ok {
		return nil, fmt.Errorf("envelope: active key version %q not among supplied keys", activeVersion)
	}

	return &Cipher{keys: held, active: activeVersion}, nil
}

// ActiveVersion returns the version tag stamped on newly encrypted payloads.
func (c *Cipher) ActiveVersion() string {
	return c.active
}

// Encrypt seals plaintext under a fresh random data key, wraps the data key
// under the active master key, and returns the complete payload. No state is
// retained between calls.
func (c *Cipher) Encrypt(plaintext string) (model.EncryptedPayload, error) {
	dataKey := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, dataKey); err != nil {
		return model.EncryptedPayload{}, fmt.Errorf("rand data key: %w", err)
	}

	ciphertext, iv, tag, err := seal(dataKey, []byte(plaintext))
	if err != nil {
		return model.EncryptedPayload{}, fmt.Errorf("seal plaintext: %w", err)
	}

	wrappedKey, wrappedKeyIV, wrappedKeyTag, err := seal(c.keys[c.active], dataKey)
	if err != nil {
		return model.EncryptedPayload{}, fmt.Errorf("wrap data key: %w", err)
	}

	return model.EncryptedPayload{
		Ciphertext:    ciphertext,
		IV:            iv,
		Tag:           tag,
		WrappedKey:    wrappedKey,
		WrappedKeyIV:  wrappedKeyIV,
		WrappedKeyTag: wrappedKeyTag,
		KeyVersion:    c.active,
	}, nil
}

// Decrypt unwraps the data key under the payload's master key version and
// opens the ciphertext. Any authentication failure in either layer returns
// ErrTamperedOrCorrupt; identical inputs always produce identical results.
func (c *Cipher) Decrypt(p model.EncryptedPayload) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}

	master, ok := c.keys[p.KeyVersion]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKeyVersion, p.KeyVersion)
	}

	dataKey, err := open(master, p.WrappedKeyIV, p.WrappedKey, p.WrappedKeyTag)
	if err != nil {
		return "", fmt.Errorf("%w: unwrap data key", ErrTamperedOrCorrupt)
	}
	if len(dataKey) != KeySize {
		return "", fmt.Errorf("%w: unwrapped data key has wrong size", ErrTamperedOrCorrupt)
	}

	plaintext, err := open(dataKey, p.IV, p.Ciphertext, p.Tag)
	if err != nil {
		return "", fmt.Errorf("%w: open ciphertext", ErrTamperedOrCorrupt)
	}

	return string(plaintext), nil
}

// seal encrypts plaintext under key with AES-256-GCM and a random IV,
// returning the ciphertext, IV, and authentication tag as separate slices.
func seal(key, plaintext []byte) (ciphertext, iv, tag []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}

	iv = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, fmt.Errorf("rand iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - gcm.Overhead()
	return sealed[:split:split], iv, sealed[split:], nil
}

// open authenticates and decrypts ciphertext||tag under key. Length checks
// come first because GCM panics on a malformed IV rather than erroring.
func open(key, iv, ciphertext, tag []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}

	if len(iv) != gcm.NonceSize() {
		return nil, errors.New("iv has wrong size")
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	return gcm.Open(nil, iv, sealed, nil)
}
