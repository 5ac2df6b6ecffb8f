package envelope_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postloom/pagevault/internal/domain/model"
	"github.com/postloom/pagevault/internal/envelope"
)

func testKey(seed byte) []byte {
	return bytes.Repeat([]byte{seed}, envelope.KeySize)
}

func newTestCipher(t *testing.T) *envelope.Cipher {
	t.Helper()

	cipher, err := envelope.NewCipher("v1", map[string][]byte{"v1": testKey(0x42)})
	require.NoError(t, err)
	return cipher
}

func TestNewCipher_Validation(t *testing.T) {
	tests := []struct {
		name    string
		active  string
		keys    map[string][]byte
		wantErr string
	}{
		{
			name:    "empty active version",
			active:  "",
			keys:    map[string][]byte{"v1": testKey(0x42)},
			wantErr: "active key version required",
		},
		{
			name:    "no keys",
			active:  "v1",
			keys:    map[string][]byte{},
			wantErr: "at least one master key",
		},
		{
			name:    "short key",
			active:  "v1",
			keys:    map[string][]byte{"v1": testKey(0x42)[:16]},
			wantErr: "must be 32 bytes",
		},
		{
			name:    "active version not among keys",
			active:  "v2",
			keys:    map[string][]byte{"v1": testKey(0x42)},
			wantErr: `"v2" not among supplied keys`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := envelope.NewCipher(tt.active, tt.keys)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	cipher := newTestCipher(t)

	payload, err := cipher.Encrypt("EAATok3nPl4inT3xt")
	require.NoError(t, err)

	assert.Equal(t, "v1", payload.KeyVersion)
	require.NoError(t, payload.Validate())
	assert.NotContains(t, string(payload.Ciphertext), "EAATok3nPl4inT3xt")

	plaintext, err := cipher.Decrypt(payload)
	require.NoError(t, err)
	assert.Equal(t, "EAATok3nPl4inT3xt", plaintext)

	// Decryption is deterministic: the same payload opens again.
	plaintext, err = cipher.Decrypt(payload)
	require.NoError(t, err)
	assert.Equal(t, "EAATok3nPl4inT3xt", plaintext)
}

func TestEncrypt_FreshDataKeyPerCall(t *testing.T) {
	cipher := newTestCipher(t)

	first, err := cipher.Encrypt("same plaintext")
	require.NoError(t, err)
	second, err := cipher.Encrypt("same plaintext")
	require.NoError(t, err)

	// Fresh data key and IVs every call: nothing is reused between records.
	assert.NotEqual(t, first.Ciphertext, second.Ciphertext)
	assert.NotEqual(t, first.IV, second.IV)
	assert.NotEqual(t, first.WrappedKey, second.WrappedKey)
	assert.NotEqual(t, first.WrappedKeyIV, second.WrappedKeyIV)
}

func TestDecrypt_TamperedPayload(t *testing.T) {
	flips := []struct {
		name string
		flip func(p *model.EncryptedPayload)
	}{
		{name: "ciphertext", flip: func(p *model.EncryptedPayload) { p.Ciphertext[0] ^= 0xFF }},
		{name: "iv", flip: func(p *model.EncryptedPayload) { p.IV[0] ^= 0xFF }},
		{name: "tag", flip: func(p *model.EncryptedPayload) { p.Tag[0] ^= 0xFF }},
		{name: "wrapped key", flip: func(p *model.EncryptedPayload) { p.WrappedKey[0] ^= 0xFF }},
		{name: "wrapped key iv", flip: func(p *model.EncryptedPayload) { p.WrappedKeyIV[0] ^= 0xFF }},
		{name: "wrapped key tag", flip: func(p *model.EncryptedPayload) { p.WrappedKeyTag[0] ^= 0xFF }},
	}

	for _, tt := range flips {
		t.Run(tt.name, func(t *testing.T) {
			cipher := newTestCipher(t)
			payload, err := cipher.Encrypt("secret")
			require.NoError(t, err)

			tt.flip(&payload)

			plaintext, err := cipher.Decrypt(payload)
			assert.ErrorIs(t, err, envelope.ErrTamperedOrCorrupt)
			assert.Empty(t, plaintext, "a tampered payload must never yield plaintext")
		})
	}
}

func TestDecrypt_TruncatedCiphertext(t *testing.T) {
	cipher := newTestCipher(t)
	payload, err := cipher.Encrypt("secret")
	require.NoError(t, err)

	payload.Ciphertext = payload.Ciphertext[:len(payload.Ciphertext)-1]

	_, err = cipher.Decrypt(payload)
	assert.ErrorIs(t, err, envelope.ErrTamperedOrCorrupt)
}

func TestDecrypt_WrongKey(t *testing.T) {
	cipher := newTestCipher(t)
	payload, err := cipher.Encrypt("secret")
	require.NoError(t, err)

	other, err := envelope.NewCipher("v1", map[string][]byte{"v1": testKey(0x43)})
	require.NoError(t, err)

	_, err = other.Decrypt(payload)
	assert.ErrorIs(t, err, envelope.ErrTamperedOrCorrupt)
}

func TestDecrypt_UnknownKeyVersion(t *testing.T) {
	cipher := newTestCipher(t)
	payload, err := cipher.Encrypt("secret")
	require.NoError(t, err)

	payload.KeyVersion = "v9"

	_, err = cipher.Decrypt(payload)
	assert.ErrorIs(t, err, envelope.ErrUnknownKeyVersion)
	assert.Contains(t, err.Error(), `"v9"`)
}

func TestDecrypt_PartialPayloadRejected(t *testing.T) {
	cipher := newTestCipher(t)
	payload, err := cipher.Encrypt("secret")
	require.NoError(t, err)

	payload.WrappedKeyTag = nil

	_, err = cipher.Decrypt(payload)
	assert.ErrorIs(t, err, model.ErrPartialPayload)
}

func TestKeyVersionCoexistence(t *testing.T) {
	// Records wrapped under a retired master key stay readable after the
	// active version moves on; new records are stamped with the new version.
	oldCipher, err := envelope.NewCipher("v1", map[string][]byte{"v1": testKey(0x01)})
	require.NoError(t, err)

	oldPayload, err := oldCipher.Encrypt("wrapped under v1")
	require.NoError(t, err)

	newCipher, err := envelope.NewCipher("v2", map[string][]byte{
		"v1": testKey(0x01),
		"v2": testKey(0x02),
	})
	require.NoError(t, err)
	assert.Equal(t, "v2", newCipher.ActiveVersion())

	plaintext, err := newCipher.Decrypt(oldPayload)
	require.NoError(t, err)
	assert.Equal(t, "wrapped under v1", plaintext)

	newPayload, err := newCipher.Encrypt("wrapped under v2")
	require.NoError(t, err)
	assert.Equal(t, "v2", newPayload.KeyVersion)

	// The old cipher cannot open records wrapped under the newer version.
	_, err = oldCipher.Decrypt(newPayload)
	assert.ErrorIs(t, err, envelope.ErrUnknownKeyVersion)
}
