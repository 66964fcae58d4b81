package remote

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/hushh-labs/consent-protocol-sub002/internal/consent"
)

const (
	keyBytes   = 32
	nonceBytes = 12
	tagBytes   = 16
)

// EncryptedBundle is the client-side result of encrypting an export:
// ciphertext, nonce and auth tag split out, plus the fresh data key.
// All fields are standard base64, matching what the server stores.
type EncryptedBundle struct {
	Ciphertext string
	IV         string
	Tag        string
	ExportKey  string
}

// EncryptPayload seals plaintext under a freshly generated AES-256 key
// with GCM. The key travels inside the bundle; the server never uses
// it, only stores it for the eventual holder.
func EncryptPayload(plaintext []byte) (EncryptedBundle, error) {
	key := make([]byte, keyBytes)
	if _, err := rand.Read(key); err != nil {
		return EncryptedBundle{}, fmt.Errorf("remote: generate key: %w", err)
	}
	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return EncryptedBundle{}, fmt.Errorf("remote: generate nonce: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return EncryptedBundle{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return EncryptedBundle{}, err
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	// GCM appends the tag to the ciphertext; the wire format carries
	// them as separate fields.
	ct, tag := sealed[:len(sealed)-tagBytes], sealed[len(sealed)-tagBytes:]

	return EncryptedBundle{
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		IV:         base64.StdEncoding.EncodeToString(nonce),
		Tag:        base64.StdEncoding.EncodeToString(tag),
		ExportKey:  base64.StdEncoding.EncodeToString(key),
	}, nil
}

// DecryptExport opens a retrieved export bundle with the key it
// carries. Tag verification failure yields an error, never partial
// plaintext.
func DecryptExport(export consent.EncryptedExport) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(export.ExportKey)
	if err != nil {
		return nil, fmt.Errorf("remote: decode key: %w", err)
	}
	if len(key) != keyBytes {
		return nil, errors.New("remote: export key has wrong length")
	}
	nonce, err := base64.StdEncoding.DecodeString(export.IV)
	if err != nil {
		return nil, fmt.Errorf("remote: decode iv: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(export.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("remote: decode ciphertext: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(export.Tag)
	if err != nil {
		return nil, fmt.Errorf("remote: decode tag: %w", err)
	}
	if len(tag) != tagBytes {
		return nil, errors.New("remote: auth tag has wrong length")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(nonce))
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("remote: decrypt export: %w", err)
	}
	return plaintext, nil
}
