package encryption

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/alttpr-multiworld/server/pkg/config"
	"golang.org/x/crypto/nacl/secretbox"
)

const keySize = 32
const nonceSize = 24

// Encryptor encrypts and decrypts session tokens at rest using NaCl
// secretbox, grounded on the Auth Adapter's session-token-at-rest
// requirement (SPEC_FULL §4.7).
type Encryptor struct {
	config *config.EncryptionConfig
	key    [keySize]byte
}

// New creates a new encryptor from the configured base64 secretbox key.
func New(cfg *config.EncryptionConfig) (*Encryptor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("encryption configuration is required")
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("encryption key is required")
	}

	decoded, err := base64.StdEncoding.DecodeString(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(decoded) != keySize {
		return nil, fmt.Errorf("encryption key must decode to %d bytes, got %d", keySize, len(decoded))
	}

	e := &Encryptor{config: cfg}
	copy(e.key[:], decoded)
	return e, nil
}

// Encrypt seals data with a fresh random nonce, prefixing it to the
// ciphertext.
func (e *Encryptor) Encrypt(data []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], data, &nonce, &e.key)
	return sealed, nil
}

// Decrypt opens data sealed by Encrypt.
func (e *Encryptor) Decrypt(data []byte) ([]byte, error) {
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])

	opened, ok := secretbox.Open(nil, data[nonceSize:], &nonce, &e.key)
	if !ok {
		return nil, fmt.Errorf("decryption failed: invalid key or corrupted data")
	}
	return opened, nil
}

// EncryptString is a convenience wrapper returning base64 ciphertext,
// matching how the Auth Adapter stores session tokens in the session_tokens
// table.
func (e *Encryptor) EncryptString(plaintext string) (string, error) {
	sealed, err := e.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString reverses EncryptString.
func (e *Encryptor) DecryptString(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	opened, err := e.Decrypt(raw)
	if err != nil {
		return "", err
	}
	return string(opened), nil
}
