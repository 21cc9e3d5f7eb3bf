package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"strings"

	"github.com/rotisserie/eris"
)

const cipherPrefix = "enc:v1:"

// ErrDecrypt is wrapped by every identifier decryption failure.
var ErrDecrypt = eris.New("store: decrypt identifier")

// Cipher encrypts sensitive identifiers (SSN, Medicaid ID, aggregator
// passwords) at rest with AES-256-GCM. A nil *Cipher stores values as-is,
// which is only meant for local development databases.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a base64-encoded 32-byte key. An empty key
// returns a nil Cipher.
func NewCipher(encodedKey string) (*Cipher, error) {
	if encodedKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, eris.Wrap(err, "store: decode encryption key")
	}
	if len(key) != 32 {
		return nil, eris.Errorf("store: encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, eris.Wrap(err, "store: init aes")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, eris.Wrap(err, "store: init gcm")
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext. Empty values stay empty.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if c == nil || plaintext == "" {
		return plaintext, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", eris.Wrap(err, "store: generate nonce")
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return cipherPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *Cipher) Decrypt(stored string) (string, error) {
	if stored == "" {
		return "", nil
	}
	if !strings.HasPrefix(stored, cipherPrefix) {
		if c == nil {
			return stored, nil
		}
		return "", eris.Wrap(ErrDecrypt, "value is not encrypted")
	}
	if c == nil {
		return "", eris.Wrap(ErrDecrypt, "no encryption key configured")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, cipherPrefix))
	if err != nil {
		return "", eris.Wrap(ErrDecrypt, "decode ciphertext")
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", eris.Wrap(ErrDecrypt, "ciphertext too short")
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", eris.Wrap(ErrDecrypt, "open ciphertext")
	}
	return string(plain), nil
}
