// Package credential is a reference implementation of the encrypted
// secret store the spec treats as an external collaborator, specified
// only by `resolve(reference) → credential material` (spec §1, §3.5,
// glossary). The at-rest encryption is adapted from the encryptor in
// mattcburns-shoal-provision's pkg/crypto: PBKDF2-derived AES-256-GCM.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltPrefix = "noetl-credential-salt-"
	nonceSize  = 12
	keySize    = 32
	iterations = 100000
)

// Encryptor encrypts/decrypts credential material with a key derived from
// an operator-supplied master passphrase (spec §6.7 NOETL_CREDENTIAL_PASSPHRASE).
type Encryptor struct {
	key []byte
}

// NewEncryptor derives an AES-256 key from passphrase via PBKDF2.
func NewEncryptor(passphrase string) (*Encryptor, error) {
	if passphrase == "" {
		return nil, errors.New("credential: passphrase must not be empty")
	}
	salt := sha256.Sum256([]byte(saltPrefix + passphrase))
	key := pbkdf2.Key([]byte(passphrase), salt[:], iterations, keySize, sha256.New)
	return &Encryptor{key: key}, nil
}

// Encrypt seals plaintext, returning a base64-encoded nonce||ciphertext.
func (e *Encryptor) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("credential: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("credential: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("credential: generate nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (e *Encryptor) Decrypt(encoded string) ([]byte, error) {
	combined, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("credential: decode base64: %w", err)
	}
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("credential: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credential: new gcm: %w", err)
	}
	if len(combined) < gcm.NonceSize() {
		return nil, errors.New("credential: ciphertext too short")
	}
	nonce, ciphertext := combined[:nonceSize], combined[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("credential: decrypt: %w", err)
	}
	return plaintext, nil
}
