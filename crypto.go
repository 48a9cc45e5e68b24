package fieldsync

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// cipherNonceSize is the nonce size for AES-GCM.
	cipherNonceSize = 12
	// cipherSaltSize is the salt size for key derivation.
	cipherSaltSize = 32
	// cipherKeySize is the AES-256 key size.
	cipherKeySize = 32
	// cipherPBKDF2Iterations is the iteration count for key derivation.
	cipherPBKDF2Iterations = 100000
)

// EncryptionConfig configures encryption at rest for cached payloads and
// queued mutation bodies. Dispensing records and incident reports can sit in
// local storage for days during an offline window, so the store encrypts
// them before they touch disk.
type EncryptionConfig struct {
	// Enabled turns on encryption of persisted payloads.
	Enabled bool `yaml:"enabled"`
	// Key is the raw encryption key (must be 32 bytes for AES-256).
	// If empty, Passphrase is used to derive a key.
	Key []byte `yaml:"-"`
	// Passphrase is used to derive the encryption key via PBKDF2.
	Passphrase string `yaml:"passphrase,omitempty"`
}

// PayloadCipher encrypts and decrypts persisted payloads with AES-256-GCM.
type PayloadCipher struct {
	gcm  cipher.AEAD
	salt []byte
}

// NewPayloadCipher creates a cipher from the config. The salt is persisted by
// the store so that passphrase-derived keys survive restarts; pass nil to
// generate a fresh salt.
func NewPayloadCipher(cfg EncryptionConfig, salt []byte) (*PayloadCipher, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var key []byte
	switch {
	case len(cfg.Key) > 0:
		if len(cfg.Key) != cipherKeySize {
			return nil, errors.New("encryption key must be 32 bytes for AES-256")
		}
		key = cfg.Key
	case cfg.Passphrase != "":
		if salt == nil {
			salt = make([]byte, cipherSaltSize)
			if _, err := rand.Read(salt); err != nil {
				return nil, err
			}
		}
		if len(salt) != cipherSaltSize {
			return nil, errors.New("invalid salt size")
		}
		key = pbkdf2.Key([]byte(cfg.Passphrase), salt, cipherPBKDF2Iterations, cipherKeySize, sha256.New)
	default:
		return nil, errors.New("encryption enabled but no key or passphrase provided")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &PayloadCipher{gcm: gcm, salt: salt}, nil
}

// Salt returns the salt used for key derivation, nil for raw-key ciphers.
func (c *PayloadCipher) Salt() []byte {
	return c.salt
}

// Encrypt encrypts plaintext and returns ciphertext with prepended nonce.
func (c *PayloadCipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, cipherNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts ciphertext (with prepended nonce) and returns plaintext.
func (c *PayloadCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < cipherNonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce := ciphertext[:cipherNonceSize]
	return c.gcm.Open(nil, nonce, ciphertext[cipherNonceSize:], nil)
}
