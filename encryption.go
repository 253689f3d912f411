package chronicle

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// encryptionNonceSize is the nonce size for AES-GCM.
	encryptionNonceSize = 12
	// encryptionSaltSize is the salt size for key derivation.
	encryptionSaltSize = 32
	// encryptionKeySize is the AES-256 key size.
	encryptionKeySize = 32
	// pbkdf2Iterations is the iteration count for key derivation.
	pbkdf2Iterations = 100000
)

// EncryptionConfig configures encryption at rest for blob sidecars.
// Clipboard and screenshot payloads are the most sensitive data the
// pipeline touches, so encryption applies to sidecar files rather than the
// relational partitions.
type EncryptionConfig struct {
	// Enabled turns on sidecar encryption.
	Enabled bool `yaml:"enabled"`
	// Key is the encryption key (must be 32 bytes for AES-256).
	// If empty, KeyPassword is used to derive a key.
	Key []byte `yaml:"-"`
	// KeyPassword derives the encryption key via PBKDF2.
	KeyPassword string `yaml:"key_password"`
}

// Encryptor seals and opens blob sidecar contents. A sealed file is laid
// out as salt || nonce || ciphertext so that files remain self-describing
// when the key is password-derived.
type Encryptor struct {
	gcm      cipher.AEAD
	salt     []byte
	password string
}

// NewEncryptor creates an encryptor from a key or password. Returns
// (nil, nil) when encryption is disabled.
func NewEncryptor(cfg EncryptionConfig) (*Encryptor, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	var key, salt []byte
	switch {
	case len(cfg.Key) > 0:
		if len(cfg.Key) != encryptionKeySize {
			return nil, errors.New("encryption key must be 32 bytes for AES-256")
		}
		key = cfg.Key
		salt = make([]byte, encryptionSaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
	case cfg.KeyPassword != "":
		salt = make([]byte, encryptionSaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
		key = pbkdf2.Key([]byte(cfg.KeyPassword), salt, pbkdf2Iterations, encryptionKeySize, sha256.New)
	default:
		return nil, errors.New("encryption enabled but no key or password provided")
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return &Encryptor{gcm: gcm, salt: salt, password: cfg.KeyPassword}, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Seal encrypts a blob payload for storage.
func (e *Encryptor) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, encryptionNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, encryptionSaltSize+encryptionNonceSize+len(plaintext)+e.gcm.Overhead())
	out = append(out, e.salt...)
	out = append(out, nonce...)
	return e.gcm.Seal(out, nonce, plaintext, nil), nil
}

// Open decrypts a sealed blob payload. For password-derived keys the key is
// re-derived against the file's own salt, so files written under an earlier
// salt stay readable.
func (e *Encryptor) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < encryptionSaltSize+encryptionNonceSize {
		return nil, errors.New("sealed blob too short")
	}
	salt := sealed[:encryptionSaltSize]
	nonce := sealed[encryptionSaltSize : encryptionSaltSize+encryptionNonceSize]
	ciphertext := sealed[encryptionSaltSize+encryptionNonceSize:]

	gcm := e.gcm
	if e.password != "" {
		key := pbkdf2.Key([]byte(e.password), salt, pbkdf2Iterations, encryptionKeySize, sha256.New)
		var err error
		gcm, err = newGCM(key)
		if err != nil {
			return nil, err
		}
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt blob: %w", err)
	}
	return plaintext, nil
}
