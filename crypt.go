package ringside

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// cryptoNonceSize is the nonce size for AES-GCM.
	cryptoNonceSize = 12
	// cryptoSaltSize is the salt size for key derivation.
	cryptoSaltSize = 32
	// cryptoKeySize is the AES-256 key size.
	cryptoKeySize = 32
	// cryptoPBKDF2Iterations is the iteration count for key derivation.
	cryptoPBKDF2Iterations = 100000
)

// CryptoConfig configures encryption at rest for snapshots and backups.
type CryptoConfig struct {
	// Enabled turns on encryption for snapshot blobs and backups.
	Enabled bool `json:"enabled"`
	// Key is the encryption key (must be 32 bytes for AES-256).
	// If empty, KeyPassword is used to derive a key.
	Key []byte `json:"-"`
	// KeyPassword derives the encryption key via PBKDF2 when Key is empty.
	KeyPassword string `json:"-"`
}

// Encryptor seals and opens snapshot blobs with AES-256-GCM. Sealed blobs
// embed the key-derivation salt, so a backup written on one device can be
// restored on another knowing only the password.
type Encryptor struct {
	gcm      cipher.AEAD
	salt     []byte
	password string
}

// NewEncryptor creates an encryptor from a key or password. Returns nil
// without error when encryption is disabled.
func NewEncryptor(cfg CryptoConfig) (*Encryptor, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	salt := make([]byte, cryptoSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	var key []byte
	switch {
	case len(cfg.Key) > 0:
		if len(cfg.Key) != cryptoKeySize {
			return nil, errors.New("encryption key must be 32 bytes for AES-256")
		}
		key = cfg.Key
	case cfg.KeyPassword != "":
		key = pbkdf2.Key([]byte(cfg.KeyPassword), salt, cryptoPBKDF2Iterations, cryptoKeySize, sha256.New)
	default:
		return nil, errors.New("encryption enabled but no key or password provided")
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return &Encryptor{gcm: gcm, salt: salt, password: cfg.KeyPassword}, nil
}

// newEncryptorWithSalt re-derives a password-based encryptor for an existing
// salt, used when opening blobs sealed by another process.
func newEncryptorWithSalt(password string, salt []byte) (*Encryptor, error) {
	if len(salt) != cryptoSaltSize {
		return nil, errors.New("invalid salt size")
	}
	key := pbkdf2.Key([]byte(password), salt, cryptoPBKDF2Iterations, cryptoKeySize, sha256.New)
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return &Encryptor{gcm: gcm, salt: append([]byte(nil), salt...), password: password}, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext into a self-contained blob:
// salt || nonce || ciphertext.
func (e *Encryptor) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, cryptoNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, cryptoSaltSize+cryptoNonceSize+len(plaintext)+e.gcm.Overhead())
	out = append(out, e.salt...)
	out = append(out, nonce...)
	return e.gcm.Seal(out, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal. A password-based encryptor
// re-derives the key when the blob carries a different salt.
func (e *Encryptor) Open(blob []byte) ([]byte, error) {
	if len(blob) < cryptoSaltSize+cryptoNonceSize {
		return nil, errors.New("sealed blob too short")
	}
	salt := blob[:cryptoSaltSize]
	nonce := blob[cryptoSaltSize : cryptoSaltSize+cryptoNonceSize]
	ciphertext := blob[cryptoSaltSize+cryptoNonceSize:]

	gcm := e.gcm
	if !bytes.Equal(salt, e.salt) && e.password != "" {
		other, err := newEncryptorWithSalt(e.password, salt)
		if err != nil {
			return nil, err
		}
		gcm = other.gcm
	}

	return gcm.Open(nil, nonce, ciphertext, nil)
}
