package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"

	"github.com/yungbote/storyforge-backend/internal/logger"
)

var (
	// ErrKeyMissing indicates CRYPTO_KEY was not configured.
	ErrKeyMissing = errors.New("crypto key not configured")
	// ErrDecryptionFailed indicates the ciphertext did not authenticate under
	// the process key. Treated as a fatal configuration error, never retried.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrInvalidCiphertext indicates the ciphertext is malformed.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

const keyContext = "storyforge-credential-vault"

// Vault provides AES-256-GCM encryption for per-channel credential blobs
// under a process-wide key. Ciphertext is self-describing: base64 of
// nonce || sealed, with the GCM tag inside the sealed portion.
type Vault struct {
	aead cipher.AEAD
	log  *logger.Logger
}

// NewVaultFromEnv loads the 32-byte key from CRYPTO_KEY (base64).
func NewVaultFromEnv(log *logger.Logger) (*Vault, error) {
	raw := os.Getenv("CRYPTO_KEY")
	if raw == "" {
		return nil, ErrKeyMissing
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode CRYPTO_KEY: %w", err)
	}
	return NewVault(key, log)
}

// NewVault derives the sealing key from master via HKDF-SHA256 and prepares
// the AEAD. The master key must be exactly 32 bytes.
func NewVault(master []byte, log *logger.Logger) (*Vault, error) {
	if len(master) != 32 {
		return nil, fmt.Errorf("crypto key must be 32 bytes after decode, got %d", len(master))
	}
	derived := make([]byte, 32)
	reader := hkdf.New(sha256.New, master, nil, []byte(keyContext))
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM cipher: %w", err)
	}
	return &Vault{aead: aead, log: log.With("service", "Vault")}, nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext).
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Authentication failure returns
// ErrDecryptionFailed.
func (v *Vault) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	if len(raw) < v.aead.NonceSize() {
		return nil, ErrInvalidCiphertext
	}
	nonce, sealed := raw[:v.aead.NonceSize()], raw[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
