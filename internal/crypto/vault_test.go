package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/yungbote/storyforge-backend/internal/logger"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	key := bytes.Repeat([]byte{0x42}, 32)
	v, err := NewVault(key, log)
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := testVault(t)
	cases := []struct {
		name      string
		plaintext []byte
	}{
		{name: "api_key", plaintext: []byte("sk-live-abc123")},
		{name: "json_blob", plaintext: []byte(`{"client_id":"x","client_secret":"y"}`)},
		{name: "empty", plaintext: []byte{}},
		{name: "binary", plaintext: []byte{0x00, 0xff, 0x10, 0x80}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ct, err := v.Encrypt(tc.plaintext)
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			got, err := v.Decrypt(ct)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if !bytes.Equal(got, tc.plaintext) {
				t.Fatalf("round trip mismatch: got %q, want %q", got, tc.plaintext)
			}
		})
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	v := testVault(t)
	a, err := v.Encrypt([]byte("same input"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := v.Encrypt([]byte("same input"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a == b {
		t.Fatal("two encryptions of the same plaintext produced identical ciphertext")
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	v := testVault(t)
	ct, err := v.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	tampered := []byte(ct)
	tampered[len(tampered)-5] ^= 0x01
	if _, err := v.Decrypt(string(tampered)); err == nil {
		t.Fatal("Decrypt accepted tampered ciphertext")
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	v := testVault(t)
	if _, err := v.Decrypt("not base64!!"); !errors.Is(err, ErrInvalidCiphertext) {
		t.Fatalf("want ErrInvalidCiphertext, got %v", err)
	}
	if _, err := v.Decrypt("AAAA"); !errors.Is(err, ErrInvalidCiphertext) {
		t.Fatalf("short ciphertext: want ErrInvalidCiphertext, got %v", err)
	}
}

func TestNewVaultRejectsBadKeyLength(t *testing.T) {
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	if _, err := NewVault([]byte("short"), log); err == nil {
		t.Fatal("NewVault accepted a short key")
	}
}
