package channels

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/yungbote/storyforge-backend/internal/crypto"
	"github.com/yungbote/storyforge-backend/internal/logger"
	pkgerrors "github.com/yungbote/storyforge-backend/internal/pkg/errors"
)

func testVault(t *testing.T) *crypto.Vault {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	v, err := crypto.NewVault(bytes.Repeat([]byte{0x07}, 32), log)
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	return v
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "channels.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func TestRegistryLoadsValidConfig(t *testing.T) {
	vault := testVault(t)
	ytCred, err := vault.Encrypt([]byte(`{"client_id":"a"}`))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	path := writeConfig(t, fmt.Sprintf(`
channels:
  - id: chB
    name: Channel B
    max_concurrent: 2
    storage_strategy: object_store
  - id: chA
    name: Channel A
    max_concurrent: 1
    voice_id: voice-1
    credentials:
      youtube: %q
`, ytCred))

	reg, err := NewRegistry(path, vault, testLogger(t))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	entry, err := reg.Get("chA")
	if err != nil {
		t.Fatalf("Get(chA): %v", err)
	}
	cred, ok := entry.Credential("youtube")
	if !ok || string(cred) != `{"client_id":"a"}` {
		t.Fatalf("credential mismatch: ok=%v cred=%q", ok, cred)
	}
	if entry.Channel.StorageStrategy != "filesystem" {
		t.Fatalf("default storage strategy: got %q", entry.Channel.StorageStrategy)
	}

	// Active ids come back sorted, which drives round-robin order.
	ids := reg.ActiveIDs()
	if len(ids) != 2 || ids[0] != "chA" || ids[1] != "chB" {
		t.Fatalf("ActiveIDs = %v, want [chA chB]", ids)
	}
}

func TestRegistryUnknownChannel(t *testing.T) {
	vault := testVault(t)
	path := writeConfig(t, `
channels:
  - id: chA
    name: Channel A
    max_concurrent: 1
`)
	reg, err := NewRegistry(path, vault, testLogger(t))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, err := reg.Get("nope"); !errors.Is(err, pkgerrors.ErrUnknownChannel) {
		t.Fatalf("want ErrUnknownChannel, got %v", err)
	}
}

func TestRegistryRejectsBadConfig(t *testing.T) {
	vault := testVault(t)
	cases := []struct {
		name    string
		content string
	}{
		{
			name: "zero_concurrency",
			content: `
channels:
  - id: chA
    name: Channel A
    max_concurrent: 0
`,
		},
		{
			name: "unknown_storage_strategy",
			content: `
channels:
  - id: chA
    name: Channel A
    max_concurrent: 1
    storage_strategy: carrier_pigeon
`,
		},
		{
			name: "bad_identifier",
			content: `
channels:
  - id: "../escape"
    name: Channel A
    max_concurrent: 1
`,
		},
		{
			name: "undecryptable_credential",
			content: `
channels:
  - id: chA
    name: Channel A
    max_concurrent: 1
    credentials:
      youtube: "bm90IHJlYWwgY2lwaGVydGV4dA=="
`,
		},
		{
			name: "duplicate_id",
			content: `
channels:
  - id: chA
    name: Channel A
    max_concurrent: 1
  - id: chA
    name: Channel A again
    max_concurrent: 1
`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			if _, err := NewRegistry(path, vault, testLogger(t)); err == nil {
				t.Fatal("NewRegistry accepted invalid config")
			}
		})
	}
}

func TestReloadSwapsSnapshot(t *testing.T) {
	vault := testVault(t)
	path := writeConfig(t, `
channels:
  - id: chA
    name: Channel A
    max_concurrent: 1
`)
	reg, err := NewRegistry(path, vault, testLogger(t))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if err := os.WriteFile(path, []byte(`
channels:
  - id: chA
    name: Channel A
    active: false
    max_concurrent: 3
`), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := reg.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	entry, err := reg.Get("chA")
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if entry.Channel.Active || entry.Channel.MaxConcurrent != 3 {
		t.Fatalf("snapshot not swapped: %+v", entry.Channel)
	}
	if got := reg.ActiveIDs(); len(got) != 0 {
		t.Fatalf("inactive channel still listed active: %v", got)
	}
}
