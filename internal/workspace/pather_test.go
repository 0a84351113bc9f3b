package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	pkgerrors "github.com/yungbote/storyforge-backend/internal/pkg/errors"
)

func newTestPather(t *testing.T) *Pather {
	t.Helper()
	p, err := NewPather(t.TempDir())
	if err != nil {
		t.Fatalf("NewPather: %v", err)
	}
	return p
}

func TestValidateIdentifier(t *testing.T) {
	cases := []struct {
		name string
		id   string
		ok   bool
	}{
		{name: "simple", id: "chA", ok: true},
		{name: "uuid_style", id: "550e8400-e29b-41d4-a716-446655440000", ok: true},
		{name: "underscore", id: "my_channel_01", ok: true},
		{name: "empty", id: "", ok: false},
		{name: "dot_dot", id: "..", ok: false},
		{name: "slash", id: "a/b", ok: false},
		{name: "backslash", id: `a\b`, ok: false},
		{name: "space", id: "a b", ok: false},
		{name: "too_long", id: strings.Repeat("a", 101), ok: false},
		{name: "max_length", id: strings.Repeat("a", 100), ok: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateIdentifier(tc.id)
			if tc.ok && err != nil {
				t.Fatalf("ValidateIdentifier(%q) = %v, want nil", tc.id, err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("ValidateIdentifier(%q) = nil, want error", tc.id)
			}
		})
	}
}

func TestKindDirCreatesInsideRoot(t *testing.T) {
	p := newTestPather(t)
	dir, err := p.KindDir("chA", "proj1", KindVideos)
	if err != nil {
		t.Fatalf("KindDir: %v", err)
	}
	if !strings.HasPrefix(dir, p.Root()) {
		t.Fatalf("dir %q not under root %q", dir, p.Root())
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("dir not created: %v", err)
	}
	// Idempotent creation.
	if _, err := p.KindDir("chA", "proj1", KindVideos); err != nil {
		t.Fatalf("second KindDir: %v", err)
	}
}

func TestEnsureProjectLayout(t *testing.T) {
	p := newTestPather(t)
	if err := p.EnsureProject("chA", "proj1"); err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}
	for _, kind := range AllKinds {
		dir := filepath.Join(p.Root(), "channels", "chA", "projects", "proj1", filepath.FromSlash(string(kind)))
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("missing kind dir %s: %v", kind, err)
		}
	}
}

func TestChannelTreesAreDisjoint(t *testing.T) {
	p := newTestPather(t)
	a, err := p.ChannelDir("chA")
	if err != nil {
		t.Fatalf("ChannelDir(chA): %v", err)
	}
	b, err := p.ChannelDir("chB")
	if err != nil {
		t.Fatalf("ChannelDir(chB): %v", err)
	}
	if strings.HasPrefix(a, b) || strings.HasPrefix(b, a) {
		t.Fatalf("channel trees overlap: %q vs %q", a, b)
	}
}

func TestRejectsEscapingIdentifiers(t *testing.T) {
	p := newTestPather(t)
	for _, id := range []string{"..", "../../etc", "a/../../b", "/abs"} {
		if _, err := p.ProjectDir(id, "proj1"); err == nil {
			t.Fatalf("ProjectDir accepted escaping channel id %q", id)
		}
		if _, err := p.ProjectDir("chA", id); err == nil {
			t.Fatalf("ProjectDir accepted escaping project id %q", id)
		}
	}
}

func TestRejectsSymlinkEscape(t *testing.T) {
	p := newTestPather(t)
	outside := t.TempDir()
	channels := filepath.Join(p.Root(), "channels")
	if err := os.MkdirAll(channels, 0o755); err != nil {
		t.Fatalf("mkdir channels: %v", err)
	}
	// A channel directory that is a symlink pointing outside the workspace.
	if err := os.Symlink(outside, filepath.Join(channels, "evil")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	_, err := p.KindDir("evil", "proj1", KindVideos)
	if !errors.Is(err, pkgerrors.ErrPathEscape) {
		t.Fatalf("want ErrPathEscape for symlinked channel, got %v", err)
	}
}
