package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	pkgerrors "github.com/yungbote/storyforge-backend/internal/pkg/errors"
)

// Kind names one of the artifact directories inside a project workspace.
type Kind string

const (
	KindCharacters   Kind = "assets/characters"
	KindEnvironments Kind = "assets/environments"
	KindProps        Kind = "assets/props"
	KindComposites   Kind = "assets/composites"
	KindVideos       Kind = "videos"
	KindAudio        Kind = "audio"
	KindSFX          Kind = "sfx"
)

// AllKinds lists every artifact kind laid out under a project.
var AllKinds = []Kind{
	KindCharacters, KindEnvironments, KindProps, KindComposites,
	KindVideos, KindAudio, KindSFX,
}

var identifierRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// Pather constructs channel- and project-scoped directories under a single
// workspace root. Per-channel trees are disjoint by construction; any
// identifier or symlink that would resolve outside the root is rejected.
type Pather struct {
	root string
}

// NewPather resolves root to an absolute path and creates it if absent.
func NewPather(root string) (*Pather, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("workspace root required: %w", pkgerrors.ErrInvalidArgument)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	// Resolve symlinks once so containment checks compare real paths.
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root symlinks: %w", err)
	}
	return &Pather{root: resolved}, nil
}

// Root returns the resolved workspace root.
func (p *Pather) Root() string { return p.root }

// ValidateIdentifier enforces the channel/project identifier rule.
func ValidateIdentifier(id string) error {
	if !identifierRe.MatchString(id) {
		return fmt.Errorf("invalid identifier %q: %w", id, pkgerrors.ErrInvalidArgument)
	}
	return nil
}

// ChannelDir returns the channel's root directory without creating it.
func (p *Pather) ChannelDir(channelID string) (string, error) {
	if err := ValidateIdentifier(channelID); err != nil {
		return "", err
	}
	return p.contained(filepath.Join(p.root, "channels", channelID))
}

// ProjectDir returns the project's root directory without creating it.
func (p *Pather) ProjectDir(channelID, projectID string) (string, error) {
	if err := ValidateIdentifier(channelID); err != nil {
		return "", err
	}
	if err := ValidateIdentifier(projectID); err != nil {
		return "", err
	}
	return p.contained(filepath.Join(p.root, "channels", channelID, "projects", projectID))
}

// KindDir returns the artifact directory for (channel, project, kind),
// creating it if absent. Existing directories are accepted.
func (p *Pather) KindDir(channelID, projectID string, kind Kind) (string, error) {
	projectDir, err := p.ProjectDir(channelID, projectID)
	if err != nil {
		return "", err
	}
	dir, err := p.contained(filepath.Join(projectDir, filepath.FromSlash(string(kind))))
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s dir: %w", kind, err)
	}
	return dir, nil
}

// EnsureProject creates the full artifact layout for a project.
func (p *Pather) EnsureProject(channelID, projectID string) error {
	for _, kind := range AllKinds {
		if _, err := p.KindDir(channelID, projectID, kind); err != nil {
			return err
		}
	}
	return nil
}

// contained verifies that path, after lexical cleaning and symlink
// resolution of its existing ancestors, is a descendant of the root.
func (p *Pather) contained(path string) (string, error) {
	clean := filepath.Clean(path)
	if !p.isDescendant(clean) {
		return "", fmt.Errorf("%q resolves outside workspace: %w", path, pkgerrors.ErrPathEscape)
	}
	// The path itself may not exist yet; resolve the deepest existing
	// ancestor and re-check so symlinked parents cannot smuggle it out.
	resolved, err := resolveExisting(clean)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	if !p.isDescendant(resolved) {
		return "", fmt.Errorf("%q resolves outside workspace: %w", path, pkgerrors.ErrPathEscape)
	}
	return clean, nil
}

func (p *Pather) isDescendant(path string) bool {
	rel, err := filepath.Rel(p.root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// resolveExisting walks up to the deepest existing ancestor, resolves its
// symlinks, and re-joins the non-existent suffix.
func resolveExisting(path string) (string, error) {
	suffix := ""
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, suffix), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}
		suffix = filepath.Join(filepath.Base(current), suffix)
		current = parent
	}
}
