package channels

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync/atomic"

	"gopkg.in/yaml.v3"
	"gorm.io/datatypes"

	"github.com/yungbote/storyforge-backend/internal/crypto"
	"github.com/yungbote/storyforge-backend/internal/logger"
	pkgerrors "github.com/yungbote/storyforge-backend/internal/pkg/errors"
	"github.com/yungbote/storyforge-backend/internal/types"
	"github.com/yungbote/storyforge-backend/internal/workspace"
)

// channelFile is the YAML shape of the channel configuration file.
type channelFile struct {
	Channels []channelEntry `yaml:"channels"`
}

type channelEntry struct {
	ID                 string            `yaml:"id"`
	Name               string            `yaml:"name"`
	Active             *bool             `yaml:"active"`
	MaxConcurrent      int               `yaml:"max_concurrent"`
	MaxConcurrentVideo int               `yaml:"max_concurrent_video"`
	VoiceID            string            `yaml:"voice_id"`
	StorageStrategy    string            `yaml:"storage_strategy"`
	Branding           brandingEntry     `yaml:"branding"`
	Credentials        map[string]string `yaml:"credentials"`
}

type brandingEntry struct {
	Intro     string `yaml:"intro"`
	Outro     string `yaml:"outro"`
	Watermark string `yaml:"watermark"`
}

// Entry is one validated channel with its decrypted credentials held in
// memory only.
type Entry struct {
	Channel     types.Channel
	credentials map[string][]byte
}

// Credential returns the decrypted credential for a provider label.
func (e *Entry) Credential(provider string) ([]byte, bool) {
	v, ok := e.credentials[provider]
	return v, ok
}

type snapshot struct {
	byID  map[string]*Entry
	order []string
}

// Registry caches validated channel configuration behind an atomically
// swapped snapshot. Readers never block reloads.
type Registry struct {
	log   *logger.Logger
	vault *crypto.Vault
	path  string
	snap  atomic.Pointer[snapshot]
}

// NewRegistry loads and validates the channel file at path. Any invalid
// channel fails the whole load: a half-configured control plane must not
// start.
func NewRegistry(path string, vault *crypto.Vault, log *logger.Logger) (*Registry, error) {
	r := &Registry{
		log:   log.With("service", "ChannelRegistry"),
		vault: vault,
		path:  path,
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the file and atomically replaces the snapshot.
func (r *Registry) Reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("read channel config: %w", err)
	}
	var file channelFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse channel config: %w", err)
	}
	if len(file.Channels) == 0 {
		return fmt.Errorf("channel config has no channels: %w", pkgerrors.ErrInvalidArgument)
	}

	next := &snapshot{byID: make(map[string]*Entry, len(file.Channels))}
	for i := range file.Channels {
		entry, err := r.validate(&file.Channels[i])
		if err != nil {
			return fmt.Errorf("channel %q: %w", file.Channels[i].ID, err)
		}
		if _, dup := next.byID[entry.Channel.ID]; dup {
			return fmt.Errorf("duplicate channel id %q: %w", entry.Channel.ID, pkgerrors.ErrInvalidArgument)
		}
		next.byID[entry.Channel.ID] = entry
		next.order = append(next.order, entry.Channel.ID)
	}
	sort.Strings(next.order)

	r.snap.Store(next)
	r.log.Info("Channel registry loaded", "channels", len(next.order))
	return nil
}

func (r *Registry) validate(c *channelEntry) (*Entry, error) {
	if err := workspace.ValidateIdentifier(c.ID); err != nil {
		return nil, err
	}
	if c.Name == "" {
		return nil, fmt.Errorf("name required: %w", pkgerrors.ErrInvalidArgument)
	}
	if c.MaxConcurrent < 1 {
		return nil, fmt.Errorf("max_concurrent must be >= 1, got %d: %w", c.MaxConcurrent, pkgerrors.ErrInvalidArgument)
	}
	strategy := types.StorageStrategy(c.StorageStrategy)
	if c.StorageStrategy == "" {
		strategy = types.StorageFilesystem
	}
	if !strategy.Valid() {
		return nil, fmt.Errorf("unknown storage_strategy %q: %w", c.StorageStrategy, pkgerrors.ErrInvalidArgument)
	}

	creds := make(map[string][]byte, len(c.Credentials))
	for provider, ciphertext := range c.Credentials {
		plaintext, err := r.vault.Decrypt(ciphertext)
		if err != nil {
			return nil, fmt.Errorf("credential %q: %w", provider, err)
		}
		creds[provider] = plaintext
	}

	active := true
	if c.Active != nil {
		active = *c.Active
	}

	encrypted, err := json.Marshal(c.Credentials)
	if err != nil {
		return nil, fmt.Errorf("marshal credentials: %w", err)
	}

	return &Entry{
		Channel: types.Channel{
			ID:                   c.ID,
			Name:                 c.Name,
			Active:               active,
			MaxConcurrent:        c.MaxConcurrent,
			MaxConcurrentVideo:   c.MaxConcurrentVideo,
			VoiceID:              c.VoiceID,
			StorageStrategy:      strategy,
			IntroPath:            c.Branding.Intro,
			OutroPath:            c.Branding.Outro,
			WatermarkPath:        c.Branding.Watermark,
			CredentialsEncrypted: datatypes.JSON(encrypted),
		},
		credentials: creds,
	}, nil
}

// Get returns the entry for a channel id. Misses are non-retriable.
func (r *Registry) Get(id string) (*Entry, error) {
	snap := r.snap.Load()
	entry, ok := snap.byID[id]
	if !ok {
		return nil, fmt.Errorf("channel %q: %w", id, pkgerrors.ErrUnknownChannel)
	}
	return entry, nil
}

// All returns every channel in ascending id order.
func (r *Registry) All() []*Entry {
	snap := r.snap.Load()
	out := make([]*Entry, 0, len(snap.order))
	for _, id := range snap.order {
		out = append(out, snap.byID[id])
	}
	return out
}

// ActiveIDs returns the ids of active channels in ascending order.
func (r *Registry) ActiveIDs() []string {
	snap := r.snap.Load()
	out := make([]string, 0, len(snap.order))
	for _, id := range snap.order {
		if snap.byID[id].Channel.Active {
			out = append(out, id)
		}
	}
	return out
}
