package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/storyforge-backend/internal/channels"
	"github.com/yungbote/storyforge-backend/internal/logger"
	"github.com/yungbote/storyforge-backend/internal/repos"
	"github.com/yungbote/storyforge-backend/internal/types"
)

type ChannelHandler struct {
	log      *logger.Logger
	registry *channels.Registry
	repo     repos.ChannelRepo
}

func NewChannelHandler(log *logger.Logger, registry *channels.Registry, repo repos.ChannelRepo) *ChannelHandler {
	return &ChannelHandler{
		log:      log.With("handler", "ChannelHandler"),
		registry: registry,
		repo:     repo,
	}
}

func (h *ChannelHandler) ListChannels(c *gin.Context) {
	entries := h.registry.All()
	out := make([]types.Channel, 0, len(entries))
	for _, e := range entries {
		ch := e.Channel
		ch.CredentialsEncrypted = nil
		out = append(out, ch)
	}
	RespondOK(c, gin.H{"channels": out})
}

// ReloadChannels re-reads the channel file and mirrors the new snapshot into
// the database so the claim query sees updated capacity immediately.
func (h *ChannelHandler) ReloadChannels(c *gin.Context) {
	if err := h.registry.Reload(); err != nil {
		RespondError(c, http.StatusBadRequest, "reload_failed", err)
		return
	}
	rows := make([]*types.Channel, 0)
	for _, e := range h.registry.All() {
		ch := e.Channel
		rows = append(rows, &ch)
	}
	if err := h.repo.Upsert(c.Request.Context(), nil, rows); err != nil {
		RespondError(c, http.StatusInternalServerError, "mirror_failed", err)
		return
	}
	h.log.Info("Channel registry reloaded", "channels", len(rows))
	RespondOK(c, gin.H{"channels": len(rows)})
}
