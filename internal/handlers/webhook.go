package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/storyforge-backend/internal/logger"
	pkgerrors "github.com/yungbote/storyforge-backend/internal/pkg/errors"
	"github.com/yungbote/storyforge-backend/internal/syncengine"
)

const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	log    *logger.Logger
	engine *syncengine.Engine
	secret string
}

func NewWebhookHandler(log *logger.Logger, engine *syncengine.Engine) *WebhookHandler {
	return &WebhookHandler{
		log:    log.With("handler", "WebhookHandler"),
		engine: engine,
		secret: strings.TrimSpace(os.Getenv("PLANNING_WEBHOOK_SECRET")),
	}
}

// Receive acknowledges a planning-database delivery. The contract is a 200
// within 500ms, so page fetch and task mutation run in the background; only
// recording the event id happens on the request path.
func (h *WebhookHandler) Receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_body", err)
		return
	}
	if h.secret != "" && !h.signatureValid(c, body) {
		RespondError(c, http.StatusUnauthorized, "bad_signature", errors.New("signature mismatch"))
		return
	}

	eventID, pageID, err := syncengine.ParseEvent(body)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrInvalidArgument) {
			RespondError(c, http.StatusBadRequest, "bad_payload", err)
			return
		}
		RespondError(c, http.StatusInternalServerError, "record_failed", err)
		return
	}

	accepted, err := h.engine.RecordEvent(c.Request.Context(), eventID, body)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "record_failed", err)
		return
	}
	if accepted {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			if err := h.engine.ProcessEvent(ctx, eventID, pageID); err != nil {
				h.log.Error("Webhook processing failed",
					"event_id", eventID, "page_id", pageID, "error", err)
			}
		}()
	}
	RespondOK(c, gin.H{"accepted": accepted})
}

func (h *WebhookHandler) signatureValid(c *gin.Context, body []byte) bool {
	header := c.GetHeader("X-Planning-Signature")
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.TrimPrefix(header, "sha256=")), []byte(want))
}
