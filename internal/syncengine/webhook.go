package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/yungbote/storyforge-backend/internal/planning"
	pkgerrors "github.com/yungbote/storyforge-backend/internal/pkg/errors"
	"github.com/yungbote/storyforge-backend/internal/repos"
	"github.com/yungbote/storyforge-backend/internal/types"
)

// webhookPayload is the subset of the delivery body the engine needs. The
// page id may arrive at the top level or nested under entity.
type webhookPayload struct {
	EventID string `json:"event_id"`
	PageID  string `json:"page_id"`
	Entity  struct {
		ID string `json:"id"`
	} `json:"entity"`
}

// ParseEvent extracts the delivery's event id and page id.
func ParseEvent(payload []byte) (eventID, pageID string, err error) {
	var p webhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", "", fmt.Errorf("malformed webhook payload: %w", pkgerrors.ErrInvalidArgument)
	}
	pageID = p.PageID
	if pageID == "" {
		pageID = p.Entity.ID
	}
	if p.EventID == "" || pageID == "" {
		return "", "", fmt.Errorf("webhook missing event_id or page id: %w", pkgerrors.ErrInvalidArgument)
	}
	return p.EventID, pageID, nil
}

// RecordEvent stores the delivery and reports whether it was first seen.
// Replays return false and must be acknowledged without further work.
func (e *Engine) RecordEvent(ctx context.Context, eventID string, payload []byte) (bool, error) {
	return e.webhooks.Record(ctx, nil, eventID, payload)
}

// ProcessEvent runs the deferred half of webhook ingest: fetch the page,
// validate it, and create the task or apply its status change. It is called
// off the request path; the HTTP handler has already acknowledged.
func (e *Engine) ProcessEvent(ctx context.Context, eventID, pageID string) error {
	page, err := e.client.GetPage(ctx, pageID)
	if err != nil {
		var httpErr *planning.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == 404 {
			// Page deleted between event and fetch.
			e.log.Info("Planning page gone, skipping event", "event_id", eventID, "page_id", pageID)
			return e.webhooks.MarkProcessed(ctx, nil, eventID)
		}
		return err
	}

	if err := e.applyPage(ctx, page); err != nil {
		if errors.Is(err, pkgerrors.ErrInvalidArgument) {
			// Validation failures leave the page in draft; the event is
			// consumed so replays stay no-ops.
			e.log.Warn("Planning page failed validation",
				"event_id", eventID, "page_id", page.ID, "reason", err)
			return e.webhooks.MarkProcessed(ctx, nil, eventID)
		}
		return err
	}
	return e.webhooks.MarkProcessed(ctx, nil, eventID)
}

func (e *Engine) applyPage(ctx context.Context, page *planning.Page) error {
	props := page.Properties
	title := titleProp(props, "Title")
	if title == "" {
		title = titleProp(props, "Name")
	}
	if title == "" {
		return fmt.Errorf("missing title: %w", pkgerrors.ErrInvalidArgument)
	}
	channelID := selectProp(props, "Channel")
	if channelID == "" {
		return fmt.Errorf("missing channel: %w", pkgerrors.ErrInvalidArgument)
	}
	if _, err := e.registry.Get(channelID); err != nil {
		return fmt.Errorf("channel %q: %w", channelID, pkgerrors.ErrInvalidArgument)
	}

	status := types.StatusQueued
	if label := statusProp(props, "Status"); label != "" {
		mapped, ok := types.StatusFromLabel(label)
		if !ok {
			return fmt.Errorf("unknown status label %q: %w", label, pkgerrors.ErrInvalidArgument)
		}
		status = mapped
	}
	priority := priorityFromLabel(selectProp(props, "Priority"))

	existing, err := e.tasks.GetByPlanningPageID(ctx, nil, page.ID)
	if errors.Is(err, pkgerrors.ErrNotFound) {
		if status == types.StatusDraft {
			// Drafts never materialize as tasks.
			return nil
		}
		created, createErr := e.tasks.Create(ctx, nil, &types.Task{
			ChannelID:      channelID,
			PlanningPageID: page.ID,
			Title:          title,
			Topic:          richTextProp(props, "Topic"),
			StoryDirection: richTextProp(props, "Story Direction"),
			Priority:       priority,
			Status:         status,
		})
		if errors.Is(createErr, pkgerrors.ErrAlreadyExists) {
			// A concurrent delivery won the insert.
			return nil
		}
		if createErr != nil {
			return createErr
		}
		e.log.Info("Task created from planning page",
			"task_id", created.ID, "channel_id", channelID, "status", status)
		return nil
	}
	if err != nil {
		return err
	}

	if existing.Status == status {
		return nil
	}
	if !types.TransitionAllowed(existing.Status, status) {
		// The task store is authoritative; the push loop will rewrite the
		// planning page within one cycle.
		e.log.Info("Ignoring planning-side status edit",
			"task_id", existing.ID, "have", existing.Status, "want", status)
		return nil
	}
	err = e.tasks.UpdateStatus(ctx, nil, existing.ID, existing.Status, status, repos.StatusPatch{})
	if errors.Is(err, pkgerrors.ErrConflict) {
		return nil
	}
	return err
}
