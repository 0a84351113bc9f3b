package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/storyforge-backend/internal/logger"
	pkgerrors "github.com/yungbote/storyforge-backend/internal/pkg/errors"
	"github.com/yungbote/storyforge-backend/internal/repos"
	"github.com/yungbote/storyforge-backend/internal/types"
)

type TaskHandler struct {
	log   *logger.Logger
	tasks repos.TaskRepo
}

func NewTaskHandler(log *logger.Logger, tasks repos.TaskRepo) *TaskHandler {
	return &TaskHandler{
		log:   log.With("handler", "TaskHandler"),
		tasks: tasks,
	}
}

func (h *TaskHandler) ListTasks(c *gin.Context) {
	filter := repos.TaskFilter{
		ChannelID: c.Query("channel_id"),
		Status:    types.TaskStatus(c.Query("status")),
	}
	if limit := c.Query("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			filter.Limit = n
		}
	}
	tasks, err := h.tasks.List(c.Request.Context(), nil, filter)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "list_failed", err)
		return
	}
	RespondOK(c, gin.H{"tasks": tasks})
}

func (h *TaskHandler) GetTask(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_id", err)
		return
	}
	task, err := h.tasks.GetByID(c.Request.Context(), nil, id)
	if errors.Is(err, pkgerrors.ErrNotFound) {
		RespondError(c, http.StatusNotFound, "not_found", err)
		return
	}
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "get_failed", err)
		return
	}
	RespondOK(c, task)
}

// ApproveGate moves a task from a human-review gate to its approved
// successor.
func (h *TaskHandler) ApproveGate(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_id", err)
		return
	}
	var req struct {
		Gate string `json:"gate"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_body", err)
		return
	}
	gateStatus := types.TaskStatus(req.Gate)
	successor, ok := types.GateSuccessor(gateStatus)
	if !ok {
		RespondError(c, http.StatusBadRequest, "not_a_gate", pkgerrors.ErrInvalidArgument)
		return
	}
	err = h.tasks.UpdateStatus(c.Request.Context(), nil, id, gateStatus, successor, repos.StatusPatch{})
	if errors.Is(err, pkgerrors.ErrConflict) {
		RespondError(c, http.StatusConflict, "not_in_gate", err)
		return
	}
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "approve_failed", err)
		return
	}
	RespondOK(c, gin.H{"status": successor})
}

// RejectGate moves a task from a human-review gate to its terminal error
// state, recording the reviewer's reason.
func (h *TaskHandler) RejectGate(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_id", err)
		return
	}
	var req struct {
		Gate   string `json:"gate"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_body", err)
		return
	}
	gateStatus := types.TaskStatus(req.Gate)
	errorStatus, ok := types.GateErrorStatus(gateStatus)
	if !ok {
		RespondError(c, http.StatusBadRequest, "not_a_gate", pkgerrors.ErrInvalidArgument)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "rejected at " + req.Gate
	}
	err = h.tasks.UpdateStatus(c.Request.Context(), nil, id, gateStatus, errorStatus, repos.StatusPatch{
		AppendErrorLog: "rejected: " + reason,
	})
	if errors.Is(err, pkgerrors.ErrConflict) {
		RespondError(c, http.StatusConflict, "not_in_gate", err)
		return
	}
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "reject_failed", err)
		return
	}
	RespondOK(c, gin.H{"status": errorStatus})
}

// Cancel moves a task from any non-terminal state to cancelled. The read and
// compare-and-set retry a few times to absorb concurrent transitions.
func (h *TaskHandler) Cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_id", err)
		return
	}
	ctx := c.Request.Context()
	for attempt := 0; attempt < 3; attempt++ {
		task, err := h.tasks.GetByID(ctx, nil, id)
		if errors.Is(err, pkgerrors.ErrNotFound) {
			RespondError(c, http.StatusNotFound, "not_found", err)
			return
		}
		if err != nil {
			RespondError(c, http.StatusInternalServerError, "cancel_failed", err)
			return
		}
		if task.Status == types.StatusCancelled {
			RespondOK(c, gin.H{"status": types.StatusCancelled})
			return
		}
		if task.Status.IsTerminal() {
			RespondError(c, http.StatusConflict, "terminal", pkgerrors.ErrConflict)
			return
		}
		err = h.tasks.UpdateStatus(ctx, nil, id, task.Status, types.StatusCancelled, repos.StatusPatch{
			AppendErrorLog: "cancelled by operator",
		})
		if errors.Is(err, pkgerrors.ErrConflict) {
			continue
		}
		if err != nil {
			RespondError(c, http.StatusInternalServerError, "cancel_failed", err)
			return
		}
		RespondOK(c, gin.H{"status": types.StatusCancelled})
		return
	}
	RespondError(c, http.StatusConflict, "contended", pkgerrors.ErrConflict)
}
