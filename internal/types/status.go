package types

import "strings"

// TaskStatus is the pipeline position of a task. Workers only ever act on
// runnable statuses; *_ready and final_review wait for a human.
type TaskStatus string

const (
	StatusDraft     TaskStatus = "draft"
	StatusQueued    TaskStatus = "queued"
	StatusClaimed   TaskStatus = "claimed"
	StatusCancelled TaskStatus = "cancelled"

	StatusGeneratingAssets     TaskStatus = "generating_assets"
	StatusAssetsReady          TaskStatus = "assets_ready"
	StatusAssetsApproved       TaskStatus = "assets_approved"
	StatusGeneratingComposites TaskStatus = "generating_composites"
	StatusCompositesReady      TaskStatus = "composites_ready"

	StatusGeneratingVideo TaskStatus = "generating_video"
	StatusVideoReady      TaskStatus = "video_ready"
	StatusVideoApproved   TaskStatus = "video_approved"

	StatusGeneratingAudio TaskStatus = "generating_audio"
	StatusAudioReady      TaskStatus = "audio_ready"
	StatusAudioApproved   TaskStatus = "audio_approved"

	StatusGeneratingSFX TaskStatus = "generating_sfx"
	StatusSFXReady      TaskStatus = "sfx_ready"

	StatusAssembling    TaskStatus = "assembling"
	StatusAssemblyReady TaskStatus = "assembly_ready"

	StatusFinalReview TaskStatus = "final_review"
	StatusApproved    TaskStatus = "approved"

	StatusUploading TaskStatus = "uploading"
	StatusPublished TaskStatus = "published"

	StatusAssetError  TaskStatus = "asset_error"
	StatusVideoError  TaskStatus = "video_error"
	StatusAudioError  TaskStatus = "audio_error"
	StatusUploadError TaskStatus = "upload_error"
)

// AllStatuses lists every status in pipeline order.
var AllStatuses = []TaskStatus{
	StatusDraft, StatusQueued, StatusClaimed, StatusCancelled,
	StatusGeneratingAssets, StatusAssetsReady, StatusAssetsApproved,
	StatusGeneratingComposites, StatusCompositesReady,
	StatusGeneratingVideo, StatusVideoReady, StatusVideoApproved,
	StatusGeneratingAudio, StatusAudioReady, StatusAudioApproved,
	StatusGeneratingSFX, StatusSFXReady,
	StatusAssembling, StatusAssemblyReady,
	StatusFinalReview, StatusApproved,
	StatusUploading, StatusPublished,
	StatusAssetError, StatusVideoError, StatusAudioError, StatusUploadError,
}

// legalTransitions is the pipeline graph. The task store rejects any
// (from, to) pair that is not listed here.
var legalTransitions = map[TaskStatus][]TaskStatus{
	StatusDraft:   {StatusQueued, StatusCancelled},
	StatusQueued:  {StatusClaimed, StatusCancelled},
	StatusClaimed: {StatusGeneratingAssets, StatusQueued, StatusCancelled},

	StatusGeneratingAssets: {StatusAssetsReady, StatusQueued, StatusAssetError, StatusCancelled},
	StatusAssetsReady:      {StatusAssetsApproved, StatusAssetError, StatusCancelled},
	StatusAssetsApproved:   {StatusGeneratingComposites, StatusCancelled},

	StatusGeneratingComposites: {StatusCompositesReady, StatusAssetsApproved, StatusAssetError, StatusCancelled},
	StatusCompositesReady:      {StatusGeneratingVideo, StatusCancelled},

	StatusGeneratingVideo: {StatusVideoReady, StatusCompositesReady, StatusVideoError, StatusCancelled},
	StatusVideoReady:      {StatusVideoApproved, StatusVideoError, StatusCancelled},
	StatusVideoApproved:   {StatusGeneratingAudio, StatusCancelled},

	StatusGeneratingAudio: {StatusAudioReady, StatusVideoApproved, StatusAudioError, StatusCancelled},
	StatusAudioReady:      {StatusAudioApproved, StatusAudioError, StatusCancelled},
	StatusAudioApproved:   {StatusGeneratingSFX, StatusCancelled},

	StatusGeneratingSFX: {StatusSFXReady, StatusAudioApproved, StatusAudioError, StatusCancelled},
	StatusSFXReady:      {StatusAssembling, StatusCancelled},

	StatusAssembling:    {StatusAssemblyReady, StatusSFXReady, StatusVideoError, StatusCancelled},
	StatusAssemblyReady: {StatusFinalReview, StatusCancelled},

	StatusFinalReview: {StatusApproved, StatusVideoError, StatusCancelled},
	StatusApproved:    {StatusUploading, StatusCancelled},

	StatusUploading: {StatusPublished, StatusApproved, StatusQueued, StatusUploadError, StatusCancelled},
}

// TransitionAllowed reports whether from -> to is on the pipeline graph.
func TransitionAllowed(from, to TaskStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition exists for the status.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusPublished, StatusCancelled, StatusAssetError, StatusVideoError, StatusAudioError, StatusUploadError:
		return true
	}
	return false
}

// IsGate reports whether the status is a mandatory human-review gate.
func (s TaskStatus) IsGate() bool {
	switch s {
	case StatusAssetsReady, StatusVideoReady, StatusAudioReady, StatusFinalReview:
		return true
	}
	return false
}

// IsWorkerOwned reports whether a worker holds the task in this status.
func (s TaskStatus) IsWorkerOwned() bool {
	switch s {
	case StatusClaimed, StatusGeneratingAssets, StatusGeneratingComposites,
		StatusGeneratingVideo, StatusGeneratingAudio, StatusGeneratingSFX,
		StatusAssembling, StatusUploading:
		return true
	}
	return false
}

// RunnableStatuses are the statuses the scheduler may claim. queued is the
// entry point; the others are mid-pipeline resumption points that are
// re-owned through the stage's opening compare-and-set.
var RunnableStatuses = []TaskStatus{
	StatusQueued, StatusAssetsApproved, StatusCompositesReady,
	StatusVideoApproved, StatusAudioApproved, StatusSFXReady,
	StatusAssemblyReady, StatusApproved,
}

// GateSuccessor maps a gate status to the status a human approval produces.
func GateSuccessor(gate TaskStatus) (TaskStatus, bool) {
	switch gate {
	case StatusAssetsReady:
		return StatusAssetsApproved, true
	case StatusVideoReady:
		return StatusVideoApproved, true
	case StatusAudioReady:
		return StatusAudioApproved, true
	case StatusFinalReview:
		return StatusApproved, true
	}
	return "", false
}

// GateErrorStatus maps a gate status to the terminal error a rejection
// produces.
func GateErrorStatus(gate TaskStatus) (TaskStatus, bool) {
	switch gate {
	case StatusAssetsReady:
		return StatusAssetError, true
	case StatusVideoReady:
		return StatusVideoError, true
	case StatusAudioReady:
		return StatusAudioError, true
	case StatusFinalReview:
		return StatusVideoError, true
	}
	return "", false
}

// TaskPriority orders tasks across channels. Higher priority is always served
// first; starvation of low is accepted.
type TaskPriority string

const (
	PriorityHigh   TaskPriority = "high"
	PriorityNormal TaskPriority = "normal"
	PriorityLow    TaskPriority = "low"
)

// Rank returns the ascending sort rank used by the claim query.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Label renders the internal status as the planning database's option label,
// e.g. video_approved -> "Video Approved". SFX keeps its acronym casing.
func (s TaskStatus) Label() string {
	parts := strings.Split(string(s), "_")
	for i, p := range parts {
		if p == "sfx" {
			parts[i] = "SFX"
			continue
		}
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}

// StatusFromLabel is the inverse of Label. Unknown labels return false.
func StatusFromLabel(label string) (TaskStatus, bool) {
	normalized := strings.ToLower(strings.TrimSpace(label))
	normalized = strings.ReplaceAll(normalized, " ", "_")
	for _, s := range AllStatuses {
		if string(s) == normalized {
			return s, true
		}
	}
	return "", false
}
