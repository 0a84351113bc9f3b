package types

import "testing"

func TestTransitionAllowed(t *testing.T) {
	cases := []struct {
		name string
		from TaskStatus
		to   TaskStatus
		want bool
	}{
		{name: "queued_to_claimed", from: StatusQueued, to: StatusClaimed, want: true},
		{name: "claimed_to_generating_assets", from: StatusClaimed, to: StatusGeneratingAssets, want: true},
		{name: "claimed_released_to_queued", from: StatusClaimed, to: StatusQueued, want: true},
		{name: "generating_assets_fatal", from: StatusGeneratingAssets, to: StatusAssetError, want: true},
		{name: "generating_assets_retry", from: StatusGeneratingAssets, to: StatusQueued, want: true},
		{name: "gate_requires_human", from: StatusAssetsReady, to: StatusGeneratingComposites, want: false},
		{name: "gate_approval", from: StatusAssetsReady, to: StatusAssetsApproved, want: true},
		{name: "no_stage_skipping", from: StatusQueued, to: StatusGeneratingVideo, want: false},
		{name: "upload_success", from: StatusUploading, to: StatusPublished, want: true},
		{name: "upload_quota_release", from: StatusUploading, to: StatusQueued, want: true},
		{name: "published_is_terminal", from: StatusPublished, to: StatusQueued, want: false},
		{name: "cancelled_is_terminal", from: StatusCancelled, to: StatusQueued, want: false},
		{name: "error_is_terminal", from: StatusVideoError, to: StatusQueued, want: false},
		{name: "no_backwards_approval", from: StatusVideoApproved, to: StatusVideoReady, want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := TransitionAllowed(tc.from, tc.to)
			if got != tc.want {
				t.Fatalf("TransitionAllowed(%s, %s)=%v, want %v", tc.from, tc.to, got, tc.want)
			}
		})
	}
}

func TestTerminalStatesHaveNoSuccessors(t *testing.T) {
	for _, s := range AllStatuses {
		if !s.IsTerminal() {
			continue
		}
		for _, next := range AllStatuses {
			if TransitionAllowed(s, next) {
				t.Fatalf("terminal status %s has successor %s", s, next)
			}
		}
	}
}

func TestStatusLabelRoundTrip(t *testing.T) {
	for _, s := range AllStatuses {
		got, ok := StatusFromLabel(s.Label())
		if !ok {
			t.Fatalf("StatusFromLabel(%q) not recognized", s.Label())
		}
		if got != s {
			t.Fatalf("label round trip: %s -> %q -> %s", s, s.Label(), got)
		}
	}
}

func TestStatusLabelSpelling(t *testing.T) {
	cases := map[TaskStatus]string{
		StatusVideoApproved: "Video Approved",
		StatusGeneratingSFX: "Generating SFX",
		StatusQueued:        "Queued",
		StatusFinalReview:   "Final Review",
	}
	for s, want := range cases {
		if got := s.Label(); got != want {
			t.Fatalf("Label(%s)=%q, want %q", s, got, want)
		}
	}
}

func TestPriorityRank(t *testing.T) {
	if PriorityHigh.Rank() >= PriorityNormal.Rank() || PriorityNormal.Rank() >= PriorityLow.Rank() {
		t.Fatalf("priority ranks out of order: high=%d normal=%d low=%d",
			PriorityHigh.Rank(), PriorityNormal.Rank(), PriorityLow.Rank())
	}
}

func TestGateMappings(t *testing.T) {
	gates := []TaskStatus{StatusAssetsReady, StatusVideoReady, StatusAudioReady, StatusFinalReview}
	for _, g := range gates {
		if !g.IsGate() {
			t.Fatalf("%s should be a gate", g)
		}
		next, ok := GateSuccessor(g)
		if !ok {
			t.Fatalf("GateSuccessor(%s) missing", g)
		}
		if !TransitionAllowed(g, next) {
			t.Fatalf("gate approval %s -> %s not a legal transition", g, next)
		}
		errState, ok := GateErrorStatus(g)
		if !ok {
			t.Fatalf("GateErrorStatus(%s) missing", g)
		}
		if !errState.IsTerminal() {
			t.Fatalf("gate rejection target %s is not terminal", errState)
		}
	}
}
