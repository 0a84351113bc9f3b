package pipeline

import (
	"context"
	"path/filepath"

	"github.com/yungbote/storyforge-backend/internal/workspace"
)

func (sc *stageContext) finalVideoPath() string { return sc.finalPath }

func (sc *stageContext) kindDir(d *Dispatcher, kind workspace.Kind) (string, error) {
	return d.pather.KindDir(sc.task.ChannelID, sc.task.ProjectID(), kind)
}

// runAssets generates character, environment, and prop images for the story.
func (d *Dispatcher) runAssets(ctx context.Context, sc *stageContext) (string, error) {
	if err := d.pather.EnsureProject(sc.task.ChannelID, sc.task.ProjectID()); err != nil {
		return "", err
	}
	projectDir, err := d.pather.ProjectDir(sc.task.ChannelID, sc.task.ProjectID())
	if err != nil {
		return "", err
	}
	args := []string{
		"--channel", sc.task.ChannelID,
		"--project", sc.task.ProjectID(),
		"--output-dir", filepath.Join(projectDir, "assets"),
		"--title", sc.task.Title,
	}
	if sc.task.Topic != "" {
		args = append(args, "--topic", sc.task.Topic)
	}
	if sc.task.StoryDirection != "" {
		args = append(args, "--story-direction", sc.task.StoryDirection)
	}
	if key, ok := sc.entry.Credential("gemini"); ok {
		args = append(args, "--api-key", string(key))
	}
	res, err := d.runner.Run(ctx, "generate_assets", args, sc.timeout)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// runComposites layers the approved assets into per-scene composite frames.
func (d *Dispatcher) runComposites(ctx context.Context, sc *stageContext) (string, error) {
	projectDir, err := d.pather.ProjectDir(sc.task.ChannelID, sc.task.ProjectID())
	if err != nil {
		return "", err
	}
	compositesDir, err := sc.kindDir(d, workspace.KindComposites)
	if err != nil {
		return "", err
	}
	args := []string{
		"--assets-dir", filepath.Join(projectDir, "assets"),
		"--output-dir", compositesDir,
	}
	if key, ok := sc.entry.Credential("gemini"); ok {
		args = append(args, "--api-key", string(key))
	}
	res, err := d.runner.Run(ctx, "compose_scenes", args, sc.timeout)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// runVideo animates the composites into raw scene clips.
func (d *Dispatcher) runVideo(ctx context.Context, sc *stageContext) (string, error) {
	compositesDir, err := sc.kindDir(d, workspace.KindComposites)
	if err != nil {
		return "", err
	}
	videosDir, err := sc.kindDir(d, workspace.KindVideos)
	if err != nil {
		return "", err
	}
	args := []string{
		"--composites-dir", compositesDir,
		"--output-dir", videosDir,
	}
	if key, ok := sc.entry.Credential("kling"); ok {
		args = append(args, "--api-key", string(key))
	}
	res, err := d.runner.Run(ctx, "generate_video", args, sc.timeout)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// runAudio narrates the script in the channel's voice.
func (d *Dispatcher) runAudio(ctx context.Context, sc *stageContext) (string, error) {
	audioDir, err := sc.kindDir(d, workspace.KindAudio)
	if err != nil {
		return "", err
	}
	args := []string{
		"--channel", sc.task.ChannelID,
		"--project", sc.task.ProjectID(),
		"--output-dir", audioDir,
	}
	if sc.entry.Channel.VoiceID != "" {
		args = append(args, "--voice-id", sc.entry.Channel.VoiceID)
	}
	if key, ok := sc.entry.Credential("elevenlabs"); ok {
		args = append(args, "--api-key", string(key))
	}
	res, err := d.runner.Run(ctx, "generate_audio", args, sc.timeout)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// runSFX layers sound effects over the narration track.
func (d *Dispatcher) runSFX(ctx context.Context, sc *stageContext) (string, error) {
	audioDir, err := sc.kindDir(d, workspace.KindAudio)
	if err != nil {
		return "", err
	}
	sfxDir, err := sc.kindDir(d, workspace.KindSFX)
	if err != nil {
		return "", err
	}
	res, err := d.runner.Run(ctx, "generate_sfx", []string{
		"--audio-dir", audioDir,
		"--output-dir", sfxDir,
	}, sc.timeout)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// runAssemble muxes clips, narration, SFX, and channel branding into the
// final cut.
func (d *Dispatcher) runAssemble(ctx context.Context, sc *stageContext) (string, error) {
	videosDir, err := sc.kindDir(d, workspace.KindVideos)
	if err != nil {
		return "", err
	}
	audioDir, err := sc.kindDir(d, workspace.KindAudio)
	if err != nil {
		return "", err
	}
	sfxDir, err := sc.kindDir(d, workspace.KindSFX)
	if err != nil {
		return "", err
	}
	finalPath := filepath.Join(videosDir, "final.mp4")
	args := []string{
		"--videos-dir", videosDir,
		"--audio-dir", audioDir,
		"--sfx-dir", sfxDir,
		"--output", finalPath,
	}
	branding := sc.entry.Channel
	if branding.IntroPath != "" {
		args = append(args, "--intro", branding.IntroPath)
	}
	if branding.OutroPath != "" {
		args = append(args, "--outro", branding.OutroPath)
	}
	if branding.WatermarkPath != "" {
		args = append(args, "--watermark", branding.WatermarkPath)
	}
	res, err := d.runner.Run(ctx, "assemble_video", args, sc.timeout)
	if err != nil {
		return "", err
	}
	sc.finalPath = finalPath
	return res.Stdout, nil
}

// runUpload publishes the final cut, charges the quota, and persists the
// video per the channel's storage strategy.
func (d *Dispatcher) runUpload(ctx context.Context, sc *stageContext) (string, error) {
	localPath := sc.task.FinalVideoPath
	if localPath == "" {
		videosDir, err := sc.kindDir(d, workspace.KindVideos)
		if err != nil {
			return "", err
		}
		localPath = filepath.Join(videosDir, "final.mp4")
	}
	args := []string{
		"--channel", sc.task.ChannelID,
		"--video", localPath,
		"--title", sc.task.Title,
	}
	if token, ok := sc.entry.Credential("youtube"); ok {
		args = append(args, "--token", string(token))
	}
	res, err := d.runner.Run(ctx, "upload_youtube", args, sc.timeout)
	if err != nil {
		return "", err
	}

	if err := d.gate.RecordUpload(ctx, sc.task.ChannelID); err != nil {
		d.log.Error("Quota charge after upload failed",
			"task_id", sc.task.ID, "channel_id", sc.task.ChannelID, "error", err)
	}

	ref, err := d.store.PersistFinalVideo(ctx, &sc.entry.Channel, sc.task, localPath)
	if err != nil {
		// The upload already happened; losing the archival copy must not
		// re-run it.
		d.log.Error("Final video persistence failed",
			"task_id", sc.task.ID, "channel_id", sc.task.ChannelID, "error", err)
		ref = localPath
	}
	sc.finalPath = ref
	return res.Stdout, nil
}
