package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/DavidJBarnes/wan22-video-generator/internal/comfy"
	"github.com/DavidJBarnes/wan22-video-generator/internal/store"
	"github.com/DavidJBarnes/wan22-video-generator/internal/workflow"
)

// queueGatePoll is how often the shared queue is re-checked while
// waiting for it to clear.
const queueGatePoll = 10 * time.Second

// maxConsecutivePollErrors is how many status polls may fail in a row
// before the manager treats the connection as lost.
const maxConsecutivePollErrors = 30

var errCancelled = errors.New("job cancelled")
var errQueueStopped = errors.New("queue stopped")

// processJob renders a job's pending segments in order until none
// remain, then parks the job awaiting the next prompt.
func (m *Manager) processJob(ctx context.Context, job *store.Job) error {
	tun := m.loadTunables()
	r := m.renderer()

	if ok, detail := r.CheckConnection(ctx); !ok {
		m.logger.Warn("ComfyUI unreachable, leaving job pending",
			"job_id", job.ID, "detail", detail)
		return nil
	}

	if err := m.store.UpdateJobStatus(job.ID, store.JobRunning, nil); err != nil {
		return err
	}
	m.store.AppendJobLog(job.ID, nil, store.LogInfo, "Job started", "")
	m.logger.Info("job started", "job_id", job.ID, "name", job.Name)

	for {
		current, err := m.store.GetJob(job.ID)
		if err != nil {
			return err
		}
		if current == nil || current.Status == store.JobCancelled {
			m.logger.Info("job cancelled", "job_id", job.ID)
			return nil
		}

		seg, err := m.store.GetNextPendingSegment(job.ID)
		if err != nil {
			return err
		}
		if seg == nil {
			if err := m.store.UpdateJobStatus(job.ID, store.JobAwaitingPrompt, nil); err != nil {
				return err
			}
			m.store.AppendJobLog(job.ID, nil, store.LogInfo,
				"Awaiting next prompt", "all segments rendered")
			m.logger.Info("job awaiting next prompt", "job_id", job.ID)
			return nil
		}

		if !m.Active() {
			if err := m.store.UpdateJobStatus(job.ID, store.JobPending, nil); err != nil {
				return err
			}
			m.logger.Info("queue stopped, job returned to pending", "job_id", job.ID)
			return nil
		}

		err = m.runSegment(ctx, r, tun, current, seg)
		switch {
		case err == nil:
		case errors.Is(err, errCancelled):
			m.store.UpdateSegmentStatus(job.ID, seg.Index, store.SegmentPending, nil)
			m.logger.Info("job cancelled mid-segment", "job_id", job.ID, "segment", seg.Index)
			return nil
		case errors.Is(err, context.Canceled):
			m.store.UpdateSegmentStatus(job.ID, seg.Index, store.SegmentPending, nil)
			m.store.UpdateJobStatus(job.ID, store.JobPending, nil)
			return err
		default:
			m.failSegment(job, seg, err.Error())
			return nil
		}
	}
}

// failSegment marks the segment and job failed. Segment numbers are
// 1-based in user-facing messages.
func (m *Manager) failSegment(job *store.Job, seg *store.Segment, msg string) {
	m.store.UpdateSegmentStatus(job.ID, seg.Index, store.SegmentFailed,
		&store.SegmentUpdate{Error: store.StrPtr(msg)})
	jobMsg := fmt.Sprintf("Segment %d failed: %s", seg.Index+1, msg)
	m.store.UpdateJobStatus(job.ID, store.JobFailed,
		&store.JobUpdate{Error: store.StrPtr(jobMsg)})
	m.store.AppendJobLog(job.ID, &seg.Index, store.LogError, jobMsg, "")
	m.logger.Error("segment failed", "job_id", job.ID, "segment", seg.Index, "error", msg)
}

// runSegment takes one segment from pending to completed: queue gate,
// submit, completion wait, post-processing.
func (m *Manager) runSegment(ctx context.Context, r Renderer, tun tunables, job *store.Job, seg *store.Segment) error {
	if err := m.waitForQueueClear(ctx, r, tun, job); err != nil {
		return err
	}

	graph, err := m.buildSegmentGraph(job, seg)
	if err != nil {
		return err
	}

	promptID, err := r.SubmitWorkflow(ctx, graph)
	if err != nil {
		var submitErr *comfy.SubmitError
		if errors.As(err, &submitErr) {
			return fmt.Errorf("workflow rejected: %s", submitErr.Message)
		}
		return fmt.Errorf("submit: %w", err)
	}

	if err := m.store.UpdateSegmentStatus(job.ID, seg.Index, store.SegmentRunning,
		&store.SegmentUpdate{PromptID: store.StrPtr(promptID)}); err != nil {
		return err
	}
	m.store.UpdateJobStatus(job.ID, store.JobRunning,
		&store.JobUpdate{PromptID: store.StrPtr(promptID)})
	seg.PromptID = promptID
	m.store.AppendJobLog(job.ID, &seg.Index, store.LogInfo,
		fmt.Sprintf("Segment %d submitted", seg.Index+1), promptID)
	m.logger.Info("segment submitted", "job_id", job.ID, "segment", seg.Index, "prompt_id", promptID)

	result, err := m.waitForCompletion(ctx, r, tun, job, seg)
	if err != nil {
		return err
	}
	if result.State == comfy.StatusError {
		return errors.New(result.Error)
	}
	return m.postProcess(ctx, r, job, seg, result.Record)
}

// buildSegmentGraph assembles workflow parameters from the settings
// defaults, the job's parameter bag and the segment row. Legacy
// checkpoint jobs route to their single-image graphs.
func (m *Manager) buildSegmentGraph(job *store.Job, seg *store.Segment) (json.RawMessage, error) {
	switch job.WorkflowType {
	case "txt2img", "img2img":
		return m.buildCheckpointGraph(job, seg)
	}

	width := job.Params.Width
	if width == 0 {
		width = m.store.SettingInt("default_width", 640)
	}
	height := job.Params.Height
	if height == 0 {
		height = m.store.SettingInt("default_height", 640)
	}
	fps := job.Params.FPS
	if fps == 0 {
		fps = m.store.SettingInt("default_fps", 16)
	}
	duration := job.Params.SegmentDuration
	if duration == 0 {
		duration = m.store.SettingInt("default_segment_duration", 5)
	}

	negative := job.NegativePrompt
	if negative == "" {
		negative = m.store.Setting("default_negative_prompt", "")
	}

	// A type-ahead segment may predate its predecessor's completion;
	// pick up the chained frame it missed.
	if seg.StartImage == "" && seg.Index > 0 {
		prev, err := m.store.GetSegment(job.ID, seg.Index-1)
		if err != nil {
			return nil, err
		}
		if prev != nil && prev.Status == store.SegmentCompleted && prev.EndFrame != "" {
			seg.StartImage = prev.EndFrame
			if _, err := m.store.UpdateSegmentStartImage(job.ID, seg.Index, prev.EndFrame); err != nil {
				return nil, err
			}
		}
	}

	params := workflow.Params{
		Prompt:         seg.Prompt,
		NegativePrompt: negative,
		Width:          width,
		Height:         height,
		Frames:         duration*fps + 1,
		FPS:            fps,
		Seed:           job.Seed,
		StartImage:     seg.StartImage,
		HighNoiseModel: m.store.Setting("high_noise_model", ""),
		LowNoiseModel:  m.store.Setting("low_noise_model", ""),
		OutputPrefix:   fmt.Sprintf("%s_seg%d", job.Name, seg.Index),
		LoraPairs:      loraPairs(seg.HighLoras, seg.LowLoras),
	}
	if job.Params.FaceswapEnabled && job.Params.FaceswapImage != "" {
		params.Faceswap = &workflow.FaceswapParams{
			Image:      job.Params.FaceswapImage,
			FacesOrder: job.Params.FaceswapFacesOrder,
			FacesIndex: job.Params.FaceswapFacesIndex,
		}
	}
	return workflow.BuildImageToVideo(params)
}

// buildCheckpointGraph handles the txt2img and img2img workflow kinds
// carried over from before segment chaining existed.
func (m *Manager) buildCheckpointGraph(job *store.Job, seg *store.Segment) (json.RawMessage, error) {
	width := job.Params.Width
	if width == 0 {
		width = m.store.SettingInt("default_width", 640)
	}
	height := job.Params.Height
	if height == 0 {
		height = m.store.SettingInt("default_height", 640)
	}
	negative := job.NegativePrompt
	if negative == "" {
		negative = m.store.Setting("default_negative_prompt", "")
	}

	params := workflow.SimpleParams{
		Prompt:         seg.Prompt,
		NegativePrompt: negative,
		Width:          width,
		Height:         height,
		Steps:          job.Params.Steps,
		CFG:            job.Params.CFG,
		Denoise:        job.Params.Denoise,
		Seed:           job.Seed,
		Checkpoint:     job.Params.Checkpoint,
		Sampler:        job.Params.Sampler,
		Scheduler:      job.Params.Scheduler,
		InputImage:     seg.StartImage,
		OutputPrefix:   job.Name,
	}
	if job.WorkflowType == "img2img" {
		return workflow.BuildImageToImage(params)
	}
	return workflow.BuildTextToImage(params)
}

// loraPairs zips the per-pass LoRA slots into pairs, capped at the
// workflow maximum.
func loraPairs(high, low []store.LoraRef) []workflow.LoraPair {
	n := len(high)
	if len(low) > n {
		n = len(low)
	}
	if n > workflow.MaxLoraPairs {
		n = workflow.MaxLoraPairs
	}
	pairs := make([]workflow.LoraPair, 0, n)
	for i := 0; i < n; i++ {
		var pair workflow.LoraPair
		if i < len(high) {
			pair.High = &workflow.Lora{File: high[i].File, Weight: high[i].Weight}
		}
		if i < len(low) {
			pair.Low = &workflow.Lora{File: low[i].File, Weight: low[i].Weight}
		}
		pairs = append(pairs, pair)
	}
	return pairs
}

// waitForQueueClear blocks until no foreign prompt occupies the shared
// ComfyUI queue. Entries submitted by this job do not count. A dropped
// connection gets its own reconnect budget before it becomes fatal.
func (m *Manager) waitForQueueClear(ctx context.Context, r Renderer, tun tunables, job *store.Job) error {
	deadline := time.Now().Add(tun.queueWaitTimeout)
	lastLog := time.Now()

	for {
		if err := m.checkCancelled(job.ID); err != nil {
			return err
		}

		qs := r.GetQueueStatus(ctx)
		if !qs.Connected {
			if err := m.awaitReconnect(ctx, r, tun, job.ID); err != nil {
				return err
			}
			continue
		}

		foreign := 0
		for _, id := range append(qs.Running, qs.Pending...) {
			if id != job.PromptID {
				foreign++
			}
		}
		if foreign == 0 {
			return nil
		}

		if time.Since(lastLog) >= time.Minute {
			m.store.AppendJobLog(job.ID, nil, store.LogInfo,
				fmt.Sprintf("Waiting for ComfyUI queue to clear (%d ahead)", foreign), "")
			m.logger.Info("waiting for queue to clear", "job_id", job.ID, "ahead", foreign)
			lastLog = time.Now()
		}
		if time.Now().After(deadline) {
			return errors.New("ComfyUI queue did not clear after 30 minutes - check ComfyUI for stuck jobs")
		}
		if err := sleepCtx(ctx, m.gatePoll); err != nil {
			return err
		}
	}
}

// waitForCompletion polls prompt history until the render finishes.
// Transient poll failures are tolerated up to a run of
// maxConsecutivePollErrors, after which the reconnect budget applies.
func (m *Manager) waitForCompletion(ctx context.Context, r Renderer, tun tunables, job *store.Job, seg *store.Segment) (comfy.PromptResult, error) {
	deadline := time.Now().Add(tun.execTimeout)
	consecutive := 0

	for {
		if err := m.checkCancelled(job.ID); err != nil {
			return comfy.PromptResult{}, err
		}
		if time.Now().After(deadline) {
			return comfy.PromptResult{}, fmt.Errorf(
				"render timed out after %s", tun.execTimeout)
		}

		result, err := r.PromptStatus(ctx, seg.PromptID)
		if err != nil {
			consecutive++
			if consecutive >= maxConsecutivePollErrors {
				if rerr := m.awaitReconnect(ctx, r, tun, job.ID); rerr != nil {
					return comfy.PromptResult{}, rerr
				}
				consecutive = 0
			}
		} else {
			consecutive = 0
			if result.State != comfy.StatusPending {
				return result, nil
			}
		}

		if err := sleepCtx(ctx, tun.statusInterval); err != nil {
			return comfy.PromptResult{}, err
		}
	}
}

// awaitReconnect pings ComfyUI until it answers or the reconnect
// budget runs out.
func (m *Manager) awaitReconnect(ctx context.Context, r Renderer, tun tunables, jobID int64) error {
	deadline := time.Now().Add(tun.reconnectBudget)
	m.store.AppendJobLog(jobID, nil, store.LogWarn,
		"Lost connection to ComfyUI, retrying", "")
	m.logger.Warn("lost connection to ComfyUI", "job_id", jobID)

	for {
		if err := m.checkCancelled(jobID); err != nil {
			return err
		}
		if ok, _ := r.CheckConnection(ctx); ok {
			m.store.AppendJobLog(jobID, nil, store.LogInfo, "Reconnected to ComfyUI", "")
			m.logger.Info("reconnected to ComfyUI", "job_id", jobID)
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("lost connection to ComfyUI for more than %s", tun.reconnectBudget)
		}
		if err := sleepCtx(ctx, m.gatePoll); err != nil {
			return err
		}
	}
}

// checkCancelled returns errCancelled once the job leaves the running
// states, so waits unwind promptly after a cancel.
func (m *Manager) checkCancelled(jobID int64) error {
	job, err := m.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job == nil || job.Status == store.JobCancelled {
		return errCancelled
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// downloadAndChain is the default post-processing: pull the rendered
// video, extract the last frame, push it back to ComfyUI as the next
// segment's start image, and mark the segment completed.
func (m *Manager) downloadAndChain(ctx context.Context, r Renderer, job *store.Job, seg *store.Segment, rec *comfy.HistoryRecord) error {
	if rec == nil {
		return errors.New("completed render has no history record")
	}
	urls := r.MediaURLs(rec)

	// Checkpoint kinds emit a single image; no frame to chain.
	if job.WorkflowType == "txt2img" || job.WorkflowType == "img2img" {
		return m.downloadStill(ctx, job, seg, urls)
	}

	videoURL := firstVideoURL(urls)
	if videoURL == "" {
		return errors.New("completed render produced no video output")
	}

	videoPath := m.media.Layout.SegmentVideoPath(job.ID, seg.Index)
	if err := m.media.Download(ctx, videoURL, videoPath); err != nil {
		return err
	}

	framePath := m.media.Layout.SegmentFramePath(job.ID, seg.Index)
	if err := m.media.ExtractLastFrame(ctx, videoPath, framePath); err != nil {
		return err
	}

	frameBytes, err := os.ReadFile(framePath)
	if err != nil {
		return fmt.Errorf("read extracted frame: %w", err)
	}
	uploadName := fmt.Sprintf("job_%d_segment_%d_last_frame.jpg", job.ID, seg.Index)
	endFrame, err := r.UploadImage(ctx, frameBytes, uploadName)
	if err != nil {
		return fmt.Errorf("upload chain frame: %w", err)
	}

	upd := &store.SegmentUpdate{
		VideoPath:     store.StrPtr(videoPath),
		EndFrame:      store.StrPtr(endFrame),
		ExecutionTime: rec.Status.ExecutionTime,
	}
	if err := m.store.UpdateSegmentStatus(job.ID, seg.Index, store.SegmentCompleted, upd); err != nil {
		return err
	}

	// The next segment may already exist if the user typed ahead.
	if _, err := m.store.UpdateSegmentStartImage(job.ID, seg.Index+1, endFrame); err != nil {
		return err
	}

	m.store.AppendJobLog(job.ID, &seg.Index, store.LogInfo,
		fmt.Sprintf("Segment %d completed", seg.Index+1), videoPath)
	m.logger.Info("segment completed",
		"job_id", job.ID, "segment", seg.Index, "video", videoPath)
	return nil
}

// downloadStill stores a checkpoint render's image output and marks
// the job's only segment completed.
func (m *Manager) downloadStill(ctx context.Context, job *store.Job, seg *store.Segment, urls []string) error {
	if len(urls) == 0 {
		return errors.New("completed render produced no output")
	}
	dest := m.media.Layout.SegmentStillPath(job.ID, seg.Index)
	if err := m.media.Download(ctx, urls[0], dest); err != nil {
		return err
	}
	upd := &store.SegmentUpdate{VideoPath: store.StrPtr(dest)}
	if err := m.store.UpdateSegmentStatus(job.ID, seg.Index, store.SegmentCompleted, upd); err != nil {
		return err
	}
	m.store.AppendJobLog(job.ID, &seg.Index, store.LogInfo, "Image rendered", dest)
	m.logger.Info("image rendered", "job_id", job.ID, "output", dest)
	return nil
}

// firstVideoURL prefers a video-like output; falls back to the first URL.
func firstVideoURL(urls []string) string {
	for _, u := range urls {
		if strings.Contains(u, ".mp4") || strings.Contains(u, ".webm") || strings.Contains(u, ".gif") {
			return u
		}
	}
	if len(urls) > 0 {
		return urls[0]
	}
	return ""
}
