package queue

import (
	"context"
	"fmt"
	"os"

	"github.com/DavidJBarnes/wan22-video-generator/internal/comfy"
	"github.com/DavidJBarnes/wan22-video-generator/internal/store"
)

// Reconcile repairs state left behind by an unclean shutdown. Segments
// stuck in running are resolved against ComfyUI: still queued means a
// monitor resumes them, finished means post-processing runs now, and
// anything ComfyUI no longer knows about is flagged for recovery and
// re-queued. Call once at startup, before the dispatch loop.
func (m *Manager) Reconcile(ctx context.Context) error {
	r := m.renderer()

	segments, err := m.store.RunningSegments()
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if len(segments) == 0 {
		return m.reconcileJobs()
	}

	connected, _ := r.CheckConnection(ctx)
	var qs comfy.QueueStatus
	if connected {
		qs = r.GetQueueStatus(ctx)
	}

	for _, seg := range segments {
		m.reconcileSegment(ctx, r, qs, seg, connected)
	}
	if err := m.requeueRecoverable(); err != nil {
		return err
	}
	return m.reconcileJobs()
}

// requeueRecoverable resets flagged segments to pending so the
// dispatcher resubmits them with a fresh prompt id. Segments of a job
// the user already saw reach a terminal state never resurrect it: a
// failed job's stale segment is failed along with it.
func (m *Manager) requeueRecoverable() error {
	segments, err := m.store.SegmentsNeedingRecovery()
	if err != nil {
		return fmt.Errorf("list recoverable segments: %w", err)
	}
	for _, seg := range segments {
		job, err := m.store.GetJob(seg.JobID)
		if err != nil || job == nil {
			continue
		}
		switch job.Status {
		case store.JobFailed:
			m.store.UpdateSegmentStatus(seg.JobID, seg.Index, store.SegmentFailed,
				&store.SegmentUpdate{Error: store.StrPtr("Job failed during processing")})
			m.logger.Info("stale segment of failed job marked failed",
				"job_id", seg.JobID, "segment", seg.Index)
		case store.JobCancelled, store.JobCompleted:
			m.store.UpdateSegmentStatus(seg.JobID, seg.Index, store.SegmentPending,
				&store.SegmentUpdate{PromptID: store.StrPtr("")})
		default:
			m.store.UpdateSegmentStatus(seg.JobID, seg.Index, store.SegmentPending,
				&store.SegmentUpdate{PromptID: store.StrPtr("")})
			m.store.UpdateJobStatus(seg.JobID, store.JobPending, nil)
			m.logger.Info("recoverable segment re-queued",
				"job_id", seg.JobID, "segment", seg.Index)
		}
	}
	return nil
}

func (m *Manager) reconcileSegment(ctx context.Context, r Renderer, qs comfy.QueueStatus, seg *store.Segment, connected bool) {
	log := m.logger.With("job_id", seg.JobID, "segment", seg.Index)

	// A video already on disk means the render finished and downloaded
	// before the crash; keep it instead of re-rendering.
	videoPath := m.media.Layout.SegmentVideoPath(seg.JobID, seg.Index)
	if info, err := os.Stat(videoPath); err == nil && info.Size() > 0 {
		log.Info("render already on disk, marking completed", "video", videoPath)
		m.store.UpdateSegmentStatus(seg.JobID, seg.Index, store.SegmentCompleted,
			&store.SegmentUpdate{VideoPath: store.StrPtr(videoPath)})
		m.store.AppendJobLog(seg.JobID, &seg.Index, store.LogInfo,
			fmt.Sprintf("Segment %d recovered from disk", seg.Index+1), videoPath)
		return
	}

	if !connected || seg.PromptID == "" {
		m.markNeedsRecovery(seg, "ComfyUI unreachable during startup")
		return
	}

	if qs.Connected && qs.Contains(seg.PromptID) {
		log.Info("render still queued, resuming monitor", "prompt_id", seg.PromptID)
		m.resumeMonitor(ctx, seg)
		return
	}

	result, err := r.PromptStatus(ctx, seg.PromptID)
	if err != nil {
		m.markNeedsRecovery(seg, "history unavailable during startup")
		return
	}
	switch result.State {
	case comfy.StatusCompleted:
		log.Info("render finished while down, recovering output")
		job, jerr := m.store.GetJob(seg.JobID)
		if jerr != nil || job == nil {
			m.markNeedsRecovery(seg, "job row unavailable")
			return
		}
		if err := m.postProcess(ctx, r, job, seg, result.Record); err != nil {
			m.markNeedsRecovery(seg, err.Error())
		}
	case comfy.StatusError:
		job, jerr := m.store.GetJob(seg.JobID)
		if jerr != nil || job == nil {
			m.markNeedsRecovery(seg, result.Error)
			return
		}
		m.failSegment(job, seg, result.Error)
	default:
		// ComfyUI dropped it: not queued, no history.
		m.markNeedsRecovery(seg, "render lost by ComfyUI")
	}
}

// markNeedsRecovery flags the segment; requeueRecoverable re-queues it
// once the whole running set has been examined.
func (m *Manager) markNeedsRecovery(seg *store.Segment, reason string) {
	m.store.UpdateSegmentStatus(seg.JobID, seg.Index, store.SegmentNeedsRecovery,
		&store.SegmentUpdate{Error: store.StrPtr(reason)})
	m.store.AppendJobLog(seg.JobID, &seg.Index, store.LogWarn,
		fmt.Sprintf("Segment %d needs recovery", seg.Index+1), reason)
	m.logger.Warn("segment needs recovery",
		"job_id", seg.JobID, "segment", seg.Index, "reason", reason)
}

// resumeMonitor watches an in-flight render from a previous process
// life in the background and runs the normal post-processing when it
// lands.
func (m *Manager) resumeMonitor(ctx context.Context, seg *store.Segment) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		r := m.renderer()
		tun := m.loadTunables()

		job, err := m.store.GetJob(seg.JobID)
		if err != nil || job == nil {
			return
		}
		result, err := m.waitForCompletion(ctx, r, tun, job, seg)
		if err != nil {
			if err != errCancelled && ctx.Err() == nil {
				m.failSegment(job, seg, err.Error())
			}
			return
		}
		if result.State == comfy.StatusError {
			m.failSegment(job, seg, result.Error)
			return
		}
		if err := m.postProcess(ctx, r, job, seg, result.Record); err != nil {
			m.failSegment(job, seg, err.Error())
			return
		}
		// Hand the rest of the chain back to the dispatcher.
		next, err := m.store.GetNextPendingSegment(seg.JobID)
		if err != nil {
			return
		}
		if next == nil {
			m.store.UpdateJobStatus(seg.JobID, store.JobAwaitingPrompt, nil)
		} else {
			m.store.UpdateJobStatus(seg.JobID, store.JobPending, nil)
		}
	}()
}

// reconcileJobs fixes jobs whose status no longer matches their
// segments: running jobs with nothing in flight go back to pending.
func (m *Manager) reconcileJobs() error {
	jobs, err := m.store.JobsByStatus(store.JobRunning)
	if err != nil {
		return fmt.Errorf("reconcile jobs: %w", err)
	}
	for _, job := range jobs {
		segments, err := m.store.GetJobSegments(job.ID)
		if err != nil {
			return err
		}
		inFlight := false
		for _, seg := range segments {
			if seg.Status == store.SegmentRunning {
				inFlight = true
				break
			}
		}
		if inFlight {
			continue
		}
		pending := false
		for _, seg := range segments {
			if seg.Status == store.SegmentPending || seg.Status == store.SegmentNeedsRecovery {
				pending = true
				break
			}
		}
		if pending {
			m.store.UpdateJobStatus(job.ID, store.JobPending, nil)
			m.logger.Info("running job re-queued after restart", "job_id", job.ID)
		} else {
			m.store.UpdateJobStatus(job.ID, store.JobAwaitingPrompt, nil)
			m.logger.Info("running job parked awaiting prompt after restart", "job_id", job.ID)
		}
	}
	return nil
}
