package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/DavidJBarnes/wan22-video-generator/internal/store"
)

// AddSegment appends the next prompt to a job's chain. Allowed while
// the job is pending, running or awaiting a prompt; an awaiting job
// goes back to pending so the dispatcher picks it up.
func (m *Manager) AddSegment(jobID int64, prompt string, highLoras, lowLoras []store.LoraRef) (int, error) {
	job, err := m.store.GetJob(jobID)
	if err != nil {
		return 0, err
	}
	if job == nil {
		return 0, fmt.Errorf("job %d not found", jobID)
	}
	switch job.Status {
	case store.JobPending, store.JobRunning, store.JobAwaitingPrompt:
	default:
		return 0, fmt.Errorf("cannot add a segment to a %s job", job.Status)
	}

	index, err := m.store.CreateNextSegment(jobID, prompt, highLoras, lowLoras)
	if err != nil {
		return 0, err
	}
	if job.Status == store.JobAwaitingPrompt {
		if err := m.store.UpdateJobStatus(jobID, store.JobPending, nil); err != nil {
			return 0, err
		}
	}
	m.store.AppendJobLog(jobID, &index, store.LogInfo,
		fmt.Sprintf("Segment %d queued", index+1), "")
	return index, nil
}

// FinalizeJob stitches the completed segments into the final video and
// marks the job completed.
func (m *Manager) FinalizeJob(ctx context.Context, jobID int64) (string, error) {
	job, err := m.store.GetJob(jobID)
	if err != nil {
		return "", err
	}
	if job == nil {
		return "", fmt.Errorf("job %d not found", jobID)
	}
	if job.Status != store.JobAwaitingPrompt {
		return "", fmt.Errorf("cannot finalize a %s job", job.Status)
	}

	segments, err := m.store.GetJobSegments(jobID)
	if err != nil {
		return "", err
	}
	var paths []string
	for _, seg := range segments {
		if seg.Status == store.SegmentCompleted && seg.VideoPath != "" {
			paths = append(paths, seg.VideoPath)
		}
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("job %d has no completed segments", jobID)
	}

	// The job shows as running while the stitch is in progress.
	if err := m.store.UpdateJobStatus(jobID, store.JobRunning, nil); err != nil {
		return "", err
	}
	dest := m.media.Layout.FinalVideoPath(job.Name, time.Now())
	if err := m.media.Stitch(ctx, paths, dest); err != nil {
		m.store.UpdateJobStatus(jobID, store.JobAwaitingPrompt, nil)
		m.store.AppendJobLog(jobID, nil, store.LogError, "Final stitch failed", err.Error())
		return "", err
	}

	if err := m.store.UpdateJobStatus(jobID, store.JobCompleted,
		&store.JobUpdate{OutputMedia: []string{dest}}); err != nil {
		return "", err
	}
	m.store.AppendJobLog(jobID, nil, store.LogInfo, "Job completed", dest)
	m.logger.Info("job finalized", "job_id", jobID, "output", dest)
	return dest, nil
}

// RetryJob puts a failed or cancelled job back in the queue, at the
// bottom so it does not jump jobs queued since. Completed segments are
// kept; everything else resets to pending, so the chain resumes where
// it broke.
func (m *Manager) RetryJob(jobID int64) error {
	job, err := m.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %d not found", jobID)
	}
	if job.Status != store.JobFailed && job.Status != store.JobCancelled {
		return fmt.Errorf("cannot retry a %s job", job.Status)
	}

	if err := m.store.ResetNonCompletedSegments(jobID); err != nil {
		return err
	}
	if err := m.store.UpdateJobStatus(jobID, store.JobPending,
		&store.JobUpdate{Error: store.StrPtr("")}); err != nil {
		return err
	}
	if err := m.store.MoveJobToBottom(jobID); err != nil {
		return err
	}
	m.store.AppendJobLog(jobID, nil, store.LogInfo, "Job retried", "")
	return nil
}

// ReopenJob takes a completed job back to awaiting_prompt so more
// segments can be added after its final video was already stitched.
func (m *Manager) ReopenJob(jobID int64) error {
	job, err := m.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %d not found", jobID)
	}
	if job.Status != store.JobCompleted {
		return fmt.Errorf("cannot reopen a %s job", job.Status)
	}
	if err := m.store.UpdateJobStatus(jobID, store.JobAwaitingPrompt, nil); err != nil {
		return err
	}
	m.store.AppendJobLog(jobID, nil, store.LogInfo, "Job reopened", "")
	return nil
}

// CancelJob stops a job. Running waits notice the status change on
// their next poll and unwind without failing the job.
func (m *Manager) CancelJob(jobID int64) error {
	job, err := m.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %d not found", jobID)
	}
	switch job.Status {
	case store.JobPending, store.JobRunning, store.JobAwaitingPrompt:
	default:
		return fmt.Errorf("cannot cancel a %s job", job.Status)
	}
	if err := m.store.UpdateJobStatus(jobID, store.JobCancelled, nil); err != nil {
		return err
	}
	m.store.AppendJobLog(jobID, nil, store.LogInfo, "Job cancelled", "")
	return nil
}

// DeleteLastSegment removes the highest-index segment of an awaiting
// job, provided it has not rendered yet.
func (m *Manager) DeleteLastSegment(jobID int64) error {
	job, err := m.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %d not found", jobID)
	}
	if job.Status != store.JobAwaitingPrompt && job.Status != store.JobPending {
		return fmt.Errorf("cannot edit segments of a %s job", job.Status)
	}

	segments, err := m.store.GetJobSegments(jobID)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return fmt.Errorf("job %d has no segments", jobID)
	}
	last := segments[len(segments)-1]
	if last.Status == store.SegmentCompleted || last.Status == store.SegmentRunning {
		return fmt.Errorf("segment %d already %s", last.Index+1, last.Status)
	}
	if len(segments) == 1 {
		return fmt.Errorf("cannot delete the only segment")
	}
	if _, err := m.store.DeleteSegment(jobID, last.Index); err != nil {
		return err
	}
	m.store.AppendJobLog(jobID, &last.Index, store.LogInfo,
		fmt.Sprintf("Segment %d removed", last.Index+1), "")
	return nil
}
