package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DavidJBarnes/wan22-video-generator/internal/comfy"
	"github.com/DavidJBarnes/wan22-video-generator/internal/media"
	"github.com/DavidJBarnes/wan22-video-generator/internal/store"
)

// fakeRenderer implements Renderer with overridable behavior per test.
type fakeRenderer struct {
	checkConnection func(ctx context.Context) (bool, string)
	submitWorkflow  func(ctx context.Context, graph json.RawMessage) (string, error)
	promptStatus    func(ctx context.Context, promptID string) (comfy.PromptResult, error)
	getQueueStatus  func(ctx context.Context) comfy.QueueStatus
	uploadImage     func(ctx context.Context, data []byte, filename string) (string, error)

	submits int
}

func newFakeRenderer() *fakeRenderer {
	f := &fakeRenderer{}
	f.checkConnection = func(context.Context) (bool, string) { return true, "connected" }
	f.submitWorkflow = func(context.Context, json.RawMessage) (string, error) {
		return "prompt-1", nil
	}
	f.promptStatus = func(context.Context, string) (comfy.PromptResult, error) {
		return comfy.PromptResult{State: comfy.StatusCompleted, Record: &comfy.HistoryRecord{}}, nil
	}
	f.getQueueStatus = func(context.Context) comfy.QueueStatus {
		return comfy.QueueStatus{Connected: true}
	}
	f.uploadImage = func(_ context.Context, _ []byte, filename string) (string, error) {
		return filename, nil
	}
	return f
}

func (f *fakeRenderer) CheckConnection(ctx context.Context) (bool, string) {
	return f.checkConnection(ctx)
}
func (f *fakeRenderer) SubmitWorkflow(ctx context.Context, graph json.RawMessage) (string, error) {
	f.submits++
	return f.submitWorkflow(ctx, graph)
}
func (f *fakeRenderer) PromptStatus(ctx context.Context, promptID string) (comfy.PromptResult, error) {
	return f.promptStatus(ctx, promptID)
}
func (f *fakeRenderer) GetQueueStatus(ctx context.Context) comfy.QueueStatus {
	return f.getQueueStatus(ctx)
}
func (f *fakeRenderer) MediaURLs(record *comfy.HistoryRecord) []string {
	return []string{"http://renderer/view?filename=out.mp4&subfolder=&type=output"}
}
func (f *fakeRenderer) UploadImage(ctx context.Context, data []byte, filename string) (string, error) {
	return f.uploadImage(ctx, data, filename)
}

func newTestManager(t *testing.T, fake *fakeRenderer) (*Manager, *store.Store) {
	t.Helper()
	st := store.OpenMemory(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	mp := media.NewPipeline(t.TempDir(), logger)
	m := NewManager(st, mp, logger)
	m.gatePoll = time.Millisecond
	m.newRenderer = func(string, string) Renderer { return fake }
	// Post-processing stand-in: stamp completion and chain the frame
	// forward without touching ffmpeg or the network.
	m.postProcess = func(_ context.Context, _ Renderer, job *store.Job, seg *store.Segment, _ *comfy.HistoryRecord) error {
		endFrame := "chained_frame.jpg"
		if err := st.UpdateSegmentStatus(job.ID, seg.Index, store.SegmentCompleted,
			&store.SegmentUpdate{EndFrame: store.StrPtr(endFrame)}); err != nil {
			return err
		}
		_, err := st.UpdateSegmentStartImage(job.ID, seg.Index+1, endFrame)
		return err
	}
	st.PutSetting("status_poll_interval_seconds", "0")
	m.StartQueue()
	return m, st
}

func createJob(t *testing.T, st *store.Store) *store.Job {
	t.Helper()
	job := &store.Job{Name: "clip", Prompt: "a river", InputImage: "river.png"}
	if _, err := st.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := st.CreateFirstSegment(job.ID, job.Prompt, job.InputImage, nil, nil); err != nil {
		t.Fatalf("CreateFirstSegment: %v", err)
	}
	return job
}

func TestProcessJobSingleSegment(t *testing.T) {
	fake := newFakeRenderer()
	m, st := newTestManager(t, fake)
	job := createJob(t, st)

	if err := m.processJob(context.Background(), job); err != nil {
		t.Fatalf("processJob: %v", err)
	}

	got, _ := st.GetJob(job.ID)
	if got.Status != store.JobAwaitingPrompt {
		t.Errorf("job status = %q, want awaiting_prompt", got.Status)
	}
	if got.PromptID != "prompt-1" {
		t.Errorf("job prompt id = %q", got.PromptID)
	}
	seg, _ := st.GetSegment(job.ID, 0)
	if seg.Status != store.SegmentCompleted {
		t.Errorf("segment status = %q", seg.Status)
	}
	if fake.submits != 1 {
		t.Errorf("submits = %d, want 1", fake.submits)
	}
}

func TestProcessJobChainsSegmentsInOrder(t *testing.T) {
	fake := newFakeRenderer()
	m, st := newTestManager(t, fake)
	job := createJob(t, st)
	if _, err := st.CreateNextSegment(job.ID, "the river freezes", nil, nil); err != nil {
		t.Fatalf("CreateNextSegment: %v", err)
	}

	if err := m.processJob(context.Background(), job); err != nil {
		t.Fatalf("processJob: %v", err)
	}

	if fake.submits != 2 {
		t.Errorf("submits = %d, want 2", fake.submits)
	}
	seg1, _ := st.GetSegment(job.ID, 1)
	if seg1.Status != store.SegmentCompleted {
		t.Errorf("segment 1 status = %q", seg1.Status)
	}
	if seg1.StartImage != "chained_frame.jpg" {
		t.Errorf("segment 1 start image = %q, want chained frame", seg1.StartImage)
	}
}

func TestCheckpointWorkflowDispatch(t *testing.T) {
	fake := newFakeRenderer()
	var submitted json.RawMessage
	fake.submitWorkflow = func(_ context.Context, graph json.RawMessage) (string, error) {
		submitted = graph
		return "prompt-1", nil
	}
	m, st := newTestManager(t, fake)

	job := &store.Job{
		Name: "portrait", Prompt: "a portrait", WorkflowType: "txt2img",
		Params: store.JobParams{Checkpoint: "sd15.safetensors"},
	}
	if _, err := st.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := st.CreateFirstSegment(job.ID, job.Prompt, "", nil, nil); err != nil {
		t.Fatalf("CreateFirstSegment: %v", err)
	}

	if err := m.processJob(context.Background(), job); err != nil {
		t.Fatalf("processJob: %v", err)
	}

	graph := string(submitted)
	if !strings.Contains(graph, "CheckpointLoaderSimple") {
		t.Error("txt2img job did not submit a checkpoint graph")
	}
	if strings.Contains(graph, "UNETLoader") {
		t.Error("txt2img job submitted the video graph")
	}
	if !strings.Contains(graph, "sd15.safetensors") {
		t.Error("checkpoint name missing from graph")
	}
}

func TestSegmentFailureMessage(t *testing.T) {
	fake := newFakeRenderer()
	fake.promptStatus = func(context.Context, string) (comfy.PromptResult, error) {
		return comfy.PromptResult{State: comfy.StatusError, Error: "CUDA out of memory"}, nil
	}
	m, st := newTestManager(t, fake)
	job := createJob(t, st)

	if err := m.processJob(context.Background(), job); err != nil {
		t.Fatalf("processJob: %v", err)
	}

	got, _ := st.GetJob(job.ID)
	if got.Status != store.JobFailed {
		t.Fatalf("job status = %q, want failed", got.Status)
	}
	if got.Error != "Segment 1 failed: CUDA out of memory" {
		t.Errorf("error = %q", got.Error)
	}
	seg, _ := st.GetSegment(job.ID, 0)
	if seg.Status != store.SegmentFailed {
		t.Errorf("segment status = %q", seg.Status)
	}
}

func TestSubmitRejectionFailsJob(t *testing.T) {
	fake := newFakeRenderer()
	fake.submitWorkflow = func(context.Context, json.RawMessage) (string, error) {
		return "", &comfy.SubmitError{Message: "Prompt outputs failed validation"}
	}
	m, st := newTestManager(t, fake)
	job := createJob(t, st)

	m.processJob(context.Background(), job)

	got, _ := st.GetJob(job.ID)
	if got.Status != store.JobFailed {
		t.Fatalf("job status = %q", got.Status)
	}
	if !strings.Contains(got.Error, "workflow rejected: Prompt outputs failed validation") {
		t.Errorf("error = %q", got.Error)
	}
}

func TestQueueGateWaitsForForeignWork(t *testing.T) {
	fake := newFakeRenderer()
	calls := 0
	fake.getQueueStatus = func(context.Context) comfy.QueueStatus {
		calls++
		if calls < 3 {
			return comfy.QueueStatus{Connected: true, Running: []string{"someone-elses-render"}}
		}
		return comfy.QueueStatus{Connected: true}
	}
	m, st := newTestManager(t, fake)
	job := createJob(t, st)

	if err := m.processJob(context.Background(), job); err != nil {
		t.Fatalf("processJob: %v", err)
	}
	if calls < 3 {
		t.Errorf("queue polled %d times, want at least 3", calls)
	}
	got, _ := st.GetJob(job.ID)
	if got.Status != store.JobAwaitingPrompt {
		t.Errorf("job status = %q", got.Status)
	}
}

func TestQueueGateTimeout(t *testing.T) {
	fake := newFakeRenderer()
	fake.getQueueStatus = func(context.Context) comfy.QueueStatus {
		return comfy.QueueStatus{Connected: true, Running: []string{"stuck-render"}}
	}
	m, st := newTestManager(t, fake)
	st.PutSetting("queue_wait_timeout_seconds", "0")
	job := createJob(t, st)

	m.processJob(context.Background(), job)

	got, _ := st.GetJob(job.ID)
	if got.Status != store.JobFailed {
		t.Fatalf("job status = %q, want failed", got.Status)
	}
	want := "Segment 1 failed: ComfyUI queue did not clear after 30 minutes - check ComfyUI for stuck jobs"
	if got.Error != want {
		t.Errorf("error = %q\nwant    %q", got.Error, want)
	}
}

func TestReconnectBudgetExhausted(t *testing.T) {
	fake := newFakeRenderer()
	connected := true
	fake.checkConnection = func(context.Context) (bool, string) {
		if connected {
			return true, "connected"
		}
		return false, "connection refused"
	}
	fake.getQueueStatus = func(context.Context) comfy.QueueStatus {
		connected = false
		return comfy.QueueStatus{Connected: false, Error: "connection refused"}
	}
	m, st := newTestManager(t, fake)
	st.PutSetting("reconnect_budget_seconds", "0")
	job := createJob(t, st)

	m.processJob(context.Background(), job)

	got, _ := st.GetJob(job.ID)
	if got.Status != store.JobFailed {
		t.Fatalf("job status = %q, want failed", got.Status)
	}
	if !strings.Contains(got.Error, "lost connection to ComfyUI") {
		t.Errorf("error = %q", got.Error)
	}
}

func TestCancelDuringWait(t *testing.T) {
	fake := newFakeRenderer()
	m, st := newTestManager(t, fake)
	job := createJob(t, st)

	polls := 0
	fake.promptStatus = func(context.Context, string) (comfy.PromptResult, error) {
		polls++
		if polls == 2 {
			if err := m.CancelJob(job.ID); err != nil {
				t.Errorf("CancelJob: %v", err)
			}
		}
		return comfy.PromptResult{State: comfy.StatusPending}, nil
	}

	if err := m.processJob(context.Background(), job); err != nil {
		t.Fatalf("processJob: %v", err)
	}

	got, _ := st.GetJob(job.ID)
	if got.Status != store.JobCancelled {
		t.Errorf("job status = %q, want cancelled", got.Status)
	}
	seg, _ := st.GetSegment(job.ID, 0)
	if seg.Status != store.SegmentPending {
		t.Errorf("segment status = %q, want pending after cancel", seg.Status)
	}
}

func TestQueueStoppedReturnsJobToPending(t *testing.T) {
	fake := newFakeRenderer()
	m, st := newTestManager(t, fake)
	job := createJob(t, st)
	m.StopQueue()

	if err := m.processJob(context.Background(), job); err != nil {
		t.Fatalf("processJob: %v", err)
	}
	got, _ := st.GetJob(job.ID)
	if got.Status != store.JobPending {
		t.Errorf("job status = %q, want pending", got.Status)
	}
	if fake.submits != 0 {
		t.Errorf("submits = %d, want 0", fake.submits)
	}
}

func TestReconcileRecoversFinishedRender(t *testing.T) {
	fake := newFakeRenderer()
	m, st := newTestManager(t, fake)
	job := createJob(t, st)
	st.UpdateJobStatus(job.ID, store.JobRunning, nil)
	st.UpdateSegmentStatus(job.ID, 0, store.SegmentRunning,
		&store.SegmentUpdate{PromptID: store.StrPtr("prompt-old")})

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	seg, _ := st.GetSegment(job.ID, 0)
	if seg.Status != store.SegmentCompleted {
		t.Errorf("segment status = %q, want completed", seg.Status)
	}
	got, _ := st.GetJob(job.ID)
	if got.Status != store.JobAwaitingPrompt {
		t.Errorf("job status = %q, want awaiting_prompt", got.Status)
	}
}

func TestReconcileRequeuesLostRender(t *testing.T) {
	fake := newFakeRenderer()
	fake.promptStatus = func(context.Context, string) (comfy.PromptResult, error) {
		return comfy.PromptResult{State: comfy.StatusPending}, nil
	}
	m, st := newTestManager(t, fake)
	job := createJob(t, st)
	st.UpdateJobStatus(job.ID, store.JobRunning, nil)
	st.UpdateSegmentStatus(job.ID, 0, store.SegmentRunning,
		&store.SegmentUpdate{PromptID: store.StrPtr("prompt-lost")})

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	seg, _ := st.GetSegment(job.ID, 0)
	if seg.Status != store.SegmentPending {
		t.Errorf("segment status = %q, want pending", seg.Status)
	}
	if seg.PromptID != "" {
		t.Errorf("prompt id = %q, want cleared", seg.PromptID)
	}
	got, _ := st.GetJob(job.ID)
	if got.Status != store.JobPending {
		t.Errorf("job status = %q, want pending", got.Status)
	}
}

func TestReconcileResumesQueuedRender(t *testing.T) {
	fake := newFakeRenderer()
	fake.getQueueStatus = func(context.Context) comfy.QueueStatus {
		return comfy.QueueStatus{Connected: true, Running: []string{"prompt-live"}}
	}
	m, st := newTestManager(t, fake)
	job := createJob(t, st)
	st.UpdateJobStatus(job.ID, store.JobRunning, nil)
	st.UpdateSegmentStatus(job.ID, 0, store.SegmentRunning,
		&store.SegmentUpdate{PromptID: store.StrPtr("prompt-live")})

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	m.wg.Wait()

	seg, _ := st.GetSegment(job.ID, 0)
	if seg.Status != store.SegmentCompleted {
		t.Errorf("segment status = %q, want completed via monitor", seg.Status)
	}
	got, _ := st.GetJob(job.ID)
	if got.Status != store.JobAwaitingPrompt {
		t.Errorf("job status = %q, want awaiting_prompt", got.Status)
	}
}

func TestReconcileUnreachableRenderer(t *testing.T) {
	fake := newFakeRenderer()
	fake.checkConnection = func(context.Context) (bool, string) {
		return false, "connection refused"
	}
	m, st := newTestManager(t, fake)
	job := createJob(t, st)
	st.UpdateJobStatus(job.ID, store.JobRunning, nil)
	st.UpdateSegmentStatus(job.ID, 0, store.SegmentRunning,
		&store.SegmentUpdate{PromptID: store.StrPtr("prompt-x")})

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	seg, _ := st.GetSegment(job.ID, 0)
	if seg.Status != store.SegmentPending {
		t.Errorf("segment status = %q, want pending", seg.Status)
	}
	got, _ := st.GetJob(job.ID)
	if got.Status != store.JobPending {
		t.Errorf("job status = %q, want pending for re-dispatch", got.Status)
	}
}

func TestAddSegmentWakesAwaitingJob(t *testing.T) {
	fake := newFakeRenderer()
	m, st := newTestManager(t, fake)
	job := createJob(t, st)
	st.UpdateSegmentStatus(job.ID, 0, store.SegmentCompleted,
		&store.SegmentUpdate{EndFrame: store.StrPtr("f0.jpg")})
	st.UpdateJobStatus(job.ID, store.JobAwaitingPrompt, nil)

	index, err := m.AddSegment(job.ID, "the river melts", nil, nil)
	if err != nil {
		t.Fatalf("AddSegment: %v", err)
	}
	if index != 1 {
		t.Errorf("index = %d, want 1", index)
	}
	got, _ := st.GetJob(job.ID)
	if got.Status != store.JobPending {
		t.Errorf("job status = %q, want pending", got.Status)
	}
	seg, _ := st.GetSegment(job.ID, 1)
	if seg.StartImage != "f0.jpg" {
		t.Errorf("start image = %q, want chained end frame", seg.StartImage)
	}
}

func TestAddSegmentRejectedOnTerminalJob(t *testing.T) {
	fake := newFakeRenderer()
	m, st := newTestManager(t, fake)
	job := createJob(t, st)
	st.UpdateJobStatus(job.ID, store.JobFailed, nil)

	if _, err := m.AddSegment(job.ID, "more", nil, nil); err == nil {
		t.Error("segment added to a failed job")
	}
}

func TestFinalizeJob(t *testing.T) {
	fake := newFakeRenderer()
	m, st := newTestManager(t, fake)
	job := createJob(t, st)

	videoPath := m.media.Layout.SegmentVideoPath(job.ID, 0)
	os.MkdirAll(filepath.Dir(videoPath), 0o755)
	os.WriteFile(videoPath, []byte("clip"), 0o644)
	st.UpdateSegmentStatus(job.ID, 0, store.SegmentCompleted,
		&store.SegmentUpdate{VideoPath: store.StrPtr(videoPath), EndFrame: store.StrPtr("f0.jpg")})
	st.UpdateJobStatus(job.ID, store.JobAwaitingPrompt, nil)

	output, err := m.FinalizeJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("FinalizeJob: %v", err)
	}
	if _, err := os.Stat(output); err != nil {
		t.Errorf("final video missing: %v", err)
	}

	got, _ := st.GetJob(job.ID)
	if got.Status != store.JobCompleted {
		t.Errorf("job status = %q", got.Status)
	}
	if len(got.OutputMedia) != 1 || got.OutputMedia[0] != output {
		t.Errorf("output media = %v", got.OutputMedia)
	}
}

func TestFinalizeRequiresAwaitingPrompt(t *testing.T) {
	fake := newFakeRenderer()
	m, st := newTestManager(t, fake)
	job := createJob(t, st)

	if _, err := m.FinalizeJob(context.Background(), job.ID); err == nil {
		t.Error("pending job finalized")
	}
	got, _ := st.GetJob(job.ID)
	if got.Status != store.JobPending {
		t.Errorf("job status changed to %q", got.Status)
	}
}

func TestRetryJobResumesFromFailure(t *testing.T) {
	fake := newFakeRenderer()
	m, st := newTestManager(t, fake)
	job := createJob(t, st)
	st.UpdateSegmentStatus(job.ID, 0, store.SegmentCompleted,
		&store.SegmentUpdate{EndFrame: store.StrPtr("f0.jpg")})
	st.CreateNextSegment(job.ID, "part two", nil, nil)
	st.UpdateSegmentStatus(job.ID, 1, store.SegmentFailed,
		&store.SegmentUpdate{Error: store.StrPtr("oom")})
	st.UpdateJobStatus(job.ID, store.JobFailed,
		&store.JobUpdate{Error: store.StrPtr("Segment 2 failed: oom")})

	if err := m.RetryJob(job.ID); err != nil {
		t.Fatalf("RetryJob: %v", err)
	}

	got, _ := st.GetJob(job.ID)
	if got.Status != store.JobPending || got.Error != "" {
		t.Errorf("job = %q/%q, want pending with cleared error", got.Status, got.Error)
	}
	seg0, _ := st.GetSegment(job.ID, 0)
	seg1, _ := st.GetSegment(job.ID, 1)
	if seg0.Status != store.SegmentCompleted {
		t.Errorf("segment 0 reset")
	}
	if seg1.Status != store.SegmentPending {
		t.Errorf("segment 1 = %q, want pending", seg1.Status)
	}
}

func TestRetryMovesJobToBottomOfQueue(t *testing.T) {
	fake := newFakeRenderer()
	m, st := newTestManager(t, fake)
	first := createJob(t, st)
	st.UpdateJobStatus(first.ID, store.JobFailed,
		&store.JobUpdate{Error: store.StrPtr("Segment 1 failed: oom")})
	second := createJob(t, st)

	if err := m.RetryJob(first.ID); err != nil {
		t.Fatalf("RetryJob: %v", err)
	}

	pending, err := st.GetPendingJobs()
	if err != nil {
		t.Fatalf("GetPendingJobs: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d jobs, want 2", len(pending))
	}
	if pending[0].ID != second.ID || pending[1].ID != first.ID {
		t.Errorf("pending order = [%d, %d], want retried job last",
			pending[0].ID, pending[1].ID)
	}
}

func TestRetryCancelledJob(t *testing.T) {
	fake := newFakeRenderer()
	m, st := newTestManager(t, fake)
	job := createJob(t, st)
	if err := m.CancelJob(job.ID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	if err := m.RetryJob(job.ID); err != nil {
		t.Fatalf("RetryJob on cancelled job: %v", err)
	}
	got, _ := st.GetJob(job.ID)
	if got.Status != store.JobPending {
		t.Errorf("job status = %q, want pending", got.Status)
	}
}

func TestReconcileKeepsDownloadedVideo(t *testing.T) {
	fake := newFakeRenderer()
	fake.checkConnection = func(context.Context) (bool, string) {
		return false, "connection refused"
	}
	m, st := newTestManager(t, fake)
	job := createJob(t, st)
	st.UpdateJobStatus(job.ID, store.JobRunning, nil)
	st.UpdateSegmentStatus(job.ID, 0, store.SegmentRunning,
		&store.SegmentUpdate{PromptID: store.StrPtr("prompt-done")})

	videoPath := m.media.Layout.SegmentVideoPath(job.ID, 0)
	os.MkdirAll(filepath.Dir(videoPath), 0o755)
	os.WriteFile(videoPath, []byte("clip"), 0o644)

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	seg, _ := st.GetSegment(job.ID, 0)
	if seg.Status != store.SegmentCompleted {
		t.Errorf("segment status = %q, want completed from disk", seg.Status)
	}
	if seg.VideoPath != videoPath {
		t.Errorf("video path = %q, want %q", seg.VideoPath, videoPath)
	}
	got, _ := st.GetJob(job.ID)
	if got.Status != store.JobAwaitingPrompt {
		t.Errorf("job status = %q, want awaiting_prompt", got.Status)
	}
}

func TestReconcileDoesNotResurrectFailedJob(t *testing.T) {
	fake := newFakeRenderer()
	fake.promptStatus = func(context.Context, string) (comfy.PromptResult, error) {
		return comfy.PromptResult{State: comfy.StatusPending}, nil
	}
	m, st := newTestManager(t, fake)
	job := createJob(t, st)
	st.UpdateJobStatus(job.ID, store.JobFailed,
		&store.JobUpdate{Error: store.StrPtr("Segment 1 failed: oom")})
	st.UpdateSegmentStatus(job.ID, 0, store.SegmentRunning,
		&store.SegmentUpdate{PromptID: store.StrPtr("prompt-stale")})

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	got, _ := st.GetJob(job.ID)
	if got.Status != store.JobFailed {
		t.Errorf("job status = %q, failed job resurrected", got.Status)
	}
	seg, _ := st.GetSegment(job.ID, 0)
	if seg.Status != store.SegmentFailed {
		t.Errorf("segment status = %q, want failed", seg.Status)
	}
	if seg.Error != "Job failed during processing" {
		t.Errorf("segment error = %q", seg.Error)
	}
}

func TestFirstVideoURLPrefersAnimatedOutput(t *testing.T) {
	urls := []string{
		"http://renderer/view?filename=still.png",
		"http://renderer/view?filename=anim.gif",
	}
	if got := firstVideoURL(urls); !strings.Contains(got, "anim.gif") {
		t.Errorf("firstVideoURL = %q, want the gif", got)
	}
}

func TestFinalizeStitchFailureRestoresAwaiting(t *testing.T) {
	fake := newFakeRenderer()
	m, st := newTestManager(t, fake)
	job := createJob(t, st)
	// Completed segment whose file vanished: the stitch must fail.
	st.UpdateSegmentStatus(job.ID, 0, store.SegmentCompleted,
		&store.SegmentUpdate{VideoPath: store.StrPtr(
			m.media.Layout.SegmentVideoPath(job.ID, 0))})
	st.UpdateJobStatus(job.ID, store.JobAwaitingPrompt, nil)

	if _, err := m.FinalizeJob(context.Background(), job.ID); err == nil {
		t.Fatal("stitch with a missing segment file succeeded")
	}
	got, _ := st.GetJob(job.ID)
	if got.Status != store.JobAwaitingPrompt {
		t.Errorf("job status = %q, want awaiting_prompt after failed stitch", got.Status)
	}
}

func TestDeleteLastSegmentRules(t *testing.T) {
	fake := newFakeRenderer()
	m, st := newTestManager(t, fake)
	job := createJob(t, st)
	st.UpdateSegmentStatus(job.ID, 0, store.SegmentCompleted, nil)
	st.CreateNextSegment(job.ID, "part two", nil, nil)
	st.UpdateJobStatus(job.ID, store.JobAwaitingPrompt, nil)

	if err := m.DeleteLastSegment(job.ID); err != nil {
		t.Fatalf("DeleteLastSegment: %v", err)
	}
	segs, _ := st.GetJobSegments(job.ID)
	if len(segs) != 1 {
		t.Fatalf("segments = %d, want 1", len(segs))
	}

	// The only remaining segment cannot be deleted.
	if err := m.DeleteLastSegment(job.ID); err == nil {
		t.Error("deleted the only segment")
	}
}
