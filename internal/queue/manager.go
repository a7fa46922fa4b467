// Package queue drives jobs through the render pipeline: it dispatches
// pending jobs one at a time, gates on the shared ComfyUI queue, waits
// out renders, and chains segment outputs forward.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/DavidJBarnes/wan22-video-generator/internal/comfy"
	"github.com/DavidJBarnes/wan22-video-generator/internal/media"
	"github.com/DavidJBarnes/wan22-video-generator/internal/store"
)

// Renderer is the slice of the ComfyUI client the manager needs.
type Renderer interface {
	CheckConnection(ctx context.Context) (bool, string)
	SubmitWorkflow(ctx context.Context, graph json.RawMessage) (string, error)
	PromptStatus(ctx context.Context, promptID string) (comfy.PromptResult, error)
	GetQueueStatus(ctx context.Context) comfy.QueueStatus
	MediaURLs(record *comfy.HistoryRecord) []string
	UploadImage(ctx context.Context, data []byte, filename string) (string, error)
}

// Manager owns the dispatch loop. One job renders at a time; within a
// job, segments render strictly in index order.
type Manager struct {
	store  *store.Store
	media  *media.Pipeline
	logger *slog.Logger

	// newRenderer is rebuilt from settings each dispatch so a URL
	// change applies without a restart. Tests inject a fake here.
	newRenderer func(baseURL, loraNamespace string) Renderer

	// postProcess is swappable in tests to skip ffmpeg and downloads.
	postProcess func(ctx context.Context, r Renderer, job *store.Job, seg *store.Segment, rec *comfy.HistoryRecord) error

	// gatePoll is the shared-queue re-check interval; shrunk in tests.
	gatePoll time.Duration

	mu           sync.Mutex
	active       bool
	currentJobID int64
	wg           sync.WaitGroup
}

// NewManager wires a manager over the store and media pipeline.
func NewManager(st *store.Store, mp *media.Pipeline, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:    st,
		media:    mp,
		logger:   logger,
		gatePoll: queueGatePoll,
		newRenderer: func(baseURL, loraNamespace string) Renderer {
			return comfy.New(baseURL, loraNamespace, logger)
		},
	}
	m.postProcess = m.downloadAndChain
	return m
}

// tunables is one snapshot of the timing settings, read per dispatch
// so edits take effect on the next job.
type tunables struct {
	pollInterval     time.Duration
	statusInterval   time.Duration
	queueWaitTimeout time.Duration
	execTimeout      time.Duration
	reconnectBudget  time.Duration
}

func (m *Manager) loadTunables() tunables {
	return tunables{
		pollInterval:     m.store.SettingDuration("poll_interval_seconds", 2*time.Second),
		statusInterval:   m.store.SettingDuration("status_poll_interval_seconds", time.Second),
		queueWaitTimeout: m.store.SettingDuration("queue_wait_timeout_seconds", 30*time.Minute),
		execTimeout:      m.store.SettingDuration("execution_timeout_seconds", 20*time.Minute),
		reconnectBudget:  m.store.SettingDuration("reconnect_budget_seconds", 10*time.Minute),
	}
}

func (m *Manager) renderer() Renderer {
	url := m.store.Setting("comfyui_url", "http://127.0.0.1:8188")
	ns := m.store.Setting("lora_namespace", "")
	return m.newRenderer(url, ns)
}

// StartQueue enables dispatch. Idempotent.
func (m *Manager) StartQueue() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		m.active = true
		m.logger.Info("queue processing started")
	}
}

// StopQueue disables dispatch after the current segment settles.
func (m *Manager) StopQueue() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		m.active = false
		m.logger.Info("queue processing stopped")
	}
}

// Active reports whether dispatch is enabled.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// CurrentJobID returns the job being processed, or 0.
func (m *Manager) CurrentJobID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentJobID
}

func (m *Manager) setCurrent(id int64) {
	m.mu.Lock()
	m.currentJobID = id
	m.mu.Unlock()
}

// Run is the dispatch loop. It returns when ctx is cancelled, after
// any in-flight monitors drain.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.loadTunables().pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return
		case <-ticker.C:
		}
		if !m.Active() {
			continue
		}
		m.dispatchNext(ctx)
	}
}

// dispatchNext picks the highest-priority pending job and runs it to
// its next resting state (awaiting_prompt, completed, failed or
// cancelled).
func (m *Manager) dispatchNext(ctx context.Context) {
	jobs, err := m.store.GetPendingJobs()
	if err != nil {
		m.logger.Error("listing pending jobs", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	job := jobs[0]
	m.setCurrent(job.ID)
	defer m.setCurrent(0)

	if err := m.processJob(ctx, job); err != nil {
		m.logger.Error("job processing aborted", "job_id", job.ID, "error", err)
	}
}
