package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DavidJBarnes/wan22-video-generator/internal/media"
	"github.com/DavidJBarnes/wan22-video-generator/internal/queue"
	"github.com/DavidJBarnes/wan22-video-generator/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	st := store.OpenMemory(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	mp := media.NewPipeline(t.TempDir(), logger)
	mgr := queue.NewManager(st, mp, logger)
	srv := httptest.NewServer(NewServer(st, mgr, logger).Router())
	t.Cleanup(srv.Close)
	return srv, st
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func createJobHTTP(t *testing.T, srv *httptest.Server) store.Job {
	t.Helper()
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/jobs", map[string]any{
		"name":        "beach scene",
		"prompt":      "waves on a beach",
		"input_image": "beach.png",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create job status = %d", resp.StatusCode)
	}
	var job store.Job
	decodeBody(t, resp, &job)
	return job
}

func TestCreateJobEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	job := createJobHTTP(t, srv)

	if job.Status != store.JobPending {
		t.Errorf("status = %q", job.Status)
	}
	if job.Seed == 0 {
		t.Error("seed missing in response")
	}
	segs, _ := st.GetJobSegments(job.ID)
	if len(segs) != 1 || segs[0].StartImage != "beach.png" {
		t.Errorf("first segment = %+v", segs)
	}
}

func TestCreateJobValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	tests := []map[string]any{
		{"prompt": "p", "input_image": "i.png"},
		{"name": "n", "input_image": "i.png"},
		{"name": "n", "prompt": "p"},
	}
	for _, body := range tests {
		resp := doJSON(t, http.MethodPost, srv.URL+"/api/jobs", body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %v: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/jobs/999")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestUpdateJobConflictWhileRunning(t *testing.T) {
	srv, st := newTestServer(t)
	job := createJobHTTP(t, srv)
	st.UpdateJobStatus(job.ID, store.JobRunning, nil)

	resp := doJSON(t, http.MethodPut, fmt.Sprintf("%s/api/jobs/%d", srv.URL, job.ID),
		map[string]any{"name": "renamed", "prompt": "new"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestDeleteRunningJobRejected(t *testing.T) {
	srv, st := newTestServer(t)
	job := createJobHTTP(t, srv)
	st.UpdateJobStatus(job.ID, store.JobRunning, nil)

	resp := doJSON(t, http.MethodDelete, fmt.Sprintf("%s/api/jobs/%d", srv.URL, job.ID), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestCancelRetryFlow(t *testing.T) {
	srv, st := newTestServer(t)
	job := createJobHTTP(t, srv)

	resp := doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/jobs/%d/cancel", srv.URL, job.ID), nil)
	var got store.Job
	decodeBody(t, resp, &got)
	if got.Status != store.JobCancelled {
		t.Errorf("after cancel, status = %q", got.Status)
	}

	// A cancelled job can go straight back into the queue.
	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/jobs/%d/retry", srv.URL, job.ID), nil)
	decodeBody(t, resp, &got)
	if got.Status != store.JobPending {
		t.Errorf("after retry of cancelled job, status = %q", got.Status)
	}

	st.UpdateJobStatus(job.ID, store.JobFailed, &store.JobUpdate{Error: store.StrPtr("boom")})
	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/jobs/%d/retry", srv.URL, job.ID), nil)
	decodeBody(t, resp, &got)
	if got.Status != store.JobPending {
		t.Errorf("after retry, status = %q", got.Status)
	}

	// Completed jobs still cannot retry.
	st.UpdateJobStatus(job.ID, store.JobCompleted, nil)
	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/jobs/%d/retry", srv.URL, job.ID), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("retry of completed job: status = %d, want 409", resp.StatusCode)
	}
}

func TestSegmentEndpoints(t *testing.T) {
	srv, st := newTestServer(t)
	job := createJobHTTP(t, srv)
	st.UpdateSegmentStatus(job.ID, 0, store.SegmentCompleted,
		&store.SegmentUpdate{EndFrame: store.StrPtr("f0.jpg")})
	st.UpdateJobStatus(job.ID, store.JobAwaitingPrompt, nil)

	resp := doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/jobs/%d/segments", srv.URL, job.ID),
		map[string]any{
			"prompt":     "the tide recedes",
			"high_loras": []map[string]any{{"file": "wan2.2/x_high.safetensors", "weight": 0.9}},
		})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add segment status = %d", resp.StatusCode)
	}
	var seg store.Segment
	decodeBody(t, resp, &seg)
	if seg.Index != 1 || seg.StartImage != "f0.jpg" {
		t.Errorf("segment = %+v", seg)
	}
	if len(seg.HighLoras) != 1 || seg.HighLoras[0].Weight != 0.9 {
		t.Errorf("high loras = %v", seg.HighLoras)
	}

	resp, err := http.Get(fmt.Sprintf("%s/api/jobs/%d/segments", srv.URL, job.ID))
	if err != nil {
		t.Fatal(err)
	}
	var segs []store.Segment
	decodeBody(t, resp, &segs)
	if len(segs) != 2 {
		t.Errorf("segments = %d, want 2", len(segs))
	}

	resp = doJSON(t, http.MethodDelete,
		fmt.Sprintf("%s/api/jobs/%d/segments/last", srv.URL, job.ID), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete last segment status = %d", resp.StatusCode)
	}
}

func TestQueueControlEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/queue/start", nil)
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/api/queue/status")
	if err != nil {
		t.Fatal(err)
	}
	var status struct {
		Active       bool  `json:"active"`
		CurrentJobID int64 `json:"current_job_id"`
	}
	decodeBody(t, resp, &status)
	if !status.Active {
		t.Error("queue not active after start")
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/queue/stop", nil)
	resp.Body.Close()
	resp, _ = http.Get(srv.URL + "/api/queue/status")
	decodeBody(t, resp, &status)
	if status.Active {
		t.Error("queue still active after stop")
	}
}

func TestSettingsEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPut, srv.URL+"/api/settings",
		map[string]string{"default_width": "768"})
	var settings map[string]string
	decodeBody(t, resp, &settings)
	if settings["default_width"] != "768" {
		t.Errorf("default_width = %q", settings["default_width"])
	}
	if settings["comfyui_url"] == "" {
		t.Error("seeded settings missing from response")
	}

	resp = doJSON(t, http.MethodPut, srv.URL+"/api/settings", map[string]string{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty settings put: status = %d", resp.StatusCode)
	}
}

// fakeComfy stands in for a ComfyUI instance behind the proxied
// endpoints.
func fakeComfy(t *testing.T, st *store.Store) *httptest.Server {
	t.Helper()
	uploads := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	})
	mux.HandleFunc("/models/loras", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `["wan2.2/a.safetensors", "other/b.safetensors"]`)
	})
	mux.HandleFunc("/upload/image", func(w http.ResponseWriter, r *http.Request) {
		uploads++
		fmt.Fprintf(w, `{"name": "upload_%d.png"}`, uploads)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	st.PutSetting("comfyui_url", srv.URL)
	return srv
}

func TestComfyProxies(t *testing.T) {
	srv, st := newTestServer(t)
	fakeComfy(t, st)

	resp, err := http.Get(srv.URL + "/api/comfyui/status")
	if err != nil {
		t.Fatal(err)
	}
	var status struct {
		Connected bool `json:"connected"`
	}
	decodeBody(t, resp, &status)
	if !status.Connected {
		t.Error("connected = false against fake ComfyUI")
	}

	resp, _ = http.Get(srv.URL + "/api/comfyui/loras")
	var loras []string
	decodeBody(t, resp, &loras)
	if len(loras) != 1 || loras[0] != "wan2.2/a.safetensors" {
		t.Errorf("loras = %v", loras)
	}
	// The proxy also syncs the local library.
	lib, _ := st.LoraLibrary()
	if len(lib) != 1 {
		t.Errorf("library = %d entries after sync", len(lib))
	}
}

func uploadImage(t *testing.T, srv *httptest.Server, content []byte) (string, bool) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "photo.png")
	if err != nil {
		t.Fatal(err)
	}
	part.Write(content)
	mw.Close()

	resp, err := http.Post(srv.URL+"/api/upload", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	var result struct {
		Filename     string `json:"filename"`
		Deduplicated bool   `json:"deduplicated"`
	}
	decodeBody(t, resp, &result)
	return result.Filename, result.Deduplicated
}

func TestUploadDedup(t *testing.T) {
	srv, st := newTestServer(t)
	fakeComfy(t, st)

	name1, dedup1 := uploadImage(t, srv, []byte("image-bytes"))
	if dedup1 {
		t.Error("first upload flagged as duplicate")
	}
	if name1 != "upload_1.png" {
		t.Errorf("first upload name = %q", name1)
	}

	name2, dedup2 := uploadImage(t, srv, []byte("image-bytes"))
	if !dedup2 {
		t.Error("identical content not deduplicated")
	}
	if name2 != name1 {
		t.Errorf("dedup returned %q, want %q", name2, name1)
	}

	name3, dedup3 := uploadImage(t, srv, []byte("different-bytes"))
	if dedup3 || name3 == name1 {
		t.Errorf("distinct content deduplicated: %q", name3)
	}
}

func TestImageSelect(t *testing.T) {
	srv, st := newTestServer(t)
	fakeComfy(t, st)

	repo := t.TempDir()
	if err := os.WriteFile(filepath.Join(repo, "cat.png"), []byte("cat-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	st.PutSetting("image_repo_path", repo)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/images/select",
		map[string]string{"path": "cat.png"})
	var result struct {
		Filename     string `json:"filename"`
		Deduplicated bool   `json:"deduplicated"`
	}
	decodeBody(t, resp, &result)
	if result.Filename != "upload_1.png" || result.Deduplicated {
		t.Errorf("select = %q dedup=%v", result.Filename, result.Deduplicated)
	}

	// Selecting the same file again hits the content-hash cache.
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/images/select",
		map[string]string{"path": "cat.png"})
	decodeBody(t, resp, &result)
	if result.Filename != "upload_1.png" || !result.Deduplicated {
		t.Errorf("reselect = %q dedup=%v", result.Filename, result.Deduplicated)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/images/select",
		map[string]string{"path": "../../etc/passwd"})
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Error("path traversal accepted")
	}
}

func TestImageRatingValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/images/rating",
		map[string]any{"path": "a.png", "rating": 9})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("rating 9 accepted: status = %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/images/rating",
		map[string]any{"path": "a.png", "rating": 4})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid rating rejected: status = %d", resp.StatusCode)
	}
}

func TestLoraLibraryEndpoints(t *testing.T) {
	srv, st := newTestServer(t)
	st.UpsertLora("wan2.2/style.safetensors")
	lib, _ := st.LoraLibrary()
	id := lib[0].ID

	resp := doJSON(t, http.MethodPut, fmt.Sprintf("%s/api/loras/%d", srv.URL, id),
		map[string]string{"display_name": "Style", "trigger_words": "styled scene"})
	var lora store.Lora
	decodeBody(t, resp, &lora)
	if lora.DisplayName != "Style" {
		t.Errorf("display name = %q", lora.DisplayName)
	}

	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/loras/%d/hide", srv.URL, id), nil)
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/api/loras/hidden")
	if err != nil {
		t.Fatal(err)
	}
	var hidden []string
	decodeBody(t, resp, &hidden)
	if len(hidden) != 1 || !strings.HasSuffix(hidden[0], "style.safetensors") {
		t.Errorf("hidden = %v", hidden)
	}

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/loras/restore",
		map[string]string{"filename": "wan2.2/style.safetensors"})
	resp.Body.Close()
	hiddenNames, _ := st.HiddenLoras()
	if len(hiddenNames) != 0 {
		t.Errorf("hidden after restore = %v", hiddenNames)
	}
}
