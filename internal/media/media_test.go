package media

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testPipeline(t *testing.T) *Pipeline {
	t.Helper()
	return NewPipeline(t.TempDir(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func TestLayoutPaths(t *testing.T) {
	l := Layout{Root: "/out"}
	if got := l.SegmentVideoPath(7, 2); got != filepath.Join("/out", "job_7", "segment_2.mp4") {
		t.Errorf("video path = %q", got)
	}
	if got := l.SegmentFramePath(7, 2); got != filepath.Join("/out", "job_7", "segment_2_last_frame.jpg") {
		t.Errorf("frame path = %q", got)
	}
	at := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	if got := l.FinalVideoPath("My Job!", at); got != filepath.Join("/out", "My_Job_20260825_103000.mp4") {
		t.Errorf("final path = %q", got)
	}
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "video-bytes")
	}))
	defer srv.Close()

	p := testPipeline(t)
	dest := filepath.Join(p.Layout.Root, "job_1", "segment_0.mp4")
	if err := p.Download(context.Background(), srv.URL, dest); err != nil {
		t.Fatalf("Download: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if string(data) != "video-bytes" {
		t.Errorf("content = %q", data)
	}
	// No temp files linger.
	entries, _ := os.ReadDir(filepath.Dir(dest))
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want 1", len(entries))
	}
}

func TestDownloadBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	p := testPipeline(t)
	dest := filepath.Join(p.Layout.Root, "missing.mp4")
	if err := p.Download(context.Background(), srv.URL, dest); err == nil {
		t.Fatal("Download accepted a 404")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}
}

func TestExtractLastFrame(t *testing.T) {
	p := testPipeline(t)
	video := filepath.Join(p.Layout.Root, "in.mp4")
	frame := filepath.Join(p.Layout.Root, "frame.jpg")
	os.WriteFile(video, []byte("fake"), 0o644)

	var gotArgs []string
	p.runFFmpeg = func(ctx context.Context, args []string) error {
		gotArgs = args
		return os.WriteFile(frame, []byte("jpeg"), 0o644)
	}
	if err := p.ExtractLastFrame(context.Background(), video, frame); err != nil {
		t.Fatalf("ExtractLastFrame: %v", err)
	}

	joined := strings.Join(gotArgs, " ")
	for _, want := range []string{"-sseof -0.1", "-frames:v 1", "-q:v 2", video, frame} {
		if !strings.Contains(joined, want) {
			t.Errorf("ffmpeg args missing %q: %s", want, joined)
		}
	}
}

func TestExtractLastFrameFailureCleansUp(t *testing.T) {
	p := testPipeline(t)
	frame := filepath.Join(p.Layout.Root, "frame.jpg")
	p.runFFmpeg = func(ctx context.Context, args []string) error {
		os.WriteFile(frame, []byte("partial"), 0o644)
		return fmt.Errorf("exit status 1")
	}
	if err := p.ExtractLastFrame(context.Background(), "in.mp4", frame); err == nil {
		t.Fatal("failure not reported")
	}
	if _, err := os.Stat(frame); !os.IsNotExist(err) {
		t.Error("partial frame left behind")
	}
}

func TestStitchSingleSegmentCopies(t *testing.T) {
	p := testPipeline(t)
	seg := filepath.Join(p.Layout.Root, "segment_0.mp4")
	os.WriteFile(seg, []byte("only-segment"), 0o644)
	dest := filepath.Join(p.Layout.Root, "final.mp4")

	p.runFFmpeg = func(ctx context.Context, args []string) error {
		t.Error("ffmpeg invoked for a single segment")
		return nil
	}
	if err := p.Stitch(context.Background(), []string{seg}, dest); err != nil {
		t.Fatalf("Stitch: %v", err)
	}
	data, _ := os.ReadFile(dest)
	if string(data) != "only-segment" {
		t.Errorf("dest content = %q", data)
	}
}

func TestStitchConcat(t *testing.T) {
	p := testPipeline(t)
	var segs []string
	for i := 0; i < 3; i++ {
		seg := filepath.Join(p.Layout.Root, fmt.Sprintf("segment_%d.mp4", i))
		os.WriteFile(seg, []byte("x"), 0o644)
		segs = append(segs, seg)
	}
	dest := filepath.Join(p.Layout.Root, "final.mp4")

	var manifest string
	p.runFFmpeg = func(ctx context.Context, args []string) error {
		joined := strings.Join(args, " ")
		for _, want := range []string{"-f concat", "-safe 0", "-c copy"} {
			if !strings.Contains(joined, want) {
				t.Errorf("args missing %q: %s", want, joined)
			}
		}
		for i, a := range args {
			if a == "-i" && i+1 < len(args) {
				manifest = args[i+1]
			}
		}
		content, err := os.ReadFile(manifest)
		if err != nil {
			t.Fatalf("read manifest: %v", err)
		}
		lines := strings.Split(strings.TrimSpace(string(content)), "\n")
		if len(lines) != 3 {
			t.Errorf("manifest has %d lines: %s", len(lines), content)
		}
		if !strings.HasPrefix(lines[0], "file '") {
			t.Errorf("manifest line = %q", lines[0])
		}
		return os.WriteFile(dest, []byte("stitched"), 0o644)
	}

	if err := p.Stitch(context.Background(), segs, dest); err != nil {
		t.Fatalf("Stitch: %v", err)
	}
	if _, err := os.Stat(manifest); !os.IsNotExist(err) {
		t.Error("manifest not removed after stitch")
	}
}

func TestStitchMissingSegment(t *testing.T) {
	p := testPipeline(t)
	err := p.Stitch(context.Background(),
		[]string{filepath.Join(p.Layout.Root, "nope.mp4")},
		filepath.Join(p.Layout.Root, "final.mp4"))
	if err == nil {
		t.Fatal("missing segment accepted")
	}
}
