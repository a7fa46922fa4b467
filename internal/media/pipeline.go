package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Pipeline downloads renders and drives ffmpeg. The exec hook exists
// so tests can run without an ffmpeg binary.
type Pipeline struct {
	Layout     Layout
	FFmpegPath string
	HTTPClient *http.Client
	Logger     *slog.Logger

	runFFmpeg func(ctx context.Context, args []string) error
}

// NewPipeline returns a pipeline writing under root.
func NewPipeline(root string, logger *slog.Logger) *Pipeline {
	p := &Pipeline{
		Layout:     Layout{Root: root},
		FFmpegPath: "ffmpeg",
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		Logger:     logger,
	}
	p.runFFmpeg = p.execFFmpeg
	return p
}

// Download fetches a URL into dest. It writes to a temp file in the
// same directory and renames on success, so dest is never partial.
func (p *Pipeline) Download(ctx context.Context, url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("download %s: %w", dest, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("download %s: %w", dest, err)
	}
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", dest, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: status %d", dest, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return fmt.Errorf("download %s: %w", dest, err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("download %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("download %s: %w", dest, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("download %s: %w", dest, err)
	}
	p.Logger.Debug("downloaded artifact", "dest", dest)
	return nil
}

// ExtractLastFrame writes the final frame of a video as a JPEG.
// Seeking from the end avoids decoding the whole clip.
func (p *Pipeline) ExtractLastFrame(ctx context.Context, videoPath, framePath string) error {
	args := []string{
		"-y",
		"-sseof", "-0.1",
		"-i", videoPath,
		"-frames:v", "1",
		"-q:v", "2",
		framePath,
	}
	if err := p.runFFmpeg(ctx, args); err != nil {
		os.Remove(framePath)
		return fmt.Errorf("extract last frame of %s: %w", videoPath, err)
	}
	if fi, err := os.Stat(framePath); err != nil || fi.Size() == 0 {
		os.Remove(framePath)
		return fmt.Errorf("extract last frame of %s: empty output", videoPath)
	}
	return nil
}

// Stitch concatenates segment videos into dest without re-encoding.
// All segments come from the same workflow, so stream parameters match
// and the concat demuxer can copy. A single segment is just copied.
func (p *Pipeline) Stitch(ctx context.Context, segmentPaths []string, dest string) error {
	if len(segmentPaths) == 0 {
		return fmt.Errorf("stitch %s: no segments", dest)
	}
	for _, sp := range segmentPaths {
		if _, err := os.Stat(sp); err != nil {
			return fmt.Errorf("stitch %s: missing segment %s: %w", dest, sp, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("stitch %s: %w", dest, err)
	}

	if len(segmentPaths) == 1 {
		return copyFile(segmentPaths[0], dest)
	}

	manifest, err := writeConcatManifest(filepath.Dir(dest), segmentPaths)
	if err != nil {
		return fmt.Errorf("stitch %s: %w", dest, err)
	}
	defer os.Remove(manifest)

	args := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", manifest,
		"-c", "copy",
		dest,
	}
	if err := p.runFFmpeg(ctx, args); err != nil {
		os.Remove(dest)
		return fmt.Errorf("stitch %s: %w", dest, err)
	}
	p.Logger.Info("stitched final video", "dest", dest, "segments", len(segmentPaths))
	return nil
}

// writeConcatManifest emits the concat demuxer file list. Single quotes
// in paths are escaped the way the demuxer expects.
func writeConcatManifest(dir string, paths []string) (string, error) {
	f, err := os.CreateTemp(dir, "concat-*.txt")
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			f.Close()
			os.Remove(f.Name())
			return "", err
		}
		escaped := strings.ReplaceAll(abs, "'", `'\''`)
		fmt.Fprintf(&b, "file '%s'\n", escaped)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (p *Pipeline) execFFmpeg(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, p.FFmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 500 {
			msg = msg[len(msg)-500:]
		}
		return fmt.Errorf("ffmpeg %s: %w: %s", args[0], err, msg)
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("copy %s: %w", dest, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".copy-*")
	if err != nil {
		return fmt.Errorf("copy %s: %w", dest, err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("copy %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("copy %s: %w", dest, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("copy %s: %w", dest, err)
	}
	return nil
}
