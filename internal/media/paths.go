// Package media handles local artifact files: downloading segment
// renders, extracting chain frames with ffmpeg, and stitching the
// final video.
package media

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/DavidJBarnes/wan22-video-generator/internal/workflow"
)

// Layout maps jobs and segments to paths under a single output root.
type Layout struct {
	Root string
}

// JobDir is the per-job artifact directory.
func (l Layout) JobDir(jobID int64) string {
	return filepath.Join(l.Root, fmt.Sprintf("job_%d", jobID))
}

// SegmentVideoPath is where a segment's rendered video lands.
func (l Layout) SegmentVideoPath(jobID int64, segmentIndex int) string {
	return filepath.Join(l.JobDir(jobID), fmt.Sprintf("segment_%d.mp4", segmentIndex))
}

// SegmentFramePath is where a segment's extracted last frame lands.
func (l Layout) SegmentFramePath(jobID int64, segmentIndex int) string {
	return filepath.Join(l.JobDir(jobID), fmt.Sprintf("segment_%d_last_frame.jpg", segmentIndex))
}

// SegmentStillPath is where a checkpoint workflow's rendered image lands.
func (l Layout) SegmentStillPath(jobID int64, segmentIndex int) string {
	return filepath.Join(l.JobDir(jobID), fmt.Sprintf("segment_%d.png", segmentIndex))
}

// FinalVideoPath names the stitched output after the job, timestamped
// so reruns never clobber an earlier result.
func (l Layout) FinalVideoPath(jobName string, at time.Time) string {
	stamp := at.UTC().Format("20060102_150405")
	return filepath.Join(l.Root, fmt.Sprintf("%s_%s.mp4", workflow.SanitizePrefix(jobName), stamp))
}
