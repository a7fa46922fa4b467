package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// LoraRef is one LoRA adapter with its strength.
type LoraRef struct {
	File   string  `json:"file"`
	Weight float64 `json:"weight"`
}

// parseLoraSlot accepts the three historical on-disk formats: a plain
// filename, a JSON array of filenames, and a JSON array of {file,weight}
// objects. Writes always use the object form.
func parseLoraSlot(raw string) []LoraRef {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "[]" || raw == "null" {
		return nil
	}

	var refs []LoraRef
	if err := json.Unmarshal([]byte(raw), &refs); err == nil {
		return refs
	}

	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err == nil {
		for _, name := range names {
			refs = append(refs, LoraRef{File: name, Weight: 1.0})
		}
		return refs
	}

	// Oldest format: bare filename.
	return []LoraRef{{File: raw, Weight: 1.0}}
}

func marshalLoraSlot(refs []LoraRef) string {
	if len(refs) == 0 {
		return "[]"
	}
	data, err := json.Marshal(refs)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// Segment is one clip of a job's chain, identified by (job id, index).
type Segment struct {
	JobID         int64     `json:"job_id"`
	Index         int       `json:"segment_index"`
	Status        string    `json:"status"`
	Prompt        string    `json:"prompt"`
	StartImage    string    `json:"start_image"`
	EndFrame      string    `json:"end_frame"`
	VideoPath     string    `json:"video_path"`
	PromptID      string    `json:"comfyui_prompt_id"`
	ExecutionTime *float64  `json:"execution_time,omitempty"`
	HighLoras     []LoraRef `json:"high_loras"`
	LowLoras      []LoraRef `json:"low_loras"`
	Error         string    `json:"error_message"`
	CreatedAt     string    `json:"created_at"`
	CompletedAt   string    `json:"completed_at,omitempty"`
}

const segmentColumns = `job_id, segment_index, status, COALESCE(prompt, ''),
	start_image, end_frame, video_path, comfyui_prompt_id, execution_time,
	high_loras, low_loras, error_message, created_at, COALESCE(completed_at, '')`

func scanSegment(row interface{ Scan(...any) error }) (*Segment, error) {
	var seg Segment
	var execTime sql.NullFloat64
	var highRaw, lowRaw string
	err := row.Scan(&seg.JobID, &seg.Index, &seg.Status, &seg.Prompt,
		&seg.StartImage, &seg.EndFrame, &seg.VideoPath, &seg.PromptID,
		&execTime, &highRaw, &lowRaw, &seg.Error, &seg.CreatedAt, &seg.CompletedAt)
	if err != nil {
		return nil, err
	}
	if execTime.Valid {
		seg.ExecutionTime = &execTime.Float64
	}
	seg.HighLoras = parseLoraSlot(highRaw)
	seg.LowLoras = parseLoraSlot(lowRaw)
	return &seg, nil
}

// CreateFirstSegment creates segment 0, seeded with the job's input
// image and initial prompt.
func (s *Store) CreateFirstSegment(jobID int64, prompt, startImage string, highLoras, lowLoras []LoraRef) error {
	_, err := s.DB.Exec(`
		INSERT INTO job_segments (job_id, segment_index, status, prompt,
			start_image, high_loras, low_loras, created_at)
		VALUES (?, 0, 'pending', ?, ?, ?, ?, ?)
	`, jobID, prompt, startImage, marshalLoraSlot(highLoras), marshalLoraSlot(lowLoras), now())
	if err != nil {
		return fmt.Errorf("create first segment for job %d: %w", jobID, err)
	}
	return nil
}

// CreateNextSegment appends a segment after the current highest index.
// Its start image is chained from the previous segment's end frame when
// that segment already completed. Returns the new index.
func (s *Store) CreateNextSegment(jobID int64, prompt string, highLoras, lowLoras []LoraRef) (int, error) {
	var index int
	err := runTransaction(s.DB, func(tx *sql.Tx) error {
		var maxIndex sql.NullInt64
		err := tx.QueryRow(
			`SELECT MAX(segment_index) FROM job_segments WHERE job_id = ?`, jobID,
		).Scan(&maxIndex)
		if err != nil {
			return err
		}
		if !maxIndex.Valid {
			return fmt.Errorf("job %d has no segments", jobID)
		}
		index = int(maxIndex.Int64) + 1

		var startImage string
		err = tx.QueryRow(`
			SELECT end_frame FROM job_segments
			WHERE job_id = ? AND segment_index = ? AND status = 'completed'
		`, jobID, maxIndex.Int64).Scan(&startImage)
		if err != nil && err != sql.ErrNoRows {
			return err
		}

		_, err = tx.Exec(`
			INSERT INTO job_segments (job_id, segment_index, status, prompt,
				start_image, high_loras, low_loras, created_at)
			VALUES (?, ?, 'pending', ?, ?, ?, ?, ?)
		`, jobID, index, prompt, startImage,
			marshalLoraSlot(highLoras), marshalLoraSlot(lowLoras), now())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("create next segment for job %d: %w", jobID, err)
	}
	return index, nil
}

// GetJobSegments returns a job's segments ordered by index.
func (s *Store) GetJobSegments(jobID int64) ([]*Segment, error) {
	rows, err := s.DB.Query(
		`SELECT `+segmentColumns+` FROM job_segments
		 WHERE job_id = ? ORDER BY segment_index ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []*Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// GetSegment returns one segment, or nil when absent.
func (s *Store) GetSegment(jobID int64, index int) (*Segment, error) {
	seg, err := scanSegment(s.DB.QueryRow(
		`SELECT `+segmentColumns+` FROM job_segments
		 WHERE job_id = ? AND segment_index = ?`, jobID, index))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return seg, err
}

// GetNextPendingSegment returns the lowest-index pending segment of a
// job, or nil when none remains.
func (s *Store) GetNextPendingSegment(jobID int64) (*Segment, error) {
	seg, err := scanSegment(s.DB.QueryRow(
		`SELECT `+segmentColumns+` FROM job_segments
		 WHERE job_id = ? AND status = 'pending'
		 ORDER BY segment_index ASC LIMIT 1`, jobID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return seg, err
}

// SegmentUpdate carries the optional fields of UpdateSegmentStatus.
type SegmentUpdate struct {
	Error         *string
	PromptID      *string
	VideoPath     *string
	EndFrame      *string
	ExecutionTime *float64
}

// UpdateSegmentStatus sets the segment status; only the named optional
// fields change. completed_at is stamped on the completed transition.
func (s *Store) UpdateSegmentStatus(jobID int64, index int, status string, upd *SegmentUpdate) error {
	set := []string{"status = ?"}
	args := []any{status}

	if status == SegmentCompleted {
		set = append(set, "completed_at = ?")
		args = append(args, now())
	}
	if upd != nil {
		if upd.Error != nil {
			set = append(set, "error_message = ?")
			args = append(args, *upd.Error)
		}
		if upd.PromptID != nil {
			set = append(set, "comfyui_prompt_id = ?")
			args = append(args, *upd.PromptID)
		}
		if upd.VideoPath != nil {
			set = append(set, "video_path = ?")
			args = append(args, *upd.VideoPath)
		}
		if upd.EndFrame != nil {
			set = append(set, "end_frame = ?")
			args = append(args, *upd.EndFrame)
		}
		if upd.ExecutionTime != nil {
			set = append(set, "execution_time = ?")
			args = append(args, *upd.ExecutionTime)
		}
	}
	args = append(args, jobID, index)

	query := "UPDATE job_segments SET " + strings.Join(set, ", ") +
		" WHERE job_id = ? AND segment_index = ?"
	if _, err := s.DB.Exec(query, args...); err != nil {
		return fmt.Errorf("update segment %d/%d: %w", jobID, index, err)
	}
	return nil
}

// UpdateSegmentPrompt sets the prompt and optional LoRA slots of a
// segment.
func (s *Store) UpdateSegmentPrompt(jobID int64, index int, prompt string, highLoras, lowLoras []LoraRef) error {
	_, err := s.DB.Exec(`
		UPDATE job_segments SET prompt = ?, high_loras = ?, low_loras = ?
		WHERE job_id = ? AND segment_index = ?
	`, prompt, marshalLoraSlot(highLoras), marshalLoraSlot(lowLoras), jobID, index)
	if err != nil {
		return fmt.Errorf("update segment %d/%d prompt: %w", jobID, index, err)
	}
	return nil
}

// UpdateSegmentStartImage sets a segment's start image. Returns false
// when the segment does not exist yet; chaining treats that as a no-op
// because the start image is copied forward at creation time.
func (s *Store) UpdateSegmentStartImage(jobID int64, index int, startImage string) (bool, error) {
	res, err := s.DB.Exec(`
		UPDATE job_segments SET start_image = ?
		WHERE job_id = ? AND segment_index = ?
	`, startImage, jobID, index)
	if err != nil {
		return false, fmt.Errorf("update segment %d/%d start image: %w", jobID, index, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteSegment removes a segment unconditionally; the caller enforces
// the only-highest-index-while-awaiting-prompt policy.
func (s *Store) DeleteSegment(jobID int64, index int) (bool, error) {
	res, err := s.DB.Exec(
		`DELETE FROM job_segments WHERE job_id = ? AND segment_index = ?`,
		jobID, index)
	if err != nil {
		return false, fmt.Errorf("delete segment %d/%d: %w", jobID, index, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CompletedSegmentCount returns how many segments of a job completed.
func (s *Store) CompletedSegmentCount(jobID int64) (int, error) {
	var count int
	err := s.DB.QueryRow(`
		SELECT COUNT(*) FROM job_segments
		WHERE job_id = ? AND status = 'completed'
	`, jobID).Scan(&count)
	return count, err
}

// RunningSegments returns every segment in running state across all
// jobs, for the startup reconciler.
func (s *Store) RunningSegments() ([]*Segment, error) {
	rows, err := s.DB.Query(
		`SELECT ` + segmentColumns + ` FROM job_segments
		 WHERE status = 'running' ORDER BY job_id, segment_index`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []*Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// SegmentsNeedingRecovery returns every needs_recovery segment.
func (s *Store) SegmentsNeedingRecovery() ([]*Segment, error) {
	rows, err := s.DB.Query(
		`SELECT ` + segmentColumns + ` FROM job_segments
		 WHERE status = 'needs_recovery' ORDER BY job_id, segment_index`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segments []*Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// ResetNonCompletedSegments flips every segment of the job that is not
// completed back to pending and clears its error. Used by retry so the
// job resumes mid-chain.
func (s *Store) ResetNonCompletedSegments(jobID int64) error {
	_, err := s.DB.Exec(`
		UPDATE job_segments SET status = 'pending', error_message = ''
		WHERE job_id = ? AND status != 'completed'
	`, jobID)
	if err != nil {
		return fmt.Errorf("reset segments for job %d: %w", jobID, err)
	}
	return nil
}
