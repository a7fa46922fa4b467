package store

import (
	"database/sql"
	"fmt"
)

// Log levels for the activity log.
const (
	LogInfo  = "INFO"
	LogWarn  = "WARN"
	LogError = "ERROR"
)

// JobLog is one activity log entry. SegmentIndex is nil for job-level
// entries.
type JobLog struct {
	ID           int64  `json:"id"`
	JobID        int64  `json:"job_id"`
	SegmentIndex *int   `json:"segment_index,omitempty"`
	Level        string `json:"level"`
	Message      string `json:"message"`
	Detail       string `json:"detail,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// AppendJobLog records an activity log entry for a job.
func (s *Store) AppendJobLog(jobID int64, segmentIndex *int, level, message, detail string) error {
	var segVal any
	if segmentIndex != nil {
		segVal = *segmentIndex
	}
	_, err := s.DB.Exec(`
		INSERT INTO job_logs (job_id, segment_index, level, message, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, jobID, segVal, level, message, detail, now())
	if err != nil {
		return fmt.Errorf("append job log: %w", err)
	}
	return nil
}

// JobLogs returns the newest entries for a job, oldest first.
func (s *Store) JobLogs(jobID int64, limit int) ([]*JobLog, error) {
	rows, err := s.DB.Query(`
		SELECT id, job_id, segment_index, level, message, detail, created_at
		FROM job_logs WHERE job_id = ?
		ORDER BY id DESC LIMIT ?
	`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*JobLog
	for rows.Next() {
		var l JobLog
		var seg sql.NullInt64
		if err := rows.Scan(&l.ID, &l.JobID, &seg, &l.Level, &l.Message, &l.Detail, &l.CreatedAt); err != nil {
			return nil, err
		}
		if seg.Valid {
			idx := int(seg.Int64)
			l.SegmentIndex = &idx
		}
		logs = append(logs, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order.
	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}
	return logs, nil
}
