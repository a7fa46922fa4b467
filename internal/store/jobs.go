package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// JobParams is the per-job parameter bag. Recognized keys are typed;
// anything else round-trips through Extra so older rows keep their data.
type JobParams struct {
	Width              int     `json:"width,omitempty"`
	Height             int     `json:"height,omitempty"`
	FPS                int     `json:"fps,omitempty"`
	SegmentDuration    int     `json:"segment_duration,omitempty"`
	Steps              int     `json:"steps,omitempty"`
	CFG                float64 `json:"cfg,omitempty"`
	Sampler            string  `json:"sampler,omitempty"`
	Scheduler          string  `json:"scheduler,omitempty"`
	Checkpoint         string  `json:"checkpoint,omitempty"`
	Denoise            float64 `json:"denoise,omitempty"`
	Seed               *int64  `json:"seed,omitempty"`
	FaceswapEnabled    bool    `json:"faceswap_enabled,omitempty"`
	FaceswapImage      string  `json:"faceswap_image,omitempty"`
	FaceswapFacesOrder string  `json:"faceswap_faces_order,omitempty"`
	FaceswapFacesIndex string  `json:"faceswap_faces_index,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// recognized parameter keys, kept in sync with the struct tags above.
var knownParamKeys = map[string]bool{
	"width": true, "height": true, "fps": true, "segment_duration": true,
	"steps": true, "cfg": true, "sampler": true, "scheduler": true,
	"checkpoint": true, "denoise": true, "seed": true, "faceswap_enabled": true,
	"faceswap_image": true, "faceswap_faces_order": true,
	"faceswap_faces_index": true,
}

// MarshalJSON folds Extra back into the flat object.
func (p JobParams) MarshalJSON() ([]byte, error) {
	type plain JobParams
	data, err := json.Marshal(plain(p))
	if err != nil {
		return nil, err
	}
	if len(p.Extra) == 0 {
		return data, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	for k, v := range p.Extra {
		if !knownParamKeys[k] {
			obj[k] = v
		}
	}
	return json.Marshal(obj)
}

// UnmarshalJSON captures unrecognized keys into Extra.
func (p *JobParams) UnmarshalJSON(data []byte) error {
	type plain JobParams
	if err := json.Unmarshal(data, (*plain)(p)); err != nil {
		return err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	for k, v := range obj {
		if knownParamKeys[k] {
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]json.RawMessage)
		}
		p.Extra[k] = v
	}
	return nil
}

// Job is one video generation job.
type Job struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Status         string    `json:"status"`
	Prompt         string    `json:"prompt"`
	NegativePrompt string    `json:"negative_prompt"`
	WorkflowType   string    `json:"workflow_type"`
	Params         JobParams `json:"parameters"`
	InputImage     string    `json:"input_image"`
	OutputMedia    []string  `json:"output_media"`
	PromptID       string    `json:"comfyui_prompt_id"`
	Priority       int       `json:"priority"`
	Seed           int64     `json:"seed"`
	Error          string    `json:"error_message"`
	CreatedAt      string    `json:"created_at"`
	StartedAt      string    `json:"started_at,omitempty"`
	CompletedAt    string    `json:"completed_at,omitempty"`
}

// randomSeed returns a fresh non-negative 63-bit seed.
func randomSeed() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(buf[:]) >> 1)
}

// CreateJob inserts a new pending job at the bottom of the queue and
// returns its id. The seed is fixed at creation: every segment of the
// job samples with it.
func (s *Store) CreateJob(j *Job) (int64, error) {
	if j.Status == "" {
		j.Status = JobPending
	}
	if j.WorkflowType == "" {
		j.WorkflowType = "i2v"
	}
	if j.Params.Seed != nil {
		j.Seed = *j.Params.Seed
	}
	if j.Seed == 0 {
		j.Seed = randomSeed()
	}

	paramsJSON, err := json.Marshal(j.Params)
	if err != nil {
		return 0, fmt.Errorf("marshal parameters: %w", err)
	}

	var id int64
	err = runTransaction(s.DB, func(tx *sql.Tx) error {
		var maxPriority sql.NullInt64
		if err := tx.QueryRow(`SELECT MAX(priority) FROM jobs`).Scan(&maxPriority); err != nil {
			return err
		}
		j.Priority = int(maxPriority.Int64) + 1
		j.CreatedAt = now()

		res, err := tx.Exec(`
			INSERT INTO jobs (name, status, prompt, negative_prompt, workflow_type,
				parameters, input_image, priority, seed, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, j.Name, j.Status, j.Prompt, j.NegativePrompt, j.WorkflowType,
			string(paramsJSON), j.InputImage, j.Priority, j.Seed, j.CreatedAt)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("create job: %w", err)
	}
	j.ID = id
	return id, nil
}

const jobColumns = `id, name, status, prompt, negative_prompt, workflow_type,
	parameters, input_image, output_media, comfyui_prompt_id, priority, seed,
	error_message, created_at, COALESCE(started_at, ''), COALESCE(completed_at, '')`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var paramsJSON, outputJSON string
	err := row.Scan(&j.ID, &j.Name, &j.Status, &j.Prompt, &j.NegativePrompt,
		&j.WorkflowType, &paramsJSON, &j.InputImage, &outputJSON, &j.PromptID,
		&j.Priority, &j.Seed, &j.Error, &j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &j.Params); err != nil {
			return nil, fmt.Errorf("parse parameters for job %d: %w", j.ID, err)
		}
	}
	if outputJSON != "" {
		if err := json.Unmarshal([]byte(outputJSON), &j.OutputMedia); err != nil {
			return nil, fmt.Errorf("parse output media for job %d: %w", j.ID, err)
		}
	}
	return &j, nil
}

// GetJob returns a job by id, or nil when it does not exist.
func (s *Store) GetJob(id int64) (*Job, error) {
	j, err := scanJob(s.DB.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

// GetAllJobs returns jobs ordered newest first.
func (s *Store) GetAllJobs(limit, offset int) ([]*Job, error) {
	rows, err := s.DB.Query(
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// GetPendingJobs returns pending jobs in dispatch order.
func (s *Store) GetPendingJobs() ([]*Job, error) {
	rows, err := s.DB.Query(
		`SELECT ` + jobColumns + ` FROM jobs WHERE status = 'pending'
		 ORDER BY priority ASC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// JobsByStatus returns jobs with the given status.
func (s *Store) JobsByStatus(status string) ([]*Job, error) {
	rows, err := s.DB.Query(
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY id ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// JobUpdate carries the optional fields of UpdateJobStatus. A non-nil
// Error of "" clears the stored error message.
type JobUpdate struct {
	Error       *string
	PromptID    *string
	OutputMedia []string
}

// StrPtr is a convenience for building JobUpdate / SegmentUpdate values.
func StrPtr(s string) *string { return &s }

// UpdateJobStatus sets the job status and bookkeeping timestamps:
// started_at on the transition to running, completed_at on a terminal
// status.
func (s *Store) UpdateJobStatus(id int64, status string, upd *JobUpdate) error {
	set := []string{"status = ?"}
	args := []any{status}

	if status == JobRunning {
		set = append(set, "started_at = ?")
		args = append(args, now())
	}
	if status == JobCompleted || status == JobFailed || status == JobCancelled {
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
		if upd.OutputMedia != nil {
			outputJSON, err := json.Marshal(upd.OutputMedia)
			if err != nil {
				return fmt.Errorf("marshal output media: %w", err)
			}
			set = append(set, "output_media = ?")
			args = append(args, string(outputJSON))
		}
	}
	args = append(args, id)

	query := "UPDATE jobs SET "
	for i, clause := range set {
		if i > 0 {
			query += ", "
		}
		query += clause
	}
	query += " WHERE id = ?"

	if _, err := s.DB.Exec(query, args...); err != nil {
		return fmt.Errorf("update job %d status: %w", id, err)
	}
	return nil
}

// UpdateJobParameters replaces the editable fields of a job. Permitted
// only while the job is pending or awaiting a prompt; returns false
// without touching the row otherwise.
func (s *Store) UpdateJobParameters(id int64, name, prompt, negativePrompt string, params JobParams) (bool, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return false, fmt.Errorf("marshal parameters: %w", err)
	}

	res, err := s.DB.Exec(`
		UPDATE jobs SET name = ?, prompt = ?, negative_prompt = ?, parameters = ?
		WHERE id = ? AND status IN ('pending', 'awaiting_prompt')
	`, name, prompt, negativePrompt, string(paramsJSON), id)
	if err != nil {
		return false, fmt.Errorf("update job %d parameters: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteJob removes a job; segments and logs cascade.
func (s *Store) DeleteJob(id int64) (bool, error) {
	res, err := s.DB.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete job %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MoveJobUp swaps the job's priority with the pending job immediately
// above it. No-op when the job is already at the top or not pending.
func (s *Store) MoveJobUp(id int64) error {
	return s.swapPriority(id, true)
}

// MoveJobDown swaps with the pending job immediately below.
func (s *Store) MoveJobDown(id int64) error {
	return s.swapPriority(id, false)
}

func (s *Store) swapPriority(id int64, up bool) error {
	return runTransaction(s.DB, func(tx *sql.Tx) error {
		var priority int
		err := tx.QueryRow(
			`SELECT priority FROM jobs WHERE id = ? AND status = 'pending'`, id,
		).Scan(&priority)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}

		// Immediate pending neighbor in the requested direction.
		var neighborID int64
		var neighborPriority int
		if up {
			err = tx.QueryRow(`
				SELECT id, priority FROM jobs
				WHERE status = 'pending' AND priority < ?
				ORDER BY priority DESC LIMIT 1
			`, priority).Scan(&neighborID, &neighborPriority)
		} else {
			err = tx.QueryRow(`
				SELECT id, priority FROM jobs
				WHERE status = 'pending' AND priority > ?
				ORDER BY priority ASC LIMIT 1
			`, priority).Scan(&neighborID, &neighborPriority)
		}
		if err == sql.ErrNoRows {
			return nil // already at the extreme
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(`UPDATE jobs SET priority = ? WHERE id = ?`, neighborPriority, id); err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE jobs SET priority = ? WHERE id = ?`, priority, neighborID)
		return err
	})
}

// MoveJobToBottom pushes the job after every other job in the queue.
func (s *Store) MoveJobToBottom(id int64) error {
	return runTransaction(s.DB, func(tx *sql.Tx) error {
		var maxPriority sql.NullInt64
		if err := tx.QueryRow(`SELECT MAX(priority) FROM jobs`).Scan(&maxPriority); err != nil {
			return err
		}
		_, err := tx.Exec(`UPDATE jobs SET priority = ? WHERE id = ?`,
			maxPriority.Int64+1, id)
		return err
	})
}
