package store

// Schema contains the complete DDL for the queue manager tables.
const Schema = `
-- Jobs: one row per video generation job
CREATE TABLE IF NOT EXISTS jobs (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    name            TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'pending',
    prompt          TEXT NOT NULL DEFAULT '',
    negative_prompt TEXT NOT NULL DEFAULT '',
    workflow_type   TEXT NOT NULL DEFAULT 'i2v',
    parameters      TEXT NOT NULL DEFAULT '{}',
    input_image     TEXT NOT NULL DEFAULT '',
    output_media    TEXT NOT NULL DEFAULT '[]',
    comfyui_prompt_id TEXT NOT NULL DEFAULT '',
    priority        INTEGER NOT NULL DEFAULT 0,
    seed            INTEGER NOT NULL DEFAULT 0,
    error_message   TEXT NOT NULL DEFAULT '',
    created_at      TEXT NOT NULL,
    started_at      TEXT,
    completed_at    TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, priority, created_at);

-- Segments: ordered chain of short clips within a job
CREATE TABLE IF NOT EXISTS job_segments (
    job_id          INTEGER NOT NULL,
    segment_index   INTEGER NOT NULL,
    status          TEXT NOT NULL DEFAULT 'pending',
    prompt          TEXT,
    start_image     TEXT NOT NULL DEFAULT '',
    end_frame       TEXT NOT NULL DEFAULT '',
    video_path      TEXT NOT NULL DEFAULT '',
    comfyui_prompt_id TEXT NOT NULL DEFAULT '',
    execution_time  REAL,
    high_loras      TEXT NOT NULL DEFAULT '[]',
    low_loras       TEXT NOT NULL DEFAULT '[]',
    error_message   TEXT NOT NULL DEFAULT '',
    created_at      TEXT NOT NULL,
    completed_at    TEXT,
    PRIMARY KEY (job_id, segment_index),
    FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
);

-- Settings: runtime tunables (key/value)
CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Upload dedup index: content hash -> ComfyUI input filename
CREATE TABLE IF NOT EXISTS uploaded_images (
    content_hash      TEXT PRIMARY KEY,
    comfyui_filename  TEXT NOT NULL,
    original_filename TEXT NOT NULL DEFAULT '',
    uploaded_at       TEXT NOT NULL
);

-- Activity log: append-only, cascade-deleted with the job
CREATE TABLE IF NOT EXISTS job_logs (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id        INTEGER NOT NULL,
    segment_index INTEGER,
    level         TEXT NOT NULL DEFAULT 'INFO',
    message       TEXT NOT NULL,
    detail        TEXT NOT NULL DEFAULT '',
    created_at    TEXT NOT NULL,
    FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_job_logs_job ON job_logs(job_id, id);

-- LoRA library metadata (browsing collaborator)
CREATE TABLE IF NOT EXISTS lora_library (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    filename    TEXT NOT NULL UNIQUE,
    display_name TEXT NOT NULL DEFAULT '',
    trigger_words TEXT NOT NULL DEFAULT '',
    notes       TEXT NOT NULL DEFAULT '',
    preview_url TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL
);

-- Hidden LoRAs: filenames excluded from the picker
CREATE TABLE IF NOT EXISTS hidden_loras (
    filename  TEXT PRIMARY KEY,
    hidden_at TEXT NOT NULL
);

-- Image ratings for the local image repository browser
CREATE TABLE IF NOT EXISTS image_ratings (
    image_path TEXT PRIMARY KEY,
    rating     INTEGER,
    updated_at TEXT NOT NULL
);
`

// defaultSettings are seeded once; existing values are never overwritten.
var defaultSettings = map[string]string{
	"comfyui_url":                  "http://127.0.0.1:8188",
	"default_negative_prompt":      "",
	"default_width":                "640",
	"default_height":               "640",
	"default_fps":                  "16",
	"default_segment_duration":     "5",
	"high_noise_model":             "wan2.2_i2v_high_noise_14B_fp16.safetensors",
	"low_noise_model":              "wan2.2_i2v_low_noise_14B_fp16.safetensors",
	"lora_namespace":               "wan2.2/",
	"auto_start_queue":             "true",
	"image_repo_path":              "",
	"poll_interval_seconds":        "2",
	"status_poll_interval_seconds": "1",
	"queue_wait_timeout_seconds":   "1800",
	"execution_timeout_seconds":    "1200",
	"reconnect_budget_seconds":     "600",
}
