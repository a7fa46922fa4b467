package comfy

import "encoding/json"

// Prompt states reported by PromptStatus.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusUnknown   = "unknown"
)

// NodeError is the per-node error detail ComfyUI attaches to a rejected
// submission.
type NodeError struct {
	ClassType string   `json:"class_type"`
	Errors    []any    `json:"errors"`
	Messages  []string `json:"-"`
}

// SubmitError is a structured rejection from POST /prompt.
type SubmitError struct {
	Message    string
	NodeErrors map[string]NodeError
}

func (e *SubmitError) Error() string {
	return e.Message
}

// submitResponse is the 200 body of POST /prompt.
type submitResponse struct {
	PromptID string `json:"prompt_id"`
}

// submitErrorBody is the non-2xx body of POST /prompt.
type submitErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	NodeErrors map[string]NodeError `json:"node_errors"`
}

// MediaRef is one output file reference in a history record.
type MediaRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// HistoryRecord is the per-prompt entry of GET /history/<id>.
type HistoryRecord struct {
	Status  historyStatus                  `json:"status"`
	Outputs map[string]map[string]json.RawMessage `json:"outputs"`
}

type historyStatus struct {
	StatusStr     string  `json:"status_str"`
	Completed     bool    `json:"completed"`
	ExecutionTime *float64 `json:"execution_time"`
	Messages      []json.RawMessage `json:"messages"`
}

// PromptResult is the outcome of one status poll.
type PromptResult struct {
	State  string
	Error  string
	Record *HistoryRecord
}

// QueueStatus mirrors GET /queue. Connected distinguishes "ComfyUI
// down" from "ComfyUI busy": a connection failure never raises, it
// clears the flag instead.
type QueueStatus struct {
	Running   []string
	Pending   []string
	Connected bool
	Error     string
}

// Contains reports whether a prompt id is anywhere in the queue.
func (q QueueStatus) Contains(promptID string) bool {
	for _, id := range q.Running {
		if id == promptID {
			return true
		}
	}
	for _, id := range q.Pending {
		if id == promptID {
			return true
		}
	}
	return false
}

// Total is the number of queued entries, running included.
func (q QueueStatus) Total() int {
	return len(q.Running) + len(q.Pending)
}

// queueBody is the raw GET /queue payload: entries are heterogeneous
// arrays whose second element is the prompt id.
type queueBody struct {
	QueueRunning [][]json.RawMessage `json:"queue_running"`
	QueuePending [][]json.RawMessage `json:"queue_pending"`
}
