// Package comfy is a thin HTTP client for the ComfyUI API. It carries
// no retry policy; the queue manager owns polling and reconnect
// budgets.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client talks to one ComfyUI instance.
type Client struct {
	baseURL       string
	loraNamespace string
	client        *http.Client
	logger        *slog.Logger
}

// New creates a client for the ComfyUI at baseURL. loraNamespace
// restricts Loras() to a model subdirectory ("wan2.2/"); empty means
// no filtering.
func New(baseURL, loraNamespace string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		loraNamespace: loraNamespace,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// BaseURL returns the configured ComfyUI URL.
func (c *Client) BaseURL() string { return c.baseURL }

// CheckConnection reports whether ComfyUI answers on /system_stats.
func (c *Client) CheckConnection(ctx context.Context) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/system_stats", nil)
	if err != nil {
		return false, err.Error()
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, "connection refused - is ComfyUI running?"
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Sprintf("unexpected status: %d", resp.StatusCode)
	}
	return true, "connected"
}

// getJSON fetches path and decodes the body into out.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ComfyUI returned status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// objectInfoChoices extracts the choice list of a required input from
// GET /object_info/<class>. The payload nests the choices as the first
// element of the input spec array.
func (c *Client) objectInfoChoices(ctx context.Context, class, input string) ([]string, error) {
	var payload map[string]struct {
		Input struct {
			Required map[string][]json.RawMessage `json:"required"`
		} `json:"input"`
	}
	if err := c.getJSON(ctx, "/object_info/"+class, &payload); err != nil {
		return nil, err
	}

	spec, ok := payload[class].Input.Required[input]
	if !ok || len(spec) == 0 {
		return nil, nil
	}
	var choices []string
	if err := json.Unmarshal(spec[0], &choices); err != nil {
		return nil, fmt.Errorf("parse %s choices: %w", input, err)
	}
	return choices, nil
}

// Checkpoints lists the available checkpoint models.
func (c *Client) Checkpoints(ctx context.Context) ([]string, error) {
	return c.objectInfoChoices(ctx, "CheckpointLoaderSimple", "ckpt_name")
}

// Samplers lists the available sampler names.
func (c *Client) Samplers(ctx context.Context) ([]string, error) {
	return c.objectInfoChoices(ctx, "KSampler", "sampler_name")
}

// Schedulers lists the available scheduler names.
func (c *Client) Schedulers(ctx context.Context) ([]string, error) {
	return c.objectInfoChoices(ctx, "KSampler", "scheduler")
}

// Loras lists LoRA files under the configured namespace, sorted.
func (c *Client) Loras(ctx context.Context) ([]string, error) {
	var all []string
	if err := c.getJSON(ctx, "/models/loras", &all); err != nil {
		return nil, err
	}
	var filtered []string
	for _, name := range all {
		if c.loraNamespace == "" || strings.HasPrefix(name, c.loraNamespace) {
			filtered = append(filtered, name)
		}
	}
	sort.Strings(filtered)
	return filtered, nil
}

// UploadImage posts image bytes to ComfyUI's input namespace and
// returns the filename ComfyUI assigned.
func (c *Client) UploadImage(ctx context.Context, data []byte, filename string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/upload/image", &body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ComfyUI upload returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if result.Name == "" {
		return "", fmt.Errorf("no filename in upload response")
	}

	c.logger.Debug("Image uploaded", "filename", result.Name, "size", len(data))
	return result.Name, nil
}

// SubmitWorkflow posts a workflow graph to the queue and returns the
// prompt id. A rejection comes back as *SubmitError with per-node
// details when ComfyUI supplied them.
func (c *Client) SubmitWorkflow(ctx context.Context, graph json.RawMessage) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"prompt":    graph,
		"client_id": uuid.NewString(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal prompt payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/prompt", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		var errBody submitErrorBody
		if json.Unmarshal(body, &errBody) == nil && errBody.Error.Message != "" {
			for nodeID, nodeErr := range errBody.NodeErrors {
				c.logger.Error("Node error in submitted workflow",
					"node_id", nodeID,
					"class_type", nodeErr.ClassType,
					"errors", fmt.Sprintf("%v", nodeErr.Errors))
			}
			return "", &SubmitError{
				Message:    errBody.Error.Message,
				NodeErrors: errBody.NodeErrors,
			}
		}
		return "", &SubmitError{Message: fmt.Sprintf("status %d: %s", resp.StatusCode, string(body))}
	}

	var result submitResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if result.PromptID == "" {
		return "", fmt.Errorf("no prompt_id in response")
	}
	return result.PromptID, nil
}

// PromptStatus polls GET /history/<id>. A transport failure returns an
// error; ComfyUI-reported states come back in the result.
func (c *Client) PromptStatus(ctx context.Context, promptID string) (PromptResult, error) {
	var history map[string]HistoryRecord
	if err := c.getJSON(ctx, "/history/"+promptID, &history); err != nil {
		return PromptResult{State: StatusUnknown}, err
	}

	record, ok := history[promptID]
	if !ok {
		return PromptResult{State: StatusPending}, nil
	}
	if record.Status.StatusStr == "error" {
		return PromptResult{
			State:  StatusError,
			Error:  executionErrorMessage(record),
			Record: &record,
		}, nil
	}
	return PromptResult{State: StatusCompleted, Record: &record}, nil
}

// executionErrorMessage digs the human-readable error out of the
// history status messages.
func executionErrorMessage(record HistoryRecord) string {
	for _, raw := range record.Status.Messages {
		var msg []json.RawMessage
		if json.Unmarshal(raw, &msg) != nil || len(msg) < 2 {
			continue
		}
		var kind string
		if json.Unmarshal(msg[0], &kind) != nil || kind != "execution_error" {
			continue
		}
		var detail struct {
			NodeType         string `json:"node_type"`
			ExceptionMessage string `json:"exception_message"`
		}
		if json.Unmarshal(msg[1], &detail) == nil && detail.ExceptionMessage != "" {
			if detail.NodeType != "" {
				return fmt.Sprintf("%s: %s", detail.NodeType, detail.ExceptionMessage)
			}
			return detail.ExceptionMessage
		}
	}
	return "execution error"
}

// GetQueueStatus reads the ComfyUI queue. Connection loss is reported
// via the Connected flag, never as an error.
func (c *Client) GetQueueStatus(ctx context.Context) QueueStatus {
	var body queueBody
	if err := c.getJSON(ctx, "/queue", &body); err != nil {
		return QueueStatus{Connected: false, Error: err.Error()}
	}

	status := QueueStatus{Connected: true}
	status.Running = extractPromptIDs(body.QueueRunning)
	status.Pending = extractPromptIDs(body.QueuePending)
	return status
}

// extractPromptIDs pulls the prompt id (second element) out of the raw
// queue entries.
func extractPromptIDs(entries [][]json.RawMessage) []string {
	var ids []string
	for _, entry := range entries {
		if len(entry) < 2 {
			continue
		}
		var id string
		if json.Unmarshal(entry[1], &id) == nil && id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// OutputMedia lists resolvable /view URLs for every image, video and
// gif output of a completed prompt, in node order.
func (c *Client) OutputMedia(ctx context.Context, promptID string) ([]string, error) {
	result, err := c.PromptStatus(ctx, promptID)
	if err != nil {
		return nil, err
	}
	if result.State != StatusCompleted || result.Record == nil {
		return nil, nil
	}
	return c.MediaURLs(result.Record), nil
}

// MediaURLs builds /view URLs from an already-fetched history record.
func (c *Client) MediaURLs(record *HistoryRecord) []string {
	nodeIDs := make([]string, 0, len(record.Outputs))
	for nodeID := range record.Outputs {
		nodeIDs = append(nodeIDs, nodeID)
	}
	sort.Strings(nodeIDs)

	var urls []string
	for _, nodeID := range nodeIDs {
		nodeOutput := record.Outputs[nodeID]
		for _, mediaKey := range []string{"images", "videos", "gifs"} {
			raw, ok := nodeOutput[mediaKey]
			if !ok {
				continue
			}
			var refs []MediaRef
			if json.Unmarshal(raw, &refs) != nil {
				continue
			}
			for _, ref := range refs {
				if ref.Filename == "" {
					continue
				}
				mediaType := ref.Type
				if mediaType == "" {
					mediaType = "output"
				}
				urls = append(urls, fmt.Sprintf("%s/view?filename=%s&subfolder=%s&type=%s",
					c.baseURL,
					url.QueryEscape(ref.Filename),
					url.QueryEscape(ref.Subfolder),
					url.QueryEscape(mediaType)))
			}
		}
	}
	return urls
}

// ViewURL builds the /view URL for a file in ComfyUI's input namespace.
func (c *Client) ViewURL(filename, subfolder, mediaType string) string {
	return fmt.Sprintf("%s/view?filename=%s&subfolder=%s&type=%s",
		c.baseURL, url.QueryEscape(filename), url.QueryEscape(subfolder), url.QueryEscape(mediaType))
}

// ExecutionTime returns the reported execution duration of a completed
// prompt in seconds, or nil when ComfyUI did not report one.
func (c *Client) ExecutionTime(ctx context.Context, promptID string) (*float64, error) {
	result, err := c.PromptStatus(ctx, promptID)
	if err != nil {
		return nil, err
	}
	if result.State != StatusCompleted || result.Record == nil {
		return nil, nil
	}
	return result.Record.Status.ExecutionTime, nil
}
