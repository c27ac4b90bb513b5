package finetune

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"twinloop/internal/errs"
	"twinloop/internal/logging"
)

// TogetherClient implements Provider against the Together AI fine-tuning API.
type TogetherClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// TogetherConfig holds configuration for the Together client.
type TogetherConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// NewTogetherClient creates a Together-backed provider.
func NewTogetherClient(config TogetherConfig) *TogetherClient {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.together.xyz/v1"
	}
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}
	return &TogetherClient{
		apiKey:  config.APIKey,
		baseURL: config.BaseURL,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

type togetherError struct {
	Error string `json:"error"`
}

type uploadResponse struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Bytes    int64  `json:"bytes"`
	Error    string `json:"error,omitempty"`
}

type trainRequest struct {
	TrainingFile string `json:"training_file"`
	Model        string `json:"model"`
	Suffix       string `json:"suffix,omitempty"`
}

type jobResponse struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	OutputName string `json:"output_name,omitempty"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Upload stores a JSONL training file with purpose fine-tune.
func (c *TogetherClient) Upload(ctx context.Context, filename string, data []byte) (UploadResult, error) {
	if c.apiKey == "" {
		return UploadResult{}, errs.New(errs.ExternalService, "fine-tune API key not configured")
	}
	if len(data) == 0 {
		return UploadResult{}, errs.New(errs.Validation, "upload data is empty")
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("purpose", "fine-tune"); err != nil {
		return UploadResult{}, fmt.Errorf("failed to write purpose field: %w", err)
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return UploadResult{}, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return UploadResult{}, fmt.Errorf("failed to write file data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return UploadResult{}, fmt.Errorf("failed to finalize form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files/upload", &buf)
	if err != nil {
		return UploadResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	body, err := c.do(req)
	if err != nil {
		return UploadResult{}, err
	}

	var parsed uploadResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return UploadResult{}, fmt.Errorf("failed to parse upload response: %w", err)
	}
	if parsed.Error != "" {
		return UploadResult{}, errs.Newf(errs.ExternalService, "upload failed: %s", parsed.Error)
	}
	if parsed.ID == "" {
		return UploadResult{}, errs.New(errs.ExternalService, "upload response missing file id")
	}

	logging.TrainingDebug("uploaded %s (%d bytes) as %s", filename, parsed.Bytes, parsed.ID)
	return UploadResult{
		FileID:   parsed.ID,
		Filename: parsed.Filename,
		Bytes:    parsed.Bytes,
	}, nil
}

// Train starts a fine-tuning job on an uploaded file.
func (c *TogetherClient) Train(ctx context.Context, fileID, baseModel, suffix string) (string, error) {
	if fileID == "" || baseModel == "" {
		return "", errs.New(errs.Validation, "fileID and baseModel are required")
	}

	reqBody := trainRequest{
		TrainingFile: fileID,
		Model:        baseModel,
		Suffix:       suffix,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/fine-tunes", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	body, err := c.do(req)
	if err != nil {
		return "", err
	}

	var parsed jobResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse job response: %w", err)
	}
	if parsed.Error != "" {
		return "", errs.Newf(errs.ExternalService, "training submission failed: %s", parsed.Error)
	}
	if parsed.ID == "" {
		return "", errs.New(errs.ExternalService, "job response missing job id")
	}
	return parsed.ID, nil
}

// JobStatus fetches the current state of a fine-tuning job.
func (c *TogetherClient) JobStatus(ctx context.Context, jobID string) (JobInfo, error) {
	if jobID == "" {
		return JobInfo{}, errs.New(errs.Validation, "jobID is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/fine-tunes/"+jobID, nil)
	if err != nil {
		return JobInfo{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	body, err := c.do(req)
	if err != nil {
		return JobInfo{}, err
	}

	var parsed jobResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return JobInfo{}, fmt.Errorf("failed to parse job response: %w", err)
	}
	if parsed.Error != "" {
		return JobInfo{}, errs.Newf(errs.ExternalService, "status check failed: %s", parsed.Error)
	}

	return JobInfo{
		JobID:   parsed.ID,
		State:   mapJobStatus(parsed.Status),
		ModelID: parsed.OutputName,
		Message: parsed.Message,
	}, nil
}

// Deploy makes a completed model servable.
func (c *TogetherClient) Deploy(ctx context.Context, modelID string) error {
	if modelID == "" {
		return errs.New(errs.Validation, "modelID is required")
	}

	jsonData, err := json.Marshal(map[string]string{"model": modelID})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/deployments", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	body, err := c.do(req)
	if err != nil {
		return err
	}

	var parsed togetherError
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		return errs.Newf(errs.ExternalService, "deployment failed: %s", parsed.Error)
	}
	return nil
}

func (c *TogetherClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(err, errs.ExternalService, "fine-tune request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr togetherError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, errs.Newf(errs.ExternalService, "fine-tune API error (status %d): %s", resp.StatusCode, apiErr.Error)
		}
		return nil, errs.Newf(errs.ExternalService, "fine-tune request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func mapJobStatus(status string) JobState {
	switch status {
	case "pending", "queued", "created":
		return JobPending
	case "running", "training", "compressing", "uploading":
		return JobRunning
	case "completed", "succeeded":
		return JobCompleted
	case "failed", "error":
		return JobFailed
	case "cancelled", "canceled", "user_error":
		return JobCancelled
	default:
		return JobRunning
	}
}
