// Package runware implements the genimage.Provider interface using the
// Runware image inference API.
package runware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/finchlabs/easel/internal/genimage"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// API constants.
const (
	DefaultBaseURL = "https://api.runware.ai/v1"
	DefaultModel   = "runware:107@1"

	// Standard quality favors speed: smaller canvas, fewer steps.
	standardSize  = 512
	standardSteps = 20
	standardCFG   = 3.5

	// High quality for paid requests.
	highSize  = 1024
	highSteps = 30
	highCFG   = 7.0
)

// Config contains Runware provider configuration.
type Config struct {
	APIKey         string
	BaseURL        string        // Defaults to DefaultBaseURL
	Model          string        // Defaults to DefaultModel
	MaxRetries     uint64        // Retry attempts for transient errors; defaults to 3
	RetryBaseDelay time.Duration // Base delay for exponential backoff; defaults to 1s
	RequestTimeout time.Duration // Per-request timeout; defaults to 60s
}

// Provider calls the Runware HTTP API.
type Provider struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

// New creates a Runware provider. Returns an error if no API key is
// configured.
func New(config Config, logger *slog.Logger) (*Provider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("runware: API key is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RetryBaseDelay == 0 {
		config.RetryBaseDelay = 1 * time.Second
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 60 * time.Second
	}

	return &Provider{
		config: config,
		client: &http.Client{
			Timeout: config.RequestTimeout,
		},
		logger: logger,
	}, nil
}

// inferenceTask is one element of the Runware request array.
type inferenceTask struct {
	TaskType       string   `json:"taskType"`
	TaskUUID       string   `json:"taskUUID"`
	Model          string   `json:"model"`
	NumberResults  int      `json:"numberResults"`
	OutputFormat   string   `json:"outputFormat"`
	Width          int      `json:"width"`
	Height         int      `json:"height"`
	Steps          int      `json:"steps"`
	CFGScale       float64  `json:"CFGScale"`
	Scheduler      string   `json:"scheduler"`
	IncludeCost    bool     `json:"includeCost"`
	OutputType     []string `json:"outputType"`
	PositivePrompt string   `json:"positivePrompt"`
}

type inferenceResult struct {
	TaskType  string  `json:"taskType"`
	TaskUUID  string  `json:"taskUUID"`
	ImageURL  string  `json:"imageURL"`
	ImageUUID string  `json:"imageUUID"`
	Cost      float64 `json:"cost"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiResponse struct {
	Data   []inferenceResult `json:"data"`
	Errors []apiError        `json:"errors"`
}

// Generate synthesizes one image, retrying transient provider failures with
// exponential backoff.
func (p *Provider) Generate(ctx context.Context, params genimage.GenerateParams) (*genimage.GenerateResult, error) {
	startTime := time.Now()

	if params.Prompt == "" {
		return nil, genimage.WrapError("generate", genimage.ErrInvalidPrompt)
	}

	taskID := params.TaskID
	if taskID == uuid.Nil {
		taskID = uuid.New()
	}

	task := inferenceTask{
		TaskType:       "imageInference",
		TaskUUID:       taskID.String(),
		Model:          p.config.Model,
		NumberResults:  1,
		OutputFormat:   "PNG",
		Width:          standardSize,
		Height:         standardSize,
		Steps:          standardSteps,
		CFGScale:       standardCFG,
		Scheduler:      "Default",
		IncludeCost:    true,
		OutputType:     []string{"URL"},
		PositivePrompt: params.Prompt,
	}
	if params.HighQuality {
		task.Width = highSize
		task.Height = highSize
		task.Steps = highSteps
		task.CFGScale = highCFG
	}

	body, err := json.Marshal([]inferenceTask{task})
	if err != nil {
		return nil, genimage.WrapError("marshal request", err)
	}

	backoff := retry.WithMaxRetries(p.config.MaxRetries, retry.NewExponential(p.config.RetryBaseDelay))

	var result *inferenceResult
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, err := p.execute(ctx, body)
		if err != nil {
			if genimage.IsRetryable(err) {
				p.logger.Warn("retrying image generation",
					"task_id", taskID,
					"error", err,
				)
				return retry.RetryableError(err)
			}
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, genimage.WrapError("generate", err)
	}

	return &genimage.GenerateResult{
		TaskID:   taskID,
		ImageURL: result.ImageURL,
		CostUSD:  result.Cost,
		Duration: time.Since(startTime),
	}, nil
}

// execute performs one HTTP round trip and classifies the outcome.
func (p *Provider) execute(ctx context.Context, body []byte) (*inferenceResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, genimage.ErrTimeout
		}
		// Network errors are typically transient
		return nil, genimage.ErrUnavailable
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, genimage.ErrUnavailable
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, genimage.ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, genimage.ErrRateLimited
	case resp.StatusCode >= 500:
		return nil, genimage.ErrUnavailable
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, respBody)
	}

	var parsed apiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	if len(parsed.Errors) > 0 {
		e := parsed.Errors[0]
		p.logger.Error("runware task error",
			"code", e.Code,
			"message", e.Message,
		)
		return nil, fmt.Errorf("task failed: %s: %s", e.Code, e.Message)
	}
	if len(parsed.Data) == 0 || parsed.Data[0].ImageURL == "" {
		return nil, fmt.Errorf("no image returned")
	}

	return &parsed.Data[0], nil
}
