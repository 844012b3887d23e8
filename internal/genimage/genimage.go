// Package genimage defines the image synthesis provider interface.
package genimage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Provider defines the interface for image synthesis backends.
type Provider interface {
	// Generate synthesizes one image for the given prompt and returns a
	// URL the image can be fetched from. The URL may be short-lived;
	// callers that need durable storage must download and persist the
	// bytes themselves.
	Generate(ctx context.Context, params GenerateParams) (*GenerateResult, error)
}

// GenerateParams contains parameters for a single image synthesis task.
type GenerateParams struct {
	Prompt      string    // Sanitized prompt text
	HighQuality bool      // 1024px/more steps instead of the fast 512px default
	TaskID      uuid.UUID // Task ID for tracking; zero means the provider picks one
}

// GenerateResult contains the outcome of a synthesis task.
type GenerateResult struct {
	TaskID   uuid.UUID     // Task ID the provider echoed back
	ImageURL string        // Provider-hosted URL for the generated image
	CostUSD  float64       // Provider-reported cost, zero if not reported
	Duration time.Duration // Wall time of the provider call
}

// Provider error sentinels
var (
	// ErrRateLimited indicates the provider rate limit has been exceeded
	ErrRateLimited = errors.New("image provider rate limit exceeded")

	// ErrInvalidPrompt indicates the prompt was rejected by the provider
	ErrInvalidPrompt = errors.New("prompt rejected by image provider")

	// ErrContentPolicy indicates the prompt violates the provider's content policy
	ErrContentPolicy = errors.New("prompt violates content policy")

	// ErrTimeout indicates the synthesis request timed out
	ErrTimeout = errors.New("image generation timed out")

	// ErrUnavailable indicates the provider is temporarily unavailable
	ErrUnavailable = errors.New("image provider temporarily unavailable")

	// ErrUnauthorized indicates invalid provider credentials
	ErrUnauthorized = errors.New("image provider authentication failed")
)

// IsRetryable returns true if the error is transient and the call can be
// retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrUnavailable)
}

// WrapError wraps an error with context about the synthesis operation.
func WrapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("genimage %s: %w", operation, err)
}
