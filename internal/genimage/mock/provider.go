// Package mock provides a canned image provider for development and tests.
package mock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/finchlabs/easel/internal/genimage"
	"github.com/google/uuid"
)

// Provider is a mock image provider.
type Provider struct {
	logger *slog.Logger

	// Configurable responses for testing
	GenerateResponse *genimage.GenerateResult
	GenerateError    error

	// Call tracking for testing
	mu            sync.Mutex
	generateCalls int
	lastParams    genimage.GenerateParams
}

// New creates a new mock provider.
func New(logger *slog.Logger) *Provider {
	return &Provider{
		logger: logger,
	}
}

// Generate returns the configured response, or a canned placeholder URL.
func (p *Provider) Generate(ctx context.Context, params genimage.GenerateParams) (*genimage.GenerateResult, error) {
	p.mu.Lock()
	p.generateCalls++
	p.lastParams = params
	p.mu.Unlock()

	if p.GenerateError != nil {
		return nil, p.GenerateError
	}
	if p.GenerateResponse != nil {
		return p.GenerateResponse, nil
	}

	taskID := params.TaskID
	if taskID == uuid.Nil {
		taskID = uuid.New()
	}

	p.logger.Debug("mock image generated", "task_id", taskID)

	return &genimage.GenerateResult{
		TaskID:   taskID,
		ImageURL: fmt.Sprintf("https://images.example.com/mock/%s.png", taskID),
		Duration: 10 * time.Millisecond,
	}, nil
}

// GenerateCalls returns how many times Generate was invoked.
func (p *Provider) GenerateCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generateCalls
}

// LastParams returns the params of the most recent Generate call.
func (p *Provider) LastParams() genimage.GenerateParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastParams
}
