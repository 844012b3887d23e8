package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/finchlabs/easel/internal/artifact"
	"github.com/finchlabs/easel/internal/domain"
	"github.com/finchlabs/easel/internal/genimage"
	"github.com/finchlabs/easel/internal/metrics"
	"github.com/finchlabs/easel/internal/middleware"
	"github.com/finchlabs/easel/internal/ratelimit"
	"github.com/finchlabs/easel/internal/service"
	"github.com/google/uuid"
)

// userIDHeader carries the authenticated user's ID, set by the identity
// proxy in front of this service. An absent header means an anonymous
// request.
const userIDHeader = "X-User-ID"

// GenerateHandler serves image generation and usage status.
type GenerateHandler struct {
	identity service.IdentityService
	usage    service.UsageService
	provider genimage.Provider
	store    artifact.Store
	limiters GenerationLimiters
	client   *http.Client
	logger   *slog.Logger
}

// GenerationLimiters holds the per-tier generation limiters plus the
// fingerprint-validation guard.
type GenerationLimiters struct {
	Anonymous   *ratelimit.Scoped
	Free        *ratelimit.Scoped
	Paid        *ratelimit.Scoped
	Fingerprint *ratelimit.Scoped
}

// NewGenerateHandler creates the generation handler.
func NewGenerateHandler(
	identity service.IdentityService,
	usage service.UsageService,
	provider genimage.Provider,
	store artifact.Store,
	limiters GenerationLimiters,
	logger *slog.Logger,
) *GenerateHandler {
	return &GenerateHandler{
		identity: identity,
		usage:    usage,
		provider: provider,
		store:    store,
		limiters: limiters,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

type generateRequest struct {
	Prompt      string `json:"prompt"`
	Fingerprint string `json:"fingerprint"`
	HighQuality bool   `json:"high_quality"`
}

type generateResponse struct {
	ImageURL string             `json:"image_url"`
	TaskID   string             `json:"task_id"`
	Usage    domain.UsageStatus `json:"usage"`
}

// Generate handles POST /api/generate.
func (h *GenerateHandler) Generate(w http.ResponseWriter, r *http.Request) {
	const op = "handler.generate"
	ctx := r.Context()

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid(op, "Request body must be valid JSON"))
		return
	}

	prompt, err := domain.SanitizePrompt(req.Prompt)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	principal, err := h.resolvePrincipal(r, req.Fingerprint)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	// Per-tier generation limiter ahead of the quota check: it is cheaper
	// and shields the store from hot loops.
	if decision := h.generationLimiter(principal); !decision.Allowed {
		middleware.WriteRateLimited(w, decision)
		return
	}

	check, err := h.usage.CheckAdmission(ctx, principal)
	if err != nil && domain.ErrorCode(err) != domain.EUNAVAILABLE {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if !check.Allowed {
		h.writeDenied(w, check)
		return
	}

	result, err := h.generate(ctx, prompt, req.HighQuality)
	if err != nil {
		ErrorResponse(w, r, h.logger, h.mapProviderError(op, err))
		return
	}

	imageURL, err := h.persistImage(ctx, result)
	if err != nil {
		// Fall back to the provider URL rather than discarding the image
		h.logger.Error("failed to persist generated image",
			"task_id", result.TaskID,
			"error", err,
		)
		imageURL = result.ImageURL
	}

	// The generation already happened, so a commit failure must not turn
	// into a client error. The quota under-counts instead.
	status, err := h.usage.Commit(ctx, principal)
	if err != nil {
		fallback, _ := h.usage.Status(ctx, principal)
		status = fallback
	}

	writeJSON(w, http.StatusOK, generateResponse{
		ImageURL: imageURL,
		TaskID:   result.TaskID.String(),
		Usage:    *status,
	})
}

// Usage handles GET /api/usage. An invalid or missing fingerprint on an
// anonymous request degrades to the cannot-use default instead of an error:
// this feed drives UI state and must always render.
func (h *GenerateHandler) Usage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	principal, err := h.resolvePrincipal(r, r.URL.Query().Get("fingerprint"))
	if err != nil {
		if domain.ErrorCode(err) == domain.EINVALID {
			writeJSON(w, http.StatusOK, domain.UsageStatus{
				Kind:       domain.PrincipalAnonymous,
				Remaining:  0,
				DailyLimit: domain.DefaultLimits.Anonymous,
				CanUse:     false,
			})
			return
		}
		ErrorResponse(w, r, h.logger, err)
		return
	}

	status, err := h.usage.Status(ctx, principal)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, *status)
}

// resolvePrincipal builds the principal from the identity header or the
// fingerprint, rate limiting fingerprint validation so garbage input cannot
// spin the resolver.
func (h *GenerateHandler) resolvePrincipal(r *http.Request, fingerprint string) (domain.Principal, error) {
	const op = "handler.resolve_principal"

	var userID *uuid.UUID
	if raw := r.Header.Get(userIDHeader); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return domain.Principal{}, domain.Unauthorized(op, "Invalid user identity")
		}
		userID = &id
	}

	if userID == nil {
		if decision := h.limiters.Fingerprint.Check(middleware.ClientIP(r)); !decision.Allowed {
			return domain.Principal{}, domain.RateLimit(op)
		}
	}

	return h.identity.Resolve(r.Context(), userID, fingerprint)
}

func (h *GenerateHandler) generationLimiter(p domain.Principal) ratelimit.Decision {
	switch {
	case p.IsPaid():
		return h.limiters.Paid.Check(p.UserID.String())
	case p.Kind == domain.PrincipalAuthenticated:
		return h.limiters.Free.Check(p.UserID.String())
	default:
		return h.limiters.Anonymous.Check(p.Fingerprint)
	}
}

// generate calls the provider and records call metrics.
func (h *GenerateHandler) generate(ctx context.Context, prompt string, highQuality bool) (*genimage.GenerateResult, error) {
	start := time.Now()
	result, err := h.provider.Generate(ctx, genimage.GenerateParams{
		Prompt:      prompt,
		HighQuality: highQuality,
	})
	metrics.GenerationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.GenerationCalls.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.GenerationCalls.WithLabelValues("ok").Inc()
	return result, nil
}

// persistImage downloads the provider URL and stores the bytes durably,
// returning the stable URL.
func (h *GenerateHandler) persistImage(ctx context.Context, result *genimage.GenerateResult) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, result.ImageURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", domain.Errorf(domain.EINTERNAL, "handler.persist_image",
			"image download failed with status %d", resp.StatusCode)
	}

	key := artifact.GenerationKey(result.TaskID, time.Now())
	if err := h.store.Put(ctx, key, resp.Body, "image/png"); err != nil {
		return "", err
	}
	return h.store.URL(ctx, key, 0)
}

// writeDenied maps an admission denial to the right status: 503 for an
// unverifiable quota, 403 otherwise.
func (h *GenerateHandler) writeDenied(w http.ResponseWriter, check *domain.UsageCheck) {
	status := http.StatusForbidden
	if check.Denial != nil && check.Denial.Reason == domain.DenialStoreUnavailable {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, check)
}

// mapProviderError converts provider sentinels to domain errors.
func (h *GenerateHandler) mapProviderError(op string, err error) error {
	switch {
	case genimage.IsRetryable(err):
		return domain.Unavailable(err, op)
	default:
		return domain.Internal(err, op, "Image generation failed. Please try again.")
	}
}
