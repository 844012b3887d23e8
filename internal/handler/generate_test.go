package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/finchlabs/easel/internal/artifact"
	"github.com/finchlabs/easel/internal/cache"
	"github.com/finchlabs/easel/internal/domain"
	"github.com/finchlabs/easel/internal/genimage"
	"github.com/finchlabs/easel/internal/genimage/mock"
	"github.com/finchlabs/easel/internal/ratelimit"
	"github.com/finchlabs/easel/internal/service"
	"github.com/finchlabs/easel/internal/store"
	"github.com/google/uuid"
)

const testFingerprint = "abcdef1234567890"

func testScoped(l *ratelimit.Limiter, base ratelimit.ScopeConfig, limit int) *ratelimit.Scoped {
	base.Limit = limit
	return ratelimit.NewScoped(l, base)
}

type generateFixture struct {
	handler  *GenerateHandler
	store    *store.MemoryStore
	provider *mock.Provider
	imageSrv *httptest.Server
}

func newGenerateFixture(t *testing.T) *generateFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st := store.NewMemoryStore()
	userCache := cache.New[*domain.UserUsage](100)
	usage := service.NewUsageService(st,
		userCache,
		cache.New[*domain.AnonymousUsage](100),
		domain.DefaultLimits,
		logger,
	)
	identity := service.NewIdentityService(st, userCache, logger)
	provider := mock.New(logger)

	// Serve fake image bytes so the persist path has something to fetch.
	imageSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	}))
	t.Cleanup(imageSrv.Close)

	files, err := artifact.NewLocalStore(artifact.LocalConfig{
		BasePath: t.TempDir(),
		BaseURL:  "http://localhost:8080/files",
	}, logger)
	if err != nil {
		t.Fatalf("local store: %v", err)
	}

	// Generous windows so these tests exercise quota, not rate limiting.
	limiter := ratelimit.New(ratelimit.DefaultMaxEntries)
	limiters := GenerationLimiters{
		Anonymous:   testScoped(limiter, ratelimit.AnonymousGeneration, 1000),
		Free:        testScoped(limiter, ratelimit.FreeGeneration, 1000),
		Paid:        testScoped(limiter, ratelimit.PaidGeneration, 1000),
		Fingerprint: testScoped(limiter, ratelimit.FingerprintChecks, 1000),
	}

	h := NewGenerateHandler(identity, usage, provider, files, limiters, logger)
	return &generateFixture{handler: h, store: st, provider: provider, imageSrv: imageSrv}
}

// useLocalImage points the mock provider at the fixture's image server so
// the download-and-store path runs for real.
func (f *generateFixture) useLocalImage() {
	taskID := uuid.New()
	f.provider.GenerateResponse = &genimage.GenerateResult{
		TaskID:   taskID,
		ImageURL: f.imageSrv.URL + "/" + taskID.String() + ".png",
	}
}

func postGenerate(t *testing.T, f *generateFixture, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/generate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.Generate(rec, req)
	return rec
}

func anonymousBody(prompt string) string {
	b, _ := json.Marshal(map[string]any{
		"prompt":      prompt,
		"fingerprint": testFingerprint,
	})
	return string(b)
}

func TestGenerateAnonymous(t *testing.T) {
	f := newGenerateFixture(t)
	f.useLocalImage()

	rec := postGenerate(t, f, anonymousBody("a fox in a meadow"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		ImageURL string             `json:"image_url"`
		TaskID   string             `json:"task_id"`
		Usage    domain.UsageStatus `json:"usage"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if !strings.HasPrefix(resp.ImageURL, "http://localhost:8080/files/generations/") {
		t.Errorf("image URL %q not served from local storage", resp.ImageURL)
	}
	if resp.Usage.Remaining != 4 {
		t.Errorf("remaining = %d, want 4", resp.Usage.Remaining)
	}
	if f.provider.GenerateCalls() != 1 {
		t.Errorf("provider calls = %d, want 1", f.provider.GenerateCalls())
	}
}

func TestGenerateInvalidPrompt(t *testing.T) {
	f := newGenerateFixture(t)

	for name, body := range map[string]string{
		"empty":     anonymousBody(""),
		"too short": anonymousBody("hi"),
		"bad json":  "{not json",
	} {
		rec := postGenerate(t, f, body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, rec.Code)
		}
	}
	if f.provider.GenerateCalls() != 0 {
		t.Errorf("provider called %d times for invalid input", f.provider.GenerateCalls())
	}
}

func TestGenerateQuotaExhausted(t *testing.T) {
	f := newGenerateFixture(t)
	f.useLocalImage()

	for i := 0; i < domain.DefaultLimits.Anonymous; i++ {
		rec := postGenerate(t, f, anonymousBody("a fox in a meadow"), nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("generation %d: status = %d", i+1, rec.Code)
		}
	}

	rec := postGenerate(t, f, anonymousBody("a fox in a meadow"), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	var check domain.UsageCheck
	if err := json.Unmarshal(rec.Body.Bytes(), &check); err != nil {
		t.Fatalf("decode denial: %v", err)
	}
	if check.Allowed {
		t.Error("denial body claims allowed")
	}
	if check.Denial == nil || check.Denial.Reason != domain.DenialAnonymousLimit {
		t.Errorf("denial = %+v, want anonymous limit", check.Denial)
	}
	if f.provider.GenerateCalls() != domain.DefaultLimits.Anonymous {
		t.Errorf("provider called %d times past the quota", f.provider.GenerateCalls())
	}
}

func TestGenerateStoreUnavailable(t *testing.T) {
	f := newGenerateFixture(t)
	f.store.FailReads = true

	rec := postGenerate(t, f, anonymousBody("a fox in a meadow"), nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if f.provider.GenerateCalls() != 0 {
		t.Error("provider called while quota was unverifiable")
	}
}

func TestGenerateAuthenticated(t *testing.T) {
	f := newGenerateFixture(t)
	f.useLocalImage()
	userID := uuid.New()
	f.store.SeedUser(domain.UserUsage{
		UserID: userID,
		Email:  "user@example.com",
		Plan:   domain.PlanFree,
	})

	rec := postGenerate(t, f, `{"prompt":"a fox in a meadow"}`,
		map[string]string{"X-User-ID": userID.String()})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Usage domain.UsageStatus `json:"usage"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Usage.Remaining != domain.DefaultLimits.FreeDaily-1 {
		t.Errorf("remaining = %d, want %d", resp.Usage.Remaining, domain.DefaultLimits.FreeDaily-1)
	}
}

func TestGenerateUnknownUser(t *testing.T) {
	f := newGenerateFixture(t)

	rec := postGenerate(t, f, `{"prompt":"a fox in a meadow"}`,
		map[string]string{"X-User-ID": uuid.NewString()})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	rec = postGenerate(t, f, `{"prompt":"a fox in a meadow"}`,
		map[string]string{"X-User-ID": "not-a-uuid"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("malformed header: status = %d, want 401", rec.Code)
	}
}

func TestGeneratePaidCommitsNothing(t *testing.T) {
	f := newGenerateFixture(t)
	f.useLocalImage()
	userID := uuid.New()
	f.store.SeedUser(domain.UserUsage{
		UserID: userID,
		Email:  "paid@example.com",
		Plan:   domain.PlanPaid,
	})

	rec := postGenerate(t, f, `{"prompt":"a fox in a meadow"}`,
		map[string]string{"X-User-ID": userID.String()})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Usage domain.UsageStatus `json:"usage"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Usage.IsUnlimited {
		t.Error("paid response not marked unlimited")
	}
}

func TestGenerateProviderFailure(t *testing.T) {
	f := newGenerateFixture(t)
	f.provider.GenerateError = fmt.Errorf("model exploded")

	rec := postGenerate(t, f, anonymousBody("a fox in a meadow"), nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}

	// The failed generation must not consume quota.
	req := httptest.NewRequest(http.MethodGet, "/api/usage?fingerprint="+testFingerprint, nil)
	rec = httptest.NewRecorder()
	f.handler.Usage(rec, req)

	var status domain.UsageStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Remaining != domain.DefaultLimits.Anonymous {
		t.Errorf("remaining = %d after failed generation, want %d",
			status.Remaining, domain.DefaultLimits.Anonymous)
	}
}

func TestGenerateProviderUnavailable(t *testing.T) {
	f := newGenerateFixture(t)
	f.provider.GenerateError = genimage.ErrUnavailable

	rec := postGenerate(t, f, anonymousBody("a fox in a meadow"), nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestUsageAnonymous(t *testing.T) {
	f := newGenerateFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/usage?fingerprint="+testFingerprint, nil)
	rec := httptest.NewRecorder()
	f.handler.Usage(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var status domain.UsageStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Remaining != domain.DefaultLimits.Anonymous || !status.CanUse {
		t.Errorf("status = %+v, want full anonymous quota", status)
	}
}

func TestUsageInvalidFingerprint(t *testing.T) {
	f := newGenerateFixture(t)

	// UI feed stays 200 on garbage input, with a safe cannot-use default
	req := httptest.NewRequest(http.MethodGet, "/api/usage?fingerprint=zzz", nil)
	rec := httptest.NewRecorder()
	f.handler.Usage(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var status domain.UsageStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.CanUse || status.Remaining != 0 {
		t.Errorf("status = %+v, want unusable default", status)
	}
}

func TestGeneratePersistFallsBackToProviderURL(t *testing.T) {
	f := newGenerateFixture(t)
	// Provider returns a URL the image server will 404
	taskID := uuid.New()
	f.provider.GenerateResponse = &genimage.GenerateResult{
		TaskID:   taskID,
		ImageURL: f.imageSrv.URL + "/missing.png",
	}
	f.imageSrv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	rec := postGenerate(t, f, anonymousBody("a fox in a meadow"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		ImageURL string `json:"image_url"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ImageURL != f.provider.GenerateResponse.ImageURL {
		t.Errorf("image URL = %q, want provider fallback", resp.ImageURL)
	}
}

func TestGenerateRateLimited(t *testing.T) {
	f := newGenerateFixture(t)
	f.useLocalImage()
	f.handler.limiters.Anonymous = ratelimit.NewScoped(
		ratelimit.New(ratelimit.DefaultMaxEntries),
		ratelimit.ScopeConfig{Scope: "anonymous_generation", Limit: 2, Span: time.Hour},
	)

	for i := 0; i < 2; i++ {
		rec := postGenerate(t, f, anonymousBody("a fox in a meadow"), nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("generation %d: status = %d", i+1, rec.Code)
		}
	}

	rec := postGenerate(t, f, anonymousBody("a fox in a meadow"), nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}
