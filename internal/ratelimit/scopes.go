package ratelimit

import "time"

// ScopeConfig names a limit applied to one class of traffic. Scope appears
// as the metrics label for denied checks.
type ScopeConfig struct {
	Scope string
	Limit int
	Span  time.Duration
}

// Generation scopes by tier, plus the outer API and fingerprint guards.
// Paid users get a high ceiling rather than none so a runaway client still
// cannot saturate the image provider.
var (
	AnonymousGeneration = ScopeConfig{Scope: "anonymous_generation", Limit: 5, Span: time.Hour}
	FreeGeneration      = ScopeConfig{Scope: "free_generation", Limit: 10, Span: 24 * time.Hour}
	PaidGeneration      = ScopeConfig{Scope: "paid_generation", Limit: 1000, Span: time.Hour}
	APIPerIP            = ScopeConfig{Scope: "api_ip", Limit: 100, Span: time.Minute}
	FingerprintChecks   = ScopeConfig{Scope: "fingerprint", Limit: 10, Span: time.Minute}
)

// Scoped binds a limiter to one scope's limit and span.
type Scoped struct {
	limiter *Limiter
	config  ScopeConfig
}

// NewScoped wraps limiter with the given scope configuration.
func NewScoped(limiter *Limiter, config ScopeConfig) *Scoped {
	return &Scoped{limiter: limiter, config: config}
}

// Config returns the scope's configuration.
func (s *Scoped) Config() ScopeConfig {
	return s.config
}

// Check consumes one slot for key, recording denied checks under the scope's
// metrics label.
func (s *Scoped) Check(key string) Decision {
	d := s.limiter.Check(s.scopedKey(key), s.config.Limit, s.config.Span)
	if !d.Allowed {
		observeDenied(s.config.Scope)
	}
	return d
}

// Status reports the current window for key without consuming a slot.
func (s *Scoped) Status(key string) Decision {
	return s.limiter.Status(s.scopedKey(key), s.config.Limit, s.config.Span)
}

// Reset clears the window for key.
func (s *Scoped) Reset(key string) {
	s.limiter.Reset(s.scopedKey(key))
}

// scopedKey namespaces key so scopes sharing one Limiter keep distinct
// windows even when the same user ID or fingerprint flows through several
// of them.
func (s *Scoped) scopedKey(key string) string {
	return s.config.Scope + ":" + key
}
