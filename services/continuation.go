package services

import (
	"context"
	"strconv"

	"github.com/buildrelay/api/config"
	"github.com/buildrelay/api/model"
	"gorm.io/gorm"
)

// ContinuationConfig holds the mechanical gating knobs for auto-continuation.
// It is loaded from the settings store at decision time, never from process
// globals, so runtime toggling is a settings write.
type ContinuationConfig struct {
	GlobalEnabled    bool
	DefaultEnabled   bool
	MaxContinuations int
	RequireOptIn     bool
}

// ContinuationState is the per-turn input to the gating decision
type ContinuationState struct {
	ContinuationCount int
	// SessionEnabled is the per-session override; nil falls back to the
	// install default.
	SessionEnabled *bool
	// OptedIn reports whether the session explicitly enabled the feature
	OptedIn bool
}

// Gate denial reasons, one per check, so tests can observe which check
// short-circuited.
const (
	DenyGlobalDisabled  = "global_disabled"
	DenyOptInRequired   = "opt_in_required"
	DenyBudgetExhausted = "budget_exhausted"
	DenySessionDisabled = "session_disabled"
	AllowContinue       = "allowed"
)

// ShouldAutoContinue applies the mechanical gating checks in strict order,
// each short-circuiting. It deliberately knows nothing about conversation
// content: when it allows, the caller must still consult the completeness
// evaluator before issuing a follow-up query.
func ShouldAutoContinue(cfg ContinuationConfig, state ContinuationState) (bool, string) {
	if !cfg.GlobalEnabled {
		return false, DenyGlobalDisabled
	}

	if cfg.RequireOptIn && !state.OptedIn {
		return false, DenyOptInRequired
	}

	if state.ContinuationCount >= cfg.MaxContinuations {
		return false, DenyBudgetExhausted
	}

	enabled := cfg.DefaultEnabled
	if state.SessionEnabled != nil {
		enabled = *state.SessionEnabled
	}
	if !enabled {
		return false, DenySessionDisabled
	}

	return true, AllowContinue
}

// Evaluation is the completeness evaluator's verdict on a finished turn
type Evaluation struct {
	NeedsContinuation  bool    `json:"needs_continuation"`
	ContinuationPrompt string  `json:"continuation_prompt"`
	Confidence         float64 `json:"confidence"`
	Reasoning          string  `json:"reasoning"`
}

// CompletenessEvaluator inspects the most recent turns of a session and
// judges whether the conversation should be extended. Implementations may be
// non-deterministic (model-backed); the mechanical gate above stays pure and
// testable either way.
type CompletenessEvaluator interface {
	Evaluate(ctx context.Context, session *model.ChatSession, turns []model.ChatMessage) (*Evaluation, error)
}

// SettingsStore reads continuation flags from app settings, falling back to
// the environment-derived defaults when a key is absent or malformed.
type SettingsStore struct {
	db       *gorm.DB
	defaults ContinuationConfig
}

// NewSettingsStore creates a settings store with the given fallbacks
func NewSettingsStore(db *gorm.DB, env *config.EnviornmentVariable) *SettingsStore {
	return &SettingsStore{
		db: db,
		defaults: ContinuationConfig{
			GlobalEnabled:    env.CONTINUATION_GLOBAL_ENABLED,
			DefaultEnabled:   env.CONTINUATION_DEFAULT_ENABLED,
			MaxContinuations: env.CONTINUATION_MAX,
			RequireOptIn:     env.CONTINUATION_REQUIRE_OPT_IN,
		},
	}
}

// ContinuationConfig loads the current gating configuration. Read at the
// start of every decision so operators can flip the kill switch without a
// restart.
func (s *SettingsStore) ContinuationConfig(ctx context.Context) ContinuationConfig {
	cfg := s.defaults

	var settings []model.AppSetting
	err := s.db.WithContext(ctx).
		Where("key IN ?", []string{
			model.SettingContinuationGlobalEnabled,
			model.SettingContinuationDefaultEnabled,
			model.SettingContinuationMax,
			model.SettingContinuationRequireOptIn,
		}).
		Find(&settings).Error
	if err != nil {
		return cfg
	}

	for _, setting := range settings {
		switch setting.Key {
		case model.SettingContinuationGlobalEnabled:
			if v, err := strconv.ParseBool(setting.Value); err == nil {
				cfg.GlobalEnabled = v
			}
		case model.SettingContinuationDefaultEnabled:
			if v, err := strconv.ParseBool(setting.Value); err == nil {
				cfg.DefaultEnabled = v
			}
		case model.SettingContinuationMax:
			if v, err := strconv.Atoi(setting.Value); err == nil && v >= 0 {
				cfg.MaxContinuations = v
			}
		case model.SettingContinuationRequireOptIn:
			if v, err := strconv.ParseBool(setting.Value); err == nil {
				cfg.RequireOptIn = v
			}
		}
	}

	return cfg
}
