// Package kernelerrors defines the typed error kinds shared across the
// kernel. Callers use errors.Is/errors.As against these sentinels and
// wrapper types rather than matching on error strings.
package kernelerrors

import (
	"errors"
	"fmt"
)

// Sentinel kinds that carry no extra fields beyond a message.
var (
	ErrDirectiveNotFound       = errors.New("directive not found")
	ErrDirectiveValidation     = errors.New("directive validation error")
	ErrIntegrity               = errors.New("signature or hash mismatch")
	ErrBudgetInsufficient      = errors.New("insufficient budget")
	ErrBudgetOverspend         = errors.New("budget overspend")
	ErrToolDispatch            = errors.New("tool dispatch error")
	ErrToolInputParse          = errors.New("tool input parse error")
	ErrTranscriptCorrupt       = errors.New("transcript corrupt")
	ErrResumeImpossible        = errors.New("resume impossible")
	ErrChainResolution         = errors.New("chain resolution error")
	ErrCheckpointFailed        = errors.New("checkpoint signing failed")
	ErrHookOverride            = errors.New("hook attempted to override a non-empty error")
	ErrProviderStream          = errors.New("provider stream error")
)

// PermissionDenied reports a permission check failure, carrying the caps
// that were required but not present in the effective capability set.
type PermissionDenied struct {
	Required []string
	Missing  []string
}

func (e *PermissionDenied) Error() string {
	return fmt.Sprintf("permission denied: missing=%v", e.Missing)
}

// RiskBlocked reports a capability whose risk classification is "block"
// and that was not acknowledged in the directive.
type RiskBlocked struct {
	Capability string
	Risk       string
}

func (e *RiskBlocked) Error() string {
	return fmt.Sprintf("capability %q blocked: risk %q requires acknowledgment", e.Capability, e.Risk)
}

// LimitCode enumerates the limit dimensions tracked at turn boundaries.
type LimitCode string

// Limit dimensions enforced by the safety harness.
const (
	LimitTurns    LimitCode = "turns"
	LimitTokens   LimitCode = "tokens"
	LimitSpend    LimitCode = "spend"
	LimitSpawns   LimitCode = "spawns"
	LimitDuration LimitCode = "duration_seconds"
	LimitDepth    LimitCode = "depth"
)

// LimitExceeded reports which accumulated resource breached its configured
// threshold.
type LimitExceeded struct {
	Code      LimitCode
	Threshold float64
	Observed  float64
}

func (e *LimitExceeded) Error() string {
	return fmt.Sprintf("limit exceeded: %s threshold=%v observed=%v", e.Code, e.Threshold, e.Observed)
}

// ProviderCallError reports a non-retryable or retryable failure returned
// by an LLM HTTP provider.
type ProviderCallError struct {
	HTTPStatus int
	RequestID  string
	ErrorType  string
	Retryable  bool
	Message    string
}

func (e *ProviderCallError) Error() string {
	return fmt.Sprintf("provider call error: status=%d type=%s retryable=%v: %s", e.HTTPStatus, e.ErrorType, e.Retryable, e.Message)
}

// Is allows errors.Is(err, ErrProviderCall) style matching against any
// ProviderCallError regardless of fields, by matching on the exported
// sentinel below.
var ErrProviderCall = errors.New("provider call error")

func (e *ProviderCallError) Unwrap() error { return ErrProviderCall }
