package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedProvider = errors.New("unsupported provider")
	ErrAccessDenied        = errors.New("access denied")
	ErrProviderTimeout     = errors.New("provider timeout")
	ErrProviderRequest     = errors.New("provider request failed")
	ErrAllProvidersFailed  = errors.New("all providers failed")
	ErrTelemetryWrite      = errors.New("telemetry write failed")
	ErrInvalidQuery        = errors.New("invalid query")
	ErrMissingAPIKey       = errors.New("missing api key")
	ErrUserNotFound        = errors.New("user not found")
)

// UnsupportedProviderError is returned when a provider name is not registered.
// It is a caller error and is never retried.
type UnsupportedProviderError struct {
	Provider string
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("unsupported provider %q", e.Provider)
}

func (e *UnsupportedProviderError) Is(target error) bool {
	return target == ErrUnsupportedProvider
}

// AccessDeniedError is returned when a user is not entitled to a provider.
type AccessDeniedError struct {
	UserID   string
	Provider string
	TraceID  string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("user %s denied access to provider %s (trace %s)", e.UserID, e.Provider, e.TraceID)
}

func (e *AccessDeniedError) Is(target error) bool {
	return target == ErrAccessDenied
}

// ProviderError wraps the last failure of a provider after its retries are exhausted.
type ProviderError struct {
	Provider string
	TraceID  string
	Attempts int
	Timeout  bool
	Err      error
}

func (e *ProviderError) Error() string {
	kind := "request failed"
	if e.Timeout {
		kind = "timed out"
	}
	return fmt.Sprintf("provider %s %s after %d attempt(s) (trace %s): %v", e.Provider, kind, e.Attempts, e.TraceID, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrProviderRequest:
		return true
	case ErrProviderTimeout:
		return e.Timeout
	}
	return false
}

// AllProvidersFailedError is the only routing failure surfaced to callers once
// candidates were actually dispatched.
type AllProvidersFailedError struct {
	TraceID       string
	FallbackChain []FallbackEntry
	Skipped       []SkippedProvider
}

func (e *AllProvidersFailedError) Error() string {
	return fmt.Sprintf("all %d provider(s) failed (trace %s)", len(e.FallbackChain), e.TraceID)
}

func (e *AllProvidersFailedError) Is(target error) bool {
	return target == ErrAllProvidersFailed
}

// TelemetryWriteError reports a storage failure while appending an event.
type TelemetryWriteError struct {
	EventType EventType
	Err       error
}

func (e *TelemetryWriteError) Error() string {
	return fmt.Sprintf("record %s event: %v", e.EventType, e.Err)
}

func (e *TelemetryWriteError) Unwrap() error {
	return e.Err
}

func (e *TelemetryWriteError) Is(target error) bool {
	return target == ErrTelemetryWrite
}
