package auth

import (
	"errors"
	"fmt"
)

// ConfigError indicates a provider client was constructed without a
// required identity. It is raised immediately and never retried.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return "auth config error: " + e.Message
}

// IsConfigError reports whether err (or any error in its chain) is a ConfigError.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}

// Reason classifies a terminal authorization failure.
type Reason string

const (
	// ReasonAccessDenied means the user declined the authorization request.
	ReasonAccessDenied Reason = "access_denied"

	// ReasonExpired means the device code expired before the user finished.
	ReasonExpired Reason = "expired_token"

	// ReasonTimeout means the flow deadline elapsed with no terminal signal.
	ReasonTimeout Reason = "timeout"

	// ReasonMalformedResponse means the server returned an unusable payload.
	ReasonMalformedResponse Reason = "malformed_response"

	// ReasonNoninteractive means a fresh flow was needed but interactive
	// auth was disabled by the caller.
	ReasonNoninteractive Reason = "noninteractive"

	// ReasonServerError means the token endpoint returned an unexpected
	// error payload.
	ReasonServerError Reason = "server_error"
)

// TerminalError is an authorization failure that cannot be retried within
// the current acquire attempt. Transient conditions (authorization_pending,
// slow_down, refresh failures) are absorbed internally and never surface
// as TerminalError.
type TerminalError struct {
	Provider string
	Reason   Reason
	Detail   string
}

func (e *TerminalError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s authorization failed: %s", e.Provider, e.Reason)
	}
	return fmt.Sprintf("%s authorization failed (%s): %s", e.Provider, e.Reason, e.Detail)
}

// IsTerminal reports whether err (or any error in its chain) is a TerminalError.
func IsTerminal(err error) bool {
	var termErr *TerminalError
	return errors.As(err, &termErr)
}

// TerminalReason extracts the failure reason from err, or "" when err is
// not terminal.
func TerminalReason(err error) Reason {
	var termErr *TerminalError
	if errors.As(err, &termErr) {
		return termErr.Reason
	}
	return ""
}
