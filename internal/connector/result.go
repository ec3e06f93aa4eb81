// Package connector holds the types shared by the vendor connectors:
// classified results and the pending two-factor session registry.
package connector

// Code classifies a connector failure for the route layer. Vendor
// exceptions never cross the connector boundary; they are folded into one
// of these.
type Code string

const (
	CodeNone Code = ""

	// Retryable: the user can resubmit a verification code.
	CodeInvalidCode Code = "invalid_code"

	// Actionable elsewhere: the user must act in the vendor's own app.
	CodeTermsNotAccepted Code = "terms_not_accepted"

	CodeAccountNotFound Code = "account_not_found"
	CodeRateLimited     Code = "rate_limited"

	// The pending session aged out; the user must start over.
	CodeSessionExpired Code = "session_expired"

	CodeNotConnected Code = "not_connected"
	CodeNoCapability Code = "no_capability"
	CodeVendorError  Code = "vendor_error"
)

// AuthResult is the outcome of an authentication step.
type AuthResult struct {
	Success           bool   `json:"success"`
	RequiresTwoFactor bool   `json:"requiresTwoFactor,omitempty"`
	Code              Code   `json:"code,omitempty"`
	Message           string `json:"message,omitempty"`
}

// CommandResult is the outcome of a device command or stream/snapshot
// operation. Commands fail closed: on any fault Success is false and Code
// says why.
type CommandResult struct {
	Success bool           `json:"success"`
	Code    Code           `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

func OK() CommandResult {
	return CommandResult{Success: true}
}

func Fail(code Code, message string) CommandResult {
	return CommandResult{Code: code, Message: message}
}

func AuthFail(code Code, message string) AuthResult {
	return AuthResult{Code: code, Message: message}
}
