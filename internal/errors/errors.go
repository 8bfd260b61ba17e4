// Package errors provides centralized error definitions and error handling utilities
// for the parley codebase. It defines domain-specific errors, semantic error types,
// error constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// The package provides two categories of errors:
//
// Domain-specific errors represent errors from specific subsystems:
//   - PeerError: errors raised by a peer channel endpoint
//   - MilestoneError: milestone transitions attempted out of order
//   - ProviderError: failures reported by the LLM or escrow collaborators
//   - NegotiationError: errors raised by the negotiation orchestrator
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewPeerError("send failed", errors.ErrNotPaired).WithUsers("alice", "")
//	err := errors.NewMilestoneError("release rejected", errors.ErrInvalidMilestoneState).
//	    WithMilestone("ms-1").WithStatus("completed")
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrNotPaired) { ... }
//
//	var provErr *errors.ProviderError
//	if errors.As(err, &provErr) { ... }
//
//	if errors.IsRetryable(err) { ... }
//
// # Transport faults
//
// Socket closes and network drops are not errors in this taxonomy. They surface
// as lifecycle signals (a closed Disconnected channel, a registry close callback)
// and never mutate document or milestone state.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Peer channel sentinel errors
var (
	// ErrNotPaired indicates a send on an endpoint that has no partner.
	ErrNotPaired = New("peer endpoint is not paired")
	// ErrPeerClosed indicates a send on an endpoint that has been closed.
	ErrPeerClosed = New("peer endpoint is closed")
)

// Contract sentinel errors
var (
	// ErrInvalidMilestoneState indicates a milestone transition attempted out of order.
	ErrInvalidMilestoneState = New("invalid milestone state")
	// ErrMilestoneNotFound indicates that a milestone id is not part of the document.
	ErrMilestoneNotFound = New("milestone not found")
	// ErrNoDocument indicates an operation that needs a document before one exists.
	ErrNoDocument = New("no document")
	// ErrNotAParty indicates a user that is not one of the document's parties.
	ErrNotAParty = New("user is not a party to the document")
)

// Collaborator sentinel errors
var (
	// ErrProvider indicates that the LLM or payment collaborator failed.
	ErrProvider = New("provider error")
	// ErrMalformedToolArguments indicates unparsable tool-call arguments from an LLM.
	// It is recovered locally and never surfaced as a fatal error.
	ErrMalformedToolArguments = New("malformed tool arguments")
)

// Negotiation sentinel errors
var (
	// ErrNegotiationNotFound indicates that a negotiation id is unknown.
	ErrNegotiationNotFound = New("negotiation not found")
	// ErrNegotiationHalted indicates the negotiation is in the error state.
	ErrNegotiationHalted = New("negotiation halted")
	// ErrNegotiationStopped indicates the negotiation loop is no longer running.
	ErrNegotiationStopped = New("negotiation stopped")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// ParleyError is the base interface for all parley errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type ParleyError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// formatPrefix renders "kind [k=v, ...]" for the domain error types.
func formatPrefix(kind string, parts []string) string {
	if len(parts) == 0 {
		return kind
	}
	return fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// PeerError represents errors raised by a peer channel endpoint.
//
// Example:
//
//	err := errors.NewPeerError("send failed", errors.ErrNotPaired).WithUsers("alice", "")
//	fmt.Println(err) // "peer error [from=alice]: send failed: peer endpoint is not paired"
type PeerError struct {
	baseError
	From string
	To   string
}

// NewPeerError creates a new PeerError.
func NewPeerError(message string, cause error) *PeerError {
	return &PeerError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: false,
		},
	}
}

// WithUsers adds the sending and receiving user ids to the error context.
func (e *PeerError) WithUsers(from, to string) *PeerError {
	e.From = from
	e.To = to
	return e
}

// Error returns the formatted error message.
func (e *PeerError) Error() string {
	var parts []string
	if e.From != "" {
		parts = append(parts, fmt.Sprintf("from=%s", e.From))
	}
	if e.To != "" {
		parts = append(parts, fmt.Sprintf("to=%s", e.To))
	}
	prefix := formatPrefix("peer error", parts)
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *PeerError) Is(target error) bool {
	if _, ok := target.(*PeerError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// MilestoneError represents a milestone operation rejected by the state machine.
// The session continues after one of these; it is reported to the caller only.
//
// Example:
//
//	err := errors.NewMilestoneError("release rejected", errors.ErrInvalidMilestoneState).
//	    WithMilestone("ms-1").WithStatus("completed")
type MilestoneError struct {
	baseError
	MilestoneID string
	Status      string
	Target      string
}

// NewMilestoneError creates a new MilestoneError.
func NewMilestoneError(message string, cause error) *MilestoneError {
	return &MilestoneError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithMilestone adds the milestone id to the error context.
func (e *MilestoneError) WithMilestone(id string) *MilestoneError {
	e.MilestoneID = id
	return e
}

// WithStatus adds the milestone's current status to the error context.
func (e *MilestoneError) WithStatus(status string) *MilestoneError {
	e.Status = status
	return e
}

// WithTarget adds the requested status to the error context.
func (e *MilestoneError) WithTarget(target string) *MilestoneError {
	e.Target = target
	return e
}

// Error returns the formatted error message.
func (e *MilestoneError) Error() string {
	var parts []string
	if e.MilestoneID != "" {
		parts = append(parts, fmt.Sprintf("milestone=%s", e.MilestoneID))
	}
	if e.Status != "" {
		parts = append(parts, fmt.Sprintf("status=%s", e.Status))
	}
	if e.Target != "" {
		parts = append(parts, fmt.Sprintf("target=%s", e.Target))
	}
	prefix := formatPrefix("milestone error", parts)
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *MilestoneError) Is(target error) bool {
	if _, ok := target.(*MilestoneError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ProviderError represents a failure of an external collaborator: the LLM
// provider or the escrow/payment provider.
//
// Example:
//
//	err := errors.NewProviderError("anthropic", "non-2xx response", nil).WithStatusCode(529)
type ProviderError struct {
	baseError
	Provider   string
	StatusCode int
	Code       string
}

// NewProviderError creates a new ProviderError. The cause defaults to ErrProvider
// so errors.Is(err, ErrProvider) holds for every ProviderError.
func NewProviderError(provider, message string, cause error) *ProviderError {
	if cause == nil {
		cause = ErrProvider
	}
	return &ProviderError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: false,
		},
		Provider: provider,
	}
}

// WithStatusCode records the HTTP status code. 429 and 5xx responses are
// marked retryable.
func (e *ProviderError) WithStatusCode(code int) *ProviderError {
	e.StatusCode = code
	e.retryable = code == 429 || code >= 500
	return e
}

// WithCode adds a short machine-readable failure bucket, e.g. "timeout".
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *ProviderError) WithRetryable(r bool) *ProviderError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *ProviderError) Error() string {
	var parts []string
	if e.Provider != "" {
		parts = append(parts, fmt.Sprintf("provider=%s", e.Provider))
	}
	if e.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	prefix := formatPrefix("provider error", parts)
	if e.cause != nil && e.cause != ErrProvider {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ProviderError) Is(target error) bool {
	if _, ok := target.(*ProviderError); ok {
		return true
	}
	if target == ErrProvider {
		return true
	}
	return e.baseError.Is(target)
}

// NegotiationError represents errors raised by the negotiation orchestrator.
//
// Example:
//
//	err := errors.NewNegotiationError("turn failed", cause).WithNegotiation("neg-1")
type NegotiationError struct {
	baseError
	NegotiationID string
	Status        string
}

// NewNegotiationError creates a new NegotiationError.
func NewNegotiationError(message string, cause error) *NegotiationError {
	return &NegotiationError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithNegotiation adds a negotiation id to the error context.
func (e *NegotiationError) WithNegotiation(id string) *NegotiationError {
	e.NegotiationID = id
	return e
}

// WithStatus adds the session status to the error context.
func (e *NegotiationError) WithStatus(status string) *NegotiationError {
	e.Status = status
	return e
}

// WithSeverity sets the error severity.
func (e *NegotiationError) WithSeverity(s Severity) *NegotiationError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *NegotiationError) Error() string {
	var parts []string
	if e.NegotiationID != "" {
		parts = append(parts, fmt.Sprintf("negotiation=%s", e.NegotiationID))
	}
	if e.Status != "" {
		parts = append(parts, fmt.Sprintf("status=%s", e.Status))
	}
	prefix := formatPrefix("negotiation error", parts)
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *NegotiationError) Is(target error) bool {
	if _, ok := target.(*NegotiationError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("milestone", "ms-1")
//	fmt.Println(err) // "milestone 'ms-1' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("line item needs an amount or a range").WithField("lineItems[0]")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	prefix := formatPrefix("validation error", parts)
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("peer handshake", 10*time.Second)
//	fmt.Println(err) // "timeout error: peer handshake (timeout: 10s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true, // Timeouts are generally retryable
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. This checks for:
//   - Errors implementing ParleyError with IsRetryable() returning true
//   - Errors wrapping ErrTimeout
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var parleyErr ParleyError
	if As(err, &parleyErr) {
		return parleyErr.IsRetryable()
	}

	return Is(err, ErrTimeout)
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var parleyErr ParleyError
	if As(err, &parleyErr) {
		return parleyErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement ParleyError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var parleyErr ParleyError
	if As(err, &parleyErr) {
		return parleyErr.Severity()
	}
	return SeverityError
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
