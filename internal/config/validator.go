package config

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "negotiation.max_llm_retries")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// idRegex limits user, negotiation and room ids to URL-safe characters.
var idRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// currencyRegex matches ISO 4217 alphabetic codes.
var currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidRoles returns the list of valid participant roles
func ValidRoles() []string {
	return []string{"client", "provider"}
}

// ValidLLMProviders returns the list of supported model providers
func ValidLLMProviders() []string {
	return []string{"anthropic", "openai"}
}

// ValidEscrowProviders returns the list of supported escrow providers
func ValidEscrowProviders() []string {
	return []string{"memory", "none"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateParticipant()...)
	errors = append(errors, c.validatePeer()...)
	errors = append(errors, c.validateNegotiation()...)
	errors = append(errors, c.validateLLM()...)
	errors = append(errors, c.validateEscrow()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError

	if c.Server.ListenAddr == "" {
		errors = append(errors, ValidationError{
			Field:   "server.listen_addr",
			Value:   c.Server.ListenAddr,
			Message: "must not be empty",
		})
	}
	if c.Server.ReadHeaderTimeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "server.read_header_timeout",
			Value:   c.Server.ReadHeaderTimeout,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateParticipant allows an empty user id; commands that need one
// check it themselves.
func (c *Config) validateParticipant() []ValidationError {
	var errors []ValidationError

	if c.Participant.UserID != "" && !idRegex.MatchString(c.Participant.UserID) {
		errors = append(errors, ValidationError{
			Field:   "participant.user_id",
			Value:   c.Participant.UserID,
			Message: "must start with a letter or digit and contain only letters, digits, '.', '_' or '-'",
		})
	}
	if !slices.Contains(ValidRoles(), c.Participant.Role) {
		errors = append(errors, ValidationError{
			Field:   "participant.role",
			Value:   c.Participant.Role,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidRoles(), ", ")),
		})
	}

	return errors
}

func (c *Config) validatePeer() []ValidationError {
	var errors []ValidationError

	if c.Peer.URL != "" {
		u, err := url.Parse(c.Peer.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			errors = append(errors, ValidationError{
				Field:   "peer.url",
				Value:   c.Peer.URL,
				Message: "must be a ws:// or wss:// URL",
			})
		}
	}
	if c.Peer.HandshakeTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "peer.handshake_timeout",
			Value:   c.Peer.HandshakeTimeout,
			Message: "must be positive",
		})
	}
	if c.Peer.MaxMessageBytes < 1024 {
		errors = append(errors, ValidationError{
			Field:   "peer.max_message_bytes",
			Value:   c.Peer.MaxMessageBytes,
			Message: "must be at least 1024",
		})
	}

	return errors
}

func (c *Config) validateNegotiation() []ValidationError {
	var errors []ValidationError

	if c.Negotiation.ID != "" && !idRegex.MatchString(c.Negotiation.ID) {
		errors = append(errors, ValidationError{
			Field:   "negotiation.id",
			Value:   c.Negotiation.ID,
			Message: "must contain only letters, digits, '.', '_' or '-'",
		})
	}
	if c.Negotiation.RoomID != "" && !idRegex.MatchString(c.Negotiation.RoomID) {
		errors = append(errors, ValidationError{
			Field:   "negotiation.room_id",
			Value:   c.Negotiation.RoomID,
			Message: "must contain only letters, digits, '.', '_' or '-'",
		})
	}
	if !currencyRegex.MatchString(c.Negotiation.Currency) {
		errors = append(errors, ValidationError{
			Field:   "negotiation.currency",
			Value:   c.Negotiation.Currency,
			Message: "must be a three-letter uppercase ISO 4217 code",
		})
	}

	const maxRetries = 10
	if c.Negotiation.MaxLLMRetries < 0 || c.Negotiation.MaxLLMRetries > maxRetries {
		errors = append(errors, ValidationError{
			Field:   "negotiation.max_llm_retries",
			Value:   c.Negotiation.MaxLLMRetries,
			Message: fmt.Sprintf("must be between 0 and %d", maxRetries),
		})
	}
	if c.Negotiation.RecentTranscriptWindow < time.Second {
		errors = append(errors, ValidationError{
			Field:   "negotiation.recent_transcript_window",
			Value:   c.Negotiation.RecentTranscriptWindow,
			Message: "must be at least 1s",
		})
	}
	if c.Negotiation.MaxTurns < 0 {
		errors = append(errors, ValidationError{
			Field:   "negotiation.max_turns",
			Value:   c.Negotiation.MaxTurns,
			Message: "must be non-negative (0 = unlimited)",
		})
	}

	return errors
}

func (c *Config) validateLLM() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidLLMProviders(), c.LLM.Provider) {
		errors = append(errors, ValidationError{
			Field:   "llm.provider",
			Value:   c.LLM.Provider,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLLMProviders(), ", ")),
		})
	}
	if c.LLM.Model == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.model",
			Value:   c.LLM.Model,
			Message: "must not be empty",
		})
	}
	if c.LLM.MaxTokens <= 0 {
		errors = append(errors, ValidationError{
			Field:   "llm.max_tokens",
			Value:   c.LLM.MaxTokens,
			Message: "must be positive",
		})
	}
	if c.LLM.BaseURL != "" {
		if u, err := url.Parse(c.LLM.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errors = append(errors, ValidationError{
				Field:   "llm.base_url",
				Value:   c.LLM.BaseURL,
				Message: "must be an absolute URL",
			})
		}
	}
	if c.LLM.Timeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "llm.timeout",
			Value:   c.LLM.Timeout,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateEscrow() []ValidationError {
	if slices.Contains(ValidEscrowProviders(), c.Escrow.Provider) {
		return nil
	}
	return []ValidationError{{
		Field:   "escrow.provider",
		Value:   c.Escrow.Provider,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidEscrowProviders(), ", ")),
	}}
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
