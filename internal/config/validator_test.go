package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{
		Field:   "test.field",
		Value:   123,
		Message: "must be greater than zero",
	}

	expected := "test.field: must be greater than zero (got: 123)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestValidationErrors_Error(t *testing.T) {
	t.Run("empty errors", func(t *testing.T) {
		var errs ValidationErrors
		if errs.Error() != "" {
			t.Errorf("Error() for empty = %q, want empty string", errs.Error())
		}
	})

	t.Run("single error", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "test.field", Value: 123, Message: "is invalid"},
		}
		expected := "test.field: is invalid (got: 123)"
		if errs.Error() != expected {
			t.Errorf("Error() = %q, want %q", errs.Error(), expected)
		}
	})

	t.Run("multiple errors", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "field1", Value: "bad", Message: "is invalid"},
			{Field: "field2", Value: -1, Message: "must be positive"},
		}
		result := errs.Error()
		if !strings.Contains(result, "2 validation errors") {
			t.Errorf("Error() should mention 2 errors: %s", result)
		}
		if !strings.Contains(result, "field1") || !strings.Contains(result, "field2") {
			t.Errorf("Error() should mention both fields: %s", result)
		}
	})
}

func TestConfig_Validate_DefaultConfig(t *testing.T) {
	cfg := Default()
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("Default config should be valid, got errors: %v", errs)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{"empty listen addr", func(c *Config) { c.Server.ListenAddr = "" }, "server.listen_addr"},
		{"negative header timeout", func(c *Config) { c.Server.ReadHeaderTimeout = -time.Second }, "server.read_header_timeout"},
		{"bad user id", func(c *Config) { c.Participant.UserID = "al ice" }, "participant.user_id"},
		{"unknown role", func(c *Config) { c.Participant.Role = "broker" }, "participant.role"},
		{"http peer url", func(c *Config) { c.Peer.URL = "http://example.com/ws/peer" }, "peer.url"},
		{"zero handshake timeout", func(c *Config) { c.Peer.HandshakeTimeout = 0 }, "peer.handshake_timeout"},
		{"tiny frames", func(c *Config) { c.Peer.MaxMessageBytes = 10 }, "peer.max_message_bytes"},
		{"bad negotiation id", func(c *Config) { c.Negotiation.ID = "-leading" }, "negotiation.id"},
		{"bad room id", func(c *Config) { c.Negotiation.RoomID = "room/1" }, "negotiation.room_id"},
		{"lowercase currency", func(c *Config) { c.Negotiation.Currency = "usd" }, "negotiation.currency"},
		{"too many retries", func(c *Config) { c.Negotiation.MaxLLMRetries = 11 }, "negotiation.max_llm_retries"},
		{"negative retries", func(c *Config) { c.Negotiation.MaxLLMRetries = -1 }, "negotiation.max_llm_retries"},
		{"sub-second window", func(c *Config) { c.Negotiation.RecentTranscriptWindow = time.Millisecond }, "negotiation.recent_transcript_window"},
		{"negative max turns", func(c *Config) { c.Negotiation.MaxTurns = -1 }, "negotiation.max_turns"},
		{"unknown llm provider", func(c *Config) { c.LLM.Provider = "cohere" }, "llm.provider"},
		{"empty model", func(c *Config) { c.LLM.Model = "" }, "llm.model"},
		{"zero max tokens", func(c *Config) { c.LLM.MaxTokens = 0 }, "llm.max_tokens"},
		{"relative base url", func(c *Config) { c.LLM.BaseURL = "/v1" }, "llm.base_url"},
		{"zero llm timeout", func(c *Config) { c.LLM.Timeout = 0 }, "llm.timeout"},
		{"unknown escrow", func(c *Config) { c.Escrow.Provider = "stripe" }, "escrow.provider"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"zero log size", func(c *Config) { c.Logging.MaxSizeMB = 0 }, "logging.max_size_mb"},
		{"huge log size", func(c *Config) { c.Logging.MaxSizeMB = 5000 }, "logging.max_size_mb"},
		{"negative backups", func(c *Config) { c.Logging.MaxBackups = -1 }, "logging.max_backups"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			errs := cfg.Validate()
			if len(errs) != 1 {
				t.Fatalf("expected exactly 1 error, got %d: %v", len(errs), errs)
			}
			if errs[0].Field != tt.wantField {
				t.Errorf("Field = %q, want %q", errs[0].Field, tt.wantField)
			}
		})
	}
}

func TestConfig_Validate_AcceptsValidOverrides(t *testing.T) {
	cfg := Default()
	cfg.Participant.UserID = "bob.smith"
	cfg.Participant.Role = "provider"
	cfg.Peer.URL = "wss://peer.example.com/ws/peer"
	cfg.Negotiation.ID = "neg_2024-01"
	cfg.Negotiation.Currency = "EUR"
	cfg.Negotiation.MaxLLMRetries = 0
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "http://localhost:11434/v1"
	cfg.Escrow.Provider = "none"
	cfg.Logging.Level = ""

	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
}
