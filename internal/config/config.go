package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the complete parley configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Participant ParticipantConfig `mapstructure:"participant" yaml:"participant"`
	Peer        PeerConfig        `mapstructure:"peer" yaml:"peer"`
	Negotiation NegotiationConfig `mapstructure:"negotiation" yaml:"negotiation"`
	LLM         LLMConfig         `mapstructure:"llm" yaml:"llm"`
	Escrow      EscrowConfig      `mapstructure:"escrow" yaml:"escrow"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig controls the HTTP and websocket listener
type ServerConfig struct {
	// ListenAddr is the address the server binds to (default: "127.0.0.1:8420")
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	// ReadHeaderTimeout bounds how long a client may take to send request headers
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
}

// ParticipantConfig identifies the local side of the negotiation
type ParticipantConfig struct {
	// UserID is the stable id of the local participant
	UserID string `mapstructure:"user_id" yaml:"user_id"`
	// Name is the display name written into the contract
	Name string `mapstructure:"name" yaml:"name"`
	// Role is the contract role of the local participant
	// Options: "client", "provider"
	Role string `mapstructure:"role" yaml:"role"`
}

// PeerConfig controls the connection to the other participant's agent
type PeerConfig struct {
	// URL is the websocket URL of the peer's /ws/peer endpoint.
	// When empty, serve waits for the peer to dial in.
	URL string `mapstructure:"url" yaml:"url"`
	// HandshakeTimeout bounds the wait for the peer's hello frame
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	// MaxMessageBytes caps the size of a single peer frame
	MaxMessageBytes int64 `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
}

// NegotiationConfig controls the orchestrator
type NegotiationConfig struct {
	// ID is the negotiation id shared by both participants
	ID string `mapstructure:"id" yaml:"id"`
	// RoomID is the observer room panels are broadcast to (default: the negotiation id)
	RoomID string `mapstructure:"room_id" yaml:"room_id"`
	// Initiator makes this side take the first turn
	Initiator bool `mapstructure:"initiator" yaml:"initiator"`
	// Currency is the ISO currency code for proposed terms (default: "USD")
	Currency string `mapstructure:"currency" yaml:"currency"`
	// MaxLLMRetries is how many times a failed or invalid turn is retried
	MaxLLMRetries int `mapstructure:"max_llm_retries" yaml:"max_llm_retries"`
	// RecentTranscriptWindow is how much recent conversation is fed to the model
	RecentTranscriptWindow time.Duration `mapstructure:"recent_transcript_window" yaml:"recent_transcript_window"`
	// MaxTurns stops the local agent after this many moves (0 = unlimited)
	MaxTurns int `mapstructure:"max_turns" yaml:"max_turns"`
}

// LLMConfig selects and tunes the model provider
type LLMConfig struct {
	// Provider is the backend to call
	// Options: "anthropic", "openai"
	Provider string `mapstructure:"provider" yaml:"provider"`
	// Model is the model name passed to the provider
	Model string `mapstructure:"model" yaml:"model"`
	// MaxTokens caps the response size
	MaxTokens int `mapstructure:"max_tokens" yaml:"max_tokens"`
	// BaseURL overrides the provider endpoint (empty uses the provider default)
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// APIKeyEnv names the environment variable holding the API key
	APIKeyEnv string `mapstructure:"api_key_env" yaml:"api_key_env"`
	// Timeout bounds a single provider request
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// EscrowConfig selects the payment provider
type EscrowConfig struct {
	// Provider is the escrow backend
	// Options: "memory", "none"
	Provider string `mapstructure:"provider" yaml:"provider"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled turns logging on (default: true)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Level is the minimum level written
	// Options: "debug", "info", "warn", "error"
	Level string `mapstructure:"level" yaml:"level"`
	// Dir is the log directory (empty writes to stderr)
	Dir string `mapstructure:"dir" yaml:"dir"`
	// MaxSizeMB is the size at which the log file is rotated
	MaxSizeMB int `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups is how many rotated files are kept
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups"`
	// Compress gzips rotated files
	Compress bool `mapstructure:"compress" yaml:"compress"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:        "127.0.0.1:8420",
			ReadHeaderTimeout: 5 * time.Second,
		},
		Participant: ParticipantConfig{
			Role: "client",
		},
		Peer: PeerConfig{
			HandshakeTimeout: 10 * time.Second,
			MaxMessageBytes:  1 << 20,
		},
		Negotiation: NegotiationConfig{
			Currency:               "USD",
			MaxLLMRetries:          2,
			RecentTranscriptWindow: 2 * time.Minute,
			MaxTurns:               20,
		},
		LLM: LLMConfig{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4-5",
			MaxTokens: 1024,
			APIKeyEnv: "ANTHROPIC_API_KEY",
			Timeout:   60 * time.Second,
		},
		Escrow: EscrowConfig{
			Provider: "memory",
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// SetDefaults registers default values with the global viper instance
func SetDefaults() {
	SetDefaultsOn(viper.GetViper())
}

// SetDefaultsOn registers default values with v
func SetDefaultsOn(v *viper.Viper) {
	defaults := Default()

	// Server defaults
	v.SetDefault("server.listen_addr", defaults.Server.ListenAddr)
	v.SetDefault("server.read_header_timeout", defaults.Server.ReadHeaderTimeout)

	// Participant defaults
	v.SetDefault("participant.user_id", defaults.Participant.UserID)
	v.SetDefault("participant.name", defaults.Participant.Name)
	v.SetDefault("participant.role", defaults.Participant.Role)

	// Peer defaults
	v.SetDefault("peer.url", defaults.Peer.URL)
	v.SetDefault("peer.handshake_timeout", defaults.Peer.HandshakeTimeout)
	v.SetDefault("peer.max_message_bytes", defaults.Peer.MaxMessageBytes)

	// Negotiation defaults
	v.SetDefault("negotiation.id", defaults.Negotiation.ID)
	v.SetDefault("negotiation.room_id", defaults.Negotiation.RoomID)
	v.SetDefault("negotiation.initiator", defaults.Negotiation.Initiator)
	v.SetDefault("negotiation.currency", defaults.Negotiation.Currency)
	v.SetDefault("negotiation.max_llm_retries", defaults.Negotiation.MaxLLMRetries)
	v.SetDefault("negotiation.recent_transcript_window", defaults.Negotiation.RecentTranscriptWindow)
	v.SetDefault("negotiation.max_turns", defaults.Negotiation.MaxTurns)

	// LLM defaults
	v.SetDefault("llm.provider", defaults.LLM.Provider)
	v.SetDefault("llm.model", defaults.LLM.Model)
	v.SetDefault("llm.max_tokens", defaults.LLM.MaxTokens)
	v.SetDefault("llm.base_url", defaults.LLM.BaseURL)
	v.SetDefault("llm.api_key_env", defaults.LLM.APIKeyEnv)
	v.SetDefault("llm.timeout", defaults.LLM.Timeout)

	// Escrow defaults
	v.SetDefault("escrow.provider", defaults.Escrow.Provider)

	// Logging defaults
	v.SetDefault("logging.enabled", defaults.Logging.Enabled)
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.dir", defaults.Logging.Dir)
	v.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	v.SetDefault("logging.compress", defaults.Logging.Compress)
}

// Load reads the configuration from the global viper instance into a Config
// struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom decodes v into a Config and validates it. Durations may be given
// as strings such as "90s" or "2m".
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, err
	}

	cfg.applyDerived()

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// applyDerived fills values that default to other fields.
func (c *Config) applyDerived() {
	if c.Negotiation.RoomID == "" {
		c.Negotiation.RoomID = c.Negotiation.ID
	}
	if c.Participant.Name == "" {
		c.Participant.Name = c.Participant.UserID
	}
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// APIKey returns the LLM API key from the configured environment variable.
func (c *LLMConfig) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "parley")
	}
	// Fall back to ~/.config/parley
	home, err := os.UserHomeDir()
	if err != nil {
		return ".parley"
	}
	return filepath.Join(home, ".config", "parley")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
