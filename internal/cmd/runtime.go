package cmd

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/parley/internal/config"
	"github.com/Iron-Ham/parley/internal/escrow"
	"github.com/Iron-Ham/parley/internal/logging"
)

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	if !cfg.Enabled {
		return logging.NopLogger(), nil
	}
	level := strings.ToUpper(cfg.Level)
	if cfg.Dir == "" {
		return logging.NewLogger("", level)
	}
	return logging.NewLoggerWithRotation(cfg.Dir, level, logging.RotationConfig{
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
}

// newEscrow returns the configured payment provider, or nil when holds are
// disabled.
func newEscrow(cfg config.EscrowConfig) (escrow.Provider, error) {
	switch cfg.Provider {
	case "memory":
		return escrow.NewMemory(), nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown escrow provider %q", cfg.Provider)
	}
}

// requireIdentity checks the settings serve needs beyond validation.
func requireIdentity(cfg *config.Config) error {
	var missing []string
	if cfg.Participant.UserID == "" {
		missing = append(missing, "participant.user_id")
	}
	if cfg.Negotiation.ID == "" {
		missing = append(missing, "negotiation.id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}
