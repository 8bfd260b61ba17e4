// Package logging provides structured logging for parley.
//
// This package wraps Go's log/slog to emit JSON lines that carry the
// negotiation, user and room a message belongs to, so a single log file can
// be filtered per negotiation after the fact.
//
// # Features
//
//   - JSON-formatted structured logging via slog
//   - Configurable log levels (DEBUG, INFO, WARN, ERROR)
//   - Context propagation (negotiation ID, user ID, room ID)
//   - Size-based log rotation with optional gzip compression
//
// # Thread Safety
//
// [Logger] and [RotatingWriter] are safe for concurrent use. Child loggers
// created via the With* methods share the parent's writer.
//
// # Basic Usage
//
//	logger, err := logging.NewLoggerWithRotation(dir, "INFO", logging.DefaultRotationConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	negLogger := logger.WithNegotiation("neg-42").WithUser("alice")
//	negLogger.Info("proposal sent", "proposal_id", id)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"proposal sent","negotiation_id":"neg-42","user_id":"alice","proposal_id":"..."}
//
// Components accept a logger through a functional option and default to
// [NopLogger] when none is given.
package logging
