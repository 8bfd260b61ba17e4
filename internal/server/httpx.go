package server

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/Iron-Ham/parley/internal/errors"
	"github.com/Iron-Ham/parley/internal/logging"
)

// Error codes written in the error envelope.
const (
	CodeBadJSON      = "BAD_JSON"
	CodeValidation   = "VALIDATION_FAILED"
	CodeNotFound     = "NOT_FOUND"
	CodeInvalidState = "INVALID_STATE"
	CodeHalted       = "NEGOTIATION_HALTED"
	CodeStopped      = "NEGOTIATION_STOPPED"
	CodeProvider     = "PROVIDER_ERROR"
	CodeInternal     = "INTERNAL"
)

func newRequestID() string { return "req_" + uuid.NewString() }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, map[string]any{
		"request_id": newRequestID(),
		"error": map[string]any{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}

// writeErr maps err onto a status and code from the error taxonomy. Server
// side failures are logged at the error's severity, and their text reaches
// the client only when the error is marked user-facing.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status, code := classify(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		logAtSeverity(s.logger, err, "request failed", "status", status, "code", code)
		if !errors.IsUserFacing(err) {
			message = http.StatusText(status)
		}
	}
	var details any
	var ve *errors.ValidationError
	if errors.As(err, &ve) && ve.Field != "" {
		details = map[string]any{"field": ve.Field}
	}
	writeError(w, status, code, message, details)
}

func logAtSeverity(l *logging.Logger, err error, msg string, args ...any) {
	args = append(args, "error", err)
	switch errors.GetSeverity(err) {
	case errors.SeverityDebug:
		l.Debug(msg, args...)
	case errors.SeverityInfo:
		l.Info(msg, args...)
	case errors.SeverityWarning:
		l.Warn(msg, args...)
	default:
		l.Error(msg, args...)
	}
}

func classify(err error) (int, string) {
	var (
		notFound *errors.NotFoundError
		invalid  *errors.ValidationError
		provider *errors.ProviderError
	)
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, errors.ErrNegotiationHalted):
		return http.StatusConflict, CodeHalted
	case errors.Is(err, errors.ErrInvalidMilestoneState), errors.Is(err, errors.ErrNoDocument):
		return http.StatusConflict, CodeInvalidState
	case errors.As(err, &invalid), errors.Is(err, errors.ErrNotAParty):
		return http.StatusBadRequest, CodeValidation
	case errors.As(err, &provider):
		return http.StatusBadGateway, CodeProvider
	case errors.Is(err, errors.ErrNegotiationStopped):
		return http.StatusServiceUnavailable, CodeStopped
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}
