// Package server exposes negotiations over HTTP: a JSON API for the
// participant's own controls and websocket endpoints for observers and the
// network peer.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/Iron-Ham/parley/internal/contract"
	"github.com/Iron-Ham/parley/internal/errors"
	"github.com/Iron-Ham/parley/internal/logging"
	"github.com/Iron-Ham/parley/internal/orchestrator"
	"github.com/Iron-Ham/parley/internal/registry"
	"github.com/Iron-Ham/parley/internal/session"
)

// Milestone actions accepted by POST /negotiations/{id}/milestones/{mid}/{action}.
const (
	ActionConfirm       = "confirm"
	ActionProposeAmount = "propose-amount"
	ActionAcceptAmount  = "accept-amount"
	ActionVerifyStart   = "verify-start"
	ActionVerify        = "verify"
	ActionRelease       = "release"
	ActionRefund        = "refund"
)

// PeerHandler takes ownership of an upgraded /ws/peer connection. An error
// rejects the connection and the server closes it.
type PeerHandler func(conn *websocket.Conn) error

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPeerHandler enables /ws/peer.
func WithPeerHandler(h PeerHandler) Option {
	return func(s *Server) {
		s.peerHandler = h
	}
}

// WithCheckOrigin overrides the websocket origin check. The default accepts
// every origin.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = fn
	}
}

// Server routes requests to the negotiations in a Manager.
type Server struct {
	negotiations *orchestrator.Manager
	registry     *registry.Registry
	logger       *logging.Logger
	peerHandler  PeerHandler
	upgrader     websocket.Upgrader
	router       chi.Router
}

// New creates a server. It panics if negotiations or reg is nil.
func New(negotiations *orchestrator.Manager, reg *registry.Registry, opts ...Option) *Server {
	if negotiations == nil {
		panic("server: negotiations manager must not be nil")
	}
	if reg == nil {
		panic("server: registry must not be nil")
	}
	s := &Server{
		negotiations: negotiations,
		registry:     reg,
		logger:       logging.NopLogger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/stats", s.handleStats)

	r.Get("/ws/observe", s.handleObserve)
	r.Get("/ws/peer", s.handlePeer)

	r.Route("/negotiations", func(api chi.Router) {
		api.Get("/", s.handleList)
		api.Route("/{id}", func(neg chi.Router) {
			neg.Get("/", s.handleSnapshot)
			neg.Post("/transcript", s.handleTranscript)
			neg.Post("/sign", s.handleSign)
			neg.Post("/milestones/{mid}/{action}", s.handleMilestone)
			neg.Post("/reset", s.handleReset)
			neg.Post("/dismiss", s.handleDismiss)
		})
	})
	return r
}

func (s *Server) negotiation(w http.ResponseWriter, r *http.Request) (*orchestrator.Negotiation, bool) {
	n, err := s.negotiations.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return nil, false
	}
	return n, true
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id":   newRequestID(),
		"registry":     s.registry.Stats(),
		"negotiations": len(s.negotiations.List()),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id":   newRequestID(),
		"negotiations": s.negotiations.List(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	n, ok := s.negotiation(w, r)
	if !ok {
		return
	}
	snap, err := n.Snapshot(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": newRequestID(), "negotiation": snap})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	n, ok := s.negotiation(w, r)
	if !ok {
		return
	}
	var entry session.TranscriptEntry
	if err := readJSON(r, &entry); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadJSON, err.Error(), nil)
		return
	}
	if err := n.AddTranscript(r.Context(), entry); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"request_id": newRequestID(), "accepted": true})
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	n, ok := s.negotiation(w, r)
	if !ok {
		return
	}
	doc, err := n.Sign(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": newRequestID(), "document": doc})
}

type milestoneRequest struct {
	Amount  *int64 `json:"amount,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

func (s *Server) handleMilestone(w http.ResponseWriter, r *http.Request) {
	n, ok := s.negotiation(w, r)
	if !ok {
		return
	}
	id, action := chi.URLParam(r, "mid"), chi.URLParam(r, "action")

	var req milestoneRequest
	if r.ContentLength != 0 {
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, CodeBadJSON, err.Error(), nil)
			return
		}
	}

	ctx := r.Context()
	var (
		m   contract.Milestone
		err error
	)
	switch action {
	case ActionConfirm:
		m, err = n.ConfirmMilestone(ctx, id)
	case ActionProposeAmount:
		if req.Amount == nil {
			s.writeErr(w, errors.NewValidationError("amount is required").WithField("amount"))
			return
		}
		m, err = n.ProposeMilestoneAmount(ctx, id, *req.Amount)
	case ActionAcceptAmount:
		m, err = n.AcceptMilestoneAmount(ctx, id)
	case ActionVerifyStart:
		m, err = n.StartVerification(ctx, id)
	case ActionVerify:
		outcome := contract.VerificationOutcome(req.Outcome)
		if !outcome.Valid() {
			s.writeErr(w, errors.NewValidationError("unknown verification outcome").
				WithField("outcome").WithValue(req.Outcome))
			return
		}
		m, err = n.RecordVerification(ctx, id, outcome, req.Notes)
	case ActionRelease:
		m, err = n.ReleaseMilestone(ctx, id)
	case ActionRefund:
		m, err = n.RefundMilestone(ctx, id)
	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "unknown milestone action "+action, nil)
		return
	}
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": newRequestID(), "milestone": m})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	n, ok := s.negotiation(w, r)
	if !ok {
		return
	}
	if err := n.Reset(r.Context()); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": newRequestID(), "reset": true})
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	n, ok := s.negotiation(w, r)
	if !ok {
		return
	}
	var req struct {
		UserID string `json:"userId"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadJSON, err.Error(), nil)
		return
	}
	if err := n.Dismiss(r.Context(), req.UserID); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": newRequestID(), "dismissed": true})
}
