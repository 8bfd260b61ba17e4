// Package orchestrator runs one side of a two-agent negotiation.
//
// A Negotiation owns the session and contract tracker of a single
// negotiation. It consumes messages from the peer channel, asks the model
// for the local agent's next move, and turns every state change into panels
// broadcast to the negotiation's observer room.
//
// All mutation happens on the goroutine running Run. Public methods submit
// commands to that goroutine and wait for the reply, so callers never need
// to hold a lock around the session or tracker.
package orchestrator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Iron-Ham/parley/internal/config"
	"github.com/Iron-Ham/parley/internal/contract"
	"github.com/Iron-Ham/parley/internal/errors"
	"github.com/Iron-Ham/parley/internal/escrow"
	"github.com/Iron-Ham/parley/internal/event"
	"github.com/Iron-Ham/parley/internal/llm"
	"github.com/Iron-Ham/parley/internal/logging"
	"github.com/Iron-Ham/parley/internal/orchestrator/prompt"
	"github.com/Iron-Ham/parley/internal/orchestrator/retry"
	"github.com/Iron-Ham/parley/internal/peer"
	"github.com/Iron-Ham/parley/internal/registry"
	"github.com/Iron-Ham/parley/internal/session"
)

// Defaults applied by New when a Config field is left zero.
const (
	DefaultCurrency               = "USD"
	DefaultMaxTokens              = 1024
	DefaultRecentTranscriptWindow = 2 * time.Minute
)

// Config describes the local side of one negotiation.
type Config struct {
	NegotiationID string
	// RoomID is the observer room panels go to (default: NegotiationID)
	RoomID string
	Self   contract.Party
	// Initiator marks the side expected to call Start
	Initiator bool
	Currency  string

	Model     string
	MaxTokens int

	// MaxLLMRetries is how many times a failed turn is retried
	MaxLLMRetries int
	// RecentTranscriptWindow bounds the conversation fed to the model
	RecentTranscriptWindow time.Duration
	// MaxTurns caps the local agent's moves (0 = unlimited)
	MaxTurns int
}

// ConfigFrom maps the loaded configuration onto a negotiation Config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		NegotiationID: cfg.Negotiation.ID,
		RoomID:        cfg.Negotiation.RoomID,
		Self: contract.Party{
			UserID: cfg.Participant.UserID,
			Name:   cfg.Participant.Name,
			Role:   contract.Role(cfg.Participant.Role),
		},
		Initiator:              cfg.Negotiation.Initiator,
		Currency:               cfg.Negotiation.Currency,
		Model:                  cfg.LLM.Model,
		MaxTokens:              cfg.LLM.MaxTokens,
		MaxLLMRetries:          cfg.Negotiation.MaxLLMRetries,
		RecentTranscriptWindow: cfg.Negotiation.RecentTranscriptWindow,
		MaxTurns:               cfg.Negotiation.MaxTurns,
	}
}

func (c *Config) applyDefaults() {
	if c.RoomID == "" {
		c.RoomID = c.NegotiationID
	}
	if c.Self.Name == "" {
		c.Self.Name = c.Self.UserID
	}
	if c.Currency == "" {
		c.Currency = DefaultCurrency
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.MaxLLMRetries < 0 {
		c.MaxLLMRetries = 0
	}
	if c.RecentTranscriptWindow <= 0 {
		c.RecentTranscriptWindow = DefaultRecentTranscriptWindow
	}
}

func (c Config) validate() error {
	if c.NegotiationID == "" {
		return errors.NewValidationError("negotiation id is required").WithField("negotiation.id")
	}
	if c.Self.UserID == "" {
		return errors.NewValidationError("participant user id is required").WithField("participant.user_id")
	}
	if !c.Self.Role.Valid() {
		return errors.NewValidationError("unknown participant role").
			WithField("participant.role").WithValue(c.Self.Role)
	}
	return nil
}

// Option configures a Negotiation.
type Option func(*Negotiation)

// WithRegistry sets the registry panels are broadcast through. Without one
// panels are dropped.
func WithRegistry(r *registry.Registry) Option {
	return func(n *Negotiation) {
		n.registry = r
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(n *Negotiation) {
		if l != nil {
			n.logger = l
		}
	}
}

// WithEscrow sets the payment provider used for milestone holds.
func WithEscrow(p escrow.Provider) Option {
	return func(n *Negotiation) {
		n.escrow = p
	}
}

// WithClock overrides the clock used for transcript, signature and log times.
func WithClock(clock func() time.Time) Option {
	return func(n *Negotiation) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// Proposal is a set of terms waiting for an answer.
type Proposal struct {
	ID     string         `json:"id"`
	From   string         `json:"from"`
	Terms  contract.Terms `json:"terms"`
	SentAt time.Time      `json:"sentAt"`
}

// command runs on the Run goroutine.
type command func(ctx context.Context)

// Negotiation coordinates one side of a negotiation.
type Negotiation struct {
	cfg      Config
	endpoint peer.Endpoint
	model    llm.Provider
	registry *registry.Registry
	escrow   escrow.Provider
	logger   *logging.Logger
	clock    func() time.Time

	bus     *event.Bus
	session *session.Session
	tracker *contract.Tracker
	retries *retry.Manager
	prompts *prompt.TurnBuilder

	cmds          chan command
	done          chan struct{}
	running       atomic.Bool
	peerConnected atomic.Bool

	// Owned by the Run goroutine.
	ctx          context.Context
	counterparty contract.Party
	open         []Proposal
	history      []string
	turns        int
	halted       bool
	haltReason   string
}

// New creates a negotiation over endpoint. The endpoint must already be
// paired. Run must be called before any other method can complete.
func New(cfg Config, endpoint peer.Endpoint, model llm.Provider, opts ...Option) (*Negotiation, error) {
	if endpoint == nil {
		panic("orchestrator: peer.Endpoint must not be nil")
	}
	if model == nil {
		panic("orchestrator: llm.Provider must not be nil")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	n := &Negotiation{
		cfg:      cfg,
		endpoint: endpoint,
		model:    model,
		logger:   logging.NopLogger(),
		clock:    time.Now,
		bus:      event.NewBus(),
		retries:  retry.NewManager(),
		prompts:  prompt.NewTurnBuilder(),
		cmds:     make(chan command),
		done:     make(chan struct{}),
		ctx:      context.Background(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.WithNegotiation(cfg.NegotiationID).WithUser(cfg.Self.UserID)

	n.session = session.New(cfg.NegotiationID, n.bus, session.WithClock(n.clock))
	trackerOpts := []contract.TrackerOption{
		contract.WithLogger(n.logger),
		contract.WithClock(n.clock),
	}
	if n.escrow != nil {
		trackerOpts = append(trackerOpts, contract.WithEscrow(n.escrow))
	}
	n.tracker = contract.NewTracker(cfg.NegotiationID, n.bus, trackerOpts...)

	other := endpoint.OtherUserID()
	n.counterparty = contract.Party{UserID: other, Name: other, Role: cfg.Self.Role.Counterpart()}

	n.wirePanels()
	return n, nil
}

// ID returns the negotiation id.
func (n *Negotiation) ID() string { return n.cfg.NegotiationID }

// RoomID returns the observer room.
func (n *Negotiation) RoomID() string { return n.cfg.RoomID }

// Self returns the local party.
func (n *Negotiation) Self() contract.Party { return n.cfg.Self }

// Initiator reports whether this side opens the negotiation.
func (n *Negotiation) Initiator() bool { return n.cfg.Initiator }

// Bus returns the negotiation's event bus.
func (n *Negotiation) Bus() *event.Bus { return n.bus }

// Done is closed when Run returns.
func (n *Negotiation) Done() <-chan struct{} { return n.done }

// Run processes peer messages and commands until ctx is canceled. It
// returns nil on cancellation. Run may only be called once.
func (n *Negotiation) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return errors.NewNegotiationError("negotiation is already running", nil).
			WithNegotiation(n.cfg.NegotiationID)
	}
	defer close(n.done)

	n.ctx = ctx
	n.peerConnected.Store(true)
	n.logger.Info("negotiation started", "counterparty", n.counterparty.UserID, "initiator", n.cfg.Initiator)
	n.activate()

	inbox := n.endpoint.Receive()
	disconnected := n.endpoint.Disconnected()
	for {
		select {
		case <-ctx.Done():
			n.logger.Info("negotiation stopped")
			return nil
		case cmd := <-n.cmds:
			cmd(ctx)
		case msg, ok := <-inbox:
			if !ok {
				inbox = nil
				continue
			}
			n.handlePeer(msg)
		case <-disconnected:
			disconnected = nil
			n.peerLost()
		}
	}
}

// do runs fn on the Run goroutine and waits for its result.
func do[T any](ctx context.Context, n *Negotiation, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		zero     T
		value    T
		err      error
		finished = make(chan struct{})
	)
	cmd := func(runCtx context.Context) {
		defer close(finished)
		value, err = fn(runCtx)
	}

	select {
	case n.cmds <- cmd:
	case <-n.done:
		return zero, n.stoppedError()
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case <-finished:
		return value, err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (n *Negotiation) stoppedError() error {
	return errors.NewNegotiationError("negotiation is not running", errors.ErrNegotiationStopped).
		WithNegotiation(n.cfg.NegotiationID).
		WithSeverity(errors.SeverityInfo)
}

// allowedTransitions lists the status edges the orchestrator takes. Any
// status may also move to error.
var allowedTransitions = map[session.Status][]session.Status{
	session.StatusDiscovering: {session.StatusActive},
	session.StatusActive:      {session.StatusNegotiating},
	session.StatusNegotiating: {session.StatusSigning},
	session.StatusSigning:     {session.StatusNegotiating, session.StatusCompleted},
}

func canTransition(from, to session.Status) bool {
	if to == session.StatusError {
		return from != session.StatusError
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition moves the session to next when the edge is allowed. It
// reports whether the status changed.
func (n *Negotiation) transition(next session.Status) bool {
	cur := n.session.Status()
	if cur == next {
		return false
	}
	if !canTransition(cur, next) {
		n.logger.Debug("status transition skipped", "from", cur, "to", next)
		return false
	}
	n.session.SetStatus(next)
	n.logger.Info("status changed", "from", cur, "to", next)
	return true
}

// activate leaves discovering once a peer is paired.
func (n *Negotiation) activate() {
	if n.session.Status() == session.StatusDiscovering && n.endpoint.OtherUserID() != "" {
		n.transition(session.StatusActive)
	}
}

// halt stops the negotiation from advancing. Later peer messages and turns
// are ignored until Reset.
func (n *Negotiation) halt(err error) {
	if n.halted {
		return
	}
	n.halted = true
	n.haltReason = err.Error()
	n.logger.Error("negotiation halted", "error", err, "severity", errors.GetSeverity(err).String())
	n.session.SetStatus(session.StatusError)
	n.bus.Publish(event.NewNegotiationHaltedEvent(n.cfg.NegotiationID, n.haltReason))
}

func (n *Negotiation) peerLost() {
	n.peerConnected.Store(false)
	n.logger.Warn("peer disconnected", "peer", n.counterparty.UserID)
	n.bus.Publish(event.NewPeerDisconnectedEvent(n.cfg.NegotiationID, n.cfg.Self.UserID, n.counterparty.UserID))
}

func (n *Negotiation) now() time.Time {
	return n.clock().UTC()
}
