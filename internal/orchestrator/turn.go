package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/Iron-Ham/parley/internal/contract"
	"github.com/Iron-Ham/parley/internal/errors"
	"github.com/Iron-Ham/parley/internal/llm"
	"github.com/Iron-Ham/parley/internal/orchestrator/prompt"
	"github.com/Iron-Ham/parley/internal/panel"
	"github.com/Iron-Ham/parley/internal/protocol"
	"github.com/Iron-Ham/parley/internal/session"
)

// Tool names offered to the model.
const (
	ToolProposeTerms = "propose_terms"
	ToolCounterOffer = "counter_offer"
	ToolAcceptOffer  = "accept_offer"
	ToolRejectOffer  = "reject_offer"
)

var lineItemSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"id":          map[string]any{"type": "string", "description": "Stable line item id; generated when omitted"},
		"description": map[string]any{"type": "string"},
		"amount":      map[string]any{"type": "integer", "description": "Fixed price in minor units"},
		"minAmount":   map[string]any{"type": "integer", "description": "Lower bound of a price range in minor units"},
		"maxAmount":   map[string]any{"type": "integer", "description": "Upper bound of a price range in minor units"},
	},
	"required": []string{"description"},
}

func termsProperties() map[string]any {
	return map[string]any{
		"title":     map[string]any{"type": "string"},
		"currency":  map[string]any{"type": "string", "description": "ISO currency code; defaults to the negotiation currency"},
		"notes":     map[string]any{"type": "string"},
		"lineItems": map[string]any{"type": "array", "items": lineItemSchema},
	}
}

// tools returns the moves the model may make.
func tools() []llm.Tool {
	counter := termsProperties()
	counter["proposalId"] = map[string]any{"type": "string", "description": "Proposal being countered; defaults to the latest open one"}

	return []llm.Tool{
		{
			Name:        ToolProposeTerms,
			Description: "Propose a new set of terms to the other side.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": termsProperties(),
				"required":   []string{"title", "lineItems"},
			},
		},
		{
			Name:        ToolCounterOffer,
			Description: "Replace the other side's open proposal with different terms.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": counter,
				"required":   []string{"lineItems"},
			},
		},
		{
			Name:        ToolAcceptOffer,
			Description: "Accept the other side's open proposal. This produces the contract to sign.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"proposalId": map[string]any{"type": "string"},
				},
			},
		},
		{
			Name:        ToolRejectOffer,
			Description: "Reject the other side's open proposal without making a new one.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"proposalId": map[string]any{"type": "string"},
					"reason":     map[string]any{"type": "string"},
				},
				"required": []string{"reason"},
			},
		},
	}
}

type lineItemInput struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Amount      *int64 `json:"amount"`
	MinAmount   *int64 `json:"minAmount"`
	MaxAmount   *int64 `json:"maxAmount"`
}

type termsInput struct {
	ProposalID string          `json:"proposalId"`
	Title      string          `json:"title"`
	Currency   string          `json:"currency"`
	Notes      string          `json:"notes"`
	LineItems  []lineItemInput `json:"lineItems"`
}

type answerInput struct {
	ProposalID string `json:"proposalId"`
	Reason     string `json:"reason"`
}

// decodeInput converts tool arguments into a typed struct.
func decodeInput(tool string, input map[string]any, into any) error {
	raw, err := json.Marshal(input)
	if err == nil {
		err = json.Unmarshal(raw, into)
	}
	if err != nil {
		return errors.NewValidationError("tool arguments do not match the schema").
			WithField(tool).WithCause(errors.Join(errors.ErrMalformedToolArguments, err))
	}
	return nil
}

func (n *Negotiation) toTerms(in termsInput) (contract.Terms, error) {
	terms := contract.Terms{
		Title:     in.Title,
		Currency:  in.Currency,
		Notes:     in.Notes,
		LineItems: make([]contract.LineItem, 0, len(in.LineItems)),
	}
	if terms.Currency == "" {
		terms.Currency = n.cfg.Currency
	}
	for i, li := range in.LineItems {
		id := li.ID
		if id == "" {
			id = fmt.Sprintf("li-%d", i+1)
		}
		terms.LineItems = append(terms.LineItems, contract.LineItem{
			ID:          id,
			Description: li.Description,
			Amount:      li.Amount,
			MinAmount:   li.MinAmount,
			MaxAmount:   li.MaxAmount,
		})
	}
	if err := terms.Validate(); err != nil {
		return contract.Terms{}, err
	}
	return terms, nil
}

// takeTurn asks the model for the local agent's move and applies it. A
// failed attempt is retried; when retries run out the negotiation halts.
func (n *Negotiation) takeTurn() {
	if n.halted || n.ctx.Err() != nil {
		return
	}
	switch n.session.Status() {
	case session.StatusCompleted, session.StatusError:
		return
	}
	if n.cfg.MaxTurns > 0 && n.turns >= n.cfg.MaxTurns {
		n.logger.Info("turn limit reached", "turns", n.turns)
		return
	}

	n.turns++
	key := fmt.Sprintf("turn-%d", n.turns)
	n.retries.Begin(key, n.cfg.MaxLLMRetries)

	var lastErr error
	for n.retries.ShouldAttempt(key) {
		err := n.attemptTurn()
		if n.ctx.Err() != nil {
			return
		}
		n.retries.RecordAttempt(key, err)
		if err == nil {
			return
		}
		lastErr = err
		n.logger.Warn("turn attempt failed", "turn", key, "error", err, "retryable", errors.IsRetryable(err))
	}

	n.halt(errors.NewNegotiationError(fmt.Sprintf("%s failed after %d attempt(s)", key, n.cfg.MaxLLMRetries+1), lastErr).
		WithNegotiation(n.cfg.NegotiationID).
		WithStatus(string(n.session.Status())).
		WithSeverity(errors.SeverityCritical))
}

// attemptTurn makes one model call. It has no side effects unless the
// chosen move is valid.
func (n *Negotiation) attemptTurn() error {
	req, err := n.buildRequest()
	if err != nil {
		return err
	}
	resp, err := n.model.CreateMessage(n.ctx, req)
	if err != nil {
		return err
	}

	if text := resp.Text(); text != "" {
		n.broadcast(panel.NewAgent(n.cfg.Self.UserID, text, n.now()))
	}
	uses := resp.ToolUses()
	if len(uses) == 0 {
		n.logger.Debug("model made no move", "stop_reason", resp.StopReason)
		return nil
	}
	if len(uses) > 1 {
		n.logger.Debug("ignoring extra tool calls", "count", len(uses)-1)
	}
	return n.applyTool(uses[0])
}

func (n *Negotiation) buildRequest() (llm.Request, error) {
	ctx := n.promptContext()
	system, err := n.prompts.System(ctx)
	if err != nil {
		return llm.Request{}, err
	}
	turn, err := n.prompts.Turn(ctx)
	if err != nil {
		return llm.Request{}, err
	}
	return llm.Request{
		Model:     n.cfg.Model,
		MaxTokens: n.cfg.MaxTokens,
		System:    system,
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: turn}},
		Tools:     tools(),
	}, nil
}

func (n *Negotiation) promptContext() *prompt.Context {
	ctx := &prompt.Context{
		Self:             partyInfo(n.cfg.Self),
		Counterparty:     partyInfo(n.counterparty),
		Status:           string(n.session.Status()),
		Currency:         n.cfg.Currency,
		RecentTranscript: n.session.RecentTranscriptText(n.cfg.RecentTranscriptWindow),
		Log:              n.history,
	}
	if n.cfg.MaxTurns > 0 {
		ctx.TurnsLeft = n.cfg.MaxTurns - n.turns + 1
	}
	for _, p := range n.open {
		info := prompt.ProposalInfo{
			ID:       p.ID,
			From:     p.From,
			Title:    p.Terms.Title,
			Currency: p.Terms.Currency,
			Notes:    p.Terms.Notes,
			Mine:     p.From == n.cfg.Self.UserID,
		}
		for _, li := range p.Terms.LineItems {
			info.LineItems = append(info.LineItems, prompt.LineItemInfo{
				ID:          li.ID,
				Description: li.Description,
				Amount:      li.Amount,
				MinAmount:   li.MinAmount,
				MaxAmount:   li.MaxAmount,
			})
		}
		ctx.OpenProposals = append(ctx.OpenProposals, info)
	}
	return ctx
}

func partyInfo(p contract.Party) prompt.PartyInfo {
	return prompt.PartyInfo{UserID: p.UserID, Name: p.Name, Role: string(p.Role)}
}

// applyTool validates the model's move against the current state, sends
// it to the peer and then applies it locally.
func (n *Negotiation) applyTool(call llm.ContentBlock) error {
	switch call.Name {
	case ToolProposeTerms:
		return n.proposeTerms(call.Input)
	case ToolCounterOffer:
		return n.counterOffer(call.Input)
	case ToolAcceptOffer:
		return n.acceptOffer(call.Input)
	case ToolRejectOffer:
		return n.rejectOffer(call.Input)
	default:
		return errors.NewValidationError("unknown tool").WithField("tool").WithValue(call.Name)
	}
}

func (n *Negotiation) invalidMove(message string) error {
	return errors.NewNegotiationError(message, errors.ErrInvalidInput).
		WithNegotiation(n.cfg.NegotiationID).
		WithStatus(string(n.session.Status())).
		WithSeverity(errors.SeverityWarning)
}

func (n *Negotiation) proposeTerms(input map[string]any) error {
	if _, ok := n.latestPeerProposal(); ok {
		return n.invalidMove("answer the open proposal before proposing new terms")
	}
	var in termsInput
	if err := decodeInput(ToolProposeTerms, input, &in); err != nil {
		return err
	}
	terms, err := n.toTerms(in)
	if err != nil {
		return err
	}

	msg := n.newMessage(protocol.KindPropose)
	msg.ProposalID = protocol.NewProposalID()
	msg.Terms = &terms
	if err := n.send(msg); err != nil {
		return err
	}

	n.addProposal(Proposal{ID: msg.ProposalID, From: n.cfg.Self.UserID, Terms: terms.Clone(), SentAt: msg.SentAt})
	n.record(n.cfg.Self.UserID, "proposed "+describeTerms(msg.ProposalID, terms))
	n.transition(session.StatusNegotiating)
	return nil
}

// target resolves the peer proposal a move answers.
func (n *Negotiation) target(proposalID string) (Proposal, error) {
	if proposalID == "" {
		if p, ok := n.latestPeerProposal(); ok {
			return p, nil
		}
		return Proposal{}, n.invalidMove("there is no open proposal to answer")
	}
	p, ok := n.proposal(proposalID)
	if !ok || p.From == n.cfg.Self.UserID {
		return Proposal{}, n.invalidMove("proposal " + proposalID + " is not an open proposal from the other side")
	}
	return p, nil
}

func (n *Negotiation) counterOffer(input map[string]any) error {
	var in termsInput
	if err := decodeInput(ToolCounterOffer, input, &in); err != nil {
		return err
	}
	target, err := n.target(in.ProposalID)
	if err != nil {
		return err
	}
	terms, err := n.toTerms(in)
	if err != nil {
		return err
	}

	msg := n.newMessage(protocol.KindCounter)
	msg.ProposalID = protocol.NewProposalID()
	msg.InReplyTo = target.ID
	msg.Terms = &terms
	if err := n.send(msg); err != nil {
		return err
	}

	n.closeProposal(target.ID)
	n.addProposal(Proposal{ID: msg.ProposalID, From: n.cfg.Self.UserID, Terms: terms.Clone(), SentAt: msg.SentAt})
	n.record(n.cfg.Self.UserID, fmt.Sprintf("countered %s with %s", target.ID, describeTerms(msg.ProposalID, terms)))
	return nil
}

func (n *Negotiation) acceptOffer(input map[string]any) error {
	var in answerInput
	if err := decodeInput(ToolAcceptOffer, input, &in); err != nil {
		return err
	}
	target, err := n.target(in.ProposalID)
	if err != nil {
		return err
	}

	msg := n.newMessage(protocol.KindAccept)
	msg.InReplyTo = target.ID
	if err := n.send(msg); err != nil {
		return err
	}

	n.record(n.cfg.Self.UserID, "accepted "+target.ID)
	if err := n.conclude(target); err != nil {
		// The peer already has our acceptance; retrying cannot undo it.
		n.halt(err)
	}
	return nil
}

func (n *Negotiation) rejectOffer(input map[string]any) error {
	var in answerInput
	if err := decodeInput(ToolRejectOffer, input, &in); err != nil {
		return err
	}
	target, err := n.target(in.ProposalID)
	if err != nil {
		return err
	}

	msg := n.newMessage(protocol.KindReject)
	msg.InReplyTo = target.ID
	msg.Reason = in.Reason
	if err := n.send(msg); err != nil {
		return err
	}

	n.closeProposal(target.ID)
	action := "rejected " + target.ID
	if in.Reason != "" {
		action += ": " + in.Reason
	}
	n.record(n.cfg.Self.UserID, action)
	return nil
}
