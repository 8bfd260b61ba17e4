package orchestrator

import (
	"cmp"
	"slices"

	"github.com/Iron-Ham/parley/internal/event"
	"github.com/Iron-Ham/parley/internal/panel"
	"github.com/Iron-Ham/parley/internal/session"
)

// wirePanels turns session and contract events into panels for the room.
// Handlers run synchronously on the publishing goroutine and read state
// back after the publisher has released its lock.
func (n *Negotiation) wirePanels() {
	n.bus.Subscribe(event.TypeStatusChanged, func(event.Event) {
		n.broadcast(n.statusPanel())
	})
	n.bus.Subscribe(event.TypePeerDisconnected, func(event.Event) {
		n.broadcast(n.statusPanel())
	})
	n.bus.Subscribe(event.TypeTranscript, func(event.Event) {
		n.broadcast(n.transcriptPanel())
	})
	n.bus.Subscribe(event.TypeDocumentSet, func(e event.Event) {
		ev, ok := e.(event.DocumentSetEvent)
		n.broadcast(panel.NewDocument(n.cfg.RoomID, n.tracker.Document(), ok && ev.Reveal))
	})
	for _, t := range []string{event.TypeSignatureAdded, event.TypeDocumentStatusChanged} {
		n.bus.Subscribe(t, func(event.Event) {
			n.broadcast(panel.NewDocument(n.cfg.RoomID, n.tracker.Document(), false))
		})
	}
	n.bus.Subscribe(event.TypeMilestoneUpdated, func(e event.Event) {
		ev, ok := e.(event.MilestoneUpdatedEvent)
		if !ok {
			return
		}
		m, err := n.tracker.Milestone(ev.MilestoneID)
		if err != nil {
			n.logger.Debug("milestone vanished before broadcast", "milestone_id", ev.MilestoneID, "error", err)
			return
		}
		n.broadcast(panel.NewMilestone(n.cfg.RoomID, ev.DocumentID, m))
	})
	n.bus.Subscribe(event.TypeContractReset, func(event.Event) {
		n.broadcast(panel.NewDocument(n.cfg.RoomID, nil, false))
	})
	n.bus.Subscribe(event.TypeNegotiationHalted, func(e event.Event) {
		reason := "negotiation halted"
		if ev, ok := e.(event.NegotiationHaltedEvent); ok && ev.Reason != "" {
			reason = ev.Reason
		}
		n.broadcast(panel.NewError(n.cfg.RoomID, reason))
	})
}

func (n *Negotiation) statusPanel() panel.Status {
	var users []string
	if n.registry != nil {
		users = n.registry.RoomUsers(n.cfg.RoomID)
	}
	return panel.NewStatus(n.cfg.RoomID, users, n.session.Status(), n.peerConnected.Load())
}

func (n *Negotiation) transcriptPanel() panel.Transcript {
	return panel.NewTranscript(n.cfg.RoomID, n.session.Transcript(), sortedPartials(n.session.Partials()))
}

func sortedPartials(partials map[string]session.TranscriptEntry) []session.TranscriptEntry {
	out := make([]session.TranscriptEntry, 0, len(partials))
	for _, e := range partials {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b session.TranscriptEntry) int {
		return cmp.Compare(a.Speaker, b.Speaker)
	})
	return out
}

// currentPanels is the state a newly joined observer needs.
func (n *Negotiation) currentPanels(userID string) []panel.Panel {
	panels := []panel.Panel{n.statusPanel(), n.transcriptPanel()}
	if doc := n.tracker.Document(); doc != nil {
		panels = append(panels, panel.NewDocument(n.cfg.RoomID, doc, !n.tracker.Dismissed(userID)))
	}
	if n.halted {
		panels = append(panels, panel.NewError(n.cfg.RoomID, n.haltReason))
	}
	return panels
}

func (n *Negotiation) broadcast(p panel.Panel) {
	if n.registry == nil {
		return
	}
	data, err := panel.Encode(p)
	if err != nil {
		n.logger.Error("failed to encode panel", "panel", p.PanelKind(), "error", err)
		return
	}
	delivered := n.registry.Broadcast(n.cfg.RoomID, data)
	n.logger.Debug("panel broadcast", "panel", p.PanelKind(), "delivered", delivered)
}
