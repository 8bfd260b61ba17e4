package render

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/parley/internal/contract"
	"github.com/Iron-Ham/parley/internal/orchestrator/prompt"
	"github.com/Iron-Ham/parley/internal/panel"
	"github.com/Iron-Ham/parley/internal/session"
)

const timeLayout = "15:04:05"

// Panel renders p as a block of terminal text.
func Panel(p panel.Panel) string {
	switch p := p.(type) {
	case panel.Status:
		return status(p)
	case panel.Transcript:
		return transcript(p)
	case panel.Document:
		return document(p)
	case panel.Milestone:
		return Box.Render(Title.Render("Milestone") + "\n" + milestoneLine(p.Milestone, ""))
	case panel.Agent:
		return fmt.Sprintf("%s %s %s", Muted.Render(p.Timestamp.Format(timeLayout)), Speaker.Render(p.UserID+" (agent):"), p.Text)
	case panel.Error:
		return ErrorBox.Render(Error.Render("Negotiation halted") + "\n" + p.Message)
	default:
		return Muted.Render(fmt.Sprintf("unrenderable panel %s", p.PanelKind()))
	}
}

func status(p panel.Status) string {
	peer := Error.Render("peer disconnected")
	if p.PeerConnected {
		peer = Muted.Render("peer connected")
	}
	users := "nobody watching"
	if len(p.Users) > 0 {
		users = "watching: " + strings.Join(p.Users, ", ")
	}
	return fmt.Sprintf("%s %s %s  %s", Title.Render(p.RoomID), StatusBadge(p.SessionStatus), peer, Muted.Render(users))
}

func transcript(p panel.Transcript) string {
	var b strings.Builder
	b.WriteString(Title.Render("Transcript"))
	if len(p.Entries) == 0 && len(p.Partials) == 0 {
		b.WriteString("\n" + Muted.Render("(silence)"))
	}
	for _, e := range p.Entries {
		b.WriteString("\n" + entryLine(e))
	}
	for _, e := range p.Partials {
		b.WriteString("\n" + Partial.Render(entryLine(e)+" ..."))
	}
	return Box.Render(b.String())
}

func entryLine(e session.TranscriptEntry) string {
	return fmt.Sprintf("%s %s %s", Muted.Render(e.Timestamp.Format(timeLayout)), Speaker.Render(e.Speaker+":"), e.Text)
}

func document(p panel.Document) string {
	doc := p.Document
	if doc == nil {
		return Box.Render(Title.Render("Contract") + "\n" + Muted.Render("(no document)"))
	}
	if !p.Reveal {
		return Box.Render(fmt.Sprintf("%s %s\n%s", Title.Render("Contract "+doc.ID), string(doc.Status),
			Muted.Render(fmt.Sprintf("%d of %d signatures", len(doc.Signatures), len(doc.Parties)))))
	}

	var b strings.Builder
	b.WriteString(Title.Render("Contract " + doc.ID))
	if doc.Terms.Title != "" {
		b.WriteString("  " + doc.Terms.Title)
	}
	b.WriteString("\n")
	for _, party := range doc.Parties {
		mark := Muted.Render("unsigned")
		if sig, ok := signatureOf(doc, party.UserID); ok {
			mark = "signed " + sig.SignedAt.Format(timeLayout)
		}
		fmt.Fprintf(&b, "%s (%s): %s\n", party.Name, party.Role, mark)
	}
	fmt.Fprintf(&b, "Total: %d %s  [%s]", doc.TotalAmount, doc.Currency, doc.Status)
	for _, m := range doc.Milestones {
		b.WriteString("\n" + milestoneLine(m, doc.Currency))
	}
	return Box.Render(b.String())
}

func signatureOf(doc *contract.LegalDocument, userID string) (contract.Signature, bool) {
	for _, s := range doc.Signatures {
		if s.UserID == userID {
			return s, true
		}
	}
	return contract.Signature{}, false
}

func milestoneLine(m contract.Milestone, currency string) string {
	line := fmt.Sprintf("%s %s %s", MilestoneBadge(m.Status), m.Title,
		Muted.Render(strings.TrimSpace(prompt.FormatPrice(m.Amount, m.MinAmount, m.MaxAmount, currency))))
	if m.ProposedAmount != nil && m.Amount == nil {
		line += fmt.Sprintf(" (%s proposed %d)", m.ProposedBy, *m.ProposedAmount)
	}
	if m.EscrowHoldID != "" {
		line += Muted.Render(" held")
	}
	if m.Refunded {
		line += Muted.Render(" refunded")
	}
	return line
}
