package contract

import (
	"cmp"
	"slices"
	"time"

	"github.com/google/uuid"
)

// documentNamespace scopes deterministic document ids.
var documentNamespace = uuid.MustParse("6f1b3c8e-2f57-4b8a-9d0c-5a4e7f1e2c91")

// DocumentID derives the document id for an accepted proposal. Both sides of
// a negotiation compute the same id without exchanging it.
func DocumentID(proposalID string) string {
	return "doc_" + uuid.NewSHA1(documentNamespace, []byte(proposalID)).String()
}

// MilestoneID derives the milestone id for a line item.
func MilestoneID(lineItemID string) string {
	return "ms_" + lineItemID
}

// BuildDocument turns accepted terms into a draft document with one milestone
// per line item. Fixed items start pending; range items start pending_amount
// until both sides agree on a figure. Parties are ordered client first so
// both sides build identical documents.
func BuildDocument(id, negotiationID string, parties []Party, terms Terms, now time.Time) (*LegalDocument, error) {
	ordered := slices.Clone(parties)
	slices.SortStableFunc(ordered, func(a, b Party) int {
		if a.Role != b.Role {
			if a.Role == RoleClient {
				return -1
			}
			if b.Role == RoleClient {
				return 1
			}
		}
		return cmp.Compare(a.UserID, b.UserID)
	})

	doc := &LegalDocument{
		ID:            id,
		NegotiationID: negotiationID,
		Parties:       ordered,
		Terms:         terms.Clone(),
		Currency:      terms.Currency,
		Signatures:    []Signature{},
		Milestones:    make([]Milestone, 0, len(terms.LineItems)),
		Status:        DocumentDraft,
		CreatedAt:     now.UTC(),
	}

	for _, li := range doc.Terms.LineItems {
		m := Milestone{
			ID:         MilestoneID(li.ID),
			LineItemID: li.ID,
			Title:      li.Description,
			Status:     MilestonePending,
		}
		if li.IsRange() {
			m.Status = MilestonePendingAmount
			m.MinAmount = cloneAmount(li.MinAmount)
			m.MaxAmount = cloneAmount(li.MaxAmount)
		} else {
			m.Amount = cloneAmount(li.Amount)
		}
		doc.Milestones = append(doc.Milestones, m)
	}
	doc.recomputeTotal()

	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}
