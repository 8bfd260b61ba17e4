// Package panel defines the messages pushed to observer surfaces. Each panel
// is a JSON object tagged by its "panel" field and carries the complete
// state it describes, so an observer that joins late needs no history.
package panel

import (
	"encoding/json"
	"time"

	"github.com/Iron-Ham/parley/internal/contract"
	"github.com/Iron-Ham/parley/internal/errors"
	"github.com/Iron-Ham/parley/internal/session"
)

// Kind is the value of the "panel" tag.
type Kind string

const (
	KindAgent      Kind = "agent"
	KindStatus     Kind = "status"
	KindTranscript Kind = "transcript"
	KindDocument   Kind = "document"
	KindMilestone  Kind = "milestone"
	KindError      Kind = "error"
)

// Panel is implemented by every panel type.
type Panel interface {
	PanelKind() Kind
}

// Agent is something an agent said that is not a move.
type Agent struct {
	Panel     Kind      `json:"panel"`
	UserID    string    `json:"userId"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Status describes the negotiation as a whole.
type Status struct {
	Panel         Kind           `json:"panel"`
	RoomID        string         `json:"roomId"`
	Users         []string       `json:"users"`
	SessionStatus session.Status `json:"sessionStatus"`
	PeerConnected bool           `json:"peerConnected"`
}

// Transcript is the whole transcript: final entries plus open partials.
type Transcript struct {
	Panel    Kind                      `json:"panel"`
	RoomID   string                    `json:"roomId"`
	Entries  []session.TranscriptEntry `json:"entries"`
	Partials []session.TranscriptEntry `json:"partials"`
}

// Document is the current contract, or nil after a reset.
type Document struct {
	Panel    Kind                    `json:"panel"`
	RoomID   string                  `json:"roomId"`
	Document *contract.LegalDocument `json:"document"`
	Reveal   bool                    `json:"reveal"`
}

// Milestone is one milestone record of the current document.
type Milestone struct {
	Panel      Kind               `json:"panel"`
	RoomID     string             `json:"roomId"`
	DocumentID string             `json:"documentId"`
	Milestone  contract.Milestone `json:"milestone"`
}

// Error reports a failure that stopped the negotiation.
type Error struct {
	Panel   Kind   `json:"panel"`
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

func (Agent) PanelKind() Kind      { return KindAgent }
func (Status) PanelKind() Kind     { return KindStatus }
func (Transcript) PanelKind() Kind { return KindTranscript }
func (Document) PanelKind() Kind   { return KindDocument }
func (Milestone) PanelKind() Kind  { return KindMilestone }
func (Error) PanelKind() Kind      { return KindError }

// NewAgent builds an agent panel.
func NewAgent(userID, text string, at time.Time) Agent {
	return Agent{Panel: KindAgent, UserID: userID, Text: text, Timestamp: at.UTC()}
}

// NewStatus builds a status panel.
func NewStatus(roomID string, users []string, status session.Status, peerConnected bool) Status {
	if users == nil {
		users = []string{}
	}
	return Status{Panel: KindStatus, RoomID: roomID, Users: users, SessionStatus: status, PeerConnected: peerConnected}
}

// NewTranscript builds a transcript panel.
func NewTranscript(roomID string, entries, partials []session.TranscriptEntry) Transcript {
	if entries == nil {
		entries = []session.TranscriptEntry{}
	}
	if partials == nil {
		partials = []session.TranscriptEntry{}
	}
	return Transcript{Panel: KindTranscript, RoomID: roomID, Entries: entries, Partials: partials}
}

// NewDocument builds a document panel.
func NewDocument(roomID string, doc *contract.LegalDocument, reveal bool) Document {
	return Document{Panel: KindDocument, RoomID: roomID, Document: doc, Reveal: reveal}
}

// NewMilestone builds a milestone panel.
func NewMilestone(roomID, documentID string, m contract.Milestone) Milestone {
	return Milestone{Panel: KindMilestone, RoomID: roomID, DocumentID: documentID, Milestone: m}
}

// NewError builds an error panel.
func NewError(roomID, message string) Error {
	return Error{Panel: KindError, RoomID: roomID, Message: message}
}

// Encode marshals p with its tag set.
func Encode(p Panel) ([]byte, error) {
	return json.Marshal(p)
}

// Decode returns the concrete panel encoded in data.
func Decode(data []byte) (Panel, error) {
	var tag struct {
		Panel Kind `json:"panel"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, errors.NewValidationError("panel is not a JSON object").WithCause(err)
	}

	var p Panel
	var err error
	switch tag.Panel {
	case KindAgent:
		p, err = decodeAs[Agent](data)
	case KindStatus:
		p, err = decodeAs[Status](data)
	case KindTranscript:
		p, err = decodeAs[Transcript](data)
	case KindDocument:
		p, err = decodeAs[Document](data)
	case KindMilestone:
		p, err = decodeAs[Milestone](data)
	case KindError:
		p, err = decodeAs[Error](data)
	default:
		return nil, errors.NewValidationError("unknown panel").WithField("panel").WithValue(tag.Panel)
	}
	if err != nil {
		return nil, errors.NewValidationError("malformed panel").WithField("panel").WithValue(tag.Panel).WithCause(err)
	}
	return p, nil
}

func decodeAs[T Panel](data []byte) (Panel, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
