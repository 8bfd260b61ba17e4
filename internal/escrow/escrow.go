// Package escrow defines the payment collaborator used to hold and release
// milestone funds. The core stores hold ids and receipts but never
// interprets them.
package escrow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/parley/internal/errors"
)

// Provider places, releases and refunds escrow holds.
type Provider interface {
	// PlaceHold reserves amount (minor units) and returns an opaque hold id.
	PlaceHold(ctx context.Context, amount int64, currency string) (string, error)
	// Release pays out a hold to the provider side.
	Release(ctx context.Context, holdID string) (Receipt, error)
	// Refund returns a hold to the client side.
	Refund(ctx context.Context, holdID string) error
}

// Receipt is returned by a successful release.
type Receipt struct {
	HoldID     string    `json:"holdId"`
	ReceiptID  string    `json:"receiptId"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
	ReleasedAt time.Time `json:"releasedAt"`
}

type holdState int

const (
	holdOpen holdState = iota
	holdReleased
	holdRefunded
)

type hold struct {
	amount   int64
	currency string
	state    holdState
}

// Memory is an in-process Provider for demos and tests.
// It is safe for concurrent use.
type Memory struct {
	mu    sync.Mutex
	holds map[string]*hold
	clock func() time.Time
}

// MemoryOption configures a Memory provider.
type MemoryOption func(*Memory)

// WithClock overrides the clock used for receipt timestamps.
func WithClock(clock func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.clock = clock
	}
}

// NewMemory creates an empty in-memory escrow provider.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		holds: make(map[string]*hold),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PlaceHold implements Provider.
func (m *Memory) PlaceHold(ctx context.Context, amount int64, currency string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", errors.NewProviderError("memory", "place hold", err)
	}
	if amount <= 0 {
		return "", errors.NewValidationError("hold amount must be positive").WithField("amount").WithValue(amount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := "hold_" + uuid.NewString()
	m.holds[id] = &hold{amount: amount, currency: currency}
	return id, nil
}

// Release implements Provider. A hold can be released once and never after
// a refund.
func (m *Memory) Release(ctx context.Context, holdID string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, errors.NewProviderError("memory", "release", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h, err := m.openHold(holdID)
	if err != nil {
		return Receipt{}, err
	}
	h.state = holdReleased
	return Receipt{
		HoldID:     holdID,
		ReceiptID:  "rcpt_" + uuid.NewString(),
		Amount:     h.amount,
		Currency:   h.currency,
		ReleasedAt: m.clock().UTC(),
	}, nil
}

// Refund implements Provider. A hold can be refunded once and never after
// a release.
func (m *Memory) Refund(ctx context.Context, holdID string) error {
	if err := ctx.Err(); err != nil {
		return errors.NewProviderError("memory", "refund", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h, err := m.openHold(holdID)
	if err != nil {
		return err
	}
	h.state = holdRefunded
	return nil
}

// openHold must be called with mu held.
func (m *Memory) openHold(holdID string) (*hold, error) {
	h, ok := m.holds[holdID]
	if !ok {
		return nil, errors.NewProviderError("memory", "unknown hold "+holdID, nil).WithCode("hold_not_found")
	}
	switch h.state {
	case holdReleased:
		return nil, errors.NewProviderError("memory", "hold "+holdID+" already released", nil).WithCode("hold_closed")
	case holdRefunded:
		return nil, errors.NewProviderError("memory", "hold "+holdID+" already refunded", nil).WithCode("hold_closed")
	}
	return h, nil
}

// OpenHolds reports how many holds are neither released nor refunded.
func (m *Memory) OpenHolds() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, h := range m.holds {
		if h.state == holdOpen {
			n++
		}
	}
	return n
}
