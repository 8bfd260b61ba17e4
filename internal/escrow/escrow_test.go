package escrow

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/parley/internal/errors"
)

func TestMemory_PlaceAndRelease(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory(WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	holdID, err := m.PlaceHold(ctx, 50000, "USD")
	if err != nil {
		t.Fatalf("PlaceHold() error = %v", err)
	}
	if !strings.HasPrefix(holdID, "hold_") {
		t.Errorf("hold id %q should be prefixed with hold_", holdID)
	}
	if m.OpenHolds() != 1 {
		t.Errorf("OpenHolds() = %d, want 1", m.OpenHolds())
	}

	receipt, err := m.Release(ctx, holdID)
	if err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if receipt.HoldID != holdID || receipt.Amount != 50000 || receipt.Currency != "USD" {
		t.Errorf("unexpected receipt: %+v", receipt)
	}
	if !receipt.ReleasedAt.Equal(fixed) {
		t.Errorf("ReleasedAt = %v, want %v", receipt.ReleasedAt, fixed)
	}
	if m.OpenHolds() != 0 {
		t.Errorf("OpenHolds() after release = %d, want 0", m.OpenHolds())
	}
}

func TestMemory_ClosedHolds(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		first func(m *Memory, id string) error
		then  func(m *Memory, id string) error
	}{
		{
			name:  "double release",
			first: func(m *Memory, id string) error { _, err := m.Release(ctx, id); return err },
			then:  func(m *Memory, id string) error { _, err := m.Release(ctx, id); return err },
		},
		{
			name:  "refund after release",
			first: func(m *Memory, id string) error { _, err := m.Release(ctx, id); return err },
			then:  func(m *Memory, id string) error { return m.Refund(ctx, id) },
		},
		{
			name:  "release after refund",
			first: func(m *Memory, id string) error { return m.Refund(ctx, id) },
			then:  func(m *Memory, id string) error { _, err := m.Release(ctx, id); return err },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemory()
			id, err := m.PlaceHold(ctx, 100, "EUR")
			if err != nil {
				t.Fatal(err)
			}
			if err := tt.first(m, id); err != nil {
				t.Fatalf("first operation failed: %v", err)
			}

			err = tt.then(m, id)
			if !errors.Is(err, errors.ErrProvider) {
				t.Fatalf("second operation error = %v, want ProviderError", err)
			}
			var provErr *errors.ProviderError
			if !errors.As(err, &provErr) || provErr.Code != "hold_closed" {
				t.Errorf("expected hold_closed code, got %v", err)
			}
		})
	}
}

func TestMemory_Errors(t *testing.T) {
	m := NewMemory()

	if _, err := m.PlaceHold(context.Background(), 0, "USD"); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("PlaceHold(0) error = %v, want ErrInvalidInput", err)
	}

	if err := m.Refund(context.Background(), "hold_missing"); !errors.Is(err, errors.ErrProvider) {
		t.Errorf("Refund(unknown) error = %v, want ErrProvider", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.PlaceHold(ctx, 100, "USD"); !errors.Is(err, context.Canceled) {
		t.Errorf("PlaceHold(canceled) error = %v, want context.Canceled", err)
	}
}
