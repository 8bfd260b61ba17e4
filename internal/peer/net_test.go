package peer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Iron-Ham/parley/internal/errors"
)

// netPair starts a websocket server that accepts as bob and dials it as
// alice.
func netPair(t *testing.T) (*NetEndpoint, *NetEndpoint) {
	t.Helper()

	accepted := make(chan *NetEndpoint, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		e, err := Accept(conn, "bob")
		if err != nil {
			t.Errorf("Accept() error = %v", err)
			return
		}
		accepted <- e
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	alice, err := Dial(ctx, url, "alice")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	var bob *NetEndpoint
	select {
	case bob = <-accepted:
	case <-ctx.Done():
		t.Fatal("server never accepted")
	}
	for _, e := range []*NetEndpoint{alice, bob} {
		if err := e.WaitPaired(ctx); err != nil {
			t.Fatalf("WaitPaired(%s) error = %v", e.UserID(), err)
		}
	}
	t.Cleanup(func() {
		_ = alice.Close()
		_ = bob.Close()
	})
	return alice, bob
}

func TestNetEndpoint_Pairing(t *testing.T) {
	alice, bob := netPair(t)
	if alice.OtherUserID() != "bob" || bob.OtherUserID() != "alice" {
		t.Errorf("OtherUserID() = %q/%q", alice.OtherUserID(), bob.OtherUserID())
	}
}

func TestNetEndpoint_OrderAndCopy(t *testing.T) {
	alice, bob := netPair(t)

	ids := []string{"p1", "p2", "p3"}
	for _, id := range ids {
		if err := alice.Send(proposal("alice", id)); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}
	for _, want := range ids {
		got := receive(t, bob)
		if got.ProposalID != want {
			t.Fatalf("received %s, want %s", got.ProposalID, want)
		}
		if got.Terms == nil || *got.Terms.LineItems[0].Amount != 50000 {
			t.Errorf("terms did not survive the wire: %+v", got.Terms)
		}
	}

	if err := bob.Send(proposal("bob", "p4")); err != nil {
		t.Fatal(err)
	}
	if got := receive(t, alice); got.FromAgent != "bob" {
		t.Errorf("FromAgent = %q", got.FromAgent)
	}
}

func TestNetEndpoint_CloseNotifiesPartner(t *testing.T) {
	alice, bob := netPair(t)

	if err := alice.Close(); err != nil {
		t.Fatal(err)
	}
	for _, e := range []*NetEndpoint{alice, bob} {
		select {
		case <-e.Disconnected():
		case <-time.After(waitTimeout):
			t.Fatalf("%s not disconnected", e.UserID())
		}
	}
	if err := bob.Send(proposal("bob", "p1")); !errors.Is(err, errors.ErrPeerClosed) {
		t.Errorf("Send() after partner close error = %v, want ErrPeerClosed", err)
	}
}

func TestNetEndpoint_NotPairedBeforeHello(t *testing.T) {
	// The server upgrades but never says hello.
	hold := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		<-hold
		_ = conn.Close()
	}))
	defer srv.Close()
	defer close(hold)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	alice, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), "alice")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = alice.Close() }()

	if err := alice.Send(proposal("alice", "p1")); !errors.Is(err, errors.ErrNotPaired) {
		t.Errorf("Send() before hello error = %v, want ErrNotPaired", err)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	err = alice.WaitPaired(short)
	if !errors.Is(err, context.DeadlineExceeded) || !errors.Is(err, errors.ErrTimeout) {
		t.Errorf("WaitPaired() error = %v, want a timeout wrapping deadline exceeded", err)
	}
	var timeout *errors.TimeoutError
	if !errors.As(err, &timeout) || timeout.Operation != "wait for partner hello" {
		t.Errorf("WaitPaired() error = %#v, want *TimeoutError", err)
	}
	if !errors.IsRetryable(err) || errors.GetSeverity(err) != errors.SeverityWarning {
		t.Errorf("timeout retryable=%v severity=%v, want retryable warning", errors.IsRetryable(err), errors.GetSeverity(err))
	}

	canceled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	err = alice.WaitPaired(canceled)
	if !errors.Is(err, errors.ErrCanceled) || !errors.Is(err, context.Canceled) {
		t.Errorf("WaitPaired() after cancel error = %v, want ErrCanceled", err)
	}
	if errors.Is(err, errors.ErrTimeout) {
		t.Errorf("WaitPaired() after cancel error = %v, should not be a timeout", err)
	}
}
