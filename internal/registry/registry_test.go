package registry

import (
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/parley/internal/errors"
	"github.com/Iron-Ham/parley/internal/event"
)

// fakeTransport records what it was sent and how it was closed.
type fakeTransport struct {
	mu       sync.Mutex
	name     string
	open     bool
	sent     [][]byte
	code     CloseCode
	reason   string
	closes   int
	sendFail bool
}

func newFake(name string) *fakeTransport {
	return &fakeTransport{name: name, open: true}
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendFail {
		return fmt.Errorf("%s: broken pipe", f.name)
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransport) Close(code CloseCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.code = code
	f.reason = reason
	f.closes++
	return nil
}

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeTransport) received() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

var (
	alice       = Identity{UserID: "alice"}
	aliceMobile = Identity{UserID: "alice", Surface: SurfaceMobile}
	bob         = Identity{UserID: "bob"}
	carol       = Identity{UserID: "carol"}
)

func TestRegisterSocket_Replacement(t *testing.T) {
	bus := event.NewBus()
	var kinds []string
	bus.SubscribeAll(func(e event.Event) { kinds = append(kinds, e.EventType()) })
	r := New(WithBus(bus))

	first, second := newFake("first"), newFake("second")
	r.RegisterSocket(alice, first)
	if err := r.JoinRoom(alice, "room-1"); err != nil {
		t.Fatal(err)
	}
	r.RegisterSocket(alice, second)

	if first.IsOpen() || first.code != CloseReplaced || first.reason != ReasonReplaced {
		t.Errorf("first transport: open=%v code=%d reason=%q", first.IsOpen(), first.code, first.reason)
	}
	if !second.IsOpen() {
		t.Error("second transport should stay open")
	}

	if n := r.SendToUser("alice", []byte("hello")); n != 1 {
		t.Errorf("SendToUser() = %d, want 1", n)
	}
	if first.received() != 0 || second.received() != 1 {
		t.Errorf("deliveries first=%d second=%d", first.received(), second.received())
	}
	if room, _ := r.Room(alice); room != "room-1" {
		t.Errorf("room after replacement = %q, want room-1", room)
	}

	want := []string{event.TypeSocketRegistered, event.TypeSocketReplaced}
	if !slices.Equal(kinds, want) {
		t.Errorf("events = %v, want %v", kinds, want)
	}
	if r.Stats().Replaced != 1 {
		t.Errorf("Stats().Replaced = %d", r.Stats().Replaced)
	}
}

// reportingTransport tells the registry it closed from inside Close, the way
// a socket's read loop does when its connection ends.
type reportingTransport struct {
	*fakeTransport
	r  *Registry
	id Identity
	// removed records what SocketClosed returned.
	removed chan bool
}

func (t *reportingTransport) Close(code CloseCode, reason string) error {
	_ = t.fakeTransport.Close(code, reason)
	t.removed <- t.r.SocketClosed(t.id, t)
	return nil
}

func TestRegisterSocket_ReplacedCloseReentersRegistry(t *testing.T) {
	r := New()
	first := &reportingTransport{fakeTransport: newFake("first"), r: r, id: alice, removed: make(chan bool, 1)}
	second := newFake("second")
	r.RegisterSocket(alice, first)

	done := make(chan struct{})
	go func() {
		r.RegisterSocket(alice, second)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RegisterSocket() deadlocked closing the replaced transport")
	}

	if <-first.removed {
		t.Error("SocketClosed() from the replaced transport removed the new mapping")
	}
	if n := r.SendToUser("alice", []byte("hello")); n != 1 || second.received() != 1 {
		t.Errorf("SendToUser() = %d, second received %d, want the new transport", n, second.received())
	}
}

func TestRegisterSocket_SameTransportTwice(t *testing.T) {
	r := New()
	tr := newFake("t")
	r.RegisterSocket(alice, tr)
	r.RegisterSocket(alice, tr)
	if !tr.IsOpen() || tr.closes != 0 {
		t.Error("re-registering the same transport must not close it")
	}
}

func TestSocketClosed_IgnoresSuperseded(t *testing.T) {
	r := New()
	first, second := newFake("first"), newFake("second")
	r.RegisterSocket(alice, first)
	r.RegisterSocket(alice, second)

	if r.SocketClosed(alice, first) {
		t.Error("close from a superseded transport should not remove anything")
	}
	if n := r.SendToUser("alice", []byte("x")); n != 1 {
		t.Fatalf("SendToUser() = %d after stale close, want 1", n)
	}

	if !r.SocketClosed(alice, second) {
		t.Error("close from the current transport should remove it")
	}
	if _, ok := r.Room(alice); ok {
		t.Error("identity should be gone")
	}
}

func TestSendToUser(t *testing.T) {
	r := New()

	if n := r.SendToUser("nobody", []byte("x")); n != 0 {
		t.Errorf("SendToUser(unknown) = %d", n)
	}

	desk, phone := newFake("desk"), newFake("phone")
	r.RegisterSocket(alice, desk)
	r.RegisterSocket(aliceMobile, phone)
	if n := r.SendToUser("alice", []byte("x")); n != 2 {
		t.Errorf("SendToUser() across surfaces = %d, want 2", n)
	}

	phone.open = false
	if n := r.SendToUser("alice", []byte("x")); n != 1 {
		t.Errorf("SendToUser() with one closed transport = %d, want 1", n)
	}
	if phone.received() != 1 {
		t.Error("closed transport should not be written to")
	}

	if !r.SendToIdentity(alice, []byte("x")) || r.SendToIdentity(aliceMobile, []byte("x")) {
		t.Error("SendToIdentity() should reach only the open identity")
	}
}

func TestBroadcast_RoomIsolation(t *testing.T) {
	r := New()
	ta, tb, tc := newFake("a"), newFake("b"), newFake("c")
	r.RegisterSocket(alice, ta)
	r.RegisterSocket(bob, tb)
	r.RegisterSocket(carol, tc)
	for id, room := range map[Identity]string{alice: "room-1", bob: "room-1", carol: "room-2"} {
		if err := r.JoinRoom(id, room); err != nil {
			t.Fatal(err)
		}
	}

	if n := r.Broadcast("room-1", []byte("x")); n != 2 {
		t.Errorf("Broadcast() = %d, want 2", n)
	}
	if tc.received() != 0 {
		t.Error("broadcast leaked into another room")
	}

	// Bob moves away and must stop receiving room-1 traffic.
	if err := r.JoinRoom(bob, "room-2"); err != nil {
		t.Fatal(err)
	}
	if n := r.Broadcast("room-1", []byte("y")); n != 1 {
		t.Errorf("Broadcast() after move = %d, want 1", n)
	}
	if tb.received() != 1 {
		t.Errorf("bob received %d, want 1", tb.received())
	}

	r.LeaveRoom(alice)
	if n := r.Broadcast("room-1", []byte("z")); n != 0 {
		t.Errorf("Broadcast() to empty room = %d", n)
	}

	s := r.Stats()
	if s.Broadcasts != 3 || s.Delivered != 3 || s.Connections != 3 || s.Rooms != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestBroadcast_CountsFailures(t *testing.T) {
	r := New()
	good, bad := newFake("good"), newFake("bad")
	bad.sendFail = true
	r.RegisterSocket(alice, good)
	r.RegisterSocket(bob, bad)
	_ = r.JoinRoom(alice, "room-1")
	_ = r.JoinRoom(bob, "room-1")

	if n := r.Broadcast("room-1", []byte("x")); n != 1 {
		t.Errorf("Broadcast() = %d, want 1", n)
	}
	if s := r.Stats(); s.Failed != 1 || s.Delivered != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestBroadcast_ManyTransports(t *testing.T) {
	r := New(WithMaxConcurrency(4))
	var fakes []*fakeTransport
	for i := range 40 {
		f := newFake(fmt.Sprint(i))
		id := Identity{UserID: fmt.Sprintf("user-%02d", i)}
		r.RegisterSocket(id, f)
		_ = r.JoinRoom(id, "room-1")
		fakes = append(fakes, f)
	}

	if n := r.Broadcast("room-1", []byte("x")); n != 40 {
		t.Errorf("Broadcast() = %d, want 40", n)
	}
	for _, f := range fakes {
		if f.received() != 1 {
			t.Fatalf("%s received %d", f.name, f.received())
		}
	}
}

func TestUnregister(t *testing.T) {
	r := New()
	ta, tb, tc := newFake("a"), newFake("b"), newFake("c")
	r.RegisterSocket(alice, ta)
	r.RegisterSocket(bob, tb)
	r.RegisterSocket(carol, tc)
	_ = r.JoinRoom(alice, "room-1")
	_ = r.JoinRoom(bob, "room-1")
	_ = r.JoinRoom(carol, "room-2")

	if !r.UnregisterSocket(carol) || r.UnregisterSocket(carol) {
		t.Error("UnregisterSocket() should remove once")
	}
	if !tc.IsOpen() {
		t.Error("UnregisterSocket() must not close the transport")
	}

	removed := r.UnregisterRoom("room-1")
	if len(removed) != 2 {
		t.Fatalf("UnregisterRoom() removed %d, want 2", len(removed))
	}
	if ta.code != CloseReset || tb.code != CloseReset {
		t.Errorf("reset codes = %d/%d", ta.code, tb.code)
	}
	if r.Stats().Connections != 0 {
		t.Errorf("Connections = %d, want 0", r.Stats().Connections)
	}
	if r.UnregisterRoom("room-1") != nil {
		t.Error("second UnregisterRoom() should remove nothing")
	}

	// A late close from a reset transport is harmless.
	if r.SocketClosed(alice, ta) {
		t.Error("SocketClosed() after reset should be a no-op")
	}
}

func TestJoinRoom_Errors(t *testing.T) {
	r := New()
	if err := r.JoinRoom(alice, "room-1"); !errors.Is(err, &errors.NotFoundError{}) {
		t.Errorf("JoinRoom(unregistered) error = %v, want NotFoundError", err)
	}
	r.RegisterSocket(alice, newFake("a"))
	if err := r.JoinRoom(alice, ""); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("JoinRoom(empty) error = %v, want ErrInvalidInput", err)
	}
}

func TestRoomUsers(t *testing.T) {
	r := New()
	for _, id := range []Identity{bob, alice, aliceMobile, carol} {
		r.RegisterSocket(id, newFake(id.UserID))
	}
	_ = r.JoinRoom(bob, "room-1")
	_ = r.JoinRoom(alice, "room-1")
	_ = r.JoinRoom(aliceMobile, "room-1")
	_ = r.JoinRoom(carol, "room-2")

	if got := r.RoomUsers("room-1"); !slices.Equal(got, []string{"alice", "bob"}) {
		t.Errorf("RoomUsers() = %v", got)
	}
	if got := r.RoomUsers("empty"); got == nil || len(got) != 0 {
		t.Errorf("RoomUsers(empty) = %#v, want empty non-nil", got)
	}
}

func TestConcurrentRegistration(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	transports := make([]*fakeTransport, 20)
	for i := range transports {
		transports[i] = newFake(fmt.Sprint(i))
	}
	for _, tr := range transports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.RegisterSocket(alice, tr)
			_ = r.JoinRoom(alice, "room-1")
			r.Broadcast("room-1", []byte("x"))
		}()
	}
	wg.Wait()

	open := 0
	for _, tr := range transports {
		if tr.IsOpen() {
			open++
		}
	}
	if open != 1 {
		t.Errorf("%d transports open, want exactly 1 canonical", open)
	}
	if r.Stats().Connections != 1 {
		t.Errorf("Connections = %d, want 1", r.Stats().Connections)
	}
}

func TestSurface_Valid(t *testing.T) {
	for _, s := range []Surface{SurfaceDefault, SurfaceDesktop, SurfaceMobile, SurfaceVoice} {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if Surface("watch").Valid() {
		t.Error("unknown surface should be invalid")
	}
}
