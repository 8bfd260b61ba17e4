package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Iron-Ham/parley/internal/contract"
	"github.com/Iron-Ham/parley/internal/errors"
	"github.com/Iron-Ham/parley/internal/llm"
	"github.com/Iron-Ham/parley/internal/logging"
	"github.com/Iron-Ham/parley/internal/orchestrator"
	"github.com/Iron-Ham/parley/internal/panel"
	"github.com/Iron-Ham/parley/internal/peer"
	"github.com/Iron-Ham/parley/internal/registry"
)

const testNegotiation = "neg-1"

type fixture struct {
	ts  *httptest.Server
	reg *registry.Registry
	neg *orchestrator.Negotiation
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	a, _, err := peer.CreatePair("alice", "bob")
	if err != nil {
		t.Fatalf("CreatePair() error = %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	reg := registry.New()
	cfg := orchestrator.Config{
		NegotiationID: testNegotiation,
		Self:          contract.Party{UserID: "alice", Name: "Alice", Role: contract.RoleClient},
	}
	n, err := orchestrator.New(cfg, a, llm.NewScripted(), orchestrator.WithRegistry(reg))
	if err != nil {
		t.Fatalf("orchestrator.New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-n.Done()
	})

	m := orchestrator.NewManager()
	if err := m.Add(n); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	ts := httptest.NewServer(New(m, reg, opts...))
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, reg: reg, neg: n}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if body != "" {
		req.Header.Set("content-type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if resp.ContentLength != 0 {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp.StatusCode, out
}

func (f *fixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.ts.URL, "http") + path
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func assertError(t *testing.T, status int, body map[string]any, wantStatus int, wantCode string) {
	t.Helper()
	if status != wantStatus {
		t.Errorf("status = %d, want %d (body %v)", status, wantStatus, body)
	}
	if got := errorCode(body); got != wantCode {
		t.Errorf("error code = %q, want %q", got, wantCode)
	}
	if id, _ := body["request_id"].(string); !strings.HasPrefix(id, "req_") {
		t.Errorf("request_id = %q, want req_ prefix", id)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	status, _ := f.do(t, http.MethodGet, "/health", "")
	if status != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", status)
	}
}

func TestNegotiationRoutes(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"unknown negotiation", http.MethodGet, "/negotiations/missing", "", http.StatusNotFound, CodeNotFound},
		{"unknown field", http.MethodPost, "/negotiations/neg-1/transcript", `{"speaker":"a","mood":"calm"}`, http.StatusBadRequest, CodeBadJSON},
		{"missing speaker", http.MethodPost, "/negotiations/neg-1/transcript", `{"text":"hi"}`, http.StatusBadRequest, CodeValidation},
		{"sign without document", http.MethodPost, "/negotiations/neg-1/sign", "", http.StatusConflict, CodeInvalidState},
		{"confirm without document", http.MethodPost, "/negotiations/neg-1/milestones/ms_li-1/confirm", "", http.StatusConflict, CodeInvalidState},
		{"unknown action", http.MethodPost, "/negotiations/neg-1/milestones/ms_li-1/teleport", "", http.StatusNotFound, CodeNotFound},
		{"amount required", http.MethodPost, "/negotiations/neg-1/milestones/ms_li-1/propose-amount", `{}`, http.StatusBadRequest, CodeValidation},
		{"bad outcome", http.MethodPost, "/negotiations/neg-1/milestones/ms_li-1/verify", `{"outcome":"maybe"}`, http.StatusBadRequest, CodeValidation},
		{"dismiss without user", http.MethodPost, "/negotiations/neg-1/dismiss", `{}`, http.StatusBadRequest, CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := f.do(t, tt.method, tt.path, tt.body)
			assertError(t, status, body, tt.wantStatus, tt.wantCode)
		})
	}
}

func TestTranscriptAndSnapshot(t *testing.T) {
	f := newFixture(t)

	status, _ := f.do(t, http.MethodPost, "/negotiations/neg-1/transcript",
		`{"speaker":"alice","text":"shall we start at 500?","isLocal":true,"isFinal":true}`)
	if status != http.StatusAccepted {
		t.Fatalf("POST transcript = %d, want 202", status)
	}

	status, body := f.do(t, http.MethodGet, "/negotiations/neg-1", "")
	if status != http.StatusOK {
		t.Fatalf("GET negotiation = %d, want 200", status)
	}
	neg, _ := body["negotiation"].(map[string]any)
	if neg["negotiationId"] != testNegotiation {
		t.Errorf("negotiationId = %v, want %s", neg["negotiationId"], testNegotiation)
	}
	transcript, _ := neg["transcript"].([]any)
	if len(transcript) != 1 {
		t.Fatalf("transcript has %d entries, want 1", len(transcript))
	}
	if entry, _ := transcript[0].(map[string]any); entry["text"] != "shall we start at 500?" {
		t.Errorf("transcript[0] = %v", entry)
	}

	status, body = f.do(t, http.MethodGet, "/negotiations", "")
	if status != http.StatusOK {
		t.Fatalf("GET negotiations = %d", status)
	}
	if ids, _ := body["negotiations"].([]any); len(ids) != 1 || ids[0] != testNegotiation {
		t.Errorf("negotiations = %v", body["negotiations"])
	}
}

func TestDismissAndReset(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/negotiations/neg-1/dismiss", `{"userId":"alice"}`)
	if status != http.StatusOK || body["dismissed"] != true {
		t.Errorf("POST dismiss = %d %v", status, body)
	}
	status, body = f.do(t, http.MethodPost, "/negotiations/neg-1/reset", "")
	if status != http.StatusOK || body["reset"] != true {
		t.Errorf("POST reset = %d %v", status, body)
	}
}

func dialObserver(t *testing.T, f *fixture, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/ws/observe?"+query), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil reads panels until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(panel.Panel) bool) panel.Panel {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		p, err := panel.Decode(data)
		if err != nil {
			t.Fatalf("Decode(%s) error = %v", data, err)
		}
		if match(p) {
			return p
		}
	}
}

func isTranscript(entries int) func(panel.Panel) bool {
	return func(p panel.Panel) bool {
		tp, ok := p.(panel.Transcript)
		return ok && len(tp.Entries) == entries
	}
}

func TestObserve_CatchUpAndBroadcast(t *testing.T) {
	f := newFixture(t)
	conn := dialObserver(t, f, "userId=carol&roomId=neg-1&surface=desktop")

	readUntil(t, conn, isTranscript(0))

	status, _ := f.do(t, http.MethodPost, "/negotiations/neg-1/transcript",
		`{"speaker":"bob","text":"we can do 450","isFinal":true}`)
	if status != http.StatusAccepted {
		t.Fatalf("POST transcript = %d", status)
	}
	p := readUntil(t, conn, isTranscript(1))
	if got := p.(panel.Transcript).Entries[0].Speaker; got != "bob" {
		t.Errorf("speaker = %q, want bob", got)
	}

	if stats := f.reg.Stats(); stats.Connections != 1 {
		t.Errorf("registry connections = %d, want 1", stats.Connections)
	}
}

func TestObserve_ResetClosesObservers(t *testing.T) {
	f := newFixture(t)
	conn := dialObserver(t, f, "userId=carol&roomId=neg-1")
	readUntil(t, conn, isTranscript(0))

	if status, _ := f.do(t, http.MethodPost, "/negotiations/neg-1/reset", ""); status != http.StatusOK {
		t.Fatalf("POST reset = %d", status)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, int(registry.CloseReset)) {
			t.Errorf("close error = %v, want code %d", err, registry.CloseReset)
		}
		break
	}
}

func TestObserve_ReplacedConnection(t *testing.T) {
	f := newFixture(t)
	first := dialObserver(t, f, "userId=carol&roomId=neg-1")
	readUntil(t, first, isTranscript(0))
	second := dialObserver(t, f, "userId=carol&roomId=neg-1")
	readUntil(t, second, isTranscript(0))

	_ = first.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := first.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, int(registry.CloseReplaced)) {
			t.Errorf("close error = %v, want code %d", err, registry.CloseReplaced)
		}
		break
	}
}

func TestObserve_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		query string
	}{
		{"missing user", "roomId=neg-1"},
		{"missing room", "userId=carol"},
		{"unknown surface", "userId=carol&roomId=neg-1&surface=fridge"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := f.do(t, http.MethodGet, "/ws/observe?"+tt.query, "")
			assertError(t, status, body, http.StatusBadRequest, CodeValidation)
		})
	}
}

func TestPeerEndpoint(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t)
		status, body := f.do(t, http.MethodGet, "/ws/peer", "")
		assertError(t, status, body, http.StatusNotFound, CodeNotFound)
	})

	t.Run("accepts", func(t *testing.T) {
		accepted := make(chan *peer.NetEndpoint, 1)
		f := newFixture(t, WithPeerHandler(func(conn *websocket.Conn) error {
			ep, err := peer.Accept(conn, "bob")
			if err != nil {
				return err
			}
			accepted <- ep
			return nil
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		alice, err := peer.Dial(ctx, f.wsURL("/ws/peer"), "alice")
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		defer alice.Close()

		var bob *peer.NetEndpoint
		select {
		case bob = <-accepted:
		case <-ctx.Done():
			t.Fatal("peer handler never ran")
		}
		defer bob.Close()

		for _, ep := range []*peer.NetEndpoint{alice, bob} {
			if err := ep.WaitPaired(ctx); err != nil {
				t.Fatalf("%s WaitPaired() error = %v", ep.UserID(), err)
			}
		}
		if alice.OtherUserID() != "bob" || bob.OtherUserID() != "alice" {
			t.Errorf("paired ids = %q/%q", alice.OtherUserID(), bob.OtherUserID())
		}
	})

	t.Run("rejects", func(t *testing.T) {
		f := newFixture(t, WithPeerHandler(func(*websocket.Conn) error {
			return fmt.Errorf("already paired")
		}))
		conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/ws/peer"), nil)
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		defer conn.Close()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, _, err = conn.ReadMessage()
		if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			t.Errorf("ReadMessage() error = %v, want policy violation close", err)
		}
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", errors.NewNotFoundError("negotiation", "x"), http.StatusNotFound, CodeNotFound},
		{"halted", errors.NewNegotiationError("llm down", errors.ErrNegotiationHalted), http.StatusConflict, CodeHalted},
		{"milestone order", errors.NewMilestoneError("release rejected", errors.ErrInvalidMilestoneState), http.StatusConflict, CodeInvalidState},
		{"no document", errors.Wrap(errors.ErrNoDocument, "sign"), http.StatusConflict, CodeInvalidState},
		{"validation", errors.NewValidationError("bad"), http.StatusBadRequest, CodeValidation},
		{"provider", errors.NewProviderError("memory", "card declined", nil), http.StatusBadGateway, CodeProvider},
		{"stopped", errors.NewNegotiationError("stopped", errors.ErrNegotiationStopped), http.StatusServiceUnavailable, CodeStopped},
		{"other", errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := classify(tt.err)
			if status != tt.wantStatus || code != tt.wantCode {
				t.Errorf("classify(%v) = %d %s, want %d %s", tt.err, status, code, tt.wantStatus, tt.wantCode)
			}
		})
	}
}

func TestWriteErr(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantMessage string
		wantLevel   string
	}{
		{"validation keeps detail", errors.NewValidationError("amount is required").WithField("amount"),
			http.StatusBadRequest, "amount is required", ""},
		{"provider hides detail", errors.NewProviderError("memory", "card 4242 declined", nil),
			http.StatusBadGateway, http.StatusText(http.StatusBadGateway), "ERROR"},
		{"stopped is user-facing", errors.NewNegotiationError("negotiation is not running", errors.ErrNegotiationStopped).
			WithSeverity(errors.SeverityInfo),
			http.StatusServiceUnavailable, "negotiation is not running", "INFO"},
		{"plain error hides detail", errors.New("db password rejected"),
			http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError), "ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs strings.Builder
			s := New(orchestrator.NewManager(), registry.New(), WithLogger(logging.NewWriterLogger(&logs, "debug")))
			rec := httptest.NewRecorder()
			s.writeErr(rec, tt.err)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body struct {
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if !strings.Contains(body.Error.Message, tt.wantMessage) {
				t.Errorf("message = %q, want it to contain %q", body.Error.Message, tt.wantMessage)
			}
			if tt.wantMessage == http.StatusText(tt.wantStatus) && body.Error.Message != tt.wantMessage {
				t.Errorf("message = %q leaks the error text", body.Error.Message)
			}

			if tt.wantLevel == "" {
				if logs.Len() != 0 {
					t.Errorf("client error was logged: %s", logs.String())
				}
				return
			}
			if !strings.Contains(logs.String(), `"level":"`+tt.wantLevel+`"`) {
				t.Errorf("log = %s, want level %s", logs.String(), tt.wantLevel)
			}
		})
	}
}
