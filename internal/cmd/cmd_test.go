package cmd

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/parley/internal/config"
	"github.com/Iron-Ham/parley/internal/contract"
	"github.com/Iron-Ham/parley/internal/escrow"
	"github.com/Iron-Ham/parley/internal/panel"
	"github.com/Iron-Ham/parley/internal/registry"
	"github.com/Iron-Ham/parley/internal/session"
)

func TestRootCommand_Subcommands(t *testing.T) {
	want := []string{"serve", "demo", "watch", "config", "version"}
	for _, name := range want {
		t.Run(name, func(t *testing.T) {
			found := false
			for _, c := range rootCmd.Commands() {
				if c.Name() == name {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("rootCmd has no %q subcommand", name)
			}
		})
	}
}

func TestRunDemo(t *testing.T) {
	runCtx, cancelRun := context.WithCancel(context.Background())
	t.Cleanup(cancelRun)
	flowCtx, cancelFlow := context.WithTimeout(runCtx, 10*time.Second)
	defer cancelFlow()

	result, err := runDemo(flowCtx, runCtx, demoOptions{out: io.Discard, quiet: true})
	if err != nil {
		t.Fatalf("runDemo() error = %v", err)
	}

	for _, side := range []struct {
		name string
		snap func() *contract.LegalDocument
	}{
		{"client", func() *contract.LegalDocument { return result.Client.Document }},
		{"provider", func() *contract.LegalDocument { return result.Provider.Document }},
	} {
		t.Run(side.name, func(t *testing.T) {
			doc := side.snap()
			if doc == nil {
				t.Fatal("document is nil")
			}
			if doc.Status != contract.DocumentFullySigned {
				t.Errorf("document status = %q, want %q", doc.Status, contract.DocumentFullySigned)
			}
			for _, m := range doc.Milestones {
				switch m.ID {
				case "ms_demolition":
					if m.Status != contract.MilestoneReleased {
						t.Errorf("demolition status = %q, want %q", m.Status, contract.MilestoneReleased)
					}
				case "ms_cabinets":
					if m.Amount == nil || *m.Amount != 250000 {
						t.Errorf("cabinets amount = %v, want 250000", m.Amount)
					}
				}
			}
		})
	}

	if result.Client.Halted || result.Provider.Halted {
		t.Errorf("halted: client=%q provider=%q", result.Client.HaltReason, result.Provider.HaltReason)
	}
	// The cabinets hold stays open until that milestone is paid.
	if result.OpenHolds != 1 {
		t.Errorf("OpenHolds = %d, want 1", result.OpenHolds)
	}
}

func TestPanelPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := &panelPrinter{out: &buf}

	data, err := panel.Encode(panel.NewStatus("room-1", []string{"alice"}, session.StatusNegotiating, true))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if err := p.Send(data); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !strings.Contains(buf.String(), "room-1") {
		t.Errorf("output = %q, want it to mention the room", buf.String())
	}

	if err := p.Send([]byte(`{"panel":"mystery"}`)); err == nil {
		t.Error("Send() of an unknown panel should fail")
	}
}

func TestNewEscrow(t *testing.T) {
	tests := []struct {
		provider string
		wantNil  bool
		wantErr  bool
	}{
		{"memory", false, false},
		{"none", true, false},
		{"", true, false},
		{"stripe", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			got, err := newEscrow(config.EscrowConfig{Provider: tt.provider})
			if (err != nil) != tt.wantErr {
				t.Fatalf("newEscrow() error = %v, wantErr %v", err, tt.wantErr)
			}
			if (got == nil) != tt.wantNil {
				t.Errorf("newEscrow() = %v, wantNil %v", got, tt.wantNil)
			}
			if _, ok := got.(*escrow.Memory); tt.provider == "memory" && !ok {
				t.Errorf("newEscrow(memory) = %T, want *escrow.Memory", got)
			}
		})
	}
}

func TestRequireIdentity(t *testing.T) {
	tests := []struct {
		name    string
		user    string
		id      string
		wantErr string
	}{
		{"complete", "alice", "kitchen", ""},
		{"no user", "", "kitchen", "participant.user_id"},
		{"no negotiation", "alice", "", "negotiation.id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Participant.UserID = tt.user
			cfg.Negotiation.ID = tt.id
			err := requireIdentity(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("requireIdentity() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("requireIdentity() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigInit(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	configInitForce = false
	t.Cleanup(func() { configInitForce = false })

	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)

	if err := runConfigInit(cmd, nil); err != nil {
		t.Fatalf("runConfigInit() error = %v", err)
	}
	if !strings.Contains(out.String(), config.ConfigFile()) {
		t.Errorf("output = %q, want the config path", out.String())
	}

	v := viper.New()
	v.SetConfigFile(config.ConfigFile())
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig() error = %v", err)
	}
	got, err := config.LoadFrom(v)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if got.Server.ListenAddr != config.Default().Server.ListenAddr {
		t.Errorf("ListenAddr = %q, want %q", got.Server.ListenAddr, config.Default().Server.ListenAddr)
	}

	t.Run("refuses to overwrite", func(t *testing.T) {
		if err := runConfigInit(cmd, nil); err == nil {
			t.Error("second runConfigInit() should fail without --force")
		}
	})

	t.Run("force overwrites", func(t *testing.T) {
		configInitForce = true
		if err := runConfigInit(cmd, nil); err != nil {
			t.Errorf("runConfigInit() with --force error = %v", err)
		}
		if _, err := os.Stat(config.ConfigFile()); err != nil {
			t.Errorf("config file missing after overwrite: %v", err)
		}
	})
}

func TestAcceptOnce(t *testing.T) {
	conns := make(chan *websocket.Conn, 1)
	handler := acceptOnce(conns)

	if err := handler(nil); err != nil {
		t.Fatalf("first connection rejected: %v", err)
	}
	if err := handler(nil); err == nil {
		t.Error("second connection should be rejected")
	}
	if len(conns) != 1 {
		t.Errorf("handed over %d connections, want 1", len(conns))
	}
}

func TestObserveURL(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		want    string
		wantErr bool
	}{
		{"ws", "ws://127.0.0.1:8420", "ws://127.0.0.1:8420/ws/observe?roomId=r1&surface=mobile&userId=carol", false},
		{"http", "http://example.com", "ws://example.com/ws/observe?roomId=r1&surface=mobile&userId=carol", false},
		{"https", "https://example.com", "wss://example.com/ws/observe?roomId=r1&surface=mobile&userId=carol", false},
		{"ftp", "ftp://example.com", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := observeURL(tt.base, "carol", "r1", "mobile")
			if (err != nil) != tt.wantErr {
				t.Fatalf("observeURL() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("observeURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

// closingServer sends one status panel per connection, then closes with the
// next code from codes.
func closingServer(t *testing.T, codes ...int) (string, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := int(conns.Add(1)) - 1
		code := codes[len(codes)-1]
		if n < len(codes) {
			code = codes[n]
		}

		data, _ := panel.Encode(panel.NewStatus(r.URL.Query().Get("roomId"), nil, session.StatusActive, true))
		_ = conn.WriteMessage(websocket.TextMessage, data)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &conns
}

func TestWatch(t *testing.T) {
	tests := []struct {
		name      string
		codes     []int
		wantErr   bool
		wantConns int32
		wantOut   string
	}{
		{"normal close", []int{websocket.CloseNormalClosure}, false, 1, "room-w"},
		{"replaced", []int{int(registry.CloseReplaced)}, true, 1, "room-w"},
		{"reset reconnects", []int{int(registry.CloseReset), websocket.CloseNormalClosure}, false, 2, "reconnecting"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, conns := closingServer(t, tt.codes...)
			target, err := observeURL(base, "carol", "room-w", "desktop")
			if err != nil {
				t.Fatalf("observeURL() error = %v", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			var out bytes.Buffer
			err = watch(ctx, target, &out)
			if (err != nil) != tt.wantErr {
				t.Fatalf("watch() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := conns.Load(); got != tt.wantConns {
				t.Errorf("connections = %d, want %d", got, tt.wantConns)
			}
			if !strings.Contains(out.String(), tt.wantOut) {
				t.Errorf("output = %q, want it to contain %q", out.String(), tt.wantOut)
			}
		})
	}
}
