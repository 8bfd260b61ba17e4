package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/parley/internal/contract"
	"github.com/Iron-Ham/parley/internal/escrow"
	"github.com/Iron-Ham/parley/internal/llm"
	"github.com/Iron-Ham/parley/internal/logging"
	"github.com/Iron-Ham/parley/internal/orchestrator"
	"github.com/Iron-Ham/parley/internal/panel"
	"github.com/Iron-Ham/parley/internal/peer"
	"github.com/Iron-Ham/parley/internal/registry"
	"github.com/Iron-Ham/parley/internal/render"
	"github.com/Iron-Ham/parley/internal/server"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a scripted negotiation between two local agents",
	Long: `Demo runs a client agent and a provider agent in one process over an
in-memory peer channel. Their moves are scripted, so no API key is needed.

The demo negotiates a kitchen remodel, signs the contract, agrees a price
for the range-priced milestone and releases the first milestone from
escrow, printing every panel the client's observers would see.

With --listen, the client's side is also served over HTTP so that
'parley watch' and the JSON API can be tried against it.`,
	Args: cobra.NoArgs,
	RunE: runDemoCmd,
}

var (
	demoListen  string
	demoQuiet   bool
	demoTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(demoCmd)

	demoCmd.Flags().StringVar(&demoListen, "listen", "", "serve the client's side on this address and keep running")
	demoCmd.Flags().BoolVarP(&demoQuiet, "quiet", "q", false, "print only the final contract")
	demoCmd.Flags().DurationVar(&demoTimeout, "timeout", 30*time.Second, "give up if the scripted flow takes longer")
}

const (
	demoNegotiation = "kitchen-remodel"
	demoClientRoom  = "kitchen-remodel-client"
	demoVendorRoom  = "kitchen-remodel-provider"
)

// demoResult is the state of both sides after the scripted flow.
type demoResult struct {
	Client    orchestrator.Snapshot
	Provider  orchestrator.Snapshot
	OpenHolds int
}

type demoOptions struct {
	out    io.Writer
	quiet  bool
	logger *logging.Logger
	// ready is called once both sides run, before the first move.
	ready func(client *orchestrator.Negotiation, reg *registry.Registry)
}

func runDemoCmd(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	opts := demoOptions{out: out, quiet: demoQuiet, logger: logging.NopLogger()}

	var httpSrv *http.Server
	if demoListen != "" {
		ln, err := net.Listen("tcp", demoListen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", demoListen, err)
		}
		opts.ready = func(client *orchestrator.Negotiation, reg *registry.Registry) {
			negotiations := orchestrator.NewManager()
			_ = negotiations.Add(client)
			httpSrv = &http.Server{Handler: server.New(negotiations, reg), ReadHeaderTimeout: 5 * time.Second}
			go func() { _ = httpSrv.Serve(ln) }()
			fmt.Fprintf(out, "Serving the client side on http://%s (room %s)\n\n", ln.Addr(), client.RoomID())
		}
	}

	flowCtx, cancel := context.WithTimeout(ctx, demoTimeout)
	defer cancel()
	result, err := runDemo(flowCtx, ctx, opts)
	if err != nil {
		return err
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, render.Panel(panel.NewDocument(demoClientRoom, result.Client.Document, true)))
	fmt.Fprintf(out, "Escrow holds still open: %d\n", result.OpenHolds)

	if httpSrv != nil {
		fmt.Fprintln(out, "\nPress Ctrl-C to stop.")
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// panelPrinter is an observer transport that renders panels to a writer.
type panelPrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *panelPrinter) Send(data []byte) error {
	pn, err := panel.Decode(data)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = fmt.Fprintln(p.out, render.Panel(pn))
	return err
}

func (p *panelPrinter) Close(registry.CloseCode, string) error { return nil }
func (p *panelPrinter) IsOpen() bool                           { return true }

func demoModels() (client, provider *llm.Scripted) {
	client = llm.NewScripted(
		llm.ToolCall(orchestrator.ToolProposeTerms, map[string]any{
			"title":    "Kitchen remodel",
			"currency": "USD",
			"lineItems": []any{
				map[string]any{"id": "demolition", "description": "Demolition and disposal", "amount": 150000},
				map[string]any{"id": "cabinets", "description": "Cabinet installation", "minAmount": 200000, "maxAmount": 300000},
			},
		}),
		llm.ToolCall(orchestrator.ToolAcceptOffer, nil),
	)
	provider = llm.NewScripted(
		llm.ToolCall(orchestrator.ToolCounterOffer, map[string]any{
			"title":    "Kitchen remodel",
			"currency": "USD",
			"notes":    "Disposal fees went up this year.",
			"lineItems": []any{
				map[string]any{"id": "demolition", "description": "Demolition and disposal", "amount": 180000},
				map[string]any{"id": "cabinets", "description": "Cabinet installation", "minAmount": 220000, "maxAmount": 300000},
			},
		}),
	)
	return client, provider
}

// runDemo plays the scripted negotiation. flowCtx bounds the scripted
// steps; runCtx keeps both sides running afterwards.
func runDemo(flowCtx, runCtx context.Context, opts demoOptions) (demoResult, error) {
	if opts.logger == nil {
		opts.logger = logging.NopLogger()
	}
	clientEP, providerEP, err := peer.CreatePair("alice", "bob")
	if err != nil {
		return demoResult{}, err
	}
	go func() {
		<-runCtx.Done()
		_ = clientEP.Close()
	}()

	reg := registry.New(registry.WithLogger(opts.logger))
	if !opts.quiet {
		viewer := registry.Identity{UserID: "demo-viewer", Surface: registry.SurfaceDesktop}
		reg.RegisterSocket(viewer, &panelPrinter{out: opts.out})
		if err := reg.JoinRoom(viewer, demoClientRoom); err != nil {
			return demoResult{}, err
		}
	}

	payments := escrow.NewMemory()
	clientModel, providerModel := demoModels()

	client, err := orchestrator.New(orchestrator.Config{
		NegotiationID: demoNegotiation,
		RoomID:        demoClientRoom,
		Self:          contract.Party{UserID: "alice", Name: "Alice", Role: contract.RoleClient},
		Initiator:     true,
	}, clientEP, clientModel,
		orchestrator.WithRegistry(reg),
		orchestrator.WithEscrow(payments),
		orchestrator.WithLogger(opts.logger.WithUser("alice")))
	if err != nil {
		return demoResult{}, err
	}
	provider, err := orchestrator.New(orchestrator.Config{
		NegotiationID: demoNegotiation,
		RoomID:        demoVendorRoom,
		Self:          contract.Party{UserID: "bob", Name: "Bob's Builders", Role: contract.RoleProvider},
	}, providerEP, providerModel,
		orchestrator.WithRegistry(reg),
		orchestrator.WithLogger(opts.logger.WithUser("bob")))
	if err != nil {
		return demoResult{}, err
	}

	for _, n := range []*orchestrator.Negotiation{client, provider} {
		go func() { _ = n.Run(runCtx) }()
	}
	if opts.ready != nil {
		opts.ready(client, reg)
	}

	if err := playDemo(flowCtx, client, provider); err != nil {
		return demoResult{}, err
	}

	clientSnap, err := client.Snapshot(flowCtx)
	if err != nil {
		return demoResult{}, err
	}
	providerSnap, err := provider.Snapshot(flowCtx)
	if err != nil {
		return demoResult{}, err
	}
	return demoResult{Client: clientSnap, Provider: providerSnap, OpenHolds: payments.OpenHolds()}, nil
}

func playDemo(ctx context.Context, client, provider *orchestrator.Negotiation) error {
	const (
		demolition = "ms_demolition"
		cabinets   = "ms_cabinets"
	)

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("opening turn: %w", err)
	}
	for _, n := range []*orchestrator.Negotiation{client, provider} {
		if _, err := waitSnapshot(ctx, n, "the contract", func(s orchestrator.Snapshot) bool {
			return s.Document != nil
		}); err != nil {
			return err
		}
	}

	for _, n := range []*orchestrator.Negotiation{client, provider} {
		if _, err := n.Sign(ctx); err != nil {
			return fmt.Errorf("%s signing: %w", n.Self().UserID, err)
		}
	}
	for _, n := range []*orchestrator.Negotiation{client, provider} {
		if _, err := waitSnapshot(ctx, n, "the first escrow hold", func(s orchestrator.Snapshot) bool {
			m, ok := milestoneIn(s, demolition)
			return ok && m.EscrowHoldID != ""
		}); err != nil {
			return err
		}
	}

	// Agree the price of the range-priced milestone.
	if _, err := provider.ProposeMilestoneAmount(ctx, cabinets, 250000); err != nil {
		return fmt.Errorf("proposing cabinet price: %w", err)
	}
	if _, err := waitSnapshot(ctx, client, "the cabinet price proposal", func(s orchestrator.Snapshot) bool {
		m, ok := milestoneIn(s, cabinets)
		return ok && m.ProposedAmount != nil
	}); err != nil {
		return err
	}
	if _, err := client.AcceptMilestoneAmount(ctx, cabinets); err != nil {
		return fmt.Errorf("accepting cabinet price: %w", err)
	}

	// Finish, verify and pay for the demolition.
	if _, err := provider.ConfirmMilestone(ctx, demolition); err != nil {
		return fmt.Errorf("provider confirming demolition: %w", err)
	}
	if _, err := waitSnapshot(ctx, client, "the provider's confirmation", func(s orchestrator.Snapshot) bool {
		m, ok := milestoneIn(s, demolition)
		return ok && m.ProviderConfirmed
	}); err != nil {
		return err
	}
	steps := []struct {
		what string
		do   func() (contract.Milestone, error)
	}{
		{"confirming demolition", func() (contract.Milestone, error) { return client.ConfirmMilestone(ctx, demolition) }},
		{"starting verification", func() (contract.Milestone, error) { return client.StartVerification(ctx, demolition) }},
		{"recording verification", func() (contract.Milestone, error) {
			return client.RecordVerification(ctx, demolition, contract.VerificationPassed, "Site cleared and inspected")
		}},
		{"releasing demolition", func() (contract.Milestone, error) { return client.ReleaseMilestone(ctx, demolition) }},
	}
	for _, step := range steps {
		if _, err := step.do(); err != nil {
			return fmt.Errorf("%s: %w", step.what, err)
		}
	}

	_, err := waitSnapshot(ctx, provider, "the release to reach the provider", func(s orchestrator.Snapshot) bool {
		m, ok := milestoneIn(s, demolition)
		return ok && m.Status == contract.MilestoneReleased
	})
	return err
}

// waitSnapshot polls n until cond holds, the negotiation halts or ctx ends.
func waitSnapshot(ctx context.Context, n *orchestrator.Negotiation, what string, cond func(orchestrator.Snapshot) bool) (orchestrator.Snapshot, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		snap, err := n.Snapshot(ctx)
		if err != nil {
			return snap, fmt.Errorf("waiting for %s: %w", what, err)
		}
		if cond(snap) {
			return snap, nil
		}
		if snap.Halted {
			return snap, fmt.Errorf("waiting for %s: negotiation halted: %s", what, snap.HaltReason)
		}
		select {
		case <-ctx.Done():
			return snap, fmt.Errorf("waiting for %s: %w", what, ctx.Err())
		case <-ticker.C:
		}
	}
}

func milestoneIn(s orchestrator.Snapshot, id string) (contract.Milestone, bool) {
	if s.Document == nil {
		return contract.Milestone{}, false
	}
	for _, m := range s.Document.Milestones {
		if m.ID == id {
			return m, true
		}
	}
	return contract.Milestone{}, false
}
