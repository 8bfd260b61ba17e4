package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/parley/internal/config"
	"github.com/Iron-Ham/parley/internal/errors"
	"github.com/Iron-Ham/parley/internal/escrow"
	"github.com/Iron-Ham/parley/internal/llm"
	"github.com/Iron-Ham/parley/internal/logging"
	"github.com/Iron-Ham/parley/internal/orchestrator"
	"github.com/Iron-Ham/parley/internal/peer"
	"github.com/Iron-Ham/parley/internal/registry"
	"github.com/Iron-Ham/parley/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the server and negotiate with a peer",
	Long: `Serve starts the HTTP and websocket server and runs one negotiation
for the configured participant.

When peer.url is set, serve dials the other agent there. Otherwise it waits
for the other agent to connect to /ws/peer.

Examples:
  # Wait for the other side to dial in
  PARLEY_PARTICIPANT_USER_ID=alice PARLEY_NEGOTIATION_ID=kitchen parley serve

  # Dial the other side and take the first turn
  parley serve --peer ws://10.0.0.2:8420/ws/peer --initiator`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

const shutdownTimeout = 5 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", "", "address to listen on (overrides server.listen_addr)")
	serveCmd.Flags().String("peer", "", "websocket URL of the other agent (overrides peer.url)")
	serveCmd.Flags().Bool("initiator", false, "take the first turn (overrides negotiation.initiator)")
	_ = viper.BindPFlag("server.listen_addr", serveCmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("peer.url", serveCmd.Flags().Lookup("peer"))
	_ = viper.BindPFlag("negotiation.initiator", serveCmd.Flags().Lookup("initiator"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := requireIdentity(cfg); err != nil {
		return err
	}

	base, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = base.Close() }()
	logger := base.WithUser(cfg.Participant.UserID).WithNegotiation(cfg.Negotiation.ID)

	model, err := llm.NewFromConfig(cfg.LLM, logger)
	if err != nil {
		return err
	}
	payments, err := newEscrow(cfg.Escrow)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config.Watch(viper.GetViper(),
		func(next *config.Config) {
			logger.Info("config file changed; restart serve to apply", "file", viper.ConfigFileUsed())
		},
		func(err error) {
			logger.Warn("ignoring invalid config change", "error", err)
		})

	reg := registry.New(registry.WithLogger(logger))
	negotiations := orchestrator.NewManager()

	var peerConns chan *websocket.Conn
	opts := []server.Option{server.WithLogger(logger)}
	if cfg.Peer.URL == "" {
		peerConns = make(chan *websocket.Conn, 1)
		opts = append(opts, server.WithPeerHandler(acceptOnce(peerConns)))
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           server.New(negotiations, reg, opts...),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Server.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return negotiate(gctx, cfg, logger, model, payments, reg, negotiations, peerConns)
	})

	fmt.Fprintf(cmd.OutOrStdout(), "parley serving %s as %s on %s\n",
		cfg.Negotiation.ID, cfg.Participant.UserID, cfg.Server.ListenAddr)
	return g.Wait()
}

// acceptOnce hands the first peer connection to conns and rejects the rest.
func acceptOnce(conns chan<- *websocket.Conn) server.PeerHandler {
	var taken atomic.Bool
	return func(conn *websocket.Conn) error {
		if taken.Swap(true) {
			return errors.New("a peer is already connected")
		}
		conns <- conn
		return nil
	}
}

// connectPeer dials peer.url, or waits for the other agent on /ws/peer,
// then waits for its hello.
func connectPeer(ctx context.Context, cfg *config.Config, logger *logging.Logger, conns <-chan *websocket.Conn) (*peer.NetEndpoint, error) {
	opts := []peer.NetOption{peer.WithLogger(logger), peer.WithMaxMessageBytes(cfg.Peer.MaxMessageBytes)}

	var endpoint *peer.NetEndpoint
	if cfg.Peer.URL != "" {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.Peer.HandshakeTimeout)
		defer cancel()
		ep, err := peer.Dial(dialCtx, cfg.Peer.URL, cfg.Participant.UserID, opts...)
		if err != nil {
			return nil, err
		}
		endpoint = ep
	} else {
		logger.Info("waiting for peer on /ws/peer")
		select {
		case conn := <-conns:
			ep, err := peer.Accept(conn, cfg.Participant.UserID, opts...)
			if err != nil {
				return nil, err
			}
			endpoint = ep
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.Peer.HandshakeTimeout)
	defer cancel()
	if err := endpoint.WaitPaired(waitCtx); err != nil {
		_ = endpoint.Close()
		return nil, err
	}
	return endpoint, nil
}

// negotiate connects to the peer and runs the negotiation until ctx ends.
func negotiate(ctx context.Context, cfg *config.Config, logger *logging.Logger, model llm.Provider,
	payments escrow.Provider, reg *registry.Registry, negotiations *orchestrator.Manager, conns <-chan *websocket.Conn) error {
	endpoint, err := connectPeer(ctx, cfg, logger, conns)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer func() { _ = endpoint.Close() }()
	logger.Info("peer connected", "peer_id", endpoint.OtherUserID())

	n, err := orchestrator.New(orchestrator.ConfigFrom(cfg), endpoint, model,
		orchestrator.WithRegistry(reg),
		orchestrator.WithLogger(logger),
		orchestrator.WithEscrow(payments),
	)
	if err != nil {
		return err
	}
	if err := negotiations.Add(n); err != nil {
		return err
	}
	defer negotiations.Remove(n.ID())

	runErr := make(chan error, 1)
	go func() { runErr <- n.Run(ctx) }()

	if cfg.Negotiation.Initiator {
		if err := n.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("opening turn failed", "error", err)
		}
	}
	return <-runErr
}
