package cmd

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/parley/internal/config"
	"github.com/Iron-Ham/parley/internal/errors"
	"github.com/Iron-Ham/parley/internal/panel"
	"github.com/Iron-Ham/parley/internal/registry"
	"github.com/Iron-Ham/parley/internal/render"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a negotiation's panels live",
	Long: `Watch connects to a parley server as an observer and prints every
panel broadcast to the room. When the negotiation is reset the server closes
the connection and watch reconnects to the fresh session.

Examples:
  parley watch --room kitchen-remodel-client --user carol
  parley watch --server ws://10.0.0.2:8420 --surface mobile`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

var (
	watchServer  string
	watchUser    string
	watchRoom    string
	watchSurface string
)

const watchReconnectDelay = 500 * time.Millisecond

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchServer, "server", "", "server base URL (default: ws:// on server.listen_addr)")
	watchCmd.Flags().StringVar(&watchUser, "user", "", "observer user id (default: participant.user_id)")
	watchCmd.Flags().StringVar(&watchRoom, "room", "", "room to watch (default: negotiation.room_id)")
	watchCmd.Flags().StringVar(&watchSurface, "surface", string(registry.SurfaceDesktop), "surface to register as: desktop, mobile or voice")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	base := watchServer
	if base == "" {
		base = "ws://" + cfg.Server.ListenAddr
	}
	user := watchUser
	if user == "" {
		user = cfg.Participant.UserID
	}
	room := watchRoom
	if room == "" {
		room = cfg.Negotiation.RoomID
	}
	if user == "" || room == "" {
		return fmt.Errorf("watch needs --user and --room (or participant.user_id and negotiation.id)")
	}
	target, err := observeURL(base, user, room, watchSurface)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return watch(ctx, target, cmd.OutOrStdout())
}

// observeURL builds the /ws/observe URL for base, accepting http(s) and
// ws(s) schemes.
func observeURL(base, user, room, surface string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server URL %q: scheme must be ws, wss, http or https", base)
	}
	u.Path = "/ws/observe"
	q := url.Values{}
	q.Set("userId", user)
	q.Set("roomId", room)
	if surface != "" {
		q.Set("surface", surface)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// watch prints panels from target until ctx ends or the server closes the
// connection for good. A reset close reconnects.
func watch(ctx context.Context, target string, out io.Writer) error {
	for {
		code, err := watchOnce(ctx, target, out)
		if ctx.Err() != nil {
			return nil
		}
		switch code {
		case int(registry.CloseReset):
			fmt.Fprintln(out, render.Muted.Render("-- negotiation reset, reconnecting --"))
		case int(registry.CloseReplaced):
			return fmt.Errorf("another watcher connected with the same user and surface")
		default:
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(watchReconnectDelay):
		}
	}
}

// watchOnce runs one connection and returns the close code the server sent.
func watchOnce(ctx context.Context, target string, out io.Writer) (int, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return closeErr.Code, nil
			}
			return 0, err
		}
		p, err := panel.Decode(data)
		if err != nil {
			fmt.Fprintln(out, render.Error.Render("unreadable panel: "+err.Error()))
			continue
		}
		fmt.Fprintln(out, render.Panel(p))
	}
}
