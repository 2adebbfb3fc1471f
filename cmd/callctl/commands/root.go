package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mossy-p/moodlink-signaling/internal/client"
	"github.com/mossy-p/moodlink-signaling/internal/logging"
	"github.com/mossy-p/moodlink-signaling/internal/peer"
)

var (
	serverURL string
	identity  string
	stunURLs  []string
	loopback  bool
	timeout   time.Duration
	verbose   bool
	logger    zerolog.Logger
)

func Execute() error {
	root := &cobra.Command{
		Use:           "callctl",
		Short:         "Place and answer moodlink calls from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if identity == "" {
				return fmt.Errorf("--identity required")
			}
			level := "warn"
			if verbose {
				level = "debug"
			}
			logger = logging.New(level, false)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "ws://localhost:3001/ws/signal", "signaling websocket URL")
	root.PersistentFlags().StringVarP(&identity, "identity", "i", "", "identity to register as")
	root.PersistentFlags().StringSliceVar(&stunURLs, "stun", nil, "STUN server URLs (default: host candidates only)")
	root.PersistentFlags().BoolVar(&loopback, "loopback", false, "offer loopback candidates, for calls on one machine")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the other side")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(listenCmd(), callCmd())

	if err := root.Execute(); err != nil {
		pterm.Error.Println(err)
		return err
	}
	return nil
}

// signalContext is cancelled on Ctrl-C.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// connect dials the server and registers --identity.
func connect(ctx context.Context) (*client.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, err := client.Dial(dialCtx, serverURL, logger)
	if err != nil {
		return nil, err
	}
	if err := c.Register(identity); err != nil {
		c.Close()
		return nil, err
	}
	pterm.Success.Printfln("Registered as %s on %s", identity, serverURL)
	return c, nil
}

func peerOptions() peer.Options {
	return peer.Options{
		ICEServers: stunURLs,
		Loopback:   loopback,
		Logger:     logger,
	}
}
