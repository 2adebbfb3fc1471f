package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mossy-p/moodlink-signaling/internal/models"
	"github.com/mossy-p/moodlink-signaling/internal/peer"
)

// listen: stay registered and answer incoming calls.
func listenCmd() *cobra.Command {
	var reject, once bool

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Wait for incoming calls and answer them",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()
			pterm.Info.Println("Waiting for calls (Ctrl-C to quit)")

			var (
				active *peer.Call
				caller string
				ready  <-chan struct{}
				inbox  <-chan string
				ended  <-chan struct{}
			)
			hangUp := func() {
				if active != nil {
					active.Close()
				}
				active, caller, ready, inbox, ended = nil, "", nil, nil, nil
			}
			defer hangUp()

			for {
				select {
				case <-ctx.Done():
					return nil

				case msg, ok := <-c.Messages():
					if !ok {
						return fmt.Errorf("signaling connection lost")
					}
					switch msg.Type {
					case models.TypeIncomingCall:
						if reject || active != nil {
							pterm.Warning.Printfln("Rejecting call from %s", msg.FromIdentity)
							if err := c.Reject(msg.FromIdentity, msg.CallToken); err != nil {
								return err
							}
							continue
						}
						call, err := peer.New(c, msg.FromIdentity, msg.CallToken, peerOptions())
						if err != nil {
							return err
						}
						if err := c.Accept(msg.FromIdentity, msg.CallToken); err != nil {
							call.Close()
							return err
						}
						active, caller = call, msg.FromIdentity
						ready, inbox, ended = call.Ready(), call.Messages(), call.Done()
						pterm.Info.Printfln("Accepted call from %s", caller)

					case models.TypeOffer, models.TypeAnswer, models.TypeICECandidate:
						if active == nil {
							continue
						}
						if err := active.HandleSignal(msg); err != nil {
							pterm.Warning.Printfln("Negotiation failed: %v", err)
						}

					case models.TypeDeliveryFailed:
						pterm.Warning.Printfln("%s is not online", msg.ToIdentity)
					}

				case <-ready:
					ready = nil
					pterm.Success.Printfln("Connected to %s", caller)

				case text := <-inbox:
					pterm.Printfln("%s: %s", pterm.Cyan(caller), text)
					if err := active.Send("hello from " + identity); err != nil {
						pterm.Warning.Printfln("Reply failed: %v", err)
					}

				case <-ended:
					pterm.Info.Printfln("Call with %s ended", caller)
					hangUp()
					if once {
						return nil
					}
				}
			}
		},
	}
	cmd.Flags().BoolVar(&reject, "reject", false, "reject every incoming call")
	cmd.Flags().BoolVar(&once, "once", false, "exit after the first call ends")
	return cmd
}
