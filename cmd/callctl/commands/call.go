package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mossy-p/moodlink-signaling/internal/models"
	"github.com/mossy-p/moodlink-signaling/internal/peer"
)

var (
	errCallRejected = errors.New("call rejected")
	errNoAnswer     = errors.New("no answer")
)

// call: ring an identity, exchange one greeting over the data channel, hang up.
func callCmd() *cobra.Command {
	var greeting string

	cmd := &cobra.Command{
		Use:   "call <identity>",
		Short: "Call an identity and exchange a greeting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			callee := args[0]
			ctx, stop := signalContext()
			defer stop()

			c, err := connect(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Call(callee); err != nil {
				return err
			}
			spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Ringing %s", callee))

			deadline := time.After(timeout)
			var token string
		ringing:
			for {
				select {
				case <-ctx.Done():
					spinner.Stop()
					return nil
				case <-deadline:
					spinner.Fail("No answer")
					return errNoAnswer
				case msg, ok := <-c.Messages():
					if !ok {
						spinner.Fail("Connection lost")
						return fmt.Errorf("signaling connection lost")
					}
					switch msg.Type {
					case models.TypeCallAccepted:
						if msg.FromIdentity != callee {
							continue
						}
						token = msg.CallToken
						spinner.Success(fmt.Sprintf("%s accepted", callee))
						break ringing
					case models.TypeCallRejected:
						if msg.FromIdentity != callee {
							continue
						}
						spinner.Fail(fmt.Sprintf("%s rejected the call", callee))
						return errCallRejected
					case models.TypeDeliveryFailed:
						spinner.Fail(fmt.Sprintf("%s is not online", callee))
						return errNoAnswer
					}
				}
			}

			call, err := peer.New(c, callee, token, peerOptions())
			if err != nil {
				return err
			}
			defer call.Close()
			if err := call.Offer(); err != nil {
				return err
			}

			ready := call.Ready()
			deadline = time.After(timeout)
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-deadline:
					return errNoAnswer
				case <-call.Done():
					return fmt.Errorf("peer connection failed")
				case msg, ok := <-c.Messages():
					if !ok {
						return fmt.Errorf("signaling connection lost")
					}
					if err := call.HandleSignal(msg); err != nil {
						return err
					}
				case <-ready:
					ready = nil
					pterm.Success.Printfln("Connected to %s", callee)
					if err := call.Send(greeting); err != nil {
						return err
					}
				case text := <-call.Messages():
					pterm.Printfln("%s: %s", pterm.Cyan(callee), text)
					pterm.Info.Println("Hanging up")
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVarP(&greeting, "message", "m", "hi, how are you feeling?", "greeting sent once connected")
	return cmd
}
