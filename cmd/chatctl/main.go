// Command chatctl exercises a chatcore engine from the command line:
// key generation, a loopback messaging self-test, and a simulated call.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	chatcore "github.com/opd-ai/chatcore"
	"github.com/opd-ai/chatcore/call"
	"github.com/opd-ai/chatcore/keydir"
	"github.com/opd-ai/chatcore/transport"
)

var verbose bool

func main() {
	root := &cobra.Command{
		Use:   "chatctl",
		Short: "Exercise a chatcore engine from the command line",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logrus.SetLevel(logrus.WarnLevel)
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(keygenCommand(), selftestCommand(), callCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func keygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a device identity and print its public bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := keydir.NewLocalIdentity(1)
			if err != nil {
				return err
			}
			defer identity.Wipe()

			bundle := identity.PublicBundle()
			fmt.Printf("signing key:    %s\n", hex.EncodeToString(bundle.SigningKey[:]))
			fmt.Printf("agreement key:  %s\n", hex.EncodeToString(bundle.AgreementKey[:]))
			fmt.Printf("signed prekey:  %s\n", hex.EncodeToString(bundle.SignedPrekey[:]))
			fmt.Printf("prekey sig:     %s\n", hex.EncodeToString(bundle.PrekeySignature[:]))
			return nil
		},
	}
}

// loopbackPair builds two engines joined by an in-process hub.
func loopbackPair() (*chatcore.Engine, *chatcore.Engine, error) {
	directory := keydir.New(keydir.DefaultConfig())
	hub := transport.NewLoopbackHub()

	build := func(device keydir.DeviceID) (*chatcore.Engine, error) {
		options := chatcore.NewOptions()
		options.DeviceID = device
		options.Directory = directory
		options.Transport = hub.Attach(device)
		return chatcore.New(options)
	}

	alice, err := build(1)
	if err != nil {
		return nil, nil, err
	}
	bob, err := build(2)
	if err != nil {
		alice.Kill()
		return nil, nil, err
	}
	return alice, bob, nil
}

func selftestCommand() *cobra.Command {
	var rounds int
	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run an encrypted conversation between two loopback engines",
		RunE: func(cmd *cobra.Command, args []string) error {
			alice, bob, err := loopbackPair()
			if err != nil {
				return err
			}
			defer alice.Kill()
			defer bob.Kill()

			received := make(chan string, rounds*2)
			bob.OnMessage(func(from keydir.DeviceID, message []byte) {
				received <- fmt.Sprintf("bob   <- %d: %s", from, message)
			})
			alice.OnMessage(func(from keydir.DeviceID, message []byte) {
				received <- fmt.Sprintf("alice <- %d: %s", from, message)
			})

			for i := 0; i < rounds; i++ {
				if err := alice.SendMessage(bob.DeviceID(), []byte(fmt.Sprintf("ping %d", i))); err != nil {
					return err
				}
				if err := bob.SendMessage(alice.DeviceID(), []byte(fmt.Sprintf("pong %d", i))); err != nil {
					return err
				}
			}

			deadline := time.After(5 * time.Second)
			for i := 0; i < rounds*2; i++ {
				select {
				case line := <-received:
					fmt.Println(line)
				case <-deadline:
					return fmt.Errorf("timed out after %d of %d messages", i, rounds*2)
				}
			}
			fmt.Println("selftest ok")
			return nil
		},
	}
	cmd.Flags().IntVarP(&rounds, "rounds", "n", 5, "message rounds to exchange")
	return cmd
}

func callCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "call",
		Short: "Simulate a call between two loopback engines",
		RunE: func(cmd *cobra.Command, args []string) error {
			alice, bob, err := loopbackPair()
			if err != nil {
				return err
			}
			defer alice.Kill()
			defer bob.Kill()

			incoming := make(chan call.CallID, 1)
			bob.OnIncomingCall(func(id call.CallID, from keydir.DeviceID) {
				fmt.Printf("bob: incoming call %s from device %d\n", id, from)
				incoming <- id
			})
			states := make(chan call.ParticipantState, 8)
			alice.OnCallStateChange(func(_ call.CallID, state call.ParticipantState, reason call.EndReason) {
				fmt.Printf("alice: call %s (%s)\n", state, reason)
				states <- state
			})

			callID, err := alice.StartCall(bob.DeviceID())
			if err != nil {
				return err
			}
			fmt.Printf("alice: calling device %d\n", bob.DeviceID())

			select {
			case id := <-incoming:
				if err := bob.AcceptCall(id); err != nil {
					return err
				}
				fmt.Println("bob: accepted")
			case <-time.After(5 * time.Second):
				return fmt.Errorf("call never rang")
			}

			if err := alice.CallMediaReady(callID); err != nil {
				return err
			}
			waitFor := func(want call.ParticipantState) error {
				deadline := time.After(5 * time.Second)
				for {
					select {
					case state := <-states:
						if state == want {
							return nil
						}
					case <-deadline:
						return fmt.Errorf("call never reached %s", want)
					}
				}
			}
			if err := waitFor(call.StateActive); err != nil {
				return err
			}

			if err := bob.HangupCall(callID); err != nil {
				return err
			}
			if err := waitFor(call.StateEnded); err != nil {
				return err
			}
			fmt.Println("call simulation ok")
			return nil
		},
	}
}
