package main

import (
	"context"
	"fmt"
	"time"

	"github.com/embermesh/matter/pkg/commissioning"
	"github.com/embermesh/matter/pkg/commissioning/payload"
	"github.com/embermesh/matter/pkg/matter"
	"github.com/embermesh/matter/pkg/storage"
	"github.com/embermesh/matter/pkg/transport"
	"github.com/spf13/cobra"
)

func newCommissionCmd(configFile *string) *cobra.Command {
	var (
		code          string
		passcode      uint32
		discriminator uint16
		address       string
		dataDir       string
		timeout       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "commission",
		Short: "Commission a device onto this controller's fabric",
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := loadVariables(*configFile)
			if err != nil {
				return err
			}
			factory := loggerFactory(vars)

			// A pairing code supplies passcode and discriminator.
			if code != "" {
				parsed, err := parsePairingCode(code)
				if err != nil {
					return err
				}
				passcode = parsed.Passcode
				discriminator = parsed.Discriminator
			}
			if passcode == 0 {
				return fmt.Errorf("a passcode or pairing code is required")
			}

			var store storage.Store = storage.NewMemory()
			if dataDir != "" {
				store, err = storage.NewFile(dataDir)
				if err != nil {
					return err
				}
			}
			controller, err := matter.NewController(matter.ControllerConfig{
				Storage:       store,
				LoggerFactory: factory,
			})
			if err != nil {
				return err
			}
			defer controller.Close()

			opts := commissioning.CommissionOptions{
				Passcode:         passcode,
				Discriminator:    discriminator,
				DiscoveryTimeout: timeout,
			}
			if address != "" {
				peer, err := transport.ResolveUDPPeer(address)
				if err != nil {
					return err
				}
				opts.Address = &peer
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout+time.Minute)
			defer cancel()
			peer, err := controller.Commission(ctx, opts)
			if err != nil {
				return err
			}
			fmt.Printf("commissioned node 0x%016X (fabric index %d) at %s\n",
				uint64(peer.NodeID), peer.FabricIndex, peer.Address)
			return nil
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "manual pairing code or MT: QR payload")
	cmd.Flags().Uint32Var(&passcode, "passcode", 0, "setup passcode")
	cmd.Flags().Uint16Var(&discriminator, "discriminator", 0, "12-bit discriminator")
	cmd.Flags().StringVar(&address, "address", "", "device address host:port (skips discovery)")
	cmd.Flags().StringVar(&dataDir, "data", "", "persistent state directory")
	cmd.Flags().DurationVar(&timeout, "timeout", 90*time.Second, "discovery timeout")
	return cmd
}

// parsePairingCode accepts either code format.
func parsePairingCode(code string) (*payload.SetupPayload, error) {
	if len(code) > 3 && code[:3] == "MT:" {
		return payload.DecodeQRCode(code)
	}
	return payload.DecodeManualCode(code)
}
