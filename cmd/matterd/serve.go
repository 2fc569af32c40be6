package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/embermesh/matter/pkg/clusters/descriptor"
	"github.com/embermesh/matter/pkg/clusters/onoff"
	"github.com/embermesh/matter/pkg/clusters/thermostat"
	"github.com/embermesh/matter/pkg/commissioning/payload"
	"github.com/embermesh/matter/pkg/environment"
	"github.com/embermesh/matter/pkg/fabric"
	"github.com/embermesh/matter/pkg/matter"
	"github.com/embermesh/matter/pkg/node"
	"github.com/embermesh/matter/pkg/storage"
	"github.com/pion/logging"
	"github.com/spf13/cobra"
)

// loadVariables builds the config service from the environment plus an
// optional file.
func loadVariables(configFile string) (*environment.Variables, error) {
	vars := environment.NewVariables()
	if configFile != "" {
		if err := vars.LoadFile(configFile); err != nil {
			return nil, err
		}
	}
	return vars, nil
}

func loggerFactory(vars *environment.Variables) logging.LoggerFactory {
	factory := logging.NewDefaultLoggerFactory()
	switch vars.GetString("log.level", "info") {
	case "trace":
		factory.DefaultLogLevel = logging.LogLevelTrace
	case "debug":
		factory.DefaultLogLevel = logging.LogLevelDebug
	case "warn":
		factory.DefaultLogLevel = logging.LogLevelWarn
	case "error":
		factory.DefaultLogLevel = logging.LogLevelError
	default:
		factory.DefaultLogLevel = logging.LogLevelInfo
	}
	return factory
}

func newServeCmd(configFile *string) *cobra.Command {
	var (
		passcode      uint32
		discriminator uint16
		port          int
		dataDir       string
		withLight     bool
		withThermo    bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a commissionable device node",
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := loadVariables(*configFile)
			if err != nil {
				return err
			}
			factory := loggerFactory(vars)

			var store storage.Store = storage.NewMemory()
			if dataDir != "" {
				store, err = storage.NewFile(dataDir)
				if err != nil {
					return err
				}
			}

			device, err := matter.NewDevice(matter.DeviceConfig{
				Passcode:      passcode,
				Discriminator: discriminator,
				Port:          port,
				Storage:       store,
				LoggerFactory: factory,
			})
			if err != nil {
				return err
			}
			defer device.Close()

			ctx := cmd.Context()
			if withLight {
				light, err := onoff.New(1, storage.NewContext(store, storage.ContextNodes, "0", "1", "6"))
				if err != nil {
					return err
				}
				ep := node.NewEndpoint(node.EndpointConfig{
					Number:      1,
					Name:        "light",
					DeviceTypes: []node.DeviceType{node.DeviceTypeOnOffLight},
				})
				// The light endpoint needs its descriptor too; keep it
				// minimal by reusing the required-cluster set.
				addDescriptor(ep)
				ep.AddBehavior(light, false)
				if err := device.Model.AddEndpoint(ctx, ep); err != nil {
					return err
				}
			}
			if withThermo {
				thermo, err := thermostat.New(2, storage.NewContext(store, storage.ContextNodes, "0", "2", "513"))
				if err != nil {
					return err
				}
				ep := node.NewEndpoint(node.EndpointConfig{Number: 2, Name: "thermostat"})
				addDescriptor(ep)
				ep.AddBehavior(thermo, false)
				if err := device.Model.AddEndpoint(ctx, ep); err != nil {
					return err
				}
			}

			if err := device.Start(ctx); err != nil {
				return err
			}

			code, err := payload.EncodeManualCode(&payload.SetupPayload{
				Passcode:      passcode,
				Discriminator: discriminator,
			}, false)
			if err == nil {
				fmt.Printf("manual pairing code: %s\n", code)
			}
			qr, err := payload.EncodeQRCode(&payload.SetupPayload{
				Passcode:      passcode,
				Discriminator: discriminator,
				VendorID:      fabric.VendorIDTest1,
				ProductID:     0x8000,
				Discovery:     payload.DiscoveryOnIP,
			})
			if err == nil {
				fmt.Printf("QR payload: %s\n", qr)
			}
			fmt.Printf("listening on %s\n", device.LocalAddr())

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-stop:
			case <-ctx.Done():
			}
			return nil
		},
	}
	cmd.Flags().Uint32Var(&passcode, "passcode", 20202021, "setup passcode")
	cmd.Flags().Uint16Var(&discriminator, "discriminator", 3840, "12-bit discriminator")
	cmd.Flags().IntVar(&port, "port", 5540, "UDP listen port")
	cmd.Flags().StringVar(&dataDir, "data", "", "persistent state directory")
	cmd.Flags().BoolVar(&withLight, "light", true, "compose an OnOff light on endpoint 1")
	cmd.Flags().BoolVar(&withThermo, "thermostat", false, "compose a thermostat on endpoint 2")
	return cmd
}

func addDescriptor(ep *node.Endpoint) {
	if desc, err := descriptor.New(ep.Number()); err == nil {
		ep.AddBehavior(desc, false)
	}
}
