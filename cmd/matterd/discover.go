package main

import (
	"context"
	"fmt"
	"time"

	"github.com/embermesh/matter/pkg/discovery"
	"github.com/spf13/cobra"
)

func newDiscoverCmd() *cobra.Command {
	var (
		discriminator uint16
		timeout       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Scan for commissionable devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			scanner := discovery.NewScanner(discovery.ScannerConfig{})
			filter := discovery.Filter{}
			if discriminator != 0 {
				filter.LongDiscriminator = discriminator
				filter.HasLong = true
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout+time.Second)
			defer cancel()

			devices, err := scanner.DiscoverCommissionable(ctx, filter, timeout)
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Println("no commissionable devices found")
				return nil
			}
			for _, d := range devices {
				fmt.Printf("%s  D=%d  VP=%d+%d  addrs=%d\n",
					d.Instance, d.Discriminator, uint16(d.VendorID), d.ProductID, len(d.Addresses))
				for _, a := range d.Addresses {
					fmt.Printf("  %s\n", a)
				}
			}
			return nil
		},
	}
	cmd.Flags().Uint16Var(&discriminator, "discriminator", 0, "filter by long discriminator")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "scan duration")
	return cmd
}
