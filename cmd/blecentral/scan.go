package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/session"
)

type scanOptions struct {
	duration        time.Duration
	services        []string
	allowDuplicates bool
	format          string
}

func newScanCmd() *cobra.Command {
	opts := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for BLE peripherals",
		Long: `Scan for and display Bluetooth Low Energy peripherals in the vicinity.

Each peripheral is listed once with its merged advertisement: name, address,
signal strength, TX power and advertised services. With --format json every
discovery is printed as it arrives, one JSON object per line.`,
		Example: `  blecentral scan
  blecentral scan --duration 30s --services 180d
  blecentral scan --allow-duplicates --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScan(cmd, opts)
		},
	}

	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 10*time.Second, "Scan duration (0 scans until interrupted)")
	cmd.Flags().StringSliceVarP(&opts.services, "services", "s", nil, "Only report peripherals advertising one of these service UUIDs")
	cmd.Flags().BoolVar(&opts.allowDuplicates, "allow-duplicates", false, "Report every advertisement instead of once per peripheral")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "", "Output format (table, json); defaults to the config output_format")
	return cmd
}

func runScan(cmd *cobra.Command, opts *scanOptions) error {
	var services []string
	if len(opts.services) > 0 {
		var err error
		if services, err = device.ValidateUUID(opts.services...); err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
	}

	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	format := opts.format
	if format == "" {
		format = c.cfg.OutputFormat
	}
	if err := validateFormat(format); err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	out := newPrinter(cmd.OutOrStdout(), format)
	if err := c.manager.StartScanning(services, opts.allowDuplicates); err != nil {
		return err
	}

	progress := newProgressLine(cmd.ErrOrStderr(), "Scanning for BLE peripherals", "remaining", opts.duration)
	progress.Start(cmd.Context())

	seen := make(map[string]bool)
	_, err = c.await(cmd.Context(), opts.duration, "scan", func(ev session.Event) (bool, error) {
		switch e := ev.(type) {
		case session.ErrorEvent:
			if e.Op == "startScanning" || e.Op == "scan" {
				return false, e.Err
			}
		case session.ScanStopEvent:
			return true, nil
		case session.DiscoverEvent:
			seen[e.ID] = true
			if out.json() {
				return false, out.event(e)
			}
		}
		return false, nil
	})
	progress.Stop()

	if stopErr := c.manager.StopScanning(); stopErr != nil {
		c.logger.WithField("error", stopErr).Debug("Failed to stop scanning")
	}
	if err != nil && !errors.Is(err, device.ErrTimeout) && !errors.Is(err, context.Canceled) {
		return err
	}
	if out.json() {
		return nil
	}
	return printPeripheralTable(out, c.manager.Peripherals(), seen)
}

func printPeripheralTable(out *printer, peripherals []session.Peripheral, seen map[string]bool) error {
	found := make([]session.Peripheral, 0, len(seen))
	for _, p := range peripherals {
		if seen[p.ID] {
			found = append(found, p)
		}
	}
	if len(found) == 0 {
		out.printf("No peripherals discovered\n")
		return nil
	}

	// Strongest signal first
	sort.SliceStable(found, func(i, j int) bool {
		return found[i].RSSI > found[j].RSSI
	})

	w := tabwriter.NewWriter(out.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tTX POWER\tSERVICES\tLAST SEEN")
	for _, p := range found {
		name := p.Advertisement.LocalName.Value
		if name == "" {
			name = "-"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		txPower := "-"
		if tx, ok := p.Advertisement.TxPowerLevel.Get(); ok {
			txPower = fmt.Sprintf("%d dBm", tx)
		}

		uuids := make([]string, 0, len(p.Advertisement.ServiceUUIDs.Value))
		for _, u := range p.Advertisement.ServiceUUIDs.Value {
			uuids = append(uuids, device.ShortenUUID(u))
		}
		services := strings.Join(uuids, ",")
		if services == "" {
			services = "-"
		}
		if len(services) > 30 {
			services = services[:27] + "..."
		}

		lastSeen := time.Since(p.LastSeen).Truncate(time.Second)
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s\t%s ago\n",
			name, p.Address, p.RSSI, txPower, services, lastSeen)
	}
	return w.Flush()
}
