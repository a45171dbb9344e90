package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/bledb"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/session"
)

type subscribeOptions struct {
	service  string
	chars    string
	hex      bool
	format   string
	duration time.Duration
}

func newSubscribeCmd() *cobra.Command {
	opts := &subscribeOptions{}
	cmd := &cobra.Command{
		Use:   "subscribe <device-address> [characteristic-uuids]",
		Short: "Stream notifications from characteristics",
		Long: `Subscribes to notifications or indications of one or more characteristics and
prints every value as it arrives. Indications are used when the characteristic
supports them. Subscriptions are removed on exit.
` + deviceAddressNote,
		Example: `  # Stream Heart Rate Measurement
  blecentral subscribe ` + exampleDeviceAddress + ` 2a37 --hex

  # Several characteristics for one minute, as JSON
  blecentral subscribe ` + exampleDeviceAddress + ` 2a37,2a19 --duration 1m --format json`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 2 {
				opts.chars = args[1]
			}
			return runSubscribe(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.service, "service", "", "Service UUID (optional; resolved automatically if omitted)")
	cmd.Flags().StringVar(&opts.chars, "char", "", "Characteristic UUID(s), comma-separated (e.g., 2a37,2a38)")
	cmd.Flags().BoolVar(&opts.hex, "hex", false, "Output as hex string; raw bytes by default")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "", "Output format (table, json); defaults to the config output_format")
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "Stop after this long (0 streams until interrupted)")
	return cmd
}

func runSubscribe(cmd *cobra.Command, address string, opts *subscribeOptions) error {
	uuids := parseCSVUUIDs(opts.chars)
	if len(uuids) == 0 {
		return fmt.Errorf("at least one characteristic UUID is required")
	}
	targets := make([]*target, 0, len(uuids))
	for _, u := range uuids {
		t, err := parseTarget(opts.service, u, "", "")
		if err != nil {
			return err
		}
		targets = append(targets, t)
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
	cmd.SilenceUsage = true

	ctx := cmd.Context()
	id, err := c.connect(ctx, address)
	if err != nil {
		return err
	}
	defer c.disconnect(context.WithoutCancel(ctx), id)

	for _, t := range targets {
		if err := c.resolveService(ctx, id, t); err != nil {
			return err
		}
	}

	var subscribed []*target
	defer func() {
		for _, t := range subscribed {
			c.setNotify(context.WithoutCancel(ctx), id, t, false)
		}
	}()
	for _, t := range targets {
		if err := c.setNotify(ctx, id, t, true); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", t.describe(), err)
		}
		subscribed = append(subscribed, t)
	}

	out := newPrinter(cmd.OutOrStdout(), format)
	_, err = c.await(ctx, opts.duration, "notifications", func(ev session.Event) (bool, error) {
		switch e := ev.(type) {
		case session.ReadEvent:
			if e.ID == id && e.IsNotification {
				return false, printNotification(out, e, opts.hex)
			}
		case session.DisconnectEvent:
			if e.ID == id {
				c.lost[id] = true
				return false, ErrConnectionLost
			}
		}
		return false, nil
	})
	if errors.Is(err, device.ErrTimeout) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// setNotify changes one subscription and waits for its confirmation.
func (c *client) setNotify(ctx context.Context, id string, t *target, on bool) error {
	if c.lost[id] {
		return ErrConnectionLost
	}
	if err := c.manager.Notify(id, t.service, t.characteristic, on); err != nil {
		return err
	}
	_, err := c.expect(ctx, c.cfg.OperationTimeout, id, "notify", "notify")
	if err != nil && !on {
		c.logger.WithField("error", err).Debug("Failed to unsubscribe")
	}
	return err
}

func printNotification(out *printer, ev session.ReadEvent, asHex bool) error {
	if out.json() {
		return out.event(ev)
	}
	if !asHex {
		_, err := out.out.Write(ev.Data)
		return err
	}
	name := bledb.LookupCharacteristic(ev.CharacteristicUUID)
	out.printf("%s %s: %s\n",
		out.dim.Sprint(time.Now().Format("15:04:05.000")),
		out.attribute(ev.CharacteristicUUID, name),
		out.bytes(ev.Data))
	return nil
}

// parseCSVUUIDs splits a comma-separated UUID list, dropping empty entries.
func parseCSVUUIDs(input string) []string {
	var result []string
	for _, u := range strings.Split(input, ",") {
		u = strings.TrimSpace(u)
		if u != "" {
			result = append(result, u)
		}
	}
	return result
}
