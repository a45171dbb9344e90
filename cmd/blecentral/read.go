package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/session"
)

type readOptions struct {
	service    string
	char       string
	descriptor string
	handle     string
	hex        bool
	format     string
	watch      time.Duration
}

func newReadCmd() *cobra.Command {
	opts := &readOptions{}
	cmd := &cobra.Command{
		Use:   "read <device-address> [characteristic-uuid]",
		Short: "Read a characteristic, descriptor or attribute handle",
		Long: `Reads the value of a characteristic, a descriptor or a raw attribute handle.

The service is resolved automatically when the characteristic UUID is unique on
the device; use --service otherwise.
` + deviceAddressNote,
		Example: `  # Read Battery Level
  blecentral read ` + exampleDeviceAddress + ` 2a19 --hex

  # Read the Client Characteristic Configuration of Heart Rate Measurement
  blecentral read ` + exampleDeviceAddress + ` --service 180d --char 2a37 --desc 2902 --hex

  # Read attribute handle 0x002A
  blecentral read ` + exampleDeviceAddress + ` --handle 0x2a --hex

  # Read every second until interrupted
  blecentral read ` + exampleDeviceAddress + ` 2a19 --watch 1s`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 2 {
				opts.char = args[1]
			}
			return runRead(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.service, "service", "", "Service UUID (required if the characteristic UUID is ambiguous)")
	cmd.Flags().StringVar(&opts.char, "char", "", "Characteristic UUID")
	cmd.Flags().StringVar(&opts.descriptor, "desc", "", "Descriptor UUID (reads the descriptor instead of the characteristic)")
	cmd.Flags().StringVar(&opts.handle, "handle", "", "Attribute handle to read directly (decimal or 0x-prefixed hex)")
	cmd.Flags().BoolVar(&opts.hex, "hex", false, "Output as hex string (e.g., 'FF01'); raw bytes by default")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "", "Output format (table, json); defaults to the config output_format")
	cmd.Flags().DurationVar(&opts.watch, "watch", 0, "Read repeatedly at this interval until interrupted")
	return cmd
}

func runRead(cmd *cobra.Command, address string, opts *readOptions) error {
	t, err := parseTarget(opts.service, opts.char, opts.descriptor, opts.handle)
	if err != nil {
		return err
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

	if err := c.resolveService(ctx, id, t); err != nil {
		return err
	}

	out := newPrinter(cmd.OutOrStdout(), format)
	for {
		ev, err := c.read(ctx, id, t)
		if err != nil {
			if opts.watch > 0 && errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := printValue(out, ev, opts.hex); err != nil {
			return err
		}
		if opts.watch <= 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(opts.watch):
		}
	}
}

// read issues the request matching t and waits for its completion event.
func (c *client) read(ctx context.Context, id string, t *target) (session.Event, error) {
	var (
		err      error
		op, name string
	)
	switch {
	case t.byHandle:
		op, name = "readHandle", "handleRead"
		err = c.manager.ReadHandle(id, t.handle)
	case t.descriptor != "":
		op, name = "readValue", "valueRead"
		err = c.manager.ReadValue(id, t.service, t.characteristic, t.descriptor)
	default:
		op, name = "read", "read"
		err = c.manager.Read(id, t.service, t.characteristic)
	}
	if err != nil {
		return nil, err
	}
	ev, err := c.expect(ctx, c.cfg.OperationTimeout, id, op, name)
	if err != nil {
		if errors.Is(err, device.ErrTimeout) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read %s: %w", t.describe(), err)
	}
	return ev, nil
}

// printValue prints the data carried by a read completion.
func printValue(out *printer, ev session.Event, asHex bool) error {
	if out.json() {
		return out.event(ev)
	}

	var data []byte
	switch e := ev.(type) {
	case session.ReadEvent:
		data = e.Data
	case session.ValueReadEvent:
		data = e.Data
	case session.HandleReadEvent:
		data = e.Data
	}

	if asHex {
		out.printf("%s\n", out.bytes(data))
		return nil
	}
	_, err := out.out.Write(data)
	return err
}
