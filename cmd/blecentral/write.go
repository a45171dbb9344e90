package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/device"
)

type writeOptions struct {
	service         string
	char            string
	descriptor      string
	handle          string
	hex             bool
	withoutResponse bool
}

func newWriteCmd() *cobra.Command {
	opts := &writeOptions{}
	cmd := &cobra.Command{
		Use:   "write <device-address> [characteristic-uuid] <data>",
		Short: "Write to a characteristic, descriptor or attribute handle",
		Long: `Writes data to a characteristic, a descriptor or a raw attribute handle.

Data is taken literally unless --hex is given.
` + deviceAddressNote,
		Example: `  # Write to a characteristic (string data)
  blecentral write ` + exampleDeviceAddress + ` 2a06 "high"

  # Write hex data
  blecentral write ` + exampleDeviceAddress + ` 2a39 01 --hex

  # Enable notifications through the descriptor
  blecentral write ` + exampleDeviceAddress + ` --service 180d --char 2a37 --desc 2902 0100 --hex

  # Write without response
  blecentral write ` + exampleDeviceAddress + ` 2a39 01 --hex --without-response`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 3 {
				opts.char = args[1]
			}
			return runWrite(cmd, args[0], args[len(args)-1], opts)
		},
	}

	cmd.Flags().StringVar(&opts.service, "service", "", "Service UUID (required if the characteristic UUID is ambiguous)")
	cmd.Flags().StringVar(&opts.char, "char", "", "Characteristic UUID")
	cmd.Flags().StringVar(&opts.descriptor, "desc", "", "Descriptor UUID (writes the descriptor instead of the characteristic)")
	cmd.Flags().StringVar(&opts.handle, "handle", "", "Attribute handle to write directly (decimal or 0x-prefixed hex)")
	cmd.Flags().BoolVar(&opts.hex, "hex", false, "Parse input as hex string (e.g., 'FF01'); raw bytes by default")
	cmd.Flags().BoolVar(&opts.withoutResponse, "without-response", false, "Write without response (no ACK from the device)")
	return cmd
}

func runWrite(cmd *cobra.Command, address, input string, opts *writeOptions) error {
	t, err := parseTarget(opts.service, opts.char, opts.descriptor, opts.handle)
	if err != nil {
		return err
	}
	if opts.withoutResponse && t.descriptor != "" {
		return fmt.Errorf("--without-response cannot be used for descriptor writes")
	}

	data := []byte(input)
	if opts.hex {
		if data, err = parseHex(input); err != nil {
			return err
		}
	}

	c, err := openClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()
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

	var op, name string
	switch {
	case t.byHandle:
		op, name = "writeHandle", "handleWrite"
		err = c.manager.WriteHandle(id, t.handle, data, opts.withoutResponse)
	case t.descriptor != "":
		op, name = "writeValue", "valueWrite"
		err = c.manager.WriteValue(id, t.service, t.characteristic, t.descriptor, data)
	default:
		op, name = "write", "write"
		err = c.manager.Write(id, t.service, t.characteristic, data, opts.withoutResponse)
	}
	if err != nil {
		return err
	}
	if _, err := c.expect(ctx, c.cfg.OperationTimeout, id, op, name); err != nil {
		if errors.Is(err, device.ErrTimeout) || errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("failed to write %s: %w", t.describe(), err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes to %s\n", len(data), t.describe())
	return nil
}
