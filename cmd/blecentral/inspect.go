package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/bledb"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/session"
)

type inspectOptions struct {
	readValues  bool
	descriptors bool
	format      string
}

// profile is the inspect result in the shape printed by --format json.
type profile struct {
	ID       string           `json:"id"`
	Address  string           `json:"address"`
	Name     string           `json:"name,omitempty"`
	Services []profileService `json:"services"`
}

type profileService struct {
	UUID            string                  `json:"uuid"`
	Name            string                  `json:"name,omitempty"`
	Characteristics []profileCharacteristic `json:"characteristics"`
}

type profileCharacteristic struct {
	UUID        string              `json:"uuid"`
	Name        string              `json:"name,omitempty"`
	Properties  []string            `json:"properties"`
	Value       string              `json:"value,omitempty"`
	Decoded     string              `json:"decoded,omitempty"`
	Descriptors []profileDescriptor `json:"descriptors,omitempty"`
}

type profileDescriptor struct {
	UUID    string `json:"uuid"`
	Name    string `json:"name,omitempty"`
	Value   string `json:"value,omitempty"`
	Decoded string `json:"decoded,omitempty"`
}

func newInspectCmd() *cobra.Command {
	opts := &inspectOptions{}
	cmd := &cobra.Command{
		Use:   "inspect <device-address>",
		Short: "Inspect services, characteristics and descriptors of a BLE peripheral",
		Long: `Connects to a BLE peripheral and discovers its services, characteristics and
descriptors. Readable characteristic values are read unless --no-read is given.
` + deviceAddressNote,
		Example: "  blecentral inspect " + exampleDeviceAddress + "\n  blecentral inspect --format json " + exampleDeviceAddress,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, args[0], opts)
		},
	}

	cmd.Flags().BoolVar(&opts.descriptors, "descriptors", true, "Discover descriptors of every characteristic")
	cmd.Flags().BoolVar(&opts.readValues, "read", true, "Read the value of readable characteristics")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "", "Output format (table, json); defaults to the config output_format")
	return cmd
}

func runInspect(cmd *cobra.Command, address string, opts *inspectOptions) error {
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

	prof, err := c.discoverProfile(ctx, id, opts)
	if err != nil {
		return err
	}
	if per, ok := c.manager.Peripheral(id); ok {
		prof.Address = per.Address
		prof.Name = per.Advertisement.LocalName.Value
	}

	out := newPrinter(cmd.OutOrStdout(), format)
	if out.json() {
		data, err := json.MarshalIndent(prof, "", "  ")
		if err != nil {
			return err
		}
		out.printf("%s\n", data)
		return nil
	}
	printProfile(out, prof)
	return nil
}

// discoverProfile walks the whole attribute table of a connected peripheral.
func (c *client) discoverProfile(ctx context.Context, id string, opts *inspectOptions) (*profile, error) {
	timeout := c.cfg.OperationTimeout
	prof := &profile{ID: id, Address: id}

	if err := c.manager.DiscoverAllServicesAndCharacteristics(id, nil, nil); err != nil {
		return nil, err
	}
	ev, err := c.expect(ctx, timeout, id, "discoverAllServicesAndCharacteristics", "servicesDiscover")
	if err != nil {
		return nil, err
	}
	for range ev.(session.ServicesDiscoverEvent).ServiceUUIDs {
		ev, err := c.expect(ctx, timeout, id, "discoverAllServicesAndCharacteristics", "characteristicsDiscover")
		if err != nil {
			return nil, err
		}
		discovered := ev.(session.CharacteristicsDiscoverEvent)
		svc := profileService{
			UUID: discovered.ServiceUUID,
			Name: bledb.LookupService(discovered.ServiceUUID),
		}
		for _, info := range discovered.Characteristics {
			chr := profileCharacteristic{
				UUID:       info.UUID,
				Name:       bledb.LookupCharacteristic(info.UUID),
				Properties: info.Properties,
			}
			if opts.descriptors {
				if chr.Descriptors, err = c.descriptors(ctx, id, svc.UUID, chr.UUID, opts.readValues); err != nil {
					return nil, err
				}
			}
			if opts.readValues && hasProperty(info.Properties, "read") {
				data, err := c.tolerantRead(ctx, id, "read", "read", chr.UUID, func() error {
					return c.manager.Read(id, svc.UUID, chr.UUID)
				})
				if err != nil {
					return nil, err
				}
				chr.Value = formatHex(data)
				chr.Decoded, _ = bledb.DescribeValue(chr.UUID, data)
			}
			svc.Characteristics = append(svc.Characteristics, chr)
		}
		prof.Services = append(prof.Services, svc)
	}
	return prof, nil
}

// descriptors returns nil without an error when the back end cannot list
// descriptors.
func (c *client) descriptors(ctx context.Context, id, svc, chr string, readValues bool) ([]profileDescriptor, error) {
	if err := c.manager.DiscoverDescriptors(id, svc, chr); err != nil {
		return nil, err
	}
	ev, err := c.expect(ctx, c.cfg.OperationTimeout, id, "discoverDescriptors", "descriptorsDiscover")
	if errors.Is(err, device.ErrUnsupported) {
		c.logger.WithField("characteristic", chr).Debug("Descriptor discovery is not supported")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	uuids := ev.(session.DescriptorsDiscoverEvent).DescriptorUUIDs
	descriptors := make([]profileDescriptor, 0, len(uuids))
	for _, u := range uuids {
		d := profileDescriptor{UUID: u, Name: bledb.LookupDescriptor(u)}
		if readValues {
			data, err := c.tolerantRead(ctx, id, "readValue", "valueRead", u, func() error {
				return c.manager.ReadValue(id, svc, chr, u)
			})
			if err != nil {
				return nil, err
			}
			d.Value = formatHex(data)
			d.Decoded, _ = bledb.DescribeDescriptor(u, data)
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}

// tolerantRead issues a read and returns its data. A refused read yields no
// data and no error, so one protected attribute does not abort the whole
// inspection. Transport level failures still do.
func (c *client) tolerantRead(ctx context.Context, id, op, name, uuid string, issue func() error) ([]byte, error) {
	if err := issue(); err != nil {
		return nil, err
	}
	ev, err := c.expect(ctx, c.cfg.OperationTimeout, id, op, name)
	var conn *device.ConnectionError
	switch {
	case err == nil:
		switch e := ev.(type) {
		case session.ReadEvent:
			return e.Data, nil
		case session.ValueReadEvent:
			return e.Data, nil
		}
		return nil, nil
	case errors.Is(err, ErrConnectionLost), errors.As(err, &conn), errors.Is(err, context.Canceled):
		return nil, err
	default:
		c.logger.WithFields(logrus.Fields{
			"attribute": uuid,
			"error":     err,
		}).Warn("Failed to read attribute")
		return nil, nil
	}
}

func hasProperty(props []string, name string) bool {
	for _, p := range props {
		if p == name {
			return true
		}
	}
	return false
}

func printProfile(out *printer, prof *profile) {
	title := prof.Address
	if prof.Name != "" {
		title += " (" + out.name.Sprint(prof.Name) + ")"
	}
	out.printf("Peripheral %s\n", title)
	if len(prof.Services) == 0 {
		out.printf("  No services discovered\n")
		return
	}
	for _, svc := range prof.Services {
		out.printf("\nService %s\n", out.attribute(svc.UUID, svc.Name))
		for _, chr := range svc.Characteristics {
			out.printf("  Characteristic %s %s\n", out.attribute(chr.UUID, chr.Name),
				out.dim.Sprint("["+strings.Join(chr.Properties, ", ")+"]"))
			if chr.Value != "" {
				out.printf("    Value: %s%s\n", out.value.Sprint(chr.Value), decoded(chr.Decoded))
			}
			for _, d := range chr.Descriptors {
				line := "    Descriptor " + out.attribute(d.UUID, d.Name)
				switch {
				case d.Decoded != "":
					line += ": " + d.Decoded
				case d.Value != "":
					line += ": " + out.value.Sprint(d.Value)
				}
				out.printf("%s\n", line)
			}
		}
	}
}

func decoded(s string) string {
	if s == "" {
		return ""
	}
	return " (" + s + ")"
}
