package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/devicefactory"
	"github.com/srg/blecentral/internal/session"
	"github.com/srg/blecentral/pkg/config"
)

// client drives a session.Manager synchronously for one command: it issues a
// request and consumes events until the matching completion arrives.
type client struct {
	cfg     *config.Config
	logger  *logrus.Logger
	manager *session.Manager
	sink    *session.ChannelSink
	history *session.HistorySink

	// peripherals whose link dropped while a command was waiting
	lost map[string]bool
}

// openClient loads configuration, starts the selected back end and waits
// for the radio to power on.
func openClient(cmd *cobra.Command) (*client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	platform, err := devicefactory.PlatformFactory(cfg, logger)
	if err != nil {
		return nil, err
	}

	sink := session.NewChannelSink(cfg.EventBuffer, session.OverflowPolicy(cfg.OverflowPolicy), logger)
	history := session.NewHistorySink(cfg.EventHistory, logger)
	manager := session.NewManager(platform, session.MultiSink{sink, history}, logger, &session.Options{
		InboxSize:    cfg.InboxSize,
		CloseTimeout: cfg.OperationTimeout,
	})
	if err := manager.Start(cmd.Context()); err != nil {
		sink.Close()
		return nil, err
	}

	c := &client{
		cfg:     cfg,
		logger:  logger,
		manager: manager,
		sink:    sink,
		history: history,
		lost:    make(map[string]bool),
	}
	if err := c.waitPoweredOn(cmd.Context()); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Close stops the sink first so that teardown events never block on a
// reader that is gone.
func (c *client) Close() {
	c.sink.Close()
	if err := c.manager.Close(); err != nil {
		c.logger.WithField("error", err).Warn("Failed to close session manager")
	}
	if n := c.sink.Dropped(); n > 0 {
		c.logger.WithField("dropped", n).Warn("Events were dropped because the buffer was full")
	}
	if c.logger.IsLevelEnabled(logrus.DebugLevel) {
		for _, ev := range c.history.Drain() {
			c.logger.WithFields(logrus.Fields{
				"event":      ev.Name(),
				"peripheral": ev.PeripheralID(),
			}).Debug("Recent event")
		}
	}
}

// await consumes events until match reports completion, ctx ends or timeout
// elapses. A zero timeout waits for ctx only.
func (c *client) await(ctx context.Context, timeout time.Duration, what string, match func(session.Event) (bool, error)) (session.Event, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for %s", device.ErrTimeout, what)
			}
			return nil, ctx.Err()
		case ev := <-c.sink.Events():
			c.logger.WithField("event", ev.Name()).Debug("Event received")
			done, err := match(ev)
			if err != nil {
				return ev, err
			}
			if done {
				return ev, nil
			}
		}
	}
}

func (c *client) waitPoweredOn(ctx context.Context) error {
	_, err := c.await(ctx, c.cfg.OperationTimeout, "Bluetooth to power on", func(ev session.Event) (bool, error) {
		change, ok := ev.(session.StateChangeEvent)
		if !ok {
			return false, nil
		}
		switch change.State {
		case device.StatePoweredOn:
			return true, nil
		case device.StatePoweredOff, device.StateUnauthorized, device.StateUnsupported:
			return false, fmt.Errorf("%w: adapter is %s", device.ErrBluetoothOff, change.State)
		default:
			return false, nil
		}
	})
	return err
}

// expect waits for the completion event named name for peripheral id. An
// ErrorEvent for op, a failed ConnectEvent or a disconnect end the wait with
// an error.
func (c *client) expect(ctx context.Context, timeout time.Duration, id, op, name string) (session.Event, error) {
	return c.await(ctx, timeout, name, func(ev session.Event) (bool, error) {
		if ev.PeripheralID() != id {
			return false, nil
		}
		switch e := ev.(type) {
		case session.ErrorEvent:
			if e.Op == op {
				return false, e.Err
			}
		case session.ConnectEvent:
			if name == e.Name() && e.Err != nil {
				return false, e.Err
			}
		case session.DisconnectEvent:
			c.lost[id] = true
			if name != e.Name() {
				return false, ErrConnectionLost
			}
		}
		return ev.Name() == name, nil
	})
}

// find returns the peripheral id for target, scanning until it is seen when
// the registry does not know it yet.
func (c *client) find(ctx context.Context, target string) (string, error) {
	id := device.PeripheralID(target)
	if _, ok := c.manager.Peripheral(id); ok {
		return id, nil
	}

	if err := c.manager.StartScanning(nil, false); err != nil {
		return "", err
	}
	defer func() {
		if err := c.manager.StopScanning(); err != nil {
			c.logger.WithField("error", err).Debug("Failed to stop scanning")
		}
	}()

	_, err := c.await(ctx, c.cfg.ScanTimeout, "device "+target, func(ev session.Event) (bool, error) {
		if e, ok := ev.(session.ErrorEvent); ok && (e.Op == "startScanning" || e.Op == "scan") {
			return false, e.Err
		}
		return ev.Name() == "discover" && ev.PeripheralID() == id, nil
	})
	if errors.Is(err, device.ErrTimeout) {
		return "", fmt.Errorf("%w: %s was not seen within %s", device.ErrDeviceNotFound, target, c.cfg.ScanTimeout)
	}
	return id, err
}

// connect finds and connects target, returning its peripheral id.
func (c *client) connect(ctx context.Context, target string) (string, error) {
	id, err := c.find(ctx, target)
	if err != nil {
		return "", err
	}
	if err := c.manager.Connect(id); err != nil {
		return "", err
	}
	if _, err := c.expect(ctx, c.cfg.ConnectTimeout, id, "connect", "connect"); err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	c.logger.WithField("peripheral", id).Info("Connected")
	return id, nil
}

// disconnect ends the connection and waits briefly for confirmation.
func (c *client) disconnect(ctx context.Context, id string) {
	if c.lost[id] {
		return
	}
	if err := c.manager.Disconnect(id); err != nil {
		c.logger.WithField("error", err).Debug("Failed to request disconnect")
		return
	}
	if _, err := c.expect(ctx, c.cfg.OperationTimeout, id, "disconnect", "disconnect"); err != nil {
		c.logger.WithField("error", err).Debug("Disconnect not confirmed")
	}
}
