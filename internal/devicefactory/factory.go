// Package devicefactory builds the platform back end selected by
// configuration.
package devicefactory

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
	goble "github.com/srg/blecentral/internal/device/go-ble"
	"github.com/srg/blecentral/internal/device/tinygo"
	"github.com/srg/blecentral/pkg/config"
)

// PlatformFactory creates the device.PlatformAdapter for cfg.Backend.
// This is a variable so that it can be overridden in tests.
var PlatformFactory = func(cfg *config.Config, logger *logrus.Logger) (device.PlatformAdapter, error) {
	switch cfg.Backend {
	case config.BackendGoBLE, "":
		return goble.New(goble.Options{DeviceID: cfg.HCIDevice}, logger), nil
	case config.BackendTinyGo:
		return tinygo.New(tinygo.Options{}, logger)
	default:
		return nil, fmt.Errorf("%w: backend %q", device.ErrUnsupported, cfg.Backend)
	}
}
