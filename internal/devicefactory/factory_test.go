package devicefactory

import (
	"testing"

	"github.com/srg/blecentral/internal/device"
	goble "github.com/srg/blecentral/internal/device/go-ble"
	"github.com/srg/blecentral/internal/device/tinygo"
	"github.com/srg/blecentral/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlatformFactory(t *testing.T) {
	cfg := config.DefaultConfig()

	p, err := PlatformFactory(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &goble.Platform{}, p, "default backend MUST be go-ble")

	cfg.Backend = config.BackendTinyGo
	p, err = PlatformFactory(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &tinygo.Platform{}, p)

	cfg.Backend = "winrt"
	_, err = PlatformFactory(cfg, nil)
	assert.ErrorIs(t, err, device.ErrUnsupported)
}
