package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/devicefactory"
	"github.com/srg/blecentral/internal/testutils"
	"github.com/srg/blecentral/pkg/config"
	"github.com/stretchr/testify/suite"
)

// Test device address for consistent fake peripheral identification
const testDeviceAddress = "AA:BB:CC:DD:EE:FF"

// CommandTestSuite routes every command through a FakePlatform holding a
// heart rate peripheral.
type CommandTestSuite struct {
	suite.Suite

	Platform *testutils.FakePlatform
	restore  func()
}

func (s *CommandTestSuite) SetupTest() {
	s.Platform = testutils.NewFakePlatform(testutils.HeartRatePeripheral(testDeviceAddress))

	original := devicefactory.PlatformFactory
	devicefactory.PlatformFactory = func(*config.Config, *logrus.Logger) (device.PlatformAdapter, error) {
		return s.Platform, nil
	}
	s.restore = func() { devicefactory.PlatformFactory = original }
}

func (s *CommandTestSuite) TearDownTest() {
	s.restore()
}

// writeConfig stores a YAML config file for the test and returns its path.
func (s *CommandTestSuite) writeConfig(yaml string) string {
	path := filepath.Join(s.T().TempDir(), "blecentral.yaml")
	s.Require().NoError(os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

// ExecuteCommand runs the command tree with args and returns stdout, stderr
// and the error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, string, error) {
	return s.ExecuteCommandContext(context.Background(), args...)
}

func (s *CommandTestSuite) ExecuteCommandContext(ctx context.Context, args ...string) (string, string, error) {
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	cmd := newRootCmd()
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}
