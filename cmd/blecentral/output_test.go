package main

import (
	"bytes"
	"testing"

	"github.com/srg/blecentral/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHex(t *testing.T) {
	for _, in := range []string{"0102ff", "01 02 FF", "01:02:ff", "0x0102FF", " 01-02-ff "} {
		data, err := parseHex(in)
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, []byte{0x01, 0x02, 0xff}, data, "input %q", in)
	}

	_, err := parseHex("012")
	assert.ErrorContains(t, err, "invalid hex value")
}

func TestFormatHex(t *testing.T) {
	assert.Equal(t, "00FF10", formatHex([]byte{0x00, 0xff, 0x10}))
	assert.Equal(t, "", formatHex(nil))
}

func TestPrinterWithoutTerminalHasNoColour(t *testing.T) {
	buf := new(bytes.Buffer)
	p := newPrinter(buf, formatTable)

	assert.False(t, p.json())
	assert.Equal(t, "180d Heart Rate", p.attribute(device.NormalizeUUID("180d"), "Heart Rate"))
	assert.Equal(t, "2a00", p.attribute("2a00", ""))
	assert.Equal(t, "0A", p.bytes([]byte{10}))
}

func TestParseTarget(t *testing.T) {
	tgt, err := parseTarget("180D", "0x2A37", "2902", "")
	require.NoError(t, err)
	assert.Equal(t, &target{
		service:        device.NormalizeUUID("180d"),
		characteristic: device.NormalizeUUID("2a37"),
		descriptor:     device.NormalizeUUID("2902"),
	}, tgt)
	assert.Equal(t, "2902 of 2a37 (Heart Rate Measurement)", tgt.describe())

	tgt, err = parseTarget("", "", "", "0x1F")
	require.NoError(t, err)
	assert.Equal(t, &target{handle: 0x1f, byHandle: true}, tgt)
	assert.Equal(t, "handle 0x001F", tgt.describe())

	_, err = parseTarget("", "zz", "", "")
	assert.Error(t, err)
}
