package bledb

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode/utf8"
)

// DescribeValue renders a characteristic value of a well-known type for
// humans. It returns false when the type is unknown or the value malformed.
func DescribeValue(uuid string, data []byte) (string, bool) {
	switch ShortUUID(uuid) {
	case "2a00", "2a24", "2a25", "2a26", "2a27", "2a28", "2a29":
		return describeString(data)
	case "2a01":
		if len(data) != 2 {
			return "", false
		}
		return LookupAppearance(binary.LittleEndian.Uint16(data))
	case "2a19":
		if len(data) != 1 || data[0] > 100 {
			return "", false
		}
		return fmt.Sprintf("%d%%", data[0]), true
	case "2a37":
		return describeHeartRate(data)
	default:
		return "", false
	}
}

// describeHeartRate decodes the rate field of a Heart Rate Measurement. Bit 0
// of the flags selects a uint8 or little-endian uint16 rate.
func describeHeartRate(data []byte) (string, bool) {
	if len(data) < 2 {
		return "", false
	}
	if data[0]&0x01 == 0 {
		return fmt.Sprintf("%d bpm", data[1]), true
	}
	if len(data) < 3 {
		return "", false
	}
	return fmt.Sprintf("%d bpm", binary.LittleEndian.Uint16(data[1:3])), true
}

func describeString(data []byte) (string, bool) {
	s := strings.TrimRight(string(data), "\x00")
	if s == "" || !utf8.ValidString(s) {
		return "", false
	}
	return fmt.Sprintf("%q", s), true
}

// DescribeDescriptor renders the value of a standard GATT descriptor
// (0x2900-0x2906) for humans.
func DescribeDescriptor(uuid string, data []byte) (string, bool) {
	switch ShortUUID(uuid) {
	case "2900":
		bits, ok := flags16(data)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("reliable write %s, writable auxiliaries %s", onOff(bits&0x01), onOff(bits&0x02)), true
	case "2901":
		return describeString(data)
	case "2902":
		bits, ok := flags16(data)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("notifications %s, indications %s", onOff(bits&0x01), onOff(bits&0x02)), true
	case "2903":
		bits, ok := flags16(data)
		if !ok {
			return "", false
		}
		return "broadcasts " + onOff(bits&0x01), true
	case "2904":
		// Format(1) Exponent(1) Unit(2) Namespace(1) Description(2)
		if len(data) != 7 {
			return "", false
		}
		format, ok := presentationFormats[data[0]]
		if !ok {
			format = fmt.Sprintf("format 0x%02X", data[0])
		}
		return fmt.Sprintf("%s, exponent %d, unit 0x%04X", format, int8(data[1]), binary.LittleEndian.Uint16(data[2:4])), true
	case "2906":
		// split evenly between min and max, the extra byte goes to max
		if len(data) < 2 {
			return "", false
		}
		mid := len(data) / 2
		return fmt.Sprintf("min %s, max %s",
			strings.ToUpper(hex.EncodeToString(data[:mid])),
			strings.ToUpper(hex.EncodeToString(data[mid:]))), true
	default:
		return "", false
	}
}

func flags16(data []byte) (uint16, bool) {
	if len(data) != 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(data), true
}

func onOff(bit uint16) string {
	if bit != 0 {
		return "on"
	}
	return "off"
}

var presentationFormats = map[byte]string{
	0x01: "boolean",
	0x04: "uint8",
	0x06: "uint16",
	0x08: "uint32",
	0x0A: "uint64",
	0x0C: "sint8",
	0x0E: "sint16",
	0x10: "sint32",
	0x12: "sint64",
	0x14: "float32",
	0x15: "float64",
	0x16: "SFLOAT",
	0x17: "FLOAT",
	0x19: "utf8s",
	0x1A: "utf16s",
	0x1B: "struct",
}

// appearanceCategories are indexed by the upper 10 bits of an Appearance value.
var appearanceCategories = map[uint16]string{
	0x000: "Unknown",
	0x001: "Phone",
	0x002: "Computer",
	0x003: "Watch",
	0x004: "Clock",
	0x005: "Display",
	0x006: "Remote Control",
	0x007: "Eye-glasses",
	0x008: "Tag",
	0x009: "Keyring",
	0x00A: "Media Player",
	0x00B: "Barcode Scanner",
	0x00C: "Thermometer",
	0x00D: "Heart Rate Sensor",
	0x00E: "Blood Pressure",
	0x00F: "Human Interface Device",
	0x010: "Glucose Meter",
	0x011: "Running Walking Sensor",
	0x012: "Cycling",
	0x031: "Pulse Oximeter",
	0x032: "Weight Scale",
}

// LookupAppearance returns the category name of a GAP Appearance value.
func LookupAppearance(code uint16) (string, bool) {
	name, ok := appearanceCategories[code>>6]
	return name, ok
}
