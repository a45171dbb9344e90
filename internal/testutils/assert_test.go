package testutils

import (
	"fmt"
	"testing"

	"github.com/srg/blecentral/internal/device"
	"github.com/srg/blecentral/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingT captures assertion failures instead of failing the test.
type recordingT struct {
	errors []string
}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func TestJSONAsserterDefaults(t *testing.T) {
	opts := NewJSONAsserter(t).GetOptions()
	assert.True(t, opts.IgnoreExtraKeys)
	assert.True(t, opts.NilToEmptyArray)
	assert.True(t, opts.AllowPresencePlaceholder)
	assert.False(t, opts.CompareOnlyExpectedKeys)
	assert.False(t, opts.IgnoreArrayOrder)
}

func TestJSONAsserterMatching(t *testing.T) {
	tests := []struct {
		name     string
		opts     []Option
		actual   string
		expected string
		pass     bool
	}{
		{
			name:     "extra keys are ignored by default",
			actual:   `{"id":"a","rssi":-40}`,
			expected: `{"id":"a"}`,
			pass:     true,
		},
		{
			name:     "extra keys fail when not ignored",
			opts:     []Option{WithIgnoreExtraKeys(false)},
			actual:   `{"id":"a","rssi":-40}`,
			expected: `{"id":"a"}`,
		},
		{
			name:     "presence placeholder accepts any value",
			actual:   `{"id":"a","lastSeen":"2024-01-01T00:00:00Z"}`,
			expected: `{"id":"a","lastSeen":"<<PRESENCE>>"}`,
			pass:     true,
		},
		{
			name:     "null and empty array are equal",
			actual:   `{"serviceUuids":null}`,
			expected: `{"serviceUuids":[]}`,
			pass:     true,
		},
		{
			name:     "array order matters by default",
			actual:   `["b","a"]`,
			expected: `["a","b"]`,
		},
		{
			name:     "array order ignored on request",
			opts:     []Option{WithIgnoreArrayOrder(true)},
			actual:   `["b","a"]`,
			expected: `["a","b"]`,
			pass:     true,
		},
		{
			name:     "ignored fields are dropped on both sides",
			opts:     []Option{WithIgnoredFields("ts")},
			actual:   `{"id":"a","ts":1}`,
			expected: `{"id":"a","ts":2}`,
			pass:     true,
		},
		{
			name:     "different values fail",
			actual:   `{"id":"a"}`,
			expected: `{"id":"b"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingT{}
			NewJSONAsserter(rec).WithOptions(tt.opts...).Assert(tt.actual, tt.expected)
			if tt.pass {
				assert.Empty(t, rec.errors, "assertion MUST pass")
			} else {
				assert.NotEmpty(t, rec.errors, "assertion MUST fail")
			}
		})
	}
}

func TestJSONAsserterInvalidJSON(t *testing.T) {
	rec := &recordingT{}
	NewJSONAsserter(rec).Assert(`{`, `{}`)
	require.Len(t, rec.errors, 1)
	assert.Contains(t, rec.errors[0], "invalid actual JSON")
}

func TestAssertEvents(t *testing.T) {
	events := []session.Event{
		session.StateChangeEvent{State: device.StatePoweredOn},
		session.ConnectEvent{ID: "aabbccddeeff", Err: device.ErrBluetoothOff},
	}

	NewJSONAsserter(t).AssertEvents(events, `[
		{"event": "stateChange", "state": "poweredOn"},
		{"event": "connect", "id": "aabbccddeeff", "error": "<<PRESENCE>>"}
	]`)
}

func TestTextAsserter(t *testing.T) {
	t.Run("identical text passes", func(t *testing.T) {
		rec := &recordingT{}
		NewTextAsserter(rec).Assert("a\nb", "a\nb")
		assert.Empty(t, rec.errors)
	})

	t.Run("difference reports a unified diff", func(t *testing.T) {
		rec := &recordingT{}
		NewTextAsserter(rec).Assert("a\nc", "a\nb")
		require.Len(t, rec.errors, 1)
		assert.Contains(t, rec.errors[0], "-b")
		assert.Contains(t, rec.errors[0], "+c")
	})

	t.Run("whitespace normalization", func(t *testing.T) {
		rec := &recordingT{}
		NewTextAsserter(rec).WithOptions(
			WithTrimSpace(true),
			WithIgnoreTrailingWhitespace(true),
			WithIgnoreLeadingWhitespace(true),
			WithIgnoreEmptyLines(true),
		).Assert("\n  a  \n\n\tb\n", "a\nb")
		assert.Empty(t, rec.errors, "normalized text MUST compare equal")
	})

	t.Run("colors highlight whitespace", func(t *testing.T) {
		rec := &recordingT{}
		NewTextAsserter(rec).WithOptions(WithEnableColors(true)).Assert("a b", "a  b")
		require.Len(t, rec.errors, 1)
		assert.Contains(t, rec.errors[0], "a·b")
	})
}
