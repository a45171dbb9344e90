package session

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestChannelSinkBlockPolicy(t *testing.T) {
	// GOAL: Verify the block policy applies backpressure and Close releases a blocked Emit
	//
	// TEST SCENARIO: capacity 1 filled → second Emit blocks → Close → Emit returns → buffered event still readable

	sink := NewChannelSink(1, OverflowBlock, quietLogger())
	sink.Emit(ScanStartEvent{})

	returned := make(chan struct{})
	go func() {
		sink.Emit(ScanStopEvent{})
		close(returned)
	}()

	select {
	case <-returned:
		t.Fatal("Emit MUST block while the buffer is full")
	case <-time.After(50 * time.Millisecond):
	}

	sink.Close()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Close MUST release a blocked Emit")
	}

	ev := <-sink.Events()
	assert.Equal(t, "scanStart", ev.Name())

	sink.Emit(ScanStopEvent{})
	assert.Len(t, sink.Events(), 0, "events emitted after Close MUST be dropped")
}

func TestChannelSinkDropOldest(t *testing.T) {
	sink := NewChannelSink(2, OverflowDropOldest, quietLogger())
	defer sink.Close()

	sink.Emit(RSSIUpdateEvent{ID: "a", RSSI: -1})
	sink.Emit(RSSIUpdateEvent{ID: "a", RSSI: -2})
	sink.Emit(RSSIUpdateEvent{ID: "a", RSSI: -3})

	assert.Equal(t, int64(1), sink.Dropped(), "one event MUST be dropped")
	first := (<-sink.Events()).(RSSIUpdateEvent)
	second := (<-sink.Events()).(RSSIUpdateEvent)
	assert.Equal(t, -2, first.RSSI, "oldest event MUST be the one dropped")
	assert.Equal(t, -3, second.RSSI)
}

func TestHistorySink(t *testing.T) {
	h := NewHistorySink(16, quietLogger())
	h.Emit(StateChangeEvent{State: device.StatePoweredOn})
	h.Emit(ScanStartEvent{})
	h.Emit(ScanStopEvent{})

	events := h.Drain()
	require.Len(t, events, 3)
	assert.Equal(t, "stateChange", events[0].Name())
	assert.Equal(t, "scanStop", events[2].Name())
	assert.Empty(t, h.Drain(), "Drain MUST empty the history")

	for i := 0; i < 50; i++ {
		h.Emit(RSSIUpdateEvent{ID: "a", RSSI: -i})
	}
	events = h.Drain()
	require.NotEmpty(t, events)
	assert.Less(t, len(events), 50, "history MUST keep only the most recent events")
	assert.Equal(t, -49, events[len(events)-1].(RSSIUpdateEvent).RSSI, "newest event MUST survive")
}

func TestMultiSink(t *testing.T) {
	var a, b []string
	ms := MultiSink{
		SinkFunc(func(ev Event) { a = append(a, ev.Name()) }),
		nil,
		SinkFunc(func(ev Event) { b = append(b, ev.Name()) }),
	}
	ms.Emit(ScanStopEvent{})
	assert.Equal(t, []string{"scanStop"}, a)
	assert.Equal(t, []string{"scanStop"}, b)
}

func TestMarshalEvent(t *testing.T) {
	t.Run("discover carries only present advertisement fields", func(t *testing.T) {
		body, err := MarshalEvent(DiscoverEvent{
			ID:          "aabbccddeeff",
			Address:     "AA:BB:CC:DD:EE:FF",
			AddressType: device.AddressRandom,
			Connectable: true,
			Advertisement: device.Advertisement{
				LocalName:    device.Some("HeartRate"),
				ServiceUUIDs: device.Some([]string{device.NormalizeUUID("180d")}),
			},
			RSSI: -60,
		})
		require.NoError(t, err)
		assert.JSONEq(t, `{
			"event": "discover",
			"id": "aabbccddeeff",
			"address": "AA:BB:CC:DD:EE:FF",
			"addressType": "random",
			"connectable": true,
			"rssi": -60,
			"advertisement": {
				"localName": "HeartRate",
				"serviceUuids": ["0000180d00001000800000805f9b34fb"]
			}
		}`, string(body))
	})

	t.Run("errors are rendered as text", func(t *testing.T) {
		body, err := MarshalEvent(ErrorEvent{ID: "aabbccddeeff", Op: "readHandle", Handle: 3, Err: errors.New("boom")})
		require.NoError(t, err)
		assert.JSONEq(t, `{"event":"error","id":"aabbccddeeff","op":"readHandle","handle":3,"error":"boom"}`, string(body))
	})

	t.Run("successful connect has no error key", func(t *testing.T) {
		body, err := MarshalEvent(ConnectEvent{ID: "aabbccddeeff"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"event":"connect","id":"aabbccddeeff"}`, string(body))
	})
}
