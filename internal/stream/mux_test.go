package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duh17/oppi/internal/common/config"
	"github.com/duh17/oppi/internal/common/logger"
	"github.com/duh17/oppi/pkg/wire"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newTestMux(t *testing.T, cfg config.StreamConfig) *Mux {
	t.Helper()
	return NewMux(nil, nil, cfg, testLogger(t))
}

func decodeFrame(t *testing.T, frame []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(frame, &m))
	return m
}

func TestStampAssignsUserWideSequence(t *testing.T) {
	m := newTestMux(t, config.StreamConfig{UserRingCapacity: 100, HighWaterMark: 64 * 1024})

	// frames of different sessions share one streamSeq space
	s1, frame1, err := m.stamp(wire.NewMessage(wire.TypeToolStart, "sess-a", nil), 5)
	require.NoError(t, err)
	s2, frame2, err := m.stamp(wire.NewMessage(wire.TypeTextDelta, "sess-b", map[string]interface{}{"text": "x"}), 0)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), s1)
	assert.Equal(t, uint64(2), s2)

	f1 := decodeFrame(t, frame1)
	assert.Equal(t, float64(5), f1["seq"])
	assert.Equal(t, float64(1), f1["streamSeq"])
	assert.Equal(t, "sess-a", f1["sessionId"])

	f2 := decodeFrame(t, frame2)
	assert.NotContains(t, f2, "seq", "ephemeral frames carry no session seq")
	assert.Equal(t, float64(2), f2["streamSeq"])
}

func TestResumeFromCursor(t *testing.T) {
	m := newTestMux(t, config.StreamConfig{UserRingCapacity: 100, HighWaterMark: 64 * 1024})
	for i := 0; i < 5; i++ {
		_, _, err := m.stamp(wire.NewMessage(wire.TypeToolStart, "s1", nil), uint64(i+1))
		require.NoError(t, err)
	}

	frames, complete := m.resume(3)
	require.True(t, complete)
	require.Len(t, frames, 2)
	assert.Equal(t, float64(4), decodeFrame(t, frames[0])["streamSeq"])
	assert.Equal(t, float64(5), decodeFrame(t, frames[1])["streamSeq"])

	// caught up
	frames, complete = m.resume(5)
	assert.True(t, complete)
	assert.Empty(t, frames)
}

func TestResumeBelowFloor(t *testing.T) {
	m := newTestMux(t, config.StreamConfig{UserRingCapacity: 3, HighWaterMark: 64 * 1024})
	for i := 0; i < 6; i++ {
		_, _, err := m.stamp(wire.NewMessage(wire.TypeToolStart, "s1", nil), uint64(i+1))
		require.NoError(t, err)
	}
	// retained: 4,5,6

	_, complete := m.resume(1)
	assert.False(t, complete, "cursor below the ring floor forces a resync")

	frames, complete := m.resume(3)
	require.True(t, complete)
	assert.Len(t, frames, 3)
}

func TestResumeEmptyRing(t *testing.T) {
	m := newTestMux(t, config.StreamConfig{UserRingCapacity: 10, HighWaterMark: 64 * 1024})

	frames, complete := m.resume(0)
	assert.True(t, complete)
	assert.Empty(t, frames)
}

func newIdleConn(m *Mux, log *logger.Logger) *Conn {
	// no websocket attached: only the enqueue path is exercised
	return newConn(m, nil, log)
}

func TestDeliverFiltersByLevel(t *testing.T) {
	m := newTestMux(t, config.StreamConfig{UserRingCapacity: 100, HighWaterMark: 64 * 1024})
	c := newIdleConn(m, testLogger(t))
	c.subs["s1"] = &subscription{level: LevelNotifications, unsubscribe: func() {}}

	c.deliver("s1", wire.NewMessage(wire.TypeTextDelta, "s1", map[string]interface{}{"text": "x"}), 0)
	assert.Len(t, c.send, 0, "deltas filtered at notifications level")

	c.deliver("s1", wire.NewMessage(wire.TypePermissionRequest, "s1", map[string]interface{}{"id": "p1"}), 3)
	assert.Len(t, c.send, 1)

	// frames of sessions without a subscription are ignored
	c.deliver("s2", wire.NewMessage(wire.TypePermissionRequest, "s2", nil), 1)
	assert.Len(t, c.send, 1)
}

func TestConcurrentSendersKeepSocketOrder(t *testing.T) {
	m := newTestMux(t, config.StreamConfig{UserRingCapacity: 300, HighWaterMark: 64 * 1024})
	c := newIdleConn(m, testLogger(t))

	// several event tasks racing onto one socket must not invert streamSeq
	const senders, perSender = 8, 25
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				c.sendFrame(wire.NewMessage(wire.TypeToolStart, "s1", nil), 1)
			}
		}()
	}
	wg.Wait()

	var last float64
	for i := 0; i < senders*perSender; i++ {
		select {
		case frame := <-c.send:
			got := decodeFrame(t, frame)["streamSeq"].(float64)
			require.Greater(t, got, last, "streamSeq must be strictly increasing on the socket")
			last = got
		default:
			t.Fatalf("only %d frames enqueued", i)
		}
	}
}

func TestBackpressureDropsOnlyDroppableFrames(t *testing.T) {
	m := newTestMux(t, config.StreamConfig{UserRingCapacity: 100, HighWaterMark: 512})
	c := newIdleConn(m, testLogger(t))

	atomic.StoreInt64(&c.buffered, 1024) // over the high water mark

	c.sendFrame(wire.NewMessage(wire.TypeTextDelta, "s1", map[string]interface{}{"text": "dropped"}), 0)
	assert.Len(t, c.send, 0)
	// a dropped delta consumes no streamSeq: the gap detector must stay quiet
	m.mu.Lock()
	assert.Equal(t, uint64(0), m.streamSeq)
	m.mu.Unlock()

	c.sendFrame(wire.NewMessage(wire.TypeToolEnd, "s1", map[string]interface{}{"toolCallId": "c1"}), 4)
	require.Len(t, c.send, 1)
	frame := decodeFrame(t, <-c.send)
	assert.Equal(t, "tool_end", frame["type"])
	assert.Equal(t, float64(1), frame["streamSeq"])
}

func TestBackpressureClearsWhenDrained(t *testing.T) {
	m := newTestMux(t, config.StreamConfig{UserRingCapacity: 100, HighWaterMark: 512})
	c := newIdleConn(m, testLogger(t))

	c.sendFrame(wire.NewMessage(wire.TypeTextDelta, "s1", map[string]interface{}{"text": "kept"}), 0)
	require.Len(t, c.send, 1)

	frame := <-c.send
	atomic.AddInt64(&c.buffered, -int64(len(frame)))
	assert.Equal(t, int64(0), atomic.LoadInt64(&c.buffered))
}
