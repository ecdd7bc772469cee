package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func procFactory(t *testing.T, script string) Backend {
	t.Helper()
	factory := NewProcBackendFactory(ProcBackendConfig{
		Command:  []string{"sh", "-c", script},
		ProxyURL: "http://127.0.0.1:0",
	}, testLogger(t))
	b, err := factory(Session{ID: "s1"}, "", 0)
	require.NoError(t, err)
	return b
}

func TestProcBackendPreservesEventOrder(t *testing.T) {
	// the agent prints its banner and two more events back to back; the
	// consumer must see them in emission order
	b := procFactory(t, `printf '{"type":"ready"}\n{"type":"message_update"}\n{"type":"agent_end"}\n'; sleep 5`)
	require.NoError(t, b.Start(context.Background()))
	defer b.Kill()

	var got []string
	for i := 0; i < 3; i++ {
		select {
		case ev := <-b.Events():
			got = append(got, ev.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d events", i)
		}
	}
	assert.Equal(t, []string{"ready", "message_update", "agent_end"}, got)
}

func TestProcBackendExitBeforeReady(t *testing.T) {
	b := procFactory(t, `exit 0`)
	err := b.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "before becoming ready")
}

func TestProcBackendReadinessTimeout(t *testing.T) {
	b := procFactory(t, `sleep 10`)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.Error(t, b.Start(ctx))
}

func TestProcBackendEventsCloseOnExit(t *testing.T) {
	b := procFactory(t, `printf '{"type":"ready"}\n'`)
	require.NoError(t, b.Start(context.Background()))

	ev := <-b.Events()
	assert.Equal(t, "ready", ev.Type)

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-b.Events():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond, "events should close when the agent exits")
}
