// Package stream owns the owner's multiplexed WebSocket: subscriptions,
// per-session fan-in, and the user-wide stream sequence space.
package stream

import (
	"sync"

	"go.uber.org/zap"

	"github.com/duh17/oppi/internal/common/config"
	"github.com/duh17/oppi/internal/common/logger"
	"github.com/duh17/oppi/internal/gate"
	"github.com/duh17/oppi/internal/session"
	"github.com/duh17/oppi/pkg/wire"
)

// userEntry is one stamped frame retained for stream-level resume.
type userEntry struct {
	streamSeq uint64
	frame     []byte
}

// Mux multiplexes every session onto the owner's WebSocket connections and
// owns the user-wide streamSeq space. The stream ring is shared across
// reconnects: a client that lost its socket can resume from its last
// observed streamSeq as long as the ring still holds it.
type Mux struct {
	orch   *session.Orchestrator
	gate   *gate.Gate
	cfg    config.StreamConfig
	logger *logger.Logger

	mu        sync.Mutex
	streamSeq uint64
	ring      []userEntry
	conns     map[*Conn]bool
}

// NewMux wires the stream multiplexer.
func NewMux(orch *session.Orchestrator, g *gate.Gate, cfg config.StreamConfig, log *logger.Logger) *Mux {
	return &Mux{
		orch:   orch,
		gate:   g,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "stream_mux")),
		conns:  make(map[*Conn]bool),
	}
}

// stamp assigns the next streamSeq, encodes the frame with both sequence
// stamps, and retains it in the user ring.
func (m *Mux) stamp(msg wire.Message, seq uint64) (uint64, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.streamSeq++
	streamSeq := m.streamSeq
	frame, err := msg.Encode(seq, streamSeq)
	if err != nil {
		m.streamSeq--
		return 0, nil, err
	}
	m.ring = append(m.ring, userEntry{streamSeq: streamSeq, frame: frame})
	if len(m.ring) > m.cfg.UserRingCapacity {
		m.ring = m.ring[len(m.ring)-m.cfg.UserRingCapacity:]
	}
	return streamSeq, frame, nil
}

// resume returns the retained frames after sinceSeq. complete=false means
// the cursor fell below the ring floor and the client must resync via
// per-session subscriptions.
func (m *Mux) resume(sinceSeq uint64) (frames [][]byte, complete bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.ring) == 0 {
		return nil, sinceSeq >= m.streamSeq
	}
	floor := m.ring[0].streamSeq
	if sinceSeq < floor-1 {
		return nil, false
	}
	for _, e := range m.ring {
		if e.streamSeq > sinceSeq {
			frames = append(frames, e.frame)
		}
	}
	return frames, true
}

func (m *Mux) register(c *Conn) {
	m.mu.Lock()
	m.conns[c] = true
	m.mu.Unlock()
}

func (m *Mux) unregister(c *Conn) {
	m.mu.Lock()
	delete(m.conns, c)
	m.mu.Unlock()
}
