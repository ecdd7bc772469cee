package stream

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/duh17/oppi/pkg/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// loopback-only daemon; the owner is the only principal
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades GET /stream to the owner WebSocket. A `sinceSeq` query
// parameter requests stream-level resume from the user ring.
func (m *Mux) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			m.logger.Error("websocket upgrade failed", zap.Error(err))
			return
		}

		conn := newConn(m, ws, m.logger)

		conn.sendFrame(wire.NewMessage(wire.TypeConnected, "", nil), 0)

		if raw := c.Query("sinceSeq"); raw != "" {
			sinceSeq, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				conn.sendFrame(wire.NewMessage(wire.TypeError, "", map[string]interface{}{
					"error": "invalid sinceSeq",
				}), 0)
			} else {
				frames, complete := m.resume(sinceSeq)
				for _, frame := range frames {
					conn.enqueue(frame)
				}
				conn.sendFrame(wire.NewMessage(wire.TypeStreamConnected, "", map[string]interface{}{
					"catchUpComplete": complete,
				}), 0)
			}
		} else {
			conn.sendFrame(wire.NewMessage(wire.TypeStreamConnected, "", map[string]interface{}{
				"catchUpComplete": true,
			}), 0)
		}

		conn.Run(c.Request.Context())
	}
}
