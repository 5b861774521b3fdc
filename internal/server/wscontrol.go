package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/burrowhq/burrow/internal/protocol"
)

// wsUpgrader upgrades agent connections on the /connect endpoint. Origin
// checks are permissive; registration carries its own credential.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleWebSocket upgrades the request and serves a control channel over
// it. One WebSocket message carries one control message; the transport
// frames, so no length prefix is used.
func (cp *ControlPlane) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		cp.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	ws.SetReadLimit(protocol.MaxMessageSize)

	conn := &wsControlConn{
		ws:     ws,
		remote: r.RemoteAddr,
	}
	cp.serve(conn)
}

// wsControlConn adapts a WebSocket to the ControlConn interface. Writes
// are serialized; gorilla allows at most one concurrent writer.
type wsControlConn struct {
	ws      *websocket.Conn
	remote  string
	writeMu sync.Mutex
}

func (c *wsControlConn) ReadMessage() (*protocol.Message, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, protocol.ErrConnectionClosed
			}
			if _, ok := err.(*websocket.CloseError); ok {
				return nil, protocol.ErrConnectionClosed
			}
			return nil, err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		return protocol.Unmarshal(data)
	}
}

func (c *wsControlConn) WriteMessage(msg *protocol.Message) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsControlConn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *wsControlConn) RemoteAddr() string {
	return c.remote
}
