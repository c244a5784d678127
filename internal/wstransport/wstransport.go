// Package wstransport adapts a gorilla/websocket connection to the
// node.Transport collaborator interface: it supplies SendRaw outbound and
// drives Node.Deliver/Node.SetConnected from its own read loop, the way the
// kernel expects any transport to behave. The kernel never imports this
// package; it is a reference wiring for applications that speak
// WebSocket, not a dependency of the protocol core.
package wstransport

// file: internal/wstransport/wstransport.go

import (
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	"github.com/helios-starling/helios/internal/logging"
)

// Deliverer is the subset of *node.Node a Conn drives. Declared locally so
// this package does not import internal/node and create a cycle back to
// any future transport-aware kernel helper.
type Deliverer interface {
	Deliver(raw []byte, binary bool)
	SetConnected(connected bool)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn wraps one *websocket.Conn and feeds a Deliverer. Writes are
// serialized with a mutex since gorilla/websocket forbids concurrent
// writers on the same connection.
type Conn struct {
	ws     *websocket.Conn
	node   Deliverer
	logger logging.Logger

	writeMu sync.Mutex
	closed  bool
}

// Upgrade promotes an HTTP request to a WebSocket connection and returns a
// Conn bound to node. Call Serve to start its read loop.
func Upgrade(w http.ResponseWriter, r *http.Request, node Deliverer, logger logging.Logger) (*Conn, error) {
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Wrap(err, "wstransport: upgrade failed")
	}
	return &Conn{ws: ws, node: node, logger: logger}, nil
}

// Dial opens a client-side WebSocket connection to url and returns a Conn
// bound to node. Call Serve to start its read loop.
func Dial(url string, node Deliverer, logger logging.Logger) (*Conn, error) {
	if logger == nil {
		logger = logging.GetNoopLogger()
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "wstransport: dial %s failed", url)
	}
	return &Conn{ws: ws, node: node, logger: logger}, nil
}

// SendRaw implements node.Transport. Every outbound node frame arrives as a
// text message; binary application payloads sent via Node.Send carry
// through the same path.
func (c *Conn) SendRaw(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return errors.New("wstransport: connection closed")
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Serve runs the connection's read loop until the peer closes it or a read
// fails. It announces connected/disconnected transitions on node and feeds
// every inbound message to node.Deliver. Blocks until the connection ends;
// run it in its own goroutine.
func (c *Conn) Serve() {
	c.node.SetConnected(true)
	defer func() {
		c.node.SetConnected(false)
		c.close()
	}()

	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	})
	_ = c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.logger.Debug("wstransport: read loop ending", "error", err)
			return
		}
		c.node.Deliver(data, msgType == websocket.BinaryMessage)
	}
}

func (c *Conn) close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.ws.Close()
}

// Close closes the underlying WebSocket connection from outside the read
// loop, e.g. on process shutdown.
func (c *Conn) Close() error {
	c.close()
	return nil
}
