package api

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Hard transport limit. Frames above the protocol limit but below this
	// one are rejected without closing the connection.
	maxReadSize = 64 << 10
)

var (
	errConnClosed     = errors.New("connection closed")
	errSendBufferFull = errors.New("send buffer full")
)

// Conn is one websocket client. Frames are read and handled sequentially on
// the read pump; outbound frames are queued and written by the write pump.
type Conn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *log.Logger

	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, buffer int, logger *log.Logger) *Conn {
	return &Conn{
		id:     uuid.NewString(),
		ws:     ws,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (c *Conn) ID() string { return c.id }

// Send queues msg without blocking.
func (c *Conn) Send(msg []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return errSendBufferFull
	}
}

// Close stops the write pump, which closes the socket. It is idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump calls handle for every text frame until the peer goes away.
func (c *Conn) readPump(handle func([]byte)) {
	defer c.Close()

	c.ws.SetReadLimit(maxReadSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).WithField("conn", c.id).Debug("websocket read error")
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		handle(frame)
	}
}

// writePump drains the send queue to the socket and keeps the peer alive
// with pings. Frames queued before Close are still written.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.logger.WithError(err).WithField("conn", c.id).Debug("websocket write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					if err := c.write(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (c *Conn) write(kind int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(kind, data)
}
