package ws

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait bounds a single frame write, pings included.
	writeWait = 10 * time.Second

	// pongWait is how long a socket may stay silent before it is presumed
	// dead. pingPeriod must be shorter so a pong is always solicited in time.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// readLimitSlack admits frames slightly over the protocol maximum so the
	// handler can refuse them with a structured error instead of a raw close.
	readLimitSlack = 1024
)

var (
	errSocketClosed = errors.New("socket closed")
	errQueueFull    = errors.New("write queue full")
)

// Client is one upgraded socket. A dedicated write pump owns every write to
// the connection and a dedicated read pump owns every read, so the gorilla
// single-writer and single-reader rules hold without per-call locking.
type Client struct {
	id   string
	ip   string
	conn *websocket.Conn
	log  *zap.Logger

	send    chan []byte
	closing chan closeFrame
	done    chan struct{}
	once    sync.Once
	open    atomic.Bool
}

type closeFrame struct {
	code   int
	reason string
}

func newClient(id, ip string, conn *websocket.Conn, buffer int, log *zap.Logger) *Client {
	c := &Client{
		id:      id,
		ip:      ip,
		conn:    conn,
		log:     log,
		send:    make(chan []byte, buffer),
		closing: make(chan closeFrame, 1),
		done:    make(chan struct{}),
	}
	c.open.Store(true)
	return c
}

func (c *Client) ID() string       { return c.id }
func (c *Client) ClientIP() string { return c.ip }
func (c *Client) IsOpen() bool     { return c.open.Load() }

// Enqueue hands a frame to the write pump without blocking. A full queue
// means the client has stopped draining; the socket is torn down rather than
// letting its backlog grow without bound.
func (c *Client) Enqueue(msg []byte) error {
	if !c.open.Load() {
		return errSocketClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
	}
	c.log.Warn("write queue overflow, dropping socket",
		zap.String("socket", c.id),
		zap.String("ip", c.ip),
	)
	go c.shut(websocket.CloseTryAgainLater, "write queue overflow")
	return errQueueFull
}

// Close requests teardown with the given close status. Safe to call from any
// goroutine, any number of times. Frames enqueued before Close are flushed to
// the client ahead of the close frame.
func (c *Client) Close(code int, reason string) {
	c.shut(code, reason)
}

// shut records the close status and signals the write pump, which owns the
// actual teardown. Refusing new frames here means the flush in the pump only
// ever drains writes that happened before the close.
func (c *Client) shut(code int, reason string) {
	c.once.Do(func() {
		c.open.Store(false)
		c.closing <- closeFrame{code: code, reason: reason}
		close(c.done)
	})
}

// writePump is the sole writer on the connection. It relays queued frames,
// drains bursts in one pass, keeps the socket alive with periodic pings, and
// performs the final flush-and-close when the socket shuts down.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shut(websocket.CloseNormalClosure, "")
		c.conn.Close() //nolint:errcheck
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			for i, n := 0, len(c.send); i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.flushAndClose()
			return
		}
	}
}

// flushAndClose drains the remaining queued frames and delivers the recorded
// close frame, so a final notice enqueued just before Close still reaches the
// client. All writes share one deadline; a stalled peer cannot hold teardown
// past it.
func (c *Client) flushAndClose() {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			frame := closeFrame{code: websocket.CloseNormalClosure}
			select {
			case frame = <-c.closing:
			default:
			}
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(frame.code, frame.reason),
				time.Now().Add(writeWait)) //nolint:errcheck
			return
		}
	}
}

// readPump is the sole reader on the connection. Every received text frame is
// handed to onMessage synchronously, preserving arrival order per socket.
// onDone fires exactly once when the socket is finished.
func (c *Client) readPump(maxFrame int64, onMessage func(*Client, []byte), onDone func(*Client)) {
	defer func() {
		c.shut(websocket.CloseNormalClosure, "")
		onDone(c)
	}()

	c.conn.SetReadLimit(maxFrame + readLimitSlack)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug("socket read failed",
					zap.String("socket", c.id),
					zap.Error(err),
				)
			}
			return
		}
		if mt != websocket.TextMessage {
			c.shut(websocket.CloseUnsupportedData, "text frames only")
			return
		}
		onMessage(c, data)
	}
}
