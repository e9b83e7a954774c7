package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WSConn adapts a server-side gorilla websocket to Conn. It starts in
// CONNECTING; Open starts the pumps and moves it to OPEN. Each event is
// written as its own text frame.
type WSConn struct {
	conn *websocket.Conn
	id   string
	send chan []byte
	log  *zap.SugaredLogger

	state atomic.Int32
	done  chan struct{}

	mu      sync.Mutex
	onReady []func()
	onClose []func()

	closeOnce sync.Once
}

func NewWSConn(conn *websocket.Conn, sendBuffer int, log *zap.SugaredLogger) *WSConn {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &WSConn{
		conn: conn,
		id:   conn.RemoteAddr().String(),
		send: make(chan []byte, sendBuffer),
		log:  log,
		done: make(chan struct{}),
	}
}

func (c *WSConn) State() ConnState { return ConnState(c.state.Load()) }

func (c *WSConn) Send(msg []byte) error {
	switch c.State() {
	case StateConnecting:
		return ErrConnNotOpen
	case StateClosed:
		return ErrConnClosed
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *WSConn) OnReady(f func()) {
	c.mu.Lock()
	if c.State() != StateConnecting {
		open := c.State() == StateOpen
		c.mu.Unlock()
		if open {
			f()
		}
		return
	}
	c.onReady = append(c.onReady, f)
	c.mu.Unlock()
}

func (c *WSConn) OnClose(f func()) {
	c.mu.Lock()
	if c.State() == StateClosed {
		c.mu.Unlock()
		f()
		return
	}
	c.onClose = append(c.onClose, f)
	c.mu.Unlock()
}

// Open starts the read and write pumps and fires the ready callbacks.
func (c *WSConn) Open() {
	c.mu.Lock()
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		c.mu.Unlock()
		return
	}
	ready := c.onReady
	c.onReady = nil
	c.mu.Unlock()

	go c.writePump()
	go c.readPump()

	for _, f := range ready {
		f()
	}
}

func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state.Store(int32(StateClosed))
		closers := c.onClose
		c.onClose, c.onReady = nil, nil
		c.mu.Unlock()

		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()

		for _, f := range closers {
			f()
		}
	})
	return err
}

// Done is closed once the connection is closed.
func (c *WSConn) Done() <-chan struct{} { return c.done }

// readPump only services control frames; clients have nothing to say on a
// status stream. Any read error means the peer is gone.
func (c *WSConn) readPump() {
	defer c.Close()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warnw("ws_read_error", "conn", c.id, "err", err)
			}
			return
		}
	}
}

func (c *WSConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Warnw("ws_write_error", "conn", c.id, "err", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

var _ Conn = (*WSConn)(nil)
