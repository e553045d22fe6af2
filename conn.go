// This file contains the Conn struct which represents a WebSocket connection to a client.
// It handles the low-level WebSocket communication, including reading and writing messages,
// ping/pong keepalive, graceful shutdown, and connection lifecycle management.
package pusudb

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// messageHandler handles one raw text frame received on a connection.
type messageHandler func(ctx context.Context, message []byte, conn Transport)

type Conn struct {
	token         Token
	conn          *websocket.Conn
	send          chan []byte
	receive       chan []byte
	assigns       map[string]interface{}
	closeChan     chan struct{}
	readDone      chan struct{}
	closeOnce     sync.Once
	mutex         sync.RWMutex
	isClosing     bool
	closeHandlers *array[func(Transport) error]
	handler       messageHandler
	options       *Options
	log           *zap.Logger
	ctx           context.Context
	cancel        context.CancelFunc
	handlerSem    chan struct{}
}

func newConn(mCtx context.Context, wsConn *websocket.Conn, assigns map[string]interface{}, token Token, options *Options) (*Conn, error) {
	ctx, cancel := context.WithCancel(mCtx)

	maxHandlers := options.MaxConcurrentHandlers
	if maxHandlers <= 0 {
		maxHandlers = 10
	}
	log := options.Logger
	if log == nil {
		log = zap.NewNop()
	}

	c := &Conn{
		token:         token,
		conn:          wsConn,
		assigns:       assigns,
		ctx:           ctx,
		cancel:        cancel,
		closeChan:     make(chan struct{}),
		readDone:      make(chan struct{}),
		send:          make(chan []byte, options.SendChannelBuffer),
		receive:       make(chan []byte, options.ReceiveChannelBuffer),
		closeHandlers: newArray[func(Transport) error](),
		options:       options,
		log:           log.Named("conn").With(zap.String("token", string(token))),
		handlerSem:    make(chan struct{}, maxHandlers),
	}

	wsConn.SetReadLimit(options.MaxMessageSize)
	if err := wsConn.SetReadDeadline(time.Now().Add(options.PongWait)); err != nil {
		cancel()

		return nil, wrapF(err, "failed to set initial read deadline for connection %s", token)
	}

	wsConn.SetPongHandler(func(string) error {
		return wsConn.SetReadDeadline(time.Now().Add(options.PongWait))
	})

	// Runs inside readPump; the read error that follows ends the connection.
	c.conn.SetCloseHandler(func(code int, text string) error {
		message := websocket.FormatCloseMessage(code, "")
		_ = wsConn.WriteControl(websocket.CloseMessage, message, time.Now().Add(options.WriteWait))

		return nil
	})

	go c.readPump()

	go c.writePump()

	return c, nil
}

func (c *Conn) readPump() {
	defer func() {
		close(c.readDone)

		c.close(true)
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			if err := c.conn.SetReadDeadline(time.Now().Add(c.options.PongWait)); err != nil {
				c.reportError("read_deadline", err)

				return
			}
			messageType, message, err := c.conn.ReadMessage()

			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					return
				}
				if !errors.Is(err, context.Canceled) {
					c.reportError("read_pump", err)
				}
				return
			}

			if messageType != websocket.TextMessage {
				_ = c.SendJSON(envelope{Err: errorMessage(badRequest("Unsupported message type; expected text frame"))})

				continue
			}
			select {
			case c.receive <- message:
			case <-c.ctx.Done():
				return
			case <-time.After(c.options.WriteWait):
				c.reportError("read_pump", timeout("timed out delivering message to handler"))

				return
			}
		}
	}
}

// writePump writes one JSON document per frame and pings the client on
// every PingInterval.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.options.PingInterval)

	defer func() {
		ticker.Stop()

		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !c.IsActive() {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "connection closed"))

				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})

				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.reportError("write_pump", err)

				return
			}
		case <-ticker.C:
			if !c.IsActive() {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.options.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		case <-c.closeChan:
			return
		}
	}
}

// HandleMessages starts dispatching received frames to the handler set with
// OnMessage. At most MaxConcurrentHandlers frames are handled at once.
func (c *Conn) HandleMessages() {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("message loop panic recovered", zap.Any("panic", r))
				c.Close()
			}
		}()

		for {
			select {
			case message, ok := <-c.receive:
				if !ok {
					return
				}

				c.mutex.RLock()
				handler := c.handler
				c.mutex.RUnlock()

				if handler == nil {
					_ = c.SendJSON(envelope{Err: errorMessage(internal("no handler registered for connection " + string(c.token)))})
					continue
				}

				select {
				case c.handlerSem <- struct{}{}:
				case <-c.ctx.Done():
					return
				case <-c.closeChan:
					return
				}

				go func(message []byte, handle messageHandler) {
					defer func() {
						<-c.handlerSem
						if r := recover(); r != nil {
							c.log.Error("message handler panic recovered", zap.Any("panic", r))
							c.reportError("connection_handler_panic", internal("handler panic recovered"))
						}
					}()

					handle(c.ctx, message, c)
				}(message, handler)

			case <-c.ctx.Done():
				return
			case <-c.closeChan:
				return
			}
		}
	}()
}

// SendJSON queues v for the write pump. A client that does not drain its
// queue within SendTimeout is disconnected.
func (c *Conn) SendJSON(v interface{}) (err error) {
	if !c.IsActive() {
		return internal("Connection " + string(c.token) + " is closing")
	}
	data, err := json.Marshal(v)

	if err != nil {
		return wrapF(err, "failed to marshal JSON for connection %s", c.token)
	}

	defer func() {
		if r := recover(); r != nil {
			err = internal("Connection " + string(c.token) + " is closing")
		}
	}()

	select {
	case <-c.closeChan:
		return internal("Connection " + string(c.token) + " is closing")

	case <-c.ctx.Done():
		return internal("Connection " + string(c.token) + " is closing due to context cancellation")

	case c.send <- data:
		return nil
	case <-time.After(c.getSendTimeout()):
		go c.Close()

		return timeout("send timeout, connection " + string(c.token) + " is closing")
	}
}

// OnMessage sets the handler receiving every text frame.
func (c *Conn) OnMessage(handler func(ctx context.Context, message []byte, conn Transport)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.handler = handler
}

func (c *Conn) Token() Token {
	return c.token
}

func (c *Conn) SetAssign(key string, value interface{}) {
	c.mutex.Lock()

	defer c.mutex.Unlock()

	if c.assigns == nil {
		c.assigns = make(map[string]interface{})
	}
	c.assigns[key] = value
}

// GetAssign retrieves a value from the connection's assigns map by key.
// Returns nil if the key doesn't exist.
func (c *Conn) GetAssign(key string) interface{} {
	c.mutex.RLock()

	defer c.mutex.RUnlock()

	if c.assigns == nil {
		return nil
	}
	return c.assigns[key]
}

// OnClose registers a callback to be executed when the connection closes.
// Callbacks run in registration order during connection cleanup.
func (c *Conn) OnClose(callback func(Transport) error) {
	c.closeHandlers.push(callback)
}

// IsActive returns true if the connection is still active and can send/receive messages.
func (c *Conn) IsActive() bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	c.mutex.RLock()

	defer c.mutex.RUnlock()

	return !c.isClosing
}

// Close gracefully shuts down the connection.
// It cancels the context, closes the WebSocket connection and then runs the
// registered close handlers. It is idempotent.
func (c *Conn) Close() {
	c.close(false)
}

func (c *Conn) close(fromReader bool) {
	c.closeOnce.Do(func() {
		c.mutex.Lock()
		c.isClosing = true
		c.mutex.Unlock()

		if c.cancel != nil {
			c.cancel()
		}
		close(c.closeChan)

		conn := c.conn

		if !fromReader && conn != nil {
			_ = conn.Close()
		}

		if !fromReader {
			<-c.readDone
		}

		err := mapToError(c.closeHandlers, func(handler func(Transport) error) error {
			return handler(c)
		})
		if err != nil {
			c.reportError("connection_close_handlers", err)
		}

		if fromReader && conn != nil {
			_ = conn.Close()
		}
	})
}

func (c *Conn) reportError(component string, err error) {
	if err == nil {
		return
	}
	c.log.Debug("connection error", zap.String("component", component), zap.Error(err))
	if c.options == nil || c.options.Hooks == nil || c.options.Hooks.Metrics == nil {
		return
	}
	c.options.Hooks.Metrics.Error(component, err)
}

func (c *Conn) CloneAssigns() map[string]interface{} {
	c.mutex.RLock()

	defer c.mutex.RUnlock()

	cloned := make(map[string]interface{}, len(c.assigns))

	for key, value := range c.assigns {
		cloned[key] = value
	}
	return cloned
}

func (c *Conn) Type() TransportType {
	return TransportWebSocket
}

func (c *Conn) getSendTimeout() time.Duration {
	if c.options != nil && c.options.SendTimeout > 0 {
		return c.options.SendTimeout
	}
	return 5 * time.Second
}
