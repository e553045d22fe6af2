package pusudb

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// SSEConn is a receive-only subscriber connection streaming notifications as
// Server-Sent Events.
type SSEConn struct {
	token         Token
	writer        http.ResponseWriter
	flusher       http.Flusher
	assigns       map[string]interface{}
	closeChan     chan struct{}
	closeOnce     sync.Once
	mutex         sync.RWMutex
	isClosing     bool
	closeHandlers *array[func(Transport) error]
	options       *Options
	ctx           context.Context
	cancel        context.CancelFunc
}

type sseOptions struct {
	writer    http.ResponseWriter
	assigns   map[string]interface{}
	token     Token
	options   *Options
	parentCtx context.Context
}

func newSSEConn(opts sseOptions) (*SSEConn, error) {
	flusher, ok := opts.writer.(http.Flusher)
	if !ok {
		return nil, internal("ResponseWriter does not support flushing")
	}

	ctx, cancel := context.WithCancel(opts.parentCtx)

	assigns := opts.assigns
	if assigns == nil {
		assigns = make(map[string]interface{})
	}

	conn := &SSEConn{
		token:         opts.token,
		writer:        opts.writer,
		flusher:       flusher,
		assigns:       assigns,
		closeChan:     make(chan struct{}),
		closeHandlers: newArray[func(Transport) error](),
		options:       opts.options,
		ctx:           ctx,
		cancel:        cancel,
	}

	header := opts.writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	header.Set("X-Connection-ID", string(opts.token))

	if opts.options != nil && opts.options.CORSAllowOrigin != "" {
		header.Set("Access-Control-Allow-Origin", opts.options.CORSAllowOrigin)
		header.Set("Access-Control-Expose-Headers", "X-Connection-ID")
		if opts.options.CORSAllowCredentials {
			header.Set("Access-Control-Allow-Credentials", "true")
		}
	}
	opts.writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	go conn.keepAlive()

	return conn, nil
}

func (s *SSEConn) keepAlive() {
	interval := 30 * time.Second
	if s.options != nil && s.options.PingInterval > 0 {
		interval = s.options.PingInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.IsActive() {
				return
			}
			s.mutex.Lock()
			_, err := s.writer.Write([]byte(": keepalive\n\n"))
			if err != nil {
				s.mutex.Unlock()
				s.Close()
				return
			}
			s.flusher.Flush()
			s.mutex.Unlock()
		case <-s.ctx.Done():
			return
		case <-s.closeChan:
			return
		}
	}
}

func (s *SSEConn) Token() Token {
	return s.token
}

// SendJSON writes v as one event. Notifications are named after their
// operation.
func (s *SSEConn) SendJSON(v interface{}) error {
	if !s.IsActive() {
		return internal("SSE connection " + string(s.token) + " is closing")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return wrapF(err, "failed to marshal JSON for SSE connection %s", s.token)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	select {
	case <-s.closeChan:
		return internal("SSE connection " + string(s.token) + " is closing")
	case <-s.ctx.Done():
		return internal("SSE connection " + string(s.token) + " context cancelled")
	default:
	}

	if notification, ok := v.(Notification); ok && notification.Meta != "" {
		if _, err = s.writer.Write([]byte("event: " + notification.Meta + "\n")); err != nil {
			go s.Close()
			return wrapF(err, "failed to write SSE event field for connection %s", s.token)
		}
	}

	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)

	if _, err = s.writer.Write(frame); err != nil {
		go s.Close()
		return wrapF(err, "failed to write SSE data for connection %s", s.token)
	}

	s.flusher.Flush()
	return nil
}

func (s *SSEConn) GetAssign(key string) interface{} {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if s.assigns == nil {
		return nil
	}
	return s.assigns[key]
}

func (s *SSEConn) SetAssign(key string, value interface{}) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.assigns == nil {
		s.assigns = make(map[string]interface{})
	}
	s.assigns[key] = value
}

func (s *SSEConn) CloneAssigns() map[string]interface{} {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	cloned := make(map[string]interface{}, len(s.assigns))
	for key, value := range s.assigns {
		cloned[key] = value
	}
	return cloned
}

func (s *SSEConn) IsActive() bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return !s.isClosing
}

func (s *SSEConn) Close() {
	s.closeOnce.Do(func() {
		s.mutex.Lock()
		s.isClosing = true
		s.mutex.Unlock()

		if s.cancel != nil {
			s.cancel()
		}

		close(s.closeChan)

		err := mapToError(s.closeHandlers, func(handler func(Transport) error) error {
			return handler(s)
		})
		if err != nil {
			s.reportError("sse_close_handlers", err)
		}
	})
}

// Wait blocks until the stream is closed or its request context ends.
func (s *SSEConn) Wait() {
	select {
	case <-s.closeChan:
	case <-s.ctx.Done():
	}
}

func (s *SSEConn) OnClose(callback func(Transport) error) {
	s.closeHandlers.push(callback)
}

func (s *SSEConn) Type() TransportType {
	return TransportSSE
}

func (s *SSEConn) reportError(component string, err error) {
	if err == nil || s.options == nil || s.options.Hooks == nil || s.options.Hooks.Metrics == nil {
		return
	}
	s.options.Hooks.Metrics.Error(component, err)
}
