// This file contains the Manager struct which wires the topic index, the
// router and the pipelines, and serves WebSocket upgrades, event streams and
// the HTTP API on one handler.
package pusudb

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const eventsMeta = "events"

type Manager struct {
	Options     *Options
	routes      *middleware[*http.Request, http.ResponseWriter]
	connect     *middleware[*ConnectRequest, http.ResponseWriter]
	registry    *Registry
	index       *TopicIndex
	relay       *Relay
	router      *Router
	pipelines   map[Channel]*Pipeline
	connections *store[Transport]
	upgrader    websocket.Upgrader
	log         *zap.Logger
	ctx         context.Context
}

func createOriginChecker(opts *Options) func(*http.Request) bool {
	var compiledRegexps []*regexp.Regexp
	if opts.CheckOrigin && len(opts.AllowedOriginRegexps) > 0 {
		compiledRegexps = append(compiledRegexps, opts.AllowedOriginRegexps...)
	}
	return func(r *http.Request) bool {
		if !opts.CheckOrigin {
			return true
		}
		origin := r.Header.Get("Origin")

		if origin == "" {
			return false
		}
		for _, allowed := range opts.AllowedOrigins {
			if allowed == "*" || allowed == origin {
				return true
			}
		}
		for _, pattern := range compiledRegexps {
			if pattern.MatchString(origin) {
				return true
			}
		}
		return false
	}
}

// DefaultOptions returns a new Options struct with sensible default values:
// - API under /api, no origin checking
// - 1KB read/write buffers
// - 512KB max message size and 1MB max HTTP body
// - 30s ping interval, 60s pong wait
// - 256 buffer size for send/receive channels
func DefaultOptions() *Options {
	return &Options{
		Prefix:                "/api",
		CheckOrigin:           false,
		ReadBufferSize:        1024,
		WriteBufferSize:       1024,
		MaxMessageSize:        512 * 1024,
		MaxBodySize:           1024 * 1024,
		PingInterval:          30 * time.Second,
		PongWait:              60 * time.Second,
		WriteWait:             10 * time.Second,
		SendTimeout:           5 * time.Second,
		EnableCompression:     false,
		SendChannelBuffer:     256,
		ReceiveChannelBuffer:  256,
		MaxConcurrentHandlers: 10,
	}
}

// withDefaults fills the zero fields of opts from DefaultOptions.
func withDefaults(opts *Options) *Options {
	defaults := DefaultOptions()
	if opts.Prefix == "" {
		opts.Prefix = defaults.Prefix
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = defaults.ReadBufferSize
	}
	if opts.WriteBufferSize <= 0 {
		opts.WriteBufferSize = defaults.WriteBufferSize
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaults.MaxMessageSize
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = defaults.MaxBodySize
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaults.PongWait
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaults.WriteWait
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaults.SendTimeout
	}
	if opts.SendChannelBuffer <= 0 {
		opts.SendChannelBuffer = defaults.SendChannelBuffer
	}
	if opts.ReceiveChannelBuffer <= 0 {
		opts.ReceiveChannelBuffer = defaults.ReceiveChannelBuffer
	}
	if opts.MaxConcurrentHandlers <= 0 {
		opts.MaxConcurrentHandlers = defaults.MaxConcurrentHandlers
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return opts
}

// NewManager creates a Manager serving store. If no options are provided,
// default options will be used. When options carry a PubSub, mutations are
// relayed to and from the other Managers subscribed to it.
func NewManager(ctx context.Context, store Store, options ...Options) (*Manager, error) {
	opts := DefaultOptions()

	if len(options) > 0 {
		opts = &options[0]
	}
	opts = withDefaults(opts)

	registry := NewRegistry(opts.Logger.Named("registry"))
	index := NewTopicIndex(registry, opts.Logger)
	publisher := NewPublisher(index, opts)

	var notifier Notifier = publisher
	var relay *Relay
	if opts.PubSub != nil {
		var err error
		if relay, err = NewRelay(opts.PubSub, publisher, index, opts); err != nil {
			return nil, err
		}
		notifier = relay
	}
	router := NewRouter(store, index, notifier, opts)

	m := &Manager{
		Options:     opts,
		routes:      newMiddleWare[*http.Request, http.ResponseWriter](),
		connect:     newMiddleWare[*ConnectRequest, http.ResponseWriter](),
		registry:    registry,
		index:       index,
		relay:       relay,
		router:      router,
		connections: newStore[Transport](),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    opts.ReadBufferSize,
			WriteBufferSize:   opts.WriteBufferSize,
			CheckOrigin:       createOriginChecker(opts),
			EnableCompression: opts.EnableCompression,
		},
		log: opts.Logger.Named("manager"),
		ctx: ctx,
	}
	m.pipelines = map[Channel]*Pipeline{
		ChannelHTTP:      NewPipeline(ChannelHTTP, router, opts),
		ChannelWebSocket: NewPipeline(ChannelWebSocket, router, opts),
	}
	if opts.Hooks != nil {
		m.UseBefore(WithMetrics(opts.Hooks), WithRateLimiter(opts.Hooks))
	}
	m.routes.Use(m.socketRoute, m.eventsRoute, m.apiRoute)

	return m, nil
}

// UseConnect registers handlers running before a socket or event stream is
// accepted.
func (m *Manager) UseConnect(handlers ...ConnectHandler) {
	m.connect.Use(handlers...)
}

// UseBefore registers before-middleware on every channel.
func (m *Manager) UseBefore(handlers ...HandlerFunc) {
	for _, pipeline := range m.pipelines {
		pipeline.UseBefore(handlers...)
	}
}

// UseAfter registers after-middleware on every channel.
func (m *Manager) UseAfter(handlers ...HandlerFunc) {
	for _, pipeline := range m.pipelines {
		pipeline.UseAfter(handlers...)
	}
}

// Pipeline returns the pipeline of one channel.
func (m *Manager) Pipeline(channel Channel) *Pipeline {
	return m.pipelines[channel]
}

// Index returns the topic index of this manager.
func (m *Manager) Index() *TopicIndex {
	return m.index
}

// Registry returns the connection registry of this manager.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Router returns the router of this manager.
func (m *Manager) Router() *Router {
	return m.router
}

// ConnectionCount returns the number of open sockets and event streams.
func (m *Manager) ConnectionCount() int {
	return m.connections.Len()
}

// Close closes every open connection and stops relaying mutations.
func (m *Manager) Close() error {
	m.connections.Values().forEach(func(conn Transport) {
		conn.Close()
	})
	if m.relay != nil {
		return m.relay.Close()
	}
	return nil
}

// HTTPHandler returns an http.HandlerFunc serving the WebSocket endpoint at
// the prefix, event streams at prefix/:db/events and the API at
// prefix/:db/:meta.
func (m *Manager) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mergedCtx, cancel := mergeContexts(m.ctx, r.Context())

		defer cancel()

		err := m.routes.Handle(mergedCtx, r, w, func(req *http.Request, rw http.ResponseWriter) error {
			m.writeEnvelope(rw, StatusNotFound, envelope{Err: errorMessage(notFound("Not Found"))})

			return nil
		})

		if err != nil {
			statusCode := StatusCode(err)
			errMsg := err.Error()
			if errors.Is(err, context.Canceled) {
				statusCode = 499
				errMsg = "Client Closed Request"
			} else if errors.Is(err, context.DeadlineExceeded) {
				statusCode = http.StatusGatewayTimeout
				errMsg = "Gateway Timeout"
			}
			if w.Header().Get("Content-Type") == "" {
				http.Error(w, errMsg, statusCode)
			}
		}
	}
}

func (m *Manager) setCORSHeaders(w http.ResponseWriter) {
	if m.Options.CORSAllowOrigin == "" {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", m.Options.CORSAllowOrigin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	if m.Options.CORSAllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
}

func (m *Manager) writeEnvelope(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		m.log.Debug("failed to write response", zap.Error(err))
	}
}

// accept runs the connect middleware. It reports whether the connection may
// be accepted; when it may not, the response has already been written.
func (m *Manager) accept(ctx context.Context, w http.ResponseWriter, r *http.Request, route *Route) (*ConnectRequest, bool) {
	connectRequest := &ConnectRequest{
		Request: r,
		Route:   route,
		Token:   NewToken(),
	}
	accepted := false
	err := m.connect.Handle(ctx, connectRequest, w, func(*ConnectRequest, http.ResponseWriter) error {
		accepted = true

		return nil
	})
	if err != nil {
		m.writeEnvelope(w, StatusCode(err), envelope{Err: errorMessage(err)})

		return nil, false
	}
	return connectRequest, accepted
}

// track registers conn and removes every trace of it once it closes.
func (m *Manager) track(conn Transport) error {
	token := conn.Token()
	if err := m.connections.Create(string(token), conn); err != nil {
		return err
	}
	opened := time.Now()
	metrics := metricsOf(m.Options.Hooks)

	conn.OnClose(func(closed Transport) error {
		dropped := m.index.Destroy(token)
		m.log.Debug("connection closed",
			zap.String("token", string(token)),
			zap.Int("subscriptions", dropped),
		)
		if m.Options.Hooks != nil && m.Options.Hooks.OnDisconnect != nil {
			m.Options.Hooks.OnDisconnect(closed)
		}
		metrics.ConnectionClosed(string(token), string(closed.Type()), time.Since(opened))

		return m.connections.Delete(string(token))
	})
	metrics.ConnectionOpened(string(token), string(conn.Type()))

	if m.Options.Hooks != nil && m.Options.Hooks.OnConnect != nil {
		if err := m.Options.Hooks.OnConnect(conn); err != nil {
			return wrapF(err, "connection %s rejected", token)
		}
	}
	return nil
}

func (m *Manager) socketRoute(ctx context.Context, r *http.Request, w http.ResponseWriter, next NextFunc) error {
	route, err := parse(m.Options.Prefix, r.URL.RequestURI())
	if err != nil || !websocket.IsWebSocketUpgrade(r) {
		return next()
	}
	connectRequest, ok := m.accept(ctx, w, r, route)
	if !ok {
		return nil
	}

	wsConn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Debug("upgrade failed", zap.Error(err))

		return nil
	}
	conn, err := newConn(m.ctx, wsConn, connectRequest.assigns, connectRequest.Token, m.Options)
	if err != nil {
		_ = wsConn.Close()

		return nil
	}
	if err := m.track(conn); err != nil {
		m.log.Warn("closing connection", zap.Error(err))
		conn.Close()

		return nil
	}

	remoteAddr := r.RemoteAddr
	header := r.Header.Clone()
	pipeline := m.pipelines[ChannelWebSocket]

	conn.OnMessage(func(ctx context.Context, message []byte, transport Transport) {
		parseRequest := func() (*Request, error) {
			var wire wireRequest
			if err := json.Unmarshal(message, &wire); err != nil {
				return nil, parseError(err)
			}
			return &Request{
				DB:         wire.DB,
				Meta:       ParseOperation(wire.Meta),
				Data:       wire.Data,
				Origin:     transport,
				Route:      route,
				Header:     header,
				RemoteAddr: remoteAddr,
			}, nil
		}
		respond := func(_ *Request, response *Response) error {
			if response.Finalized() {
				if json.Valid(response.body) {
					return transport.SendJSON(json.RawMessage(response.body))
				}
				return transport.SendJSON(envelope{Data: string(response.body)})
			}
			return transport.SendJSON(response.envelope())
		}
		if err := pipeline.Run(ctx, parseRequest, respond); err != nil {
			m.log.Debug("failed to respond", zap.String("token", string(transport.Token())), zap.Error(err))
		}
	})
	conn.HandleMessages()

	return nil
}

func (m *Manager) eventsRoute(ctx context.Context, r *http.Request, w http.ResponseWriter, next NextFunc) error {
	route, err := parse(m.Options.Prefix+"/:db/"+eventsMeta, r.URL.RequestURI())
	if err != nil || r.Method != http.MethodGet {
		return next()
	}
	topics := route.Query["topic"]
	if len(topics) == 0 {
		m.writeEnvelope(w, StatusBadRequest, envelope{Err: errorMessage(badRequest("topic required"))})

		return nil
	}
	connectRequest, ok := m.accept(ctx, w, r, route)
	if !ok {
		return nil
	}

	conn, err := newSSEConn(sseOptions{
		writer:    w,
		assigns:   connectRequest.assigns,
		token:     connectRequest.Token,
		options:   m.Options,
		parentCtx: ctx,
	})
	if err != nil {
		m.writeEnvelope(w, StatusCode(err), envelope{Err: errorMessage(err)})

		return nil
	}

	defer conn.Close()

	if err := m.track(conn); err != nil {
		m.log.Warn("closing event stream", zap.Error(err))

		return nil
	}

	data := make([]interface{}, 0, len(topics))
	for _, topic := range topics {
		data = append(data, topic)
	}
	parseRequest := func() (*Request, error) {
		return &Request{
			DB:         route.Params["db"],
			Meta:       ParseOperation("subscribe"),
			Data:       data,
			Origin:     conn,
			Route:      route,
			Header:     r.Header,
			RemoteAddr: r.RemoteAddr,
		}, nil
	}
	subscribed := true
	respond := func(_ *Request, response *Response) error {
		if response.Err == nil {
			return nil
		}
		subscribed = false

		return conn.SendJSON(response.envelope())
	}
	if err := m.pipelines[ChannelHTTP].Run(ctx, parseRequest, respond); err != nil || !subscribed {
		return nil
	}

	conn.Wait()

	return nil
}

func (m *Manager) apiRoute(ctx context.Context, r *http.Request, w http.ResponseWriter, next NextFunc) error {
	route, err := parse(m.Options.Prefix+"/:db/:meta", r.URL.RequestURI())
	if err != nil {
		return next()
	}
	m.setCORSHeaders(w)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)

		return nil
	case http.MethodGet, http.MethodPost:
	default:
		m.writeEnvelope(w, StatusMethodNotAllowed, envelope{Err: errorMessage(&Error{
			Message: "method not allowed",
			Code:    StatusMethodNotAllowed,
		})})

		return nil
	}

	parseRequest := func() (*Request, error) {
		operation := ParseOperation(route.Params["meta"])
		request := &Request{
			DB:         route.Params["db"],
			Meta:       operation,
			Route:      route,
			Header:     r.Header,
			RemoteAddr: r.RemoteAddr,
		}
		if r.Method == http.MethodGet {
			request.Data = queryPayload(operation, route.Query)

			return request, nil
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, m.Options.MaxBodySize))
		if err != nil {
			return nil, parseError(err)
		}
		if request.Data, err = bodyPayload(operation, r.Header.Get("Content-Type"), body); err != nil {
			return nil, err
		}
		return request, nil
	}
	respond := func(_ *Request, response *Response) error {
		if response.Finalized() {
			if response.contentType != "" {
				w.Header().Set("Content-Type", response.contentType)
			}
			w.WriteHeader(response.Status)
			_, err := w.Write(response.body)

			return err
		}
		m.writeEnvelope(w, response.Status, response.envelope())

		return nil
	}
	return m.pipelines[ChannelHTTP].Run(ctx, parseRequest, respond)
}
