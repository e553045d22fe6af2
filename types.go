// This file contains type definitions for pusudb including the canonical request
// and response, operation kinds, configuration options and wire envelopes.
package pusudb

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Token identifies one live client connection. Tokens are minted by the
// transport when the connection is accepted and never derived from headers.
type Token string

// NewToken mints a fresh connection token.
func NewToken() Token {
	return Token(uuid.NewString())
}

// Kind is the closed set of operations the Router understands. Any other
// operation name is KindCustom and carries its raw name in Operation.Name.
type Kind int

const (
	KindCustom Kind = iota
	KindGet
	KindPut
	KindDel
	KindBatch
	KindStream
	KindCount
	KindFilter
	KindUpdate
	KindSubscribe
	KindUnsubscribe
	KindPublish
	KindList
)

var kindNames = map[string]Kind{
	"get":         KindGet,
	"put":         KindPut,
	"del":         KindDel,
	"delete":      KindDel,
	"batch":       KindBatch,
	"stream":      KindStream,
	"count":       KindCount,
	"filter":      KindFilter,
	"update":      KindUpdate,
	"subscribe":   KindSubscribe,
	"unsubscribe": KindUnsubscribe,
	"publish":     KindPublish,
	"list":        KindList,
}

// Operation is a parsed `meta` field.
type Operation struct {
	Kind Kind
	Name string
}

// ParseOperation resolves an operation name once, at parse time.
func ParseOperation(name string) Operation {
	if kind, ok := kindNames[name]; ok {
		return Operation{Kind: kind, Name: name}
	}
	return Operation{Kind: KindCustom, Name: name}
}

func (o Operation) String() string {
	return o.Name
}

// storeName is the operation name handed to the store.
func (o Operation) storeName() string {
	if o.Kind == KindDel {
		return "del"
	}
	return o.Name
}

// IsRead reports whether the operation only reads from the store.
func (o Operation) IsRead() bool {
	switch o.Kind {
	case KindGet, KindStream, KindCount, KindFilter:
		return true
	}
	return false
}

func (o Operation) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.Name)
}

func (o *Operation) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	*o = ParseOperation(name)
	return nil
}

// Request is the canonical, transport-agnostic form of an inbound operation.
// Middleware may annotate it with Assign but must not clear DB, Meta,
// Data or Origin.
type Request struct {
	DB     string
	Meta   Operation
	Data   interface{}
	Origin Transport
	Route  *Route
	Header http.Header
	// RemoteAddr is the client address of the HTTP request or socket upgrade.
	RemoteAddr string

	assigns map[string]interface{}
}

// Token returns the origin connection token, or "" for HTTP requests.
func (r *Request) Token() Token {
	if r.Origin == nil {
		return ""
	}
	return r.Origin.Token()
}

// Assign attaches a value to the request for later middleware.
func (r *Request) Assign(key string, value interface{}) {
	if r.assigns == nil {
		r.assigns = make(map[string]interface{})
	}
	r.assigns[key] = value
}

// Assigned returns a value set with Assign.
func (r *Request) Assigned(key string) interface{} {
	if r.assigns == nil {
		return nil
	}
	return r.assigns[key]
}

// Response accumulates the result of one pipeline run.
type Response struct {
	Err    error
	Data   interface{}
	Status int

	body        []byte
	contentType string
	finalized   bool
}

// End finalizes the response with a raw body. The envelope is not written
// when a response has been ended.
func (r *Response) End(body []byte, contentType string) {
	r.body = body
	r.contentType = contentType
	r.finalized = true
}

// Finalized reports whether End was called.
func (r *Response) Finalized() bool {
	return r.finalized
}

func (r *Response) envelope() envelope {
	return envelope{Err: errorMessage(r.Err), Data: r.Data}
}

// wireRequest is the message shape accepted over every transport.
type wireRequest struct {
	DB   string      `json:"db"`
	Meta string      `json:"meta"`
	Data interface{} `json:"data"`
}

type envelope struct {
	Err  *string     `json:"err"`
	Data interface{} `json:"data"`
}

// Notification is the push envelope delivered to subscribers.
type Notification struct {
	Err  *string     `json:"err"`
	DB   string      `json:"db"`
	Meta string      `json:"meta"`
	Data interface{} `json:"data"`
}

// NextFunc continues a middleware chain.
type NextFunc func() error

type handlerFunc[Request any, Response any] func(ctx context.Context, request Request, response Response, next NextFunc) error

// HandlerFunc is a pipeline middleware. It either calls next to continue the
// chain, returns an error to halt it, or returns nil without calling next to
// halt it with the response it produced.
type HandlerFunc = handlerFunc[*Request, *Response]

// ConnectHandler runs before a socket or event stream is accepted. Returning
// an error rejects the connection with the error's code; returning nil
// without calling next rejects it with whatever the handler wrote.
type ConnectHandler = handlerFunc[*ConnectRequest, http.ResponseWriter]

// FinalHandlerFunc is a generic handler function type that processes requests and responses
// after all middleware has been executed.
type FinalHandlerFunc[Request any, Response any] func(request Request, response Response) error

// ConnectRequest is handed to connect middleware before a connection is
// accepted. Assigns set here are copied onto the transport.
type ConnectRequest struct {
	Request *http.Request
	Route   *Route
	Token   Token

	assigns map[string]interface{}
}

// SetAssign stores a value that the accepted transport will carry.
func (c *ConnectRequest) SetAssign(key string, value interface{}) {
	if c.assigns == nil {
		c.assigns = make(map[string]interface{})
	}
	c.assigns[key] = value
}

// GetAssign returns a value set with SetAssign.
func (c *ConnectRequest) GetAssign(key string) interface{} {
	if c.assigns == nil {
		return nil
	}
	return c.assigns[key]
}

// Route contains parsed route information from URL patterns.
type Route struct {
	Query    map[string][]string
	Params   map[string]string
	Wildcard *string
}

const (
	StatusBadRequest          = 400
	StatusUnauthorized        = 401
	StatusForbidden           = 403
	StatusNotFound            = 404
	StatusMethodNotAllowed    = 405
	StatusConflict            = 409
	StatusTooManyRequests     = 429
	StatusInternalServerError = 500
	StatusServiceUnavailable  = 503
	StatusGatewayTimeout      = 504
)

// Options configures the pusudb engine and its transports.
type Options struct {
	// Prefix is the path every API route lives under.
	Prefix string
	// AllowedDatabases, when set, is the only namespaces requests may use.
	AllowedDatabases []string
	// BlockedDatabases are namespaces no request may use.
	BlockedDatabases []string
	// EchoToOrigin delivers notifications to the connection that caused them.
	EchoToOrigin bool

	CheckOrigin          bool
	AllowedOrigins       []string
	AllowedOriginRegexps []*regexp.Regexp
	CORSAllowOrigin      string
	CORSAllowCredentials bool
	ReadBufferSize       int
	WriteBufferSize      int
	MaxMessageSize       int64
	MaxBodySize          int64
	PingInterval         time.Duration
	PongWait             time.Duration
	WriteWait            time.Duration
	SendTimeout          time.Duration
	EnableCompression    bool
	SendChannelBuffer    int
	ReceiveChannelBuffer int
	// MaxConcurrentHandlers bounds the messages handled at once per socket.
	MaxConcurrentHandlers int

	Hooks  *Hooks
	PubSub PubSub
	// NodeID identifies this process on the PubSub relay.
	NodeID string
	Logger *zap.Logger
}

// ServerOptions configures the HTTP server hosting the API.
type ServerOptions struct {
	Options            *Options
	ServerAddr         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ServerIdleTimeout  time.Duration
	ServerTLSConfig    *tls.Config
}
