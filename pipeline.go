package pusudb

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Channel names a transport channel owning its own Pipeline.
type Channel string

const (
	ChannelHTTP      Channel = "http"
	ChannelWebSocket Channel = "websocket"
)

// databaseFilter applies the allow and block lists of namespaces.
type databaseFilter struct {
	allowed map[string]struct{}
	blocked map[string]struct{}
}

func newDatabaseFilter(allowed, blocked []string) *databaseFilter {
	filter := &databaseFilter{
		allowed: make(map[string]struct{}, len(allowed)),
		blocked: make(map[string]struct{}, len(blocked)),
	}
	for _, db := range allowed {
		filter.allowed[db] = struct{}{}
	}
	for _, db := range blocked {
		filter.blocked[db] = struct{}{}
	}
	return filter
}

func (f *databaseFilter) permitted(db string) bool {
	if len(f.allowed) > 0 {
		if _, ok := f.allowed[db]; !ok {
			return false
		}
	}
	_, blocked := f.blocked[db]
	return !blocked
}

// ParseFunc decodes a transport message into a canonical Request.
type ParseFunc func() (*Request, error)

// RespondFunc writes the outcome of a pipeline run back to the transport.
type RespondFunc func(request *Request, response *Response) error

// Pipeline runs parse, before-middleware, route, after-middleware and respond
// for every request of one transport channel.
type Pipeline struct {
	channel   Channel
	router    *Router
	before    *middleware[*Request, *Response]
	after     *middleware[*Request, *Response]
	databases *databaseFilter
	log       *zap.Logger
}

// NewPipeline returns a Pipeline for channel executing requests on router.
func NewPipeline(channel Channel, router *Router, options *Options) *Pipeline {
	if options == nil {
		options = DefaultOptions()
	}
	log := options.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		channel:   channel,
		router:    router,
		before:    newMiddleWare[*Request, *Response](),
		after:     newMiddleWare[*Request, *Response](),
		databases: newDatabaseFilter(options.AllowedDatabases, options.BlockedDatabases),
		log:       log.Named("pipeline").With(zap.String("channel", string(channel))),
	}
}

// UseBefore registers handlers running before the router.
func (p *Pipeline) UseBefore(handlers ...HandlerFunc) {
	p.before.Use(handlers...)
}

// UseAfter registers handlers running once the result is attached to the
// response.
func (p *Pipeline) UseAfter(handlers ...HandlerFunc) {
	p.after.Use(handlers...)
}

// Run executes one request and responds exactly once.
func (p *Pipeline) Run(ctx context.Context, parse ParseFunc, respond RespondFunc) error {
	response := &Response{}

	request, err := parse()
	if err != nil {
		response.Err = asParseError(err)
		response.Status = StatusCode(response.Err)

		return respond(request, response)
	}
	if request.assigns == nil && request.Origin != nil {
		request.assigns = request.Origin.CloneAssigns()
	}

	p.execute(ctx, request, response)
	if response.Status == 0 || response.Err != nil {
		response.Status = StatusCode(response.Err)
	}

	return respond(request, response)
}

func asParseError(err error) error {
	if IsKind(err, ParseError) || IsKind(err, EmptyRequest) {
		return err
	}
	return parseError(err)
}

func (p *Pipeline) execute(ctx context.Context, request *Request, response *Response) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("pipeline panic recovered", zap.Any("panic", r))
			response.Err = internal(fmt.Sprintf("handler panic: %v", r)).withKind(MiddlewareError)
			response.Data = nil
		}
	}()

	err := p.before.Handle(ctx, request, response, func(request *Request, response *Response) error {
		if p.databases.permitted(request.DB) {
			response.Data, response.Err = p.router.Route(ctx, request)
		} else {
			response.Err = forbidden(fmt.Sprintf("database %q not permitted", request.DB))
		}
		return p.after.Handle(ctx, request, response, func(*Request, *Response) error {
			return nil
		})
	})
	if err != nil {
		response.Err = middlewareError(err)
		response.Data = nil
	}
}
