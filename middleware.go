package pusudb

import (
	"context"
	"fmt"
	"sync"
)

type middleware[Request any, Response any] struct {
	handlers []handlerFunc[Request, Response]
	mutex    sync.RWMutex
}

func newMiddleWare[Request any, Response any]() *middleware[Request, Response] {
	return &middleware[Request, Response]{
		handlers: make([]handlerFunc[Request, Response], 0),
	}
}

func (m *middleware[Request, Response]) Use(handlers ...handlerFunc[Request, Response]) {
	m.mutex.Lock()

	defer m.mutex.Unlock()

	m.handlers = append(m.handlers, handlers...)
}

func (m *middleware[Request, Response]) Len() int {
	m.mutex.RLock()

	defer m.mutex.RUnlock()

	return len(m.handlers)
}

// Handle runs the handlers in registration order and then finalHandler. The
// chain only advances when a handler calls next. A panicking handler is
// turned into a MiddlewareError.
func (m *middleware[Request, Response]) Handle(ctx context.Context, request Request, response Response, finalHandler FinalHandlerFunc[Request, Response]) error {
	select {
	case <-ctx.Done():
		return ctx.Err()

	default:
	}
	m.mutex.RLock()

	handlersCopy := make([]handlerFunc[Request, Response], len(m.handlers))

	copy(handlersCopy, m.handlers)

	m.mutex.RUnlock()

	if len(handlersCopy) == 0 {
		return finalHandler(request, response)
	}

	var executeHandler func(index int) error
	executeHandler = func(index int) (err error) {
		select {
		case <-ctx.Done():
			return ctx.Err()

		default:
		}
		if index >= len(handlersCopy) {
			return finalHandler(request, response)
		}
		defer func() {
			if r := recover(); r != nil {
				err = internal(fmt.Sprintf("handler panic: %v", r)).withKind(MiddlewareError)
			}
		}()

		handler := handlersCopy[index]
		next := func() error {
			return executeHandler(index + 1)
		}
		return handler(ctx, request, response, next)
	}
	return executeHandler(0)
}
