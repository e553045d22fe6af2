package pusudb

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestMiddleware(t *testing.T) {
	t.Run("runs handlers in order before the final handler", func(t *testing.T) {
		m := newMiddleWare[*Request, *Response]()
		var calls []string
		record := func(name string) HandlerFunc {
			return func(ctx context.Context, request *Request, response *Response, next NextFunc) error {
				calls = append(calls, name)
				return next()
			}
		}
		m.Use(record("first"), record("second"))
		m.Use(record("third"))

		if m.Len() != 3 {
			t.Fatalf("expected 3 handlers, got %d", m.Len())
		}
		err := m.Handle(t.Context(), &Request{}, &Response{}, func(*Request, *Response) error {
			calls = append(calls, "final")
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if want := []string{"first", "second", "third", "final"}; !reflect.DeepEqual(calls, want) {
			t.Errorf("got %v, want %v", calls, want)
		}
	})

	t.Run("a handler that does not call next halts the chain", func(t *testing.T) {
		m := newMiddleWare[*Request, *Response]()
		m.Use(func(ctx context.Context, request *Request, response *Response, next NextFunc) error {
			response.Data = "cached"
			return nil
		})

		called := false
		response := &Response{}
		err := m.Handle(t.Context(), &Request{}, response, func(*Request, *Response) error {
			called = true
			return nil
		})
		if err != nil || called {
			t.Fatalf("expected the chain to stop, err=%v called=%v", err, called)
		}
		if response.Data != "cached" {
			t.Errorf("expected the handler's data, got %v", response.Data)
		}
	})

	t.Run("a panic becomes a middleware error", func(t *testing.T) {
		m := newMiddleWare[*Request, *Response]()
		m.Use(func(ctx context.Context, request *Request, response *Response, next NextFunc) error {
			panic("boom")
		})

		err := m.Handle(t.Context(), &Request{}, &Response{}, func(*Request, *Response) error { return nil })
		if !IsKind(err, MiddlewareError) || StatusCode(err) != StatusInternalServerError {
			t.Errorf("expected a 500 middleware error, got %v", err)
		}
	})

	t.Run("a cancelled context stops the chain", func(t *testing.T) {
		m := newMiddleWare[*Request, *Response]()
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		err := m.Handle(ctx, &Request{}, &Response{}, func(*Request, *Response) error { return nil })
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

type pipelineResult struct {
	request  *Request
	response *Response
}

func runPipeline(t *testing.T, pipeline *Pipeline, request *Request, parseErr error) pipelineResult {
	t.Helper()

	var result pipelineResult
	err := pipeline.Run(t.Context(), func() (*Request, error) {
		if parseErr != nil {
			return nil, parseErr
		}
		return request, nil
	}, func(request *Request, response *Response) error {
		result = pipelineResult{request: request, response: response}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return result
}

func TestPipeline(t *testing.T) {
	newPipeline := func(t *testing.T, options *Options) *Pipeline {
		if options == nil {
			options = DefaultOptions()
		}
		engine := newTestEngine(t, options)
		return NewPipeline(ChannelHTTP, engine.router, options)
	}
	put := func(key string) *Request {
		return &Request{
			DB:   "person",
			Meta: ParseOperation("put"),
			Data: map[string]interface{}{"key": key, "value": "x"},
		}
	}

	t.Run("routes a request and reports 200", func(t *testing.T) {
		pipeline := newPipeline(t, nil)

		result := runPipeline(t, pipeline, put(":1"), nil)
		if result.response.Err != nil || result.response.Status != 200 || result.response.Data != ":1" {
			t.Errorf("unexpected response %+v", result.response)
		}
	})

	t.Run("blocked databases are forbidden", func(t *testing.T) {
		options := DefaultOptions()
		options.BlockedDatabases = []string{"person"}
		pipeline := newPipeline(t, options)

		result := runPipeline(t, pipeline, put(":1"), nil)
		if result.response.Status != StatusForbidden {
			t.Errorf("expected 403, got %d", result.response.Status)
		}
	})

	t.Run("databases outside the allow list are forbidden", func(t *testing.T) {
		options := DefaultOptions()
		options.AllowedDatabases = []string{"animal"}
		pipeline := newPipeline(t, options)

		result := runPipeline(t, pipeline, put(":1"), nil)
		if result.response.Status != StatusForbidden {
			t.Errorf("expected 403, got %d", result.response.Status)
		}
	})

	t.Run("parse failures respond 400", func(t *testing.T) {
		pipeline := newPipeline(t, nil)

		result := runPipeline(t, pipeline, nil, errors.New("unexpected end of JSON input"))
		if result.request != nil {
			t.Error("expected no request")
		}
		if !IsKind(result.response.Err, ParseError) || result.response.Status != StatusBadRequest {
			t.Errorf("expected a 400 parse error, got %+v", result.response)
		}
	})

	t.Run("after middleware sees errors and can rewrite the response", func(t *testing.T) {
		pipeline := newPipeline(t, nil)

		var seen error
		pipeline.UseAfter(func(ctx context.Context, request *Request, response *Response, next NextFunc) error {
			seen = response.Err
			response.Status = 299
			return next()
		})

		result := runPipeline(t, pipeline, &Request{DB: "person", Meta: ParseOperation("get"), Data: ":missing"}, nil)
		if !IsKind(seen, StorageError) {
			t.Errorf("expected the after handler to see the storage error, got %v", seen)
		}
		if result.response.Status != StatusNotFound {
			t.Errorf("expected the error status to win, got %d", result.response.Status)
		}

		result = runPipeline(t, pipeline, put(":1"), nil)
		if result.response.Status != 299 {
			t.Errorf("expected the rewritten status, got %d", result.response.Status)
		}
	})

	t.Run("before middleware can end the response", func(t *testing.T) {
		pipeline := newPipeline(t, nil)
		pipeline.UseBefore(func(ctx context.Context, request *Request, response *Response, next NextFunc) error {
			if request.Meta.Kind == KindGet {
				response.End([]byte("pong"), "text/plain")
				return nil
			}
			return next()
		})

		result := runPipeline(t, pipeline, &Request{DB: "person", Meta: ParseOperation("get"), Data: ":1"}, nil)
		if !result.response.Finalized() || string(result.response.body) != "pong" {
			t.Errorf("expected the finalized body, got %+v", result.response)
		}
		if result.response.Status != 200 {
			t.Errorf("expected 200, got %d", result.response.Status)
		}
	})

	t.Run("before middleware errors keep their code", func(t *testing.T) {
		pipeline := newPipeline(t, nil)
		pipeline.UseBefore(func(ctx context.Context, request *Request, response *Response, next NextFunc) error {
			return &Error{Message: "who are you", Code: StatusUnauthorized}
		})

		result := runPipeline(t, pipeline, put(":1"), nil)
		if result.response.Status != StatusUnauthorized || !IsKind(result.response.Err, MiddlewareError) {
			t.Errorf("expected a 401 middleware error, got %+v", result.response)
		}
	})

	t.Run("assigns are copied from the origin", func(t *testing.T) {
		pipeline := newPipeline(t, nil)
		origin := newFakeTransport("a")
		origin.SetAssign("user", "ada")

		var user interface{}
		pipeline.UseBefore(func(ctx context.Context, request *Request, response *Response, next NextFunc) error {
			user = request.Assigned("user")
			request.Assign("user", "grace")
			return next()
		})

		request := put(":1")
		request.Origin = origin
		runPipeline(t, pipeline, request, nil)

		if user != "ada" {
			t.Errorf("expected ada, got %v", user)
		}
		if origin.GetAssign("user") != "ada" {
			t.Error("expected the origin's assigns to be untouched")
		}
	})
}
