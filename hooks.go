// This file defines the extensibility hooks of pusudb: rate limiting, metrics
// collection and connection lifecycle callbacks.
package pusudb

import (
	"context"
	"time"
)

// RateLimiter defines the interface for rate limiting requests.
// Implementations can enforce various rate limiting strategies per connection,
// IP, or custom keys.
type RateLimiter interface {
	// Allow checks if an operation identified by key should be allowed.
	Allow(ctx context.Context, key string) (allowed bool, err error)

	// Reset clears the rate limit state for the given key.
	Reset(key string)
}

// MetricsCollector defines the interface for collecting operational metrics.
// Implementations can forward these metrics to monitoring systems like
// Prometheus.
type MetricsCollector interface {
	// ConnectionOpened is called when a socket or event stream is accepted.
	ConnectionOpened(token string, transport string)

	// ConnectionClosed is called when a connection is closed, with the connection duration.
	ConnectionClosed(token string, transport string, duration time.Duration)

	// RequestHandled tracks one pipeline run.
	RequestHandled(db string, operation string, status int, duration time.Duration)

	// NotificationDelivered tracks a fan-out with its recipient count.
	NotificationDelivered(db string, operation string, recipients int)

	// DeliveryFailed tracks a failed write to a subscriber.
	DeliveryFailed(token string, err error)

	// Subscribed is called when a connection subscribes to a topic.
	Subscribed(topic string)

	// Unsubscribed is called when a connection unsubscribes from a topic.
	Unsubscribed(topic string)

	// Error tracks errors occurring in different components.
	Error(component string, err error)
}

type Hooks struct {
	RateLimiter RateLimiter
	// RateLimitKey picks the rate limit key of a request. By default the
	// connection token, or the remote address for HTTP.
	RateLimitKey func(*Request) string
	Metrics      MetricsCollector
	OnConnect    func(conn Transport) error
	OnDisconnect func(conn Transport)
}

func metricsOf(hooks *Hooks) MetricsCollector {
	if hooks == nil || hooks.Metrics == nil {
		return NoopMetrics()
	}
	return hooks.Metrics
}

func defaultRateLimitKey(request *Request) string {
	if request.Origin != nil {
		return string(request.Origin.Token())
	}
	return request.RemoteAddr
}

// WithRateLimiter creates a middleware that enforces rate limiting on requests.
// Requests that exceed the rate limit are rejected with a 429 status code.
func WithRateLimiter(hooks *Hooks) HandlerFunc {
	return func(ctx context.Context, request *Request, _ *Response, next NextFunc) error {
		if hooks == nil || hooks.RateLimiter == nil {
			return next()
		}
		keyFunc := hooks.RateLimitKey
		if keyFunc == nil {
			keyFunc = defaultRateLimitKey
		}
		key := keyFunc(request)

		allowed, err := hooks.RateLimiter.Allow(ctx, key)

		if err != nil {
			return wrapF(err, "rate limiter error")
		}
		if !allowed {
			limited := tooManyRequests("Rate limit exceeded").withDetails(map[string]interface{}{
				"db":   request.DB,
				"meta": request.Meta.Name,
			})
			metricsOf(hooks).Error("rate_limiter", limited)

			return limited
		}
		return next()
	}
}

// WithMetrics creates a middleware that reports the duration and status of
// every request it wraps.
func WithMetrics(hooks *Hooks) HandlerFunc {
	return func(ctx context.Context, request *Request, response *Response, next NextFunc) error {
		if hooks == nil || hooks.Metrics == nil {
			return next()
		}
		start := time.Now()

		err := next()

		status := StatusCode(response.Err)
		if err != nil {
			status = StatusCode(err)
			hooks.Metrics.Error("request_handler", err)
		}
		hooks.Metrics.RequestHandled(request.DB, request.Meta.Name, status, time.Since(start))

		return err
	}
}

type noopMetrics struct{}

func (n *noopMetrics) ConnectionOpened(token string, transport string) {}

func (n *noopMetrics) ConnectionClosed(token string, transport string, duration time.Duration) {}

func (n *noopMetrics) RequestHandled(db string, operation string, status int, duration time.Duration) {
}

func (n *noopMetrics) NotificationDelivered(db string, operation string, recipients int) {}

func (n *noopMetrics) DeliveryFailed(token string, err error) {}

func (n *noopMetrics) Subscribed(topic string) {}

func (n *noopMetrics) Unsubscribed(topic string) {}

func (n *noopMetrics) Error(component string, err error) {}

// NoopMetrics returns a no-operation metrics collector that discards all metrics.
func NoopMetrics() MetricsCollector {
	return &noopMetrics{}
}
