package pusudb

import (
	"context"

	"go.uber.org/zap"
)

// Event is a mutation to fan out to subscribers.
type Event struct {
	DB   string
	Meta Operation
	Data interface{}
}

// Notifier receives the mutation events produced by the Router.
type Notifier interface {
	Publish(ctx context.Context, event Event, origin Token) int
}

// Publisher delivers mutation events to the subscribers of their topic.
type Publisher struct {
	index   *TopicIndex
	echo    bool
	metrics MetricsCollector
	log     *zap.Logger
}

// NewPublisher returns a Publisher resolving subscribers through index.
func NewPublisher(index *TopicIndex, options *Options) *Publisher {
	if options == nil {
		options = DefaultOptions()
	}
	log := options.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{
		index:   index,
		echo:    options.EchoToOrigin,
		metrics: metricsOf(options.Hooks),
		log:     log.Named("publisher"),
	}
}

// Topic returns the topic a mutation of payload in db is published on.
func Topic(db string, payload interface{}) string {
	key, _ := extractKey(payload)
	return db + key
}

// Publish delivers event to the exact subscribers of its topic, then to the
// matching wildcard subscribers. Each connection receives it at most once
// and origin only when echo is enabled. A connection that cannot be written
// to is unsubscribed from the topic or pattern it matched through. It
// returns the number of deliveries.
func (p *Publisher) Publish(_ context.Context, event Event, origin Token) int {
	topic := Topic(event.DB, event.Data)

	payload := event.Data
	if event.Meta.Kind == KindDel {
		key, _ := extractKey(event.Data)
		payload = map[string]interface{}{"key": key}
	}
	message := Notification{
		DB:   event.DB,
		Meta: event.Meta.Name,
		Data: payload,
	}

	exact, wildcards := p.index.targets(topic)

	seen := make(map[Token]struct{}, len(exact)+len(wildcards))
	delivered := p.deliver(message, exact, origin, seen)
	delivered += p.deliver(message, wildcards, origin, seen)

	p.metrics.NotificationDelivered(event.DB, event.Meta.Name, delivered)

	return delivered
}

func (p *Publisher) deliver(message Notification, targets []target, origin Token, seen map[Token]struct{}) int {
	delivered := 0
	for _, t := range targets {
		token := t.transport.Token()
		if token == origin && !p.echo {
			continue
		}
		if _, ok := seen[token]; ok {
			continue
		}
		seen[token] = struct{}{}

		if err := t.transport.SendJSON(message); err != nil {
			failure := deliveryError(token, err)
			p.log.Warn("delivery failed, unsubscribing",
				zap.String("topic", t.topic),
				zap.Bool("wildcard", t.wildcard),
				zap.Error(failure),
			)
			p.metrics.DeliveryFailed(string(token), failure)
			p.index.unsubscribeTarget(t)

			continue
		}
		delivered++
	}
	return delivered
}
