package pusudb

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const relayTopicPrefix = "pusudb.mutation."

func relayTopic(db string) string {
	return relayTopicPrefix + db
}

type relayMessage struct {
	NodeID string      `json:"nodeId"`
	DB     string      `json:"db"`
	Meta   string      `json:"meta"`
	Data   interface{} `json:"data"`
}

// Relay is a Notifier that delivers events locally and forwards them to the
// other nodes on a PubSub, delivering theirs in turn.
type Relay struct {
	pubsub    PubSub
	nodeID    string
	publisher *Publisher
	index     *TopicIndex
	metrics   MetricsCollector
	log       *zap.Logger
}

// NewRelay subscribes to the mutations of every other node on pubsub.
func NewRelay(pubsub PubSub, publisher *Publisher, index *TopicIndex, options *Options) (*Relay, error) {
	if options == nil {
		options = DefaultOptions()
	}
	log := options.Logger
	if log == nil {
		log = zap.NewNop()
	}
	nodeID := options.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	relay := &Relay{
		pubsub:    pubsub,
		nodeID:    nodeID,
		publisher: publisher,
		index:     index,
		metrics:   metricsOf(options.Hooks),
		log:       log.Named("relay").With(zap.String("node", nodeID)),
	}
	if err := pubsub.Subscribe(relayTopicPrefix+"*", relay.receive); err != nil {
		return nil, wrapF(err, "failed to subscribe to relay topics")
	}
	return relay, nil
}

// NodeID identifies this process on the relay.
func (r *Relay) NodeID() string {
	return r.nodeID
}

// Publish delivers event locally then forwards it to the other nodes.
func (r *Relay) Publish(ctx context.Context, event Event, origin Token) int {
	delivered := r.publisher.Publish(ctx, event, origin)

	data, err := json.Marshal(relayMessage{
		NodeID: r.nodeID,
		DB:     event.DB,
		Meta:   event.Meta.Name,
		Data:   event.Data,
	})
	if err != nil {
		r.log.Warn("failed to encode relayed event", zap.Error(err))
		r.metrics.Error("relay", err)

		return delivered
	}
	if err := r.pubsub.Publish(relayTopic(event.DB), data); err != nil && !isPubSubClosed(err) {
		r.log.Warn("failed to relay event", zap.String("db", event.DB), zap.Error(err))
		r.metrics.Error("relay", err)
	}
	return delivered
}

func (r *Relay) receive(_ string, data []byte) {
	var message relayMessage
	if err := json.Unmarshal(data, &message); err != nil {
		r.log.Warn("dropping malformed relayed event", zap.Error(err))
		r.metrics.Error("relay", err)

		return
	}
	if message.NodeID == r.nodeID {
		return
	}
	event := Event{
		DB:   message.DB,
		Meta: ParseOperation(message.Meta),
		Data: message.Data,
	}
	if event.Meta.Kind == KindDel {
		r.index.UnsubscribeAll(Topic(event.DB, event.Data))
	}
	r.publisher.Publish(context.Background(), event, "")
}

// Close stops receiving relayed events.
func (r *Relay) Close() error {
	err := r.pubsub.Unsubscribe(relayTopicPrefix + "*")
	if err != nil && !isPubSubClosed(err) {
		return err
	}
	return nil
}
