// This file defines the PubSub interface used to relay mutations between
// Managers sharing one store, in one process or across processes.
package pusudb

import (
	"errors"
)

// PubSub defines the interface for publish-subscribe messaging systems.
type PubSub interface {
	// Subscribe registers a handler for messages matching the given pattern.
	// A pattern ending in ".*" matches every topic with that prefix.
	Subscribe(pattern string, handler func(topic string, data []byte)) error

	// Unsubscribe removes all handlers for the given pattern.
	Unsubscribe(pattern string) error

	// Publish sends a message to the specified topic.
	Publish(topic string, data []byte) error

	// Close shuts down the PubSub system and cleans up resources.
	Close() error
}

type PubSubMessage struct {
	Topic string
	Data  []byte
}

type pubsubClosedError struct{}

// ErrPubSubClosed is returned by a PubSub used after Close.
var ErrPubSubClosed error = &pubsubClosedError{}

func (e *pubsubClosedError) Error() string {
	return "pubsub: closed"
}

func isPubSubClosed(err error) bool {
	var closed *pubsubClosedError

	return errors.As(err, &closed)
}

func matchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if len(pattern) > 2 && pattern[len(pattern)-2:] == ".*" {
		prefix := pattern[:len(pattern)-2]
		return len(topic) >= len(prefix) && topic[:len(prefix)] == prefix
	}
	return false
}
