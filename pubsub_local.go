// This file contains LocalPubSub, the PubSub relaying mutations between the
// Managers of one process, for example one Manager per listen address.
package pusudb

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const defaultLocalQueue = 100

// LocalPubSub delivers messages to handlers in the same process. Every
// handler owns a queue drained by its own goroutine, so a slow Manager does
// not hold up the others; a message for a full queue is dropped and counted.
type LocalPubSub struct {
	mutex    sync.RWMutex
	handlers map[string][]*localHandler
	closed   bool
	queue    int
	dropped  atomic.Uint64
	running  sync.WaitGroup
	log      *zap.Logger
}

type localHandler struct {
	pattern string
	queue   chan PubSubMessage
	handle  func(topic string, data []byte)
}

// NewLocalPubSub returns a LocalPubSub whose handlers queue up to queue
// messages each, 100 when queue is not positive.
func NewLocalPubSub(log *zap.Logger, queue int) *LocalPubSub {
	if queue <= 0 {
		queue = defaultLocalQueue
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &LocalPubSub{
		handlers: make(map[string][]*localHandler),
		queue:    queue,
		log:      log.Named("pubsub"),
	}
}

// Subscribe adds handle for pattern. The messages of one handler are
// handled in publish order.
func (l *LocalPubSub) Subscribe(pattern string, handle func(topic string, data []byte)) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return ErrPubSubClosed
	}
	handler := &localHandler{
		pattern: pattern,
		queue:   make(chan PubSubMessage, l.queue),
		handle:  handle,
	}
	l.handlers[pattern] = append(l.handlers[pattern], handler)

	l.running.Add(1)
	go l.drain(handler)

	return nil
}

func (l *LocalPubSub) drain(handler *localHandler) {
	defer l.running.Done()

	for message := range handler.queue {
		l.deliver(handler, message)
	}
}

func (l *LocalPubSub) deliver(handler *localHandler, message PubSubMessage) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("pubsub handler panic recovered",
				zap.String("pattern", handler.pattern),
				zap.String("topic", message.Topic),
				zap.Any("panic", r))
		}
	}()

	handler.handle(message.Topic, message.Data)
}

// Unsubscribe removes every handler of pattern. Messages already queued for
// them are still handled.
func (l *LocalPubSub) Unsubscribe(pattern string) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return ErrPubSubClosed
	}
	handlers, ok := l.handlers[pattern]
	if !ok {
		return notFound("pubsub pattern " + pattern + " not found")
	}
	for _, handler := range handlers {
		close(handler.queue)
	}
	delete(l.handlers, pattern)

	return nil
}

// Publish queues data for every handler whose pattern matches topic. It
// never blocks.
func (l *LocalPubSub) Publish(topic string, data []byte) error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	if l.closed {
		return ErrPubSubClosed
	}
	message := PubSubMessage{Topic: topic, Data: data}
	for pattern, handlers := range l.handlers {
		if !matchTopic(pattern, topic) {
			continue
		}
		for _, handler := range handlers {
			select {
			case handler.queue <- message:
			default:
				l.dropped.Add(1)
				l.log.Warn("dropping message for a full queue",
					zap.String("topic", topic),
					zap.String("pattern", pattern),
					zap.Int("queue", l.queue))
			}
		}
	}
	return nil
}

// Dropped reports how many messages found their handler's queue full.
func (l *LocalPubSub) Dropped() uint64 {
	return l.dropped.Load()
}

// Close stops accepting messages and waits for the queued ones to be
// handled. It is idempotent.
func (l *LocalPubSub) Close() error {
	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()
		return nil
	}
	l.closed = true
	for _, handlers := range l.handlers {
		for _, handler := range handlers {
			close(handler.queue)
		}
	}
	l.handlers = make(map[string][]*localHandler)
	l.mutex.Unlock()

	l.running.Wait()
	l.log.Debug("closed", zap.Uint64("dropped", l.dropped.Load()))

	return nil
}
