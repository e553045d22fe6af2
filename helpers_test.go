package pusudb

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/yamigr/pusudb/storage"
	"github.com/yamigr/pusudb/storage/memory"
)

var errBrokenPipe = errors.New("broken pipe")

type fakeTransport struct {
	token         Token
	mutex         sync.Mutex
	messages      []interface{}
	received      chan interface{}
	fail          error
	assigns       map[string]interface{}
	closed        bool
	closeHandlers []func(Transport) error
}

func newFakeTransport(token string) *fakeTransport {
	return &fakeTransport{
		token:    Token(token),
		received: make(chan interface{}, 64),
		assigns:  make(map[string]interface{}),
	}
}

func (f *fakeTransport) Token() Token { return f.token }

func (f *fakeTransport) SendJSON(v interface{}) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.fail != nil {
		return f.fail
	}
	f.messages = append(f.messages, v)
	select {
	case f.received <- v:
	default:
	}

	return nil
}

func (f *fakeTransport) GetAssign(key string) interface{} {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.assigns[key]
}

func (f *fakeTransport) SetAssign(key string, value interface{}) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.assigns[key] = value
}

func (f *fakeTransport) CloneAssigns() map[string]interface{} {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	cloned := make(map[string]interface{}, len(f.assigns))
	for key, value := range f.assigns {
		cloned[key] = value
	}
	return cloned
}

func (f *fakeTransport) IsActive() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return !f.closed
}

func (f *fakeTransport) Close() {
	f.mutex.Lock()
	if f.closed {
		f.mutex.Unlock()
		return
	}
	f.closed = true
	handlers := f.closeHandlers
	f.mutex.Unlock()

	for _, handler := range handlers {
		_ = handler(f)
	}
}

func (f *fakeTransport) OnClose(callback func(Transport) error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.closeHandlers = append(f.closeHandlers, callback)
}

func (f *fakeTransport) Type() TransportType { return TransportWebSocket }

func (f *fakeTransport) breakPipe() {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.fail = errBrokenPipe
}

func (f *fakeTransport) notifications() []Notification {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	var result []Notification
	for _, message := range f.messages {
		if notification, ok := message.(Notification); ok {
			result = append(result, notification)
		}
	}
	return result
}

func (f *fakeTransport) count() int {
	return len(f.notifications())
}

// jsonOf renders v the way it goes over the wire, for comparisons that do
// not depend on Go types.
func jsonOf(t *testing.T, v interface{}) string {
	t.Helper()

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal %v: %v", v, err)
	}
	return string(data)
}

type testEngine struct {
	db        *storage.DB
	registry  *Registry
	index     *TopicIndex
	publisher *Publisher
	router    *Router
}

func newTestEngine(t *testing.T, options *Options) *testEngine {
	t.Helper()

	if options == nil {
		options = DefaultOptions()
	}
	log := zaptest.NewLogger(t)
	options.Logger = log

	db := storage.NewDB(log, memory.NewOpener(), storage.Config{})
	t.Cleanup(func() { _ = db.Close() })

	registry := NewRegistry(log)
	index := NewTopicIndex(registry, log)
	publisher := NewPublisher(index, options)

	return &testEngine{
		db:        db,
		registry:  registry,
		index:     index,
		publisher: publisher,
		router:    NewRouter(db, index, publisher, options),
	}
}

func (e *testEngine) route(t *testing.T, origin Transport, db, meta string, data interface{}) (interface{}, error) {
	t.Helper()

	return e.router.Route(t.Context(), &Request{
		DB:     db,
		Meta:   ParseOperation(meta),
		Data:   data,
		Origin: origin,
	})
}

func (e *testEngine) mustRoute(t *testing.T, origin Transport, db, meta string, data interface{}) interface{} {
	t.Helper()

	result, err := e.route(t, origin, db, meta, data)
	if err != nil {
		t.Fatalf("%s %s failed: %v", db, meta, err)
	}
	return result
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
