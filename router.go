package pusudb

import (
	"context"
	"sync"

	"github.com/im7mortal/kmutex"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yamigr/pusudb/storage"
)

const (
	subscribedReply   = "subscribed"
	unsubscribedReply = "unsubscribed"
)

// Store is the ordered key-value store behind the Router.
type Store interface {
	Query(ctx context.Context, namespace, operation string, payload interface{}) (interface{}, error)
}

// Router executes canonical requests against the store, the TopicIndex and
// the Notifier.
type Router struct {
	store     Store
	index     *TopicIndex
	notifier  Notifier
	databases *databaseFilter
	locks     *kmutex.Kmutex
	metrics   MetricsCollector
	log       *zap.Logger
}

// NewRouter wires a Router. Every successful mutation is handed to notifier.
func NewRouter(store Store, index *TopicIndex, notifier Notifier, options *Options) *Router {
	if options == nil {
		options = DefaultOptions()
	}
	log := options.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		store:     store,
		index:     index,
		notifier:  notifier,
		databases: newDatabaseFilter(options.AllowedDatabases, options.BlockedDatabases),
		locks:     kmutex.New(),
		metrics:   metricsOf(options.Hooks),
		log:       log.Named("router"),
	}
}

// lock serializes the store call and the publish of mutations sharing topic.
// Callers lock the key named by the request.
func (r *Router) lock(topic string) func() {
	r.locks.Lock(topic)

	return func() {
		r.locks.Unlock(topic)
	}
}

// Route dispatches request on its operation kind.
func (r *Router) Route(ctx context.Context, request *Request) (interface{}, error) {
	if request.DB == "" || isEmpty(request.Data) {
		return nil, emptyRequest("Empty data.")
	}
	data, err := decodeHash(request.Data)
	if err != nil {
		return nil, err
	}

	switch request.Meta.Kind {
	case KindSubscribe:
		return r.subscribe(request, data)
	case KindUnsubscribe:
		return r.unsubscribe(request, data)
	case KindPublish:
		return r.publish(ctx, request, data)
	case KindList:
		return r.list(ctx, request.DB, data)
	case KindGet, KindStream, KindCount, KindFilter:
		return r.read(ctx, request.DB, request.Meta, data)
	case KindPut:
		return r.put(ctx, request, data)
	case KindDel:
		return r.del(ctx, request, data)
	case KindBatch:
		return r.batch(ctx, request, data)
	case KindUpdate:
		return r.update(ctx, request, data)
	default:
		return r.custom(ctx, request, data)
	}
}

func topicsOf(data interface{}) ([]string, error) {
	switch v := data.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []interface{}:
		topics := make([]string, 0, len(v))
		for _, item := range v {
			topic, ok := item.(string)
			if !ok {
				return nil, badRequest("topics must be strings").withKind(ParseError)
			}
			topics = append(topics, topic)
		}
		return topics, nil
	}
	return nil, badRequest("topic must be a string or a list of strings").withKind(ParseError)
}

func (r *Router) subscribe(request *Request, data interface{}) (interface{}, error) {
	if request.Origin == nil {
		return nil, badRequest("connection required")
	}
	topics, err := topicsOf(data)
	if err != nil {
		return nil, err
	}
	for _, topic := range topics {
		if r.index.Subscribe(request.DB+topic, request.Origin) {
			r.metrics.Subscribed(request.DB + topic)
		}
	}
	return subscribedReply, nil
}

func (r *Router) unsubscribe(request *Request, data interface{}) (interface{}, error) {
	if request.Origin == nil {
		return nil, badRequest("connection required")
	}
	topics, err := topicsOf(data)
	if err != nil {
		return nil, err
	}
	for _, topic := range topics {
		if r.index.Unsubscribe(request.DB+topic, request.Origin.Token()) {
			r.metrics.Unsubscribed(request.DB + topic)
		}
	}
	return unsubscribedReply, nil
}

func (r *Router) publish(ctx context.Context, request *Request, data interface{}) (interface{}, error) {
	r.notifier.Publish(ctx, Event{DB: request.DB, Meta: request.Meta, Data: data}, request.Token())

	if key, ok := extractKey(data); ok {
		return key, nil
	}
	return data, nil
}

func (r *Router) read(ctx context.Context, db string, operation Operation, data interface{}) (interface{}, error) {
	result, err := r.store.Query(ctx, db, operation.storeName(), data)
	if err != nil {
		return nil, storageError(err)
	}
	return result, nil
}

// put locks the key as the client sent it. A put without a key writes a
// generated key nobody else can hold, so it takes no lock; a key carrying the
// unique id placeholder is locked on its unexpanded form.
func (r *Router) put(ctx context.Context, request *Request, data interface{}) (interface{}, error) {
	key, _ := extractKey(data)
	if key != "" {
		unlock := r.lock(request.DB + key)

		defer unlock()
	}

	result, err := r.store.Query(ctx, request.DB, storage.OperationPut, data)
	if err != nil {
		return nil, storageError(err)
	}
	if stored, ok := result.(string); ok {
		key = stored
	}
	r.notifier.Publish(ctx, Event{
		DB:   request.DB,
		Meta: request.Meta,
		Data: storage.Entry{Key: key, Value: valueOf(data)},
	}, request.Token())

	return result, nil
}

func (r *Router) del(ctx context.Context, request *Request, data interface{}) (interface{}, error) {
	key, _ := extractKey(data)
	topic := request.DB + key
	unlock := r.lock(topic)

	defer unlock()

	result, err := r.store.Query(ctx, request.DB, storage.OperationDel, data)
	if err != nil {
		return nil, storageError(err)
	}
	if dropped := r.index.UnsubscribeAll(topic); dropped > 0 {
		r.log.Debug("dropped subscribers of deleted key", zap.String("topic", topic), zap.Int("subscribers", dropped))
	}
	r.notifier.Publish(ctx, Event{
		DB:   request.DB,
		Meta: request.Meta,
		Data: map[string]interface{}{"key": key},
	}, request.Token())

	return result, nil
}

func batchKeys(data interface{}) []string {
	entries, ok := data.([]interface{})
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if key, ok := extractKey(entry); ok {
			keys = append(keys, key)
		}
	}
	return keys
}

func (r *Router) batch(ctx context.Context, request *Request, data interface{}) (interface{}, error) {
	prefix := commonPrefix(batchKeys(data))
	unlock := r.lock(request.DB + prefix)

	defer unlock()

	result, err := r.store.Query(ctx, request.DB, storage.OperationBatch, data)
	if err != nil {
		return nil, storageError(err)
	}
	r.notifier.Publish(ctx, Event{
		DB:   request.DB,
		Meta: request.Meta,
		Data: storage.Entry{Key: prefix, Value: data},
	}, request.Token())

	return result, nil
}

// update publishes the merged entry. Stores that answer with the key only are
// read back; when that read fails nothing is published.
func (r *Router) update(ctx context.Context, request *Request, data interface{}) (interface{}, error) {
	key, _ := extractKey(data)
	unlock := r.lock(request.DB + key)

	defer unlock()

	result, err := r.store.Query(ctx, request.DB, storage.OperationUpdate, data)
	if err != nil {
		return nil, storageError(err)
	}

	merged, ok := result.(storage.Entry)
	if ok {
		result = merged.Key
	} else {
		read, err := r.store.Query(ctx, request.DB, storage.OperationGet, map[string]interface{}{"key": key})
		if err != nil {
			r.log.Warn("read back after update failed, not publishing", zap.String("db", request.DB), zap.String("key", key), zap.Error(err))

			return result, nil
		}
		if merged, ok = read.(storage.Entry); !ok {
			merged = storage.Entry{Key: key, Value: read}
		}
	}
	r.notifier.Publish(ctx, Event{DB: request.DB, Meta: request.Meta, Data: merged}, request.Token())

	return result, nil
}

// custom forwards an operation the router does not know to the store. The
// payload is broadcast when the store runs it or does not know it either;
// a failure of an operation the store knows publishes nothing.
func (r *Router) custom(ctx context.Context, request *Request, data interface{}) (interface{}, error) {
	key, _ := extractKey(data)
	unlock := r.lock(request.DB + key)

	defer unlock()

	result, err := r.store.Query(ctx, request.DB, request.Meta.Name, data)
	if err == nil || storage.ErrUnknownOperation.Has(err) {
		r.notifier.Publish(ctx, Event{DB: request.DB, Meta: request.Meta, Data: data}, request.Token())
	}
	if err != nil {
		return nil, storageError(err)
	}
	return result, nil
}

// listQuery is one element of a list payload.
type listQuery struct {
	Name string      `json:"name"`
	DB   string      `json:"db"`
	Meta string      `json:"meta"`
	Data interface{} `json:"data"`
}

func listQueries(data interface{}) ([]listQuery, error) {
	var queries []listQuery
	switch data.(type) {
	case []interface{}:
		if err := parsePayload(&queries, data); err != nil {
			return nil, parseError(err)
		}
	case map[string]interface{}:
		var named map[string]listQuery
		if err := parsePayload(&named, data); err != nil {
			return nil, parseError(err)
		}
		for name, query := range named {
			query.Name = name
			queries = append(queries, query)
		}
	default:
		return nil, badRequest("list expects a list or a map of queries").withKind(ParseError)
	}
	return queries, nil
}

// list runs several read queries concurrently and returns their envelopes by
// name.
func (r *Router) list(ctx context.Context, db string, data interface{}) (interface{}, error) {
	queries, err := listQueries(data)
	if err != nil {
		return nil, err
	}

	var mutex sync.Mutex
	results := make(map[string]envelope, len(queries))
	record := func(name string, result interface{}, err error) {
		mutex.Lock()

		defer mutex.Unlock()

		results[name] = envelope{Err: errorMessage(err), Data: result}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, query := range queries {
		group.Go(func() error {
			if query.DB == "" {
				query.DB = db
			}
			operation := ParseOperation(query.Meta)
			switch {
			case !operation.IsRead():
				record(query.Name, nil, badRequest("list only runs get, stream, count and filter"))
			case !r.databases.permitted(query.DB):
				record(query.Name, nil, forbidden("database not permitted"))
			default:
				result, err := r.read(groupCtx, query.DB, operation, query.Data)
				record(query.Name, result, err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, wrapF(err, "list failed")
	}
	return results, nil
}
