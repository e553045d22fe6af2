package storage

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// DefaultUniqueID is the placeholder replaced by a generated id in put keys.
const DefaultUniqueID = "@key"

// Operation names understood by DB.Query.
const (
	OperationGet    = "get"
	OperationPut    = "put"
	OperationDel    = "del"
	OperationBatch  = "batch"
	OperationStream = "stream"
	OperationCount  = "count"
	OperationFilter = "filter"
	OperationUpdate = "update"
)

// Config configures a DB.
type Config struct {
	// UniqueID is the placeholder substituted with a generated id in put keys.
	UniqueID string
}

// DB maps namespaces to stores and answers wire queries against them.
type DB struct {
	log    *zap.Logger
	opener Opener
	config Config

	mu     sync.Mutex
	stores map[string]KeyValueStore
	closed bool

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// NewDB creates a DB that opens namespaces lazily through opener.
func NewDB(log *zap.Logger, opener Opener, config Config) *DB {
	if log == nil {
		log = zap.NewNop()
	}
	if config.UniqueID == "" {
		config.UniqueID = DefaultUniqueID
	}
	return &DB{
		log:     log,
		opener:  opener,
		config:  config,
		stores:  make(map[string]KeyValueStore),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Namespace returns the store of a namespace, opening it on first use.
func (db *DB) Namespace(namespace string) (KeyValueStore, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, ErrClosed.New("%s", namespace)
	}
	if store, ok := db.stores[namespace]; ok {
		return store, nil
	}
	store, err := db.opener.Open(namespace)
	if err != nil {
		return nil, err
	}
	db.stores[namespace] = store
	db.log.Debug("opened namespace", zap.String("namespace", namespace))
	return store, nil
}

// Close closes every open namespace and the opener.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true

	var group errs.Group
	for _, store := range db.stores {
		group.Add(store.Close())
	}
	db.stores = nil
	group.Add(db.opener.Close())
	return group.Err()
}

// Query executes operation against namespace.
func (db *DB) Query(ctx context.Context, namespace, operation string, payload interface{}) (interface{}, error) {
	switch operation {
	case OperationGet, OperationPut, OperationDel, OperationBatch, OperationStream,
		OperationCount, OperationFilter, OperationUpdate:
	default:
		return nil, ErrUnknownOperation.New("")
	}

	store, err := db.Namespace(namespace)
	if err != nil {
		return nil, err
	}

	switch operation {
	case OperationGet:
		return db.get(ctx, store, payload)
	case OperationPut:
		return db.put(ctx, store, payload)
	case OperationDel:
		return db.del(ctx, store, payload)
	case OperationBatch:
		return db.batch(ctx, store, payload)
	case OperationStream:
		return db.stream(ctx, store, payload)
	case OperationCount:
		return db.count(ctx, store, payload)
	case OperationFilter:
		return db.filter(ctx, store, payload)
	default:
		return db.update(ctx, store, payload)
	}
}

func requireKey(payload interface{}) (Key, error) {
	key, ok := KeyOf(payload)
	if !ok || key == "" {
		return nil, ErrEmptyKey.New("")
	}
	return Key(key), nil
}

func (db *DB) get(ctx context.Context, store KeyValueStore, payload interface{}) (interface{}, error) {
	key, err := requireKey(payload)
	if err != nil {
		return nil, err
	}
	value, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return Entry{Key: string(key), Value: DecodeValue(value)}, nil
}

func (db *DB) newID() string {
	db.entropyMu.Lock()
	defer db.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), db.entropy).String()
}

// resolveKey replaces the unique id placeholder, or generates a key when none
// was supplied.
func (db *DB) resolveKey(key string) string {
	if key == "" {
		return db.newID()
	}
	if strings.Contains(key, db.config.UniqueID) {
		return strings.ReplaceAll(key, db.config.UniqueID, db.newID())
	}
	return key
}

func (db *DB) put(ctx context.Context, store KeyValueStore, payload interface{}) (interface{}, error) {
	var entry Entry
	if payload != nil {
		if err := decode(payload, &entry); err != nil {
			return nil, err
		}
	}
	entry.Key = db.resolveKey(entry.Key)

	value, err := EncodeValue(entry.Value)
	if err != nil {
		return nil, err
	}
	if err := store.Put(ctx, Key(entry.Key), value); err != nil {
		return nil, err
	}
	return entry.Key, nil
}

func (db *DB) del(ctx context.Context, store KeyValueStore, payload interface{}) (interface{}, error) {
	key, err := requireKey(payload)
	if err != nil {
		return nil, err
	}
	if err := store.Delete(ctx, key); err != nil {
		return nil, err
	}
	return string(key), nil
}

func (db *DB) batch(ctx context.Context, store KeyValueStore, payload interface{}) (interface{}, error) {
	entries, err := decodeBatch(payload)
	if err != nil {
		return nil, err
	}

	ops := make([]Op, 0, len(entries))
	for _, entry := range entries {
		if entry.Key == "" {
			return nil, ErrEmptyKey.New("batch entry")
		}
		switch OpType(entry.Type) {
		case OpDel:
			ops = append(ops, Op{Type: OpDel, Key: Key(entry.Key)})
		case OpPut, "":
			value, err := EncodeValue(entry.Value)
			if err != nil {
				return nil, err
			}
			ops = append(ops, Op{Type: OpPut, Key: Key(entry.Key), Value: value})
		default:
			return nil, ErrInvalidPayload.New("unknown batch type %q", entry.Type)
		}
	}
	if err := store.Batch(ctx, ops); err != nil {
		return nil, err
	}
	return len(ops), nil
}

func (db *DB) stream(ctx context.Context, store KeyValueStore, payload interface{}) (interface{}, error) {
	opts, err := decodeStreamOptions(payload)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0)
	err = store.Iterate(ctx, opts, func(item ListItem) bool {
		entries = append(entries, Entry{Key: string(item.Key), Value: DecodeValue(item.Value)})
		return true
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (db *DB) count(ctx context.Context, store KeyValueStore, payload interface{}) (interface{}, error) {
	opts, err := decodeStreamOptions(payload)
	if err != nil {
		return nil, err
	}
	count := 0
	err = store.Iterate(ctx, opts, func(item ListItem) bool {
		count++
		return true
	})
	if err != nil {
		return nil, err
	}
	return count, nil
}

func (db *DB) filter(ctx context.Context, store KeyValueStore, payload interface{}) (interface{}, error) {
	entries := make([]Entry, 0)
	err := store.Iterate(ctx, IterateOptions{}, func(item ListItem) bool {
		value := DecodeValue(item.Value)
		if Matches(value, payload) {
			entries = append(entries, Entry{Key: string(item.Key), Value: value})
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Matches reports whether a stored value satisfies a filter. An object filter
// with a single "value" field is matched against the whole value; other
// object filters match when every field equals the value's field; scalar
// filters match by equality.
func Matches(value interface{}, filter interface{}) bool {
	if fields, ok := filter.(map[string]interface{}); ok {
		if inner, ok := fields["value"]; ok && len(fields) == 1 {
			return Matches(value, inner)
		}
		object, ok := value.(map[string]interface{})
		if !ok {
			return false
		}
		for name, expected := range fields {
			if !looselyEqual(object[name], expected) {
				return false
			}
		}
		return true
	}
	return looselyEqual(value, filter)
}

// looselyEqual compares decoded JSON values, letting "24" equal 24 since
// HTTP query filters always arrive as strings.
func looselyEqual(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	as, aok := scalarString(a)
	bs, bok := scalarString(b)
	return aok && bok && as == bs
}

func scalarString(v interface{}) (string, bool) {
	switch v.(type) {
	case string, float64, bool, json.Number, int:
		data, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return strings.Trim(string(data), `"`), true
	}
	return "", false
}

// update merges the patch into the stored value and returns the merged Entry.
func (db *DB) update(ctx context.Context, store KeyValueStore, payload interface{}) (interface{}, error) {
	var patch Entry
	if err := decode(payload, &patch); err != nil {
		return nil, err
	}
	if patch.Key == "" {
		return nil, ErrEmptyKey.New("")
	}
	key := Key(patch.Key)

	stored, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	merged, err := Merge(DecodeValue(stored), patch.Value)
	if err != nil {
		return nil, err
	}
	value, err := EncodeValue(merged)
	if err != nil {
		return nil, err
	}
	if err := store.Put(ctx, key, value); err != nil {
		return nil, err
	}
	return Entry{Key: patch.Key, Value: DecodeValue(value)}, nil
}

// Merge applies a partial update. Objects are merged shallowly; a string patch
// holding a JSON object is parsed first; any other patch replaces a
// non-object value.
func Merge(current interface{}, patch interface{}) (interface{}, error) {
	object, ok := current.(map[string]interface{})
	if !ok {
		return patch, nil
	}

	fields, ok := patch.(map[string]interface{})
	if !ok {
		text, isString := patch.(string)
		if !isString {
			return nil, ErrInvalidPayload.New("cannot merge %T into an object", patch)
		}
		if err := json.Unmarshal([]byte(text), &fields); err != nil {
			return nil, ErrInvalidPayload.Wrap(err)
		}
	}

	merged := make(map[string]interface{}, len(object)+len(fields))
	for name, value := range object {
		merged[name] = value
	}
	for name, value := range fields {
		merged[name] = value
	}
	return merged, nil
}
