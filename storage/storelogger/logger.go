// Package storelogger wraps a storage.KeyValueStore with debug logging.
package storelogger

import (
	"context"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/yamigr/pusudb/storage"
)

var id int64

// Logger implements a zap.Logger for storage.KeyValueStore
type Logger struct {
	log   *zap.Logger
	store storage.KeyValueStore
}

// New creates a new Logger with log and store
func New(log *zap.Logger, store storage.KeyValueStore) *Logger {
	loggerid := atomic.AddInt64(&id, 1)
	name := strconv.Itoa(int(loggerid))
	return &Logger{log.Named(name), store}
}

// Get gets a value from the store
func (store *Logger) Get(ctx context.Context, key storage.Key) (storage.Value, error) {
	store.log.Debug("Get", zap.ByteString("key", key))
	return store.store.Get(ctx, key)
}

// Put adds a value to the store
func (store *Logger) Put(ctx context.Context, key storage.Key, value storage.Value) error {
	store.log.Debug("Put", zap.ByteString("key", key), zap.Int("value length", len(value)), zap.Binary("truncated value", truncate(value)))
	return store.store.Put(ctx, key, value)
}

// Delete deletes key and the value
func (store *Logger) Delete(ctx context.Context, key storage.Key) error {
	store.log.Debug("Delete", zap.ByteString("key", key))
	return store.store.Delete(ctx, key)
}

// Batch applies ops
func (store *Logger) Batch(ctx context.Context, ops []storage.Op) error {
	keys := make(storage.Keys, len(ops))
	for i, op := range ops {
		keys[i] = op.Key
	}
	store.log.Debug("Batch", zap.Int("ops", len(ops)), zap.Strings("keys", keys.Strings()))
	return store.store.Batch(ctx, ops)
}

// Iterate iterates over items based on opts
func (store *Logger) Iterate(ctx context.Context, opts storage.IterateOptions, fn func(storage.ListItem) bool) error {
	store.log.Debug("Iterate",
		zap.ByteString("gte", opts.Gte),
		zap.ByteString("gt", opts.Gt),
		zap.ByteString("lte", opts.Lte),
		zap.ByteString("lt", opts.Lt),
		zap.Int("limit", opts.Limit),
		zap.Bool("reverse", opts.Reverse),
	)
	return store.store.Iterate(ctx, opts, func(item storage.ListItem) bool {
		ok := fn(item)
		store.log.Debug("  ", zap.ByteString("key", item.Key), zap.Bool("continue", ok))
		return ok
	})
}

// Close closes the store
func (store *Logger) Close() error {
	store.log.Debug("Close")
	return store.store.Close()
}

// Opener wraps every store opened by an Opener with a Logger.
type Opener struct {
	log    *zap.Logger
	opener storage.Opener
}

// NewOpener wraps opener.
func NewOpener(log *zap.Logger, opener storage.Opener) *Opener {
	return &Opener{log: log, opener: opener}
}

// Open implements storage.Opener.
func (o *Opener) Open(namespace string) (storage.KeyValueStore, error) {
	store, err := o.opener.Open(namespace)
	if err != nil {
		return nil, err
	}
	return New(o.log.With(zap.String("namespace", namespace)), store), nil
}

// Close implements storage.Opener.
func (o *Opener) Close() error { return o.opener.Close() }

func truncate(v storage.Value) (t []byte) {
	if len(v)-1 < 10 {
		t = []byte(v)
	} else {
		t = v[:10]
	}
	return t
}
