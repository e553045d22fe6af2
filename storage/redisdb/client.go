// Package redisdb implements the ordered key-value store on Redis: keys are
// kept in a lexicographically sorted set, values in a hash.
package redisdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/yamigr/pusudb/storage"
)

// Error is the error class for this package
var Error = errs.Class("redis")

// DefaultPrefix prefixes every redis key written by this package.
const DefaultPrefix = "pusudb"

// Client opens namespaces on one redis connection
type Client struct {
	log    *zap.Logger
	db     *redis.Client
	prefix string
}

// New creates a Client and checks the connection.
func New(ctx context.Context, log *zap.Logger, db *redis.Client, prefix string) (*Client, error) {
	if err := db.Ping(ctx).Err(); err != nil {
		return nil, Error.New("failed to connect to redis: %v", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Client{log: log, db: db, prefix: prefix}, nil
}

// Open implements storage.Opener.
func (client *Client) Open(namespace string) (storage.KeyValueStore, error) {
	if namespace == "" {
		return nil, Error.New("empty namespace")
	}
	client.log.Debug("namespace ready", zap.String("namespace", namespace))
	return &Namespace{
		db:     client.db,
		index:  fmt.Sprintf("%s:%s:index", client.prefix, namespace),
		values: fmt.Sprintf("%s:%s:values", client.prefix, namespace),
	}, nil
}

// Close closes the underlying redis client
func (client *Client) Close() error {
	return Error.Wrap(client.db.Close())
}

// Namespace is one namespace held in a sorted set and a hash
type Namespace struct {
	db     *redis.Client
	index  string
	values string
}

// Get looks up the provided key and returns its value
func (n *Namespace) Get(ctx context.Context, key storage.Key) (storage.Value, error) {
	if len(key) == 0 {
		return nil, storage.ErrEmptyKey.New("")
	}
	value, err := n.db.HGet(ctx, n.values, string(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrKeyNotFound.New("%q", key)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return value, nil
}

// Put adds a value to the provided key
func (n *Namespace) Put(ctx context.Context, key storage.Key, value storage.Value) error {
	if len(key) == 0 {
		return storage.ErrEmptyKey.New("")
	}
	_, err := n.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, n.values, string(key), []byte(value))
		pipe.ZAdd(ctx, n.index, redis.Z{Score: 0, Member: string(key)})
		return nil
	})
	return Error.Wrap(err)
}

// Delete deletes a key/value pair
func (n *Namespace) Delete(ctx context.Context, key storage.Key) error {
	if len(key) == 0 {
		return storage.ErrEmptyKey.New("")
	}
	var removed *redis.IntCmd
	_, err := n.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.HDel(ctx, n.values, string(key))
		pipe.ZRem(ctx, n.index, string(key))
		return nil
	})
	if err != nil {
		return Error.Wrap(err)
	}
	if removed.Val() == 0 {
		return storage.ErrKeyNotFound.New("%q", key)
	}
	return nil
}

// Batch applies ops in one MULTI/EXEC transaction
func (n *Namespace) Batch(ctx context.Context, ops []storage.Op) error {
	if len(ops) == 0 {
		return storage.ErrEmptyBatch.New("")
	}
	for _, op := range ops {
		if len(op.Key) == 0 {
			return storage.ErrEmptyKey.New("")
		}
	}
	_, err := n.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range ops {
			if op.Type == storage.OpDel {
				pipe.HDel(ctx, n.values, string(op.Key))
				pipe.ZRem(ctx, n.index, string(op.Key))
				continue
			}
			pipe.HSet(ctx, n.values, string(op.Key), []byte(op.Value))
			pipe.ZAdd(ctx, n.index, redis.Z{Score: 0, Member: string(op.Key)})
		}
		return nil
	})
	return Error.Wrap(err)
}

// Iterate iterates over items based on opts
func (n *Namespace) Iterate(ctx context.Context, opts storage.IterateOptions, fn func(storage.ListItem) bool) error {
	by := &redis.ZRangeBy{Min: "-", Max: "+"}
	if lower, inclusive := opts.Lower(); lower != nil {
		by.Min = lexBound(lower, inclusive)
	}
	if upper, inclusive := opts.Upper(); upper != nil {
		by.Max = lexBound(upper, inclusive)
	}
	if opts.Limit > 0 {
		by.Count = int64(opts.Limit)
	}

	var keys []string
	var err error
	if opts.Reverse {
		keys, err = n.db.ZRevRangeByLex(ctx, n.index, by).Result()
	} else {
		keys, err = n.db.ZRangeByLex(ctx, n.index, by).Result()
	}
	if err != nil {
		return Error.Wrap(err)
	}
	if len(keys) == 0 {
		return nil
	}

	values, err := n.db.HMGet(ctx, n.values, keys...).Result()
	if err != nil {
		return Error.Wrap(err)
	}
	for i, key := range keys {
		raw, ok := values[i].(string)
		if !ok {
			continue
		}
		if !fn(storage.ListItem{Key: storage.Key(key), Value: storage.Value(raw)}) {
			return nil
		}
	}
	return nil
}

// Close is a no-op, the connection belongs to the Client
func (n *Namespace) Close() error { return nil }

func lexBound(key storage.Key, inclusive bool) string {
	if inclusive {
		return "[" + string(key)
	}
	return "(" + string(key)
}
