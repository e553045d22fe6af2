// Package boltdb implements the ordered key-value store on a Bolt database
// file, one bucket per namespace.
package boltdb

import (
	"bytes"
	"context"
	"time"

	"github.com/boltdb/bolt"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/yamigr/pusudb/storage"
)

var (
	// Error is the error class for this package
	Error = errs.Class("boltdb")

	defaultTimeout = 1 * time.Second
)

const (
	// fileMode sets permissions so owner can read and write
	fileMode = 0600
)

// Client is the storage interface for the Bolt database
type Client struct {
	log  *zap.Logger
	db   *bolt.DB
	Path string
}

// New instantiates a new BoltDB client
func New(log *zap.Logger, path string) (*Client, error) {
	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		log:  log,
		db:   db,
		Path: path,
	}, nil
}

// Open returns the store of a namespace, creating its bucket.
func (client *Client) Open(namespace string) (storage.KeyValueStore, error) {
	if namespace == "" {
		return nil, Error.New("empty namespace")
	}
	bucket := []byte(namespace)
	err := client.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	client.log.Debug("bucket ready", zap.String("bucket", namespace))
	return &Bucket{db: client.db, name: bucket}, nil
}

// Close closes a BoltDB client
func (client *Client) Close() error {
	return Error.Wrap(client.db.Close())
}

// Bucket is a namespace stored in one bolt bucket
type Bucket struct {
	db   *bolt.DB
	name []byte
}

func (b *Bucket) update(fn func(*bolt.Bucket) error) error {
	return Error.Wrap(b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(b.name)
		if bucket == nil {
			return storage.ErrClosed.New("bucket %q missing", b.name)
		}
		return fn(bucket)
	}))
}

func (b *Bucket) view(fn func(*bolt.Bucket) error) error {
	return Error.Wrap(b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(b.name)
		if bucket == nil {
			return storage.ErrClosed.New("bucket %q missing", b.name)
		}
		return fn(bucket)
	}))
}

// Get looks up the provided key and returns its value
func (b *Bucket) Get(ctx context.Context, key storage.Key) (storage.Value, error) {
	if len(key) == 0 {
		return nil, storage.ErrEmptyKey.New("")
	}
	var value storage.Value
	err := b.view(func(bucket *bolt.Bucket) error {
		data := bucket.Get(key)
		if data == nil {
			return storage.ErrKeyNotFound.New("%q", key)
		}
		value = storage.CloneValue(data)
		return nil
	})
	return value, err
}

// Put adds a value to the provided key
func (b *Bucket) Put(ctx context.Context, key storage.Key, value storage.Value) error {
	if len(key) == 0 {
		return storage.ErrEmptyKey.New("")
	}
	return b.update(func(bucket *bolt.Bucket) error {
		return bucket.Put(key, value)
	})
}

// Delete deletes a key/value pair
func (b *Bucket) Delete(ctx context.Context, key storage.Key) error {
	if len(key) == 0 {
		return storage.ErrEmptyKey.New("")
	}
	return b.update(func(bucket *bolt.Bucket) error {
		if bucket.Get(key) == nil {
			return storage.ErrKeyNotFound.New("%q", key)
		}
		return bucket.Delete(key)
	})
}

// Batch applies ops in one transaction
func (b *Bucket) Batch(ctx context.Context, ops []storage.Op) error {
	if len(ops) == 0 {
		return storage.ErrEmptyBatch.New("")
	}
	return b.update(func(bucket *bolt.Bucket) error {
		for _, op := range ops {
			if len(op.Key) == 0 {
				return storage.ErrEmptyKey.New("")
			}
			var err error
			if op.Type == storage.OpDel {
				err = bucket.Delete(op.Key)
			} else {
				err = bucket.Put(op.Key, op.Value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Iterate iterates over items based on opts
func (b *Bucket) Iterate(ctx context.Context, opts storage.IterateOptions, fn func(storage.ListItem) bool) error {
	var items storage.Items
	err := b.view(func(bucket *bolt.Bucket) error {
		items = scan(bucket.Cursor(), opts)
		return nil
	})
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(item) {
			return nil
		}
	}
	return nil
}

func scan(cursor *bolt.Cursor, opts storage.IterateOptions) storage.Items {
	var items storage.Items
	full := func() bool {
		return opts.Limit > 0 && len(items) >= opts.Limit
	}

	if opts.Reverse {
		var key, value []byte
		if upper, _ := opts.Upper(); upper != nil {
			key, value = cursor.Seek(upper)
			if key == nil {
				key, value = cursor.Last()
			} else if bytes.Compare(key, upper) > 0 {
				key, value = cursor.Prev()
			}
		} else {
			key, value = cursor.Last()
		}
		for ; key != nil && !full(); key, value = cursor.Prev() {
			if opts.BelowLower(key) {
				break
			}
			if opts.AboveUpper(key) {
				continue
			}
			items = append(items, storage.CloneItem(storage.ListItem{Key: key, Value: value}))
		}
		return items
	}

	var key, value []byte
	if lower, _ := opts.Lower(); lower != nil {
		key, value = cursor.Seek(lower)
	} else {
		key, value = cursor.First()
	}
	for ; key != nil && !full(); key, value = cursor.Next() {
		if opts.AboveUpper(key) {
			break
		}
		if opts.BelowLower(key) {
			continue
		}
		items = append(items, storage.CloneItem(storage.ListItem{Key: key, Value: value}))
	}
	return items
}

// Close is a no-op, the bucket lives as long as its Client
func (b *Bucket) Close() error { return nil }
