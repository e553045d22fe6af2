// Package memory implements an in-memory ordered key-value store on a btree.
package memory

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"

	"github.com/yamigr/pusudb/storage"
)

const degree = 32

// Client implements in-memory key value store
type Client struct {
	mu     sync.RWMutex
	tree   *btree.BTreeG[storage.ListItem]
	closed bool
}

// New creates a new in-memory key-value store
func New() *Client {
	return &Client{
		tree: btree.NewG(degree, func(a, b storage.ListItem) bool {
			return bytes.Compare(a.Key, b.Key) < 0
		}),
	}
}

// Get gets a value from the store
func (client *Client) Get(ctx context.Context, key storage.Key) (storage.Value, error) {
	if len(key) == 0 {
		return nil, storage.ErrEmptyKey.New("")
	}
	client.mu.RLock()
	defer client.mu.RUnlock()

	if client.closed {
		return nil, storage.ErrClosed.New("")
	}
	item, ok := client.tree.Get(storage.ListItem{Key: key})
	if !ok {
		return nil, storage.ErrKeyNotFound.New("%q", key)
	}
	return storage.CloneValue(item.Value), nil
}

// Put adds a value to the store
func (client *Client) Put(ctx context.Context, key storage.Key, value storage.Value) error {
	if len(key) == 0 {
		return storage.ErrEmptyKey.New("")
	}
	client.mu.Lock()
	defer client.mu.Unlock()

	if client.closed {
		return storage.ErrClosed.New("")
	}
	client.tree.ReplaceOrInsert(storage.CloneItem(storage.ListItem{Key: key, Value: value}))
	return nil
}

// Delete deletes key and the value
func (client *Client) Delete(ctx context.Context, key storage.Key) error {
	if len(key) == 0 {
		return storage.ErrEmptyKey.New("")
	}
	client.mu.Lock()
	defer client.mu.Unlock()

	if client.closed {
		return storage.ErrClosed.New("")
	}
	if _, ok := client.tree.Delete(storage.ListItem{Key: key}); !ok {
		return storage.ErrKeyNotFound.New("%q", key)
	}
	return nil
}

// Batch applies ops atomically
func (client *Client) Batch(ctx context.Context, ops []storage.Op) error {
	if len(ops) == 0 {
		return storage.ErrEmptyBatch.New("")
	}
	for _, op := range ops {
		if len(op.Key) == 0 {
			return storage.ErrEmptyKey.New("")
		}
	}
	client.mu.Lock()
	defer client.mu.Unlock()

	if client.closed {
		return storage.ErrClosed.New("")
	}
	for _, op := range ops {
		switch op.Type {
		case storage.OpDel:
			client.tree.Delete(storage.ListItem{Key: op.Key})
		default:
			client.tree.ReplaceOrInsert(storage.CloneItem(storage.ListItem{Key: op.Key, Value: op.Value}))
		}
	}
	return nil
}

// Iterate iterates over items based on opts
func (client *Client) Iterate(ctx context.Context, opts storage.IterateOptions, fn func(storage.ListItem) bool) error {
	items, err := client.collect(opts)
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

func (client *Client) collect(opts storage.IterateOptions) (storage.Items, error) {
	client.mu.RLock()
	defer client.mu.RUnlock()

	if client.closed {
		return nil, storage.ErrClosed.New("")
	}

	var items storage.Items
	visit := func(item storage.ListItem) bool {
		if !opts.InRange(item.Key) {
			if opts.Reverse {
				return !opts.BelowLower(item.Key)
			}
			return !opts.AboveUpper(item.Key)
		}
		items = append(items, storage.CloneItem(item))
		return opts.Limit <= 0 || len(items) < opts.Limit
	}

	if opts.Reverse {
		if upper, _ := opts.Upper(); upper != nil {
			client.tree.DescendLessOrEqual(storage.ListItem{Key: upper}, visit)
		} else {
			client.tree.Descend(visit)
		}
		return items, nil
	}

	if lower, _ := opts.Lower(); lower != nil {
		client.tree.AscendGreaterOrEqual(storage.ListItem{Key: lower}, visit)
	} else {
		client.tree.Ascend(visit)
	}
	return items, nil
}

// Close closes the store
func (client *Client) Close() error {
	client.mu.Lock()
	defer client.mu.Unlock()

	client.closed = true
	client.tree.Clear(false)
	return nil
}

// Opener creates an independent in-memory store per namespace.
type Opener struct{}

// NewOpener returns an Opener for in-memory namespaces.
func NewOpener() *Opener { return &Opener{} }

// Open implements storage.Opener.
func (*Opener) Open(namespace string) (storage.KeyValueStore, error) {
	return New(), nil
}

// Close implements storage.Opener.
func (*Opener) Close() error { return nil }
