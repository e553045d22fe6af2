// Package storage defines the ordered key-value store consumed by pusudb and
// the query layer that maps wire operations (get, put, del, batch, stream,
// count, filter, update) onto it.
package storage

import (
	"bytes"
	"context"

	"github.com/zeebo/errs"
)

var (
	// ErrKeyNotFound is returned when a key does not exist in a namespace.
	ErrKeyNotFound = errs.Class("key not found")
	// ErrEmptyKey is returned when a key is empty.
	ErrEmptyKey = errs.Class("empty key")
	// ErrEmptyBatch is returned when a batch contains no operations.
	ErrEmptyBatch = errs.Class("empty batch")
	// ErrUnknownOperation is returned for operations the store does not implement.
	ErrUnknownOperation = errs.Class("query not exist.")
	// ErrInvalidPayload is returned when a payload cannot be decoded for an operation.
	ErrInvalidPayload = errs.Class("invalid payload")
	// ErrClosed is returned when a store is used after Close.
	ErrClosed = errs.Class("store closed")
)

// Key is the type for the keys in a KeyValueStore
type Key []byte

// Value is the type for the values in a KeyValueStore
type Value []byte

// Keys is the type for a slice of keys
type Keys []Key

// ListItem is a single key/value pair returned by Iterate
type ListItem struct {
	Key   Key
	Value Value
}

// Items is a slice of ListItem
type Items []ListItem

// OpType is the kind of a batch operation
type OpType string

const (
	// OpPut writes a value
	OpPut OpType = "put"
	// OpDel deletes a key
	OpDel OpType = "del"
)

// Op is a single write inside an atomic batch
type Op struct {
	Type  OpType
	Key   Key
	Value Value
}

// IterateOptions bounds an ordered scan. Nil bounds are open.
type IterateOptions struct {
	Gte     Key
	Gt      Key
	Lte     Key
	Lt      Key
	Limit   int
	Reverse bool
}

// KeyValueStore is an ordered key/value store holding one namespace.
type KeyValueStore interface {
	Get(ctx context.Context, key Key) (Value, error)
	Put(ctx context.Context, key Key, value Value) error
	Delete(ctx context.Context, key Key) error
	// Batch applies all ops atomically, in order.
	Batch(ctx context.Context, ops []Op) error
	// Iterate calls fn for every item inside opts in key order (descending when
	// opts.Reverse) until fn returns false or opts.Limit items were visited.
	Iterate(ctx context.Context, opts IterateOptions, fn func(item ListItem) bool) error
	Close() error
}

// Opener opens the store backing a namespace.
type Opener interface {
	Open(namespace string) (KeyValueStore, error)
	Close() error
}

// Less returns true if k sorts before other
func (k Key) Less(other Key) bool { return bytes.Compare(k, other) < 0 }

// Equal returns true if k equals other
func (k Key) Equal(other Key) bool { return bytes.Equal(k, other) }

// String implements the Stringer interface
func (k Key) String() string { return string(k) }

// Strings returns keys as a string slice
func (keys Keys) Strings() []string {
	result := make([]string, len(keys))
	for i, key := range keys {
		result[i] = string(key)
	}
	return result
}

// CloneKey creates a copy of key
func CloneKey(key Key) Key { return append(key[:0:0], key...) }

// CloneValue creates a copy of value
func CloneValue(value Value) Value { return append(value[:0:0], value...) }

// CloneItem creates a deep copy of item
func CloneItem(item ListItem) ListItem {
	return ListItem{
		Key:   CloneKey(item.Key),
		Value: CloneValue(item.Value),
	}
}

// InRange reports whether key satisfies the lower and upper bounds of opts.
func (opts IterateOptions) InRange(key Key) bool {
	return !opts.BelowLower(key) && !opts.AboveUpper(key)
}

// BelowLower reports whether key sorts before the lower bound.
func (opts IterateOptions) BelowLower(key Key) bool {
	if opts.Gte != nil && bytes.Compare(key, opts.Gte) < 0 {
		return true
	}
	if opts.Gt != nil && bytes.Compare(key, opts.Gt) <= 0 {
		return true
	}
	return false
}

// AboveUpper reports whether key sorts after the upper bound.
func (opts IterateOptions) AboveUpper(key Key) bool {
	if opts.Lte != nil && bytes.Compare(key, opts.Lte) > 0 {
		return true
	}
	if opts.Lt != nil && bytes.Compare(key, opts.Lt) >= 0 {
		return true
	}
	return false
}

// Lower returns the tightest lower bound and whether it is inclusive.
func (opts IterateOptions) Lower() (Key, bool) {
	switch {
	case opts.Gt != nil && (opts.Gte == nil || bytes.Compare(opts.Gt, opts.Gte) >= 0):
		return opts.Gt, false
	case opts.Gte != nil:
		return opts.Gte, true
	}
	return nil, true
}

// Upper returns the tightest upper bound and whether it is inclusive.
func (opts IterateOptions) Upper() (Key, bool) {
	switch {
	case opts.Lt != nil && (opts.Lte == nil || bytes.Compare(opts.Lt, opts.Lte) <= 0):
		return opts.Lt, false
	case opts.Lte != nil:
		return opts.Lte, true
	}
	return nil, true
}

// ListAll collects every item of a scan.
func ListAll(ctx context.Context, store KeyValueStore, opts IterateOptions) (Items, error) {
	var items Items
	err := store.Iterate(ctx, opts, func(item ListItem) bool {
		items = append(items, CloneItem(item))
		return true
	})
	return items, err
}
