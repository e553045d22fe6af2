// Package testsuite holds behaviour tests shared by every storage backend.
package testsuite

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamigr/pusudb/storage"
)

// RunTests runs common storage.KeyValueStore tests
func RunTests(t *testing.T, store storage.KeyValueStore) {
	t.Run("CRUD", func(t *testing.T) { testCRUD(t, store) })
	t.Run("Constraints", func(t *testing.T) { testConstraints(t, store) })
	t.Run("Batch", func(t *testing.T) { testBatch(t, store) })
	t.Run("Iterate", func(t *testing.T) { testIterate(t, store) })
}

func newItem(key, value string) storage.ListItem {
	return storage.ListItem{Key: storage.Key(key), Value: storage.Value(value)}
}

func cleanupItems(store storage.KeyValueStore, items storage.Items) {
	for _, item := range items {
		_ = store.Delete(context.Background(), item.Key)
	}
}

func testCRUD(t *testing.T, store storage.KeyValueStore) {
	ctx := context.Background()
	key := storage.Key("crud:1")

	require.NoError(t, store.Put(ctx, key, storage.Value(`"first"`)))

	value, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, storage.Value(`"first"`), value)

	require.NoError(t, store.Put(ctx, key, storage.Value(`"second"`)))
	value, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, storage.Value(`"second"`), value)

	require.NoError(t, store.Delete(ctx, key))

	_, err = store.Get(ctx, key)
	assert.True(t, storage.ErrKeyNotFound.Has(err), "expected key not found, got %v", err)

	err = store.Delete(ctx, key)
	assert.True(t, storage.ErrKeyNotFound.Has(err), "expected key not found, got %v", err)
}

func testConstraints(t *testing.T, store storage.KeyValueStore) {
	ctx := context.Background()

	t.Run("Put Empty", func(t *testing.T) {
		err := store.Put(ctx, nil, storage.Value("x"))
		assert.Error(t, err, "putting empty key should fail")
	})

	t.Run("Get Empty", func(t *testing.T) {
		_, err := store.Get(ctx, nil)
		assert.Error(t, err)
	})

	t.Run("Empty Batch", func(t *testing.T) {
		err := store.Batch(ctx, nil)
		assert.True(t, storage.ErrEmptyBatch.Has(err), "expected empty batch, got %v", err)
	})
}

func testBatch(t *testing.T, store storage.KeyValueStore) {
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, storage.Key("father"), storage.Value(`"x"`)))

	ops := []storage.Op{
		{Type: storage.OpDel, Key: storage.Key("father")},
		{Type: storage.OpPut, Key: storage.Key("ya:1"), Value: storage.Value(`"wayne's"`)},
		{Type: storage.OpPut, Key: storage.Key("ya:2"), Value: storage.Value(`"world"`)},
	}
	require.NoError(t, store.Batch(ctx, ops))
	defer cleanupItems(store, storage.Items{newItem("ya:1", ""), newItem("ya:2", "")})

	_, err := store.Get(ctx, storage.Key("father"))
	assert.True(t, storage.ErrKeyNotFound.Has(err))

	value, err := store.Get(ctx, storage.Key("ya:2"))
	require.NoError(t, err)
	assert.Equal(t, storage.Value(`"world"`), value)
}

func testIterate(t *testing.T, store storage.KeyValueStore) {
	ctx := context.Background()
	items := storage.Items{
		newItem("a", "a"),
		newItem("p:1", "p1"),
		newItem("p:2", "p2"),
		newItem("p:3", "p3"),
		newItem("q", "q"),
	}
	shuffled := append(storage.Items{}, items...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	defer cleanupItems(store, items)

	for _, item := range shuffled {
		require.NoError(t, store.Put(ctx, item.Key, item.Value))
	}

	tests := []struct {
		name     string
		opts     storage.IterateOptions
		expected []string
	}{
		{"no limits", storage.IterateOptions{}, []string{"a", "p:1", "p:2", "p:3", "q"}},
		{"no limits reverse", storage.IterateOptions{Reverse: true}, []string{"q", "p:3", "p:2", "p:1", "a"}},
		{"limit", storage.IterateOptions{Limit: 2}, []string{"a", "p:1"}},
		{"reverse limit", storage.IterateOptions{Limit: 2, Reverse: true}, []string{"q", "p:3"}},
		{"gte lte", storage.IterateOptions{Gte: storage.Key("p:"), Lte: storage.Key("p:~")}, []string{"p:1", "p:2", "p:3"}},
		{"gt lt", storage.IterateOptions{Gt: storage.Key("p:1"), Lt: storage.Key("p:3")}, []string{"p:2"}},
		{"gt lt reverse", storage.IterateOptions{Gt: storage.Key("a"), Lt: storage.Key("q"), Reverse: true}, []string{"p:3", "p:2", "p:1"}},
		{"gte reverse limit", storage.IterateOptions{Gte: storage.Key("p:2"), Limit: 1, Reverse: true}, []string{"q"}},
		{"empty range", storage.IterateOptions{Gt: storage.Key("x")}, nil},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := storage.ListAll(ctx, store, test.opts)
			require.NoError(t, err)

			var keys []string
			for _, item := range got {
				keys = append(keys, string(item.Key))
			}
			assert.Equal(t, test.expected, keys)
		})
	}

	t.Run("stops when fn returns false", func(t *testing.T) {
		visited := 0
		err := store.Iterate(ctx, storage.IterateOptions{}, func(item storage.ListItem) bool {
			visited++
			return visited < 3
		})
		require.NoError(t, err)
		assert.Equal(t, 3, visited)
	})
}
