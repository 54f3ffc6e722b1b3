// Package storagetest: общий набор проверок для реализаций storage.Backend.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playchat/internal/storage"
)

// RunBackend прогоняет контракт Backend. newBackend должен возвращать пустое хранилище.
func RunBackend(t *testing.T, newBackend func(t *testing.T) storage.Backend) {
	ctx := context.Background()

	t.Run("write and read subtree", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Write(ctx, []storage.Op{
			{Path: "users/a/name", Value: json.RawMessage(`"Ann"`)},
			{Path: "users/a/online", Value: json.RawMessage(`true`)},
			{Path: "users/ab/name", Value: json.RawMessage(`"Abe"`)},
		}))

		got, err := b.Read(ctx, "users/a")
		require.NoError(t, err)
		assert.Len(t, got, 2)
		assert.JSONEq(t, `"Ann"`, string(got["users/a/name"]))
		assert.NotContains(t, got, "users/ab/name")
	})

	t.Run("write replaces subtree", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Write(ctx, []storage.Op{
			{Path: "x/a/b", Value: json.RawMessage(`1`)},
			{Path: "x/a/c", Value: json.RawMessage(`2`)},
		}))
		require.NoError(t, b.Write(ctx, []storage.Op{{Path: "x/a", Value: json.RawMessage(`{"d":3}`)}}))

		got, err := b.Read(ctx, "x")
		require.NoError(t, err)
		assert.Len(t, got, 1)
		assert.JSONEq(t, `{"d":3}`, string(got["x/a"]))
	})

	t.Run("nil value removes", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Write(ctx, []storage.Op{{Path: "r/k", Value: json.RawMessage(`1`)}}))
		require.NoError(t, b.Write(ctx, []storage.Op{{Path: "r"}}))

		got, err := b.Read(ctx, "r")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("increment", func(t *testing.T) {
		b := newBackend(t)
		n, err := b.Increment(ctx, "unreads/a_b/b", 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		n, err = b.Increment(ctx, "unreads/a_b/b", 4)
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)

		got, err := b.Read(ctx, "unreads/a_b/b")
		require.NoError(t, err)
		assert.JSONEq(t, `5`, string(got["unreads/a_b/b"]))
	})

	t.Run("increment rejects non integer", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Write(ctx, []storage.Op{{Path: "s", Value: json.RawMessage(`"text"`)}}))
		_, err := b.Increment(ctx, "s", 1)
		assert.ErrorIs(t, err, storage.ErrNotInteger)
	})

	t.Run("concurrent increments are not lost", func(t *testing.T) {
		b := newBackend(t)
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := b.Increment(ctx, "c", 1)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		n, err := b.Increment(ctx, "c", 0)
		require.NoError(t, err)
		assert.Equal(t, int64(20), n)
	})

	t.Run("transaction", func(t *testing.T) {
		b := newBackend(t)
		out, err := b.Transaction(ctx, "t", func(cur json.RawMessage) (json.RawMessage, error) {
			assert.Nil(t, cur)
			return json.RawMessage(`"set"`), nil
		})
		require.NoError(t, err)
		assert.JSONEq(t, `"set"`, string(out))

		out, err = b.Transaction(ctx, "t", func(cur json.RawMessage) (json.RawMessage, error) {
			assert.JSONEq(t, `"set"`, string(cur))
			return nil, nil
		})
		require.NoError(t, err)
		assert.Nil(t, out)

		got, err := b.Read(ctx, "t")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("transaction abort keeps value", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Write(ctx, []storage.Op{{Path: "t", Value: json.RawMessage(`1`)}}))
		abort := errors.New("abort")
		_, err := b.Transaction(ctx, "t", func(json.RawMessage) (json.RawMessage, error) {
			return nil, abort
		})
		assert.ErrorIs(t, err, abort)

		got, err := b.Read(ctx, "t")
		require.NoError(t, err)
		assert.JSONEq(t, `1`, string(got["t"]))
	})
}
