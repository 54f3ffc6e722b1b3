package redis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/playchat/internal/storage"
	"github.com/playchat/internal/storage/storagetest"
)

func TestBackend(t *testing.T) {
	storagetest.RunBackend(t, func(t *testing.T) storage.Backend {
		mr := miniredis.RunT(t)
		c := NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
		t.Cleanup(func() { _ = c.Close() })
		return c
	})
}
