package memory

import (
	"testing"

	"github.com/playchat/internal/storage"
	"github.com/playchat/internal/storage/storagetest"
)

func TestBackend(t *testing.T) {
	storagetest.RunBackend(t, func(t *testing.T) storage.Backend {
		return New()
	})
}
