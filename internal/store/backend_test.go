package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/studychat/internal/config"
	"github.com/suPer8Hu/studychat/internal/store/blob"
)

func TestOpen_Backends(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	for _, backend := range []string{BackendFile, BackendMemory, BackendSQL, BackendRedis} {
		t.Run(backend, func(t *testing.T) {
			cfg := config.Config{
				StorageBackend: backend,
				StorageDir:     t.TempDir(),
				DBDSN:          "sqlite:" + filepath.Join(t.TempDir(), "state.db"),
				RedisAddr:      mr.Addr(),
				RedisPrefix:    "studychat:",
			}
			s, closeFn, err := Open(ctx, cfg)
			require.NoError(t, err)
			defer closeFn()

			_, err = s.Get(ctx, "ai-chats")
			assert.ErrorIs(t, err, blob.ErrNotFound)
			require.NoError(t, s.Put(ctx, "ai-chats", []byte(`[]`)))
			got, err := s.Get(ctx, "ai-chats")
			require.NoError(t, err)
			assert.Equal(t, `[]`, string(got))
		})
	}
}

func TestOpen_UnreachableRedisFails(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, closeFn, err := Open(context.Background(), config.Config{StorageBackend: BackendRedis, RedisAddr: addr})
	require.Error(t, err)
	assert.Contains(t, err.Error(), addr)
	assert.NoError(t, closeFn())
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, closeFn, err := Open(context.Background(), config.Config{StorageBackend: "s3"})
	assert.Error(t, err)
	assert.NoError(t, closeFn())
}
