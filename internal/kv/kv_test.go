package kv

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorageExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStorage()
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "pkce", []byte("x"), 10*time.Minute))
	_, err := s.Get(ctx, "pkce")
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	_, err = s.Get(ctx, "pkce")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStorageReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	value := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", value, 0))
	value[0] = 'z'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestFallbackStorageUsesLocalWhenRedisUnhealthy(t *testing.T) {
	ctx := context.Background()
	// Never dialed: the health check keeps every call local.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	s := NewFallbackStorage(NewRedisStorage(client, "test"), func() bool { return false }, nil)

	require.NoError(t, s.Set(ctx, "credential", []byte("tok"), time.Hour))
	got, err := s.Get(ctx, "credential")
	require.NoError(t, err)
	assert.Equal(t, []byte("tok"), got)

	require.NoError(t, s.Delete(ctx, "credential"))
	_, err = s.Get(ctx, "credential")
	assert.ErrorIs(t, err, ErrNotFound)
}

// fallbackWithShared builds a fallback store over remote whose health the
// test toggles through the returned pointer.
func fallbackWithShared(remote *MemoryStorage) (*FallbackStorage, *bool) {
	healthy := true
	return NewFallbackStorage(remote, func() bool { return healthy }, nil), &healthy
}

func TestFallbackDeleteDuringOutageIsReplayed(t *testing.T) {
	ctx := context.Background()
	remote := NewMemoryStorage()
	s, healthy := fallbackWithShared(remote)

	require.NoError(t, s.Set(ctx, "credential", []byte("tok"), 0))
	*healthy = false
	require.NoError(t, s.Delete(ctx, "credential"))
	assert.Equal(t, 1, s.Pending())

	// Redis is back but the delete has not been replayed yet.
	*healthy = true
	_, err := s.Get(ctx, "credential")
	assert.ErrorIs(t, err, ErrNotFound)

	s.replicate(ctx)
	assert.Zero(t, s.Pending())
	_, err = remote.Get(ctx, "credential")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "credential")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFallbackReplicationKeepsOtherWriters(t *testing.T) {
	ctx := context.Background()
	remote := NewMemoryStorage()
	server, _ := fallbackWithShared(remote)
	cli, _ := fallbackWithShared(remote)

	require.NoError(t, server.Set(ctx, "credential", []byte("tok"), 0))
	_, err := server.Get(ctx, "credential")
	require.NoError(t, err)

	// Another process logs out; the server's replication must not undo it.
	require.NoError(t, cli.Delete(ctx, "credential"))
	server.replicate(ctx)

	_, err = remote.Get(ctx, "credential")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = server.Get(ctx, "credential")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFallbackWriteDuringOutageKeepsTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	remote := NewMemoryStorage()
	remote.now = func() time.Time { return now }
	s, healthy := fallbackWithShared(remote)
	s.local.now = func() time.Time { return now }

	*healthy = false
	require.NoError(t, s.Set(ctx, "pkce", []byte("state"), 10*time.Minute))
	*healthy = true
	s.replicate(ctx)

	_, ttl, err := remote.GetWithTTL(ctx, "pkce")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, ttl)
}

func TestFallbackCachesRemoteTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	remote := NewMemoryStorage()
	remote.now = func() time.Time { return now }
	s, healthy := fallbackWithShared(remote)
	s.local.now = func() time.Time { return now }

	require.NoError(t, remote.Set(ctx, "pkce", []byte("state"), 10*time.Minute))
	_, err := s.Get(ctx, "pkce")
	require.NoError(t, err)

	*healthy = false
	now = now.Add(11 * time.Minute)
	_, err = s.Get(ctx, "pkce")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStorageKeyPrefix(t *testing.T) {
	s := NewRedisStorage(nil, "invoicesync")
	assert.Equal(t, "invoicesync:credential", s.key("credential"))
	assert.Equal(t, "credential", NewRedisStorage(nil, "").key("credential"))
}
