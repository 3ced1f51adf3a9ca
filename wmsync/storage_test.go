package wmsync

import (
	"context"
	"os"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/zalando/go-keyring"
)

func testStorageRoundTrip(t *testing.T, storage Storage) {
	ctx := context.Background()

	_, ok, err := storage.Get(ctx, "missing")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)

	assert.Equal(t, storage.Set(ctx, "a", "1"), nil)
	value, ok, err := storage.Get(ctx, "a")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)
	assert.Equal(t, value, "1")

	assert.Equal(t, storage.Set(ctx, "a", "2"), nil)
	value, _, _ = storage.Get(ctx, "a")
	assert.Equal(t, value, "2")

	assert.Equal(t, storage.Delete(ctx, "a"), nil)
	_, ok, err = storage.Get(ctx, "a")
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)

	// deleting twice is fine
	assert.Equal(t, storage.Delete(ctx, "a"), nil)
}

func TestMemoryStorage(t *testing.T) {
	testStorageRoundTrip(t, NewMemoryStorage())
}

func TestKeyringStorage(t *testing.T) {
	keyring.MockInit()
	testStorageRoundTrip(t, NewKeyringStorage("wmsync-test"))
}

// needs a running redis, e.g. WMSYNC_TEST_REDIS_ADDR=localhost:6379
func TestRedisStorage(t *testing.T) {
	addr := os.Getenv("WMSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("WMSYNC_TEST_REDIS_ADDR not set")
	}

	settings := DefaultRedisStorageSettings()
	settings.Addr = addr
	settings.KeyPrefix = "wmsync-test:" + NewId().String() + ":"

	storage, err := NewRedisStorage(context.Background(), settings)
	assert.Equal(t, err, nil)
	defer storage.Close()

	testStorageRoundTrip(t, storage)
}
