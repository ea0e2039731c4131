package idempotency_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-engine/internal/idempotency"
	"github.com/ksred/klear-engine/internal/testutil"
)

func TestGormStoreLookupAndSave(t *testing.T) {
	ctx := context.Background()
	store := idempotency.NewGormStore(testutil.NewDB(t), "order")

	_, ok, err := store.Lookup(ctx, "u1:key")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Save(ctx, "u1:key", "order-1", []byte(`{"id":1}`), time.Minute))
	payload, ok, err := store.Lookup(ctx, "u1:key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"id":1}`, string(payload))

	// keys are opaque; another scope does not see the record
	_, ok, err = store.Lookup(ctx, "u2:key")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGormStoreExpiry(t *testing.T) {
	ctx := context.Background()
	store := idempotency.NewGormStore(testutil.NewDB(t), "order")

	require.NoError(t, store.Save(ctx, "u1:stale", "order-1", []byte(`{}`), -time.Second))
	_, ok, err := store.Lookup(ctx, "u1:stale")
	require.NoError(t, err)
	assert.False(t, ok)

	// an expired key can be reused
	require.NoError(t, store.Save(ctx, "u1:stale", "order-2", []byte(`{"id":2}`), time.Minute))
	payload, ok, err := store.Lookup(ctx, "u1:stale")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"id":2}`, string(payload))

	require.NoError(t, store.Save(ctx, "u1:old", "order-3", []byte(`{}`), -time.Second))
	purged, err := store.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func TestGormStoreClaim(t *testing.T) {
	ctx := context.Background()
	store := idempotency.NewGormStore(testutil.NewDB(t), "order")

	claimed, err := store.Claim(ctx, "u1:key", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)

	// a claim without a result reads back as an empty payload
	payload, ok, err := store.Lookup(ctx, "u1:key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, payload)

	claimed, err = store.Claim(ctx, "u1:key", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, store.Save(ctx, "u1:key", "order-1", []byte(`{"id":1}`), time.Minute))
	claimed, err = store.Claim(ctx, "u1:key", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, store.Release(ctx, "u1:key"))
	claimed, err = store.Claim(ctx, "u1:key", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)

	// expired keys can be claimed again
	require.NoError(t, store.Save(ctx, "u1:stale", "order-2", []byte(`{}`), -time.Second))
	claimed, err = store.Claim(ctx, "u1:stale", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
}
