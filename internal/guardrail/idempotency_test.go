package guardrail

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-agent/internal/toolrpc"
)

func TestIdempotencyMemLifecycle(t *testing.T) {
	store := NewIdempotencyMem(0)
	ctx := context.Background()

	outcome, _, err := store.Reserve(ctx, "key-0001", "hash-a")
	require.NoError(t, err)
	assert.Equal(t, OutcomeReserved, outcome)

	// In flight until Complete.
	outcome, _, err = store.Reserve(ctx, "key-0001", "hash-a")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInFlight, outcome)

	cached := toolrpc.Ok(map[string]string{"status": "CANCELLED"})
	require.NoError(t, store.Complete(ctx, "key-0001", cached))

	outcome, result, err := store.Reserve(ctx, "key-0001", "hash-a")
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplay, outcome)
	assert.Equal(t, string(cached.Payload), string(result.Payload))

	outcome, _, err = store.Reserve(ctx, "key-0001", "hash-b")
	require.NoError(t, err)
	assert.Equal(t, OutcomeMismatch, outcome)
}

func TestIdempotencyMemRelease(t *testing.T) {
	store := NewIdempotencyMem(0)
	ctx := context.Background()

	_, _, err := store.Reserve(ctx, "key-0002", "hash-a")
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, "key-0002"))

	outcome, _, err := store.Reserve(ctx, "key-0002", "hash-a")
	require.NoError(t, err)
	assert.Equal(t, OutcomeReserved, outcome, "released key must be reservable again")
}

func TestIdempotencyMemExpiry(t *testing.T) {
	store := NewIdempotencyMem(10 * time.Millisecond)
	ctx := context.Background()

	_, _, err := store.Reserve(ctx, "key-0003", "hash-a")
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, "key-0003", toolrpc.Ok("done")))

	time.Sleep(20 * time.Millisecond)

	outcome, _, err := store.Reserve(ctx, "key-0003", "hash-b")
	require.NoError(t, err)
	assert.Equal(t, OutcomeReserved, outcome, "expired record must not conflict")
}

func TestIdempotencyMemSweep(t *testing.T) {
	store := NewIdempotencyMem(10 * time.Millisecond)
	ctx := context.Background()

	for _, key := range []string{"key-a001", "key-a002", "key-a003"} {
		_, _, err := store.Reserve(ctx, key, "hash")
		require.NoError(t, err)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, store.Sweep())
	assert.Equal(t, 0, store.Sweep())
}
