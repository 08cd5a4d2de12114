package lock_test

import (
	"context"
	"testing"
	"time"

	ffclock "github.com/flowforge/engine/internal/clock"
	"github.com/flowforge/engine/internal/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryService_AcquireIsExclusive(t *testing.T) {
	clk := ffclock.NewMock()
	svc := lock.NewMemoryService(clk)
	ctx := context.Background()

	ok, err := svc.Acquire(ctx, "inst-1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Acquire(ctx, "inst-1", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire on a live lease must fail")
}

func TestMemoryService_ExpiresAfterLease(t *testing.T) {
	clk := ffclock.NewMock()
	svc := lock.NewMemoryService(clk)
	ctx := context.Background()

	ok, err := svc.Acquire(ctx, "inst-1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	clk.Add(31 * time.Second)

	ok, err = svc.Acquire(ctx, "inst-1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "acquire must succeed once the lease has expired")
}

func TestMemoryService_ReleaseAllowsReacquire(t *testing.T) {
	clk := ffclock.NewMock()
	svc := lock.NewMemoryService(clk)
	ctx := context.Background()

	_, err := svc.Acquire(ctx, "inst-1", 30*time.Second)
	require.NoError(t, err)

	require.NoError(t, svc.Release(ctx, "inst-1"))

	ok, err := svc.Acquire(ctx, "inst-1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
