package leader

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPGLocker_Exclusive(t *testing.T) {
	dsn := os.Getenv("SEQD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SEQD_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	const id = 990011

	s1, err := NewPGLocker(dsn).TryAcquire(ctx, id)
	require.NoError(t, err)

	_, err = NewPGLocker(dsn).TryAcquire(ctx, id)
	assert.True(t, IsLockUnavailable(err))

	require.NoError(t, s1.Release(ctx))

	s2, err := NewPGLocker(dsn).TryAcquire(ctx, id)
	require.NoError(t, err)
	require.NoError(t, s2.Release(ctx))
}

func TestPGLocker_BadDSN(t *testing.T) {
	_, err := NewPGLocker("postgres://invalid host/").TryAcquire(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, IsConnectionLost(err))
}
