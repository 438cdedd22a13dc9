package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/seqd/internal/store"
	"github.com/roach88/seqd/internal/testutil"
)

func TestPostgres_AppendPromoteRead(t *testing.T) {
	dsn := testutil.PostgresDSN(t)
	ctx := context.Background()

	s, err := store.OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, store.DialectPostgres, s.Dialect())

	before, err := s.Stats(ctx)
	require.NoError(t, err)

	ev, err := s.AppendEvent(ctx, testutil.Event("did:plc:pg", 1))
	require.NoError(t, err)

	ids, err := s.UnsequencedEventIDs(ctx, 0)
	require.NoError(t, err)
	assert.Contains(t, ids, ev.ID)

	for _, id := range ids {
		_, err := s.PromoteEvent(ctx, id)
		require.NoError(t, err)
	}
	inserted, err := s.PromoteEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.False(t, inserted)

	page, err := s.OutgoingAfter(ctx, before.HeadSeq, 1000)
	require.NoError(t, err)
	require.NotEmpty(t, page)
	assert.Equal(t, ev.ID, page[len(page)-1].Event.ID)
	assert.Equal(t, ev.Payload, page[len(page)-1].Event.Payload)

	require.NoError(t, s.Notify(ctx, "seqd_test"))
}
