package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/seqd/internal/ir"
	"github.com/roach88/seqd/internal/store"
)

// PostgresDSNEnv names the environment variable that enables PostgreSQL
// tests.
const PostgresDSNEnv = "SEQD_TEST_POSTGRES_DSN"

// OpenStore opens a fresh SQLite store in a temp directory and closes it
// when the test ends.
func OpenStore(t testing.TB, opts ...store.Option) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "seqd.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// PostgresDSN returns the DSN from SEQD_TEST_POSTGRES_DSN, or skips the test.
func PostgresDSN(t testing.TB) string {
	t.Helper()
	dsn := os.Getenv(PostgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", PostgresDSNEnv)
	}
	return dsn
}

// Event returns a valid append event for did whose payload carries rev.
func Event(did string, rev int) ir.EventInput {
	return ir.EventInput{
		DID:     did,
		Type:    ir.EventAppend,
		Payload: map[string]any{"rev": int64(rev)},
	}
}

// AppendEvents commits n events round-robin across dids (default one DID)
// and returns them in commit order.
func AppendEvents(t testing.TB, s *store.Store, n int, dids ...string) []ir.CommittedEvent {
	t.Helper()
	if len(dids) == 0 {
		dids = []string{"did:plc:alice"}
	}
	out := make([]ir.CommittedEvent, 0, n)
	for i := 0; i < n; i++ {
		ev, err := s.AppendEvent(context.Background(), Event(dids[i%len(dids)], i+1))
		require.NoError(t, err, "append event %d", i+1)
		out = append(out, ev)
	}
	return out
}
