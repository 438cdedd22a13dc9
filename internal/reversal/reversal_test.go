package reversal

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/seqd/internal/ir"
	"github.com/roach88/seqd/internal/leader"
	"github.com/roach88/seqd/internal/metrics"
	"github.com/roach88/seqd/internal/moderation"
	"github.com/roach88/seqd/internal/runner"
	"github.com/roach88/seqd/internal/store"
	"github.com/roach88/seqd/internal/testutil"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

func hours(h int64) *int64 { return &h }

// newService opens a store whose clock sits at testutil.Epoch, so actions
// are created at Epoch.
func newService(t *testing.T) *moderation.Service {
	t.Helper()
	return moderation.New(testutil.OpenStore(t, store.WithClock(testutil.NewClock())))
}

func takedown(t *testing.T, svc *moderation.Service, did string, h int64) ir.ModerationEvent {
	t.Helper()
	ev, err := svc.TakeAction(context.Background(), moderation.ActionInput{
		Subject:       ir.Subject{DID: did},
		Action:        ir.ActionTakedown,
		CreatedBy:     "did:plc:mod",
		DurationHours: hours(h),
	})
	require.NoError(t, err)
	return ev
}

func TestNextTick(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		now      time.Time
		interval time.Duration
		want     time.Time
	}{
		{"on boundary", base, time.Minute, base.Add(time.Minute)},
		{"mid interval", base.Add(17 * time.Second), time.Minute, base.Add(time.Minute)},
		{"just before boundary", base.Add(time.Minute - time.Nanosecond), time.Minute, base.Add(time.Minute)},
		{"ten second grid", base.Add(25 * time.Second), 10 * time.Second, base.Add(30 * time.Second)},
		{"seven second grid", time.Unix(1_700_000_000, 0).UTC(), 7 * time.Second, time.Unix(1_700_000_001, 0).UTC()},
		{"seven minute grid", time.Unix(1_700_000_000, 0).UTC(), 7 * time.Minute, time.Unix(1_700_000_400, 0).UTC()},
		{"before epoch", time.Unix(-5, 0).UTC(), 10 * time.Second, time.Unix(0, 0).UTC()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextTick(tt.now, tt.interval)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.After(tt.now))
			assert.Zero(t, got.UnixNano()%int64(tt.interval), "tick must sit on the epoch grid")
		})
	}
}

func TestFindAndRevertDueActions_RevertsOnlyDueSubjects(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	short := takedown(t, svc, "did:plc:short", 1)
	takedown(t, svc, "did:plc:long", 48)

	s := New(svc, Options{Clock: testclock.NewClock(testutil.Epoch.Add(2 * time.Hour))})
	revertedBefore := promtest.ToFloat64(metrics.Reversals.WithLabelValues(metrics.ResultReverted))

	res, err := s.FindAndRevertDueActions(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Due: 1, Reverted: 1}, res)
	assert.Equal(t, revertedBefore+1, promtest.ToFloat64(metrics.Reversals.WithLabelValues(metrics.ResultReverted)))

	st, err := svc.Status(ctx, short.Subject)
	require.NoError(t, err)
	assert.False(t, st.Takendown)
	assert.Nil(t, st.ReverseAt)

	events, err := svc.Events(ctx, short.Subject)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, ir.ActionReverseTakedown, events[1].Action)
	assert.Equal(t, short.CreatedBy, events[1].CreatedBy)
	assert.Equal(t, moderation.ScheduledReversalComment, events[1].Comment)

	long, err := svc.Status(ctx, ir.Subject{DID: "did:plc:long"})
	require.NoError(t, err)
	assert.True(t, long.Takendown)

	// Nothing left to do.
	res, err = s.FindAndRevertDueActions(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestRevertSubject_StaleListIsNoop(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	orig := takedown(t, svc, "did:plc:bob", 1)

	s := New(svc, Options{Clock: testclock.NewClock(testutil.Epoch.Add(2 * time.Hour))})
	due, err := svc.SubjectsDueForReversal(ctx, testutil.Epoch.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)

	ok, err := s.RevertSubject(ctx, due[0])
	require.NoError(t, err)
	assert.True(t, ok)

	// The same listing, used again, must not write a second revert.
	ok, err = s.RevertSubject(ctx, due[0])
	require.NoError(t, err)
	assert.False(t, ok)

	events, err := svc.Events(ctx, orig.Subject)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestRevertSubject_ReplacedActionIsSkipped(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	first := takedown(t, svc, "did:plc:bob", 1)
	due := ir.ReversalSubject{Subject: first.Subject, EventID: first.ID, ReverseAt: testutil.Epoch.Add(time.Hour)}

	// A longer takedown replaces the first before the tick reaches it.
	takedown(t, svc, "did:plc:bob", 24)

	s := New(svc, Options{Clock: testclock.NewClock(testutil.Epoch.Add(2 * time.Hour))})
	ok, err := s.RevertSubject(ctx, due)
	require.NoError(t, err)
	assert.False(t, ok)

	st, err := svc.Status(ctx, first.Subject)
	require.NoError(t, err)
	assert.True(t, st.Takendown)
	require.NotNil(t, st.ReverseAt)
	assert.Equal(t, testutil.Epoch.Add(24*time.Hour), *st.ReverseAt)
}

func TestRevertSubject_CancelledBeforeStart(t *testing.T) {
	svc := newService(t)
	orig := takedown(t, svc, "did:plc:bob", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := New(svc, Options{})
	ok, err := s.RevertSubject(ctx, ir.ReversalSubject{Subject: orig.Subject, EventID: orig.ID})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)
}

func TestFindAndRevertDueActions_ExactlyOnceAcrossProcesses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seqd.db")
	ctx := context.Background()

	openSvc := func() *moderation.Service {
		st, err := store.Open(path, store.WithClock(testutil.NewClock()))
		require.NoError(t, err)
		t.Cleanup(func() { st.Close() })
		return moderation.New(st)
	}
	a, b := openSvc(), openSvc()

	const n = 10
	for i := 0; i < n; i++ {
		takedown(t, a, fmt.Sprintf("did:plc:user%02d", i), 1)
	}

	now := testutil.Epoch.Add(2 * time.Hour)
	jobs := []*Scheduler{
		New(a, Options{Clock: testclock.NewClock(now)}),
		New(b, Options{Clock: testclock.NewClock(now)}),
	}

	// Both processes tick at the same instant, as happens when the lock
	// changes hands mid-tick.
	results := make([]Result, len(jobs))
	var wg sync.WaitGroup
	for i, j := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := j.FindAndRevertDueActions(ctx)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	total := 0
	for _, res := range results {
		assert.Zero(t, res.Failed)
		total += res.Reverted
	}
	assert.Equal(t, n, total)

	for i := 0; i < n; i++ {
		events, err := a.Events(ctx, ir.Subject{DID: fmt.Sprintf("did:plc:user%02d", i)})
		require.NoError(t, err)
		require.Len(t, events, 2, "subject %d", i)
		assert.Equal(t, ir.ActionReverseTakedown, events[1].Action)
	}
}

func TestScheduler_JobTicksOnAlignedGrid(t *testing.T) {
	svc := newService(t)
	orig := takedown(t, svc, "did:plc:bob", 1)

	// One hour after the action, on a minute boundary.
	clk := testclock.NewClock(testutil.Epoch.Add(time.Hour))
	s := New(svc, Options{Interval: time.Minute, Clock: clk})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Job(ctx) }()

	// The first tick is a full interval away; nothing happens before it.
	require.NoError(t, clk.WaitAdvance(59*time.Second, waitFor, 1))
	st, err := svc.Status(context.Background(), orig.Subject)
	require.NoError(t, err)
	assert.True(t, st.Takendown)

	require.NoError(t, clk.WaitAdvance(time.Second, waitFor, 1))
	require.Eventually(t, func() bool {
		st, err := svc.Status(context.Background(), orig.Subject)
		return err == nil && !st.Takendown
	}, waitFor, tick)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("job did not stop")
	}
}

func TestScheduler_DestroyMakesTickNoop(t *testing.T) {
	svc := newService(t)
	orig := takedown(t, svc, "did:plc:bob", 1)

	s := New(svc, Options{Clock: testclock.NewClock(testutil.Epoch.Add(2 * time.Hour))})
	s.Destroy()

	res, err := s.FindAndRevertDueActions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)

	st, err := svc.Status(context.Background(), orig.Subject)
	require.NoError(t, err)
	assert.True(t, st.Takendown)
}

func TestScheduler_RunnerRevertsAfterLeadershipHandoff(t *testing.T) {
	dir := t.TempDir()
	svc := newService(t)
	orig := takedown(t, svc, "did:plc:bob", 1)

	clk := testclock.NewClock(testutil.Epoch.Add(time.Hour))
	first := New(svc, Options{Clock: clk})
	r1 := first.Runner(leader.NewFileLocker(dir), runner.Config{Name: "reversal_first"})
	go r1.Run(context.Background())
	require.Eventually(t, func() bool { return r1.State() == runner.StateLeading }, waitFor, tick)

	// The first leader goes away before its first tick.
	first.Destroy()
	<-r1.Done()

	// The first job's pending timer stays on clk; the second leader gets
	// its own clock so the advance below targets it alone.
	clk2 := testclock.NewClock(testutil.Epoch.Add(time.Hour))
	second := New(svc, Options{Clock: clk2})
	r2 := second.Runner(leader.NewFileLocker(dir), runner.Config{Name: "reversal_second"})
	go r2.Run(context.Background())
	defer func() {
		second.Destroy()
		<-r2.Done()
	}()
	require.Eventually(t, func() bool { return r2.State() == runner.StateLeading }, waitFor, tick)

	require.NoError(t, clk2.WaitAdvance(time.Minute, waitFor, 1))
	require.Eventually(t, func() bool {
		st, err := svc.Status(context.Background(), orig.Subject)
		return err == nil && !st.Takendown
	}, waitFor, tick)

	events, err := svc.Events(context.Background(), orig.Subject)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}
