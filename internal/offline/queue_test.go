package offline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messaging-core/internal/errs"
	"messaging-core/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openQueue(t *testing.T, path string) *Queue {
	t.Helper()
	q, err := Open(path, discardLogger())
	require.NoError(t, err)
	return q
}

func enqueueSend(t *testing.T, q *Queue, origin, id string) models.OfflineOperation {
	t.Helper()
	op, err := q.Enqueue(models.OpSend, origin, models.SendPayload{Message: models.Message{ID: id, SenderID: origin}})
	require.NoError(t, err)
	return op
}

func sendID(t *testing.T, op models.OfflineOperation) string {
	t.Helper()
	var p models.SendPayload
	require.NoError(t, json.Unmarshal(op.Payload, &p))
	return p.Message.ID
}

// recorder applies operations and fails those listed in failing.
type recorder struct {
	mu      sync.Mutex
	applied []string
	failing map[string]error
}

func (r *recorder) apply(t *testing.T) ApplyFunc {
	return func(_ context.Context, op models.OfflineOperation) error {
		id := sendID(t, op)
		r.mu.Lock()
		defer r.mu.Unlock()
		if err, ok := r.failing[id]; ok {
			return err
		}
		r.applied = append(r.applied, id)
		return nil
	}
}

func TestDrainReplaysInEnqueueOrder(t *testing.T) {
	q := openQueue(t, "")
	defer q.Close()

	for _, id := range []string{"m1", "m2", "m3"} {
		enqueueSend(t, q, "alice", id)
	}
	require.Equal(t, 3, q.Len())
	assert.True(t, q.Pending("alice"))

	rec := &recorder{}
	n, err := q.Drain(context.Background(), rec.apply(t))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"m1", "m2", "m3"}, rec.applied)
	assert.Zero(t, q.Len())
	assert.False(t, q.Pending("alice"))
}

func TestDrainHaltsOnlyTheFailingOrigin(t *testing.T) {
	q := openQueue(t, "")
	defer q.Close()

	enqueueSend(t, q, "alice", "a1")
	stuck := enqueueSend(t, q, "alice", "a2")
	enqueueSend(t, q, "bob", "b1")
	enqueueSend(t, q, "alice", "a3")
	enqueueSend(t, q, "bob", "b2")

	cause := errs.Connectivity("insert message", errors.New("dial tcp: refused"))
	rec := &recorder{failing: map[string]error{"a2": cause}}
	n, err := q.Drain(context.Background(), rec.apply(t))
	require.Error(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a1", "b1", "b2"}, rec.applied)

	var stall *QueueStalledError
	require.ErrorAs(t, err, &stall)
	assert.Equal(t, stuck.OpID, stall.OpID)
	assert.Equal(t, "alice", stall.Origin)
	assert.ErrorIs(t, err, errs.ErrConnectivity)

	remaining, err := q.List()
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, "a2", sendID(t, remaining[0]))
	assert.Equal(t, "a3", sendID(t, remaining[1]))
	assert.True(t, q.Pending("alice"))
	assert.False(t, q.Pending("bob"))

	delete(rec.failing, "a2")
	n, err = q.Drain(context.Background(), rec.apply(t))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a1", "b1", "b2", "a2", "a3"}, rec.applied)
}

func TestQueueSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	q := openQueue(t, dir)
	first := enqueueSend(t, q, "alice", "m1")
	enqueueSend(t, q, "alice", "m2")
	require.NoError(t, q.Close())

	q = openQueue(t, dir)
	defer q.Close()
	assert.Equal(t, 2, q.Len())
	assert.True(t, q.Pending("alice"))

	ops, err := q.List()
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, first.OpID, ops[0].OpID)
	assert.True(t, first.EnqueuedAt.Equal(ops[0].EnqueuedAt))
	assert.Equal(t, models.OpSend, ops[0].Kind)
}

func TestSkipRemovesStalledOperation(t *testing.T) {
	q := openQueue(t, "")
	defer q.Close()

	bad := enqueueSend(t, q, "alice", "bad")
	enqueueSend(t, q, "alice", "good")

	rec := &recorder{failing: map[string]error{"bad": errs.Validation("content", "is empty")}}
	_, err := q.Drain(context.Background(), rec.apply(t))
	require.Error(t, err)
	assert.Empty(t, rec.applied)

	require.NoError(t, q.Skip(bad.OpID))
	assert.ErrorIs(t, q.Skip(bad.OpID), errs.ErrNotFound)

	n, err := q.Drain(context.Background(), rec.apply(t))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"good"}, rec.applied)
}

func TestStallsSplitsJoinedErrors(t *testing.T) {
	a := &QueueStalledError{OpID: "1", Origin: "alice", Err: errs.ErrConflict}
	b := &QueueStalledError{OpID: "2", Origin: "bob", Err: errs.ErrConflict}
	got := Stalls(errors.Join(a, b))
	require.Len(t, got, 2)
	assert.Same(t, a, got[0])
	assert.Same(t, b, got[1])
	assert.Empty(t, Stalls(nil))
}

type flakyStore struct {
	mu   sync.Mutex
	down bool
}

func (s *flakyStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errs.Connectivity("ping", errors.New("down"))
	}
	return nil
}

func (s *flakyStore) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func TestMonitorDrainsOnceStoreIsBack(t *testing.T) {
	q := openQueue(t, "")
	defer q.Close()
	enqueueSend(t, q, "alice", "m1")

	store := &flakyStore{down: true}
	rec := &recorder{}
	var stalls []*QueueStalledError
	m := NewMonitor(q, store, rec.apply(t), time.Hour, discardLogger(),
		WithRetry(func() backoff.BackOff { return &backoff.StopBackOff{} }),
		WithStallHandler(func(_ context.Context, s *QueueStalledError) { stalls = append(stalls, s) }),
	)

	m.Check(context.Background())
	assert.False(t, m.Online())
	assert.Equal(t, 1, q.Len())

	store.setDown(false)
	m.Check(context.Background())
	assert.True(t, m.Online())
	assert.Zero(t, q.Len())
	assert.Equal(t, []string{"m1"}, rec.applied)
	assert.Empty(t, stalls)
}

func TestMonitorReportsPermanentStalls(t *testing.T) {
	q := openQueue(t, "")
	defer q.Close()
	op := enqueueSend(t, q, "alice", "bad")

	rec := &recorder{failing: map[string]error{"bad": errs.Transition("message already deleted")}}
	var stalls []*QueueStalledError
	m := NewMonitor(q, &flakyStore{}, rec.apply(t), time.Hour, discardLogger(),
		WithStallHandler(func(_ context.Context, s *QueueStalledError) { stalls = append(stalls, s) }),
	)

	m.Check(context.Background())
	require.Len(t, stalls, 1)
	assert.Equal(t, op.OpID, stalls[0].OpID)
	assert.ErrorIs(t, stalls[0], errs.ErrInvalidTransition)
	assert.Equal(t, 1, q.Len())
}

func TestMonitorRunStopsWithContext(t *testing.T) {
	q := openQueue(t, "")
	defer q.Close()
	m := NewMonitor(q, &flakyStore{}, (&recorder{}).apply(t), time.Hour, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	m.RequestDrain()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestSkipDuringDrainKeepsLaneCounters(t *testing.T) {
	q := openQueue(t, "")
	defer q.Close()

	first := enqueueSend(t, q, "alice", "a1")
	enqueueSend(t, q, "alice", "a2")

	apply := func(_ context.Context, op models.OfflineOperation) error {
		if op.OpID == first.OpID {
			require.NoError(t, q.Skip(op.OpID))
			return nil
		}
		return errs.Connectivity("insert message", errors.New("reset by peer"))
	}
	_, err := q.Drain(context.Background(), apply)
	require.Error(t, err)

	stored, err := q.List()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "a2", sendID(t, stored[0]))
	assert.Equal(t, 1, q.Len())
	assert.True(t, q.Pending("alice"))
	assert.ErrorIs(t, q.Skip(first.OpID), errs.ErrNotFound)
}

func TestMonitorReportsEveryStallAfterRetriesGiveUp(t *testing.T) {
	q := openQueue(t, "")
	defer q.Close()
	unreachable := enqueueSend(t, q, "alice", "a1")
	deleted := enqueueSend(t, q, "bob", "b1")

	rec := &recorder{failing: map[string]error{
		"a1": errs.Connectivity("insert message", errors.New("i/o timeout")),
		"b1": errs.Transition("message already deleted"),
	}}
	var stalls []*QueueStalledError
	m := NewMonitor(q, &flakyStore{}, rec.apply(t), time.Hour, discardLogger(),
		WithRetry(func() backoff.BackOff { return &backoff.StopBackOff{} }),
		WithStallHandler(func(_ context.Context, s *QueueStalledError) { stalls = append(stalls, s) }),
	)

	m.Check(context.Background())
	require.Len(t, stalls, 2)
	byOp := map[string]*QueueStalledError{stalls[0].OpID: stalls[0], stalls[1].OpID: stalls[1]}
	require.Contains(t, byOp, unreachable.OpID)
	require.Contains(t, byOp, deleted.OpID)
	assert.ErrorIs(t, byOp[unreachable.OpID], errs.ErrConnectivity)
	assert.ErrorIs(t, byOp[deleted.OpID], errs.ErrInvalidTransition)
	assert.False(t, m.Online())
	assert.Equal(t, 2, q.Len())
}

func TestMonitorReportsPermanentStallOnceAcrossRetries(t *testing.T) {
	q := openQueue(t, "")
	defer q.Close()
	enqueueSend(t, q, "alice", "a1")
	enqueueSend(t, q, "bob", "b1")

	rec := &recorder{failing: map[string]error{
		"a1": errs.Connectivity("insert message", errors.New("i/o timeout")),
		"b1": errs.Validation("content", "is empty"),
	}}
	var stalls []*QueueStalledError
	m := NewMonitor(q, &flakyStore{}, rec.apply(t), time.Hour, discardLogger(),
		WithRetry(func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
		}),
		WithStallHandler(func(_ context.Context, s *QueueStalledError) { stalls = append(stalls, s) }),
	)

	m.Check(context.Background())
	kinds := lo.CountValuesBy(stalls, func(s *QueueStalledError) string { return s.Origin })
	assert.Equal(t, map[string]int{"alice": 1, "bob": 1}, kinds)
}
