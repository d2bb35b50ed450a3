// Package offline holds mutating commands while the remote store is unreachable and replays
// them, in enqueue order, once it is reachable again.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/oklog/ulid/v2"

	"messaging-core/internal/errs"
	"messaging-core/internal/models"
	"messaging-core/internal/observability"
)

const keyPrefix = "op:"

// ApplyFunc performs one queued operation against the remote store.
type ApplyFunc func(ctx context.Context, op models.OfflineOperation) error

// QueueStalledError reports the operation that halted a drain. The operation and every later
// operation of the same origin stay queued.
type QueueStalledError struct {
	OpID   string
	Kind   models.OperationKind
	Origin string
	Err    error
}

func (e *QueueStalledError) Error() string {
	return fmt.Sprintf("offline queue stalled at %s (%s, origin %s): %v", e.OpID, e.Kind, e.Origin, e.Err)
}

func (e *QueueStalledError) Unwrap() error { return e.Err }

// Queue is a FIFO of OfflineOperation persisted in badger under "op:<ulid>" keys. ULIDs sort
// lexicographically in creation order, so key order is enqueue order across restarts.
// Replay is FIFO per origin: a failing operation halts its origin's lane only.
type Queue struct {
	db  *badger.DB
	log *slog.Logger

	mu      sync.Mutex
	pending map[string]int
	total   int

	drainMu sync.Mutex
}

// Open opens (or creates) the queue at path. An empty path keeps the queue in memory.
func Open(path string, log *slog.Logger) (*Queue, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil).WithSyncWrites(true)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open offline queue: %w", err)
	}
	q, err := New(db, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// New wraps an open badger database and restores pending counters from it.
func New(db *badger.DB, log *slog.Logger) (*Queue, error) {
	q := &Queue{db: db, log: log, pending: make(map[string]int)}
	ops, err := q.List()
	if err != nil {
		return nil, fmt.Errorf("load offline queue: %w", err)
	}
	for _, op := range ops {
		q.pending[op.Origin]++
	}
	q.total = len(ops)
	observability.SetQueueDepth(q.total)
	if q.total > 0 {
		q.log.Info("queue.restored", "operations", q.total)
	}
	return q, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue appends an operation and persists it before returning.
func (q *Queue) Enqueue(kind models.OperationKind, origin string, payload any) (models.OfflineOperation, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.OfflineOperation{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	op := models.OfflineOperation{
		OpID:       ulid.Make().String(),
		Kind:       kind,
		Origin:     origin,
		Payload:    raw,
		EnqueuedAt: models.Now(),
	}
	data, err := json.Marshal(op)
	if err != nil {
		return models.OfflineOperation{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+op.OpID), data)
	}); err != nil {
		return models.OfflineOperation{}, fmt.Errorf("persist operation: %w", err)
	}
	q.pending[origin]++
	q.total++
	observability.SetQueueDepth(q.total)
	q.log.Info("queue.enqueued", "op_id", op.OpID, "kind", kind, "origin", origin)
	return op, nil
}

// List returns every queued operation in enqueue order.
func (q *Queue) List() ([]models.OfflineOperation, error) {
	var ops []models.OfflineOperation
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				var op models.OfflineOperation
				if err := json.Unmarshal(v, &op); err != nil {
					return fmt.Errorf("decode operation %s: %w", it.Item().Key(), err)
				}
				ops = append(ops, op)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return ops, err
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}

// Pending reports whether origin has queued operations. New commands of such an origin must
// be queued behind them.
func (q *Queue) Pending(origin string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending[origin] > 0
}

// Skip discards a queued operation without applying it.
func (q *Queue) Skip(opID string) error {
	ops, err := q.List()
	if err != nil {
		return err
	}
	for _, op := range ops {
		if op.OpID != opID {
			continue
		}
		removed, err := q.ack(op)
		if err != nil {
			return err
		}
		if !removed {
			break
		}
		q.log.Warn("queue.skipped", "op_id", opID, "kind", op.Kind, "origin", op.Origin)
		return nil
	}
	return fmt.Errorf("operation %q: %w", opID, errs.ErrNotFound)
}

// Drain replays queued operations in enqueue order. Each applied operation is removed
// immediately. The first failure of an origin halts that origin; other origins continue.
// The returned error joins one *QueueStalledError per halted origin.
func (q *Queue) Drain(ctx context.Context, apply ApplyFunc) (int, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	applied := 0
	stalled := make(map[string]*QueueStalledError)
	var order []error
	for {
		ops, err := q.List()
		if err != nil {
			return applied, err
		}
		progressed := false
		for _, op := range ops {
			if _, halted := stalled[op.Origin]; halted {
				continue
			}
			if err := ctx.Err(); err != nil {
				return applied, err
			}
			if err := apply(ctx, op); err != nil {
				stall := &QueueStalledError{OpID: op.OpID, Kind: op.Kind, Origin: op.Origin, Err: err}
				stalled[op.Origin] = stall
				order = append(order, stall)
				observability.IncQueueStall(string(op.Kind))
				q.log.Warn("queue.stalled", "op_id", op.OpID, "kind", op.Kind, "origin", op.Origin, "error", err)
				continue
			}
			if _, err := q.ack(op); err != nil {
				return applied, err
			}
			observability.IncQueueReplayed(string(op.Kind))
			applied++
			progressed = true
		}
		// Operations enqueued during this pass are picked up by the next one.
		if !progressed {
			break
		}
	}

	if len(order) == 0 {
		return applied, nil
	}
	return applied, errors.Join(order...)
}

// ack deletes the operation and reports whether it was still queued. Counters only move for
// a key that was actually removed, so a skip racing a drain cannot release the lane early.
func (q *Queue) ack(op models.OfflineOperation) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := false
	if err := q.db.Update(func(txn *badger.Txn) error {
		key := []byte(keyPrefix + op.OpID)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		removed = true
		return txn.Delete(key)
	}); err != nil {
		return false, fmt.Errorf("remove operation %s: %w", op.OpID, err)
	}
	if !removed {
		return false, nil
	}
	q.pending[op.Origin]--
	if q.pending[op.Origin] <= 0 {
		delete(q.pending, op.Origin)
	}
	q.total--
	observability.SetQueueDepth(q.total)
	return true, nil
}
