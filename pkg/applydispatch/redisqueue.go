package applydispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opdshub/circulation-core/pkg/catalog"
	"github.com/opdshub/circulation-core/pkg/opds"
)

// RedisQueue is a Redis-list-backed durable queue, wrapped per collection
// by CollectionDispatcher to satisfy opds.Dispatcher, standing in for the "durable message queue" spec.md
// §5 describes — see DESIGN.md for why a Redis list rather than a
// broker client is used here. One list per collection preserves the
// within-task bibliographic-before-circulation ordering guarantee
// (spec.md §5) for free: both dispatch calls RPUSH onto the same key, so
// a single consumer's BLPOP sees them in call order.
type RedisQueue struct {
	rdb    *redis.Client
	prefix string
	clock  func() time.Time
}

// NewRedisQueue builds a RedisQueue. prefix namespaces every key this
// queue touches, matching the lockstore.Store convention.
func NewRedisQueue(rdb *redis.Client, prefix string) *RedisQueue {
	return &RedisQueue{rdb: rdb, prefix: prefix, clock: time.Now}
}

func (q *RedisQueue) queueKey(collectionID string) string {
	return fmt.Sprintf("%s:applydispatch:queue:%s", q.prefix, collectionID)
}

func (q *RedisQueue) sequenceKey(id catalog.Identifier) string {
	return fmt.Sprintf("%s:applydispatch:seq:%s", q.prefix, id.String())
}

func (q *RedisQueue) nextUpdateNumber(ctx context.Context, id catalog.Identifier) (int64, error) {
	n, err := q.rdb.Incr(ctx, q.sequenceKey(id)).Result()
	if err != nil {
		return 0, fmt.Errorf("incrementing apply sequence for %s: %w", id, err)
	}
	return n, nil
}

func (q *RedisQueue) enqueue(ctx context.Context, collectionID string, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding apply envelope: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.queueKey(collectionID), payload).Err(); err != nil {
		return fmt.Errorf("enqueueing apply message for %s: %w", env.Identifier, err)
	}
	return nil
}

// dispatchBibliographic backs CollectionDispatcher.DispatchBibliographic.
// collectionID scopes the queue this message lands on; callers bind it via
// NewCollectionDispatcher.
func (q *RedisQueue) dispatchBibliographic(ctx context.Context, collectionID string, id catalog.Identifier, data opds.BibliographicData) error {
	seq, err := q.nextUpdateNumber(ctx, id)
	if err != nil {
		return err
	}
	return q.enqueue(ctx, collectionID, Envelope{
		Kind: KindBibliographic, CollectionID: collectionID, Identifier: id,
		Bibliographic: &data, UpdateNumber: seq, DispatchedAt: q.clock(),
	})
}

func (q *RedisQueue) dispatchCirculation(ctx context.Context, collectionID string, id catalog.Identifier, data opds.CirculationData) error {
	seq, err := q.nextUpdateNumber(ctx, id)
	if err != nil {
		return err
	}
	return q.enqueue(ctx, collectionID, Envelope{
		Kind: KindCirculation, CollectionID: collectionID, Identifier: id,
		Circulation: &data, UpdateNumber: seq, DispatchedAt: q.clock(),
	})
}

// Dequeue blocks up to timeout for the next message on collectionID's
// queue, returning (nil, nil) on timeout.
func (q *RedisQueue) Dequeue(ctx context.Context, collectionID string, timeout time.Duration) (*Envelope, error) {
	res, err := q.rdb.BLPop(ctx, timeout, q.queueKey(collectionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeuing apply message: %w", err)
	}
	// BLPop returns [key, value]; res[0] is always the queue key since
	// only one key is watched.
	var env Envelope
	if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
		return nil, fmt.Errorf("decoding apply envelope: %w", err)
	}
	return &env, nil
}

// Len reports the number of messages currently queued for collectionID,
// for monitoring and tests.
func (q *RedisQueue) Len(ctx context.Context, collectionID string) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.queueKey(collectionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("reading apply queue length: %w", err)
	}
	return n, nil
}

// CollectionDispatcher binds a RedisQueue to one collection, satisfying
// opds.Dispatcher (whose methods carry no collection argument of their
// own — one Importer instance always imports a single collection).
type CollectionDispatcher struct {
	queue        *RedisQueue
	collectionID string
}

// NewCollectionDispatcher returns an opds.Dispatcher that enqueues every
// message under collectionID's queue.
func NewCollectionDispatcher(queue *RedisQueue, collectionID string) *CollectionDispatcher {
	return &CollectionDispatcher{queue: queue, collectionID: collectionID}
}

func (d *CollectionDispatcher) DispatchBibliographic(ctx context.Context, id catalog.Identifier, data opds.BibliographicData) error {
	return d.queue.dispatchBibliographic(ctx, d.collectionID, id, data)
}

func (d *CollectionDispatcher) DispatchCirculation(ctx context.Context, id catalog.Identifier, data opds.CirculationData) error {
	return d.queue.dispatchCirculation(ctx, d.collectionID, id, data)
}
