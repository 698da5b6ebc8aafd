package assignee

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// CursorKey identifies one round-robin cursor.
type CursorKey struct {
	TenantID   string
	TemplateID string
	StepID     string
	TeamID     string
}

func (k CursorKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", k.TenantID, k.TemplateID, k.StepID, k.TeamID)
}

// Cursor is the persisted round-robin position. Last is -1 before the first
// assignment. Revision increments on every successful write.
type Cursor struct {
	Last     int
	Revision int64
}

// CursorStore persists round-robin cursors with compare-and-swap writes.
type CursorStore interface {
	// Get returns the cursor for key, or {Last: -1, Revision: 0} when absent.
	Get(ctx context.Context, key CursorKey) (Cursor, error)

	// CompareAndSwap stores last when the stored revision still equals
	// revision. It returns false when another writer got there first.
	CompareAndSwap(ctx context.Context, key CursorKey, revision int64, last int) (bool, error)
}

var initialCursor = Cursor{Last: -1}

// --- MemoryCursorStore ---

// MemoryCursorStore is an in-memory CursorStore for tests and single-process
// deployments.
type MemoryCursorStore struct {
	mu      sync.Mutex
	cursors map[CursorKey]Cursor
}

// NewMemoryCursorStore creates an empty in-memory cursor store.
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[CursorKey]Cursor)}
}

// Get returns the cursor for key.
func (s *MemoryCursorStore) Get(_ context.Context, key CursorKey) (Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cursors[key]; ok {
		return c, nil
	}
	return initialCursor, nil
}

// CompareAndSwap stores last if revision matches.
func (s *MemoryCursorStore) CompareAndSwap(_ context.Context, key CursorKey, revision int64, last int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.cursors[key]
	if !ok {
		cur = initialCursor
	}
	if cur.Revision != revision {
		return false, nil
	}
	s.cursors[key] = Cursor{Last: last, Revision: revision + 1}
	return true, nil
}

// HealthCheck always succeeds.
func (s *MemoryCursorStore) HealthCheck(_ context.Context) error { return nil }

// --- RedisCursorStore ---

// RedisCursorStore keeps each cursor in a hash {last, rev} and swaps it
// inside a WATCH transaction.
type RedisCursorStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCursorStore creates a Redis-backed cursor store. Keys are
// prefix + CursorKey.String().
func NewRedisCursorStore(client redis.UniversalClient, prefix string) *RedisCursorStore {
	return &RedisCursorStore{client: client, prefix: prefix}
}

func (s *RedisCursorStore) redisKey(key CursorKey) string {
	return s.prefix + key.String()
}

func readCursor(ctx context.Context, c redis.Cmdable, k string) (Cursor, error) {
	vals, err := c.HGetAll(ctx, k).Result()
	if err != nil {
		return Cursor{}, fmt.Errorf("redis hgetall %q: %w", k, err)
	}
	if len(vals) == 0 {
		return initialCursor, nil
	}
	last, err := strconv.Atoi(vals["last"])
	if err != nil {
		return Cursor{}, fmt.Errorf("cursor %q: bad last %q", k, vals["last"])
	}
	rev, err := strconv.ParseInt(vals["rev"], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("cursor %q: bad rev %q", k, vals["rev"])
	}
	return Cursor{Last: last, Revision: rev}, nil
}

// Get returns the cursor for key.
func (s *RedisCursorStore) Get(ctx context.Context, key CursorKey) (Cursor, error) {
	return readCursor(ctx, s.client, s.redisKey(key))
}

var errStaleCursor = errors.New("stale cursor")

// CompareAndSwap stores last if revision matches.
func (s *RedisCursorStore) CompareAndSwap(ctx context.Context, key CursorKey, revision int64, last int) (bool, error) {
	k := s.redisKey(key)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := readCursor(ctx, tx, k)
		if err != nil {
			return err
		}
		if cur.Revision != revision {
			return errStaleCursor
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, k, "last", last, "rev", revision+1)
			return nil
		})
		return err
	}, k)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errStaleCursor), errors.Is(err, redis.TxFailedErr):
		return false, nil
	default:
		return false, fmt.Errorf("redis cursor swap %q: %w", k, err)
	}
}

// HealthCheck pings Redis.
func (s *RedisCursorStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
