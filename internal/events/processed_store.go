package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Keyer is the idempotency contract for inbound webhook deliveries.
// A key is "<event>:<reference>", so the event name stands in for the
// target status and replays of the same transition collapse to one row.
type Keyer interface {
	AlreadyProcessed(ctx context.Context, provider, key string) (bool, error)
	MarkProcessed(ctx context.Context, provider, key string) (bool, error)
}

// Key builds the idempotency key for a provider event.
func Key(event, reference string) string {
	return event + ":" + reference
}

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ProcessedStore records webhook deliveries that were already applied.
type ProcessedStore struct {
	pool rowQuerier
}

func NewProcessedStore(pool *pgxpool.Pool) *ProcessedStore {
	if pool == nil {
		panic("events: pgx pool required")
	}
	return &ProcessedStore{pool: pool}
}

func newProcessedStoreWithExec(exec rowQuerier) *ProcessedStore {
	if exec == nil {
		panic("events: exec required")
	}
	return &ProcessedStore{pool: exec}
}

// AlreadyProcessed checks whether the key was recorded for provider.
func (s *ProcessedStore) AlreadyProcessed(ctx context.Context, provider, key string) (bool, error) {
	query := `SELECT 1 FROM processed_webhook_events WHERE provider = $1 AND event_key = $2`
	var exists int
	if err := s.pool.QueryRow(ctx, query, provider, key).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("events: check processed: %w", err)
	}
	return true, nil
}

// MarkProcessed records the key, returning false if it already existed.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, provider, key string) (bool, error) {
	query := `
		INSERT INTO processed_webhook_events (provider, event_key)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`
	ct, err := s.pool.Exec(ctx, query, provider, key)
	if err != nil {
		return false, fmt.Errorf("events: mark processed: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// MemoryProcessedStore is the in-process Keyer used without a database.
type MemoryProcessedStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryProcessedStore() *MemoryProcessedStore {
	return &MemoryProcessedStore{seen: make(map[string]struct{})}
}

func (s *MemoryProcessedStore) AlreadyProcessed(_ context.Context, provider, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[provider+"|"+key]
	return ok, nil
}

func (s *MemoryProcessedStore) MarkProcessed(_ context.Context, provider, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := provider + "|" + key
	if _, ok := s.seen[k]; ok {
		return false, nil
	}
	s.seen[k] = struct{}{}
	return true, nil
}
