package recap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/gitrecap/recap/internal/redis"
)

// KeyPrefix namespaces stored recap records.
const KeyPrefix = "recap:year:"

// ErrNotFound is returned when no recap exists for a year.
var ErrNotFound = errors.New("recap not found")

// Store persists one recap record per year in Redis without expiry.
type Store struct {
	client redis.Client
}

// NewStore creates a record store.
func NewStore(client redis.Client) *Store {
	return &Store{client: client}
}

func yearKey(year int) string { return KeyPrefix + strconv.Itoa(year) }

// Get returns the record for year, or ErrNotFound.
func (s *Store) Get(ctx context.Context, year int) (*Record, error) {
	data, err := s.client.Get(ctx, yearKey(year)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recap %d: %w", year, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode recap %d: %w", year, err)
	}
	return &rec, nil
}

// Put writes rec under its year, replacing any previous record.
func (s *Store) Put(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode recap %d: %w", rec.Year, err)
	}
	if err := s.client.Set(ctx, yearKey(rec.Year), data, 0).Err(); err != nil {
		return fmt.Errorf("put recap %d: %w", rec.Year, err)
	}
	return nil
}

// Delete removes the record for year, or returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, year int) error {
	n, err := s.client.Del(ctx, yearKey(year)).Result()
	if err != nil {
		return fmt.Errorf("delete recap %d: %w", year, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Purge removes every record and returns how many were deleted.
func (s *Store) Purge(ctx context.Context) (int, error) {
	keys, err := redis.ScanKeys(ctx, s.client, KeyPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("scan recaps: %w", err)
	}
	n, err := redis.DeleteKeys(ctx, s.client, keys)
	if err != nil {
		return int(n), fmt.Errorf("purge recaps: %w", err)
	}
	return int(n), nil
}
