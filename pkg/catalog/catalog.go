// Package catalog is a reference implementation of the versioned playbook
// registry the spec treats as an external collaborator, specified only by
// `fetch(path, version) → playbook` (spec §1, §6.2, glossary). Grounded on
// the teacher's repository pattern (pkg/database): a thin pgxpool-backed
// store with no ORM.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/noetl/noetl/pkg/playbook"
)

// ErrNotFound is returned when no catalog entry matches the requested
// (path, version) or catalog_id.
var ErrNotFound = errors.New("catalog: not found")

// Store is the PostgreSQL-backed catalog (spec §6.2 `catalog` table).
// FetchByID is on the Broker's per-evaluation-pass hot path (every
// Evaluate call re-resolves the execution's playbook), and a catalog_id's
// content never changes once published (spec §5 "Catalog is read-only
// shared state") — an ideal read-through cache target, grounded on
// kubernaut's Redis caching of immutable lookups (test/integration/contextapi
// cache-stampede suite).
type Store struct {
	pool *pgxpool.Pool

	cache    *redis.Client
	cacheTTL time.Duration
}

// New creates a Store backed by the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// SetCache enables read-through caching of FetchByID results in Redis. Safe
// to leave unset: every lookup falls straight through to PostgreSQL.
func (s *Store) SetCache(client *redis.Client, ttl time.Duration) {
	s.cache = client
	s.cacheTTL = ttl
}

// Put registers a new playbook version, returning its catalog_id. Storing
// the same (path, version) twice is an error — catalog entries are
// immutable once published (spec §5 "Catalog is read-only shared state").
func (s *Store) Put(ctx context.Context, pb playbook.Playbook) (string, error) {
	content, err := json.Marshal(pb)
	if err != nil {
		return "", fmt.Errorf("marshal playbook: %w", err)
	}
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	catalogID := uuid.NewString()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO catalog (catalog_id, path, version, content, content_hash)
		VALUES ($1, $2, $3, $4, $5)
	`, catalogID, pb.Path, pb.Version, content, hash)
	if err != nil {
		return "", fmt.Errorf("catalog: insert: %w", err)
	}
	return catalogID, nil
}

// Fetch resolves a (path, version) reference to its playbook definition
// (spec glossary "Catalog: fetch(path, version) → playbook"). An empty
// version resolves to the most recently published entry for that path.
func (s *Store) Fetch(ctx context.Context, path, version string) (playbook.Playbook, string, error) {
	var (
		catalogID string
		content   []byte
		err       error
	)
	if version == "" {
		err = s.pool.QueryRow(ctx, `
			SELECT catalog_id, content FROM catalog
			WHERE path = $1 ORDER BY created_at DESC LIMIT 1
		`, path).Scan(&catalogID, &content)
	} else {
		err = s.pool.QueryRow(ctx, `
			SELECT catalog_id, content FROM catalog WHERE path = $1 AND version = $2
		`, path, version).Scan(&catalogID, &content)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return playbook.Playbook{}, "", ErrNotFound
		}
		return playbook.Playbook{}, "", fmt.Errorf("catalog: select: %w", err)
	}

	var pb playbook.Playbook
	if err := json.Unmarshal(content, &pb); err != nil {
		return playbook.Playbook{}, "", fmt.Errorf("catalog: unmarshal: %w", err)
	}
	return pb, catalogID, nil
}

// FetchByID resolves a catalog_id directly, used when an execution's
// persisted catalog reference already names the resolved entry. Checks the
// Redis cache first when SetCache has been called; a cache miss or a
// disabled cache falls through to PostgreSQL and repopulates it.
func (s *Store) FetchByID(ctx context.Context, catalogID string) (playbook.Playbook, error) {
	cacheKey := "catalog:" + catalogID
	if s.cache != nil {
		if content, err := s.cache.Get(ctx, cacheKey).Bytes(); err == nil {
			var pb playbook.Playbook
			if err := json.Unmarshal(content, &pb); err == nil {
				return pb, nil
			}
		} else if err != redis.Nil {
			slog.Warn("catalog cache read failed, falling back to postgres", "error", err)
		}
	}

	var content []byte
	err := s.pool.QueryRow(ctx, `SELECT content FROM catalog WHERE catalog_id = $1`, catalogID).Scan(&content)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return playbook.Playbook{}, ErrNotFound
		}
		return playbook.Playbook{}, fmt.Errorf("catalog: select by id: %w", err)
	}
	var pb playbook.Playbook
	if err := json.Unmarshal(content, &pb); err != nil {
		return playbook.Playbook{}, fmt.Errorf("catalog: unmarshal: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, content, s.cacheTTL).Err(); err != nil {
			slog.Warn("catalog cache write failed", "error", err)
		}
	}
	return pb, nil
}
