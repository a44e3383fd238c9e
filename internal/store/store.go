package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/arkadily/chatgate/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store provides PostgreSQL persistence for selector sets and provider
// state. The cache and registry stay authoritative at runtime; the store
// exists so a restart does not cost a re-discovery of every domain.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// SeedEntry is one persisted selector set, ready to hydrate the cache.
type SeedEntry struct {
	Selectors schemas.SelectorSet
	UpdatedAt time.Time
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the tables if they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS selector_sets (
            domain      TEXT PRIMARY KEY,
            selectors   JSONB NOT NULL,
            updated_at  TIMESTAMPTZ NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS providers (
            id             TEXT PRIMARY KEY,
            url            TEXT NOT NULL,
            name           TEXT NOT NULL DEFAULT '',
            status         TEXT NOT NULL,
            stream_method  TEXT NOT NULL,
            auth_method    TEXT NOT NULL DEFAULT '',
            failure_count  INT NOT NULL DEFAULT 0,
            last_validated TIMESTAMPTZ
        );`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// SaveSelectorSet upserts the single row a domain owns. Implements the
// selector cache's write-through persister.
func (s *Store) SaveSelectorSet(ctx context.Context, domain string, selectors schemas.SelectorSet, updated time.Time) error {
	payload, err := json.Marshal(selectors)
	if err != nil {
		return fmt.Errorf("failed to marshal selector set: %w", err)
	}

	query := `
        INSERT INTO selector_sets (domain, selectors, updated_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (domain) DO UPDATE SET
            selectors = EXCLUDED.selectors,
            updated_at = EXCLUDED.updated_at;
    `
	if _, err := s.pool.Exec(ctx, query, domain, payload, updated.UTC()); err != nil {
		return fmt.Errorf("failed to upsert selector set for %s: %w", domain, err)
	}
	return nil
}

// LoadSelectorSets returns every persisted selector set keyed by domain.
func (s *Store) LoadSelectorSets(ctx context.Context) (map[string]SeedEntry, error) {
	query := `SELECT domain, selectors, updated_at FROM selector_sets;`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query selector sets: %w", err)
	}
	defer rows.Close()

	out := make(map[string]SeedEntry)
	for rows.Next() {
		var (
			domain    string
			payload   []byte
			updatedAt time.Time
		)
		if err := rows.Scan(&domain, &payload, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan selector set row: %w", err)
		}

		var selectors schemas.SelectorSet
		if err := json.Unmarshal(payload, &selectors); err != nil {
			// One corrupt row must not block startup; that domain just
			// rediscovers.
			s.log.Warn("Skipping unreadable selector set row.",
				zap.String("domain", domain), zap.Error(err))
			continue
		}
		out[domain] = SeedEntry{Selectors: selectors, UpdatedAt: updatedAt}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// SaveProvider upserts one provider row. Implements the registry's
// write-through persister.
func (s *Store) SaveProvider(ctx context.Context, p *schemas.Provider) error {
	query := `
        INSERT INTO providers (id, url, name, status, stream_method, auth_method, failure_count, last_validated)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (id) DO UPDATE SET
            url = EXCLUDED.url,
            name = EXCLUDED.name,
            status = EXCLUDED.status,
            stream_method = EXCLUDED.stream_method,
            auth_method = EXCLUDED.auth_method,
            failure_count = EXCLUDED.failure_count,
            last_validated = EXCLUDED.last_validated;
    `
	_, err := s.pool.Exec(ctx, query,
		p.ID, p.URL, p.Name, string(p.Status), string(p.StreamMethod),
		p.AuthMethod, p.FailureCount, p.LastValidated.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert provider %s: %w", p.ID, err)
	}
	return nil
}

// LoadProviders returns every persisted provider.
func (s *Store) LoadProviders(ctx context.Context) ([]schemas.Provider, error) {
	query := `
        SELECT id, url, name, status, stream_method, auth_method, failure_count, last_validated
        FROM providers
        ORDER BY id ASC;
    `
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query providers: %w", err)
	}
	defer rows.Close()

	var providers []schemas.Provider
	for rows.Next() {
		var (
			p      schemas.Provider
			status string
			method string
		)
		if err := rows.Scan(&p.ID, &p.URL, &p.Name, &status, &method,
			&p.AuthMethod, &p.FailureCount, &p.LastValidated); err != nil {
			return nil, fmt.Errorf("failed to scan provider row: %w", err)
		}
		p.Status = schemas.ProviderStatus(status)
		p.StreamMethod = schemas.StreamMethod(method)
		providers = append(providers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return providers, nil
}
