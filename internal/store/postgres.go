package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xkilldash9x/cartographer/api/schemas"
	"go.uber.org/zap"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// PostgresSchema creates the tables used by Postgres. Statements are
// idempotent.
var PostgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS apps (
		app_id      TEXT PRIMARY KEY,
		app_version TEXT NOT NULL DEFAULT '',
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS screens (
		app_id      TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		first_seen  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (app_id, fingerprint)
	)`,
	`CREATE TABLE IF NOT EXISTS edges (
		app_id      TEXT NOT NULL,
		from_fp     TEXT NOT NULL,
		trigger_id  TEXT NOT NULL,
		to_fp       TEXT NOT NULL,
		observed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (app_id, from_fp, trigger_id, to_fp)
	)`,
	`CREATE TABLE IF NOT EXISTS identities (
		id            TEXT PRIMARY KEY,
		app_id        TEXT NOT NULL,
		app_version   TEXT NOT NULL,
		ancestor_path TEXT NOT NULL,
		type          TEXT NOT NULL,
		text          TEXT NOT NULL,
		label         TEXT NOT NULL,
		resource_tag  TEXT NOT NULL,
		parent_id     TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS identities_app_idx ON identities (app_id)`,
	`CREATE TABLE IF NOT EXISTS aliases (
		app_id      TEXT NOT NULL,
		phrase      TEXT NOT NULL,
		identity_id TEXT NOT NULL,
		source      TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (app_id, phrase, identity_id, source)
	)`,
	`CREATE TABLE IF NOT EXISTS visited_states (
		app_id      TEXT NOT NULL,
		app_version TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		PRIMARY KEY (app_id, fingerprint)
	)`,
}

const (
	pgTouchApp = `
        INSERT INTO apps (app_id, updated_at) VALUES ($1, $2)
        ON CONFLICT (app_id) DO UPDATE SET updated_at = EXCLUDED.updated_at;
    `
	pgSetAppVersion = `
        INSERT INTO apps (app_id, app_version, updated_at) VALUES ($1, $2, $3)
        ON CONFLICT (app_id) DO UPDATE SET app_version = EXCLUDED.app_version, updated_at = EXCLUDED.updated_at;
    `
	pgInsertScreen = `
        INSERT INTO screens (app_id, fingerprint, first_seen) VALUES ($1, $2, $3)
        ON CONFLICT DO NOTHING;
    `
	pgInsertEdge = `
        INSERT INTO edges (app_id, from_fp, trigger_id, to_fp, observed_at) VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT DO NOTHING;
    `
	pgUpsertIdentity = `
        INSERT INTO identities (id, app_id, app_version, ancestor_path, type, text, label, resource_tag, parent_id)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (id) DO UPDATE SET parent_id = EXCLUDED.parent_id;
    `
	pgInsertAlias = `
        INSERT INTO aliases (app_id, phrase, identity_id, source, created_at) VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT DO NOTHING;
    `
	pgDeleteStaleVisited = `
        DELETE FROM visited_states WHERE app_id = $1 AND app_version <> $2;
    `
	pgInsertVisited = `
        INSERT INTO visited_states (app_id, app_version, fingerprint) VALUES ($1, $2, $3)
        ON CONFLICT DO NOTHING;
    `
	pgSelectVisited = `
        SELECT fingerprint FROM visited_states
        WHERE app_id = $1 AND app_version = $2
        ORDER BY fingerprint;
    `
	pgSelectScreens = `
        SELECT fingerprint FROM screens WHERE app_id = $1 ORDER BY first_seen, fingerprint;
    `
	pgSelectEdges = `
        SELECT from_fp, trigger_id, to_fp, observed_at FROM edges
        WHERE app_id = $1
        ORDER BY observed_at, from_fp, trigger_id, to_fp;
    `
	pgSelectIdentities = `
        SELECT id, app_id, app_version, ancestor_path, type, text, label, resource_tag, parent_id
        FROM identities WHERE app_id = $1 ORDER BY id;
    `
	pgSelectAliases = `
        SELECT app_id, phrase, identity_id, source, created_at FROM aliases
        WHERE app_id = $1 ORDER BY created_at, phrase, identity_id;
    `
	pgSelectApps = `
        SELECT a.app_id, a.app_version, a.updated_at,
            (SELECT count(*) FROM screens s WHERE s.app_id = a.app_id),
            (SELECT count(*) FROM identities i WHERE i.app_id = a.app_id),
            (SELECT count(*) FROM aliases l WHERE l.app_id = a.app_id)
        FROM apps a ORDER BY a.app_id;
    `
)

// Postgres persists exploration results in PostgreSQL.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

var _ schemas.Store = (*Postgres)(nil)

// NewPostgres creates a new store instance and verifies the connection.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{
		pool: pool,
		log:  logger.Named("postgres_store"),
		now:  time.Now,
	}, nil
}

// Migrate creates the schema if it does not exist yet.
func (s *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range PostgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// inTx runs fn inside a transaction and commits it when fn succeeds.
func (s *Postgres) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Postgres) FlushGraph(ctx context.Context, graph schemas.GraphSnapshot) error {
	now := s.now().UTC()
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, pgTouchApp, graph.AppID, now); err != nil {
			return fmt.Errorf("failed to record app %s: %w", graph.AppID, err)
		}
		for _, fp := range graph.Screens {
			if _, err := tx.Exec(ctx, pgInsertScreen, graph.AppID, string(fp), now); err != nil {
				return fmt.Errorf("failed to insert screen %s: %w", fp, err)
			}
		}
		for _, e := range graph.Edges {
			if _, err := tx.Exec(ctx, pgInsertEdge, graph.AppID, string(e.From), e.Trigger, string(e.To), e.ObservedAt.UTC()); err != nil {
				return fmt.Errorf("failed to insert edge %s -> %s: %w", e.From, e.To, err)
			}
		}
		return nil
	})
}

func (s *Postgres) FlushIdentities(ctx context.Context, identities []schemas.ElementIdentity) error {
	if len(identities) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, i := range identities {
			if _, err := tx.Exec(ctx, pgUpsertIdentity,
				i.ID, i.AppID, i.AppVersion, i.AncestorPath, i.Type, i.Text, i.Label, i.ResourceTag, i.ParentID,
			); err != nil {
				return fmt.Errorf("failed to upsert identity %s: %w", i.ID, err)
			}
		}
		return nil
	})
}

func (s *Postgres) FlushAliases(ctx context.Context, aliases []schemas.Alias) error {
	if len(aliases) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, a := range aliases {
			if _, err := tx.Exec(ctx, pgInsertAlias, a.AppID, a.Phrase, a.IdentityID, string(a.Source), a.CreatedAt.UTC()); err != nil {
				return fmt.Errorf("failed to insert alias %q: %w", a.Phrase, err)
			}
		}
		return nil
	})
}

func (s *Postgres) FlushVisitedStates(ctx context.Context, appID, appVersion string, fingerprints []schemas.Fingerprint) error {
	now := s.now().UTC()
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, pgSetAppVersion, appID, appVersion, now); err != nil {
			return fmt.Errorf("failed to record app version: %w", err)
		}
		if _, err := tx.Exec(ctx, pgDeleteStaleVisited, appID, appVersion); err != nil {
			return fmt.Errorf("failed to drop stale visited states: %w", err)
		}
		for _, fp := range fingerprints {
			if _, err := tx.Exec(ctx, pgInsertVisited, appID, appVersion, string(fp)); err != nil {
				return fmt.Errorf("failed to insert visited state %s: %w", fp, err)
			}
		}
		return nil
	})
}

func (s *Postgres) LoadVisitedStates(ctx context.Context, appID, appVersion string) ([]schemas.Fingerprint, error) {
	rows, err := s.pool.Query(ctx, pgSelectVisited, appID, appVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to query visited states: %w", err)
	}
	defer rows.Close()
	out := []schemas.Fingerprint{}
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("failed to scan visited state: %w", err)
		}
		out = append(out, schemas.Fingerprint(fp))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func (s *Postgres) LoadGraph(ctx context.Context, appID string) (schemas.GraphSnapshot, error) {
	snap := schemas.GraphSnapshot{AppID: appID, Screens: []schemas.Fingerprint{}, Edges: []schemas.NavigationEdge{}}

	rows, err := s.pool.Query(ctx, pgSelectScreens, appID)
	if err != nil {
		return snap, fmt.Errorf("failed to query screens: %w", err)
	}
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			rows.Close()
			return snap, fmt.Errorf("failed to scan screen: %w", err)
		}
		snap.Screens = append(snap.Screens, schemas.Fingerprint(fp))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("error during row iteration: %w", err)
	}

	rows, err = s.pool.Query(ctx, pgSelectEdges, appID)
	if err != nil {
		return snap, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var from, trigger, to string
		var observed time.Time
		if err := rows.Scan(&from, &trigger, &to, &observed); err != nil {
			return snap, fmt.Errorf("failed to scan edge: %w", err)
		}
		snap.Edges = append(snap.Edges, schemas.NavigationEdge{
			From: schemas.Fingerprint(from), Trigger: trigger, To: schemas.Fingerprint(to), ObservedAt: observed.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("error during row iteration: %w", err)
	}
	return snap, nil
}

func (s *Postgres) LoadIdentities(ctx context.Context, appID string) ([]schemas.ElementIdentity, error) {
	rows, err := s.pool.Query(ctx, pgSelectIdentities, appID)
	if err != nil {
		return nil, fmt.Errorf("failed to query identities: %w", err)
	}
	defer rows.Close()
	out := []schemas.ElementIdentity{}
	for rows.Next() {
		var i schemas.ElementIdentity
		if err := rows.Scan(&i.ID, &i.AppID, &i.AppVersion, &i.AncestorPath, &i.Type, &i.Text, &i.Label, &i.ResourceTag, &i.ParentID); err != nil {
			return nil, fmt.Errorf("failed to scan identity row: %w", err)
		}
		out = append(out, i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func (s *Postgres) LoadAliases(ctx context.Context, appID string) ([]schemas.Alias, error) {
	rows, err := s.pool.Query(ctx, pgSelectAliases, appID)
	if err != nil {
		return nil, fmt.Errorf("failed to query aliases: %w", err)
	}
	defer rows.Close()
	out := []schemas.Alias{}
	for rows.Next() {
		var a schemas.Alias
		var source string
		if err := rows.Scan(&a.AppID, &a.Phrase, &a.IdentityID, &source, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alias row: %w", err)
		}
		a.Source = schemas.AliasSource(source)
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func (s *Postgres) ListApps(ctx context.Context) ([]schemas.AppSummary, error) {
	rows, err := s.pool.Query(ctx, pgSelectApps)
	if err != nil {
		return nil, fmt.Errorf("failed to query apps: %w", err)
	}
	defer rows.Close()
	out := []schemas.AppSummary{}
	for rows.Next() {
		var a schemas.AppSummary
		var screens, identities, aliases int64
		if err := rows.Scan(&a.AppID, &a.AppVersion, &a.UpdatedAt, &screens, &identities, &aliases); err != nil {
			return nil, fmt.Errorf("failed to scan app row: %w", err)
		}
		a.Screens, a.Identities, a.Aliases = int(screens), int(identities), int(aliases)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}
