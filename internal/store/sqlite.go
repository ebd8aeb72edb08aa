package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/xkilldash9x/cartographer/api/schemas"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// sqliteSchema mirrors PostgresSchema. Timestamps are unix nanoseconds.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS apps (
		app_id      TEXT PRIMARY KEY,
		app_version TEXT NOT NULL DEFAULT '',
		updated_at  INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS screens (
		app_id      TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		PRIMARY KEY (app_id, fingerprint)
	)`,
	`CREATE TABLE IF NOT EXISTS edges (
		app_id      TEXT NOT NULL,
		from_fp     TEXT NOT NULL,
		trigger_id  TEXT NOT NULL,
		to_fp       TEXT NOT NULL,
		observed_at INTEGER NOT NULL,
		seq         INTEGER NOT NULL,
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
		created_at  INTEGER NOT NULL,
		seq         INTEGER NOT NULL,
		PRIMARY KEY (app_id, phrase, identity_id, source)
	)`,
	`CREATE TABLE IF NOT EXISTS visited_states (
		app_id      TEXT NOT NULL,
		app_version TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		PRIMARY KEY (app_id, fingerprint)
	)`,
}

// SQLite persists exploration results in a single local database file.
type SQLite struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time
	seq int64
}

var _ schemas.Store = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at path. A leading "~"
// is expanded; ":memory:" opens a private in-memory database.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := path
	if path != ":memory:" {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return nil, fmt.Errorf("failed to expand sqlite path %q: %w", path, err)
		}
		if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
		}
		dsn = expanded + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, log: logger.Named("sqlite_store"), now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM (
		SELECT seq FROM screens UNION ALL SELECT seq FROM edges UNION ALL SELECT seq FROM aliases)`).Scan(&s.seq); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to read sequence: %w", err)
	}
	s.log.Debug("SQLite store opened.", zap.String("path", dsn))
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// next hands out insertion sequence numbers; callers hold the single
// connection inside a transaction, so no extra locking is needed.
func (s *SQLite) next() int64 {
	s.seq++
	return s.seq
}

func (s *SQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.log.Error("Failed to rollback transaction", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLite) FlushGraph(ctx context.Context, graph schemas.GraphSnapshot) error {
	now := s.now().UnixNano()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO apps (app_id, updated_at) VALUES (?, ?)
			ON CONFLICT (app_id) DO UPDATE SET updated_at = excluded.updated_at`, graph.AppID, now); err != nil {
			return fmt.Errorf("failed to record app %s: %w", graph.AppID, err)
		}
		for _, fp := range graph.Screens {
			if _, err := tx.ExecContext(ctx, `INSERT INTO screens (app_id, fingerprint, seq) VALUES (?, ?, ?)
				ON CONFLICT DO NOTHING`, graph.AppID, string(fp), s.next()); err != nil {
				return fmt.Errorf("failed to insert screen %s: %w", fp, err)
			}
		}
		for _, e := range graph.Edges {
			if _, err := tx.ExecContext(ctx, `INSERT INTO edges (app_id, from_fp, trigger_id, to_fp, observed_at, seq)
				VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
				graph.AppID, string(e.From), e.Trigger, string(e.To), e.ObservedAt.UnixNano(), s.next()); err != nil {
				return fmt.Errorf("failed to insert edge %s -> %s: %w", e.From, e.To, err)
			}
		}
		return nil
	})
}

func (s *SQLite) FlushIdentities(ctx context.Context, identities []schemas.ElementIdentity) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, i := range identities {
			if _, err := tx.ExecContext(ctx, `INSERT INTO identities
				(id, app_id, app_version, ancestor_path, type, text, label, resource_tag, parent_id)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (id) DO UPDATE SET parent_id = excluded.parent_id`,
				i.ID, i.AppID, i.AppVersion, i.AncestorPath, i.Type, i.Text, i.Label, i.ResourceTag, i.ParentID); err != nil {
				return fmt.Errorf("failed to upsert identity %s: %w", i.ID, err)
			}
		}
		return nil
	})
}

func (s *SQLite) FlushAliases(ctx context.Context, aliases []schemas.Alias) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, a := range aliases {
			if _, err := tx.ExecContext(ctx, `INSERT INTO aliases (app_id, phrase, identity_id, source, created_at, seq)
				VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
				a.AppID, a.Phrase, a.IdentityID, string(a.Source), a.CreatedAt.UnixNano(), s.next()); err != nil {
				return fmt.Errorf("failed to insert alias %q: %w", a.Phrase, err)
			}
		}
		return nil
	})
}

func (s *SQLite) FlushVisitedStates(ctx context.Context, appID, appVersion string, fingerprints []schemas.Fingerprint) error {
	now := s.now().UnixNano()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO apps (app_id, app_version, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (app_id) DO UPDATE SET app_version = excluded.app_version, updated_at = excluded.updated_at`,
			appID, appVersion, now); err != nil {
			return fmt.Errorf("failed to record app version: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM visited_states WHERE app_id = ? AND app_version <> ?`, appID, appVersion); err != nil {
			return fmt.Errorf("failed to drop stale visited states: %w", err)
		}
		for _, fp := range fingerprints {
			if _, err := tx.ExecContext(ctx, `INSERT INTO visited_states (app_id, app_version, fingerprint)
				VALUES (?, ?, ?) ON CONFLICT DO NOTHING`, appID, appVersion, string(fp)); err != nil {
				return fmt.Errorf("failed to insert visited state %s: %w", fp, err)
			}
		}
		return nil
	})
}

func (s *SQLite) LoadVisitedStates(ctx context.Context, appID, appVersion string) ([]schemas.Fingerprint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT fingerprint FROM visited_states
		WHERE app_id = ? AND app_version = ? ORDER BY fingerprint`, appID, appVersion)
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
	return out, rows.Err()
}

func (s *SQLite) LoadGraph(ctx context.Context, appID string) (schemas.GraphSnapshot, error) {
	snap := schemas.GraphSnapshot{AppID: appID, Screens: []schemas.Fingerprint{}, Edges: []schemas.NavigationEdge{}}

	rows, err := s.db.QueryContext(ctx, `SELECT fingerprint FROM screens WHERE app_id = ? ORDER BY seq`, appID)
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
		return snap, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT from_fp, trigger_id, to_fp, observed_at FROM edges
		WHERE app_id = ? ORDER BY seq`, appID)
	if err != nil {
		return snap, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var from, trigger, to string
		var observed int64
		if err := rows.Scan(&from, &trigger, &to, &observed); err != nil {
			return snap, fmt.Errorf("failed to scan edge: %w", err)
		}
		snap.Edges = append(snap.Edges, schemas.NavigationEdge{
			From: schemas.Fingerprint(from), Trigger: trigger, To: schemas.Fingerprint(to),
			ObservedAt: time.Unix(0, observed).UTC(),
		})
	}
	return snap, rows.Err()
}

func (s *SQLite) LoadIdentities(ctx context.Context, appID string) ([]schemas.ElementIdentity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, app_id, app_version, ancestor_path, type, text, label, resource_tag, parent_id
		FROM identities WHERE app_id = ? ORDER BY id`, appID)
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
	return out, rows.Err()
}

func (s *SQLite) LoadAliases(ctx context.Context, appID string) ([]schemas.Alias, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT app_id, phrase, identity_id, source, created_at FROM aliases
		WHERE app_id = ? ORDER BY seq`, appID)
	if err != nil {
		return nil, fmt.Errorf("failed to query aliases: %w", err)
	}
	defer rows.Close()
	out := []schemas.Alias{}
	for rows.Next() {
		var a schemas.Alias
		var source string
		var created int64
		if err := rows.Scan(&a.AppID, &a.Phrase, &a.IdentityID, &source, &created); err != nil {
			return nil, fmt.Errorf("failed to scan alias row: %w", err)
		}
		a.Source = schemas.AliasSource(source)
		a.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) ListApps(ctx context.Context) ([]schemas.AppSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT a.app_id, a.app_version, a.updated_at,
		(SELECT count(*) FROM screens s WHERE s.app_id = a.app_id),
		(SELECT count(*) FROM identities i WHERE i.app_id = a.app_id),
		(SELECT count(*) FROM aliases l WHERE l.app_id = a.app_id)
		FROM apps a ORDER BY a.app_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query apps: %w", err)
	}
	defer rows.Close()
	out := []schemas.AppSummary{}
	for rows.Next() {
		var a schemas.AppSummary
		var updated int64
		if err := rows.Scan(&a.AppID, &a.AppVersion, &updated, &a.Screens, &a.Identities, &a.Aliases); err != nil {
			return nil, fmt.Errorf("failed to scan app row: %w", err)
		}
		a.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
