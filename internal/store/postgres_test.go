package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/cartographer/api/schemas"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func newMockStore(t *testing.T) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := NewPostgres(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)
	s.now = func() time.Time { return observed }
	return s, mockPool
}

func TestNewPostgres(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = NewPostgres(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPostgresMigrate(t *testing.T) {
	s, mockPool := newMockStore(t)
	for range PostgresSchema {
		mockPool.ExpectExec(`CREATE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresFlushGraph(t *testing.T) {
	ctx := context.Background()

	t.Run("should write screens and edges in one transaction", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		g := sampleGraph()

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(pgTouchApp)).WithArgs(app, observed).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		for _, fp := range g.Screens {
			mockPool.ExpectExec(flexibleSQLMatcher(pgInsertScreen)).WithArgs(app, string(fp), observed).
				WillReturnResult(pgxmock.NewResult("INSERT", 1))
		}
		for _, e := range g.Edges {
			mockPool.ExpectExec(flexibleSQLMatcher(pgInsertEdge)).
				WithArgs(app, string(e.From), e.Trigger, string(e.To), e.ObservedAt).
				WillReturnResult(pgxmock.NewResult("INSERT", 1))
		}
		mockPool.ExpectCommit()

		require.NoError(t, s.FlushGraph(ctx, g))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should roll back when an insert fails", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newMockStore(t)
		s.log = zap.New(observedZapCore)
		dbErr := errors.New("disk full")

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(pgTouchApp)).WithArgs(app, observed).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(pgInsertScreen)).WithArgs(app, "fp_home", observed).
			WillReturnError(dbErr)
		mockPool.ExpectRollback()

		err := s.FlushGraph(ctx, sampleGraph())
		require.Error(t, err)
		assert.ErrorIs(t, err, dbErr)
		assert.Contains(t, err.Error(), "fp_home")
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Zero(t, observedLogs.Len(), "a clean rollback logs nothing")
	})

	t.Run("should report a failed begin", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		mockPool.ExpectBegin().WillReturnError(errors.New("no connection"))
		err := s.FlushGraph(ctx, sampleGraph())
		assert.ErrorContains(t, err, "failed to begin transaction")
	})
}

func TestPostgresFlushIdentitiesAndAliases(t *testing.T) {
	ctx := context.Background()
	s, mockPool := newMockStore(t)

	mockPool.ExpectBegin()
	for _, i := range sampleIdentities() {
		mockPool.ExpectExec(flexibleSQLMatcher(pgUpsertIdentity)).
			WithArgs(i.ID, i.AppID, i.AppVersion, i.AncestorPath, i.Type, i.Text, i.Label, i.ResourceTag, i.ParentID).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mockPool.ExpectCommit()

	mockPool.ExpectBegin()
	for _, a := range sampleAliases() {
		mockPool.ExpectExec(flexibleSQLMatcher(pgInsertAlias)).
			WithArgs(a.AppID, a.Phrase, a.IdentityID, string(a.Source), a.CreatedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mockPool.ExpectCommit()

	require.NoError(t, s.FlushIdentities(ctx, sampleIdentities()))
	require.NoError(t, s.FlushAliases(ctx, sampleAliases()))
	require.NoError(t, s.FlushAliases(ctx, nil), "an empty flush touches nothing")
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresVisitedStates(t *testing.T) {
	ctx := context.Background()
	s, mockPool := newMockStore(t)

	mockPool.ExpectBegin()
	mockPool.ExpectExec(flexibleSQLMatcher(pgSetAppVersion)).WithArgs(app, "2.1", observed).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectExec(flexibleSQLMatcher(pgDeleteStaleVisited)).WithArgs(app, "2.1").
		WillReturnResult(pgxmock.NewResult("DELETE", 4))
	mockPool.ExpectExec(flexibleSQLMatcher(pgInsertVisited)).WithArgs(app, "2.1", "fp_home").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectCommit()

	mockPool.ExpectQuery(flexibleSQLMatcher(pgSelectVisited)).WithArgs(app, "2.1").
		WillReturnRows(pgxmock.NewRows([]string{"fingerprint"}).AddRow("fp_home"))

	require.NoError(t, s.FlushVisitedStates(ctx, app, "2.1", []schemas.Fingerprint{"fp_home"}))
	got, err := s.LoadVisitedStates(ctx, app, "2.1")
	require.NoError(t, err)
	assert.Equal(t, []schemas.Fingerprint{"fp_home"}, got)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgresLoads(t *testing.T) {
	ctx := context.Background()

	t.Run("should load the graph", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		g := sampleGraph()
		screens := pgxmock.NewRows([]string{"fingerprint"})
		for _, fp := range g.Screens {
			screens.AddRow(string(fp))
		}
		edges := pgxmock.NewRows([]string{"from_fp", "trigger_id", "to_fp", "observed_at"})
		for _, e := range g.Edges {
			edges.AddRow(string(e.From), e.Trigger, string(e.To), e.ObservedAt)
		}
		mockPool.ExpectQuery(flexibleSQLMatcher(pgSelectScreens)).WithArgs(app).WillReturnRows(screens)
		mockPool.ExpectQuery(flexibleSQLMatcher(pgSelectEdges)).WithArgs(app).WillReturnRows(edges)

		got, err := s.LoadGraph(ctx, app)
		require.NoError(t, err)
		assert.Equal(t, g, got)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should load identities and aliases", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		idRows := pgxmock.NewRows([]string{"id", "app_id", "app_version", "ancestor_path", "type", "text", "label", "resource_tag", "parent_id"})
		for _, i := range sampleIdentities() {
			idRows.AddRow(i.ID, i.AppID, i.AppVersion, i.AncestorPath, i.Type, i.Text, i.Label, i.ResourceTag, i.ParentID)
		}
		aliasRows := pgxmock.NewRows([]string{"app_id", "phrase", "identity_id", "source", "created_at"})
		for _, a := range sampleAliases() {
			aliasRows.AddRow(a.AppID, a.Phrase, a.IdentityID, string(a.Source), a.CreatedAt)
		}
		mockPool.ExpectQuery(flexibleSQLMatcher(pgSelectIdentities)).WithArgs(app).WillReturnRows(idRows)
		mockPool.ExpectQuery(flexibleSQLMatcher(pgSelectAliases)).WithArgs(app).WillReturnRows(aliasRows)

		idents, err := s.LoadIdentities(ctx, app)
		require.NoError(t, err)
		assert.Equal(t, sampleIdentities(), idents)

		aliases, err := s.LoadAliases(ctx, app)
		require.NoError(t, err)
		assert.Equal(t, sampleAliases(), aliases)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should list apps", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		rows := pgxmock.NewRows([]string{"app_id", "app_version", "updated_at", "screens", "identities", "aliases"}).
			AddRow(app, "2.1", observed, int64(3), int64(2), int64(2))
		mockPool.ExpectQuery(flexibleSQLMatcher(pgSelectApps)).WillReturnRows(rows)

		apps, err := s.ListApps(ctx)
		require.NoError(t, err)
		assert.Equal(t, []schemas.AppSummary{{
			AppID: app, AppVersion: "2.1", Screens: 3, Identities: 2, Aliases: 2, UpdatedAt: observed,
		}}, apps)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should wrap query errors", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		mockPool.ExpectQuery(flexibleSQLMatcher(pgSelectIdentities)).WithArgs(app).WillReturnError(errors.New("boom"))
		_, err := s.LoadIdentities(ctx, app)
		assert.ErrorContains(t, err, "failed to query identities")
	})
}
