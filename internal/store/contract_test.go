package store

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/config"
	"go.uber.org/zap/zaptest"
)

const app = "com.example.notes"

var observed = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func sampleGraph() schemas.GraphSnapshot {
	return schemas.GraphSnapshot{
		AppID:   app,
		Screens: []schemas.Fingerprint{"fp_home", "fp_settings", "fp_note"},
		Edges: []schemas.NavigationEdge{
			{From: "fp_home", Trigger: "el_settings", To: "fp_settings", ObservedAt: observed},
			{From: "fp_home", Trigger: "el_row", To: "fp_note", ObservedAt: observed.Add(time.Second)},
			{From: "fp_settings", Trigger: "el_dark", To: "fp_settings", ObservedAt: observed.Add(2 * time.Second)},
		},
	}
}

func sampleIdentities() []schemas.ElementIdentity {
	return []schemas.ElementIdentity{
		{ID: "el_b", AppID: app, AppVersion: "2.1", AncestorPath: "Window", Type: "List"},
		{ID: "el_a", AppID: app, AppVersion: "2.1", AncestorPath: "Window>List", Type: "Row", Text: "Groceries", ParentID: "el_b"},
	}
}

func sampleAliases() []schemas.Alias {
	return []schemas.Alias{
		{Phrase: "groceries", IdentityID: "el_a", AppID: app, Source: schemas.AliasAuto, CreatedAt: observed},
		{Phrase: "shopping", IdentityID: "el_a", AppID: app, Source: schemas.AliasManual, CreatedAt: observed.Add(time.Minute)},
	}
}

// runContract exercises the behavior every backend must share.
func runContract(t *testing.T, open func(t *testing.T) schemas.Store) {
	ctx := context.Background()

	t.Run("should round trip a graph and ignore duplicates", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.FlushGraph(ctx, sampleGraph()))
		require.NoError(t, s.FlushGraph(ctx, sampleGraph()))

		got, err := s.LoadGraph(ctx, app)
		require.NoError(t, err)
		if diff := cmp.Diff(sampleGraph(), got); diff != "" {
			t.Errorf("LoadGraph() mismatch (-want +got):\n%s", diff)
		}

		empty, err := s.LoadGraph(ctx, "com.unknown")
		require.NoError(t, err)
		assert.Empty(t, empty.Screens)
		assert.Empty(t, empty.Edges)
	})

	t.Run("should upsert identities keeping their structure", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.FlushIdentities(ctx, sampleIdentities()))

		moved := sampleIdentities()
		moved[1].ParentID = "el_0"
		moved[1].Text = "ignored"
		require.NoError(t, s.FlushIdentities(ctx, moved))

		got, err := s.LoadIdentities(ctx, app)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "el_a", got[0].ID)
		assert.Equal(t, "Groceries", got[0].Text)
		assert.Equal(t, "el_0", got[0].ParentID)
	})

	t.Run("should append aliases once", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.FlushAliases(ctx, sampleAliases()))
		require.NoError(t, s.FlushAliases(ctx, sampleAliases()))

		got, err := s.LoadAliases(ctx, app)
		require.NoError(t, err)
		if diff := cmp.Diff(sampleAliases(), got); diff != "" {
			t.Errorf("LoadAliases() mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("should scope visited states to the app version", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.FlushVisitedStates(ctx, app, "2.1", []schemas.Fingerprint{"fp_b", "fp_a"}))
		require.NoError(t, s.FlushVisitedStates(ctx, app, "2.1", []schemas.Fingerprint{"fp_a", "fp_c"}))

		got, err := s.LoadVisitedStates(ctx, app, "2.1")
		require.NoError(t, err)
		assert.ElementsMatch(t, []schemas.Fingerprint{"fp_a", "fp_b", "fp_c"}, got)

		stale, err := s.LoadVisitedStates(ctx, app, "2.2")
		require.NoError(t, err)
		assert.Empty(t, stale, "a different version signature invalidates visited screens")

		require.NoError(t, s.FlushVisitedStates(ctx, app, "2.2", []schemas.Fingerprint{"fp_x"}))
		old, err := s.LoadVisitedStates(ctx, app, "2.1")
		require.NoError(t, err)
		assert.Empty(t, old)
	})

	t.Run("should summarize learned apps", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.FlushGraph(ctx, sampleGraph()))
		require.NoError(t, s.FlushIdentities(ctx, sampleIdentities()))
		require.NoError(t, s.FlushAliases(ctx, sampleAliases()))
		require.NoError(t, s.FlushVisitedStates(ctx, app, "2.1", []schemas.Fingerprint{"fp_home"}))

		apps, err := s.ListApps(ctx)
		require.NoError(t, err)
		require.Len(t, apps, 1)
		assert.Equal(t, app, apps[0].AppID)
		assert.Equal(t, "2.1", apps[0].AppVersion)
		assert.Equal(t, 3, apps[0].Screens)
		assert.Equal(t, 2, apps[0].Identities)
		assert.Equal(t, 2, apps[0].Aliases)
		assert.False(t, apps[0].UpdatedAt.IsZero())
	})
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	runContract(t, func(t *testing.T) schemas.Store {
		return NewMemory(zaptest.NewLogger(t))
	})
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	runContract(t, func(t *testing.T) schemas.Store {
		s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "nested", "carto.db"), zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "carto.db")

	s, err := OpenSQLite(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, s.FlushGraph(ctx, sampleGraph()))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path, nil)
	require.NoError(t, err)
	defer s.Close()
	extra := schemas.GraphSnapshot{AppID: app, Screens: []schemas.Fingerprint{"fp_account"}}
	require.NoError(t, s.FlushGraph(ctx, extra))

	got, err := s.LoadGraph(ctx, app)
	require.NoError(t, err)
	assert.Equal(t, []schemas.Fingerprint{"fp_home", "fp_settings", "fp_note", "fp_account"}, got.Screens)
}

func TestMemoryExportImport(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src := NewMemory(nil)
	require.NoError(t, src.FlushGraph(ctx, sampleGraph()))
	require.NoError(t, src.FlushIdentities(ctx, sampleIdentities()))
	require.NoError(t, src.FlushAliases(ctx, sampleAliases()))
	require.NoError(t, src.FlushVisitedStates(ctx, app, "2.1", []schemas.Fingerprint{"fp_home"}))

	var buf bytes.Buffer
	require.NoError(t, src.Export(ctx, &buf))
	assert.Contains(t, buf.String(), `"app_id": "com.example.notes"`)

	dst := NewMemory(nil)
	require.NoError(t, dst.Import(ctx, &buf))

	for _, load := range []func(s *Memory) (interface{}, error){
		func(s *Memory) (interface{}, error) { return s.LoadGraph(ctx, app) },
		func(s *Memory) (interface{}, error) { return s.LoadIdentities(ctx, app) },
		func(s *Memory) (interface{}, error) { return s.LoadAliases(ctx, app) },
		func(s *Memory) (interface{}, error) { return s.LoadVisitedStates(ctx, app, "2.1") },
	} {
		want, err := load(src)
		require.NoError(t, err)
		got, err := load(dst)
		require.NoError(t, err)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("import mismatch (-want +got):\n%s", diff)
		}
	}

	assert.Error(t, dst.Import(ctx, bytes.NewBufferString("{not json")))
}

func TestMemoryRejectsDanglingEdges(t *testing.T) {
	t.Parallel()
	s := NewMemory(nil)
	err := s.FlushGraph(context.Background(), schemas.GraphSnapshot{
		AppID: app,
		Edges: []schemas.NavigationEdge{{From: "a", To: "b"}},
	})
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, err := Open(ctx, config.StoreConfig{Type: config.StoreMemory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open(ctx, config.StoreConfig{Type: config.StoreSQLite, SQLitePath: filepath.Join(t.TempDir(), "x.db")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, config.StoreConfig{Type: config.StorePostgres}, nil)
	assert.ErrorContains(t, err, "postgres_url")

	_, err = Open(ctx, config.StoreConfig{Type: "etcd"}, nil)
	assert.ErrorContains(t, err, "unknown store type")
}
