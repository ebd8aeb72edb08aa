package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/config"
	"github.com/xkilldash9x/cartographer/internal/explorer"
	"github.com/xkilldash9x/cartographer/internal/identity"
)

func TestLearnAppAndQuery(t *testing.T) {
	svc := newService(t, testConfig())

	report := learn(t, svc, "notes.yaml")
	require.Equal(t, schemas.StateCompleted, report.State, "reason: %s", report.Reason)

	t.Run("should list the learned app", func(t *testing.T) {
		apps, err := svc.LearnedApps(context.Background())
		require.NoError(t, err)
		require.Len(t, apps, 1)
		assert.Equal(t, notesApp, apps[0].AppID)
		assert.Equal(t, "2.1", apps[0].AppVersion)
		assert.Equal(t, 5, apps[0].Screens)
	})

	t.Run("should expose the navigation graph", func(t *testing.T) {
		graph := svc.Graph(notesApp)
		assert.Len(t, graph.Screens, 5)
		assert.Len(t, graph.Edges, 10)
		assert.Empty(t, svc.Graph("com.example.unknown").Screens)
	})

	t.Run("should resolve generated commands", func(t *testing.T) {
		assert.NotEmpty(t, svc.CommandsForApp(notesApp))
		candidates := svc.Resolve("New  Note", notesApp)
		require.NotEmpty(t, candidates)
		assert.True(t, candidates[0].Exact)
		ident, ok := svc.Identity(candidates[0].IdentityID)
		require.True(t, ok)
		assert.Equal(t, "Button", ident.Type)
	})

	t.Run("should record the session report", func(t *testing.T) {
		assert.Eventually(t, func() bool {
			_, ok := svc.c.history.Find(report.SessionID)
			return ok
		}, 5*time.Second, 10*time.Millisecond)
		assert.Eventually(t, func() bool {
			_, running := svc.Session(report.SessionID)
			return !running
		}, 5*time.Second, 10*time.Millisecond)
	})
}

func TestRegisterCommand(t *testing.T) {
	svc := newService(t, testConfig())
	learn(t, svc, "notes.yaml")

	candidates := svc.Resolve("new note", notesApp)
	require.NotEmpty(t, candidates)
	id := candidates[0].IdentityID

	t.Run("should add and persist a manual alias", func(t *testing.T) {
		alias, err := svc.RegisterCommand(context.Background(), "  Compose ", id, notesApp)
		require.NoError(t, err)
		assert.Equal(t, "compose", alias.Phrase)
		assert.Equal(t, schemas.AliasManual, alias.Source)

		got := svc.Resolve("compose", notesApp)
		require.NotEmpty(t, got)
		assert.Equal(t, id, got[0].IdentityID)
		assert.Equal(t, schemas.AliasManual, got[0].Source)

		stored, err := svc.c.Store.LoadAliases(context.Background(), notesApp)
		require.NoError(t, err)
		assert.Contains(t, stored, alias)
	})

	t.Run("should be idempotent", func(t *testing.T) {
		before := len(svc.CommandsForApp(notesApp))
		_, err := svc.RegisterCommand(context.Background(), "compose", id, notesApp)
		require.NoError(t, err)
		assert.Len(t, svc.CommandsForApp(notesApp), before)
	})

	t.Run("should reject unknown identities", func(t *testing.T) {
		_, err := svc.RegisterCommand(context.Background(), "compose", "nope", notesApp)
		assert.ErrorIs(t, err, ErrUnknownIdentity)
		_, err = svc.RegisterCommand(context.Background(), "compose", id, "com.example.other")
		assert.ErrorIs(t, err, ErrUnknownIdentity)
	})

	t.Run("should reject empty phrases", func(t *testing.T) {
		_, err := svc.RegisterCommand(context.Background(), "   ", id, notesApp)
		assert.Error(t, err)
	})
}

func TestWarmStartAcrossRestarts(t *testing.T) {
	cfg := testConfig()
	cfg.StoreCfg.Type = config.StoreSQLite
	cfg.StoreCfg.SQLitePath = filepath.Join(t.TempDir(), "cartographer.db")

	first, err := New(context.Background(), cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	learn(t, first, "notes.yaml")
	id := first.Resolve("new note", notesApp)[0].IdentityID
	_, err = first.RegisterCommand(context.Background(), "compose", id, notesApp)
	require.NoError(t, err)
	graph := first.Graph(notesApp)
	first.Close()

	second := newService(t, cfg)
	assert.ElementsMatch(t, graph.Screens, second.Graph(notesApp).Screens)
	assert.Len(t, second.Graph(notesApp).Edges, len(graph.Edges))

	got := second.Resolve("compose", notesApp)
	require.NotEmpty(t, got)
	assert.Equal(t, id, got[0].IdentityID)
	_, ok := second.Identity(id)
	assert.True(t, ok)
}

func TestCloseAbortsRunningSessions(t *testing.T) {
	svc, err := New(context.Background(), testConfig(), nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	s, err := svc.LearnApp(context.Background(), newSource(t, "bank.yaml"), explorer.Options{AppID: bankApp})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.State().IsPaused() }, 10*time.Second, 5*time.Millisecond)

	svc.Close()
	svc.Close()

	assert.Equal(t, schemas.StateAborted, s.State())
	assert.Equal(t, explorer.ErrAborted.Error(), s.Report().Reason)

	_, err = svc.LearnApp(context.Background(), newSource(t, "notes.yaml"), explorer.Options{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewWithFactory(t *testing.T) {
	t.Run("should surface factory errors", func(t *testing.T) {
		f := new(MockFactory)
		f.On("Create", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("boom"))

		_, err := New(context.Background(), testConfig(), f, nil)
		assert.EqualError(t, err, "boom")
		f.AssertExpectations(t)
	})

	t.Run("should reject an invalid store", func(t *testing.T) {
		cfg := testConfig()
		cfg.StoreCfg.Type = "etcd"
		_, err := New(context.Background(), cfg, nil, zaptest.NewLogger(t))
		assert.ErrorContains(t, err, "failed to open store")
	})

	t.Run("should shut down when warm start fails", func(t *testing.T) {
		st := new(MockStore)
		st.On("ListApps", mock.Anything).Return(nil, errors.New("disk on fire"))
		st.On("Close").Return(nil)

		c, err := explorer.NewComponents(testConfig(), st, nil, nil)
		require.NoError(t, err)
		_, err = WarmStart(context.Background(), st, c, zaptest.NewLogger(t))
		assert.ErrorContains(t, err, "disk on fire")

		components := &Components{Store: st}
		components.Shutdown()
		st.AssertExpectations(t)
	})
}

func TestRegisterCommandFlushFailure(t *testing.T) {
	st := new(MockStore)
	st.On("FlushAliases", mock.Anything, mock.Anything).Return(errors.New("read-only"))
	st.On("Close").Return(nil)

	ec, err := explorer.NewComponents(testConfig(), st, nil, nil)
	require.NoError(t, err)
	el := &schemas.ElementSnapshot{Type: "Button", Text: "Compose", Clickable: true}
	ident := ec.Registry.ResolveOrCreate(identity.SignatureOf(el, nil), notesApp, "2.1")

	svc := &Service{
		c:        &Components{Store: st, Explorer: ec, history: NewHistory(1)},
		logger:   zaptest.NewLogger(t),
		sessions: map[string]*explorer.Session{},
	}
	defer svc.Close()

	alias, err := svc.RegisterCommand(context.Background(), "write", ident.ID, notesApp)
	assert.ErrorContains(t, err, "read-only")
	assert.Equal(t, "write", alias.Phrase)
	// The in-memory index keeps the alias; the next session flush persists it.
	assert.NotEmpty(t, svc.Resolve("write", notesApp))
}
