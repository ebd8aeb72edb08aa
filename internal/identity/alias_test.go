package identity

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/config"
	"go.uber.org/zap/zaptest"
)

func newIndex(t *testing.T) *AliasIndex {
	t.Helper()
	return NewAliasIndex(config.NewDefaultConfig().Alias(), zaptest.NewLogger(t))
}

func TestNormalizePhrase(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "open settings", NormalizePhrase("  Open\tSETTINGS \n"))
	assert.Equal(t, "", NormalizePhrase("   "))
}

func TestAddAlias(t *testing.T) {
	t.Parallel()
	idx := newIndex(t)

	added, err := idx.AddAlias(" New  Note ", "el_1", app, schemas.AliasAuto)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = idx.AddAlias("new note", "el_1", app, schemas.AliasAuto)
	require.NoError(t, err)
	assert.False(t, added, "the same alias is stored once")

	added, err = idx.AddAlias("new note", "el_2", app, schemas.AliasAuto)
	require.NoError(t, err)
	assert.True(t, added, "a phrase may point at several identities")

	_, err = idx.AddAlias("   ", "el_1", app, schemas.AliasManual)
	assert.ErrorIs(t, err, ErrEmptyPhrase)
	_, err = idx.AddAlias("x", "", app, schemas.AliasManual)
	assert.Error(t, err)

	aliases := idx.ForApp(app)
	require.Len(t, aliases, 2)
	assert.Equal(t, "new note", aliases[0].Phrase)
	assert.False(t, aliases[0].CreatedAt.IsZero())
	assert.Equal(t, []string{app}, idx.Apps())
}

func TestResolveRanking(t *testing.T) {
	t.Parallel()
	idx := newIndex(t)
	mustAdd := func(phrase, id string, src schemas.AliasSource) {
		_, err := idx.AddAlias(phrase, id, app, src)
		require.NoError(t, err)
	}
	mustAdd("settings", "el_b", schemas.AliasAuto)
	mustAdd("settings", "el_a", schemas.AliasAuto)
	mustAdd("settings", "el_c", schemas.AliasManual)
	mustAdd("setting", "el_d", schemas.AliasAuto)
	mustAdd("sign out", "el_e", schemas.AliasAuto)
	mustAdd("settings", "el_d", schemas.AliasAuto)

	got := idx.Resolve("Settings", app)
	require.Len(t, got, 4)
	ids := []string{got[0].IdentityID, got[1].IdentityID, got[2].IdentityID, got[3].IdentityID}
	assert.Equal(t, []string{"el_c", "el_a", "el_b", "el_d"}, ids, "manual before auto, then by id")
	for _, c := range got {
		assert.True(t, c.Exact)
		assert.Equal(t, 1.0, c.Score)
	}

	fuzzy := idx.Resolve("setings", app)
	require.NotEmpty(t, fuzzy)
	for _, c := range fuzzy {
		assert.False(t, c.Exact)
		assert.GreaterOrEqual(t, c.Score, 0.70)
		assert.NotEqual(t, "el_e", c.IdentityID)
	}
	assert.Len(t, fuzzy, 4, "each identity is listed once with its best score")
	assert.Equal(t, "el_c", fuzzy[0].IdentityID)

	assert.Empty(t, idx.Resolve("purchase", app))
}

func TestResolveExactBeforeFuzzy(t *testing.T) {
	t.Parallel()
	idx := newIndex(t)
	_, _ = idx.AddAlias("compose", "el_fuzzy", app, schemas.AliasManual)
	_, _ = idx.AddAlias("composer", "el_exact", app, schemas.AliasAuto)

	got := idx.Resolve("composer", app)
	require.Len(t, got, 2)
	assert.Equal(t, "el_exact", got[0].IdentityID)
	assert.Equal(t, "el_fuzzy", got[1].IdentityID)
}

func TestResolveLimitsCandidates(t *testing.T) {
	t.Parallel()
	idx := NewAliasIndex(config.AliasConfig{SimilarityThreshold: 0.5, MaxCandidates: 2}, nil)
	for i := 0; i < 5; i++ {
		_, err := idx.AddAlias("row", fmt.Sprintf("el_%d", i), app, schemas.AliasAuto)
		require.NoError(t, err)
	}
	assert.Len(t, idx.Resolve("row", app), 2)
}

func TestResolveOnEmptyApp(t *testing.T) {
	t.Parallel()
	idx := newIndex(t)
	assert.NotPanics(t, func() {
		got := idx.Resolve("recent", "com.never.learned")
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})
	assert.Empty(t, idx.Resolve("", app))
}

func TestResolveIsDeterministic(t *testing.T) {
	t.Parallel()
	build := func(reverse bool) *AliasIndex {
		idx := newIndex(t)
		phrases := []string{"inbox", "inbox zero", "in box", "index", "outbox"}
		if reverse {
			for i, j := 0, len(phrases)-1; i < j; i, j = i+1, j-1 {
				phrases[i], phrases[j] = phrases[j], phrases[i]
			}
		}
		for _, p := range phrases {
			_, err := idx.AddAlias(p, "el_"+p, app, schemas.AliasAuto)
			require.NoError(t, err)
		}
		return idx
	}
	assert.Equal(t, build(false).Resolve("inbox", app), build(true).Resolve("inbox", app))
}

func TestAliasLoad(t *testing.T) {
	t.Parallel()
	idx := newIndex(t)
	n := idx.Load([]schemas.Alias{
		{Phrase: "Share", IdentityID: "el_1", AppID: app, Source: schemas.AliasAuto, CreatedAt: time.Now()},
		{Phrase: "share", IdentityID: "el_1", AppID: app, Source: schemas.AliasAuto},
		{Phrase: "", IdentityID: "el_2", AppID: app},
	})
	assert.Equal(t, 1, n)
	got := idx.Resolve("share", app)
	require.Len(t, got, 1)
	assert.Equal(t, "el_1", got[0].IdentityID)
}

func TestResolveDuringWrites(t *testing.T) {
	t.Parallel()
	idx := newIndex(t)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 300; i++ {
			_, _ = idx.AddAlias(fmt.Sprintf("item %d", i), fmt.Sprintf("el_%d", i), app, schemas.AliasAuto)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 300; i++ {
			for _, c := range idx.Resolve("item 1", app) {
				assert.NotEmpty(t, c.IdentityID)
			}
		}
	}()
	wg.Wait()
	assert.Len(t, idx.ForApp(app), 300)
}

func TestAutoPhrases(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"send", "send message"},
		AutoPhrases(&schemas.ElementSnapshot{Text: "Send", Label: "Send message"}))
	assert.Equal(t, []string{"send"},
		AutoPhrases(&schemas.ElementSnapshot{Text: "Send", Label: "send"}))
	assert.Equal(t, []string{"btn compose"},
		AutoPhrases(&schemas.ElementSnapshot{ResourceTag: "com.example:id/btn_compose"}))
	assert.Empty(t, AutoPhrases(&schemas.ElementSnapshot{Type: "FrameLayout"}))
	assert.Nil(t, AutoPhrases(nil))
}

func TestSimilarity(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 1.0, Similarity("", ""))
	assert.Equal(t, 1.0, Similarity("abc", "abc"))
	assert.Equal(t, 0.0, Similarity("abc", ""))
	assert.InDelta(t, 0.875, Similarity("settings", "setings"), 1e-9)
	assert.InDelta(t, 0.75, Similarity("café", "cafe"), 1e-9, "distance is counted in runes")
}
