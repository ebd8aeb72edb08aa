package scroll

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/config"
	"github.com/xkilldash9x/cartographer/internal/fingerprint"
	"github.com/xkilldash9x/cartographer/internal/platform"
	"github.com/xkilldash9x/cartographer/internal/replay"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

const contacts = `
app_id: com.example.contacts
start: list
screens:
  list:
    elements:
      - {type: TextView, text: Contacts}
      - type: ListView
        tag: "com.example.contacts:id/people"
        scrollable: true
        page_size: 2
        items:
          - {type: TextView, text: Ada, clickable: true}
          - {type: TextView, text: Brian, clickable: true}
          - {type: TextView, text: Chen, clickable: true}
          - {type: TextView, text: Dana, clickable: true}
          - {type: TextView, text: Emil, clickable: true}
      - type: ScrollView
        tag: stuck
        scrollable: true
        children:
          - {type: TextView, text: Static}
`

type fixture struct {
	src      *replay.Source
	driver   *platform.Driver
	revealer *Revealer
}

func newFixture(t *testing.T, maxSteps int) *fixture {
	t.Helper()
	m, err := replay.ParseModel([]byte(contacts))
	require.NoError(t, err)
	src := replay.NewSource(m)

	cfg := config.NewDefaultConfig().Explorer()
	cfg.SettleTimeout = 200 * time.Millisecond
	cfg.SettlePollInterval = time.Millisecond
	logger := zaptest.NewLogger(t)
	driver := platform.NewDriver(src, fingerprint.NewDefault(), cfg, logger)
	return &fixture{
		src:      src,
		driver:   driver,
		revealer: NewRevealer(driver, config.ScrollConfig{MaxSteps: maxSteps}, logger),
	}
}

func (f *fixture) container(t *testing.T, tag string) *schemas.ElementSnapshot {
	t.Helper()
	snap, err := f.driver.Read(context.Background())
	require.NoError(t, err)
	for _, el := range snap.Elements() {
		if el.Scrollable && el.ShortTag() == tag {
			return el
		}
	}
	t.Fatalf("no container %q", tag)
	return nil
}

func texts(batches []Batch) map[string]int {
	out := map[string]int{}
	for _, b := range batches {
		for _, el := range b.Elements {
			out[el.Text] = b.Step
		}
	}
	return out
}

func TestRevealStopsAtScrollEnd(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, 20)
	list := f.container(t, "people")

	batches, err := f.revealer.RevealAll(context.Background(), list)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Chen": 1, "Dana": 1, "Emil": 2}, texts(batches))

	// Two forward scrolls reveal everything; the third one shows nothing new
	// and ends the loop. The container is back at its origin afterwards.
	var forward, backward int
	for _, a := range f.src.Actions() {
		switch a.Kind {
		case schemas.ActionScrollForward:
			forward++
		case schemas.ActionScrollBackward:
			backward++
		}
	}
	assert.Equal(t, 3, forward)
	assert.Equal(t, forward, backward)
	assert.Equal(t, 0, f.src.Offset("1"))
}

func TestRevealCarriesAncestorChains(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, 20)
	list := f.container(t, "people")

	batches, err := f.revealer.RevealAll(context.Background(), list)
	require.NoError(t, err)
	require.NotEmpty(t, batches)
	for _, b := range batches {
		require.Len(t, b.Ancestors, len(b.Elements))
		for i, chain := range b.Ancestors {
			require.Len(t, chain, 2, b.Elements[i].Text)
			assert.Same(t, b.Parents[i], chain[0])
			assert.Equal(t, "people", chain[0].ShortTag(), "nearest ancestor first")
			assert.Equal(t, "Window", chain[1].Type, "the chain ends at the screen root")
		}
	}
}

func TestRevealIsRestartable(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, 20)
	list := f.container(t, "people")
	seq := f.revealer.Reveal(context.Background(), list)

	collect := func() map[string]int {
		var batches []Batch
		for b, err := range seq {
			require.NoError(t, err)
			batches = append(batches, b)
		}
		return texts(batches)
	}
	first := collect()
	assert.Equal(t, first, collect())
}

func TestRevealIsLazy(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, 20)
	list := f.container(t, "people")

	_ = f.revealer.Reveal(context.Background(), list)
	assert.Empty(t, f.src.Actions())

	// Stopping after the first batch still restores the origin.
	for b, err := range f.revealer.Reveal(context.Background(), list) {
		require.NoError(t, err)
		assert.Equal(t, 1, b.Step)
		break
	}
	assert.Equal(t, 0, f.src.Offset("1"))
}

func TestRevealHonorsStepBudget(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, 1)
	list := f.container(t, "people")

	batches, err := f.revealer.RevealAll(context.Background(), list)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Chen": 1, "Dana": 1}, texts(batches))
	assert.Equal(t, 0, f.src.Offset("1"))
}

func TestRevealOnStaticContainer(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, 20)
	stuck := f.container(t, "stuck")

	batches, err := f.revealer.RevealAll(context.Background(), stuck)
	require.NoError(t, err)
	assert.Empty(t, batches)
	assert.Len(t, f.src.Actions(), 2, "one probe forward and one restore")
}

func TestRevealYieldsErrors(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("should surface dispatch failures", func(t *testing.T) {
		f := newFixture(t, 20)
		list := f.container(t, "people")
		f.src.FailNextDispatches(2)

		_, err := f.revealer.RevealAll(context.Background(), list)
		require.Error(t, err)
		assert.True(t, platform.IsTransient(err))
	})

	t.Run("should stop on cancellation and still scroll back", func(t *testing.T) {
		f := newFixture(t, 20)
		list := f.container(t, "people")
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var got error
		for _, err := range f.revealer.Reveal(ctx, list) {
			if err != nil {
				got = err
				break
			}
			cancel()
		}
		assert.ErrorIs(t, got, context.Canceled)
		assert.Equal(t, 0, f.src.Offset("1"))
	})
}

func TestSeekAndRewind(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, 20)
	list := f.container(t, "people")
	ctx := context.Background()

	settled, c, err := f.revealer.Seek(ctx, ContainerOf(list), 2)
	require.NoError(t, err)
	assert.Equal(t, 3, f.src.Offset("1"))
	found := false
	for _, el := range settled.Snapshot.Elements() {
		found = found || el.Text == "Emil"
	}
	assert.True(t, found)

	require.NoError(t, f.revealer.Rewind(ctx, c, 2))
	assert.Equal(t, 0, f.src.Offset("1"))
}

func TestFindFallsBackToPath(t *testing.T) {
	f := newFixture(t, 20)
	list := f.container(t, "people")
	snap, err := f.driver.Read(context.Background())
	require.NoError(t, err)

	c := ContainerOf(list)
	c.Ref = "gone"
	assert.Equal(t, list.Ref, Find(snap, c).Ref)

	assert.Nil(t, Find(snap, Container{Ref: "x", Path: "Window>Nope"}))
	assert.Nil(t, Find(nil, c))
}
