package platform_test

import (
	"context"
	"errors"
	"sync/atomic"
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

const model = `
app_id: com.example.clock
start: main
screens:
  main:
    elements:
      - {type: TextView, text: "Now {clock}"}
      - {type: Button, text: Alarms, clickable: true, goto: alarms}
  alarms:
    elements:
      - {type: TextView, text: Alarms}
`

func fastConfig() config.ExplorerConfig {
	cfg := config.NewDefaultConfig().Explorer()
	cfg.SettleTimeout = 200 * time.Millisecond
	cfg.SettlePollInterval = time.Millisecond
	return cfg
}

func newDriver(t *testing.T, src schemas.TreeSnapshotSource) *platform.Driver {
	t.Helper()
	return platform.NewDriver(src, fingerprint.NewDefault(), fastConfig(), zaptest.NewLogger(t))
}

func newReplay(t *testing.T) *replay.Source {
	t.Helper()
	m, err := replay.ParseModel([]byte(model))
	require.NoError(t, err)
	return replay.NewSource(m)
}

// churningSource renders a different screen on every read.
type churningSource struct {
	reads atomic.Int64
}

func (c *churningSource) Snapshot(ctx context.Context, _ schemas.ScreenHandle) (*schemas.ScreenSnapshot, error) {
	n := c.reads.Add(1)
	label := "frame " + string(rune('a'+n%26)) + string(rune('a'+(n/26)%26))
	return &schemas.ScreenSnapshot{Root: &schemas.ElementSnapshot{Type: "Frame", Label: label}}, nil
}

func (c *churningSource) Dispatch(context.Context, string, schemas.ActionKind) error { return nil }

// blankSource answers every read with neither a snapshot nor an error.
type blankSource struct{}

func (blankSource) Snapshot(context.Context, schemas.ScreenHandle) (*schemas.ScreenSnapshot, error) {
	return nil, nil
}

func (blankSource) Dispatch(context.Context, string, schemas.ActionKind) error { return nil }

func TestRead(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("should annotate paths", func(t *testing.T) {
		d := newDriver(t, newReplay(t))
		snap, err := d.Read(context.Background())
		require.NoError(t, err)
		require.Len(t, snap.Root.Children, 2)
		assert.Equal(t, "Window", snap.Root.Children[1].AncestorPath)
	})

	t.Run("should retry once", func(t *testing.T) {
		src := newReplay(t)
		src.FailNextReads(1)
		_, err := newDriver(t, src).Read(context.Background())
		assert.NoError(t, err)
	})

	t.Run("should report a transient failure after the retry", func(t *testing.T) {
		src := newReplay(t)
		src.FailNextReads(2)
		_, err := newDriver(t, src).Read(context.Background())
		require.Error(t, err)
		assert.True(t, platform.IsTransient(err))
		assert.ErrorIs(t, err, replay.ErrInjected)
	})

	t.Run("should treat a missing snapshot as a transient failure", func(t *testing.T) {
		snap, err := newDriver(t, blankSource{}).Read(context.Background())
		require.Error(t, err)
		assert.Nil(t, snap)
		assert.True(t, platform.IsTransient(err))
	})

	t.Run("should not retry a canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := newDriver(t, newReplay(t)).Read(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, platform.IsTransient(err))
	})
}

func TestDispatchRetry(t *testing.T) {
	defer goleak.VerifyNone(t)
	src := newReplay(t)
	d := newDriver(t, src)
	ctx := context.Background()

	src.FailNextDispatches(1)
	require.NoError(t, d.Dispatch(ctx, "main:1", schemas.ActionClick))
	assert.Equal(t, "alarms", src.Current())

	src.FailNextDispatches(2)
	err := d.Dispatch(ctx, "", schemas.ActionBack)
	assert.True(t, platform.IsTransient(err))
	assert.Equal(t, "alarms", src.Current())
}

func TestSettle(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("should return once two reads agree", func(t *testing.T) {
		src := newReplay(t)
		d := newDriver(t, src)
		settled, err := d.Act(context.Background(), "main:1", schemas.ActionClick)
		require.NoError(t, err)
		assert.Equal(t, "alarms", settled.Snapshot.Window)
		assert.Equal(t, fingerprint.NewDefault().Compute(settled.Snapshot), settled.Fingerprint)
	})

	t.Run("should time out on a screen that never settles", func(t *testing.T) {
		src := &churningSource{}
		d := newDriver(t, src)
		start := time.Now()
		_, err := d.Settle(context.Background())
		require.Error(t, err)
		assert.True(t, errors.Is(err, platform.ErrDispatchTimeout))
		assert.True(t, platform.IsTransient(err), "a settle timeout is a transient failure")
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("should time out instead of crashing on missing snapshots", func(t *testing.T) {
		settled, err := newDriver(t, blankSource{}).Settle(context.Background())
		require.Error(t, err)
		assert.Nil(t, settled.Snapshot)
		assert.ErrorIs(t, err, platform.ErrDispatchTimeout)
		assert.ErrorContains(t, err, "no snapshot")
	})

	t.Run("should stop waiting when canceled", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := newDriver(t, &churningSource{}).Settle(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestCleanupRunsAfterCancel(t *testing.T) {
	defer goleak.VerifyNone(t)
	src := newReplay(t)
	d := newDriver(t, src)

	_, err := d.Act(context.Background(), "main:1", schemas.ActionClick)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Cleanup(ctx, "", schemas.ActionBack)
	require.NoError(t, err)
	assert.Equal(t, "main", src.Current())
}
