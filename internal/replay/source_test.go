package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/cartographer/api/schemas"
)

func loadNotes(t *testing.T) *Source {
	t.Helper()
	m, err := LoadModel("testdata/notes.yaml")
	require.NoError(t, err)
	fixed := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	return NewSource(m, WithClock(func() time.Time { return fixed }))
}

func find(t *testing.T, snap *schemas.ScreenSnapshot, text string) *schemas.ElementSnapshot {
	t.Helper()
	for _, el := range snap.Elements() {
		if el.Text == text || el.Label == text {
			return el
		}
	}
	t.Fatalf("element %q not on screen %s", text, snap.Window)
	return nil
}

func TestSnapshotRendersForegroundScreen(t *testing.T) {
	t.Parallel()
	src := loadNotes(t)
	ctx := context.Background()

	snap, err := src.Snapshot(ctx, schemas.ForegroundScreen)
	require.NoError(t, err)
	assert.Equal(t, "com.example.notes", snap.AppID)
	assert.Equal(t, "2.1", snap.AppVersion)
	assert.Equal(t, "MainActivity", snap.Window)

	find(t, snap, "Notes  09:30:00")
	find(t, snap, "Groceries")
	find(t, snap, "Packing list")
	for _, el := range snap.Elements() {
		assert.NotEqual(t, "Birthday ideas", el.Text, "only the first page of rows is visible")
	}

	_, err = src.Snapshot(ctx, "settings")
	assert.Error(t, err)
}

func TestClickAndBack(t *testing.T) {
	t.Parallel()
	src := loadNotes(t)
	ctx := context.Background()

	home, err := src.Snapshot(ctx, schemas.ForegroundScreen)
	require.NoError(t, err)
	require.NoError(t, src.Dispatch(ctx, find(t, home, "Settings").Ref, schemas.ActionClick))
	assert.Equal(t, "settings", src.Current())
	assert.Equal(t, 2, src.Depth())

	// Refs from the previous screen are stale now.
	err = src.Dispatch(ctx, find(t, home, "New note").Ref, schemas.ActionClick)
	assert.ErrorIs(t, err, ErrStaleRef)

	settings, err := src.Snapshot(ctx, schemas.ForegroundScreen)
	require.NoError(t, err)
	require.NoError(t, src.Dispatch(ctx, find(t, settings, "Dark theme").Ref, schemas.ActionClick))
	assert.Equal(t, "settings", src.Current(), "a click without goto stays put")

	err = src.Dispatch(ctx, find(t, settings, "Settings").Ref, schemas.ActionClick)
	assert.ErrorIs(t, err, ErrNotActionable)

	require.NoError(t, src.Dispatch(ctx, "", schemas.ActionBack))
	assert.Equal(t, "home", src.Current())
	require.NoError(t, src.Dispatch(ctx, "", schemas.ActionBack))
	assert.Equal(t, 1, src.ExcessBacks())
	assert.Len(t, src.Actions(), 6, "failed dispatches are recorded too")
}

func TestScrollPagesAndClamps(t *testing.T) {
	t.Parallel()
	src := loadNotes(t)
	ctx := context.Background()

	home, err := src.Snapshot(ctx, schemas.ForegroundScreen)
	require.NoError(t, err)
	var list *schemas.ElementSnapshot
	for _, el := range home.Elements() {
		if el.Scrollable {
			list = el
		}
	}
	require.NotNil(t, list)

	require.NoError(t, src.Dispatch(ctx, list.Ref, schemas.ActionScrollForward))
	assert.Equal(t, 2, src.Offset("1"))
	require.NoError(t, src.Dispatch(ctx, list.Ref, schemas.ActionScrollForward))
	assert.Equal(t, 3, src.Offset("1"), "five rows with two per page end at offset three")
	require.NoError(t, src.Dispatch(ctx, list.Ref, schemas.ActionScrollForward))
	assert.Equal(t, 3, src.Offset("1"))

	scrolled, err := src.Snapshot(ctx, schemas.ForegroundScreen)
	require.NoError(t, err)
	find(t, scrolled, "Reading list")
	find(t, scrolled, "Recipes")

	// Rows scrolled out of view cannot be clicked.
	err = src.Dispatch(ctx, find(t, home, "Groceries").Ref, schemas.ActionClick)
	assert.ErrorIs(t, err, ErrStaleRef)

	for i := 0; i < 3; i++ {
		require.NoError(t, src.Dispatch(ctx, list.Ref, schemas.ActionScrollBackward))
	}
	assert.Equal(t, 0, src.Offset("1"))
}

func TestFailureInjection(t *testing.T) {
	t.Parallel()
	src := loadNotes(t)
	ctx := context.Background()

	src.FailNextReads(1)
	_, err := src.Snapshot(ctx, schemas.ForegroundScreen)
	assert.ErrorIs(t, err, ErrInjected)
	_, err = src.Snapshot(ctx, schemas.ForegroundScreen)
	assert.NoError(t, err)

	src.FailNextDispatches(2)
	assert.ErrorIs(t, src.Dispatch(ctx, "", schemas.ActionBack), ErrInjected)
	assert.ErrorIs(t, src.Dispatch(ctx, "", schemas.ActionBack), ErrInjected)
	assert.NoError(t, src.Dispatch(ctx, "", schemas.ActionBack))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = src.Snapshot(canceled, schemas.ForegroundScreen)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestCompleteLogin(t *testing.T) {
	t.Parallel()
	m, err := ParseModel([]byte(`
app_id: com.example.bank
start: login
screens:
  login:
    after_resume: dashboard
    elements:
      - {type: EditText, label: Password, masked: true, editable: true}
  dashboard:
    elements:
      - {type: TextView, text: "Balance"}
`))
	require.NoError(t, err)
	src := NewSource(m)

	require.NoError(t, src.CompleteLogin())
	assert.Equal(t, "dashboard", src.Current())
	assert.Equal(t, 1, src.Depth())
	assert.Error(t, src.CompleteLogin(), "dashboard has no after_resume target")
}

func TestParseModelValidation(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name string
		doc  string
		msg  string
	}{
		{"missing app", "start: a\nscreens: {a: {}}", "app_id"},
		{"missing start", "app_id: x\nstart: b\nscreens: {a: {}}", "start screen"},
		{"dangling goto", "app_id: x\nstart: a\nscreens:\n  a:\n    elements:\n      - {type: Button, text: Go, goto: nowhere}", "undefined screen"},
		{"dangling resume", "app_id: x\nstart: a\nscreens:\n  a:\n    after_resume: b", "resumes to undefined"},
		{"items without scroll", "app_id: x\nstart: a\nscreens:\n  a:\n    elements:\n      - {type: List, items: [{type: Row}]}", "not scrollable"},
	}
	for _, tc := range testCases {
		tt := tc
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseModel([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}
