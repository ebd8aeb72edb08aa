package replay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/cartographer/api/schemas"
)

var (
	// ErrInjected is returned by reads and dispatches failed on purpose.
	ErrInjected = errors.New("replay: injected failure")
	// ErrStaleRef is returned when a ref belongs to a screen that is no
	// longer in the foreground.
	ErrStaleRef = errors.New("replay: stale element ref")
	// ErrNotActionable is returned for actions the element cannot take.
	ErrNotActionable = errors.New("replay: element does not support action")
)

// Action is one dispatch the source received.
type Action struct {
	Screen string
	Ref    string
	Kind   schemas.ActionKind
}

type frame struct {
	screen  string
	offsets map[string]int
}

var _ schemas.TreeSnapshotSource = (*Source)(nil)

// Source plays a Model as if it were a live device. Clicking an element with
// a goto pushes that screen, back pops it, and scrolling pages a container.
// It is safe for concurrent use.
type Source struct {
	mu    sync.Mutex
	model *Model
	clock func() time.Time

	stack          []*frame
	failReads      int
	failDispatches int
	excessBacks    int
	actions        []Action
}

// Option configures a Source.
type Option func(*Source)

// WithClock replaces the wall clock used for {clock} placeholders.
func WithClock(clock func() time.Time) Option {
	return func(s *Source) { s.clock = clock }
}

// NewSource starts the model on its start screen.
func NewSource(m *Model, opts ...Option) *Source {
	s := &Source{model: m, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.stack = []*frame{newFrame(m.Start)}
	return s
}

func newFrame(screen string) *frame {
	return &frame{screen: screen, offsets: make(map[string]int)}
}

// Snapshot renders the foreground screen. Only the foreground can be read.
func (s *Source) Snapshot(ctx context.Context, screen schemas.ScreenHandle) (*schemas.ScreenSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failReads > 0 {
		s.failReads--
		return nil, ErrInjected
	}
	top := s.top()
	if screen != schemas.ForegroundScreen && string(screen) != top.screen {
		return nil, fmt.Errorf("replay: screen %q is not in the foreground", screen)
	}

	spec := s.model.Screens[top.screen]
	appID := s.model.AppID
	if spec.ForeignApp != "" {
		appID = spec.ForeignApp
	}
	window := spec.Window
	if window == "" {
		window = top.screen
	}
	return &schemas.ScreenSnapshot{
		AppID:      appID,
		AppVersion: s.model.AppVersion,
		Window:     window,
		Root: &schemas.ElementSnapshot{
			Type:     "Window",
			Ref:      top.screen + ":",
			Children: s.render(top, spec.Elements, ""),
		},
		CapturedAt: s.clock(),
	}, nil
}

func (s *Source) render(f *frame, specs []ElementSpec, prefix string) []*schemas.ElementSnapshot {
	out := make([]*schemas.ElementSnapshot, 0, len(specs))
	for i, spec := range specs {
		out = append(out, s.renderOne(f, spec, joinPath(prefix, strconv.Itoa(i))))
	}
	return out
}

func (s *Source) renderOne(f *frame, spec ElementSpec, path string) *schemas.ElementSnapshot {
	el := &schemas.ElementSnapshot{
		Ref:         f.screen + ":" + path,
		Type:        spec.Type,
		Text:        s.expand(spec.Text),
		Label:       s.expand(spec.Label),
		ResourceTag: spec.Tag,
		Clickable:   spec.Clickable,
		Focusable:   spec.Focusable,
		Scrollable:  spec.Scrollable,
		Editable:    spec.Editable,
		Masked:      spec.Masked,
		Children:    s.render(f, spec.Children, path),
	}
	lo, hi := visibleRange(spec, f.offsets[path])
	for k := lo; k < hi; k++ {
		el.Children = append(el.Children, s.renderOne(f, spec.Items[k], joinPath(path, "i"+strconv.Itoa(k))))
	}
	return el
}

func (s *Source) expand(text string) string {
	if !strings.Contains(text, "{") {
		return text
	}
	return strings.NewReplacer(
		"{clock}", s.clock().Format("15:04:05"),
		"{depth}", strconv.Itoa(len(s.stack)),
	).Replace(text)
}

func visibleRange(spec ElementSpec, offset int) (int, int) {
	if len(spec.Items) == 0 {
		return 0, 0
	}
	if spec.PageSize <= 0 {
		return 0, len(spec.Items)
	}
	return offset, min(offset+spec.PageSize, len(spec.Items))
}

func joinPath(prefix, seg string) string {
	if prefix == "" {
		return seg
	}
	return prefix + "." + seg
}

// Dispatch applies action to the element behind ref.
func (s *Source) Dispatch(ctx context.Context, ref string, action schemas.ActionKind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failDispatches > 0 {
		s.failDispatches--
		return ErrInjected
	}
	top := s.top()
	s.actions = append(s.actions, Action{Screen: top.screen, Ref: ref, Kind: action})

	if action == schemas.ActionBack {
		if len(s.stack) == 1 {
			s.excessBacks++
			return nil
		}
		s.stack = s.stack[:len(s.stack)-1]
		return nil
	}

	spec, path, err := s.resolve(top, ref)
	if err != nil {
		return err
	}
	switch action {
	case schemas.ActionClick:
		if !spec.Clickable {
			return fmt.Errorf("%w: %s is not clickable", ErrNotActionable, ref)
		}
		if spec.Goto != "" {
			s.stack = append(s.stack, newFrame(spec.Goto))
		}
	case schemas.ActionScrollForward, schemas.ActionScrollBackward:
		if !spec.Scrollable {
			return fmt.Errorf("%w: %s is not scrollable", ErrNotActionable, ref)
		}
		if spec.PageSize <= 0 {
			return nil
		}
		offset := top.offsets[path]
		if action == schemas.ActionScrollForward {
			offset = min(offset+spec.PageSize, max(len(spec.Items)-spec.PageSize, 0))
		} else {
			offset = max(offset-spec.PageSize, 0)
		}
		top.offsets[path] = offset
	default:
		return fmt.Errorf("%w: unknown action %q", ErrNotActionable, action)
	}
	return nil
}

// resolve maps a ref onto the element spec it was rendered from. Rows of a
// container resolve only while they are on screen.
func (s *Source) resolve(f *frame, ref string) (ElementSpec, string, error) {
	screen, path, ok := strings.Cut(ref, ":")
	if !ok || screen != f.screen || path == "" {
		return ElementSpec{}, "", fmt.Errorf("%w: %q", ErrStaleRef, ref)
	}

	specs := s.model.Screens[f.screen].Elements
	var (
		current ElementSpec
		parent  ElementSpec
		walked  string
	)
	for i, seg := range strings.Split(path, ".") {
		if strings.HasPrefix(seg, "i") {
			k, err := strconv.Atoi(seg[1:])
			if err != nil || i == 0 || k < 0 || k >= len(parent.Items) {
				return ElementSpec{}, "", fmt.Errorf("%w: %q", ErrStaleRef, ref)
			}
			lo, hi := visibleRange(parent, f.offsets[walked])
			if k < lo || k >= hi {
				return ElementSpec{}, "", fmt.Errorf("%w: %q is scrolled out of view", ErrStaleRef, ref)
			}
			current = parent.Items[k]
		} else {
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(specs) {
				return ElementSpec{}, "", fmt.Errorf("%w: %q", ErrStaleRef, ref)
			}
			current = specs[idx]
		}
		walked = joinPath(walked, seg)
		parent = current
		specs = current.Children
	}
	return current, path, nil
}

func (s *Source) top() *frame { return s.stack[len(s.stack)-1] }

// CompleteLogin simulates a user finishing the prompt on the current screen:
// the screen is replaced by its after_resume target.
func (s *Source) CompleteLogin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	top := s.top()
	next := s.model.Screens[top.screen].AfterResume
	if next == "" {
		return fmt.Errorf("replay: screen %q has no after_resume target", top.screen)
	}
	s.stack[len(s.stack)-1] = newFrame(next)
	return nil
}

// FailNextReads makes the next n snapshot reads fail.
func (s *Source) FailNextReads(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failReads = n
}

// FailNextDispatches makes the next n dispatches fail.
func (s *Source) FailNextDispatches(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDispatches = n
}

// Current returns the name of the foreground screen.
func (s *Source) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.top().screen
}

// Depth returns how many screens are on the navigation stack.
func (s *Source) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stack)
}

// ExcessBacks counts back actions issued on the start screen, which on a
// device would have left the app.
func (s *Source) ExcessBacks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.excessBacks
}

// Actions returns a copy of every dispatch received so far.
func (s *Source) Actions() []Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Action(nil), s.actions...)
}

// Offset returns the scroll offset of the container at path on the
// foreground screen.
func (s *Source) Offset(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.top().offsets[path]
}
