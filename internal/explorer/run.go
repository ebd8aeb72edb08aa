package explorer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/classifier"
	"github.com/xkilldash9x/cartographer/internal/events"
	"github.com/xkilldash9x/cartographer/internal/fingerprint"
	"github.com/xkilldash9x/cartographer/internal/identity"
	"github.com/xkilldash9x/cartographer/internal/platform"
	"github.com/xkilldash9x/cartographer/internal/scroll"
)

const (
	defaultMaxDepth    = 8
	defaultMaxDuration = 10 * time.Minute
	defaultMaxFailures = 3
)

// target is an element worth clicking. It is located again by signature
// before every click because refs go stale between reads.
type target struct {
	id    string
	key   string
	nth   int
	label string

	// Set for elements that only appear after scrolling container.
	container scroll.Container
	step      int
}

// outcome describes where trying one target left the explorer.
type outcome int

const (
	// branchDone: the branch was fully explored and the screen is restored.
	branchDone outcome = iota
	// branchPartial: the screen is restored but the branch is unfinished.
	branchPartial
	// branchDrifted: the explorer no longer knows it is on the screen.
	branchDrifted
)

// run holds the state of one session's walk. Only the session goroutine
// touches it.
type run struct {
	e        *Engine
	s        *Session
	log      *zap.Logger
	driver   *platform.Driver
	revealer *scroll.Revealer
	visited  *fingerprint.VisitedIndex
	progress rate.Sometimes

	expectApp   string
	appID       string
	appVersion  string
	maxDepth    int
	maxDuration time.Duration
	maxFailures int
	failures    int

	// seen holds identities first encountered by this session.
	seen map[string]struct{}
}

func newRun(e *Engine, s *Session, source schemas.TreeSnapshotSource, opts Options) *run {
	d, rv := e.newDriver(source)
	r := &run{
		e:           e,
		s:           s,
		log:         e.logger.With(zap.String("session_id", s.ID())),
		driver:      d,
		revealer:    rv,
		visited:     fingerprint.NewVisitedIndex(),
		expectApp:   opts.AppID,
		maxDepth:    e.explorer.MaxDepth,
		maxDuration: e.explorer.MaxDuration,
		maxFailures: e.explorer.MaxConsecutiveFailures,
		seen:        make(map[string]struct{}),
	}
	if opts.MaxDepth > 0 {
		r.maxDepth = opts.MaxDepth
	}
	if opts.MaxDuration > 0 {
		r.maxDuration = opts.MaxDuration
	}
	if r.maxDepth <= 0 {
		r.maxDepth = defaultMaxDepth
	}
	if r.maxDuration <= 0 {
		r.maxDuration = defaultMaxDuration
	}
	if r.maxFailures <= 0 {
		r.maxFailures = defaultMaxFailures
	}
	if interval := e.explorer.ProgressInterval; interval > 0 {
		r.progress = rate.Sometimes{Interval: interval}
	} else {
		r.progress = rate.Sometimes{Every: 1}
	}
	return r
}

func (r *run) execute(ctx context.Context) error {
	root, err := r.first(ctx)
	if err != nil {
		return err
	}
	snap := root.Snapshot
	if r.expectApp != "" && snap.AppID != r.expectApp {
		return fmt.Errorf("foreground app is %q, expected %q", snap.AppID, r.expectApp)
	}
	r.appID, r.appVersion = snap.AppID, snap.AppVersion
	r.s.setApp(r.appID, r.appVersion)
	r.log = r.log.With(zap.String("app_id", r.appID))
	r.seed(ctx)

	if r.visited.IsComplete(root.Fingerprint) {
		r.log.Info("Start screen is already fully explored for this app version.",
			zap.String("app_version", r.appVersion))
		return nil
	}
	r.enter(root.Fingerprint)
	_, err = r.explore(ctx, root, 0)
	return err
}

// first reads the start screen, tolerating transient failures up to the
// consecutive failure limit.
func (r *run) first(ctx context.Context) (platform.Settled, error) {
	for {
		settled, err := r.driver.Settle(ctx)
		if err == nil {
			return settled, nil
		}
		if fatal := r.fail("read", err); fatal != nil {
			return platform.Settled{}, fatal
		}
	}
}

func (r *run) seed(ctx context.Context) {
	store := r.e.c.Store
	if store == nil || !r.e.explorer.ResumeFromStore {
		return
	}
	fps, err := store.LoadVisitedStates(ctx, r.appID, r.appVersion)
	if err != nil {
		r.log.Warn("Could not load visited screens, exploring from scratch.", zap.Error(err))
		return
	}
	r.visited.Seed(fps)
	if len(fps) > 0 {
		r.log.Info("Resuming from stored progress.", zap.Int("complete_screens", len(fps)))
	}
}

// explore visits a screen that is in the foreground right now. It reports
// whether the screen and everything reachable from it was fully explored.
func (r *run) explore(ctx context.Context, cur platform.Settled, depth int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := r.checkTime(); err != nil {
		return false, err
	}
	r.s.setDepth(depth)
	fp := cur.Fingerprint
	log := r.log.With(zap.String("screen", string(fp)), zap.Int("depth", depth))

	if reason, ok := r.e.c.Classifier.DetectPause(cur.Snapshot); ok {
		return r.waitForUser(ctx, cur, depth, reason, r.gateTrigger(cur.Snapshot, reason))
	}

	targets, containers := r.catalog(cur.Snapshot)
	if len(containers) > 0 {
		revealed, g, err := r.reveal(ctx, containers)
		if err != nil {
			return false, err
		}
		targets = append(targets, revealed...)

		fresh, err := r.driver.Settle(ctx)
		if err != nil {
			return false, r.fail("read", err)
		}
		if fresh.Fingerprint != fp {
			log.Warn("Screen changed while revealing scrolled content, leaving it.")
			return false, nil
		}
		cur = fresh
		if g != nil {
			log.Debug("Gate found below the fold.", zap.String("reason", string(g.reason)))
			return r.waitForUser(ctx, cur, depth, g.reason, g.trigger)
		}
	}
	log.Debug("Exploring screen.", zap.Int("targets", len(targets)))

	complete := true
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if err := r.checkTime(); err != nil {
			return false, err
		}
		out, err := r.try(ctx, &cur, t, depth)
		if err != nil {
			return false, err
		}
		switch out {
		case branchPartial:
			complete = false
		case branchDrifted:
			log.Warn("Lost track of the screen, abandoning its remaining elements.", zap.String("last_target", t.label))
			return false, nil
		}
	}
	if complete {
		r.visited.MarkComplete(fp)
	}
	return complete, nil
}

// catalog assigns identities to every element on snap and picks the ones
// to click, in pre-order. It also returns the scroll containers.
func (r *run) catalog(snap *schemas.ScreenSnapshot) ([]target, []*schemas.ElementSnapshot) {
	var (
		targets    []target
		containers []*schemas.ElementSnapshot
		occurrence = make(map[string]int)
	)
	for _, c := range r.e.c.Classifier.ClassifyScreen(snap) {
		if c.Element == snap.Root {
			continue
		}
		parent := c.Parent
		if parent == snap.Root {
			parent = nil
		}
		id, key := r.identify(c.Element, parent)
		nth := occurrence[key]
		occurrence[key]++

		if c.Element.Scrollable {
			containers = append(containers, c.Element)
		}
		if t, ok := r.targetFor(c.Element, c.Category, id, key); ok {
			t.nth = nth
			targets = append(targets, t)
		}
	}
	return targets, containers
}

// gate is a login form or permission prompt that only shows up once a
// container is scrolled.
type gate struct {
	reason  schemas.PauseReason
	trigger string
}

// reveal scrolls every container and returns the targets it uncovers. It
// stops at the first gate; the container is back at its origin either way.
func (r *run) reveal(ctx context.Context, containers []*schemas.ElementSnapshot) ([]target, *gate, error) {
	var out []target
	for _, el := range containers {
		c := scroll.ContainerOf(el)
		for batch, err := range r.revealer.Reveal(ctx, el) {
			if err != nil {
				if fatal := r.fail("scroll", err); fatal != nil {
					return out, nil, fatal
				}
				break
			}
			r.ok()
			var g *gate
			for i, child := range batch.Elements {
				id, key := r.identify(child, batch.Parents[i])
				cat := r.e.c.Classifier.Classify(child, batch.Ancestors[i]...)
				if _, ok := cat.(classifier.LoginGate); ok && g == nil {
					g = &gate{reason: schemas.PauseLoginGate, trigger: id}
				}
				if t, ok := r.targetFor(child, cat, id, key); ok {
					t.container, t.step = c, batch.Step
					out = append(out, t)
				}
			}
			if g == nil && r.e.c.Classifier.PermissionPrompt(batchScreen(batch)) {
				g = &gate{reason: schemas.PausePermissionPrompt, trigger: resumeTrigger(schemas.PausePermissionPrompt)}
			}
			if g != nil {
				return out, g, nil
			}
		}
	}
	return out, nil, nil
}

// batchScreen wraps newly revealed elements so screen level checks can run
// on them alone.
func batchScreen(b scroll.Batch) *schemas.ScreenSnapshot {
	return &schemas.ScreenSnapshot{Root: &schemas.ElementSnapshot{Children: b.Elements}}
}

func (r *run) targetFor(el *schemas.ElementSnapshot, cat classifier.Category, id, key string) (target, bool) {
	switch c := cat.(type) {
	case classifier.SafeActionable:
		if !el.Clickable {
			return target{}, false
		}
		return target{id: id, key: key, label: describe(el)}, true
	case classifier.Dangerous:
		r.log.Debug("Skipping dangerous element.",
			zap.String("element", describe(el)), zap.String("rule", c.Rule), zap.String("match", c.Match))
	}
	return target{}, false
}

// identify resolves el's identity, links it to parent and derives auto
// aliases the first time this session meets it.
func (r *run) identify(el, parent *schemas.ElementSnapshot) (id, key string) {
	normalize := r.e.c.Fingerprinter.NormalizeText
	sig := identity.SignatureOf(el, normalize)
	ident := r.e.c.Registry.ResolveOrCreate(sig, r.appID, r.appVersion)

	if _, ok := r.seen[ident.ID]; !ok {
		r.seen[ident.ID] = struct{}{}
		r.s.addElement()
		if el.Clickable || el.Editable || el.Focusable {
			r.autoAlias(el, ident.ID)
		}
		r.tick()
	}
	if parent != nil {
		p := r.e.c.Registry.ResolveOrCreate(identity.SignatureOf(parent, normalize), r.appID, r.appVersion)
		if err := r.e.c.Registry.RecordParent(ident.ID, p.ID); err != nil {
			r.log.Debug("Could not link identity to its parent.", zap.String("identity", ident.ID), zap.Error(err))
		}
	}
	return ident.ID, sig.Key()
}

// autoAlias records the phrases a user would say for el. Text that carries
// volatile content (clocks, counters) would not match next time, so it is
// left out.
func (r *run) autoAlias(el *schemas.ElementSnapshot, id string) {
	normalize := r.e.c.Fingerprinter.NormalizeText
	stable := *el
	stable.Children = nil
	if normalize(stable.Text) != collapse(stable.Text) {
		stable.Text = ""
	}
	if normalize(stable.Label) != collapse(stable.Label) {
		stable.Label = ""
	}
	for _, phrase := range identity.AutoPhrases(&stable) {
		if _, err := r.e.c.Aliases.AddAlias(phrase, id, r.appID, schemas.AliasAuto); err != nil {
			r.log.Debug("Could not add auto alias.", zap.String("phrase", phrase), zap.Error(err))
		}
	}
}

// try clicks t and returns to the screen in cur, scrolling its container to
// the target first when needed.
func (r *run) try(ctx context.Context, cur *platform.Settled, t target, depth int) (outcome, error) {
	if t.step == 0 {
		return r.click(ctx, cur, cur.Fingerprint, t, depth)
	}

	base := cur.Fingerprint
	scrolled, c, err := r.revealer.Seek(ctx, t.container, t.step)
	var out outcome
	if err != nil {
		out, err = branchPartial, r.fail("scroll", err)
	} else {
		r.ok()
		out, err = r.click(ctx, &scrolled, base, t, depth)
	}
	if out == branchDrifted {
		return out, err
	}
	if rerr := r.revealer.Rewind(ctx, c, t.step); rerr != nil {
		r.log.Debug("Rewind after scrolled click failed.", zap.Error(rerr))
	}
	if err != nil {
		return out, err
	}

	fresh, rerr := r.driver.Settle(ctx)
	if rerr != nil {
		return branchDrifted, r.fail("read", rerr)
	}
	if fresh.Fingerprint != base {
		r.log.Warn("Container did not return to its origin.", zap.String("container", t.container.Path))
		return branchDrifted, nil
	}
	*cur = fresh
	return out, nil
}

// click performs one click from the screen in cur. from names that screen in
// the graph and differs from cur's fingerprint while a container is scrolled.
// Every click that pushes a screen is undone with exactly one back.
func (r *run) click(ctx context.Context, cur *platform.Settled, from schemas.Fingerprint, t target, depth int) (outcome, error) {
	expect := cur.Fingerprint
	el := r.locate(cur.Snapshot, t.key, t.nth)
	if el == nil {
		r.log.Debug("Element is no longer on screen.", zap.String("element", t.label))
		return branchPartial, nil
	}

	after, err := r.driver.Act(ctx, el.Ref, schemas.ActionClick)
	if err != nil {
		if fatal := r.fail("click", err); fatal != nil {
			if ctx.Err() != nil {
				_, _ = r.recover(ctx, cur, expect)
			}
			return branchPartial, fatal
		}
		return r.recover(ctx, cur, expect)
	}
	r.ok()

	to := after.Fingerprint
	if to == expect {
		to = from
	}
	switch {
	case r.leftApp(after.Snapshot):
		r.log.Info("Click opened another app, backing out.",
			zap.String("element", t.label), zap.String("foreground", after.Snapshot.AppID))
		return r.back(ctx, cur, expect, branchDone)
	case after.Fingerprint == expect && after.Instance == cur.Instance:
		// Nothing was pushed.
		r.addEdge(from, t.id, from)
		*cur = after
		return branchDone, nil
	case !r.enter(to):
		r.addEdge(from, t.id, to)
		return r.back(ctx, cur, expect, branchDone)
	}

	r.addEdge(from, t.id, to)
	if depth+1 > r.maxDepth {
		out, err := r.back(ctx, cur, expect, branchPartial)
		if err != nil {
			return out, err
		}
		return out, fmt.Errorf("%w: depth %d exceeds max_depth %d", ErrBudgetExceeded, depth+1, r.maxDepth)
	}

	complete, childErr := r.explore(ctx, after, depth+1)
	r.s.setDepth(depth)
	out := branchDone
	if !complete {
		out = branchPartial
	}
	out, err = r.back(ctx, cur, expect, out)
	if childErr != nil {
		return out, childErr
	}
	return out, err
}

// back navigates back and checks that expect is in the foreground again.
func (r *run) back(ctx context.Context, cur *platform.Settled, expect schemas.Fingerprint, out outcome) (outcome, error) {
	settled, err := r.driver.Cleanup(ctx, "", schemas.ActionBack)
	if err != nil {
		return branchDrifted, r.fail("back", err)
	}
	r.ok()
	if settled.Fingerprint != expect {
		r.log.Warn("Back did not return to the expected screen.",
			zap.String("expected", string(expect)), zap.String("actual", string(settled.Fingerprint)))
		return branchDrifted, nil
	}
	*cur = settled
	return out, nil
}

// recover runs after a failed click. If the click landed anyway it steps
// back; otherwise it just refreshes cur.
func (r *run) recover(ctx context.Context, cur *platform.Settled, expect schemas.Fingerprint) (outcome, error) {
	cctx, cancel := platform.CleanupContext(ctx, 3*r.e.explorer.SettleTimeout+time.Second)
	defer cancel()
	settled, err := r.driver.Settle(cctx)
	if err != nil {
		return branchDrifted, r.fail("read", err)
	}
	if settled.Fingerprint == expect {
		*cur = settled
		return branchPartial, nil
	}
	r.log.Info("Failed click still navigated, stepping back.")
	return r.back(ctx, cur, expect, branchPartial)
}

// waitForUser pauses on a gated screen until Resume, then continues from
// whatever screen the user left in the foreground.
func (r *run) waitForUser(ctx context.Context, cur platform.Settled, depth int, reason schemas.PauseReason, trigger string) (bool, error) {
	req := schemas.PauseRequested{
		SessionID:   r.s.ID(),
		AppID:       r.appID,
		Reason:      reason,
		Screen:      cur.Fingerprint,
		RequestedAt: r.e.now(),
	}
	r.s.pause(reason)
	r.log.Info("Exploration paused for the user.",
		zap.String("reason", string(reason)), zap.String("screen", string(cur.Fingerprint)))

	if bus := r.e.c.Bus; bus != nil {
		if err := bus.Post(ctx, events.TypePauseRequested, req); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			r.log.Warn("Pause request could not be delivered.", zap.Error(err))
		}
	}

	select {
	case <-r.s.resume:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	r.log.Info("Exploration resumed.")

	next, err := r.driver.Settle(ctx)
	if err != nil {
		return false, r.fail("read", err)
	}
	if next.Fingerprint == cur.Fingerprint {
		r.log.Warn("Screen unchanged after resume, leaving it unexplored.")
		return false, nil
	}
	if r.leftApp(next.Snapshot) {
		r.log.Warn("Resumed outside the app, leaving this branch.", zap.String("foreground", next.Snapshot.AppID))
		return false, nil
	}
	fresh := r.enter(next.Fingerprint)
	r.addEdge(cur.Fingerprint, trigger, next.Fingerprint)
	if !fresh {
		return true, nil
	}
	return r.explore(ctx, next, depth)
}

// gateTrigger names the edge out of a gated screen: the gate element's
// identity for logins, a fixed trigger for system prompts.
func (r *run) gateTrigger(snap *schemas.ScreenSnapshot, reason schemas.PauseReason) string {
	if reason == schemas.PauseLoginGate {
		for _, c := range r.e.c.Classifier.ClassifyScreen(snap) {
			if _, ok := c.Category.(classifier.LoginGate); !ok {
				continue
			}
			parent := c.Parent
			if parent == snap.Root {
				parent = nil
			}
			id, _ := r.identify(c.Element, parent)
			return id
		}
	}
	return resumeTrigger(reason)
}

func resumeTrigger(reason schemas.PauseReason) string {
	return "resume:" + strings.ToLower(string(reason))
}

// leftApp reports a foreground app other than the explored one. System
// permission prompts belong to the flow and do not count.
func (r *run) leftApp(snap *schemas.ScreenSnapshot) bool {
	if snap == nil || snap.AppID == "" || snap.AppID == r.appID {
		return false
	}
	reason, ok := r.e.c.Classifier.DetectPause(snap)
	return !ok || reason != schemas.PausePermissionPrompt
}

// enter records fp as visited and in the graph. It reports whether the
// screen is new to this session.
func (r *run) enter(fp schemas.Fingerprint) bool {
	fresh := r.visited.Add(fp)
	r.e.c.Graph.AddScreen(r.appID, fp)
	if fresh {
		r.s.addScreen()
		r.tick()
	}
	return fresh
}

func (r *run) addEdge(from schemas.Fingerprint, trigger string, to schemas.Fingerprint) {
	added, err := r.e.c.Graph.AddEdge(r.appID, from, trigger, to)
	if err != nil {
		r.log.Error("Failed to record navigation edge.", zap.Error(err))
		return
	}
	if added {
		r.s.addEdge()
		r.tick()
	}
}

// locate finds the nth element on snap with the given signature key.
func (r *run) locate(snap *schemas.ScreenSnapshot, key string, nth int) *schemas.ElementSnapshot {
	if snap == nil || snap.Root == nil {
		return nil
	}
	normalize := r.e.c.Fingerprinter.NormalizeText
	var found *schemas.ElementSnapshot
	n := 0
	snap.Root.Walk(func(el, _ *schemas.ElementSnapshot) bool {
		if found != nil {
			return false
		}
		if identity.SignatureOf(el, normalize).Key() == key {
			if n == nth {
				found = el
				return false
			}
			n++
		}
		return true
	})
	return found
}

func (r *run) checkTime() error {
	if elapsed := r.s.RunningTime(); elapsed > r.maxDuration {
		return fmt.Errorf("%w: ran for %s, max_duration is %s", ErrBudgetExceeded, elapsed.Round(time.Millisecond), r.maxDuration)
	}
	return nil
}

// fail counts a transient failure. It returns nil while the branch may be
// abandoned and exploration go on, and an error once the session must end.
func (r *run) fail(op string, err error) error {
	if !platform.IsTransient(err) {
		return err
	}
	r.failures++
	r.log.Warn("Platform call failed after retry.",
		zap.String("op", op), zap.Int("consecutive_failures", r.failures), zap.Error(err))
	if r.failures >= r.maxFailures {
		return fmt.Errorf("%w (%d in a row): %w", ErrUnrecoverable, r.failures, err)
	}
	return nil
}

func (r *run) ok() { r.failures = 0 }

func (r *run) tick() {
	bus := r.e.c.Bus
	if bus == nil {
		return
	}
	r.progress.Do(func() {
		bus.TryPost(events.TypeProgress, r.s.progress())
	})
}

func describe(el *schemas.ElementSnapshot) string {
	for _, s := range []string{el.Text, el.Label, el.ShortTag()} {
		if s = collapse(s); s != "" {
			return s
		}
	}
	return el.Type
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
