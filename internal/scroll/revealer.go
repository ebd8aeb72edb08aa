// Package scroll surfaces elements that are only visible after scrolling a
// container.
package scroll

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/config"
	"github.com/xkilldash9x/cartographer/internal/fingerprint"
	"github.com/xkilldash9x/cartographer/internal/identity"
	"github.com/xkilldash9x/cartographer/internal/platform"
	"go.uber.org/zap"
)

// Batch is the set of elements first seen after one scroll step.
type Batch struct {
	// Step is how many forward scrolls from the origin it takes to show
	// these elements.
	Step     int
	Elements []*schemas.ElementSnapshot
	// Parents[i] is the parent of Elements[i] in the scrolled tree.
	Parents []*schemas.ElementSnapshot
	// Ancestors[i] lists every ancestor of Elements[i] up to the screen
	// root, nearest first.
	Ancestors [][]*schemas.ElementSnapshot
}

// Container identifies a scrollable element across re-reads. Refs may go
// stale, so the structural path is kept as a fallback.
type Container struct {
	Ref  string
	Path string
}

// ContainerOf describes el.
func ContainerOf(el *schemas.ElementSnapshot) Container {
	return Container{Ref: el.Ref, Path: pathOf(el)}
}

func pathOf(el *schemas.ElementSnapshot) string {
	if el.AncestorPath == "" {
		return fingerprint.Segment(el)
	}
	return el.AncestorPath + ">" + fingerprint.Segment(el)
}

// Revealer drives a container forward one step at a time until it stops
// changing. It always returns the container to its starting offset.
type Revealer struct {
	driver   *platform.Driver
	fp       *fingerprint.Fingerprinter
	maxSteps int
	logger   *zap.Logger
}

// NewRevealer creates a Revealer bounded by cfg.MaxSteps.
func NewRevealer(driver *platform.Driver, cfg config.ScrollConfig, logger *zap.Logger) *Revealer {
	if logger == nil {
		logger = zap.NewNop()
	}
	steps := cfg.MaxSteps
	if steps <= 0 {
		steps = 20
	}
	return &Revealer{
		driver:   driver,
		fp:       driver.Fingerprinter(),
		maxSteps: steps,
		logger:   logger.Named("scroll"),
	}
}

// Reveal returns a lazy sequence of newly revealed elements for container.
// Nothing is dispatched until the sequence is ranged over, and each range
// starts again from the origin. The sequence ends when two consecutive reads
// of the container hash the same or after MaxSteps scrolls; on an error the
// error is yielded last. Elements are merged by identity signature.
func (r *Revealer) Reveal(ctx context.Context, container *schemas.ElementSnapshot) iter.Seq2[Batch, error] {
	origin := ContainerOf(container)
	initial := container
	return func(yield func(Batch, error) bool) {
		seen := make(map[string]struct{})
		r.markSeen(initial, seen)

		prev := r.fp.ComputeSubtree(initial)
		cur := origin
		steps := 0
		defer func() {
			if steps > 0 {
				_ = r.restore(ctx, cur, steps)
			}
		}()

		for steps < r.maxSteps {
			if err := ctx.Err(); err != nil {
				yield(Batch{}, err)
				return
			}
			if err := r.driver.Dispatch(ctx, cur.Ref, schemas.ActionScrollForward); err != nil {
				yield(Batch{}, fmt.Errorf("scrolling %s: %w", origin.Path, err))
				return
			}
			steps++

			settled, err := r.driver.Settle(ctx)
			if err != nil {
				yield(Batch{}, err)
				return
			}
			el := Find(settled.Snapshot, cur)
			if el == nil {
				yield(Batch{}, fmt.Errorf("%w: %s", platform.ErrContainerLost, origin.Path))
				return
			}
			cur.Ref = el.Ref

			fp := r.fp.ComputeSubtree(el)
			if fp == prev {
				r.logger.Debug("Scroll end reached.", zap.String("container", origin.Path), zap.Int("steps", steps))
				return
			}
			prev = fp

			batch := r.collectNew(el, ancestorsOf(settled.Snapshot.Root, el), seen)
			if len(batch.Elements) == 0 {
				continue
			}
			batch.Step = steps
			if !yield(batch, nil) {
				return
			}
		}
		r.logger.Debug("Scroll step budget exhausted.", zap.String("container", origin.Path), zap.Int("max_steps", r.maxSteps))
	}
}

// RevealAll drains Reveal and returns every new element with the step it
// needs. Elements found before a failure are returned along with the error.
func (r *Revealer) RevealAll(ctx context.Context, container *schemas.ElementSnapshot) ([]Batch, error) {
	var out []Batch
	for batch, err := range r.Reveal(ctx, container) {
		if err != nil {
			return out, err
		}
		out = append(out, batch)
	}
	return out, nil
}

// Seek scrolls container forward steps times and returns the settled screen.
func (r *Revealer) Seek(ctx context.Context, c Container, steps int) (platform.Settled, Container, error) {
	var settled platform.Settled
	for i := 0; i < steps; i++ {
		var err error
		settled, err = r.driver.Act(ctx, c.Ref, schemas.ActionScrollForward)
		if err != nil {
			return platform.Settled{}, c, err
		}
		el := Find(settled.Snapshot, c)
		if el == nil {
			return platform.Settled{}, c, fmt.Errorf("%w: %s", platform.ErrContainerLost, c.Path)
		}
		c.Ref = el.Ref
	}
	return settled, c, nil
}

// Rewind scrolls container back steps times. It runs even if ctx is canceled.
func (r *Revealer) Rewind(ctx context.Context, c Container, steps int) error {
	return r.restore(ctx, c, steps)
}

func (r *Revealer) restore(ctx context.Context, c Container, steps int) error {
	cctx, cancel := platform.CleanupContext(ctx, r.cleanupBudget(steps))
	defer cancel()

	for i := 0; i < steps; i++ {
		if err := r.driver.Dispatch(cctx, c.Ref, schemas.ActionScrollBackward); err != nil {
			r.logger.Warn("Failed to scroll container back to origin.", zap.String("container", c.Path), zap.Int("remaining", steps-i), zap.Error(err))
			return err
		}
	}
	if _, err := r.driver.Settle(cctx); err != nil {
		r.logger.Warn("Container did not settle after scrolling back.", zap.String("container", c.Path), zap.Error(err))
		return err
	}
	return nil
}

// perStepCleanup bounds each scroll-back action issued during cleanup.
const perStepCleanup = 3 * time.Second

func (r *Revealer) cleanupBudget(steps int) time.Duration {
	return time.Duration(steps+1) * perStepCleanup
}

func (r *Revealer) markSeen(root *schemas.ElementSnapshot, seen map[string]struct{}) {
	root.Walk(func(el, _ *schemas.ElementSnapshot) bool {
		if el != root {
			seen[r.key(el)] = struct{}{}
		}
		return true
	})
}

// collectNew gathers the elements under root not seen before. outer holds
// root's own ancestors, nearest first.
func (r *Revealer) collectNew(root *schemas.ElementSnapshot, outer []*schemas.ElementSnapshot, seen map[string]struct{}) Batch {
	var b Batch
	var walk func(el *schemas.ElementSnapshot, chain []*schemas.ElementSnapshot)
	walk = func(el *schemas.ElementSnapshot, chain []*schemas.ElementSnapshot) {
		if el != root {
			k := r.key(el)
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				b.Elements = append(b.Elements, el)
				b.Parents = append(b.Parents, chain[0])
				b.Ancestors = append(b.Ancestors, chain)
			}
		}
		next := make([]*schemas.ElementSnapshot, 0, len(chain)+1)
		next = append(append(next, el), chain...)
		for _, child := range el.Children {
			if child != nil {
				walk(child, next)
			}
		}
	}
	walk(root, outer)
	return b
}

// ancestorsOf returns the ancestors of target under root, nearest first.
func ancestorsOf(root, target *schemas.ElementSnapshot) []*schemas.ElementSnapshot {
	var path []*schemas.ElementSnapshot
	var find func(el *schemas.ElementSnapshot) bool
	find = func(el *schemas.ElementSnapshot) bool {
		if el == target {
			return true
		}
		for _, child := range el.Children {
			if child != nil && find(child) {
				path = append(path, el)
				return true
			}
		}
		return false
	}
	if root != nil {
		find(root)
	}
	return path
}

func (r *Revealer) key(el *schemas.ElementSnapshot) string {
	return identity.SignatureOf(el, r.fp.NormalizeText).Key()
}

// Find locates container c in snap, by ref first and by structural path when
// the ref is gone or now points elsewhere.
func Find(snap *schemas.ScreenSnapshot, c Container) *schemas.ElementSnapshot {
	if snap == nil || snap.Root == nil {
		return nil
	}
	var byRef, byPath *schemas.ElementSnapshot
	snap.Root.Walk(func(el, _ *schemas.ElementSnapshot) bool {
		if byRef != nil {
			return false
		}
		p := pathOf(el)
		if c.Ref != "" && el.Ref == c.Ref && p == c.Path {
			byRef = el
			return false
		}
		if byPath == nil && el.Scrollable && p == c.Path {
			byPath = el
		}
		return true
	})
	if byRef != nil {
		return byRef
	}
	return byPath
}
