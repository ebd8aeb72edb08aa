// Package navgraph records how the screens of an app connect.
package navgraph

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"go.uber.org/zap"
)

type edgeKey struct {
	from, to int
	trigger  string
}

// appGraph stores one app's directed multigraph in index tables. Screens and
// edges are addressed by their position, so loops need no back pointers.
type appGraph struct {
	screens  []schemas.Fingerprint
	index    map[schemas.Fingerprint]int
	edges    []schemas.NavigationEdge
	byKey    map[edgeKey]int
	outgoing map[int][]int // screen index -> edge indexes
}

func newAppGraph() *appGraph {
	return &appGraph{
		index:    make(map[schemas.Fingerprint]int),
		byKey:    make(map[edgeKey]int),
		outgoing: make(map[int][]int),
	}
}

// Builder collects navigation graphs for any number of apps. It is safe for
// concurrent use.
type Builder struct {
	mu   sync.RWMutex
	apps map[string]*appGraph
	log  *zap.Logger
	now  func() time.Time
}

// NewBuilder creates an empty builder.
func NewBuilder(logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		apps: make(map[string]*appGraph),
		log:  logger.Named("navgraph"),
		now:  time.Now,
	}
}

func (b *Builder) app(appID string) *appGraph {
	g, ok := b.apps[appID]
	if !ok {
		g = newAppGraph()
		b.apps[appID] = g
	}
	return g
}

// AddScreen registers a screen. It reports whether the screen was new.
func (b *Builder) AddScreen(appID string, fp schemas.Fingerprint) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.app(appID).addScreen(fp)
}

func (g *appGraph) addScreen(fp schemas.Fingerprint) bool {
	if _, ok := g.index[fp]; ok {
		return false
	}
	g.index[fp] = len(g.screens)
	g.screens = append(g.screens, fp)
	return true
}

// AddEdge records a transition between two registered screens. Adding the
// same (from, trigger, to) triple again is a no-op and reports false.
func (b *Builder) AddEdge(appID string, from schemas.Fingerprint, trigger string, to schemas.Fingerprint) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, ok := b.apps[appID]
	if !ok {
		return false, fmt.Errorf("no screens recorded for app '%s'", appID)
	}
	added, err := g.addEdge(schemas.NavigationEdge{From: from, Trigger: trigger, To: to, ObservedAt: b.now().UTC()})
	if err != nil {
		return false, err
	}
	if added {
		b.log.Debug("Edge added", zap.String("app", appID), zap.String("from", string(from)),
			zap.String("trigger", trigger), zap.String("to", string(to)))
	}
	return added, nil
}

func (g *appGraph) addEdge(edge schemas.NavigationEdge) (bool, error) {
	fi, ok := g.index[edge.From]
	if !ok {
		return false, fmt.Errorf("source screen '%s' not found for edge", edge.From)
	}
	ti, ok := g.index[edge.To]
	if !ok {
		return false, fmt.Errorf("destination screen '%s' not found for edge", edge.To)
	}
	key := edgeKey{from: fi, to: ti, trigger: edge.Trigger}
	if _, exists := g.byKey[key]; exists {
		return false, nil
	}
	g.byKey[key] = len(g.edges)
	g.outgoing[fi] = append(g.outgoing[fi], len(g.edges))
	g.edges = append(g.edges, edge)
	return true, nil
}

// HasScreen reports whether fp is part of appID's graph.
func (b *Builder) HasScreen(appID string, fp schemas.Fingerprint) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	g, ok := b.apps[appID]
	if !ok {
		return false
	}
	_, ok = g.index[fp]
	return ok
}

// Outgoing returns the edges leaving from, in the order they were recorded.
func (b *Builder) Outgoing(appID string, from schemas.Fingerprint) []schemas.NavigationEdge {
	b.mu.RLock()
	defer b.mu.RUnlock()
	g, ok := b.apps[appID]
	if !ok {
		return nil
	}
	fi, ok := g.index[from]
	if !ok {
		return nil
	}
	out := make([]schemas.NavigationEdge, 0, len(g.outgoing[fi]))
	for _, ei := range g.outgoing[fi] {
		out = append(out, g.edges[ei])
	}
	return out
}

// GetGraph returns a copy of appID's graph. Screens keep discovery order and
// edges keep insertion order; callers may modify the result freely.
func (b *Builder) GetGraph(appID string) schemas.GraphSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snap := schemas.GraphSnapshot{
		AppID:   appID,
		Screens: []schemas.Fingerprint{},
		Edges:   []schemas.NavigationEdge{},
	}
	g, ok := b.apps[appID]
	if !ok {
		return snap
	}
	snap.Screens = append(snap.Screens, g.screens...)
	snap.Edges = append(snap.Edges, g.edges...)
	return snap
}

// Merge folds a persisted graph into appID's graph. Screens are added first,
// then every edge whose endpoints are known.
func (b *Builder) Merge(snap schemas.GraphSnapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	g := b.app(snap.AppID)
	for _, fp := range snap.Screens {
		g.addScreen(fp)
	}
	for _, e := range snap.Edges {
		if _, err := g.addEdge(e); err != nil {
			return fmt.Errorf("failed to merge graph for app '%s': %w", snap.AppID, err)
		}
	}
	return nil
}

// Apps lists the apps with at least one screen, sorted.
func (b *Builder) Apps() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.apps))
	for id, g := range b.apps {
		if len(g.screens) > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// SortEdges orders edges by (from, trigger, to). Useful for comparing the
// graphs of two runs whose insertion order may differ.
func SortEdges(edges []schemas.NavigationEdge) {
	sort.Slice(edges, func(i, j int) bool {
		a, c := edges[i], edges[j]
		if a.From != c.From {
			return a.From < c.From
		}
		if a.Trigger != c.Trigger {
			return a.Trigger < c.Trigger
		}
		return a.To < c.To
	})
}
