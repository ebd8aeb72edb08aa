package store

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/xkilldash9x/cartographer/api/schemas"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type memApp struct {
	version    string
	updatedAt  time.Time
	screens    []schemas.Fingerprint
	screenSet  map[schemas.Fingerprint]bool
	edges      []schemas.NavigationEdge
	edgeSet    map[edgeKey]bool
	identities map[string]schemas.ElementIdentity
	aliases    []schemas.Alias
	aliasSet   map[aliasKey]bool
	visited    []schemas.Fingerprint
	visitedVer string
}

type edgeKey struct {
	from, trigger, to string
}

type aliasKey struct {
	phrase, identity string
	source           schemas.AliasSource
}

func newMemApp() *memApp {
	return &memApp{
		screenSet:  make(map[schemas.Fingerprint]bool),
		edgeSet:    make(map[edgeKey]bool),
		identities: make(map[string]schemas.ElementIdentity),
		aliasSet:   make(map[aliasKey]bool),
	}
}

// Memory keeps everything in process. It backs the "memory" store type and
// can dump its contents as JSON.
type Memory struct {
	mu   sync.RWMutex
	apps map[string]*memApp
	log  *zap.Logger
	now  func() time.Time
}

var _ schemas.Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory(logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		apps: make(map[string]*memApp),
		log:  logger.Named("memory_store"),
		now:  time.Now,
	}
}

func (m *Memory) app(appID string) *memApp {
	a, ok := m.apps[appID]
	if !ok {
		a = newMemApp()
		m.apps[appID] = a
	}
	a.updatedAt = m.now().UTC()
	return a
}

func (m *Memory) FlushGraph(ctx context.Context, graph schemas.GraphSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if graph.AppID == "" {
		return fmt.Errorf("graph has no app id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.app(graph.AppID)
	for _, fp := range graph.Screens {
		if !a.screenSet[fp] {
			a.screenSet[fp] = true
			a.screens = append(a.screens, fp)
		}
	}
	for _, e := range graph.Edges {
		if !a.screenSet[e.From] || !a.screenSet[e.To] {
			return fmt.Errorf("edge %s -> %s references an unknown screen", e.From, e.To)
		}
		k := edgeKey{string(e.From), e.Trigger, string(e.To)}
		if !a.edgeSet[k] {
			a.edgeSet[k] = true
			a.edges = append(a.edges, e)
		}
	}
	return nil
}

func (m *Memory) FlushIdentities(ctx context.Context, identities []schemas.ElementIdentity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ident := range identities {
		if ident.ID == "" || ident.AppID == "" {
			return fmt.Errorf("identity %q has no id or app id", ident.ID)
		}
		a := m.app(ident.AppID)
		if existing, ok := a.identities[ident.ID]; ok {
			existing.ParentID = ident.ParentID
			a.identities[ident.ID] = existing
			continue
		}
		a.identities[ident.ID] = ident
	}
	return nil
}

func (m *Memory) FlushAliases(ctx context.Context, aliases []schemas.Alias) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, al := range aliases {
		a := m.app(al.AppID)
		k := aliasKey{al.Phrase, al.IdentityID, al.Source}
		if !a.aliasSet[k] {
			a.aliasSet[k] = true
			a.aliases = append(a.aliases, al)
		}
	}
	return nil
}

func (m *Memory) FlushVisitedStates(ctx context.Context, appID, appVersion string, fingerprints []schemas.Fingerprint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.app(appID)
	a.version = appVersion
	if a.visitedVer != appVersion {
		a.visited = nil
		a.visitedVer = appVersion
	}
	seen := make(map[schemas.Fingerprint]bool, len(a.visited))
	for _, fp := range a.visited {
		seen[fp] = true
	}
	for _, fp := range fingerprints {
		if !seen[fp] {
			seen[fp] = true
			a.visited = append(a.visited, fp)
		}
	}
	return nil
}

func (m *Memory) LoadVisitedStates(ctx context.Context, appID, appVersion string) ([]schemas.Fingerprint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.apps[appID]
	if !ok || a.visitedVer != appVersion {
		return []schemas.Fingerprint{}, nil
	}
	return append([]schemas.Fingerprint{}, a.visited...), nil
}

func (m *Memory) LoadGraph(ctx context.Context, appID string) (schemas.GraphSnapshot, error) {
	snap := schemas.GraphSnapshot{AppID: appID, Screens: []schemas.Fingerprint{}, Edges: []schemas.NavigationEdge{}}
	if err := ctx.Err(); err != nil {
		return snap, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.apps[appID]; ok {
		snap.Screens = append(snap.Screens, a.screens...)
		snap.Edges = append(snap.Edges, a.edges...)
	}
	return snap, nil
}

func (m *Memory) LoadIdentities(ctx context.Context, appID string) ([]schemas.ElementIdentity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []schemas.ElementIdentity{}
	if a, ok := m.apps[appID]; ok {
		for _, ident := range a.identities {
			out = append(out, ident)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) LoadAliases(ctx context.Context, appID string) ([]schemas.Alias, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []schemas.Alias{}
	if a, ok := m.apps[appID]; ok {
		out = append(out, a.aliases...)
	}
	return out, nil
}

func (m *Memory) ListApps(ctx context.Context) ([]schemas.AppSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]schemas.AppSummary, 0, len(m.apps))
	for id, a := range m.apps {
		out = append(out, schemas.AppSummary{
			AppID:      id,
			AppVersion: a.version,
			Screens:    len(a.screens),
			Identities: len(a.identities),
			Aliases:    len(a.aliases),
			UpdatedAt:  a.updatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppID < out[j].AppID })
	return out, nil
}

func (m *Memory) Close() error { return nil }

// Dump is the serialized form written by Export.
type Dump struct {
	Apps []AppDump `json:"apps"`
}

// AppDump is everything the store knows about one app.
type AppDump struct {
	Summary    schemas.AppSummary        `json:"summary"`
	Graph      schemas.GraphSnapshot     `json:"graph"`
	Identities []schemas.ElementIdentity `json:"identities"`
	Aliases    []schemas.Alias           `json:"aliases"`
	Visited    []schemas.Fingerprint     `json:"visited"`
}

// Export writes every app as indented JSON.
func (m *Memory) Export(ctx context.Context, w io.Writer) error {
	apps, err := m.ListApps(ctx)
	if err != nil {
		return err
	}
	dump := Dump{Apps: make([]AppDump, 0, len(apps))}
	for _, summary := range apps {
		d := AppDump{Summary: summary}
		if d.Graph, err = m.LoadGraph(ctx, summary.AppID); err != nil {
			return err
		}
		if d.Identities, err = m.LoadIdentities(ctx, summary.AppID); err != nil {
			return err
		}
		if d.Aliases, err = m.LoadAliases(ctx, summary.AppID); err != nil {
			return err
		}
		if d.Visited, err = m.LoadVisitedStates(ctx, summary.AppID, summary.AppVersion); err != nil {
			return err
		}
		dump.Apps = append(dump.Apps, d)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dump); err != nil {
		return fmt.Errorf("failed to encode store dump: %w", err)
	}
	return nil
}

// Import loads a dump produced by Export.
func (m *Memory) Import(ctx context.Context, r io.Reader) error {
	var dump Dump
	if err := json.NewDecoder(r).Decode(&dump); err != nil {
		return fmt.Errorf("failed to decode store dump: %w", err)
	}
	for _, d := range dump.Apps {
		if d.Graph.AppID == "" {
			d.Graph.AppID = d.Summary.AppID
		}
		if err := m.FlushGraph(ctx, d.Graph); err != nil {
			return err
		}
		if err := m.FlushIdentities(ctx, d.Identities); err != nil {
			return err
		}
		if err := m.FlushAliases(ctx, d.Aliases); err != nil {
			return err
		}
		if err := m.FlushVisitedStates(ctx, d.Summary.AppID, d.Summary.AppVersion, d.Visited); err != nil {
			return err
		}
	}
	m.log.Debug("Imported store dump.", zap.Int("apps", len(dump.Apps)))
	return nil
}
