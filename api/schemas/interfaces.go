package schemas

import (
	"context"
)

// -- Platform Interfaces --

// TreeSnapshotSource abstracts the platform introspection API. Implementations
// read the visible element tree and dispatch actions; the new screen appears
// asynchronously once the platform settles, so callers re-read after dispatch.
type TreeSnapshotSource interface {
	// Snapshot reads the element tree of the given screen.
	Snapshot(ctx context.Context, screen ScreenHandle) (*ScreenSnapshot, error)
	// Dispatch performs an action on the element behind ref. Global actions
	// such as ActionBack ignore ref.
	Dispatch(ctx context.Context, ref string, action ActionKind) error
}

// -- Persistence Interfaces --

// Store persists what exploration learned about an app so it can be reused by
// the resolution path and by later sessions.
type Store interface {
	// FlushGraph saves the navigation multigraph. Existing edges are kept.
	FlushGraph(ctx context.Context, graph GraphSnapshot) error
	// FlushIdentities upserts element identities.
	FlushIdentities(ctx context.Context, identities []ElementIdentity) error
	// FlushAliases appends aliases; duplicate rows are ignored.
	FlushAliases(ctx context.Context, aliases []Alias) error
	// FlushVisitedStates records the fully explored screens for an app version.
	FlushVisitedStates(ctx context.Context, appID, appVersion string, fingerprints []Fingerprint) error
	// LoadVisitedStates returns fully explored screens, or nothing when the
	// stored app version differs from appVersion.
	LoadVisitedStates(ctx context.Context, appID, appVersion string) ([]Fingerprint, error)

	LoadGraph(ctx context.Context, appID string) (GraphSnapshot, error)
	LoadIdentities(ctx context.Context, appID string) ([]ElementIdentity, error)
	LoadAliases(ctx context.Context, appID string) ([]Alias, error)
	ListApps(ctx context.Context) ([]AppSummary, error)
	Close() error
}

// -- Consumer Interfaces --

// PhraseResolver is the only contract the upstream command system depends on.
type PhraseResolver interface {
	Resolve(phrase, appID string) []Candidate
}
