package explorer

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/cartographer/internal/platform"
)

// flush persists what the session learned. It runs after every terminal
// state, on a context detached from the (possibly canceled) session.
func (r *run) flush(ctx context.Context) error {
	store := r.e.c.Store
	if store == nil || r.appID == "" {
		return nil
	}
	fctx, cancel := platform.CleanupContext(ctx, r.e.flushTimeout)
	defer cancel()

	graph := r.e.c.Graph.GetGraph(r.appID)
	identities := r.e.c.Registry.All(r.appID)
	aliases := r.e.c.Aliases.ForApp(r.appID)
	complete := r.visited.Completed()

	g, gctx := errgroup.WithContext(fctx)
	g.Go(func() error { return store.FlushGraph(gctx, graph) })
	g.Go(func() error { return store.FlushIdentities(gctx, identities) })
	g.Go(func() error { return store.FlushAliases(gctx, aliases) })
	g.Go(func() error { return store.FlushVisitedStates(gctx, r.appID, r.appVersion, complete) })
	if err := g.Wait(); err != nil {
		r.log.Error("Failed to flush exploration results.", zap.Error(err))
		return fmt.Errorf("failed to flush exploration results: %w", err)
	}

	r.log.Debug("Flushed exploration results.",
		zap.Int("screens", len(graph.Screens)),
		zap.Int("edges", len(graph.Edges)),
		zap.Int("identities", len(identities)),
		zap.Int("aliases", len(aliases)),
		zap.Int("complete_screens", len(complete)))
	return nil
}
