// Package explorer walks an app's screens depth first, clicking every safe
// element, and records what it finds in the navigation graph, the identity
// registry and the alias index.
package explorer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/classifier"
	"github.com/xkilldash9x/cartographer/internal/config"
	"github.com/xkilldash9x/cartographer/internal/events"
	"github.com/xkilldash9x/cartographer/internal/fingerprint"
	"github.com/xkilldash9x/cartographer/internal/identity"
	"github.com/xkilldash9x/cartographer/internal/navgraph"
	"github.com/xkilldash9x/cartographer/internal/platform"
	"github.com/xkilldash9x/cartographer/internal/scroll"
)

const defaultFlushTimeout = 30 * time.Second

// Components are the long-lived collaborators an Engine shares across
// sessions. Store and Bus are optional.
type Components struct {
	Fingerprinter *fingerprint.Fingerprinter
	Classifier    *classifier.Classifier
	Registry      *identity.Registry
	Aliases       *identity.AliasIndex
	Graph         *navgraph.Builder
	Store         schemas.Store
	Bus           *events.Bus
}

// NewComponents builds fresh in-memory components from cfg.
func NewComponents(cfg config.Interface, store schemas.Store, bus *events.Bus, logger *zap.Logger) (Components, error) {
	fp, err := fingerprint.New(cfg.Fingerprint())
	if err != nil {
		return Components{}, fmt.Errorf("failed to build fingerprinter: %w", err)
	}
	cls, err := classifier.New(cfg.Classifier(), logger)
	if err != nil {
		return Components{}, fmt.Errorf("failed to build classifier: %w", err)
	}
	return Components{
		Fingerprinter: fp,
		Classifier:    cls,
		Registry:      identity.NewRegistry(logger),
		Aliases:       identity.NewAliasIndex(cfg.Alias(), logger),
		Graph:         navgraph.NewBuilder(logger),
		Store:         store,
		Bus:           bus,
	}, nil
}

// Options override the configured budgets for one session.
type Options struct {
	// AppID, when set, must match the app in the foreground at start.
	AppID       string
	MaxDepth    int
	MaxDuration time.Duration
}

// Engine starts exploration sessions. It is safe for concurrent use, but
// two sessions must not share one TreeSnapshotSource.
type Engine struct {
	explorer     config.ExplorerConfig
	scroll       config.ScrollConfig
	flushTimeout time.Duration
	c            Components
	logger       *zap.Logger
	now          func() time.Time
}

// New validates the components and creates an Engine.
func New(cfg config.Interface, c Components, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	switch {
	case c.Fingerprinter == nil:
		return nil, errors.New("fingerprinter cannot be nil")
	case c.Classifier == nil:
		return nil, errors.New("classifier cannot be nil")
	case c.Registry == nil:
		return nil, errors.New("identity registry cannot be nil")
	case c.Aliases == nil:
		return nil, errors.New("alias index cannot be nil")
	case c.Graph == nil:
		return nil, errors.New("graph builder cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	flush := cfg.Store().FlushTimeout
	if flush <= 0 {
		flush = defaultFlushTimeout
	}
	return &Engine{
		explorer:     cfg.Explorer(),
		scroll:       cfg.Scroll(),
		flushTimeout: flush,
		c:            c,
		logger:       logger.Named("explorer"),
		now:          time.Now,
	}, nil
}

// Start begins exploring whatever source currently shows. It returns as soon
// as the session goroutine is running.
func (e *Engine) Start(ctx context.Context, source schemas.TreeSnapshotSource, opts Options) (*Session, error) {
	if source == nil {
		return nil, errors.New("snapshot source cannot be nil")
	}
	sctx, cancel := context.WithCancelCause(ctx)
	s := newSession(uuid.New().String(), e.now, cancel)

	r := newRun(e, s, source, opts)
	r.log.Info("Exploration session started.",
		zap.Int("max_depth", r.maxDepth),
		zap.Duration("max_duration", r.maxDuration))

	go e.execute(sctx, r)
	return s, nil
}

func (e *Engine) execute(ctx context.Context, r *run) {
	defer close(r.s.done)
	defer r.s.cancel(nil)

	err := r.execute(ctx)
	state, reason := outcomeOf(ctx, err)
	flushErr := r.flush(ctx)
	if state == schemas.StateCompleted {
		err = nil
	}
	r.s.finish(state, reason, err, flushErr)

	report := r.s.Report()
	fields := []zap.Field{
		zap.String("state", string(report.State)),
		zap.Int("screens", report.ScreensExplored),
		zap.Int("elements", report.ElementsDiscovered),
		zap.Int("edges", report.Edges),
		zap.Duration("elapsed", report.Elapsed),
	}
	switch state {
	case schemas.StateFailed:
		r.log.Error("Exploration failed.", append(fields, zap.Error(err))...)
	case schemas.StateAborted:
		r.log.Warn("Exploration aborted.", append(fields, zap.String("reason", reason))...)
	default:
		r.log.Info("Exploration completed.", fields...)
	}

	if e.c.Bus != nil {
		pctx, cancel := platform.CleanupContext(ctx, time.Second)
		defer cancel()
		if perr := e.c.Bus.Post(pctx, events.TypeSessionFinished, report); perr != nil {
			r.log.Debug("Session report was not delivered.", zap.Error(perr))
		}
	}
}

// outcomeOf maps the error that ended a session to its terminal state.
func outcomeOf(ctx context.Context, err error) (schemas.SessionState, string) {
	switch {
	case err == nil:
		return schemas.StateCompleted, ""
	case errors.Is(err, ErrBudgetExceeded):
		return schemas.StateAborted, err.Error()
	case ctx.Err() != nil:
		if cause := context.Cause(ctx); cause != nil {
			return schemas.StateAborted, cause.Error()
		}
		return schemas.StateAborted, ctx.Err().Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return schemas.StateAborted, err.Error()
	default:
		return schemas.StateFailed, err.Error()
	}
}

// newDriver builds the per-session driver and the revealer that shares it.
func (e *Engine) newDriver(source schemas.TreeSnapshotSource) (*platform.Driver, *scroll.Revealer) {
	d := platform.NewDriver(source, e.c.Fingerprinter, e.explorer, e.logger)
	return d, scroll.NewRevealer(d, e.scroll, e.logger)
}
