// Package service is the learning facade: it starts explorations, answers
// questions about learned apps and resolves spoken phrases to elements.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/config"
	"github.com/xkilldash9x/cartographer/internal/events"
	"github.com/xkilldash9x/cartographer/internal/explorer"
	"github.com/xkilldash9x/cartographer/internal/identity"
)

var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("learning service is closed")
	// ErrUnknownIdentity is returned when a command names an element that was
	// never learned for the app.
	ErrUnknownIdentity = errors.New("unknown element identity")
)

// Service owns the component set and the sessions it started.
type Service struct {
	c      *Components
	logger *zap.Logger

	mu       sync.Mutex
	closed   bool
	sessions map[string]*explorer.Session
	watchers sync.WaitGroup
}

var _ schemas.PhraseResolver = (*Service)(nil)

// New builds a Service with factory. A nil factory uses the production one.
func New(ctx context.Context, cfg config.Interface, factory ComponentFactory, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if factory == nil {
		factory = NewComponentFactory()
	}
	c, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Service{
		c:        c,
		logger:   logger.Named("service"),
		sessions: make(map[string]*explorer.Session),
	}, nil
}

// LearnApp starts exploring whatever source shows. The session outlives the
// call; results are flushed to the store when it ends.
func (s *Service) LearnApp(ctx context.Context, source schemas.TreeSnapshotSource, opts explorer.Options) (*explorer.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	session, err := s.c.Engine.Start(ctx, source, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start exploration: %w", err)
	}
	s.sessions[session.ID()] = session
	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		<-session.Done()
		s.mu.Lock()
		delete(s.sessions, session.ID())
		s.mu.Unlock()
	}()
	s.logger.Info("Learning started.", zap.String("session_id", session.ID()), zap.String("app_id", opts.AppID))
	return session, nil
}

// Session returns a running session by id.
func (s *Service) Session(id string) (*explorer.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	return session, ok
}

// Reports lists the most recent finished sessions, oldest first.
func (s *Service) Reports() []schemas.SessionReport {
	return s.c.history.Reports()
}

// LearnedApps lists the apps in the store.
func (s *Service) LearnedApps(ctx context.Context) ([]schemas.AppSummary, error) {
	apps, err := s.c.Store.ListApps(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list learned apps: %w", err)
	}
	return apps, nil
}

// CommandsForApp returns every alias known for appID.
func (s *Service) CommandsForApp(appID string) []schemas.Alias {
	return s.c.Explorer.Aliases.ForApp(appID)
}

// RegisterCommand adds a manual alias for a learned element and persists it.
func (s *Service) RegisterCommand(ctx context.Context, phrase, identityID, appID string) (schemas.Alias, error) {
	ident, ok := s.c.Explorer.Registry.Get(identityID)
	if !ok || ident.AppID != appID {
		return schemas.Alias{}, fmt.Errorf("%w: '%s' in app '%s'", ErrUnknownIdentity, identityID, appID)
	}
	if _, err := s.c.Explorer.Aliases.AddAlias(phrase, identityID, appID, schemas.AliasManual); err != nil {
		return schemas.Alias{}, err
	}

	var alias schemas.Alias
	norm := identity.NormalizePhrase(phrase)
	for _, al := range s.c.Explorer.Aliases.ForApp(appID) {
		if al.Phrase == norm && al.IdentityID == identityID && al.Source == schemas.AliasManual {
			alias = al
			break
		}
	}
	if err := s.c.Store.FlushAliases(ctx, []schemas.Alias{alias}); err != nil {
		return alias, fmt.Errorf("failed to persist alias: %w", err)
	}
	s.logger.Info("Registered command.",
		zap.String("app_id", appID),
		zap.String("phrase", alias.Phrase),
		zap.String("identity_id", identityID))
	return alias, nil
}

// Resolve ranks the elements phrase may refer to in appID.
func (s *Service) Resolve(phrase, appID string) []schemas.Candidate {
	return s.c.Explorer.Aliases.Resolve(phrase, appID)
}

// Identity looks up a learned element.
func (s *Service) Identity(id string) (schemas.ElementIdentity, bool) {
	return s.c.Explorer.Registry.Get(id)
}

// Graph returns appID's navigation graph.
func (s *Service) Graph(appID string) schemas.GraphSnapshot {
	return s.c.Explorer.Graph.GetGraph(appID)
}

// Bus exposes the event bus so callers can follow sessions.
func (s *Service) Bus() *events.Bus { return s.c.Bus }

// Close aborts running sessions, waits for their final flush and releases
// the components. It is safe to call more than once.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	running := make([]*explorer.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		running = append(running, session)
	}
	s.mu.Unlock()

	for _, session := range running {
		session.Abort()
	}
	s.watchers.Wait()
	s.c.Shutdown()
	s.logger.Debug("Learning service closed.", zap.Int("aborted_sessions", len(running)))
}
