package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cartographer/internal/config"
	"github.com/xkilldash9x/cartographer/internal/events"
	"github.com/xkilldash9x/cartographer/internal/explorer"
	"github.com/xkilldash9x/cartographer/internal/store"
)

const (
	busBufferSize = 64
	historySize   = 32
)

// ComponentFactory creates the component set behind a Service. Tests swap it
// to control what the service is built from.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// concreteFactory opens the configured store and builds a fresh engine.
type concreteFactory struct{}

// NewComponentFactory returns the production factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create wires the store, bus and exploration engine together and loads
// whatever the store already knows.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	components := &Components{
		consumerWG: &sync.WaitGroup{},
		history:    NewHistory(historySize),
		logger:     logger,
	}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Store
	st, err := store.Open(ctx, cfg.Store(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to open store: %w", err)
		return nil, initializationErr
	}
	components.Store = st
	logger.Debug("Store opened.", zap.String("type", cfg.Store().Type))

	// 2. Event bus and the consumer that keeps recent session reports.
	components.Bus = events.NewBus(logger, busBufferSize)
	StartReportConsumer(ctx, components.consumerWG, components.Bus, components.history, logger)
	logger.Debug("Event bus and report consumer started.")

	// 3. Exploration components
	ec, err := explorer.NewComponents(cfg, st, components.Bus, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to build exploration components: %w", err)
		return nil, initializationErr
	}
	components.Explorer = ec

	// 4. Warm start from the store.
	loaded, err := WarmStart(ctx, st, ec, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to load learned apps: %w", err)
		return nil, initializationErr
	}
	logger.Debug("Loaded learned apps.", zap.Int("apps", loaded))

	// 5. Engine
	eng, err := explorer.New(cfg, ec, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create exploration engine: %w", err)
		return nil, initializationErr
	}
	components.Engine = eng

	return components, nil
}
