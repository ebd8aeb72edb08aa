package service

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/events"
	"github.com/xkilldash9x/cartographer/internal/explorer"
)

// Components holds everything the learning service needs for its lifetime.
type Components struct {
	Store    schemas.Store
	Bus      *events.Bus
	Explorer explorer.Components
	Engine   *explorer.Engine

	// history is filled by the report consumer.
	history *History

	// consumerWG tracks the report consumer so Shutdown can wait for it.
	consumerWG *sync.WaitGroup

	logger *zap.Logger
}

// Shutdown releases the components in dependency order. Sessions must have
// finished before it is called.
func (c *Components) Shutdown() {
	logger := c.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Beginning components shutdown sequence.")

	// 1. Close the bus. Subscriber channels close, which stops the consumer.
	if c.Bus != nil {
		c.Bus.Shutdown()
		logger.Debug("Event bus shut down.")
	}

	// 2. Wait for the consumer to drain.
	if c.consumerWG != nil {
		if !timedWait(c.consumerWG, 5*time.Second) {
			logger.Warn("Report consumer did not stop in time.")
		} else {
			logger.Debug("Report consumer finished.")
		}
	}

	// 3. Close the store last; flushes have completed by now.
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			logger.Warn("Error while closing the store.", zap.Error(err))
		} else {
			logger.Debug("Store closed.")
		}
	}

	logger.Debug("All components shut down.")
}

// timedWait waits on wg for at most timeout and reports whether it finished.
func timedWait(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
