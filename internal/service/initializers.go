package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/cartographer/api/schemas"
	"github.com/xkilldash9x/cartographer/internal/events"
	"github.com/xkilldash9x/cartographer/internal/explorer"
)

// WarmStart loads every app the store knows into the in-memory graph,
// identity registry and alias index. It returns the number of apps loaded.
func WarmStart(ctx context.Context, st schemas.Store, c explorer.Components, logger *zap.Logger) (int, error) {
	apps, err := st.ListApps(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list apps: %w", err)
	}
	for _, app := range apps {
		graph, err := st.LoadGraph(ctx, app.AppID)
		if err != nil {
			return 0, fmt.Errorf("failed to load graph for app '%s': %w", app.AppID, err)
		}
		if err := c.Graph.Merge(graph); err != nil {
			return 0, err
		}

		identities, err := st.LoadIdentities(ctx, app.AppID)
		if err != nil {
			return 0, fmt.Errorf("failed to load identities for app '%s': %w", app.AppID, err)
		}
		c.Registry.Load(identities)

		aliases, err := st.LoadAliases(ctx, app.AppID)
		if err != nil {
			return 0, fmt.Errorf("failed to load aliases for app '%s': %w", app.AppID, err)
		}
		c.Aliases.Load(aliases)

		logger.Debug("Warm-started app.",
			zap.String("app_id", app.AppID),
			zap.Int("screens", len(graph.Screens)),
			zap.Int("identities", len(identities)),
			zap.Int("aliases", len(aliases)))
	}
	return len(apps), nil
}

// StartReportConsumer subscribes to finished-session reports and records them
// in history until the bus shuts down or ctx is canceled. wg is done once the
// goroutine exits.
func StartReportConsumer(ctx context.Context, wg *sync.WaitGroup, bus *events.Bus, history *History, logger *zap.Logger) {
	reports, unsubscribe := bus.Subscribe(events.TypeSessionFinished)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer unsubscribe()
		logger.Debug("Report consumer started.")
		defer logger.Debug("Report consumer shut down.")

		record := func(msg events.Message) {
			report, ok := msg.Payload.(schemas.SessionReport)
			if !ok {
				logger.Warn("Dropping session report with unexpected payload.", zap.String("message_id", msg.ID))
				return
			}
			history.Add(report)
		}

		for {
			select {
			case msg, ok := <-reports:
				if !ok {
					return
				}
				record(msg)
			case <-ctx.Done():
				drainChannel(reports, record)
				return
			}
		}
	}()
}

// drainChannel hands whatever is still buffered in ch to fn without blocking.
func drainChannel(ch <-chan events.Message, fn func(events.Message)) {
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			fn(msg)
		default:
			return
		}
	}
}

// History keeps the most recent session reports, oldest first.
type History struct {
	mu      sync.Mutex
	limit   int
	reports []schemas.SessionReport
}

// NewHistory returns a history holding at most limit reports.
func NewHistory(limit int) *History {
	if limit < 1 {
		limit = 1
	}
	return &History{limit: limit}
}

// Add appends report, evicting the oldest entry when full.
func (h *History) Add(report schemas.SessionReport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.reports) == h.limit {
		copy(h.reports, h.reports[1:])
		h.reports = h.reports[:len(h.reports)-1]
	}
	h.reports = append(h.reports, report)
}

// Reports returns a copy of the recorded reports.
func (h *History) Reports() []schemas.SessionReport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]schemas.SessionReport(nil), h.reports...)
}

// Find returns the report of sessionID, if recorded.
func (h *History) Find(sessionID string) (schemas.SessionReport, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.reports) - 1; i >= 0; i-- {
		if h.reports[i].SessionID == sessionID {
			return h.reports[i], true
		}
	}
	return schemas.SessionReport{}, false
}
