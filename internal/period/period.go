// Package period implements the period controller: it rotates the active
// aggregation window on a fixed interval, synchronized to the decoded
// stream's own clock but stamped with wallclock bounds.
package period

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/trafficeng/trafficeng/internal/api"
	"github.com/trafficeng/trafficeng/internal/store"
	"github.com/trafficeng/trafficeng/internal/xerrors"
)

// Publisher is the external collaborator that receives a closed period's
// statistics. Implementations must not block rotation on failure; the
// controller treats a Publish error as logged, not fatal.
type Publisher interface {
	Publish(ctx context.Context, stats store.AllZonesStats) error
}

// Broadcaster is the narrow view of *api.Hub the controller needs to notify
// websocket subscribers that a period closed, without this package
// depending on the api package's transport details.
type Broadcaster interface {
	Broadcast(msg api.Message)
}

// Controller rotates ds's aggregation window every reset interval and, if a
// Publisher is configured, hands it the just-closed period.
type Controller struct {
	reset       time.Duration
	ds          *store.DataStore
	publisher   Publisher
	broadcaster Broadcaster

	mu                 sync.Mutex
	initialized        bool
	nextBoundarySecond float64
}

// NewController constructs a Controller. publisher and broadcaster may both
// be nil, in which case rotation still happens but nothing is published or
// pushed to websocket subscribers.
func NewController(reset time.Duration, ds *store.DataStore, publisher Publisher, broadcaster Broadcaster) *Controller {
	return &Controller{reset: reset, ds: ds, publisher: publisher, broadcaster: broadcaster}
}

// Tick advances the controller using currentSecond (the decoded stream's
// own progress, used only to decide *when* a boundary is crossed) and
// wallNow (used to stamp the new period's bounds). The first call only
// establishes the initial window; it never rotates.
func (c *Controller) Tick(ctx context.Context, currentSecond float64, wallNow time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		c.initialized = true
		c.nextBoundarySecond = currentSecond + c.reset.Seconds()
		c.ds.SetPeriodBounds(wallNow.Add(-c.reset), wallNow)
		return
	}

	if currentSecond < c.nextBoundarySecond {
		return
	}

	_, oldEnd := c.ds.PeriodBounds()
	finished := c.ds.RotatePeriod(oldEnd, wallNow)
	c.nextBoundarySecond = currentSecond + c.reset.Seconds()

	slog.Info("period rotated", "component", "period", "period_start", oldEnd, "period_end", wallNow)

	if c.broadcaster != nil {
		c.broadcaster.Broadcast(api.PeriodClosedMessage(oldEnd, wallNow))
	}

	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, finished); err != nil {
		wrapped := xerrors.New(xerrors.PublisherFailed, "Controller.Tick", err)
		slog.Error("publish failed, rotation continues", "component", "period", "error", wrapped)
	}
}
