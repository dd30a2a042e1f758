package indexer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/agreenet/providerd/internal/pkg/perrors"
)

// HealthProbe is the health surface of the indexer client.
type HealthProbe interface {
	IsHealthy(ctx context.Context) bool
}

// HealthTracker implements the outage log discipline: one "not healthy"
// line when an outage starts, one "healthy" line when it ends, silence in
// between.
type HealthTracker struct {
	probe  HealthProbe
	logger *slog.Logger

	mu        sync.Mutex
	unhealthy bool
}

// NewHealthTracker creates a tracker over the given probe.
func NewHealthTracker(probe HealthProbe, logger *slog.Logger) *HealthTracker {
	return &HealthTracker{
		probe:  probe,
		logger: logger.With(slog.String("component", "indexer-health")),
	}
}

// ObserveFailure inspects an error from an indexer call. For transport
// errors it probes health and reports whether the indexer is down; the
// first observation of an outage logs once.
func (t *HealthTracker) ObserveFailure(ctx context.Context, err error) bool {
	if !perrors.IsTransport(err) {
		return false
	}
	if t.probe.IsHealthy(ctx) {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.unhealthy {
		t.unhealthy = true
		t.logger.Error("Indexer is not healthy")
	}
	return true
}

// ObserveSuccess marks the indexer reachable again, logging once per
// recovery.
func (t *HealthTracker) ObserveSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unhealthy {
		t.unhealthy = false
		t.logger.Info("Indexer is healthy")
	}
}
