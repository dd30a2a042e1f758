package provider

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agreenet/providerd/internal/models"
	"github.com/agreenet/providerd/internal/pkg/perrors"
	"github.com/agreenet/providerd/internal/pkg/timeutil"
)

const watcherPollInterval = 5 * time.Second

// WatcherGroup tracks the per-resource deployment watchers so shutdown can
// wait for every in-flight watcher to exit.
type WatcherGroup struct {
	wg       sync.WaitGroup
	logger   *slog.Logger
	interval time.Duration
}

// NewWatcherGroup creates an empty watcher group.
func NewWatcherGroup(logger *slog.Logger) *WatcherGroup {
	return &WatcherGroup{
		logger:   logger.With(slog.String("component", "watcher")),
		interval: watcherPollInterval,
	}
}

// Wait blocks until every spawned watcher has exited.
func (g *WatcherGroup) Wait() {
	g.wg.Wait()
}

// WatchResource polls the backend until the resource reports Running, then
// persists the final state. The watcher is cooperative: it exits on context
// cancellation, when the resource disappears, or when it goes inactive.
func (rt *Runtime) WatchResource(ctx context.Context, resourceID uint64, protocolAddress string) {
	g := rt.watchers
	g.wg.Add(1)
	watchersActive.Inc()

	go func() {
		defer g.wg.Done()
		defer watchersActive.Dec()

		logger := g.logger.With(
			slog.Uint64("resourceId", resourceID),
			slog.String("protocol", protocolAddress),
		)
		logger.Debug("watching resource deployment")

		for {
			done, err := rt.pollResource(ctx, resourceID, protocolAddress, logger)
			if done {
				return
			}
			if err != nil && !perrors.IsTermination(err) {
				logger.Warn("resource poll failed, retrying", slog.String("error", err.Error()))
			}
			if err := timeutil.Sleep(ctx, g.interval); err != nil {
				return
			}
		}
	}()
}

// pollResource runs one watcher iteration. It reports done=true when the
// watcher should exit (resource Running, gone, or inactive).
func (rt *Runtime) pollResource(ctx context.Context, resourceID uint64, protocolAddress string, logger *slog.Logger) (bool, error) {
	resource, err := rt.store.GetResourceByID(ctx, resourceID, protocolAddress)
	if err != nil {
		return false, err
	}
	if resource == nil || !resource.IsActive {
		logger.Debug("resource gone or inactive, watcher exiting")
		return true, nil
	}

	agreement, err := rt.chain.GetAgreement(ctx, rt.protocolAddress, resourceID)
	if err != nil {
		return false, err
	}
	if agreement == nil {
		return false, perrors.NewDomainError("watcher", "agreement missing on-chain")
	}

	offer, err := rt.DetailedOffer(ctx, resource.OfferID)
	if err != nil {
		return false, err
	}

	state, err := rt.backend.GetDetails(ctx, agreement, offer, resource)
	if err != nil {
		return false, err
	}
	if state.Status != models.DeploymentStatusRunning {
		return false, nil
	}

	status := models.DeploymentStatusRunning
	if err := rt.store.UpdateResource(ctx, resourceID, protocolAddress, models.ResourceUpdate{
		DeploymentStatus: &status,
		Details:          state.Details,
	}); err != nil {
		return false, err
	}
	logger.Info("resource is running")
	return true, nil
}
