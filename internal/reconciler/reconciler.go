// Package reconciler drives the daemon's event ingestion: block-windowed
// replay of agreement events into resource lifecycle transitions, and the
// periodic balance sweep.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agreenet/providerd/internal/chain"
	"github.com/agreenet/providerd/internal/indexer"
	"github.com/agreenet/providerd/internal/models"
	"github.com/agreenet/providerd/internal/pkg/perrors"
	"github.com/agreenet/providerd/internal/pkg/timeutil"
	"github.com/agreenet/providerd/internal/provider"
	"github.com/agreenet/providerd/internal/store"
)

// IndexerClient is the slice of the indexer facade the reconciler uses.
type IndexerClient interface {
	GetEvents(ctx context.Context, q indexer.EventQuery) ([]indexer.Event, error)
	LastProcessedBlock(ctx context.Context, contractAddress string) (uint64, error)
	GetAgreements(ctx context.Context, q indexer.AgreementQuery) ([]*chain.Agreement, error)
}

// Reconciler replays agreement events in ascending block order against the
// provider runtimes. It is the sole writer of resource rows and of the
// LAST_PROCESSED_BLOCK cursor.
type Reconciler struct {
	store    store.Store
	indexer  IndexerClient
	health   *indexer.HealthTracker
	runtimes []*provider.Runtime
	logger   *slog.Logger

	window   uint64
	interval time.Duration

	lastProcessedBlock uint64
}

// Options wires a reconciler.
type Options struct {
	Store    store.Store
	Indexer  IndexerClient
	Health   *indexer.HealthTracker
	Runtimes []*provider.Runtime
	Window   uint64
	Interval time.Duration
	Logger   *slog.Logger
}

// New constructs a reconciler; call Init before Run.
func New(opts Options) *Reconciler {
	return &Reconciler{
		store:    opts.Store,
		indexer:  opts.Indexer,
		health:   opts.Health,
		runtimes: opts.Runtimes,
		window:   opts.Window,
		interval: opts.Interval,
		logger:   opts.Logger.With(slog.String("component", "reconciler")),
	}
}

// Init restores the block cursor. A fresh daemon starts from the indexer's
// current head so history is not replayed.
func (r *Reconciler) Init(ctx context.Context) error {
	value, err := r.store.GetConfigValue(ctx, store.ConfigKeyLastProcessedBlock)
	if err != nil {
		return fmt.Errorf("read block cursor: %w", err)
	}
	if value != "" {
		cursor, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid block cursor %q: %w", value, err)
		}
		r.lastProcessedBlock = cursor
		return nil
	}

	head := uint64(0)
	for _, protocol := range r.protocols() {
		block, err := r.indexer.LastProcessedBlock(ctx, protocol.Hex())
		if err != nil {
			return fmt.Errorf("read indexer head: %w", err)
		}
		if block > head {
			head = block
		}
	}
	r.lastProcessedBlock = head
	r.logger.Info("starting from current head", slog.Uint64("block", head))
	return r.persistCursor(ctx)
}

// Run loops until cancellation, processing one block window per tick.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		if err := r.Tick(ctx); err != nil {
			if perrors.IsTermination(err) {
				return nil
			}
			if !r.health.ObserveFailure(ctx, err) {
				r.logger.Error("tick failed", slog.String("error", err.Error()))
			}
		}
		if err := timeutil.Sleep(ctx, r.interval); err != nil {
			return nil
		}
	}
}

// Tick processes the next block window. Transport failures leave the
// cursor untouched so the window is retried.
func (r *Reconciler) Tick(ctx context.Context) error {
	ticksTotal.Inc()

	lastIndexed := uint64(0)
	for _, protocol := range r.protocols() {
		block, err := r.indexer.LastProcessedBlock(ctx, protocol.Hex())
		if err != nil {
			return err
		}
		if block > lastIndexed {
			lastIndexed = block
		}
	}
	r.health.ObserveSuccess()

	if lastIndexed <= r.lastProcessedBlock {
		return nil
	}

	from := r.lastProcessedBlock + 1
	to := r.lastProcessedBlock + r.window
	if to > lastIndexed {
		to = lastIndexed
	}

	for _, protocol := range r.protocols() {
		events, err := r.fetchWindow(ctx, protocol, from, to)
		if err != nil {
			return err
		}
		for i := range events {
			if err := r.apply(ctx, protocol, &events[i]); err != nil {
				// Transport errors abort the window so it is retried;
				// everything else is logged and skipped.
				if perrors.IsTransport(err) {
					return err
				}
				r.logger.Error("event apply failed",
					slog.String("event", events[i].Name),
					slog.Uint64("block", events[i].BlockNumber),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if r.lastProcessedBlock+r.window < lastIndexed {
		r.lastProcessedBlock += r.window
	} else {
		r.lastProcessedBlock = lastIndexed
	}
	return r.persistCursor(ctx)
}

// fetchWindow collects the agreement events of one protocol in [from, to],
// sorted into authoritative apply order.
func (r *Reconciler) fetchWindow(ctx context.Context, protocol common.Address, from, to uint64) ([]indexer.Event, error) {
	var all []indexer.Event
	for _, name := range []string{indexer.EventAgreementCreated, indexer.EventAgreementClosed} {
		events, err := r.indexer.GetEvents(ctx, indexer.EventQuery{
			ContractAddress: protocol.Hex(),
			EventName:       name,
			FromBlock:       from,
			ToBlock:         to,
			AutoPaginate:    true,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, events...)
	}
	r.health.ObserveSuccess()
	indexer.SortEvents(all)
	return all, nil
}

// apply dispatches one event to every runtime responsible for it.
func (r *Reconciler) apply(ctx context.Context, protocol common.Address, ev *indexer.Event) error {
	args, err := ev.DecodeAgreementArgs()
	if err != nil {
		return err
	}
	providerAddr, err := chain.ParseAddress(args.ProviderAddress)
	if err != nil {
		return fmt.Errorf("event %s at block %d: %w", ev.Name, ev.BlockNumber, err)
	}

	for _, rt := range r.runtimes {
		if rt.ProtocolAddress() != protocol {
			continue
		}
		actor, ok := rt.ActorFor(providerAddr)
		if !ok {
			continue
		}

		var applyErr error
		switch ev.Name {
		case indexer.EventAgreementCreated:
			applyErr = r.handleCreated(ctx, rt, protocol, args, actor)
		case indexer.EventAgreementClosed:
			applyErr = r.handleClosed(ctx, rt, protocol, args)
		default:
			continue
		}
		if applyErr != nil {
			return applyErr
		}
		eventsTotal.WithLabelValues(ev.Name).Inc()
	}
	return nil
}

// handleCreated provisions a resource for a fresh agreement. Creation is
// idempotent through the row-existence check: a replayed event is a no-op.
func (r *Reconciler) handleCreated(ctx context.Context, rt *provider.Runtime, protocol common.Address, args *indexer.AgreementEventArgs, actor *chain.Actor) error {
	existing, err := r.store.GetResourceByID(ctx, args.AgreementID, protocol.Hex())
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	agreement, err := rt.Chain().GetAgreement(ctx, protocol, args.AgreementID)
	if err != nil {
		return err
	}
	if agreement == nil {
		return perrors.NewDomainError("reconciler",
			fmt.Sprintf("agreement %d missing on-chain", args.AgreementID))
	}

	offer, err := rt.DetailedOffer(ctx, args.OfferID)
	if err != nil {
		return err
	}

	state, createErr := rt.Backend().Create(ctx, agreement, offer)
	if createErr == nil && state == nil {
		createErr = errors.New("backend returned no resource state")
	}
	if createErr != nil {
		r.logger.Error("backend create failed, recording failed resource",
			slog.Uint64("agreementId", args.AgreementID),
			slog.String("error", createErr.Error()),
		)
		return r.store.CreateResource(ctx, &models.Resource{
			ID:               args.AgreementID,
			ProtocolAddress:  protocol.Hex(),
			Name:             provider.RandomResourceName(),
			OwnerAddress:     agreement.UserAddress.Hex(),
			OfferID:          args.OfferID,
			ProviderID:       actor.ID,
			DeploymentStatus: models.DeploymentStatusFailed,
			IsActive:         true,
		})
	}

	name := state.Name
	if name == "" {
		name = provider.RandomResourceName()
	}
	resource := &models.Resource{
		ID:               args.AgreementID,
		ProtocolAddress:  protocol.Hex(),
		Name:             name,
		OwnerAddress:     agreement.UserAddress.Hex(),
		OfferID:          args.OfferID,
		ProviderID:       actor.ID,
		DeploymentStatus: state.Status,
		Details:          state.Details,
		IsActive:         true,
	}
	if err := r.store.CreateResource(ctx, resource); err != nil {
		return err
	}

	r.logger.Info("resource created",
		slog.Uint64("agreementId", args.AgreementID),
		slog.String("name", name),
		slog.String("status", string(state.Status)),
	)

	if state.Status != models.DeploymentStatusRunning {
		rt.WatchResource(ctx, args.AgreementID, protocol.Hex())
	}
	return nil
}

// handleClosed tears a resource down. The row is always closed, even when
// the backend teardown fails.
func (r *Reconciler) handleClosed(ctx context.Context, rt *provider.Runtime, protocol common.Address, args *indexer.AgreementEventArgs) error {
	resource, err := r.store.GetResourceByID(ctx, args.AgreementID, protocol.Hex())
	if err != nil {
		return err
	}
	if resource == nil || !resource.IsActive {
		return nil
	}

	agreement, agErr := rt.Chain().GetAgreement(ctx, protocol, args.AgreementID)
	if agErr != nil && perrors.IsTransport(agErr) {
		return agErr
	}

	if agErr != nil || agreement == nil {
		r.logger.Error("cannot load closing agreement, closing row without backend teardown",
			slog.Uint64("agreementId", args.AgreementID),
		)
	} else {
		offer, offerErr := rt.DetailedOffer(ctx, resource.OfferID)
		if offerErr != nil {
			if perrors.IsTransport(offerErr) {
				return offerErr
			}
			r.logger.Error("cannot load offer for teardown",
				slog.Uint64("agreementId", args.AgreementID),
				slog.String("error", offerErr.Error()),
			)
		} else if err := rt.Backend().Delete(ctx, agreement, offer, resource); err != nil {
			r.logger.Error("backend delete failed, closing row anyway",
				slog.Uint64("agreementId", args.AgreementID),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := r.store.DeleteResource(ctx, args.AgreementID, protocol.Hex()); err != nil {
		return err
	}
	r.logger.Info("resource closed", slog.Uint64("agreementId", args.AgreementID))
	return nil
}

// LastProcessedBlock exposes the in-memory cursor (tests and health).
func (r *Reconciler) LastProcessedBlock() uint64 {
	return r.lastProcessedBlock
}

func (r *Reconciler) persistCursor(ctx context.Context) error {
	return r.store.SetConfigValue(ctx, store.ConfigKeyLastProcessedBlock,
		strconv.FormatUint(r.lastProcessedBlock, 10))
}

// protocols returns the distinct protocol addresses across all runtimes.
func (r *Reconciler) protocols() []common.Address {
	seen := make(map[common.Address]bool)
	var out []common.Address
	for _, rt := range r.runtimes {
		addr := rt.ProtocolAddress()
		if !seen[addr] {
			seen[addr] = true
			out = append(out, addr)
		}
	}
	return out
}
