package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/agreenet/providerd/internal/chain"
	"github.com/agreenet/providerd/internal/indexer"
	"github.com/agreenet/providerd/internal/pkg/perrors"
	"github.com/agreenet/providerd/internal/pkg/timeutil"
	"github.com/agreenet/providerd/internal/provider"
)

// Sweeper force-closes active agreements whose balance has run out. Closure
// goes through the chain, so the resulting AgreementClosed event flows back
// through the reconciler like any user-initiated closure.
type Sweeper struct {
	indexer  IndexerClient
	health   *indexer.HealthTracker
	runtimes []*provider.Runtime
	interval time.Duration
	logger   *slog.Logger
}

// SweeperOptions wires a sweeper.
type SweeperOptions struct {
	Indexer  IndexerClient
	Health   *indexer.HealthTracker
	Runtimes []*provider.Runtime
	Interval time.Duration
	Logger   *slog.Logger
}

// NewSweeper constructs a balance sweeper.
func NewSweeper(opts SweeperOptions) *Sweeper {
	return &Sweeper{
		indexer:  opts.Indexer,
		health:   opts.Health,
		runtimes: opts.Runtimes,
		interval: opts.Interval,
		logger:   opts.Logger.With(slog.String("component", "sweeper")),
	}
}

// Run sweeps once at boot, then on every interval tick, until cancellation.
func (s *Sweeper) Run(ctx context.Context) error {
	for {
		if err := s.Sweep(ctx); err != nil {
			if perrors.IsTermination(err) {
				return nil
			}
			if !s.health.ObserveFailure(ctx, err) {
				s.logger.Error("sweep failed", slog.String("error", err.Error()))
			}
		}
		if err := timeutil.Sleep(ctx, s.interval); err != nil {
			return nil
		}
	}
}

// Sweep checks every active agreement of every managed provider identity
// and closes the ones with no balance left. Per-agreement failures are
// logged and skipped so one bad agreement cannot stall the sweep.
func (s *Sweeper) Sweep(ctx context.Context) error {
	sweepsTotal.Inc()

	for _, rt := range s.runtimes {
		owners := []string{rt.Actor().OwnerAddress.Hex()}
		for _, child := range rt.VirtualChildren() {
			owners = append(owners, child.Actor.OwnerAddress.Hex())
		}

		seen := make(map[uint64]bool)
		for _, owner := range owners {
			agreements, err := s.indexer.GetAgreements(ctx, indexer.AgreementQuery{
				ProtocolAddress: rt.ProtocolAddress().Hex(),
				ProviderAddress: owner,
				Status:          chain.AgreementStatusActive,
				AutoPaginate:    true,
			})
			if err != nil {
				return err
			}
			s.health.ObserveSuccess()

			for _, ag := range agreements {
				// A gateway and its children can surface the same
				// agreement under multiple owner queries.
				if seen[ag.ID] {
					continue
				}
				seen[ag.ID] = true
				s.checkBalance(ctx, rt, ag)
			}
		}
	}
	return nil
}

// checkBalance closes the agreement when its balance is exhausted.
func (s *Sweeper) checkBalance(ctx context.Context, rt *provider.Runtime, ag *chain.Agreement) {
	if ag.Balance == nil || ag.Balance.Sign() > 0 {
		return
	}

	logger := s.logger.With(
		slog.Uint64("agreementId", ag.ID),
		slog.String("protocol", rt.ProtocolAddress().Hex()),
	)
	logger.Info("agreement balance exhausted, closing")

	if err := rt.Chain().CloseAgreement(ctx, rt.ProtocolAddress(), ag.ID); err != nil {
		logger.Error("close agreement failed", slog.String("error", err.Error()))
		return
	}
	forcedClosuresTotal.Inc()
}
