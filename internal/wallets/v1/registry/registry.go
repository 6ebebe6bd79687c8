// Package registry aggregates per-processor balances into one snapshot.
package registry

import (
	"context"
	"sync"

	"github.com/danilovkiri/dk-go-reconciler/internal/models/modelbalance"
	"github.com/danilovkiri/dk-go-reconciler/internal/models/modelcontribution"
	"github.com/danilovkiri/dk-go-reconciler/internal/wallets/v1"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// balanceFetcher is the subset of the custodian surface the registry needs.
type balanceFetcher interface {
	Processor() modelcontribution.Processor
	FetchBalance(ctx context.Context) (int64, error)
}

type Registry struct {
	fetchers []balanceFetcher
	log      *zerolog.Logger
}

var _ wallets.BalanceSource = (*Registry)(nil)

// InitRegistry builds a balance source over the internal credit ledger and
// the configured custodians. Fetcher order defines snapshot iteration order
// but not allocation priority, which is fixed by the processor priority list.
func InitRegistry(log *zerolog.Logger, fetchers ...balanceFetcher) *Registry {
	return &Registry{fetchers: fetchers, log: log}
}

// FetchBalance queries every processor concurrently and merges the results.
// A single failed fetch fails the whole snapshot so the engine can abort the
// current queue pass rather than allocate against stale numbers.
func (r *Registry) FetchBalance(ctx context.Context) (*modelbalance.Balance, error) {
	balance := modelbalance.Balance{Wallets: make(map[modelcontribution.Processor]int64)}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, fetcher := range r.fetchers {
		fetcher := fetcher
		g.Go(func() error {
			available, err := fetcher.FetchBalance(gctx)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			balance.Wallets[fetcher.Processor()] = available
			balance.Total += available
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.log.Error().Err(err).Msg("balance snapshot failed")
		return nil, err
	}
	return &balance, nil
}
