// Package tokens implements the internal pre-funded credit ledger adapter.
// Credits live in the persistence store; settling a contribution reserves
// enough active credits, the completion path later marks them spent.
package tokens

import (
	"context"
	"fmt"

	"github.com/danilovkiri/dk-go-reconciler/internal/models/modelcontribution"
	"github.com/danilovkiri/dk-go-reconciler/internal/storage/v1"
	"github.com/rs/zerolog"
)

type Ledger struct {
	store storage.Credits
	log   *zerolog.Logger
}

func InitLedger(store storage.Credits, log *zerolog.Logger) *Ledger {
	return &Ledger{store: store, log: log}
}

func (l *Ledger) Processor() modelcontribution.Processor {
	return modelcontribution.ProcessorTokens
}

// FetchBalance reports the total value of active credits.
func (l *Ledger) FetchBalance(ctx context.Context) (int64, error) {
	return l.store.GetAvailableCreditsValue(ctx)
}

// Reserve earmarks credits covering the record amount for one contribution.
// Reserving twice for the same contribution id reserves once per id, which
// keeps retried settlement attempts safe.
func (l *Ledger) Reserve(ctx context.Context, contributionID string, amount int64) error {
	err := l.store.ReserveCredits(ctx, contributionID, amount)
	if err != nil {
		return err
	}
	l.log.Info().Msg(fmt.Sprintf("reserved credits for contribution %s", contributionID))
	return nil
}
