package reconcile

import (
	"fmt"
	"time"

	"github.com/danilovkiri/dk-go-reconciler/internal/models/modelbalance"
	"github.com/danilovkiri/dk-go-reconciler/internal/models/modelcontribution"
	"github.com/google/uuid"
)

// allocate splits the queue entry amount across processors in priority order,
// creating one contribution record per processor actually used. Each created
// record starts settling immediately; the entry amount only ever decreases.
// The pass ends with the queue entry retired: either fully funded or given up
// on after every processor has been tried.
func (e *Engine) allocate(entry *modelcontribution.QueueEntry, balance *modelbalance.Balance) {
	for processor := modelcontribution.NextProcessor(modelcontribution.ProcessorNone); processor != modelcontribution.ProcessorNone; processor = modelcontribution.NextProcessor(processor) {
		if entry.Amount == 0 {
			break
		}
		available := balance.PerWalletBalance(processor)
		if available == 0 {
			e.log.Info().Msg(fmt.Sprintf("wallet balance is 0 for %s", processor))
			continue
		}
		if entry.Type == modelcontribution.TypeAutoContrib && !processor.SupportsAutoContribute() {
			e.log.Info().Msg(fmt.Sprintf("AC is not supported for %s wallets", processor))
			continue
		}
		record := newRecord(entry, processor, available)
		e.log.Info().Msg(fmt.Sprintf("creating contribution for wallet type %s (amount: %d, type: %s)", processor, record.Amount, entry.Type))
		err := e.store.SaveContributionRecord(e.ctx, record)
		if err != nil {
			e.log.Error().Err(err).Msg("contribution was not saved correctly")
			e.setIdle()
			return
		}
		entry.Amount -= record.Amount
		if entry.Amount > 0 {
			err = e.store.SaveQueueEntry(e.ctx, entry)
			if err != nil {
				e.log.Error().Err(err).Msg("queue entry was not saved successfully")
				e.setIdle()
				return
			}
		}
		e.dispatch(record)
	}
	// amount == 0: fully funded; amount > 0: not enough total funds across
	// all processors, the entry is retired either way
	if entry.Amount > 0 {
		e.log.Warn().Msg(fmt.Sprintf("queue entry %s could not be fully funded, residual %d", entry.ID, entry.Amount))
	}
	e.markQueueEntryComplete(entry.ID)
}

// newRecord builds a contribution record funding min(available, entry amount)
// and apportions that amount to publishers by their percent share, truncating
// fractional remainders.
func newRecord(entry *modelcontribution.QueueEntry, processor modelcontribution.Processor, available int64) *modelcontribution.ContributionRecord {
	amount := entry.Amount
	if available < amount {
		amount = available
	}
	record := modelcontribution.ContributionRecord{
		ContributionID: uuid.New().String(),
		QueueID:        entry.ID,
		Type:           entry.Type,
		Processor:      processor,
		Step:           modelcontribution.StepStart,
		RetryCount:     0,
		Amount:         amount,
		CreatedAt:      time.Now().Unix(),
	}
	for _, publisher := range entry.Publishers {
		record.Publishers = append(record.Publishers, modelcontribution.PublisherAllocation{
			PublisherKey:      publisher.PublisherKey,
			TotalAmount:       publisher.AmountPercent * amount / 100,
			ContributedAmount: 0,
		})
	}
	return &record
}
