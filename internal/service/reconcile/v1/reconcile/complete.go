package reconcile

import (
	"fmt"
	"time"

	"github.com/danilovkiri/dk-go-reconciler/internal/models/modelcontribution"
)

// revivedAge is how long an externally-funded auto-contribute record may
// stall before it is completed silently.
const revivedAge = 20 * 24 * time.Hour

// complete finalizes a contribution record: observers are notified, a
// balance report delta is written for successful settlements and the terminal
// step is persisted with the retry count reset to the "no longer retryable"
// sentinel. Already-terminal records are left alone so a re-delivered
// completion cannot double-notify or double-report.
func (e *Engine) complete(result modelcontribution.Result, record *modelcontribution.ContributionRecord) {
	if record == nil {
		e.log.Error().Msg("contribution is null")
		return
	}
	if record.Step.Terminal() {
		e.log.Info().Msg(fmt.Sprintf("contribution %s is already finalized", record.ContributionID))
		return
	}
	// Externally funded auto-contributes stalled long enough are considered
	// revived: they settle in the background without touching the current
	// month's balance report or notifying observers.
	if !isRevived(record) {
		e.notifier.OnReconcileComplete(e.ctx, result, record)
		if result == modelcontribution.ResultOK {
			now := time.Now()
			err := e.store.SaveBalanceReportDelta(e.ctx, int(now.Month()), now.Year(), record.Type.ReportCategory(), record.Amount)
			if err != nil {
				e.log.Error().Err(err).Msg(fmt.Sprintf("balance report update failed for %s", record.ContributionID))
			}
		}
	}
	err := e.store.UpdateStepAndRetryCount(e.ctx, record.ContributionID, result.ToStep(), -1)
	if err != nil {
		e.log.Error().Err(err).Msg("contribution step and count failed")
	}
	record.Step = result.ToStep()
	record.RetryCount = -1
	err = e.store.MarkCreditsSpent(e.ctx, record.ContributionID)
	if err != nil {
		e.log.Error().Err(err).Msg(fmt.Sprintf("failed to mark credits as spent for contribution %s", record.ContributionID))
	}
}

// markQueueEntryComplete retires a queue entry, releases the queue-in-progress
// guard and re-arms the queue check so the next entry can be processed.
func (e *Engine) markQueueEntryComplete(id string) {
	if id == "" {
		e.log.Error().Msg("queue id is empty")
		return
	}
	err := e.store.MarkQueueEntryComplete(e.ctx, id)
	if err != nil {
		e.log.Error().Err(err).Msg(fmt.Sprintf("marking queue entry complete failed for %s", id))
	}
	e.setIdle()
	e.CheckQueue()
}

// isRevived reports whether the record is a stalled externally-funded
// auto-contribute. Records without a valid creation timestamp never qualify.
func isRevived(record *modelcontribution.ContributionRecord) bool {
	if record.Type != modelcontribution.TypeAutoContrib {
		return false
	}
	if record.Processor == modelcontribution.ProcessorTokens {
		return false
	}
	if record.CreatedAt == 0 {
		return false
	}
	return time.Since(time.Unix(record.CreatedAt, 0)) > revivedAge
}
