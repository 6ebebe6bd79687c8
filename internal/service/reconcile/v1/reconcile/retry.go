package reconcile

import (
	"fmt"
	"time"

	"github.com/danilovkiri/dk-go-reconciler/internal/models/modelcontribution"
)

// retryBudget caps re-attempts before a record is forced to a terminal
// failure state.
const retryBudget = 3

// scheduleRetry arms a one-shot retry timer for a contribution id. A new
// schedule for the same id cancels and replaces the prior timer, so at most
// one live timer exists per id.
func (e *Engine) scheduleRetry(contributionID string, delay time.Duration) {
	if contributionID == "" {
		e.log.Error().Msg("contribution id is empty")
		return
	}
	e.log.Info().Msg(fmt.Sprintf("timer for contribution retry (%s) set for %s", contributionID, delay))
	e.mu.Lock()
	defer e.mu.Unlock()
	if timer, ok := e.retryTimers[contributionID]; ok {
		timer.Stop()
	}
	e.retryTimers[contributionID] = time.AfterFunc(delay, func() {
		e.onRetryTimerElapsed(contributionID)
	})
}

func (e *Engine) onRetryTimerElapsed(contributionID string) {
	e.mu.Lock()
	delete(e.retryTimers, contributionID)
	e.mu.Unlock()
	record, err := e.store.GetContributionRecord(e.ctx, contributionID)
	if err != nil {
		e.log.Error().Err(err).Msg(fmt.Sprintf("contribution retrieval failed for %s", contributionID))
		return
	}
	e.advanceRetry(record)
}

// advanceRetry applies the retry-budget policy and re-dispatches the record
// at its current step. The count increment is persisted before re-dispatch so
// a crash in between is re-counted by the next startup recovery scan.
func (e *Engine) advanceRetry(record *modelcontribution.ContributionRecord) {
	if record.RetryCount == retryBudget && record.Step != modelcontribution.StepPrepare {
		e.log.Warn().Msg(fmt.Sprintf("contribution %s failed after %d retries", record.ContributionID, retryBudget))
		e.complete(modelcontribution.ResultTooManyResults, record)
		return
	}
	err := e.store.UpdateStepAndRetryCount(e.ctx, record.ContributionID, record.Step, record.RetryCount+1)
	if err != nil {
		e.log.Error().Err(err).Msg("retry count update failed")
		return
	}
	record.RetryCount++
	// negative steps are final steps, nothing to retry
	if record.Step.Terminal() {
		return
	}
	if record.Type == modelcontribution.TypeAutoContrib && !e.cfg.AutoContributeEnabled {
		e.log.Info().Msg("AC is disabled, completing contribution")
		e.complete(modelcontribution.ResultACOff, record)
		return
	}
	e.log.Info().Msg(fmt.Sprintf("retrying contribution (%s) on step %d", record.ContributionID, record.Step))
	e.dispatch(record)
}
