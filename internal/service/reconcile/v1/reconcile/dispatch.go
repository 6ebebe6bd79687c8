package reconcile

import (
	"errors"
	"fmt"
	"time"

	"github.com/danilovkiri/dk-go-reconciler/internal/models/modelcontribution"
	storageErrors "github.com/danilovkiri/dk-go-reconciler/internal/storage/v1/errors"
	walletErrors "github.com/danilovkiri/dk-go-reconciler/internal/wallets/v1/errors"
)

// settlementAccount is the custodian-side destination used for batched
// auto-contribute settlement.
const settlementAccount = "reconciler-settlement"

// dispatch routes a contribution record to its processor-specific settlement
// flow. Settlement runs off the control path and re-enters the engine through
// the Result funnel; per-id serialization holds because at most one dispatch
// per record is ever in flight.
func (e *Engine) dispatch(record *modelcontribution.ContributionRecord) {
	go func() {
		e.Result(e.settle(record), record.ContributionID)
	}()
}

func (e *Engine) settle(record *modelcontribution.ContributionRecord) modelcontribution.Result {
	if !e.cfg.RewardsEnabled {
		return modelcontribution.ResultRewardsOff
	}
	switch record.Processor {
	case modelcontribution.ProcessorTokens:
		return e.settleTokens(record)
	case modelcontribution.ProcessorAlto, modelcontribution.ProcessorMizu, modelcontribution.ProcessorGale:
		if record.Type == modelcontribution.TypeAutoContrib {
			return e.settleBatched(record)
		}
		return e.settleDirect(record)
	default:
		// no processor resolved; should be unreachable for records created
		// by the allocator
		e.log.Error().Msg(fmt.Sprintf("wallet type not supported for contribution %s", record.ContributionID))
		return modelcontribution.ResultLedgerError
	}
}

// settleTokens funds the record from the internal pre-funded credit ledger.
func (e *Engine) settleTokens(record *modelcontribution.ContributionRecord) modelcontribution.Result {
	if len(record.Publishers) == 0 {
		if record.Type == modelcontribution.TypeAutoContrib {
			return modelcontribution.ResultACTableEmpty
		}
		return modelcontribution.ResultLedgerError
	}
	if result := e.advanceStep(record, modelcontribution.StepPrepare); result != modelcontribution.ResultOK {
		return result
	}
	err := e.ledger.Reserve(e.ctx, record.ContributionID, record.Amount)
	if err != nil {
		var insufficientCreditsError *storageErrors.InsufficientCreditsError
		if errors.As(err, &insufficientCreditsError) {
			return modelcontribution.ResultNotEnoughFunds
		}
		e.log.Error().Err(err).Msg(fmt.Sprintf("credit reservation failed for %s", record.ContributionID))
		return modelcontribution.ResultRetry
	}
	if result := e.advanceStep(record, modelcontribution.StepCreds); result != modelcontribution.ResultOK {
		return result
	}
	return e.settlePublishers(record, nil)
}

// settleDirect settles tips through per-publisher fund transfers.
func (e *Engine) settleDirect(record *modelcontribution.ContributionRecord) modelcontribution.Result {
	custodian, ok := e.custodians[record.Processor]
	if !ok {
		e.log.Error().Msg(fmt.Sprintf("no custodian configured for %s", record.Processor))
		return modelcontribution.ResultLedgerError
	}
	if result := e.advanceStep(record, modelcontribution.StepPrepare); result != modelcontribution.ResultOK {
		return result
	}
	if result := e.advanceStep(record, modelcontribution.StepExternalTx); result != modelcontribution.ResultOK {
		return result
	}
	return e.settlePublishers(record, func(publisherKey string, amount int64) error {
		return custodian.TransferFunds(e.ctx, amount, publisherKey)
	})
}

// settleBatched settles auto-contribute records through one created and
// committed custodian transaction covering the whole record amount.
func (e *Engine) settleBatched(record *modelcontribution.ContributionRecord) modelcontribution.Result {
	if len(record.Publishers) == 0 {
		return modelcontribution.ResultACTableEmpty
	}
	custodian, ok := e.custodians[record.Processor]
	if !ok {
		e.log.Error().Msg(fmt.Sprintf("no custodian configured for %s", record.Processor))
		return modelcontribution.ResultLedgerError
	}
	if result := e.advanceStep(record, modelcontribution.StepPrepare); result != modelcontribution.ResultOK {
		return result
	}
	ref, err := custodian.CreateTransaction(e.ctx, settlementAccount, record.Amount)
	if err != nil {
		return e.mapWalletError(record, err)
	}
	if result := e.advanceStep(record, modelcontribution.StepExternalTx); result != modelcontribution.ResultOK {
		return result
	}
	err = custodian.CommitTransaction(e.ctx, ref)
	if err != nil {
		return e.mapWalletError(record, err)
	}
	return e.settlePublishers(record, nil)
}

// settlePublishers drives every publisher allocation to fully contributed.
// A nil transfer settles bookkeeping only (funds already moved in bulk).
func (e *Engine) settlePublishers(record *modelcontribution.ContributionRecord, transfer func(publisherKey string, amount int64) error) modelcontribution.Result {
	for i := range record.Publishers {
		publisher := &record.Publishers[i]
		remaining := publisher.TotalAmount - publisher.ContributedAmount
		if remaining <= 0 {
			continue
		}
		if transfer != nil {
			if err := transfer(publisher.PublisherKey, remaining); err != nil {
				return e.mapWalletError(record, err)
			}
		}
		err := e.store.UpdateContributedAmount(e.ctx, record.ContributionID, publisher.PublisherKey, remaining)
		if err != nil {
			// settled but not recorded: retry soon, the idempotent update
			// re-checks contributed amounts
			return modelcontribution.ResultRetryShort
		}
		publisher.ContributedAmount += remaining
	}
	return modelcontribution.ResultOK
}

// advanceStep persists a step transition keeping the retry count unchanged.
// A failed write aborts the attempt without advancing state.
func (e *Engine) advanceStep(record *modelcontribution.ContributionRecord, step modelcontribution.Step) modelcontribution.Result {
	err := e.store.UpdateStepAndRetryCount(e.ctx, record.ContributionID, step, record.RetryCount)
	if err != nil {
		e.log.Error().Err(err).Msg(fmt.Sprintf("step update failed for %s", record.ContributionID))
		return modelcontribution.ResultRetry
	}
	record.Step = step
	return modelcontribution.ResultOK
}

// mapWalletError converts custodian failures into the shared result
// vocabulary. Expired credentials additionally drop the custodian session.
func (e *Engine) mapWalletError(record *modelcontribution.ContributionRecord, err error) modelcontribution.Result {
	var expiredCredentialsError *walletErrors.ExpiredCredentialsError
	var rateLimitError *walletErrors.RateLimitError
	var unavailableError *walletErrors.UnavailableError
	var insufficientFundsError *walletErrors.InsufficientFundsError
	var rejectedError *walletErrors.RejectedError
	switch {
	case errors.As(err, &expiredCredentialsError):
		e.log.Warn().Msg(fmt.Sprintf("credentials expired for %s, dropping session", record.Processor))
		if custodian, ok := e.custodians[record.Processor]; ok {
			if sessions, ok := custodian.(interface{ DropSession() }); ok {
				sessions.DropSession()
			}
		}
		return modelcontribution.ResultRetryLong
	case errors.As(err, &rateLimitError):
		return modelcontribution.ResultRetryShort
	case errors.As(err, &unavailableError):
		return modelcontribution.ResultRetryLong
	case errors.As(err, &insufficientFundsError):
		return modelcontribution.ResultNotEnoughFunds
	case errors.As(err, &rejectedError):
		e.log.Error().Err(err).Msg(fmt.Sprintf("settlement rejected for %s", record.ContributionID))
		return modelcontribution.ResultLedgerError
	default:
		// network-level failure, try again
		e.log.Error().Err(err).Msg(fmt.Sprintf("settlement attempt failed for %s", record.ContributionID))
		return modelcontribution.ResultRetry
	}
}

// retryDelay selects the back-off for a transient result. Short retries fire
// on a fixed fuse, plain retries decorrelate around a common base, and long
// retries wait out the coarser settlement windows of external processors.
func (e *Engine) retryDelay(result modelcontribution.Result, processor modelcontribution.Processor) time.Duration {
	if e.cfg.RetryIntervalSec > 0 {
		return time.Duration(e.cfg.RetryIntervalSec) * time.Second
	}
	switch result {
	case modelcontribution.ResultRetryShort:
		return 5 * time.Second
	case modelcontribution.ResultRetryLong:
		if processor == modelcontribution.ProcessorTokens {
			return randomizedDelay(45 * time.Second)
		}
		return randomizedDelay(450 * time.Second)
	default:
		return randomizedDelay(45 * time.Second)
	}
}

// Result is the single funnel every settlement outcome passes through.
// Transient results arm the retry controller, terminal results finalize.
func (e *Engine) Result(result modelcontribution.Result, contributionID string) {
	if result == modelcontribution.ResultRetryShort || result == modelcontribution.ResultRetry {
		e.scheduleRetry(contributionID, e.retryDelay(result, modelcontribution.ProcessorNone))
		return
	}
	record, err := e.store.GetContributionRecord(e.ctx, contributionID)
	if err != nil {
		e.log.Error().Err(err).Msg(fmt.Sprintf("contribution retrieval failed for %s", contributionID))
		return
	}
	if result == modelcontribution.ResultRetryLong {
		e.scheduleRetry(contributionID, e.retryDelay(result, record.Processor))
		return
	}
	e.complete(result, record)
}
