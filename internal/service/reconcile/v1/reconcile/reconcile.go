// Package reconcile implements the contribution reconciliation engine: queue
// scheduling, fund allocation across processors, per-record settlement
// dispatch, bounded retries and completion handling.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/danilovkiri/dk-go-reconciler/internal/config"
	"github.com/danilovkiri/dk-go-reconciler/internal/models/modelbalance"
	"github.com/danilovkiri/dk-go-reconciler/internal/models/modelcontribution"
	"github.com/danilovkiri/dk-go-reconciler/internal/service/notifier/v1"
	serviceErrors "github.com/danilovkiri/dk-go-reconciler/internal/service/reconcile/v1/errors"
	"github.com/danilovkiri/dk-go-reconciler/internal/storage/v1"
	storageErrors "github.com/danilovkiri/dk-go-reconciler/internal/storage/v1/errors"
	"github.com/danilovkiri/dk-go-reconciler/internal/wallets/v1"
	"github.com/danilovkiri/dk-go-reconciler/internal/wallets/v1/tokens"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// queueState is the scheduler state: at most one queue entry is worked
// end-to-end at any time.
type queueState int

const (
	queueIdle queueState = iota
	queueProcessing
)

const queueCheckDelay = 15 * time.Second

type Engine struct {
	ctx        context.Context
	cfg        *config.ReconcileConfig
	log        *zerolog.Logger
	store      storage.Storage
	balances   wallets.BalanceSource
	ledger     *tokens.Ledger
	custodians map[modelcontribution.Processor]wallets.Custodian
	notifier   notifier.Notifier

	mu             sync.Mutex
	state          queueState
	queueTimer     *time.Timer
	reconcileTimer *time.Timer
	retryTimers    map[string]*time.Timer
}

// InitEngine initializes the reconciliation engine.
func InitEngine(ctx context.Context, cfg *config.ReconcileConfig, log *zerolog.Logger, st storage.Storage, balances wallets.BalanceSource, ledger *tokens.Ledger, ntf notifier.Notifier, custodians ...wallets.Custodian) (*Engine, error) {
	if st == nil {
		return nil, &serviceErrors.ServiceFoundNilArgument{Msg: "nil storage was passed to engine initializer"}
	}
	if balances == nil {
		return nil, &serviceErrors.ServiceFoundNilArgument{Msg: "nil balance source was passed to engine initializer"}
	}
	if ledger == nil {
		return nil, &serviceErrors.ServiceFoundNilArgument{Msg: "nil credit ledger was passed to engine initializer"}
	}
	if ntf == nil {
		return nil, &serviceErrors.ServiceFoundNilArgument{Msg: "nil notifier was passed to engine initializer"}
	}
	engine := &Engine{
		ctx:         ctx,
		cfg:         cfg,
		log:         log,
		store:       st,
		balances:    balances,
		ledger:      ledger,
		custodians:  make(map[modelcontribution.Processor]wallets.Custodian),
		notifier:    ntf,
		retryTimers: make(map[string]*time.Timer),
	}
	for _, c := range custodians {
		engine.custodians[c.Processor()] = c
	}
	return engine, nil
}

// Initialize arms the queue check, resumes settlement of records left
// non-terminal by a previous run and arms the monthly reconcile timer.
func (e *Engine) Initialize() {
	e.CheckQueue()
	e.checkNotCompletedContributions()
	e.setReconcileTimer()
}

// CheckQueue arms a one-shot timer driving the next queue-processing pass.
// Re-arming replaces a pending timer.
func (e *Engine) CheckQueue() {
	delay := randomizedDelay(queueCheckDelay)
	if e.cfg.TestMode {
		delay = time.Second
	}
	e.log.Info().Msg(fmt.Sprintf("queue timer set for %s", delay))
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.queueTimer != nil {
		e.queueTimer.Stop()
	}
	e.queueTimer = time.AfterFunc(delay, e.processQueue)
}

// processQueue is the guarded queue-processing pass. A trigger while another
// pass is in flight is a no-op.
func (e *Engine) processQueue() {
	e.mu.Lock()
	if e.state == queueProcessing {
		e.mu.Unlock()
		return
	}
	e.state = queueProcessing
	e.mu.Unlock()

	entry, err := e.store.GetNextQueueEntry(e.ctx)
	if err != nil {
		var emptyQueueError *storageErrors.EmptyQueueError
		if !errors.As(err, &emptyQueueError) {
			e.log.Error().Err(err).Msg("queue entry retrieval failed")
		}
		e.setIdle()
		return
	}
	balance, err := e.balances.FetchBalance(e.ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("we couldn't get balance for the active wallet set")
		e.setIdle()
		return
	}
	e.process(entry, balance)
}

// process validates a dequeued entry against the balance snapshot and hands
// it to the allocator.
func (e *Engine) process(entry *modelcontribution.QueueEntry, balance *modelbalance.Balance) {
	if entry.Amount == 0 || len(entry.Publishers) == 0 {
		e.log.Warn().Msg(fmt.Sprintf("amount/publisher is empty for queue entry %s", entry.ID))
		e.markQueueEntryComplete(entry.ID)
		return
	}
	if balance.Total < entry.Amount {
		if !entry.Partial || balance.Total == 0 {
			e.log.Info().Msg(fmt.Sprintf("not enough balance for queue entry %s", entry.ID))
			e.markQueueEntryComplete(entry.ID)
			return
		}
		// partial entries settle whatever the wallet set can cover
		entry.Amount = balance.Total
	}
	e.allocate(entry, balance)
}

// checkNotCompletedContributions re-enters records left non-terminal by a
// previous run; a restart counts as an implicit retry.
func (e *Engine) checkNotCompletedContributions() {
	records, err := e.store.GetNonTerminalRecords(e.ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("non-terminal contribution scan failed")
		return
	}
	for _, record := range records {
		if record == nil {
			continue
		}
		e.advanceRetry(record)
	}
}

// OneTimeTip enqueues a one-off tip for a single publisher and arms the
// queue check. Returns the queue entry id.
func (e *Engine) OneTimeTip(ctx context.Context, publisherKey string, amount int64) (string, error) {
	if publisherKey == "" {
		return "", &serviceErrors.InvalidTipError{Msg: "publisher key is empty"}
	}
	if amount <= 0 {
		return "", &serviceErrors.InvalidTipError{Msg: "amount must be positive"}
	}
	entry := modelcontribution.QueueEntry{
		ID:        uuid.New().String(),
		Type:      modelcontribution.TypeTip,
		Amount:    amount,
		Partial:   false,
		CreatedAt: time.Now().Unix(),
		Publishers: []modelcontribution.QueuePublisher{
			{PublisherKey: publisherKey, AmountPercent: 100},
		},
	}
	err := e.store.SaveQueueEntry(ctx, &entry)
	if err != nil {
		return "", err
	}
	e.log.Info().Msg(fmt.Sprintf("tip queued for publisher %s (queue entry %s)", publisherKey, entry.ID))
	e.CheckQueue()
	return entry.ID, nil
}

// GetContribution loads one contribution record.
func (e *Engine) GetContribution(ctx context.Context, id string) (*modelcontribution.ContributionRecord, error) {
	return e.store.GetContributionRecord(ctx, id)
}

// setReconcileTimer arms the monthly contribution cycle at the persisted
// reconcile stamp. A running timer is left alone.
func (e *Engine) setReconcileTimer() {
	e.mu.Lock()
	if e.reconcileTimer != nil {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	stamp, err := e.store.GetReconcileStamp(e.ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("reconcile stamp retrieval failed")
		return
	}
	if stamp == 0 {
		stamp = e.cfg.ReconcileStampSec
	}
	if stamp == 0 {
		stamp = time.Now().Unix() + e.cfg.ReconcileIntervalSec
		if err := e.store.SetReconcileStamp(e.ctx, stamp); err != nil {
			e.log.Error().Err(err).Msg("reconcile stamp persist failed")
		}
	}
	var delay time.Duration
	if now := time.Now().Unix(); stamp > now {
		delay = time.Duration(stamp-now) * time.Second
	}
	e.log.Info().Msg(fmt.Sprintf("last reconcile timer set for %s", delay))
	e.mu.Lock()
	e.reconcileTimer = time.AfterFunc(delay, e.StartMonthlyContribution)
	e.mu.Unlock()
}

// StartMonthlyContribution resets the reconcile stamp, enqueues recurring
// tips and the monthly auto-contribute entry, then kicks the queue.
func (e *Engine) StartMonthlyContribution() {
	e.log.Info().Msg("starting monthly contribution")
	e.resetReconcileStamp()
	now := time.Now().Unix()
	tips, err := e.store.GetRecurringTips(e.ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("monthly contribution failed")
	}
	for _, tip := range tips {
		entry := modelcontribution.QueueEntry{
			ID:        uuid.New().String(),
			Type:      modelcontribution.TypeRecurringTip,
			Amount:    tip.Amount,
			Partial:   false,
			CreatedAt: now,
			Publishers: []modelcontribution.QueuePublisher{
				{PublisherKey: tip.PublisherKey, AmountPercent: 100},
			},
		}
		if err := e.store.SaveQueueEntry(e.ctx, &entry); err != nil {
			e.log.Error().Err(err).Msg(fmt.Sprintf("queueing recurring tip failed for %s", tip.PublisherKey))
		}
	}
	e.startAutoContribute()
	e.CheckQueue()
}

func (e *Engine) startAutoContribute() {
	if !e.cfg.AutoContributeEnabled {
		e.log.Info().Msg("AC is disabled, skipping monthly auto-contribution")
		return
	}
	publishers, err := e.store.GetAutoContributePublishers(e.ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("auto-contribute publisher retrieval failed")
		return
	}
	if len(publishers) == 0 {
		e.log.Info().Msg("AC table is empty, skipping monthly auto-contribution")
		return
	}
	entry := modelcontribution.QueueEntry{
		ID:         uuid.New().String(),
		Type:       modelcontribution.TypeAutoContrib,
		Amount:     e.cfg.AutoContributeAmount,
		Partial:    true,
		CreatedAt:  time.Now().Unix(),
		Publishers: publishers,
	}
	if err := e.store.SaveQueueEntry(e.ctx, &entry); err != nil {
		e.log.Error().Err(err).Msg("queueing auto-contribution failed")
	}
}

func (e *Engine) resetReconcileStamp() {
	stamp := time.Now().Unix() + e.cfg.ReconcileIntervalSec
	if err := e.store.SetReconcileStamp(e.ctx, stamp); err != nil {
		e.log.Error().Err(err).Msg("reconcile stamp persist failed")
	}
	e.mu.Lock()
	e.reconcileTimer = nil
	e.mu.Unlock()
	e.setReconcileTimer()
}

func (e *Engine) setIdle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = queueIdle
}

// randomizedDelay returns a delay in [base, 2*base) to decorrelate timers.
func randomizedDelay(base time.Duration) time.Duration {
	return base + time.Duration(rand.Int63n(int64(base)))
}
