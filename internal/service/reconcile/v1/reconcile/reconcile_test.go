package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danilovkiri/dk-go-reconciler/internal/config"
	"github.com/danilovkiri/dk-go-reconciler/internal/models/modelbalance"
	"github.com/danilovkiri/dk-go-reconciler/internal/models/modelcontribution"
	serviceErrors "github.com/danilovkiri/dk-go-reconciler/internal/service/reconcile/v1/errors"
	storageErrors "github.com/danilovkiri/dk-go-reconciler/internal/storage/v1/errors"
	"github.com/danilovkiri/dk-go-reconciler/internal/storage/v1/inmem"
	"github.com/danilovkiri/dk-go-reconciler/internal/wallets/v1"
	walletErrors "github.com/danilovkiri/dk-go-reconciler/internal/wallets/v1/errors"
	"github.com/danilovkiri/dk-go-reconciler/internal/wallets/v1/tokens"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCustodian struct {
	processor modelcontribution.Processor
	balance   int64
	failWith  error

	mu        sync.Mutex
	transfers map[string]int64
	created   int
	committed int
	dropped   bool
}

func newStubCustodian(processor modelcontribution.Processor, balance int64) *stubCustodian {
	return &stubCustodian{processor: processor, balance: balance, transfers: make(map[string]int64)}
}

func (c *stubCustodian) Processor() modelcontribution.Processor {
	return c.processor
}

func (c *stubCustodian) FetchBalance(_ context.Context) (int64, error) {
	return c.balance, nil
}

func (c *stubCustodian) CreateTransaction(_ context.Context, _ string, _ int64) (string, error) {
	if c.failWith != nil {
		return "", c.failWith
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created++
	return fmt.Sprintf("ref-%d", c.created), nil
}

func (c *stubCustodian) CommitTransaction(_ context.Context, _ string) error {
	if c.failWith != nil {
		return c.failWith
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed++
	return nil
}

func (c *stubCustodian) TransferFunds(_ context.Context, amount int64, destination string) error {
	if c.failWith != nil {
		return c.failWith
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transfers[destination] += amount
	return nil
}

func (c *stubCustodian) DropSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped = true
}

func (c *stubCustodian) transferred(destination string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transfers[destination]
}

func (c *stubCustodian) transactions() (created, committed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.created, c.committed
}

type stubNotifier struct {
	mu      sync.Mutex
	results []modelcontribution.Result
	records []*modelcontribution.ContributionRecord
}

func (n *stubNotifier) OnReconcileComplete(_ context.Context, result modelcontribution.Result, record *modelcontribution.ContributionRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, result)
	copied := *record
	n.records = append(n.records, &copied)
}

func (n *stubNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.results)
}

func (n *stubNotifier) last() (modelcontribution.Result, *modelcontribution.ContributionRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.results) == 0 {
		return "", nil
	}
	return n.results[len(n.results)-1], n.records[len(n.records)-1]
}

func defaultTestConfig() *config.ReconcileConfig {
	return &config.ReconcileConfig{
		RewardsEnabled:        true,
		AutoContributeEnabled: true,
		AutoContributeAmount:  2000,
		ReconcileIntervalSec:  2592000,
	}
}

// stubBalanceSource merges the credit ledger with the stub custodians into
// one snapshot, standing in for the wallet registry.
type stubBalanceSource struct {
	st         *inmem.Storage
	custodians []*stubCustodian
}

func (b *stubBalanceSource) FetchBalance(ctx context.Context) (*modelbalance.Balance, error) {
	balance := modelbalance.Balance{Wallets: make(map[modelcontribution.Processor]int64)}
	credits, err := b.st.GetAvailableCreditsValue(ctx)
	if err != nil {
		return nil, err
	}
	balance.Wallets[modelcontribution.ProcessorTokens] = credits
	balance.Total += credits
	for _, c := range b.custodians {
		available, err := c.FetchBalance(ctx)
		if err != nil {
			return nil, err
		}
		balance.Wallets[c.Processor()] = available
		balance.Total += available
	}
	return &balance, nil
}

func newTestEngine(t *testing.T, cfg *config.ReconcileConfig, custodians ...*stubCustodian) (*Engine, *inmem.Storage, *stubNotifier) {
	t.Helper()
	log := zerolog.Nop()
	st := inmem.InitStorage(&log)
	ledger := tokens.InitLedger(st, &log)
	ntf := &stubNotifier{}
	balances := &stubBalanceSource{st: st, custodians: custodians}
	walletSet := make([]wallets.Custodian, 0, len(custodians))
	for _, c := range custodians {
		walletSet = append(walletSet, c)
	}
	engine, err := InitEngine(context.Background(), cfg, &log, st, balances, ledger, ntf, walletSet...)
	require.NoError(t, err)
	return engine, st, ntf
}

func waitForTerminal(t *testing.T, engine *Engine) {
	t.Helper()
	require.Eventually(t, func() bool {
		records, err := engine.store.GetNonTerminalRecords(context.Background())
		return err == nil && len(records) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func reportAmount(st *inmem.Storage, category string) int64 {
	now := time.Now()
	return st.GetBalanceReport(int(now.Month()), now.Year(), category)
}

func TestInitEngineNilArguments(t *testing.T) {
	log := zerolog.Nop()
	st := inmem.InitStorage(&log)
	ledger := tokens.InitLedger(st, &log)
	ntf := &stubNotifier{}
	balances := &stubBalanceSource{st: st}

	var nilArgumentError *serviceErrors.ServiceFoundNilArgument
	_, err := InitEngine(context.Background(), defaultTestConfig(), &log, nil, balances, ledger, ntf)
	assert.ErrorAs(t, err, &nilArgumentError)
	_, err = InitEngine(context.Background(), defaultTestConfig(), &log, st, nil, ledger, ntf)
	assert.ErrorAs(t, err, &nilArgumentError)
	_, err = InitEngine(context.Background(), defaultTestConfig(), &log, st, balances, nil, ntf)
	assert.ErrorAs(t, err, &nilArgumentError)
	_, err = InitEngine(context.Background(), defaultTestConfig(), &log, st, balances, ledger, nil)
	assert.ErrorAs(t, err, &nilArgumentError)
}

func TestProcessSettlesTipFromCredits(t *testing.T) {
	engine, st, ntf := newTestEngine(t, defaultTestConfig())
	st.AddCredits(100, 100, 100, 100, 100, 100, 100, 100, 100, 100)

	entry := &modelcontribution.QueueEntry{
		ID:        "queue-1",
		Type:      modelcontribution.TypeTip,
		Amount:    1000,
		CreatedAt: time.Now().Unix(),
		Publishers: []modelcontribution.QueuePublisher{
			{PublisherKey: "publisher.example", AmountPercent: 100},
		},
	}
	require.NoError(t, st.SaveQueueEntry(context.Background(), entry))

	balance, err := engine.balances.FetchBalance(context.Background())
	require.NoError(t, err)
	engine.process(entry, balance)
	waitForTerminal(t, engine)

	assert.True(t, st.IsQueueEntryComplete("queue-1"))
	assert.Equal(t, int64(1000), reportAmount(st, "one_time"))
	result, record := ntf.last()
	require.NotNil(t, record)
	assert.Equal(t, modelcontribution.ResultOK, result)
	assert.Equal(t, modelcontribution.ProcessorTokens, record.Processor)
	assert.Equal(t, int64(1000), record.Amount)

	// all seeded credits were reserved and marked spent
	available, err := st.GetAvailableCreditsValue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), available)
}

func TestProcessSplitsAcrossProcessors(t *testing.T) {
	alto := newStubCustodian(modelcontribution.ProcessorAlto, 600)
	engine, st, ntf := newTestEngine(t, defaultTestConfig(), alto)
	st.AddCredits(100, 100, 100, 100)

	entry := &modelcontribution.QueueEntry{
		ID:        "queue-2",
		Type:      modelcontribution.TypeTip,
		Amount:    1000,
		CreatedAt: time.Now().Unix(),
		Publishers: []modelcontribution.QueuePublisher{
			{PublisherKey: "publisher.example", AmountPercent: 100},
		},
	}
	require.NoError(t, st.SaveQueueEntry(context.Background(), entry))

	balance, err := engine.balances.FetchBalance(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1000), balance.Total)
	engine.process(entry, balance)
	waitForTerminal(t, engine)

	// credits drained first, the external custodian covered the rest, nothing
	// is lost or double-counted
	assert.True(t, st.IsQueueEntryComplete("queue-2"))
	assert.Equal(t, int64(1000), reportAmount(st, "one_time"))
	assert.Equal(t, int64(600), alto.transferred("publisher.example"))
	assert.Equal(t, 2, ntf.count())
	var settled int64
	ntf.mu.Lock()
	for _, record := range ntf.records {
		settled += record.Amount
	}
	ntf.mu.Unlock()
	assert.Equal(t, int64(1000), settled)
}

func TestProcessPartialClipsToBalance(t *testing.T) {
	engine, st, _ := newTestEngine(t, defaultTestConfig())
	st.AddCredits(500)

	entry := &modelcontribution.QueueEntry{
		ID:        "queue-3",
		Type:      modelcontribution.TypeAutoContrib,
		Amount:    2000,
		Partial:   true,
		CreatedAt: time.Now().Unix(),
		Publishers: []modelcontribution.QueuePublisher{
			{PublisherKey: "alpha.example", AmountPercent: 50},
			{PublisherKey: "beta.example", AmountPercent: 50},
		},
	}
	require.NoError(t, st.SaveQueueEntry(context.Background(), entry))

	balance, err := engine.balances.FetchBalance(context.Background())
	require.NoError(t, err)
	engine.process(entry, balance)
	waitForTerminal(t, engine)

	assert.True(t, st.IsQueueEntryComplete("queue-3"))
	assert.Equal(t, int64(500), reportAmount(st, "auto_contribute"))
}

func TestProcessInsufficientBalanceNonPartial(t *testing.T) {
	engine, st, ntf := newTestEngine(t, defaultTestConfig())
	st.AddCredits(100)

	entry := &modelcontribution.QueueEntry{
		ID:        "queue-4",
		Type:      modelcontribution.TypeTip,
		Amount:    1000,
		CreatedAt: time.Now().Unix(),
		Publishers: []modelcontribution.QueuePublisher{
			{PublisherKey: "publisher.example", AmountPercent: 100},
		},
	}
	require.NoError(t, st.SaveQueueEntry(context.Background(), entry))

	balance, err := engine.balances.FetchBalance(context.Background())
	require.NoError(t, err)
	engine.process(entry, balance)

	// the entry is retired without creating any contribution record
	assert.True(t, st.IsQueueEntryComplete("queue-4"))
	records, err := st.GetNonTerminalRecords(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, 0, ntf.count())
}

func TestProcessEmptyEntryRetired(t *testing.T) {
	engine, st, _ := newTestEngine(t, defaultTestConfig())
	entry := &modelcontribution.QueueEntry{
		ID:        "queue-5",
		Type:      modelcontribution.TypeTip,
		Amount:    0,
		CreatedAt: time.Now().Unix(),
	}
	require.NoError(t, st.SaveQueueEntry(context.Background(), entry))

	balance, err := engine.balances.FetchBalance(context.Background())
	require.NoError(t, err)
	engine.process(entry, balance)
	assert.True(t, st.IsQueueEntryComplete("queue-5"))
}

func TestAllocateSkipsAutoContributeOnUnsupportedProcessor(t *testing.T) {
	mizu := newStubCustodian(modelcontribution.ProcessorMizu, 5000)
	gale := newStubCustodian(modelcontribution.ProcessorGale, 5000)
	engine, st, ntf := newTestEngine(t, defaultTestConfig(), mizu, gale)

	entry := &modelcontribution.QueueEntry{
		ID:        "queue-6",
		Type:      modelcontribution.TypeAutoContrib,
		Amount:    1000,
		Partial:   true,
		CreatedAt: time.Now().Unix(),
		Publishers: []modelcontribution.QueuePublisher{
			{PublisherKey: "alpha.example", AmountPercent: 100},
		},
	}
	require.NoError(t, st.SaveQueueEntry(context.Background(), entry))

	balance, err := engine.balances.FetchBalance(context.Background())
	require.NoError(t, err)
	engine.process(entry, balance)
	waitForTerminal(t, engine)

	_, record := ntf.last()
	require.NotNil(t, record)
	assert.Equal(t, modelcontribution.ProcessorGale, record.Processor)
	created, committed := mizu.transactions()
	assert.Equal(t, 0, created+committed)
	created, committed = gale.transactions()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, committed)
}

func TestSettleRewardsDisabled(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.RewardsEnabled = false
	engine, st, _ := newTestEngine(t, cfg)

	record := &modelcontribution.ContributionRecord{
		ContributionID: "contribution-1",
		Type:           modelcontribution.TypeTip,
		Processor:      modelcontribution.ProcessorTokens,
		Step:           modelcontribution.StepStart,
		Amount:         100,
		CreatedAt:      time.Now().Unix(),
		Publishers: []modelcontribution.PublisherAllocation{
			{PublisherKey: "publisher.example", TotalAmount: 100},
		},
	}
	require.NoError(t, st.SaveContributionRecord(context.Background(), record))
	assert.Equal(t, modelcontribution.ResultRewardsOff, engine.settle(record))
}

func TestSettleTokensNotEnoughCredits(t *testing.T) {
	engine, st, _ := newTestEngine(t, defaultTestConfig())
	st.AddCredits(100)

	record := &modelcontribution.ContributionRecord{
		ContributionID: "contribution-2",
		Type:           modelcontribution.TypeTip,
		Processor:      modelcontribution.ProcessorTokens,
		Step:           modelcontribution.StepStart,
		Amount:         500,
		CreatedAt:      time.Now().Unix(),
		Publishers: []modelcontribution.PublisherAllocation{
			{PublisherKey: "publisher.example", TotalAmount: 500},
		},
	}
	require.NoError(t, st.SaveContributionRecord(context.Background(), record))
	assert.Equal(t, modelcontribution.ResultNotEnoughFunds, engine.settle(record))
}

func TestSettleTokensEmptyPublishers(t *testing.T) {
	engine, st, _ := newTestEngine(t, defaultTestConfig())

	auto := &modelcontribution.ContributionRecord{
		ContributionID: "contribution-3",
		Type:           modelcontribution.TypeAutoContrib,
		Processor:      modelcontribution.ProcessorTokens,
		Step:           modelcontribution.StepStart,
		Amount:         100,
		CreatedAt:      time.Now().Unix(),
	}
	require.NoError(t, st.SaveContributionRecord(context.Background(), auto))
	assert.Equal(t, modelcontribution.ResultACTableEmpty, engine.settle(auto))

	tip := &modelcontribution.ContributionRecord{
		ContributionID: "contribution-4",
		Type:           modelcontribution.TypeTip,
		Processor:      modelcontribution.ProcessorTokens,
		Step:           modelcontribution.StepStart,
		Amount:         100,
		CreatedAt:      time.Now().Unix(),
	}
	require.NoError(t, st.SaveContributionRecord(context.Background(), tip))
	assert.Equal(t, modelcontribution.ResultLedgerError, engine.settle(tip))
}

func TestSettleUnknownProcessor(t *testing.T) {
	engine, st, _ := newTestEngine(t, defaultTestConfig())
	record := &modelcontribution.ContributionRecord{
		ContributionID: "contribution-5",
		Type:           modelcontribution.TypeTip,
		Processor:      modelcontribution.ProcessorNone,
		Step:           modelcontribution.StepStart,
		Amount:         100,
		CreatedAt:      time.Now().Unix(),
		Publishers: []modelcontribution.PublisherAllocation{
			{PublisherKey: "publisher.example", TotalAmount: 100},
		},
	}
	require.NoError(t, st.SaveContributionRecord(context.Background(), record))
	assert.Equal(t, modelcontribution.ResultLedgerError, engine.settle(record))
}

func TestSettleDirectWalletErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		failWith error
		expected modelcontribution.Result
	}{
		{"rate limited", &walletErrors.RateLimitError{Processor: "alto"}, modelcontribution.ResultRetryShort},
		{"unavailable", &walletErrors.UnavailableError{Processor: "alto", Status: 503}, modelcontribution.ResultRetryLong},
		{"insufficient funds", &walletErrors.InsufficientFundsError{Processor: "alto"}, modelcontribution.ResultNotEnoughFunds},
		{"rejected", &walletErrors.RejectedError{Processor: "alto", Status: 409}, modelcontribution.ResultLedgerError},
		{"network failure", errors.New("connection reset"), modelcontribution.ResultRetry},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alto := newStubCustodian(modelcontribution.ProcessorAlto, 1000)
			alto.failWith = tt.failWith
			engine, st, _ := newTestEngine(t, defaultTestConfig(), alto)
			record := &modelcontribution.ContributionRecord{
				ContributionID: fmt.Sprintf("contribution-map-%d", i),
				Type:           modelcontribution.TypeTip,
				Processor:      modelcontribution.ProcessorAlto,
				Step:           modelcontribution.StepStart,
				Amount:         100,
				CreatedAt:      time.Now().Unix(),
				Publishers: []modelcontribution.PublisherAllocation{
					{PublisherKey: "publisher.example", TotalAmount: 100},
				},
			}
			require.NoError(t, st.SaveContributionRecord(context.Background(), record))
			assert.Equal(t, tt.expected, engine.settle(record))
		})
	}
}

func TestSettleExpiredCredentialsDropsSession(t *testing.T) {
	alto := newStubCustodian(modelcontribution.ProcessorAlto, 1000)
	alto.failWith = &walletErrors.ExpiredCredentialsError{Processor: "alto"}
	engine, st, _ := newTestEngine(t, defaultTestConfig(), alto)

	record := &modelcontribution.ContributionRecord{
		ContributionID: "contribution-6",
		Type:           modelcontribution.TypeTip,
		Processor:      modelcontribution.ProcessorAlto,
		Step:           modelcontribution.StepStart,
		Amount:         100,
		CreatedAt:      time.Now().Unix(),
		Publishers: []modelcontribution.PublisherAllocation{
			{PublisherKey: "publisher.example", TotalAmount: 100},
		},
	}
	require.NoError(t, st.SaveContributionRecord(context.Background(), record))
	assert.Equal(t, modelcontribution.ResultRetryLong, engine.settle(record))
	alto.mu.Lock()
	dropped := alto.dropped
	alto.mu.Unlock()
	assert.True(t, dropped)
}

func TestResultTransientArmsRetryTimer(t *testing.T) {
	engine, st, ntf := newTestEngine(t, defaultTestConfig())
	record := &modelcontribution.ContributionRecord{
		ContributionID: "contribution-7",
		Type:           modelcontribution.TypeTip,
		Processor:      modelcontribution.ProcessorTokens,
		Step:           modelcontribution.StepPrepare,
		Amount:         100,
		CreatedAt:      time.Now().Unix(),
		Publishers: []modelcontribution.PublisherAllocation{
			{PublisherKey: "publisher.example", TotalAmount: 100},
		},
	}
	require.NoError(t, st.SaveContributionRecord(context.Background(), record))

	engine.Result(modelcontribution.ResultRetryShort, record.ContributionID)
	engine.mu.Lock()
	_, armed := engine.retryTimers[record.ContributionID]
	timers := len(engine.retryTimers)
	engine.mu.Unlock()
	assert.True(t, armed)
	assert.Equal(t, 1, timers)

	// re-scheduling replaces the timer instead of stacking a second one
	engine.Result(modelcontribution.ResultRetryLong, record.ContributionID)
	engine.mu.Lock()
	timers = len(engine.retryTimers)
	engine.mu.Unlock()
	assert.Equal(t, 1, timers)

	// nothing completed yet
	assert.Equal(t, 0, ntf.count())
	stored, err := st.GetContributionRecord(context.Background(), record.ContributionID)
	require.NoError(t, err)
	assert.False(t, stored.Step.Terminal())
}

func TestRetryDelaySelection(t *testing.T) {
	engine, _, _ := newTestEngine(t, defaultTestConfig())
	tests := []struct {
		name      string
		result    modelcontribution.Result
		processor modelcontribution.Processor
		min       time.Duration
		max       time.Duration
	}{
		{"short retry is a fixed fuse", modelcontribution.ResultRetryShort, modelcontribution.ProcessorAlto, 5 * time.Second, 5 * time.Second},
		{"plain retry decorrelates around 45s", modelcontribution.ResultRetry, modelcontribution.ProcessorNone, 45 * time.Second, 90 * time.Second},
		{"long retry on the credit ledger stays at 45s", modelcontribution.ResultRetryLong, modelcontribution.ProcessorTokens, 45 * time.Second, 90 * time.Second},
		{"long retry on an external processor waits 450s", modelcontribution.ResultRetryLong, modelcontribution.ProcessorGale, 450 * time.Second, 900 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 20; i++ {
				delay := engine.retryDelay(tt.result, tt.processor)
				assert.GreaterOrEqual(t, delay, tt.min)
				assert.LessOrEqual(t, delay, tt.max)
			}
		})
	}
}

func TestRetryDelayConfigOverride(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.RetryIntervalSec = 1
	engine, _, _ := newTestEngine(t, cfg)
	assert.Equal(t, time.Second, engine.retryDelay(modelcontribution.ResultRetryShort, modelcontribution.ProcessorAlto))
	assert.Equal(t, time.Second, engine.retryDelay(modelcontribution.ResultRetryLong, modelcontribution.ProcessorGale))
}

func TestRandomizedDelayBounds(t *testing.T) {
	base := 45 * time.Second
	for i := 0; i < 100; i++ {
		delay := randomizedDelay(base)
		assert.GreaterOrEqual(t, delay, base)
		assert.Less(t, delay, 2*base)
	}
}

func TestAdvanceRetryBudgetExhausted(t *testing.T) {
	engine, st, ntf := newTestEngine(t, defaultTestConfig())
	record := &modelcontribution.ContributionRecord{
		ContributionID: "contribution-8",
		Type:           modelcontribution.TypeTip,
		Processor:      modelcontribution.ProcessorAlto,
		Step:           modelcontribution.StepExternalTx,
		RetryCount:     3,
		Amount:         100,
		CreatedAt:      time.Now().Unix(),
		Publishers: []modelcontribution.PublisherAllocation{
			{PublisherKey: "publisher.example", TotalAmount: 100},
		},
	}
	require.NoError(t, st.SaveContributionRecord(context.Background(), record))

	engine.advanceRetry(record)

	stored, err := st.GetContributionRecord(context.Background(), record.ContributionID)
	require.NoError(t, err)
	assert.Equal(t, modelcontribution.StepRetryCount, stored.Step)
	assert.Equal(t, -1, stored.RetryCount)
	result, _ := ntf.last()
	assert.Equal(t, modelcontribution.ResultTooManyResults, result)
	engine.mu.Lock()
	timers := len(engine.retryTimers)
	engine.mu.Unlock()
	assert.Equal(t, 0, timers)
}

func TestAdvanceRetryBudgetSparedAtPrepare(t *testing.T) {
	engine, st, ntf := newTestEngine(t, defaultTestConfig())
	st.AddCredits(100)
	record := &modelcontribution.ContributionRecord{
		ContributionID: "contribution-9",
		Type:           modelcontribution.TypeTip,
		Processor:      modelcontribution.ProcessorTokens,
		Step:           modelcontribution.StepPrepare,
		RetryCount:     3,
		Amount:         100,
		CreatedAt:      time.Now().Unix(),
		Publishers: []modelcontribution.PublisherAllocation{
			{PublisherKey: "publisher.example", TotalAmount: 100},
		},
	}
	require.NoError(t, st.SaveContributionRecord(context.Background(), record))

	// a record still at the preparation step gets its attempt even at the
	// budget boundary
	engine.advanceRetry(record)
	waitForTerminal(t, engine)

	stored, err := st.GetContributionRecord(context.Background(), record.ContributionID)
	require.NoError(t, err)
	assert.Equal(t, modelcontribution.StepCompleted, stored.Step)
	result, _ := ntf.last()
	assert.Equal(t, modelcontribution.ResultOK, result)
}

func TestAdvanceRetryCountIsMonotonic(t *testing.T) {
	engine, st, _ := newTestEngine(t, defaultTestConfig())
	record := &modelcontribution.ContributionRecord{
		ContributionID: "contribution-10",
		Type:           modelcontribution.TypeTip,
		Processor:      modelcontribution.ProcessorAlto,
		Step:           modelcontribution.StepNotEnoughFunds,
		RetryCount:     1,
		Amount:         100,
		CreatedAt:      time.Now().Unix(),
	}
	require.NoError(t, st.SaveContributionRecord(context.Background(), record))

	// terminal steps still account the retry but never re-dispatch
	engine.advanceRetry(record)
	stored, err := st.GetContributionRecord(context.Background(), record.ContributionID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.RetryCount)
	assert.Equal(t, modelcontribution.StepNotEnoughFunds, stored.Step)
}

func TestAdvanceRetryAutoContributeDisabled(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.AutoContributeEnabled = false
	engine, st, ntf := newTestEngine(t, cfg)
	record := &modelcontribution.ContributionRecord{
		ContributionID: "contribution-11",
		Type:           modelcontribution.TypeAutoContrib,
		Processor:      modelcontribution.ProcessorTokens,
		Step:           modelcontribution.StepPrepare,
		RetryCount:     1,
		Amount:         100,
		CreatedAt:      time.Now().Unix(),
		Publishers: []modelcontribution.PublisherAllocation{
			{PublisherKey: "publisher.example", TotalAmount: 100},
		},
	}
	require.NoError(t, st.SaveContributionRecord(context.Background(), record))

	engine.advanceRetry(record)

	stored, err := st.GetContributionRecord(context.Background(), record.ContributionID)
	require.NoError(t, err)
	assert.Equal(t, modelcontribution.StepACOff, stored.Step)
	assert.Equal(t, -1, stored.RetryCount)
	require.Equal(t, 1, ntf.count())
	result, notified := ntf.last()
	assert.Equal(t, modelcontribution.ResultACOff, result)
	// the retry was accounted exactly once before completion
	assert.Equal(t, 2, notified.RetryCount)
}

func TestCompleteIsIdempotent(t *testing.T) {
	engine, st, ntf := newTestEngine(t, defaultTestConfig())
	record := &modelcontribution.ContributionRecord{
		ContributionID: "contribution-12",
		Type:           modelcontribution.TypeTip,
		Processor:      modelcontribution.ProcessorTokens,
		Step:           modelcontribution.StepCreds,
		Amount:         700,
		CreatedAt:      time.Now().Unix(),
		Publishers: []modelcontribution.PublisherAllocation{
			{PublisherKey: "publisher.example", TotalAmount: 700, ContributedAmount: 700},
		},
	}
	require.NoError(t, st.SaveContributionRecord(context.Background(), record))

	engine.complete(modelcontribution.ResultOK, record)
	engine.complete(modelcontribution.ResultOK, record)

	assert.Equal(t, 1, ntf.count())
	assert.Equal(t, int64(700), reportAmount(st, "one_time"))
	stored, err := st.GetContributionRecord(context.Background(), record.ContributionID)
	require.NoError(t, err)
	assert.Equal(t, modelcontribution.StepCompleted, stored.Step)
	assert.Equal(t, -1, stored.RetryCount)
}

func TestCompleteRevivedAutoContributeIsSilent(t *testing.T) {
	engine, st, ntf := newTestEngine(t, defaultTestConfig())
	record := &modelcontribution.ContributionRecord{
		ContributionID: "contribution-13",
		Type:           modelcontribution.TypeAutoContrib,
		Processor:      modelcontribution.ProcessorAlto,
		Step:           modelcontribution.StepExternalTx,
		Amount:         300,
		CreatedAt:      time.Now().Add(-21 * 24 * time.Hour).Unix(),
		Publishers: []modelcontribution.PublisherAllocation{
			{PublisherKey: "publisher.example", TotalAmount: 300},
		},
	}
	require.NoError(t, st.SaveContributionRecord(context.Background(), record))

	engine.complete(modelcontribution.ResultOK, record)

	// revived records finalize without observer noise or report deltas
	assert.Equal(t, 0, ntf.count())
	assert.Equal(t, int64(0), reportAmount(st, "auto_contribute"))
	stored, err := st.GetContributionRecord(context.Background(), record.ContributionID)
	require.NoError(t, err)
	assert.Equal(t, modelcontribution.StepCompleted, stored.Step)
	assert.Equal(t, -1, stored.RetryCount)
}

func TestCompleteFreshAutoContributeNotifies(t *testing.T) {
	engine, st, ntf := newTestEngine(t, defaultTestConfig())
	record := &modelcontribution.ContributionRecord{
		ContributionID: "contribution-14",
		Type:           modelcontribution.TypeAutoContrib,
		Processor:      modelcontribution.ProcessorAlto,
		Step:           modelcontribution.StepExternalTx,
		Amount:         300,
		CreatedAt:      time.Now().Unix(),
		Publishers: []modelcontribution.PublisherAllocation{
			{PublisherKey: "publisher.example", TotalAmount: 300},
		},
	}
	require.NoError(t, st.SaveContributionRecord(context.Background(), record))

	engine.complete(modelcontribution.ResultOK, record)
	assert.Equal(t, 1, ntf.count())
	assert.Equal(t, int64(300), reportAmount(st, "auto_contribute"))
}

func TestOneTimeTipValidation(t *testing.T) {
	engine, _, _ := newTestEngine(t, defaultTestConfig())
	var invalidTipError *serviceErrors.InvalidTipError

	_, err := engine.OneTimeTip(context.Background(), "", 100)
	assert.ErrorAs(t, err, &invalidTipError)
	_, err = engine.OneTimeTip(context.Background(), "publisher.example", 0)
	assert.ErrorAs(t, err, &invalidTipError)
	_, err = engine.OneTimeTip(context.Background(), "publisher.example", -5)
	assert.ErrorAs(t, err, &invalidTipError)
}

func TestOneTimeTipEnqueues(t *testing.T) {
	engine, st, _ := newTestEngine(t, defaultTestConfig())

	id, err := engine.OneTimeTip(context.Background(), "publisher.example", 250)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	entry, err := st.GetNextQueueEntry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, entry.ID)
	assert.Equal(t, modelcontribution.TypeTip, entry.Type)
	assert.Equal(t, int64(250), entry.Amount)
	assert.False(t, entry.Partial)
	require.Len(t, entry.Publishers, 1)
	assert.Equal(t, int64(100), entry.Publishers[0].AmountPercent)
}

func TestStartMonthlyContribution(t *testing.T) {
	engine, st, _ := newTestEngine(t, defaultTestConfig())
	st.SetRecurringTips([]modelcontribution.RecurringTip{
		{PublisherKey: "alpha.example", Amount: 100},
		{PublisherKey: "beta.example", Amount: 200},
	})
	st.SetAutoContributePublishers([]modelcontribution.QueuePublisher{
		{PublisherKey: "alpha.example", AmountPercent: 70},
		{PublisherKey: "gamma.example", AmountPercent: 30},
	})

	engine.StartMonthlyContribution()

	entries := drainQueue(t, st)
	require.Len(t, entries, 3)
	byType := make(map[modelcontribution.Type][]*modelcontribution.QueueEntry)
	for _, entry := range entries {
		byType[entry.Type] = append(byType[entry.Type], entry)
	}
	assert.Len(t, byType[modelcontribution.TypeRecurringTip], 2)
	require.Len(t, byType[modelcontribution.TypeAutoContrib], 1)
	auto := byType[modelcontribution.TypeAutoContrib][0]
	assert.True(t, auto.Partial)
	assert.Equal(t, int64(2000), auto.Amount)
	assert.Len(t, auto.Publishers, 2)

	stamp, err := st.GetReconcileStamp(context.Background())
	require.NoError(t, err)
	assert.Greater(t, stamp, time.Now().Unix())
}

func TestStartMonthlyContributionAutoContributeDisabled(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.AutoContributeEnabled = false
	engine, st, _ := newTestEngine(t, cfg)
	st.SetRecurringTips([]modelcontribution.RecurringTip{
		{PublisherKey: "alpha.example", Amount: 100},
	})
	st.SetAutoContributePublishers([]modelcontribution.QueuePublisher{
		{PublisherKey: "alpha.example", AmountPercent: 100},
	})

	engine.StartMonthlyContribution()

	entries := drainQueue(t, st)
	require.Len(t, entries, 1)
	assert.Equal(t, modelcontribution.TypeRecurringTip, entries[0].Type)
}

func TestCheckNotCompletedContributionsResumes(t *testing.T) {
	engine, st, ntf := newTestEngine(t, defaultTestConfig())
	st.AddCredits(100)
	record := &modelcontribution.ContributionRecord{
		ContributionID: "contribution-15",
		Type:           modelcontribution.TypeTip,
		Processor:      modelcontribution.ProcessorTokens,
		Step:           modelcontribution.StepPrepare,
		RetryCount:     0,
		Amount:         100,
		CreatedAt:      time.Now().Unix(),
		Publishers: []modelcontribution.PublisherAllocation{
			{PublisherKey: "publisher.example", TotalAmount: 100},
		},
	}
	require.NoError(t, st.SaveContributionRecord(context.Background(), record))

	// a restart counts as an implicit retry and drives the record to done
	engine.checkNotCompletedContributions()
	waitForTerminal(t, engine)

	stored, err := st.GetContributionRecord(context.Background(), record.ContributionID)
	require.NoError(t, err)
	assert.Equal(t, modelcontribution.StepCompleted, stored.Step)
	result, _ := ntf.last()
	assert.Equal(t, modelcontribution.ResultOK, result)
}

func TestGetContributionNotFound(t *testing.T) {
	engine, _, _ := newTestEngine(t, defaultTestConfig())
	var notFoundError *storageErrors.NotFoundError
	_, err := engine.GetContribution(context.Background(), "missing")
	assert.ErrorAs(t, err, &notFoundError)
}

func drainQueue(t *testing.T, st *inmem.Storage) []*modelcontribution.QueueEntry {
	t.Helper()
	var entries []*modelcontribution.QueueEntry
	for {
		entry, err := st.GetNextQueueEntry(context.Background())
		if err != nil {
			var emptyQueueError *storageErrors.EmptyQueueError
			require.ErrorAs(t, err, &emptyQueueError)
			return entries
		}
		entries = append(entries, entry)
		require.NoError(t, st.MarkQueueEntryComplete(context.Background(), entry.ID))
	}
}
