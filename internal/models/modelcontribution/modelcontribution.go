// Package modelcontribution provides types for queueing and tracking contributions.

package modelcontribution

// Type tags a queue entry or contribution record with its contribution kind.
type Type string

const (
	TypeTip          Type = "tip"
	TypeRecurringTip Type = "recurring-tip"
	TypeAutoContrib  Type = "auto-contribute"
)

// ReportCategory returns the balance report category for a contribution type.
func (t Type) ReportCategory() string {
	switch t {
	case TypeTip:
		return "one_time"
	case TypeRecurringTip:
		return "recurring"
	case TypeAutoContrib:
		return "auto_contribute"
	}
	return "unknown"
}

// Processor identifies a settlement backend. ProcessorTokens is the internal
// pre-funded credit ledger; the rest are external wallet custodians.
type Processor string

const (
	ProcessorNone   Processor = ""
	ProcessorTokens Processor = "tokens"
	ProcessorAlto   Processor = "alto"
	ProcessorMizu   Processor = "mizu"
	ProcessorGale   Processor = "gale"
)

// ProcessorPriority is the fixed order in which processors are asked to fund
// a queue entry. The internal credit ledger is always drained first.
var ProcessorPriority = []Processor{ProcessorTokens, ProcessorAlto, ProcessorMizu, ProcessorGale}

// External reports whether the processor is an external wallet custodian.
func (p Processor) External() bool {
	return p == ProcessorAlto || p == ProcessorMizu || p == ProcessorGale
}

// SupportsAutoContribute reports whether the processor can settle
// auto-contribute records. Mizu custodial wallets cannot.
func (p Processor) SupportsAutoContribute() bool {
	return p != ProcessorMizu
}

// NextProcessor returns the processor following p in priority order, or
// ProcessorNone once the priority list is exhausted. NextProcessor of
// ProcessorNone is the first priority entry.
func NextProcessor(p Processor) Processor {
	if p == ProcessorNone {
		return ProcessorPriority[0]
	}
	for i, candidate := range ProcessorPriority {
		if candidate == p && i+1 < len(ProcessorPriority) {
			return ProcessorPriority[i+1]
		}
	}
	return ProcessorNone
}

// Step encodes contribution record progress. Negative steps are terminal and
// are never reopened; non-negative steps are resumable after a restart.
type Step int

const (
	StepRetryCount     Step = -7
	StepACOff          Step = -6
	StepRewardsOff     Step = -5
	StepACTableEmpty   Step = -4
	StepNotEnoughFunds Step = -3
	StepFailed         Step = -2
	StepCompleted      Step = -1
	StepNo             Step = 0
	StepStart          Step = 1
	StepPrepare        Step = 2
	StepReserve        Step = 3
	StepExternalTx     Step = 4
	StepCreds          Step = 5
)

// Terminal reports whether the step is final.
func (s Step) Terminal() bool {
	return s < 0
}

// Result is the outcome vocabulary shared by all settlement flows. Transient
// results route to the retry controller, everything else is terminal.
type Result string

const (
	ResultOK             Result = "ok"
	ResultLedgerError    Result = "ledger_error"
	ResultTooManyResults Result = "too_many_results"
	ResultNotEnoughFunds Result = "not_enough_funds"
	ResultACTableEmpty   Result = "ac_table_empty"
	ResultRewardsOff     Result = "rewards_off"
	ResultACOff          Result = "ac_off"
	ResultRetry          Result = "retry"
	ResultRetryShort     Result = "retry_short"
	ResultRetryLong      Result = "retry_long"
)

// Transient reports whether the result asks for another settlement attempt.
func (r Result) Transient() bool {
	return r == ResultRetry || r == ResultRetryShort || r == ResultRetryLong
}

// ToStep maps a terminal result onto the terminal step persisted for the
// record. Unrecognized results collapse to StepFailed.
func (r Result) ToStep() Step {
	switch r {
	case ResultOK:
		return StepCompleted
	case ResultACTableEmpty:
		return StepACTableEmpty
	case ResultNotEnoughFunds:
		return StepNotEnoughFunds
	case ResultRewardsOff:
		return StepRewardsOff
	case ResultACOff:
		return StepACOff
	case ResultTooManyResults:
		return StepRetryCount
	default:
		return StepFailed
	}
}

// QueuePublisher is one (publisher, share) pair of a queue entry.
type QueuePublisher struct {
	PublisherKey  string `json:"publisher_key"`
	AmountPercent int64  `json:"amount_percent"`
}

// QueueEntry is a pending request to distribute an amount across publishers.
// Amount is expressed in int64 base units and only ever decreases while the
// entry is worked through the processor priority list.
type QueueEntry struct {
	ID         string           `json:"id"`
	Type       Type             `json:"type"`
	Amount     int64            `json:"amount"`
	Partial    bool             `json:"partial"`
	CreatedAt  int64            `json:"created_at"`
	Publishers []QueuePublisher `json:"publishers"`
}

// PublisherAllocation tracks how much of a record's amount is owed to one
// publisher and how much has settled so far.
type PublisherAllocation struct {
	PublisherKey      string `json:"publisher_key"`
	TotalAmount       int64  `json:"total_amount"`
	ContributedAmount int64  `json:"contributed_amount"`
}

// RecurringTip is a standing monthly tip declaration for one publisher.
type RecurringTip struct {
	PublisherKey string `json:"publisher_key"`
	Amount       int64  `json:"amount"`
}

// ContributionRecord is the durable per-processor unit of work tracking one
// settlement attempt through to a terminal step. Records are never deleted.
type ContributionRecord struct {
	ContributionID string                `json:"contribution_id"`
	QueueID        string                `json:"queue_id"`
	Type           Type                  `json:"type"`
	Processor      Processor             `json:"processor"`
	Step           Step                  `json:"step"`
	RetryCount     int                   `json:"retry_count"`
	Amount         int64                 `json:"amount"`
	CreatedAt      int64                 `json:"created_at"`
	Publishers     []PublisherAllocation `json:"publishers"`
}
