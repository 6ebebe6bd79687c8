// Package inmem implements the contribution store in process memory. It backs
// unit tests and local runs without a PostgreSQL instance.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/danilovkiri/dk-go-reconciler/internal/models/modelcontribution"
	storageErrors "github.com/danilovkiri/dk-go-reconciler/internal/storage/v1/errors"
	"github.com/rs/zerolog"
)

type credit struct {
	id             int
	value          int64
	status         string
	contributionID string
}

type Storage struct {
	mu             sync.Mutex
	log            *zerolog.Logger
	queue          map[string]*modelcontribution.QueueEntry
	completed      map[string]bool
	records        map[string]*modelcontribution.ContributionRecord
	reports        map[string]int64
	credits        []*credit
	nextCreditID   int
	recurringTips  []modelcontribution.RecurringTip
	acPublishers   []modelcontribution.QueuePublisher
	reconcileStamp int64
}

func InitStorage(log *zerolog.Logger) *Storage {
	return &Storage{
		log:          log,
		queue:        make(map[string]*modelcontribution.QueueEntry),
		completed:    make(map[string]bool),
		records:      make(map[string]*modelcontribution.ContributionRecord),
		reports:      make(map[string]int64),
		nextCreditID: 1,
	}
}

func (s *Storage) GetNextQueueEntry(_ context.Context) (*modelcontribution.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []*modelcontribution.QueueEntry
	for id, entry := range s.queue {
		if !s.completed[id] {
			pending = append(pending, entry)
		}
	}
	if len(pending) == 0 {
		return nil, &storageErrors.EmptyQueueError{}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt != pending[j].CreatedAt {
			return pending[i].CreatedAt < pending[j].CreatedAt
		}
		return pending[i].ID < pending[j].ID
	})
	entry := cloneEntry(pending[0])
	return entry, nil
}

func (s *Storage) SaveQueueEntry(_ context.Context, entry *modelcontribution.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue[entry.ID] = cloneEntry(entry)
	return nil
}

func (s *Storage) MarkQueueEntryComplete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queue[id]; !ok {
		return &storageErrors.NotFoundError{ID: id}
	}
	s.completed[id] = true
	return nil
}

func (s *Storage) SaveContributionRecord(_ context.Context, record *modelcontribution.ContributionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.ContributionID]; ok {
		return &storageErrors.AlreadyExistsError{ID: record.ContributionID}
	}
	s.records[record.ContributionID] = cloneRecord(record)
	return nil
}

func (s *Storage) GetContributionRecord(_ context.Context, id string) (*modelcontribution.ContributionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return nil, &storageErrors.NotFoundError{ID: id}
	}
	return cloneRecord(record), nil
}

func (s *Storage) GetNonTerminalRecords(_ context.Context) ([]*modelcontribution.ContributionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*modelcontribution.ContributionRecord
	for _, record := range s.records {
		if !record.Step.Terminal() {
			out = append(out, cloneRecord(record))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContributionID < out[j].ContributionID })
	return out, nil
}

func (s *Storage) UpdateStepAndRetryCount(_ context.Context, id string, step modelcontribution.Step, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return &storageErrors.NotFoundError{ID: id}
	}
	record.Step = step
	record.RetryCount = retryCount
	return nil
}

func (s *Storage) UpdateContributedAmount(_ context.Context, id, publisherKey string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return &storageErrors.NotFoundError{ID: id}
	}
	for i := range record.Publishers {
		if record.Publishers[i].PublisherKey == publisherKey {
			record.Publishers[i].ContributedAmount += amount
			return nil
		}
	}
	return &storageErrors.NotFoundError{ID: publisherKey}
}

func (s *Storage) SaveBalanceReportDelta(_ context.Context, month, year int, category string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[reportKey(month, year, category)] += amount
	return nil
}

// GetBalanceReport returns the accumulated report amount for a period. It is
// not part of the engine-facing interface and exists for tests and handlers.
func (s *Storage) GetBalanceReport(month, year int, category string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reports[reportKey(month, year, category)]
}

func (s *Storage) GetAvailableCreditsValue(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, c := range s.credits {
		if c.status == "active" {
			total += c.value
		}
	}
	return total, nil
}

// AddCredits seeds pre-funded credits, one unit value per credit.
func (s *Storage) AddCredits(values ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, value := range values {
		s.credits = append(s.credits, &credit{id: s.nextCreditID, value: value, status: "active"})
		s.nextCreditID++
	}
}

func (s *Storage) ReserveCredits(_ context.Context, contributionID string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var alreadyReserved int64
	for _, c := range s.credits {
		if c.contributionID == contributionID && c.status == "reserved" {
			alreadyReserved += c.value
		}
	}
	if alreadyReserved >= amount {
		return nil
	}
	// a prior attempt may have left a partial reservation, top up the difference only
	needed := amount - alreadyReserved
	var available int64
	for _, c := range s.credits {
		if c.status == "active" {
			available += c.value
		}
	}
	if available < needed {
		return &storageErrors.InsufficientCreditsError{Required: amount, Available: alreadyReserved + available}
	}
	var reserved int64
	for _, c := range s.credits {
		if reserved >= needed {
			break
		}
		if c.status != "active" {
			continue
		}
		c.status = "reserved"
		c.contributionID = contributionID
		reserved += c.value
	}
	return nil
}

func (s *Storage) MarkCreditsSpent(_ context.Context, contributionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.credits {
		if c.contributionID == contributionID && c.status == "reserved" {
			c.status = "spent"
		}
	}
	return nil
}

func (s *Storage) GetRecurringTips(_ context.Context) ([]modelcontribution.RecurringTip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]modelcontribution.RecurringTip(nil), s.recurringTips...), nil
}

// SetRecurringTips replaces the recurring tips catalog.
func (s *Storage) SetRecurringTips(tips []modelcontribution.RecurringTip) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recurringTips = append([]modelcontribution.RecurringTip(nil), tips...)
}

func (s *Storage) GetAutoContributePublishers(_ context.Context) ([]modelcontribution.QueuePublisher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]modelcontribution.QueuePublisher(nil), s.acPublishers...), nil
}

// SetAutoContributePublishers replaces the auto-contribute catalog.
func (s *Storage) SetAutoContributePublishers(publishers []modelcontribution.QueuePublisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acPublishers = append([]modelcontribution.QueuePublisher(nil), publishers...)
}

func (s *Storage) GetReconcileStamp(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconcileStamp, nil
}

func (s *Storage) SetReconcileStamp(_ context.Context, stamp int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconcileStamp = stamp
	return nil
}

// IsQueueEntryComplete reports queue entry completion, for tests.
func (s *Storage) IsQueueEntryComplete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed[id]
}

func reportKey(month, year int, category string) string {
	return fmt.Sprintf("%s/%d/%d", category, month, year)
}

func cloneEntry(entry *modelcontribution.QueueEntry) *modelcontribution.QueueEntry {
	out := *entry
	out.Publishers = append([]modelcontribution.QueuePublisher(nil), entry.Publishers...)
	return &out
}

func cloneRecord(record *modelcontribution.ContributionRecord) *modelcontribution.ContributionRecord {
	out := *record
	out.Publishers = append([]modelcontribution.PublisherAllocation(nil), record.Publishers...)
	return &out
}
