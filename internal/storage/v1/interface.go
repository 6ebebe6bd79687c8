package storage

import (
	"context"

	"github.com/danilovkiri/dk-go-reconciler/internal/models/modelcontribution"
)

type Queue interface {
	GetNextQueueEntry(ctx context.Context) (*modelcontribution.QueueEntry, error)
	SaveQueueEntry(ctx context.Context, entry *modelcontribution.QueueEntry) error
	MarkQueueEntryComplete(ctx context.Context, id string) error
}

type Contributions interface {
	SaveContributionRecord(ctx context.Context, record *modelcontribution.ContributionRecord) error
	GetContributionRecord(ctx context.Context, id string) (*modelcontribution.ContributionRecord, error)
	GetNonTerminalRecords(ctx context.Context) ([]*modelcontribution.ContributionRecord, error)
	UpdateStepAndRetryCount(ctx context.Context, id string, step modelcontribution.Step, retryCount int) error
	UpdateContributedAmount(ctx context.Context, id, publisherKey string, amount int64) error
}

type Reports interface {
	SaveBalanceReportDelta(ctx context.Context, month, year int, category string, amount int64) error
}

type Credits interface {
	GetAvailableCreditsValue(ctx context.Context) (int64, error)
	ReserveCredits(ctx context.Context, contributionID string, amount int64) error
	MarkCreditsSpent(ctx context.Context, contributionID string) error
}

type Catalog interface {
	GetRecurringTips(ctx context.Context) ([]modelcontribution.RecurringTip, error)
	GetAutoContributePublishers(ctx context.Context) ([]modelcontribution.QueuePublisher, error)
}

type Stamps interface {
	GetReconcileStamp(ctx context.Context) (int64, error)
	SetReconcileStamp(ctx context.Context, stamp int64) error
}

type Storage interface {
	Queue
	Contributions
	Reports
	Credits
	Catalog
	Stamps
}
