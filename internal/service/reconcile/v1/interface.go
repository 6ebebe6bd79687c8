package reconcile

import (
	"context"

	"github.com/danilovkiri/dk-go-reconciler/internal/models/modelcontribution"
)

type Reconciler interface {
	Initialize()
	CheckQueue()
	OneTimeTip(ctx context.Context, publisherKey string, amount int64) (string, error)
	StartMonthlyContribution()
	GetContribution(ctx context.Context, id string) (*modelcontribution.ContributionRecord, error)
}
