package notifier

import (
	"context"

	"github.com/danilovkiri/dk-go-reconciler/internal/models/modelcontribution"
)

// Notifier surfaces terminal contribution outcomes to observers. The engine
// emits exactly one notification per non-suppressed terminal record.
type Notifier interface {
	OnReconcileComplete(ctx context.Context, result modelcontribution.Result, record *modelcontribution.ContributionRecord)
}
