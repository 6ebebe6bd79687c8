package wallets

import (
	"context"

	"github.com/danilovkiri/dk-go-reconciler/internal/models/modelbalance"
	"github.com/danilovkiri/dk-go-reconciler/internal/models/modelcontribution"
)

// Custodian is the transaction surface of one external wallet provider.
// Implementations must be idempotent or re-checkable by transaction ref since
// the engine re-delivers settlement attempts after crashes and retries.
type Custodian interface {
	Processor() modelcontribution.Processor
	FetchBalance(ctx context.Context) (int64, error)
	CreateTransaction(ctx context.Context, destination string, amount int64) (string, error)
	CommitTransaction(ctx context.Context, ref string) error
	TransferFunds(ctx context.Context, amount int64, destination string) error
}

// BalanceSource produces a read-only snapshot of total and per-processor
// available funds for the active wallet set.
type BalanceSource interface {
	FetchBalance(ctx context.Context) (*modelbalance.Balance, error)
}
