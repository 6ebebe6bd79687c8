// Package modelbalance provides types for wallet balance snapshots.

package modelbalance

import "github.com/danilovkiri/dk-go-reconciler/internal/models/modelcontribution"

// Balance is a read-only snapshot of available funds, refreshed once per
// queue-processing pass and never mutated by the engine.
type Balance struct {
	Total   int64                                 `json:"total"`
	Wallets map[modelcontribution.Processor]int64 `json:"wallets"`
}

// PerWalletBalance returns the available amount for a single processor.
func (b *Balance) PerWalletBalance(processor modelcontribution.Processor) int64 {
	return b.Wallets[processor]
}
