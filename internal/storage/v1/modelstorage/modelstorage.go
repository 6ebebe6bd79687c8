// Package modelstorage provides types for querying relational DB.

package modelstorage

type QueueStorageEntry struct {
	ID        uint   `db:"id"`
	QueueID   string `db:"queue_id"`
	Type      string `db:"type"`
	Amount    int64  `db:"amount"`
	Partial   bool   `db:"partial"`
	CreatedAt int64  `db:"created_at"`
	Completed bool   `db:"completed"`
}

type QueuePublisherStorageEntry struct {
	ID            uint   `db:"id"`
	QueueID       string `db:"queue_id"`
	PublisherKey  string `db:"publisher_key"`
	AmountPercent int64  `db:"amount_percent"`
}

type ContributionStorageEntry struct {
	ID             uint   `db:"id"`
	ContributionID string `db:"contribution_id"`
	QueueID        string `db:"queue_id"`
	Type           string `db:"type"`
	Processor      string `db:"processor"`
	Step           int    `db:"step"`
	RetryCount     int    `db:"retry_count"`
	Amount         int64  `db:"amount"`
	CreatedAt      int64  `db:"created_at"`
}

type ContributionPublisherStorageEntry struct {
	ID                uint   `db:"id"`
	ContributionID    string `db:"contribution_id"`
	PublisherKey      string `db:"publisher_key"`
	TotalAmount       int64  `db:"total_amount"`
	ContributedAmount int64  `db:"contributed_amount"`
}

type BalanceReportStorageEntry struct {
	ID       uint   `db:"id"`
	Month    int    `db:"month"`
	Year     int    `db:"year"`
	Category string `db:"category"`
	Amount   int64  `db:"amount"`
}

type CreditStorageEntry struct {
	ID             uint   `db:"id"`
	Value          int64  `db:"value"`
	Status         string `db:"status"`
	ContributionID string `db:"contribution_id"`
}

type RecurringTipStorageEntry struct {
	ID           uint   `db:"id"`
	PublisherKey string `db:"publisher_key"`
	Amount       int64  `db:"amount"`
}

type ACPublisherStorageEntry struct {
	ID            uint   `db:"id"`
	PublisherKey  string `db:"publisher_key"`
	AmountPercent int64  `db:"amount_percent"`
}
