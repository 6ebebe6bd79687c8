package modeldto

type (
	Tip struct {
		PublisherKey string `json:"publisher_key"`
		Amount       int64  `json:"amount"`
	}
	TipAccepted struct {
		QueueID string `json:"queue_id"`
	}
	Balance struct {
		Total   int64            `json:"total"`
		Wallets map[string]int64 `json:"wallets"`
	}
	Contribution struct {
		ContributionID string `json:"contribution_id"`
		Type           string `json:"type"`
		Processor      string `json:"processor"`
		Step           int    `json:"step"`
		RetryCount     int    `json:"retry_count"`
		Amount         int64  `json:"amount"`
		CreatedAt      string `json:"created_at"`
	}
)
