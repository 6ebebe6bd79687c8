// Package inpsql implements the durable contribution store on PostgreSQL.
package inpsql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/danilovkiri/dk-go-reconciler/internal/config"
	"github.com/danilovkiri/dk-go-reconciler/internal/models/modelcontribution"
	storageErrors "github.com/danilovkiri/dk-go-reconciler/internal/storage/v1/errors"
	"github.com/danilovkiri/dk-go-reconciler/internal/storage/v1/modelstorage"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/rs/zerolog"
)

type Storage struct {
	mu  sync.Mutex
	Cfg *config.StorageConfig
	DB  *sql.DB
	log *zerolog.Logger
}

func InitStorage(ctx context.Context, cfg *config.StorageConfig, log *zerolog.Logger) (*Storage, error) {
	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("")
	}
	// initialize a Storage
	st := Storage{
		Cfg: cfg,
		DB:  db,
		log: log,
	}
	err = st.createTables(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("")
	}
	log.Info().Msg("PSQL DB connection was established")
	return &st, nil
}

func (s *Storage) GetNextQueueEntry(ctx context.Context) (*modelcontribution.QueueEntry, error) {
	selectStmt, err := s.DB.PrepareContext(ctx, "SELECT queue_id, type, amount, partial, created_at FROM contribution_queue WHERE NOT completed ORDER BY created_at LIMIT 1")
	if err != nil {
		return nil, &storageErrors.StatementPSQLError{Err: err}
	}
	defer selectStmt.Close()
	publishersStmt, err := s.DB.PrepareContext(ctx, "SELECT publisher_key, amount_percent FROM queue_publishers WHERE queue_id = $1")
	if err != nil {
		return nil, &storageErrors.StatementPSQLError{Err: err}
	}
	defer publishersStmt.Close()
	chanOk := make(chan *modelcontribution.QueueEntry)
	chanEr := make(chan error)
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		var row modelstorage.QueueStorageEntry
		err := selectStmt.QueryRowContext(ctx).Scan(&row.QueueID, &row.Type, &row.Amount, &row.Partial, &row.CreatedAt)
		if err != nil {
			switch {
			case errors.Is(err, sql.ErrNoRows):
				chanEr <- &storageErrors.EmptyQueueError{}
				return
			default:
				chanEr <- err
				return
			}
		}
		entry := modelcontribution.QueueEntry{
			ID:        row.QueueID,
			Type:      modelcontribution.Type(row.Type),
			Amount:    row.Amount,
			Partial:   row.Partial,
			CreatedAt: row.CreatedAt,
		}
		rows, err := publishersStmt.QueryContext(ctx, row.QueueID)
		if err != nil {
			chanEr <- &storageErrors.ExecutionPSQLError{Err: err}
			return
		}
		defer rows.Close()
		for rows.Next() {
			var publisherRow modelstorage.QueuePublisherStorageEntry
			err = rows.Scan(&publisherRow.PublisherKey, &publisherRow.AmountPercent)
			if err != nil {
				chanEr <- &storageErrors.ScanningPSQLError{Err: err}
				return
			}
			entry.Publishers = append(entry.Publishers, modelcontribution.QueuePublisher{
				PublisherKey:  publisherRow.PublisherKey,
				AmountPercent: publisherRow.AmountPercent,
			})
		}
		err = rows.Err()
		if err != nil {
			chanEr <- &storageErrors.ScanningPSQLError{Err: err}
			return
		}
		chanOk <- &entry
	}()
	select {
	case <-ctx.Done():
		s.log.Error().Err(ctx.Err()).Msg("getting next queue entry failed")
		return nil, &storageErrors.ContextTimeoutExceededError{Err: ctx.Err()}
	case methodErr := <-chanEr:
		var emptyQueueError *storageErrors.EmptyQueueError
		if !errors.As(methodErr, &emptyQueueError) {
			s.log.Error().Err(methodErr).Msg("getting next queue entry failed")
		}
		return nil, methodErr
	case entry := <-chanOk:
		return entry, nil
	}
}

func (s *Storage) SaveQueueEntry(ctx context.Context, entry *modelcontribution.QueueEntry) error {
	upsertStmt, err := s.DB.PrepareContext(ctx, "INSERT INTO contribution_queue (queue_id, type, amount, partial, created_at, completed) VALUES ($1, $2, $3, $4, $5, false) ON CONFLICT (queue_id) DO UPDATE SET amount = $3")
	if err != nil {
		return &storageErrors.StatementPSQLError{Err: err}
	}
	defer upsertStmt.Close()
	deleteStmt, err := s.DB.PrepareContext(ctx, "DELETE FROM queue_publishers WHERE queue_id = $1")
	if err != nil {
		return &storageErrors.StatementPSQLError{Err: err}
	}
	defer deleteStmt.Close()
	publisherStmt, err := s.DB.PrepareContext(ctx, "INSERT INTO queue_publishers (queue_id, publisher_key, amount_percent) VALUES ($1, $2, $3)")
	if err != nil {
		return &storageErrors.StatementPSQLError{Err: err}
	}
	defer publisherStmt.Close()
	chanOk := make(chan bool)
	chanEr := make(chan error)
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := upsertStmt.ExecContext(ctx, entry.ID, string(entry.Type), entry.Amount, entry.Partial, entry.CreatedAt)
		if err != nil {
			chanEr <- &storageErrors.ExecutionPSQLError{Err: err}
			return
		}
		_, err = deleteStmt.ExecContext(ctx, entry.ID)
		if err != nil {
			chanEr <- &storageErrors.ExecutionPSQLError{Err: err}
			return
		}
		for _, publisher := range entry.Publishers {
			_, err = publisherStmt.ExecContext(ctx, entry.ID, publisher.PublisherKey, publisher.AmountPercent)
			if err != nil {
				chanEr <- &storageErrors.ExecutionPSQLError{Err: err}
				return
			}
		}
		chanOk <- true
	}()
	select {
	case <-ctx.Done():
		s.log.Error().Err(ctx.Err()).Msg(fmt.Sprintf("saving queue entry failed for %s", entry.ID))
		return &storageErrors.ContextTimeoutExceededError{Err: ctx.Err()}
	case methodErr := <-chanEr:
		s.log.Error().Err(methodErr).Msg(fmt.Sprintf("saving queue entry failed for %s", entry.ID))
		return methodErr
	case <-chanOk:
		return nil
	}
}

func (s *Storage) MarkQueueEntryComplete(ctx context.Context, id string) error {
	updateStmt, err := s.DB.PrepareContext(ctx, "UPDATE contribution_queue SET completed = true WHERE queue_id = $1")
	if err != nil {
		return &storageErrors.StatementPSQLError{Err: err}
	}
	defer updateStmt.Close()
	chanOk := make(chan bool)
	chanEr := make(chan error)
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := updateStmt.ExecContext(ctx, id)
		if err != nil {
			chanEr <- &storageErrors.ExecutionPSQLError{Err: err}
			return
		}
		chanOk <- true
	}()
	select {
	case <-ctx.Done():
		s.log.Error().Err(ctx.Err()).Msg(fmt.Sprintf("marking queue entry complete failed for %s", id))
		return &storageErrors.ContextTimeoutExceededError{Err: ctx.Err()}
	case methodErr := <-chanEr:
		s.log.Error().Err(methodErr).Msg(fmt.Sprintf("marking queue entry complete failed for %s", id))
		return methodErr
	case <-chanOk:
		s.log.Info().Msg(fmt.Sprintf("marking queue entry complete done for %s", id))
		return nil
	}
}

func (s *Storage) SaveContributionRecord(ctx context.Context, record *modelcontribution.ContributionRecord) error {
	insertStmt, err := s.DB.PrepareContext(ctx, "INSERT INTO contributions (contribution_id, queue_id, type, processor, step, retry_count, amount, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)")
	if err != nil {
		return &storageErrors.StatementPSQLError{Err: err}
	}
	defer insertStmt.Close()
	publisherStmt, err := s.DB.PrepareContext(ctx, "INSERT INTO contribution_publishers (contribution_id, publisher_key, total_amount, contributed_amount) VALUES ($1, $2, $3, $4)")
	if err != nil {
		return &storageErrors.StatementPSQLError{Err: err}
	}
	defer publisherStmt.Close()
	chanOk := make(chan bool)
	chanEr := make(chan error)
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := insertStmt.ExecContext(ctx, record.ContributionID, record.QueueID, string(record.Type), string(record.Processor), int(record.Step), record.RetryCount, record.Amount, record.CreatedAt)
		if err != nil {
			if err, ok := err.(*pgconn.PgError); ok && err.Code == pgerrcode.UniqueViolation {
				chanEr <- &storageErrors.AlreadyExistsError{Err: err, ID: record.ContributionID}
				return
			}
			chanEr <- &storageErrors.ExecutionPSQLError{Err: err}
			return
		}
		for _, publisher := range record.Publishers {
			_, err = publisherStmt.ExecContext(ctx, record.ContributionID, publisher.PublisherKey, publisher.TotalAmount, publisher.ContributedAmount)
			if err != nil {
				chanEr <- &storageErrors.ExecutionPSQLError{Err: err}
				return
			}
		}
		chanOk <- true
	}()
	select {
	case <-ctx.Done():
		s.log.Error().Err(ctx.Err()).Msg(fmt.Sprintf("saving contribution failed for %s", record.ContributionID))
		return &storageErrors.ContextTimeoutExceededError{Err: ctx.Err()}
	case methodErr := <-chanEr:
		s.log.Error().Err(methodErr).Msg(fmt.Sprintf("saving contribution failed for %s", record.ContributionID))
		return methodErr
	case <-chanOk:
		s.log.Info().Msg(fmt.Sprintf("saving contribution done for %s", record.ContributionID))
		return nil
	}
}

func (s *Storage) GetContributionRecord(ctx context.Context, id string) (*modelcontribution.ContributionRecord, error) {
	selectStmt, err := s.DB.PrepareContext(ctx, "SELECT contribution_id, queue_id, type, processor, step, retry_count, amount, created_at FROM contributions WHERE contribution_id = $1")
	if err != nil {
		return nil, &storageErrors.StatementPSQLError{Err: err}
	}
	defer selectStmt.Close()
	publishersStmt, err := s.DB.PrepareContext(ctx, "SELECT publisher_key, total_amount, contributed_amount FROM contribution_publishers WHERE contribution_id = $1")
	if err != nil {
		return nil, &storageErrors.StatementPSQLError{Err: err}
	}
	defer publishersStmt.Close()
	chanOk := make(chan *modelcontribution.ContributionRecord)
	chanEr := make(chan error)
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		record, err := scanRecord(ctx, selectStmt, publishersStmt, id)
		if err != nil {
			chanEr <- err
			return
		}
		chanOk <- record
	}()
	select {
	case <-ctx.Done():
		s.log.Error().Err(ctx.Err()).Msg(fmt.Sprintf("getting contribution failed for %s", id))
		return nil, &storageErrors.ContextTimeoutExceededError{Err: ctx.Err()}
	case methodErr := <-chanEr:
		s.log.Error().Err(methodErr).Msg(fmt.Sprintf("getting contribution failed for %s", id))
		return nil, methodErr
	case record := <-chanOk:
		return record, nil
	}
}

func (s *Storage) GetNonTerminalRecords(ctx context.Context) ([]*modelcontribution.ContributionRecord, error) {
	selectStmt, err := s.DB.PrepareContext(ctx, "SELECT contribution_id FROM contributions WHERE step >= 0")
	if err != nil {
		return nil, &storageErrors.StatementPSQLError{Err: err}
	}
	defer selectStmt.Close()
	recordStmt, err := s.DB.PrepareContext(ctx, "SELECT contribution_id, queue_id, type, processor, step, retry_count, amount, created_at FROM contributions WHERE contribution_id = $1")
	if err != nil {
		return nil, &storageErrors.StatementPSQLError{Err: err}
	}
	defer recordStmt.Close()
	publishersStmt, err := s.DB.PrepareContext(ctx, "SELECT publisher_key, total_amount, contributed_amount FROM contribution_publishers WHERE contribution_id = $1")
	if err != nil {
		return nil, &storageErrors.StatementPSQLError{Err: err}
	}
	defer publishersStmt.Close()
	chanOk := make(chan []*modelcontribution.ContributionRecord)
	chanEr := make(chan error)
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		rows, err := selectStmt.QueryContext(ctx)
		if err != nil {
			chanEr <- &storageErrors.ExecutionPSQLError{Err: err}
			return
		}
		defer rows.Close()
		var ids []string
		for rows.Next() {
			var id string
			err = rows.Scan(&id)
			if err != nil {
				chanEr <- &storageErrors.ScanningPSQLError{Err: err}
				return
			}
			ids = append(ids, id)
		}
		err = rows.Err()
		if err != nil {
			chanEr <- &storageErrors.ScanningPSQLError{Err: err}
			return
		}
		var records []*modelcontribution.ContributionRecord
		for _, id := range ids {
			record, err := scanRecord(ctx, recordStmt, publishersStmt, id)
			if err != nil {
				chanEr <- err
				return
			}
			records = append(records, record)
		}
		chanOk <- records
	}()
	select {
	case <-ctx.Done():
		s.log.Error().Err(ctx.Err()).Msg("getting non-terminal contributions failed")
		return nil, &storageErrors.ContextTimeoutExceededError{Err: ctx.Err()}
	case methodErr := <-chanEr:
		s.log.Error().Err(methodErr).Msg("getting non-terminal contributions failed")
		return nil, methodErr
	case records := <-chanOk:
		return records, nil
	}
}

func (s *Storage) UpdateStepAndRetryCount(ctx context.Context, id string, step modelcontribution.Step, retryCount int) error {
	updateStmt, err := s.DB.PrepareContext(ctx, "UPDATE contributions SET step = $2, retry_count = $3 WHERE contribution_id = $1")
	if err != nil {
		return &storageErrors.StatementPSQLError{Err: err}
	}
	defer updateStmt.Close()
	chanOk := make(chan bool)
	chanEr := make(chan error)
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		res, err := updateStmt.ExecContext(ctx, id, int(step), retryCount)
		if err != nil {
			chanEr <- &storageErrors.ExecutionPSQLError{Err: err}
			return
		}
		affected, err := res.RowsAffected()
		if err == nil && affected == 0 {
			chanEr <- &storageErrors.NotFoundError{ID: id}
			return
		}
		chanOk <- true
	}()
	select {
	case <-ctx.Done():
		s.log.Error().Err(ctx.Err()).Msg(fmt.Sprintf("updating step and retry count failed for %s", id))
		return &storageErrors.ContextTimeoutExceededError{Err: ctx.Err()}
	case methodErr := <-chanEr:
		s.log.Error().Err(methodErr).Msg(fmt.Sprintf("updating step and retry count failed for %s", id))
		return methodErr
	case <-chanOk:
		return nil
	}
}

func (s *Storage) UpdateContributedAmount(ctx context.Context, id, publisherKey string, amount int64) error {
	updateStmt, err := s.DB.PrepareContext(ctx, "UPDATE contribution_publishers SET contributed_amount = contributed_amount + $3 WHERE contribution_id = $1 AND publisher_key = $2")
	if err != nil {
		return &storageErrors.StatementPSQLError{Err: err}
	}
	defer updateStmt.Close()
	chanOk := make(chan bool)
	chanEr := make(chan error)
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := updateStmt.ExecContext(ctx, id, publisherKey, amount)
		if err != nil {
			chanEr <- &storageErrors.ExecutionPSQLError{Err: err}
			return
		}
		chanOk <- true
	}()
	select {
	case <-ctx.Done():
		s.log.Error().Err(ctx.Err()).Msg(fmt.Sprintf("updating contributed amount failed for %s", id))
		return &storageErrors.ContextTimeoutExceededError{Err: ctx.Err()}
	case methodErr := <-chanEr:
		s.log.Error().Err(methodErr).Msg(fmt.Sprintf("updating contributed amount failed for %s", id))
		return methodErr
	case <-chanOk:
		return nil
	}
}

func (s *Storage) SaveBalanceReportDelta(ctx context.Context, month, year int, category string, amount int64) error {
	upsertStmt, err := s.DB.PrepareContext(ctx, "INSERT INTO balance_reports (month, year, category, amount) VALUES ($1, $2, $3, $4) ON CONFLICT (month, year, category) DO UPDATE SET amount = balance_reports.amount + $4")
	if err != nil {
		return &storageErrors.StatementPSQLError{Err: err}
	}
	defer upsertStmt.Close()
	chanOk := make(chan bool)
	chanEr := make(chan error)
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := upsertStmt.ExecContext(ctx, month, year, category, amount)
		if err != nil {
			chanEr <- &storageErrors.ExecutionPSQLError{Err: err}
			return
		}
		chanOk <- true
	}()
	select {
	case <-ctx.Done():
		s.log.Error().Err(ctx.Err()).Msg("saving balance report delta failed")
		return &storageErrors.ContextTimeoutExceededError{Err: ctx.Err()}
	case methodErr := <-chanEr:
		s.log.Error().Err(methodErr).Msg("saving balance report delta failed")
		return methodErr
	case <-chanOk:
		return nil
	}
}

func (s *Storage) GetAvailableCreditsValue(ctx context.Context) (int64, error) {
	selectStmt, err := s.DB.PrepareContext(ctx, "SELECT COALESCE(SUM(value), 0) FROM credits WHERE status = 'active'")
	if err != nil {
		return 0, &storageErrors.StatementPSQLError{Err: err}
	}
	defer selectStmt.Close()
	chanOk := make(chan int64)
	chanEr := make(chan error)
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		var value int64
		err := selectStmt.QueryRowContext(ctx).Scan(&value)
		if err != nil {
			chanEr <- &storageErrors.ScanningPSQLError{Err: err}
			return
		}
		chanOk <- value
	}()
	select {
	case <-ctx.Done():
		s.log.Error().Err(ctx.Err()).Msg("getting available credits failed")
		return 0, &storageErrors.ContextTimeoutExceededError{Err: ctx.Err()}
	case methodErr := <-chanEr:
		s.log.Error().Err(methodErr).Msg("getting available credits failed")
		return 0, methodErr
	case value := <-chanOk:
		return value, nil
	}
}

func (s *Storage) ReserveCredits(ctx context.Context, contributionID string, amount int64) error {
	selectStmt, err := s.DB.PrepareContext(ctx, "SELECT id, value FROM credits WHERE status = 'active' ORDER BY id")
	if err != nil {
		return &storageErrors.StatementPSQLError{Err: err}
	}
	defer selectStmt.Close()
	reservedStmt, err := s.DB.PrepareContext(ctx, "SELECT COALESCE(SUM(value), 0) FROM credits WHERE status = 'reserved' AND contribution_id = $1")
	if err != nil {
		return &storageErrors.StatementPSQLError{Err: err}
	}
	defer reservedStmt.Close()
	updateStmt, err := s.DB.PrepareContext(ctx, "UPDATE credits SET status = 'reserved', contribution_id = $2 WHERE id = $1")
	if err != nil {
		return &storageErrors.StatementPSQLError{Err: err}
	}
	defer updateStmt.Close()
	chanOk := make(chan bool)
	chanEr := make(chan error)
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		// re-delivered settlement attempts must not double-reserve
		var alreadyReserved int64
		err := reservedStmt.QueryRowContext(ctx, contributionID).Scan(&alreadyReserved)
		if err != nil {
			chanEr <- &storageErrors.ScanningPSQLError{Err: err}
			return
		}
		if alreadyReserved >= amount {
			chanOk <- true
			return
		}
		// a prior attempt may have left a partial reservation, top up the difference only
		needed := amount - alreadyReserved
		rows, err := selectStmt.QueryContext(ctx)
		if err != nil {
			chanEr <- &storageErrors.ExecutionPSQLError{Err: err}
			return
		}
		defer rows.Close()
		var reserved int64
		var ids []uint
		var available int64
		for rows.Next() {
			var row modelstorage.CreditStorageEntry
			err = rows.Scan(&row.ID, &row.Value)
			if err != nil {
				chanEr <- &storageErrors.ScanningPSQLError{Err: err}
				return
			}
			available += row.Value
			if reserved < needed {
				reserved += row.Value
				ids = append(ids, row.ID)
			}
		}
		err = rows.Err()
		if err != nil {
			chanEr <- &storageErrors.ScanningPSQLError{Err: err}
			return
		}
		if reserved < needed {
			chanEr <- &storageErrors.InsufficientCreditsError{Required: amount, Available: alreadyReserved + available}
			return
		}
		for _, id := range ids {
			_, err = updateStmt.ExecContext(ctx, id, contributionID)
			if err != nil {
				chanEr <- &storageErrors.ExecutionPSQLError{Err: err}
				return
			}
		}
		chanOk <- true
	}()
	select {
	case <-ctx.Done():
		s.log.Error().Err(ctx.Err()).Msg(fmt.Sprintf("reserving credits failed for %s", contributionID))
		return &storageErrors.ContextTimeoutExceededError{Err: ctx.Err()}
	case methodErr := <-chanEr:
		s.log.Error().Err(methodErr).Msg(fmt.Sprintf("reserving credits failed for %s", contributionID))
		return methodErr
	case <-chanOk:
		s.log.Info().Msg(fmt.Sprintf("reserving credits done for %s", contributionID))
		return nil
	}
}

func (s *Storage) MarkCreditsSpent(ctx context.Context, contributionID string) error {
	updateStmt, err := s.DB.PrepareContext(ctx, "UPDATE credits SET status = 'spent' WHERE contribution_id = $1 AND status = 'reserved'")
	if err != nil {
		return &storageErrors.StatementPSQLError{Err: err}
	}
	defer updateStmt.Close()
	chanOk := make(chan bool)
	chanEr := make(chan error)
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := updateStmt.ExecContext(ctx, contributionID)
		if err != nil {
			chanEr <- &storageErrors.ExecutionPSQLError{Err: err}
			return
		}
		chanOk <- true
	}()
	select {
	case <-ctx.Done():
		s.log.Error().Err(ctx.Err()).Msg(fmt.Sprintf("marking credits spent failed for %s", contributionID))
		return &storageErrors.ContextTimeoutExceededError{Err: ctx.Err()}
	case methodErr := <-chanEr:
		s.log.Error().Err(methodErr).Msg(fmt.Sprintf("marking credits spent failed for %s", contributionID))
		return methodErr
	case <-chanOk:
		return nil
	}
}

func (s *Storage) GetRecurringTips(ctx context.Context) ([]modelcontribution.RecurringTip, error) {
	selectStmt, err := s.DB.PrepareContext(ctx, "SELECT publisher_key, amount FROM recurring_tips ORDER BY id")
	if err != nil {
		return nil, &storageErrors.StatementPSQLError{Err: err}
	}
	defer selectStmt.Close()
	chanOk := make(chan []modelcontribution.RecurringTip)
	chanEr := make(chan error)
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		rows, err := selectStmt.QueryContext(ctx)
		if err != nil {
			chanEr <- &storageErrors.ExecutionPSQLError{Err: err}
			return
		}
		defer rows.Close()
		var tips []modelcontribution.RecurringTip
		for rows.Next() {
			var row modelstorage.RecurringTipStorageEntry
			err = rows.Scan(&row.PublisherKey, &row.Amount)
			if err != nil {
				chanEr <- &storageErrors.ScanningPSQLError{Err: err}
				return
			}
			tips = append(tips, modelcontribution.RecurringTip{PublisherKey: row.PublisherKey, Amount: row.Amount})
		}
		err = rows.Err()
		if err != nil {
			chanEr <- &storageErrors.ScanningPSQLError{Err: err}
			return
		}
		chanOk <- tips
	}()
	select {
	case <-ctx.Done():
		s.log.Error().Err(ctx.Err()).Msg("getting recurring tips failed")
		return nil, &storageErrors.ContextTimeoutExceededError{Err: ctx.Err()}
	case methodErr := <-chanEr:
		s.log.Error().Err(methodErr).Msg("getting recurring tips failed")
		return nil, methodErr
	case tips := <-chanOk:
		return tips, nil
	}
}

func (s *Storage) GetAutoContributePublishers(ctx context.Context) ([]modelcontribution.QueuePublisher, error) {
	selectStmt, err := s.DB.PrepareContext(ctx, "SELECT publisher_key, amount_percent FROM ac_publishers ORDER BY id")
	if err != nil {
		return nil, &storageErrors.StatementPSQLError{Err: err}
	}
	defer selectStmt.Close()
	chanOk := make(chan []modelcontribution.QueuePublisher)
	chanEr := make(chan error)
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		rows, err := selectStmt.QueryContext(ctx)
		if err != nil {
			chanEr <- &storageErrors.ExecutionPSQLError{Err: err}
			return
		}
		defer rows.Close()
		var publishers []modelcontribution.QueuePublisher
		for rows.Next() {
			var row modelstorage.ACPublisherStorageEntry
			err = rows.Scan(&row.PublisherKey, &row.AmountPercent)
			if err != nil {
				chanEr <- &storageErrors.ScanningPSQLError{Err: err}
				return
			}
			publishers = append(publishers, modelcontribution.QueuePublisher{PublisherKey: row.PublisherKey, AmountPercent: row.AmountPercent})
		}
		err = rows.Err()
		if err != nil {
			chanEr <- &storageErrors.ScanningPSQLError{Err: err}
			return
		}
		chanOk <- publishers
	}()
	select {
	case <-ctx.Done():
		s.log.Error().Err(ctx.Err()).Msg("getting auto-contribute publishers failed")
		return nil, &storageErrors.ContextTimeoutExceededError{Err: ctx.Err()}
	case methodErr := <-chanEr:
		s.log.Error().Err(methodErr).Msg("getting auto-contribute publishers failed")
		return nil, methodErr
	case publishers := <-chanOk:
		return publishers, nil
	}
}

func (s *Storage) GetReconcileStamp(ctx context.Context) (int64, error) {
	selectStmt, err := s.DB.PrepareContext(ctx, "SELECT value FROM engine_state WHERE key = 'reconcile_stamp'")
	if err != nil {
		return 0, &storageErrors.StatementPSQLError{Err: err}
	}
	defer selectStmt.Close()
	chanOk := make(chan int64)
	chanEr := make(chan error)
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		var value int64
		err := selectStmt.QueryRowContext(ctx).Scan(&value)
		if err != nil {
			switch {
			case errors.Is(err, sql.ErrNoRows):
				chanOk <- 0
				return
			default:
				chanEr <- &storageErrors.ScanningPSQLError{Err: err}
				return
			}
		}
		chanOk <- value
	}()
	select {
	case <-ctx.Done():
		s.log.Error().Err(ctx.Err()).Msg("getting reconcile stamp failed")
		return 0, &storageErrors.ContextTimeoutExceededError{Err: ctx.Err()}
	case methodErr := <-chanEr:
		s.log.Error().Err(methodErr).Msg("getting reconcile stamp failed")
		return 0, methodErr
	case value := <-chanOk:
		return value, nil
	}
}

func (s *Storage) SetReconcileStamp(ctx context.Context, stamp int64) error {
	upsertStmt, err := s.DB.PrepareContext(ctx, "INSERT INTO engine_state (key, value) VALUES ('reconcile_stamp', $1) ON CONFLICT (key) DO UPDATE SET value = $1")
	if err != nil {
		return &storageErrors.StatementPSQLError{Err: err}
	}
	defer upsertStmt.Close()
	chanOk := make(chan bool)
	chanEr := make(chan error)
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := upsertStmt.ExecContext(ctx, stamp)
		if err != nil {
			chanEr <- &storageErrors.ExecutionPSQLError{Err: err}
			return
		}
		chanOk <- true
	}()
	select {
	case <-ctx.Done():
		s.log.Error().Err(ctx.Err()).Msg("setting reconcile stamp failed")
		return &storageErrors.ContextTimeoutExceededError{Err: ctx.Err()}
	case methodErr := <-chanEr:
		s.log.Error().Err(methodErr).Msg("setting reconcile stamp failed")
		return methodErr
	case <-chanOk:
		return nil
	}
}

// scanRecord loads one contribution record with its publisher allocations.
// Callers must hold s.mu.
func scanRecord(ctx context.Context, recordStmt, publishersStmt *sql.Stmt, id string) (*modelcontribution.ContributionRecord, error) {
	var row modelstorage.ContributionStorageEntry
	err := recordStmt.QueryRowContext(ctx, id).Scan(&row.ContributionID, &row.QueueID, &row.Type, &row.Processor, &row.Step, &row.RetryCount, &row.Amount, &row.CreatedAt)
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, &storageErrors.NotFoundError{Err: err, ID: id}
		default:
			return nil, err
		}
	}
	record := modelcontribution.ContributionRecord{
		ContributionID: row.ContributionID,
		QueueID:        row.QueueID,
		Type:           modelcontribution.Type(row.Type),
		Processor:      modelcontribution.Processor(row.Processor),
		Step:           modelcontribution.Step(row.Step),
		RetryCount:     row.RetryCount,
		Amount:         row.Amount,
		CreatedAt:      row.CreatedAt,
	}
	rows, err := publishersStmt.QueryContext(ctx, id)
	if err != nil {
		return nil, &storageErrors.ExecutionPSQLError{Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var publisherRow modelstorage.ContributionPublisherStorageEntry
		err = rows.Scan(&publisherRow.PublisherKey, &publisherRow.TotalAmount, &publisherRow.ContributedAmount)
		if err != nil {
			return nil, &storageErrors.ScanningPSQLError{Err: err}
		}
		record.Publishers = append(record.Publishers, modelcontribution.PublisherAllocation{
			PublisherKey:      publisherRow.PublisherKey,
			TotalAmount:       publisherRow.TotalAmount,
			ContributedAmount: publisherRow.ContributedAmount,
		})
	}
	err = rows.Err()
	if err != nil {
		return nil, &storageErrors.ScanningPSQLError{Err: err}
	}
	return &record, nil
}

func (s *Storage) createTables(ctx context.Context) error {
	var queries []string
	query := `CREATE TABLE IF NOT EXISTS contribution_queue (
		id         BIGSERIAL NOT NULL,
		queue_id   TEXT      NOT NULL UNIQUE,
		type       TEXT      NOT NULL,
		amount     BIGINT    NOT NULL,
		partial    BOOLEAN   NOT NULL,
		created_at BIGINT    NOT NULL,
		completed  BOOLEAN   NOT NULL DEFAULT false
	);`
	queries = append(queries, query)
	query = `CREATE TABLE IF NOT EXISTS queue_publishers (
		id             BIGSERIAL NOT NULL,
		queue_id       TEXT      NOT NULL,
		publisher_key  TEXT      NOT NULL,
		amount_percent BIGINT    NOT NULL
	);`
	queries = append(queries, query)
	query = `CREATE TABLE IF NOT EXISTS contributions (
		id              BIGSERIAL NOT NULL,
		contribution_id TEXT      NOT NULL UNIQUE,
		queue_id        TEXT      NOT NULL,
		type            TEXT      NOT NULL,
		processor       TEXT      NOT NULL,
		step            INT       NOT NULL,
		retry_count     INT       NOT NULL,
		amount          BIGINT    NOT NULL,
		created_at      BIGINT    NOT NULL
	);`
	queries = append(queries, query)
	query = `CREATE TABLE IF NOT EXISTS contribution_publishers (
		id                 BIGSERIAL NOT NULL,
		contribution_id    TEXT      NOT NULL,
		publisher_key      TEXT      NOT NULL,
		total_amount       BIGINT    NOT NULL,
		contributed_amount BIGINT    NOT NULL
	);`
	queries = append(queries, query)
	query = `CREATE TABLE IF NOT EXISTS balance_reports (
		id       BIGSERIAL NOT NULL,
		month    INT       NOT NULL,
		year     INT       NOT NULL,
		category TEXT      NOT NULL,
		amount   BIGINT    NOT NULL,
		UNIQUE (month, year, category)
	);`
	queries = append(queries, query)
	query = `CREATE TABLE IF NOT EXISTS credits (
		id              BIGSERIAL NOT NULL UNIQUE,
		value           BIGINT    NOT NULL,
		status          TEXT      NOT NULL,
		contribution_id TEXT
	);`
	queries = append(queries, query)
	query = `CREATE TABLE IF NOT EXISTS recurring_tips (
		id            BIGSERIAL NOT NULL,
		publisher_key TEXT      NOT NULL UNIQUE,
		amount        BIGINT    NOT NULL
	);`
	queries = append(queries, query)
	query = `CREATE TABLE IF NOT EXISTS ac_publishers (
		id             BIGSERIAL NOT NULL,
		publisher_key  TEXT      NOT NULL UNIQUE,
		amount_percent BIGINT    NOT NULL
	);`
	queries = append(queries, query)
	query = `CREATE TABLE IF NOT EXISTS engine_state (
		id    BIGSERIAL NOT NULL,
		key   TEXT      NOT NULL UNIQUE,
		value BIGINT    NOT NULL
	);`
	queries = append(queries, query)
	for _, subquery := range queries {
		_, err := s.DB.ExecContext(ctx, subquery)
		if err != nil {
			return err
		}
	}
	return nil
}
