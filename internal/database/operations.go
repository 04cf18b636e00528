package database

import (
	"fmt"
	"time"
)

// RecordOperation stores the outcome of one lifecycle command.
func (s *Store) RecordOperation(op *Operation) error {
	if err := s.db.Create(op).Error; err != nil {
		s.log.Error().Err(err).Str("command", op.Command).Msg("failed to record operation")
		return fmt.Errorf("record operation: %w", err)
	}
	s.log.Debug().
		Str("op", op.ID).
		Str("command", op.Command).
		Int("succeeded", op.Succeeded).
		Int("failed", op.Failed).
		Int64("duration_ms", op.DurationMs).
		Msg("operation recorded")
	return nil
}

// RecentOperations returns the newest operations first, at most limit.
func (s *Store) RecentOperations(limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = 50
	}
	var ops []Operation
	if err := s.db.Order("created_at DESC").Limit(limit).Find(&ops).Error; err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return ops, nil
}

// PurgeOperations deletes operation records older than retention and
// returns how many were removed.
func (s *Store) PurgeOperations(retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultOperationRetention
	}
	cutoff := time.Now().Add(-retention)
	res := s.db.Where("created_at < ?", cutoff).Delete(&Operation{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge operations: %w", res.Error)
	}
	return res.RowsAffected, nil
}
