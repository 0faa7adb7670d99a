// Package audit persists a record of every Call Result (spec §3) the
// Orchestrator→Worker façade produces, for post-hoc inspection. It is
// a supplementary feature beyond the transport layer itself: the
// transport only guarantees delivery, it carries no memory of what was
// delivered — audit gives operators that memory. It never stores pip
// payloads or business outcomes — those stay opaque per spec.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/buildmesh-io/buildmesh/shared/identity"
	"github.com/buildmesh-io/buildmesh/shared/transport"
)

// CallResultRecord is one persisted Call Result outcome, keyed by the
// worker it was addressed to and the distributed invocation id it was
// made under.
type CallResultRecord struct {
	ID                          uint `gorm:"primarykey"`
	CreatedAt                   time.Time
	WorkerLocation              string `gorm:"index"`
	InvocationID                string `gorm:"index"`
	Method                      string
	State                       string
	Attempts                    int
	CallDurationMS              int64
	WaitForConnectionDurationMS int64
	FailureKind                 string
	FailureDetails              string
}

// Store persists CallResultRecord rows and prunes them once they age
// out of Retention.
type Store struct {
	db        *gorm.DB
	logger    *zap.Logger
	retention time.Duration
}

// New wraps an already-migrated *gorm.DB. retention of zero disables
// pruning.
func New(db *gorm.DB, logger *zap.Logger, retention time.Duration) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.Named("audit"), retention: retention}
}

// RecordCallResult persists one Call Result produced by calling method
// against the worker at workerLocation under invocationID. Implements
// workerclient.CallResultRecorder.
func (s *Store) RecordCallResult(ctx context.Context, workerLocation, method string, invocationID identity.ID, result transport.Result) error {
	record := &CallResultRecord{
		WorkerLocation:              workerLocation,
		InvocationID:                invocationID.String(),
		Method:                      method,
		State:                       result.State.String(),
		Attempts:                    result.Attempts,
		CallDurationMS:              result.CallDuration.Milliseconds(),
		WaitForConnectionDurationMS: result.WaitForConnectionDuration.Milliseconds(),
	}
	if result.LastFailure != nil {
		record.FailureKind = result.LastFailure.Kind.String()
		record.FailureDetails = result.LastFailure.Details
	}
	return s.db.WithContext(ctx).Create(record).Error
}

// Prune deletes rows older than the configured retention window. Intended
// to be called periodically from a cron schedule.
func (s *Store) Prune(ctx context.Context) error {
	if s.retention <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-s.retention)

	result := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&CallResultRecord{})
	if result.Error != nil {
		return result.Error
	}

	s.logger.Info("pruned audit records",
		zap.Int64("call_results_deleted", result.RowsAffected),
		zap.Time("cutoff", cutoff),
	)
	return nil
}

// FailureCount reports how many calls to workerLocation resulted in a
// non-Succeeded Call Result since since — used by the admin surface to
// flag unhealthy workers.
func (s *Store) FailureCount(ctx context.Context, workerLocation string, since time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&CallResultRecord{}).
		Where("worker_location = ? AND state <> ? AND created_at >= ?", workerLocation, transport.CallSucceeded.String(), since).
		Count(&count).Error
	return count, err
}
