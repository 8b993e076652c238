package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/alert-converge/internal/model"
)

// AuditStore appends state-change records for action instances. Entries are
// append-only: terminal instances accept no mutation besides these.
type AuditStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewAuditStore creates the store and its schema.
func NewAuditStore(db *sql.DB, logger *zap.Logger) (*AuditStore, error) {
	s := &AuditStore{
		logger: logger.Named("audit-store"),
		db:     db,
	}
	if err := s.initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AuditStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS action_audit (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			message TEXT,
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_action_audit_instance
			ON action_audit(instance_id);
		CREATE INDEX IF NOT EXISTS idx_action_audit_created_at
			ON action_audit(created_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize action_audit schema: %w", err)
	}
	return nil
}

// Append records one state change.
func (s *AuditStore) Append(ctx context.Context, instanceID string, from, to model.ActionStatus, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO action_audit (id, instance_id, from_status, to_status, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), instanceID, string(from), string(to), message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListByInstance returns the audit trail of one instance, oldest first.
func (s *AuditStore) ListByInstance(ctx context.Context, instanceID string) ([]*model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, from_status, to_status, message, created_at
		FROM action_audit WHERE instance_id = ? ORDER BY created_at ASC, rowid ASC`,
		instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.AuditEntry
	for rows.Next() {
		var entry model.AuditEntry
		var from, to string
		var message sql.NullString
		if err := rows.Scan(&entry.ID, &entry.InstanceID, &from, &to, &message, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.FromStatus = model.ActionStatus(from)
		entry.ToStatus = model.ActionStatus(to)
		if message.Valid {
			entry.Message = message.String
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return entries, nil
}

// DeleteBefore removes audit entries older than the cutoff.
func (s *AuditStore) DeleteBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM action_audit WHERE created_at < ?`, before)
	if err != nil {
		return fmt.Errorf("failed to delete audit entries: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old audit entries",
		zap.Time("before", before),
		zap.Int64("deleted", affected))
	return nil
}
