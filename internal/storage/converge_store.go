package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-converge/internal/model"
)

// ConvergeStore persists converge groups and their member relations. The
// partial unique index on (dimension_key) WHERE ended_at IS NULL makes
// find-or-create idempotent: concurrent creators conflict at the storage
// layer and the loser joins the winner on re-read.
type ConvergeStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewConvergeStore creates the store and its schema.
func NewConvergeStore(db *sql.DB, logger *zap.Logger) (*ConvergeStore, error) {
	s := &ConvergeStore{
		logger: logger.Named("converge-store"),
		db:     db,
	}
	if err := s.initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ConvergeStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS converge_instance (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			dimension_key TEXT NOT NULL,
			bk_biz_id INTEGER NOT NULL DEFAULT 0,
			kind TEXT NOT NULL DEFAULT 'action',
			rule_snapshot TEXT NOT NULL,
			description TEXT,
			parent_id INTEGER,
			started_at DATETIME NOT NULL,
			ended_at DATETIME
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_converge_instance_open_key
			ON converge_instance(dimension_key) WHERE ended_at IS NULL;
		CREATE INDEX IF NOT EXISTS idx_converge_instance_started_at
			ON converge_instance(started_at);

		CREATE TABLE IF NOT EXISTS converge_relation (
			converge_id INTEGER NOT NULL,
			instance_id TEXT NOT NULL,
			is_primary INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			UNIQUE(converge_id, instance_id)
		);
		CREATE INDEX IF NOT EXISTS idx_converge_relation_instance
			ON converge_relation(instance_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize converge schema: %w", err)
	}
	return nil
}

// FindOrCreate returns the open group for the dimension key, creating it
// when absent. created reports whether this call won the creation race.
func (s *ConvergeStore) FindOrCreate(ctx context.Context, group *model.ConvergeInstance) (*model.ConvergeInstance, bool, error) {
	rule, err := json.Marshal(group.Rule)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal rule snapshot: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO converge_instance (
			dimension_key, bk_biz_id, kind, rule_snapshot, description,
			parent_id, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dimension_key) WHERE ended_at IS NULL DO NOTHING`,
		group.DimensionKey,
		group.BizID,
		string(group.Kind),
		string(rule),
		group.Description,
		sqlNullInt64(group.ParentID),
		group.StartedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create converge instance: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get affected rows: %w", err)
	}

	existing, err := s.GetOpenByKey(ctx, group.DimensionKey)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		// The winner closed between our insert attempt and the re-read.
		return nil, false, nil
	}
	return existing, affected > 0, nil
}

// GetOpenByKey returns the open group with the dimension key, or nil.
func (s *ConvergeStore) GetOpenByKey(ctx context.Context, key string) (*model.ConvergeInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, dimension_key, bk_biz_id, kind, rule_snapshot, description,
			parent_id, started_at, ended_at
		FROM converge_instance
		WHERE dimension_key = ? AND ended_at IS NULL`, key)

	group, err := s.scanGroup(ctx, row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan converge instance: %w", err)
	}
	return group, nil
}

// Get returns a group by id.
func (s *ConvergeStore) Get(ctx context.Context, id int64) (*model.ConvergeInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, dimension_key, bk_biz_id, kind, rule_snapshot, description,
			parent_id, started_at, ended_at
		FROM converge_instance WHERE id = ?`, id)

	group, err := s.scanGroup(ctx, row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan converge instance: %w", err)
	}
	return group, nil
}

// AddMember links an instance to a group and returns the member count
// after linking. Duplicate links are ignored, which keeps retries
// idempotent.
func (s *ConvergeStore) AddMember(ctx context.Context, convergeID int64, instanceID string, isPrimary bool) (int, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO converge_relation (
			converge_id, instance_id, is_primary, created_at
		) VALUES (?, ?, ?, ?)`,
		convergeID, instanceID, isPrimary, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to link converge member: %w", err)
	}
	return s.CountMembers(ctx, convergeID)
}

// CountMembers returns the member count of a group.
func (s *ConvergeStore) CountMembers(ctx context.Context, convergeID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM converge_relation WHERE converge_id = ?`,
		convergeID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count converge members: %w", err)
	}
	return count, nil
}

// Members returns the member instance ids of a group in link order. The
// first member is the group's representative.
func (s *ConvergeStore) Members(ctx context.Context, convergeID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id FROM converge_relation
		WHERE converge_id = ? ORDER BY rowid ASC`, convergeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list converge members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan converge member: %w", err)
		}
		members = append(members, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return members, nil
}

// Close ends a group. It only touches still-open rows, so concurrent
// closers are harmless; closed reports whether this call did the closing.
func (s *ConvergeStore) Close(ctx context.Context, convergeID int64, endedAt time.Time, description string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE converge_instance
		SET ended_at = ?, description = ?
		WHERE id = ? AND ended_at IS NULL`,
		endedAt, description, convergeID)
	if err != nil {
		return false, fmt.Errorf("failed to close converge instance: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

// SetParent links an action-level group under a biz-level rollup group.
func (s *ConvergeStore) SetParent(ctx context.Context, convergeID, parentID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE converge_instance SET parent_id = ? WHERE id = ?`,
		parentID, convergeID)
	if err != nil {
		return fmt.Errorf("failed to set converge parent: %w", err)
	}
	return nil
}

// CountOpen returns the number of open groups, for the open-group gauge.
func (s *ConvergeStore) CountOpen(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM converge_instance WHERE ended_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count open converge instances: %w", err)
	}
	return count, nil
}

// ListOpenStartedBefore returns open groups older than the cutoff, for the
// sweeper's stale-group pass.
func (s *ConvergeStore) ListOpenStartedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.ConvergeInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, dimension_key, bk_biz_id, kind, rule_snapshot, description,
			parent_id, started_at, ended_at
		FROM converge_instance
		WHERE ended_at IS NULL AND started_at < ?
		ORDER BY started_at ASC
		LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list open converge instances: %w", err)
	}
	defer rows.Close()

	var groups []*model.ConvergeInstance
	for rows.Next() {
		group, err := s.scanGroup(ctx, rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan converge instance: %w", err)
		}
		groups = append(groups, group)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return groups, nil
}

func (s *ConvergeStore) scanGroup(ctx context.Context, row rowScanner) (*model.ConvergeInstance, error) {
	var group model.ConvergeInstance
	var kind, rule string
	var description sql.NullString
	var parentID sql.NullInt64
	var endedAt sql.NullTime

	err := row.Scan(
		&group.ID,
		&group.DimensionKey,
		&group.BizID,
		&kind,
		&rule,
		&description,
		&parentID,
		&group.StartedAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}

	group.Kind = model.ConvergeKind(kind)
	if err := json.Unmarshal([]byte(rule), &group.Rule); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rule snapshot: %w", err)
	}
	if description.Valid {
		group.Description = description.String
	}
	if parentID.Valid {
		group.ParentID = &parentID.Int64
	}
	if endedAt.Valid {
		group.EndedAt = &endedAt.Time
	}

	count, err := s.CountMembers(ctx, group.ID)
	if err != nil {
		return nil, err
	}
	group.MemberCount = count

	return &group, nil
}

func sqlNullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
