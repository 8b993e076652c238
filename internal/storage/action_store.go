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

// ActionStore persists action instances. The core never creates or deletes
// instances in production flow; Insert exists for the upstream ingester
// contract and for tests.
type ActionStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewActionStore creates the store and its schema.
func NewActionStore(db *sql.DB, logger *zap.Logger) (*ActionStore, error) {
	s := &ActionStore{
		logger: logger.Named("action-store"),
		db:     db,
	}
	if err := s.initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ActionStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS action_instance (
			id TEXT PRIMARY KEY,
			strategy_id INTEGER,
			action_config_id INTEGER NOT NULL DEFAULT 0,
			bk_biz_id INTEGER NOT NULL DEFAULT 0,
			plugin_kind TEXT NOT NULL,
			status TEXT NOT NULL,
			signal TEXT NOT NULL,
			alerts TEXT,
			is_parent INTEGER NOT NULL DEFAULT 0,
			need_poll INTEGER NOT NULL DEFAULT 0,
			execute_times INTEGER NOT NULL DEFAULT 0,
			receivers TEXT,
			channel TEXT,
			execute_config TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			ended_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_action_instance_status ON action_instance(status);
		CREATE INDEX IF NOT EXISTS idx_action_instance_created_at ON action_instance(created_at);
		CREATE INDEX IF NOT EXISTS idx_action_instance_strategy_id ON action_instance(strategy_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize action_instance schema: %w", err)
	}
	return nil
}

// Insert stores a new instance record.
func (s *ActionStore) Insert(ctx context.Context, inst *model.ActionInstance) error {
	alerts, _ := json.Marshal(inst.Alerts)
	receivers, _ := json.Marshal(inst.Receivers)
	config, err := json.Marshal(inst.ExecuteConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal execute config: %w", err)
	}

	var strategyID sql.NullInt64
	if inst.StrategyID != nil {
		strategyID = sql.NullInt64{Int64: *inst.StrategyID, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO action_instance (
			id, strategy_id, action_config_id, bk_biz_id, plugin_kind, status,
			signal, alerts, is_parent, need_poll, execute_times, receivers,
			channel, execute_config, created_at, updated_at, ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID,
		strategyID,
		inst.ActionConfig,
		inst.BizID,
		string(inst.PluginKind),
		string(inst.Status),
		string(inst.Signal),
		string(alerts),
		inst.IsParent,
		inst.NeedPoll,
		inst.ExecuteTimes,
		string(receivers),
		inst.Channel,
		string(config),
		inst.CreatedAt,
		inst.UpdatedAt,
		sqlNullTime(inst.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert action instance: %w", err)
	}
	return nil
}

// Get retrieves an instance by id.
func (s *ActionStore) Get(ctx context.Context, id string) (*model.ActionInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, strategy_id, action_config_id, bk_biz_id, plugin_kind,
			status, signal, alerts, is_parent, need_poll, execute_times,
			receivers, channel, execute_config, created_at, updated_at, ended_at
		FROM action_instance WHERE id = ?`, id)

	inst, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan action instance: %w", err)
	}
	return inst, nil
}

// UpdateStatus persists a status transition via compare-and-set on
// (id, status). ErrStaleInstance means another worker moved the row first.
// Terminal instances stay immutable because no transition lists a terminal
// status as its expected "from".
func (s *ActionStore) UpdateStatus(ctx context.Context, inst *model.ActionInstance, from model.ActionStatus) error {
	config, err := json.Marshal(inst.ExecuteConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal execute config: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE action_instance SET
			status = ?,
			execute_times = ?,
			execute_config = ?,
			updated_at = ?,
			ended_at = ?
		WHERE id = ? AND status = ?`,
		string(inst.Status),
		inst.ExecuteTimes,
		string(config),
		inst.UpdatedAt,
		sqlNullTime(inst.EndedAt),
		inst.ID,
		string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update action instance: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrStaleInstance
	}
	return nil
}

// ListNonTerminalCreatedBefore returns instances that are still in flight
// and were created before the cutoff. The deadline sweeper feeds on this.
func (s *ActionStore) ListNonTerminalCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.ActionInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy_id, action_config_id, bk_biz_id, plugin_kind,
			status, signal, alerts, is_parent, need_poll, execute_times,
			receivers, channel, execute_config, created_at, updated_at, ended_at
		FROM action_instance
		WHERE ended_at IS NULL AND created_at < ?
		ORDER BY created_at ASC
		LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list action instances: %w", err)
	}
	defer rows.Close()

	var instances []*model.ActionInstance
	for rows.Next() {
		inst, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action instance: %w", err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return instances, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*model.ActionInstance, error) {
	var inst model.ActionInstance
	var strategyID sql.NullInt64
	var alerts, receivers, channel, config sql.NullString
	var endedAt sql.NullTime
	var pluginKind, status, signal string

	err := row.Scan(
		&inst.ID,
		&strategyID,
		&inst.ActionConfig,
		&inst.BizID,
		&pluginKind,
		&status,
		&signal,
		&alerts,
		&inst.IsParent,
		&inst.NeedPoll,
		&inst.ExecuteTimes,
		&receivers,
		&channel,
		&config,
		&inst.CreatedAt,
		&inst.UpdatedAt,
		&endedAt,
	)
	if err != nil {
		return nil, err
	}

	inst.PluginKind = model.PluginKind(pluginKind)
	inst.Status = model.ActionStatus(status)
	inst.Signal = model.Signal(signal)

	if strategyID.Valid {
		inst.StrategyID = &strategyID.Int64
	}
	if alerts.Valid && alerts.String != "" {
		if err := json.Unmarshal([]byte(alerts.String), &inst.Alerts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal alerts: %w", err)
		}
	}
	if receivers.Valid && receivers.String != "" {
		if err := json.Unmarshal([]byte(receivers.String), &inst.Receivers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal receivers: %w", err)
		}
	}
	if channel.Valid {
		inst.Channel = channel.String
	}
	if config.Valid && config.String != "" {
		if err := json.Unmarshal([]byte(config.String), &inst.ExecuteConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execute config: %w", err)
		}
	}
	if endedAt.Valid {
		inst.EndedAt = &endedAt.Time
	}

	return &inst, nil
}

func sqlNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
