package procman

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gopm/eventing/stream"
)

// SQLCheckpointStore SQL 检查点存储实现
//
// 基于 database/sql 的最小实现，驱动注册责任同 SQLInstanceStore。
//
// 特性：
//   - UPSERT 语义（幂等）
//   - process_name 主键，满足单写者约束下的原子更新
type SQLCheckpointStore struct {
	db        *sql.DB
	tableName string
}

// NewSQLCheckpointStore 创建 SQL 检查点存储
//
// 参数：
//   - db: 数据库实例
//   - tableName: 表名（默认 "process_checkpoints"）
func NewSQLCheckpointStore(db *sql.DB, tableName string) *SQLCheckpointStore {
	if tableName == "" {
		tableName = "process_checkpoints"
	}
	return &SQLCheckpointStore{db: db, tableName: tableName}
}

// EnsureSchema 创建表（幂等）
func (s *SQLCheckpointStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		process_name    TEXT PRIMARY KEY,
		position        INTEGER NOT NULL,
		start_policy    TEXT,
		start_position  INTEGER,
		last_event_id   TEXT,
		last_event_time TIMESTAMP,
		updated_at      TIMESTAMP NOT NULL
	)`, s.tableName)

	_, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return errors.Join(ErrCheckpointStoreFailed, err)
	}
	return nil
}

// Load 加载检查点
func (s *SQLCheckpointStore) Load(ctx context.Context, processName string) (*Checkpoint, error) {
	query := fmt.Sprintf(
		"SELECT process_name, position, start_policy, start_position, last_event_id, last_event_time, updated_at FROM %s WHERE process_name = ?",
		s.tableName)

	var (
		checkpoint    Checkpoint
		startPolicy   sql.NullString
		startPosition sql.NullInt64
		lastEventID   sql.NullString
		lastEventTime sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, processName).Scan(
		&checkpoint.ProcessName,
		&checkpoint.Position,
		&startPolicy,
		&startPosition,
		&lastEventID,
		&lastEventTime,
		&checkpoint.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, errors.Join(ErrCheckpointStoreFailed, err)
	}

	if startPolicy.Valid {
		checkpoint.StartFrom.Policy = stream.StartPolicy(startPolicy.String)
	}
	if startPosition.Valid {
		checkpoint.StartFrom.Position = startPosition.Int64
	}
	if lastEventID.Valid {
		checkpoint.LastEventID = lastEventID.String
	}
	if lastEventTime.Valid {
		checkpoint.LastEventTime = lastEventTime.Time
	}

	return &checkpoint, nil
}

// Save 保存检查点（使用 UPSERT 语义）
func (s *SQLCheckpointStore) Save(ctx context.Context, checkpoint *Checkpoint) error {
	if checkpoint == nil || !checkpoint.IsValid() {
		return ErrInvalidCheckpoint
	}

	checkpoint.UpdatedAt = time.Now()

	query := fmt.Sprintf(`INSERT INTO %s
		(process_name, position, start_policy, start_position, last_event_id, last_event_time, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (process_name) DO UPDATE SET
			position = excluded.position,
			start_policy = excluded.start_policy,
			start_position = excluded.start_position,
			last_event_id = excluded.last_event_id,
			last_event_time = excluded.last_event_time,
			updated_at = excluded.updated_at`, s.tableName)

	_, err := s.db.ExecContext(ctx, query,
		checkpoint.ProcessName,
		checkpoint.Position,
		string(checkpoint.StartFrom.Policy),
		checkpoint.StartFrom.Position,
		checkpoint.LastEventID,
		checkpoint.LastEventTime,
		checkpoint.UpdatedAt,
	)
	if err != nil {
		return errors.Join(ErrCheckpointStoreFailed, err)
	}
	return nil
}

// Delete 删除检查点
func (s *SQLCheckpointStore) Delete(ctx context.Context, processName string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE process_name = ?", s.tableName)

	_, err := s.db.ExecContext(ctx, query, processName)
	if err != nil {
		return errors.Join(ErrCheckpointStoreFailed, err)
	}
	return nil
}

// Ensure SQLCheckpointStore implements ICheckpointStore
var _ ICheckpointStore = (*SQLCheckpointStore)(nil)
