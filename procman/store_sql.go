package procman

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLInstanceStore SQL 实例存储实现
//
// 基于 database/sql 的最小实现。调用方必须确保所用驱动已通过空导入
// 注册（例如在应用或测试层 `_ "modernc.org/sqlite"`）。
//
// 特性：
//   - UPSERT 语义（幂等）
//   - (process_name, instance_id) 复合主键，单行读改写原子
//   - 线程安全（database/sql 连接池）
type SQLInstanceStore struct {
	db        *sql.DB
	tableName string
}

// NewSQLInstanceStore 创建 SQL 实例存储
//
// 参数：
//   - db: 数据库实例
//   - tableName: 表名（默认 "process_instances"）
func NewSQLInstanceStore(db *sql.DB, tableName string) *SQLInstanceStore {
	if tableName == "" {
		tableName = "process_instances"
	}
	return &SQLInstanceStore{db: db, tableName: tableName}
}

// EnsureSchema 创建表（幂等，开发与测试环境使用；生产建议走迁移）
func (s *SQLInstanceStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		process_name  TEXT NOT NULL,
		instance_id   TEXT NOT NULL,
		state         BLOB,
		status        TEXT NOT NULL,
		last_position BIGINT NOT NULL DEFAULT 0,
		updated_at    TIMESTAMP NOT NULL,
		PRIMARY KEY (process_name, instance_id)
	)`, s.tableName)

	_, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return errors.Join(ErrInstanceStoreFailed, err)
	}
	return nil
}

// Load 加载实例记录
func (s *SQLInstanceStore) Load(ctx context.Context, processName, instanceID string) (*InstanceRecord, error) {
	query := fmt.Sprintf(
		"SELECT instance_id, state, status, last_position, updated_at FROM %s WHERE process_name = ? AND instance_id = ?",
		s.tableName)

	var record InstanceRecord
	err := s.db.QueryRowContext(ctx, query, processName, instanceID).Scan(
		&record.InstanceID,
		&record.State,
		&record.Status,
		&record.LastPosition,
		&record.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, errors.Join(ErrInstanceStoreFailed, err)
	}

	return &record, nil
}

// Save 保存实例记录（使用 UPSERT 语义）
func (s *SQLInstanceStore) Save(ctx context.Context, processName string, record *InstanceRecord) error {
	if processName == "" || !record.IsValid() {
		return ErrInvalidInstance
	}

	record.UpdatedAt = time.Now()

	query := fmt.Sprintf(`INSERT INTO %s (process_name, instance_id, state, status, last_position, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (process_name, instance_id) DO UPDATE SET
			state = excluded.state,
			status = excluded.status,
			last_position = excluded.last_position,
			updated_at = excluded.updated_at`, s.tableName)

	_, err := s.db.ExecContext(ctx, query,
		processName, record.InstanceID, []byte(record.State), record.Status, record.LastPosition, record.UpdatedAt)
	if err != nil {
		return errors.Join(ErrInstanceStoreFailed, err)
	}
	return nil
}

// Delete 删除实例记录
func (s *SQLInstanceStore) Delete(ctx context.Context, processName, instanceID string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE process_name = ? AND instance_id = ?", s.tableName)

	_, err := s.db.ExecContext(ctx, query, processName, instanceID)
	if err != nil {
		return errors.Join(ErrInstanceStoreFailed, err)
	}
	return nil
}

// List 列出实例记录
func (s *SQLInstanceStore) List(ctx context.Context, processName string) ([]*InstanceRecord, error) {
	query := fmt.Sprintf(
		"SELECT instance_id, state, status, last_position, updated_at FROM %s WHERE process_name = ? ORDER BY instance_id",
		s.tableName)

	rows, err := s.db.QueryContext(ctx, query, processName)
	if err != nil {
		return nil, errors.Join(ErrInstanceStoreFailed, err)
	}
	defer rows.Close()

	var result []*InstanceRecord
	for rows.Next() {
		var record InstanceRecord
		if err := rows.Scan(&record.InstanceID, &record.State, &record.Status, &record.LastPosition, &record.UpdatedAt); err != nil {
			return nil, errors.Join(ErrInstanceStoreFailed, err)
		}
		result = append(result, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrInstanceStoreFailed, err)
	}

	return result, nil
}

// Ensure SQLInstanceStore implements IInstanceStore
var _ IInstanceStore = (*SQLInstanceStore)(nil)
