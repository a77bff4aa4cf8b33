package procman

import (
	"context"
	"errors"
	"time"

	"gopm/eventing/stream"
)

// Checkpoint 订阅检查点
//
// 记录流程管理器处理事件流的位置，用于进程重启后从上次位置继续。
// 以流程管理器名称为键，位置只会单调推进，且只在一个事件对所有
// 路由到的实例都解决之后推进。
type Checkpoint struct {
	// ProcessName 流程管理器名称（唯一标识）
	ProcessName string `json:"process_name" db:"process_name"`

	// Position 最后完整处理的流位置
	Position int64 `json:"position" db:"position"`

	// StartFrom 首次创建订阅时的起始策略（保留用于诊断）
	StartFrom stream.StartFrom `json:"start_from" db:"start_from"`

	// LastEventID 最后处理的事件ID（幂等性检查）
	LastEventID string `json:"last_event_id" db:"last_event_id"`

	// LastEventTime 最后事件时间（监控和调试）
	LastEventTime time.Time `json:"last_event_time" db:"last_event_time"`

	// UpdatedAt 更新时间
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ICheckpointStore 检查点存储接口
//
// 定义最小化的检查点持久化接口，易于第三方实现。
// 检查点记录遵循单写者约束：订阅名全局唯一保证了同一时刻只有一个
// 协调器写同一条检查点。
//
// 实现建议：
//   - 使用 UPSERT 保证幂等
//   - 保存必须在事件被 Ack 之前完成（重启后宁可重放，不可丢失）
type ICheckpointStore interface {
	// Load 加载检查点
	//
	// 返回：
	//   - *Checkpoint: 检查点数据
	//   - error: ErrCheckpointNotFound 表示不存在，其他错误表示存储失败
	Load(ctx context.Context, processName string) (*Checkpoint, error)

	// Save 保存检查点（应为幂等操作）
	Save(ctx context.Context, checkpoint *Checkpoint) error

	// Delete 删除检查点（不存在不是错误）
	//
	// 用途：
	//   - 重放整个流程前清空检查点
	//   - 删除废弃的流程管理器
	Delete(ctx context.Context, processName string) error
}

// 检查点相关错误
var (
	// ErrCheckpointNotFound 检查点不存在
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrInvalidCheckpoint 无效的检查点数据
	ErrInvalidCheckpoint = errors.New("invalid checkpoint")

	// ErrCheckpointStoreFailed 检查点存储失败
	ErrCheckpointStoreFailed = errors.New("checkpoint store failed")
)

// NewCheckpoint 创建新的检查点
func NewCheckpoint(processName string, position int64, lastEventID string, lastEventTime time.Time) *Checkpoint {
	return &Checkpoint{
		ProcessName:   processName,
		Position:      position,
		LastEventID:   lastEventID,
		LastEventTime: lastEventTime,
		UpdatedAt:     time.Now(),
	}
}

// IsValid 验证检查点数据
func (c *Checkpoint) IsValid() bool {
	return c.ProcessName != "" && c.Position >= 0
}

// Clone 克隆检查点
func (c *Checkpoint) Clone() *Checkpoint {
	clone := *c
	return &clone
}

// Advance 推进检查点位置
//
// 位置只会前进，重复推进到相同或更小的位置是无操作。
func (c *Checkpoint) Advance(position int64, eventID string, eventTime time.Time) bool {
	if position <= c.Position {
		return false
	}
	c.Position = position
	c.LastEventID = eventID
	c.LastEventTime = eventTime
	c.UpdatedAt = time.Now()
	return true
}
