// Package command 提供命令抽象与命令分发
//
// 命令由流程管理器（process manager）产出，经 IDispatcher 路由到
// 目标聚合的处理器执行。引擎只依赖 Dispatch 的同步成功/失败语义。
package command

import (
	"time"

	"github.com/google/uuid"

	"gopm/messaging"
)

// Command 命令实现
//
// Command 是 Message 的特化，用于表示系统中的写操作意图。
// 遵循 CQRS 模式，命令不返回结果（或仅返回成功/失败状态）。
//
// 设计原则：
//   - 命令是不可变的
//   - 命令应该是幂等的（基于 ID）——引擎在超时重投递下依赖该性质
//   - 命令包含执行所需的所有信息
//   - 命令针对特定聚合根（通过 AggregateID 标识）
type Command struct {
	messaging.Message // 嵌入 Message，继承所有 IMessage 能力

	// AggregateID 目标聚合根 ID
	// 用于命令路由和并发控制
	AggregateID string `json:"aggregate_id"`

	// AggregateType 目标聚合类型
	// 例如："Account", "Transfer"
	AggregateType string `json:"aggregate_type"`
}

// NewCommand 创建命令
//
// 参数：
//   - commandType: 命令类型（例如："WithdrawMoney", "DepositMoney"）
//   - aggregateID: 目标聚合 ID
//   - aggregateType: 目标聚合类型
//   - payload: 命令数据
//
// 返回：
//   - *Command: 初始化的命令实例（ID 自动生成）
func NewCommand(commandType, aggregateID, aggregateType string, payload interface{}) *Command {
	cmd := &Command{
		Message: messaging.Message{
			ID:        uuid.NewString(),
			Type:      messaging.MessageTypeCommand,
			Timestamp: time.Now(),
			Payload:   payload,
			Metadata:  make(map[string]interface{}),
		},
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
	}

	// 将聚合信息存入元数据，便于中间件访问
	cmd.SetMetadata("aggregate_id", aggregateID)
	cmd.SetMetadata("aggregate_type", aggregateType)
	cmd.SetMetadata("command_type", commandType)

	return cmd
}

// GetAggregateID 获取目标聚合 ID
func (c *Command) GetAggregateID() string {
	return c.AggregateID
}

// GetAggregateType 获取目标聚合类型
func (c *Command) GetAggregateType() string {
	return c.AggregateType
}

// GetCommandType 获取命令类型（便利方法）
func (c *Command) GetCommandType() string {
	if cmdType, ok := c.GetMetadata()["command_type"].(string); ok {
		return cmdType
	}
	return c.Type // 回退到消息类型
}

// WithMetadata 添加元数据（链式调用）
func (c *Command) WithMetadata(key string, value interface{}) *Command {
	c.SetMetadata(key, value)
	return c
}
