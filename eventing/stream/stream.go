// Package stream 提供有序事件流的订阅抽象
//
// 事件流是一个持久的、按提交顺序排列的事件日志。订阅者以命名的
// 持久订阅接入流，按顺序接收事件，并在事件被完整处理后 Ack 位置。
// 流实现（内存、NATS JetStream 等）必须保证：
//   - 同一订阅内事件按提交顺序投递
//   - 未 Ack 的位置在订阅重建后会被重新投递（至少一次语义）
package stream

import (
	"context"
	"errors"

	"gopm/eventing"
)

// StartPolicy 订阅起始策略
type StartPolicy string

const (
	// StartFromOrigin 从流的起点开始（重放全部历史事件）
	StartFromOrigin StartPolicy = "origin"

	// StartFromCurrent 仅接收订阅创建之后提交的事件
	StartFromCurrent StartPolicy = "current"

	// StartFromExact 从指定位置之后开始
	StartFromExact StartPolicy = "exact"
)

// StartFrom 订阅起始位置
type StartFrom struct {
	Policy StartPolicy `json:"policy"`

	// Position 仅在 Policy 为 StartFromExact 时有意义，
	// 表示从该位置（不含）之后开始投递。
	Position int64 `json:"position,omitempty"`
}

// FromOrigin 从头订阅
func FromOrigin() StartFrom {
	return StartFrom{Policy: StartFromOrigin}
}

// FromCurrent 从当前位置订阅
func FromCurrent() StartFrom {
	return StartFrom{Policy: StartFromCurrent}
}

// FromPosition 从指定位置之后订阅
func FromPosition(position int64) StartFrom {
	return StartFrom{Policy: StartFromExact, Position: position}
}

// StreamEvent 带位置的流事件
//
// Position 是事件在流中的提交位置（单调递增），
// 订阅者处理完成后以该位置进行 Ack。
type StreamEvent struct {
	Position int64
	Event    eventing.IEvent
}

// ISubscription 流订阅
//
// 订阅者从 Events() 按顺序读取事件，处理完成后调用 Ack。
// 订阅关闭后实现不得再投递事件；通道是否被 close 由实现决定，
// 消费方需同时监听自身的取消信号。
type ISubscription interface {
	// Events 返回按序投递的事件通道
	Events() <-chan StreamEvent

	// Ack 确认位置（含）之前的事件已被完整处理
	//
	// 参数：
	//   - ctx: 上下文
	//   - position: 已处理的流位置
	//
	// 返回：
	//   - error: 确认失败错误
	Ack(ctx context.Context, position int64) error

	// Err 返回导致订阅终止的错误（正常关闭时为 nil）
	Err() error

	// Close 关闭订阅并释放订阅名
	Close() error
}

// IEventStream 事件流接口
//
// Subscribe 创建一个命名的持久订阅。订阅名在同一部署内必须全局唯一：
// 两个订阅者共享同一名字会在同一检查点上竞争，属于致命配置错误，
// 实现应返回 ErrSubscriptionNameTaken 而不是在运行时容忍。
type IEventStream interface {
	Subscribe(ctx context.Context, name string, from StartFrom) (ISubscription, error)
}

// 流相关错误
var (
	// ErrSubscriptionNameTaken 订阅名已被占用（致命配置错误）
	ErrSubscriptionNameTaken = errors.New("subscription name already taken")

	// ErrInvalidStartFrom 无效的起始位置配置
	ErrInvalidStartFrom = errors.New("invalid start-from configuration")

	// ErrStreamClosed 流已关闭
	ErrStreamClosed = errors.New("event stream closed")
)
