// Package procman 提供流程管理器（process manager）引擎
//
// 流程管理器是一种有状态的编排器：订阅领域事件流，把事件路由到按
// 业务标识区分的流程实例上，实例根据事件演进自身状态并向外部聚合
// 发出命令。引擎负责：
//   - 事件到实例的路由与扇出（Interest 解析）
//   - 每实例串行的状态演进（至少一次投递下的重试安全）
//   - 实例状态与订阅检查点的持久化
//   - 失败监督（命令分发失败、处理器异常、处理超时）与可插拔的
//     重试/跳过/终止策略
//
// 引擎不关心聚合如何校验业务规则，也不关心事件存储如何实现持久化，
// 只依赖 stream.IEventStream 与 command.IDispatcher 两个边界契约。
package procman

import (
	"time"

	"gopm/eventing"
	"gopm/messaging/command"
)

// Action 路由动作
type Action string

const (
	// ActionStart 创建新实例并处理该事件
	ActionStart Action = "start"

	// ActionContinue 加载已有实例并处理该事件
	ActionContinue Action = "continue"

	// ActionStop 处理该事件后删除实例持久化状态并终止实例
	ActionStop Action = "stop"
)

// Routing 事件到实例的路由
//
// 一个事件可以路由到零个、一个或多个实例（扇出）。
type Routing struct {
	InstanceID string
	Action     Action
}

// RouteStart 构造 start 路由
func RouteStart(instanceID string) Routing {
	return Routing{InstanceID: instanceID, Action: ActionStart}
}

// RouteContinue 构造 continue 路由
func RouteContinue(instanceID string) Routing {
	return Routing{InstanceID: instanceID, Action: ActionContinue}
}

// RouteStop 构造 stop 路由
func RouteStop(instanceID string) Routing {
	return Routing{InstanceID: instanceID, Action: ActionStop}
}

// IDefinition 流程管理器定义接口
//
// 每种流程管理器类型实现一次，引擎按定义驱动任意数量的实例。
//
// 实现约定：
//   - Name 在整个部署内必须全局唯一（作为订阅名与检查点键）
//   - Interested 必须是纯函数，不得有副作用
//   - Handle 产出的命令顺序就是分发顺序，必须保持确定性
//   - Apply 必须是纯函数；同一事件在一次处理尝试内只会被 Apply 一次
//   - 在至少一次投递模型下，Handle 产出的命令必须幂等或可安全重试
type IDefinition interface {
	// Name 返回流程管理器名称（订阅名/检查点键，全局唯一）
	Name() string

	// NewState 返回新实例的默认状态
	//
	// 必须返回指针类型，引擎用它反序列化持久化状态。
	NewState() interface{}

	// Interested 解析事件的路由
	//
	// 返回：
	//   - []Routing: 路由列表，空表示忽略该事件（检查点仍会推进）
	Interested(event eventing.IEvent) []Routing

	// Handle 根据当前状态与事件计算待分发的命令
	//
	// 参数：
	//   - state: 实例当前状态（NewState 返回的类型）
	//   - event: 路由到该实例的事件
	//
	// 返回：
	//   - []*command.Command: 按分发顺序排列的命令（可为空）
	//   - error: 处理失败错误（进入错误策略，HandlerFailure）
	Handle(state interface{}, event eventing.IEvent) ([]*command.Command, error)

	// Apply 根据事件演进状态
	//
	// 与 Handle 是否产出命令无关，Apply 总会被调用一次。
	// 默认实现返回原状态（恒等）。
	Apply(state interface{}, event eventing.IEvent) interface{}
}

// IErrorHandler 可选的错误策略接口
//
// 定义实现该接口后，Handle/Apply 异常与命令分发失败会交由 OnError
// 决策；未实现时引擎使用默认策略：Stop(原始错误)。
//
// 注意：
//   - 处理超时（TimeoutExceeded）不经过该接口，始终强制终止
//   - OnError 自身 panic 会被视为 Stop
type IErrorHandler interface {
	// OnError 决定失败的恢复方式
	//
	// 参数：
	//   - err: 原始错误
	//   - item: 失败项（命令分发失败时携带命令，处理器失败时仅携带事件）
	//   - fctx: 本次事件处理的失败上下文（跨重试累积，事件间不保留）
	//
	// 返回：
	//   - Resolution: 恢复决策（见 resolution.go）
	OnError(err error, item FailedItem, fctx *FailureContext) Resolution
}

// ITimeoutPolicy 可选的实例级超时接口
//
// 定义实现该接口后，实例运行时启动时会用 InstanceTimeout 的返回值
// 覆盖协调器配置的 EventTimeout；未实现或返回 0 时使用配置默认值。
type ITimeoutPolicy interface {
	// InstanceTimeout 返回该实例的单事件处理时限（0 表示使用默认时限）
	InstanceTimeout(instanceID string) time.Duration
}

// FailedItem 失败项
//
// Command 为 nil 表示失败发生在 Handle/Apply 阶段，
// 否则表示该命令分发失败。
type FailedItem struct {
	Command *command.Command
	Event   eventing.IEvent
}

// IsDispatch 是否为命令分发失败
func (f FailedItem) IsDispatch() bool {
	return f.Command != nil
}
