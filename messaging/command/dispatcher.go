package command

import (
	"context"
	"sync"

	"gopm/logging"
)

// IDispatcher 命令分发器接口
//
// 流程管理引擎消费的最小契约：同步分发一条命令并得到成功/失败。
// Dispatch 返回 nil 表示命令已被目标聚合成功执行；返回 error 表示
// 分发失败（处理器缺失、业务拒绝、执行异常等），错误原因对引擎不透明。
//
// 注意：
//   - Dispatch 必须是同步语义——引擎在收到结果前不会分发队列中的下一条命令。
//   - 在引擎的至少一次投递模型下，命令处理器必须幂等或可安全重试。
type IDispatcher interface {
	// Dispatch 分发命令
	//
	// 参数：
	//   - ctx: 上下文（携带引擎的处理超时）
	//   - cmd: 待分发的命令
	//
	// 返回：
	//   - error: 分发失败错误（通常为 *CommandError）
	Dispatch(ctx context.Context, cmd *Command) error
}

// DispatcherFunc 函数式分发器适配器
type DispatcherFunc func(ctx context.Context, cmd *Command) error

// Dispatch 实现 IDispatcher 接口
func (f DispatcherFunc) Dispatch(ctx context.Context, cmd *Command) error {
	return f(ctx, cmd)
}

// CommandHandlerFunc 命令处理函数类型
type CommandHandlerFunc func(ctx context.Context, cmd *Command) error

// Router 同步命令路由器
//
// Router 是 IDispatcher 的内置实现：按命令类型将命令路由到已注册的
// 处理函数并同步执行。它不经过任何传输层，Dispatch 的返回值可靠地
// 反映 handler 的业务执行结果——这正是流程管理引擎要求的错误语义。
//
// 特性：
//   - 按命令类型注册/替换处理器
//   - 同步执行，错误直接回传
//   - 并发安全
type Router struct {
	handlers map[string]CommandHandlerFunc
	mutex    sync.RWMutex
	logger   logging.Logger
}

// NewRouter 创建命令路由器
func NewRouter() *Router {
	return &Router{
		handlers: make(map[string]CommandHandlerFunc),
		logger:   logging.ComponentLogger("messaging.command.router"),
	}
}

// RegisterHandler 注册命令处理器
//
// 同类型的已有处理器会被替换。
//
// 参数：
//   - commandType: 命令类型（例如："WithdrawMoney"）
//   - handler: 命令处理函数
//
// 返回：
//   - error: 注册失败时返回错误
func (r *Router) RegisterHandler(commandType string, handler CommandHandlerFunc) error {
	if commandType == "" {
		return NewInvalidCommandError(commandType, "command type cannot be empty")
	}
	if handler == nil {
		return NewInvalidCommandError(commandType, "handler cannot be nil")
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.handlers[commandType] = handler
	return nil
}

// Dispatch 分发命令
//
// 根据命令的 command_type 元数据路由到对应处理器并同步执行。
func (r *Router) Dispatch(ctx context.Context, cmd *Command) error {
	if cmd == nil {
		return NewInvalidCommandError("", "command cannot be nil")
	}

	commandType := cmd.GetCommandType()

	r.mutex.RLock()
	handler, exists := r.handlers[commandType]
	r.mutex.RUnlock()

	if !exists {
		return NewCommandHandlerNotFoundError(commandType)
	}

	if err := handler(ctx, cmd); err != nil {
		r.logger.Debug(ctx, "命令执行失败",
			logging.String("command_type", commandType),
			logging.String("aggregate_id", cmd.AggregateID),
			logging.Error(err))

		// 已经是 CommandError 的直接透传，保留原始错误码
		if _, ok := err.(*CommandError); ok {
			return err
		}
		return NewCommandExecutionFailedError(commandType, err)
	}

	return nil
}

// HandlerCount 返回已注册处理器数量（监控用）
func (r *Router) HandlerCount() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return len(r.handlers)
}

// Ensure Router implements IDispatcher
var _ IDispatcher = (*Router)(nil)
