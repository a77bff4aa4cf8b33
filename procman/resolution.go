package procman

import (
	"time"

	"gopm/messaging/command"
)

// ResolutionKind 错误恢复决策类型
type ResolutionKind string

const (
	// ResolutionRetry 立即重试失败的命令（或失败的处理器步骤）
	ResolutionRetry ResolutionKind = "retry"

	// ResolutionRetryAfter 延迟后重试；延迟只挂起该实例，不阻塞其他实例
	ResolutionRetryAfter ResolutionKind = "retry_after"

	// ResolutionSkipDiscardPending 丢弃失败命令及其后所有待分发命令，
	// 事件按已计算的状态正常落盘并视为已解决
	ResolutionSkipDiscardPending ResolutionKind = "skip_discard_pending"

	// ResolutionSkipContinuePending 仅丢弃失败命令，继续分发其余命令
	ResolutionSkipContinuePending ResolutionKind = "skip_continue_pending"

	// ResolutionContinue 用新队列替换剩余待分发命令并继续分发
	ResolutionContinue ResolutionKind = "continue"

	// ResolutionStop 终止实例：不再分发命令，本事件的状态变更不落盘，
	// 实例移出活跃集合，原因上报监督层
	ResolutionStop ResolutionKind = "stop"
)

// Resolution 错误恢复决策
//
// 由 IErrorHandler.OnError 返回，引擎据此继续处理当前事件。
// 字段含义随 Kind 不同：
//   - Context: retry/retry_after/continue 时替换失败上下文的自由字典
//   - Delay: 仅 retry_after 使用
//   - Commands: 仅 continue 使用，替换整个剩余命令队列
//   - Reason: 仅 stop 使用，终止原因
type Resolution struct {
	Kind     ResolutionKind
	Delay    time.Duration
	Context  map[string]interface{}
	Commands []*command.Command
	Reason   error
}

// Retry 立即重试，context 替换失败上下文（nil 表示保留现有上下文）
func Retry(context map[string]interface{}) Resolution {
	return Resolution{Kind: ResolutionRetry, Context: context}
}

// RetryAfter 延迟 delay 后重试
func RetryAfter(delay time.Duration, context map[string]interface{}) Resolution {
	return Resolution{Kind: ResolutionRetryAfter, Delay: delay, Context: context}
}

// SkipDiscardPending 丢弃失败命令与全部剩余命令
func SkipDiscardPending() Resolution {
	return Resolution{Kind: ResolutionSkipDiscardPending}
}

// SkipContinuePending 仅丢弃失败命令，继续剩余命令
func SkipContinuePending() Resolution {
	return Resolution{Kind: ResolutionSkipContinuePending}
}

// ContinueWith 用 commands 替换剩余队列并继续分发
func ContinueWith(commands []*command.Command, context map[string]interface{}) Resolution {
	return Resolution{Kind: ResolutionContinue, Commands: commands, Context: context}
}

// Stop 终止实例
//
// 默认错误策略：保留原始错误原因，快速失败并依赖外部监督重启；
// 由于检查点未推进，事件会被重新投递，即使没有自定义策略也能获得
// 统一的至少一次重试路径。
func Stop(reason error) Resolution {
	return Resolution{Kind: ResolutionStop, Reason: reason}
}
