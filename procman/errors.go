package procman

import (
	"errors"
	"fmt"
)

// FailureCode 引擎失败分类码
type FailureCode string

// 失败分类（传播策略见各构造函数注释）
const (
	// FailureCodeHandler Handle/Apply 阶段抛出的错误（经错误策略）
	FailureCodeHandler FailureCode = "HANDLER_FAILURE"

	// FailureCodeDispatch 命令被外部分发器拒绝（经错误策略）
	FailureCodeDispatch FailureCode = "DISPATCH_FAILURE"

	// FailureCodeInstanceNotFound continue 路由到不存在的实例（经错误策略，默认 stop）
	FailureCodeInstanceNotFound FailureCode = "INSTANCE_NOT_FOUND"

	// FailureCodeTimeout 处理超时（绕过错误策略，强制终止）
	FailureCodeTimeout FailureCode = "TIMEOUT_EXCEEDED"

	// FailureCodeConfiguration 配置错误（启动期致命，不可重试）
	FailureCodeConfiguration FailureCode = "CONFIGURATION_ERROR"
)

// EngineError 引擎错误
//
// 携带失败分类码与定位信息（流程名/实例ID），Cause 保留原始错误，
// 保证操作者拿到完整的诊断信息。
type EngineError struct {
	Code        FailureCode
	Message     string
	ProcessName string
	InstanceID  string
	Cause       error
}

func (e *EngineError) Error() string {
	where := e.ProcessName
	if e.InstanceID != "" {
		where = fmt.Sprintf("%s/%s", e.ProcessName, e.InstanceID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s [%s] (cause: %v)", e.Code, e.Message, where, e.Cause)
	}
	return fmt.Sprintf("%s: %s [%s]", e.Code, e.Message, where)
}

func (e *EngineError) Unwrap() error { return e.Cause }

// Is 实现 errors.Is 接口，基于失败分类码匹配
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// 哨兵错误
var (
	// ErrInstanceNotFound 实例不存在（由 IInstanceStore.Load 返回）
	ErrInstanceNotFound = errors.New("process instance not found")

	// ErrInvalidInstance 无效的实例数据
	ErrInvalidInstance = errors.New("invalid process instance")

	// ErrInstanceStoreFailed 实例存储失败
	ErrInstanceStoreFailed = errors.New("instance store failed")

	// ErrCoordinatorStopped 协调器已停止
	ErrCoordinatorStopped = errors.New("coordinator stopped")
)

// NewHandlerFailure 创建处理器失败错误
func NewHandlerFailure(processName, instanceID string, cause error) *EngineError {
	return &EngineError{
		Code:        FailureCodeHandler,
		Message:     "handler raised an error",
		ProcessName: processName,
		InstanceID:  instanceID,
		Cause:       cause,
	}
}

// NewDispatchFailure 创建命令分发失败错误
func NewDispatchFailure(processName, instanceID, commandType string, cause error) *EngineError {
	return &EngineError{
		Code:        FailureCodeDispatch,
		Message:     fmt.Sprintf("dispatch of command %s failed", commandType),
		ProcessName: processName,
		InstanceID:  instanceID,
		Cause:       cause,
	}
}

// NewInstanceNotFoundFailure 创建实例不存在错误
func NewInstanceNotFoundFailure(processName, instanceID string) *EngineError {
	return &EngineError{
		Code:        FailureCodeInstanceNotFound,
		Message:     "continue routed to a non-existent instance",
		ProcessName: processName,
		InstanceID:  instanceID,
		Cause:       ErrInstanceNotFound,
	}
}

// NewTimeoutFailure 创建处理超时错误
//
// 超时不经过错误策略：实例的本次尝试被强制终止，检查点不推进，
// 依赖外部监督重启后重新投递同一事件。
func NewTimeoutFailure(processName, instanceID string, cause error) *EngineError {
	return &EngineError{
		Code:        FailureCodeTimeout,
		Message:     "event processing deadline exceeded",
		ProcessName: processName,
		InstanceID:  instanceID,
		Cause:       cause,
	}
}

// NewConfigurationError 创建配置错误
//
// 启动期致命错误（例如订阅名重复），立即上抛，永不重试。
func NewConfigurationError(processName, message string, cause error) *EngineError {
	return &EngineError{
		Code:        FailureCodeConfiguration,
		Message:     message,
		ProcessName: processName,
		Cause:       cause,
	}
}

// IsConfigurationError 判断是否为配置错误（监督层据此决定不重启）
func IsConfigurationError(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee) && ee.Code == FailureCodeConfiguration
}

// IsTimeoutFailure 判断是否为处理超时
func IsTimeoutFailure(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee) && ee.Code == FailureCodeTimeout
}
