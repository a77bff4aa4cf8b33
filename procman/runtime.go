package procman

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gopm/eventing"
	"gopm/logging"
	"gopm/messaging/command"
)

// resultKind 实例对一个事件的解决结果类型
type resultKind string

const (
	// resultResolved 事件已解决（成功或跳过），检查点可以推进
	resultResolved resultKind = "resolved"

	// resultStopped 策略终止实例；对该实例是终态，但检查点仍会推进
	resultStopped resultKind = "stopped"

	// resultTimeout 处理超时；检查点不推进，事件等待重投递
	resultTimeout resultKind = "timeout"
)

// instanceResult 一次事件处理的结果
type instanceResult struct {
	Kind resultKind

	// Reason 终止或超时原因
	Reason error

	// Deleted 实例持久化状态是否已被删除（stop 路由）
	Deleted bool
}

// instanceTask 路由到实例的一次事件处理任务
type instanceTask struct {
	ctx      context.Context
	routing  Routing
	event    eventing.IEvent
	position int64
	result   chan instanceResult
}

// instanceRuntime 单实例运行时
//
// 每个活跃 instance_id 对应一个运行时（一个 goroutine + 信箱），
// 实例的所有事件处理在该 goroutine 内串行执行——绝不允许两个
// 写者并发修改同一实例的状态。不同实例的运行时相互独立并行。
type instanceRuntime struct {
	def        IDefinition
	dispatcher command.IDispatcher
	store      IInstanceStore
	logger     logging.Logger
	instanceID string

	mailbox chan *instanceTask
}

func newInstanceRuntime(def IDefinition, dispatcher command.IDispatcher, store IInstanceStore, logger logging.Logger, instanceID string) *instanceRuntime {
	rt := &instanceRuntime{
		def:        def,
		dispatcher: dispatcher,
		store:      store,
		logger: logger.WithFields(
			logging.String("process", def.Name()),
			logging.String("instance_id", instanceID)),
		instanceID: instanceID,
		mailbox:    make(chan *instanceTask, 1),
	}
	go rt.loop()
	return rt
}

// submit 投递任务到实例信箱
func (rt *instanceRuntime) submit(task *instanceTask) {
	rt.mailbox <- task
}

// shutdown 关闭信箱，运行时 goroutine 随之退出
func (rt *instanceRuntime) shutdown() {
	close(rt.mailbox)
}

func (rt *instanceRuntime) loop() {
	for task := range rt.mailbox {
		task.result <- rt.processEvent(task.ctx, task.routing, task.event, task.position)
	}
}

// processEvent 处理路由到该实例的一个事件
//
// 处理流程：
//  1. 按路由动作创建/加载实例
//  2. Handle 计算命令队列（顺序即分发顺序）
//  3. Apply 计算新状态（每事件恰好一次；重试不会重复 Apply）
//  4. 按序分发命令，遇失败咨询错误策略
//  5. 全部成功后落盘新状态，清空失败上下文，向协调器报告已解决
//
// 失败上下文以本次事件为作用域；超时随时生效并绕过错误策略。
func (rt *instanceRuntime) processEvent(ctx context.Context, routing Routing, event eventing.IEvent, position int64) instanceResult {
	fctx := newFailureContext()

	// 1. 创建/加载
	inst, res, done := rt.prepareInstance(ctx, routing, event, position, fctx)
	if done {
		return res
	}

	// 2+3. Handle + Apply（单次计算，结果暂存，落盘推迟到分发完成之后）
	pending, nextState, res, done := rt.computeStep(ctx, inst, event, fctx)
	if done {
		return res
	}
	inst.PendingCommands = pending

	// 4. 按序分发
	res, done = rt.dispatchStep(ctx, inst, event, fctx)
	if done {
		return res
	}

	// 5. 落盘
	inst.State = nextState
	inst.LastPosition = position
	return rt.persistStep(ctx, inst, routing, event, fctx)
}

// prepareInstance 按路由动作创建或加载实例
//
// 对所有动作都先读取已有记录做实例级重投递守卫：扇出事件因其他
// 实例未解决（检查点未推进）而被重投递时，已完整处理过该位置的
// 实例直接解决，绝不重复 Handle/Apply。
func (rt *instanceRuntime) prepareInstance(ctx context.Context, routing Routing, event eventing.IEvent, position int64, fctx *FailureContext) (*Instance, instanceResult, bool) {
	for {
		if timedOut(ctx) {
			return nil, rt.timeoutResult(ctx), true
		}

		record, err := rt.store.Load(ctx, rt.def.Name(), routing.InstanceID)
		if err == nil {
			// 实例级重投递守卫
			if position > 0 && record.LastPosition >= position {
				return nil, instanceResult{Kind: resultResolved}, true
			}
			switch {
			case routing.Action == ActionStart:
				// start 总是从默认状态开始，残留记录会被新状态覆盖
				return rt.freshInstance(routing.InstanceID), instanceResult{}, false
			case record.Status == InstanceStatusStopped && routing.Action == ActionStop:
				// 已终止实例的 stop 路由只负责清理保留的记录
				if delErr := rt.store.Delete(ctx, rt.def.Name(), routing.InstanceID); delErr != nil && !errors.Is(delErr, ErrInstanceNotFound) {
					err = delErr
				} else {
					return nil, instanceResult{Kind: resultResolved, Deleted: true}, true
				}
			case record.Status == InstanceStatusStopped:
				// 已终止实例不再接收 continue 事件
				return nil, instanceResult{Kind: resultResolved}, true
			default:
				inst, decodeErr := decodeInstance(rt.def, record)
				if decodeErr == nil {
					return inst, instanceResult{}, false
				}
				err = fmt.Errorf("decode instance state: %w", decodeErr)
			}
		} else if errors.Is(err, ErrInstanceNotFound) {
			if routing.Action == ActionStart {
				return rt.freshInstance(routing.InstanceID), instanceResult{}, false
			}
			// stop 路由到不存在的实例是无操作
			if routing.Action == ActionStop {
				return nil, instanceResult{Kind: resultResolved}, true
			}
			err = NewInstanceNotFoundFailure(rt.def.Name(), routing.InstanceID)
		}

		resolution := rt.resolve(ctx, err, FailedItem{Event: event}, fctx)
		switch resolution.Kind {
		case ResolutionRetry, ResolutionRetryAfter:
			if waitErr := rt.waitRetry(ctx, resolution.Delay); waitErr != nil {
				return nil, rt.timeoutResult(ctx), true
			}
			continue
		case ResolutionSkipDiscardPending, ResolutionSkipContinuePending, ResolutionContinue:
			// 无实例可继续，事件对该实例视为已解决
			return nil, instanceResult{Kind: resultResolved}, true
		default:
			return nil, rt.stoppedResult(ctx, nil, resolution, err), true
		}
	}
}

func (rt *instanceRuntime) freshInstance(instanceID string) *Instance {
	return &Instance{
		InstanceID: instanceID,
		State:      rt.def.NewState(),
		Status:     InstanceStatusActive,
	}
}

// computeStep 运行 Handle 与 Apply，遇失败咨询错误策略
//
// retry 重新执行整个处理器步骤（此时尚无任何副作用，重算是安全的）；
// 一旦本步骤成功返回，同一事件的后续重试不会再进入这里。
func (rt *instanceRuntime) computeStep(ctx context.Context, inst *Instance, event eventing.IEvent, fctx *FailureContext) ([]*command.Command, interface{}, instanceResult, bool) {
	for {
		if timedOut(ctx) {
			return nil, nil, rt.timeoutResult(ctx), true
		}

		pending, nextState, err := rt.computeOnce(inst, event)
		if err == nil {
			return pending, nextState, instanceResult{}, false
		}

		resolution := rt.resolve(ctx, err, FailedItem{Event: event}, fctx)
		switch resolution.Kind {
		case ResolutionRetry, ResolutionRetryAfter:
			if waitErr := rt.waitRetry(ctx, resolution.Delay); waitErr != nil {
				return nil, nil, rt.timeoutResult(ctx), true
			}
			continue
		case ResolutionSkipDiscardPending, ResolutionSkipContinuePending:
			// 处理器步骤被跳过：无命令，状态保持不变
			return nil, inst.State, instanceResult{}, false
		case ResolutionContinue:
			// 用策略给出的队列替换命令，状态保持不变
			return resolution.Commands, inst.State, instanceResult{}, false
		default:
			return nil, nil, rt.stoppedResult(ctx, inst, resolution, err), true
		}
	}
}

// computeOnce 执行一次 Handle + Apply，panic 统一折叠为 HandlerFailure
func (rt *instanceRuntime) computeOnce(inst *Instance, event eventing.IEvent) (pending []*command.Command, nextState interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewHandlerFailure(rt.def.Name(), inst.InstanceID, fmt.Errorf("panic: %v", r))
		}
	}()

	commands, handleErr := rt.def.Handle(inst.State, event)
	if handleErr != nil {
		return nil, nil, NewHandlerFailure(rt.def.Name(), inst.InstanceID, handleErr)
	}
	// Apply 与 Handle 是否产出命令无关，总会执行一次
	nextState = rt.def.Apply(inst.State, event)
	return commands, nextState, nil
}

// dispatchStep 严格按序分发待处理命令，在第一个失败处停下咨询策略
func (rt *instanceRuntime) dispatchStep(ctx context.Context, inst *Instance, event eventing.IEvent, fctx *FailureContext) (instanceResult, bool) {
	for len(inst.PendingCommands) > 0 {
		if timedOut(ctx) {
			return rt.timeoutResult(ctx), true
		}

		cmd := inst.PendingCommands[0]
		err := rt.dispatcher.Dispatch(ctx, cmd)
		if err == nil {
			inst.PendingCommands = inst.PendingCommands[1:]
			continue
		}
		if timedOut(ctx) {
			return rt.timeoutResult(ctx), true
		}

		failure := NewDispatchFailure(rt.def.Name(), inst.InstanceID, cmd.GetCommandType(), err)
		resolution := rt.resolve(ctx, failure, FailedItem{Command: cmd, Event: event}, fctx)
		switch resolution.Kind {
		case ResolutionRetry, ResolutionRetryAfter:
			// 仅重新分发失败的命令；Apply 不会被重新执行
			if waitErr := rt.waitRetry(ctx, resolution.Delay); waitErr != nil {
				return rt.timeoutResult(ctx), true
			}
			continue
		case ResolutionSkipDiscardPending:
			inst.PendingCommands = nil
		case ResolutionSkipContinuePending:
			inst.PendingCommands = inst.PendingCommands[1:]
		case ResolutionContinue:
			inst.PendingCommands = resolution.Commands
		default:
			return rt.stoppedResult(ctx, inst, resolution, failure), true
		}
	}
	return instanceResult{}, false
}

// persistStep 落盘（stop 路由删除持久化状态并进入终态）
func (rt *instanceRuntime) persistStep(ctx context.Context, inst *Instance, routing Routing, event eventing.IEvent, fctx *FailureContext) instanceResult {
	for {
		if timedOut(ctx) {
			return rt.timeoutResult(ctx)
		}

		var err error
		if routing.Action == ActionStop {
			err = rt.store.Delete(ctx, rt.def.Name(), inst.InstanceID)
		} else {
			var record *InstanceRecord
			record, err = encodeInstance(inst)
			if err == nil {
				err = rt.store.Save(ctx, rt.def.Name(), record)
			}
		}
		if err == nil {
			break
		}

		resolution := rt.resolve(ctx, err, FailedItem{Event: event}, fctx)
		switch resolution.Kind {
		case ResolutionRetry, ResolutionRetryAfter:
			if waitErr := rt.waitRetry(ctx, resolution.Delay); waitErr != nil {
				return rt.timeoutResult(ctx)
			}
			continue
		default:
			return rt.stoppedResult(ctx, inst, resolution, err)
		}
	}

	if routing.Action == ActionStop {
		inst.Status = InstanceStatusStopped
		rt.logger.Info(ctx, "实例已按路由终止并删除状态",
			logging.String("event_type", event.GetType()))
		return instanceResult{Kind: resultResolved, Deleted: true}
	}
	return instanceResult{Kind: resultResolved}
}

// resolve 咨询错误策略
//
// 未实现 IErrorHandler 的定义使用默认策略：Stop(原始错误)。
// OnError 自身 panic 也折叠为 Stop。
func (rt *instanceRuntime) resolve(ctx context.Context, err error, item FailedItem, fctx *FailureContext) Resolution {
	fctx.recordFailure(item, err)

	handler, ok := rt.def.(IErrorHandler)
	if !ok {
		return Stop(err)
	}

	resolution := rt.safeOnError(handler, err, item, fctx)
	switch resolution.Kind {
	case ResolutionRetry, ResolutionRetryAfter, ResolutionContinue:
		fctx.replaceContext(resolution.Context)
	}

	rt.logger.Debug(ctx, "错误策略给出恢复决策",
		logging.String("resolution", string(resolution.Kind)),
		logging.Int("attempt", fctx.AttemptCount),
		logging.Error(err))
	return resolution
}

func (rt *instanceRuntime) safeOnError(handler IErrorHandler, err error, item FailedItem, fctx *FailureContext) (resolution Resolution) {
	defer func() {
		if r := recover(); r != nil {
			resolution = Stop(fmt.Errorf("error handler panic: %v (original: %w)", r, err))
		}
	}()
	return handler.OnError(err, item, fctx)
}

// waitRetry 挂起当前实例 delay 时长（不阻塞其他实例）
func (rt *instanceRuntime) waitRetry(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		// 即便无延迟也检查一次取消
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rt *instanceRuntime) timeoutResult(ctx context.Context) instanceResult {
	return instanceResult{
		Kind:   resultTimeout,
		Reason: NewTimeoutFailure(rt.def.Name(), rt.instanceID, ctx.Err()),
	}
}

// stoppedResult 构造终止结果并保留标记为已终止的持久化记录
//
// 失败事件的状态变更不落盘：记录保留的是最后一次成功处理后的状态，
// 仅状态标记翻转为 stopped，供排障查看（stop 路由才删除记录）。
// 已终止的实例不再接收 continue 事件；同一 instance_id 的下一个
// start 路由从默认状态重新开始。尚无持久化记录的实例（首个事件
// 即终止）不产生记录。保存失败只记录日志：实例已经终止，残留的
// active 记录会在下一次加载时重新走终止路径。
func (rt *instanceRuntime) stoppedResult(ctx context.Context, inst *Instance, resolution Resolution, fallback error) instanceResult {
	reason := resolution.Reason
	if reason == nil {
		reason = fallback
	}
	if inst != nil && inst.LastPosition > 0 {
		inst.Status = InstanceStatusStopped
		if record, err := encodeInstance(inst); err != nil {
			rt.logger.Error(ctx, "终止实例时编码终态记录失败", logging.Error(err))
		} else if saveErr := rt.store.Save(context.WithoutCancel(ctx), rt.def.Name(), record); saveErr != nil {
			rt.logger.Error(ctx, "终止实例时保存终态记录失败", logging.Error(saveErr))
		}
	}
	return instanceResult{Kind: resultStopped, Reason: reason}
}

func timedOut(ctx context.Context) bool {
	return ctx.Err() != nil
}
