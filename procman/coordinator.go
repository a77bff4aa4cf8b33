package procman

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopm/eventing/stream"
	"gopm/logging"
	"gopm/messaging/command"
)

// Config 协调器配置
type Config struct {
	// Definition 流程管理器定义（必填）
	Definition IDefinition

	// Stream 事件流（必填）
	Stream stream.IEventStream

	// Dispatcher 命令分发器（必填）
	Dispatcher command.IDispatcher

	// InstanceStore 实例存储（nil 时使用内存存储）
	InstanceStore IInstanceStore

	// CheckpointStore 检查点存储（nil 时使用内存存储，进程重启后位置丢失）
	CheckpointStore ICheckpointStore

	// StartFrom 首次订阅的起始策略（已有检查点时检查点优先）
	StartFrom stream.StartFrom

	// EventTimeout 单事件处理时限（0 表示不限时）
	//
	// 超时强制终止当前事件的处理并使 Run 返回 TimeoutExceeded 错误；
	// 检查点不推进，事件在协调器重启后会被重新投递。
	// 定义实现 ITimeoutPolicy 时可按实例覆盖该默认值。
	EventTimeout time.Duration

	// Logger 日志器（nil 时使用组件默认日志器）
	Logger logging.Logger
}

// CoordinatorStatus 协调器运行状态快照
type CoordinatorStatus struct {
	ProcessName     string    `json:"process_name"`
	Position        int64     `json:"position"`
	LastEventID     string    `json:"last_event_id"`
	LastEventTime   time.Time `json:"last_event_time"`
	ProcessedEvents int64     `json:"processed_events"`
	SkippedEvents   int64     `json:"skipped_events"`
	ActiveInstances int       `json:"active_instances"`
	Status          string    `json:"status"` // running, stopped, error
	LastError       string    `json:"last_error,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TerminationNotice 实例终止通知
//
// 实例因错误策略 Stop 或 stop 路由而终止时发出，供监控消费。
type TerminationNotice struct {
	ProcessName string
	InstanceID  string
	EventID     string
	EventType   string

	// Reason 终止原因（stop 路由的正常终止为 nil）
	Reason error

	// StateDeleted 实例持久化状态是否已删除（仅 stop 路由为 true）
	StateDeleted bool

	OccurredAt time.Time
}

// Coordinator 流程管理器协调器
//
// 协调器是一个流程管理器部署的单一事件消费者：以定义名为订阅名接入
// 事件流，按提交顺序逐事件处理，将事件扇出到路由命中的实例运行时，
// 等待所有实例解决后推进检查点并 Ack。
//
// 同一事件的多实例处理并行执行，不同事件严格串行——前一个事件对所有
// 实例解决之前，后一个事件不会开始处理。
type Coordinator struct {
	def             IDefinition
	eventStream     stream.IEventStream
	dispatcher      command.IDispatcher
	instanceStore   IInstanceStore
	checkpointStore ICheckpointStore
	startFrom       stream.StartFrom
	eventTimeout    time.Duration
	logger          logging.Logger

	runtimes     map[string]*instanceRuntime
	terminations chan TerminationNotice
	status       CoordinatorStatus
	running      bool
	mutex        sync.RWMutex
}

// NewCoordinator 创建协调器
//
// 返回：
//   - *Coordinator: 协调器实例
//   - error: 配置校验失败错误（ConfigurationError）
func NewCoordinator(config Config) (*Coordinator, error) {
	if config.Definition == nil {
		return nil, NewConfigurationError("", "definition is required", nil)
	}
	name := config.Definition.Name()
	if name == "" {
		return nil, NewConfigurationError("", "definition name must not be empty", nil)
	}
	if config.Stream == nil {
		return nil, NewConfigurationError(name, "event stream is required", nil)
	}
	if config.Dispatcher == nil {
		return nil, NewConfigurationError(name, "command dispatcher is required", nil)
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.ComponentLogger("procman")
	}
	logger = logger.WithFields(logging.String("process", name))

	instanceStore := config.InstanceStore
	if instanceStore == nil {
		instanceStore = NewMemoryInstanceStore()
		logger.Warn(context.Background(), "未配置实例存储，使用内存存储（进程重启后实例状态丢失）")
	}
	checkpointStore := config.CheckpointStore
	if checkpointStore == nil {
		checkpointStore = NewMemoryCheckpointStore()
		logger.Warn(context.Background(), "未配置检查点存储，使用内存存储（进程重启后从起始策略重新订阅）")
	}

	startFrom := config.StartFrom
	if startFrom.Policy == "" {
		startFrom = stream.FromOrigin()
	}

	return &Coordinator{
		def:             config.Definition,
		eventStream:     config.Stream,
		dispatcher:      config.Dispatcher,
		instanceStore:   instanceStore,
		checkpointStore: checkpointStore,
		startFrom:       startFrom,
		eventTimeout:    config.EventTimeout,
		logger:          logger,
		runtimes:        make(map[string]*instanceRuntime),
		terminations:    make(chan TerminationNotice, 64),
		status: CoordinatorStatus{
			ProcessName: name,
			Status:      "stopped",
			UpdatedAt:   time.Now(),
		},
	}, nil
}

// Run 启动协调器并阻塞处理事件，直到 ctx 取消或发生不可恢复错误
//
// 返回：
//   - error: ctx 取消时为 nil；订阅名冲突返回 ConfigurationError；
//     单事件超时返回 TimeoutExceeded 错误（监督层可据此重启，
//     未 Ack 的事件会被重新投递）
func (c *Coordinator) Run(ctx context.Context) error {
	c.mutex.Lock()
	if c.running {
		c.mutex.Unlock()
		return NewConfigurationError(c.def.Name(), "coordinator already running", nil)
	}
	c.running = true
	c.status.Status = "running"
	c.status.LastError = ""
	c.status.UpdatedAt = time.Now()
	c.mutex.Unlock()

	defer c.teardown()

	checkpoint, from, err := c.resume(ctx)
	if err != nil {
		return c.fail(err)
	}

	sub, err := c.eventStream.Subscribe(ctx, c.def.Name(), from)
	if err != nil {
		if errors.Is(err, stream.ErrSubscriptionNameTaken) {
			return c.fail(NewConfigurationError(c.def.Name(), "subscription name already taken", err))
		}
		return c.fail(fmt.Errorf("subscribe: %w", err))
	}
	defer sub.Close()

	c.logger.Info(ctx, "协调器已启动",
		logging.String("start_policy", string(from.Policy)),
		logging.Int64("position", checkpoint.Position))

	for {
		select {
		case <-ctx.Done():
			return nil
		case se, ok := <-sub.Events():
			if !ok {
				if subErr := sub.Err(); subErr != nil {
					return c.fail(fmt.Errorf("subscription terminated: %w", subErr))
				}
				return nil
			}
			if err := c.processStreamEvent(ctx, sub, checkpoint, se); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return c.fail(err)
			}
		}
	}
}

// resume 加载检查点并决定起始位置
//
// 已有检查点时从其位置之后继续（检查点优先于配置的起始策略）；
// 不存在时按配置策略首次订阅。
func (c *Coordinator) resume(ctx context.Context) (*Checkpoint, stream.StartFrom, error) {
	checkpoint, err := c.checkpointStore.Load(ctx, c.def.Name())
	if err != nil {
		if !errors.Is(err, ErrCheckpointNotFound) {
			return nil, stream.StartFrom{}, fmt.Errorf("load checkpoint: %w", err)
		}
		checkpoint = NewCheckpoint(c.def.Name(), 0, "", time.Time{})
		checkpoint.StartFrom = c.startFrom
		return checkpoint, c.startFrom, nil
	}

	c.logger.Info(ctx, "从检查点恢复",
		logging.Int64("position", checkpoint.Position),
		logging.String("last_event_id", checkpoint.LastEventID))
	return checkpoint, stream.FromPosition(checkpoint.Position), nil
}

// processStreamEvent 处理一个流事件：扇出、等待全部解决、推进检查点、Ack
func (c *Coordinator) processStreamEvent(ctx context.Context, sub stream.ISubscription, checkpoint *Checkpoint, se stream.StreamEvent) error {
	// 重投递守卫：检查点之前的位置已被完整处理过
	if se.Position <= checkpoint.Position {
		c.markSkipped(se)
		return sub.Ack(ctx, se.Position)
	}

	routings := c.def.Interested(se.Event)
	if len(routings) > 0 {
		if err := c.fanOut(ctx, se, routings); err != nil {
			return err
		}
	}

	checkpoint.Advance(se.Position, se.Event.GetID(), se.Event.GetTimestamp())
	if err := c.checkpointStore.Save(ctx, checkpoint); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	c.markProcessed(se, len(routings))
	return sub.Ack(ctx, se.Position)
}

// fanOut 将事件并行投递到所有路由命中的实例并等待全部解决
//
// 任一实例超时即放弃整个事件：返回 TimeoutExceeded，检查点不推进。
func (c *Coordinator) fanOut(ctx context.Context, se stream.StreamEvent, routings []Routing) error {
	cancels := make([]context.CancelFunc, 0, len(routings))
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	tasks := make([]*instanceTask, 0, len(routings))
	for _, routing := range routings {
		if routing.InstanceID == "" {
			return NewConfigurationError(c.def.Name(), fmt.Sprintf("empty instance_id in routing for event %s", se.Event.GetType()), nil)
		}
		taskCtx := ctx
		if timeout := c.instanceTimeout(routing.InstanceID); timeout > 0 {
			var cancel context.CancelFunc
			taskCtx, cancel = context.WithTimeout(ctx, timeout)
			cancels = append(cancels, cancel)
		}
		task := &instanceTask{
			ctx:      taskCtx,
			routing:  routing,
			event:    se.Event,
			position: se.Position,
			result:   make(chan instanceResult, 1),
		}
		c.runtimeFor(routing.InstanceID).submit(task)
		tasks = append(tasks, task)
	}

	var timeoutErr error
	for i, task := range tasks {
		var result instanceResult
		select {
		case result = <-task.result:
		case <-task.ctx.Done():
			// 处理器不感知取消时也必须在时限到达时放弃本次尝试。
			// 滞留的运行时退役（结果通道有缓冲，不会阻塞它收尾），
			// 重投递时换用全新运行时。
			c.retireRuntime(routings[i].InstanceID)
			if timeoutErr == nil {
				timeoutErr = NewTimeoutFailure(c.def.Name(), routings[i].InstanceID, task.ctx.Err())
			}
			c.logger.Warn(task.ctx, "实例处理超过时限，放弃本次尝试",
				logging.String("instance_id", routings[i].InstanceID),
				logging.String("event_type", se.Event.GetType()))
			continue
		}
		switch result.Kind {
		case resultTimeout:
			if timeoutErr == nil {
				timeoutErr = result.Reason
			}
		case resultStopped:
			c.retireRuntime(routings[i].InstanceID)
			c.notifyTermination(se, routings[i], result)
			c.logger.Warn(ctx, "实例已被错误策略终止",
				logging.String("instance_id", routings[i].InstanceID),
				logging.String("event_type", se.Event.GetType()),
				logging.Error(result.Reason))
		default:
			if result.Deleted {
				c.retireRuntime(routings[i].InstanceID)
				c.notifyTermination(se, routings[i], result)
			}
		}
	}
	return timeoutErr
}

// instanceTimeout 解析实例的事件处理时限
//
// 定义实现 ITimeoutPolicy 且返回正值时覆盖配置的默认时限。
func (c *Coordinator) instanceTimeout(instanceID string) time.Duration {
	if policy, ok := c.def.(ITimeoutPolicy); ok {
		if timeout := policy.InstanceTimeout(instanceID); timeout > 0 {
			return timeout
		}
	}
	return c.eventTimeout
}

// runtimeFor 获取或创建实例运行时
func (c *Coordinator) runtimeFor(instanceID string) *instanceRuntime {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	rt, ok := c.runtimes[instanceID]
	if !ok {
		rt = newInstanceRuntime(c.def, c.dispatcher, c.instanceStore, c.logger, instanceID)
		c.runtimes[instanceID] = rt
	}
	return rt
}

func (c *Coordinator) retireRuntime(instanceID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if rt, ok := c.runtimes[instanceID]; ok {
		rt.shutdown()
		delete(c.runtimes, instanceID)
	}
}

// notifyTermination 发出实例终止通知（缓冲满时丢弃，不阻塞事件处理）
func (c *Coordinator) notifyTermination(se stream.StreamEvent, routing Routing, result instanceResult) {
	notice := TerminationNotice{
		ProcessName:  c.def.Name(),
		InstanceID:   routing.InstanceID,
		EventID:      se.Event.GetID(),
		EventType:    se.Event.GetType(),
		Reason:       result.Reason,
		StateDeleted: result.Deleted,
		OccurredAt:   time.Now(),
	}
	select {
	case c.terminations <- notice:
	default:
	}
}

// Terminations 返回实例终止通知通道
//
// 消费是可选的：通知缓冲满后会被丢弃，不会阻塞事件处理。
func (c *Coordinator) Terminations() <-chan TerminationNotice {
	return c.terminations
}

// Status 获取协调器运行状态快照
func (c *Coordinator) Status() CoordinatorStatus {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	snapshot := c.status
	snapshot.ActiveInstances = len(c.runtimes)
	return snapshot
}

// ListInstances 列出存储中的活跃实例
func (c *Coordinator) ListInstances(ctx context.Context) ([]*InstanceRecord, error) {
	return c.instanceStore.List(ctx, c.def.Name())
}

func (c *Coordinator) markProcessed(se stream.StreamEvent, routed int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.status.Position = se.Position
	c.status.LastEventID = se.Event.GetID()
	c.status.LastEventTime = se.Event.GetTimestamp()
	c.status.ProcessedEvents++
	if routed == 0 {
		c.status.SkippedEvents++
	}
	c.status.UpdatedAt = time.Now()
}

func (c *Coordinator) markSkipped(se stream.StreamEvent) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.status.SkippedEvents++
	c.status.UpdatedAt = time.Now()
}

func (c *Coordinator) fail(err error) error {
	c.mutex.Lock()
	c.status.Status = "error"
	c.status.LastError = err.Error()
	c.status.UpdatedAt = time.Now()
	c.mutex.Unlock()
	return err
}

// teardown 关闭所有实例运行时并复位运行标记
func (c *Coordinator) teardown() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for id, rt := range c.runtimes {
		rt.shutdown()
		delete(c.runtimes, id)
	}
	c.running = false
	if c.status.Status == "running" {
		c.status.Status = "stopped"
	}
	c.status.UpdatedAt = time.Now()
}
