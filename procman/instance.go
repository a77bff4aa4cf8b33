package procman

import (
	"encoding/json"
	"time"

	"gopm/messaging/command"
)

// InstanceStatus 实例状态
type InstanceStatus string

const (
	// InstanceStatusActive 活跃：可以继续接收路由到它的事件
	InstanceStatusActive InstanceStatus = "active"

	// InstanceStatusStopped 已终止：不再接收事件（终态）
	InstanceStatusStopped InstanceStatus = "stopped"
)

// Instance 流程实例（内存形态）
//
// 每个 instance_id 对应一个实例，由其运行时独占持有；
// 任何时刻至多有一个事件在该实例上处理。
type Instance struct {
	// InstanceID 实例标识（由事件载荷推导，例如转账ID）
	InstanceID string

	// State 定义所拥有的不透明状态（NewState 返回的指针类型）
	State interface{}

	// Status 实例状态
	Status InstanceStatus

	// PendingCommands 当前处理中事件的待分发命令队列（按序）
	//
	// 仅在一次事件处理尝试内存在，不随实例状态持久化；
	// 重试时队列中剩余的命令就是被重试的内容。
	PendingCommands []*command.Command

	// LastPosition 最近一次成功落盘的事件流位置
	//
	// 扇出事件被重投递时（其他实例未解决导致检查点未推进），
	// 已处理过该位置的实例据此直接解决，不会重复 Handle/Apply。
	LastPosition int64

	// UpdatedAt 最近一次落盘时间
	UpdatedAt time.Time
}

// InstanceRecord 实例持久化记录
//
// 存储键为 (process_manager_name, instance_id)，State 为序列化后的
// 状态 blob。stop 路由时整条记录被删除；错误策略终止时记录保留并
// 标记为 stopped（失败事件的状态变更不落盘），供排障查看。
type InstanceRecord struct {
	InstanceID   string          `json:"instance_id" db:"instance_id"`
	State        json.RawMessage `json:"state" db:"state"`
	Status       InstanceStatus  `json:"status" db:"status"`
	LastPosition int64           `json:"last_position" db:"last_position"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// IsValid 校验记录的最小必要字段
func (r *InstanceRecord) IsValid() bool {
	return r != nil && r.InstanceID != "" && r.Status != ""
}

// Clone 克隆记录
func (r *InstanceRecord) Clone() *InstanceRecord {
	clone := &InstanceRecord{
		InstanceID:   r.InstanceID,
		Status:       r.Status,
		LastPosition: r.LastPosition,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.State != nil {
		clone.State = append(json.RawMessage(nil), r.State...)
	}
	return clone
}

// encodeInstance 将内存实例编码为持久化记录
func encodeInstance(inst *Instance) (*InstanceRecord, error) {
	blob, err := json.Marshal(inst.State)
	if err != nil {
		return nil, err
	}
	return &InstanceRecord{
		InstanceID:   inst.InstanceID,
		State:        blob,
		Status:       inst.Status,
		LastPosition: inst.LastPosition,
		UpdatedAt:    time.Now(),
	}, nil
}

// decodeInstance 用定义提供的默认状态反序列化持久化记录
func decodeInstance(def IDefinition, rec *InstanceRecord) (*Instance, error) {
	state := def.NewState()
	if len(rec.State) > 0 {
		if err := json.Unmarshal(rec.State, state); err != nil {
			return nil, err
		}
	}
	return &Instance{
		InstanceID:   rec.InstanceID,
		State:        state,
		Status:       rec.Status,
		LastPosition: rec.LastPosition,
		UpdatedAt:    rec.UpdatedAt,
	}, nil
}

// FailureContext 失败上下文
//
// 以一次事件处理为作用域的恢复累积器：在同一事件的多次重试之间
// 传递，新事件开始处理时重建，永不合并进实例持久化状态。
type FailureContext struct {
	// Context 调用方自由定义的累积字典
	Context map[string]interface{}

	// AttemptCount 本事件处理期间的失败次数（首个失败为 1）
	AttemptCount int

	// FailedItem 当前失败项
	FailedItem FailedItem

	// LastError 最近一次错误
	LastError error
}

// newFailureContext 创建空失败上下文（每个事件处理开始时调用）
func newFailureContext() *FailureContext {
	return &FailureContext{
		Context: make(map[string]interface{}),
	}
}

// recordFailure 登记一次失败
func (f *FailureContext) recordFailure(item FailedItem, err error) {
	f.AttemptCount++
	f.FailedItem = item
	f.LastError = err
}

// replaceContext 用决策返回的字典替换上下文（nil 保留现有）
func (f *FailureContext) replaceContext(next map[string]interface{}) {
	if next != nil {
		f.Context = next
	}
}
