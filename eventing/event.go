// Package eventing 提供领域事件抽象
package eventing

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"gopm/messaging"
)

// IEvent 基础事件接口（用于事件传输/路由）
// 包含事件分发的最小必要信息
type IEvent interface {
	messaging.IMessage

	// 聚合信息（用于路由和关联）
	GetAggregateID() string
	GetAggregateType() string
}

// Event 领域事件实现
type Event struct {
	messaging.Message
	AggregateID   string `json:"aggregate_id"`
	AggregateType string `json:"aggregate_type"`
}

// 基础接口实现
func (e *Event) GetAggregateID() string   { return e.AggregateID }
func (e *Event) GetAggregateType() string { return e.AggregateType }

// Validate 校验事件的最小必要字段
func (e *Event) Validate() error {
	if e.GetID() == "" {
		return fmt.Errorf("事件ID不能为空")
	}
	if e.GetType() == "" {
		return fmt.Errorf("事件类型不能为空")
	}
	return nil
}

// NewEvent 创建事件
func NewEvent(aggregateID, aggregateType, eventType string, data interface{}) *Event {
	return &Event{
		Message: messaging.Message{
			ID:        uuid.NewString(),
			Type:      eventType,
			Timestamp: time.Now(),
			Payload:   data,
			Metadata:  make(map[string]interface{}),
		},
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
	}
}
