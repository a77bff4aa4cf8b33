package stream

import (
	"context"
	"sync"

	"gopm/eventing"
)

// MemoryStream 内存事件流（用于测试和开发）
//
// 不持久化，进程重启后数据丢失。
// 保证事件按 Append 顺序投递，位置从 1 开始单调递增。
type MemoryStream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []StreamEvent
	active map[string]*memorySubscription
	acked  map[string]int64
	closed bool
}

// NewMemoryStream 创建内存事件流
func NewMemoryStream() *MemoryStream {
	s := &MemoryStream{
		active: make(map[string]*memorySubscription),
		acked:  make(map[string]int64),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Append 追加事件到流尾部
//
// 返回：
//   - int64: 最后一个事件的提交位置
func (s *MemoryStream) Append(events ...eventing.IEvent) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, evt := range events {
		s.events = append(s.events, StreamEvent{
			Position: int64(len(s.events) + 1),
			Event:    evt,
		})
	}
	last := int64(len(s.events))

	// 唤醒所有等待新事件的订阅
	s.cond.Broadcast()
	return last
}

// Len 返回流中的事件总数（测试用）
func (s *MemoryStream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.events)
}

// AckedPosition 返回指定订阅名已确认的位置（测试用）
func (s *MemoryStream) AckedPosition(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.acked[name]
}

// Close 关闭流，终止所有活跃订阅
func (s *MemoryStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.cond.Broadcast()
	return nil
}

// Subscribe 创建命名订阅
//
// 同名订阅已存在时返回 ErrSubscriptionNameTaken（致命配置错误，
// 由调用方决定终止而不是重试）。
func (s *MemoryStream) Subscribe(ctx context.Context, name string, from StartFrom) (ISubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStreamClosed
	}
	if name == "" {
		return nil, ErrInvalidStartFrom
	}
	if _, taken := s.active[name]; taken {
		return nil, ErrSubscriptionNameTaken
	}

	var next int64
	switch from.Policy {
	case StartFromOrigin:
		next = 1
	case StartFromCurrent:
		next = int64(len(s.events)) + 1
	case StartFromExact:
		if from.Position < 0 {
			return nil, ErrInvalidStartFrom
		}
		next = from.Position + 1
	default:
		return nil, ErrInvalidStartFrom
	}

	sub := &memorySubscription{
		stream: s,
		name:   name,
		ch:     make(chan StreamEvent),
		done:   make(chan struct{}),
		next:   next,
	}
	s.active[name] = sub

	go sub.pump(ctx)
	return sub, nil
}

// memorySubscription 内存流订阅
type memorySubscription struct {
	stream *MemoryStream
	name   string
	ch     chan StreamEvent
	done   chan struct{}
	next   int64

	closeOnce sync.Once
	err       error
}

// pump 按序投递事件，直到订阅或流被关闭
func (sub *memorySubscription) pump(ctx context.Context) {
	defer close(sub.ch)

	for {
		sub.stream.mu.Lock()
		for !sub.stream.closed && !sub.isDone() && sub.next > int64(len(sub.stream.events)) {
			sub.stream.cond.Wait()
		}
		if sub.stream.closed || sub.isDone() {
			sub.stream.mu.Unlock()
			return
		}
		evt := sub.stream.events[sub.next-1]
		sub.stream.mu.Unlock()

		select {
		case sub.ch <- evt:
			sub.next = evt.Position + 1
		case <-sub.done:
			return
		case <-ctx.Done():
			sub.err = ctx.Err()
			return
		}
	}
}

func (sub *memorySubscription) isDone() bool {
	select {
	case <-sub.done:
		return true
	default:
		return false
	}
}

// Events 返回事件通道
func (sub *memorySubscription) Events() <-chan StreamEvent {
	return sub.ch
}

// Ack 确认位置
func (sub *memorySubscription) Ack(ctx context.Context, position int64) error {
	sub.stream.mu.Lock()
	defer sub.stream.mu.Unlock()

	if position > sub.stream.acked[sub.name] {
		sub.stream.acked[sub.name] = position
	}
	return nil
}

// Err 返回终止原因
func (sub *memorySubscription) Err() error {
	return sub.err
}

// Close 关闭订阅并释放订阅名
func (sub *memorySubscription) Close() error {
	sub.closeOnce.Do(func() {
		close(sub.done)

		sub.stream.mu.Lock()
		delete(sub.stream.active, sub.name)
		sub.stream.cond.Broadcast()
		sub.stream.mu.Unlock()
	})
	return nil
}

// Ensure MemoryStream implements IEventStream
var _ IEventStream = (*MemoryStream)(nil)
