package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopm/eventing"
)

func collect(t *testing.T, sub ISubscription, n int) []StreamEvent {
	t.Helper()

	var events []StreamEvent
	for len(events) < n {
		select {
		case se, ok := <-sub.Events():
			require.True(t, ok, "subscription closed early")
			events = append(events, se)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out after %d of %d events", len(events), n)
		}
	}
	return events
}

// TestMemoryStream_SubscribeFromOrigin 测试从头订阅按序投递
func TestMemoryStream_SubscribeFromOrigin(t *testing.T) {
	ms := NewMemoryStream()
	defer ms.Close()

	last := ms.Append(
		eventing.NewEvent("a", "agg", "One", nil),
		eventing.NewEvent("a", "agg", "Two", nil),
		eventing.NewEvent("a", "agg", "Three", nil),
	)
	assert.Equal(t, int64(3), last)
	assert.Equal(t, 3, ms.Len())

	sub, err := ms.Subscribe(context.Background(), "reader", FromOrigin())
	require.NoError(t, err)
	defer sub.Close()

	events := collect(t, sub, 3)
	assert.Equal(t, int64(1), events[0].Position)
	assert.Equal(t, "One", events[0].Event.GetType())
	assert.Equal(t, int64(3), events[2].Position)
	assert.Equal(t, "Three", events[2].Event.GetType())
}

// TestMemoryStream_SubscribeFromCurrent 测试 current 策略只投递订阅后的事件
func TestMemoryStream_SubscribeFromCurrent(t *testing.T) {
	ms := NewMemoryStream()
	defer ms.Close()

	ms.Append(eventing.NewEvent("a", "agg", "Old", nil))

	sub, err := ms.Subscribe(context.Background(), "reader", FromCurrent())
	require.NoError(t, err)
	defer sub.Close()

	ms.Append(eventing.NewEvent("a", "agg", "New", nil))

	events := collect(t, sub, 1)
	assert.Equal(t, "New", events[0].Event.GetType())
	assert.Equal(t, int64(2), events[0].Position)
}

// TestMemoryStream_SubscribeFromPosition 测试从指定位置之后订阅
func TestMemoryStream_SubscribeFromPosition(t *testing.T) {
	ms := NewMemoryStream()
	defer ms.Close()

	ms.Append(
		eventing.NewEvent("a", "agg", "One", nil),
		eventing.NewEvent("a", "agg", "Two", nil),
		eventing.NewEvent("a", "agg", "Three", nil),
	)

	sub, err := ms.Subscribe(context.Background(), "reader", FromPosition(2))
	require.NoError(t, err)
	defer sub.Close()

	events := collect(t, sub, 1)
	assert.Equal(t, "Three", events[0].Event.GetType())
}

// TestMemoryStream_NameTaken 测试订阅名唯一性
func TestMemoryStream_NameTaken(t *testing.T) {
	ms := NewMemoryStream()
	defer ms.Close()

	sub, err := ms.Subscribe(context.Background(), "reader", FromOrigin())
	require.NoError(t, err)

	_, err = ms.Subscribe(context.Background(), "reader", FromOrigin())
	assert.ErrorIs(t, err, ErrSubscriptionNameTaken)

	// 关闭后订阅名被释放
	require.NoError(t, sub.Close())
	sub2, err := ms.Subscribe(context.Background(), "reader", FromOrigin())
	require.NoError(t, err)
	defer sub2.Close()
}

// TestMemoryStream_InvalidStartFrom 测试无效起始配置
func TestMemoryStream_InvalidStartFrom(t *testing.T) {
	ms := NewMemoryStream()
	defer ms.Close()

	_, err := ms.Subscribe(context.Background(), "reader", StartFrom{Policy: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidStartFrom)

	_, err = ms.Subscribe(context.Background(), "reader", FromPosition(-1))
	assert.ErrorIs(t, err, ErrInvalidStartFrom)

	_, err = ms.Subscribe(context.Background(), "", FromOrigin())
	assert.ErrorIs(t, err, ErrInvalidStartFrom)
}

// TestMemoryStream_AckTracking 测试 Ack 位置记录与恢复订阅
func TestMemoryStream_AckTracking(t *testing.T) {
	ms := NewMemoryStream()
	defer ms.Close()

	ms.Append(
		eventing.NewEvent("a", "agg", "One", nil),
		eventing.NewEvent("a", "agg", "Two", nil),
	)

	sub, err := ms.Subscribe(context.Background(), "reader", FromOrigin())
	require.NoError(t, err)

	events := collect(t, sub, 2)
	require.NoError(t, sub.Ack(context.Background(), events[0].Position))
	assert.Equal(t, int64(1), ms.AckedPosition("reader"))

	// Ack 不回退
	require.NoError(t, sub.Ack(context.Background(), events[1].Position))
	require.NoError(t, sub.Ack(context.Background(), events[0].Position))
	assert.Equal(t, int64(2), ms.AckedPosition("reader"))
	require.NoError(t, sub.Close())

	// 模拟重启：未 Ack 的位置从检查点之后重放
	ms.Append(eventing.NewEvent("a", "agg", "Three", nil))
	resumed, err := ms.Subscribe(context.Background(), "reader", FromPosition(ms.AckedPosition("reader")))
	require.NoError(t, err)
	defer resumed.Close()

	redelivered := collect(t, resumed, 1)
	assert.Equal(t, "Three", redelivered[0].Event.GetType())
}

// TestMemoryStream_CloseTerminatesSubscriptions 测试关闭流终止订阅
func TestMemoryStream_CloseTerminatesSubscriptions(t *testing.T) {
	ms := NewMemoryStream()

	sub, err := ms.Subscribe(context.Background(), "reader", FromOrigin())
	require.NoError(t, err)

	require.NoError(t, ms.Close())

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok, "events channel should be closed")
	case <-time.After(3 * time.Second):
		t.Fatal("events channel not closed after stream close")
	}
	assert.NoError(t, sub.Err())

	_, err = ms.Subscribe(context.Background(), "late", FromOrigin())
	assert.ErrorIs(t, err, ErrStreamClosed)
}
