package procman

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(instanceID string) *InstanceRecord {
	return &InstanceRecord{
		InstanceID: instanceID,
		State:      json.RawMessage(`{"status":"active"}`),
		Status:     InstanceStatusActive,
		UpdatedAt:  time.Now(),
	}
}

// TestMemoryInstanceStore_SaveAndLoad 测试保存和加载
func TestMemoryInstanceStore_SaveAndLoad(t *testing.T) {
	store := NewMemoryInstanceStore()
	ctx := context.Background()

	record := testRecord("T1")
	err := store.Save(ctx, "pm", record)
	require.NoError(t, err)

	loaded, err := store.Load(ctx, "pm", "T1")
	require.NoError(t, err)
	assert.Equal(t, "T1", loaded.InstanceID)
	assert.Equal(t, InstanceStatusActive, loaded.Status)
	assert.JSONEq(t, `{"status":"active"}`, string(loaded.State))
}

// TestMemoryInstanceStore_LoadNotFound 测试加载不存在的实例
func TestMemoryInstanceStore_LoadNotFound(t *testing.T) {
	store := NewMemoryInstanceStore()
	ctx := context.Background()

	_, err := store.Load(ctx, "pm", "missing")
	assert.Equal(t, ErrInstanceNotFound, err)

	// 存在的流程下不存在的实例
	require.NoError(t, store.Save(ctx, "pm", testRecord("T1")))
	_, err = store.Load(ctx, "pm", "missing")
	assert.Equal(t, ErrInstanceNotFound, err)
}

// TestMemoryInstanceStore_SaveInvalid 测试保存无效记录
func TestMemoryInstanceStore_SaveInvalid(t *testing.T) {
	store := NewMemoryInstanceStore()
	ctx := context.Background()

	err := store.Save(ctx, "", testRecord("T1"))
	assert.Equal(t, ErrInvalidInstance, err)

	err = store.Save(ctx, "pm", &InstanceRecord{})
	assert.Equal(t, ErrInvalidInstance, err)
}

// TestMemoryInstanceStore_CloneIsolation 测试读写隔离（记录被克隆）
func TestMemoryInstanceStore_CloneIsolation(t *testing.T) {
	store := NewMemoryInstanceStore()
	ctx := context.Background()

	record := testRecord("T1")
	require.NoError(t, store.Save(ctx, "pm", record))

	// 修改原记录不影响已保存的数据
	record.Status = InstanceStatusStopped
	loaded, err := store.Load(ctx, "pm", "T1")
	require.NoError(t, err)
	assert.Equal(t, InstanceStatusActive, loaded.Status)

	// 修改读出的记录不影响存储
	loaded.Status = InstanceStatusStopped
	again, err := store.Load(ctx, "pm", "T1")
	require.NoError(t, err)
	assert.Equal(t, InstanceStatusActive, again.Status)
}

// TestMemoryInstanceStore_Delete 测试删除
func TestMemoryInstanceStore_Delete(t *testing.T) {
	store := NewMemoryInstanceStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "pm", testRecord("T1")))

	err := store.Delete(ctx, "pm", "T1")
	require.NoError(t, err)

	_, err = store.Load(ctx, "pm", "T1")
	assert.Equal(t, ErrInstanceNotFound, err)

	// 删除不存在的实例不报错
	assert.NoError(t, store.Delete(ctx, "pm", "missing"))
}

// TestMemoryInstanceStore_List 测试按流程列出实例
func TestMemoryInstanceStore_List(t *testing.T) {
	store := NewMemoryInstanceStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Save(ctx, "pm-a", testRecord(fmt.Sprintf("A%d", i))))
	}
	require.NoError(t, store.Save(ctx, "pm-b", testRecord("B0")))

	records, err := store.List(ctx, "pm-a")
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Equal(t, 3, store.Count("pm-a"))
	assert.Equal(t, 1, store.Count("pm-b"))

	empty, err := store.List(ctx, "pm-none")
	require.NoError(t, err)
	assert.Empty(t, empty)

	store.Clear()
	assert.Equal(t, 0, store.Count("pm-a"))
}
