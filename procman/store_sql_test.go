package procman

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func setupSQLInstanceStore(t *testing.T) *SQLInstanceStore {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := NewSQLInstanceStore(db, "")
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

// TestSQLInstanceStore_SaveAndLoad 测试保存和加载
func TestSQLInstanceStore_SaveAndLoad(t *testing.T) {
	store := setupSQLInstanceStore(t)
	ctx := context.Background()

	record := &InstanceRecord{
		InstanceID: "T1",
		State:      json.RawMessage(`{"status":"withdrawing"}`),
		Status:     InstanceStatusActive,
		UpdatedAt:  time.Now(),
	}
	require.NoError(t, store.Save(ctx, "pm", record))

	loaded, err := store.Load(ctx, "pm", "T1")
	require.NoError(t, err)
	assert.Equal(t, "T1", loaded.InstanceID)
	assert.Equal(t, InstanceStatusActive, loaded.Status)
	assert.JSONEq(t, `{"status":"withdrawing"}`, string(loaded.State))
}

// TestSQLInstanceStore_LoadNotFound 测试加载不存在的实例
func TestSQLInstanceStore_LoadNotFound(t *testing.T) {
	store := setupSQLInstanceStore(t)

	_, err := store.Load(context.Background(), "pm", "missing")
	assert.Equal(t, ErrInstanceNotFound, err)
}

// TestSQLInstanceStore_Upsert 测试 UPSERT 覆盖
func TestSQLInstanceStore_Upsert(t *testing.T) {
	store := setupSQLInstanceStore(t)
	ctx := context.Background()

	first := &InstanceRecord{
		InstanceID: "T1",
		State:      json.RawMessage(`{"status":"withdrawing"}`),
		Status:     InstanceStatusActive,
	}
	require.NoError(t, store.Save(ctx, "pm", first))

	second := &InstanceRecord{
		InstanceID: "T1",
		State:      json.RawMessage(`{"status":"depositing"}`),
		Status:     InstanceStatusActive,
	}
	require.NoError(t, store.Save(ctx, "pm", second))

	loaded, err := store.Load(ctx, "pm", "T1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"depositing"}`, string(loaded.State))
}

// TestSQLInstanceStore_SaveInvalid 测试保存无效记录
func TestSQLInstanceStore_SaveInvalid(t *testing.T) {
	store := setupSQLInstanceStore(t)
	ctx := context.Background()

	assert.Equal(t, ErrInvalidInstance, store.Save(ctx, "", &InstanceRecord{
		InstanceID: "T1", Status: InstanceStatusActive,
	}))
	assert.Equal(t, ErrInvalidInstance, store.Save(ctx, "pm", &InstanceRecord{}))
}

// TestSQLInstanceStore_Delete 测试删除
func TestSQLInstanceStore_Delete(t *testing.T) {
	store := setupSQLInstanceStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "pm", &InstanceRecord{
		InstanceID: "T1", Status: InstanceStatusActive,
	}))

	require.NoError(t, store.Delete(ctx, "pm", "T1"))

	_, err := store.Load(ctx, "pm", "T1")
	assert.Equal(t, ErrInstanceNotFound, err)

	// 删除不存在的实例不报错
	assert.NoError(t, store.Delete(ctx, "pm", "missing"))
}

// TestSQLInstanceStore_List 测试按流程列出（按 instance_id 排序）
func TestSQLInstanceStore_List(t *testing.T) {
	store := setupSQLInstanceStore(t)
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, store.Save(ctx, "pm-a", &InstanceRecord{
			InstanceID: id, Status: InstanceStatusActive,
		}))
	}
	require.NoError(t, store.Save(ctx, "pm-b", &InstanceRecord{
		InstanceID: "other", Status: InstanceStatusActive,
	}))

	records, err := store.List(ctx, "pm-a")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "a", records[0].InstanceID)
	assert.Equal(t, "b", records[1].InstanceID)
	assert.Equal(t, "c", records[2].InstanceID)
}

// TestSQLInstanceStore_ProcessIsolation 测试不同流程名之间相互隔离
func TestSQLInstanceStore_ProcessIsolation(t *testing.T) {
	store := setupSQLInstanceStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "pm-a", &InstanceRecord{
		InstanceID: "shared", Status: InstanceStatusActive,
		State: json.RawMessage(`{"status":"a"}`),
	}))
	require.NoError(t, store.Save(ctx, "pm-b", &InstanceRecord{
		InstanceID: "shared", Status: InstanceStatusActive,
		State: json.RawMessage(`{"status":"b"}`),
	}))

	loadedA, err := store.Load(ctx, "pm-a", "shared")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"a"}`, string(loadedA.State))

	require.NoError(t, store.Delete(ctx, "pm-a", "shared"))
	_, err = store.Load(ctx, "pm-b", "shared")
	assert.NoError(t, err)
}
