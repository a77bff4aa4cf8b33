package procman

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestCheckpoint_IsValid 测试检查点校验
func TestCheckpoint_IsValid(t *testing.T) {
	tests := []struct {
		name       string
		checkpoint *Checkpoint
		want       bool
	}{
		{"有效检查点", NewCheckpoint("pm", 10, "e-10", time.Now()), true},
		{"零位置有效", NewCheckpoint("pm", 0, "", time.Time{}), true},
		{"缺少流程名", &Checkpoint{Position: 10}, false},
		{"负位置", &Checkpoint{ProcessName: "pm", Position: -1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.checkpoint.IsValid())
		})
	}
}

// TestCheckpoint_Advance 测试位置单调推进
func TestCheckpoint_Advance(t *testing.T) {
	cp := NewCheckpoint("pm", 10, "e-10", time.Now())

	// 前进
	advanced := cp.Advance(11, "e-11", time.Now())
	assert.True(t, advanced)
	assert.Equal(t, int64(11), cp.Position)
	assert.Equal(t, "e-11", cp.LastEventID)

	// 相同位置是无操作
	advanced = cp.Advance(11, "e-dup", time.Now())
	assert.False(t, advanced)
	assert.Equal(t, "e-11", cp.LastEventID)

	// 回退被拒绝
	advanced = cp.Advance(5, "e-5", time.Now())
	assert.False(t, advanced)
	assert.Equal(t, int64(11), cp.Position)
}

// TestCheckpoint_Clone 测试克隆独立性
func TestCheckpoint_Clone(t *testing.T) {
	cp := NewCheckpoint("pm", 10, "e-10", time.Now())
	clone := cp.Clone()

	clone.Advance(20, "e-20", time.Now())
	assert.Equal(t, int64(10), cp.Position)
	assert.Equal(t, int64(20), clone.Position)
}
