package procman

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEngineError_Matching 测试错误码匹配与原因解包
func TestEngineError_Matching(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewDispatchFailure("pm", "T1", "Deposit", cause)

	// errors.Is 按分类码匹配
	assert.ErrorIs(t, err, &EngineError{Code: FailureCodeDispatch})
	assert.NotErrorIs(t, err, &EngineError{Code: FailureCodeHandler})

	// 原因链完整保留
	assert.ErrorIs(t, err, cause)

	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "pm", ee.ProcessName)
	assert.Equal(t, "T1", ee.InstanceID)
	assert.Contains(t, ee.Error(), "Deposit")
	assert.Contains(t, ee.Error(), "pm/T1")
}

// TestEngineError_InstanceNotFound 测试实例不存在错误携带哨兵
func TestEngineError_InstanceNotFound(t *testing.T) {
	err := NewInstanceNotFoundFailure("pm", "T1")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
	assert.Equal(t, FailureCodeInstanceNotFound, err.Code)
}

// TestIsConfigurationError 测试配置错误判定
func TestIsConfigurationError(t *testing.T) {
	assert.True(t, IsConfigurationError(NewConfigurationError("pm", "duplicate name", nil)))
	assert.False(t, IsConfigurationError(NewHandlerFailure("pm", "T1", errors.New("x"))))
	assert.False(t, IsConfigurationError(errors.New("plain")))
	assert.False(t, IsConfigurationError(nil))
}

// TestIsTimeoutFailure 测试超时错误判定
func TestIsTimeoutFailure(t *testing.T) {
	assert.True(t, IsTimeoutFailure(NewTimeoutFailure("pm", "T1", nil)))
	assert.False(t, IsTimeoutFailure(NewDispatchFailure("pm", "T1", "C", errors.New("x"))))
	assert.False(t, IsTimeoutFailure(nil))
}
