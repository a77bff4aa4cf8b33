package procman

import (
	"context"
	"time"

	"gopm/logging"
)

// RestartPolicy 协调器重启策略
type RestartPolicy struct {
	// MaxRestarts 最大重启次数（0 表示不重启，<0 表示无限重启）
	MaxRestarts int

	// InitialDelay 初始重启延迟
	InitialDelay time.Duration

	// BackoffFactor 退避倍数（指数退避）
	BackoffFactor float64

	// MaxDelay 最大重启延迟
	MaxDelay time.Duration
}

// DefaultRestartPolicy 返回默认重启策略
//
// 默认值：
//   - MaxRestarts: -1（无限重启）
//   - InitialDelay: 100ms
//   - BackoffFactor: 2.0（指数退避）
//   - MaxDelay: 30s
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxRestarts:   -1,
		InitialDelay:  100 * time.Millisecond,
		BackoffFactor: 2.0,
		MaxDelay:      30 * time.Second,
	}
}

// Supervisor 协调器监督者
//
// 包装 Coordinator.Run：Run 因可恢复错误（存储失败、订阅中断、
// 事件处理超时）返回后按退避策略重启。重启后协调器从检查点恢复，
// 未 Ack 的事件被重新投递，这正是超时事件的恢复路径。
//
// 配置错误（ConfigurationError，如订阅名冲突）不重启，直接上抛。
type Supervisor struct {
	coordinator *Coordinator
	policy      RestartPolicy
	logger      logging.Logger
}

// NewSupervisor 创建监督者
func NewSupervisor(coordinator *Coordinator, policy RestartPolicy) *Supervisor {
	return &Supervisor{
		coordinator: coordinator,
		policy:      policy,
		logger: logging.ComponentLogger("procman.supervisor").WithFields(
			logging.String("process", coordinator.def.Name())),
	}
}

// Run 运行协调器并在可恢复错误后重启，直到 ctx 取消
//
// 返回：
//   - error: ctx 取消时为 nil；配置错误或重启次数耗尽时返回最后错误
func (s *Supervisor) Run(ctx context.Context) error {
	restarts := 0
	for {
		err := s.coordinator.Run(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if IsConfigurationError(err) {
			s.logger.Error(ctx, "配置错误，放弃重启", logging.Error(err))
			return err
		}
		if s.policy.MaxRestarts >= 0 && restarts >= s.policy.MaxRestarts {
			s.logger.Error(ctx, "重启次数耗尽", logging.Error(err),
				logging.Int("restarts", restarts))
			return err
		}

		delay := s.backoff(restarts)
		restarts++
		s.logger.Warn(ctx, "协调器异常退出，将重启", logging.Error(err),
			logging.Int("restart", restarts),
			logging.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// backoff 计算第 n 次重启前的退避延迟
func (s *Supervisor) backoff(restarts int) time.Duration {
	delay := s.policy.InitialDelay
	for i := 0; i < restarts; i++ {
		delay = time.Duration(float64(delay) * s.policy.BackoffFactor)
		if delay >= s.policy.MaxDelay {
			return s.policy.MaxDelay
		}
	}
	if s.policy.MaxDelay > 0 && delay > s.policy.MaxDelay {
		delay = s.policy.MaxDelay
	}
	return delay
}
