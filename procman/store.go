package procman

import "context"

// IInstanceStore 实例状态存储接口
//
// 定义最小化的状态持久化接口，易于第三方实现。
// 存储键为 (processName, instanceID)。
//
// 实现建议：
//   - 单实例的读-改-写必须原子、隔离（引擎已保证同一实例只有一个
//     在途写者，无需存储层锁管理器，但写入本身要原子）
//   - 支持幂等操作，建议使用 UPSERT
//
// 可选实现：
//   - SQL 数据库（推荐，见 SQLInstanceStore）
//   - Redis（见 RedisInstanceStore）
//   - 内存存储（测试用，见 MemoryInstanceStore）
type IInstanceStore interface {
	// Load 加载实例记录
	//
	// 参数：
	//   - ctx: 上下文
	//   - processName: 流程管理器名称
	//   - instanceID: 实例ID
	//
	// 返回：
	//   - *InstanceRecord: 实例记录
	//   - error: ErrInstanceNotFound 表示不存在，其他错误表示存储失败
	Load(ctx context.Context, processName, instanceID string) (*InstanceRecord, error)

	// Save 保存实例记录（UPSERT 语义）
	//
	// 参数：
	//   - ctx: 上下文
	//   - processName: 流程管理器名称
	//   - record: 实例记录
	//
	// 返回：
	//   - error: 保存失败错误
	Save(ctx context.Context, processName string, record *InstanceRecord) error

	// Delete 删除实例记录（不存在不是错误）
	//
	// 参数：
	//   - ctx: 上下文
	//   - processName: 流程管理器名称
	//   - instanceID: 实例ID
	//
	// 返回：
	//   - error: 删除失败错误
	Delete(ctx context.Context, processName, instanceID string) error

	// List 列出指定流程的所有实例记录（监控用）
	//
	// 参数：
	//   - ctx: 上下文
	//   - processName: 流程管理器名称
	//
	// 返回：
	//   - []*InstanceRecord: 记录列表
	//   - error: 查询失败错误
	List(ctx context.Context, processName string) ([]*InstanceRecord, error)
}
