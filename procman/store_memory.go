package procman

import (
	"context"
	"sync"
)

// MemoryInstanceStore 内存实例存储（用于测试）
//
// 不持久化，进程重启后数据丢失。
// 仅用于开发和测试环境。
type MemoryInstanceStore struct {
	records map[string]map[string]*InstanceRecord
	mutex   sync.RWMutex
}

// NewMemoryInstanceStore 创建内存实例存储
func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{
		records: make(map[string]map[string]*InstanceRecord),
	}
}

// Load 加载实例记录
func (s *MemoryInstanceStore) Load(ctx context.Context, processName, instanceID string) (*InstanceRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	byID, exists := s.records[processName]
	if !exists {
		return nil, ErrInstanceNotFound
	}
	record, exists := byID[instanceID]
	if !exists {
		return nil, ErrInstanceNotFound
	}

	return record.Clone(), nil
}

// Save 保存实例记录
func (s *MemoryInstanceStore) Save(ctx context.Context, processName string, record *InstanceRecord) error {
	if processName == "" || !record.IsValid() {
		return ErrInvalidInstance
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	byID, exists := s.records[processName]
	if !exists {
		byID = make(map[string]*InstanceRecord)
		s.records[processName] = byID
	}
	byID[record.InstanceID] = record.Clone()
	return nil
}

// Delete 删除实例记录
func (s *MemoryInstanceStore) Delete(ctx context.Context, processName, instanceID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if byID, exists := s.records[processName]; exists {
		delete(byID, instanceID)
	}
	return nil
}

// List 列出实例记录
func (s *MemoryInstanceStore) List(ctx context.Context, processName string) ([]*InstanceRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var result []*InstanceRecord
	for _, record := range s.records[processName] {
		result = append(result, record.Clone())
	}
	return result, nil
}

// Clear 清空所有记录（测试用）
func (s *MemoryInstanceStore) Clear() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.records = make(map[string]map[string]*InstanceRecord)
}

// Count 返回指定流程的实例数量（测试用）
func (s *MemoryInstanceStore) Count(processName string) int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.records[processName])
}

// Ensure MemoryInstanceStore implements IInstanceStore
var _ IInstanceStore = (*MemoryInstanceStore)(nil)
