package procman

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisConfig describes how the Redis-backed stores should connect.
type RedisConfig struct {
	Client    redis.UniversalClient
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
}

func (c *RedisConfig) client() (redis.UniversalClient, bool) {
	if c.Client != nil {
		return c.Client, false
	}
	options := &redis.Options{Addr: c.Addr, Username: c.Username, Password: c.Password, DB: c.DB}
	return redis.NewClient(options), true
}

func (c *RedisConfig) prefix() string {
	if c.KeyPrefix == "" {
		return "procman:"
	}
	return c.KeyPrefix
}

// RedisInstanceStore is an IInstanceStore backed by Redis string keys.
//
// Keys are laid out as {prefix}instance:{processName}:{instanceID} with the
// record serialized as JSON. The engine guarantees a single in-flight writer
// per instance, so plain SET/GET/DEL is sufficient.
type RedisInstanceStore struct {
	client    redis.UniversalClient
	ownClient bool
	keyPrefix string
}

// NewRedisInstanceStore constructs a Redis instance store.
func NewRedisInstanceStore(cfg RedisConfig) *RedisInstanceStore {
	client, own := cfg.client()
	return &RedisInstanceStore{
		client:    client,
		ownClient: own,
		keyPrefix: cfg.prefix(),
	}
}

func (s *RedisInstanceStore) key(processName, instanceID string) string {
	return s.keyPrefix + "instance:" + processName + ":" + instanceID
}

// Load 加载实例记录
func (s *RedisInstanceStore) Load(ctx context.Context, processName, instanceID string) (*InstanceRecord, error) {
	data, err := s.client.Get(ctx, s.key(processName, instanceID)).Bytes()
	if err == redis.Nil {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, errors.Join(ErrInstanceStoreFailed, err)
	}

	var record InstanceRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, errors.Join(ErrInstanceStoreFailed, err)
	}
	return &record, nil
}

// Save 保存实例记录
func (s *RedisInstanceStore) Save(ctx context.Context, processName string, record *InstanceRecord) error {
	if processName == "" || !record.IsValid() {
		return ErrInvalidInstance
	}

	data, err := json.Marshal(record)
	if err != nil {
		return errors.Join(ErrInstanceStoreFailed, err)
	}
	if err := s.client.Set(ctx, s.key(processName, record.InstanceID), data, 0).Err(); err != nil {
		return errors.Join(ErrInstanceStoreFailed, err)
	}
	return nil
}

// Delete 删除实例记录
func (s *RedisInstanceStore) Delete(ctx context.Context, processName, instanceID string) error {
	if err := s.client.Del(ctx, s.key(processName, instanceID)).Err(); err != nil {
		return errors.Join(ErrInstanceStoreFailed, err)
	}
	return nil
}

// List 列出实例记录（SCAN 遍历，监控用，不保证快照一致性）
func (s *RedisInstanceStore) List(ctx context.Context, processName string) ([]*InstanceRecord, error) {
	pattern := s.keyPrefix + "instance:" + processName + ":*"

	var result []*InstanceRecord
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue // key expired/deleted between SCAN and GET
		}
		if err != nil {
			return nil, errors.Join(ErrInstanceStoreFailed, err)
		}
		var record InstanceRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, errors.Join(ErrInstanceStoreFailed, err)
		}
		result = append(result, &record)
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Join(ErrInstanceStoreFailed, err)
	}

	return result, nil
}

// Close releases an owned client.
func (s *RedisInstanceStore) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

// Ensure RedisInstanceStore implements IInstanceStore
var _ IInstanceStore = (*RedisInstanceStore)(nil)

// RedisCheckpointStore is an ICheckpointStore backed by Redis string keys.
//
// Keys are laid out as {prefix}checkpoint:{processName}. The single-writer
// discipline on the checkpoint record is enforced by subscription-name
// uniqueness, so no Redis-side locking is needed.
type RedisCheckpointStore struct {
	client    redis.UniversalClient
	ownClient bool
	keyPrefix string
}

// NewRedisCheckpointStore constructs a Redis checkpoint store.
func NewRedisCheckpointStore(cfg RedisConfig) *RedisCheckpointStore {
	client, own := cfg.client()
	return &RedisCheckpointStore{
		client:    client,
		ownClient: own,
		keyPrefix: cfg.prefix(),
	}
}

func (s *RedisCheckpointStore) key(processName string) string {
	return s.keyPrefix + "checkpoint:" + processName
}

// Load 加载检查点
func (s *RedisCheckpointStore) Load(ctx context.Context, processName string) (*Checkpoint, error) {
	data, err := s.client.Get(ctx, s.key(processName)).Bytes()
	if err == redis.Nil {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, errors.Join(ErrCheckpointStoreFailed, err)
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, errors.Join(ErrCheckpointStoreFailed, err)
	}
	return &checkpoint, nil
}

// Save 保存检查点
func (s *RedisCheckpointStore) Save(ctx context.Context, checkpoint *Checkpoint) error {
	if checkpoint == nil || !checkpoint.IsValid() {
		return ErrInvalidCheckpoint
	}

	data, err := json.Marshal(checkpoint)
	if err != nil {
		return errors.Join(ErrCheckpointStoreFailed, err)
	}
	if err := s.client.Set(ctx, s.key(checkpoint.ProcessName), data, 0).Err(); err != nil {
		return errors.Join(ErrCheckpointStoreFailed, err)
	}
	return nil
}

// Delete 删除检查点
func (s *RedisCheckpointStore) Delete(ctx context.Context, processName string) error {
	if err := s.client.Del(ctx, s.key(processName)).Err(); err != nil {
		return errors.Join(ErrCheckpointStoreFailed, err)
	}
	return nil
}

// Close releases an owned client.
func (s *RedisCheckpointStore) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

// Ensure RedisCheckpointStore implements ICheckpointStore
var _ ICheckpointStore = (*RedisCheckpointStore)(nil)
