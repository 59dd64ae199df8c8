package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/tokenflow/stream"
)

// =============================================================================
// 💾 快照存储
// =============================================================================

const snapshotKeyPrefix = "tokenflow:snapshot:"

// ErrSnapshotMiss 快照未命中错误
var ErrSnapshotMiss = fmt.Errorf("snapshot miss")

// IsSnapshotMiss 判断是否为快照未命中错误
func IsSnapshotMiss(err error) bool {
	return err == ErrSnapshotMiss
}

// Config 快照存储配置
type Config struct {
	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// 快照保留时间
	SnapshotTTL time.Duration `yaml:"snapshot_ttl" json:"snapshot_ttl"`

	// 最大重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// 最小空闲连接数
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns"`
}

// DefaultConfig 返回默认快照存储配置
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		SnapshotTTL:  time.Hour,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// Snapshot 流终止快照
type Snapshot struct {
	StreamID string       `json:"stream_id"`
	Reason   string       `json:"reason"`
	Stats    stream.Stats `json:"stats"`
	SavedAt  time.Time    `json:"saved_at"`
}

// SnapshotStore 快照存储器
type SnapshotStore struct {
	redis  *redis.Client
	config Config
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// NewSnapshotStore 创建快照存储器并验证 Redis 连接
func NewSnapshotStore(config Config, logger *zap.Logger) (*SnapshotStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := &SnapshotStore{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "snapshot_store")),
	}

	logger.Info("snapshot store initialized",
		zap.String("addr", config.Addr),
		zap.Duration("snapshot_ttl", config.SnapshotTTL),
	)

	return s, nil
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Save 保存流终止快照，按配置的 TTL 过期。
func (s *SnapshotStore) Save(ctx context.Context, id, reason string, stats stream.Stats) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("snapshot store is closed")
	}

	snap := Snapshot{
		StreamID: id,
		Reason:   reason,
		Stats:    stats,
		SavedAt:  time.Now(),
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	ttl := s.config.SnapshotTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	if err := s.redis.Set(ctx, snapshotKeyPrefix+id, data, ttl).Err(); err != nil {
		s.logger.Error("snapshot save failed", zap.String("stream_id", id), zap.Error(err))
		return fmt.Errorf("snapshot save failed: %w", err)
	}

	return nil
}

// Load 读取流终止快照。快照不存在或已过期时返回 ErrSnapshotMiss。
func (s *SnapshotStore) Load(ctx context.Context, id string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("snapshot store is closed")
	}

	val, err := s.redis.Get(ctx, snapshotKeyPrefix+id).Result()
	if err == redis.Nil {
		return nil, ErrSnapshotMiss
	}
	if err != nil {
		s.logger.Error("snapshot load failed", zap.String("stream_id", id), zap.Error(err))
		return nil, fmt.Errorf("snapshot load failed: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// Delete 删除流终止快照
func (s *SnapshotStore) Delete(ctx context.Context, ids ...string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("snapshot store is closed")
	}

	if len(ids) == 0 {
		return nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = snapshotKeyPrefix + id
	}

	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		s.logger.Error("snapshot delete failed", zap.Strings("stream_ids", ids), zap.Error(err))
		return fmt.Errorf("snapshot delete failed: %w", err)
	}

	return nil
}

// Ping 检查 Redis 连接
func (s *SnapshotStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("snapshot store is closed")
	}

	return s.redis.Ping(ctx).Err()
}

// Close 关闭快照存储器
func (s *SnapshotStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.logger.Info("closing snapshot store")

	return s.redis.Close()
}

// OnStreamEnd 返回可挂接到流管理器终止钩子的回调。保存失败只记日志，
// 不阻断终止路径。
func (s *SnapshotStore) OnStreamEnd() func(id, reason string, stats stream.Stats) {
	return func(id, reason string, stats stream.Stats) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.Save(ctx, id, reason, stats); err != nil {
			s.logger.Warn("failed to persist stream snapshot",
				zap.String("stream_id", id),
				zap.String("reason", reason),
				zap.Error(err),
			)
		}
	}
}
