package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"job-agent-go/internal/config"
	"job-agent-go/internal/constants"
	"job-agent-go/internal/types"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key is not found in Redis.
// It wraps the underlying redis.Nil error for abstraction.
var ErrNotFound = redis.Nil

// Redis wraps the Redis client
type Redis struct {
	Client *redis.Client
	config *config.RedisConfig
}

// NewRedisAdapter creates a new Redis client connection
func NewRedisAdapter(cfg *config.RedisConfig) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	opt := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,

		DialTimeout:  time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,
	}

	client := redis.NewClient(opt)

	// 添加OpenTelemetry钩子, 记录所有Redis操作
	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, fmt.Errorf("failed to instrument Redis with OpenTelemetry: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	return &Redis{Client: client, config: cfg}, nil
}

// Close closes the Redis client connection
func (r *Redis) Close() error {
	if r.Client != nil {
		return r.Client.Close()
	}
	return nil
}

// Ping checks the Redis connection
func (r *Redis) Ping(ctx context.Context) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	return r.Client.Ping(ctx).Err()
}

// GetMD5ExpireDuration 返回配置的MD5记录过期时间
func (r *Redis) GetMD5ExpireDuration() time.Duration {
	days := r.config.MD5RecordExpireDays
	if days <= 0 {
		days = 365
	}
	return time.Duration(days) * 24 * time.Hour
}

// SetMD5Version 记录内容MD5到版本ID的映射，用于重复上传短路
func (r *Redis) SetMD5Version(ctx context.Context, md5Hex, versionID string) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	key := fmt.Sprintf(constants.KeyResumeMD5ToVersion, md5Hex)
	return r.Client.Set(ctx, key, versionID, r.GetMD5ExpireDuration()).Err()
}

// GetVersionByMD5 按内容MD5查已存在的版本ID，不存在返回空串
func (r *Redis) GetVersionByMD5(ctx context.Context, md5Hex string) (string, error) {
	if r.Client == nil {
		return "", fmt.Errorf("redis client is not initialized")
	}
	key := fmt.Sprintf(constants.KeyResumeMD5ToVersion, md5Hex)
	versionID, err := r.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return versionID, nil
}

// SetActiveVersion 缓存当前活跃版本ID。
// MySQL的is_active是事实来源，这里只是热路径缓存。
func (r *Redis) SetActiveVersion(ctx context.Context, versionID string) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	return r.Client.Set(ctx, constants.KeyActiveResumeVersion, versionID, 0).Err()
}

// GetActiveVersion 读取缓存的活跃版本ID，未命中返回空串
func (r *Redis) GetActiveVersion(ctx context.Context) (string, error) {
	if r.Client == nil {
		return "", fmt.Errorf("redis client is not initialized")
	}
	versionID, err := r.Client.Get(ctx, constants.KeyActiveResumeVersion).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return versionID, nil
}

// CacheMatchResult 缓存幂等键对应的终态匹配结果
func (r *Redis) CacheMatchResult(ctx context.Context, result *types.MatchResult, ttl time.Duration) error {
	if r.Client == nil {
		return fmt.Errorf("redis client is not initialized")
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("序列化匹配结果失败: %w", err)
	}
	key := fmt.Sprintf(constants.KeyMatchResult, result.VacancyID, result.ResumeVersionID)
	return r.Client.Set(ctx, key, data, ttl).Err()
}

// GetCachedMatchResult 读取缓存的匹配结果，未命中返回(nil, nil)
func (r *Redis) GetCachedMatchResult(ctx context.Context, vacancyID, versionID string) (*types.MatchResult, error) {
	if r.Client == nil {
		return nil, fmt.Errorf("redis client is not initialized")
	}
	key := fmt.Sprintf(constants.KeyMatchResult, vacancyID, versionID)
	data, err := r.Client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var result types.MatchResult
	if err := json.Unmarshal(data, &result); err != nil {
		// 缓存内容损坏时当作未命中，让调用方回源MySQL
		return nil, nil
	}
	return &result, nil
}
