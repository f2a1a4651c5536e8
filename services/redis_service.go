package services

import (
	"context"
	"fmt"
	"time"

	"encoding/json"

	"github.com/go-redis/redis/v8"

	"facial-sync-service/config"
	"facial-sync-service/models"
)

// RedisService handles Redis operations
type RedisService struct {
	Client *redis.Client
	Ctx    context.Context
}

// NewRedisService creates a new Redis service
func NewRedisService(cfg *config.Config) *RedisService {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx := context.Background()

	return &RedisService{
		Client: client,
		Ctx:    ctx,
	}
}

// Set sets a key-value pair in Redis with expiration
func (s *RedisService) Set(key string, value interface{}, expiration time.Duration) error {
	jsonValue, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return s.Client.Set(s.Ctx, key, jsonValue, expiration).Err()
}

// Get gets a value from Redis by key
func (s *RedisService) Get(key string, dest interface{}) error {
	val, err := s.Client.Get(s.Ctx, key).Result()
	if err != nil {
		return err
	}

	return json.Unmarshal([]byte(val), dest)
}

// Delete deletes a key from Redis
func (s *RedisService) Delete(key string) error {
	return s.Client.Del(s.Ctx, key).Err()
}

// CacheLatestEvent caches the most recent access event for a device
func (s *RedisService) CacheLatestEvent(event *models.AccessEvent) error {
	key := "latest_event:" + event.DeviceIP
	return s.Set(key, event, 24*time.Hour)
}

// GetLatestEvent gets the most recent access event for a device
func (s *RedisService) GetLatestEvent(deviceIP string, dest *models.AccessEvent) error {
	return s.Get("latest_event:"+deviceIP, dest)
}

// CacheTaskStatistics caches queue statistics for the status endpoint
func (s *RedisService) CacheTaskStatistics(stats map[string]int64, expiration time.Duration) error {
	return s.Set("task_statistics", stats, expiration)
}

// GetTaskStatistics gets cached queue statistics
func (s *RedisService) GetTaskStatistics(dest *map[string]int64) error {
	return s.Get("task_statistics", dest)
}

// CacheSyncResult caches the result of a sync run by its run ID
func (s *RedisService) CacheSyncResult(result *models.SyncResult) error {
	key := fmt.Sprintf("sync_result:%s", result.RunID)
	return s.Set(key, result, 24*time.Hour)
}

// GetSyncResult gets a cached sync run result
func (s *RedisService) GetSyncResult(runID string, dest *models.SyncResult) error {
	return s.Get(fmt.Sprintf("sync_result:%s", runID), dest)
}
