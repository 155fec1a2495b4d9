package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/common/config"
	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/common/logger"
	"github.com/Kamaleswaran-Lab/pedABX-MAAI/pkg/common/models"
)

// FeatureCache keeps each encounter's most recent labeled vector hot in Redis
// so the serving collaborator can read current features without touching the
// matrix artifact.
type FeatureCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewFeatureCache(cfg *config.Config) (*FeatureCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	logger.Log.Info("connected to Redis feature cache")
	return &FeatureCache{client: client, ttl: cfg.FeatureCacheTTL}, nil
}

func (c *FeatureCache) CacheLatest(ctx context.Context, sample models.LabeledSample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("features:%s", sample.EncounterID)
	return c.client.Set(ctx, key, data, c.ttl).Err()
}

func (c *FeatureCache) Close() error {
	return c.client.Close()
}
