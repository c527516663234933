package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devrev/pairdb/cache-node/internal/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "pairdb:cachenode"

// RedisEpisodeStore implements EpisodeStore on Redis. Each episode is a
// JSON string with a TTL; a sorted set scored by start time indexes them.
type RedisEpisodeStore struct {
	client *redis.Client
	nodeID string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisEpisodeStore connects to Redis and returns an episode store
func NewRedisEpisodeStore(addr, password string, db int, nodeID string, ttl time.Duration, logger *zap.Logger) (*RedisEpisodeStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisEpisodeStore{
		client: client,
		nodeID: nodeID,
		ttl:    ttl,
		logger: logger,
	}, nil
}

func (s *RedisEpisodeStore) episodeKey(episodeID string) string {
	return fmt.Sprintf("%s:%s:episode:%s", redisKeyPrefix, s.nodeID, episodeID)
}

func (s *RedisEpisodeStore) indexKey() string {
	return fmt.Sprintf("%s:%s:episodes", redisKeyPrefix, s.nodeID)
}

// Save stores episode and indexes it by start time
func (s *RedisEpisodeStore) Save(ctx context.Context, episode *model.Episode) error {
	data, err := json.Marshal(episode)
	if err != nil {
		return fmt.Errorf("failed to marshal episode: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.episodeKey(episode.EpisodeID), data, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(episode.StartedAt.UnixNano()),
		Member: episode.EpisodeID,
	})
	if s.ttl > 0 {
		// Index entries older than the TTL point at expired keys
		cutoff := time.Now().Add(-s.ttl).UnixNano()
		pipe.ZRemRangeByScore(ctx, s.indexKey(), "-inf", fmt.Sprintf("(%d", cutoff))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save episode: %w", err)
	}
	return nil
}

// Get returns the episode with the given ID
func (s *RedisEpisodeStore) Get(ctx context.Context, episodeID string) (*model.Episode, error) {
	data, err := s.client.Get(ctx, s.episodeKey(episodeID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var episode model.Episode
	if err := json.Unmarshal(data, &episode); err != nil {
		return nil, fmt.Errorf("failed to unmarshal episode: %w", err)
	}
	return &episode, nil
}

// List returns episodes, newest first
func (s *RedisEpisodeStore) List(ctx context.Context, limit int) ([]*model.Episode, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list episodes: %w", err)
	}
	if len(ids) == 0 {
		return []*model.Episode{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.episodeKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load episodes: %w", err)
	}

	out := make([]*model.Episode, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Expired between ZREVRANGE and MGET
			continue
		}
		var episode model.Episode
		if err := json.Unmarshal([]byte(raw), &episode); err != nil {
			s.logger.Warn("Skipping unreadable episode",
				zap.String("episode_id", ids[i]),
				zap.Error(err))
			continue
		}
		out = append(out, &episode)
	}
	return out, nil
}

// Ping checks the Redis connection
func (s *RedisEpisodeStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisEpisodeStore) Close() error {
	return s.client.Close()
}
