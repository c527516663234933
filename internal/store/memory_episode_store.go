package store

import (
	"context"
	"sort"
	"sync"

	"github.com/devrev/pairdb/cache-node/internal/model"
	"go.uber.org/zap"
)

// MemoryEpisodeStore implements EpisodeStore with a bounded map. When
// full, the oldest episode is evicted.
type MemoryEpisodeStore struct {
	mu       sync.RWMutex
	episodes map[string]*model.Episode
	maxItems int
	logger   *zap.Logger
}

// NewMemoryEpisodeStore creates an in-memory episode store
func NewMemoryEpisodeStore(maxItems int, logger *zap.Logger) *MemoryEpisodeStore {
	if maxItems <= 0 {
		maxItems = 256
	}
	return &MemoryEpisodeStore{
		episodes: make(map[string]*model.Episode),
		maxItems: maxItems,
		logger:   logger,
	}
}

// Save stores a copy of episode
func (s *MemoryEpisodeStore) Save(ctx context.Context, episode *model.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.episodes[episode.EpisodeID]; !exists && len(s.episodes) >= s.maxItems {
		s.evictOldestLocked()
	}
	s.episodes[episode.EpisodeID] = cloneEpisode(episode)
	return nil
}

func (s *MemoryEpisodeStore) evictOldestLocked() {
	var oldest *model.Episode
	for _, e := range s.episodes {
		if oldest == nil || e.StartedAt.Before(oldest.StartedAt) {
			oldest = e
		}
	}
	if oldest != nil {
		delete(s.episodes, oldest.EpisodeID)
		s.logger.Debug("Evicted episode", zap.String("episode_id", oldest.EpisodeID))
	}
}

// Get returns the episode with the given ID
func (s *MemoryEpisodeStore) Get(ctx context.Context, episodeID string) (*model.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.episodes[episodeID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEpisode(e), nil
}

// List returns episodes, newest first
func (s *MemoryEpisodeStore) List(ctx context.Context, limit int) ([]*model.Episode, error) {
	s.mu.RLock()
	out := make([]*model.Episode, 0, len(s.episodes))
	for _, e := range s.episodes {
		out = append(out, cloneEpisode(e))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].EpisodeID < out[j].EpisodeID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds
func (s *MemoryEpisodeStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *MemoryEpisodeStore) Close() error {
	return nil
}

func cloneEpisode(e *model.Episode) *model.Episode {
	c := *e
	c.Leavers = append([]string(nil), e.Leavers...)
	c.Joiners = append([]string(nil), e.Joiners...)
	c.Members = append([]string(nil), e.Members...)
	c.FailedOutcomes = append([]string(nil), e.FailedOutcomes...)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
