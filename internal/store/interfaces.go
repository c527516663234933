package store

import (
	"context"
	"errors"

	"github.com/devrev/pairdb/cache-node/internal/model"
)

// ErrNotFound is returned when an episode is not found
var ErrNotFound = errors.New("not found")

// EpisodeStore keeps the history of rehash episodes run by this node
type EpisodeStore interface {
	// Save inserts or replaces an episode
	Save(ctx context.Context, episode *model.Episode) error
	Get(ctx context.Context, episodeID string) (*model.Episode, error)
	// List returns up to limit episodes, most recently started first.
	// A limit <= 0 returns all of them.
	List(ctx context.Context, limit int) ([]*model.Episode, error)
	Ping(ctx context.Context) error
	Close() error
}
