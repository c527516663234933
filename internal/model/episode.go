package model

import "time"

// Episode is the record of one rehash episode on one node
type Episode struct {
	EpisodeID      string          `json:"episode_id"`
	NodeID         string          `json:"node_id"`
	Type           EpisodeType     `json:"type"`
	Status         EpisodeStatus   `json:"status"`
	Leavers        []string        `json:"leavers,omitempty"`
	Joiners        []string        `json:"joiners,omitempty"`
	Members        []string        `json:"members"`
	Receiver       bool            `json:"receiver"`
	Progress       EpisodeProgress `json:"progress"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	FailedOutcomes []string        `json:"failed_outcomes,omitempty"`
}

// EpisodeType represents the membership change that caused the episode
type EpisodeType string

const (
	// EpisodeTypeLeave is triggered by one or more members leaving
	EpisodeTypeLeave EpisodeType = "leave"
	// EpisodeTypeJoin is triggered by one or more members joining
	EpisodeTypeJoin EpisodeType = "join"
	// EpisodeTypeMixed has both leavers and joiners
	EpisodeTypeMixed EpisodeType = "mixed"
)

// EpisodeStatus represents the status of an episode
type EpisodeStatus string

const (
	// EpisodeStatusInProgress indicates the episode is running
	EpisodeStatusInProgress EpisodeStatus = "in_progress"
	// EpisodeStatusCompleted indicates the episode finished without error
	EpisodeStatusCompleted EpisodeStatus = "completed"
	// EpisodeStatusSkipped indicates rehashing was disabled
	EpisodeStatusSkipped EpisodeStatus = "skipped"
	// EpisodeStatusFailed indicates the episode returned an error
	EpisodeStatusFailed EpisodeStatus = "failed"
)

// EpisodeProgress counts the work done by an episode
type EpisodeProgress struct {
	EntriesPulled      int64 `json:"entries_pulled"`
	CommandsForwarded  int64 `json:"commands_forwarded"`
	PreparesForwarded  int64 `json:"prepares_forwarded"`
	DrainIterations    int   `json:"drain_iterations"`
	EntriesInvalidated int64 `json:"entries_invalidated"`
}

// EpisodeTypeFor derives the episode type from the membership delta
func EpisodeTypeFor(leavers, joiners []string) EpisodeType {
	switch {
	case len(leavers) > 0 && len(joiners) > 0:
		return EpisodeTypeMixed
	case len(joiners) > 0:
		return EpisodeTypeJoin
	default:
		return EpisodeTypeLeave
	}
}
