package transport

import (
	"time"

	"github.com/devrev/pairdb/cache-node/internal/model"
)

// CommandType identifies a remote command
type CommandType string

const (
	// CommandPullState asks a provider for the entries the origin gained
	CommandPullState CommandType = "pull_state"
	// CommandPushModifications forwards logged writes to new owners
	CommandPushModifications CommandType = "push_modifications"
	// CommandPushPrepares forwards pending prepares to new owners
	CommandPushPrepares CommandType = "push_prepares"
	// CommandPing checks that a peer is reachable
	CommandPing CommandType = "ping"
)

// Command is the payload of every remote call between cache nodes
type Command struct {
	ID        string      `json:"id"`
	Type      CommandType `json:"type"`
	Origin    string      `json:"origin"`
	EpisodeID string      `json:"episode_id,omitempty"`

	// View the origin is rehashing towards. Receivers rebuild it
	// deterministically from the member list.
	Members      []string `json:"members,omitempty"`
	Leavers      []string `json:"leavers,omitempty"`
	Joiners      []string `json:"joiners,omitempty"`
	VirtualNodes int      `json:"virtual_nodes,omitempty"`
	NumOwners    int      `json:"num_owners,omitempty"`

	Modifications []model.WriteCommand        `json:"modifications,omitempty"`
	Prepares      []model.PreparedTransaction `json:"prepares,omitempty"`
}

// Response is one target's answer to a Command
type Response struct {
	Target       string        `json:"target"`
	Success      bool          `json:"success"`
	ErrorMessage string        `json:"error_message,omitempty"`
	State        []model.Entry `json:"state,omitempty"`
	Checksum     uint32        `json:"checksum,omitempty"`
	Applied      int           `json:"applied,omitempty"`

	// Set locally by the invoker, never sent
	Err      error         `json:"-"`
	Duration time.Duration `json:"-"`
}

// ResponseMode controls whether InvokeRemotely waits for responses
type ResponseMode int

const (
	// ModeSynchronous waits for every target to answer or time out
	ModeSynchronous ResponseMode = iota
	// ModeAsynchronous returns immediately and discards responses
	ModeAsynchronous
)

func (m ResponseMode) String() string {
	if m == ModeAsynchronous {
		return "async"
	}
	return "sync"
}
