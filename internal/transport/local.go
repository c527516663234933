package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	rerrors "github.com/devrev/pairdb/cache-node/internal/errors"
)

// Fault describes an injected failure for calls to one target
type Fault struct {
	Delay time.Duration // Added before the call is delivered
	Drop  bool          // Never deliver; the call ends with its context
	Err   error         // Returned instead of delivering
}

// LocalNetwork is an in-process Sender connecting registered handlers.
// Commands and responses go through the wire codec so receivers never
// share memory with senders.
type LocalNetwork struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	faults   map[string]Fault
	calls    map[string]int
}

// NewLocalNetwork creates an empty network
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		handlers: make(map[string]Handler),
		faults:   make(map[string]Fault),
		calls:    make(map[string]int),
	}
}

// Register attaches a node's handler
func (n *LocalNetwork) Register(nodeID string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[nodeID] = h
}

// Unregister detaches a node; later calls to it fail as unavailable
func (n *LocalNetwork) Unregister(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, nodeID)
}

// SetFault injects a fault for calls to target
func (n *LocalNetwork) SetFault(target string, f Fault) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.faults[target] = f
}

// ClearFault removes an injected fault
func (n *LocalNetwork) ClearFault(target string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.faults, target)
}

// Calls returns how many commands were addressed to target
func (n *LocalNetwork) Calls(target string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.calls[target]
}

// Send implements Sender
func (n *LocalNetwork) Send(ctx context.Context, target string, cmd *Command) (*Response, error) {
	n.mu.Lock()
	n.calls[target]++
	handler, ok := n.handlers[target]
	fault, faulty := n.faults[target]
	n.mu.Unlock()

	if faulty {
		if fault.Delay > 0 {
			select {
			case <-time.After(fault.Delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if fault.Drop {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		if fault.Err != nil {
			return nil, fault.Err
		}
	}
	if !ok {
		return nil, rerrors.Unavailable(fmt.Sprintf("node %s is not reachable", target), nil)
	}

	wireCmd := new(Command)
	if err := roundTrip(cmd, wireCmd); err != nil {
		return nil, err
	}

	resp, err := handler.HandleCommand(ctx, wireCmd)
	if err != nil {
		return nil, err
	}

	wireResp := new(Response)
	if err := roundTrip(resp, wireResp); err != nil {
		return nil, err
	}
	return wireResp, nil
}

func roundTrip(in, out interface{}) error {
	data, err := codec.Marshal(in)
	if err != nil {
		return rerrors.InternalError("failed to encode message", err)
	}
	if err := codec.Unmarshal(data, out); err != nil {
		return rerrors.InternalError("failed to decode message", err)
	}
	return nil
}
