package transport

import (
	"context"
	"fmt"
	"time"

	rerrors "github.com/devrev/pairdb/cache-node/internal/errors"
	"github.com/devrev/pairdb/cache-node/internal/util/workerpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RemoteInvoker sends commands to peer nodes
type RemoteInvoker interface {
	// InvokeRemotely sends cmd to every target at most once. In synchronous
	// mode it returns one response per distinct target, in target order;
	// per-target failures are reported on the response, not as the error.
	// The error is non-nil only when ctx ends first.
	InvokeRemotely(ctx context.Context, targets []string, cmd *Command, mode ResponseMode, timeout time.Duration, usePool bool) ([]*Response, error)

	// InvokeRemotelyInFuture sends cmd to every target in the background
	InvokeRemotelyInFuture(ctx context.Context, targets []string, cmd *Command, timeout time.Duration) *Future
}

// Handler executes commands received from peers
type Handler interface {
	HandleCommand(ctx context.Context, cmd *Command) (*Response, error)
}

// Sender delivers a single command to a single target
type Sender interface {
	Send(ctx context.Context, target string, cmd *Command) (*Response, error)
}

// Invoker implements RemoteInvoker on top of a Sender
type Invoker struct {
	sender Sender
	pool   *workerpool.WorkerPool
	logger *zap.Logger
}

// NewInvoker creates an invoker. pool may be nil, in which case pooled
// invocations fall back to plain goroutines.
func NewInvoker(sender Sender, pool *workerpool.WorkerPool, logger *zap.Logger) *Invoker {
	return &Invoker{
		sender: sender,
		pool:   pool,
		logger: logger,
	}
}

// InvokeRemotely implements RemoteInvoker
func (i *Invoker) InvokeRemotely(
	ctx context.Context,
	targets []string,
	cmd *Command,
	mode ResponseMode,
	timeout time.Duration,
	usePool bool,
) ([]*Response, error) {
	targets = distinct(targets)
	if len(targets) == 0 {
		return []*Response{}, nil
	}

	if mode == ModeAsynchronous {
		// The caller does not wait, so the call must not die with its ctx
		go i.fanOut(context.WithoutCancel(ctx), targets, cmd, timeout, usePool)
		return []*Response{}, nil
	}

	responses := i.fanOut(ctx, targets, cmd, timeout, usePool)
	if err := ctx.Err(); err != nil {
		return responses, err
	}
	return responses, nil
}

// InvokeRemotelyInFuture implements RemoteInvoker
func (i *Invoker) InvokeRemotelyInFuture(ctx context.Context, targets []string, cmd *Command, timeout time.Duration) *Future {
	future := newFuture(targets)
	go func() {
		responses, err := i.InvokeRemotely(ctx, targets, cmd, ModeSynchronous, timeout, true)
		future.complete(responses, err)
	}()
	return future
}

// fanOut sends to all targets in parallel and collects one response per
// target. Goroutines never return an error so one failure does not
// cancel the others.
func (i *Invoker) fanOut(ctx context.Context, targets []string, cmd *Command, timeout time.Duration, usePool bool) []*Response {
	responses := make([]*Response, len(targets))

	var g errgroup.Group
	for idx, target := range targets {
		idx, target := idx, target
		g.Go(func() error {
			if usePool && i.pool != nil {
				var resp *Response
				taskID := fmt.Sprintf("%s-%s-%s", cmd.Type, cmd.ID, target)
				err := <-i.pool.Run(ctx, taskID, func(ctx context.Context) error {
					resp = i.call(ctx, target, cmd, timeout)
					return resp.Err
				})
				if resp == nil {
					resp = &Response{Target: target, Err: err, ErrorMessage: errorMessage(err)}
				}
				responses[idx] = resp
				return nil
			}
			responses[idx] = i.call(ctx, target, cmd, timeout)
			return nil
		})
	}
	_ = g.Wait()

	return responses
}

func (i *Invoker) call(ctx context.Context, target string, cmd *Command, timeout time.Duration) *Response {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := i.sender.Send(callCtx, target, cmd)
	duration := time.Since(start)

	if err == nil && resp == nil {
		err = rerrors.InternalError(fmt.Sprintf("empty response from %s", target), nil)
	}
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = rerrors.Timeout(target, err)
		}
		if ce := i.logger.Check(zap.DebugLevel, "Remote call failed"); ce != nil {
			ce.Write(
				zap.String("target", target),
				zap.String("command", string(cmd.Type)),
				zap.Duration("duration", duration),
				zap.Error(err))
		}
		return &Response{Target: target, Err: err, ErrorMessage: err.Error(), Duration: duration}
	}

	resp.Target = target
	resp.Duration = duration
	if !resp.Success && resp.Err == nil {
		msg := resp.ErrorMessage
		if msg == "" {
			msg = "remote reported failure"
		}
		resp.Err = rerrors.InternalError(fmt.Sprintf("%s from %s", msg, target), nil)
	}
	return resp
}

func distinct(targets []string) []string {
	out := make([]string, 0, len(targets))
	seen := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
