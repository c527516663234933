package transport

import "context"

// Future holds the responses of a background invocation
type Future struct {
	targets   []string
	done      chan struct{}
	responses []*Response
	err       error
}

func newFuture(targets []string) *Future {
	return &Future{
		targets: targets,
		done:    make(chan struct{}),
	}
}

func (f *Future) complete(responses []*Response, err error) {
	f.responses = responses
	f.err = err
	close(f.done)
}

// Targets returns the targets the invocation was sent to
func (f *Future) Targets() []string {
	return f.targets
}

// Done is closed when every target answered or timed out
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Get waits for the invocation or for ctx, whichever ends first
func (f *Future) Get(ctx context.Context) ([]*Response, error) {
	select {
	case <-f.done:
		return f.responses, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
