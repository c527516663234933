package transport

import (
	"context"
	"net"
	"testing"
	"time"

	rerrors "github.com/devrev/pairdb/cache-node/internal/errors"
	"github.com/devrev/pairdb/cache-node/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticResolver map[string]string

func (r staticResolver) Address(nodeID string) (string, bool) {
	addr, ok := r[nodeID]
	return addr, ok
}

func startGRPCServer(t *testing.T, h Handler) string {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := NewGRPCServer(h, 0, zap.NewNop())
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(func() { server.Stop(time.Second) })

	return lis.Addr().String()
}

func TestGRPC_RoundTrip(t *testing.T) {
	addr := startGRPCServer(t, handlerFunc(func(ctx context.Context, cmd *Command) (*Response, error) {
		return &Response{
			Success:  true,
			Applied:  len(cmd.Modifications),
			State:    []model.Entry{{Key: "k1", Value: []byte("v1"), Version: 7, Origin: cmd.Origin}},
			Checksum: 42,
		}, nil
	}))

	sender := NewGRPCSender(staticResolver{"B": addr}, zap.NewNop())
	defer sender.Close()
	invoker := NewInvoker(sender, nil, zap.NewNop())

	cmd := &Command{
		ID:     "c1",
		Type:   CommandPushModifications,
		Origin: "A",
		Modifications: []model.WriteCommand{{
			ID:     "w1",
			Origin: "A",
			Modifications: []model.Modification{
				{Op: model.OpPut, Key: "k1", Value: []byte("v1"), Version: 7, Origin: "A"},
			},
		}},
	}

	responses, err := invoker.InvokeRemotely(context.Background(), []string{"B"}, cmd, ModeSynchronous, 5*time.Second, false)
	require.NoError(t, err)
	require.Len(t, responses, 1)

	resp := responses[0]
	require.NoError(t, resp.Err)
	assert.Equal(t, "B", resp.Target)
	assert.Equal(t, 1, resp.Applied)
	assert.Equal(t, uint32(42), resp.Checksum)
	require.Len(t, resp.State, 1)
	assert.Equal(t, []byte("v1"), resp.State[0].Value)
	assert.Equal(t, "A", resp.State[0].Origin)
}

func TestGRPC_HandlerErrorKeepsCode(t *testing.T) {
	addr := startGRPCServer(t, handlerFunc(func(ctx context.Context, cmd *Command) (*Response, error) {
		return nil, rerrors.UnknownCommand(string(cmd.Type))
	}))

	sender := NewGRPCSender(staticResolver{"B": addr}, zap.NewNop())
	defer sender.Close()

	_, err := sender.Send(context.Background(), "B", &Command{Type: "bogus"})
	require.Error(t, err)
	assert.Equal(t, rerrors.ErrCodeInvalidArgument, rerrors.GetCode(err))
	assert.Contains(t, err.Error(), "unknown command type 'bogus'")
}

func TestGRPC_UnknownTarget(t *testing.T) {
	sender := NewGRPCSender(staticResolver{}, zap.NewNop())

	_, err := sender.Send(context.Background(), "nobody", &Command{Type: CommandPing})
	assert.Equal(t, rerrors.ErrCodeUnavailable, rerrors.GetCode(err))
}
