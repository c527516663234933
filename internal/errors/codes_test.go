package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestRehashError_GRPCMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      *RehashError
		expected codes.Code
	}{
		{"invalid argument", InvalidArgument("bad", nil), codes.InvalidArgument},
		{"unknown command", UnknownCommand("nope"), codes.InvalidArgument},
		{"checksum", ChecksumFailed(1, 2), codes.DataLoss},
		{"timeout", Timeout("node-b", context.DeadlineExceeded), codes.DeadlineExceeded},
		{"push failed", PushFailed("node-b", nil), codes.Unavailable},
		{"translog state", TranslogState("drain", "disabled"), codes.FailedPrecondition},
		{"episode failed", EpisodeFailed("ep-1", nil), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.ToGRPCStatus().Code())
		})
	}
}

func TestRehashError_WrapsCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := EpisodeFailed("ep-1", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, "ep-1", err.Details["episode_id"])

	wrapped := fmt.Errorf("scheduler: %w", err)
	assert.True(t, IsRehashError(wrapped))
	assert.Equal(t, ErrCodeEpisodeFailed, GetCode(wrapped))
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, ErrCodeOK, GetCode(nil))
	assert.Equal(t, ErrCodeInternal, GetCode(fmt.Errorf("plain")))
	assert.Equal(t, ErrCodePullFailed, GetCode(PullFailed(2, nil)))
}

func TestFromGRPCStatus(t *testing.T) {
	original := ChecksumFailed(10, 20)
	rpcErr := original.ToGRPCStatus().Err()

	converted := FromGRPCStatus(rpcErr)
	require.NotNil(t, converted)
	assert.Equal(t, ErrCodeChecksumFailed, converted.Code)
	assert.Contains(t, converted.Error(), "checksum validation failed")

	deadline := FromGRPCStatus(status.Error(codes.DeadlineExceeded, "slow"))
	assert.Equal(t, ErrCodeTimeout, deadline.Code)

	plain := FromGRPCStatus(fmt.Errorf("not a status"))
	assert.Equal(t, ErrCodeInternal, plain.Code)
}

func TestToGRPCError(t *testing.T) {
	assert.NoError(t, ToGRPCError(nil))

	st, ok := status.FromError(ToGRPCError(fmt.Errorf("wrapped: %w", NotOwner("node-a", "k1"))))
	require.True(t, ok)
	assert.Equal(t, codes.FailedPrecondition, st.Code())

	st, _ = status.FromError(ToGRPCError(context.Canceled))
	assert.Equal(t, codes.Canceled, st.Code())

	st, _ = status.FromError(ToGRPCError(fmt.Errorf("plain")))
	assert.Equal(t, codes.Internal, st.Code())
}
