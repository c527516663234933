package util

import (
	"testing"

	"github.com/devrev/pairdb/cache-node/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeChecksum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"simple", []byte("hello world")},
		{"binary", []byte{0x00, 0x01, 0x02, 0x03, 0xFF}},
		{"large", make([]byte, 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, ComputeChecksum(tt.data), ComputeChecksum(tt.data))
		})
	}
}

func TestValidateChecksum(t *testing.T) {
	data := []byte("test data for checksum validation")
	checksum := ComputeChecksum(data)

	assert.True(t, ValidateChecksum(data, checksum))
	assert.False(t, ValidateChecksum(data, checksum+1))

	corrupted := append([]byte{}, data...)
	corrupted[0] ^= 0xFF
	assert.False(t, ValidateChecksum(corrupted, checksum))
}

func TestEntriesChecksum_OrderIndependent(t *testing.T) {
	a := model.Entry{Key: "a", Value: []byte("1"), Version: 1, Origin: "A"}
	b := model.Entry{Key: "b", Value: []byte("2"), Version: 2, Origin: "B"}

	first, err := EntriesChecksum([]model.Entry{a, b})
	require.NoError(t, err)
	second, err := EntriesChecksum([]model.Entry{b, a})
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestValidateEntriesChecksum(t *testing.T) {
	entries := []model.Entry{{Key: "a", Value: []byte("1"), Version: 1, Origin: "A"}}
	sum, err := EntriesChecksum(entries)
	require.NoError(t, err)

	_, ok, err := ValidateEntriesChecksum(entries, sum)
	require.NoError(t, err)
	assert.True(t, ok)

	entries[0].Value = []byte("tampered")
	actual, ok, err := ValidateEntriesChecksum(entries, sum)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotEqual(t, sum, actual)
}
