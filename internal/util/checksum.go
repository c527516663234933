package util

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/devrev/pairdb/cache-node/internal/model"
)

// Checksum utilities for state transfer integrity
// Uses CRC32 (IEEE polynomial)

var (
	crc32Table = crc32.MakeTable(crc32.IEEE)
)

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ValidateChecksum validates data against an expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// EntriesChecksum computes a checksum over a canonical encoding of
// entries. The result does not depend on the order of the input.
func EntriesChecksum(entries []model.Entry) (uint32, error) {
	data, err := encodeEntries(entries)
	if err != nil {
		return 0, err
	}
	return ComputeChecksum(data), nil
}

// ValidateEntriesChecksum recomputes the entries checksum and compares
// it with expected. It returns the actual checksum.
func ValidateEntriesChecksum(entries []model.Entry, expected uint32) (uint32, bool, error) {
	data, err := encodeEntries(entries)
	if err != nil {
		return 0, false, err
	}
	return ComputeChecksum(data), ValidateChecksum(data, expected), nil
}

// encodeEntries sorts by key, then oldest version first
func encodeEntries(entries []model.Entry) ([]byte, error) {
	sorted := make([]model.Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Key != sorted[j].Key {
			return sorted[i].Key < sorted[j].Key
		}
		return sorted[j].NewerThan(sorted[i])
	})

	data, err := json.Marshal(sorted)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entries: %w", err)
	}
	return data, nil
}
