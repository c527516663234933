package model

import "time"

// OpType is the kind of mutation carried by a Modification
type OpType string

const (
	// OpPut stores a value
	OpPut OpType = "put"
	// OpRemove deletes a value
	OpRemove OpType = "remove"
)

// Modification is one key mutation with the version it was applied at
type Modification struct {
	Op      OpType `json:"op"`
	Key     string `json:"key"`
	Value   []byte `json:"value,omitempty"`
	Version int64  `json:"version"`
	Origin  string `json:"origin"`
}

// ToEntry converts the modification into the entry it produces
func (m Modification) ToEntry() Entry {
	return Entry{
		Key:       m.Key,
		Value:     m.Value,
		Version:   m.Version,
		Origin:    m.Origin,
		Tombstone: m.Op == OpRemove,
	}
}

// ModificationFor is the inverse of ToEntry
func ModificationFor(e Entry) Modification {
	m := Modification{Op: OpPut, Key: e.Key, Value: e.Value, Version: e.Version, Origin: e.Origin}
	if e.Tombstone {
		m.Op = OpRemove
		m.Value = nil
	}
	return m
}

// WriteCommand is a logged write: one or more modifications applied
// atomically on the origin node.
type WriteCommand struct {
	ID            string         `json:"id"`
	Origin        string         `json:"origin"`
	Modifications []Modification `json:"modifications"`
}

// AffectedKeys returns the distinct keys touched by the command
func (c WriteCommand) AffectedKeys() []string {
	return distinctKeys(c.Modifications)
}

// PreparedTransaction is a transaction that finished the prepare phase
// but has not committed or rolled back yet.
type PreparedTransaction struct {
	TxID          string         `json:"tx_id"`
	Origin        string         `json:"origin"`
	Modifications []Modification `json:"modifications"`
	PreparedAt    time.Time      `json:"prepared_at"`
}

// AffectedKeys returns the distinct keys touched by the transaction
func (t PreparedTransaction) AffectedKeys() []string {
	return distinctKeys(t.Modifications)
}

func distinctKeys(mods []Modification) []string {
	keys := make([]string, 0, len(mods))
	seen := make(map[string]struct{}, len(mods))
	for _, m := range mods {
		if _, ok := seen[m.Key]; ok {
			continue
		}
		seen[m.Key] = struct{}{}
		keys = append(keys, m.Key)
	}
	return keys
}
