package model

// Entry is a single cached value as held by the data container and as
// shipped between nodes during state transfer.
type Entry struct {
	Key       string `json:"key"`
	Value     []byte `json:"value,omitempty"`
	Version   int64  `json:"version"`
	Origin    string `json:"origin"`
	Tombstone bool   `json:"tombstone,omitempty"`
}

// NewerThan reports whether e wins over other under last-write-wins.
// Ties on version are broken by origin so that every node picks the same
// winner.
func (e Entry) NewerThan(other Entry) bool {
	if e.Version != other.Version {
		return e.Version > other.Version
	}
	return e.Origin > other.Origin
}

// Same reports whether two entries carry the same write.
func (e Entry) Same(other Entry) bool {
	return e.Version == other.Version && e.Origin == other.Origin
}
