package domain

// Broadcaster identifies who is streaming a broadcast.
type Broadcaster struct {
	Name string `json:"name"`
}

// BroadcastRecord is an immutable snapshot of a viewable broadcast as listed
// by the relay.
type BroadcastRecord struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Broadcaster Broadcaster `json:"broadcaster"`
}

// Frame is one chunk of game-state data belonging to a broadcast.
type Frame struct {
	BroadcastID string `json:"broadcast_id"`
	Seq         uint64 `json:"seq"`
	Data        []byte `json:"data"`
}

// CloneRecords copies a record map so callers never share the owner's map.
func CloneRecords(in map[string]BroadcastRecord) map[string]BroadcastRecord {
	out := make(map[string]BroadcastRecord, len(in))
	for id, rec := range in {
		out[id] = rec
	}
	return out
}
