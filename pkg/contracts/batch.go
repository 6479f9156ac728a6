package contracts

// Batch is an ordered, hashed window of events sealed by the sequencer.
// Events are sorted by (timestamp asc, id asc); an empty batch is never
// emitted.
type Batch struct {
	ID         string        `json:"id"`
	Events     []AnchorEvent `json:"events"`
	MerkleRoot string        `json:"merkleRoot"`
	StartTime  int64         `json:"startTime"`
	EndTime    int64         `json:"endTime"`
	EventCount int           `json:"eventCount"`
}

// BatchMetadata is the metadata string content carried alongside the root in
// the anchor transaction.
type BatchMetadata struct {
	BatchID   string `json:"batchId"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
}

// BatchEventSummary is the event-stripped per-event record published through
// the DA channel. Data is reduced to its canonical hash.
type BatchEventSummary struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	UserID    string `json:"userId,omitempty"`
	DataHash  string `json:"dataHash"`
}

// BatchData is the externalized batch payload plus its published transaction
// reference.
type BatchData struct {
	BatchID    string              `json:"batchId"`
	MerkleRoot string              `json:"merkleRoot"`
	EventCount int                 `json:"eventCount"`
	Events     []BatchEventSummary `json:"events"`
	Metadata   BatchMetadata       `json:"metadata"`
}

// Checkpoint is a periodic commitment of aggregate rollup state to L1.
type Checkpoint struct {
	L2Root       string             `json:"l2Root"`
	DAOStateRoot string             `json:"daoStateRoot"`
	Timestamp    int64              `json:"timestamp"`
	BatchCount   uint64             `json:"batchCount"`
	EventCount   uint64             `json:"eventCount"`
	Metadata     CheckpointMetadata `json:"metadata"`
	TxHash       string             `json:"txHash,omitempty"`
}

// CheckpointMetadata links a checkpoint to its predecessor.
type CheckpointMetadata struct {
	CheckpointNumber   uint64 `json:"checkpointNumber"`
	PreviousCheckpoint string `json:"previousCheckpoint,omitempty"`
}
