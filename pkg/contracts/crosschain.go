package contracts

// CrossChainStatus is the relay lifecycle of a cross-chain receipt.
type CrossChainStatus string

const (
	CrossChainPending   CrossChainStatus = "pending"
	CrossChainConfirmed CrossChainStatus = "confirmed"
	CrossChainFailed    CrossChainStatus = "failed"
)

// CrossChainReceipt is a user-level receipt emitted on a source chain and
// tracked to confirmation depth on a target chain. Receipts are in-flight
// only; persistence is an upstream concern.
type CrossChainReceipt struct {
	ReceiptID   string           `json:"receiptId"`
	SourceChain string           `json:"sourceChain"`
	TargetChain string           `json:"targetChain"`
	Data        map[string]any   `json:"data,omitempty"`
	Timestamp   int64            `json:"timestamp"`
	Status      CrossChainStatus `json:"status"`
	TxHash      string           `json:"txHash,omitempty"`
}

// ExplorerEntry is a per-tenant, time-keyed index entry.
type ExplorerEntry struct {
	AppID     string         `json:"appId"`
	EventID   string         `json:"eventId"`
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}
