package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const anchorRegistryABI = `[
	{"type":"function","name":"anchorBundle","stateMutability":"nonpayable",
	 "inputs":[{"name":"merkleRoot","type":"bytes32"},{"name":"eventCount","type":"uint256"},{"name":"metadata","type":"string"}],
	 "outputs":[]}
]`

const checkpointRegistryABI = `[
	{"type":"function","name":"submitCheckpoint","stateMutability":"nonpayable",
	 "inputs":[{"name":"l2Root","type":"bytes32"},{"name":"daoStateRoot","type":"bytes32"},{"name":"metadata","type":"string"}],
	 "outputs":[]},
	{"type":"function","name":"getCheckpoint","stateMutability":"view",
	 "inputs":[{"name":"id","type":"uint256"}],
	 "outputs":[{"name":"l2Root","type":"bytes32"},{"name":"daoStateRoot","type":"bytes32"},{"name":"timestamp","type":"uint256"}]},
	{"type":"function","name":"getLatestCheckpoint","stateMutability":"view",
	 "inputs":[],
	 "outputs":[{"name":"id","type":"uint256"},{"name":"l2Root","type":"bytes32"},{"name":"daoStateRoot","type":"bytes32"},{"name":"timestamp","type":"uint256"}]}
]`

const bridgeABI = `[
	{"type":"function","name":"emitCrossChainReceipt","stateMutability":"nonpayable",
	 "inputs":[{"name":"receiptId","type":"string"},{"name":"targetChain","type":"string"},{"name":"encodedData","type":"bytes"}],
	 "outputs":[]}
]`

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("chain: bad ABI: %v", err))
	}
	return parsed
}

var (
	anchorABI     = mustABI(anchorRegistryABI)
	checkpointABI = mustABI(checkpointRegistryABI)
	bridgeABIv    = mustABI(bridgeABI)
)

// AnchorRegistry writes batch roots on chain.
type AnchorRegistry struct {
	sender *TxSender
	addr   common.Address
}

// NewAnchorRegistry binds the registry at addr.
func NewAnchorRegistry(sender *TxSender, addr common.Address) *AnchorRegistry {
	return &AnchorRegistry{sender: sender, addr: addr}
}

// AnchorBundle submits anchorBundle(merkleRoot, eventCount, metadata) and
// returns the transaction hash.
func (r *AnchorRegistry) AnchorBundle(ctx context.Context, merkleRoot [32]byte, eventCount uint64, metadata string) (common.Hash, error) {
	calldata, err := anchorABI.Pack("anchorBundle", merkleRoot, new(big.Int).SetUint64(eventCount), metadata)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pack anchorBundle: %w", err)
	}
	return r.sender.Send(ctx, r.addr, calldata)
}

// CheckpointRecord is an on-chain checkpoint as read from the registry.
type CheckpointRecord struct {
	ID           *big.Int
	L2Root       [32]byte
	DAOStateRoot [32]byte
	Timestamp    *big.Int
}

// CheckpointRegistry commits rollup roots to the L1 registry.
type CheckpointRegistry struct {
	sender *TxSender
	addr   common.Address
}

// NewCheckpointRegistry binds the registry at addr.
func NewCheckpointRegistry(sender *TxSender, addr common.Address) *CheckpointRegistry {
	return &CheckpointRegistry{sender: sender, addr: addr}
}

// SubmitCheckpoint submits submitCheckpoint(l2Root, daoStateRoot, metadata).
func (r *CheckpointRegistry) SubmitCheckpoint(ctx context.Context, l2Root, daoStateRoot [32]byte, metadata string) (common.Hash, error) {
	calldata, err := checkpointABI.Pack("submitCheckpoint", l2Root, daoStateRoot, metadata)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pack submitCheckpoint: %w", err)
	}
	return r.sender.Send(ctx, r.addr, calldata)
}

// GetCheckpoint reads checkpoint id from the registry.
func (r *CheckpointRegistry) GetCheckpoint(ctx context.Context, id *big.Int) (CheckpointRecord, error) {
	calldata, err := checkpointABI.Pack("getCheckpoint", id)
	if err != nil {
		return CheckpointRecord{}, fmt.Errorf("chain: pack getCheckpoint: %w", err)
	}
	out, err := r.call(ctx, calldata)
	if err != nil {
		return CheckpointRecord{}, err
	}
	values, err := checkpointABI.Unpack("getCheckpoint", out)
	if err != nil {
		return CheckpointRecord{}, fmt.Errorf("chain: unpack getCheckpoint: %w", err)
	}
	rec := CheckpointRecord{ID: id}
	rec.L2Root = values[0].([32]byte)
	rec.DAOStateRoot = values[1].([32]byte)
	rec.Timestamp = values[2].(*big.Int)
	return rec, nil
}

// GetLatestCheckpoint reads the most recent checkpoint.
func (r *CheckpointRegistry) GetLatestCheckpoint(ctx context.Context) (CheckpointRecord, error) {
	calldata, err := checkpointABI.Pack("getLatestCheckpoint")
	if err != nil {
		return CheckpointRecord{}, fmt.Errorf("chain: pack getLatestCheckpoint: %w", err)
	}
	out, err := r.call(ctx, calldata)
	if err != nil {
		return CheckpointRecord{}, err
	}
	values, err := checkpointABI.Unpack("getLatestCheckpoint", out)
	if err != nil {
		return CheckpointRecord{}, fmt.Errorf("chain: unpack getLatestCheckpoint: %w", err)
	}
	return CheckpointRecord{
		ID:           values[0].(*big.Int),
		L2Root:       values[1].([32]byte),
		DAOStateRoot: values[2].([32]byte),
		Timestamp:    values[3].(*big.Int),
	}, nil
}

func (r *CheckpointRegistry) call(ctx context.Context, calldata []byte) ([]byte, error) {
	out, err := r.sender.Backend().CallContract(ctx, ethereum.CallMsg{To: &r.addr, Data: calldata}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call checkpoint registry: %w", err)
	}
	return out, nil
}

// Bridge emits cross-chain receipts on the source chain.
type Bridge struct {
	sender *TxSender
	addr   common.Address
}

// NewBridge binds the bridge contract at addr.
func NewBridge(sender *TxSender, addr common.Address) *Bridge {
	return &Bridge{sender: sender, addr: addr}
}

// EmitCrossChainReceipt submits emitCrossChainReceipt(receiptId, targetChain,
// encodedData).
func (b *Bridge) EmitCrossChainReceipt(ctx context.Context, receiptID, targetChain string, encodedData []byte) (common.Hash, error) {
	calldata, err := bridgeABIv.Pack("emitCrossChainReceipt", receiptID, targetChain, encodedData)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pack emitCrossChainReceipt: %w", err)
	}
	return b.sender.Send(ctx, b.addr, calldata)
}
