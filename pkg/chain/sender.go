package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/kzg4844"
	"github.com/holiman/uint256"
)

// DefaultGasLimit bounds anchoring transactions. Registry methods write a
// fixed-size record, so a static ceiling is sufficient.
const DefaultGasLimit = 500_000

// TxSender assembles, signs, and submits transactions through a Backend.
type TxSender struct {
	backend  Backend
	signer   *Signer
	gasLimit uint64
	logger   *slog.Logger
}

// NewTxSender builds a sender. gasLimit <= 0 selects DefaultGasLimit.
func NewTxSender(backend Backend, signer *Signer, gasLimit uint64, logger *slog.Logger) *TxSender {
	if gasLimit == 0 {
		gasLimit = DefaultGasLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TxSender{backend: backend, signer: signer, gasLimit: gasLimit, logger: logger.With("component", "txsender")}
}

// Address returns the sending account.
func (ts *TxSender) Address() common.Address {
	return ts.signer.Address()
}

// Backend exposes the underlying RPC client for read paths.
func (ts *TxSender) Backend() Backend {
	return ts.backend
}

// Send submits a calldata transaction to the given contract and returns the
// transaction hash.
func (ts *TxSender) Send(ctx context.Context, to common.Address, calldata []byte) (common.Hash, error) {
	chainID, nonce, gasPrice, err := ts.prepare(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      ts.gasLimit,
		GasPrice: gasPrice,
		Data:     calldata,
	})
	signed, err := ts.signer.SignTx(tx, chainID)
	if err != nil {
		return common.Hash{}, err
	}
	if err := ts.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("chain: send tx: %w", err)
	}
	ts.logger.Debug("transaction sent", "to", to.Hex(), "txHash", signed.Hash().Hex(), "nonce", nonce)
	return signed.Hash(), nil
}

// SendWithBlobs submits a type-3 transaction carrying the given payloads as
// blobs. Each payload is zero-padded into a full blob; the versioned hash
// commits to the padded blob bytes, and the sidecar carries the blobs with
// their KZG commitments and proofs so the data itself reaches the network.
func (ts *TxSender) SendWithBlobs(ctx context.Context, to common.Address, calldata []byte, payloads [][]byte, maxFeePerBlobGas *big.Int) (common.Hash, error) {
	chainID, nonce, gasPrice, err := ts.prepare(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	if maxFeePerBlobGas == nil {
		maxFeePerBlobGas = big.NewInt(1)
	}

	blobs := make([]kzg4844.Blob, 0, len(payloads))
	commitments := make([]kzg4844.Commitment, 0, len(payloads))
	proofs := make([]kzg4844.Proof, 0, len(payloads))
	blobHashes := make([]common.Hash, 0, len(payloads))
	for _, payload := range payloads {
		var blob kzg4844.Blob
		if len(payload) > len(blob) {
			return common.Hash{}, fmt.Errorf("chain: blob payload %d bytes exceeds %d", len(payload), len(blob))
		}
		copy(blob[:], payload)
		commitment, err := kzg4844.BlobToCommitment(&blob)
		if err != nil {
			return common.Hash{}, fmt.Errorf("chain: blob commitment: %w", err)
		}
		proof, err := kzg4844.ComputeBlobProof(&blob, commitment)
		if err != nil {
			return common.Hash{}, fmt.Errorf("chain: blob proof: %w", err)
		}
		blobs = append(blobs, blob)
		commitments = append(commitments, commitment)
		proofs = append(proofs, proof)
		blobHashes = append(blobHashes, crypto.Keccak256Hash(blob[:]))
	}

	chainU, overflow := uint256.FromBig(chainID)
	if overflow {
		return common.Hash{}, fmt.Errorf("chain: chain id overflows uint256: %s", chainID)
	}
	feeU, overflow := uint256.FromBig(gasPrice)
	if overflow {
		return common.Hash{}, fmt.Errorf("chain: gas price overflows uint256: %s", gasPrice)
	}
	blobFeeU, overflow := uint256.FromBig(maxFeePerBlobGas)
	if overflow {
		return common.Hash{}, fmt.Errorf("chain: blob fee overflows uint256: %s", maxFeePerBlobGas)
	}

	tx := types.NewTx(&types.BlobTx{
		ChainID:    chainU,
		Nonce:      nonce,
		GasTipCap:  feeU,
		GasFeeCap:  feeU,
		Gas:        ts.gasLimit,
		To:         to,
		Data:       calldata,
		BlobFeeCap: blobFeeU,
		BlobHashes: blobHashes,
		Sidecar:    types.NewBlobTxSidecar(types.BlobSidecarVersion0, blobs, commitments, proofs),
	})
	signed, err := ts.signer.SignTx(tx, chainID)
	if err != nil {
		return common.Hash{}, err
	}
	if err := ts.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("chain: send blob tx: %w", err)
	}
	ts.logger.Debug("blob transaction sent", "to", to.Hex(), "txHash", signed.Hash().Hex(), "blobs", len(blobHashes))
	return signed.Hash(), nil
}

func (ts *TxSender) prepare(ctx context.Context) (chainID *big.Int, nonce uint64, gasPrice *big.Int, err error) {
	chainID, err = ts.backend.ChainID(ctx)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("chain: chain id: %w", err)
	}
	nonce, err = ts.backend.PendingNonceAt(ctx, ts.signer.Address())
	if err != nil {
		return nil, 0, nil, fmt.Errorf("chain: nonce: %w", err)
	}
	gasPrice, err = ts.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("chain: gas price: %w", err)
	}
	return chainID, nonce, gasPrice, nil
}
