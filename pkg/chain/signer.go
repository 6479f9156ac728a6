package chain

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Mindburn-Labs/anchorline/pkg/secrets"
)

// Signer holds the ECDSA key used to sign anchoring transactions.
type Signer struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewSigner parses a hex-encoded secp256k1 private key, with or without a
// 0x prefix.
func NewSigner(hexKey string) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("chain: parse signer key: %w", err)
	}
	return &Signer{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// SignerFromSecrets loads the signing key from the secret manager under name.
func SignerFromSecrets(sm *secrets.Manager, name, actor string) (*Signer, error) {
	hexKey, err := sm.Get(name, actor)
	if err != nil {
		return nil, fmt.Errorf("chain: load signer key %q: %w", name, err)
	}
	return NewSigner(hexKey)
}

// Address returns the signer's account address.
func (s *Signer) Address() common.Address {
	return s.addr
}

// SignTx signs tx for the given chain id.
func (s *Signer) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("chain: sign tx: %w", err)
	}
	return signed, nil
}
