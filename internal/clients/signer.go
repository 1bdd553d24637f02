package clients

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"vault-backend/internal/config"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer is the capability the gateway needs from whatever holds the key.
// The concrete implementation is chosen once at startup by NewSignerFromConfig
// rather than re-derived per call.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
	Name() string
}

// PrivateKeySigner signs with an in-process secp256k1 key.
type PrivateKeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewPrivateKeySigner(hexKey string) (*PrivateKeySigner, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &PrivateKeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

func (s *PrivateKeySigner) Address() common.Address {
	return s.address
}

func (s *PrivateKeySigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

func (s *PrivateKeySigner) Name() string {
	return "PrivateKey"
}

// NewSignerFromConfig picks the signer implementation for this session.
func NewSignerFromConfig(cfg *config.BlockchainConfig) (Signer, error) {
	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("no signing key configured: set blockchain.privateKey or VAULT_SIGNER_KEY")
	}
	return NewPrivateKeySigner(cfg.PrivateKey)
}
