package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const nativeTransferGas = 21000

// nativeDecimals converts accounting amounts to wei.
const nativeDecimals = 18

// EVMBackend is the subset of the Ethereum RPC the settlement client uses.
type EVMBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// DialEVM initialises an Ethereum RPC client for the endpoint.
func DialEVM(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger: evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// EVMClient settles withdrawals by submitting native-coin transfers signed
// with the treasury key.
type EVMClient struct {
	backend EVMBackend
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
}

// NewEVMClient constructs a client from a backend and a hex-encoded treasury
// private key. The chain id is resolved once at startup.
func NewEVMClient(ctx context.Context, backend EVMBackend, keyHex string) (*EVMClient, error) {
	if backend == nil {
		return nil, fmt.Errorf("ledger: backend required")
	}
	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(keyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse treasury key: %w", err)
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: resolve chain id: %w", err)
	}
	return &EVMClient{
		backend: backend,
		key:     key,
		from:    gethcrypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
	}, nil
}

// From returns the treasury address transfers are sent from.
func (c *EVMClient) From() common.Address { return c.from }

// Submit signs and broadcasts the transfer, returning the transaction hash.
func (c *EVMClient) Submit(ctx context.Context, transfer Transfer) (string, error) {
	if !common.IsHexAddress(transfer.To) {
		return "", fmt.Errorf("ledger: invalid destination address %q", transfer.To)
	}
	if transfer.Amount.Sign() <= 0 {
		return "", fmt.Errorf("ledger: amount must be positive")
	}
	to := common.HexToAddress(transfer.To)
	value := transfer.Amount.Shift(nativeDecimals).BigInt()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", fmt.Errorf("ledger: fetch nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("ledger: fetch gas price: %w", err)
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      nativeTransferGas,
		GasPrice: gasPrice,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return "", fmt.Errorf("ledger: sign transfer: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("ledger: broadcast transfer: %w", err)
	}
	return signed.Hash().Hex(), nil
}

// Status maps the receipt state onto the settlement status model. A missing
// receipt means the transfer is still pending.
func (c *EVMClient) Status(ctx context.Context, txRef string) (Status, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(txRef))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return StatusPending, nil
		}
		return StatusPending, fmt.Errorf("ledger: fetch receipt: %w", err)
	}
	if receipt == nil {
		return StatusPending, nil
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return StatusFailed, nil
	}
	return StatusConfirmed, nil
}
