package treasury

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/predictlabs/settler/internal/domain"
)

// EthClient is the subset of the Ethereum RPC the treasury uses.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
}

// Eth pays settlements as native-token transfers from a hot custody wallet.
// Deposits are not initiated here; stakers send value to the custody address
// on-chain and the API layer records the stake once the operator confirms it.
type Eth struct {
	client   EthClient
	key      *ecdsa.PrivateKey
	custody  common.Address
	chainID  *big.Int
	gasLimit uint64
	logger   *slog.Logger
}

// DialEth connects to the given RPC endpoint and builds an Eth treasury
// around the hex-encoded custody private key.
func DialEth(endpoint, privateKeyHex string, chainID int64, logger *slog.Logger) (*Eth, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("treasury: rpc endpoint required")
	}
	client, err := ethclient.Dial(trimmed)
	if err != nil {
		return nil, fmt.Errorf("treasury: dial %s: %w", trimmed, err)
	}
	return NewEth(client, privateKeyHex, chainID, logger)
}

// NewEth builds an Eth treasury on an existing client.
func NewEth(client EthClient, privateKeyHex string, chainID int64, logger *slog.Logger) (*Eth, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("treasury: invalid custody key: %w", err)
	}
	return &Eth{
		client:   client,
		key:      key,
		custody:  ethcrypto.PubkeyToAddress(key.PublicKey),
		chainID:  big.NewInt(chainID),
		gasLimit: 21_000, // native transfer
		logger:   logger.With(slog.String("component", "treasury.eth")),
	}, nil
}

var _ domain.Treasury = (*Eth)(nil)

// CustodyAddress returns the hot wallet address stakers deposit to.
func (e *Eth) CustodyAddress() common.Address {
	return e.custody
}

// Deposit verifies that the custody wallet actually holds the deposited
// value. The transfer itself happens on-chain before the stake is recorded,
// so this is a sanity check, not a movement.
func (e *Eth) Deposit(ctx context.Context, from string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("treasury: deposit amount must be non-negative")
	}
	balance, err := e.client.BalanceAt(ctx, e.custody, nil)
	if err != nil {
		return fmt.Errorf("treasury: custody balance: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("treasury: custody holds %s, deposit claims %s: %w",
			balance, amount, domain.ErrInsufficientFunds)
	}
	e.logger.Debug("deposit verified",
		slog.String("from", from), slog.String("amount", amount.String()))
	return nil
}

// Transfer sends amount to the account as a signed native transfer.
func (e *Eth) Transfer(ctx context.Context, to string, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("treasury: transfer amount must be non-negative")
	}
	if amount.Sign() == 0 {
		return nil
	}
	if !common.IsHexAddress(to) {
		return fmt.Errorf("treasury: %q is not a valid address", to)
	}

	nonce, err := e.client.PendingNonceAt(ctx, e.custody)
	if err != nil {
		return fmt.Errorf("treasury: pending nonce: %w", err)
	}
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("treasury: gas price: %w", err)
	}

	tx := gethtypes.NewTransaction(nonce, common.HexToAddress(to), amount, e.gasLimit, gasPrice, nil)
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return fmt.Errorf("treasury: sign transfer: %w", err)
	}

	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("treasury: send transfer to %s: %w", to, err)
	}

	e.logger.Info("transfer submitted",
		slog.String("to", to),
		slog.String("amount", amount.String()),
		slog.String("tx", signed.Hash().Hex()))
	return nil
}
