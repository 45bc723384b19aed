package treasury

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/predictlabs/settler/internal/domain"
)

type fakeEthClient struct {
	nonce    uint64
	balance  *big.Int
	sendErr  error
	lastSent *gethtypes.Transaction
}

func (f *fakeEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeEthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(30_000_000_000), nil
}

func (f *fakeEthClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeEthClient) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.lastSent = tx
	return nil
}

const custodyKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func newTestEth(t *testing.T, client *fakeEthClient) *Eth {
	t.Helper()
	e, err := NewEth(client, custodyKeyHex, 137, slog.Default())
	require.NoError(t, err)
	return e
}

func TestEthTransferSignsAndSends(t *testing.T) {
	client := &fakeEthClient{nonce: 7}
	e := newTestEth(t, client)

	to := "0x8ba1f109551bD432803012645Ac136ddd64DBA72"
	amount := big.NewInt(1_500_000_000_000_000_000)

	require.NoError(t, e.Transfer(context.Background(), to, amount))
	require.NotNil(t, client.lastSent)
	require.Equal(t, uint64(7), client.lastSent.Nonce())
	require.Equal(t, common.HexToAddress(to), *client.lastSent.To())
	require.Equal(t, amount, client.lastSent.Value())

	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(137)), client.lastSent)
	require.NoError(t, err)
	require.Equal(t, e.CustodyAddress(), sender)
}

func TestEthTransferZeroAmountIsNoOp(t *testing.T) {
	client := &fakeEthClient{}
	e := newTestEth(t, client)

	require.NoError(t, e.Transfer(context.Background(), "0x8ba1f109551bD432803012645Ac136ddd64DBA72", big.NewInt(0)))
	require.Nil(t, client.lastSent)
}

func TestEthTransferRejectsBadAddress(t *testing.T) {
	e := newTestEth(t, &fakeEthClient{})
	err := e.Transfer(context.Background(), "not-an-address", big.NewInt(1))
	require.Error(t, err)
}

func TestEthTransferPropagatesSendFailure(t *testing.T) {
	client := &fakeEthClient{sendErr: errors.New("rpc down")}
	e := newTestEth(t, client)

	err := e.Transfer(context.Background(), "0x8ba1f109551bD432803012645Ac136ddd64DBA72", big.NewInt(1))
	require.ErrorContains(t, err, "rpc down")
}

func TestEthDepositChecksCustodyBalance(t *testing.T) {
	client := &fakeEthClient{balance: big.NewInt(100)}
	e := newTestEth(t, client)

	require.NoError(t, e.Deposit(context.Background(), "acct", big.NewInt(100)))

	err := e.Deposit(context.Background(), "acct", big.NewInt(101))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
}
