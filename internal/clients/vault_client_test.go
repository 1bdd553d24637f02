package clients

import (
	"math/big"
	"strings"
	"testing"

	"vault-backend/internal/models"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testWallet = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testSigner = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func newTestVaultClient(t *testing.T) *VaultClient {
	t.Helper()
	vaultABI, err := abi.JSON(strings.NewReader(vaultABIJSON))
	require.NoError(t, err)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return &VaultClient{vaultABI: vaultABI, logger: logger}
}

func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

// requestLogFor builds a DepositRequest/RedeemRequest log the way this
// service's own submissions emit it: the wallet as controller, the service
// signer as owner.
func requestLogFor(t *testing.T, c *VaultClient, eventName string, requestID int64, amount *big.Int) types.Log {
	t.Helper()
	data, err := c.vaultABI.Events[eventName].Inputs.NonIndexed().Pack(testSigner, amount)
	require.NoError(t, err)
	return types.Log{
		Topics: []common.Hash{
			c.vaultABI.Events[eventName].ID,
			addressTopic(testWallet),
			addressTopic(testSigner),
			common.BigToHash(big.NewInt(requestID)),
		},
		Data: data,
	}
}

func TestMatchRequestLogMatchesControllerTopic(t *testing.T) {
	c := newTestVaultClient(t)
	amount := big.NewInt(1_500_000)
	lg := requestLogFor(t, c, "DepositRequest", 7, amount)

	found := c.matchRequestLog([]types.Log{lg}, "DepositRequest", testWallet)
	require.NotNil(t, found)
	assert.Equal(t, "7", found.RequestID.String())
	assert.Equal(t, testWallet.Hex(), found.Controller)
	assert.Equal(t, testSigner.Hex(), found.Owner)
	assert.Equal(t, amount, found.Amount)

	// The wallet never appears in the owner slot on our submissions, so a
	// search keyed to the owner topic would find nothing.
	assert.Nil(t, c.matchRequestLog([]types.Log{lg}, "DepositRequest", testSigner))
}

func TestMatchRequestLogSkipsOtherControllers(t *testing.T) {
	c := newTestVaultClient(t)
	other := requestLogFor(t, c, "RedeemRequest", 3, big.NewInt(10))
	other.Topics[1] = addressTopic(common.HexToAddress("0x3333333333333333333333333333333333333333"))
	mine := requestLogFor(t, c, "RedeemRequest", 4, big.NewInt(20))

	found := c.matchRequestLog([]types.Log{other, mine}, "RedeemRequest", testWallet)
	require.NotNil(t, found)
	assert.Equal(t, "4", found.RequestID.String())
}

func TestDecodeSettlementLogMatchesClaimReceiver(t *testing.T) {
	c := newTestVaultClient(t)

	// redeem(shares, receiver=wallet, owner=signer) emits Withdraw with the
	// wallet in the receiver topic and the signer in the owner topic.
	withdraw := types.Log{
		Topics: []common.Hash{
			c.vaultABI.Events["Withdraw"].ID,
			addressTopic(testSigner),
			addressTopic(testWallet),
			addressTopic(testSigner),
		},
	}
	event, ok := c.decodeSettlementLog(withdraw, testWallet)
	require.True(t, ok)
	assert.Equal(t, models.KindWithdraw, event.Kind)
	assert.Equal(t, testWallet.Hex(), event.Owner)

	_, ok = c.decodeSettlementLog(withdraw, testSigner)
	assert.False(t, ok)

	// deposit(assets, receiver=wallet) puts the wallet in the owner topic.
	deposit := types.Log{
		Topics: []common.Hash{
			c.vaultABI.Events["Deposit"].ID,
			addressTopic(testSigner),
			addressTopic(testWallet),
		},
	}
	event, ok = c.decodeSettlementLog(deposit, testWallet)
	require.True(t, ok)
	assert.Equal(t, models.KindDeposit, event.Kind)
}

func TestDecodeSettlementLogBatchEventsAreVaultWide(t *testing.T) {
	c := newTestVaultClient(t)
	settle := types.Log{
		Topics: []common.Hash{
			c.vaultABI.Events["SettleRedeem"].ID,
			common.BigToHash(big.NewInt(1)),
			common.BigToHash(big.NewInt(1)),
		},
	}
	event, ok := c.decodeSettlementLog(settle, testWallet)
	require.True(t, ok)
	assert.Equal(t, models.KindWithdraw, event.Kind)
	assert.Empty(t, event.Owner)
}
