package services

import (
	"math/big"
	"testing"

	"vault-backend/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func units(human int64, decimals uint8) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Int).Mul(big.NewInt(human), scale)
}

func depositInputs() models.GuardInputs {
	return models.GuardInputs{
		Connected:        true,
		Decimals:         6,
		PerUserCap:       units(10000, 6),
		VaultCap:         units(1000000, 6),
		UserSupplied:     units(9000, 6),
		VaultTotalAssets: units(999500, 6),
		PendingDeposit:   big.NewInt(0),
		ClaimableDeposit: big.NewInt(0),
	}
}

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount("1.5", 6)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1500000), v)

	_, err = ParseAmount("0", 6)
	assert.Error(t, err)
	_, err = ParseAmount("-3", 6)
	assert.Error(t, err)
	_, err = ParseAmount("abc", 6)
	assert.Error(t, err)
	// More fractional digits than the asset carries.
	_, err = ParseAmount("0.0000001", 6)
	assert.Error(t, err)
}

func TestEvaluateDepositCapHeadrooms(t *testing.T) {
	in := depositInputs()

	// 9000 of a 10000 per-user cap already supplied: 1500 busts the user
	// cap even though the request itself is well-formed.
	result := EvaluateDeposit("1500", in)
	assert.False(t, result.Eligible)
	assert.Equal(t, "amount exceeds your remaining per-user deposit cap", result.Reason)
	assert.Equal(t, "1000.000000", result.UserHeadroom)
	assert.Equal(t, "500.000000", result.VaultHeadroom)

	// 400 fits both the user headroom (1000) and the vault headroom (500).
	result = EvaluateDeposit("400", in)
	assert.True(t, result.Eligible)
	assert.Empty(t, result.Reason)

	// 600 fits the user but busts the vault.
	result = EvaluateDeposit("600", in)
	assert.False(t, result.Eligible)
	assert.Equal(t, "amount exceeds the vault's remaining capacity", result.Reason)
}

func TestEvaluateDepositPendingCountsAgainstUserCap(t *testing.T) {
	in := depositInputs()
	in.UserSupplied = units(8000, 6)
	in.PendingDeposit = units(1500, 6)

	// A pending request blocks before any cap math applies.
	result := EvaluateDeposit("100", in)
	assert.False(t, result.Eligible)
	assert.Contains(t, result.Reason, "already pending")
}

func TestEvaluateDepositClaimableBlocks(t *testing.T) {
	in := depositInputs()
	in.ClaimableDeposit = units(100, 6)

	result := EvaluateDeposit("100", in)
	assert.False(t, result.Eligible)
	assert.Equal(t, "claim your settled deposit first", result.Reason)
}

func TestEvaluateDepositInputGating(t *testing.T) {
	in := depositInputs()
	in.Connected = false
	result := EvaluateDeposit("100", in)
	assert.False(t, result.Eligible)

	in = depositInputs()
	result = EvaluateDeposit("", in)
	assert.False(t, result.Eligible)

	result = EvaluateDeposit("not-a-number", in)
	assert.False(t, result.Eligible)
	assert.Equal(t, "enter a valid positive amount", result.Reason)
}

func TestEvaluateDepositOverdrawnCapsClampToZero(t *testing.T) {
	in := depositInputs()
	in.UserSupplied = units(12000, 6) // above the cap already

	result := EvaluateDeposit("1", in)
	assert.False(t, result.Eligible)
	assert.Equal(t, "0.000000", result.UserHeadroom)
}

func TestEvaluateWithdraw(t *testing.T) {
	in := models.GuardInputs{
		Connected:       true,
		Decimals:        18,
		ShareDecimals:   18,
		UserShares:      units(5, 18),
		PendingRedeem:   big.NewInt(0),
		ClaimableRedeem: big.NewInt(0),
	}

	result := EvaluateWithdraw("3", in)
	assert.True(t, result.Eligible)

	result = EvaluateWithdraw("6", in)
	assert.False(t, result.Eligible)
	assert.Equal(t, "amount exceeds your share balance", result.Reason)
	assert.Equal(t, "5.000000000000000000", result.UserHeadroom)

	in.PendingRedeem = units(1, 18)
	result = EvaluateWithdraw("1", in)
	assert.False(t, result.Eligible)
	assert.Contains(t, result.Reason, "already pending")

	in.PendingRedeem = big.NewInt(0)
	in.ClaimableRedeem = units(2, 18)
	result = EvaluateWithdraw("1", in)
	assert.False(t, result.Eligible)
	assert.Equal(t, "claim your settled withdrawal first", result.Reason)
}

func TestEvaluateWithdrawUsesShareDecimals(t *testing.T) {
	// Shares run at 18 decimals while the asset runs at 6; withdraw amounts
	// are share-denominated and must parse and render against 18.
	in := models.GuardInputs{
		Connected:       true,
		Decimals:        6,
		ShareDecimals:   18,
		UserShares:      units(5, 18),
		PendingRedeem:   big.NewInt(0),
		ClaimableRedeem: big.NewInt(0),
	}

	result := EvaluateWithdraw("4", in)
	assert.True(t, result.Eligible)
	assert.Equal(t, "5.000000000000000000", result.UserHeadroom)

	result = EvaluateWithdraw("5.000000000000000001", in)
	assert.False(t, result.Eligible)
	assert.Equal(t, "amount exceeds your share balance", result.Reason)
}

func TestFormatBaseUnits(t *testing.T) {
	assert.Equal(t, "1.500000", FormatBaseUnits(big.NewInt(1500000), 6))
	assert.Equal(t, "0.000000", FormatBaseUnits(big.NewInt(0), 6))
}
