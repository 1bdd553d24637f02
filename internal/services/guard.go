package services

import (
	"fmt"
	"math/big"

	"vault-backend/internal/models"

	"github.com/shopspring/decimal"
)

// The guard is a pure pre-flight check run before a new request is allowed:
// recomputed on every amount change, never persisted, and never a source of
// errors: ineligibility is a normal result the caller decides how to show.
//
// All comparisons run in the asset's smallest integer unit. Headrooms are
// rendered as fixed-decimal human strings only for display.

var zero = big.NewInt(0)

// ParseAmount converts a positive human-decimal amount into base units.
func ParseAmount(amount string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if d.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %q", amount)
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", amount, decimals)
	}
	return shifted.BigInt(), nil
}

// FormatBaseUnits renders a base-unit value as a fixed-decimal human string.
func FormatBaseUnits(v *big.Int, decimals uint8) string {
	return decimal.NewFromBigInt(v, -int32(decimals)).StringFixed(int32(decimals))
}

// EvaluateDeposit checks whether a new deposit request for amount (human
// units) is allowed against the given chain-state snapshot.
func EvaluateDeposit(amount string, in models.GuardInputs) models.GuardResult {
	if !in.Connected || amount == "" {
		return models.GuardResult{Eligible: false, Reason: "connect a wallet and enter an amount"}
	}

	requested, err := ParseAmount(amount, in.Decimals)
	if err != nil {
		return models.GuardResult{Eligible: false, Reason: "enter a valid positive amount"}
	}

	// One outstanding deposit request per user per vault.
	if in.PendingDeposit != nil && in.PendingDeposit.Cmp(zero) > 0 {
		return models.GuardResult{Eligible: false, Reason: "a deposit request is already pending; wait for settlement or cancel it first"}
	}

	// An unclaimed settlement blocks stacking a new request on top of it.
	if in.ClaimableDeposit != nil && in.ClaimableDeposit.Cmp(zero) > 0 {
		return models.GuardResult{Eligible: false, Reason: "claim your settled deposit first"}
	}

	userEffective := new(big.Int).Add(orZero(in.UserSupplied), orZero(in.PendingDeposit))
	userHeadroom := headroom(in.PerUserCap, userEffective)
	vaultHeadroom := headroom(in.VaultCap, in.VaultTotalAssets)

	result := models.GuardResult{
		UserHeadroom:  FormatBaseUnits(userHeadroom, in.Decimals),
		VaultHeadroom: FormatBaseUnits(vaultHeadroom, in.Decimals),
	}

	if requested.Cmp(userHeadroom) > 0 {
		result.Reason = "amount exceeds your remaining per-user deposit cap"
		return result
	}
	if requested.Cmp(vaultHeadroom) > 0 {
		result.Reason = "amount exceeds the vault's remaining capacity"
		return result
	}

	result.Eligible = true
	return result
}

// EvaluateWithdraw is the share-denominated analog of EvaluateDeposit.
// Withdrawals carry no caps; the only ceiling is the user's share balance.
func EvaluateWithdraw(amount string, in models.GuardInputs) models.GuardResult {
	if !in.Connected || amount == "" {
		return models.GuardResult{Eligible: false, Reason: "connect a wallet and enter an amount"}
	}

	requested, err := ParseAmount(amount, in.ShareDecimals)
	if err != nil {
		return models.GuardResult{Eligible: false, Reason: "enter a valid positive amount"}
	}

	if in.PendingRedeem != nil && in.PendingRedeem.Cmp(zero) > 0 {
		return models.GuardResult{Eligible: false, Reason: "a withdraw request is already pending; wait for settlement or cancel it first"}
	}

	if in.ClaimableRedeem != nil && in.ClaimableRedeem.Cmp(zero) > 0 {
		return models.GuardResult{Eligible: false, Reason: "claim your settled withdrawal first"}
	}

	available := orZero(in.UserShares)
	result := models.GuardResult{
		UserHeadroom: FormatBaseUnits(available, in.ShareDecimals),
	}

	if requested.Cmp(available) > 0 {
		result.Reason = "amount exceeds your share balance"
		return result
	}

	result.Eligible = true
	return result
}

// headroom returns max(0, cap - used).
func headroom(capAmount, used *big.Int) *big.Int {
	h := new(big.Int).Sub(orZero(capAmount), orZero(used))
	if h.Sign() < 0 {
		return big.NewInt(0)
	}
	return h
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return zero
	}
	return v
}
