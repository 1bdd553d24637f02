package models

import "math/big"

// GuardInputs is the chain-state snapshot a guard evaluation runs against.
// All big.Int amounts are in the asset's smallest integer unit; deposit
// evaluations use the asset-denominated fields, withdraw evaluations use the
// share-denominated ones.
type GuardInputs struct {
	Connected bool

	// Decimals is the underlying asset's; ShareDecimals is the vault share
	// token's. They usually agree but the contract does not promise it.
	Decimals      uint8
	ShareDecimals uint8

	// Deposit side (asset units).
	PerUserCap       *big.Int
	VaultCap         *big.Int
	UserSupplied     *big.Int
	VaultTotalAssets *big.Int
	PendingDeposit   *big.Int
	ClaimableDeposit *big.Int

	// Withdraw side (share units).
	UserShares      *big.Int
	PendingRedeem   *big.Int
	ClaimableRedeem *big.Int
}

// GuardResult is ephemeral: recomputed whenever the amount or any input
// changes, never persisted. Headrooms are human-decimal strings for display;
// comparisons never use them.
type GuardResult struct {
	Eligible      bool   `json:"eligible"`
	Reason        string `json:"reason,omitempty"`
	UserHeadroom  string `json:"user_headroom,omitempty"`
	VaultHeadroom string `json:"vault_headroom,omitempty"`
}
