package models

import (
	"context"
	"math/big"
)

// ReceiptStatus is the outcome of waiting for a submitted transaction.
type ReceiptStatus struct {
	Success     bool   `json:"success"`
	BlockNumber uint64 `json:"block_number"`
	TxHash      string `json:"tx_hash"`
}

// RequestLog is a decoded DepositRequest/RedeemRequest event.
type RequestLog struct {
	RequestID  *big.Int `json:"request_id"`
	Controller string   `json:"controller"`
	Owner      string   `json:"owner"`
	Amount     *big.Int `json:"amount"`
}

// SettlementEvent is a vault-wide Deposit/Withdraw event matching an owner,
// observed through a long-lived subscription. It is the event-driven
// counterpart to pending-amount polling; either path may settle an entry.
type SettlementEvent struct {
	Kind        RequestKind `json:"kind"`
	Owner       string      `json:"owner"`
	TxHash      string      `json:"tx_hash"`
	BlockNumber uint64      `json:"block_number"`
}

// VaultClientInterface is the chain-gateway surface the settlement watcher
// depends on. The concrete client wraps an ethclient; tests substitute fakes.
type VaultClientInterface interface {
	// WaitForReceipt blocks until the transaction's receipt is observed or
	// the gateway's own timeout/retry policy gives up. The watcher does not
	// impose a second timeout layer on top of this.
	WaitForReceipt(ctx context.Context, txHash string) (*ReceiptStatus, error)

	// FilterRequestLogs scans the given block for a DepositRequest or
	// RedeemRequest event whose controller matches the wallet. The wallet
	// is the ERC-7540 controller on requests this service submits, with
	// the service signer as the on-chain owner. Returns nil without error
	// when no matching log exists.
	FilterRequestLogs(ctx context.Context, kind RequestKind, controller string, blockNumber uint64) (*RequestLog, error)

	// PendingDepositRequest / PendingRedeemRequest read the live pending
	// amount for a (requestId, controller) pair.
	PendingDepositRequest(ctx context.Context, requestID *big.Int, controller string) (*big.Int, error)
	PendingRedeemRequest(ctx context.Context, requestID *big.Int, controller string) (*big.Int, error)

	// WatchSettlements delivers vault-wide Deposit/Withdraw events whose
	// owner matches, until ctx is done.
	WatchSettlements(ctx context.Context, owner string) (<-chan SettlementEvent, error)
}
