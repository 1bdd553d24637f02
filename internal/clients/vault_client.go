package clients

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"vault-backend/internal/config"
	"vault-backend/internal/metrics"
	"vault-backend/internal/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// Async vault ABI, ERC-4626 plus the ERC-7540 request/claim extension.
const vaultABIJSON = `[
	{"type":"function","name":"asset","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"totalAssets","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"convertToAssets","stateMutability":"view","inputs":[{"name":"shares","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"convertToShares","stateMutability":"view","inputs":[{"name":"assets","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"maxDeposit","stateMutability":"view","inputs":[{"name":"receiver","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"maxRedeem","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"pendingDepositRequest","stateMutability":"view","inputs":[{"name":"requestId","type":"uint256"},{"name":"controller","type":"address"}],"outputs":[{"name":"assets","type":"uint256"}]},
	{"type":"function","name":"pendingRedeemRequest","stateMutability":"view","inputs":[{"name":"requestId","type":"uint256"},{"name":"controller","type":"address"}],"outputs":[{"name":"shares","type":"uint256"}]},
	{"type":"function","name":"requestDeposit","stateMutability":"nonpayable","inputs":[{"name":"assets","type":"uint256"},{"name":"controller","type":"address"},{"name":"owner","type":"address"}],"outputs":[{"name":"requestId","type":"uint256"}]},
	{"type":"function","name":"requestRedeem","stateMutability":"nonpayable","inputs":[{"name":"shares","type":"uint256"},{"name":"controller","type":"address"},{"name":"owner","type":"address"}],"outputs":[{"name":"requestId","type":"uint256"}]},
	{"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[{"name":"assets","type":"uint256"},{"name":"receiver","type":"address"}],"outputs":[{"name":"shares","type":"uint256"}]},
	{"type":"function","name":"redeem","stateMutability":"nonpayable","inputs":[{"name":"shares","type":"uint256"},{"name":"receiver","type":"address"},{"name":"owner","type":"address"}],"outputs":[{"name":"assets","type":"uint256"}]},
	{"type":"event","name":"DepositRequest","inputs":[{"name":"controller","type":"address","indexed":true},{"name":"owner","type":"address","indexed":true},{"name":"requestId","type":"uint256","indexed":true},{"name":"sender","type":"address","indexed":false},{"name":"assets","type":"uint256","indexed":false}]},
	{"type":"event","name":"RedeemRequest","inputs":[{"name":"controller","type":"address","indexed":true},{"name":"owner","type":"address","indexed":true},{"name":"requestId","type":"uint256","indexed":true},{"name":"sender","type":"address","indexed":false},{"name":"shares","type":"uint256","indexed":false}]},
	{"type":"event","name":"SettleDeposit","inputs":[{"name":"epochId","type":"uint40","indexed":true},{"name":"settledId","type":"uint40","indexed":true},{"name":"totalAssets","type":"uint256","indexed":false},{"name":"totalShares","type":"uint256","indexed":false}]},
	{"type":"event","name":"SettleRedeem","inputs":[{"name":"epochId","type":"uint40","indexed":true},{"name":"settledId","type":"uint40","indexed":true},{"name":"totalAssets","type":"uint256","indexed":false},{"name":"totalShares","type":"uint256","indexed":false}]},
	{"type":"event","name":"Deposit","inputs":[{"name":"sender","type":"address","indexed":true},{"name":"owner","type":"address","indexed":true},{"name":"assets","type":"uint256","indexed":false},{"name":"shares","type":"uint256","indexed":false}]},
	{"type":"event","name":"Withdraw","inputs":[{"name":"sender","type":"address","indexed":true},{"name":"receiver","type":"address","indexed":true},{"name":"owner","type":"address","indexed":true},{"name":"assets","type":"uint256","indexed":false},{"name":"shares","type":"uint256","indexed":false}]}
]`

const erc20ABIJSON = `[
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// VaultClient is the read/write façade over one async vault contract
// instance. All blocking calls take a context; view reads go through the
// injected ReadCache where staleness is acceptable.
type VaultClient struct {
	eth      *ethclient.Client
	ws       *ethclient.Client
	chainID  *big.Int
	vault    common.Address
	asset    common.Address
	vaultABI abi.ABI
	erc20ABI abi.ABI
	signer   Signer
	cache    *ReadCache

	gasLimit       uint64
	receiptMaxWait time.Duration

	logger *logrus.Logger
}

// NewVaultClient dials the configured RPC endpoints in order and verifies the
// chain id before accepting a connection.
func NewVaultClient(cfg *config.BlockchainConfig, signer Signer, cache *ReadCache, logger *logrus.Logger) (*VaultClient, error) {
	vaultABI, err := abi.JSON(strings.NewReader(vaultABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse vault ABI: %w", err)
	}
	erc20ABI, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse erc20 ABI: %w", err)
	}

	var eth *ethclient.Client
	var dialErr error
	for _, endpoint := range cfg.RPCEndpoints {
		eth, dialErr = ethclient.Dial(endpoint)
		if dialErr != nil {
			logger.WithFields(logrus.Fields{"endpoint": endpoint, "error": dialErr}).Warn("RPC dial failed")
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		networkID, err := eth.NetworkID(ctx)
		cancel()
		if err != nil {
			logger.WithFields(logrus.Fields{"endpoint": endpoint, "error": err}).Warn("RPC connection check failed")
			eth.Close()
			dialErr = err
			continue
		}
		if cfg.ChainID != 0 && networkID.Int64() != cfg.ChainID {
			eth.Close()
			dialErr = fmt.Errorf("endpoint %s reports chain %s, expected %d", endpoint, networkID, cfg.ChainID)
			continue
		}
		logger.WithFields(logrus.Fields{"endpoint": endpoint, "chain_id": networkID}).Info("connected to RPC")
		dialErr = nil
		break
	}
	if dialErr != nil || eth == nil {
		return nil, fmt.Errorf("failed to connect to any RPC endpoint: %w", dialErr)
	}

	client := &VaultClient{
		eth:            eth,
		chainID:        big.NewInt(cfg.ChainID),
		vault:          common.HexToAddress(cfg.VaultContract),
		asset:          common.HexToAddress(cfg.AssetContract),
		vaultABI:       vaultABI,
		erc20ABI:       erc20ABI,
		signer:         signer,
		cache:          cache,
		gasLimit:       cfg.GasLimit,
		receiptMaxWait: cfg.ReceiptMaxWait(),
		logger:         logger,
	}

	// Event subscriptions need a websocket transport; a missing endpoint
	// leaves the subscription path disabled and polling carries the load.
	if cfg.WSEndpoint != "" {
		ws, err := ethclient.Dial(cfg.WSEndpoint)
		if err != nil {
			logger.WithError(err).Warn("websocket endpoint unavailable, settlement event subscription disabled")
		} else {
			client.ws = ws
		}
	}

	return client, nil
}

// Close releases the underlying RPC connections.
func (v *VaultClient) Close() {
	if v.eth != nil {
		v.eth.Close()
	}
	if v.ws != nil {
		v.ws.Close()
	}
}

// SignerAddress returns the session signer's address.
func (v *VaultClient) SignerAddress() common.Address {
	return v.signer.Address()
}

// ===== views =====

func (v *VaultClient) callVault(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	return v.call(ctx, v.vault, v.vaultABI, method, args...)
}

func (v *VaultClient) call(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	out, err := v.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		metrics.RPCErrors.WithLabelValues(method).Inc()
		return nil, fmt.Errorf("call %s failed: %w", method, err)
	}
	values, err := contractABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return values, nil
}

func (v *VaultClient) cachedUint256(ctx context.Context, key, method string, args ...interface{}) (*big.Int, error) {
	if cached, ok := v.cache.Get(key); ok {
		return cached.(*big.Int), nil
	}
	values, err := v.callVault(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	result := values[0].(*big.Int)
	v.cache.Set(key, result)
	return result, nil
}

// Asset returns the vault's underlying asset address.
func (v *VaultClient) Asset(ctx context.Context) (common.Address, error) {
	values, err := v.callVault(ctx, "asset")
	if err != nil {
		return common.Address{}, err
	}
	return values[0].(common.Address), nil
}

// Decimals returns the vault share token's decimals.
func (v *VaultClient) Decimals(ctx context.Context) (uint8, error) {
	if cached, ok := v.cache.Get("vault:decimals"); ok {
		return cached.(uint8), nil
	}
	values, err := v.callVault(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	d := values[0].(uint8)
	v.cache.Set("vault:decimals", d)
	return d, nil
}

// AssetDecimals returns the underlying asset's decimals.
func (v *VaultClient) AssetDecimals(ctx context.Context) (uint8, error) {
	if cached, ok := v.cache.Get("asset:decimals"); ok {
		return cached.(uint8), nil
	}
	values, err := v.call(ctx, v.asset, v.erc20ABI, "decimals")
	if err != nil {
		return 0, err
	}
	d := values[0].(uint8)
	v.cache.Set("asset:decimals", d)
	return d, nil
}

func (v *VaultClient) TotalAssets(ctx context.Context) (*big.Int, error) {
	return v.cachedUint256(ctx, "vault:totalAssets", "totalAssets")
}

func (v *VaultClient) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	return v.cachedUint256(ctx, "vault:balanceOf:"+owner.Hex(), "balanceOf", owner)
}

func (v *VaultClient) ConvertToAssets(ctx context.Context, shares *big.Int) (*big.Int, error) {
	values, err := v.callVault(ctx, "convertToAssets", shares)
	if err != nil {
		return nil, err
	}
	return values[0].(*big.Int), nil
}

func (v *VaultClient) ConvertToShares(ctx context.Context, assets *big.Int) (*big.Int, error) {
	values, err := v.callVault(ctx, "convertToShares", assets)
	if err != nil {
		return nil, err
	}
	return values[0].(*big.Int), nil
}

// MaxDeposit is the claimable (settled, unclaimed) deposit amount for an
// async vault controller.
func (v *VaultClient) MaxDeposit(ctx context.Context, controller common.Address) (*big.Int, error) {
	values, err := v.callVault(ctx, "maxDeposit", controller)
	if err != nil {
		return nil, err
	}
	return values[0].(*big.Int), nil
}

// MaxRedeem is the claimable (settled, unclaimed) redeem amount in shares.
func (v *VaultClient) MaxRedeem(ctx context.Context, controller common.Address) (*big.Int, error) {
	values, err := v.callVault(ctx, "maxRedeem", controller)
	if err != nil {
		return nil, err
	}
	return values[0].(*big.Int), nil
}

// PendingDepositRequest reads the live pending asset amount. Never cached:
// the settlement watcher needs the freshest value.
func (v *VaultClient) PendingDepositRequest(ctx context.Context, requestID *big.Int, controller string) (*big.Int, error) {
	values, err := v.callVault(ctx, "pendingDepositRequest", requestID, common.HexToAddress(controller))
	if err != nil {
		return nil, err
	}
	return values[0].(*big.Int), nil
}

// PendingRedeemRequest reads the live pending share amount.
func (v *VaultClient) PendingRedeemRequest(ctx context.Context, requestID *big.Int, controller string) (*big.Int, error) {
	values, err := v.callVault(ctx, "pendingRedeemRequest", requestID, common.HexToAddress(controller))
	if err != nil {
		return nil, err
	}
	return values[0].(*big.Int), nil
}

// Allowance reads the asset allowance granted by owner to the vault.
func (v *VaultClient) Allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	values, err := v.call(ctx, v.asset, v.erc20ABI, "allowance", owner, v.vault)
	if err != nil {
		return nil, err
	}
	return values[0].(*big.Int), nil
}

// ===== writes =====

func (v *VaultClient) sendTx(ctx context.Context, to common.Address, data []byte) (string, error) {
	from := v.signer.Address()

	nonce, err := v.eth.PendingNonceAt(ctx, from)
	if err != nil {
		metrics.RPCErrors.WithLabelValues("pendingNonce").Inc()
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := v.eth.SuggestGasPrice(ctx)
	if err != nil {
		metrics.RPCErrors.WithLabelValues("suggestGasPrice").Inc()
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}

	gasLimit := v.gasLimit
	estimated, err := v.eth.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		// Estimation failure usually means the call would revert; surface it
		// instead of burning gas on a doomed transaction.
		return "", fmt.Errorf("gas estimation failed: %w", err)
	}
	if estimated*2 < gasLimit {
		gasLimit = estimated * 2
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := v.signer.SignTx(tx, v.chainID)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := v.eth.SendTransaction(ctx, signedTx); err != nil {
		metrics.RPCErrors.WithLabelValues("sendTransaction").Inc()
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	v.logger.WithFields(logrus.Fields{
		"tx_hash": signedTx.Hash().Hex(),
		"to":      to.Hex(),
		"nonce":   nonce,
	}).Info("transaction submitted")

	return signedTx.Hash().Hex(), nil
}

// EnsureAllowance approves the vault for the needed asset amount when the
// current allowance falls short, waiting for the approval to confirm.
func (v *VaultClient) EnsureAllowance(ctx context.Context, needed *big.Int) error {
	owner := v.signer.Address()
	allowance, err := v.Allowance(ctx, owner)
	if err != nil {
		return err
	}
	if allowance.Cmp(needed) >= 0 {
		return nil
	}

	data, err := v.erc20ABI.Pack("approve", v.vault, needed)
	if err != nil {
		return fmt.Errorf("failed to pack approve: %w", err)
	}
	txHash, err := v.sendTx(ctx, v.asset, data)
	if err != nil {
		return fmt.Errorf("approve failed: %w", err)
	}

	receipt, err := v.WaitForReceipt(ctx, txHash)
	if err != nil {
		return fmt.Errorf("approve confirmation failed: %w", err)
	}
	if !receipt.Success {
		return fmt.Errorf("approve transaction reverted: %s", txHash)
	}
	return nil
}

// RequestDeposit submits a requestDeposit transaction and returns its hash.
func (v *VaultClient) RequestDeposit(ctx context.Context, assets *big.Int, controller, owner common.Address) (string, error) {
	data, err := v.vaultABI.Pack("requestDeposit", assets, controller, owner)
	if err != nil {
		return "", fmt.Errorf("failed to pack requestDeposit: %w", err)
	}
	return v.sendTx(ctx, v.vault, data)
}

// RequestRedeem submits a requestRedeem transaction and returns its hash.
func (v *VaultClient) RequestRedeem(ctx context.Context, shares *big.Int, controller, owner common.Address) (string, error) {
	data, err := v.vaultABI.Pack("requestRedeem", shares, controller, owner)
	if err != nil {
		return "", fmt.Errorf("failed to pack requestRedeem: %w", err)
	}
	return v.sendTx(ctx, v.vault, data)
}

// ClaimDeposit claims settled shares for previously requested assets.
func (v *VaultClient) ClaimDeposit(ctx context.Context, assets *big.Int, receiver common.Address) (string, error) {
	data, err := v.vaultABI.Pack("deposit", assets, receiver)
	if err != nil {
		return "", fmt.Errorf("failed to pack deposit: %w", err)
	}
	return v.sendTx(ctx, v.vault, data)
}

// ClaimRedeem claims settled assets for previously requested shares.
func (v *VaultClient) ClaimRedeem(ctx context.Context, shares *big.Int, receiver, owner common.Address) (string, error) {
	data, err := v.vaultABI.Pack("redeem", shares, receiver, owner)
	if err != nil {
		return "", fmt.Errorf("failed to pack redeem: %w", err)
	}
	return v.sendTx(ctx, v.vault, data)
}

// ===== receipt wait =====

// WaitForReceipt waits for a transaction's receipt: first WaitMined with a
// short timeout, then a polling fallback up to the configured ceiling. The
// ceiling is this gateway's own policy; callers do not add another layer.
func (v *VaultClient) WaitForReceipt(ctx context.Context, txHash string) (*models.ReceiptStatus, error) {
	hash := common.HexToHash(txHash)

	tx, _, err := v.eth.TransactionByHash(ctx, hash)
	if err == nil && tx != nil {
		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		receipt, err := bind.WaitMined(waitCtx, v.eth, tx)
		cancel()
		if err == nil && receipt != nil {
			return receiptStatus(receipt), nil
		}
	}

	deadline := time.Now().Add(v.receiptMaxWait)
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := v.eth.TransactionReceipt(ctx, hash)
			if err == nil && receipt != nil {
				return receiptStatus(receipt), nil
			}
			if err != nil && err != ethereum.NotFound {
				v.logger.WithFields(logrus.Fields{"tx_hash": txHash, "error": err}).Warn("receipt query error, will retry")
			}
		}
	}

	return nil, fmt.Errorf("transaction confirmation timeout after %v: %s", v.receiptMaxWait, txHash)
}

func receiptStatus(receipt *types.Receipt) *models.ReceiptStatus {
	return &models.ReceiptStatus{
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
		BlockNumber: receipt.BlockNumber.Uint64(),
		TxHash:      receipt.TxHash.Hex(),
	}
}

// ===== logs and subscriptions =====

// FilterRequestLogs scans one block for the kind's request event with a
// matching controller. Requests this service submits carry the wallet as
// the controller, with this signer as the on-chain owner, so matching runs
// on the controller topic. A nil result with nil error means no matching
// log.
func (v *VaultClient) FilterRequestLogs(ctx context.Context, kind models.RequestKind, controller string, blockNumber uint64) (*models.RequestLog, error) {
	eventName := "DepositRequest"
	if kind == models.KindWithdraw {
		eventName = "RedeemRequest"
	}
	topic := v.vaultABI.Events[eventName].ID

	block := new(big.Int).SetUint64(blockNumber)
	logs, err := v.eth.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: block,
		ToBlock:   block,
		Addresses: []common.Address{v.vault},
		Topics:    [][]common.Hash{{topic}},
	})
	if err != nil {
		metrics.RPCErrors.WithLabelValues("filterLogs").Inc()
		return nil, fmt.Errorf("failed to filter %s logs: %w", eventName, err)
	}

	return v.matchRequestLog(logs, eventName, common.HexToAddress(controller)), nil
}

func (v *VaultClient) matchRequestLog(logs []types.Log, eventName string, controller common.Address) *models.RequestLog {
	for _, lg := range logs {
		if len(lg.Topics) < 4 {
			continue
		}
		if common.BytesToAddress(lg.Topics[1].Bytes()) != controller {
			continue
		}
		values, err := v.vaultABI.Events[eventName].Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil {
			v.logger.WithFields(logrus.Fields{"event": eventName, "error": err}).Warn("failed to decode request log data")
			continue
		}
		return &models.RequestLog{
			Controller: controller.Hex(),
			Owner:      common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
			RequestID:  new(big.Int).SetBytes(lg.Topics[3].Bytes()),
			Amount:     values[1].(*big.Int),
		}
	}
	return nil
}

// WatchSettlements subscribes to the vault's Deposit/Withdraw and
// SettleDeposit/SettleRedeem events and forwards those relevant to owner.
// Deposit/Withdraw are filtered to the wallet, which claims name as the
// receiver; the Settle* pair is batch-wide and forwarded with an empty
// owner. Requires the websocket endpoint; returns an error when it is not
// configured.
func (v *VaultClient) WatchSettlements(ctx context.Context, owner string) (<-chan models.SettlementEvent, error) {
	if v.ws == nil {
		return nil, fmt.Errorf("settlement subscription unavailable: no websocket endpoint configured")
	}

	depositTopic := v.vaultABI.Events["Deposit"].ID
	withdrawTopic := v.vaultABI.Events["Withdraw"].ID
	settleDepositTopic := v.vaultABI.Events["SettleDeposit"].ID
	settleRedeemTopic := v.vaultABI.Events["SettleRedeem"].ID

	query := ethereum.FilterQuery{
		Addresses: []common.Address{v.vault},
		Topics:    [][]common.Hash{{depositTopic, withdrawTopic, settleDepositTopic, settleRedeemTopic}},
	}

	logs := make(chan types.Log, 16)
	sub, err := v.ws.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		metrics.RPCErrors.WithLabelValues("subscribeFilterLogs").Inc()
		return nil, fmt.Errorf("failed to subscribe to settlement events: %w", err)
	}

	ownerAddr := common.HexToAddress(owner)
	out := make(chan models.SettlementEvent, 16)

	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				if err != nil {
					v.logger.WithError(err).Warn("settlement subscription closed")
				}
				return
			case lg := <-logs:
				event, ok := v.decodeSettlementLog(lg, ownerAddr)
				if !ok {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (v *VaultClient) decodeSettlementLog(lg types.Log, owner common.Address) (models.SettlementEvent, bool) {
	if len(lg.Topics) == 0 {
		return models.SettlementEvent{}, false
	}
	event := models.SettlementEvent{
		TxHash:      lg.TxHash.Hex(),
		BlockNumber: lg.BlockNumber,
	}
	switch lg.Topics[0] {
	case v.vaultABI.Events["Deposit"].ID:
		if len(lg.Topics) < 3 || common.BytesToAddress(lg.Topics[2].Bytes()) != owner {
			return models.SettlementEvent{}, false
		}
		event.Kind = models.KindDeposit
		event.Owner = owner.Hex()
	case v.vaultABI.Events["Withdraw"].ID:
		// Claims are parameterized with the wallet as receiver, not as the
		// ERC-4626 owner, so the receiver topic is the one to match.
		if len(lg.Topics) < 4 || common.BytesToAddress(lg.Topics[2].Bytes()) != owner {
			return models.SettlementEvent{}, false
		}
		event.Kind = models.KindWithdraw
		event.Owner = owner.Hex()
	case v.vaultABI.Events["SettleDeposit"].ID:
		event.Kind = models.KindDeposit
	case v.vaultABI.Events["SettleRedeem"].ID:
		event.Kind = models.KindWithdraw
	default:
		return models.SettlementEvent{}, false
	}
	return event, true
}
