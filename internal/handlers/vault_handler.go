package handlers

import (
	"context"
	"math/big"
	"net/http"
	"time"

	"vault-backend/internal/clients"
	"vault-backend/internal/config"
	"vault-backend/internal/models"
	"vault-backend/internal/services"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AmountRequest carries a human-unit decimal amount string.
type AmountRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// ClaimRequest names which settled side to claim.
type ClaimRequest struct {
	Kind models.RequestKind `json:"kind" binding:"required"`
}

// VaultHandler serves the vault request lifecycle: eligibility preview,
// request submission, tracked-request listing, claims and the cancel signal.
type VaultHandler struct {
	chain   *clients.VaultClient
	tracker *services.TrackerManager
	cfg     *config.TrackerConfig
	logger  *logrus.Logger
}

func NewVaultHandler(chain *clients.VaultClient, tracker *services.TrackerManager, cfg *config.TrackerConfig, logger *logrus.Logger) *VaultHandler {
	return &VaultHandler{
		chain:   chain,
		tracker: tracker,
		cfg:     cfg,
		logger:  logger,
	}
}

// GetVaultInfoHandler returns vault-level figures for display.
// GET /api/v1/vault/info
func (h *VaultHandler) GetVaultInfoHandler(c *gin.Context) {
	ctx, cancel := h.callCtx(c)
	defer cancel()

	decimals, err := h.chain.AssetDecimals(ctx)
	if err != nil {
		h.chainError(c, "decimals", err)
		return
	}
	totalAssets, err := h.chain.TotalAssets(ctx)
	if err != nil {
		h.chainError(c, "totalAssets", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"decimals":     decimals,
		"total_assets": services.FormatBaseUnits(totalAssets, decimals),
		"per_user_cap": h.cfg.PerUserCap,
		"vault_cap":    h.cfg.VaultCap,
	})
}

// PreviewDepositHandler evaluates deposit eligibility without submitting.
// POST /api/v1/vault/deposit/preview
func (h *VaultHandler) PreviewDepositHandler(c *gin.Context) {
	h.preview(c, models.KindDeposit)
}

// PreviewWithdrawHandler evaluates withdrawal eligibility without submitting.
// POST /api/v1/vault/withdraw/preview
func (h *VaultHandler) PreviewWithdrawHandler(c *gin.Context) {
	h.preview(c, models.KindWithdraw)
}

func (h *VaultHandler) preview(c *gin.Context, kind models.RequestKind) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	owner := userAddress(c)
	ctx, cancel := h.callCtx(c)
	defer cancel()

	inputs, err := h.guardInputs(ctx, owner)
	if err != nil {
		h.chainError(c, "guard inputs", err)
		return
	}

	var result models.GuardResult
	if kind == models.KindDeposit {
		result = services.EvaluateDeposit(req.Amount, inputs)
	} else {
		result = services.EvaluateWithdraw(req.Amount, inputs)
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "result": result})
}

// SubmitDepositHandler runs the guard, submits requestDeposit on-chain and
// begins settlement tracking. POST /api/v1/vault/deposit
func (h *VaultHandler) SubmitDepositHandler(c *gin.Context) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	owner := userAddress(c)
	ctx, cancel := h.callCtx(c)
	defer cancel()

	inputs, err := h.guardInputs(ctx, owner)
	if err != nil {
		h.chainError(c, "guard inputs", err)
		return
	}

	result := services.EvaluateDeposit(req.Amount, inputs)
	if !result.Eligible {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"success": false, "result": result})
		return
	}

	assets, err := services.ParseAmount(req.Amount, inputs.Decimals)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid amount"})
		return
	}

	if err := h.chain.EnsureAllowance(ctx, assets); err != nil {
		h.chainError(c, "approve", err)
		return
	}

	txHash, err := h.chain.RequestDeposit(ctx, assets, common.HexToAddress(owner), h.chain.SignerAddress())
	if err != nil {
		h.chainError(c, "requestDeposit", err)
		return
	}

	h.trackNewRequest(c, owner, models.KindDeposit, req.Amount, txHash)
}

// SubmitWithdrawHandler runs the guard, submits requestRedeem on-chain and
// begins settlement tracking. POST /api/v1/vault/withdraw
func (h *VaultHandler) SubmitWithdrawHandler(c *gin.Context) {
	var req AmountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	owner := userAddress(c)
	ctx, cancel := h.callCtx(c)
	defer cancel()

	inputs, err := h.guardInputs(ctx, owner)
	if err != nil {
		h.chainError(c, "guard inputs", err)
		return
	}

	result := services.EvaluateWithdraw(req.Amount, inputs)
	if !result.Eligible {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"success": false, "result": result})
		return
	}

	shares, err := services.ParseAmount(req.Amount, inputs.ShareDecimals)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid amount"})
		return
	}

	txHash, err := h.chain.RequestRedeem(ctx, shares, common.HexToAddress(owner), h.chain.SignerAddress())
	if err != nil {
		h.chainError(c, "requestRedeem", err)
		return
	}

	h.trackNewRequest(c, owner, models.KindWithdraw, req.Amount, txHash)
}

func (h *VaultHandler) trackNewRequest(c *gin.Context, owner string, kind models.RequestKind, amount, txHash string) {
	ledger, err := h.tracker.Ledger(owner)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "tracking unavailable"})
		return
	}
	watcher, err := h.tracker.Watcher(owner)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "tracking unavailable"})
		return
	}

	entry := ledger.CreateUserEntry(kind, amount)
	watcher.TrackSubmission(entry.ID, txHash)

	h.logger.WithFields(logrus.Fields{
		"user":     owner,
		"kind":     kind,
		"amount":   amount,
		"tx_hash":  txHash,
		"entry_id": entry.ID,
	}).Info("request submitted")

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"entry":   entry,
		"tx_hash": txHash,
	})
}

// ListTransactionsHandler returns the wallet's tracked requests in creation
// order. GET /api/v1/vault/transactions
func (h *VaultHandler) ListTransactionsHandler(c *gin.Context) {
	owner := userAddress(c)

	ledger, err := h.tracker.Ledger(owner)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "tracking unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"transactions": ledger.Entries(),
	})
}

// ClaimHandler claims the wallet's settled deposit assets or redeemed
// shares. POST /api/v1/vault/claim
func (h *VaultHandler) ClaimHandler(c *gin.Context) {
	var req ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	owner := common.HexToAddress(userAddress(c))
	ctx, cancel := h.callCtx(c)
	defer cancel()

	var txHash string
	switch req.Kind {
	case models.KindDeposit:
		claimable, err := h.chain.MaxDeposit(ctx, owner)
		if err != nil {
			h.chainError(c, "maxDeposit", err)
			return
		}
		if claimable.Sign() == 0 {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"success": false, "error": "nothing to claim"})
			return
		}
		txHash, err = h.chain.ClaimDeposit(ctx, claimable, owner)
		if err != nil {
			h.chainError(c, "deposit", err)
			return
		}
	case models.KindWithdraw:
		claimable, err := h.chain.MaxRedeem(ctx, owner)
		if err != nil {
			h.chainError(c, "maxRedeem", err)
			return
		}
		if claimable.Sign() == 0 {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"success": false, "error": "nothing to claim"})
			return
		}
		txHash, err = h.chain.ClaimRedeem(ctx, claimable, owner, h.chain.SignerAddress())
		if err != nil {
			h.chainError(c, "redeem", err)
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "kind must be deposit or withdraw"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"success": true, "tx_hash": txHash})
}

// CancelHandler applies the external cancellation signal to the wallet's
// in-flight deposit requests. POST /api/v1/vault/cancel
func (h *VaultHandler) CancelHandler(c *gin.Context) {
	owner := userAddress(c)

	watcher, err := h.tracker.Watcher(owner)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "tracking unavailable"})
		return
	}

	watcher.SignalCanceled()
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// guardInputs assembles the live chain figures the guard compares against.
func (h *VaultHandler) guardInputs(ctx context.Context, owner string) (models.GuardInputs, error) {
	ownerAddr := common.HexToAddress(owner)

	decimals, err := h.chain.AssetDecimals(ctx)
	if err != nil {
		return models.GuardInputs{}, err
	}
	shareDecimals, err := h.chain.Decimals(ctx)
	if err != nil {
		return models.GuardInputs{}, err
	}

	perUserCap, err := services.ParseAmount(h.cfg.PerUserCap, decimals)
	if err != nil {
		perUserCap = new(big.Int)
	}
	vaultCap, err := services.ParseAmount(h.cfg.VaultCap, decimals)
	if err != nil {
		vaultCap = new(big.Int)
	}

	totalAssets, err := h.chain.TotalAssets(ctx)
	if err != nil {
		return models.GuardInputs{}, err
	}
	userShares, err := h.chain.BalanceOf(ctx, ownerAddr)
	if err != nil {
		return models.GuardInputs{}, err
	}
	userSupplied, err := h.chain.ConvertToAssets(ctx, userShares)
	if err != nil {
		return models.GuardInputs{}, err
	}

	pendingDeposit, err := h.chain.PendingDepositRequest(ctx, h.activeRequestID(owner, models.KindDeposit), owner)
	if err != nil {
		return models.GuardInputs{}, err
	}
	pendingRedeem, err := h.chain.PendingRedeemRequest(ctx, h.activeRequestID(owner, models.KindWithdraw), owner)
	if err != nil {
		return models.GuardInputs{}, err
	}

	// maxDeposit/maxRedeem report the claimable remainder of settled
	// requests under the asynchronous vault flow.
	claimableDeposit, err := h.chain.MaxDeposit(ctx, ownerAddr)
	if err != nil {
		return models.GuardInputs{}, err
	}
	claimableRedeem, err := h.chain.MaxRedeem(ctx, ownerAddr)
	if err != nil {
		return models.GuardInputs{}, err
	}

	return models.GuardInputs{
		Connected:        owner != "",
		Decimals:         decimals,
		ShareDecimals:    shareDecimals,
		PerUserCap:       perUserCap,
		VaultCap:         vaultCap,
		UserSupplied:     userSupplied,
		VaultTotalAssets: totalAssets,
		PendingDeposit:   pendingDeposit,
		ClaimableDeposit: claimableDeposit,
		UserShares:       userShares,
		PendingRedeem:    pendingRedeem,
		ClaimableRedeem:  claimableRedeem,
	}, nil
}

// activeRequestID picks the request id of the wallet's in-flight backend
// entry of the kind, zero when none is known.
func (h *VaultHandler) activeRequestID(owner string, kind models.RequestKind) *big.Int {
	ledger, err := h.tracker.Ledger(owner)
	if err != nil {
		return new(big.Int)
	}
	for _, entry := range ledger.ActiveBackendEntries(kind) {
		if id, ok := new(big.Int).SetString(entry.RequestID, 10); ok {
			return id
		}
	}
	return new(big.Int)
}

// userAddress reads the wallet address the auth middleware bound to the
// request context.
func userAddress(c *gin.Context) string {
	if addr, exists := c.Get("user_address"); exists {
		if s, ok := addr.(string); ok {
			return s
		}
	}
	return ""
}

func (h *VaultHandler) callCtx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), 15*time.Second)
}

func (h *VaultHandler) chainError(c *gin.Context, op string, err error) {
	h.logger.WithFields(logrus.Fields{"op": op, "error": err}).Error("chain call failed")
	c.JSON(http.StatusBadGateway, gin.H{
		"success": false,
		"error":   "vault unavailable, try again",
	})
}
