package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// JWTClaims binds a token to one wallet address.
type JWTClaims struct {
	UserAddress string `json:"user_address"`
	jwt.RegisteredClaims
}

// AuthRequest wallet-signature login request
type AuthRequest struct {
	UserAddress string `json:"user_address" binding:"required"`
	Message     string `json:"message" binding:"required"`
	Signature   string `json:"signature" binding:"required"`
}

// AuthResponse login response
type AuthResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message,omitempty"`
}

// AuthHandler issues JWTs to wallets that prove key ownership by signing a
// server-issued nonce message.
type AuthHandler struct {
	secret   []byte
	tokenTTL time.Duration

	mutex  sync.Mutex
	nonces map[string]nonceEntry

	logger *logrus.Logger
}

type nonceEntry struct {
	message   string
	expiresAt time.Time
}

const nonceTTL = 5 * time.Minute

func NewAuthHandler(secret string, tokenTTL time.Duration, logger *logrus.Logger) *AuthHandler {
	return &AuthHandler{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		nonces:   make(map[string]nonceEntry),
		logger:   logger,
	}
}

// GenerateNonceHandler issues a one-time login message for the wallet to
// sign. GET /api/v1/auth/nonce?address=0x...
func (h *AuthHandler) GenerateNonceHandler(c *gin.Context) {
	address := strings.ToLower(c.Query("address"))
	if !common.IsHexAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid address",
		})
		return
	}

	message := fmt.Sprintf("Sign this message to authenticate.\nAddress: %s\nNonce: %s\nIssued: %s",
		address, uuid.New().String(), time.Now().UTC().Format(time.RFC3339))

	h.mutex.Lock()
	h.nonces[address] = nonceEntry{message: message, expiresAt: time.Now().Add(nonceTTL)}
	h.mutex.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": message,
	})
}

// AuthenticateHandler verifies the signed nonce and issues a JWT.
// POST /api/v1/auth/login
func (h *AuthHandler) AuthenticateHandler(c *gin.Context) {
	var req AuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, AuthResponse{
			Success: false,
			Message: fmt.Sprintf("invalid request: %v", err),
		})
		return
	}

	address := strings.ToLower(req.UserAddress)

	if !h.consumeNonce(address, req.Message) {
		c.JSON(http.StatusUnauthorized, AuthResponse{
			Success: false,
			Message: "unknown or expired login message, request a new nonce",
		})
		return
	}

	if !verifyPersonalSignature(address, req.Message, req.Signature) {
		h.logger.WithField("user", address).Warn("login signature verification failed")
		c.JSON(http.StatusUnauthorized, AuthResponse{
			Success: false,
			Message: "signature verification failed",
		})
		return
	}

	token, err := h.generateToken(address)
	if err != nil {
		h.logger.WithError(err).Error("failed to sign JWT")
		c.JSON(http.StatusInternalServerError, AuthResponse{
			Success: false,
			Message: "token generation failed",
		})
		return
	}

	h.logger.WithField("user", address).Info("wallet authenticated")
	c.JSON(http.StatusOK, AuthResponse{
		Success: true,
		Token:   token,
	})
}

// consumeNonce checks the message matches the outstanding nonce and burns
// it. Each issued message authenticates at most once.
func (h *AuthHandler) consumeNonce(address, message string) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	entry, ok := h.nonces[address]
	if !ok {
		return false
	}
	delete(h.nonces, address)
	return entry.message == message && time.Now().Before(entry.expiresAt)
}

func (h *AuthHandler) generateToken(address string) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		UserAddress: address,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(h.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.secret)
}

// ValidateJWTToken parses and verifies a token against the secret.
func ValidateJWTToken(tokenString string, secret []byte) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}

// verifyPersonalSignature recovers the signer of an EIP-191 personal_sign
// message and compares it to the claimed address.
func verifyPersonalSignature(address, message, signature string) bool {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return false
	}

	// Wallets return V as 27/28; go-ethereum expects 0/1.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	hash := crypto.Keccak256Hash([]byte(prefixed))

	pubKey, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		return false
	}

	recovered := crypto.PubkeyToAddress(*pubKey)
	return strings.EqualFold(recovered.Hex(), address)
}
