package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/aegis402/internal/clearing"
	"github.com/mbd888/aegis402/internal/creditmgr"
	"github.com/mbd888/aegis402/internal/logging"
	"github.com/mbd888/aegis402/internal/registry"
	"github.com/mbd888/aegis402/internal/security"
	"github.com/mbd888/aegis402/internal/traces"
	"github.com/mbd888/aegis402/internal/units"
	"github.com/mbd888/aegis402/internal/validation"
	"github.com/mbd888/aegis402/pkg/x402"
)

// -----------------------------------------------------------------------------
// Subscribe
// -----------------------------------------------------------------------------

type subscribeBody struct {
	Merchant    string   `json:"merchant"`
	AgentID     string   `json:"agent_id"`
	Endpoint    string   `json:"endpoint"`
	Skills      []string `json:"skills"`
	StakeAmount string   `json:"stake_amount"`
}

// subscribeHandler handles POST /subscribe.
//
// The stake is paid through the x402 gate: a request without a verified
// payment gets a 402 with stake requirements, and the merchant identity is
// the verified payer. Without a facilitator the stake fields are taken from
// the body unverified (demo mode).
func (s *Server) subscribeHandler(c *gin.Context) {
	ctx := c.Request.Context()

	raw, err := c.GetRawData()
	if err != nil {
		badRequest(c, "invalid_request", "Failed to read request body")
		return
	}

	var body subscribeBody
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			badRequest(c, "invalid_request", "Request body must be valid JSON")
			return
		}
	}

	sub, err := x402.ExtractSubmission(raw)
	if err != nil {
		badRequest(c, "invalid_payment", err.Error())
		return
	}

	if body.Endpoint != "" {
		if err := security.ValidateEndpointURL(body.Endpoint); err != nil {
			badRequest(c, "invalid_endpoint", err.Error())
			return
		}
	}
	skills := validation.SanitizeSkills(body.Skills)

	var merchant string
	var stake *big.Int
	var settlementTx string

	if s.fac.Configured() {
		if sub == nil {
			c.JSON(http.StatusPaymentRequired, x402.NewPaymentRequired(
				"Stake payment required to subscribe",
				s.stakeRequirements(c.Request.URL.Path),
			))
			return
		}

		reqs := sub.Requirements
		if reqs.Purpose() != x402.PurposeStake {
			badRequest(c, "invalid_payment", "Payment purpose must be 'stake'")
			return
		}
		if !strings.EqualFold(reqs.PayTo, s.token.Address()) {
			badRequest(c, "invalid_payment", "Stake must be paid to the clearinghouse agent")
			return
		}
		amount, ok := units.ParseAtomic(reqs.MaxAmountRequired)
		if !ok {
			badRequest(c, "invalid_payment", "Invalid stake amount")
			return
		}
		if amount.Cmp(s.minStake) < 0 {
			badRequest(c, "stake_below_minimum",
				fmt.Sprintf("Stake %s below minimum %s", amount, s.minStake))
			return
		}

		verify, err := s.fac.Verify(ctx, sub.Payload, reqs)
		if err != nil {
			logging.L(ctx).Error("stake verification failed", "error", err)
			badRequest(c, "verification_failed", "Payment verification failed")
			return
		}
		if !verify.IsValid {
			c.JSON(http.StatusPaymentRequired, x402.NewPaymentRequired(
				"Payment invalid: "+verify.InvalidReason,
				s.stakeRequirements(c.Request.URL.Path),
			))
			return
		}

		merchant = strings.ToLower(verify.Payer)
		if body.Merchant != "" && !strings.EqualFold(body.Merchant, merchant) {
			badRequest(c, "merchant_mismatch", "Stake payer does not match the claimed merchant")
			return
		}

		settle, err := s.fac.Settle(ctx, sub.Payload, reqs)
		if err != nil || !settle.Success {
			reason := "Payment settlement failed"
			if err == nil && settle.ErrorReason != "" {
				reason = settle.ErrorReason
			}
			logging.L(ctx).Error("stake settlement failed", "merchant", merchant, "error", err)
			badRequest(c, "settlement_failed", reason)
			return
		}
		settlementTx = settle.Transaction
		stake = amount
	} else {
		// Demo mode: stake taken from the body, unverified
		merchant = validation.SanitizeAddress(body.Merchant)
		if merchant == "" {
			badRequest(c, "invalid_merchant", "merchant must be a valid address")
			return
		}
		stakeStr := body.StakeAmount
		if stakeStr == "" {
			stakeStr = s.minStake.String()
		}
		amount, ok := units.ParseAtomic(stakeStr)
		if !ok {
			badRequest(c, "invalid_stake", "stake_amount must be a positive integer in atomic units")
			return
		}
		if amount.Cmp(s.minStake) < 0 {
			badRequest(c, "stake_below_minimum",
				fmt.Sprintf("Stake %s below minimum %s", amount, s.minStake))
			return
		}
		stake = amount
	}

	ctx, span := traces.StartSpan(ctx, "clearing.subscribe",
		traces.Merchant(merchant), traces.Amount(stake.String()))
	defer span.End()

	result, err := s.core.Subscribe(ctx, clearing.SubscribeRequest{
		Merchant: merchant,
		Stake:    stake,
		AgentID:  body.AgentID,
		Endpoint: body.Endpoint,
		Skills:   skills,
	})
	if err != nil {
		s.clearingError(c, err)
		return
	}

	resp := gin.H{
		"merchant":     result.Merchant,
		"stake":        result.Stake,
		"credit_limit": result.CreditLimit,
		"rep_factor":   result.RepFactor,
		"skills":       result.Skills,
		"message":      result.Message,
	}
	if settlementTx != "" {
		resp["settlement_tx"] = settlementTx
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) stakeRequirements(resource string) x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           s.network(),
		MaxAmountRequired: s.minStake.String(),
		Resource:          resource,
		Description:       fmt.Sprintf("Stake %s to subscribe as a merchant", units.FormatDecimal(s.minStake)),
		MimeType:          "application/json",
		PayTo:             s.token.Address(),
		MaxTimeoutSeconds: 300,
		Asset:             s.cfg.AssetAddress,
		Extra:             map[string]string{"purpose": x402.PurposeStake},
	}
}

func (s *Server) bondRequirements(resource string) x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            x402.SchemeExact,
		Network:           s.network(),
		MaxAmountRequired: s.slashBond.String(),
		Resource:          resource,
		Description:       fmt.Sprintf("Post a %s bond to file a slash claim", units.FormatDecimal(s.slashBond)),
		MimeType:          "application/json",
		PayTo:             s.token.Address(),
		MaxTimeoutSeconds: 300,
		Asset:             s.cfg.AssetAddress,
		Extra:             map[string]string{"purpose": x402.PurposeSlashBond},
	}
}

func (s *Server) network() string {
	switch s.cfg.ChainID {
	case 8453:
		return "base"
	case 84532:
		return "base-sepolia"
	default:
		return fmt.Sprintf("eip155:%d", s.cfg.ChainID)
	}
}

// -----------------------------------------------------------------------------
// Quote
// -----------------------------------------------------------------------------

type quoteBody struct {
	Skill string `json:"skill"`
	Price string `json:"price"`
}

func (s *Server) quoteHandler(c *gin.Context) {
	var body quoteBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid_request", "Request body must be valid JSON")
		return
	}
	if body.Skill == "" {
		badRequest(c, "missing_skill", "skill is required")
		return
	}
	price, ok := units.ParseAtomic(body.Price)
	if !ok {
		badRequest(c, "invalid_price", "price must be a positive integer in atomic units")
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "clearing.quote", traces.Skill(body.Skill))
	defer span.End()

	entries, err := s.core.Quote(ctx, body.Skill, price)
	if err != nil {
		s.clearingError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"skill":     body.Skill,
		"price":     price.String(),
		"merchants": entries,
	})
}

// -----------------------------------------------------------------------------
// Settle
// -----------------------------------------------------------------------------

type settleBody struct {
	TxHash string `json:"tx_hash"`
}

func (s *Server) settleHandler(c *gin.Context) {
	var body settleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid_request", "Request body must be valid JSON")
		return
	}
	txHash := validation.SanitizeTxHash(body.TxHash)
	if txHash == "" {
		badRequest(c, "invalid_tx_hash", "tx_hash must be a valid transaction hash")
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "clearing.settle", traces.TxHash(txHash))
	defer span.End()

	result, err := s.core.Settle(ctx, txHash)
	if err != nil {
		s.clearingError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// -----------------------------------------------------------------------------
// Slash
// -----------------------------------------------------------------------------

type slashBody struct {
	TxHash string `json:"tx_hash"`
	Client string `json:"client"`
}

// slashHandler handles POST /slash. The claimant posts a slash bond through
// the x402 gate; the bond payer is the claimed client, which the core then
// checks against the payment record.
func (s *Server) slashHandler(c *gin.Context) {
	ctx := c.Request.Context()

	raw, err := c.GetRawData()
	if err != nil {
		badRequest(c, "invalid_request", "Failed to read request body")
		return
	}

	var body slashBody
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			badRequest(c, "invalid_request", "Request body must be valid JSON")
			return
		}
	}

	txHash := validation.SanitizeTxHash(body.TxHash)
	if txHash == "" {
		badRequest(c, "invalid_tx_hash", "tx_hash must be a valid transaction hash")
		return
	}

	sub, err := x402.ExtractSubmission(raw)
	if err != nil {
		badRequest(c, "invalid_payment", err.Error())
		return
	}

	var claimant string

	if s.fac.Configured() {
		if sub == nil {
			c.JSON(http.StatusPaymentRequired, x402.NewPaymentRequired(
				"Slash bond required",
				s.bondRequirements(c.Request.URL.Path),
			))
			return
		}

		reqs := sub.Requirements
		if reqs.Purpose() != x402.PurposeSlashBond {
			badRequest(c, "invalid_payment", "Payment purpose must be 'slash_bond'")
			return
		}
		if !strings.EqualFold(reqs.PayTo, s.token.Address()) {
			badRequest(c, "invalid_payment", "Bond must be paid to the clearinghouse agent")
			return
		}
		amount, ok := units.ParseAtomic(reqs.MaxAmountRequired)
		if !ok || amount.Cmp(s.slashBond) < 0 {
			badRequest(c, "bond_below_minimum",
				fmt.Sprintf("Bond must be at least %s", s.slashBond))
			return
		}

		verify, err := s.fac.Verify(ctx, sub.Payload, reqs)
		if err != nil {
			logging.L(ctx).Error("bond verification failed", "error", err)
			badRequest(c, "verification_failed", "Payment verification failed")
			return
		}
		if !verify.IsValid {
			c.JSON(http.StatusPaymentRequired, x402.NewPaymentRequired(
				"Payment invalid: "+verify.InvalidReason,
				s.bondRequirements(c.Request.URL.Path),
			))
			return
		}

		claimant = strings.ToLower(verify.Payer)
		if body.Client != "" && !strings.EqualFold(body.Client, claimant) {
			badRequest(c, "client_mismatch", "Bond payer does not match the claimed client")
			return
		}

		settle, err := s.fac.Settle(ctx, sub.Payload, reqs)
		if err != nil || !settle.Success {
			logging.L(ctx).Error("bond settlement failed", "claimant", claimant, "error", err)
			badRequest(c, "settlement_failed", "Bond settlement failed")
			return
		}
	} else {
		// Demo mode: claimant taken from the body, unverified
		claimant = validation.SanitizeAddress(body.Client)
		if claimant == "" {
			badRequest(c, "invalid_client", "client must be a valid address")
			return
		}
	}

	ctx, span := traces.StartSpan(ctx, "clearing.slash",
		traces.TxHash(txHash), traces.Client(claimant))
	defer span.End()

	result, err := s.core.Slash(ctx, txHash, claimant)
	if err != nil {
		s.clearingError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// -----------------------------------------------------------------------------
// Read side
// -----------------------------------------------------------------------------

func (s *Server) merchantsHandler(c *gin.Context) {
	merchants := s.core.Registry().ListMerchants()

	out := make([]gin.H, 0, len(merchants))
	for _, m := range merchants {
		capacity := new(big.Int).Sub(m.CreditLimit, m.Exposure)
		out = append(out, gin.H{
			"address":            m.Address,
			"agent_id":           m.AgentID,
			"endpoint":           m.Endpoint,
			"skills":             m.Skills,
			"stake":              m.Stake.String(),
			"credit_limit":       m.CreditLimit.String(),
			"exposure":           m.Exposure.String(),
			"available_capacity": capacity.String(),
			"active":             m.Active,
			"registered_at":      m.RegisteredAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"merchants": out, "count": len(out)})
}

func (s *Server) merchantHandler(c *gin.Context) {
	address := validation.SanitizeAddress(c.Param("address"))
	if address == "" {
		badRequest(c, "invalid_address", "address must be a valid Ethereum address")
		return
	}

	m, ok := s.core.Registry().GetMerchant(address)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Merchant not registered",
		})
		return
	}

	capacity := new(big.Int).Sub(m.CreditLimit, m.Exposure)
	c.JSON(http.StatusOK, gin.H{
		"address":            m.Address,
		"agent_id":           m.AgentID,
		"endpoint":           m.Endpoint,
		"skills":             m.Skills,
		"stake":              m.Stake.String(),
		"credit_limit":       m.CreditLimit.String(),
		"exposure":           m.Exposure.String(),
		"available_capacity": capacity.String(),
		"active":             m.Active,
		"registered_at":      m.RegisteredAt,
	})
}

func (s *Server) paymentHandler(c *gin.Context) {
	txHash := validation.SanitizeTxHash(c.Param("txHash"))
	if txHash == "" {
		badRequest(c, "invalid_tx_hash", "txHash must be a valid transaction hash")
		return
	}

	p, ok := s.core.Registry().GetPayment(txHash)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Payment record not found",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tx_hash":    p.TxHash,
		"merchant":   p.Merchant,
		"client":     p.Client,
		"amount":     p.Amount.String(),
		"deadline":   p.Deadline,
		"status":     string(p.Status),
		"created_at": p.CreatedAt,
	})
}

// -----------------------------------------------------------------------------
// Error mapping
// -----------------------------------------------------------------------------

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": message})
}

// clearingError maps core errors onto HTTP responses. Everything is a 400 to
// the caller; ledger failures keep their detail in the logs only.
func (s *Server) clearingError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, registry.ErrPaymentNotFound):
		badRequest(c, "not_found", "Payment record not found")
	case errors.Is(err, registry.ErrPaymentNotPending):
		badRequest(c, "illegal_transition", err.Error())
	case errors.Is(err, registry.ErrMerchantNotFound):
		badRequest(c, "not_found", "Merchant not registered")
	case errors.Is(err, clearing.ErrDeadlineNotReached):
		badRequest(c, "deadline_not_reached", err.Error())
	case errors.Is(err, clearing.ErrNotOriginalClient):
		badRequest(c, "unauthorized_client", "Only the original client can slash")
	default:
		var ledgerErr *creditmgr.LedgerError
		if errors.As(err, &ledgerErr) {
			logging.L(c.Request.Context()).Error("ledger operation failed",
				"op", ledgerErr.Op, "tx", ledgerErr.TxHash, "error", ledgerErr.Err)
			badRequest(c, "ledger_error", fmt.Sprintf("Ledger operation %s failed", ledgerErr.Op))
			return
		}
		logging.L(c.Request.Context()).Error("clearing operation failed", "error", err)
		badRequest(c, "clearing_error", "Operation failed")
	}
}
