package clearing

import (
	"context"
	"fmt"
	"strings"

	"github.com/mbd888/aegis402/internal/asset"
	"github.com/mbd888/aegis402/internal/creditmgr"
	"github.com/mbd888/aegis402/internal/metrics"
	"github.com/mbd888/aegis402/internal/registry"
)

// Event type names shared with the realtime hub.
const (
	eventPaymentDetected = "payment_detected"
	eventPaymentSettled  = "payment_settled"
	eventPaymentSlashed  = "payment_slashed"
	eventPaymentExpired  = "payment_expired"
)

// PaymentDetected handles one attributed transfer from the chain watcher.
// The ledger transfer is a fact; the clearinghouse only decides whether to
// extend credit for it. Drops are deliberate and logged, never errors:
// the watcher must keep draining its range either way.
func (c *Core) PaymentDetected(ctx context.Context, t asset.Transfer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if strings.EqualFold(t.From, c.cfg.AgentAddress) {
		// Our own stake forwarding, not a client payment.
		c.logger.Debug("ignoring self-initiated transfer", "tx", t.TxHash)
		return
	}

	merchant := strings.ToLower(t.To)
	if _, ok := c.registry.GetMerchant(merchant); !ok {
		metrics.PaymentsDetectedTotal.WithLabelValues("unknown_merchant").Inc()
		c.logger.Debug("transfer to unknown merchant, dropping", "tx", t.TxHash, "to", merchant)
		return
	}

	if c.registry.HasPayment(t.TxHash) {
		metrics.PaymentsDetectedTotal.WithLabelValues("duplicate").Inc()
		return
	}

	if _, err := c.ledgerWrite(ctx, "recordPayment", func() (*creditmgr.TxResult, error) {
		return c.credit.RecordPayment(ctx, merchant, t.Amount)
	}); err != nil {
		// Exceeds the merchant's credit limit (or the ledger is unhappy).
		// The merchant is under-collateralized for this payment: no record.
		metrics.PaymentsDetectedTotal.WithLabelValues("over_limit").Inc()
		c.logger.Warn("record_payment refused, payment not tracked",
			"tx", t.TxHash,
			"merchant", merchant,
			"amount", t.Amount,
			"error", err,
		)
		return
	}

	deadline := t.Timestamp + int64(c.cfg.DefaultDeadline.Seconds())
	if err := c.registry.InsertPayment(&registry.Payment{
		TxHash:    t.TxHash,
		Merchant:  merchant,
		Client:    strings.ToLower(t.From),
		Amount:    t.Amount,
		Deadline:  deadline,
		CreatedAt: t.Timestamp,
	}); err != nil {
		// Already recorded between our check and insert; single-writer makes
		// this unreachable, but a drop is still the right response.
		c.logger.Warn("payment insert failed", "tx", t.TxHash, "error", err)
		return
	}

	metrics.PaymentsDetectedTotal.WithLabelValues("recorded").Inc()
	c.updateGauges()
	if c.events != nil {
		c.events.BroadcastPayment(eventPaymentDetected, t.TxHash, merchant, strings.ToLower(t.From), t.Amount.String())
	}

	c.logger.Info("payment recorded",
		"tx", t.TxHash,
		"merchant", merchant,
		"client", strings.ToLower(t.From),
		"amount", t.Amount,
		"deadline", deadline,
	)
}

// SettleResult reports a cleared payment.
type SettleResult struct {
	TxHash   string `json:"tx_hash"`
	Merchant string `json:"merchant"`
	Amount   string `json:"amount"`
}

// Settle clears the exposure for a delivered payment. Any caller holding the
// tx hash may settle: exposure only decreases, so early settlement forfeits
// nothing but the caller's own slash window.
func (c *Core) Settle(ctx context.Context, txHash string) (*SettleResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.registry.GetPayment(txHash)
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrPaymentNotFound, txHash)
	}
	if p.Status != registry.StatusPending {
		return nil, fmt.Errorf("%w: payment already %s", registry.ErrPaymentNotPending, p.Status)
	}

	if _, err := c.ledgerWrite(ctx, "clearExposure", func() (*creditmgr.TxResult, error) {
		return c.credit.ClearExposure(ctx, p.Merchant, p.Amount)
	}); err != nil {
		return nil, err
	}

	if _, err := c.registry.ResolvePayment(txHash, registry.StatusSettled); err != nil {
		return nil, err
	}

	metrics.PaymentsResolvedTotal.WithLabelValues("settled").Inc()
	c.updateGauges()
	if c.events != nil {
		c.events.BroadcastPayment(eventPaymentSettled, txHash, p.Merchant, p.Client, p.Amount.String())
	}

	c.logger.Info("payment settled", "tx", txHash, "merchant", p.Merchant, "amount", p.Amount)

	return &SettleResult{TxHash: txHash, Merchant: p.Merchant, Amount: p.Amount.String()}, nil
}

// SlashResult reports a completed slash.
type SlashResult struct {
	TxHash        string `json:"tx_hash"`
	Merchant      string `json:"merchant"`
	Client        string `json:"client"`
	SlashedAmount string `json:"slashed_amount"`
	RefundTx      string `json:"refund_tx"`
}

// Slash burns the merchant's stake for an undelivered payment and refunds the
// client. Only the original payer may slash, and only after the deadline.
func (c *Core) Slash(ctx context.Context, txHash, clientAddr string) (*SlashResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.registry.GetPayment(txHash)
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrPaymentNotFound, txHash)
	}
	if p.Status != registry.StatusPending {
		return nil, fmt.Errorf("%w: payment already %s", registry.ErrPaymentNotPending, p.Status)
	}

	now := c.now()
	if now < p.Deadline {
		return nil, fmt.Errorf("%w: wait %d seconds", ErrDeadlineNotReached, p.Deadline-now)
	}

	if !strings.EqualFold(p.Client, clientAddr) {
		return nil, ErrNotOriginalClient
	}

	refund, err := c.ledgerWrite(ctx, "slash", func() (*creditmgr.TxResult, error) {
		return c.credit.Slash(ctx, p.Merchant, clientAddr, p.Amount)
	})
	if err != nil {
		return nil, err
	}

	if _, err := c.registry.ResolvePayment(txHash, registry.StatusSlashed); err != nil {
		return nil, err
	}

	metrics.PaymentsResolvedTotal.WithLabelValues("slashed").Inc()
	c.updateGauges()
	if c.events != nil {
		c.events.BroadcastPayment(eventPaymentSlashed, txHash, p.Merchant, p.Client, p.Amount.String())
	}

	c.logger.Info("merchant slashed",
		"tx", txHash,
		"merchant", p.Merchant,
		"client", p.Client,
		"amount", p.Amount,
		"refundTx", refund.TxHash,
	)

	return &SlashResult{
		TxHash:        txHash,
		Merchant:      p.Merchant,
		Client:        p.Client,
		SlashedAmount: p.Amount.String(),
		RefundTx:      refund.TxHash,
	}, nil
}

// SweepExpired expires every pending payment past its deadline. Failed
// clears are left pending and retried on the next sweep. Re-entry is
// rejected so a slow sweep is skipped rather than stacked.
func (c *Core) SweepExpired(ctx context.Context) {
	if !c.sweeping.CompareAndSwap(false, true) {
		c.logger.Debug("deadline sweep still running, skipping tick")
		return
	}
	defer c.sweeping.Store(false)

	due := c.registry.PendingPaymentsDue(c.now())
	for _, p := range due {
		c.expireOne(ctx, p.TxHash)
	}
}

func (c *Core) expireOne(ctx context.Context, txHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Re-check under the lock: Settle or Slash may have landed since the scan.
	p, ok := c.registry.GetPayment(txHash)
	if !ok || p.Status != registry.StatusPending {
		return
	}

	if _, err := c.ledgerWrite(ctx, "clearExposure", func() (*creditmgr.TxResult, error) {
		return c.credit.ClearExposure(ctx, p.Merchant, p.Amount)
	}); err != nil {
		c.logger.Warn("expire: clear_exposure failed, will retry next sweep",
			"tx", txHash, "merchant", p.Merchant, "error", err)
		return
	}

	if _, err := c.registry.ResolvePayment(txHash, registry.StatusExpired); err != nil {
		c.logger.Warn("expire: resolve failed", "tx", txHash, "error", err)
		return
	}

	metrics.PaymentsResolvedTotal.WithLabelValues("expired").Inc()
	c.updateGauges()
	if c.events != nil {
		c.events.BroadcastPayment(eventPaymentExpired, txHash, p.Merchant, p.Client, p.Amount.String())
	}

	c.logger.Info("payment expired", "tx", txHash, "merchant", p.Merchant, "amount", p.Amount)
}
