package clearing

import (
	"context"
	"math/big"
	"strings"

	"github.com/mbd888/aegis402/internal/creditmgr"
	"github.com/mbd888/aegis402/internal/registry"
)

// Recover rebuilds the registry from ledger history. It is safe to run on an
// already-loaded registry: known merchants and payments are left untouched.
// Errors are logged and recovery continues; a partial registry is better than
// refusing to start.
func (c *Core) Recover(ctx context.Context, fromBlock uint64) error {
	head, err := c.token.HeadBlock(ctx)
	if err != nil {
		c.logger.Error("recovery: head block read failed, skipping recovery", "error", err)
		return nil
	}
	if fromBlock > head {
		return nil
	}

	c.logger.Info("recovery started", "fromBlock", fromBlock, "toBlock", head)

	c.recoverMerchants(ctx, fromBlock, head)
	c.recoverPayments(ctx, fromBlock, head)

	merchants, pending := c.registry.Counts()
	c.updateGauges()
	c.logger.Info("recovery finished", "merchants", merchants, "pendingPayments", pending)
	return nil
}

func (c *Core) recoverMerchants(ctx context.Context, fromBlock, toBlock uint64) {
	events, err := c.credit.QueryEvents(ctx, creditmgr.EventSubscribed, fromBlock, toBlock)
	if err != nil {
		c.logger.Warn("recovery: subscribed event query failed", "error", err)
		return
	}

	seen := make(map[string]bool)
	for _, ev := range events {
		merchant := strings.ToLower(ev.Merchant)
		if seen[merchant] {
			continue
		}
		seen[merchant] = true

		if _, ok := c.registry.GetMerchant(merchant); ok {
			// Already loaded; do not reset its exposure.
			continue
		}

		state, err := c.credit.GetMerchant(ctx, merchant)
		if err != nil {
			c.logger.Warn("recovery: merchant state read failed, skipping", "merchant", merchant, "error", err)
			continue
		}
		if !state.Active {
			continue
		}

		skills, err := c.credit.GetMerchantSkills(ctx, merchant)
		if err != nil {
			c.logger.Warn("recovery: skills read failed, continuing without", "merchant", merchant, "error", err)
			skills = nil
		}

		c.registry.UpsertMerchant(&registry.Merchant{
			Address:      merchant,
			AgentID:      state.AgentID,
			Endpoint:     state.Endpoint,
			Skills:       skills,
			Stake:        state.Stake,
			CreditLimit:  state.CreditLimit,
			Exposure:     big.NewInt(0), // rebuilt from payment records below
			Active:       true,
			RegisteredAt: ev.Timestamp,
		})
		c.watch.Watch(merchant)

		c.logger.Info("recovery: merchant restored",
			"merchant", merchant,
			"stake", state.Stake,
			"creditLimit", state.CreditLimit,
			"skills", skills,
		)
	}
}

// recoverPayments replays ExposureIncreased events into pending payment
// records. The on-ledger exposure caps how much is replayed per merchant:
// events are walked newest-first and inserted while uncovered exposure
// remains, so records whose exposure was already cleared are dropped rather
// than resurrected as pending.
func (c *Core) recoverPayments(ctx context.Context, fromBlock, toBlock uint64) {
	events, err := c.credit.QueryEvents(ctx, creditmgr.EventExposureIncreased, fromBlock, toBlock)
	if err != nil {
		c.logger.Warn("recovery: exposure event query failed", "error", err)
		return
	}

	// Group per merchant, newest first.
	byMerchant := make(map[string][]creditmgr.Event)
	for _, ev := range events {
		m := strings.ToLower(ev.Merchant)
		byMerchant[m] = append(byMerchant[m], ev)
	}

	for merchant, evs := range byMerchant {
		m, ok := c.registry.GetMerchant(merchant)
		if !ok {
			continue
		}

		state, err := c.credit.GetMerchant(ctx, merchant)
		if err != nil {
			c.logger.Warn("recovery: exposure read failed, skipping merchant", "merchant", merchant, "error", err)
			continue
		}

		// Uncovered on-ledger exposure not yet represented by local records.
		remaining := new(big.Int).Sub(state.Exposure, m.Exposure)

		for i := len(evs) - 1; i >= 0 && remaining.Sign() > 0; i-- {
			ev := evs[i]
			if ev.Amount.Cmp(remaining) > 0 {
				continue
			}

			txHash, client := c.linkTransfer(ctx, merchant, ev)
			if c.registry.HasPayment(txHash) {
				continue
			}

			deadline := ev.Timestamp + int64(c.cfg.DefaultDeadline.Seconds())
			if err := c.registry.InsertPayment(&registry.Payment{
				TxHash:    txHash,
				Merchant:  merchant,
				Client:    client,
				Amount:    ev.Amount,
				Deadline:  deadline,
				CreatedAt: ev.Timestamp,
			}); err != nil {
				c.logger.Warn("recovery: payment insert failed", "tx", txHash, "error", err)
				continue
			}
			remaining.Sub(remaining, ev.Amount)

			c.logger.Info("recovery: pending payment restored",
				"tx", txHash,
				"merchant", merchant,
				"client", client,
				"amount", ev.Amount,
			)
		}
	}
}

// linkTransfer finds the client-side transfer behind an exposure record.
// When the lookback search misses (identical amounts in one window, pruned
// logs), the record-event hash is used and the client defaults to the
// clearinghouse itself, which can never successfully slash.
func (c *Core) linkTransfer(ctx context.Context, merchant string, ev creditmgr.Event) (txHash, client string) {
	tr, err := c.token.FindTransfer(ctx, merchant, ev.Amount, ev.Block, c.cfg.RecoveryLookback)
	if err != nil {
		c.logger.Warn("recovery: transfer lookup failed", "merchant", merchant, "error", err)
	}
	if tr != nil {
		return tr.TxHash, strings.ToLower(tr.From)
	}
	return ev.TxHash, strings.ToLower(c.cfg.AgentAddress)
}
