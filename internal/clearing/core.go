// Package clearing implements the clearinghouse state machine.
//
// The Core is a single-writer: every operation that mutates the registry or
// sequences on-ledger writes (Subscribe, Settle, Slash, PaymentDetected, the
// deadline sweep) runs under one mutex, so the read-decide-write-mutate
// critical section is never interleaved. Quote only reads and takes no lock.
package clearing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/aegis402/internal/asset"
	"github.com/mbd888/aegis402/internal/creditmgr"
	"github.com/mbd888/aegis402/internal/metrics"
	"github.com/mbd888/aegis402/internal/registry"
	"github.com/mbd888/aegis402/internal/reputation"
	"github.com/mbd888/aegis402/internal/units"
)

var (
	ErrDeadlineNotReached = errors.New("deadline not yet passed")
	ErrNotOriginalClient  = errors.New("only the original client can slash")
)

// CreditOps is the slice of the credit manager adapter the core drives.
type CreditOps interface {
	GetMerchant(ctx context.Context, merchant string) (*creditmgr.MerchantState, error)
	GetMerchantSkills(ctx context.Context, merchant string) ([]string, error)
	SubscribeFor(ctx context.Context, merchant string, stake *big.Int, agentID, endpoint string, skills []string) (*creditmgr.TxResult, error)
	SetCreditLimit(ctx context.Context, merchant string, limit *big.Int) (*creditmgr.TxResult, error)
	RecordPayment(ctx context.Context, merchant string, amount *big.Int) (*creditmgr.TxResult, error)
	ClearExposure(ctx context.Context, merchant string, amount *big.Int) (*creditmgr.TxResult, error)
	Slash(ctx context.Context, merchant, client string, amount *big.Int) (*creditmgr.TxResult, error)
	QueryEvents(ctx context.Context, kind creditmgr.EventKind, fromBlock, toBlock uint64) ([]creditmgr.Event, error)
	ContractAddress() string
}

// TokenOps is the slice of the asset adapter the core drives.
type TokenOps interface {
	Address() string
	HeadBlock(ctx context.Context) (uint64, error)
	Approve(ctx context.Context, spender string, amount *big.Int) (*asset.TxResult, error)
	Allowance(ctx context.Context, owner, spender string) (*big.Int, error)
	WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*asset.TxResult, error)
	FindTransfer(ctx context.Context, to string, amount *big.Int, endBlock, lookback uint64) (*asset.Transfer, error)
}

// WatchSet registers merchant addresses with the chain watcher.
type WatchSet interface {
	Watch(address string)
}

// Broadcaster streams clearing events to observers. May be nil.
type Broadcaster interface {
	BroadcastMerchantSubscribed(merchant, stake, creditLimit string, skills []string)
	BroadcastPayment(eventType string, txHash, merchant, client, amount string)
}

// Config for the clearing core
type Config struct {
	// AgentAddress is the clearinghouse's own ledger address. Transfers from
	// it (stake forwarding) are never treated as payments.
	AgentAddress string
	// DefaultDeadline is added to a payment's observed timestamp.
	DefaultDeadline time.Duration
	// SettleDelay between subscribeFor confirmation and setCreditLimit.
	SettleDelay time.Duration
	// ConfirmTimeout bounds token-approval confirmation waits.
	ConfirmTimeout time.Duration
	// RecoveryLookback is the block window used to link an exposure record
	// back to its originating transfer.
	RecoveryLookback uint64
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		DefaultDeadline:  time.Hour,
		SettleDelay:      2 * time.Second,
		ConfirmTimeout:   60 * time.Second,
		RecoveryLookback: 5,
	}
}

// Core drives the adapters and owns all registry mutations.
type Core struct {
	mu       sync.Mutex
	cfg      Config
	registry *registry.Registry
	credit   CreditOps
	token    TokenOps
	rep      reputation.Reader
	watch    WatchSet
	events   Broadcaster
	logger   *slog.Logger

	now      func() int64 // unix seconds; injectable for tests
	sweeping atomic.Bool
}

// New creates the clearing core.
func New(cfg Config, reg *registry.Registry, credit CreditOps, token TokenOps, rep reputation.Reader, watch WatchSet, events Broadcaster, logger *slog.Logger) *Core {
	if cfg.DefaultDeadline == 0 {
		cfg.DefaultDeadline = time.Hour
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	if cfg.RecoveryLookback == 0 {
		cfg.RecoveryLookback = 5
	}
	return &Core{
		cfg:      cfg,
		registry: reg,
		credit:   credit,
		token:    token,
		rep:      rep,
		watch:    watch,
		events:   events,
		logger:   logger,
		now:      func() int64 { return time.Now().Unix() },
	}
}

// Registry exposes the read side for HTTP handlers.
func (c *Core) Registry() *registry.Registry {
	return c.registry
}

// SubscribeRequest is a verified stake subscription.
type SubscribeRequest struct {
	Merchant string
	Stake    *big.Int
	AgentID  string
	Endpoint string
	Skills   []string
}

// SubscribeResult reports a completed subscription.
type SubscribeResult struct {
	Merchant    string   `json:"merchant"`
	Stake       string   `json:"stake"`
	CreditLimit string   `json:"credit_limit"`
	RepFactor   float64  `json:"rep_factor"`
	Skills      []string `json:"skills"`
	Message     string   `json:"message"`
}

// Subscribe activates a merchant: reads reputation, computes the credit
// limit, moves the stake into the credit contract, and registers the merchant
// locally. Any on-ledger failure aborts without touching the registry.
func (c *Core) Subscribe(ctx context.Context, req SubscribeRequest) (*SubscribeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	merchant := strings.ToLower(req.Merchant)

	rho, err := reputation.Factor(ctx, c.rep, req.AgentID, merchant)
	if err != nil {
		// The oracle being down must not block subscriptions.
		c.logger.Warn("reputation read failed, using neutral factor", "merchant", merchant, "error", err)
		rho = 1.0
	}
	creditLimit := units.ScaleByFactor(req.Stake, rho)

	// Let the credit contract pull the stake from our account.
	approval, err := c.token.Approve(ctx, c.credit.ContractAddress(), req.Stake)
	if err != nil {
		return nil, fmt.Errorf("stake approval failed: %w", err)
	}
	if _, err := c.token.WaitForConfirmation(ctx, approval.TxHash, c.cfg.ConfirmTimeout); err != nil {
		return nil, fmt.Errorf("stake approval not confirmed: %w", err)
	}
	allowance, err := c.token.Allowance(ctx, c.token.Address(), c.credit.ContractAddress())
	if err != nil {
		return nil, fmt.Errorf("allowance check failed: %w", err)
	}
	if allowance.Cmp(req.Stake) < 0 {
		return nil, fmt.Errorf("allowance %s below stake %s after approval", allowance, req.Stake)
	}

	state, err := c.credit.GetMerchant(ctx, merchant)
	if err != nil {
		return nil, fmt.Errorf("merchant state read failed: %w", err)
	}
	if !state.Active {
		if _, err := c.ledgerWrite(ctx, "subscribeFor", func() (*creditmgr.TxResult, error) {
			return c.credit.SubscribeFor(ctx, merchant, req.Stake, req.AgentID, req.Endpoint, req.Skills)
		}); err != nil {
			return nil, err
		}
	}

	// Give the contract state a moment to settle before the limit write.
	select {
	case <-time.After(c.cfg.SettleDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if _, err := c.ledgerWrite(ctx, "setCreditLimit", func() (*creditmgr.TxResult, error) {
		return c.credit.SetCreditLimit(ctx, merchant, creditLimit)
	}); err != nil {
		return nil, err
	}

	// A re-subscribe refreshes stake, limit, and metadata but must not erase
	// exposure still backed by pending payments.
	exposure := big.NewInt(0)
	registeredAt := c.now()
	if existing, ok := c.registry.GetMerchant(merchant); ok {
		exposure = existing.Exposure
		registeredAt = existing.RegisteredAt
	}

	c.registry.UpsertMerchant(&registry.Merchant{
		Address:      merchant,
		AgentID:      req.AgentID,
		Endpoint:     req.Endpoint,
		Skills:       req.Skills,
		Stake:        req.Stake,
		CreditLimit:  creditLimit,
		Exposure:     exposure,
		Active:       true,
		RegisteredAt: registeredAt,
	})
	c.watch.Watch(merchant)

	metrics.MerchantsSubscribedTotal.Inc()
	c.updateGauges()
	if c.events != nil {
		c.events.BroadcastMerchantSubscribed(merchant, req.Stake.String(), creditLimit.String(), req.Skills)
	}

	c.logger.Info("merchant subscribed",
		"merchant", merchant,
		"stake", req.Stake,
		"creditLimit", creditLimit,
		"repFactor", rho,
	)

	return &SubscribeResult{
		Merchant:    merchant,
		Stake:       req.Stake.String(),
		CreditLimit: creditLimit.String(),
		RepFactor:   rho,
		Skills:      req.Skills,
		Message:     fmt.Sprintf("Subscribed with repFactor %.2f", rho),
	}, nil
}

// QuoteEntry is one merchant able to take a job at the quoted price.
type QuoteEntry struct {
	Address           string   `json:"address"`
	Endpoint          string   `json:"endpoint"`
	AvailableCapacity string   `json:"available_capacity"`
	RepFactor         float64  `json:"rep_factor"`
	Skills            []string `json:"skills"`

	capacity *big.Int
}

// Quote returns merchants offering skill whose fresh on-ledger capacity
// covers price, best capacity first. Per-merchant read failures drop that
// merchant; the quote itself always succeeds.
func (c *Core) Quote(ctx context.Context, skill string, price *big.Int) ([]QuoteEntry, error) {
	candidates := c.registry.MerchantsBySkill(skill)

	entries := make([]QuoteEntry, 0, len(candidates))
	for _, addr := range candidates {
		state, err := c.credit.GetMerchant(ctx, addr)
		if err != nil {
			c.logger.Warn("quote: merchant read failed, dropping", "merchant", addr, "error", err)
			continue
		}

		capacity := new(big.Int).Sub(state.CreditLimit, state.Exposure)
		if capacity.Cmp(price) < 0 {
			continue
		}

		rho, err := reputation.Factor(ctx, c.rep, state.AgentID, addr)
		if err != nil {
			c.logger.Warn("quote: reputation read failed, dropping", "merchant", addr, "error", err)
			continue
		}

		entry := QuoteEntry{
			Address:           addr,
			Endpoint:          state.Endpoint,
			AvailableCapacity: capacity.String(),
			RepFactor:         rho,
			capacity:          capacity,
		}
		if m, ok := c.registry.GetMerchant(addr); ok {
			entry.Skills = m.Skills
			if entry.Endpoint == "" {
				entry.Endpoint = m.Endpoint
			}
		}
		entries = append(entries, entry)
	}

	// capacity/price descending; price is constant so capacity ordering is
	// equivalent. Address breaks ties stably.
	sort.SliceStable(entries, func(i, j int) bool {
		cmp := entries[i].capacity.Cmp(entries[j].capacity)
		if cmp != 0 {
			return cmp > 0
		}
		return entries[i].Address < entries[j].Address
	})
	return entries, nil
}

// ledgerWrite wraps a credit contract write with metrics.
func (c *Core) ledgerWrite(_ context.Context, op string, fn func() (*creditmgr.TxResult, error)) (*creditmgr.TxResult, error) {
	result, err := fn()
	if err != nil {
		metrics.LedgerWritesTotal.WithLabelValues(op, "error").Inc()
		return nil, err
	}
	metrics.LedgerWritesTotal.WithLabelValues(op, "ok").Inc()
	return result, nil
}

func (c *Core) updateGauges() {
	merchants, pending := c.registry.Counts()
	metrics.ActiveMerchants.Set(float64(merchants))
	metrics.PendingPayments.Set(float64(pending))
}
