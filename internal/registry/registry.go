// Package registry holds the clearinghouse's in-memory view of merchants and
// payments. Nothing here is persisted: the registry is rebuilt from ledger
// history on startup. All address keys are lowercased so case-variant
// addresses cannot produce duplicate entries.
package registry

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
)

var (
	ErrMerchantNotFound  = errors.New("merchant not found")
	ErrPaymentNotFound   = errors.New("payment record not found")
	ErrDuplicatePayment  = errors.New("payment already recorded")
	ErrPaymentNotPending = errors.New("payment not pending")
)

// PaymentStatus is the lifecycle state of an observed payment.
type PaymentStatus string

const (
	StatusPending PaymentStatus = "pending"
	StatusSettled PaymentStatus = "settled"
	StatusSlashed PaymentStatus = "slashed"
	StatusExpired PaymentStatus = "expired"
)

// Merchant is one subscribed service agent.
type Merchant struct {
	Address      string   `json:"address"`
	AgentID      string   `json:"agent_id"`
	Endpoint     string   `json:"endpoint"`
	Skills       []string `json:"skills"`
	Stake        *big.Int `json:"stake"`
	CreditLimit  *big.Int `json:"credit_limit"`
	Exposure     *big.Int `json:"exposure"`
	Active       bool     `json:"active"`
	RegisteredAt int64    `json:"registered_at"`
}

// Payment is one observed client→merchant transfer under clearing.
type Payment struct {
	TxHash    string        `json:"tx_hash"`
	Merchant  string        `json:"merchant"`
	Client    string        `json:"client"`
	Amount    *big.Int      `json:"amount"`
	Deadline  int64         `json:"deadline"`
	Status    PaymentStatus `json:"status"`
	CreatedAt int64         `json:"created_at"`
}

// Registry is the in-memory store. Reads take a shared lock so Quote and the
// HTTP read endpoints can run concurrently with the clearing core's writes.
type Registry struct {
	mu         sync.RWMutex
	merchants  map[string]*Merchant // address_lower → merchant
	payments   map[string]*Payment  // tx_hash → payment
	skillIndex map[string]map[string]bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		merchants:  make(map[string]*Merchant),
		payments:   make(map[string]*Payment),
		skillIndex: make(map[string]map[string]bool),
	}
}

// UpsertMerchant inserts or replaces a merchant entry and syncs the skill
// index. The address is lowercased; the stored entry is a copy.
func (r *Registry) UpsertMerchant(m *Merchant) {
	addr := strings.ToLower(m.Address)

	r.mu.Lock()
	defer r.mu.Unlock()

	// Drop stale skill-index entries from a previous subscription.
	if prev, ok := r.merchants[addr]; ok {
		for _, s := range prev.Skills {
			delete(r.skillIndex[s], addr)
			if len(r.skillIndex[s]) == 0 {
				delete(r.skillIndex, s)
			}
		}
	}

	stored := cloneMerchant(m)
	stored.Address = addr
	r.merchants[addr] = stored

	if stored.Active {
		for _, s := range stored.Skills {
			if r.skillIndex[s] == nil {
				r.skillIndex[s] = make(map[string]bool)
			}
			r.skillIndex[s][addr] = true
		}
	}
}

// GetMerchant returns a copy of the merchant, if present.
func (r *Registry) GetMerchant(address string) (*Merchant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.merchants[strings.ToLower(address)]
	if !ok {
		return nil, false
	}
	return cloneMerchant(m), true
}

// ListMerchants returns copies of all merchants, ordered by address.
func (r *Registry) ListMerchants() []*Merchant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Merchant, 0, len(r.merchants))
	for _, m := range r.merchants {
		out = append(out, cloneMerchant(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// MerchantsBySkill returns the addresses of active merchants offering a skill.
func (r *Registry) MerchantsBySkill(skill string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.skillIndex[skill]
	out := make([]string, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// InsertPayment records a new pending payment and adds its amount to the
// merchant's exposure. Fails on duplicate tx hash or unknown merchant.
func (r *Registry) InsertPayment(p *Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.payments[p.TxHash]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicatePayment, p.TxHash)
	}

	addr := strings.ToLower(p.Merchant)
	m, ok := r.merchants[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMerchantNotFound, addr)
	}

	stored := clonePayment(p)
	stored.Merchant = addr
	stored.Client = strings.ToLower(p.Client)
	stored.Status = StatusPending
	r.payments[stored.TxHash] = stored

	m.Exposure = new(big.Int).Add(m.Exposure, stored.Amount)
	return nil
}

// GetPayment returns a copy of the payment, if present.
func (r *Registry) GetPayment(txHash string) (*Payment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.payments[txHash]
	if !ok {
		return nil, false
	}
	return clonePayment(p), true
}

// HasPayment reports whether a tx hash is already recorded.
func (r *Registry) HasPayment(txHash string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.payments[txHash]
	return ok
}

// ResolvePayment moves a pending payment to a terminal status and releases
// its exposure. For StatusSlashed the merchant's stake is also reduced by the
// payment amount. Returns the updated payment.
//
// Exposure going negative would mean the pending-sum invariant was already
// broken, which cannot happen through this API; it panics rather than
// continue with corrupt state.
func (r *Registry) ResolvePayment(txHash string, status PaymentStatus) (*Payment, error) {
	if status == StatusPending {
		return nil, fmt.Errorf("cannot resolve to pending")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.payments[txHash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, txHash)
	}
	if p.Status != StatusPending {
		return nil, fmt.Errorf("%w: payment already %s", ErrPaymentNotPending, p.Status)
	}

	m, ok := r.merchants[p.Merchant]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMerchantNotFound, p.Merchant)
	}
	if m.Exposure.Cmp(p.Amount) < 0 {
		panic(fmt.Sprintf("registry: exposure underflow for %s: %s < %s", p.Merchant, m.Exposure, p.Amount))
	}

	p.Status = status
	m.Exposure = new(big.Int).Sub(m.Exposure, p.Amount)
	if status == StatusSlashed {
		if m.Stake.Cmp(p.Amount) < 0 {
			panic(fmt.Sprintf("registry: stake underflow for %s: %s < %s", p.Merchant, m.Stake, p.Amount))
		}
		m.Stake = new(big.Int).Sub(m.Stake, p.Amount)
	}

	return clonePayment(p), nil
}

// PendingPaymentsDue returns copies of pending payments with deadline ≤ now.
func (r *Registry) PendingPaymentsDue(now int64) []*Payment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Payment
	for _, p := range r.payments {
		if p.Status == StatusPending && now >= p.Deadline {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TxHash < out[j].TxHash })
	return out
}

// Counts returns the number of merchants and pending payments, for metrics.
func (r *Registry) Counts() (merchants, pending int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	merchants = len(r.merchants)
	for _, p := range r.payments {
		if p.Status == StatusPending {
			pending++
		}
	}
	return merchants, pending
}

func cloneMerchant(m *Merchant) *Merchant {
	c := *m
	c.Skills = append([]string(nil), m.Skills...)
	c.Stake = bigCopy(m.Stake)
	c.CreditLimit = bigCopy(m.CreditLimit)
	c.Exposure = bigCopy(m.Exposure)
	return &c
}

func clonePayment(p *Payment) *Payment {
	c := *p
	c.Amount = bigCopy(p.Amount)
	return &c
}

func bigCopy(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
