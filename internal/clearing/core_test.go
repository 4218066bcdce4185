package clearing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/aegis402/internal/asset"
	"github.com/mbd888/aegis402/internal/creditmgr"
	"github.com/mbd888/aegis402/internal/registry"
	"github.com/mbd888/aegis402/internal/reputation"
)

const (
	agentAddr    = "0xc1ea121065b10d3e2ea6d57f6cf1eb4a6d6423d1"
	merchantAddr = "0xme12ca4700000000000000000000000000000001"
	clientAddr   = "0xc11e4700000000000000000000000000000000a1"
	contractAddr = "0xcc0471ac700000000000000000000000000000cc"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

// ledgerMerchant mimics the credit contract's per-merchant storage.
type ledgerMerchant struct {
	stake       *big.Int
	creditLimit *big.Int
	exposure    *big.Int
	agentID     string
	endpoint    string
	active      bool
	skills      []string
}

type fakeCredit struct {
	mu        sync.Mutex
	merchants map[string]*ledgerMerchant
	events    map[creditmgr.EventKind][]creditmgr.Event
	failOps   map[string]error
	writes    []string
	txCounter int
}

func newFakeCredit() *fakeCredit {
	return &fakeCredit{
		merchants: make(map[string]*ledgerMerchant),
		events:    make(map[creditmgr.EventKind][]creditmgr.Event),
		failOps:   make(map[string]error),
	}
}

func (f *fakeCredit) tx() *creditmgr.TxResult {
	f.txCounter++
	return &creditmgr.TxResult{TxHash: fmt.Sprintf("0xledgertx%02d", f.txCounter)}
}

func (f *fakeCredit) fail(op string) error {
	if err, ok := f.failOps[op]; ok {
		return err
	}
	return nil
}

func (f *fakeCredit) GetMerchant(_ context.Context, merchant string) (*creditmgr.MerchantState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("getMerchant"); err != nil {
		return nil, err
	}
	m, ok := f.merchants[strings.ToLower(merchant)]
	if !ok {
		return &creditmgr.MerchantState{
			Stake:       big.NewInt(0),
			CreditLimit: big.NewInt(0),
			Exposure:    big.NewInt(0),
			AgentID:     "0",
		}, nil
	}
	return &creditmgr.MerchantState{
		Stake:       new(big.Int).Set(m.stake),
		CreditLimit: new(big.Int).Set(m.creditLimit),
		Exposure:    new(big.Int).Set(m.exposure),
		AgentID:     m.agentID,
		Endpoint:    m.endpoint,
		Active:      m.active,
	}, nil
}

func (f *fakeCredit) GetMerchantSkills(_ context.Context, merchant string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("getMerchantSkills"); err != nil {
		return nil, err
	}
	if m, ok := f.merchants[strings.ToLower(merchant)]; ok {
		return m.skills, nil
	}
	return nil, nil
}

func (f *fakeCredit) SubscribeFor(_ context.Context, merchant string, stake *big.Int, agentID, endpoint string, skills []string) (*creditmgr.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, "subscribeFor")
	if err := f.fail("subscribeFor"); err != nil {
		return nil, err
	}
	addr := strings.ToLower(merchant)
	if m, ok := f.merchants[addr]; ok && m.active {
		return nil, &creditmgr.LedgerError{Op: "subscribeFor", Err: errors.New("already active")}
	}
	f.merchants[addr] = &ledgerMerchant{
		stake:       new(big.Int).Set(stake),
		creditLimit: big.NewInt(0),
		exposure:    big.NewInt(0),
		agentID:     agentID,
		endpoint:    endpoint,
		active:      true,
		skills:      skills,
	}
	return f.tx(), nil
}

func (f *fakeCredit) SetCreditLimit(_ context.Context, merchant string, limit *big.Int) (*creditmgr.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, "setCreditLimit")
	if err := f.fail("setCreditLimit"); err != nil {
		return nil, err
	}
	m, ok := f.merchants[strings.ToLower(merchant)]
	if !ok || !m.active {
		return nil, &creditmgr.LedgerError{Op: "setCreditLimit", Err: errors.New("not active")}
	}
	m.creditLimit = new(big.Int).Set(limit)
	return f.tx(), nil
}

func (f *fakeCredit) RecordPayment(_ context.Context, merchant string, amount *big.Int) (*creditmgr.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, "recordPayment")
	if err := f.fail("recordPayment"); err != nil {
		return nil, err
	}
	m, ok := f.merchants[strings.ToLower(merchant)]
	if !ok {
		return nil, &creditmgr.LedgerError{Op: "recordPayment", Err: errors.New("unknown merchant")}
	}
	next := new(big.Int).Add(m.exposure, amount)
	if next.Cmp(m.creditLimit) > 0 {
		return nil, &creditmgr.LedgerError{Op: "recordPayment", Err: errors.New("exceeds credit limit")}
	}
	m.exposure = next
	return f.tx(), nil
}

func (f *fakeCredit) ClearExposure(_ context.Context, merchant string, amount *big.Int) (*creditmgr.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, "clearExposure")
	if err := f.fail("clearExposure"); err != nil {
		return nil, err
	}
	m, ok := f.merchants[strings.ToLower(merchant)]
	if !ok || amount.Cmp(m.exposure) > 0 {
		return nil, &creditmgr.LedgerError{Op: "clearExposure", Err: errors.New("exceeds exposure")}
	}
	m.exposure = new(big.Int).Sub(m.exposure, amount)
	return f.tx(), nil
}

func (f *fakeCredit) Slash(_ context.Context, merchant, _ string, amount *big.Int) (*creditmgr.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, "slash")
	if err := f.fail("slash"); err != nil {
		return nil, err
	}
	m, ok := f.merchants[strings.ToLower(merchant)]
	if !ok || amount.Cmp(m.stake) > 0 || amount.Cmp(m.exposure) > 0 {
		return nil, &creditmgr.LedgerError{Op: "slash", Err: errors.New("exceeds stake or exposure")}
	}
	m.stake = new(big.Int).Sub(m.stake, amount)
	m.exposure = new(big.Int).Sub(m.exposure, amount)
	return f.tx(), nil
}

func (f *fakeCredit) QueryEvents(_ context.Context, kind creditmgr.EventKind, fromBlock, toBlock uint64) ([]creditmgr.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []creditmgr.Event
	for _, ev := range f.events[kind] {
		if ev.Block >= fromBlock && ev.Block <= toBlock {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeCredit) ContractAddress() string { return contractAddr }

type fakeToken struct {
	head       uint64
	allowance  *big.Int
	transfers  []asset.Transfer
	approveErr error
	confirmErr error
	approved   []*big.Int
}

func (f *fakeToken) Address() string                           { return agentAddr }
func (f *fakeToken) HeadBlock(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeToken) Approve(_ context.Context, _ string, amount *big.Int) (*asset.TxResult, error) {
	if f.approveErr != nil {
		return nil, f.approveErr
	}
	f.approved = append(f.approved, amount)
	f.allowance = new(big.Int).Set(amount)
	return &asset.TxResult{TxHash: "0xapprove01"}, nil
}

func (f *fakeToken) Allowance(context.Context, string, string) (*big.Int, error) {
	if f.allowance == nil {
		return big.NewInt(0), nil
	}
	return f.allowance, nil
}

func (f *fakeToken) WaitForConfirmation(_ context.Context, txHash string, _ time.Duration) (*asset.TxResult, error) {
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	return &asset.TxResult{TxHash: txHash, BlockNumber: 1}, nil
}

func (f *fakeToken) FindTransfer(_ context.Context, to string, amount *big.Int, endBlock, lookback uint64) (*asset.Transfer, error) {
	start := uint64(0)
	if endBlock > lookback {
		start = endBlock - lookback
	}
	for i := len(f.transfers) - 1; i >= 0; i-- {
		t := f.transfers[i]
		if t.Block >= start && t.Block <= endBlock &&
			strings.EqualFold(t.To, to) && t.Amount.Cmp(amount) == 0 {
			return &t, nil
		}
	}
	return nil, nil
}

type fakeWatch struct {
	mu    sync.Mutex
	addrs map[string]bool
}

func newFakeWatch() *fakeWatch { return &fakeWatch{addrs: make(map[string]bool)} }

func (f *fakeWatch) Watch(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addrs[strings.ToLower(addr)] = true
}

func (f *fakeWatch) watching(addr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addrs[strings.ToLower(addr)]
}

type fakeEvents struct {
	mu     sync.Mutex
	types  []string
	hashes []string
}

func (f *fakeEvents) BroadcastMerchantSubscribed(string, string, string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, "merchant_subscribed")
}

func (f *fakeEvents) BroadcastPayment(eventType, txHash, _, _, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.types = append(f.types, eventType)
	f.hashes = append(f.hashes, txHash)
}

// ---------------------------------------------------------------------------
// harness
// ---------------------------------------------------------------------------

type harness struct {
	core   *Core
	credit *fakeCredit
	token  *fakeToken
	watch  *fakeWatch
	events *fakeEvents
	clock  *int64
}

func newHarness(t *testing.T, rep reputation.Reader) *harness {
	t.Helper()
	credit := newFakeCredit()
	token := &fakeToken{head: 1000}
	watch := newFakeWatch()
	events := &fakeEvents{}
	clock := new(int64)
	*clock = 1_000_000

	cfg := DefaultConfig()
	cfg.AgentAddress = agentAddr
	cfg.SettleDelay = 0

	core := New(cfg, registry.New(), credit, token, rep, watch, events,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	core.now = func() int64 { return *clock }

	return &harness{core: core, credit: credit, token: token, watch: watch, events: events, clock: clock}
}

func (h *harness) subscribe(t *testing.T, stake int64, skills ...string) *SubscribeResult {
	t.Helper()
	result, err := h.core.Subscribe(context.Background(), SubscribeRequest{
		Merchant: merchantAddr,
		Stake:    big.NewInt(stake),
		AgentID:  "0",
		Endpoint: "https://merchant.example.com",
		Skills:   skills,
	})
	require.NoError(t, err)
	return result
}

func (h *harness) pay(tx string, amount int64) {
	h.core.PaymentDetected(context.Background(), asset.Transfer{
		TxHash:    tx,
		From:      clientAddr,
		To:        merchantAddr,
		Amount:    big.NewInt(amount),
		Block:     500,
		Timestamp: *h.clock,
	})
}

// checkInvariants asserts P1 and P2 for every merchant.
func (h *harness) checkInvariants(t *testing.T) {
	t.Helper()
	for _, m := range h.core.Registry().ListMerchants() {
		assert.True(t, m.Exposure.Sign() >= 0, "exposure must be non-negative")
		assert.True(t, m.Exposure.Cmp(m.CreditLimit) <= 0,
			"exposure %s exceeds credit limit %s", m.Exposure, m.CreditLimit)
	}
}

// ---------------------------------------------------------------------------
// Subscribe
// ---------------------------------------------------------------------------

func TestSubscribe_HappyPath(t *testing.T) {
	h := newHarness(t, reputation.Stub{})

	result := h.subscribe(t, 100000, "translate")

	assert.Equal(t, "100000", result.Stake)
	assert.Equal(t, "100000", result.CreditLimit) // rho = 1.0
	assert.Equal(t, 1.0, result.RepFactor)
	assert.Contains(t, result.Message, "1.00")

	// Registry entry
	m, ok := h.core.Registry().GetMerchant(merchantAddr)
	require.True(t, ok)
	assert.True(t, m.Active)
	assert.Zero(t, m.Exposure.Int64())

	// Watch-set and on-ledger sequence
	assert.True(t, h.watch.watching(merchantAddr))
	assert.Equal(t, []string{"subscribeFor", "setCreditLimit"}, h.credit.writes)
	require.Len(t, h.token.approved, 1)
	assert.EqualValues(t, 100000, h.token.approved[0].Int64())
}

func TestSubscribe_ReputationScalesCreditLimit(t *testing.T) {
	h := newHarness(t, reputation.Stub{Value: 2.0})

	result := h.subscribe(t, 100000, "translate")
	assert.Equal(t, "200000", result.CreditLimit)
}

func TestSubscribe_AlreadyActiveSkipsSubscribeFor(t *testing.T) {
	h := newHarness(t, reputation.Stub{})
	h.credit.merchants[merchantAddr] = &ledgerMerchant{
		stake:       big.NewInt(100000),
		creditLimit: big.NewInt(100000),
		exposure:    big.NewInt(0),
		active:      true,
	}

	h.subscribe(t, 100000, "translate")
	assert.Equal(t, []string{"setCreditLimit"}, h.credit.writes)
}

func TestSubscribe_ApprovalFailureLeavesRegistryUntouched(t *testing.T) {
	h := newHarness(t, reputation.Stub{})
	h.token.approveErr = errors.New("rpc down")

	_, err := h.core.Subscribe(context.Background(), SubscribeRequest{
		Merchant: merchantAddr,
		Stake:    big.NewInt(100000),
		Skills:   []string{"translate"},
	})
	require.Error(t, err)

	_, ok := h.core.Registry().GetMerchant(merchantAddr)
	assert.False(t, ok)
	assert.False(t, h.watch.watching(merchantAddr))
}

func TestSubscribe_SetCreditLimitFailureLeavesRegistryUntouched(t *testing.T) {
	h := newHarness(t, reputation.Stub{})
	h.credit.failOps["setCreditLimit"] = errors.New("reverted")

	_, err := h.core.Subscribe(context.Background(), SubscribeRequest{
		Merchant: merchantAddr,
		Stake:    big.NewInt(100000),
		Skills:   []string{"translate"},
	})
	require.Error(t, err)

	_, ok := h.core.Registry().GetMerchant(merchantAddr)
	assert.False(t, ok)
	assert.Empty(t, h.core.Registry().MerchantsBySkill("translate"))
}

func TestSubscribe_ResubscribeKeepsExposure(t *testing.T) {
	h := newHarness(t, reputation.Stub{})

	h.subscribe(t, 100000, "translate")
	h.pay("0xpay01", 10000)

	// Topping up the stake must not wipe exposure backed by the pending payment.
	h.subscribe(t, 150000, "translate", "summarize")

	m, ok := h.core.Registry().GetMerchant(merchantAddr)
	require.True(t, ok)
	assert.EqualValues(t, 10000, m.Exposure.Int64())
	h.checkInvariants(t)

	// The pending payment still settles cleanly afterwards.
	_, err := h.core.Settle(context.Background(), "0xpay01")
	require.NoError(t, err)

	m, _ = h.core.Registry().GetMerchant(merchantAddr)
	assert.Zero(t, m.Exposure.Int64())
	h.checkInvariants(t)
}

func TestSubscribe_OracleDownFallsBackToNeutralFactor(t *testing.T) {
	failing := reputation.NewHTTPReader("http://127.0.0.1:1") // nothing listens
	h := newHarness(t, failing)

	result := h.subscribe(t, 100000, "translate")
	assert.Equal(t, 1.0, result.RepFactor)
	assert.Equal(t, "100000", result.CreditLimit)
}

// ---------------------------------------------------------------------------
// Quote
// ---------------------------------------------------------------------------

func TestQuote_FiltersAndSortsByCapacity(t *testing.T) {
	h := newHarness(t, reputation.Stub{})

	// Two on-ledger merchants with the same skill, different free capacity.
	big4 := "0x4444444444444444444444444444444444444444"
	big5 := "0x5555555555555555555555555555555555555555"
	for addr, free := range map[string]int64{big4: 30000, big5: 90000} {
		h.credit.merchants[addr] = &ledgerMerchant{
			stake:       big.NewInt(100000),
			creditLimit: big.NewInt(100000),
			exposure:    big.NewInt(100000 - free),
			active:      true,
			endpoint:    "https://" + addr,
		}
		h.core.Registry().UpsertMerchant(&registry.Merchant{
			Address: addr, Skills: []string{"translate"}, Active: true,
			Stake: big.NewInt(100000), CreditLimit: big.NewInt(100000), Exposure: big.NewInt(0),
		})
	}

	entries, err := h.core.Quote(context.Background(), "translate", big.NewInt(20000))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, big5, entries[0].Address)
	assert.Equal(t, "90000", entries[0].AvailableCapacity)
	assert.Equal(t, big4, entries[1].Address)

	// Price above the smaller capacity drops that merchant
	entries, err = h.core.Quote(context.Background(), "translate", big.NewInt(50000))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, big5, entries[0].Address)
}

func TestQuote_UnknownSkill(t *testing.T) {
	h := newHarness(t, reputation.Stub{})
	entries, err := h.core.Quote(context.Background(), "nope", big.NewInt(1))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestQuote_PartialFailureDropsMerchant(t *testing.T) {
	h := newHarness(t, reputation.Stub{})
	h.subscribe(t, 100000, "translate")
	h.credit.failOps["getMerchant"] = errors.New("rpc flake")

	entries, err := h.core.Quote(context.Background(), "translate", big.NewInt(1))
	require.NoError(t, err) // quote itself succeeds
	assert.Empty(t, entries)
}

func TestSubscribeThenQuote_Law(t *testing.T) {
	h := newHarness(t, reputation.Stub{})
	h.subscribe(t, 100000, "translate")

	entries, err := h.core.Quote(context.Background(), "translate", big.NewInt(100000))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, merchantAddr, entries[0].Address)
	assert.Equal(t, "100000", entries[0].AvailableCapacity)
}
