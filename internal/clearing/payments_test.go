package clearing

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/aegis402/internal/asset"
	"github.com/mbd888/aegis402/internal/registry"
	"github.com/mbd888/aegis402/internal/reputation"
)

// ---------------------------------------------------------------------------
// PaymentDetected
// ---------------------------------------------------------------------------

func TestPaymentDetected_RecordsPending(t *testing.T) {
	h := newHarness(t, reputation.Stub{})
	h.subscribe(t, 100000, "translate")

	h.pay("0xpay01", 10000)

	p, ok := h.core.Registry().GetPayment("0xpay01")
	require.True(t, ok)
	assert.Equal(t, registry.StatusPending, p.Status)
	assert.Equal(t, clientAddr, p.Client)
	assert.Equal(t, *h.clock+3600, p.Deadline)

	m, _ := h.core.Registry().GetMerchant(merchantAddr)
	assert.EqualValues(t, 10000, m.Exposure.Int64())
	assert.EqualValues(t, 10000, h.credit.merchants[merchantAddr].exposure.Int64())
	h.checkInvariants(t)
	assert.Contains(t, h.events.types, eventPaymentDetected)
}

func TestPaymentDetected_SelfTransferIgnored(t *testing.T) {
	h := newHarness(t, reputation.Stub{})
	h.subscribe(t, 100000, "translate")

	h.core.PaymentDetected(context.Background(), asset.Transfer{
		TxHash: "0xself01", From: agentAddr, To: merchantAddr,
		Amount: big.NewInt(5000), Timestamp: *h.clock,
	})

	assert.False(t, h.core.Registry().HasPayment("0xself01"))
	m, _ := h.core.Registry().GetMerchant(merchantAddr)
	assert.Zero(t, m.Exposure.Int64())
}

func TestPaymentDetected_UnknownMerchantDropped(t *testing.T) {
	h := newHarness(t, reputation.Stub{})

	h.pay("0xpay01", 10000)

	assert.False(t, h.core.Registry().HasPayment("0xpay01"))
	assert.Empty(t, h.credit.writes)
}

func TestPaymentDetected_DuplicateTxDropped(t *testing.T) {
	h := newHarness(t, reputation.Stub{})
	h.subscribe(t, 100000, "translate")

	h.pay("0xpay01", 10000)
	h.pay("0xpay01", 10000)

	m, _ := h.core.Registry().GetMerchant(merchantAddr)
	assert.EqualValues(t, 10000, m.Exposure.Int64(), "duplicate must not double-count exposure")
	assert.EqualValues(t, 10000, h.credit.merchants[merchantAddr].exposure.Int64())
}

func TestPaymentDetected_OverLimitNotTracked(t *testing.T) {
	h := newHarness(t, reputation.Stub{})
	h.subscribe(t, 100000, "translate")

	// 60k + 60k against a 100k limit: second record must be refused.
	h.pay("0xpay01", 60000)
	h.pay("0xpay02", 60000)

	assert.True(t, h.core.Registry().HasPayment("0xpay01"))
	assert.False(t, h.core.Registry().HasPayment("0xpay02"), "over-limit payment must not be tracked")

	m, _ := h.core.Registry().GetMerchant(merchantAddr)
	assert.EqualValues(t, 60000, m.Exposure.Int64())
	h.checkInvariants(t)

	// Settling the first frees capacity for a retry of the second amount.
	_, err := h.core.Settle(context.Background(), "0xpay01")
	require.NoError(t, err)
	h.pay("0xpay03", 60000)
	assert.True(t, h.core.Registry().HasPayment("0xpay03"))
	h.checkInvariants(t)
}

func TestPaymentDetected_ZeroCreditLimit(t *testing.T) {
	h := newHarness(t, reputation.Stub{Value: reputation.MinFactor})

	// Tiny stake with the minimum factor floors to a sub-stake limit; push the
	// limit to zero directly to probe the boundary.
	h.subscribe(t, 100000, "translate")
	h.credit.merchants[merchantAddr].creditLimit = big.NewInt(0)

	h.pay("0xpay01", 1)
	assert.False(t, h.core.Registry().HasPayment("0xpay01"))
}

// ---------------------------------------------------------------------------
// Settle
// ---------------------------------------------------------------------------

func TestSettle_ReleasesExposure(t *testing.T) {
	h := newHarness(t, reputation.Stub{})
	h.subscribe(t, 100000, "translate")
	h.pay("0xpay01", 25000)

	result, err := h.core.Settle(context.Background(), "0xpay01")
	require.NoError(t, err)
	assert.Equal(t, "25000", result.Amount)
	assert.Equal(t, merchantAddr, result.Merchant)

	p, _ := h.core.Registry().GetPayment("0xpay01")
	assert.Equal(t, registry.StatusSettled, p.Status)

	m, _ := h.core.Registry().GetMerchant(merchantAddr)
	assert.Zero(t, m.Exposure.Int64())
	assert.EqualValues(t, 100000, m.Stake.Int64(), "settle must not touch stake")
	assert.Zero(t, h.credit.merchants[merchantAddr].exposure.Int64())
	assert.Contains(t, h.events.types, eventPaymentSettled)
}

func TestSettle_UnknownTx(t *testing.T) {
	h := newHarness(t, reputation.Stub{})

	_, err := h.core.Settle(context.Background(), "0xmissing")
	assert.ErrorIs(t, err, registry.ErrPaymentNotFound)
}

func TestSettle_AlreadySettled(t *testing.T) {
	h := newHarness(t, reputation.Stub{})
	h.subscribe(t, 100000, "translate")
	h.pay("0xpay01", 25000)

	_, err := h.core.Settle(context.Background(), "0xpay01")
	require.NoError(t, err)

	_, err = h.core.Settle(context.Background(), "0xpay01")
	assert.ErrorIs(t, err, registry.ErrPaymentNotPending)
}

func TestSettle_LedgerFailureLeavesPending(t *testing.T) {
	h := newHarness(t, reputation.Stub{})
	h.subscribe(t, 100000, "translate")
	h.pay("0xpay01", 25000)
	h.credit.failOps["clearExposure"] = errors.New("rpc down")

	_, err := h.core.Settle(context.Background(), "0xpay01")
	require.Error(t, err)

	p, _ := h.core.Registry().GetPayment("0xpay01")
	assert.Equal(t, registry.StatusPending, p.Status, "failed settle must stay retryable")
	m, _ := h.core.Registry().GetMerchant(merchantAddr)
	assert.EqualValues(t, 25000, m.Exposure.Int64())
}

// ---------------------------------------------------------------------------
// Slash
// ---------------------------------------------------------------------------

func TestSlash_AfterDeadline(t *testing.T) {
	h := newHarness(t, reputation.Stub{})
	h.subscribe(t, 100000, "translate")
	h.pay("0xpay01", 30000)

	*h.clock += 3601 // past the one hour deadline

	result, err := h.core.Slash(context.Background(), "0xpay01", clientAddr)
	require.NoError(t, err)
	assert.Equal(t, "30000", result.SlashedAmount)
	assert.Equal(t, clientAddr, result.Client)
	assert.NotEmpty(t, result.RefundTx)

	p, _ := h.core.Registry().GetPayment("0xpay01")
	assert.Equal(t, registry.StatusSlashed, p.Status)

	// Slash burns stake and releases exposure, locally and on ledger.
	m, _ := h.core.Registry().GetMerchant(merchantAddr)
	assert.EqualValues(t, 70000, m.Stake.Int64())
	assert.Zero(t, m.Exposure.Int64())
	assert.EqualValues(t, 70000, h.credit.merchants[merchantAddr].stake.Int64())
	assert.Zero(t, h.credit.merchants[merchantAddr].exposure.Int64())
	h.checkInvariants(t)
	assert.Contains(t, h.events.types, eventPaymentSlashed)
}

func TestSlash_BeforeDeadline(t *testing.T) {
	h := newHarness(t, reputation.Stub{})
	h.subscribe(t, 100000, "translate")
	h.pay("0xpay01", 30000)

	_, err := h.core.Slash(context.Background(), "0xpay01", clientAddr)
	assert.ErrorIs(t, err, ErrDeadlineNotReached)

	p, _ := h.core.Registry().GetPayment("0xpay01")
	assert.Equal(t, registry.StatusPending, p.Status)
}

func TestSlash_WrongClient(t *testing.T) {
	h := newHarness(t, reputation.Stub{})
	h.subscribe(t, 100000, "translate")
	h.pay("0xpay01", 30000)
	*h.clock += 3601

	_, err := h.core.Slash(context.Background(), "0xpay01", "0x9999999999999999999999999999999999999999")
	assert.ErrorIs(t, err, ErrNotOriginalClient)

	p, _ := h.core.Registry().GetPayment("0xpay01")
	assert.Equal(t, registry.StatusPending, p.Status)
	m, _ := h.core.Registry().GetMerchant(merchantAddr)
	assert.EqualValues(t, 100000, m.Stake.Int64())
}

func TestSlash_ClientAddressCaseInsensitive(t *testing.T) {
	h := newHarness(t, reputation.Stub{})
	h.subscribe(t, 100000, "translate")
	h.pay("0xpay01", 30000)
	*h.clock += 3601

	upper := "0x" + strings.ToUpper(clientAddr[2:])
	_, err := h.core.Slash(context.Background(), "0xpay01", upper)
	require.NoError(t, err)
}

func TestSlash_AfterSettle(t *testing.T) {
	h := newHarness(t, reputation.Stub{})
	h.subscribe(t, 100000, "translate")
	h.pay("0xpay01", 30000)

	_, err := h.core.Settle(context.Background(), "0xpay01")
	require.NoError(t, err)

	*h.clock += 3601
	_, err = h.core.Slash(context.Background(), "0xpay01", clientAddr)
	assert.ErrorIs(t, err, registry.ErrPaymentNotPending)
}

// ---------------------------------------------------------------------------
// deadline sweep
// ---------------------------------------------------------------------------

func TestSweepExpired_ExpiresDuePayments(t *testing.T) {
	h := newHarness(t, reputation.Stub{})
	h.subscribe(t, 100000, "translate")
	h.pay("0xpay01", 10000)
	h.pay("0xpay02", 20000)

	*h.clock += 3601
	h.core.SweepExpired(context.Background())

	for _, tx := range []string{"0xpay01", "0xpay02"} {
		p, _ := h.core.Registry().GetPayment(tx)
		assert.Equal(t, registry.StatusExpired, p.Status, tx)
	}
	m, _ := h.core.Registry().GetMerchant(merchantAddr)
	assert.Zero(t, m.Exposure.Int64())
	assert.EqualValues(t, 100000, m.Stake.Int64(), "expiry must not burn stake")
	h.checkInvariants(t)
}

func TestSweepExpired_LeavesFuturePayments(t *testing.T) {
	h := newHarness(t, reputation.Stub{})
	h.subscribe(t, 100000, "translate")
	h.pay("0xpay01", 10000)

	*h.clock += 1800 // half the window
	h.core.SweepExpired(context.Background())

	p, _ := h.core.Registry().GetPayment("0xpay01")
	assert.Equal(t, registry.StatusPending, p.Status)
}

func TestSweepExpired_SlashAfterExpiryFails(t *testing.T) {
	h := newHarness(t, reputation.Stub{})
	h.subscribe(t, 100000, "translate")
	h.pay("0xpay01", 10000)

	*h.clock += 3601
	h.core.SweepExpired(context.Background())

	_, err := h.core.Slash(context.Background(), "0xpay01", clientAddr)
	require.ErrorIs(t, err, registry.ErrPaymentNotPending)
	assert.Contains(t, err.Error(), "already expired")
}

func TestSweepExpired_LedgerFailureRetriesNextSweep(t *testing.T) {
	h := newHarness(t, reputation.Stub{})
	h.subscribe(t, 100000, "translate")
	h.pay("0xpay01", 10000)

	*h.clock += 3601
	h.credit.failOps["clearExposure"] = errors.New("rpc down")
	h.core.SweepExpired(context.Background())

	p, _ := h.core.Registry().GetPayment("0xpay01")
	assert.Equal(t, registry.StatusPending, p.Status)

	delete(h.credit.failOps, "clearExposure")
	h.core.SweepExpired(context.Background())

	p, _ = h.core.Registry().GetPayment("0xpay01")
	assert.Equal(t, registry.StatusExpired, p.Status)
}
