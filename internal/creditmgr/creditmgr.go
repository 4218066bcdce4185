// Package creditmgr is the typed adapter for the on-ledger credit manager
// contract. It exposes merchant reads, the five state-changing calls, and a
// chunked historical event query used by recovery.
//
// Writes never retry here. A failed write surfaces as a *LedgerError and the
// caller decides whether to try again at the protocol level.
package creditmgr

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrInvalidPrivateKey = errors.New("creditmgr: invalid private key")
	ErrRPCConnection     = errors.New("creditmgr: RPC connection failed")
	ErrCallReverted      = errors.New("creditmgr: contract call reverted")
	ErrTimeout           = errors.New("creditmgr: operation timed out")
)

// LedgerError wraps a failed contract interaction with its operation name and
// transaction hash when one was produced.
type LedgerError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *LedgerError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("creditmgr: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("creditmgr: %s failed: %v", e.Op, e.Err)
}

func (e *LedgerError) Unwrap() error { return e.Err }

const creditManagerABI = `[
	{"constant":true,"inputs":[{"name":"merchant","type":"address"}],"name":"getMerchant","outputs":[{"name":"stake","type":"uint256"},{"name":"creditLimit","type":"uint256"},{"name":"exposure","type":"uint256"},{"name":"agentId","type":"uint256"},{"name":"endpoint","type":"string"},{"name":"active","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"merchant","type":"address"}],"name":"getMerchantSkills","outputs":[{"name":"","type":"string[]"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"merchant","type":"address"},{"name":"stake","type":"uint256"},{"name":"agentId","type":"uint256"},{"name":"endpoint","type":"string"},{"name":"skills","type":"string[]"}],"name":"subscribeFor","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"merchant","type":"address"},{"name":"limit","type":"uint256"}],"name":"setCreditLimit","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"merchant","type":"address"},{"name":"amount","type":"uint256"}],"name":"recordPayment","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"merchant","type":"address"},{"name":"amount","type":"uint256"}],"name":"clearExposure","outputs":[],"type":"function"},
	{"constant":false,"inputs":[{"name":"merchant","type":"address"},{"name":"client","type":"address"},{"name":"amount","type":"uint256"}],"name":"slash","outputs":[],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"merchant","type":"address"},{"indexed":false,"name":"stake","type":"uint256"},{"indexed":false,"name":"agentId","type":"uint256"}],"name":"Subscribed","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"merchant","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"ExposureIncreased","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"merchant","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"ExposureCleared","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"merchant","type":"address"},{"indexed":true,"name":"client","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"Slashed","type":"event"}
]`

const (
	// DefaultGasLimit when estimation fails
	DefaultGasLimit = uint64(300000)

	// DefaultConfirmationTimeout for write receipts
	DefaultConfirmationTimeout = 60 * time.Second

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second

	// DefaultChunkSize for historical event queries. RPC providers cap the
	// block span of a single eth_getLogs call.
	DefaultChunkSize = uint64(2000)
)

// MerchantState is the on-ledger record for one merchant.
type MerchantState struct {
	Stake       *big.Int
	CreditLimit *big.Int
	Exposure    *big.Int
	AgentID     string
	Endpoint    string
	Active      bool
}

// EventKind selects which contract event to query.
type EventKind string

const (
	EventSubscribed        EventKind = "Subscribed"
	EventExposureIncreased EventKind = "ExposureIncreased"
	EventExposureCleared   EventKind = "ExposureCleared"
	EventSlashed           EventKind = "Slashed"
)

// Event is one decoded contract event.
type Event struct {
	Kind      EventKind
	Merchant  string
	Client    string   // Slashed only
	Stake     *big.Int // Subscribed only
	AgentID   string   // Subscribed only
	Amount    *big.Int // exposure/slash events
	TxHash    string
	Block     uint64
	Timestamp int64
}

// TxResult is the receipt of a confirmed write.
type TxResult struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// EthClient abstracts the go-ethereum client for testing
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

// Config for the credit manager adapter
type Config struct {
	RPCURL     string
	ChainID    int64
	Contract   string
	PrivateKey string
}

// Option configures the adapter
type Option func(*Client)

// WithEthClient injects a custom client (useful for testing)
func WithEthClient(ec EthClient) Option {
	return func(c *Client) {
		c.eth = ec
	}
}

// WithChunkSize overrides the event-query chunk size
func WithChunkSize(size uint64) Option {
	return func(c *Client) {
		c.chunkSize = size
	}
}

// Client is the concrete adapter. It owns its RPC connection and signs all
// writes with the clearinghouse agent key.
type Client struct {
	eth        EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	contract   common.Address
	abi        abi.ABI
	chunkSize  uint64
	logger     *slog.Logger
}

// New creates a credit manager adapter from config.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsed, err := abi.JSON(strings.NewReader(creditManagerABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse credit manager ABI: %w", err)
	}

	c := &Client{
		privateKey: key,
		address:    crypto.PubkeyToAddress(*pub),
		chainID:    big.NewInt(cfg.ChainID),
		contract:   common.HexToAddress(cfg.Contract),
		abi:        parsed,
		chunkSize:  DefaultChunkSize,
		logger:     logger,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.eth == nil {
		eth, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.eth = eth
	}

	return c, nil
}

// ContractAddress returns the credit manager contract address.
func (c *Client) ContractAddress() string {
	return c.contract.Hex()
}

// GetMerchant reads a merchant's on-ledger state.
func (c *Client) GetMerchant(ctx context.Context, merchant string) (*MerchantState, error) {
	data, err := c.abi.Pack("getMerchant", common.HexToAddress(merchant))
	if err != nil {
		return nil, &LedgerError{Op: "getMerchant", Err: err}
	}

	result, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, &LedgerError{Op: "getMerchant", Err: err}
	}

	vals, err := c.abi.Unpack("getMerchant", result)
	if err != nil || len(vals) != 6 {
		return nil, &LedgerError{Op: "getMerchant", Err: fmt.Errorf("unpack: %v", err)}
	}

	return &MerchantState{
		Stake:       vals[0].(*big.Int),
		CreditLimit: vals[1].(*big.Int),
		Exposure:    vals[2].(*big.Int),
		AgentID:     vals[3].(*big.Int).String(),
		Endpoint:    vals[4].(string),
		Active:      vals[5].(bool),
	}, nil
}

// GetMerchantSkills reads the skill tags a merchant registered on-ledger.
func (c *Client) GetMerchantSkills(ctx context.Context, merchant string) ([]string, error) {
	data, err := c.abi.Pack("getMerchantSkills", common.HexToAddress(merchant))
	if err != nil {
		return nil, &LedgerError{Op: "getMerchantSkills", Err: err}
	}

	result, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, &LedgerError{Op: "getMerchantSkills", Err: err}
	}

	vals, err := c.abi.Unpack("getMerchantSkills", result)
	if err != nil || len(vals) != 1 {
		return nil, &LedgerError{Op: "getMerchantSkills", Err: fmt.Errorf("unpack: %v", err)}
	}

	skills, ok := vals[0].([]string)
	if !ok {
		return nil, &LedgerError{Op: "getMerchantSkills", Err: fmt.Errorf("unexpected skills type %T", vals[0])}
	}
	return skills, nil
}

// SubscribeFor activates a merchant, pulling stake from the clearinghouse's
// prior token approval.
func (c *Client) SubscribeFor(ctx context.Context, merchant string, stake *big.Int, agentID, endpoint string, skills []string) (*TxResult, error) {
	id, ok := new(big.Int).SetString(agentID, 10)
	if !ok {
		id = big.NewInt(0)
	}
	return c.write(ctx, "subscribeFor", common.HexToAddress(merchant), stake, id, endpoint, skills)
}

// SetCreditLimit sets a merchant's credit limit. Requires the merchant active.
func (c *Client) SetCreditLimit(ctx context.Context, merchant string, limit *big.Int) (*TxResult, error) {
	return c.write(ctx, "setCreditLimit", common.HexToAddress(merchant), limit)
}

// RecordPayment increases a merchant's exposure. Reverts when the new
// exposure would exceed the credit limit.
func (c *Client) RecordPayment(ctx context.Context, merchant string, amount *big.Int) (*TxResult, error) {
	return c.write(ctx, "recordPayment", common.HexToAddress(merchant), amount)
}

// ClearExposure decreases a merchant's exposure. Reverts when amount exceeds
// current exposure.
func (c *Client) ClearExposure(ctx context.Context, merchant string, amount *big.Int) (*TxResult, error) {
	return c.write(ctx, "clearExposure", common.HexToAddress(merchant), amount)
}

// Slash burns amount of the merchant's stake and transfers it to the client.
// Reverts when amount exceeds stake or exposure.
func (c *Client) Slash(ctx context.Context, merchant, client string, amount *big.Int) (*TxResult, error) {
	return c.write(ctx, "slash", common.HexToAddress(merchant), common.HexToAddress(client), amount)
}

// write packs, signs, sends, and waits for the receipt of one contract call.
func (c *Client) write(ctx context.Context, method string, args ...any) (*TxResult, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, &LedgerError{Op: method, Err: err}
	}

	nonce, err := c.eth.PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, &LedgerError{Op: method, Err: err}
	}

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &LedgerError{Op: method, Err: err}
	}

	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &c.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Estimation failing usually means the call would revert. Surface it
		// now instead of burning gas on a doomed transaction.
		return nil, &LedgerError{Op: method, Err: fmt.Errorf("%w: %v", ErrCallReverted, err)}
	}
	if gasLimit == 0 {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return nil, &LedgerError{Op: method, Err: err}
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, &LedgerError{Op: method, TxHash: signed.Hash().Hex(), Err: err}
	}

	return c.waitReceipt(ctx, method, signed.Hash())
}

func (c *Client) waitReceipt(ctx context.Context, method string, hash common.Hash) (*TxResult, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultConfirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &LedgerError{Op: method, TxHash: hash.Hex(), Err: ErrTimeout}
			}
			return nil, &LedgerError{Op: method, TxHash: hash.Hex(), Err: ctx.Err()}

		case <-ticker.C:
			receipt, err := c.eth.TransactionReceipt(ctx, hash)
			if err != nil {
				continue
			}
			if receipt.Status == 0 {
				return nil, &LedgerError{Op: method, TxHash: hash.Hex(), Err: ErrCallReverted}
			}
			return &TxResult{
				TxHash:      hash.Hex(),
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
	}
}

// QueryEvents reads historical contract events of one kind over
// [fromBlock, toBlock]. Queries go out in fixed-size chunks; a failed chunk
// is split in half and each half retried once before being skipped. Chunk
// failures are logged and never abort the overall query.
func (c *Client) QueryEvents(ctx context.Context, kind EventKind, fromBlock, toBlock uint64) ([]Event, error) {
	if fromBlock > toBlock {
		return nil, nil
	}

	var out []Event
	for start := fromBlock; start <= toBlock; {
		end := start + c.chunkSize - 1
		if end > toBlock {
			end = toBlock
		}

		events, err := c.queryRange(ctx, kind, start, end)
		if err != nil {
			c.logger.Warn("event chunk query failed, splitting",
				"kind", string(kind), "from", start, "to", end, "error", err)

			mid := start + (end-start)/2
			halves := [][2]uint64{{start, mid}}
			if mid < end {
				halves = append(halves, [2]uint64{mid + 1, end})
			}
			for _, h := range halves {
				evs, err := c.queryRange(ctx, kind, h[0], h[1])
				if err != nil {
					c.logger.Warn("event chunk skipped",
						"kind", string(kind), "from", h[0], "to", h[1], "error", err)
					continue
				}
				out = append(out, evs...)
			}
		} else {
			out = append(out, events...)
		}

		if end == toBlock {
			break
		}
		start = end + 1
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Block < out[j].Block })
	return out, nil
}

func (c *Client) queryRange(ctx context.Context, kind EventKind, fromBlock, toBlock uint64) ([]Event, error) {
	ev, ok := c.abi.Events[string(kind)]
	if !ok {
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}

	logs, err := c.eth.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{ev.ID}},
	})
	if err != nil {
		return nil, err
	}

	timestamps := make(map[uint64]int64)
	events := make([]Event, 0, len(logs))
	for _, vLog := range logs {
		e, err := c.decodeEvent(kind, vLog)
		if err != nil {
			c.logger.Warn("undecodable contract event", "kind", string(kind), "tx", vLog.TxHash.Hex(), "error", err)
			continue
		}

		ts, cached := timestamps[vLog.BlockNumber]
		if !cached {
			header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(vLog.BlockNumber))
			if err != nil {
				ts = time.Now().Unix()
			} else {
				ts = int64(header.Time)
			}
			timestamps[vLog.BlockNumber] = ts
		}
		e.Timestamp = ts
		events = append(events, e)
	}
	return events, nil
}

func (c *Client) decodeEvent(kind EventKind, vLog types.Log) (Event, error) {
	if len(vLog.Topics) < 2 {
		return Event{}, fmt.Errorf("missing indexed topics")
	}

	e := Event{
		Kind:     kind,
		Merchant: common.HexToAddress(vLog.Topics[1].Hex()).Hex(),
		TxHash:   vLog.TxHash.Hex(),
		Block:    vLog.BlockNumber,
	}

	vals, err := c.abi.Unpack(string(kind), vLog.Data)
	if err != nil {
		return Event{}, err
	}

	switch kind {
	case EventSubscribed:
		if len(vals) != 2 {
			return Event{}, fmt.Errorf("unexpected Subscribed data")
		}
		e.Stake = vals[0].(*big.Int)
		e.AgentID = vals[1].(*big.Int).String()
	case EventExposureIncreased, EventExposureCleared:
		if len(vals) != 1 {
			return Event{}, fmt.Errorf("unexpected exposure event data")
		}
		e.Amount = vals[0].(*big.Int)
	case EventSlashed:
		if len(vLog.Topics) < 3 {
			return Event{}, fmt.Errorf("missing client topic")
		}
		e.Client = common.HexToAddress(vLog.Topics[2].Hex()).Hex()
		if len(vals) != 1 {
			return Event{}, fmt.Errorf("unexpected Slashed data")
		}
		e.Amount = vals[0].(*big.Int)
	default:
		return Event{}, fmt.Errorf("unknown event kind %q", kind)
	}

	return e, nil
}

// Close closes the RPC connection.
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}
