// Package asset is the read/write adapter for the value asset (an ERC-20
// token with 6 decimals). It finds Transfer events by block range, performs
// the token-level approvals the credit contract requires, and signs with the
// clearinghouse's single agent key.
package asset

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
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
	ErrInvalidPrivateKey = errors.New("asset: invalid private key")
	ErrRPCConnection     = errors.New("asset: RPC connection failed")
	ErrTransactionFailed = errors.New("asset: transaction failed")
	ErrTimeout           = errors.New("asset: operation timed out")
)

// ERC20 Transfer event signature
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// Minimal ERC20 ABI: the calls the clearinghouse makes plus the Transfer event.
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

const (
	// DefaultGasLimit for ERC20 calls when estimation fails
	DefaultGasLimit = uint64(100000)

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second
)

// TxError wraps on-ledger call failures with context
type TxError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("asset: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("asset: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

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

// Transfer is one attributed value-asset movement.
type Transfer struct {
	TxHash    string
	From      string
	To        string
	Amount    *big.Int
	Block     uint64
	LogIndex  uint
	Timestamp int64
}

// TxResult is the outcome of a signed write.
type TxResult struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// Config for the asset adapter
type Config struct {
	RPCURL   string
	ChainID  int64
	Contract string
	// PrivateKey is hex, 0x prefix optional
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

// Client is the concrete adapter. It owns its RPC connection.
type Client struct {
	eth        EthClient
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	contract   common.Address
	abi        abi.ABI
}

// New creates an asset adapter from config.
func New(cfg Config, opts ...Option) (*Client, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	c := &Client{
		privateKey: key,
		address:    crypto.PubkeyToAddress(*pub),
		chainID:    big.NewInt(cfg.ChainID),
		contract:   common.HexToAddress(cfg.Contract),
		abi:        parsed,
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

// Address returns the clearinghouse agent address.
func (c *Client) Address() string {
	return c.address.Hex()
}

// HeadBlock returns the current chain head.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

// BalanceOf reads the asset balance of an address.
func (c *Client) BalanceOf(ctx context.Context, address string) (*big.Int, error) {
	data, err := c.abi.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	result, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}

	return new(big.Int).SetBytes(result), nil
}

// Allowance reads how much spender may pull from owner.
func (c *Client) Allowance(ctx context.Context, owner, spender string) (*big.Int, error) {
	data, err := c.abi.Pack("allowance", common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil, fmt.Errorf("failed to pack allowance call: %w", err)
	}

	result, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call allowance: %w", err)
	}

	return new(big.Int).SetBytes(result), nil
}

// Approve lets spender pull up to amount from the agent's account.
func (c *Client) Approve(ctx context.Context, spender string, amount *big.Int) (*TxResult, error) {
	data, err := c.abi.Pack("approve", common.HexToAddress(spender), amount)
	if err != nil {
		return nil, &TxError{Op: "approve_pack", Err: err}
	}
	return c.sendTx(ctx, "approve", data)
}

// sendTx signs and submits calldata against the asset contract.
func (c *Client) sendTx(ctx context.Context, op string, data []byte) (*TxResult, error) {
	nonce, err := c.eth.PendingNonceAt(ctx, c.address)
	if err != nil {
		return nil, &TxError{Op: op + "_nonce", Err: err}
	}

	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &TxError{Op: op + "_gas_price", Err: err}
	}

	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.address,
		To:    &c.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return nil, &TxError{Op: op + "_sign", Err: err}
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, &TxError{Op: op + "_send", TxHash: signed.Hash().Hex(), Err: err}
	}

	return &TxResult{TxHash: signed.Hash().Hex()}, nil
}

// WaitForConfirmation polls for a mined receipt.
func (c *Client) WaitForConfirmation(ctx context.Context, txHash string, timeout time.Duration) (*TxResult, error) {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := c.eth.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined
				continue
			}

			if receipt.Status == 0 {
				return nil, &TxError{Op: "confirm", TxHash: txHash, Err: ErrTransactionFailed}
			}

			return &TxResult{
				TxHash:      txHash,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
	}
}

// FilterTransfers returns all asset Transfer events in [fromBlock, toBlock],
// ordered by block then log index. Timestamps come from block headers.
func (c *Client) FilterTransfers(ctx context.Context, fromBlock, toBlock uint64) ([]Transfer, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{transferEventSig}},
	}

	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs: %w", err)
	}

	timestamps := make(map[uint64]int64)
	transfers := make([]Transfer, 0, len(logs))
	for _, vLog := range logs {
		t, ok := parseTransferLog(vLog)
		if !ok {
			continue
		}

		ts, cached := timestamps[vLog.BlockNumber]
		if !cached {
			header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(vLog.BlockNumber))
			if err != nil {
				// Fall back to wall clock; deadlines stay approximately right
				ts = time.Now().Unix()
			} else {
				ts = int64(header.Time)
			}
			timestamps[vLog.BlockNumber] = ts
		}
		t.Timestamp = ts
		transfers = append(transfers, t)
	}

	sort.Slice(transfers, func(i, j int) bool {
		if transfers[i].Block != transfers[j].Block {
			return transfers[i].Block < transfers[j].Block
		}
		return transfers[i].LogIndex < transfers[j].LogIndex
	})
	return transfers, nil
}

// FindTransfer scans [endBlock - lookback, endBlock] for the latest Transfer
// to the given recipient with exactly the given amount. Returns nil if none.
// Used by recovery to link exposure records back to their originating payment.
func (c *Client) FindTransfer(ctx context.Context, to string, amount *big.Int, endBlock, lookback uint64) (*Transfer, error) {
	start := uint64(0)
	if endBlock > lookback {
		start = endBlock - lookback
	}

	transfers, err := c.FilterTransfers(ctx, start, endBlock)
	if err != nil {
		return nil, err
	}

	toLower := strings.ToLower(to)
	for i := len(transfers) - 1; i >= 0; i-- {
		t := transfers[i]
		if strings.ToLower(t.To) == toLower && t.Amount.Cmp(amount) == 0 {
			return &t, nil
		}
	}
	return nil, nil
}

// Close closes the RPC connection.
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
	}
}

// parseTransferLog decodes a Transfer(from indexed, to indexed, value) log.
func parseTransferLog(vLog types.Log) (Transfer, bool) {
	if len(vLog.Topics) < 3 || vLog.Topics[0] != transferEventSig {
		return Transfer{}, false
	}
	return Transfer{
		TxHash:   vLog.TxHash.Hex(),
		From:     common.HexToAddress(vLog.Topics[1].Hex()).Hex(),
		To:       common.HexToAddress(vLog.Topics[2].Hex()).Hex(),
		Amount:   new(big.Int).SetBytes(vLog.Data),
		Block:    vLog.BlockNumber,
		LogIndex: vLog.Index,
	}, true
}
