// Package watcher monitors the value ledger for transfers to subscribed
// merchants.
//
// The watcher polls the chain head and queries Transfer events in the range
// since the last successful poll. The cursor only advances on success, so a
// failed poll replays the same range next tick: delivery to the callback is
// at-least-once and the consumer deduplicates by tx hash.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/aegis402/internal/asset"
	"github.com/mbd888/aegis402/internal/metrics"
)

// LedgerView is the read-only slice of the asset adapter the watcher needs.
type LedgerView interface {
	HeadBlock(ctx context.Context) (uint64, error)
	FilterTransfers(ctx context.Context, fromBlock, toBlock uint64) ([]asset.Transfer, error)
}

// Callback receives attributed transfers in block-then-log-index order.
type Callback func(ctx context.Context, t asset.Transfer)

// Config for the watcher
type Config struct {
	PollInterval time.Duration
	StartBlock   uint64 // 0 = current head
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
	}
}

// Watcher owns the watch-set of merchant addresses and the poll cursor.
type Watcher struct {
	ledger   LedgerView
	config   Config
	callback Callback
	logger   *slog.Logger

	mu        sync.Mutex
	watchSet  map[string]bool // address_lower → true
	lastBlock uint64

	stop chan struct{}
	done chan struct{}
}

// New creates a watcher. The callback is fixed for the watcher's lifetime.
func New(cfg Config, ledger LedgerView, callback Callback, logger *slog.Logger) *Watcher {
	return &Watcher{
		ledger:   ledger,
		config:   cfg,
		callback: callback,
		logger:   logger,
		watchSet: make(map[string]bool),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Watch adds a merchant address to the watch-set.
func (w *Watcher) Watch(address string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watchSet[strings.ToLower(address)] = true
}

// Watching reports whether an address is in the watch-set.
func (w *Watcher) Watching(address string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watchSet[strings.ToLower(address)]
}

// Start records the poll cursor and begins the poll loop.
func (w *Watcher) Start(ctx context.Context) error {
	if w.config.StartBlock == 0 {
		head, err := w.ledger.HeadBlock(ctx)
		if err != nil {
			// The poll loop never runs, so Stop must not wait for it.
			close(w.done)
			return fmt.Errorf("failed to get head block: %w", err)
		}
		w.lastBlock = head
	} else {
		w.lastBlock = w.config.StartBlock
	}

	w.logger.Info("chain watcher started",
		"startBlock", w.lastBlock,
		"pollInterval", w.config.PollInterval,
	)

	go w.pollLoop(ctx)
	return nil
}

// Stop stops the poll loop and waits for it to exit.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.poll(ctx); err != nil {
				metrics.WatcherPollErrorsTotal.Inc()
				w.logger.Error("watcher poll failed", "error", err)
			}
		}
	}
}

// poll queries (lastBlock, head] and emits transfers to watched merchants.
// The cursor moves only when the whole range was fetched.
func (w *Watcher) poll(ctx context.Context) error {
	head, err := w.ledger.HeadBlock(ctx)
	if err != nil {
		return fmt.Errorf("failed to get head block: %w", err)
	}

	if head <= w.lastBlock {
		return nil
	}

	transfers, err := w.ledger.FilterTransfers(ctx, w.lastBlock+1, head)
	if err != nil {
		return fmt.Errorf("failed to fetch transfers: %w", err)
	}

	for _, t := range transfers {
		if !w.Watching(t.To) {
			continue
		}
		w.logger.Debug("transfer observed",
			"tx", t.TxHash,
			"from", t.From,
			"to", t.To,
			"amount", t.Amount,
			"block", t.Block,
		)
		w.callback(ctx, t)
	}

	w.lastBlock = head
	metrics.WatcherLastBlock.Set(float64(head))
	return nil
}
