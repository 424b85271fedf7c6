// Package chain provides the ledger-height clock that gates timelocks.
//
// Heights only move forward. Timelock checks are pure comparisons against
// the current height at call time; nothing ever blocks waiting for a
// window to open.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/atomicswap/internal/circuitbreaker"
)

// Clock reports the current ledger height.
type Clock interface {
	CurrentHeight(ctx context.Context) (uint64, error)
}

// ManualClock is an in-process clock for development mode and tests. It is
// monotonic: SetHeight never rewinds.
type ManualClock struct {
	mu     sync.RWMutex
	height uint64
}

// NewManualClock creates a manual clock starting at the given height.
func NewManualClock(height uint64) *ManualClock {
	return &ManualClock{height: height}
}

func (c *ManualClock) CurrentHeight(ctx context.Context) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.height, nil
}

// SetHeight advances the clock. Attempts to rewind are ignored.
func (c *ManualClock) SetHeight(h uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h > c.height {
		c.height = h
	}
}

// Advance moves the clock forward by n blocks.
func (c *ManualClock) Advance(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.height += n
}

// EthClock reads block numbers from an Ethereum-compatible RPC endpoint,
// with a short cache so bursts of calls don't hammer the node. A height
// lower than the last observed one (e.g. a lagging replica) is ignored.
// A circuit breaker stops probing a node that keeps failing; while the
// circuit is open the last observed height is served.
type EthClock struct {
	client   *ethclient.Client
	logger   *slog.Logger
	cacheTTL time.Duration
	breaker  *circuitbreaker.Breaker

	mu        sync.Mutex
	lastSeen  uint64
	fetchedAt time.Time
}

const rpcBreakerKey = "rpc"

// DialEthClock connects to an RPC endpoint.
func DialEthClock(ctx context.Context, rpcURL string, logger *slog.Logger) (*EthClock, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", rpcURL, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EthClock{
		client:   client,
		logger:   logger,
		cacheTTL: 2 * time.Second,
		breaker:  circuitbreaker.New(5, 30*time.Second),
	}, nil
}

func (c *EthClock) CurrentHeight(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.fetchedAt) < c.cacheTTL && c.lastSeen > 0 {
		return c.lastSeen, nil
	}

	if !c.breaker.Allow(rpcBreakerKey) {
		if c.lastSeen > 0 {
			return c.lastSeen, nil
		}
		return 0, fmt.Errorf("rpc node unavailable")
	}

	n, err := c.client.BlockNumber(ctx)
	if err != nil {
		c.breaker.RecordFailure(rpcBreakerKey)
		if c.lastSeen > 0 {
			c.logger.Warn("block number fetch failed, serving last height", "error", err)
			return c.lastSeen, nil
		}
		return 0, fmt.Errorf("fetch block number: %w", err)
	}
	c.breaker.RecordSuccess(rpcBreakerKey)
	if n > c.lastSeen {
		c.lastSeen = n
	}
	c.fetchedAt = time.Now()
	return c.lastSeen, nil
}

// Close releases the underlying RPC connection.
func (c *EthClock) Close() {
	c.client.Close()
}
