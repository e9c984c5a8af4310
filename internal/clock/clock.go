// Package clock provides the time source the daemon hands to the ledger.
// The ledger itself never reads a clock; every operation receives "now"
// explicitly so that deadlines can follow either wall time or chain time.
package clock

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"AgentTaskEscrow/internal/config"
)

// Clock returns the current time used for escrow deadlines.
type Clock interface {
	Now(ctx context.Context) (time.Time, error)
}

// System reads the local wall clock.
type System struct{}

// Now implements Clock.
func (System) Now(context.Context) (time.Time, error) {
	return time.Now(), nil
}

// Manual is a settable clock for tests and simulations.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a clock frozen at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now implements Clock.
func (m *Manual) Now(context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now, nil
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// headerReader mirrors the subset of ethclient used to read block timestamps.
type headerReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
}

// Chain uses the timestamp of the latest block, the same notion of time an
// on-chain escrow contract would see. Results are cached for a short TTL
// and the clock never moves backwards across reorgs.
type Chain struct {
	reader headerReader
	closer func()
	ttl    time.Duration
	wall   func() time.Time

	mu        sync.Mutex
	last      time.Time
	fetchedAt time.Time
}

// DialChain connects to an Ethereum JSON-RPC endpoint.
func DialChain(ctx context.Context, rpcURL string, ttl time.Duration) (*Chain, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, errors.New("chain clock requires an RPC url")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum node: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)
	c := newChain(eth, ttl)
	c.closer = eth.Close
	return c, nil
}

func newChain(reader headerReader, ttl time.Duration) *Chain {
	return &Chain{reader: reader, ttl: ttl, wall: time.Now}
}

// Now implements Clock.
func (c *Chain) Now(ctx context.Context) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ttl > 0 && !c.fetchedAt.IsZero() && c.wall().Sub(c.fetchedAt) < c.ttl {
		return c.last, nil
	}

	header, err := c.reader.HeaderByNumber(ctx, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("read latest block header: %w", err)
	}
	if header == nil {
		return time.Time{}, errors.New("node returned no header")
	}
	ts := time.Unix(int64(header.Time), 0)
	if ts.After(c.last) {
		c.last = ts
	}
	c.fetchedAt = c.wall()
	return c.last, nil
}

// Close releases the RPC connection.
func (c *Chain) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// Open builds the clock described by cfg. The returned close func is never nil.
func Open(ctx context.Context, cfg config.ClockConfig) (Clock, func(), error) {
	switch cfg.Source {
	case "", "system":
		return System{}, func() {}, nil
	case "chain":
		c, err := DialChain(ctx, cfg.RPCURL, cfg.Cache.Duration)
		if err != nil {
			return nil, func() {}, err
		}
		return c, c.Close, nil
	default:
		return nil, func() {}, fmt.Errorf("unsupported clock source %q", cfg.Source)
	}
}
