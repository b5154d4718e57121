// Package nonce implements the NonceRegistry: monotonic per-address nonce
// allocation across concurrent senders, grounded on the cache+TTL pattern the
// mutex-per-entry pattern applies to every shared resource.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/on1labs/mevengine/internal/chain"
	"github.com/on1labs/mevengine/internal/model"
)

// ErrNodeUnavailable is returned when the on-chain nonce fetch exhausts its
// retry budget.
var ErrNodeUnavailable = errors.New("nonce: node unavailable")

// Config tunes retry/backoff/TTL behavior. Zero-value fields fall back to the
// sane defaults.
type Config struct {
	CacheTTL    time.Duration // default 60s
	MaxRetries  int           // default 5
	RetryDelay  time.Duration // default 250ms, exponential backoff base
	TxTimeout   time.Duration // default 120s
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 60 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 250 * time.Millisecond
	}
	if c.TxTimeout <= 0 {
		c.TxTimeout = 120 * time.Second
	}
	return c
}

type entry struct {
	mu   sync.Mutex
	data model.NonceEntry
}

// Registry allocates and tracks nonces per sender address.
type Registry struct {
	client chain.Client
	cfg    Config

	mapMu   sync.Mutex
	entries map[model.Address]*entry
}

// New builds a Registry against the given chain client.
func New(client chain.Client, cfg Config) *Registry {
	return &Registry{
		client:  client,
		cfg:     cfg.withDefaults(),
		entries: make(map[model.Address]*entry),
	}
}

func (r *Registry) entryFor(addr model.Address) *entry {
	r.mapMu.Lock()
	defer r.mapMu.Unlock()
	e, ok := r.entries[addr]
	if !ok {
		e = &entry{data: model.NonceEntry{InFlight: make(map[model.TxHash]struct{})}}
		r.entries[addr] = e
	}
	return e
}

// NextNonce returns the next nonce to use for addr. Under the address's lock:
// if the cached value is absent or older than CacheTTL it is refreshed from
// the chain (with retry+backoff); the cached value is then returned and the
// cache advanced by one.
func (r *Registry) NextNonce(ctx context.Context, addr model.Address) (uint64, error) {
	e := r.entryFor(addr)
	e.mu.Lock()
	defer e.mu.Unlock()

	stale := e.data.LastOnChainRefresh.IsZero() || time.Since(e.data.LastOnChainRefresh) > r.cfg.CacheTTL
	if stale {
		n, err := r.fetchPendingWithRetry(ctx, addr)
		if err != nil {
			return 0, err
		}
		e.data.NextNonce = n
		e.data.LastOnChainRefresh = time.Now()
	}

	n := e.data.NextNonce
	e.data.NextNonce++
	return n, nil
}

func (r *Registry) fetchPendingWithRetry(ctx context.Context, addr model.Address) (uint64, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxRetries; attempt++ {
		n, err := r.client.PendingNonceAt(ctx, addr.Common())
		if err == nil {
			return n, nil
		}
		lastErr = err
		delay := time.Duration(float64(r.cfg.RetryDelay) * math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("%w: %v", ErrNodeUnavailable, ctx.Err())
		case <-time.After(delay):
		}
	}
	return 0, fmt.Errorf("%w: %v", ErrNodeUnavailable, lastErr)
}

// Reset forces a fresh on-chain fetch, overwriting the cached value and
// refresh timestamp so the next allocation equals the on-chain pending count.
func (r *Registry) Reset(ctx context.Context, addr model.Address) error {
	e := r.entryFor(addr)
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := r.fetchPendingWithRetry(ctx, addr)
	if err != nil {
		return err
	}
	e.data.NextNonce = n
	e.data.LastOnChainRefresh = time.Now()
	return nil
}

// Track registers a pending send and spawns a background monitor that polls
// for its receipt until success, revert/timeout. On failure/timeout it calls
// Reset so the nonce is re-acquired by the next caller, never manually rolled
// back.
func (r *Registry) Track(ctx context.Context, txHash model.TxHash, nonceUsed uint64, addr model.Address) {
	e := r.entryFor(addr)
	e.mu.Lock()
	e.data.InFlight[txHash] = struct{}{}
	e.mu.Unlock()

	go r.monitor(ctx, txHash, addr, e)
}

func (r *Registry) monitor(ctx context.Context, txHash model.TxHash, addr model.Address, e *entry) {
	deadline := time.Now().Add(r.cfg.TxTimeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	defer func() {
		e.mu.Lock()
		delete(e.data.InFlight, txHash)
		e.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			receipt, err := r.client.TransactionReceipt(ctx, txHash.Common())
			if err == nil && receipt != nil {
				if receipt.Status == 1 {
					return // confirmed
				}
				log.Printf("nonce: tx %s reverted, resetting nonce for %s", txHash, addr)
				if rerr := r.Reset(ctx, addr); rerr != nil {
					log.Printf("nonce: reset after revert failed for %s: %v", addr, rerr)
				}
				return
			}
			if time.Now().After(deadline) {
				log.Printf("nonce: tx %s timed out after %s, resetting nonce for %s", txHash, r.cfg.TxTimeout, addr)
				if rerr := r.Reset(ctx, addr); rerr != nil {
					log.Printf("nonce: reset after timeout failed for %s: %v", addr, rerr)
				}
				return
			}
		}
	}
}

// Snapshot returns a copy of the current cached entry for addr, for
// diagnostics only — callers never get a pointer into live state.
func (r *Registry) Snapshot(addr model.Address) model.NonceEntry {
	e := r.entryFor(addr)
	e.mu.Lock()
	defer e.mu.Unlock()

	inFlight := make(map[model.TxHash]struct{}, len(e.data.InFlight))
	for k := range e.data.InFlight {
		inFlight[k] = struct{}{}
	}
	return model.NonceEntry{
		NextNonce:          e.data.NextNonce,
		LastOnChainRefresh: e.data.LastOnChainRefresh,
		InFlight:           inFlight,
	}
}
