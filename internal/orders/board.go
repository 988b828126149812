package orders

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/gridagent/internal/api"
	"github.com/mbd888/gridagent/internal/clock"
	"github.com/mbd888/gridagent/internal/metrics"
)

// Store persists the full order list. Writes replace the previous state
// wholesale; the board is small and the atomicity is worth more than
// incremental updates.
type Store interface {
	Load(ctx context.Context) ([]*Order, error)
	Save(ctx context.Context, orders []*Order) error
	Close() error
}

// DefaultLease is the claim lease when the caller does not specify one.
const DefaultLease = 15 * time.Minute

// Board is the in-memory order board mirroring its store.
type Board struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	orders []*Order
	blocks map[string]*Block // charName + "\x00" + orderID
}

// Option configures the board.
type Option func(*Board)

// WithClock replaces the wall clock (for tests).
func WithClock(ck clock.Clock) Option {
	return func(b *Board) { b.clock = ck }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Board) { b.logger = l }
}

// Initialize loads the board from its store and compacts stale claims:
// any lease at or past its deadline reverts the order to open.
func Initialize(ctx context.Context, store Store, opts ...Option) (*Board, error) {
	b := &Board{
		store:  store,
		clock:  clock.New(),
		logger: slog.Default(),
		blocks: map[string]*Block{},
	}
	for _, opt := range opts {
		opt(b)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("orders: load board: %w", err)
	}
	b.orders = loaded

	now := b.clock.Now()
	changed := false
	for _, o := range b.orders {
		if o.Status == StatusClaimed && o.Claim != nil && !o.Claim.LeaseExpiresAt.After(now) {
			o.Status = StatusOpen
			o.Claim = nil
			o.UpdatedAt = now
			changed = true
		}
	}
	if changed {
		if err := b.flushLocked(ctx); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// flushLocked writes the current state through the store. Callers hold
// the mutex or are still single-threaded (Initialize).
func (b *Board) flushLocked(ctx context.Context) error {
	return b.store.Save(ctx, b.orders)
}

// Flush persists the current state; called on shutdown.
func (b *Board) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(ctx)
}

// Close flushes and closes the store.
func (b *Board) Close(ctx context.Context) error {
	if err := b.Flush(ctx); err != nil {
		return err
	}
	return b.store.Close()
}

// CreateOrMergeOrder inserts a new order, or merges into an existing
// open/claimed order for the same (itemCode, sourceType, sourceCode).
// Merging bumps the quantities and keeps the original ID.
func (b *Board) CreateOrMergeOrder(ctx context.Context, req CreateOrder) (Order, error) {
	if req.Quantity <= 0 {
		return Order{}, fmt.Errorf("orders: quantity must be positive, got %d", req.Quantity)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()

	for _, o := range b.orders {
		if o.Status == StatusFulfilled {
			continue
		}
		if o.ItemCode == req.ItemCode && o.SourceType == req.SourceType && o.SourceCode == req.SourceCode {
			o.RequestedQty += req.Quantity
			o.RemainingQty += req.Quantity
			o.UpdatedAt = now
			if err := b.flushLocked(ctx); err != nil {
				return Order{}, err
			}
			return o.clone(), nil
		}
	}

	order := &Order{
		ID:            uuid.NewString(),
		RequesterName: req.RequesterName,
		RecipeCode:    req.RecipeCode,
		ItemCode:      req.ItemCode,
		SourceType:    req.SourceType,
		SourceCode:    req.SourceCode,
		GatherSkill:   req.GatherSkill,
		SourceLevel:   req.SourceLevel,
		RequestedQty:  req.Quantity,
		RemainingQty:  req.Quantity,
		Status:        StatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	b.orders = append(b.orders, order)
	if err := b.flushLocked(ctx); err != nil {
		return Order{}, err
	}
	return order.clone(), nil
}

// ClaimOrder leases an order to a character. Claimable orders are open,
// or claimed under a lease that has expired. Returns ok=false when the
// order is missing, fulfilled, or held by a live lease.
func (b *Board) ClaimOrder(ctx context.Context, id, charName string, lease time.Duration) (Order, bool) {
	if lease <= 0 {
		lease = DefaultLease
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()

	o := b.findLocked(id)
	if o == nil || o.Status == StatusFulfilled {
		return Order{}, false
	}
	if o.Status == StatusClaimed && o.Claim != nil && o.Claim.LeaseExpiresAt.After(now) {
		return Order{}, false
	}

	o.Status = StatusClaimed
	o.Claim = &Claim{CharName: charName, LeaseExpiresAt: now.Add(lease)}
	o.UpdatedAt = now
	if err := b.flushLocked(ctx); err != nil {
		b.logger.Warn("order board flush failed after claim", "order", id, "error", err)
	}
	return o.clone(), true
}

// ReleaseClaim reverts a claim held by charName. Idempotent: releasing
// an order this character does not hold is a no-op.
func (b *Board) ReleaseClaim(ctx context.Context, id, charName string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o := b.findLocked(id)
	if o == nil || o.Status != StatusClaimed || o.Claim == nil || o.Claim.CharName != charName {
		return
	}
	o.Status = StatusOpen
	o.Claim = nil
	o.UpdatedAt = b.clock.Now()
	if err := b.flushLocked(ctx); err != nil {
		b.logger.Warn("order board flush failed after release", "order", id, "error", err)
	}
}

// RecordDeposits is the bank deposit hook. Deposited lines land on
// matching orders, preferring ones claimed by the depositor, then
// spilling opportunistically onto other open or claimed orders.
func (b *Board) RecordDeposits(ctx context.Context, charName string, items []api.SimpleItem) []Contribution {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()

	var contribs []Contribution
	changed := false

	for _, item := range items {
		remaining := item.Quantity

		// Pass 1: orders this character has claimed.
		for _, o := range b.orders {
			if remaining == 0 {
				break
			}
			if o.ItemCode != item.Code || o.RemainingQty <= 0 {
				continue
			}
			if o.Status != StatusClaimed || o.Claim == nil || o.Claim.CharName != charName {
				continue
			}
			applied := b.applyLocked(o, remaining, now)
			remaining -= applied
			changed = true
			contribs = append(contribs, Contribution{
				OrderID: o.ID, ItemCode: item.Code, Quantity: applied, Status: o.Status,
			})
			metrics.OrderDepositsTotal.WithLabelValues("claimed").Inc()
		}

		// Pass 2: opportunistic fulfillment of open orders.
		for _, o := range b.orders {
			if remaining == 0 {
				break
			}
			if o.ItemCode != item.Code || o.RemainingQty <= 0 || o.Status != StatusOpen {
				continue
			}
			applied := b.applyLocked(o, remaining, now)
			remaining -= applied
			changed = true
			contribs = append(contribs, Contribution{
				OrderID: o.ID, ItemCode: item.Code, Quantity: applied, Status: o.Status,
				Opportunistic: true,
			})
			metrics.OrderDepositsTotal.WithLabelValues("opportunistic").Inc()
		}
	}

	if changed {
		if err := b.flushLocked(ctx); err != nil {
			b.logger.Warn("order board flush failed after deposits", "char", charName, "error", err)
		}
	}
	return contribs
}

// applyLocked decrements an order by up to qty and fulfills it at zero.
// Returns the amount actually applied.
func (b *Board) applyLocked(o *Order, qty int, now time.Time) int {
	applied := min(qty, o.RemainingQty)
	o.RemainingQty -= applied
	o.UpdatedAt = now
	if o.RemainingQty == 0 {
		o.Status = StatusFulfilled
		o.Claim = nil
		metrics.OrdersFulfilledTotal.Inc()
	}
	return applied
}

// Get returns a copy of one order.
func (b *Board) Get(id string) (Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o := b.findLocked(id); o != nil {
		return o.clone(), true
	}
	return Order{}, false
}

// Snapshot returns a defensive copy of every order, in creation order.
func (b *Board) Snapshot() []Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Order, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, o.clone())
	}
	return out
}

// Open returns copies of claimable orders: open, or claimed under an
// expired lease.
func (b *Board) Open() []Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	var out []Order
	for _, o := range b.orders {
		switch {
		case o.Status == StatusOpen && o.RemainingQty > 0:
			out = append(out, o.clone())
		case o.Status == StatusClaimed && o.Claim != nil && !o.Claim.LeaseExpiresAt.After(now):
			out = append(out, o.clone())
		}
	}
	return out
}

// Clear drops every order. Used by the dashboard's clear-order-board
// control operation.
func (b *Board) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders = nil
	return b.flushLocked(ctx)
}

func (b *Board) findLocked(id string) *Order {
	for _, o := range b.orders {
		if o.ID == id {
			return o
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Block registry
// -----------------------------------------------------------------------------

// BlockOrder records that charName should skip orderID. until=nil keeps
// the block for the rest of the run. charName GlobalChar blocks the
// order for every character.
func (b *Board) BlockOrder(charName, orderID, reason string, until *time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocks[blockKey(charName, orderID)] = &Block{
		CharName: charName, OrderID: orderID, Reason: reason, Until: until,
	}
	b.logger.Debug("order blocked", "char", charName, "order", orderID, "reason", reason)
}

// IsOrderBlocked reports whether charName should skip orderID, and why.
// Expired blocks are pruned on the way out.
func (b *Board) IsOrderBlocked(charName, orderID string) (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()

	for _, key := range []string{blockKey(charName, orderID), blockKey(GlobalChar, orderID)} {
		blk, ok := b.blocks[key]
		if !ok {
			continue
		}
		if blk.Until != nil && !blk.Until.After(now) {
			delete(b.blocks, key)
			continue
		}
		return true, blk.Reason
	}
	return false, ""
}

// Blocks returns a copy of the live block list for the dashboard.
func (b *Board) Blocks() []Block {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	out := make([]Block, 0, len(b.blocks))
	for _, blk := range b.blocks {
		if blk.Until != nil && !blk.Until.After(now) {
			continue
		}
		out = append(out, *blk)
	}
	return out
}

func blockKey(charName, orderID string) string {
	return charName + "\x00" + orderID
}
