// Package ledger tracks the shared bank inventory across all characters.
//
// Flow:
//  1. Workers read bank contents through a TTL cache (one inflight refresh)
//  2. A worker reserves quantities before withdrawing
//  3. The withdraw applies a bank delta and consumes the reservation
//  4. Deposits add to the cache and feed the order-board hook
//
// Every mutation is atomic under one mutex; the mutex is never held across
// an HTTP call.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/mbd888/gridagent/internal/api"
	"github.com/mbd888/gridagent/internal/clock"
	"github.com/mbd888/gridagent/internal/metrics"
)

// DefaultTTL is how long a bank snapshot is served without re-fetching.
const DefaultTTL = 2 * time.Minute

// ErrNotRefreshed is returned when the first fetch has not happened yet
// and the refresh itself failed.
var ErrNotRefreshed = errors.New("ledger: bank never fetched")

// BankAPI is the slice of the game client the ledger needs.
type BankAPI interface {
	GetBankItems(ctx context.Context, f api.PageFilter) ([]api.SimpleItem, int, error)
	GetBankDetails(ctx context.Context) (*api.BankDetails, error)
}

// InventoryReader exposes a character's carried items to the ledger.
type InventoryReader interface {
	Name() string
	ItemCount(code string) int
}

// Direction of a bank delta.
type Direction string

const (
	Withdraw Direction = "withdraw"
	Deposit  Direction = "deposit"
)

// Reservation is a non-durable intent to withdraw from the bank.
type Reservation struct {
	ID        string
	Code      string
	Quantity  int
	Owner     string
	CreatedAt time.Time
}

// ReserveResult reports an all-or-nothing ReserveMany outcome.
type ReserveResult struct {
	OK           bool
	Reservations []string // reservation IDs, in request order
	Reason       string
}

// Summary is the dashboard's view of bank state.
type Summary struct {
	Gold              int            `json:"gold"`
	Slots             int            `json:"slots"`
	UsedSlots         int            `json:"usedSlots"`
	NextExpansionCost int            `json:"nextExpansionCost"`
	Reserved          map[string]int `json:"reserved"`
	FetchedAt         time.Time      `json:"fetchedAt"`
}

// Ledger is the process-wide bank cache plus reservation map.
type Ledger struct {
	apiClient BankAPI
	clock     clock.Clock
	logger    *slog.Logger
	ttl       time.Duration

	sf singleflight.Group

	mu           sync.Mutex
	items        map[string]int
	gold         int
	slots        int
	expansion    int
	fetchedAt    time.Time
	fetched      bool
	reservations map[string]*Reservation
	byCode       map[string]int // sum of reservations per code
	chars        []InventoryReader
}

// Option configures the ledger.
type Option func(*Ledger)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Ledger) { lg.logger = l }
}

// WithClock replaces the wall clock (for tests).
func WithClock(ck clock.Clock) Option {
	return func(lg *Ledger) { lg.clock = ck }
}

// WithTTL overrides the cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(lg *Ledger) { lg.ttl = ttl }
}

// New creates a ledger backed by the game API.
func New(apiClient BankAPI, opts ...Option) *Ledger {
	lg := &Ledger{
		apiClient:    apiClient,
		clock:        clock.New(),
		logger:       slog.Default(),
		ttl:          DefaultTTL,
		items:        map[string]int{},
		reservations: map[string]*Reservation{},
		byCode:       map[string]int{},
	}
	for _, opt := range opts {
		opt(lg)
	}
	return lg
}

// SetCharacters registers the characters whose carried inventory counts
// toward GlobalCount. Called once at startup.
func (l *Ledger) SetCharacters(chars []InventoryReader) {
	l.mu.Lock()
	l.chars = chars
	l.mu.Unlock()
}

// -----------------------------------------------------------------------------
// Cache
// -----------------------------------------------------------------------------

// GetBankItems returns the bank contents sorted by code, refreshing the
// cache if forced or expired. Concurrent refreshes collapse to one fetch.
func (l *Ledger) GetBankItems(ctx context.Context, forceRefresh bool) ([]api.SimpleItem, error) {
	l.mu.Lock()
	expired := !l.fetched || l.clock.Now().Sub(l.fetchedAt) >= l.ttl
	l.mu.Unlock()

	if forceRefresh || expired {
		if err := l.refresh(ctx); err != nil {
			l.mu.Lock()
			fetched := l.fetched
			l.mu.Unlock()
			if !fetched {
				return nil, fmt.Errorf("%w: %v", ErrNotRefreshed, err)
			}
			// Keep serving the previous cache on refresh failure.
			l.logger.Warn("bank refresh failed, serving stale cache", "error", err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]api.SimpleItem, 0, len(l.items))
	for code, qty := range l.items {
		if qty > 0 {
			out = append(out, api.SimpleItem{Code: code, Quantity: qty})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// refresh fetches all bank pages plus the bank details, then swaps the
// cache. The HTTP calls run outside the mutex; concurrent callers share
// one inflight fetch.
func (l *Ledger) refresh(ctx context.Context) error {
	_, err, _ := l.sf.Do("bank", func() (any, error) {
		metrics.BankRefreshesTotal.Inc()

		items := map[string]int{}
		for pageNum := 1; ; pageNum++ {
			lines, pages, err := l.apiClient.GetBankItems(ctx, api.PageFilter{Page: pageNum, Size: 100})
			if err != nil {
				return nil, err
			}
			for _, line := range lines {
				items[line.Code] += line.Quantity
			}
			if pageNum >= pages || pages == 0 {
				break
			}
		}

		details, err := l.apiClient.GetBankDetails(ctx)
		if err != nil {
			return nil, err
		}

		l.mu.Lock()
		l.items = items
		l.gold = details.Gold
		l.slots = details.Slots
		l.expansion = details.NextExpansionCost
		l.fetchedAt = l.clock.Now()
		l.fetched = true
		l.mu.Unlock()
		return nil, nil
	})
	return err
}

// InvalidateBank zeroes the TTL so the next read refreshes.
func (l *Ledger) InvalidateBank(reason string) {
	l.mu.Lock()
	l.fetchedAt = time.Time{}
	l.mu.Unlock()
	l.logger.Debug("bank cache invalidated", "reason", reason)
}

// BankCount returns the cached quantity of code in the bank.
func (l *Ledger) BankCount(code string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.items[code]
}

// AvailableBankCount returns the bank quantity minus active reservations.
// When includeChar is set, that character's carried copies count as
// available too (it can deposit-then-withdraw its own stock).
func (l *Ledger) AvailableBankCount(code string, includeChar InventoryReader) int {
	l.mu.Lock()
	available := l.items[code] - l.byCode[code]
	l.mu.Unlock()
	if includeChar != nil {
		available += includeChar.ItemCount(code)
	}
	if available < 0 {
		return 0
	}
	return available
}

// GlobalCount returns the bank quantity plus every character's carried
// quantity. Used to judge "do we own one at all" for recycling decisions.
func (l *Ledger) GlobalCount(code string) int {
	l.mu.Lock()
	total := l.items[code]
	chars := l.chars
	l.mu.Unlock()
	for _, ch := range chars {
		total += ch.ItemCount(code)
	}
	return total
}

// -----------------------------------------------------------------------------
// Reservations
// -----------------------------------------------------------------------------

// Reserve atomically records an intent to withdraw qty of code. Returns
// the reservation ID, or "" if availability is insufficient.
func (l *Ledger) Reserve(code string, qty int, owner string) string {
	if qty <= 0 {
		return ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserveLocked(code, qty, owner)
}

func (l *Ledger) reserveLocked(code string, qty int, owner string) string {
	if l.items[code]-l.byCode[code] < qty {
		return ""
	}
	id := uuid.NewString()
	l.reservations[id] = &Reservation{
		ID:        id,
		Code:      code,
		Quantity:  qty,
		Owner:     owner,
		CreatedAt: l.clock.Now(),
	}
	l.byCode[code] += qty
	metrics.BankReservations.Set(float64(len(l.reservations)))
	return id
}

// ReserveMany reserves every line or nothing.
func (l *Ledger) ReserveMany(requests []api.SimpleItem, owner string) ReserveResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0, len(requests))
	for _, req := range requests {
		id := l.reserveLocked(req.Code, req.Quantity, owner)
		if id == "" {
			for _, prev := range ids {
				l.releaseLocked(prev)
			}
			return ReserveResult{
				OK:     false,
				Reason: fmt.Sprintf("insufficient availability for %s x%d", req.Code, req.Quantity),
			}
		}
		ids = append(ids, id)
	}
	return ReserveResult{OK: true, Reservations: ids}
}

// Release drops a reservation. Idempotent.
func (l *Ledger) Release(id string) {
	l.mu.Lock()
	l.releaseLocked(id)
	l.mu.Unlock()
}

func (l *Ledger) releaseLocked(id string) {
	res, ok := l.reservations[id]
	if !ok {
		return
	}
	l.byCode[res.Code] -= res.Quantity
	if l.byCode[res.Code] <= 0 {
		delete(l.byCode, res.Code)
	}
	delete(l.reservations, id)
	metrics.BankReservations.Set(float64(len(l.reservations)))
}

// TotalReserved returns the reservation sum for a code.
func (l *Ledger) TotalReserved(code string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byCode[code]
}

// ActiveReservations returns the number of live reservations.
func (l *Ledger) ActiveReservations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reservations)
}

// -----------------------------------------------------------------------------
// Deltas
// -----------------------------------------------------------------------------

// ApplyBankDelta mutates the cache after a confirmed bank call. A withdraw
// by an owner holding a reservation consumes that reservation up to the
// withdrawn amount, so Release afterward is a no-op for the consumed part.
func (l *Ledger) ApplyBankDelta(items []api.SimpleItem, direction Direction, owner string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, line := range items {
		switch direction {
		case Deposit:
			l.items[line.Code] += line.Quantity
		case Withdraw:
			l.items[line.Code] -= line.Quantity
			if l.items[line.Code] <= 0 {
				delete(l.items, line.Code)
			}
			l.consumeReservationLocked(line.Code, line.Quantity, owner)
		}
	}
}

// consumeReservationLocked reduces the owner's reservations for code by up
// to qty, removing emptied entries.
func (l *Ledger) consumeReservationLocked(code string, qty int, owner string) {
	if owner == "" || qty <= 0 {
		return
	}
	for id, res := range l.reservations {
		if qty == 0 {
			break
		}
		if res.Code != code || res.Owner != owner {
			continue
		}
		take := min(qty, res.Quantity)
		res.Quantity -= take
		l.byCode[code] -= take
		qty -= take
		if res.Quantity == 0 {
			delete(l.reservations, id)
		}
	}
	if l.byCode[code] <= 0 {
		delete(l.byCode, code)
	}
	metrics.BankReservations.Set(float64(len(l.reservations)))
}

// ApplyBankGoldDelta mutates cached bank gold.
func (l *Ledger) ApplyBankGoldDelta(qty int, direction Direction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch direction {
	case Deposit:
		l.gold += qty
	case Withdraw:
		l.gold -= qty
		if l.gold < 0 {
			l.gold = 0
		}
	}
}

// BankGold returns cached bank gold.
func (l *Ledger) BankGold() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gold
}

// NextExpansionCost returns the cached cost of the next slot expansion.
func (l *Ledger) NextExpansionCost() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expansion
}

// Summarize returns the dashboard view of bank state.
func (l *Ledger) Summarize() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	reserved := make(map[string]int, len(l.byCode))
	for code, qty := range l.byCode {
		reserved[code] = qty
	}
	used := 0
	for _, qty := range l.items {
		if qty > 0 {
			used++
		}
	}
	return Summary{
		Gold:              l.gold,
		Slots:             l.slots,
		UsedSlots:         used,
		NextExpansionCost: l.expansion,
		Reserved:          reserved,
		FetchedAt:         l.fetchedAt,
	}
}
