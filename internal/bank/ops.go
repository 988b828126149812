package bank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mbd888/gridagent/internal/api"
	"github.com/mbd888/gridagent/internal/ledger"
	"github.com/mbd888/gridagent/internal/metrics"
)

// ErrNothingWithdrawn is returned when ThrowOnAllSkipped is set and the
// whole request was skipped.
var ErrNothingWithdrawn = errors.New("bank: nothing withdrawn")

// WithdrawMode controls how a plan treats lines it cannot fill fully.
type WithdrawMode string

const (
	// Partial fills what it can and records the shortfall.
	Partial WithdrawMode = "partial"
	// Strict refuses any line that cannot be filled completely.
	Strict WithdrawMode = "strict"
)

// WithdrawOptions tune one withdraw call.
type WithdrawOptions struct {
	Mode              WithdrawMode
	RetryStaleOnce    bool
	ThrowOnAllSkipped bool
}

// SkippedLine records why a requested line was not (fully) withdrawn.
type SkippedLine struct {
	Code      string `json:"code"`
	Requested int    `json:"requested"`
	Reason    string `json:"reason"`
}

// WithdrawResult is the outcome of one withdraw call.
type WithdrawResult struct {
	Withdrawn []api.SimpleItem `json:"withdrawn"`
	Skipped   []SkippedLine    `json:"skipped"`
}

// OpsAPI is the slice of the game client the operations layer calls.
type OpsAPI interface {
	WithdrawBank(ctx context.Context, name string, items []api.SimpleItem) (*api.ActionResult, error)
	DepositBank(ctx context.Context, name string, items []api.SimpleItem) (*api.ActionResult, error)
	DepositGold(ctx context.Context, name string, qty int) (*api.ActionResult, error)
	WithdrawGold(ctx context.Context, name string, qty int) (*api.ActionResult, error)
	BuyBankExpansion(ctx context.Context, name string) (*api.ActionResult, error)
}

// Ledger is the slice of the inventory ledger the operations layer
// mutates. *ledger.Ledger satisfies it; tests wrap it to inject
// reservation failures.
type Ledger interface {
	GetBankItems(ctx context.Context, forceRefresh bool) ([]api.SimpleItem, error)
	AvailableBankCount(code string, includeChar ledger.InventoryReader) int
	Reserve(code string, qty int, owner string) string
	ReserveMany(requests []api.SimpleItem, owner string) ledger.ReserveResult
	Release(id string)
	ApplyBankDelta(items []api.SimpleItem, direction ledger.Direction, owner string)
	ApplyBankGoldDelta(qty int, direction ledger.Direction)
	InvalidateBank(reason string)
}

// DepositHook receives confirmed deposits, wired to the order board.
type DepositHook func(ctx context.Context, charName string, items []api.SimpleItem)

// Ops runs location-guarded bank operations for any character.
type Ops struct {
	apiClient OpsAPI
	ledger    Ledger
	planner   *Planner
	hook      DepositHook
	logger    *slog.Logger
}

// NewOps creates the bank operations layer. hook may be nil.
func NewOps(apiClient OpsAPI, lg Ledger, planner *Planner, hook DepositHook, logger *slog.Logger) *Ops {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ops{apiClient: apiClient, ledger: lg, planner: planner, hook: hook, logger: logger}
}

// -----------------------------------------------------------------------------
// Withdraw
// -----------------------------------------------------------------------------

// plannedLine is one reserved-or-rejected line of a withdraw plan.
type plannedLine struct {
	api.SimpleItem
	reservation string
}

// Withdraw pulls the requested items out of the bank, reserving before
// each API call so parallel workers never over-draw the same stock.
//
// The ladder: normalize, plan against the cached bank, reserve the whole
// plan, on reservation failure force one refresh and retry, then fall
// back to per-line reservation so partial successes still land. A run
// that withdraws nothing for a stale-smelling reason gets one full
// retry from the top.
func (o *Ops) Withdraw(ctx context.Context, ch Char, requests []api.SimpleItem, opts WithdrawOptions) (*WithdrawResult, error) {
	if err := o.planner.EnsureAtBank(ctx, ch); err != nil {
		return nil, err
	}
	return o.withdrawAtBank(ctx, ch, normalize(requests), opts, true)
}

func (o *Ops) withdrawAtBank(ctx context.Context, ch Char, requests []api.SimpleItem, opts WithdrawOptions, allowFullRetry bool) (*WithdrawResult, error) {
	result := &WithdrawResult{}
	if len(requests) == 0 {
		return result, nil
	}

	// Prime the cache so availability checks see a current bank view.
	if _, err := o.ledger.GetBankItems(ctx, false); err != nil {
		return nil, fmt.Errorf("bank refresh: %w", err)
	}

	plan, skipped := o.buildPlan(ch, requests, opts.Mode)
	result.Skipped = skipped

	lines := o.reservePlan(ctx, ch, plan, opts, result)

	for _, line := range lines {
		if err := o.withdrawLine(ctx, ch, line, result); err != nil {
			// Release whatever the remaining lines still hold.
			for _, rest := range lines {
				o.ledger.Release(rest.reservation)
			}
			return result, err
		}
	}

	if len(result.Withdrawn) == 0 && allowFullRetry && smellsStale(result.Skipped) {
		o.logger.Debug("withdraw got nothing for a stale-smelling reason, retrying once",
			"char", ch.Name())
		o.ledger.InvalidateBank("stale withdraw")
		return o.withdrawAtBank(ctx, ch, requests, opts, false)
	}

	if len(result.Withdrawn) == 0 && opts.ThrowOnAllSkipped {
		return result, fmt.Errorf("%w: %d lines skipped", ErrNothingWithdrawn, len(result.Skipped))
	}
	return result, nil
}

// buildPlan sizes each requested line against cached availability and
// the character's remaining item and slot capacity.
func (o *Ops) buildPlan(ch Char, requests []api.SimpleItem, mode WithdrawMode) ([]api.SimpleItem, []SkippedLine) {
	var plan []api.SimpleItem
	var skipped []SkippedLine

	freeItems := ch.InventoryCapacity() - ch.InventoryCount()
	freeSlots := ch.InventoryEmptySlots()

	for _, req := range requests {
		available := o.ledger.AvailableBankCount(req.Code, nil)
		take := min(req.Quantity, available, freeItems)

		newCode := ch.ItemCount(req.Code) == 0
		if take > 0 && newCode && freeSlots <= 0 {
			skipped = append(skipped, SkippedLine{
				Code: req.Code, Requested: req.Quantity,
				Reason: "no free inventory slot",
			})
			continue
		}

		switch {
		case take <= 0:
			skipped = append(skipped, SkippedLine{
				Code: req.Code, Requested: req.Quantity,
				Reason: shortfallReason(req, available, freeItems),
			})
			continue
		case take < req.Quantity && mode == Strict:
			skipped = append(skipped, SkippedLine{
				Code: req.Code, Requested: req.Quantity,
				Reason: fmt.Sprintf("strict mode: only %d of %d available", take, req.Quantity),
			})
			continue
		case take < req.Quantity:
			skipped = append(skipped, SkippedLine{
				Code: req.Code, Requested: req.Quantity,
				Reason: fmt.Sprintf("partial fill %d/%d", take, req.Quantity),
			})
		}

		plan = append(plan, api.SimpleItem{Code: req.Code, Quantity: take})
		freeItems -= take
		if newCode {
			freeSlots--
		}
	}
	return plan, skipped
}

func shortfallReason(req api.SimpleItem, available, freeItems int) string {
	if available <= 0 {
		return fmt.Sprintf("insufficient bank availability for %s", req.Code)
	}
	if freeItems <= 0 {
		return "inventory full"
	}
	return fmt.Sprintf("insufficient availability for %s x%d", req.Code, req.Quantity)
}

// reservePlan reserves the plan all-or-nothing, retrying once against a
// force-refreshed bank, then degrades to per-line reservations.
func (o *Ops) reservePlan(ctx context.Context, ch Char, plan []api.SimpleItem, opts WithdrawOptions, result *WithdrawResult) []plannedLine {
	if len(plan) == 0 {
		return nil
	}

	res := o.ledger.ReserveMany(plan, ch.Name())
	if !res.OK && opts.RetryStaleOnce {
		o.logger.Debug("reservation failed, refreshing bank and retrying",
			"char", ch.Name(), "reason", res.Reason)
		if _, err := o.ledger.GetBankItems(ctx, true); err == nil {
			rebuilt, reskipped := o.buildPlan(ch, plan, opts.Mode)
			result.Skipped = append(result.Skipped, reskipped...)
			plan = rebuilt
			if len(plan) > 0 {
				res = o.ledger.ReserveMany(plan, ch.Name())
			}
		}
	}

	if res.OK && len(res.Reservations) == len(plan) {
		lines := make([]plannedLine, len(plan))
		for i, item := range plan {
			lines[i] = plannedLine{SimpleItem: item, reservation: res.Reservations[i]}
		}
		return lines
	}

	// Per-line fallback: partial successes still land.
	var lines []plannedLine
	for _, item := range plan {
		id := o.ledger.Reserve(item.Code, item.Quantity, ch.Name())
		if id == "" {
			result.Skipped = append(result.Skipped, SkippedLine{
				Code: item.Code, Requested: item.Quantity,
				Reason: fmt.Sprintf("reservation failed for %s x%d", item.Code, item.Quantity),
			})
			continue
		}
		lines = append(lines, plannedLine{SimpleItem: item, reservation: id})
	}
	return lines
}

// withdrawLine performs one API withdraw for a reserved line. Location
// errors re-seat the character and retry once; availability errors
// invalidate the cache and skip the line.
func (o *Ops) withdrawLine(ctx context.Context, ch Char, line plannedLine, result *WithdrawResult) error {
	items := []api.SimpleItem{line.SimpleItem}

	res, err := o.apiClient.WithdrawBank(ctx, ch.Name(), items)
	if api.IsKind(err, api.KindBankLocation) {
		// Positional fault. The cache is fine; the character is not.
		if seatErr := o.planner.EnsureAtBank(ctx, ch); seatErr == nil {
			res, err = o.apiClient.WithdrawBank(ctx, ch.Name(), items)
		}
	}

	switch {
	case err == nil:
		ch.ApplyActionResult(res)
		o.ledger.ApplyBankDelta(items, ledger.Withdraw, ch.Name())
		o.ledger.Release(line.reservation)
		result.Withdrawn = append(result.Withdrawn, line.SimpleItem)
		metrics.BankWithdrawalsTotal.WithLabelValues("ok").Inc()
		return ch.WaitForCooldown(ctx)

	case api.IsKind(err, api.KindBankAvailability):
		o.ledger.InvalidateBank("withdraw availability error")
		o.ledger.Release(line.reservation)
		result.Skipped = append(result.Skipped, SkippedLine{
			Code: line.Code, Requested: line.Quantity,
			Reason: fmt.Sprintf("insufficient in bank: %v", err),
		})
		metrics.BankWithdrawalsTotal.WithLabelValues("availability").Inc()
		return nil

	case api.IsKind(err, api.KindBankLocation):
		o.ledger.Release(line.reservation)
		result.Skipped = append(result.Skipped, SkippedLine{
			Code: line.Code, Requested: line.Quantity,
			Reason: fmt.Sprintf("bank not reachable: %v", err),
		})
		metrics.BankWithdrawalsTotal.WithLabelValues("location").Inc()
		return nil

	default:
		o.ledger.Release(line.reservation)
		metrics.BankWithdrawalsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("withdraw %s x%d: %w", line.Code, line.Quantity, err)
	}
}

// smellsStale reports whether any skip reason hints the cached bank
// view was wrong, which justifies one full retry. Positional reasons do
// not count.
func smellsStale(skipped []SkippedLine) bool {
	for _, s := range skipped {
		if strings.Contains(s.Reason, "insufficient") ||
			strings.Contains(s.Reason, "reservation failed") {
			return true
		}
	}
	return false
}

// normalize merges duplicate codes in request order and drops
// non-positive quantities.
func normalize(requests []api.SimpleItem) []api.SimpleItem {
	index := map[string]int{}
	out := make([]api.SimpleItem, 0, len(requests))
	for _, req := range requests {
		if req.Quantity <= 0 || req.Code == "" {
			continue
		}
		if at, ok := index[req.Code]; ok {
			out[at].Quantity += req.Quantity
			continue
		}
		index[req.Code] = len(out)
		out = append(out, req)
	}
	return out
}

// -----------------------------------------------------------------------------
// Deposit
// -----------------------------------------------------------------------------

// Deposit puts items into the bank and feeds the order-board hook.
func (o *Ops) Deposit(ctx context.Context, ch Char, items []api.SimpleItem) error {
	items = normalize(items)
	if len(items) == 0 {
		return nil
	}
	if err := o.planner.EnsureAtBank(ctx, ch); err != nil {
		return err
	}

	res, err := o.apiClient.DepositBank(ctx, ch.Name(), items)
	if api.IsKind(err, api.KindBankLocation) {
		if seatErr := o.planner.EnsureAtBank(ctx, ch); seatErr == nil {
			res, err = o.apiClient.DepositBank(ctx, ch.Name(), items)
		}
	}
	if err != nil {
		return fmt.Errorf("deposit: %w", err)
	}

	ch.ApplyActionResult(res)
	o.ledger.ApplyBankDelta(items, ledger.Deposit, ch.Name())
	if o.hook != nil {
		o.hook(ctx, ch.Name(), items)
	}
	return ch.WaitForCooldown(ctx)
}

// DepositAll deposits the whole carried inventory minus per-code keeps.
func (o *Ops) DepositAll(ctx context.Context, ch Char, keepByCode map[string]int) error {
	var items []api.SimpleItem
	for _, slot := range ch.Get().Inventory {
		if slot.Code == "" || slot.Quantity <= 0 {
			continue
		}
		qty := slot.Quantity - keepByCode[slot.Code]
		if qty > 0 {
			items = append(items, api.SimpleItem{Code: slot.Code, Quantity: qty})
		}
	}
	return o.Deposit(ctx, ch, items)
}

// -----------------------------------------------------------------------------
// Gold and expansion
// -----------------------------------------------------------------------------

// DepositGold moves gold from the character into the bank.
func (o *Ops) DepositGold(ctx context.Context, ch Char, qty int) error {
	if qty <= 0 {
		return nil
	}
	if err := o.planner.EnsureAtBank(ctx, ch); err != nil {
		return err
	}
	res, err := o.apiClient.DepositGold(ctx, ch.Name(), qty)
	if err != nil {
		return fmt.Errorf("deposit gold: %w", err)
	}
	ch.ApplyActionResult(res)
	o.ledger.ApplyBankGoldDelta(qty, ledger.Deposit)
	return ch.WaitForCooldown(ctx)
}

// WithdrawGold moves gold from the bank onto the character.
func (o *Ops) WithdrawGold(ctx context.Context, ch Char, qty int) error {
	if qty <= 0 {
		return nil
	}
	if err := o.planner.EnsureAtBank(ctx, ch); err != nil {
		return err
	}
	res, err := o.apiClient.WithdrawGold(ctx, ch.Name(), qty)
	if err != nil {
		if api.IsKind(err, api.KindBankAvailability) {
			o.ledger.InvalidateBank("gold withdraw availability error")
		}
		return fmt.Errorf("withdraw gold: %w", err)
	}
	ch.ApplyActionResult(res)
	o.ledger.ApplyBankGoldDelta(qty, ledger.Withdraw)
	return ch.WaitForCooldown(ctx)
}

// BuyExpansion purchases one bank slot expansion. The cached details go
// stale on success (slots and next cost change), so the cache is
// invalidated.
func (o *Ops) BuyExpansion(ctx context.Context, ch Char) error {
	if err := o.planner.EnsureAtBank(ctx, ch); err != nil {
		return err
	}
	res, err := o.apiClient.BuyBankExpansion(ctx, ch.Name())
	if err != nil {
		return fmt.Errorf("buy bank expansion: %w", err)
	}
	ch.ApplyActionResult(res)
	o.ledger.InvalidateBank("bank expansion purchased")
	return ch.WaitForCooldown(ctx)
}
