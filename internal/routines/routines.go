// Package routines holds the per-character behaviors the scheduler picks
// between each tick.
//
// A routine is a CanRun/Execute pair with a priority. The scheduler asks
// every routine in descending priority order and runs the first taker, so
// higher-priority maintenance (resting, banking a full inventory) always
// preempts the skill-rotation fallback. Routines carry no cross-character
// state; anything shared lives behind the deps they are handed.
package routines

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/mbd888/gridagent/internal/api"
	"github.com/mbd888/gridagent/internal/bank"
	"github.com/mbd888/gridagent/internal/character"
	"github.com/mbd888/gridagent/internal/clock"
	"github.com/mbd888/gridagent/internal/ledger"
	"github.com/mbd888/gridagent/internal/metrics"
	"github.com/mbd888/gridagent/internal/orders"
)

// GameAPI is the slice of the game client routines call directly.
// Bank traffic goes through Bank instead so reservations stay honest.
type GameAPI interface {
	Rest(ctx context.Context, name string) (*api.ActionResult, error)
	Fight(ctx context.Context, name string) (*api.ActionResult, error)
	Gather(ctx context.Context, name string) (*api.ActionResult, error)
	Craft(ctx context.Context, name, code string, qty int) (*api.ActionResult, error)
	Move(ctx context.Context, name string, x, y int) (*api.ActionResult, error)
	Recycle(ctx context.Context, name, code string, qty int) (*api.ActionResult, error)
	CompleteTask(ctx context.Context, name string) (*api.ActionResult, error)
	AcceptTask(ctx context.Context, name string) (*api.ActionResult, error)
	SellGrandExchange(ctx context.Context, name, code string, qty, price int) (*api.ActionResult, error)
	GetGrandExchangeItem(ctx context.Context, code string) (*api.GEItem, error)
	GetAccountAchievements(ctx context.Context, account string, f api.PageFilter) ([]api.Achievement, int, error)
}

// BankOps is the bank operations layer. *bank.Ops satisfies it.
type BankOps interface {
	Withdraw(ctx context.Context, ch bank.Char, requests []api.SimpleItem, opts bank.WithdrawOptions) (*bank.WithdrawResult, error)
	Deposit(ctx context.Context, ch bank.Char, items []api.SimpleItem) error
	DepositAll(ctx context.Context, ch bank.Char, keepByCode map[string]int) error
	DepositGold(ctx context.Context, ch bank.Char, qty int) error
	WithdrawGold(ctx context.Context, ch bank.Char, qty int) error
	BuyExpansion(ctx context.Context, ch bank.Char) error
}

// Board is the order board surface routines use. *orders.Board satisfies it.
type Board interface {
	Open() []orders.Order
	ClaimOrder(ctx context.Context, id, charName string, lease time.Duration) (orders.Order, bool)
	ReleaseClaim(ctx context.Context, id, charName string)
	BlockOrder(charName, orderID, reason string, until *time.Time)
	IsOrderBlocked(charName, orderID string) (bool, string)
}

// Worlder resolves map locations and static game data. *world.World
// satisfies it.
type Worlder interface {
	Locate(ctx context.Context, contentType, code string) ([]api.MapTile, error)
	LocateNearest(ctx context.Context, contentType, code string, x, y int) (api.MapTile, bool, error)
	Monster(ctx context.Context, code string) (*api.Monster, error)
	Resource(ctx context.Context, code string) (*api.Resource, error)
	Item(ctx context.Context, code string) (*api.Item, error)
	ActiveEvents(ctx context.Context) ([]api.ActiveEvent, error)
}

// BankLedger is the read side of the inventory ledger routines consult.
// *ledger.Ledger satisfies it.
type BankLedger interface {
	BankGold() int
	NextExpansionCost() int
	GlobalCount(code string) int
	AvailableBankCount(code string, includeChar ledger.InventoryReader) int
}

// Deps is everything a routine may touch. One Deps per character worker.
type Deps struct {
	API    GameAPI
	Char   *character.Context
	Bank   BankOps
	Board  Board
	World  Worlder
	Ledger BankLedger
	Clock  clock.Clock
	Logger *slog.Logger

	// Account is the game account name, used for achievement lookups.
	Account string
	// Lease is how long an order claim is held before other characters
	// may steal it.
	Lease time.Duration
}

// Routine is one selectable behavior.
type Routine interface {
	Name() string
	Priority() int
	CanRun(ctx context.Context, d *Deps) bool
	Execute(ctx context.Context, d *Deps) error
}

// Defaults returns a fresh routine set for one character, already sorted
// by descending priority. Stateful routines (event cooldown, expansion
// check interval) must not be shared between characters.
func Defaults(seed int64) []Routine {
	rs := []Routine{
		Rest{},
		&Event{},
		DepositBank{},
		&BankExpansion{},
		CompleteTask{},
		NewSkillRotation(seed),
	}
	SortByPriority(rs)
	return rs
}

// SortByPriority orders routines highest-priority first, stably.
func SortByPriority(rs []Routine) {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Priority() > rs[j].Priority() })
}

// perform applies an action result to the character and waits out the
// cooldown it imposed. The err parameter is the action call's own error,
// so call sites stay one-liners.
func perform(ctx context.Context, d *Deps, action string, res *api.ActionResult, err error) error {
	name := d.Char.Name()
	if err != nil {
		metrics.ActionsTotal.WithLabelValues(name, action, "error").Inc()
		return err
	}
	d.Char.ApplyActionResult(res)
	metrics.ActionsTotal.WithLabelValues(name, action, "ok").Inc()
	metrics.CooldownSeconds.WithLabelValues(action).Observe(float64(res.Cooldown.TotalSeconds))
	return d.Char.WaitForCooldown(ctx)
}

// moveTo walks the character to (x, y), a no-op when already there.
func moveTo(ctx context.Context, d *Deps, x, y int) error {
	if d.Char.IsAt(x, y) {
		return nil
	}
	res, err := d.API.Move(ctx, d.Char.Name(), x, y)
	return perform(ctx, d, "move", res, err)
}

// locateTasksMaster finds the nearest task-giver, preferring one matching
// the character's current task type.
func locateTasksMaster(ctx context.Context, d *Deps, taskType string) (api.MapTile, bool, error) {
	live := d.Char.Get()
	if taskType != "" {
		tile, ok, err := d.World.LocateNearest(ctx, "tasks_master", taskType, live.X, live.Y)
		if err != nil || ok {
			return tile, ok, err
		}
	}
	return d.World.LocateNearest(ctx, "tasks_master", "monsters", live.X, live.Y)
}
