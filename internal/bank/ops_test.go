package bank

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/gridagent/internal/api"
	"github.com/mbd888/gridagent/internal/ledger"
)

// fakeBankAPI backs the real ledger with a static bank.
type fakeBankAPI struct {
	mu      sync.Mutex
	items   map[string]int
	gold    int
	fetches atomic.Int32
}

func (f *fakeBankAPI) GetBankItems(_ context.Context, pf api.PageFilter) ([]api.SimpleItem, int, error) {
	if pf.Page <= 1 {
		f.fetches.Add(1)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	codes := make([]string, 0, len(f.items))
	for code := range f.items {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	out := make([]api.SimpleItem, 0, len(codes))
	for _, code := range codes {
		out = append(out, api.SimpleItem{Code: code, Quantity: f.items[code]})
	}
	return out, 1, nil
}

func (f *fakeBankAPI) GetBankDetails(context.Context) (*api.BankDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &api.BankDetails{Gold: f.gold, Slots: 50, NextExpansionCost: 10000}, nil
}

// flakyLedger fails the first ReserveMany to exercise the stale retry.
type flakyLedger struct {
	*ledger.Ledger
	failFirst atomic.Bool
}

func (f *flakyLedger) ReserveMany(requests []api.SimpleItem, owner string) ledger.ReserveResult {
	if f.failFirst.CompareAndSwap(true, false) {
		return ledger.ReserveResult{OK: false, Reason: "insufficient availability (stale view)"}
	}
	return f.Ledger.ReserveMany(requests, owner)
}

type opsEnv struct {
	game    *fakeGame
	bankAPI *fakeBankAPI
	ledger  *ledger.Ledger
	ops     *Ops

	hookMu    sync.Mutex
	hookCalls []api.SimpleItem
}

func newOpsEnv(t *testing.T, bankItems map[string]int) *opsEnv {
	t.Helper()
	env := &opsEnv{
		game:    &fakeGame{},
		bankAPI: &fakeBankAPI{items: bankItems, gold: 100},
	}
	env.ledger = ledger.New(env.bankAPI)
	planner := newPlanner(env.game, bankTile(4, 1))
	hook := func(_ context.Context, _ string, items []api.SimpleItem) {
		env.hookMu.Lock()
		env.hookCalls = append(env.hookCalls, items...)
		env.hookMu.Unlock()
	}
	env.ops = NewOps(env.game, env.ledger, planner, hook, nil)
	return env
}

func TestWithdrawMovesToBankOnce(t *testing.T) {
	env := newOpsEnv(t, map[string]int{"wooden_shield": 5, "copper_ring": 4})
	ch := newFakeChar("Sable", 0, 0)

	res, err := env.ops.Withdraw(context.Background(), ch, []api.SimpleItem{
		{Code: "wooden_shield", Quantity: 3},
		{Code: "copper_ring", Quantity: 2},
	}, WithdrawOptions{Mode: Partial})
	require.NoError(t, err)

	assert.Equal(t, []Tile{{X: 4, Y: 1}}, env.game.moves, "exactly one move to the bank")
	assert.Equal(t, [][]api.SimpleItem{
		{{Code: "wooden_shield", Quantity: 3}},
		{{Code: "copper_ring", Quantity: 2}},
	}, env.game.withdraws, "withdraw calls in request order")
	assert.Equal(t, []api.SimpleItem{
		{Code: "wooden_shield", Quantity: 3},
		{Code: "copper_ring", Quantity: 2},
	}, res.Withdrawn)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, 0, env.ledger.ActiveReservations(), "no reservations leaked")
}

func TestWithdrawReservationLadder(t *testing.T) {
	env := newOpsEnv(t, map[string]int{"iron_ore": 3})
	flaky := &flakyLedger{Ledger: env.ledger}
	flaky.failFirst.Store(true)
	planner := newPlanner(env.game, bankTile(4, 1))
	ops := NewOps(env.game, flaky, planner, nil, nil)
	ch := newFakeChar("Sable", 4, 1)

	res, err := ops.Withdraw(context.Background(), ch, []api.SimpleItem{
		{Code: "iron_ore", Quantity: 2},
	}, WithdrawOptions{Mode: Partial, RetryStaleOnce: true})
	require.NoError(t, err)

	assert.Equal(t, []api.SimpleItem{{Code: "iron_ore", Quantity: 2}}, res.Withdrawn)
	assert.Equal(t, int32(2), env.bankAPI.fetches.Load(),
		"one prime fetch plus exactly one stale-retry refresh")
	assert.Equal(t, 0, env.ledger.ActiveReservations())
}

func TestWithdrawPartialFill(t *testing.T) {
	env := newOpsEnv(t, map[string]int{"feather": 3})
	ch := newFakeChar("Sable", 4, 1)

	res, err := env.ops.Withdraw(context.Background(), ch, []api.SimpleItem{
		{Code: "feather", Quantity: 5},
	}, WithdrawOptions{Mode: Partial})
	require.NoError(t, err)

	assert.Equal(t, []api.SimpleItem{{Code: "feather", Quantity: 3}}, res.Withdrawn)
	require.Len(t, res.Skipped, 1)
	assert.Contains(t, res.Skipped[0].Reason, "partial fill 3/5")
}

func TestWithdrawStrictRefusesPartial(t *testing.T) {
	env := newOpsEnv(t, map[string]int{"feather": 3})
	ch := newFakeChar("Sable", 4, 1)

	res, err := env.ops.Withdraw(context.Background(), ch, []api.SimpleItem{
		{Code: "feather", Quantity: 5},
	}, WithdrawOptions{Mode: Strict})
	require.NoError(t, err)

	assert.Empty(t, res.Withdrawn)
	assert.Empty(t, env.game.withdraws, "strict shortfall never reaches the API")
	require.Len(t, res.Skipped, 1)
	assert.Contains(t, res.Skipped[0].Reason, "strict mode")
	assert.Equal(t, 0, env.ledger.ActiveReservations())
}

func TestLocationErrorDoesNotInvalidateCache(t *testing.T) {
	env := newOpsEnv(t, map[string]int{"spruce_wood": 1})
	env.game.failLocationCode = "spruce_wood"
	ch := newFakeChar("Sable", 4, 1)

	res, err := env.ops.Withdraw(context.Background(), ch, []api.SimpleItem{
		{Code: "spruce_wood", Quantity: 1},
	}, WithdrawOptions{Mode: Partial, RetryStaleOnce: true})
	require.NoError(t, err)

	assert.Empty(t, res.Withdrawn)
	assert.Equal(t, int32(1), env.bankAPI.fetches.Load(),
		"a positional fault must not trigger a stale-retry refresh")
	assert.Len(t, env.game.withdraws, 2, "the line is retried once after re-seating")
	assert.Equal(t, 0, env.ledger.ActiveReservations())
}

func TestWithdrawThrowOnAllSkipped(t *testing.T) {
	env := newOpsEnv(t, map[string]int{})
	ch := newFakeChar("Sable", 4, 1)

	_, err := env.ops.Withdraw(context.Background(), ch, []api.SimpleItem{
		{Code: "gold_ore", Quantity: 1},
	}, WithdrawOptions{Mode: Partial, ThrowOnAllSkipped: true})
	assert.ErrorIs(t, err, ErrNothingWithdrawn)
}

func TestWithdrawNormalizesRequests(t *testing.T) {
	env := newOpsEnv(t, map[string]int{"iron_ore": 10})
	ch := newFakeChar("Sable", 4, 1)

	res, err := env.ops.Withdraw(context.Background(), ch, []api.SimpleItem{
		{Code: "iron_ore", Quantity: 2},
		{Code: "iron_ore", Quantity: 3},
		{Code: "iron_ore", Quantity: 0},
	}, WithdrawOptions{Mode: Partial})
	require.NoError(t, err)
	assert.Equal(t, []api.SimpleItem{{Code: "iron_ore", Quantity: 5}}, res.Withdrawn)
	assert.Len(t, env.game.withdraws, 1)
}

func TestDepositFeedsOrderHook(t *testing.T) {
	env := newOpsEnv(t, map[string]int{})
	ch := newFakeChar("Worker", 4, 1)
	ch.inv["birch_wood"] = 2

	require.NoError(t, env.ops.Deposit(context.Background(), ch, []api.SimpleItem{
		{Code: "birch_wood", Quantity: 2},
	}))

	assert.Equal(t, [][]api.SimpleItem{{{Code: "birch_wood", Quantity: 2}}}, env.game.deposits)
	assert.Equal(t, []api.SimpleItem{{Code: "birch_wood", Quantity: 2}}, env.hookCalls)
	assert.Equal(t, 2, env.ledger.BankCount("birch_wood"))
}

func TestDepositAllRespectsKeeps(t *testing.T) {
	env := newOpsEnv(t, map[string]int{})
	ch := newFakeChar("Sable", 4, 1)
	ch.inv["iron_ore"] = 5
	ch.inv["health_potion"] = 3

	require.NoError(t, env.ops.DepositAll(context.Background(), ch, map[string]int{
		"health_potion": 3,
	}))

	require.Len(t, env.game.deposits, 1)
	assert.Equal(t, []api.SimpleItem{{Code: "iron_ore", Quantity: 5}}, env.game.deposits[0])
}

func TestGoldOperations(t *testing.T) {
	env := newOpsEnv(t, map[string]int{})
	ch := newFakeChar("Sable", 4, 1)

	// Prime the cache so the gold figure is live before the deltas.
	_, err := env.ledger.GetBankItems(context.Background(), false)
	require.NoError(t, err)

	require.NoError(t, env.ops.DepositGold(context.Background(), ch, 50))
	assert.Equal(t, []int{50}, env.game.goldDeposits)
	assert.Equal(t, 150, env.ledger.BankGold())

	require.NoError(t, env.ops.WithdrawGold(context.Background(), ch, 30))
	assert.Equal(t, []int{30}, env.game.goldWithdraws)
	assert.Equal(t, 120, env.ledger.BankGold())
}

func TestBuyExpansionInvalidatesCache(t *testing.T) {
	env := newOpsEnv(t, map[string]int{"iron_ore": 1})
	ch := newFakeChar("Sable", 4, 1)

	_, err := env.ledger.GetBankItems(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, int32(1), env.bankAPI.fetches.Load())

	require.NoError(t, env.ops.BuyExpansion(context.Background(), ch))
	assert.Equal(t, 1, env.game.expansions)

	_, err = env.ledger.GetBankItems(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), env.bankAPI.fetches.Load(),
		"expansion changes slots and cost, the next read must refresh")
}
