package routines

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/gridagent/internal/api"
)

func TestDepositCanRunThreshold(t *testing.T) {
	live := baseChar("Sable")
	live.Inventory = []api.InventorySlot{{Code: "birch_wood", Quantity: 40}}
	e := newEnv(t, live, baseSettings())

	assert.True(t, DepositBank{}.CanRun(context.Background(), e.deps), "40 of 50 meets the 0.8 threshold")

	live.Inventory = []api.InventorySlot{{Code: "birch_wood", Quantity: 39}}
	e = newEnv(t, live, baseSettings())
	assert.False(t, DepositBank{}.CanRun(context.Background(), e.deps))
}

func TestDepositRespectsKeepsAndTaskMaterials(t *testing.T) {
	live := baseChar("Sable")
	live.Task, live.TaskType = "copper", "items"
	live.TaskProgress, live.TaskTotal = 2, 10
	live.Inventory = []api.InventorySlot{
		{Code: "birch_wood", Quantity: 30},
		{Code: "copper", Quantity: 12},
		{Code: "health_potion", Quantity: 5},
	}
	cs := baseSettings()
	cs.Deposit.KeepByCode = map[string]int{"health_potion": 5}
	e := newEnv(t, live, cs)

	require.NoError(t, DepositBank{}.Execute(context.Background(), e.deps))

	require.Len(t, e.bank.depositKeeps, 1)
	keep := e.bank.depositKeeps[0]
	assert.Equal(t, 5, keep["health_potion"])
	assert.Equal(t, 8, keep["copper"], "keeps the 8 still owed on the items task")
}

func TestDepositSellsListedAndDepositsGold(t *testing.T) {
	live := baseChar("Sable")
	live.Gold = 100
	live.Inventory = []api.InventorySlot{
		{Code: "birch_wood", Quantity: 38},
		{Code: "feather", Quantity: 4},
	}
	cs := baseSettings()
	cs.Deposit.SellCodes = []string{"feather"}
	cs.Deposit.DepositGold = true
	cs.Deposit.GoldKeep = 50
	e := newEnv(t, live, cs)
	e.game.geListings = map[string]*api.GEItem{"feather": {Code: "feather", SellPrice: 10}}
	e.world.tiles = []api.MapTile{
		{X: 5, Y: 1, Content: &api.MapContent{Type: "grand_exchange", Code: "grand_exchange"}},
	}

	require.NoError(t, DepositBank{}.Execute(context.Background(), e.deps))

	require.Len(t, e.game.sold, 1)
	assert.Equal(t, api.SimpleItem{Code: "feather", Quantity: 4}, e.game.sold[0])
	assert.True(t, e.deps.Char.IsAt(5, 1), "sold at the grand exchange tile")

	// 100 starting + 40 from the sale, keeping 50 back.
	require.Len(t, e.bank.goldDeposits, 1)
	assert.Equal(t, 90, e.bank.goldDeposits[0])
}

func TestDepositRecyclesDuplicateEquipment(t *testing.T) {
	live := baseChar("Sable")
	live.Inventory = []api.InventorySlot{
		{Code: "birch_wood", Quantity: 39},
		{Code: "copper_dagger", Quantity: 1},
	}
	cs := baseSettings()
	cs.Deposit.RecycleDuplicates = true
	e := newEnv(t, live, cs)
	e.world.items = map[string]*api.Item{
		"copper_dagger": {Code: "copper_dagger", Type: "weapon", Craft: &api.ItemCraft{Skill: "weaponcrafting", Quantity: 1}},
	}
	e.world.tiles = []api.MapTile{
		{X: 2, Y: 1, Content: &api.MapContent{Type: "workshop", Code: "weaponcrafting"}},
	}
	e.ledger.global = map[string]int{"copper_dagger": 2}

	require.NoError(t, DepositBank{}.Execute(context.Background(), e.deps))

	require.Len(t, e.game.recycled, 1)
	assert.Equal(t, "copper_dagger", e.game.recycled[0].Code)
}

func TestDepositSkipsSoleEquipmentCopy(t *testing.T) {
	live := baseChar("Sable")
	live.Inventory = []api.InventorySlot{
		{Code: "birch_wood", Quantity: 39},
		{Code: "copper_dagger", Quantity: 1},
	}
	cs := baseSettings()
	cs.Deposit.RecycleDuplicates = true
	e := newEnv(t, live, cs)
	e.world.items = map[string]*api.Item{
		"copper_dagger": {Code: "copper_dagger", Type: "weapon", Craft: &api.ItemCraft{Skill: "weaponcrafting", Quantity: 1}},
	}
	e.ledger.global = map[string]int{"copper_dagger": 1}

	require.NoError(t, DepositBank{}.Execute(context.Background(), e.deps))
	assert.Empty(t, e.game.recycled)
}
