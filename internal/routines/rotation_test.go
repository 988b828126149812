package routines

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/gridagent/internal/api"
	"github.com/mbd888/gridagent/internal/bank"
	"github.com/mbd888/gridagent/internal/orders"
)

func TestBranchOrderWeightedAndDeterministic(t *testing.T) {
	weights := map[string]int{"orders": 5, "gathering": 1, "combat": 0}

	first := NewSkillRotation(1).branchOrder(weights)
	second := NewSkillRotation(1).branchOrder(weights)

	require.Len(t, first, 2, "zero-weight branches are dropped")
	assert.ElementsMatch(t, []string{"orders", "gathering"}, first)
	assert.Equal(t, first, second, "same seed, same draw")
}

func gatherOrder(t *testing.T, e *env, qty int) orders.Order {
	t.Helper()
	o, err := e.board.CreateOrMergeOrder(context.Background(), orders.CreateOrder{
		RequesterName: "Rook",
		ItemCode:      "birch_wood",
		SourceType:    orders.SourceGather,
		SourceCode:    "birch_tree",
		GatherSkill:   "woodcutting",
		SourceLevel:   5,
		Quantity:      qty,
	})
	require.NoError(t, err)
	return o
}

func TestOrdersBranchFulfillsGatherOrder(t *testing.T) {
	e := newEnv(t, baseChar("Sable"), baseSettings())
	o := gatherOrder(t, e, 4)
	e.world.resources["birch_tree"] = &api.Resource{Code: "birch_tree", Skill: "woodcutting", Level: 5}
	e.world.tiles = []api.MapTile{
		{X: 2, Y: 2, Content: &api.MapContent{Type: "resource", Code: "birch_tree"}},
	}
	e.game.gatherYield = api.SimpleItem{Code: "birch_wood", Quantity: 1}

	r := NewSkillRotation(1)
	require.NoError(t, r.Execute(context.Background(), e.deps))

	assert.True(t, e.deps.Char.IsAt(2, 2))
	assert.Equal(t, 4, e.game.callCount("gather"))

	got, found := e.board.Get(o.ID)
	require.True(t, found)
	assert.Equal(t, orders.StatusFulfilled, got.Status)
	assert.Equal(t, 0, got.RemainingQty)
	assert.Nil(t, got.Claim, "claim released on fulfillment")
}

func TestOrdersBranchBlocksInsufficientSkill(t *testing.T) {
	e := newEnv(t, baseChar("Sable"), baseSettings())
	o, err := e.board.CreateOrMergeOrder(context.Background(), orders.CreateOrder{
		ItemCode: "magic_wood", SourceType: orders.SourceGather, SourceCode: "magic_tree",
		GatherSkill: "woodcutting", SourceLevel: 20, Quantity: 3,
	})
	require.NoError(t, err)

	require.NoError(t, NewSkillRotation(1).Execute(context.Background(), e.deps))

	blocked, reason := e.board.IsOrderBlocked("Sable", o.ID)
	assert.True(t, blocked)
	assert.Equal(t, orders.ReasonInsufficientSkill, reason)
	assert.Zero(t, e.game.callCount("gather"))

	// Per-character block: another character may still take it.
	blocked, _ = e.board.IsOrderBlocked("Rook", o.ID)
	assert.False(t, blocked)
}

func TestOrdersBranchBlocksUnknownSourceGlobally(t *testing.T) {
	e := newEnv(t, baseChar("Sable"), baseSettings())
	o, err := e.board.CreateOrMergeOrder(context.Background(), orders.CreateOrder{
		ItemCode: "ghost_wood", SourceType: orders.SourceGather, SourceCode: "ghost_tree",
		GatherSkill: "woodcutting", SourceLevel: 1, Quantity: 3,
	})
	require.NoError(t, err)

	require.NoError(t, NewSkillRotation(1).Execute(context.Background(), e.deps))

	blocked, reason := e.board.IsOrderBlocked("Rook", o.ID)
	assert.True(t, blocked, "unknown resources are blocked for everyone")
	assert.Equal(t, orders.ReasonNoMapLocation, reason)
}

func TestOrdersBranchBlocksEventOnlySource(t *testing.T) {
	e := newEnv(t, baseChar("Sable"), baseSettings())
	o, err := e.board.CreateOrMergeOrder(context.Background(), orders.CreateOrder{
		ItemCode: "magic_wood", SourceType: orders.SourceGather, SourceCode: "magic_tree",
		GatherSkill: "woodcutting", SourceLevel: 5, Quantity: 3,
	})
	require.NoError(t, err)
	// The node type exists but no tile carries it and no event is live.
	e.world.resources["magic_tree"] = &api.Resource{Code: "magic_tree", Skill: "woodcutting", Level: 5}

	require.NoError(t, NewSkillRotation(1).Execute(context.Background(), e.deps))

	blocked, reason := e.board.IsOrderBlocked("Sable", o.ID)
	assert.True(t, blocked)
	assert.Equal(t, orders.ReasonEventOnlyNotActive, reason)

	// The block is time-bounded: once it lapses the order is retried.
	e.ck.Advance(orders.DefaultGatherBlock + 1)
	blocked, _ = e.board.IsOrderBlocked("Sable", o.ID)
	assert.False(t, blocked)
}

func TestOrdersBranchGathersAtEventTile(t *testing.T) {
	e := newEnv(t, baseChar("Sable"), baseSettings())
	o, err := e.board.CreateOrMergeOrder(context.Background(), orders.CreateOrder{
		ItemCode: "magic_wood", SourceType: orders.SourceGather, SourceCode: "magic_tree",
		GatherSkill: "woodcutting", SourceLevel: 5, Quantity: 2,
	})
	require.NoError(t, err)
	e.world.resources["magic_tree"] = &api.Resource{Code: "magic_tree", Skill: "woodcutting", Level: 5}
	e.world.events = []api.ActiveEvent{{
		Code: "magic_forest",
		Map:  api.MapTile{X: 8, Y: 8, Content: &api.MapContent{Type: "resource", Code: "magic_tree"}},
	}}
	e.game.gatherYield = api.SimpleItem{Code: "magic_wood", Quantity: 1}

	require.NoError(t, NewSkillRotation(1).Execute(context.Background(), e.deps))

	assert.True(t, e.deps.Char.IsAt(8, 8), "worked the live event tile")
	got, _ := e.board.Get(o.ID)
	assert.Equal(t, orders.StatusFulfilled, got.Status)
}

func TestOrdersBranchMonsterOrder(t *testing.T) {
	e := newEnv(t, baseChar("Sable"), baseSettings())
	o, err := e.board.CreateOrMergeOrder(context.Background(), orders.CreateOrder{
		ItemCode: "feather", SourceType: orders.SourceMonster, SourceCode: "chicken", Quantity: 3,
	})
	require.NoError(t, err)
	e.world.monsters["chicken"] = &api.Monster{Code: "chicken", Type: "normal", HP: 60}
	e.world.tiles = []api.MapTile{
		{X: 1, Y: 1, Content: &api.MapContent{Type: "monster", Code: "chicken"}},
	}
	e.game.fightDrop = api.SimpleItem{Code: "feather", Quantity: 1}

	require.NoError(t, NewSkillRotation(1).Execute(context.Background(), e.deps))

	assert.Equal(t, 3, e.game.callCount("fight"))
	got, _ := e.board.Get(o.ID)
	assert.Equal(t, orders.StatusFulfilled, got.Status)
}

func TestOrdersBranchBlocksUnbeatableMonster(t *testing.T) {
	e := newEnv(t, baseChar("Sable"), baseSettings())
	o, err := e.board.CreateOrMergeOrder(context.Background(), orders.CreateOrder{
		ItemCode: "dragon_scale", SourceType: orders.SourceMonster, SourceCode: "dragon", Quantity: 1,
	})
	require.NoError(t, err)
	e.world.monsters["dragon"] = &api.Monster{
		Code: "dragon", Type: "boss", HP: 10000, AttackFire: 200, Initiative: 50,
	}
	e.world.tiles = []api.MapTile{
		{X: 9, Y: 9, Content: &api.MapContent{Type: "monster", Code: "dragon"}},
	}

	require.NoError(t, NewSkillRotation(1).Execute(context.Background(), e.deps))

	blocked, reason := e.board.IsOrderBlocked("Sable", o.ID)
	assert.True(t, blocked)
	assert.Equal(t, orders.ReasonInsufficientSkill, reason)
	assert.Zero(t, e.game.callCount("fight"))
}

func craftEnv(t *testing.T) (*env, orders.Order) {
	t.Helper()
	e := newEnv(t, baseChar("Sable"), baseSettings())
	o, err := e.board.CreateOrMergeOrder(context.Background(), orders.CreateOrder{
		ItemCode: "copper_dagger", SourceType: orders.SourceCraft, SourceCode: "weaponcrafting", Quantity: 2,
	})
	require.NoError(t, err)
	e.world.items["copper_dagger"] = &api.Item{
		Code: "copper_dagger", Type: "weapon",
		Craft: &api.ItemCraft{
			Skill: "weaponcrafting", Level: 1,
			Items:    []api.SimpleItem{{Code: "copper", Quantity: 6}},
			Quantity: 1,
		},
	}
	e.world.tiles = []api.MapTile{
		{X: 2, Y: 1, Content: &api.MapContent{Type: "workshop", Code: "weaponcrafting"}},
	}
	e.ledger.available = map[string]int{"copper": 12}
	return e, o
}

func TestOrdersBranchCraftOrder(t *testing.T) {
	e, o := craftEnv(t)

	require.NoError(t, NewSkillRotation(1).Execute(context.Background(), e.deps))

	require.Len(t, e.bank.withdrawReqs, 1)
	assert.Equal(t, []api.SimpleItem{{Code: "copper", Quantity: 12}}, e.bank.withdrawReqs[0])
	require.Len(t, e.game.crafted, 1)
	assert.Equal(t, api.SimpleItem{Code: "copper_dagger", Quantity: 2}, e.game.crafted[0])

	got, _ := e.board.Get(o.ID)
	assert.Equal(t, orders.StatusFulfilled, got.Status)
}

func TestCraftOrderBacksOffOnMissingInputs(t *testing.T) {
	e, o := craftEnv(t)
	e.bank.withdrawSkipped = []bank.SkippedLine{
		{Code: "copper", Requested: 12, Reason: "insufficient bank stock"},
	}

	require.NoError(t, NewSkillRotation(1).Execute(context.Background(), e.deps))

	assert.Empty(t, e.game.crafted, "no craft without a full input set")
	got, _ := e.board.Get(o.ID)
	assert.Equal(t, orders.StatusOpen, got.Status, "claim released for a later retry")
}

func TestCraftOrderSkipsWhenBankEmpty(t *testing.T) {
	e, o := craftEnv(t)
	e.ledger.available = map[string]int{}

	require.NoError(t, NewSkillRotation(1).Execute(context.Background(), e.deps))

	assert.Empty(t, e.bank.withdrawReqs, "zero batch size never reaches the bank")
	got, _ := e.board.Get(o.ID)
	assert.Equal(t, orders.StatusOpen, got.Status)
}

func TestCombatBranchGrindsMonsterTask(t *testing.T) {
	live := baseChar("Sable")
	live.Task, live.TaskType = "chicken", "monsters"
	live.TaskProgress, live.TaskTotal = 0, 5
	cs := baseSettings()
	cs.Rotation.Weights = map[string]int{"combat": 1}
	e := newEnv(t, live, cs)
	e.world.monsters["chicken"] = &api.Monster{Code: "chicken", Type: "normal", HP: 60}
	e.world.tiles = []api.MapTile{
		{X: 4, Y: 4, Content: &api.MapContent{Type: "monster", Code: "chicken"}},
	}

	require.NoError(t, NewSkillRotation(1).Execute(context.Background(), e.deps))

	assert.True(t, e.deps.Char.IsAt(4, 4))
	assert.Equal(t, 5, e.game.callCount("fight"))
	assert.Equal(t, 5, e.deps.Char.Get().TaskProgress)
}

func TestTaskBranchAcceptsTaskWhenIdle(t *testing.T) {
	cs := baseSettings()
	cs.Rotation.Weights = map[string]int{"task": 1}
	e := newEnv(t, baseChar("Sable"), cs)
	e.world.tiles = []api.MapTile{
		{X: 1, Y: 2, Content: &api.MapContent{Type: "tasks_master", Code: "monsters"}},
	}
	e.game.nextTask, e.game.nextType = "cow", "monsters"

	require.NoError(t, NewSkillRotation(1).Execute(context.Background(), e.deps))

	assert.Equal(t, 1, e.game.callCount("accept_task"))
	assert.Equal(t, "cow", e.deps.Char.Get().Task)
}

func TestGatherBranchPicksBestWorkableNode(t *testing.T) {
	cs := baseSettings()
	cs.Rotation.Weights = map[string]int{"gathering": 1}
	e := newEnv(t, baseChar("Sable"), cs)
	e.world.resources = map[string]*api.Resource{
		"birch_tree": {Code: "birch_tree", Skill: "woodcutting", Level: 5},
		"oak_tree":   {Code: "oak_tree", Skill: "woodcutting", Level: 8},
		"maple_tree": {Code: "maple_tree", Skill: "woodcutting", Level: 15},
	}
	e.world.tiles = []api.MapTile{
		{X: 2, Y: 2, Content: &api.MapContent{Type: "resource", Code: "birch_tree"}},
		{X: 3, Y: 3, Content: &api.MapContent{Type: "resource", Code: "oak_tree"}},
		{X: 4, Y: 4, Content: &api.MapContent{Type: "resource", Code: "maple_tree"}},
	}
	e.game.gatherYield = api.SimpleItem{Code: "oak_wood", Quantity: 5}

	require.NoError(t, NewSkillRotation(1).Execute(context.Background(), e.deps))

	assert.True(t, e.deps.Char.IsAt(3, 3), "highest node within skill level, not the level-15 one")
	// 0.8 * 50 = 40 items at 5 per gather.
	assert.Equal(t, 8, e.game.callCount("gather"))
}

func TestAchievementBranchPicksLeastFinished(t *testing.T) {
	cs := baseSettings()
	cs.Rotation.Weights = map[string]int{"achievement": 1}
	e := newEnv(t, baseChar("Sable"), cs)
	e.world.resources = map[string]*api.Resource{
		"birch_tree": {Code: "birch_tree", Skill: "woodcutting", Level: 5},
		"oak_tree":   {Code: "oak_tree", Skill: "woodcutting", Level: 8},
	}
	e.world.tiles = []api.MapTile{
		{X: 2, Y: 2, Content: &api.MapContent{Type: "resource", Code: "birch_tree"}},
		{X: 3, Y: 3, Content: &api.MapContent{Type: "resource", Code: "oak_tree"}},
	}
	e.game.achievs = []api.Achievement{
		{Code: "lumberjack_1", Type: "gathering", Target: "oak_tree", Current: 3, Total: 4},
		{Code: "lumberjack_2", Type: "gathering", Target: "birch_tree", Current: 1, Total: 4},
		{Code: "slayer", Type: "combat", Target: "chicken", Current: 0, Total: 10},
	}

	require.NoError(t, NewSkillRotation(1).Execute(context.Background(), e.deps))

	assert.True(t, e.deps.Char.IsAt(2, 2), "quarter-done achievement beats the three-quarter one")
	assert.Equal(t, 3, e.game.callCount("gather"), "gathers the remaining count")
}

func TestRotationFallsThroughEmptyBranches(t *testing.T) {
	cs := baseSettings()
	cs.Rotation.Weights = map[string]int{"orders": 5, "gathering": 1}
	e := newEnv(t, baseChar("Sable"), cs)
	// Board empty, so the orders branch yields to gathering.
	e.world.resources = map[string]*api.Resource{
		"birch_tree": {Code: "birch_tree", Skill: "woodcutting", Level: 5},
	}
	e.world.tiles = []api.MapTile{
		{X: 2, Y: 2, Content: &api.MapContent{Type: "resource", Code: "birch_tree"}},
	}
	e.game.gatherYield = api.SimpleItem{Code: "birch_wood", Quantity: 10}

	require.NoError(t, NewSkillRotation(1).Execute(context.Background(), e.deps))
	assert.Positive(t, e.game.callCount("gather"))
}
