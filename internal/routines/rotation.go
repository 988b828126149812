package routines

import (
	"context"
	"errors"
	"math/rand"
	"sort"

	"github.com/mbd888/gridagent/internal/api"
	"github.com/mbd888/gridagent/internal/bank"
	"github.com/mbd888/gridagent/internal/combat"
	"github.com/mbd888/gridagent/internal/orders"
)

// Loop caps for the rotation work loops.
const (
	orderLoopCap  = 60
	gatherLoopCap = 60
	fightLoopCap  = 40
)

// SkillRotation is the fallback routine: when nothing urgent is pending
// it picks a weighted branch (orders, gathering, crafting, combat, task,
// achievement) and grinds it. Branches that find nothing to do yield to
// the next branch in the weighted order, so a tick is only wasted when
// every branch comes up empty.
type SkillRotation struct {
	rng *rand.Rand
}

// NewSkillRotation creates the rotation with a seeded branch picker, so
// tests can pin the weighted order.
func NewSkillRotation(seed int64) *SkillRotation {
	return &SkillRotation{rng: rand.New(rand.NewSource(seed))}
}

func (*SkillRotation) Name() string  { return "skill_rotation" }
func (*SkillRotation) Priority() int { return 5 }

func (*SkillRotation) CanRun(context.Context, *Deps) bool { return true }

func (r *SkillRotation) Execute(ctx context.Context, d *Deps) error {
	for _, branch := range r.branchOrder(d.Char.Settings().Rotation.Weights) {
		var acted bool
		var err error
		switch branch {
		case "orders":
			acted, err = r.ordersBranch(ctx, d)
		case "gathering":
			acted, err = r.gatherBranch(ctx, d)
		case "crafting":
			acted, err = r.craftBranch(ctx, d)
		case "combat":
			acted, err = r.combatBranch(ctx, d)
		case "task":
			acted, err = r.taskBranch(ctx, d)
		case "achievement":
			acted, err = r.achievementBranch(ctx, d)
		}
		if err != nil {
			return err
		}
		if acted {
			return nil
		}
	}
	return nil
}

// branchOrder draws branches weighted-without-replacement so every
// configured branch eventually gets a turn but heavy weights come up
// more often. Map iteration is randomized by the runtime, so keys are
// sorted first to keep the draw a pure function of the rng.
func (r *SkillRotation) branchOrder(weights map[string]int) []string {
	remaining := make(map[string]int, len(weights))
	for name, w := range weights {
		if w > 0 {
			remaining[name] = w
		}
	}
	order := make([]string, 0, len(remaining))
	for len(remaining) > 0 {
		names := make([]string, 0, len(remaining))
		for name := range remaining {
			names = append(names, name)
		}
		sort.Strings(names)

		total := 0
		for _, name := range names {
			total += remaining[name]
		}
		pick := r.rng.Intn(total)
		for _, name := range names {
			pick -= remaining[name]
			if pick < 0 {
				order = append(order, name)
				delete(remaining, name)
				break
			}
		}
	}
	return order
}

// -----------------------------------------------------------------------------
// Orders branch
// -----------------------------------------------------------------------------

func (r *SkillRotation) ordersBranch(ctx context.Context, d *Deps) (bool, error) {
	name := d.Char.Name()
	for _, o := range d.Board.Open() {
		if blocked, _ := d.Board.IsOrderBlocked(name, o.ID); blocked {
			continue
		}
		var acted bool
		var err error
		switch o.SourceType {
		case orders.SourceGather:
			acted, err = r.runGatherOrder(ctx, d, o)
		case orders.SourceMonster:
			acted, err = r.runMonsterOrder(ctx, d, o)
		case orders.SourceCraft:
			acted, err = r.runCraftOrder(ctx, d, o)
		}
		if acted || err != nil {
			return acted, err
		}
	}
	return false, nil
}

func (r *SkillRotation) runGatherOrder(ctx context.Context, d *Deps, o orders.Order) (bool, error) {
	name := d.Char.Name()
	if o.SourceCode == "" {
		until := d.Clock.Now().Add(orders.DefaultGatherBlock)
		d.Board.BlockOrder(orders.GlobalChar, o.ID, orders.ReasonMissingGatherSource, &until)
		return false, nil
	}
	if o.GatherSkill != "" && d.Char.SkillLevel(o.GatherSkill) < o.SourceLevel {
		d.Board.BlockOrder(name, o.ID, orders.ReasonInsufficientSkill, nil)
		return false, nil
	}
	if _, err := d.World.Resource(ctx, o.SourceCode); err != nil {
		if api.IsKind(err, api.KindNotFound) {
			d.Board.BlockOrder(orders.GlobalChar, o.ID, orders.ReasonNoMapLocation, nil)
			return false, nil
		}
		return false, err
	}
	tile, ok, err := r.locateSource(ctx, d, "resource", o.SourceCode)
	if err != nil {
		return false, err
	}
	if !ok {
		// The node exists but is off the map right now, so it only
		// spawns during an event. Retry once the block lapses.
		until := d.Clock.Now().Add(orders.DefaultGatherBlock)
		d.Board.BlockOrder(orders.GlobalChar, o.ID, orders.ReasonEventOnlyNotActive, &until)
		return false, nil
	}

	claimed, ok := d.Board.ClaimOrder(ctx, o.ID, name, d.Lease)
	if !ok {
		return false, nil
	}
	err = r.workOrder(ctx, d, claimed, tile, "gather", func(ctx context.Context) (*api.ActionResult, error) {
		return d.API.Gather(ctx, name)
	})
	d.Board.ReleaseClaim(ctx, o.ID, name)
	return true, err
}

func (r *SkillRotation) runMonsterOrder(ctx context.Context, d *Deps, o orders.Order) (bool, error) {
	name := d.Char.Name()
	monster, err := d.World.Monster(ctx, o.SourceCode)
	if err != nil {
		if api.IsKind(err, api.KindNotFound) {
			d.Board.BlockOrder(orders.GlobalChar, o.ID, orders.ReasonNoMapLocation, nil)
			return false, nil
		}
		return false, err
	}
	live := d.Char.Get()
	if !combat.CanBeatMonster(live.Stats(), monster.Stats()) {
		// Gear changes can flip this, so the block is time-bounded.
		until := d.Clock.Now().Add(orders.DefaultGatherBlock)
		d.Board.BlockOrder(name, o.ID, orders.ReasonInsufficientSkill, &until)
		return false, nil
	}
	tile, ok, err := r.locateSource(ctx, d, "monster", o.SourceCode)
	if err != nil {
		return false, err
	}
	if !ok {
		until := d.Clock.Now().Add(orders.DefaultGatherBlock)
		d.Board.BlockOrder(orders.GlobalChar, o.ID, orders.ReasonEventOnlyNotActive, &until)
		return false, nil
	}

	claimed, ok := d.Board.ClaimOrder(ctx, o.ID, name, d.Lease)
	if !ok {
		return false, nil
	}
	mstats := monster.Stats()
	err = r.workOrder(ctx, d, claimed, tile, "fight", func(ctx context.Context) (*api.ActionResult, error) {
		live := d.Char.Get()
		if !combat.CanBeatMonster(live.Stats(), mstats) {
			return nil, errStopWork
		}
		return d.API.Fight(ctx, name)
	})
	d.Board.ReleaseClaim(ctx, o.ID, name)
	return true, err
}

// errStopWork is a sentinel the work callback returns to end the loop
// without failing the order.
var errStopWork = errors.New("routines: stop work loop")

// workOrder moves to the source tile, runs the action until the claimed
// quantity is in hand or the inventory fills, and banks the haul. The
// deposit hook on the bank layer credits the order.
func (r *SkillRotation) workOrder(ctx context.Context, d *Deps, o orders.Order, tile api.MapTile, actName string, act func(context.Context) (*api.ActionResult, error)) error {
	if err := moveTo(ctx, d, tile.X, tile.Y); err != nil {
		return err
	}
	want := o.RemainingQty
	if room := d.Char.InventoryCapacity() - d.Char.InventoryCount(); room < want {
		want = room
	}
	start := d.Char.ItemCount(o.ItemCode)
	for i := 0; i < orderLoopCap; i++ {
		if d.Char.ItemCount(o.ItemCode)-start >= want {
			break
		}
		if d.Char.InventoryCount() >= d.Char.InventoryCapacity() {
			break
		}
		res, err := act(ctx)
		if errors.Is(err, errStopWork) {
			break
		}
		if err := perform(ctx, d, actName, res, err); err != nil {
			return err
		}
		if res.Character == nil {
			if err := d.Char.Refresh(ctx); err != nil {
				return err
			}
		}
	}
	have := d.Char.ItemCount(o.ItemCode)
	if have <= 0 {
		return nil
	}
	return d.Bank.Deposit(ctx, d.Char, []api.SimpleItem{{Code: o.ItemCode, Quantity: have}})
}

func (r *SkillRotation) runCraftOrder(ctx context.Context, d *Deps, o orders.Order) (bool, error) {
	name := d.Char.Name()
	item, err := d.World.Item(ctx, o.ItemCode)
	if err != nil {
		if api.IsKind(err, api.KindNotFound) {
			d.Board.BlockOrder(orders.GlobalChar, o.ID, orders.ReasonNoMapLocation, nil)
			return false, nil
		}
		return false, err
	}
	if item.Craft == nil {
		d.Board.BlockOrder(orders.GlobalChar, o.ID, orders.ReasonMissingGatherSource, nil)
		return false, nil
	}
	if d.Char.SkillLevel(item.Craft.Skill) < item.Craft.Level {
		d.Board.BlockOrder(name, o.ID, orders.ReasonInsufficientSkill, nil)
		return false, nil
	}
	tile, ok, err := r.locateSource(ctx, d, "workshop", item.Craft.Skill)
	if err != nil {
		return false, err
	}
	if !ok {
		d.Board.BlockOrder(orders.GlobalChar, o.ID, orders.ReasonNoMapLocation, nil)
		return false, nil
	}

	crafts := r.craftBatchSize(d, o, item.Craft)
	if crafts <= 0 {
		return false, nil
	}

	claimed, ok := d.Board.ClaimOrder(ctx, o.ID, name, d.Lease)
	if !ok {
		return false, nil
	}
	err = r.workCraftOrder(ctx, d, claimed, item.Craft, tile, crafts)
	d.Board.ReleaseClaim(ctx, o.ID, name)
	return true, err
}

// craftBatchSize sizes one crafting run: bounded by the order remainder,
// bank availability of every input, and inventory room for the inputs.
func (r *SkillRotation) craftBatchSize(d *Deps, o orders.Order, craft *api.ItemCraft) int {
	per := craft.Quantity
	if per <= 0 {
		per = 1
	}
	crafts := (o.RemainingQty + per - 1) / per

	inputsPerCraft := 0
	for _, in := range craft.Items {
		if in.Quantity <= 0 {
			continue
		}
		inputsPerCraft += in.Quantity
		if max := d.Ledger.AvailableBankCount(in.Code, d.Char) / in.Quantity; max < crafts {
			crafts = max
		}
	}
	if inputsPerCraft > 0 {
		room := d.Char.InventoryCapacity() - d.Char.InventoryCount()
		if max := room / inputsPerCraft; max < crafts {
			crafts = max
		}
	}
	return crafts
}

func (r *SkillRotation) workCraftOrder(ctx context.Context, d *Deps, o orders.Order, craft *api.ItemCraft, tile api.MapTile, crafts int) error {
	requests := make([]api.SimpleItem, 0, len(craft.Items))
	for _, in := range craft.Items {
		if in.Quantity <= 0 {
			continue
		}
		requests = append(requests, api.SimpleItem{Code: in.Code, Quantity: in.Quantity * crafts})
	}
	result, err := d.Bank.Withdraw(ctx, d.Char, requests, bank.WithdrawOptions{
		Mode:              bank.Strict,
		RetryStaleOnce:    true,
		ThrowOnAllSkipped: true,
	})
	if err != nil {
		if errors.Is(err, bank.ErrNothingWithdrawn) {
			return nil
		}
		return err
	}
	if len(result.Skipped) > 0 {
		// A partial input set cannot craft; put the rest back and let a
		// later pass retry once the bank restocks.
		if len(result.Withdrawn) > 0 {
			if err := d.Bank.Deposit(ctx, d.Char, result.Withdrawn); err != nil {
				return err
			}
		}
		return nil
	}

	if err := moveTo(ctx, d, tile.X, tile.Y); err != nil {
		return err
	}
	res, err := d.API.Craft(ctx, d.Char.Name(), o.ItemCode, crafts)
	if err := perform(ctx, d, "craft", res, err); err != nil {
		return err
	}
	have := d.Char.ItemCount(o.ItemCode)
	if have <= 0 {
		return nil
	}
	return d.Bank.Deposit(ctx, d.Char, []api.SimpleItem{{Code: o.ItemCode, Quantity: have}})
}

// locateSource resolves a content tile, falling back to live event maps
// for content that only spawns during events.
func (r *SkillRotation) locateSource(ctx context.Context, d *Deps, contentType, code string) (api.MapTile, bool, error) {
	live := d.Char.Get()
	tile, ok, err := d.World.LocateNearest(ctx, contentType, code, live.X, live.Y)
	if err != nil || ok {
		return tile, ok, err
	}
	events, err := d.World.ActiveEvents(ctx)
	if err != nil {
		return api.MapTile{}, false, nil
	}
	for _, ev := range events {
		if ev.Map.Content != nil && ev.Map.Content.Code == code {
			return ev.Map, true, nil
		}
	}
	return api.MapTile{}, false, nil
}

// -----------------------------------------------------------------------------
// Fallback branches
// -----------------------------------------------------------------------------

// gatherBranch trains one of the character's rotation skills at the best
// node it can work.
func (r *SkillRotation) gatherBranch(ctx context.Context, d *Deps) (bool, error) {
	skills := d.Char.Settings().Rotation.Skills
	if len(skills) == 0 {
		return false, nil
	}
	skill := skills[r.rng.Intn(len(skills))]

	tiles, err := d.World.Locate(ctx, "resource", "")
	if err != nil {
		return false, err
	}
	live := d.Char.Get()
	var best *api.MapTile
	bestLevel := -1
	for i := range tiles {
		tile := &tiles[i]
		if tile.Content == nil {
			continue
		}
		node, err := d.World.Resource(ctx, tile.Content.Code)
		if err != nil {
			continue
		}
		if node.Skill != skill || node.Level > d.Char.SkillLevel(skill) {
			continue
		}
		if node.Level > bestLevel ||
			(node.Level == bestLevel && closerTo(live.X, live.Y, *tile, *best)) {
			best, bestLevel = tile, node.Level
		}
	}
	if best == nil {
		return false, nil
	}

	if err := moveTo(ctx, d, best.X, best.Y); err != nil {
		return true, err
	}
	threshold := d.Char.Settings().Deposit.ThresholdPct
	for i := 0; i < gatherLoopCap; i++ {
		if float64(d.Char.InventoryCount()) >= threshold*float64(d.Char.InventoryCapacity()) {
			break
		}
		res, err := d.API.Gather(ctx, d.Char.Name())
		if err := perform(ctx, d, "gather", res, err); err != nil {
			return true, err
		}
		if res.Character == nil {
			if err := d.Char.Refresh(ctx); err != nil {
				return true, err
			}
		}
	}
	return true, nil
}

// craftBranch only works craft orders; freestyle crafting without a
// requester would just churn bank materials.
func (r *SkillRotation) craftBranch(ctx context.Context, d *Deps) (bool, error) {
	name := d.Char.Name()
	for _, o := range d.Board.Open() {
		if o.SourceType != orders.SourceCraft {
			continue
		}
		if blocked, _ := d.Board.IsOrderBlocked(name, o.ID); blocked {
			continue
		}
		acted, err := r.runCraftOrder(ctx, d, o)
		if acted || err != nil {
			return acted, err
		}
	}
	return false, nil
}

// combatBranch grinds the character's active monster task.
func (r *SkillRotation) combatBranch(ctx context.Context, d *Deps) (bool, error) {
	live := d.Char.Get()
	if live.TaskType != "monsters" || live.Task == "" {
		return false, nil
	}
	if live.TaskTotal > 0 && live.TaskProgress >= live.TaskTotal {
		return false, nil
	}
	monster, err := d.World.Monster(ctx, live.Task)
	if err != nil {
		if api.IsKind(err, api.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	if !combat.CanBeatMonster(live.Stats(), monster.Stats()) {
		return false, nil
	}
	tile, ok, err := r.locateSource(ctx, d, "monster", live.Task)
	if err != nil || !ok {
		return false, err
	}

	if err := moveTo(ctx, d, tile.X, tile.Y); err != nil {
		return true, err
	}
	for i := 0; i < fightLoopCap; i++ {
		live = d.Char.Get()
		if live.TaskTotal > 0 && live.TaskProgress >= live.TaskTotal {
			break
		}
		if !combat.CanBeatMonster(live.Stats(), monster.Stats()) {
			break
		}
		res, err := d.API.Fight(ctx, d.Char.Name())
		if err := perform(ctx, d, "fight", res, err); err != nil {
			return true, err
		}
		if res.Character == nil {
			if err := d.Char.Refresh(ctx); err != nil {
				return true, err
			}
		}
	}
	return true, nil
}

// taskBranch picks up a task when the character has none. Progressing an
// existing task belongs to the combat branch.
func (r *SkillRotation) taskBranch(ctx context.Context, d *Deps) (bool, error) {
	if d.Char.Get().Task != "" {
		return false, nil
	}
	tile, ok, err := locateTasksMaster(ctx, d, "")
	if err != nil || !ok {
		return false, err
	}
	if err := moveTo(ctx, d, tile.X, tile.Y); err != nil {
		return true, err
	}
	res, err := d.API.AcceptTask(ctx, d.Char.Name())
	return true, perform(ctx, d, "accept_task", res, err)
}

// achievementBranch chips away at the least-finished gathering
// achievement the character can work.
func (r *SkillRotation) achievementBranch(ctx context.Context, d *Deps) (bool, error) {
	if d.Account == "" {
		return false, nil
	}
	achievements, _, err := d.API.GetAccountAchievements(ctx, d.Account, api.PageFilter{Page: 1, Size: 100})
	if err != nil {
		return false, err
	}

	type candidate struct {
		achievement api.Achievement
		tile        api.MapTile
	}
	var pick *candidate
	var pickRatio float64
	live := d.Char.Get()
	for _, a := range achievements {
		if a.Type != "gathering" || a.Target == "" || a.Total <= 0 || a.Current >= a.Total {
			continue
		}
		node, err := d.World.Resource(ctx, a.Target)
		if err != nil || node.Level > d.Char.SkillLevel(node.Skill) {
			continue
		}
		tile, ok, err := d.World.LocateNearest(ctx, "resource", a.Target, live.X, live.Y)
		if err != nil || !ok {
			continue
		}
		ratio := float64(a.Current) / float64(a.Total)
		if pick == nil || ratio < pickRatio {
			pick = &candidate{achievement: a, tile: tile}
			pickRatio = ratio
		}
	}
	if pick == nil {
		return false, nil
	}

	if err := moveTo(ctx, d, pick.tile.X, pick.tile.Y); err != nil {
		return true, err
	}
	remaining := pick.achievement.Total - pick.achievement.Current
	if remaining > gatherLoopCap {
		remaining = gatherLoopCap
	}
	for i := 0; i < remaining; i++ {
		if d.Char.InventoryCount() >= d.Char.InventoryCapacity() {
			break
		}
		res, err := d.API.Gather(ctx, d.Char.Name())
		if err := perform(ctx, d, "gather", res, err); err != nil {
			return true, err
		}
	}
	return true, nil
}

func closerTo(x, y int, a, b api.MapTile) bool {
	da := abs(x-a.X) + abs(y-a.Y)
	db := abs(x-b.X) + abs(y-b.Y)
	return da < db
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
