package routines

import (
	"context"
)

// DepositBank empties a near-full inventory into the shared bank.
//
// Order of operations matters: selling and recycling both need the items
// still in hand, so they run before the deposit. Gold goes last since
// selling raises it.
type DepositBank struct{}

func (DepositBank) Name() string  { return "deposit_bank" }
func (DepositBank) Priority() int { return 50 }

func (DepositBank) CanRun(_ context.Context, d *Deps) bool {
	capacity := d.Char.InventoryCapacity()
	if capacity <= 0 {
		return false
	}
	threshold := d.Char.Settings().Deposit.ThresholdPct
	return float64(d.Char.InventoryCount()) >= threshold*float64(capacity)
}

func (r DepositBank) Execute(ctx context.Context, d *Deps) error {
	s := d.Char.Settings().Deposit

	if len(s.SellCodes) > 0 {
		r.sellListed(ctx, d, s.SellCodes)
	}
	if s.RecycleDuplicates {
		r.recycleDuplicates(ctx, d)
	}

	keep := make(map[string]int, len(s.KeepByCode)+1)
	for code, qty := range s.KeepByCode {
		keep[code] = qty
	}
	// Items-type task turn-ins need the materials in hand.
	live := d.Char.Get()
	if live.TaskType == "items" && live.Task != "" {
		if need := live.TaskTotal - live.TaskProgress; need > keep[live.Task] {
			keep[live.Task] = need
		}
	}
	if err := d.Bank.DepositAll(ctx, d.Char, keep); err != nil {
		return err
	}

	if s.DepositGold {
		if gold := d.Char.Get().Gold; gold > s.GoldKeep {
			return d.Bank.DepositGold(ctx, d.Char, gold-s.GoldKeep)
		}
	}
	return nil
}

// sellListed offloads configured item codes at the grand exchange. Best
// effort: a failed listing lookup or sale logs and moves on so the
// deposit itself still happens.
func (DepositBank) sellListed(ctx context.Context, d *Deps, codes []string) {
	for _, code := range codes {
		qty := d.Char.ItemCount(code)
		if qty == 0 {
			continue
		}
		listing, err := d.API.GetGrandExchangeItem(ctx, code)
		if err != nil || listing.SellPrice <= 0 {
			d.Logger.Debug("skipping unsellable item", "char", d.Char.Name(), "code", code)
			continue
		}
		live := d.Char.Get()
		tile, ok, err := d.World.LocateNearest(ctx, "grand_exchange", "", live.X, live.Y)
		if err != nil || !ok {
			d.Logger.Warn("no grand exchange reachable", "char", d.Char.Name(), "error", err)
			return
		}
		if err := moveTo(ctx, d, tile.X, tile.Y); err != nil {
			d.Logger.Warn("moving to grand exchange failed", "char", d.Char.Name(), "error", err)
			return
		}
		res, err := d.API.SellGrandExchange(ctx, d.Char.Name(), code, qty, listing.SellPrice)
		if err := perform(ctx, d, "ge_sell", res, err); err != nil {
			d.Logger.Warn("grand exchange sale failed", "char", d.Char.Name(), "code", code, "error", err)
		}
	}
}

// recycleDuplicates feeds spare crafted equipment back into its workshop
// when the account already holds another copy somewhere.
func (DepositBank) recycleDuplicates(ctx context.Context, d *Deps) {
	for _, slot := range d.Char.Get().Inventory {
		if slot.Code == "" || slot.Quantity == 0 {
			continue
		}
		item, err := d.World.Item(ctx, slot.Code)
		if err != nil || item.Craft == nil || !isEquipment(item.Type) {
			continue
		}
		if d.Ledger.GlobalCount(slot.Code) <= 1 {
			continue
		}
		live := d.Char.Get()
		tile, ok, err := d.World.LocateNearest(ctx, "workshop", item.Craft.Skill, live.X, live.Y)
		if err != nil || !ok {
			continue
		}
		if err := moveTo(ctx, d, tile.X, tile.Y); err != nil {
			d.Logger.Warn("moving to workshop failed", "char", d.Char.Name(), "error", err)
			return
		}
		res, err := d.API.Recycle(ctx, d.Char.Name(), slot.Code, slot.Quantity)
		if err := perform(ctx, d, "recycle", res, err); err != nil {
			d.Logger.Warn("recycle failed", "char", d.Char.Name(), "code", slot.Code, "error", err)
			return
		}
	}
}

func isEquipment(itemType string) bool {
	switch itemType {
	case "weapon", "shield", "helmet", "body_armor", "leg_armor", "boots", "ring", "amulet", "artifact":
		return true
	}
	return false
}
