package bank

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mbd888/gridagent/internal/api"
	"github.com/mbd888/gridagent/internal/config"
)

// Teleport potions and where they land the drinker.
var potionDestinations = map[string]Tile{
	"recall_potion":      {X: 0, Y: 0},
	"forest_bank_potion": {X: 7, Y: 13},
}

// Char is the slice of a character context the bank package drives.
// *character.Context satisfies it.
type Char interface {
	Name() string
	Get() api.Character
	IsAt(x, y int) bool
	ItemCount(code string) int
	HasItem(code string, qty int) bool
	InventoryCount() int
	InventoryCapacity() int
	InventoryEmptySlots() int
	Settings() config.CharacterSettings
	ApplyActionResult(res *api.ActionResult)
	WaitForCooldown(ctx context.Context) error
}

// TravelAPI is the slice of the game client the planner needs.
type TravelAPI interface {
	Move(ctx context.Context, name string, x, y int) (*api.ActionResult, error)
	UseItem(ctx context.Context, name, code string, qty int) (*api.ActionResult, error)
}

// method is one candidate way of reaching a bank.
type method struct {
	potion  string // empty for the direct walk
	bank    Tile
	seconds int
}

// Planner chooses and executes the cheapest route to a bank tile.
type Planner struct {
	apiClient TravelAPI
	tiles     *Tiles
	logger    *slog.Logger
}

// NewPlanner creates a travel planner over the shared tile cache.
func NewPlanner(apiClient TravelAPI, tiles *Tiles, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{apiClient: apiClient, tiles: tiles, logger: logger}
}

// EnsureAtBank moves the character onto a bank tile, choosing between a
// direct walk and carried teleport potions per the character's travel
// settings. A no-op when already standing on a bank.
func (p *Planner) EnsureAtBank(ctx context.Context, ch Char) error {
	live := ch.Get()
	if p.tiles.Contains(ctx, live.X, live.Y) {
		return nil
	}

	ts := ch.Settings().BankTravel
	direct, candidates := p.enumerate(ctx, ch, live.X, live.Y, ts)

	chosen := direct
	if ts.Mode == "smart" {
		for _, m := range candidates {
			if m.seconds < chosen.seconds {
				chosen = m
			}
		}
		// A potion route must beat walking by a real margin.
		if chosen.potion != "" && direct.seconds-chosen.seconds < ts.MinSavingsSeconds {
			chosen = direct
		}
	}

	if chosen.potion != "" {
		if err := p.usePotion(ctx, ch, chosen.potion); err != nil {
			p.logger.Warn("travel potion failed, walking instead",
				"char", ch.Name(), "potion", chosen.potion, "error", err)
			chosen = direct
		}
	}
	return p.moveTo(ctx, ch, chosen.bank)
}

// enumerate builds the direct method and one method per usable potion.
func (p *Planner) enumerate(ctx context.Context, ch Char, x, y int, ts config.TravelSettings) (method, []method) {
	directBank, directDist := p.tiles.Nearest(ctx, x, y)
	direct := method{bank: directBank, seconds: directDist * ts.MoveSecondsPerTile}
	if ts.IncludeReturnToOrigin {
		direct.seconds += manhattan(directBank.X, directBank.Y, x, y) * ts.MoveSecondsPerTile
	}

	var candidates []method
	for potion, dest := range potionDestinations {
		if !potionAllowed(potion, ts) || !ch.HasItem(potion, 1) {
			continue
		}
		bankTile, dist := p.tiles.Nearest(ctx, dest.X, dest.Y)
		secs := ts.ItemUseSeconds + dist*ts.MoveSecondsPerTile
		if ts.IncludeReturnToOrigin {
			secs += manhattan(bankTile.X, bankTile.Y, x, y) * ts.MoveSecondsPerTile
		}
		candidates = append(candidates, method{potion: potion, bank: bankTile, seconds: secs})
	}
	return direct, candidates
}

func potionAllowed(potion string, ts config.TravelSettings) bool {
	switch potion {
	case "recall_potion":
		return ts.AllowRecall
	case "forest_bank_potion":
		return ts.AllowForestBank
	}
	return false
}

// usePotion drinks the teleport potion and waits out its cooldown.
func (p *Planner) usePotion(ctx context.Context, ch Char, potion string) error {
	res, err := p.apiClient.UseItem(ctx, ch.Name(), potion, 1)
	if err != nil {
		return fmt.Errorf("use %s: %w", potion, err)
	}
	ch.ApplyActionResult(res)
	return ch.WaitForCooldown(ctx)
}

// moveTo walks the character to the tile and waits out the move cooldown.
func (p *Planner) moveTo(ctx context.Context, ch Char, tile Tile) error {
	if ch.IsAt(tile.X, tile.Y) {
		return nil
	}
	res, err := p.apiClient.Move(ctx, ch.Name(), tile.X, tile.Y)
	if err != nil {
		return fmt.Errorf("move to bank (%d,%d): %w", tile.X, tile.Y, err)
	}
	ch.ApplyActionResult(res)
	return ch.WaitForCooldown(ctx)
}
