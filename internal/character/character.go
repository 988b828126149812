// Package character wraps one character's live server state.
//
// Each character is mutated only by its own scheduler worker; the status
// bus and dashboard read immutable copies. The lock here exists for those
// cross-thread reads, not for write/write races.
package character

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/gridagent/internal/api"
	"github.com/mbd888/gridagent/internal/clock"
	"github.com/mbd888/gridagent/internal/config"
)

// StaleAfter is how old a snapshot may get before the scheduler refreshes
// it at the top of the loop.
const StaleAfter = 30 * time.Second

// Fetcher re-fetches one character from the server.
type Fetcher interface {
	GetCharacter(ctx context.Context, name string) (*api.Character, error)
}

// Context is the per-character façade handed to routines.
type Context struct {
	name    string
	fetcher Fetcher
	clock   clock.Clock

	mu            sync.RWMutex
	live          api.Character
	settings      config.CharacterSettings
	cooldownUntil time.Time
	refreshedAt   time.Time
	stale         bool
	lastError     string
}

// New creates a character context from an initial server snapshot.
func New(live api.Character, settings config.CharacterSettings, fetcher Fetcher, ck clock.Clock) *Context {
	return &Context{
		name:        live.Name,
		fetcher:     fetcher,
		clock:       ck,
		live:        live,
		settings:    settings,
		refreshedAt: ck.Now(),
	}
}

// Name returns the stable character identifier.
func (c *Context) Name() string { return c.name }

// Get returns a copy of the live snapshot.
func (c *Context) Get() api.Character {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.live
}

// Settings returns this character's config subtree.
func (c *Context) Settings() config.CharacterSettings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// UpdateSettings swaps in a new config subtree (after a dashboard edit).
func (c *Context) UpdateSettings(cs config.CharacterSettings) {
	c.mu.Lock()
	c.settings = cs
	c.mu.Unlock()
}

// Refresh re-fetches the live snapshot from the server.
func (c *Context) Refresh(ctx context.Context) error {
	live, err := c.fetcher.GetCharacter(ctx, c.name)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", c.name, err)
	}
	c.mu.Lock()
	c.live = *live
	c.refreshedAt = c.clock.Now()
	c.stale = false
	c.lastError = ""
	if live.CooldownExpiration.After(c.cooldownUntil) {
		c.cooldownUntil = live.CooldownExpiration
	}
	c.mu.Unlock()
	return nil
}

// NeedsRefresh reports whether the snapshot is older than StaleAfter or
// the character was marked stale by an error.
func (c *Context) NeedsRefresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stale || c.clock.Now().Sub(c.refreshedAt) > StaleAfter
}

// MarkStale records an unexpected failure; the status bus surfaces it and
// the next loop iteration forces a refresh.
func (c *Context) MarkStale(reason string) {
	c.mu.Lock()
	c.stale = true
	c.lastError = reason
	c.mu.Unlock()
}

// Stale reports the stale flag and the last recorded error.
func (c *Context) Stale() (bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stale, c.lastError
}

// ApplyActionResult applies an action's cooldown and, when present, the
// updated character snapshot the server returned with it.
func (c *Context) ApplyActionResult(res *api.ActionResult) {
	if res == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if res.Character != nil {
		c.live = *res.Character
		c.refreshedAt = c.clock.Now()
	}
	remaining := time.Duration(res.Cooldown.RemainingSeconds) * time.Second
	if remaining <= 0 && !res.Cooldown.Expiration.IsZero() {
		c.cooldownUntil = res.Cooldown.Expiration
		return
	}
	c.cooldownUntil = c.clock.Now().Add(remaining)
}

// CooldownUntil returns the earliest next-action time.
func (c *Context) CooldownUntil() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cooldownUntil
}

// WaitForCooldown blocks until the character may act again.
func (c *Context) WaitForCooldown(ctx context.Context) error {
	return c.clock.SleepUntil(ctx, c.CooldownUntil())
}

// IsAt reports whether the character stands on (x, y).
func (c *Context) IsAt(x, y int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.live.X == x && c.live.Y == y
}

// ItemCount returns how many of code the character carries.
func (c *Context) ItemCount(code string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := 0
	for _, slot := range c.live.Inventory {
		if slot.Code == code {
			total += slot.Quantity
		}
	}
	return total
}

// HasItem reports whether the character carries at least qty of code.
// qty <= 0 means "at least one".
func (c *Context) HasItem(code string, qty int) bool {
	if qty <= 0 {
		qty = 1
	}
	return c.ItemCount(code) >= qty
}

// InventoryCount returns the total number of carried items.
func (c *Context) InventoryCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := 0
	for _, slot := range c.live.Inventory {
		total += slot.Quantity
	}
	return total
}

// InventoryCapacity returns the carry limit.
func (c *Context) InventoryCapacity() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.live.InventoryMaxItems
}

// InventoryEmptySlots returns how many unique-code slots remain free.
func (c *Context) InventoryEmptySlots() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	empty := 0
	for _, slot := range c.live.Inventory {
		if slot.Code == "" || slot.Quantity == 0 {
			empty++
		}
	}
	return empty
}

// SkillLevel returns the character's level in a named skill.
func (c *Context) SkillLevel(skill string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.live.SkillLevel(skill)
}
