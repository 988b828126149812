package character

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/gridagent/internal/api"
	"github.com/mbd888/gridagent/internal/clock"
	"github.com/mbd888/gridagent/internal/config"
)

type stubFetcher struct {
	char api.Character
	err  error
}

func (s *stubFetcher) GetCharacter(_ context.Context, _ string) (*api.Character, error) {
	if s.err != nil {
		return nil, s.err
	}
	cp := s.char
	return &cp, nil
}

func newTestContext(t *testing.T, live api.Character) (*Context, *clock.Manual, *stubFetcher) {
	t.Helper()
	ck := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	fetcher := &stubFetcher{char: live}
	cs := config.CharacterSettings{}
	return New(live, cs, fetcher, ck), ck, fetcher
}

func sampleCharacter() api.Character {
	return api.Character{
		Name:              "Sable",
		X:                 2,
		Y:                 3,
		HP:                80,
		MaxHP:             100,
		MiningLevel:       12,
		InventoryMaxItems: 100,
		Inventory: []api.InventorySlot{
			{Slot: 1, Code: "iron_ore", Quantity: 30},
			{Slot: 2, Code: "feather", Quantity: 5},
			{Slot: 3},
		},
	}
}

func TestInventoryHelpers(t *testing.T) {
	ctx, _, _ := newTestContext(t, sampleCharacter())

	assert.Equal(t, 35, ctx.InventoryCount())
	assert.Equal(t, 100, ctx.InventoryCapacity())
	assert.Equal(t, 1, ctx.InventoryEmptySlots())
	assert.Equal(t, 30, ctx.ItemCount("iron_ore"))
	assert.True(t, ctx.HasItem("feather", 0))
	assert.True(t, ctx.HasItem("feather", 5))
	assert.False(t, ctx.HasItem("feather", 6))
	assert.False(t, ctx.HasItem("spruce_wood", 1))
}

func TestIsAtAndSkillLevel(t *testing.T) {
	ctx, _, _ := newTestContext(t, sampleCharacter())
	assert.True(t, ctx.IsAt(2, 3))
	assert.False(t, ctx.IsAt(0, 0))
	assert.Equal(t, 12, ctx.SkillLevel("mining"))
	assert.Equal(t, 0, ctx.SkillLevel("fishing"))
}

func TestApplyActionResultSetsCooldown(t *testing.T) {
	ctx, ck, _ := newTestContext(t, sampleCharacter())

	updated := sampleCharacter()
	updated.X, updated.Y = 4, 1
	ctx.ApplyActionResult(&api.ActionResult{
		Cooldown:  api.Cooldown{TotalSeconds: 5, RemainingSeconds: 5},
		Character: &updated,
	})

	assert.True(t, ctx.IsAt(4, 1))
	assert.Equal(t, ck.Now().Add(5*time.Second), ctx.CooldownUntil())
}

func TestWaitForCooldown(t *testing.T) {
	ctx, ck, _ := newTestContext(t, sampleCharacter())
	ctx.ApplyActionResult(&api.ActionResult{Cooldown: api.Cooldown{RemainingSeconds: 10}})

	done := make(chan error, 1)
	go func() { done <- ctx.WaitForCooldown(context.Background()) }()

	select {
	case <-done:
		t.Fatal("WaitForCooldown returned before cooldown elapsed")
	case <-time.After(20 * time.Millisecond):
	}

	ck.Advance(10 * time.Second)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForCooldown did not return after advance")
	}
}

func TestRefreshClearsStale(t *testing.T) {
	ctx, ck, fetcher := newTestContext(t, sampleCharacter())

	ctx.MarkStale("network blip")
	stale, reason := ctx.Stale()
	assert.True(t, stale)
	assert.Equal(t, "network blip", reason)
	assert.True(t, ctx.NeedsRefresh())

	fetcher.char.HP = 55
	require.NoError(t, ctx.Refresh(context.Background()))

	stale, _ = ctx.Stale()
	assert.False(t, stale)
	assert.Equal(t, 55, ctx.Get().HP)

	// Fresh snapshot does not need refresh until StaleAfter passes.
	assert.False(t, ctx.NeedsRefresh())
	ck.Advance(StaleAfter + time.Second)
	assert.True(t, ctx.NeedsRefresh())
}
