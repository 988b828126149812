package routines

import (
	"context"
	"time"

	"github.com/mbd888/gridagent/internal/api"
	"github.com/mbd888/gridagent/internal/combat"
)

// eventFightCap bounds one event visit so a character cannot camp an
// event through a whole lease window.
const eventFightCap = 20

// Event sends the character to a configured world event while it is
// worth the trip: enough time left, a monster tier the character can
// handle, and a simulated winrate above the configured floor.
type Event struct {
	lastRun time.Time
	target  *eventTarget
}

type eventTarget struct {
	tile    api.MapTile
	monster string
	until   time.Time
}

func (*Event) Name() string  { return "event" }
func (*Event) Priority() int { return 90 }

func (r *Event) CanRun(ctx context.Context, d *Deps) bool {
	s := d.Char.Settings().Event
	if !s.Enabled || len(s.Events) == 0 {
		return false
	}
	now := d.Clock.Now()
	if !r.lastRun.IsZero() && now.Sub(r.lastRun) < time.Duration(s.CooldownMs)*time.Millisecond {
		return false
	}

	events, err := d.World.ActiveEvents(ctx)
	if err != nil {
		return false
	}
	wanted := make(map[string]bool, len(s.Events))
	for _, code := range s.Events {
		wanted[code] = true
	}

	for _, ev := range events {
		if !wanted[ev.Code] {
			continue
		}
		if ev.Expiration.Sub(now) < time.Duration(s.MinTimeRemainingMs)*time.Millisecond {
			continue
		}
		content := ev.Map.Content
		if content == nil || content.Type != "monster" {
			continue
		}
		monster, err := d.World.Monster(ctx, content.Code)
		if err != nil {
			continue
		}
		if monsterTypeRank(monster.Type) > monsterTypeRank(s.MaxMonsterType) {
			continue
		}
		live := d.Char.Get()
		if combat.WinChancePct(live.Stats(), monster.Stats()) < s.MinWinratePct {
			continue
		}
		r.target = &eventTarget{tile: ev.Map, monster: content.Code, until: ev.Expiration}
		return true
	}
	return false
}

func (r *Event) Execute(ctx context.Context, d *Deps) error {
	r.lastRun = d.Clock.Now()
	target := r.target
	r.target = nil
	if target == nil {
		return nil
	}

	if err := moveTo(ctx, d, target.tile.X, target.tile.Y); err != nil {
		return err
	}
	monster, err := d.World.Monster(ctx, target.monster)
	if err != nil {
		return err
	}
	for i := 0; i < eventFightCap; i++ {
		if d.Clock.Now().After(target.until) {
			break
		}
		live := d.Char.Get()
		if !combat.CanBeatMonster(live.Stats(), monster.Stats()) {
			break
		}
		res, err := d.API.Fight(ctx, d.Char.Name())
		if err := perform(ctx, d, "fight", res, err); err != nil {
			return err
		}
		if res.Character == nil {
			if err := d.Char.Refresh(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// monsterTypeRank orders monster tiers for the maxMonsterType gate.
func monsterTypeRank(monsterType string) int {
	switch monsterType {
	case "elite":
		return 1
	case "boss":
		return 2
	}
	return 0
}
