package routines

import (
	"context"
)

// restLoopCap bounds the rest loop against a server that stops returning
// updated snapshots.
const restLoopCap = 40

// Rest brings the character's HP back above the configured target. It is
// the highest-priority routine so a wounded character never walks into
// another fight first.
type Rest struct{}

func (Rest) Name() string  { return "rest" }
func (Rest) Priority() int { return 100 }

func (Rest) CanRun(_ context.Context, d *Deps) bool {
	live := d.Char.Get()
	trigger := d.Char.Settings().Rest.TriggerPct
	return live.MaxHP > 0 && live.HP*100 <= trigger*live.MaxHP
}

func (Rest) Execute(ctx context.Context, d *Deps) error {
	target := d.Char.Settings().Rest.TargetPct
	for i := 0; i < restLoopCap; i++ {
		live := d.Char.Get()
		if live.MaxHP <= 0 || live.HP*100 >= target*live.MaxHP {
			return nil
		}
		res, err := d.API.Rest(ctx, d.Char.Name())
		if err := perform(ctx, d, "rest", res, err); err != nil {
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
