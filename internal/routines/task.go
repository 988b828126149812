package routines

import (
	"context"
	"errors"
)

// ErrNoTasksMaster is returned when no task-giver tile exists on the map.
var ErrNoTasksMaster = errors.New("routines: no tasks master on the map")

// CompleteTask turns in a finished task and accepts the next one.
type CompleteTask struct{}

func (CompleteTask) Name() string  { return "complete_task" }
func (CompleteTask) Priority() int { return 45 }

func (CompleteTask) CanRun(_ context.Context, d *Deps) bool {
	live := d.Char.Get()
	return live.Task != "" && live.TaskTotal > 0 && live.TaskProgress >= live.TaskTotal
}

func (CompleteTask) Execute(ctx context.Context, d *Deps) error {
	live := d.Char.Get()
	tile, ok, err := locateTasksMaster(ctx, d, live.TaskType)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoTasksMaster
	}
	if err := moveTo(ctx, d, tile.X, tile.Y); err != nil {
		return err
	}
	res, err := d.API.CompleteTask(ctx, d.Char.Name())
	if err := perform(ctx, d, "complete_task", res, err); err != nil {
		return err
	}
	// Picking up the next task is best effort; standing taskless until
	// the rotation's task branch runs is fine.
	res, err = d.API.AcceptTask(ctx, d.Char.Name())
	if err := perform(ctx, d, "accept_task", res, err); err != nil {
		d.Logger.Warn("accepting next task failed", "char", d.Char.Name(), "error", err)
	}
	return nil
}
