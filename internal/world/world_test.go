package world

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/gridagent/internal/api"
	"github.com/mbd888/gridagent/internal/clock"
)

type fakeAPI struct {
	maps      []api.MapTile
	mapsErr   error
	monsters  map[string]*api.Monster
	resources map[string]*api.Resource
	items     map[string]*api.Item
	events    []api.ActiveEvent
	eventsErr error

	mapCalls     atomic.Int32
	monsterCalls atomic.Int32
	eventCalls   atomic.Int32
}

func (f *fakeAPI) GetMaps(_ context.Context, fl api.MapsFilter) ([]api.MapTile, int, error) {
	if fl.Page <= 1 {
		f.mapCalls.Add(1)
	}
	if f.mapsErr != nil {
		return nil, 0, f.mapsErr
	}
	var out []api.MapTile
	for _, m := range f.maps {
		if m.Content != nil && m.Content.Type == fl.ContentType && m.Content.Code == fl.ContentCode {
			out = append(out, m)
		}
	}
	return out, 1, nil
}

func (f *fakeAPI) GetMonster(_ context.Context, code string) (*api.Monster, error) {
	f.monsterCalls.Add(1)
	if m, ok := f.monsters[code]; ok {
		return m, nil
	}
	return nil, &api.Error{Kind: api.KindNotFound, Message: "monster not found"}
}

func (f *fakeAPI) GetResource(_ context.Context, code string) (*api.Resource, error) {
	if r, ok := f.resources[code]; ok {
		return r, nil
	}
	return nil, &api.Error{Kind: api.KindNotFound, Message: "resource not found"}
}

func (f *fakeAPI) GetItem(_ context.Context, code string) (*api.Item, error) {
	if i, ok := f.items[code]; ok {
		return i, nil
	}
	return nil, &api.Error{Kind: api.KindNotFound, Message: "item not found"}
}

func (f *fakeAPI) GetActiveEvents(context.Context) ([]api.ActiveEvent, error) {
	f.eventCalls.Add(1)
	if f.eventsErr != nil {
		return nil, f.eventsErr
	}
	return f.events, nil
}

func tileAt(x, y int, contentType, code string) api.MapTile {
	return api.MapTile{X: x, Y: y, Content: &api.MapContent{Type: contentType, Code: code}}
}

func newWorld(f *fakeAPI) (*World, *clock.Manual) {
	ck := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return New(f, ck, nil), ck
}

func TestLocateNearestPicksClosest(t *testing.T) {
	f := &fakeAPI{maps: []api.MapTile{
		tileAt(2, 2, "resource", "birch_tree"),
		tileAt(9, 9, "resource", "birch_tree"),
	}}
	w, _ := newWorld(f)

	tile, ok, err := w.LocateNearest(context.Background(), "resource", "birch_tree", 1, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, tile.X)

	tile, ok, err = w.LocateNearest(context.Background(), "resource", "birch_tree", 10, 10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 9, tile.X)
}

func TestLocateMissingContent(t *testing.T) {
	f := &fakeAPI{}
	w, _ := newWorld(f)

	_, ok, err := w.LocateNearest(context.Background(), "monster", "dragon", 0, 0)
	require.NoError(t, err)
	assert.False(t, ok, "no location is a resolvable outcome, not an error")
}

func TestLocationCacheTTL(t *testing.T) {
	f := &fakeAPI{maps: []api.MapTile{tileAt(2, 2, "resource", "birch_tree")}}
	w, ck := newWorld(f)

	_, _ = w.Locate(context.Background(), "resource", "birch_tree")
	_, _ = w.Locate(context.Background(), "resource", "birch_tree")
	assert.Equal(t, int32(1), f.mapCalls.Load())

	ck.Advance(LocationTTL + time.Second)
	_, _ = w.Locate(context.Background(), "resource", "birch_tree")
	assert.Equal(t, int32(2), f.mapCalls.Load())
}

func TestMonsterCachedForever(t *testing.T) {
	f := &fakeAPI{monsters: map[string]*api.Monster{
		"chicken": {Code: "chicken", HP: 60},
	}}
	w, ck := newWorld(f)

	m, err := w.Monster(context.Background(), "chicken")
	require.NoError(t, err)
	assert.Equal(t, 60, m.HP)

	ck.Advance(24 * time.Hour)
	_, err = w.Monster(context.Background(), "chicken")
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.monsterCalls.Load())
}

func TestItemRecipeLookup(t *testing.T) {
	f := &fakeAPI{items: map[string]*api.Item{
		"copper_dagger": {
			Code: "copper_dagger", Type: "weapon",
			Craft: &api.ItemCraft{
				Skill: "weaponcrafting", Level: 1,
				Items:    []api.SimpleItem{{Code: "copper", Quantity: 6}},
				Quantity: 1,
			},
		},
	}}
	w, _ := newWorld(f)

	item, err := w.Item(context.Background(), "copper_dagger")
	require.NoError(t, err)
	require.NotNil(t, item.Craft)
	assert.Equal(t, "weaponcrafting", item.Craft.Skill)
}

func TestActiveEventsCachedAndStaleOnFailure(t *testing.T) {
	f := &fakeAPI{events: []api.ActiveEvent{{Code: "bandit_camp"}}}
	w, ck := newWorld(f)

	events, err := w.ActiveEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)

	_, _ = w.ActiveEvents(context.Background())
	assert.Equal(t, int32(1), f.eventCalls.Load(), "within TTL no refetch")

	ck.Advance(EventsTTL + time.Second)
	f.eventsErr = errors.New("events endpoint down")
	events, err = w.ActiveEvents(context.Background())
	require.NoError(t, err, "stale list is served on refresh failure")
	assert.Len(t, events, 1)
}
