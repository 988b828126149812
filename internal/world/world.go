// Package world resolves content codes to map locations and caches the
// static game data routines consult every tick: monster and resource
// descriptions, item recipes, and the live event list.
//
// Static lookups (monsters, resources, items) never expire; map
// locations and active events carry short TTLs since events move tiles.
package world

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mbd888/gridagent/internal/api"
	"github.com/mbd888/gridagent/internal/clock"
)

// LocationTTL bounds how long resolved map locations are served.
const LocationTTL = 5 * time.Minute

// EventsTTL bounds how long the active-event list is served.
const EventsTTL = 30 * time.Second

// API is the slice of the game client the resolver needs.
type API interface {
	GetMaps(ctx context.Context, f api.MapsFilter) ([]api.MapTile, int, error)
	GetMonster(ctx context.Context, code string) (*api.Monster, error)
	GetResource(ctx context.Context, code string) (*api.Resource, error)
	GetItem(ctx context.Context, code string) (*api.Item, error)
	GetActiveEvents(ctx context.Context) ([]api.ActiveEvent, error)
}

type locationEntry struct {
	tiles     []api.MapTile
	fetchedAt time.Time
}

// World is the shared resolver handed to every character's routines.
type World struct {
	apiClient API
	clock     clock.Clock
	logger    *slog.Logger

	sf singleflight.Group

	mu        sync.Mutex
	locations map[string]locationEntry // contentType + "\x00" + code
	monsters  map[string]*api.Monster
	resources map[string]*api.Resource
	items     map[string]*api.Item

	events          []api.ActiveEvent
	eventsFetchedAt time.Time
}

// New creates a resolver over the game API.
func New(apiClient API, ck clock.Clock, logger *slog.Logger) *World {
	if logger == nil {
		logger = slog.Default()
	}
	return &World{
		apiClient: apiClient,
		clock:     ck,
		logger:    logger,
		locations: map[string]locationEntry{},
		monsters:  map[string]*api.Monster{},
		resources: map[string]*api.Resource{},
		items:     map[string]*api.Item{},
	}
}

// Locate returns every map tile holding the given content. An empty
// result with a nil error means the content has no map location.
func (w *World) Locate(ctx context.Context, contentType, code string) ([]api.MapTile, error) {
	key := contentType + "\x00" + code

	w.mu.Lock()
	entry, ok := w.locations[key]
	fresh := ok && w.clock.Now().Sub(entry.fetchedAt) < LocationTTL
	w.mu.Unlock()
	if fresh {
		return entry.tiles, nil
	}

	result, err, _ := w.sf.Do("loc:"+key, func() (any, error) {
		var tiles []api.MapTile
		for pageNum := 1; ; pageNum++ {
			page, pages, err := w.apiClient.GetMaps(ctx, api.MapsFilter{
				ContentType: contentType,
				ContentCode: code,
				Page:        pageNum,
				Size:        100,
			})
			if err != nil {
				return nil, err
			}
			tiles = append(tiles, page...)
			if pageNum >= pages || pages == 0 {
				break
			}
		}
		w.mu.Lock()
		w.locations[key] = locationEntry{tiles: tiles, fetchedAt: w.clock.Now()}
		w.mu.Unlock()
		return tiles, nil
	})
	if err != nil {
		return nil, fmt.Errorf("locate %s %s: %w", contentType, code, err)
	}
	return result.([]api.MapTile), nil
}

// LocateNearest returns the tile of the given content closest to (x, y).
// ok is false when the content has no map location.
func (w *World) LocateNearest(ctx context.Context, contentType, code string, x, y int) (api.MapTile, bool, error) {
	tiles, err := w.Locate(ctx, contentType, code)
	if err != nil || len(tiles) == 0 {
		return api.MapTile{}, false, err
	}
	best := tiles[0]
	bestDist := distance(x, y, best.X, best.Y)
	for _, tile := range tiles[1:] {
		if d := distance(x, y, tile.X, tile.Y); d < bestDist {
			best, bestDist = tile, d
		}
	}
	return best, true, nil
}

// Monster returns the cached description of a monster type.
func (w *World) Monster(ctx context.Context, code string) (*api.Monster, error) {
	w.mu.Lock()
	cached, ok := w.monsters[code]
	w.mu.Unlock()
	if ok {
		return cached, nil
	}

	result, err, _ := w.sf.Do("monster:"+code, func() (any, error) {
		m, err := w.apiClient.GetMonster(ctx, code)
		if err != nil {
			return nil, err
		}
		w.mu.Lock()
		w.monsters[code] = m
		w.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*api.Monster), nil
}

// Resource returns the cached description of a resource node type.
func (w *World) Resource(ctx context.Context, code string) (*api.Resource, error) {
	w.mu.Lock()
	cached, ok := w.resources[code]
	w.mu.Unlock()
	if ok {
		return cached, nil
	}

	result, err, _ := w.sf.Do("resource:"+code, func() (any, error) {
		r, err := w.apiClient.GetResource(ctx, code)
		if err != nil {
			return nil, err
		}
		w.mu.Lock()
		w.resources[code] = r
		w.mu.Unlock()
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*api.Resource), nil
}

// Item returns the cached description of an item type.
func (w *World) Item(ctx context.Context, code string) (*api.Item, error) {
	w.mu.Lock()
	cached, ok := w.items[code]
	w.mu.Unlock()
	if ok {
		return cached, nil
	}

	result, err, _ := w.sf.Do("item:"+code, func() (any, error) {
		item, err := w.apiClient.GetItem(ctx, code)
		if err != nil {
			return nil, err
		}
		w.mu.Lock()
		w.items[code] = item
		w.mu.Unlock()
		return item, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*api.Item), nil
}

// ActiveEvents returns the live event list through a short cache so six
// workers polling each tick do not hammer the endpoint.
func (w *World) ActiveEvents(ctx context.Context) ([]api.ActiveEvent, error) {
	w.mu.Lock()
	fresh := !w.eventsFetchedAt.IsZero() && w.clock.Now().Sub(w.eventsFetchedAt) < EventsTTL
	cached := w.events
	w.mu.Unlock()
	if fresh {
		return cached, nil
	}

	result, err, _ := w.sf.Do("events", func() (any, error) {
		events, err := w.apiClient.GetActiveEvents(ctx)
		if err != nil {
			return nil, err
		}
		w.mu.Lock()
		w.events = events
		w.eventsFetchedAt = w.clock.Now()
		w.mu.Unlock()
		return events, nil
	})
	if err != nil {
		w.mu.Lock()
		fetched := !w.eventsFetchedAt.IsZero()
		cached = w.events
		w.mu.Unlock()
		if fetched {
			w.logger.Warn("event refresh failed, serving stale list", "error", err)
			return cached, nil
		}
		return nil, err
	}
	return result.([]api.ActiveEvent), nil
}

func distance(x1, y1, x2, y2 int) int {
	dx, dy := x1-x2, y1-y2
	if dx < 0 {
		dx = -dx
	}
	if dy < 0 {
		dy = -dy
	}
	return dx + dy
}
