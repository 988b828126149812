// Package bank moves characters to the bank and runs the guarded
// withdraw/deposit ladder against it.
//
// The package splits in three: a tile cache (where are the banks), a
// travel planner (cheapest way to stand on one), and the operations
// layer (reserve, call, apply delta, release). All operations ensure
// the character is at a bank before touching the API.
package bank

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mbd888/gridagent/internal/api"
	"github.com/mbd888/gridagent/internal/clock"
)

// TileCacheTTL is how long discovered bank tiles are served without
// re-querying the map.
const TileCacheTTL = 5 * time.Minute

// FallbackTile is used when discovery fails so workers are never stuck
// with zero known banks.
var FallbackTile = Tile{X: 4, Y: 1}

// Tile is a map position holding a bank.
type Tile struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// MapsAPI is the slice of the game client tile discovery needs.
type MapsAPI interface {
	GetMaps(ctx context.Context, f api.MapsFilter) ([]api.MapTile, int, error)
}

// Tiles caches the accessible bank tiles on the map.
type Tiles struct {
	apiClient MapsAPI
	clock     clock.Clock
	logger    *slog.Logger

	sf singleflight.Group

	mu        sync.Mutex
	tiles     []Tile
	fetchedAt time.Time
}

// NewTiles creates a bank-tile cache.
func NewTiles(apiClient MapsAPI, ck clock.Clock, logger *slog.Logger) *Tiles {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tiles{apiClient: apiClient, clock: ck, logger: logger}
}

// All returns every known accessible bank tile, refreshing the cache
// when it has expired. Discovery failures fall back to FallbackTile.
func (t *Tiles) All(ctx context.Context) []Tile {
	t.mu.Lock()
	fresh := !t.fetchedAt.IsZero() && t.clock.Now().Sub(t.fetchedAt) < TileCacheTTL
	cached := t.tiles
	t.mu.Unlock()
	if fresh {
		return cached
	}

	result, err, _ := t.sf.Do("banks", func() (any, error) {
		tiles, err := t.discover(ctx)
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.tiles = tiles
		t.fetchedAt = t.clock.Now()
		t.mu.Unlock()
		return tiles, nil
	})
	if err != nil {
		t.logger.Warn("bank tile discovery failed, using fallback", "error", err)
		if len(cached) > 0 {
			return cached
		}
		return []Tile{FallbackTile}
	}
	return result.([]Tile)
}

// discover queries all map pages for bank tiles. Tiles gated by access
// conditions are excluded; a character standing in front of a locked
// door is not at a bank.
func (t *Tiles) discover(ctx context.Context) ([]Tile, error) {
	var tiles []Tile
	for pageNum := 1; ; pageNum++ {
		mapped, pages, err := t.apiClient.GetMaps(ctx, api.MapsFilter{
			ContentType: "bank",
			Page:        pageNum,
			Size:        100,
		})
		if err != nil {
			return nil, err
		}
		for _, m := range mapped {
			if len(m.Conditions) > 0 {
				continue
			}
			tiles = append(tiles, Tile{X: m.X, Y: m.Y})
		}
		if pageNum >= pages || pages == 0 {
			break
		}
	}
	if len(tiles) == 0 {
		tiles = []Tile{FallbackTile}
	}
	return tiles, nil
}

// Nearest returns the closest bank tile to (x, y) and its Manhattan
// distance in tiles.
func (t *Tiles) Nearest(ctx context.Context, x, y int) (Tile, int) {
	best := FallbackTile
	bestDist := -1
	for _, tile := range t.All(ctx) {
		d := manhattan(x, y, tile.X, tile.Y)
		if bestDist == -1 || d < bestDist {
			best, bestDist = tile, d
		}
	}
	if bestDist == -1 {
		bestDist = manhattan(x, y, best.X, best.Y)
	}
	return best, bestDist
}

// Contains reports whether (x, y) is a known bank tile.
func (t *Tiles) Contains(ctx context.Context, x, y int) bool {
	for _, tile := range t.All(ctx) {
		if tile.X == x && tile.Y == y {
			return true
		}
	}
	return false
}

func manhattan(x1, y1, x2, y2 int) int {
	return abs(x1-x2) + abs(y1-y2)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
