// Package status publishes immutable agent-state snapshots.
//
// A collector assembles one snapshot per tick from the character
// contexts, the order board, and the inventory ledger, and hands it to
// the bus. The dashboard's three read paths (REST, SSE, WebSocket) all
// consume the same bus, so every consumer sees the same consistent view.
package status

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/mbd888/gridagent/internal/api"
	"github.com/mbd888/gridagent/internal/character"
	"github.com/mbd888/gridagent/internal/clock"
	"github.com/mbd888/gridagent/internal/ledger"
	"github.com/mbd888/gridagent/internal/metrics"
	"github.com/mbd888/gridagent/internal/orders"
)

// DefaultInterval is how often the collector samples state.
const DefaultInterval = time.Second

// CharacterStatus is one character's slice of a snapshot.
type CharacterStatus struct {
	Name              string         `json:"name"`
	Level             int            `json:"level"`
	HP                int            `json:"hp"`
	MaxHP             int            `json:"maxHp"`
	X                 int            `json:"x"`
	Y                 int            `json:"y"`
	Gold              int            `json:"gold"`
	InventoryCount    int            `json:"inventoryCount"`
	InventoryCapacity int            `json:"inventoryCapacity"`
	Task              string         `json:"task,omitempty"`
	TaskType          string         `json:"taskType,omitempty"`
	TaskProgress      int            `json:"taskProgress,omitempty"`
	TaskTotal         int            `json:"taskTotal,omitempty"`
	Skills            map[string]int `json:"skills"`
	CooldownUntil     time.Time      `json:"cooldownUntil"`
	Stale             bool           `json:"stale,omitempty"`
	LastError         string         `json:"lastError,omitempty"`
}

// Snapshot is one immutable view of the whole agent. Consumers must not
// mutate it; the bus hands the same pointer to every subscriber.
type Snapshot struct {
	Time       time.Time         `json:"time"`
	Characters []CharacterStatus `json:"characters"`
	Orders     []orders.Order    `json:"orders"`
	Bank       ledger.Summary    `json:"bank"`
}

// equalIgnoringTime reports whether two snapshots carry the same state.
// The sample time always differs, so it is excluded.
func equalIgnoringTime(a, b *Snapshot) bool {
	if a == nil || b == nil {
		return a == b
	}
	ac, bc := *a, *b
	ac.Time, bc.Time = time.Time{}, time.Time{}
	ac.Bank.FetchedAt, bc.Bank.FetchedAt = time.Time{}, time.Time{}
	return reflect.DeepEqual(ac, bc)
}

// Bus holds the latest snapshot and fans new ones out to subscribers.
type Bus struct {
	mu      sync.RWMutex
	current *Snapshot
	subs    map[int]chan *Snapshot
	nextID  int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: map[int]chan *Snapshot{}}
}

// Publish stores the snapshot and notifies subscribers. A subscriber
// that has fallen behind loses intermediate snapshots, never the latest.
func (b *Bus) Publish(s *Snapshot) {
	b.mu.Lock()
	b.current = s
	channels := make([]chan *Snapshot, 0, len(b.subs))
	for _, ch := range b.subs {
		channels = append(channels, ch)
	}
	b.mu.Unlock()

	metrics.SnapshotPublishesTotal.Inc()
	for _, ch := range channels {
		select {
		case ch <- s:
		default:
			// Drain the stale snapshot and replace it with the new one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

// Current returns the latest snapshot, nil before the first publish.
func (b *Bus) Current() *Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

// Subscribe registers a change feed. The returned cancel func must be
// called to release the subscription.
func (b *Bus) Subscribe() (<-chan *Snapshot, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan *Snapshot, 1)
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return ch, cancel
}

// BoardReader is the order board surface the collector samples.
type BoardReader interface {
	Snapshot() []orders.Order
}

// LedgerReader is the ledger surface the collector samples.
type LedgerReader interface {
	Summarize() ledger.Summary
}

// Collector samples agent state into bus snapshots.
type Collector struct {
	chars    []*character.Context
	board    BoardReader
	ledger   LedgerReader
	bus      *Bus
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger

	last *Snapshot
}

// NewCollector wires a collector. interval <= 0 uses DefaultInterval.
func NewCollector(chars []*character.Context, board BoardReader, lg LedgerReader, bus *Bus, ck clock.Clock, interval time.Duration, logger *slog.Logger) *Collector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{chars: chars, board: board, ledger: lg, bus: bus, clock: ck, interval: interval, logger: logger}
}

// Collect assembles one snapshot.
func (c *Collector) Collect() *Snapshot {
	s := &Snapshot{
		Time:       c.clock.Now(),
		Characters: make([]CharacterStatus, 0, len(c.chars)),
	}
	for _, ch := range c.chars {
		live := ch.Get()
		stale, lastErr := ch.Stale()
		s.Characters = append(s.Characters, CharacterStatus{
			Name:              live.Name,
			Level:             live.Level,
			HP:                live.HP,
			MaxHP:             live.MaxHP,
			X:                 live.X,
			Y:                 live.Y,
			Gold:              live.Gold,
			InventoryCount:    ch.InventoryCount(),
			InventoryCapacity: ch.InventoryCapacity(),
			Task:              live.Task,
			TaskType:          live.TaskType,
			TaskProgress:      live.TaskProgress,
			TaskTotal:         live.TaskTotal,
			Skills:            skillLevels(&live),
			CooldownUntil:     ch.CooldownUntil(),
			Stale:             stale,
			LastError:         lastErr,
		})
	}
	if c.board != nil {
		s.Orders = c.board.Snapshot()
	}
	if c.ledger != nil {
		s.Bank = c.ledger.Summarize()
	}
	return s
}

// Tick samples once and publishes if anything changed. Returns whether
// a snapshot was published.
func (c *Collector) Tick() bool {
	s := c.Collect()
	if equalIgnoringTime(s, c.last) {
		return false
	}
	c.last = s
	c.bus.Publish(s)
	return true
}

// Run publishes an initial snapshot and then samples on the interval
// until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	c.Tick()
	for {
		if err := c.clock.Sleep(ctx, c.interval); err != nil {
			return
		}
		c.Tick()
	}
}

var trackedSkills = []string{
	"combat", "mining", "woodcutting", "fishing", "alchemy",
	"weaponcrafting", "gearcrafting", "jewelrycrafting", "cooking",
}

func skillLevels(live *api.Character) map[string]int {
	skills := make(map[string]int, len(trackedSkills))
	for _, skill := range trackedSkills {
		skills[skill] = live.SkillLevel(skill)
	}
	return skills
}
