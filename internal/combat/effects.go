package combat

import (
	"github.com/mbd888/gridagent/internal/api"
)

// Effect codes recognized by the simulator. Unknown codes are ignored so
// new server effects degrade to "no effect" instead of breaking fights.
const (
	effectBarrier          = "barrier"
	effectReconstitution   = "reconstitution"
	effectHealing          = "healing"
	effectPoison           = "poison"
	effectAntipoison       = "antipoison"
	effectBurn             = "burn"
	effectCorrupted        = "corrupted"
	effectBerserkerRage    = "berserker_rage"
	effectVoidDrain        = "void_drain"
	effectProtectiveBubble = "protective_bubble"
	effectLifesteal        = "lifesteal"
	effectFrenzy           = "frenzy"
	effectRestore          = "restore"
)

// Cadences and thresholds for the turn-boundary effects.
const (
	reconstitutionEvery = 10 // bearer turns between reconstitution heals
	corruptedEvery      = 10 // bearer turns between corrupted ramps
	berserkerHPPct      = 50 // bearer HP percent below which rage applies
	restoreHPPct        = 25 // bearer HP percent that triggers restore
)

// combatant is the mutable per-fight state wrapped around a stat snapshot.
type combatant struct {
	stats api.Stats
	hp    int

	myTurns int // how many turns this combatant has taken

	// Static effect magnitudes, 0 when absent.
	barrier       int
	reconstitute  int
	healing       int
	poison        int
	antipoison    int
	burn          int
	corrupted     int
	berserkerRage int
	voidDrain     int
	lifesteal     int
	frenzy        int
	restore       int

	bubbleCharges int // protective_bubble hits still absorbed

	// Inflicted-by-opponent state.
	poisonTaken int // per-turn poison damage currently on this combatant
	burnTaken   int // current burn tick, halves per application

	corruptedRamp int // accumulated corrupted bonus percent
	frenzyStacks  int // attacks made, for frenzy ramping
	restored      bool
}

func newCombatant(s api.Stats) *combatant {
	c := &combatant{stats: s, hp: s.HP}
	for _, eff := range s.Effects {
		switch eff.Code {
		case effectBarrier:
			c.barrier = eff.Value
		case effectReconstitution:
			c.reconstitute = eff.Value
		case effectHealing:
			c.healing = eff.Value
		case effectPoison:
			c.poison = eff.Value
		case effectAntipoison:
			c.antipoison = eff.Value
		case effectBurn:
			c.burn = eff.Value
		case effectCorrupted:
			c.corrupted = eff.Value
		case effectBerserkerRage:
			c.berserkerRage = eff.Value
		case effectVoidDrain:
			c.voidDrain = eff.Value
		case effectProtectiveBubble:
			c.bubbleCharges = eff.Value
		case effectLifesteal:
			c.lifesteal = eff.Value
		case effectFrenzy:
			c.frenzy = eff.Value
		case effectRestore:
			c.restore = eff.Value
		}
	}
	return c
}

// beginTurn applies turn-boundary effects for the combatant about to act.
// Damage over time lands before healing, so a poisoned combatant at 1 HP
// dies before its own healing tick.
func (c *combatant) beginTurn(_ int, opponent *combatant) {
	c.myTurns++

	// Damage over time inflicted by the opponent.
	if c.poisonTaken > 0 {
		tick := c.poisonTaken - c.antipoison
		if tick > 0 {
			c.hp -= tick
		}
	}
	if c.burnTaken > 0 {
		c.hp -= c.burnTaken
		c.burnTaken /= 2
	}
	if c.hp <= 0 {
		return
	}

	// Healing ticks.
	if c.healing > 0 {
		c.heal(c.healing)
	}
	if c.reconstitute > 0 && c.myTurns%reconstitutionEvery == 0 {
		c.heal(c.reconstitute)
	}
	if c.voidDrain > 0 {
		opponent.hp -= c.voidDrain
		c.heal(c.voidDrain)
	}
	if c.restore > 0 && !c.restored && c.stats.MaxHP > 0 &&
		c.hp*100 < c.stats.MaxHP*restoreHPPct {
		c.heal(c.restore)
		c.restored = true
	}

	// Corrupted ramps every corruptedEvery of the bearer's turns.
	if c.corrupted > 0 && c.myTurns%corruptedEvery == 0 {
		c.corruptedRamp += c.corrupted
	}
}

// adjustOutgoing scales the attacker's computed hit by its ramping and
// conditional damage effects.
func (c *combatant) adjustOutgoing(hit int) int {
	bonus := c.corruptedRamp
	if c.berserkerRage > 0 && c.stats.MaxHP > 0 && c.hp*100 < c.stats.MaxHP*berserkerHPPct {
		bonus += c.berserkerRage
	}
	if c.frenzy > 0 {
		bonus += c.frenzy * c.frenzyStacks
	}
	if bonus != 0 {
		hit += round(float64(hit) * float64(bonus) / 100)
	}
	return hit
}

// adjustIncoming applies the defender's mitigation effects to a hit.
func (c *combatant) adjustIncoming(hit int) int {
	if c.bubbleCharges > 0 {
		c.bubbleCharges--
		return 0
	}
	if c.barrier > 0 {
		hit -= round(float64(hit) * float64(c.barrier) / 100)
		if hit < 0 {
			hit = 0
		}
	}
	return hit
}

// afterHit applies on-hit riders once damage has landed on the defender.
func (c *combatant) afterHit(hit int, defender *combatant) {
	c.frenzyStacks++
	if hit <= 0 {
		return
	}
	if c.lifesteal > 0 {
		c.heal(round(float64(hit) * float64(c.lifesteal) / 100))
	}
	if c.poison > 0 {
		defender.poisonTaken = c.poison
	}
	if c.burn > 0 {
		defender.burnTaken = round(float64(hit) * float64(c.burn) / 100)
	}
}

func (c *combatant) heal(amount int) {
	if amount <= 0 {
		return
	}
	c.hp += amount
	if c.stats.MaxHP > 0 && c.hp > c.stats.MaxHP {
		c.hp = c.stats.MaxHP
	}
}
