// Package combat predicts fight outcomes before committing a character.
//
// The simulation is a pure function over two stat snapshots: identical
// inputs always produce identical results. It mirrors the server's
// documented damage formula turn by turn, so a predicted loss is a cheap
// reason to skip a fight instead of paying the HP and cooldown to learn
// the same thing.
package combat

import (
	"math"

	"github.com/mbd888/gridagent/internal/api"
)

// MaxTurns caps the fight loop; hitting the cap counts as a loss for the
// character, matching the server timeout rule.
const MaxTurns = 100

// MinSafeHPPct is the remaining-HP fraction CanBeatMonster requires on
// top of a bare win.
const MinSafeHPPct = 20

// Result is the outcome of one simulated fight, from the character's side.
type Result struct {
	Win         bool
	Turns       int
	RemainingHP int // character HP when the fight ends
}

// round is the server's rounding: half away from zero.
func round(f float64) int {
	return int(math.Round(f))
}

// attackDamage computes the expected damage of one attack, before the
// defender's effect adjustments.
//
// Per element: boosted = attack + round(attack * (dmgBonus + dmg) / 100),
// reduced by the defender's resistance percent. The total is scaled by the
// expected critical-strike multiplier.
func attackDamage(attacker, defender api.Stats) int {
	total := 0
	for _, el := range api.Elements {
		attack := attacker.Attack.Get(el)
		if attack <= 0 {
			continue
		}
		boosted := attack + round(float64(attack)*float64(attacker.DmgBonus.Get(el)+attacker.Dmg)/100)
		reduction := round(float64(boosted) * float64(defender.Res.Get(el)) / 100)
		if hit := boosted - reduction; hit > 0 {
			total += hit
		}
	}

	crit := attacker.CriticalStrike
	if crit > 100 {
		crit = 100
	}
	return round(float64(total) * (1 + float64(crit)/100*0.5))
}

// Simulate runs a deterministic fight between the character and monster
// stat snapshots.
//
// Turn order: higher initiative acts first; ties go to the higher max HP;
// a full tie goes to the character. Each action advances the turn counter,
// so "turns" counts actions, not rounds.
func Simulate(char, monster api.Stats) Result {
	c := newCombatant(char)
	m := newCombatant(monster)

	charFirst := char.Initiative > monster.Initiative ||
		(char.Initiative == monster.Initiative && char.MaxHP >= monster.MaxHP)

	attacker, defender := c, m
	if !charFirst {
		attacker, defender = m, c
	}

	for turn := 1; turn <= MaxTurns; turn++ {
		attacker.beginTurn(turn, defender)
		if defender.hp <= 0 {
			// Damage over time finished the fight before the attack.
			return verdict(c, attacker, turn)
		}
		if attacker.hp <= 0 {
			return verdict(c, defender, turn)
		}

		hit := attackDamage(attacker.stats, defender.stats)
		hit = attacker.adjustOutgoing(hit)
		hit = defender.adjustIncoming(hit)
		defender.hp -= hit
		attacker.afterHit(hit, defender)

		if defender.hp <= 0 {
			return verdict(c, attacker, turn)
		}

		attacker, defender = defender, attacker
	}

	// Timeout: loss for the character.
	remaining := c.hp
	if remaining < 0 {
		remaining = 0
	}
	return Result{Win: false, Turns: MaxTurns, RemainingHP: remaining}
}

// verdict builds the result given that winner just ended the fight on turn.
func verdict(char, winner *combatant, turn int) Result {
	remaining := char.hp
	if remaining < 0 {
		remaining = 0
	}
	return Result{Win: winner == char, Turns: turn, RemainingHP: remaining}
}

// CanBeatMonster reports whether the character wins and keeps at least
// MinSafeHPPct of max HP.
func CanBeatMonster(char, monster api.Stats) bool {
	res := Simulate(char, monster)
	if !res.Win || char.MaxHP == 0 {
		return false
	}
	return res.RemainingHP*100 >= char.MaxHP*MinSafeHPPct
}

// HPNeededForFight returns the HP the character must have going in to
// survive the predicted fight with one point to spare. ok is false when
// the simulation predicts a loss.
func HPNeededForFight(char, monster api.Stats) (hp int, ok bool) {
	res := Simulate(char, monster)
	if !res.Win {
		return 0, false
	}
	return (char.MaxHP - res.RemainingHP) + 1, true
}

// WinChancePct maps the deterministic result onto a confidence percentage
// for threshold checks: a loss is 0, a win scales from 50 up to 100 with
// the remaining-HP fraction.
func WinChancePct(char, monster api.Stats) int {
	res := Simulate(char, monster)
	if !res.Win || char.MaxHP == 0 {
		return 0
	}
	return 50 + 50*res.RemainingHP/char.MaxHP
}
