package api

import (
	"time"
)

// Element names in server order. Stat records always carry all four.
var Elements = []string{"fire", "earth", "water", "air"}

// Elemental holds one value per damage element.
type Elemental struct {
	Fire  int `json:"fire"`
	Earth int `json:"earth"`
	Water int `json:"water"`
	Air   int `json:"air"`
}

// Get returns the value for a named element.
func (e Elemental) Get(element string) int {
	switch element {
	case "fire":
		return e.Fire
	case "earth":
		return e.Earth
	case "water":
		return e.Water
	case "air":
		return e.Air
	}
	return 0
}

// Set assigns the value for a named element.
func (e *Elemental) Set(element string, v int) {
	switch element {
	case "fire":
		e.Fire = v
	case "earth":
		e.Earth = v
	case "water":
		e.Water = v
	case "air":
		e.Air = v
	}
}

// Stats is the combat-relevant slice of a character or monster snapshot.
type Stats struct {
	HP             int
	MaxHP          int
	Attack         Elemental
	DmgBonus       Elemental // per-element damage bonus, percent
	Dmg            int       // flat damage bonus, percent, applies to every element
	Res            Elemental // resistance, percent
	CriticalStrike int
	Initiative     int
	Effects        []SimpleEffect
}

// SimpleEffect is a named effect with a magnitude, as attached to monsters
// and consumables.
type SimpleEffect struct {
	Code  string `json:"code"`
	Value int    `json:"value"`
}

// InventorySlot is one slot of a character's carried inventory.
type InventorySlot struct {
	Slot     int    `json:"slot"`
	Code     string `json:"code"`
	Quantity int    `json:"quantity"`
}

// SimpleItem is a code/quantity pair used by bank and crafting calls.
type SimpleItem struct {
	Code     string `json:"code"`
	Quantity int    `json:"quantity"`
}

// Character is the server's view of one character.
type Character struct {
	Name  string `json:"name"`
	Level int    `json:"level"`
	XP    int    `json:"xp"`
	MaxXP int    `json:"max_xp"`
	Gold  int    `json:"gold"`
	HP    int    `json:"hp"`
	MaxHP int    `json:"max_hp"`
	X     int    `json:"x"`
	Y     int    `json:"y"`

	AttackFire  int `json:"attack_fire"`
	AttackEarth int `json:"attack_earth"`
	AttackWater int `json:"attack_water"`
	AttackAir   int `json:"attack_air"`
	DmgFire     int `json:"dmg_fire"`
	DmgEarth    int `json:"dmg_earth"`
	DmgWater    int `json:"dmg_water"`
	DmgAir      int `json:"dmg_air"`
	Dmg         int `json:"dmg"`
	ResFire     int `json:"res_fire"`
	ResEarth    int `json:"res_earth"`
	ResWater    int `json:"res_water"`
	ResAir      int `json:"res_air"`

	CriticalStrike int `json:"critical_strike"`
	Initiative     int `json:"initiative"`

	MiningLevel          int `json:"mining_level"`
	WoodcuttingLevel     int `json:"woodcutting_level"`
	FishingLevel         int `json:"fishing_level"`
	AlchemyLevel         int `json:"alchemy_level"`
	WeaponcraftingLevel  int `json:"weaponcrafting_level"`
	GearcraftingLevel    int `json:"gearcrafting_level"`
	JewelrycraftingLevel int `json:"jewelrycrafting_level"`
	CookingLevel         int `json:"cooking_level"`

	Task         string `json:"task"`
	TaskType     string `json:"task_type"`
	TaskProgress int    `json:"task_progress"`
	TaskTotal    int    `json:"task_total"`

	InventoryMaxItems int             `json:"inventory_max_items"`
	Inventory         []InventorySlot `json:"inventory"`

	WeaponSlot     string `json:"weapon_slot"`
	ShieldSlot     string `json:"shield_slot"`
	HelmetSlot     string `json:"helmet_slot"`
	BodyArmorSlot  string `json:"body_armor_slot"`
	LegArmorSlot   string `json:"leg_armor_slot"`
	BootsSlot      string `json:"boots_slot"`
	Ring1Slot      string `json:"ring1_slot"`
	Ring2Slot      string `json:"ring2_slot"`
	AmuletSlot     string `json:"amulet_slot"`
	Artifact1Slot  string `json:"artifact1_slot"`
	Artifact2Slot  string `json:"artifact2_slot"`
	Artifact3Slot  string `json:"artifact3_slot"`
	Utility1Slot   string `json:"utility1_slot"`
	Utility1SlotQt int    `json:"utility1_slot_quantity"`
	Utility2Slot   string `json:"utility2_slot"`
	Utility2SlotQt int    `json:"utility2_slot_quantity"`

	CooldownExpiration time.Time `json:"cooldown_expiration"`
}

// Stats extracts the combat stat record from a character snapshot.
func (c *Character) Stats() Stats {
	return Stats{
		HP:             c.HP,
		MaxHP:          c.MaxHP,
		Attack:         Elemental{Fire: c.AttackFire, Earth: c.AttackEarth, Water: c.AttackWater, Air: c.AttackAir},
		DmgBonus:       Elemental{Fire: c.DmgFire, Earth: c.DmgEarth, Water: c.DmgWater, Air: c.DmgAir},
		Dmg:            c.Dmg,
		Res:            Elemental{Fire: c.ResFire, Earth: c.ResEarth, Water: c.ResWater, Air: c.ResAir},
		CriticalStrike: c.CriticalStrike,
		Initiative:     c.Initiative,
	}
}

// SkillLevel returns the character's level in a named skill.
// "combat" maps to the overall character level.
func (c *Character) SkillLevel(skill string) int {
	switch skill {
	case "mining":
		return c.MiningLevel
	case "woodcutting":
		return c.WoodcuttingLevel
	case "fishing":
		return c.FishingLevel
	case "alchemy":
		return c.AlchemyLevel
	case "weaponcrafting":
		return c.WeaponcraftingLevel
	case "gearcrafting":
		return c.GearcraftingLevel
	case "jewelrycrafting":
		return c.JewelrycraftingLevel
	case "cooking":
		return c.CookingLevel
	case "combat":
		return c.Level
	}
	return 0
}

// Equipment returns the equipped item code per slot, skipping empty slots.
func (c *Character) Equipment() map[string]string {
	eq := map[string]string{
		"weapon":     c.WeaponSlot,
		"shield":     c.ShieldSlot,
		"helmet":     c.HelmetSlot,
		"body_armor": c.BodyArmorSlot,
		"leg_armor":  c.LegArmorSlot,
		"boots":      c.BootsSlot,
		"ring1":      c.Ring1Slot,
		"ring2":      c.Ring2Slot,
		"amulet":     c.AmuletSlot,
		"artifact1":  c.Artifact1Slot,
		"artifact2":  c.Artifact2Slot,
		"artifact3":  c.Artifact3Slot,
		"utility1":   c.Utility1Slot,
		"utility2":   c.Utility2Slot,
	}
	for slot, code := range eq {
		if code == "" {
			delete(eq, slot)
		}
	}
	return eq
}

// Cooldown describes the wait a completed action imposes.
type Cooldown struct {
	TotalSeconds     int       `json:"total_seconds"`
	RemainingSeconds int       `json:"remaining_seconds"`
	Expiration       time.Time `json:"expiration"`
	Reason           string    `json:"reason"`
}

// FightLog is the server's record of one fight.
type FightLog struct {
	XP     int          `json:"xp"`
	Gold   int          `json:"gold"`
	Drops  []SimpleItem `json:"drops"`
	Turns  int          `json:"turns"`
	Result string       `json:"result"` // "win" or "loss"
}

// ActionResult is the common envelope returned by every character action.
// Cooldown is always set; Character is set when the server returns an
// updated snapshot; the remaining fields depend on the action.
type ActionResult struct {
	Cooldown  Cooldown     `json:"cooldown"`
	Character *Character   `json:"character,omitempty"`
	Fight     *FightLog    `json:"fight,omitempty"`
	Items     []SimpleItem `json:"items,omitempty"`
	Gold      int          `json:"gold,omitempty"`
}

// AccessCondition restricts entry to a map tile.
type AccessCondition struct {
	Code     string `json:"code"`
	Operator string `json:"operator"`
	Value    int    `json:"value"`
}

// MapContent is what sits on a map tile, if anything.
type MapContent struct {
	Type string `json:"type"` // monster, resource, bank, workshop, tasks_master, grand_exchange
	Code string `json:"code"`
}

// MapTile is one tile of the world map.
type MapTile struct {
	Name       string            `json:"name"`
	Skin       string            `json:"skin"`
	X          int               `json:"x"`
	Y          int               `json:"y"`
	Content    *MapContent       `json:"content"`
	Conditions []AccessCondition `json:"access_conditions,omitempty"`
}

// Monster is the static description of a monster type.
type Monster struct {
	Code  string `json:"code"`
	Name  string `json:"name"`
	Level int    `json:"level"`
	Type  string `json:"type"` // normal, elite, boss
	HP    int    `json:"hp"`

	AttackFire  int `json:"attack_fire"`
	AttackEarth int `json:"attack_earth"`
	AttackWater int `json:"attack_water"`
	AttackAir   int `json:"attack_air"`
	ResFire     int `json:"res_fire"`
	ResEarth    int `json:"res_earth"`
	ResWater    int `json:"res_water"`
	ResAir      int `json:"res_air"`

	CriticalStrike int            `json:"critical_strike"`
	Initiative     int            `json:"initiative"`
	Effects        []SimpleEffect `json:"effects,omitempty"`
}

// Stats extracts the combat stat record from a monster description.
func (m *Monster) Stats() Stats {
	return Stats{
		HP:             m.HP,
		MaxHP:          m.HP,
		Attack:         Elemental{Fire: m.AttackFire, Earth: m.AttackEarth, Water: m.AttackWater, Air: m.AttackAir},
		Res:            Elemental{Fire: m.ResFire, Earth: m.ResEarth, Water: m.ResWater, Air: m.ResAir},
		CriticalStrike: m.CriticalStrike,
		Initiative:     m.Initiative,
		Effects:        m.Effects,
	}
}

// ItemCraft describes how an item is crafted: the workshop skill, the
// level it requires, and the inputs one craft consumes.
type ItemCraft struct {
	Skill    string       `json:"skill"`
	Level    int          `json:"level"`
	Items    []SimpleItem `json:"items"`
	Quantity int          `json:"quantity"`
}

// Item is the static description of an item type. Craft is nil for
// items that cannot be crafted.
type Item struct {
	Code    string     `json:"code"`
	Name    string     `json:"name"`
	Type    string     `json:"type"`
	Subtype string     `json:"subtype"`
	Level   int        `json:"level"`
	Craft   *ItemCraft `json:"craft,omitempty"`
}

// Resource is a gatherable node type.
type Resource struct {
	Code  string `json:"code"`
	Name  string `json:"name"`
	Skill string `json:"skill"`
	Level int    `json:"level"`
}

// ActiveEvent is a world event currently live on the map.
type ActiveEvent struct {
	Code       string    `json:"code"`
	Name       string    `json:"name"`
	Map        MapTile   `json:"map"`
	Expiration time.Time `json:"expiration"`
	CreatedAt  time.Time `json:"created_at"`
}

// BankDetails summarizes shared bank state.
type BankDetails struct {
	Slots             int `json:"slots"`
	Expansions        int `json:"expansions"`
	NextExpansionCost int `json:"next_expansion_cost"`
	Gold              int `json:"gold"`
}

// Achievement is one account achievement with completion progress.
type Achievement struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Target  string `json:"target"`
	Total   int    `json:"total"`
	Current int    `json:"current"`
}

// GEItem is a grand-exchange listing for an item code.
type GEItem struct {
	Code      string `json:"code"`
	Stock     int    `json:"stock"`
	SellPrice int    `json:"sell_price"`
	BuyPrice  int    `json:"buy_price"`
}

// MapsFilter narrows a maps query.
type MapsFilter struct {
	ContentType string
	ContentCode string
	Page        int
	Size        int
}

// PageFilter is a plain pagination request.
type PageFilter struct {
	Page int
	Size int
}
