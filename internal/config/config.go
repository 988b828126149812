// Package config handles the agent's persistent JSON configuration.
//
// The config file is the source of truth for character behavior; the
// dashboard edits it through the /api/config endpoints with optimistic
// concurrency on a content hash. Environment variables override the
// server/game sections for deployment concerns.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// Defaults.
const (
	DefaultPort               = "8080"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultOrderBoardPath     = "data/orders.json"
	DefaultRestTriggerPct     = 50
	DefaultRestTargetPct      = 90
	DefaultDepositThreshold   = 0.8
	DefaultExpansionInterval  = 300000 // ms
	DefaultExpansionBuffer    = 20000  // gold kept back
	DefaultExpansionGoldPct   = 0.5
	DefaultEventMinRemaining  = 300000 // ms
	DefaultEventMinWinrate    = 95
	DefaultEventCooldown      = 600000 // ms
	DefaultEventMaxMonster    = "elite"
	DefaultTravelMode         = "smart"
	DefaultMinSavingsSeconds  = 10
	DefaultMoveSecondsPerTile = 5
	DefaultItemUseSeconds     = 3
	DefaultOrderLeaseMs       = 900000 // 15 min
	DefaultGatherBlockMs      = 600000 // 10 min
)

// ServerConfig is the HTTP/dashboard side of the process.
type ServerConfig struct {
	Port      string `json:"port"`
	LogLevel  string `json:"logLevel"`
	LogFormat string `json:"logFormat"`
	// CORSOrigins lists origins allowed to call the API from a browser.
	// Empty admits every origin; the API binds to localhost in practice.
	CORSOrigins []string `json:"corsOrigins,omitempty"`
}

// GameConfig locates the upstream game server.
type GameConfig struct {
	APIURL  string `json:"apiUrl"`
	Token   string `json:"token"`
	Account string `json:"account"`
	Sandbox bool   `json:"sandbox"`
}

// OrderBoardConfig configures the persistent order board.
type OrderBoardConfig struct {
	Path    string `json:"path"`
	LeaseMs int64  `json:"leaseMs"`
}

// RestSettings drives the rest routine.
type RestSettings struct {
	TriggerPct int `json:"triggerPct"`
	TargetPct  int `json:"targetPct"`
}

// DepositSettings drives the deposit-bank routine.
type DepositSettings struct {
	ThresholdPct      float64        `json:"thresholdPct"` // fraction of capacity, 0..1
	KeepByCode        map[string]int `json:"keepByCode"`
	SellCodes         []string       `json:"sellCodes"`
	RecycleDuplicates bool           `json:"recycleDuplicates"`
	DepositGold       bool           `json:"depositGold"`
	GoldKeep          int            `json:"goldKeep"`
}

// ExpansionSettings drives the bank-expansion routine.
type ExpansionSettings struct {
	Enabled         bool    `json:"enabled"`
	CheckIntervalMs int64   `json:"checkIntervalMs"`
	GoldBuffer      int     `json:"goldBuffer"`
	MaxGoldPct      float64 `json:"maxGoldPct"`
}

// EventSettings drives the event routine.
type EventSettings struct {
	Enabled            bool     `json:"enabled"`
	Events             []string `json:"events"`
	MinTimeRemainingMs int64    `json:"minTimeRemainingMs"`
	MaxMonsterType     string   `json:"maxMonsterType"` // normal, elite, boss
	MinWinratePct      int      `json:"minWinratePct"`
	CooldownMs         int64    `json:"cooldownMs"`
}

// RotationSettings drives the skill-rotation fallback routine.
type RotationSettings struct {
	Weights map[string]int `json:"weights"` // combat, gathering, crafting, task, achievement, orders
	Skills  []string       `json:"skills"`  // gather skills this character trains
}

// TravelSettings drives the bank travel planner.
type TravelSettings struct {
	Mode                  string `json:"mode"` // direct or smart
	AllowRecall           bool   `json:"allowRecall"`
	AllowForestBank       bool   `json:"allowForestBank"`
	MinSavingsSeconds     int    `json:"minSavingsSeconds"`
	IncludeReturnToOrigin bool   `json:"includeReturnToOrigin"`
	MoveSecondsPerTile    int    `json:"moveSecondsPerTile"`
	ItemUseSeconds        int    `json:"itemUseSeconds"`
}

// CharacterSettings is the per-character behavior subtree.
type CharacterSettings struct {
	Rest       RestSettings      `json:"rest"`
	Deposit    DepositSettings   `json:"deposit"`
	Expansion  ExpansionSettings `json:"expansion"`
	Event      EventSettings     `json:"event"`
	Rotation   RotationSettings  `json:"rotation"`
	BankTravel TravelSettings    `json:"bankTravel"`
}

// Config is the whole configuration file.
type Config struct {
	Server     ServerConfig                 `json:"server"`
	Game       GameConfig                   `json:"game"`
	OrderBoard OrderBoardConfig             `json:"orderBoard"`
	Characters map[string]CharacterSettings `json:"characters"`

	// DatabaseURL enables the Postgres order-board store when set.
	// Usually supplied via the DATABASE_URL environment variable.
	DatabaseURL string `json:"databaseUrl,omitempty"`
}

// FieldError is a validation failure tied to a JSON path.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Load reads, normalizes, and validates the config file at path.
// A missing file yields a normalized empty config rather than an error,
// so a fresh checkout starts with defaults. Environment variables are
// applied last (a .env file is honored for local development).
func Load(path string) (*Config, []byte, error) {
	_ = godotenv.Load()

	var cfg Config
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		raw = []byte("{}")
	default:
		return nil, nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	Normalize(&cfg)
	applyEnv(&cfg)

	if errs := Validate(&cfg); len(errs) > 0 {
		return nil, nil, fmt.Errorf("config: %s: %s", errs[0].Path, errs[0].Message)
	}
	return &cfg, raw, nil
}

// Parse normalizes and validates raw JSON without touching the filesystem.
// Used by the dashboard's POST /api/config.
func Parse(raw []byte) (*Config, []FieldError) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, []FieldError{{Path: "$", Message: err.Error()}}
	}
	Normalize(&cfg)
	if errs := Validate(&cfg); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

// Save atomically rewrites the config file.
func Save(path string, raw []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("config: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("config: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("config: close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}

// Hash returns the content hash used as ifMatchHash by the dashboard.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Normalize fills defaults in place. It is idempotent:
// Normalize(Normalize(x)) == Normalize(x).
func Normalize(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = DefaultLogFormat
	}
	if cfg.OrderBoard.Path == "" {
		cfg.OrderBoard.Path = DefaultOrderBoardPath
	}
	if cfg.OrderBoard.LeaseMs <= 0 {
		cfg.OrderBoard.LeaseMs = DefaultOrderLeaseMs
	}
	if cfg.Characters == nil {
		cfg.Characters = map[string]CharacterSettings{}
	}
	for name, cs := range cfg.Characters {
		normalizeCharacter(&cs)
		cfg.Characters[name] = cs
	}
}

func normalizeCharacter(cs *CharacterSettings) {
	if cs.Rest.TriggerPct <= 0 {
		cs.Rest.TriggerPct = DefaultRestTriggerPct
	}
	if cs.Rest.TargetPct <= 0 {
		cs.Rest.TargetPct = DefaultRestTargetPct
	}
	if cs.Deposit.ThresholdPct <= 0 {
		cs.Deposit.ThresholdPct = DefaultDepositThreshold
	}
	if cs.Deposit.KeepByCode == nil {
		cs.Deposit.KeepByCode = map[string]int{}
	}
	if cs.Expansion.CheckIntervalMs <= 0 {
		cs.Expansion.CheckIntervalMs = DefaultExpansionInterval
	}
	if cs.Expansion.GoldBuffer <= 0 {
		cs.Expansion.GoldBuffer = DefaultExpansionBuffer
	}
	if cs.Expansion.MaxGoldPct <= 0 {
		cs.Expansion.MaxGoldPct = DefaultExpansionGoldPct
	}
	if cs.Event.MinTimeRemainingMs <= 0 {
		cs.Event.MinTimeRemainingMs = DefaultEventMinRemaining
	}
	if cs.Event.MaxMonsterType == "" {
		cs.Event.MaxMonsterType = DefaultEventMaxMonster
	}
	if cs.Event.MinWinratePct <= 0 {
		cs.Event.MinWinratePct = DefaultEventMinWinrate
	}
	if cs.Event.CooldownMs <= 0 {
		cs.Event.CooldownMs = DefaultEventCooldown
	}
	if cs.Rotation.Weights == nil {
		cs.Rotation.Weights = map[string]int{
			"combat": 2, "gathering": 3, "crafting": 2, "task": 1, "achievement": 1, "orders": 3,
		}
	}
	if cs.BankTravel.Mode == "" {
		cs.BankTravel.Mode = DefaultTravelMode
	}
	if cs.BankTravel.MinSavingsSeconds <= 0 {
		cs.BankTravel.MinSavingsSeconds = DefaultMinSavingsSeconds
	}
	if cs.BankTravel.MoveSecondsPerTile <= 0 {
		cs.BankTravel.MoveSecondsPerTile = DefaultMoveSecondsPerTile
	}
	if cs.BankTravel.ItemUseSeconds <= 0 {
		cs.BankTravel.ItemUseSeconds = DefaultItemUseSeconds
	}
}

// Validate returns path-tagged errors for values Normalize cannot repair.
func Validate(cfg *Config) []FieldError {
	var errs []FieldError

	if cfg.Server.LogLevel != "" {
		switch cfg.Server.LogLevel {
		case "debug", "info", "warn", "error":
		default:
			errs = append(errs, FieldError{Path: "server.logLevel", Message: "must be one of debug, info, warn, error"})
		}
	}
	if len(cfg.Characters) > 6 {
		errs = append(errs, FieldError{Path: "characters", Message: "at most 6 characters are supported"})
	}

	names := make([]string, 0, len(cfg.Characters))
	for name := range cfg.Characters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cs := cfg.Characters[name]
		base := "characters." + name
		if cs.Rest.TriggerPct > 100 {
			errs = append(errs, FieldError{Path: base + ".rest.triggerPct", Message: "must be <= 100"})
		}
		if cs.Rest.TargetPct > 100 {
			errs = append(errs, FieldError{Path: base + ".rest.targetPct", Message: "must be <= 100"})
		}
		if cs.Rest.TriggerPct > cs.Rest.TargetPct {
			errs = append(errs, FieldError{Path: base + ".rest", Message: "triggerPct must not exceed targetPct"})
		}
		if cs.Deposit.ThresholdPct > 1 {
			errs = append(errs, FieldError{Path: base + ".deposit.thresholdPct", Message: "must be a fraction in (0, 1]"})
		}
		switch cs.BankTravel.Mode {
		case "direct", "smart":
		default:
			errs = append(errs, FieldError{Path: base + ".bankTravel.mode", Message: "must be direct or smart"})
		}
		switch cs.Event.MaxMonsterType {
		case "normal", "elite", "boss":
		default:
			errs = append(errs, FieldError{Path: base + ".event.maxMonsterType", Message: "must be normal, elite, or boss"})
		}
		for key := range cs.Rotation.Weights {
			switch key {
			case "combat", "gathering", "crafting", "task", "achievement", "orders":
			default:
				errs = append(errs, FieldError{Path: base + ".rotation.weights." + key, Message: "unknown rotation branch"})
			}
		}
	}
	return errs
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := os.Getenv("GAME_API_URL"); v != "" {
		cfg.Game.APIURL = v
	}
	if v := os.Getenv("GAME_API_TOKEN"); v != "" {
		cfg.Game.Token = v
	}
	if v := os.Getenv("GAME_ACCOUNT"); v != "" {
		cfg.Game.Account = v
	}
	if v := os.Getenv("GAME_SANDBOX"); v != "" {
		cfg.Game.Sandbox = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("ORDER_BOARD_PATH"); v != "" {
		cfg.OrderBoard.Path = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
}
