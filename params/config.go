package params

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/minjcho/hedgemark/pkg/engine/market"
	"github.com/minjcho/hedgemark/pkg/engine/perp"
	"github.com/minjcho/hedgemark/pkg/hbar"
)

type Engine struct {
	MaxLeverage     int
	FundingInterval time.Duration
	SweepInterval   time.Duration
}

type Node struct {
	APIAddr      string
	AdminKey     string
	StateDir     string
	ArchiveDir   string
	PersistState bool
	LogFile      string
	MarketsFile  string
}

type Config struct {
	Engine Engine
	Node   Node
}

func Default() Config {
	return Config{
		Engine: Engine{
			MaxLeverage:     10,
			FundingInterval: time.Hour,
			SweepInterval:   5 * time.Second,
		},
		Node: Node{
			APIAddr:      ":8080",
			StateDir:     "state",
			ArchiveDir:   "archive",
			PersistState: true,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment
// variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.Node.APIAddr = v
	}
	if v := os.Getenv("ADMIN_KEY"); v != "" {
		cfg.Node.AdminKey = v
	}
	if v := os.Getenv("STATE_DIR"); v != "" {
		cfg.Node.StateDir = v
	}
	if v := os.Getenv("ARCHIVE_DIR"); v != "" {
		cfg.Node.ArchiveDir = v
	}
	if v := os.Getenv("PERSIST_STATE"); v != "" {
		cfg.Node.PersistState = v == "on" || v == "true" || v == "1"
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}
	if v := os.Getenv("MARKETS_FILE"); v != "" {
		cfg.Node.MarketsFile = v
	}

	if v := os.Getenv("MAX_LEVERAGE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			cfg.Engine.MaxLeverage = n
		}
	}
	if v := os.Getenv("FUNDING_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Engine.FundingInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("LIQUIDATION_SWEEP_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Engine.SweepInterval = time.Duration(ms) * time.Millisecond
		}
	}

	return cfg
}

// SeedMarket is one market bootstrapped from the markets YAML file.
type SeedMarket struct {
	Question    string             `yaml:"question"`
	Creator     string             `yaml:"creator"`
	Escrow      string             `yaml:"escrow"`
	CloseTime   time.Time          `yaml:"closeTime"`
	Outcomes    []string           `yaml:"outcomes"`
	Regime      string             `yaml:"regime"`
	InitialHbar float64            `yaml:"initialHbar"`
	InitialOdds map[string]float64 `yaml:"initialOdds"`
	LiquidityB  float64            `yaml:"liquidityB"`
	SeedOrders  []market.SeedOrder `yaml:"seedOrders"`
}

// MarketsFile is the YAML document behind MARKETS_FILE: seed markets plus an
// optional maintenance-margin schedule override.
type MarketsFile struct {
	Maintenance *perp.MaintenanceSchedule `yaml:"maintenance"`
	Markets     []SeedMarket              `yaml:"markets"`
}

// LoadMarketsFile parses the YAML seed file. A missing path is not an error;
// it just seeds nothing.
func LoadMarketsFile(path string) (*MarketsFile, error) {
	if path == "" {
		return &MarketsFile{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read markets file %s: %w", path, err)
	}
	var mf MarketsFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse markets file %s: %w", path, err)
	}
	return &mf, nil
}

// CreateInput converts a YAML seed into a registry create input.
func (s SeedMarket) CreateInput() market.CreateInput {
	return market.CreateInput{
		Question:    s.Question,
		Creator:     s.Creator,
		Escrow:      s.Escrow,
		CloseTime:   s.CloseTime,
		Outcomes:    s.Outcomes,
		Regime:      market.Regime(s.Regime),
		InitialHbar: hbar.FromHbar(s.InitialHbar),
		InitialOdds: s.InitialOdds,
		LiquidityB:  s.LiquidityB,
		SeedOrders:  s.SeedOrders,
	}
}
