package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BarkinBalci/envconfig"
)

// Config holds every environment-tunable parameter of the DP activity engine.
type Config struct {
	ServiceEnvironment string `envconfig:"SERVICE_ENVIRONMENT" default:"development"`
	ServiceAPIPort     string `envconfig:"SERVICE_API_PORT" default:"8080"`

	DataDir string `envconfig:"DATA_DIR" required:"true"`

	EpsilonDAU    float64 `envconfig:"EPSILON_DAU" default:"0.3"`
	EpsilonMAU    float64 `envconfig:"EPSILON_MAU" default:"0.5"`
	Delta         float64 `envconfig:"DELTA" default:"0.000001"`
	AdvancedDelta float64 `envconfig:"ADVANCED_DELTA" default:"0.0000001"`
	MAUWindowDays int     `envconfig:"MAU_WINDOW_DAYS" default:"30"`
	WBound        int     `envconfig:"W_BOUND" default:"2"`

	SketchImpl      string  `envconfig:"SKETCH_IMPL" default:"kmv"`
	SketchK         int     `envconfig:"SKETCH_K" default:"4096"`
	UseBloomForDiff bool    `envconfig:"USE_BLOOM_FOR_DIFF" default:"true"`
	BloomFPRate     float64 `envconfig:"BLOOM_FP_RATE" default:"0.01"`

	DAUBudgetTotal float64 `envconfig:"DAU_BUDGET_TOTAL" default:"3.0"`
	MAUBudgetTotal float64 `envconfig:"MAU_BUDGET_TOTAL" default:"3.5"`
	RDPOrdersRaw   string  `envconfig:"RDP_ORDERS" default:"2,4,8,16,32"`

	HashSaltSecret       string `envconfig:"HASH_SALT_SECRET" required:"true"`
	HashSaltRotationDays int    `envconfig:"HASH_SALT_ROTATION_DAYS" default:"30"`

	ServiceAPIKey string `envconfig:"SERVICE_API_KEY"`
	DefaultSeed   *int64 `envconfig:"DEFAULT_SEED"`
	Timezone      string `envconfig:"TIMEZONE" default:"UTC"`
}

// Load reads the process environment into a Config, applying the documented
// defaults and required-field checks.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if cfg.HashSaltRotationDays < cfg.MAUWindowDays {
		return nil, fmt.Errorf("HASH_SALT_ROTATION_DAYS (%d) must be >= MAU_WINDOW_DAYS (%d)", cfg.HashSaltRotationDays, cfg.MAUWindowDays)
	}
	switch cfg.SketchImpl {
	case "kmv", "set":
	default:
		return nil, fmt.Errorf("SKETCH_IMPL must be one of kmv, set, got %q", cfg.SketchImpl)
	}
	return &cfg, nil
}

// RDPOrders parses the configured comma-separated Renyi orders.
func (c *Config) RDPOrders() ([]float64, error) {
	parts := strings.Split(c.RDPOrdersRaw, ",")
	orders := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid RDP_ORDERS entry %q: %w", p, err)
		}
		if v <= 1 {
			return nil, fmt.Errorf("RDP_ORDERS entries must be > 1, got %v", v)
		}
		orders = append(orders, v)
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("RDP_ORDERS must contain at least one value greater than 1")
	}
	return orders, nil
}
