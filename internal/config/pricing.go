package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// VideoTier charges Cost for any duration up to and including MaxSeconds.
type VideoTier struct {
	MaxSeconds float64 `mapstructure:"maxSeconds" json:"max_seconds" yaml:"maxSeconds"`
	Cost       int64   `mapstructure:"cost" json:"cost" yaml:"cost"`
}

// PricingConfig is the single source of credit costs shared by every caller.
type PricingConfig struct {
	WelcomeBonus   int64            `mapstructure:"welcomeBonus" json:"welcome_bonus"`
	FixedCosts     map[string]int64 `mapstructure:"fixedCosts" json:"fixed_costs"`
	WordsPerCredit int64            `mapstructure:"wordsPerCredit" json:"words_per_credit"`
	VideoTiers     []VideoTier      `mapstructure:"videoTiers" json:"video_tiers"`
	VideoOverflow  int64            `mapstructure:"videoOverflowCost" json:"video_overflow_cost"`

	// GatedKinds are unavailable on the free tier regardless of balance.
	GatedKinds []string `mapstructure:"gatedKinds" json:"gated_kinds"`

	// DailyLimits is keyed by tier then operation kind. Zero or absent means unlimited.
	DailyLimits map[string]map[string]int64 `mapstructure:"dailyLimits" json:"daily_limits"`
}

func DefaultPricingConfig() PricingConfig {
	return PricingConfig{
		WelcomeBonus: 10,
		FixedCosts: map[string]int64{
			"story_text":      0,
			"story_segment":   0,
			"image":           0,
			"character_image": 0,
		},
		WordsPerCredit: 100,
		VideoTiers: []VideoTier{
			{MaxSeconds: 3, Cost: 5},
			{MaxSeconds: 5, Cost: 8},
		},
		VideoOverflow: 12,
		GatedKinds:    []string{"audio", "video"},
		DailyLimits: map[string]map[string]int64{
			"free": {"story_segment": 4},
		},
	}
}

// DailyLimit returns the configured cap for a tier and kind, 0 when unlimited.
func (c PricingConfig) DailyLimit(tier, kind string) int64 {
	limits, ok := c.DailyLimits[strings.ToLower(tier)]
	if !ok {
		return 0
	}
	return limits[kind]
}

// IsGated reports whether kind requires a paid subscription.
func (c PricingConfig) IsGated(kind string) bool {
	for _, gated := range c.GatedKinds {
		if strings.EqualFold(gated, kind) {
			return true
		}
	}
	return false
}

type PricingConfigHolder struct {
	current atomic.Value // holds PricingConfig
}

// NewStaticPricingHolder returns a holder that never reloads.
func NewStaticPricingHolder(cfg PricingConfig) (*PricingConfigHolder, error) {
	if err := ValidatePricingConfig(cfg); err != nil {
		return nil, err
	}
	holder := &PricingConfigHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func NewPricingConfigHolder(log *zap.Logger) (*PricingConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("pricing.config")

	v := viper.New()

	v.SetConfigName("pricing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/taleforge/config") // Volume-mounted config
	v.AddConfigPath("/etc/taleforge")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TALEFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPricingConfig()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		v.SetDefault("pricing", map[string]any{
			"welcomeBonus":      defaults.WelcomeBonus,
			"fixedCosts":        defaults.FixedCosts,
			"wordsPerCredit":    defaults.WordsPerCredit,
			"videoTiers":        videoTierDefaults(defaults.VideoTiers),
			"videoOverflowCost": defaults.VideoOverflow,
			"gatedKinds":        defaults.GatedKinds,
			"dailyLimits":       defaults.DailyLimits,
		})
	}

	cfg, err := decodePricing(v)
	if err != nil {
		return nil, err
	}

	holder := &PricingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodePricing(v)
		if err != nil {
			log.Warn("invalid pricing config ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("pricing config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func videoTierDefaults(tiers []VideoTier) []map[string]any {
	out := make([]map[string]any, 0, len(tiers))
	for _, tier := range tiers {
		out = append(out, map[string]any{"maxSeconds": tier.MaxSeconds, "cost": tier.Cost})
	}
	return out
}

func decodePricing(v *viper.Viper) (PricingConfig, error) {
	var cfg PricingConfig
	if err := v.UnmarshalKey("pricing", &cfg); err != nil {
		return PricingConfig{}, err
	}
	if cfg.WordsPerCredit == 0 {
		cfg.WordsPerCredit = DefaultPricingConfig().WordsPerCredit
	}
	if err := ValidatePricingConfig(cfg); err != nil {
		return PricingConfig{}, err
	}
	return cfg, nil
}

func (h *PricingConfigHolder) Get() PricingConfig {
	return h.current.Load().(PricingConfig)
}

// Set replaces the current snapshot after validation.
func (h *PricingConfigHolder) Set(cfg PricingConfig) error {
	if err := ValidatePricingConfig(cfg); err != nil {
		return err
	}
	h.current.Store(cfg)
	return nil
}

func ValidatePricingConfig(cfg PricingConfig) error {
	if cfg.WelcomeBonus < 0 {
		return errors.New("pricing.welcomeBonus cannot be negative")
	}
	if cfg.WordsPerCredit <= 0 {
		return errors.New("pricing.wordsPerCredit must be positive")
	}
	for kind, cost := range cfg.FixedCosts {
		if cost < 0 {
			return fmt.Errorf("pricing.fixedCosts.%s cannot be negative", kind)
		}
	}
	if len(cfg.VideoTiers) == 0 {
		return errors.New("pricing.videoTiers cannot be empty")
	}
	prev := 0.0
	for i, tier := range cfg.VideoTiers {
		if tier.MaxSeconds <= prev {
			return fmt.Errorf("pricing.videoTiers[%d].maxSeconds must be ascending", i)
		}
		if tier.Cost < 0 {
			return fmt.Errorf("pricing.videoTiers[%d].cost cannot be negative", i)
		}
		prev = tier.MaxSeconds
	}
	if cfg.VideoOverflow < 0 {
		return errors.New("pricing.videoOverflowCost cannot be negative")
	}
	for tier, limits := range cfg.DailyLimits {
		for kind, limit := range limits {
			if limit < 0 {
				return fmt.Errorf("pricing.dailyLimits.%s.%s cannot be negative", tier, kind)
			}
		}
	}
	return nil
}
