package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Plan maps processor price ids to a monthly credit grant.
type Plan struct {
	Code           string   `mapstructure:"code"`
	Name           string   `mapstructure:"name"`
	MonthlyCredits int64    `mapstructure:"monthly_credits"`
	Enterprise     bool     `mapstructure:"enterprise"`
	Free           bool     `mapstructure:"free"`
	PriceIDs       []string `mapstructure:"price_ids"`
}

// ProviderRoute describes one image provider as seen by the router.
type ProviderRoute struct {
	Name         string   `mapstructure:"name"`
	Enabled      bool     `mapstructure:"enabled"`
	Weight       int      `mapstructure:"weight"`
	Capacity     int      `mapstructure:"capacity"`
	SupportsMask bool     `mapstructure:"supports_mask"`
	RoomTypes    []string `mapstructure:"room_types"`
}

type Catalog struct {
	Plans     []Plan          `mapstructure:"plans"`
	Providers []ProviderRoute `mapstructure:"providers"`
}

func DefaultCatalog() Catalog {
	return Catalog{
		Plans: []Plan{
			{Code: "free", Name: "Free", MonthlyCredits: 3, Free: true},
			{Code: "starter", Name: "Starter", MonthlyCredits: 25, PriceIDs: []string{"price_starter_monthly"}},
			{Code: "pro", Name: "Pro", MonthlyCredits: 100, PriceIDs: []string{"price_pro_monthly"}},
			{Code: "enterprise", Name: "Enterprise", MonthlyCredits: 1000, Enterprise: true, PriceIDs: []string{"price_enterprise_monthly"}},
		},
		Providers: []ProviderRoute{
			{Name: "replicate", Enabled: true, Weight: 100, Capacity: 20, SupportsMask: true},
			{Name: "openai", Enabled: true, Weight: 50, Capacity: 5},
		},
	}
}

func (c Catalog) FreePlan() Plan {
	for _, p := range c.Plans {
		if p.Free {
			return p
		}
	}
	return Plan{Code: "free", Name: "Free", Free: true}
}

func (c Catalog) PlanByPriceID(priceID string) (Plan, bool) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return Plan{}, false
	}
	for _, p := range c.Plans {
		for _, id := range p.PriceIDs {
			if strings.TrimSpace(id) == priceID {
				return p, true
			}
		}
	}
	return Plan{}, false
}

func (c Catalog) PlanByCode(code string) (Plan, bool) {
	code = strings.ToLower(strings.TrimSpace(code))
	for _, p := range c.Plans {
		if strings.ToLower(p.Code) == code {
			return p, true
		}
	}
	return Plan{}, false
}

type CatalogHolder struct {
	current atomic.Value // holds Catalog
}

// NewStaticCatalogHolder serves a fixed catalog without watching any file.
func NewStaticCatalogHolder(c Catalog) *CatalogHolder {
	holder := &CatalogHolder{}
	holder.current.Store(c)
	return holder
}

func NewCatalogHolder() (*CatalogHolder, error) {
	v := viper.New()

	v.SetConfigName("catalog")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/stagecraft/config")
	v.AddConfigPath("/etc/stagecraft")
	v.AddConfigPath(".")

	v.SetEnvPrefix("STAGECRAFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	watch := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		watch = false
	}

	cfg := DefaultCatalog()
	if watch {
		var loaded Catalog
		if err := v.Unmarshal(&loaded); err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := validateCatalog(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticCatalogHolder(cfg)
	if !watch {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated Catalog
		if err := v.Unmarshal(&updated); err != nil {
			log.Printf("[catalog] reload failed: %v", err)
			return
		}
		if err := validateCatalog(updated); err != nil {
			log.Printf("[catalog] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[catalog] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *CatalogHolder) Get() Catalog {
	return h.current.Load().(Catalog)
}

func validateCatalog(cfg Catalog) error {
	if len(cfg.Plans) == 0 {
		return errors.New("catalog.plans cannot be empty")
	}
	seen := map[string]struct{}{}
	for _, p := range cfg.Plans {
		code := strings.ToLower(strings.TrimSpace(p.Code))
		if code == "" {
			return errors.New("catalog.plans code is required")
		}
		if _, dup := seen[code]; dup {
			return fmt.Errorf("catalog.plans duplicate code %q", code)
		}
		seen[code] = struct{}{}
		if p.MonthlyCredits < 0 {
			return fmt.Errorf("catalog.plans %q monthly_credits must not be negative", code)
		}
	}
	for _, r := range cfg.Providers {
		if strings.TrimSpace(r.Name) == "" {
			return errors.New("catalog.providers name is required")
		}
		if r.Capacity < 0 || r.Weight < 0 {
			return fmt.Errorf("catalog.providers %q weight and capacity must not be negative", r.Name)
		}
	}
	return nil
}
