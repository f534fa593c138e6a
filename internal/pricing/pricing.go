package pricing

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	pmetrics "github.com/quarrylab/quarry/internal/metrics"
)

// Config structure for the pricing section in config/pricing.yaml
type config struct {
	Pricing struct {
		Defaults struct {
			InputPer1K  float64 `yaml:"input_per_1k"`
			OutputPer1K float64 `yaml:"output_per_1k"`
			CachedPer1K float64 `yaml:"cached_per_1k"`
		} `yaml:"defaults"`
		Models map[string]map[string]struct {
			InputPer1K  float64 `yaml:"input_per_1k"`
			OutputPer1K float64 `yaml:"output_per_1k"`
			CachedPer1K float64 `yaml:"cached_per_1k"`
		} `yaml:"models"`
	} `yaml:"pricing"`
}

// Built-in rates when no pricing file is present: output priced above
// input, cached input priced far below fresh input.
const (
	defaultInputPer1K  = 0.003
	defaultOutputPer1K = 0.015
	defaultCachedPer1K = 0.0003
)

var (
	mu          sync.RWMutex
	loaded      *config
	initialized bool
)

// default locations inside containers / local dev
var defaultPaths = []string{
	os.Getenv("PRICING_CONFIG_PATH"),
	"/app/config/pricing.yaml",
	"./config/pricing.yaml",
}

// findUpConfig searches parent directories for config/pricing.yaml starting at CWD.
func findUpConfig() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "pricing.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}

// loadLocked loads the configuration - must be called while holding mu.Lock()
func loadLocked() {
	var cfg config
	for _, p := range defaultPaths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var tmp config
		if err := yaml.Unmarshal(data, &tmp); err != nil {
			log.Printf("WARNING: Failed to unmarshal pricing config from %s: %v", p, err)
			continue
		}
		cfg = tmp
		break
	}
	if cfg.Pricing.Defaults.InputPer1K == 0 && len(cfg.Pricing.Models) == 0 {
		if path, ok := findUpConfig(); ok {
			if data, err := os.ReadFile(path); err == nil {
				var tmp config
				if err := yaml.Unmarshal(data, &tmp); err == nil {
					cfg = tmp
				}
			}
		}
	}
	loaded = &cfg
	initialized = true
}

func get() *config {
	mu.RLock()
	if initialized {
		defer mu.RUnlock()
		return loaded
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		loadLocked()
	}
	return loaded
}

// ModifiedTime returns the mtime of the config file used (best-effort).
func ModifiedTime() time.Time {
	for _, p := range defaultPaths {
		if p == "" {
			continue
		}
		if st, err := os.Stat(p); err == nil {
			return st.ModTime()
		}
	}
	return time.Time{}
}

// Reload forces a re-read of pricing configuration.
func Reload() {
	mu.Lock()
	defer mu.Unlock()
	initialized = false
	loadLocked()
}

// Rates are the per-1K-unit prices applied to one generation call.
type Rates struct {
	InputPer1K  float64
	OutputPer1K float64
	CachedPer1K float64
}

// DefaultRates returns the configured default rates, falling back to
// the built-in constants.
func DefaultRates() Rates {
	cfg := get()
	r := Rates{
		InputPer1K:  cfg.Pricing.Defaults.InputPer1K,
		OutputPer1K: cfg.Pricing.Defaults.OutputPer1K,
		CachedPer1K: cfg.Pricing.Defaults.CachedPer1K,
	}
	if r.InputPer1K <= 0 {
		r.InputPer1K = defaultInputPer1K
	}
	if r.OutputPer1K <= 0 {
		r.OutputPer1K = defaultOutputPer1K
	}
	if r.CachedPer1K <= 0 {
		r.CachedPer1K = defaultCachedPer1K
	}
	return r
}

// RatesForModel returns the rates for a model across all providers,
// falling back to defaults for any rate the model omits.
func RatesForModel(model string) (Rates, bool) {
	def := DefaultRates()
	if model == "" {
		return def, false
	}
	cfg := get()
	for _, models := range cfg.Pricing.Models {
		if m, ok := models[model]; ok {
			r := Rates{InputPer1K: m.InputPer1K, OutputPer1K: m.OutputPer1K, CachedPer1K: m.CachedPer1K}
			if r.InputPer1K <= 0 {
				r.InputPer1K = def.InputPer1K
			}
			if r.OutputPer1K <= 0 {
				r.OutputPer1K = def.OutputPer1K
			}
			if r.CachedPer1K <= 0 {
				r.CachedPer1K = def.CachedPer1K
			}
			return r, true
		}
	}
	return def, false
}

// CostForSplit computes the cost of one generation call from its
// input/output/cached unit split. Unknown models use default rates and
// are counted as pricing fallbacks.
func CostForSplit(model string, inputUnits, outputUnits, cachedUnits int) float64 {
	if inputUnits < 0 {
		inputUnits = 0
	}
	if outputUnits < 0 {
		outputUnits = 0
	}
	if cachedUnits < 0 {
		cachedUnits = 0
	}

	rates, ok := RatesForModel(model)
	if !ok {
		if model == "" {
			pmetrics.PricingFallbacks.WithLabelValues("missing_model").Inc()
		} else {
			pmetrics.PricingFallbacks.WithLabelValues("unknown_model").Inc()
		}
	}
	return (float64(inputUnits)/1000.0)*rates.InputPer1K +
		(float64(outputUnits)/1000.0)*rates.OutputPer1K +
		(float64(cachedUnits)/1000.0)*rates.CachedPer1K
}

// CacheSavings returns the cost avoided by the cached units of one call:
// what those units would have cost at the fresh-input rate minus what
// they cost at the cached rate.
func CacheSavings(model string, cachedUnits int) float64 {
	if cachedUnits <= 0 {
		return 0
	}
	rates, _ := RatesForModel(model)
	saved := (float64(cachedUnits) / 1000.0) * (rates.InputPer1K - rates.CachedPer1K)
	if saved < 0 {
		return 0
	}
	return saved
}

// ValidateMap validates the pricing section in a raw config map for the
// config manager.
func ValidateMap(m map[string]interface{}) error {
	p, ok := m["pricing"].(map[string]interface{})
	if !ok {
		return nil
	}
	if d, ok := p["defaults"].(map[string]interface{}); ok {
		for _, key := range []string{"input_per_1k", "output_per_1k", "cached_per_1k"} {
			if v, ok := d[key].(float64); ok && v < 0 {
				return errors.New("pricing.defaults." + key + " must be >= 0")
			}
		}
	}
	if provs, ok := p["models"].(map[string]interface{}); ok {
		for provName, pm := range provs {
			models, ok := pm.(map[string]interface{})
			if !ok {
				continue
			}
			for modelName, mv := range models {
				entry, ok := mv.(map[string]interface{})
				if !ok {
					continue
				}
				for _, key := range []string{"input_per_1k", "output_per_1k", "cached_per_1k"} {
					if v, ok := entry[key].(float64); ok && v < 0 {
						return errors.New("negative " + key + " for " + provName + ":" + modelName)
					}
				}
			}
		}
	}
	return nil
}
