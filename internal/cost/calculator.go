// Package cost computes per-lookup pricing for metered skip-trace providers.
package cost

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Rates holds per-provider pricing configuration.
type Rates struct {
	Providers map[string]ProviderRate `yaml:"providers" mapstructure:"providers"`
}

// ProviderRate holds pricing for one provider.
type ProviderRate struct {
	// LookupCents is the flat price of one billable lookup, in cents.
	LookupCents int64 `yaml:"lookup_cents" mapstructure:"lookup_cents"`
	// NoHitCents applies when the provider reports no match. Most contracts
	// bill no-hits at a reduced rate or zero.
	NoHitCents int64 `yaml:"no_hit_cents" mapstructure:"no_hit_cents"`
}

// Calculator resolves lookup costs from configured rates.
type Calculator struct {
	rates    Rates
	fallback int64
}

// NewCalculator creates a Calculator. fallbackCents applies to providers
// with no configured rate.
func NewCalculator(rates Rates, fallbackCents int64) *Calculator {
	return &Calculator{rates: rates, fallback: fallbackCents}
}

// LookupCents returns the billable cost of one lookup against provider.
func (c *Calculator) LookupCents(provider string) int64 {
	if r, ok := c.rates.Providers[provider]; ok && r.LookupCents > 0 {
		return r.LookupCents
	}
	return c.fallback
}

// NoHitCents returns the cost of a no-match lookup against provider.
func (c *Calculator) NoHitCents(provider string) int64 {
	if r, ok := c.rates.Providers[provider]; ok {
		return r.NoHitCents
	}
	return 0
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Providers: map[string]ProviderRate{
			"trestle": {LookupCents: 7, NoHitCents: 0},
		},
	}
}

// LoadRates reads pricing rates from a YAML file.
func LoadRates(path string) (Rates, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rates{}, eris.Wrapf(err, "cost: read rates %s", path)
	}

	var wrapper struct {
		Pricing Rates `yaml:"pricing"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return Rates{}, eris.Wrap(err, "cost: parse rates")
	}
	if len(wrapper.Pricing.Providers) == 0 {
		return Rates{}, eris.Errorf("cost: rates file %s has no providers", path)
	}
	return wrapper.Pricing, nil
}
