/*
Package factory provides JSON to Go billing configuration conversion.

PURPOSE:
  Converts JSON client configurations into billing.Config objects. This
  enables per-client configuration without code changes - an administrator
  can define a client's tariff and penalty policy in JSON, and the factory
  creates the proper Go structs.

WHY JSON?
  - Non-developers can modify client configs
  - Easy integration with admin UI
  - Version control for config definitions
  - Database storage of client configs

JSON SCHEMA:
  {
    "fiscal_year_start": 7,
    "due_day": 10,
    "rate_per_m3": "28.50",
    "minimum_charge": "150.00",
    "penalty": {
      "grace_period_days": 0,
      "rate": "0.05",
      "compound": false
    }
  }

MONEY AND RATES:
  Monetary amounts and rates are JSON strings, never floats. "28.50" pesos
  parses to 2850 centavos exactly; a float 28.50 might not. The penalty
  rate stays a decimal fraction ("0.05" = 5% per month).

KEY FEATURES:
  - Validates structure and ranges
  - Sets sensible defaults (calendar fiscal year, due day 10, 5% simple)
  - Rejects sub-centavo amounts

USAGE:
  factory := NewConfigFactory()

  cfg, err := factory.ParseConfig(jsonString)

  // Or start from a preset
  cfg, err := factory.ParseConfig(factory.StandardHOAJSON("28.50", "150.00"))

SEE ALSO:
  - billing/types.go: Config type definition
*/
package factory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hoaworks/waterbill/billing"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ConfigJSON is the JSON representation of a client billing configuration.
type ConfigJSON struct {
	FiscalYearStart int          `json:"fiscal_year_start,omitempty"` // Month 1-12, default January
	DueDay          int          `json:"due_day,omitempty"`           // Day of following month, default 10
	RatePerM3       string       `json:"rate_per_m3"`                 // Pesos per cubic meter, decimal string
	MinimumCharge   string       `json:"minimum_charge,omitempty"`    // Pesos, decimal string
	Penalty         *PenaltyJSON `json:"penalty,omitempty"`
}

// PenaltyJSON represents penalty accrual configuration.
type PenaltyJSON struct {
	GracePeriodDays int    `json:"grace_period_days,omitempty"`
	Rate            string `json:"rate"` // Monthly fraction, e.g. "0.05"
	Compound        bool   `json:"compound,omitempty"`
}

// =============================================================================
// CONFIG FACTORY
// =============================================================================

// ConfigFactory converts JSON configs to billing.Config.
type ConfigFactory struct{}

// NewConfigFactory creates a new config factory.
func NewConfigFactory() *ConfigFactory {
	return &ConfigFactory{}
}

// ParseConfig parses a JSON string into a billing.Config.
func (f *ConfigFactory) ParseConfig(jsonStr string) (billing.Config, error) {
	var cj ConfigJSON
	if err := json.Unmarshal([]byte(jsonStr), &cj); err != nil {
		return billing.Config{}, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	return f.FromJSON(cj)
}

// FromJSON converts ConfigJSON to billing.Config, applying defaults and
// validating ranges.
func (f *ConfigFactory) FromJSON(cj ConfigJSON) (billing.Config, error) {
	cfg := billing.Config{
		FiscalYearStart: time.January,
		DueDay:          10,
		Penalty: billing.PenaltyConfig{
			Rate: decimal.RequireFromString("0.05"),
		},
	}

	if cj.FiscalYearStart != 0 {
		if cj.FiscalYearStart < 1 || cj.FiscalYearStart > 12 {
			return billing.Config{}, fmt.Errorf("fiscal_year_start %d out of range 1-12", cj.FiscalYearStart)
		}
		cfg.FiscalYearStart = time.Month(cj.FiscalYearStart)
	}

	if cj.DueDay != 0 {
		if cj.DueDay < 1 || cj.DueDay > 28 {
			// 29-31 would shift in short months; keep due dates stable.
			return billing.Config{}, fmt.Errorf("due_day %d out of range 1-28", cj.DueDay)
		}
		cfg.DueDay = cj.DueDay
	}

	if cj.RatePerM3 == "" {
		return billing.Config{}, fmt.Errorf("rate_per_m3 is required")
	}
	rate, err := parsePesos("rate_per_m3", cj.RatePerM3)
	if err != nil {
		return billing.Config{}, err
	}
	cfg.RatePerM3 = rate

	if cj.MinimumCharge != "" {
		minCharge, err := parsePesos("minimum_charge", cj.MinimumCharge)
		if err != nil {
			return billing.Config{}, err
		}
		cfg.MinimumCharge = minCharge
	}

	if cj.Penalty != nil {
		if cj.Penalty.GracePeriodDays < 0 {
			return billing.Config{}, fmt.Errorf("grace_period_days must not be negative")
		}
		cfg.Penalty.GracePeriodDays = cj.Penalty.GracePeriodDays
		cfg.Penalty.Compound = cj.Penalty.Compound

		if cj.Penalty.Rate != "" {
			pr, err := decimal.NewFromString(cj.Penalty.Rate)
			if err != nil {
				return billing.Config{}, fmt.Errorf("invalid penalty rate %q: %w", cj.Penalty.Rate, err)
			}
			if pr.IsNegative() || pr.GreaterThan(decimal.NewFromInt(1)) {
				return billing.Config{}, fmt.Errorf("penalty rate %s out of range 0-1", pr)
			}
			cfg.Penalty.Rate = pr
		}
	}

	return cfg, nil
}

// ToJSON converts a billing.Config to its JSON representation.
func (f *ConfigFactory) ToJSON(cfg billing.Config) ConfigJSON {
	return ConfigJSON{
		FiscalYearStart: int(cfg.FiscalYearStart),
		DueDay:          cfg.DueDay,
		RatePerM3:       cfg.RatePerM3.Pesos().String(),
		MinimumCharge:   cfg.MinimumCharge.Pesos().String(),
		Penalty: &PenaltyJSON{
			GracePeriodDays: cfg.Penalty.GracePeriodDays,
			Rate:            cfg.Penalty.Rate.String(),
			Compound:        cfg.Penalty.Compound,
		},
	}
}

func parsePesos(field, value string) (billing.Money, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	m, err := billing.FromPesos(d)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	if m.IsNegative() {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return m, nil
}

// =============================================================================
// PRESET CONFIGS
// =============================================================================

// StandardHOAJSON returns a JSON config for a typical HOA water concession:
// calendar fiscal year, bills due the 10th of the following month, 5%
// simple monthly penalty.
func StandardHOAJSON(ratePerM3, minimumCharge string) string {
	return fmt.Sprintf(`{
		"fiscal_year_start": 1,
		"due_day": 10,
		"rate_per_m3": %q,
		"minimum_charge": %q,
		"penalty": {
			"grace_period_days": 0,
			"rate": "0.05",
			"compound": false
		}
	}`, ratePerM3, minimumCharge)
}

// JulyFiscalJSON returns a JSON config for clients whose fiscal year runs
// July through June.
func JulyFiscalJSON(ratePerM3, minimumCharge string) string {
	return fmt.Sprintf(`{
		"fiscal_year_start": 7,
		"due_day": 10,
		"rate_per_m3": %q,
		"minimum_charge": %q,
		"penalty": {
			"grace_period_days": 0,
			"rate": "0.05",
			"compound": false
		}
	}`, ratePerM3, minimumCharge)
}
