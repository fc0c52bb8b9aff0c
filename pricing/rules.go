/*
rules.go - Pricing rule files

PURPOSE:
  Loads the YAML rule table (rates, category bases, ordered modifiers) and
  pins the file content hash. Rule sets are immutable once loaded; the
  engine swaps whole sets atomically, so concurrent readers never observe a
  torn table.

FILE SHAPE (rules/global.yaml):
  version: 1
  rates:
    hour_electric: "800"
  categories:
    fuel: "1.0"
  modifiers:
    - key: weekend_day
      match: day_general
      factor: "1.10"
      note: weekend day rate

  Modifiers apply in declared order to the rate code or category named by
  `match`; an empty match applies to every computation.

SEE ALSO:
  - engine.go: Evaluation and explanation steps
*/
package pricing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/crew-ledger/canonical"
)

// RuleSet is one immutable, hashed rule table.
type RuleSet struct {
	Version    int
	Rates      map[string]decimal.Decimal
	Categories map[string]decimal.Decimal
	Modifiers  []Modifier

	// SHA is the first 12 hex chars of the SHA-256 of the file bytes the
	// set was loaded from. Always reflects the currently loaded content.
	SHA string
}

// Modifier is one ordered multiplier rule.
type Modifier struct {
	Key    string
	Match  string
	Factor decimal.Decimal
	Note   string
}

// rulesFile mirrors the YAML document. Decimal values are strings so no
// float ever enters the money path.
type rulesFile struct {
	Version    int               `yaml:"version"`
	Rates      map[string]string `yaml:"rates"`
	Categories map[string]string `yaml:"categories"`
	Modifiers  []struct {
		Key    string `yaml:"key"`
		Match  string `yaml:"match"`
		Factor string `yaml:"factor"`
		Note   string `yaml:"note"`
	} `yaml:"modifiers"`
}

// LoadFile reads and validates a rule file.
func LoadFile(path string) (*RuleSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pricing: read rules: %w", err)
	}
	return Parse(raw)
}

// Parse builds a RuleSet from raw YAML bytes.
func Parse(raw []byte) (*RuleSet, error) {
	var f rulesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("pricing: parse rules: %w", err)
	}
	if f.Version <= 0 {
		return nil, fmt.Errorf("pricing: rules version must be positive, got %d", f.Version)
	}
	if len(f.Rates) == 0 {
		return nil, fmt.Errorf("pricing: rules define no rates")
	}

	rs := &RuleSet{
		Version:    f.Version,
		Rates:      make(map[string]decimal.Decimal, len(f.Rates)),
		Categories: make(map[string]decimal.Decimal, len(f.Categories)),
	}

	for code, v := range f.Rates {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("pricing: rate %q: %w", code, err)
		}
		if d.IsNegative() {
			return nil, fmt.Errorf("pricing: rate %q is negative", code)
		}
		rs.Rates[code] = d
	}
	for cat, v := range f.Categories {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("pricing: category %q: %w", cat, err)
		}
		if d.IsNegative() {
			return nil, fmt.Errorf("pricing: category %q is negative", cat)
		}
		rs.Categories[cat] = d
	}
	for i, m := range f.Modifiers {
		if m.Key == "" {
			return nil, fmt.Errorf("pricing: modifier %d has no key", i)
		}
		factor, err := decimal.NewFromString(m.Factor)
		if err != nil {
			return nil, fmt.Errorf("pricing: modifier %q factor: %w", m.Key, err)
		}
		rs.Modifiers = append(rs.Modifiers, Modifier{
			Key:    m.Key,
			Match:  m.Match,
			Factor: factor,
			Note:   m.Note,
		})
	}

	sum := sha256.Sum256(raw)
	rs.SHA = canonical.Short12(hex.EncodeToString(sum[:]))
	return rs, nil
}

// HasRate reports whether the set knows a rate code. Used when validating a
// client's default pricing rule.
func (rs *RuleSet) HasRate(code string) bool {
	_, ok := rs.Rates[code]
	return ok
}
